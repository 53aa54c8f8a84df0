package transport

import (
	"github.com/c360/fedstream/streaming"
)

// Event names accepted by Manager.On.
const (
	EventOpen         = "connection.open"
	EventClose        = "connection.close"
	EventError        = "connection.error"
	EventReconnecting = "connection.reconnecting"
	EventOperation    = "operation"

	// EventAny subscribes a listener to every event.
	EventAny = "*"
)

// Event is emitted by a Manager. The set of implementations is closed.
type Event interface {
	Name() string
	isEvent()
}

// ConnectionOpened is emitted when a protocol reaches the connected state.
type ConnectionOpened struct {
	Protocol Protocol
}

// ConnectionClosed is emitted when a websocket closes or the transport is
// disconnected. Code 1000 is a normal closure.
type ConnectionClosed struct {
	Code   int
	Reason string
}

// ConnectionError reports a transient I/O failure.
type ConnectionError struct {
	Err error
}

// Reconnecting is emitted before each scheduled reconnect. Attempt starts at 1.
type Reconnecting struct {
	Attempt int
}

// OperationReceived carries one parsed operation.
type OperationReceived struct {
	// Event is the wire event name, e.g. "update".
	Event  string
	Stream []string
	Op     streaming.Operation
}

func (ConnectionOpened) Name() string  { return EventOpen }
func (ConnectionClosed) Name() string  { return EventClose }
func (ConnectionError) Name() string   { return EventError }
func (Reconnecting) Name() string      { return EventReconnecting }
func (OperationReceived) Name() string { return EventOperation }

func (ConnectionOpened) isEvent()  {}
func (ConnectionClosed) isEvent()  {}
func (ConnectionError) isEvent()   {}
func (Reconnecting) isEvent()      {}
func (OperationReceived) isEvent() {}

// Listener receives events.
type Listener func(Event)

// ListenerID identifies a registered listener for Off.
type ListenerID string

// Handlers routes each event variant to a typed callback. Nil callbacks
// are skipped.
type Handlers struct {
	OnOpen         func(ConnectionOpened)
	OnClose        func(ConnectionClosed)
	OnError        func(ConnectionError)
	OnReconnecting func(Reconnecting)
	OnOperation    func(OperationReceived)
}

// Dispatch calls the callback matching e.
func (h Handlers) Dispatch(e Event) {
	switch ev := e.(type) {
	case ConnectionOpened:
		if h.OnOpen != nil {
			h.OnOpen(ev)
		}
	case ConnectionClosed:
		if h.OnClose != nil {
			h.OnClose(ev)
		}
	case ConnectionError:
		if h.OnError != nil {
			h.OnError(ev)
		}
	case Reconnecting:
		if h.OnReconnecting != nil {
			h.OnReconnecting(ev)
		}
	case OperationReceived:
		if h.OnOperation != nil {
			h.OnOperation(ev)
		}
	}
}

// Listener adapts h for Manager.On(EventAny, ...).
func (h Handlers) Listener() Listener {
	return h.Dispatch
}
