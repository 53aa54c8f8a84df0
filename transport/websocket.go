package transport

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/gorilla/websocket"

	"github.com/c360/fedstream/errors"
	"github.com/c360/fedstream/pool"
)

const (
	normalClosure = websocket.CloseNormalClosure
	closeMessage  = websocket.CloseMessage
)

var normalCloseFrame = websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")

// Stream names a server-side stream of the websocket protocol.
type Stream string

const (
	StreamPublic  Stream = "public"
	StreamHome    Stream = "home"
	StreamLocal   Stream = "local"
	StreamUser    Stream = "user"
	StreamHashtag Stream = "hashtag"
	StreamList    Stream = "list"
	StreamAdmin   Stream = "admin"
)

// controlFrame is an outbound subscription request.
type controlFrame struct {
	Type     string   `json:"type"`
	Stream   Stream   `json:"stream"`
	Hashtags []string `json:"hashtags,omitempty"`
	ListID   string   `json:"listId,omitempty"`
}

func (f controlFrame) key() string {
	switch f.Stream {
	case StreamHashtag:
		return string(f.Stream) + ":" + strings.Join(f.Hashtags, ",")
	case StreamList:
		return string(f.Stream) + ":" + f.ListID
	default:
		return string(f.Stream)
	}
}

func (m *Manager) connectWebsocket(ctx context.Context, gen uint64) error {
	dctx, cancel := context.WithTimeout(ctx, m.cfg.ConnectTimeout)
	defer cancel()

	header := http.Header{}
	if m.cfg.AccessToken != "" {
		header.Set("Authorization", bearer(m.cfg.AccessToken))
	}

	sock, err := m.dialer.Dial(dctx, m.cfg.streamingURL(), header)
	if err != nil {
		cause := errors.ErrConnectionFailed
		if stderrors.Is(dctx.Err(), context.DeadlineExceeded) {
			cause = errors.ErrConnectionTimeout
		}
		err = errors.WrapTransient(fmt.Errorf("%w: %v", cause, err), "transport", "Connect", "dial streaming endpoint")
		m.failed(gen, err)
		return err
	}

	m.wg.Add(1)
	if !m.opened(gen, sock, nil) {
		m.wg.Done()
		_ = sock.Close()
		return nil
	}
	go m.readWebsocket(sock, gen)
	return nil
}

// readWebsocket processes frames of one socket in arrival order.
func (m *Manager) readWebsocket(sock pool.Socket, gen uint64) {
	defer m.wg.Done()
	for {
		_, data, err := sock.ReadMessage()
		if err != nil {
			m.socketClosed(sock, gen, err)
			return
		}

		frame, op, err := m.parser.ParseFrame(data)
		if err != nil {
			m.dropFrame("unparsed", err)
			continue
		}
		m.emitOperation(gen, frame.Event, frame.Stream, op)
	}
}

// socketClosed handles the end of a read loop. A normal closure is
// reported and ends the connection; any other close schedules a reconnect.
func (m *Manager) socketClosed(sock pool.Socket, gen uint64, err error) {
	code, reason := websocket.CloseAbnormalClosure, err.Error()
	var ce *websocket.CloseError
	if stderrors.As(err, &ce) {
		code, reason = ce.Code, ce.Text
	}

	m.mu.Lock()
	if gen != m.generation || m.state != StateConnected {
		m.mu.Unlock()
		return
	}
	_ = sock.Close()
	m.socket = nil

	if code == normalClosure {
		m.state = StateDisconnected
		m.mu.Unlock()
		m.metrics.setConnected(false)
		m.logger.Info("Server closed connection", "code", code)
		m.emit(ConnectionClosed{Code: code, Reason: reason})
		return
	}

	m.lastErr = errors.WrapTransient(fmt.Errorf("%w: close %d", errors.ErrConnectionLost, code),
		"transport", "read", "read streaming socket")
	attempt, ok := m.scheduleReconnectLocked(gen)
	m.mu.Unlock()

	m.metrics.setConnected(false)
	m.logger.Warn("Connection closed abnormally", "code", code, "reason", reason)
	m.emit(ConnectionClosed{Code: code, Reason: reason})
	if ok {
		m.emit(Reconnecting{Attempt: attempt})
	}
}

func (m *Manager) write(sock pool.Socket, f controlFrame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return errors.WrapInvalid(err, "transport", "write", "encode control frame")
	}
	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	if err := sock.WriteMessage(websocket.TextMessage, data); err != nil {
		return errors.WrapTransient(err, "transport", "write", "send control frame")
	}
	return nil
}

// control sends f when connected over websocket. Over sse and polling it
// only records the subscription.
func (m *Manager) control(method string, f controlFrame) error {
	m.mu.Lock()
	if m.state != StateConnected {
		m.mu.Unlock()
		return errors.WrapInvalid(errors.ErrTransportNotConnected, "transport", method, "send "+f.Type)
	}
	if f.Type == "subscribe" {
		m.subscriptions[f.key()] = f
	} else {
		delete(m.subscriptions, f.key())
	}
	sock := m.socket
	m.mu.Unlock()

	if m.cfg.Protocol != ProtocolWebsocket || sock == nil {
		m.logger.Debug("Control frame has no effect on this protocol", "type", f.Type, "stream", f.Stream)
		return nil
	}
	return m.write(sock, f)
}

// SubscribeToTimeline subscribes to the public, home or local timeline.
// On sse and polling it returns nil without changing what is received.
func (m *Manager) SubscribeToTimeline(stream Stream) error {
	switch stream {
	case StreamPublic, StreamHome, StreamLocal:
	default:
		return errors.WrapInvalid(fmt.Errorf("%w: %q is not a timeline", errors.ErrInvalidData, stream),
			"transport", "SubscribeToTimeline", "check stream")
	}
	return m.control("SubscribeToTimeline", controlFrame{Type: "subscribe", Stream: stream})
}

// SubscribeToNotifications subscribes to the user stream.
func (m *Manager) SubscribeToNotifications() error {
	return m.control("SubscribeToNotifications", controlFrame{Type: "subscribe", Stream: StreamUser})
}

// SubscribeToHashtag subscribes to posts carrying any of tags.
func (m *Manager) SubscribeToHashtag(tags ...string) error {
	if len(tags) == 0 {
		return errors.WrapInvalid(errors.ErrInvalidData, "transport", "SubscribeToHashtag", "check tags")
	}
	return m.control("SubscribeToHashtag", controlFrame{Type: "subscribe", Stream: StreamHashtag, Hashtags: tags})
}

// SubscribeToList subscribes to a list timeline.
func (m *Manager) SubscribeToList(listID string) error {
	if listID == "" {
		return errors.WrapInvalid(errors.ErrInvalidData, "transport", "SubscribeToList", "check list id")
	}
	return m.control("SubscribeToList", controlFrame{Type: "subscribe", Stream: StreamList, ListID: listID})
}

// SubscribeToAdmin subscribes to the admin stream.
func (m *Manager) SubscribeToAdmin() error {
	return m.control("SubscribeToAdmin", controlFrame{Type: "subscribe", Stream: StreamAdmin})
}

// Unsubscribe cancels every subscription to stream.
func (m *Manager) Unsubscribe(stream Stream) error {
	m.mu.Lock()
	var frames []controlFrame
	for _, f := range m.subscriptions {
		if f.Stream == stream {
			f.Type = "unsubscribe"
			frames = append(frames, f)
		}
	}
	m.mu.Unlock()

	if len(frames) == 0 {
		frames = []controlFrame{{Type: "unsubscribe", Stream: stream}}
	}
	for _, f := range frames {
		if err := m.control("Unsubscribe", f); err != nil {
			return err
		}
	}
	return nil
}
