package streaming

import (
	"bytes"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"strings"

	"github.com/c360/fedstream/errors"
)

// Wire event names carried in the frame "event" field.
const (
	EventUpdate       = "update"
	EventDelete       = "delete"
	EventNotification = "notification"
	EventStatusUpdate = "status.update"
)

// ErrUnrecognizedEvent is returned for frames whose event this layer does
// not interpret. Callers drop such frames.
var ErrUnrecognizedEvent = stderrors.New("unrecognized event")

// StreamNames accepts either a single stream name or a list of names.
type StreamNames []string

// UnmarshalJSON implements json.Unmarshaler.
func (s *StreamNames) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) > 0 && b[0] == '"' {
		var one string
		if err := json.Unmarshal(b, &one); err != nil {
			return err
		}
		*s = StreamNames{one}
		return nil
	}
	var many []string
	if err := json.Unmarshal(b, &many); err != nil {
		return err
	}
	*s = many
	return nil
}

// Frame is the inbound wire envelope {event, payload?, stream?}.
type Frame struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Stream  StreamNames     `json:"stream,omitempty"`
}

// Parser turns frames into operations using a Normalizer.
type Parser struct {
	normalizer Normalizer
}

// NewParser creates a Parser. A nil normalizer selects JSONNormalizer.
func NewParser(n Normalizer) *Parser {
	if n == nil {
		n = JSONNormalizer{}
	}
	return &Parser{normalizer: n}
}

// ParseFrame decodes a duplex socket message.
func (p *Parser) ParseFrame(data []byte) (Frame, Operation, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return f, nil, errors.WrapInvalid(fmt.Errorf("%w: %v", errors.ErrParsingFailed, err),
			"streaming", "ParseFrame", "decode envelope")
	}
	if f.Event == "" {
		return f, nil, errors.WrapInvalid(errors.ErrInvalidData, "streaming", "ParseFrame", "read event name")
	}
	op, err := p.ParseEvent(f.Event, f.Payload)
	return f, op, err
}

// ParseEvent builds the operation for a named event. payload may be the
// raw JSON value, a JSON string wrapping the JSON value, or for deletes
// a bare id.
func (p *Parser) ParseEvent(event string, payload []byte) (Operation, error) {
	switch event {
	case EventUpdate:
		e, err := p.entity(KindPost, payload)
		if err != nil {
			return nil, err
		}
		return Update{EntityKind: KindPost, Payload: e}, nil

	case EventNotification:
		e, err := p.entity(KindNotification, payload)
		if err != nil {
			return nil, err
		}
		return Update{EntityKind: KindNotification, Payload: e}, nil

	case EventStatusUpdate:
		e, err := p.entity(KindPost, payload)
		if err != nil {
			return nil, err
		}
		if e.ID == "" || e.EditedAt.IsZero() {
			return nil, errors.WrapInvalid(errors.ErrInvalidData, "streaming", "ParseEvent",
				"read id and edited_at of edit")
		}
		return Edit{EntityID: e.ID, EntityKind: KindPost, Data: e, EditedAt: e.EditedAt}, nil

	case EventDelete:
		id := bareID(payload)
		if id == "" {
			return nil, errors.WrapInvalid(errors.ErrInvalidData, "streaming", "ParseEvent", "read deleted id")
		}
		return Delete{EntityID: id, EntityKind: KindPost}, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnrecognizedEvent, event)
}

// Entity normalizes a raw payload of the given kind. Pollers use it for
// items returned by REST endpoints.
func (p *Parser) Entity(kind EntityKind, payload []byte) (Entity, error) {
	return p.entity(kind, payload)
}

func (p *Parser) entity(kind EntityKind, payload []byte) (Entity, error) {
	raw := unwrapString(payload)
	if len(raw) == 0 {
		return Entity{}, errors.WrapInvalid(errors.ErrInvalidData, "streaming", "entity", "read payload")
	}
	return p.normalizer.Normalize(kind, raw)
}

// unwrapString returns the JSON document inside a JSON string, or the
// input unchanged when it is not a string.
func unwrapString(payload []byte) json.RawMessage {
	payload = bytes.TrimSpace(payload)
	if len(payload) > 0 && payload[0] == '"' {
		var inner string
		if err := json.Unmarshal(payload, &inner); err == nil {
			return json.RawMessage(strings.TrimSpace(inner))
		}
	}
	return json.RawMessage(payload)
}

func bareID(payload []byte) string {
	payload = bytes.TrimSpace(payload)
	if id, ok := scalarString(payload); ok {
		return id
	}
	s := string(payload)
	if strings.ContainsAny(s, "{}[]\" \t\n") {
		return ""
	}
	return s
}
