package streaming

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/c360/fedstream/errors"
)

// EntityKind is one of the three disjoint categories kept by the cache.
type EntityKind string

const (
	KindPost         EntityKind = "post"
	KindAccount      EntityKind = "account"
	KindNotification EntityKind = "notification"
)

// Kinds lists every entity kind in a stable order.
var Kinds = []EntityKind{KindPost, KindAccount, KindNotification}

// Valid reports whether k is a known kind.
func (k EntityKind) Valid() bool {
	switch k {
	case KindPost, KindAccount, KindNotification:
		return true
	}
	return false
}

// DistinguishingField names the field an entity of this kind must carry.
func (k EntityKind) DistinguishingField() string {
	switch k {
	case KindPost:
		return "content"
	case KindAccount:
		return "username"
	case KindNotification:
		return "type"
	}
	return ""
}

// Entity is the canonical form of a post, account or notification.
// Data holds the normalized JSON object.
type Entity struct {
	ID        string          `json:"id"`
	Kind      EntityKind      `json:"kind"`
	CreatedAt time.Time       `json:"created_at,omitempty"`
	EditedAt  time.Time       `json:"edited_at,omitempty"`
	Data      json.RawMessage `json:"data"`
}

// Has reports whether Data is an object containing field with a
// non-null value.
func (e Entity) Has(field string) bool {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(e.Data, &fields); err != nil {
		return false
	}
	v, ok := fields[field]
	return ok && !bytes.Equal(bytes.TrimSpace(v), []byte("null"))
}

// Normalizer turns a server wire payload into a canonical Entity.
// Implementations map between server API dialects.
type Normalizer interface {
	Normalize(kind EntityKind, raw json.RawMessage) (Entity, error)
}

// NormalizerFunc adapts a function to Normalizer.
type NormalizerFunc func(kind EntityKind, raw json.RawMessage) (Entity, error)

// Normalize calls f.
func (f NormalizerFunc) Normalize(kind EntityKind, raw json.RawMessage) (Entity, error) {
	return f(kind, raw)
}

// JSONNormalizer understands payloads that already use the canonical
// field names: "id", "created_at" and "edited_at".
type JSONNormalizer struct{}

type canonicalFields struct {
	ID        json.RawMessage `json:"id"`
	CreatedAt *time.Time      `json:"created_at"`
	EditedAt  *time.Time      `json:"edited_at"`
}

// Normalize implements Normalizer.
func (JSONNormalizer) Normalize(kind EntityKind, raw json.RawMessage) (Entity, error) {
	if !kind.Valid() {
		return Entity{}, errors.WrapInvalid(fmt.Errorf("%w: kind %q", errors.ErrInvalidData, kind),
			"streaming", "Normalize", "check entity kind")
	}

	var f canonicalFields
	if err := json.Unmarshal(raw, &f); err != nil {
		return Entity{}, errors.WrapInvalid(fmt.Errorf("%w: %v", errors.ErrParsingFailed, err),
			"streaming", "Normalize", "decode payload")
	}

	e := Entity{Kind: kind, Data: raw}
	if id, ok := scalarString(f.ID); ok {
		e.ID = id
	}
	if f.CreatedAt != nil {
		e.CreatedAt = *f.CreatedAt
	}
	if f.EditedAt != nil {
		e.EditedAt = *f.EditedAt
	}
	return e, nil
}

// scalarString reads a JSON string or number as text.
func scalarString(raw json.RawMessage) (string, bool) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return "", false
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return "", false
		}
		return s, s != ""
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err != nil {
		return "", false
	}
	if _, err := strconv.ParseFloat(n.String(), 64); err != nil {
		return "", false
	}
	return n.String(), true
}
