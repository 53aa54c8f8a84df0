// Package streaming defines the operations that flow from transports
// through the operation queue into the reconciliation cache, and the
// parsing of wire frames into those operations.
package streaming

import (
	"encoding/json"
	"fmt"
	"time"
)

// OpKind discriminates the Operation variants.
type OpKind string

const (
	OpUpdate OpKind = "update"
	OpDelete OpKind = "delete"
	OpEdit   OpKind = "edit"
)

// OpKinds lists every operation kind.
var OpKinds = []OpKind{OpUpdate, OpDelete, OpEdit}

// Operation is a closed variant: Update, Delete or Edit.
type Operation interface {
	OpKind() OpKind
	Entity() EntityKind
	// TargetID returns the id of the target entity, empty when unknown.
	TargetID() string
	sealed()
}

// Update upserts Payload.
type Update struct {
	EntityKind EntityKind
	Payload    Entity
}

// Delete removes the entity EntityID of EntityKind.
type Delete struct {
	EntityID   string
	EntityKind EntityKind
}

// Edit replaces an entity when EditedAt is newer than the cached copy.
type Edit struct {
	EntityID   string
	EntityKind EntityKind
	Data       Entity
	EditedAt   time.Time
}

func (Update) OpKind() OpKind { return OpUpdate }
func (Delete) OpKind() OpKind { return OpDelete }
func (Edit) OpKind() OpKind   { return OpEdit }

func (u Update) Entity() EntityKind { return u.EntityKind }
func (d Delete) Entity() EntityKind { return d.EntityKind }
func (e Edit) Entity() EntityKind   { return e.EntityKind }

func (u Update) TargetID() string { return u.Payload.ID }
func (d Delete) TargetID() string { return d.EntityID }
func (e Edit) TargetID() string   { return e.EntityID }

func (Update) sealed() {}
func (Delete) sealed() {}
func (Edit) sealed()   {}

// Key derives the deduplication key of op. Updates without a payload id
// fall back to the arrival time plus the caller's arrival sequence seq,
// so two of them never collide even at the same instant.
func Key(op Operation, now time.Time, seq uint64) string {
	switch o := op.(type) {
	case Edit:
		return "edit-" + o.EntityID
	case Delete:
		return fmt.Sprintf("delete-%s-%s", o.EntityKind, o.EntityID)
	case Update:
		if o.Payload.ID != "" {
			return fmt.Sprintf("%s-%s", o.EntityKind, o.Payload.ID)
		}
		return fmt.Sprintf("%s-%d-%d", o.EntityKind, now.UnixNano(), seq)
	}
	return ""
}

// Envelope is the JSON encoding of an operation published to other
// processes.
type Envelope struct {
	Op         OpKind          `json:"op"`
	EntityKind EntityKind      `json:"entity_kind"`
	EntityID   string          `json:"entity_id"`
	EditedAt   *time.Time      `json:"edited_at,omitempty"`
	Entity     json.RawMessage `json:"entity,omitempty"`
}

// NewEnvelope describes op as an Envelope.
func NewEnvelope(op Operation) Envelope {
	env := Envelope{Op: op.OpKind(), EntityKind: op.Entity(), EntityID: op.TargetID()}
	switch o := op.(type) {
	case Update:
		env.Entity = o.Payload.Data
	case Edit:
		ts := o.EditedAt
		env.EditedAt = &ts
		env.Entity = o.Data.Data
	}
	return env
}

// Encode renders op as a JSON Envelope.
func Encode(op Operation) ([]byte, error) {
	return json.Marshal(NewEnvelope(op))
}
