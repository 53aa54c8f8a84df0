package datalayer

import (
	"fmt"

	"github.com/c360/fedstream/errors"
	"github.com/c360/fedstream/streaming"
)

// Callbacks are the renderer hooks for one entity kind. They run on the
// queue flush path after the cache has been updated. Nil hooks are
// skipped.
type Callbacks struct {
	// OnUpdate receives an entity that was inserted or replaced.
	OnUpdate func(streaming.Entity)
	// OnDelete receives the id of an entity removed from the cache.
	OnDelete func(id string)
	// OnEdit receives the cached entity after an edit was applied.
	OnEdit func(streaming.Entity)
	// OnConflict receives a rejected stale edit.
	OnConflict func(id string, conflicts []string)
}

// SetCallbacks registers cb for kind, replacing earlier callbacks.
func (c *Client) SetCallbacks(kind streaming.EntityKind, cb Callbacks) error {
	if !kind.Valid() {
		return errors.WrapInvalid(fmt.Errorf("%w: unknown entity kind %q", errors.ErrInvalidData, kind),
			"datalayer", "SetCallbacks", "check kind")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.callbacks[kind] = cb
	return nil
}

// RemoveCallbacks drops the callbacks for kind.
func (c *Client) RemoveCallbacks(kind streaming.EntityKind) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.callbacks, kind)
}

func (c *Client) callbacksFor(kind streaming.EntityKind) Callbacks {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.callbacks[kind]
}
