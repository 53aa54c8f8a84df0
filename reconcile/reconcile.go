// Package reconcile keeps the last known state of posts, accounts and
// notifications and applies streaming operations to it.
//
// Each entity kind has its own store, so a lookup always needs both id and
// kind. Updates are upserts gated by a structural check, deletes remove
// the entry, and edits are last-writer-wins by EditedAt: an edit older than
// the cached one is reported as a conflict and leaves the cache unchanged.
package reconcile

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/c360/fedstream/errors"
	"github.com/c360/fedstream/metric"
	"github.com/c360/fedstream/pkg/cache"
	"github.com/c360/fedstream/streaming"
)

// Entry is a cached entity snapshot.
type Entry struct {
	Entity   streaming.Entity `json:"entity"`
	EditedAt time.Time        `json:"edited_at,omitempty"`
}

// Result reports the outcome of ApplyOperation.
type Result struct {
	Applied   bool     `json:"applied"`
	Conflicts []string `json:"conflicts,omitempty"`
}

// Option configures a Cache.
type Option func(*Cache)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(c *Cache) { c.logger = l } }

// WithMetrics registers per-kind store metrics and operation counters
// with registry.
func WithMetrics(registry metric.MetricsRegistrar) Option {
	return func(c *Cache) { c.registry = registry }
}

// Cache is the reconciliation cache.
type Cache struct {
	logger   *slog.Logger
	registry metric.MetricsRegistrar
	metrics  *reconcileMetrics

	// mu makes each apply a single check-then-write step.
	mu     sync.Mutex
	stores map[streaming.EntityKind]cache.Cache[Entry]

	applied   atomic.Int64
	rejected  atomic.Int64
	conflicts atomic.Int64
}

// New creates an empty cache.
func New(cfg Config, opts ...Option) (*Cache, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	c := &Cache{stores: make(map[streaming.EntityKind]cache.Cache[Entry], len(streaming.Kinds))}
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	c.logger = c.logger.With("component", "reconcile")

	if c.registry != nil {
		m, err := newReconcileMetrics(c.registry)
		if err != nil {
			return nil, errors.WrapFatal(err, "reconcile", "New", "register metrics")
		}
		c.metrics = m
	}

	storeCfg := cache.Config{Strategy: cache.StrategySimple}
	if cfg.MaxEntriesPerKind > 0 {
		storeCfg = cache.Config{Strategy: cache.StrategyLRU, MaxSize: cfg.MaxEntriesPerKind}
	}
	for _, kind := range streaming.Kinds {
		store, err := cache.New[Entry](storeCfg,
			cache.WithMetrics[Entry](c.registry, "cache_"+string(kind)),
		)
		if err != nil {
			return nil, errors.WrapFatal(err, "reconcile", "New", "create "+string(kind)+" store")
		}
		c.stores[kind] = store
	}
	return c, nil
}

// ApplyOperation applies op to the store of its entity kind.
func (c *Cache) ApplyOperation(op streaming.Operation) Result {
	if op == nil {
		return Result{}
	}

	c.mu.Lock()
	res := c.applyLocked(op)
	c.mu.Unlock()

	outcome := "applied"
	switch {
	case len(res.Conflicts) > 0:
		outcome = "conflict"
		c.conflicts.Add(1)
	case res.Applied:
		c.applied.Add(1)
	default:
		outcome = "rejected"
		c.rejected.Add(1)
	}
	c.metrics.observe(string(op.OpKind()), string(op.Entity()), outcome)
	return res
}

func (c *Cache) applyLocked(op streaming.Operation) Result {
	store, ok := c.stores[op.Entity()]
	if !ok {
		c.logger.Debug("Unknown entity kind", "kind", op.Entity(), "op", op.OpKind())
		return Result{}
	}

	switch o := op.(type) {
	case streaming.Delete:
		if o.EntityID == "" {
			return Result{}
		}
		existed, err := store.Delete(o.EntityID)
		if err != nil {
			c.logger.Warn("Delete failed", "kind", o.EntityKind, "id", o.EntityID, "error", err)
			return Result{}
		}
		return Result{Applied: existed}

	case streaming.Update:
		if !wellFormed(o.EntityKind, o.Payload) {
			c.logger.Debug("Rejecting malformed update", "kind", o.EntityKind, "id", o.Payload.ID)
			return Result{}
		}
		return c.store(store, Entry{Entity: o.Payload, EditedAt: o.Payload.EditedAt})

	case streaming.Edit:
		if o.EntityID == "" {
			return Result{}
		}
		if cached, ok := store.Get(o.EntityID); ok && cached.EditedAt.After(o.EditedAt) {
			msg := fmt.Sprintf("%s: %s %s cached at %s, incoming edit at %s", errors.ErrEditConflict,
				o.EntityKind, o.EntityID,
				cached.EditedAt.UTC().Format(time.RFC3339Nano), o.EditedAt.UTC().Format(time.RFC3339Nano))
			c.logger.Info("Rejecting stale edit", "kind", o.EntityKind, "id", o.EntityID,
				"cached_edited_at", cached.EditedAt, "edited_at", o.EditedAt)
			return Result{Conflicts: []string{msg}}
		}

		e := o.Data
		e.ID = o.EntityID
		e.Kind = o.EntityKind
		e.EditedAt = o.EditedAt
		return c.store(store, Entry{Entity: e, EditedAt: o.EditedAt})
	}
	return Result{}
}

func (c *Cache) store(store cache.Cache[Entry], entry Entry) Result {
	if _, err := store.Set(entry.Entity.ID, entry); err != nil {
		c.logger.Warn("Store failed", "kind", entry.Entity.Kind, "id", entry.Entity.ID, "error", err)
		return Result{}
	}
	return Result{Applied: true}
}

// wellFormed is the structural check for updates: a non-empty id and the
// field that identifies the kind.
func wellFormed(kind streaming.EntityKind, e streaming.Entity) bool {
	return e.ID != "" && e.Has(kind.DistinguishingField())
}

// GetCachedItem returns the entry for (id, kind).
func (c *Cache) GetCachedItem(id string, kind streaming.EntityKind) (Entry, bool) {
	store, ok := c.stores[kind]
	if !ok || id == "" {
		return Entry{}, false
	}
	return store.Get(id)
}

// Items returns every cached entry of kind, in no particular order.
func (c *Cache) Items(kind streaming.EntityKind) []Entry {
	store, ok := c.stores[kind]
	if !ok {
		return nil
	}
	keys := store.Keys()
	items := make([]Entry, 0, len(keys))
	for _, k := range keys {
		if e, ok := store.Get(k); ok {
			items = append(items, e)
		}
	}
	return items
}

// ClearCache empties all three stores.
func (c *Cache) ClearCache() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for kind, store := range c.stores {
		if err := store.Clear(); err != nil {
			c.logger.Warn("Clear failed", "kind", kind, "error", err)
		}
	}
}

// Stats summarizes the cache.
type Stats struct {
	Entries   int                                         `json:"entries"`
	Applied   int64                                       `json:"applied"`
	Rejected  int64                                       `json:"rejected"`
	Conflicts int64                                       `json:"conflicts"`
	Kinds     map[streaming.EntityKind]cache.StatsSummary `json:"kinds"`
}

// CacheStats returns a snapshot of entry counts and store statistics.
func (c *Cache) CacheStats() Stats {
	s := Stats{
		Applied:   c.applied.Load(),
		Rejected:  c.rejected.Load(),
		Conflicts: c.conflicts.Load(),
		Kinds:     make(map[streaming.EntityKind]cache.StatsSummary, len(c.stores)),
	}
	for kind, store := range c.stores {
		s.Entries += store.Size()
		s.Kinds[kind] = store.Stats().Summary()
	}
	return s
}

// Handler adapts the cache to a queue handler. A stale edit is returned as
// an ErrEditConflict error; rejected updates are not errors.
func (c *Cache) Handler() func(context.Context, streaming.Operation) error {
	return func(_ context.Context, op streaming.Operation) error {
		res := c.ApplyOperation(op)
		if len(res.Conflicts) > 0 {
			return errors.WrapInvalid(errors.ErrEditConflict, "reconcile", "Handler", res.Conflicts[0])
		}
		return nil
	}
}

// Close releases the stores.
func (c *Cache) Close() error {
	for _, store := range c.stores {
		_ = store.Close()
	}
	return nil
}
