// Package cache keeps a per-kind in-memory view of persisted records and
// decides when that view must be reloaded from the store.
package cache

import (
	"sync"
	"time"

	"github.com/japaniel/voxqueue/pkg/content"
	"github.com/japaniel/voxqueue/pkg/metrics"
)

// Operation is a store operation reported to the Coordinator.
type Operation int

const (
	OpInsert Operation = iota
	OpUpdate
	OpDelete
	OpQuery
)

func (op Operation) String() string {
	switch op {
	case OpInsert:
		return "insert"
	case OpUpdate:
		return "update"
	case OpDelete:
		return "delete"
	case OpQuery:
		return "query"
	}
	return "unknown"
}

// Snapshot is an installed cache: content to record. A Snapshot is never
// mutated after SetCache; a reload installs a new one.
type Snapshot map[string]content.Record

// OperationStats counts the operations recorded for one kind.
type OperationStats struct {
	Inserts, Updates, Deletes, Queries int64

	LastInsert, LastUpdate, LastDelete, LastQuery time.Time

	HasOperations bool
}

type kindState struct {
	cache Snapshot
	stats OperationStats
	// stale is set by inserts and deletes and cleared by a reset.
	stale bool
	// version increments with every staleness-causing operation.
	version uint64
}

// Coordinator owns the cache snapshots and operation counters of every kind.
// It is safe for concurrent use.
type Coordinator struct {
	mu    sync.Mutex
	kinds map[content.Kind]*kindState
	now   func() time.Time
}

// NewCoordinator returns a Coordinator with no cache installed for any kind.
func NewCoordinator() *Coordinator {
	c := &Coordinator{kinds: map[content.Kind]*kindState{}, now: time.Now}
	for _, k := range content.Kinds {
		c.kinds[k] = &kindState{}
	}
	return c
}

func (c *Coordinator) state(kind content.Kind) *kindState {
	s, ok := c.kinds[kind]
	if !ok {
		s = &kindState{}
		c.kinds[kind] = s
	}
	return s
}

// GetCache returns the installed snapshot of kind, or nil.
func (c *Coordinator) GetCache(kind content.Kind) Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state(kind).cache
}

// SetCache installs snap as the cache of kind. A nil snap uninstalls it.
func (c *Coordinator) SetCache(kind content.Kind, snap Snapshot) {
	c.mu.Lock()
	c.state(kind).cache = snap
	c.mu.Unlock()
	metrics.CacheEntries.WithLabelValues(kind.String()).Set(float64(len(snap)))
}

// NeedsCacheUpdate reports whether kind must be reloaded: always when no
// cache is installed, never when ignoreChanges is set, and otherwise only if
// an insert or delete was recorded since the last reset. Updates and queries
// leave the cache current.
func (c *Coordinator) NeedsCacheUpdate(kind content.Kind, ignoreChanges bool) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.state(kind)
	if s.cache == nil {
		return true
	}
	if ignoreChanges {
		return false
	}
	return s.stale
}

// ResetUpdateConditions clears the staleness markers of kind.
func (c *Coordinator) ResetUpdateConditions(kind content.Kind) {
	c.mu.Lock()
	c.state(kind).stale = false
	c.mu.Unlock()
}

// StaleVersion returns a token identifying the staleness-causing operations
// recorded so far. Capture it before loading from the store and pass it to
// ResetUpdateConditionsAt once the load is installed.
func (c *Coordinator) StaleVersion(kind content.Kind) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state(kind).version
}

// ResetUpdateConditionsAt clears the staleness markers of kind only if no
// insert or delete was recorded after v was captured, so writes that raced
// with a reload still trigger the next one. It reports whether it reset.
func (c *Coordinator) ResetUpdateConditionsAt(kind content.Kind, v uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.state(kind)
	if s.version != v {
		return false
	}
	s.stale = false
	return true
}

// RecordOperation counts op against kind.
func (c *Coordinator) RecordOperation(op Operation, kind content.Kind) {
	c.mu.Lock()
	s := c.state(kind)
	now := c.now()
	switch op {
	case OpInsert:
		s.stats.Inserts++
		s.stats.LastInsert = now
		s.stale = true
		s.version++
	case OpUpdate:
		s.stats.Updates++
		s.stats.LastUpdate = now
	case OpDelete:
		s.stats.Deletes++
		s.stats.LastDelete = now
		s.stale = true
		s.version++
	case OpQuery:
		s.stats.Queries++
		s.stats.LastQuery = now
	}
	s.stats.HasOperations = true
	c.mu.Unlock()

	metrics.CacheOperationsTotal.WithLabelValues(kind.String(), op.String()).Inc()
}

// GetOperationStats returns a copy of the counters of kind.
func (c *Coordinator) GetOperationStats(kind content.Kind) OperationStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state(kind).stats
}

// AllOperationStats returns a copy of the counters of every kind.
func (c *Coordinator) AllOperationStats() map[content.Kind]OperationStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[content.Kind]OperationStats, len(c.kinds))
	for k, s := range c.kinds {
		out[k] = s.stats
	}
	return out
}

// ResetStats zeroes the counters of kind. Staleness is unaffected.
func (c *Coordinator) ResetStats(kind content.Kind) {
	c.mu.Lock()
	c.state(kind).stats = OperationStats{}
	c.mu.Unlock()
}
