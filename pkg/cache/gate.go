package cache

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/japaniel/voxqueue/pkg/content"
	"github.com/japaniel/voxqueue/pkg/db"
	"github.com/japaniel/voxqueue/pkg/logger"
	"github.com/japaniel/voxqueue/pkg/metrics"
)

// DefaultTTL is the inactivity window after which a kind's cache is purged.
const DefaultTTL = 120 * time.Second

type gateKind struct {
	// reload serializes loads, refreshes and purges of this kind.
	reload sync.Mutex
	ttl    *TTL
	hits   atomic.Int64
}

// Gate is the read path over the store: cache-aside lookups with
// inactivity eviction and a direct store fallback for existence checks.
// Lookups never return errors; store failures are logged and read as
// "not found".
type Gate struct {
	coord *Coordinator
	reg   *db.Registry
	log   *logger.Logger
	kinds map[content.Kind]*gateKind
}

// NewGate returns a Gate reading from reg and caching in coord. A ttl <= 0
// selects DefaultTTL.
func NewGate(coord *Coordinator, reg *db.Registry, ttl time.Duration, log *logger.Logger) *Gate {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	g := &Gate{
		coord: coord,
		reg:   reg,
		log:   logger.OrNop(log).With("component", "cache"),
		kinds: map[content.Kind]*gateKind{},
	}
	for _, k := range content.Kinds {
		kind := k
		gk := &gateKind{}
		gk.ttl = NewTTL(ttl, func() { g.expire(kind) })
		g.kinds[kind] = gk
	}
	return g
}

// Coordinator returns the coordinator the Gate caches in.
func (g *Gate) Coordinator() *Coordinator { return g.coord }

func (g *Gate) kind(kind content.Kind) *gateKind {
	gk, ok := g.kinds[kind]
	if !ok {
		g.log.Warn("unknown kind", "kind", kind)
	}
	return gk
}

// EnsureMemoryCache reloads the cache of kind if the Coordinator reports it
// stale, and returns the installed snapshot. It returns nil if the load
// fails.
func (g *Gate) EnsureMemoryCache(ctx context.Context, kind content.Kind, ignoreChanges bool) Snapshot {
	gk := g.kind(kind)
	if gk == nil {
		return nil
	}
	if !g.coord.NeedsCacheUpdate(kind, ignoreChanges) {
		return g.coord.GetCache(kind)
	}

	gk.reload.Lock()
	defer gk.reload.Unlock()
	// Another caller may have reloaded while we waited.
	if !g.coord.NeedsCacheUpdate(kind, ignoreChanges) {
		return g.coord.GetCache(kind)
	}
	return g.load(ctx, kind, gk)
}

// load reads every record of kind and installs them. gk.reload must be held.
func (g *Gate) load(ctx context.Context, kind content.Kind, gk *gateKind) Snapshot {
	model, err := g.reg.Model(kind)
	if err != nil {
		g.log.Error("no model for kind", "kind", kind, "error", err)
		return nil
	}
	version := g.coord.StaleVersion(kind)
	recs, err := model.FindAll(ctx, db.Query{})
	if err != nil {
		g.log.Error("cache reload failed", "kind", kind, "error", err)
		return nil
	}

	snap := make(Snapshot, len(recs))
	for _, r := range recs {
		snap[r.Content] = r
	}
	g.coord.SetCache(kind, snap)
	if !g.coord.ResetUpdateConditionsAt(kind, version) {
		g.log.Debug("writes landed during reload; cache stays stale", "kind", kind)
	}
	gk.ttl.Touch()

	metrics.CacheReloadsTotal.WithLabelValues(kind.String()).Inc()
	g.log.Debug("cache reloaded", "kind", kind, "records", len(snap))
	return snap
}

// purge uninstalls the cache of kind. gk.reload must be held.
func (g *Gate) purge(kind content.Kind, gk *gateKind) {
	g.coord.SetCache(kind, nil)
	gk.hits.Store(0)
}

// expire is the TTL callback.
func (g *Gate) expire(kind content.Kind) {
	gk := g.kinds[kind]
	gk.reload.Lock()
	defer gk.reload.Unlock()
	// A reload that won the lock restarted the countdown.
	if gk.ttl.Active() {
		return
	}
	hits := gk.hits.Load()
	g.purge(kind, gk)
	metrics.CacheEvictionsTotal.WithLabelValues(kind.String()).Inc()
	g.log.Debug("cache evicted after inactivity", "kind", kind, "hits", hits)
}

func (g *Gate) hit(kind content.Kind, gk *gateKind) {
	gk.hits.Add(1)
	gk.ttl.Touch()
	g.coord.RecordOperation(OpQuery, kind)
}

type hasOptions struct {
	property      func(content.Record) bool
	useCache      bool
	ignoreChanges bool
}

// HasOption adjusts HasContent.
type HasOption func(*hasOptions)

// WithProperty requires the found record to satisfy check. A cached record
// failing check is reported as absent without consulting the store.
func WithProperty(check func(content.Record) bool) HasOption {
	return func(o *hasOptions) { o.property = check }
}

// WithoutCache queries the store directly.
func WithoutCache() HasOption {
	return func(o *hasOptions) { o.useCache = false }
}

// IgnoreChanges uses an installed cache even if writes were recorded since
// it was loaded.
func IgnoreChanges() HasOption {
	return func(o *hasOptions) { o.ignoreChanges = true }
}

// HasContent reports whether a record of kind with content c exists. The
// cache is consulted first; a miss falls through to the store.
func (g *Gate) HasContent(ctx context.Context, c string, kind content.Kind, opts ...HasOption) bool {
	o := hasOptions{useCache: true}
	for _, opt := range opts {
		opt(&o)
	}
	gk := g.kind(kind)
	if gk == nil {
		return false
	}

	if o.useCache {
		if snap := g.EnsureMemoryCache(ctx, kind, o.ignoreChanges); snap != nil {
			if rec, ok := snap[c]; ok {
				g.hit(kind, gk)
				return o.property == nil || o.property(rec)
			}
		}
	}

	model, err := g.reg.Model(kind)
	if err != nil {
		return false
	}
	rec, err := model.FindOne(ctx, db.Query{Where: db.Where{Content: c}})
	if err != nil {
		g.log.Error("existence check failed", "kind", kind, "content", c, "error", err)
		return false
	}
	if rec == nil {
		return false
	}
	return o.property == nil || o.property(*rec)
}

// GetCachedItem returns the cached record of kind with content c, reloading
// the cache first if it is stale. A miss returns nil; the store is not
// consulted.
func (g *Gate) GetCachedItem(ctx context.Context, c string, kind content.Kind, ignoreChanges bool) *content.Record {
	gk := g.kind(kind)
	if gk == nil {
		return nil
	}
	snap := g.EnsureMemoryCache(ctx, kind, ignoreChanges)
	rec, ok := snap[c]
	if !ok {
		return nil
	}
	g.hit(kind, gk)
	out := rec.Clone()
	return &out
}

// ForceRefreshCache drops and reloads the cache of kind regardless of the
// staleness markers. It reports whether the reload succeeded.
func (g *Gate) ForceRefreshCache(ctx context.Context, kind content.Kind) bool {
	gk := g.kind(kind)
	if gk == nil {
		return false
	}
	gk.reload.Lock()
	defer gk.reload.Unlock()
	gk.ttl.Clear()
	g.purge(kind, gk)
	return g.load(ctx, kind, gk) != nil
}

// ClearCache stops the inactivity countdown of kind and drops its cache.
func (g *Gate) ClearCache(kind content.Kind) {
	gk := g.kind(kind)
	if gk == nil {
		return
	}
	gk.reload.Lock()
	defer gk.reload.Unlock()
	gk.ttl.Clear()
	g.purge(kind, gk)
}

// Hits returns the number of cache hits of kind since its cache was last
// dropped.
func (g *Gate) Hits(kind content.Kind) int64 {
	if gk, ok := g.kinds[kind]; ok {
		return gk.hits.Load()
	}
	return 0
}

// Close stops every inactivity countdown. Installed caches stay in place.
func (g *Gate) Close() {
	for _, gk := range g.kinds {
		gk.ttl.Clear()
	}
}
