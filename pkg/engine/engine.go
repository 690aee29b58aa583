// Package engine owns one wired voxqueue instance: normalizer, queue, cache,
// writer and the background loops that drain the queue.
package engine

import (
	"context"
	"net/http"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/japaniel/voxqueue/pkg/cache"
	"github.com/japaniel/voxqueue/pkg/config"
	"github.com/japaniel/voxqueue/pkg/content"
	"github.com/japaniel/voxqueue/pkg/db"
	"github.com/japaniel/voxqueue/pkg/generate"
	"github.com/japaniel/voxqueue/pkg/ingest"
	"github.com/japaniel/voxqueue/pkg/logger"
	"github.com/japaniel/voxqueue/pkg/metrics"
	"github.com/japaniel/voxqueue/pkg/queue"
	"github.com/japaniel/voxqueue/pkg/segment"
	"github.com/japaniel/voxqueue/pkg/watch"
)

// MetricsPath is where Run serves prometheus metrics.
const MetricsPath = "/metrics"

type Engine struct {
	Config   config.Config
	Registry *db.Registry

	Normalizer  *content.Normalizer
	Queue       *queue.Queue
	Coordinator *cache.Coordinator
	Gate        *cache.Gate
	Writer      *ingest.BatchWriter
	Ingester    *ingest.Ingester
	// Dispatcher is nil when no generator is configured; audio is then
	// expected to arrive through the Watcher.
	Dispatcher *ingest.Dispatcher
	Watcher    *watch.AudioWatcher

	log *logger.Logger
}

type options struct {
	generator ingest.Generator
	analyzer  *segment.Analyzer
}

// Option customizes New.
type Option func(*options)

// WithGenerator replaces the command generator built from the config.
func WithGenerator(gen ingest.Generator) Option {
	return func(o *options) { o.generator = gen }
}

// WithAnalyzer shares an already loaded Japanese analyzer.
func WithAnalyzer(a *segment.Analyzer) Option {
	return func(o *options) { o.analyzer = a }
}

// New wires an engine over reg. The caller keeps ownership of the store
// behind reg.
func New(cfg config.Config, reg *db.Registry, log *logger.Logger, opts ...Option) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	log = logger.OrNop(log)

	if o.analyzer == nil && cfg.SegmentCJK {
		a, err := segment.NewAnalyzer()
		if err != nil {
			return nil, errors.Wrap(err, "load analyzer")
		}
		o.analyzer = a
	}

	norm := content.NewNormalizer(log)
	if cfg.SegmentCJK {
		norm.Segmenter = o.analyzer
	}
	q := queue.New(norm, log)
	coord := cache.NewCoordinator()
	gate := cache.NewGate(coord, reg, cfg.CacheTTL, log)

	writer := ingest.NewBatchWriter(reg, norm, coord, log)
	writer.Ladder.MaxDepth = cfg.BatchMaxDepth

	ig := ingest.NewIngester(q, gate, writer, norm, log)
	ig.Analyzer = o.analyzer

	e := &Engine{
		Config:      cfg,
		Registry:    reg,
		Normalizer:  norm,
		Queue:       q,
		Coordinator: coord,
		Gate:        gate,
		Writer:      writer,
		Ingester:    ig,
		log:         log.With("component", "engine"),
	}

	gen := o.generator
	if gen == nil && cfg.GeneratorBinary != "" {
		gen = generate.NewCommandGenerator(cfg.GeneratorBinary, cfg.GeneratorArgs, cfg.AudioDir, cfg.AudioExt, cfg.GeneratorTimeout)
	}
	if gen != nil {
		e.Dispatcher = ingest.NewDispatcher(q, writer, gate, gen, ingest.DispatchOptions{
			Workers:      cfg.Workers,
			Rate:         cfg.Rate,
			MaxAttempts:  cfg.MaxAttempts,
			PollInterval: cfg.PollInterval,
		}, log)
	}
	if cfg.AudioDir != "" {
		e.Watcher = watch.NewAudioWatcher(cfg.AudioDir, cfg.AudioExt, reg, writer, q, log)
	}
	return e, nil
}

// Run supervises the dispatcher, the audio watcher and the metrics server
// until ctx is done or one of them fails.
func (e *Engine) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	if e.Dispatcher != nil {
		g.Go(func() error { return e.Dispatcher.Run(ctx) })
	}
	if e.Watcher != nil {
		g.Go(func() error { return e.Watcher.Run(ctx) })
	}
	if e.Config.MetricsAddr != "" {
		g.Go(func() error { return e.serveMetrics(ctx, e.Config.MetricsAddr) })
	}
	e.log.Info("engine running",
		"dispatcher", e.Dispatcher != nil, "watcher", e.Watcher != nil, "metrics", e.Config.MetricsAddr)
	return g.Wait()
}

func (e *Engine) serveMetrics(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: MetricsHandler()}
	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()

	select {
	case err := <-errc:
		return errors.Wrap(err, "metrics server")
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return errors.Wrap(err, "shutdown metrics server")
	}
	return nil
}

// MetricsHandler serves every voxqueue collector from a dedicated registry.
func MetricsHandler() http.Handler {
	reg := prometheus.NewRegistry()
	for _, c := range metrics.Collectors() {
		reg.MustRegister(c)
	}
	mux := http.NewServeMux()
	mux.Handle(MetricsPath, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	return mux
}

// Stats is a point-in-time view of the engine.
type Stats struct {
	Queued     map[content.Kind]int
	Stored     map[content.Kind]int64
	Operations map[content.Kind]cache.OperationStats
	InFlight   int64
}

// Stats counts queued and stored content per kind.
func (e *Engine) Stats(ctx context.Context) (Stats, error) {
	s := Stats{
		Queued:     e.Queue.Counts(),
		Stored:     map[content.Kind]int64{},
		Operations: e.Coordinator.AllOperationStats(),
	}
	if e.Dispatcher != nil {
		s.InFlight = e.Dispatcher.InFlight()
	}
	for _, kind := range e.Registry.Kinds() {
		model, err := e.Registry.Model(kind)
		if err != nil {
			return s, err
		}
		n, err := model.Count(ctx)
		if err != nil {
			return s, errors.Wrapf(err, "count %s", kind)
		}
		s.Stored[kind] = n
	}
	return s, nil
}

// Backfill queues every stored record that has no voice file yet, so a
// restarted engine resumes work lost with the previous in-memory queue.
func (e *Engine) Backfill(ctx context.Context) (int, error) {
	var n int
	for _, kind := range e.Registry.Kinds() {
		model, err := e.Registry.Model(kind)
		if err != nil {
			return n, err
		}
		recs, err := model.FindAll(ctx, db.Query{})
		if err != nil {
			return n, errors.Wrapf(err, "find %s records", kind)
		}
		d := e.Queue.For(kind)
		for _, rec := range recs {
			if len(rec.VoiceFiles) > 0 || d.HasItem(rec.Content) {
				continue
			}
			if d.AddBack(rec) {
				n++
			}
		}
	}
	if n > 0 {
		e.log.Info("backfilled queue", "items", n)
	}
	return n, nil
}

// Close stops every cache timer and drops the in-memory caches.
func (e *Engine) Close() {
	for _, kind := range content.Kinds {
		e.Gate.ClearCache(kind)
	}
	e.Gate.Close()
}
