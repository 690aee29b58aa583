package ingest

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/time/rate"

	"github.com/japaniel/voxqueue/pkg/cache"
	"github.com/japaniel/voxqueue/pkg/content"
	"github.com/japaniel/voxqueue/pkg/logger"
	"github.com/japaniel/voxqueue/pkg/metrics"
	"github.com/japaniel/voxqueue/pkg/queue"
)

// Generator produces the audio of one queued item and returns the name of
// the file it wrote.
type Generator interface {
	Generate(ctx context.Context, item content.Item) (string, error)
}

// DispatchOptions tunes a Dispatcher.
type DispatchOptions struct {
	Workers int
	// Rate caps generation starts per second; 0 means unlimited.
	Rate float64
	// MaxAttempts drops an item after this many failed generations; 0 retries
	// forever.
	MaxAttempts int
	// PollInterval is how long an idle dispatcher waits before looking at
	// the queue again.
	PollInterval time.Duration
}

// Dispatcher feeds queued items to a Generator and persists the results.
type Dispatcher struct {
	queue  *queue.Queue
	writer *BatchWriter
	gate   *cache.Gate
	gen    Generator
	log    *logger.Logger
	opts   DispatchOptions

	// PoolFactory allows tests to inject custom worker pool implementations.
	PoolFactory func(workers, queue int) WorkerPoolInterface

	inflight atomic.Int64
	turn     atomic.Uint64

	mu       sync.Mutex
	attempts map[string]int
}

// NewDispatcher creates a Dispatcher.
func NewDispatcher(q *queue.Queue, writer *BatchWriter, gate *cache.Gate, gen Generator, opts DispatchOptions, log *logger.Logger) *Dispatcher {
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 250 * time.Millisecond
	}
	return &Dispatcher{
		queue:    q,
		writer:   writer,
		gate:     gate,
		gen:      gen,
		log:      logger.OrNop(log).With("component", "dispatcher"),
		opts:     opts,
		attempts: map[string]int{},
	}
}

// Run dispatches until ctx is done. Jobs already handed to a worker finish
// before Run returns.
func (d *Dispatcher) Run(ctx context.Context) error {
	var pool WorkerPoolInterface
	if d.PoolFactory != nil {
		pool = d.PoolFactory(d.opts.Workers, d.opts.Workers)
	} else {
		pool = NewWorkerPool(d.opts.Workers, d.opts.Workers)
	}
	// Workers outlive ctx so that jobs still buffered in the pool run and
	// hand their items back to the queue.
	pool.Start(context.WithoutCancel(ctx))
	defer pool.Close()

	limit := rate.Inf
	if d.opts.Rate > 0 {
		limit = rate.Limit(d.opts.Rate)
	}
	limiter := rate.NewLimiter(limit, 1)

	d.log.Info("dispatcher started", "workers", d.opts.Workers, "rate", d.opts.Rate)
	for {
		if ctx.Err() != nil {
			return nil
		}
		item := d.next()
		if item == nil {
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(d.opts.PollInterval):
			}
			continue
		}

		if err := limiter.Wait(ctx); err != nil {
			d.requeue(item)
			return nil
		}
		it := *item
		err := pool.SubmitCtx(ctx, func(context.Context) error {
			defer d.inflight.Add(-1)
			return d.process(ctx, it)
		})
		if err != nil {
			d.requeue(item)
			if ctx.Err() != nil || errors.Is(err, ErrPoolClosed) {
				return nil
			}
			return errors.Wrap(err, "submit generation job")
		}
	}
}

// next pops the front item, alternating between kinds. The item counts as
// in flight from the moment it leaves the queue.
func (d *Dispatcher) next() *content.Item {
	d.inflight.Add(1)
	start := d.turn.Add(1)
	for i := 0; i < len(content.Kinds); i++ {
		kind := content.Kinds[(int(start)+i)%len(content.Kinds)]
		if item := d.queue.For(kind).RemoveFront(); item != nil {
			return item
		}
	}
	d.inflight.Add(-1)
	return nil
}

// requeue returns an item that was popped but never handed to a worker.
func (d *Dispatcher) requeue(item *content.Item) {
	d.queue.For(item.Kind).AddFront(*item)
	d.inflight.Add(-1)
}

func (d *Dispatcher) process(ctx context.Context, item content.Item) error {
	if ctx.Err() != nil {
		d.queue.For(item.Kind).AddFront(item)
		return nil
	}
	kind := item.Kind.String()
	file, err := d.gen.Generate(ctx, item)
	if err != nil {
		if ctx.Err() != nil {
			// Shutting down: keep the item for the next run of this process.
			d.queue.For(item.Kind).AddFront(item)
			return nil
		}
		return d.retry(item, errors.Wrapf(err, "generate %s %q", kind, item.Content))
	}

	// The item may have been queued again while it was generating.
	d.queue.For(item.Kind).RemoveByContent(item.Content)

	if !d.persist(ctx, item, file) {
		metrics.GenerationTotal.WithLabelValues(kind, "unsaved").Inc()
		return d.retry(item, errors.Errorf("persist %s %q", kind, item.Content))
	}
	d.clearAttempts(item.Content)
	metrics.GenerationTotal.WithLabelValues(kind, "ok").Inc()
	d.log.Debug("generated", "kind", kind, "content", item.Content, "file", file)
	return nil
}

// retry puts a failed item back at the end of its queue, or drops it once
// it has failed MaxAttempts times. It returns err only when the item is
// dropped.
func (d *Dispatcher) retry(item content.Item, err error) error {
	kind := item.Kind.String()
	n := d.fail(item.Content)
	if d.opts.MaxAttempts > 0 && n >= d.opts.MaxAttempts {
		d.clearAttempts(item.Content)
		metrics.GenerationTotal.WithLabelValues(kind, "dropped").Inc()
		d.log.Warn("dropping item", "kind", kind, "content", item.Content, "attempts", n, "error", err)
		return err
	}
	metrics.GenerationTotal.WithLabelValues(kind, "retry").Inc()
	d.log.Debug("requeued after failure", "kind", kind, "content", item.Content, "attempts", n, "error", err)
	d.queue.For(item.Kind).AddBack(item)
	return nil
}

// persist inserts the generated content, or attaches file to the record
// that already holds it. The record is read from the store because cached
// copies are not refreshed by updates and writing one back would revert
// newer fields.
func (d *Dispatcher) persist(ctx context.Context, item content.Item, file string) bool {
	if d.gate.HasContent(ctx, item.Content, item.Kind) {
		if existing := d.writer.Lookup(ctx, item.Content, item.Kind); existing != nil {
			if existing.HasVoiceFile(file) {
				return true
			}
			existing.VoiceFiles = append(existing.VoiceFiles, file)
			return d.writer.UpdateContent(ctx, *existing, item.Kind) != nil
		}
	}
	rec := content.Record{Content: item.Content, Kind: item.Kind, VoiceFiles: []string{file}}
	return d.writer.InsertContent(ctx, rec, item.Kind) != nil
}

func (d *Dispatcher) fail(c string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.attempts[c]++
	return d.attempts[c]
}

func (d *Dispatcher) clearAttempts(c string) {
	d.mu.Lock()
	delete(d.attempts, c)
	d.mu.Unlock()
}

// InFlight returns the number of items taken from the queue and not yet
// finished.
func (d *Dispatcher) InFlight() int64 { return d.inflight.Load() }

// Drain blocks until the queue is empty and nothing is in flight, or ctx is
// done.
func (d *Dispatcher) Drain(ctx context.Context) error {
	ticker := time.NewTicker(d.opts.PollInterval)
	defer ticker.Stop()
	for {
		if d.queue.Len() == 0 && d.inflight.Load() == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
