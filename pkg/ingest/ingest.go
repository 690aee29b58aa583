package ingest

import (
	"context"
	"sync"

	"github.com/japaniel/voxqueue/pkg/cache"
	"github.com/japaniel/voxqueue/pkg/content"
	"github.com/japaniel/voxqueue/pkg/logger"
	"github.com/japaniel/voxqueue/pkg/queue"
	"github.com/japaniel/voxqueue/pkg/segment"
)

// Ingester turns text into queued sentences and words.
type Ingester struct {
	Queue  *queue.Queue
	Gate   *cache.Gate
	Writer *BatchWriter
	Norm   *content.Normalizer
	// Analyzer extracts Japanese words; nil falls back to whitespace fields.
	Analyzer *segment.Analyzer
	Logger   *logger.Logger
	// OnProgress is called with the number of analyzed sentences and the total.
	OnProgress func(current, total int)

	// Concurrency settings
	Workers int

	// PoolFactory allows tests to inject custom worker pool implementations.
	PoolFactory func(workers, queue int) WorkerPoolInterface
}

// IngestOptions selects what IngestText does with new content.
type IngestOptions struct {
	// PersistOnly inserts new content directly instead of queueing it for
	// generation.
	PersistOnly bool
	// SkipWords ingests sentences only.
	SkipWords bool
}

// IngestStats counts what happened to each piece of ingested content.
type IngestStats struct {
	Sentences int
	Words     int
	// Added counts content queued (or persisted, with PersistOnly).
	Added int
	// Queued counts content skipped because it was already pending.
	Queued int
	// Stored counts content skipped because it is already persisted.
	Stored int
	// Invalid counts content the normalizer rejected.
	Invalid int
	// Failed counts content that could not be queued or persisted.
	Failed int
}

// NewIngester creates a new Ingester.
func NewIngester(q *queue.Queue, gate *cache.Gate, writer *BatchWriter, norm *content.Normalizer, log *logger.Logger) *Ingester {
	return &Ingester{
		Queue:   q,
		Gate:    gate,
		Writer:  writer,
		Norm:    norm,
		Logger:  logger.OrNop(log).With("component", "ingester"),
		Workers: 4, // Default worker count
	}
}

// processedSentence holds the result of analyzing a sentence before ingestion
type processedSentence struct {
	Sentence string
	Words    []string
}

// IngestText splits text into sentences, extracts their words and hands
// every new piece of content to the queue. Word extraction runs on a worker
// pool; content is added in text order.
func (ig *Ingester) IngestText(ctx context.Context, text string, opts IngestOptions) (IngestStats, error) {
	var stats IngestStats
	sentences := segment.Sentences(text)
	if len(sentences) == 0 {
		return stats, nil
	}

	results := make([]processedSentence, len(sentences))
	if err := ig.analyze(ctx, sentences, results, opts.SkipWords); err != nil {
		return stats, err
	}

	var pending []*content.Item
	seen := map[content.Kind]map[string]bool{}
	add := func(raw string, kind content.Kind) {
		item := ig.admit(ctx, raw, kind, &stats)
		if item == nil {
			return
		}
		if seen[item.Kind] == nil {
			seen[item.Kind] = map[string]bool{}
		}
		// Repeats within the same text count as already queued.
		if seen[item.Kind][item.Content] {
			stats.Queued++
			return
		}
		seen[item.Kind][item.Content] = true
		pending = append(pending, item)
	}
	for _, res := range results {
		stats.Sentences++
		add(res.Sentence, content.KindSentence)
		for _, w := range res.Words {
			stats.Words++
			add(w, content.KindWord)
		}
	}

	if opts.PersistOnly {
		ig.persist(ctx, pending, &stats)
	} else {
		for _, item := range pending {
			if ig.Queue.For(item.Kind).AddBack(*item) {
				stats.Added++
			} else {
				stats.Failed++
			}
		}
	}
	ig.Logger.Info("ingested text",
		"sentences", stats.Sentences, "words", stats.Words, "added", stats.Added,
		"queued", stats.Queued, "stored", stats.Stored, "invalid", stats.Invalid, "failed", stats.Failed)
	return stats, ctx.Err()
}

// analyze fills results[i] for every sentence using the worker pool.
func (ig *Ingester) analyze(ctx context.Context, sentences []string, results []processedSentence, skipWords bool) error {
	var wp WorkerPoolInterface
	if ig.PoolFactory != nil {
		wp = ig.PoolFactory(ig.Workers, ig.Workers*2)
	} else {
		wp = NewWorkerPool(ig.Workers, ig.Workers*2)
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	wp.Start(ctx)

	var done sync.WaitGroup
	var processed int
	var mu sync.Mutex
	for i, s := range sentences {
		idx, sent := i, s
		done.Add(1)
		job := func(ctx context.Context) error {
			defer done.Done()
			res := processedSentence{Sentence: sent}
			if !skipWords {
				res.Words = segment.Words(ig.Analyzer, sent)
			}
			results[idx] = res
			if ig.OnProgress != nil {
				mu.Lock()
				processed++
				ig.OnProgress(processed, len(sentences))
				mu.Unlock()
			}
			return nil
		}
		if err := wp.SubmitCtx(ctx, job); err != nil {
			done.Done()
			cancel()
			wp.Close()
			return err
		}
	}
	wp.Close()
	if err := ctx.Err(); err != nil {
		return err
	}
	done.Wait()
	return nil
}

// admit normalizes raw and returns it unless it is invalid, already queued
// or already persisted.
func (ig *Ingester) admit(ctx context.Context, raw string, kind content.Kind, stats *IngestStats) *content.Item {
	item := ig.Norm.Ensure(raw, kind)
	if item == nil {
		stats.Invalid++
		return nil
	}
	if ig.Queue.For(item.Kind).HasItem(item.Content) {
		stats.Queued++
		return nil
	}
	if ig.Gate != nil && ig.Gate.HasContent(ctx, item.Content, item.Kind) {
		stats.Stored++
		return nil
	}
	return item
}

func (ig *Ingester) persist(ctx context.Context, items []*content.Item, stats *IngestStats) {
	byKind := map[content.Kind][]any{}
	for _, item := range items {
		byKind[item.Kind] = append(byKind[item.Kind], *item)
	}
	for _, kind := range content.Kinds {
		if len(byKind[kind]) == 0 {
			continue
		}
		res := ig.Writer.InsertBatch(ctx, byKind[kind], kind)
		stats.Added += res.Success
		stats.Failed += res.Failed
	}
}
