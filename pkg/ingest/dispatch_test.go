package ingest

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/japaniel/voxqueue/pkg/content"
	"github.com/japaniel/voxqueue/pkg/db/dbtest"
	"github.com/japaniel/voxqueue/pkg/logger"
	"github.com/japaniel/voxqueue/pkg/queue"
)

// fakeGenerator fails the first failures[content] calls for a content, then
// succeeds with "<fingerprint>.wav".
type fakeGenerator struct {
	mu       sync.Mutex
	failures map[string]int
	calls    map[string]int
}

func newFakeGenerator() *fakeGenerator {
	return &fakeGenerator{failures: map[string]int{}, calls: map[string]int{}}
}

func (g *fakeGenerator) Generate(ctx context.Context, item content.Item) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls[item.Content]++
	if g.calls[item.Content] <= g.failures[item.Content] {
		return "", errors.New("synthesis failed")
	}
	return item.Fingerprint + ".wav", nil
}

func (g *fakeGenerator) Calls(c string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls[c]
}

func runDispatcher(t *testing.T, f *writerFixture, q *queue.Queue, gen Generator, maxAttempts int) {
	d := NewDispatcher(q, f.bw, f.gate, gen, DispatchOptions{
		Workers:      2,
		MaxAttempts:  maxAttempts,
		PollInterval: 5 * time.Millisecond,
	}, logger.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	drainCtx, drainCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer drainCancel()
	require.NoError(t, d.Drain(drainCtx))
	cancel()
	require.NoError(t, <-done)
	assert.Zero(t, d.InFlight())
}

func TestDispatcherPersistsGeneratedItems(t *testing.T) {
	f := newWriter(t)
	q := queue.New(content.NewNormalizer(nil), nil)
	require.True(t, q.Words().AddBack([]string{"dog", "cat"}))
	require.True(t, q.Sentences().AddBack("The dog barks."))

	runDispatcher(t, f, q, newFakeGenerator(), 3)

	assert.Zero(t, q.Len())
	assert.Equal(t, []string{"cat", "dog"}, f.models[content.KindWord].Contents())
	assert.Equal(t, []string{"The dog barks."}, f.models[content.KindSentence].Contents())

	rec := f.gate.GetCachedItem(context.Background(), "dog", content.KindWord, false)
	require.NotNil(t, rec)
	assert.Equal(t, []string{content.Fingerprint("dog") + ".wav"}, rec.VoiceFiles)
}

func TestDispatcherRetriesFailedGeneration(t *testing.T) {
	f := newWriter(t)
	q := queue.New(content.NewNormalizer(nil), nil)
	gen := newFakeGenerator()
	gen.failures["dog"] = 2
	require.True(t, q.Words().AddBack("dog"))

	runDispatcher(t, f, q, gen, 3)

	assert.Equal(t, 3, gen.Calls("dog"))
	assert.True(t, f.models[content.KindWord].Has("dog"))
}

func TestDispatcherDropsAfterMaxAttempts(t *testing.T) {
	f := newWriter(t)
	q := queue.New(content.NewNormalizer(nil), nil)
	gen := newFakeGenerator()
	gen.failures["dog"] = 100
	require.True(t, q.Words().AddBack([]string{"dog", "cat"}))

	runDispatcher(t, f, q, gen, 3)

	assert.Equal(t, 3, gen.Calls("dog"))
	assert.Equal(t, []string{"cat"}, f.models[content.KindWord].Contents())
	assert.False(t, q.Words().HasItem("dog"))
}

func TestDispatcherAttachesVoiceFileToExistingRecord(t *testing.T) {
	f := newWriter(t)
	f.models[content.KindWord].Seed(content.Record{Content: "dog", Translation: "犬", VoiceFiles: []string{"old.wav"}})
	q := queue.New(content.NewNormalizer(nil), nil)
	require.True(t, q.Words().AddBack("dog"))

	runDispatcher(t, f, q, newFakeGenerator(), 3)

	rec, err := f.models[content.KindWord].FindOne(context.Background(), dbQueryContent("dog"))
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, "犬", rec.Translation)
	assert.Equal(t, []string{"old.wav", content.Fingerprint("dog") + ".wav"}, rec.VoiceFiles)
	assert.EqualValues(t, 1, f.coord.GetOperationStats(content.KindWord).Updates)
	assert.Zero(t, f.coord.GetOperationStats(content.KindWord).Inserts)
}

func TestDispatcherKeepsFieldsUpdatedAfterCacheLoad(t *testing.T) {
	ctx := context.Background()
	f := newWriter(t)
	f.models[content.KindWord].Seed(content.Record{Content: "dog"})
	f.gate.EnsureMemoryCache(ctx, content.KindWord, false)
	require.NotNil(t, f.bw.UpdateContent(ctx, content.Record{Content: "dog", Translation: "犬"}, content.KindWord))

	q := queue.New(content.NewNormalizer(nil), nil)
	require.True(t, q.Words().AddBack("dog"))
	runDispatcher(t, f, q, newFakeGenerator(), 3)

	rec, err := f.models[content.KindWord].FindOne(ctx, dbQueryContent("dog"))
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, "犬", rec.Translation)
	assert.Equal(t, []string{content.Fingerprint("dog") + ".wav"}, rec.VoiceFiles)
}

func TestDispatcherRetriesFailedPersist(t *testing.T) {
	f := newWriter(t)
	var creates atomic.Int32
	f.models[content.KindWord].FailOn = func(op string, _ content.Record) bool {
		return op == dbtest.OpCreate && creates.Add(1) <= 2
	}
	q := queue.New(content.NewNormalizer(nil), nil)
	gen := newFakeGenerator()
	require.True(t, q.Words().AddBack("dog"))

	runDispatcher(t, f, q, gen, 3)

	assert.Equal(t, 3, gen.Calls("dog"))
	assert.Equal(t, []string{"dog"}, f.models[content.KindWord].Contents())
	assert.Zero(t, q.Len())
}

func TestDispatcherDropsAfterMaxPersistFailures(t *testing.T) {
	f := newWriter(t)
	f.models[content.KindWord].FailOn = func(op string, rec content.Record) bool {
		return rec.Content == "dog"
	}
	q := queue.New(content.NewNormalizer(nil), nil)
	gen := newFakeGenerator()
	require.True(t, q.Words().AddBack([]string{"dog", "cat"}))

	runDispatcher(t, f, q, gen, 3)

	assert.Equal(t, 3, gen.Calls("dog"), "every failed save is retried until the attempt limit")
	assert.Equal(t, []string{"cat"}, f.models[content.KindWord].Contents())
	assert.False(t, q.Words().HasItem("dog"))
}

func TestDispatcherRequeuesOnShutdown(t *testing.T) {
	f := newWriter(t)
	q := queue.New(content.NewNormalizer(nil), nil)
	require.True(t, q.Words().AddBack([]string{"dog", "cat"}))

	blocking := generatorFunc(func(ctx context.Context, item content.Item) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	})
	d := NewDispatcher(q, f.bw, f.gate, blocking, DispatchOptions{
		Workers:      1,
		PollInterval: 5 * time.Millisecond,
	}, logger.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	// One item is generating and the other waits in the pool.
	require.Eventually(t, func() bool { return d.InFlight() == 2 }, time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	assert.Zero(t, d.InFlight())
	assert.Equal(t, 2, q.Len(), "nothing is lost on shutdown")
	assert.Empty(t, f.models[content.KindWord].Contents())
}

type generatorFunc func(ctx context.Context, item content.Item) (string, error)

func (f generatorFunc) Generate(ctx context.Context, item content.Item) (string, error) {
	return f(ctx, item)
}
