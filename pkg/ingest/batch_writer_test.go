package ingest

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/japaniel/voxqueue/pkg/cache"
	"github.com/japaniel/voxqueue/pkg/content"
	"github.com/japaniel/voxqueue/pkg/db"
	"github.com/japaniel/voxqueue/pkg/db/dbtest"
	"github.com/japaniel/voxqueue/pkg/logger"
)

type writerFixture struct {
	bw     *BatchWriter
	coord  *cache.Coordinator
	gate   *cache.Gate
	models map[content.Kind]*dbtest.Model
}

func newWriter(t *testing.T) *writerFixture {
	reg, models := dbtest.NewRegistry()
	coord := cache.NewCoordinator()
	norm := content.NewNormalizer(logger.NewNop())
	gate := cache.NewGate(coord, reg, 0, logger.NewNop())
	t.Cleanup(gate.Close)
	return &writerFixture{
		bw:     NewBatchWriter(reg, norm, coord, logger.NewNop()),
		coord:  coord,
		gate:   gate,
		models: models,
	}
}

func wordsN(n int) []any {
	out := make([]any, n)
	for i := range out {
		out[i] = fmt.Sprintf("word%d", i)
	}
	return out
}

func dbQueryContent(c string) db.Query {
	return db.Query{Where: db.Where{Content: c}}
}

func poison(c string) func(string, content.Record) bool {
	return func(_ string, rec content.Record) bool { return rec.Content == c }
}

func TestLadderChunkSize(t *testing.T) {
	l := DefaultLadder()
	for total, want := range map[int]int{1: 1, 100: 100, 101: 100, 1000: 100, 1001: 1000, 2500: 1000} {
		assert.Equal(t, want, l.ChunkSize(total), "total %d", total)
	}
}

func TestInsertBatchChunksLargeBatches(t *testing.T) {
	f := newWriter(t)
	res := f.bw.InsertBatch(context.Background(), wordsN(2500), content.KindWord)

	assert.Equal(t, 2500, res.Success)
	assert.Zero(t, res.Failed)
	require.Len(t, res.Results, 2500)
	assert.Equal(t, "word0", res.Results[0].Content)
	assert.Equal(t, "word2499", res.Results[2499].Content)

	stats := f.models[content.KindWord].Stats()
	assert.Equal(t, 3, stats.Transactions)
	assert.Equal(t, []int{1000, 1000, 500}, stats.CommittedSizes)
	// One recorded operation per committed chunk.
	assert.EqualValues(t, 3, f.coord.GetOperationStats(content.KindWord).Inserts)
}

func TestInsertBatchIsolatesPoisonItem(t *testing.T) {
	f := newWriter(t)
	words := f.models[content.KindWord]
	words.FailOn = poison("word42")

	res := f.bw.InsertBatch(context.Background(), wordsN(150), content.KindWord)
	assert.Equal(t, 149, res.Success)
	assert.Equal(t, 1, res.Failed)
	assert.Len(t, res.Results, 149)

	stats := words.Stats()
	assert.Equal(t, 2, stats.Transactions)
	assert.Equal(t, 1, stats.Rollbacks)
	assert.Equal(t, []int{50}, stats.CommittedSizes)
	// 99 individual writes plus one committed chunk.
	assert.EqualValues(t, 100, f.coord.GetOperationStats(content.KindWord).Inserts)
	assert.False(t, words.Has("word42"))
	assert.True(t, words.Has("word43"))
}

func TestInsertBatchHalvesLargeFailedChunks(t *testing.T) {
	f := newWriter(t)
	words := f.models[content.KindWord]
	words.FailOn = poison("word10")

	res := f.bw.InsertBatch(context.Background(), wordsN(2000), content.KindWord)
	assert.Equal(t, 1999, res.Success)
	assert.Equal(t, 1, res.Failed)

	stats := words.Stats()
	// 1000 -> 500 -> 250 -> 125 -> 63 fail; the healthy halves commit.
	assert.Equal(t, []int{62, 125, 250, 500, 1000}, stats.CommittedSizes)
	assert.Equal(t, 5, stats.Rollbacks)
	assert.Equal(t, 10, stats.Transactions)
}

func TestInsertBatchMaxDepthFallsBackToItems(t *testing.T) {
	f := newWriter(t)
	words := f.models[content.KindWord]
	words.FailOn = poison("word0")
	f.bw.Ladder.MaxDepth = 0

	res := f.bw.InsertBatch(context.Background(), wordsN(1500), content.KindWord)
	assert.Equal(t, 1499, res.Success)
	assert.Equal(t, 1, res.Failed)
	assert.Equal(t, []int{500}, words.Stats().CommittedSizes)
}

func TestInsertBatchCountsInvalidInput(t *testing.T) {
	f := newWriter(t)
	res := f.bw.InsertBatch(context.Background(), []any{"犬", "  !!! ", 42, "猫"}, content.KindWord)
	assert.Equal(t, 2, res.Success)
	assert.Equal(t, 2, res.Failed)
	assert.Equal(t, []string{"犬", "猫"}, f.models[content.KindWord].Contents())
}

func TestInsertBatchDuplicateContentFails(t *testing.T) {
	f := newWriter(t)
	res := f.bw.InsertBatch(context.Background(), []any{"犬", "猫", "犬"}, content.KindWord)
	assert.Equal(t, 2, res.Success)
	assert.Equal(t, 1, res.Failed)
}

func TestInsertContent(t *testing.T) {
	ctx := context.Background()
	f := newWriter(t)

	res := f.bw.InsertContent(ctx, "  犬 ", content.KindWord)
	require.NotNil(t, res)
	assert.Equal(t, "犬", res.Content)
	assert.NotZero(t, res.ID)
	assert.True(t, f.coord.NeedsCacheUpdate(content.KindWord, false))

	assert.Nil(t, f.bw.InsertContent(ctx, "犬", content.KindWord), "duplicate")
	assert.Nil(t, f.bw.InsertContent(ctx, "", content.KindWord), "empty")
	assert.EqualValues(t, 1, f.coord.GetOperationStats(content.KindWord).Inserts)
}

func TestUpdateContent(t *testing.T) {
	ctx := context.Background()
	f := newWriter(t)
	require.NotNil(t, f.bw.InsertContent(ctx, "犬", content.KindWord))
	f.gate.EnsureMemoryCache(ctx, content.KindWord, false)

	res := f.bw.UpdateContent(ctx, content.Record{Content: "犬", Translation: "dog"}, content.KindWord)
	require.NotNil(t, res)
	assert.False(t, f.coord.NeedsCacheUpdate(content.KindWord, false), "updates keep the cache current")

	rec, err := f.models[content.KindWord].FindOne(ctx, dbQueryContent("犬"))
	require.NoError(t, err)
	assert.Equal(t, "dog", rec.Translation)

	assert.Nil(t, f.bw.UpdateContent(ctx, content.Record{Content: "猫"}, content.KindWord), "no matching record")
	assert.EqualValues(t, 1, f.coord.GetOperationStats(content.KindWord).Updates)
}

func TestUpdateResultIDAndLookup(t *testing.T) {
	ctx := context.Background()
	f := newWriter(t)
	ins := f.bw.InsertContent(ctx, "犬", content.KindWord)
	require.NotNil(t, ins)
	require.NotZero(t, ins.ID)

	res := f.bw.UpdateContent(ctx, content.Record{Content: "犬", Translation: "dog"}, content.KindWord)
	require.NotNil(t, res)
	assert.Zero(t, res.ID, "content-addressed updates do not resolve the id")

	res = f.bw.UpdateContent(ctx, content.Record{ID: ins.ID, Content: "犬", Translation: "dog"}, content.KindWord)
	require.NotNil(t, res)
	assert.Equal(t, ins.ID, res.ID)

	rec := f.bw.Lookup(ctx, "犬", content.KindWord)
	require.NotNil(t, rec)
	assert.Equal(t, ins.ID, rec.ID)
	assert.Equal(t, "dog", rec.Translation)
	assert.Nil(t, f.bw.Lookup(ctx, "猫", content.KindWord))
}

func TestBulkUpdateGroupsByKind(t *testing.T) {
	ctx := context.Background()
	f := newWriter(t)
	f.models[content.KindWord].Seed(content.Record{Content: "dog"}, content.Record{Content: "cat"})
	f.models[content.KindSentence].Seed(content.Record{Content: "the dog barks"})

	res := f.bw.BulkUpdate(ctx, []any{
		content.Record{Content: "dog", Translation: "犬"},
		content.Record{Content: "the dog barks", Translation: "犬が吠える"},
		content.Record{Content: "cat", Translation: "猫"},
		content.Record{Content: "bird", Translation: "鳥"},
		"",
	})
	assert.Equal(t, 3, res.Success)
	assert.Equal(t, 2, res.Failed)
	// The word chunk fails on "bird" and falls back to two individual updates.
	assert.EqualValues(t, 2, f.coord.GetOperationStats(content.KindWord).Updates)
	assert.EqualValues(t, 1, f.coord.GetOperationStats(content.KindSentence).Updates)
}

func TestDeleteContent(t *testing.T) {
	ctx := context.Background()
	f := newWriter(t)
	require.NotNil(t, f.bw.InsertContent(ctx, "犬", content.KindWord))
	f.gate.EnsureMemoryCache(ctx, content.KindWord, false)

	assert.True(t, f.bw.DeleteContent(ctx, "犬", content.KindWord))
	assert.False(t, f.bw.DeleteContent(ctx, "犬", content.KindWord))
	assert.True(t, f.coord.NeedsCacheUpdate(content.KindWord, false))
	assert.Nil(t, f.gate.GetCachedItem(ctx, "犬", content.KindWord, false))
}

func TestInsertThenGetCachedItem(t *testing.T) {
	ctx := context.Background()
	f := newWriter(t)
	item := content.NewNormalizer(nil).Ensure("The quick brown fox.", content.KindUnknown)
	require.NotNil(t, item)
	require.Equal(t, content.KindSentence, item.Kind)

	require.NotNil(t, f.bw.InsertContent(ctx, *item, item.Kind))
	rec := f.gate.GetCachedItem(ctx, item.Content, item.Kind, false)
	require.NotNil(t, rec)
	assert.Equal(t, item.Content, rec.Content)
	assert.Equal(t, item.Fingerprint, rec.Fingerprint)
}
