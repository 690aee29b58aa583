package queue

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/japaniel/voxqueue/pkg/content"
)

func newTestQueue() *Queue {
	return New(content.NewNormalizer(nil), nil)
}

func TestFIFOOrder(t *testing.T) {
	d := newTestQueue().Words()
	require.True(t, d.AddBack("alpha"))
	require.True(t, d.AddBack("beta"))

	a := d.RemoveFront()
	require.NotNil(t, a)
	assert.Equal(t, "alpha", a.Content)
	b := d.RemoveFront()
	require.NotNil(t, b)
	assert.Equal(t, "beta", b.Content)
	assert.Nil(t, d.RemoveFront())
}

func TestFrontAndBack(t *testing.T) {
	d := newTestQueue().Words()
	require.True(t, d.AddBack("middle"))
	require.True(t, d.AddFront("first"))
	require.True(t, d.AddBack("last"))

	assert.Equal(t, "last", d.RemoveBack().Content)
	assert.Equal(t, "first", d.RemoveFront().Content)
	assert.Equal(t, 1, d.Count())
	assert.Nil(t, newTestQueue().Sentences().RemoveBack())
}

func TestHasItemLifecycle(t *testing.T) {
	d := newTestQueue().Sentences()
	require.True(t, d.AddBack("The cat sat."))

	assert.True(t, d.HasItem("The cat sat."))
	assert.True(t, d.HasItem("  The   cat sat. "), "lookups normalize their input")

	assert.True(t, d.RemoveByContent("The cat sat."))
	assert.False(t, d.HasItem("The cat sat."))
	assert.False(t, d.RemoveByContent("The cat sat."))
	assert.Equal(t, 0, d.Count())
}

func TestRemoveByContentKeepsOrder(t *testing.T) {
	d := newTestQueue().Words()
	require.True(t, d.AddBack([]string{"one", "two", "three"}))
	require.True(t, d.RemoveByContent("two"))

	var got []string
	for _, it := range d.Items() {
		got = append(got, it.Content)
	}
	assert.Equal(t, []string{"one", "three"}, got)
}

func TestAddRejectsDuplicatesAndInvalid(t *testing.T) {
	d := newTestQueue().Words()
	require.True(t, d.AddBack("apple"))
	assert.False(t, d.AddBack("apple!"), "normalizes to the queued content")
	assert.False(t, d.AddFront("!!!"))
	assert.Equal(t, 1, d.Count())
}

func TestAddSliceReportsPartialFailure(t *testing.T) {
	d := newTestQueue().Words()
	ok := d.AddBack([]any{"red", "", "green", content.Item{Content: "blue"}})
	assert.False(t, ok)
	assert.Equal(t, 3, d.Count(), "valid elements are still added")
}

func TestKindIsForced(t *testing.T) {
	q := newTestQueue()
	require.True(t, q.Words().AddBack("ice cream"))
	it := q.Words().RemoveFront()
	require.NotNil(t, it)
	assert.Equal(t, content.KindWord, it.Kind)

	require.True(t, q.Sentences().AddBack("Run"))
	assert.Equal(t, map[content.Kind]int{content.KindWord: 0, content.KindSentence: 1}, q.Counts())
	assert.Same(t, q.Sentences(), q.For(content.KindSentence))
	assert.Nil(t, q.For(content.KindUnknown))
}

func TestGetReturnsCopy(t *testing.T) {
	d := newTestQueue().Words()
	require.True(t, d.AddBack(map[string]any{"content": "kiwi", "lite_mode": true}))
	it := d.Get("kiwi")
	require.NotNil(t, it)
	assert.True(t, it.LiteMode)
	it.Content = "mutated"
	assert.True(t, d.HasItem("kiwi"))
	assert.Nil(t, d.Get("absent"))
}

func TestConcurrentAdds(t *testing.T) {
	d := newTestQueue().Words()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d.AddBack("shared")
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, d.Count())
}
