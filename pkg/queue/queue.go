// Package queue holds pending generation work: one double-ended queue per
// content kind, each with an index for constant-time membership checks.
package queue

import (
	"container/list"
	"sync"

	"github.com/japaniel/voxqueue/pkg/content"
	"github.com/japaniel/voxqueue/pkg/logger"
	"github.com/japaniel/voxqueue/pkg/metrics"
)

// Deque is the work queue of a single kind. Every input is normalized with
// the deque's kind before it is queued or looked up.
//
// Each method is atomic. A caller that checks HasItem and later mutates the
// deque after a blocking call must check again.
type Deque struct {
	kind content.Kind
	norm *content.Normalizer
	log  *logger.Logger

	mu    sync.Mutex
	items *list.List               // of *content.Item
	index map[string]*list.Element // content -> element
}

func newDeque(kind content.Kind, norm *content.Normalizer, log *logger.Logger) *Deque {
	return &Deque{
		kind:  kind,
		norm:  norm,
		log:   log.With("kind", kind.String()),
		items: list.New(),
		index: make(map[string]*list.Element),
	}
}

// Kind returns the kind of content this deque holds.
func (d *Deque) Kind() content.Kind { return d.kind }

// AddFront pushes input to the front. See AddBack.
func (d *Deque) AddFront(input any) bool {
	return d.add(input, true)
}

// AddBack normalizes input and pushes it to the back. A slice input
// ([]any, []string, []content.Item) adds every element and returns true only
// if each one was added. Invalid content and content already queued are
// rejected.
func (d *Deque) AddBack(input any) bool {
	return d.add(input, false)
}

func (d *Deque) add(input any, front bool) bool {
	switch v := input.(type) {
	case []any:
		return d.addAll(len(v), func(i int) any { return v[i] }, front)
	case []string:
		return d.addAll(len(v), func(i int) any { return v[i] }, front)
	case []content.Item:
		return d.addAll(len(v), func(i int) any { return v[i] }, front)
	case []*content.Item:
		return d.addAll(len(v), func(i int) any { return v[i] }, front)
	}

	item := d.norm.Ensure(input, d.kind)
	if item == nil {
		d.log.Debug("rejected invalid queue input", "input", input)
		return false
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.index[item.Content]; ok {
		d.log.Debug("content already queued", "content", item.Content)
		return false
	}
	var elem *list.Element
	if front {
		elem = d.items.PushFront(item)
	} else {
		elem = d.items.PushBack(item)
	}
	d.index[item.Content] = elem
	d.gauge()
	return true
}

func (d *Deque) addAll(n int, at func(int) any, front bool) bool {
	ok := true
	for i := 0; i < n; i++ {
		// Every element is attempted even after a failure.
		if !d.add(at(i), front) {
			ok = false
		}
	}
	return ok
}

// RemoveFront pops the front item, or returns nil when empty.
func (d *Deque) RemoveFront() *content.Item {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.removeLocked(d.items.Front())
}

// RemoveBack pops the back item, or returns nil when empty.
func (d *Deque) RemoveBack() *content.Item {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.removeLocked(d.items.Back())
}

// RemoveByContent removes the item holding the normalized form of input.
// It returns false when no such item is queued.
func (d *Deque) RemoveByContent(input any) bool {
	key, ok := d.key(input)
	if !ok {
		return false
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	elem, ok := d.index[key]
	if !ok {
		return false
	}
	d.removeLocked(elem)
	return true
}

func (d *Deque) removeLocked(elem *list.Element) *content.Item {
	if elem == nil {
		return nil
	}
	item := d.items.Remove(elem).(*content.Item)
	delete(d.index, item.Content)
	d.gauge()
	return item
}

// HasItem reports whether the normalized form of input is queued.
func (d *Deque) HasItem(input any) bool {
	key, ok := d.key(input)
	if !ok {
		return false
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok = d.index[key]
	return ok
}

// Get returns a copy of the queued item for input, or nil.
func (d *Deque) Get(input any) *content.Item {
	key, ok := d.key(input)
	if !ok {
		return nil
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	elem, ok := d.index[key]
	if !ok {
		return nil
	}
	out := *elem.Value.(*content.Item)
	return &out
}

// Count returns the number of queued items.
func (d *Deque) Count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.items.Len()
}

// Items returns a front-to-back copy of the queue.
func (d *Deque) Items() []content.Item {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]content.Item, 0, d.items.Len())
	for e := d.items.Front(); e != nil; e = e.Next() {
		out = append(out, *e.Value.(*content.Item))
	}
	return out
}

func (d *Deque) key(input any) (string, bool) {
	item := d.norm.Ensure(input, d.kind)
	if item == nil {
		return "", false
	}
	return item.Content, true
}

// gauge must be called with d.mu held.
func (d *Deque) gauge() {
	metrics.QueueDepth.WithLabelValues(d.kind.String()).Set(float64(d.items.Len()))
}

// Queue owns the word and sentence deques.
type Queue struct {
	words     *Deque
	sentences *Deque
}

// New creates an empty Queue. log may be nil.
func New(norm *content.Normalizer, log *logger.Logger) *Queue {
	log = logger.OrNop(log).With("component", "queue")
	return &Queue{
		words:     newDeque(content.KindWord, norm, log),
		sentences: newDeque(content.KindSentence, norm, log),
	}
}

// Words returns the word deque.
func (q *Queue) Words() *Deque { return q.words }

// Sentences returns the sentence deque.
func (q *Queue) Sentences() *Deque { return q.sentences }

// For returns the deque of kind, or nil for an unknown kind.
func (q *Queue) For(kind content.Kind) *Deque {
	switch kind {
	case content.KindWord:
		return q.words
	case content.KindSentence:
		return q.sentences
	}
	return nil
}

// Counts returns the number of queued items per kind.
func (q *Queue) Counts() map[content.Kind]int {
	return map[content.Kind]int{
		content.KindWord:     q.words.Count(),
		content.KindSentence: q.sentences.Count(),
	}
}

// Len returns the total number of queued items.
func (q *Queue) Len() int {
	return q.words.Count() + q.sentences.Count()
}
