package cache

import (
	"sync"
	"time"
)

// TTL fires a callback once a period of inactivity has elapsed. Touch
// (re)starts the countdown; Clear stops it. At most one countdown is live at
// any time, and a countdown superseded by Touch or Clear never fires, even if
// its timer had already expired and its callback was waiting on the lock.
type TTL struct {
	d       time.Duration
	onEvict func()

	mu    sync.Mutex
	timer *time.Timer
	gen   uint64
}

// NewTTL returns a stopped TTL that calls onEvict after d of inactivity.
func NewTTL(d time.Duration, onEvict func()) *TTL {
	return &TTL{d: d, onEvict: onEvict}
}

// Touch records activity, restarting the countdown.
func (t *TTL) Touch() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.timer != nil {
		t.timer.Stop()
	}
	t.gen++
	gen := t.gen
	t.timer = time.AfterFunc(t.d, func() { t.fire(gen) })
}

func (t *TTL) fire(gen uint64) {
	t.mu.Lock()
	if gen != t.gen {
		t.mu.Unlock()
		return
	}
	t.timer = nil
	t.gen++
	t.mu.Unlock()

	if t.onEvict != nil {
		t.onEvict()
	}
}

// Evict stops the countdown and runs the eviction callback immediately.
func (t *TTL) Evict() {
	t.Clear()
	if t.onEvict != nil {
		t.onEvict()
	}
}

// Clear stops the countdown without evicting.
func (t *TTL) Clear() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
	t.gen++
}

// Active reports whether a countdown is running.
func (t *TTL) Active() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.timer != nil
}
