package watcher

import (
	"sync"
	"time"
)

// Debouncer delays execution per key until that key has been quiet for the
// delay. A new Trigger for a key replaces its pending function and restarts
// its timer; other keys are unaffected.
type Debouncer struct {
	delay   time.Duration
	mu      sync.Mutex
	pending map[string]*pendingCall
}

type pendingCall struct {
	timer *time.Timer
	fn    func()
}

// NewDebouncer creates a new debouncer with the specified delay
func NewDebouncer(delay time.Duration) *Debouncer {
	return &Debouncer{
		delay:   delay,
		pending: make(map[string]*pendingCall),
	}
}

// Trigger schedules or reschedules fn under key.
func (d *Debouncer) Trigger(key string, fn func()) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if p, ok := d.pending[key]; ok {
		p.timer.Stop()
	}

	p := &pendingCall{fn: fn}
	p.timer = time.AfterFunc(d.delay, func() {
		d.mu.Lock()
		if d.pending[key] != p {
			d.mu.Unlock()
			return
		}
		delete(d.pending, key)
		d.mu.Unlock()

		p.fn()
	})
	d.pending[key] = p
}

// CancelWhere drops pending calls whose key matches.
func (d *Debouncer) CancelWhere(match func(key string) bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	for key, p := range d.pending {
		if match(key) {
			p.timer.Stop()
			delete(d.pending, key)
		}
	}
}

// Cancel cancels all pending calls
func (d *Debouncer) Cancel() {
	d.CancelWhere(func(string) bool { return true })
}

// Flush immediately executes all pending calls
func (d *Debouncer) Flush() {
	d.mu.Lock()
	fns := make([]func(), 0, len(d.pending))
	for key, p := range d.pending {
		p.timer.Stop()
		fns = append(fns, p.fn)
		delete(d.pending, key)
	}
	d.mu.Unlock()

	for _, fn := range fns {
		fn()
	}
}

// Pending returns the number of keys waiting to fire
func (d *Debouncer) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}
