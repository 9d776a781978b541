package usecase

import (
	"sync"
	"time"
)

// DefaultTypingIdle is how long after the last keystroke typing=false is
// published.
const DefaultTypingIdle = 1500 * time.Millisecond

// TypingDebouncer turns keystrokes into typing presence writes: true on the
// first keystroke, false after a quiet period. Only transitions are
// published, in order, on a background goroutine; Keystroke never waits for
// the store.
type TypingDebouncer struct {
	publish func(typing bool)
	idle    time.Duration

	mu       sync.Mutex
	typing   bool
	gen      uint64
	timer    *time.Timer
	queue    []bool
	draining bool
	stopped  bool
	inflight sync.WaitGroup
}

func NewTypingDebouncer(idle time.Duration, publish func(typing bool)) *TypingDebouncer {
	if idle <= 0 {
		idle = DefaultTypingIdle
	}
	return &TypingDebouncer{publish: publish, idle: idle}
}

// Keystroke queues typing=true if needed and reschedules the idle timer. It
// does nothing after Stop.
func (d *TypingDebouncer) Keystroke() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return
	}
	if !d.typing {
		d.typing = true
		d.enqueueLocked(true)
	}
	d.gen++
	gen := d.gen
	if d.timer != nil {
		d.timer.Stop()
	}
	d.timer = time.AfterFunc(d.idle, func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		if gen != d.gen || !d.typing {
			return
		}
		d.typing = false
		d.enqueueLocked(false)
	})
}

func (d *TypingDebouncer) enqueueLocked(typing bool) {
	if d.stopped {
		return
	}
	d.queue = append(d.queue, typing)
	if d.draining {
		return
	}
	d.draining = true
	d.inflight.Add(1)
	go d.drain()
}

// drain publishes queued transitions one at a time so a slow write never
// reorders true and false.
func (d *TypingDebouncer) drain() {
	defer d.inflight.Done()
	for {
		d.mu.Lock()
		if d.stopped || len(d.queue) == 0 {
			d.queue = nil
			d.draining = false
			d.mu.Unlock()
			return
		}
		typing := d.queue[0]
		d.queue = d.queue[1:]
		d.mu.Unlock()

		d.publish(typing)
	}
}

// Typing reports the current debounced state.
func (d *TypingDebouncer) Typing() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.typing
}

// Stop cancels the idle timer, drops queued transitions and waits for an
// in-flight publish to finish, so a write made after Stop returns is the last
// one. It reports whether typing was on.
func (d *TypingDebouncer) Stop() bool {
	d.mu.Lock()
	d.gen++
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
	was := d.typing
	d.typing = false
	d.stopped = true
	d.queue = nil
	d.mu.Unlock()

	d.inflight.Wait()
	return was
}
