// Package clock abstracts time for the engine's timer-driven behavior:
// rollback timeouts, cleanup passes, periodic sync and circuit-breaker
// resets all schedule through a Clock so tests can advance virtual time
// instead of sleeping.
package clock

import (
	"sync"
	"time"
)

// Clock is the engine's time source and scheduler.
//
// Contract:
// - Concurrency: implementations must be safe for concurrent use.
// - AfterFunc callbacks run on their own goroutine (or inline under a
//   fake's Advance); they must not block.
type Clock interface {
	// Now returns the current time.
	Now() time.Time

	// AfterFunc schedules f to run once after d. The returned Timer
	// cancels the call if stopped before it fires.
	AfterFunc(d time.Duration, f func()) Timer

	// NewTicker returns a ticker delivering ticks every d.
	NewTicker(d time.Duration) Ticker
}

// Timer is a cancellable scheduled call.
type Timer interface {
	// Stop cancels the timer. Reports whether it was still pending.
	Stop() bool
}

// Ticker delivers periodic ticks until stopped.
type Ticker interface {
	// C returns the tick channel.
	C() <-chan time.Time

	// Stop shuts the ticker down. It does not close C.
	Stop()
}

// System returns a Clock backed by the time package.
func System() Clock {
	return systemClock{}
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

func (systemClock) AfterFunc(d time.Duration, f func()) Timer {
	return systemTimer{t: time.AfterFunc(d, f)}
}

func (systemClock) NewTicker(d time.Duration) Ticker {
	return &systemTicker{t: time.NewTicker(d)}
}

type systemTimer struct {
	t *time.Timer
}

func (s systemTimer) Stop() bool { return s.t.Stop() }

type systemTicker struct {
	t *time.Ticker
}

func (s *systemTicker) C() <-chan time.Time { return s.t.C }
func (s *systemTicker) Stop()               { s.t.Stop() }

// Fake is a manually advanced Clock for tests.
type Fake struct {
	mu      sync.Mutex
	now     time.Time
	seq     int
	timers  map[int]*fakeTimer
	tickers map[int]*fakeTicker
}

// NewFake creates a fake clock starting at the given time.
func NewFake(start time.Time) *Fake {
	return &Fake{
		now:     start,
		timers:  make(map[int]*fakeTimer),
		tickers: make(map[int]*fakeTicker),
	}
}

// Now returns the fake's current time.
func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

// AfterFunc schedules fn to run when the fake advances past d.
func (f *Fake) AfterFunc(d time.Duration, fn func()) Timer {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.seq++
	t := &fakeTimer{
		clock:    f,
		id:       f.seq,
		deadline: f.now.Add(d),
		fn:       fn,
	}
	f.timers[t.id] = t
	return t
}

// NewTicker returns a ticker that fires as the fake advances.
func (f *Fake) NewTicker(d time.Duration) Ticker {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.seq++
	t := &fakeTicker{
		clock:    f,
		id:       f.seq,
		interval: d,
		next:     f.now.Add(d),
		ch:       make(chan time.Time, 1),
	}
	f.tickers[t.id] = t
	return t
}

// Advance moves the clock forward by d, firing due timers in deadline
// order and delivering due ticks. Timer callbacks run synchronously on
// the calling goroutine.
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	target := f.now.Add(d)

	for {
		var next *fakeTimer
		for _, t := range f.timers {
			if t.deadline.After(target) {
				continue
			}
			if next == nil || t.deadline.Before(next.deadline) {
				next = t
			}
		}
		if next == nil {
			break
		}

		delete(f.timers, next.id)
		if next.deadline.After(f.now) {
			f.now = next.deadline
		}

		// Run the callback without holding the lock so it can
		// schedule follow-up timers.
		f.mu.Unlock()
		next.fn()
		f.mu.Lock()
	}

	f.now = target

	for _, t := range f.tickers {
		for !t.next.After(target) {
			select {
			case t.ch <- t.next:
			default:
				// Slow consumer, drop the tick like time.Ticker does.
			}
			t.next = t.next.Add(t.interval)
		}
	}
	f.mu.Unlock()
}

type fakeTimer struct {
	clock    *Fake
	id       int
	deadline time.Time
	fn       func()
}

func (t *fakeTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()

	_, pending := t.clock.timers[t.id]
	delete(t.clock.timers, t.id)
	return pending
}

type fakeTicker struct {
	clock    *Fake
	id       int
	interval time.Duration
	next     time.Time
	ch       chan time.Time
}

func (t *fakeTicker) C() <-chan time.Time { return t.ch }

func (t *fakeTicker) Stop() {
	t.clock.mu.Lock()
	delete(t.clock.tickers, t.id)
	t.clock.mu.Unlock()
}

// Ensure both clocks implement Clock
var (
	_ Clock = systemClock{}
	_ Clock = (*Fake)(nil)
)
