// Package syncguard owns the single command queue's ordering-barrier
// primitives (spec §4.4). It is the ONLY place `synchronize`/`flush`-style
// operations are issued — every other component that needs a host-visible
// result goes through it, which is what prevents host-side shadow copies
// of device buffers (spec §1, §5).
package syncguard

import (
	"fmt"
	"sync"
	"time"

	"github.com/dayson/ztrain/eventsink"
)

// DefaultWaitTimeout is the deadline WaitEvent uses when none is given.
const DefaultWaitTimeout = 30 * time.Second

// slowThreshold is the duration above which a sync is logged as slow.
const slowThreshold = 1 * time.Second

// Event is a marker whose completion implies every command submitted
// before it has finished (spec §4.4 insert_marker).
type Event struct {
	done chan struct{}
	err  error
}

// Wait blocks until the event completes and returns the error the
// underlying dispatched work produced, if any.
func (e *Event) Wait() error {
	<-e.done
	return e.err
}

// Guard wraps a single command queue: one worker goroutine drains
// dispatched work in submission order, which is what gives the queue its
// spec §5 ordering guarantee ("commands complete in submission order").
type Guard struct {
	sink eventsink.Sink

	queue chan func()

	mu      sync.Mutex
	pending []*Event
}

// New starts the queue's worker goroutine. sink receives slow-sync and
// timeout diagnostics; pass eventsink.NopSink{} to silence them.
func New(sink eventsink.Sink) *Guard {
	if sink == nil {
		sink = eventsink.NopSink{}
	}
	g := &Guard{sink: sink, queue: make(chan func(), 256)}
	go g.run()
	return g
}

func (g *Guard) run() {
	for job := range g.queue {
		job()
	}
}

// Dispatch enqueues fn onto the command queue and returns an Event that
// completes once fn has run (and recovers a kernel panic into Event.err
// rather than crashing the queue's worker goroutine).
func (g *Guard) Dispatch(fn func() error) *Event {
	e := &Event{done: make(chan struct{})}

	g.mu.Lock()
	g.pending = append(g.pending, e)
	g.mu.Unlock()

	g.queue <- func() {
		defer close(e.done)
		defer func() {
			if r := recover(); r != nil {
				e.err = fmt.Errorf("kernel panic: %v", r)
			}
		}()
		e.err = fn()
	}
	return e
}

// InsertMarker enqueues a no-op marker; its Event completes once every
// command submitted before it has completed.
func (g *Guard) InsertMarker(label string) *Event {
	return g.Dispatch(func() error { return nil })
}

func (g *Guard) drainPending() []*Event {
	g.mu.Lock()
	pending := g.pending
	g.pending = nil
	g.mu.Unlock()
	return pending
}

// SynchronizeBeforeRead blocks until every previously enqueued command has
// completed. Must be called before any host read of a device buffer.
// A kernel failure is fatal and is returned to the caller (spec §7.3).
func (g *Guard) SynchronizeBeforeRead(label string) error {
	start := time.Now()
	var firstErr error
	for _, e := range g.drainPending() {
		if err := e.Wait(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	g.logIfSlow("synchronize_before_read", label, start)
	return firstErr
}

// SynchronizeBeforeDispose is the same drain as SynchronizeBeforeRead, but
// failures are logged rather than propagated — dispose must make progress
// (spec §4.4, §7).
func (g *Guard) SynchronizeBeforeDispose(label string, size int64) {
	start := time.Now()
	for _, e := range g.drainPending() {
		if err := e.Wait(); err != nil {
			g.sink.Event(eventsink.LevelWarn, "synchronize before dispose failed",
				"label", label, "size", size, "err", err.Error())
		}
	}
	g.logIfSlow("synchronize_before_dispose", label, start)
}

// WaitEvent waits for evt to complete, up to timeout (DefaultWaitTimeout if
// <= 0). Returns false on timeout or kernel failure; a timeout is logged,
// never panics.
func (g *Guard) WaitEvent(evt *Event, label string, timeout time.Duration) bool {
	if timeout <= 0 {
		timeout = DefaultWaitTimeout
	}
	select {
	case <-evt.done:
		if evt.err != nil {
			g.sink.Event(eventsink.LevelError, "wait_event kernel failure", "label", label, "err", evt.err.Error())
			return false
		}
		return true
	case <-time.After(timeout):
		g.sink.Event(eventsink.LevelError, "wait_event timeout", "label", label, "timeout", timeout.String())
		return false
	}
}

func (g *Guard) logIfSlow(op, label string, start time.Time) {
	if d := time.Since(start); d > slowThreshold {
		g.sink.Event(eventsink.LevelWarn, "slow sync", "op", op, "label", label, "duration", d.String())
	}
}

// Close stops the queue's worker goroutine. Callers must ensure no more
// Dispatch calls occur afterward.
func (g *Guard) Close() {
	close(g.queue)
}
