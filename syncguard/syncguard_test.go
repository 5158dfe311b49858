package syncguard

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/dayson/ztrain/eventsink"
)

func TestSynchronizeBeforeReadWaitsForAllPending(t *testing.T) {
	g := New(eventsink.NopSink{})
	defer g.Close()

	var order []int
	var mu sync.Mutex
	for i := 0; i < 5; i++ {
		i := i
		g.Dispatch(func() error {
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			return nil
		})
	}

	if err := g.SynchronizeBeforeRead("t"); err != nil {
		t.Fatalf("SynchronizeBeforeRead: %v", err)
	}
	if len(order) != 5 {
		t.Fatalf("expected 5 completed dispatches, got %d", len(order))
	}
	for i, v := range order {
		if v != i {
			t.Fatalf("commands did not complete in submission order: %v", order)
		}
	}
}

func TestDispatchPanicSurfacesAsError(t *testing.T) {
	g := New(eventsink.NopSink{})
	defer g.Close()

	g.Dispatch(func() error { panic("kernel exploded") })

	if err := g.SynchronizeBeforeRead("t"); err == nil {
		t.Fatal("expected an error from the panicking kernel")
	}
}

func TestWaitEventTimesOut(t *testing.T) {
	g := New(eventsink.NopSink{})
	defer g.Close()

	block := make(chan struct{})
	evt := g.Dispatch(func() error {
		<-block
		return nil
	})

	ok := g.WaitEvent(evt, "slow", 20*time.Millisecond)
	close(block)
	if ok {
		t.Fatal("expected WaitEvent to time out")
	}
}

func TestInsertMarkerCompletesAfterPriorWork(t *testing.T) {
	g := New(eventsink.NopSink{})
	defer g.Close()

	done := false
	g.Dispatch(func() error {
		time.Sleep(10 * time.Millisecond)
		done = true
		return nil
	})
	marker := g.InsertMarker("checkpoint")
	if err := marker.Wait(); err != nil {
		t.Fatalf("marker.Wait: %v", err)
	}
	if !done {
		t.Fatal("marker completed before the prior dispatch")
	}
}

func TestSynchronizeBeforeDisposeNeverReturnsError(t *testing.T) {
	g := New(eventsink.NopSink{})
	defer g.Close()
	g.Dispatch(func() error { return errors.New("boom") })
	g.SynchronizeBeforeDispose("cleanup", 1024) // must not panic
}
