package concurrency

import (
	"runtime"
	"testing"
	"time"
)

func TestEventSetWakesWaiter(t *testing.T) {
	e := NewEvent()
	woke := make(chan bool, 1)
	go func() {
		woke <- e.Wait(0)
	}()

	time.Sleep(10 * time.Millisecond)
	e.Set()

	select {
	case ok := <-woke:
		if !ok {
			t.Fatal("expected Wait to report the flag, not a timeout")
		}
	case <-time.After(time.Second):
		t.Fatal("Wait did not return after Set")
	}
}

func TestEventWaitTimesOut(t *testing.T) {
	e := NewEvent()
	start := time.Now()
	ok := e.Wait(30 * time.Millisecond)
	if ok {
		t.Fatal("expected timeout, event was never set")
	}
	if time.Since(start) < 20*time.Millisecond {
		t.Fatal("Wait returned too early")
	}
}

func TestEventClearResets(t *testing.T) {
	e := NewEvent()
	e.Set()
	if !e.IsSet() {
		t.Fatal("expected event to be set")
	}
	e.Clear()
	if e.IsSet() {
		t.Fatal("expected event to be cleared")
	}
}

func TestEventAlreadySetDoesNotBlock(t *testing.T) {
	e := NewEvent()
	e.Set()
	ok := e.Wait(10 * time.Millisecond)
	if !ok {
		t.Fatal("Wait on an already-set event should return immediately")
	}
}

// TestEventRepeatedTimeoutWaitsDoNotLeakGoroutines mirrors how
// table.Table.mergeWorker polls mergeRequest in a tight loop for the whole
// lifetime of a table: every Wait here times out, since the event is never
// set. A per-call goroutine that only a future Set retires would show up
// here as steadily growing goroutine count.
func TestEventRepeatedTimeoutWaitsDoNotLeakGoroutines(t *testing.T) {
	e := NewEvent()

	before := runtime.NumGoroutine()
	for i := 0; i < 200; i++ {
		if ok := e.Wait(2 * time.Millisecond); ok {
			t.Fatal("expected every wait to time out, event was never set")
		}
	}

	// Give any genuinely leaked goroutine a chance to show up in the count
	// and any legitimately-exiting ones a chance to finish unwinding.
	time.Sleep(20 * time.Millisecond)
	runtime.GC()
	after := runtime.NumGoroutine()

	if after > before+2 {
		t.Fatalf("goroutine count grew from %d to %d after 200 timed-out waits", before, after)
	}
}
