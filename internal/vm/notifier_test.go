package vm

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

// TestNotifierSweepWakesPredicateChangedOutsideReservationPath exercises
// the C7 fallback: a waiter whose predicate depends on state that never
// goes through notifyAt is still woken by the background sweep, per
// spec §4.7's "diagnostic-grade fallback" framing.
func TestNotifierSweepWakesPredicateChangedOutsideReservationPath(t *testing.T) {
	v, _ := newTestVM(t)

	var ready atomic.Bool
	done := make(chan error, 1)
	go func() {
		waitCtx, _ := Bind(context.Background())
		done <- v.WaitOnAddress(waitCtx, 0x00050000, 16, func() bool { return ready.Load() })
	}()
	time.Sleep(5 * time.Millisecond)

	select {
	case <-done:
		t.Fatalf("waiter woke before its predicate became true")
	default:
	}

	ready.Store(true) // no write ever touches [0x50000,0x50010); only the sweep will notice

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("WaitOnAddress error: %v", err)
		}
	case <-time.After(200 * time.Millisecond):
		t.Fatalf("background sweep never woke the waiter after its predicate became true")
	}
}
