// mutex.go - the deadlock-detecting reservation mutex (spec §4.5, §9).
//
// Grounded on vm.cpp::reservation_mutex_t: a non-reentrant lock, owner
// tracked by a CAS on an atomic pointer, self-reentry raises a fatal
// deadlock instead of blocking forever, unsuccessful lock attempts wait
// up to 1ms before retrying the CAS, and unlock clears the owner and
// wakes every goroutine currently waiting in Lock, which then race to
// retry the CAS. Contention is not tracked: unlock signals whether or not
// anyone is waiting, and it never wakes just a single waiter. No library
// in the retrieval pack implements this exact primitive (see DESIGN.md
// stdlib justification): golang.org/x/sync's errgroup/semaphore model
// task groups and counting semaphores, not a single mutually-exclusive
// token with self-deadlock detection, so they do not fit here. Go has
// no timed sync.Cond, so the 1ms poll is implemented with a
// signal channel and time.After, the idiomatic Go substitute.

package vm

import (
	"sync"
	"sync/atomic"
	"time"
)

const reservationMutexPollInterval = time.Millisecond

// reservationMutex is the single global lock serializing reservation
// state, page-table mutation, block (de)allocation and location
// registry changes (spec §5).
type reservationMutex struct {
	owner  atomic.Pointer[ThreadControl]
	mu     sync.Mutex
	wakeup chan struct{} // replaced under mu on every notify; closed to wake all current waiters
}

func newReservationMutex() *reservationMutex {
	return &reservationMutex{wakeup: make(chan struct{})}
}

// Lock acquires the mutex for tc, panicking with a *FatalError if tc
// already owns it (self-reentry is always a bug: the only legitimate
// caller of reservation_op's effect function never needs to reserve
// again while already inside one, per spec §9).
func (m *reservationMutex) Lock(tc *ThreadControl) {
	for {
		if m.owner.CompareAndSwap(nil, tc) {
			return
		}
		if m.owner.Load() == tc {
			fatalf(FatalDeadlock, "reservation mutex re-entered by thread %s", tc.id)
		}

		m.mu.Lock()
		ch := m.wakeup
		m.mu.Unlock()

		select {
		case <-ch:
		case <-time.After(reservationMutexPollInterval):
		}
	}
}

// Unlock releases the mutex held by tc and wakes every goroutine
// currently waiting in Lock, whether or not any is. Unlock by a non-owner is an
// engineering bug (spec §7's "lost lock" class) and is fatal.
func (m *reservationMutex) Unlock(tc *ThreadControl) {
	if !m.owner.CompareAndSwap(tc, nil) {
		fatalf(FatalUnexpectedPageState, "reservation mutex unlocked by non-owner")
	}

	m.mu.Lock()
	old := m.wakeup
	m.wakeup = make(chan struct{})
	m.mu.Unlock()
	close(old)
}
