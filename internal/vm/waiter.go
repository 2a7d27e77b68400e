// waiter.go - the address-keyed waiter list (C6).
//
// Grounded on vm.cpp's g_waiter_list / _add_waiter / _remove_waiter /
// waiter_t::try_notify / waiter_lock_t / _notify_at / notify_all: a
// fixed-capacity table of (addr, mask, predicate) records, one per
// blocked guest thread. Point notifications signal the matching
// waiter's channel directly; the background notifier (C7) only
// re-tries every active waiter's predicate as a fallback against
// wakeups missed outside the reservation path (spec §4.6, §4.7, §9).
// uuid tags each record for log correlation (spec §4.6 "(added)"),
// grounded on the same google/uuid import the teacher's
// coprocessor_manager.go pulls in for worker identity.

package vm

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// waiterEntry is one blocked thread's address-range record. addr is the
// base of the smallest power-of-two-aligned block containing the
// watched range, and mask is the complement of that block's low
// "don't-care" bits - the bits the two ranges must AGREE on to be
// considered overlapping (spec §4.6 precondition; the overlap test
// below exploits this alignment). predicate is nil for a plain
// wait-for-any-overlapping-write waiter; once try-notify is satisfied,
// addr/mask are nulled (addr=0, mask=all_ones) and predicate is set to
// nil so the slot never matches again (spec §4.6's "null the predicate
// ... to prevent further matches", §8's no-double-signal invariant).
type waiterEntry struct {
	tc        *ThreadControl
	addr      uint32
	mask      uint32
	predicate func() bool
	panicVal  any // captured panic from predicate, re-raised in the waiting goroutine
	ch        chan struct{}
	logTag    uuid.UUID
}

// overlaps reports whether e's range intersects w's range, using the
// power-of-two-aligned overlap test from vm.cpp's waiter_t::try_notify:
// two aligned power-of-two blocks intersect iff their base addresses
// agree on every bit above both of their alignments. Taking the AND of
// the two care-masks automatically falls back to the coarser block's
// granularity when the two ranges are different sizes.
func (e *waiterEntry) overlaps(addr, mask uint32) bool {
	return (e.addr^addr)&(e.mask&mask) == 0
}

// tryNotify is vm.cpp's waiter_t::try_notify: evaluate the predicate
// (a nil predicate is vacuously true - the address overlap alone is
// sufficient), and on success retire the slot and signal its channel.
// A panicking predicate is captured rather than propagated here; it is
// re-raised in the waiting goroutine once woken (spec §4.6: "if it
// throws, capture the exception and replace the predicate with one
// that re-raises it in the waiting thread").
func (e *waiterEntry) tryNotify() bool {
	if e.addr == 0 && e.mask == ^uint32(0) {
		return false // already retired
	}
	if e.predicate != nil {
		ok, panicked := e.evalPredicate()
		if !panicked && !ok {
			return false
		}
	}
	e.addr, e.mask = 0, ^uint32(0)
	e.predicate = nil
	select {
	case <-e.ch:
	default:
		close(e.ch)
	}
	return true
}

func (e *waiterEntry) evalPredicate() (ok, panicked bool) {
	defer func() {
		if r := recover(); r != nil {
			e.panicVal = r
			panicked = true
		}
	}()
	return e.predicate(), false
}

type waiterList struct {
	mu      sync.Mutex
	entries [WaiterCapacity]*waiterEntry
	count   int
	logger  *zap.Logger
	metrics *metricsSet
}

func newWaiterList(logger *zap.Logger) *waiterList {
	return &waiterList{logger: logger}
}

func (wl *waiterList) setMetrics(m *metricsSet) { wl.metrics = m }

// addWaiter installs a waiter record for tc and returns its slot index
// and the entry itself. Panics with FatalSystemFailure if the fixed
// table is full: the table size bounds how many guest threads may
// block on memory at once, and running out is a configuration error,
// not a condition callers should need to handle (spec §4.6, §7).
func (wl *waiterList) addWaiter(tc *ThreadControl, addr, mask uint32, predicate func() bool) (int, *waiterEntry) {
	wl.mu.Lock()
	defer wl.mu.Unlock()

	for i, e := range wl.entries {
		if e == nil {
			entry := &waiterEntry{
				tc:        tc,
				addr:      addr,
				mask:      mask,
				predicate: predicate,
				ch:        make(chan struct{}),
				logTag:    uuid.New(),
			}
			wl.entries[i] = entry
			wl.count++
			if wl.metrics != nil {
				wl.metrics.waitersActive.Set(float64(wl.count))
			}
			return i, entry
		}
	}
	fatalf(FatalSystemFailure, "waiter table exhausted (capacity=%d)", WaiterCapacity)
	return -1, nil
}

func (wl *waiterList) removeWaiter(slot int) {
	wl.mu.Lock()
	wl.entries[slot] = nil
	wl.count--
	if wl.metrics != nil {
		wl.metrics.waitersActive.Set(float64(wl.count))
	}
	wl.mu.Unlock()
}

// notifyAt is vm.cpp's _notify_at: scan every slot, apply the overlap
// rule against [addr, addr+size), and try-notify each match directly.
// This is the primary wakeup path - the matched waiter's channel is
// signalled here and now, not deferred to the background sweep (spec
// §4.6, §4.7's "diagnostic-grade fallback" framing).
func (wl *waiterList) notifyAt(addr, size uint32) {
	base, mask := blockKey(addr, size)

	wl.mu.Lock()
	defer wl.mu.Unlock()
	for _, e := range wl.entries {
		if e != nil && e.overlaps(base, mask) {
			e.tryNotify()
		}
	}
}

// notifyAll is vm.cpp's notify_all: try-notify every active slot that
// has a predicate, regardless of overlap, reporting whether every
// inspected waiter was satisfied. Slots with a nil predicate are skipped:
// they wait for an overlapping write, which only notifyAt delivers. The
// background notifier (C7) calls this on a fixed cadence to catch
// predicates that became true outside the reservation path (spec §4.6,
// §4.7).
func (wl *waiterList) notifyAll() bool {
	wl.mu.Lock()
	defer wl.mu.Unlock()
	allSatisfied := true
	for _, e := range wl.entries {
		if e == nil || e.addr == 0 || e.predicate == nil {
			continue
		}
		if !e.tryNotify() {
			allSatisfied = false
		}
	}
	return allSatisfied
}

// tryNotifySlot try-notifies a single slot by index, used by
// WaitOnAddress's registration-time fast path (spec §4.6's wait loop:
// "while pred is set, evaluate it" before ever blocking).
func (wl *waiterList) tryNotifySlot(slot int) bool {
	wl.mu.Lock()
	defer wl.mu.Unlock()
	e := wl.entries[slot]
	if e == nil {
		return false
	}
	return e.tryNotify()
}

// blockKey computes the base and care-mask of the smallest
// power-of-two-aligned block containing [addr, addr+size): base is that
// block's address with its low don't-care bits cleared, and careMask is
// the complement of those don't-care bits - the bits two such blocks
// must agree on to be considered overlapping in waiterEntry.overlaps.
// ANDing two care-masks together automatically falls back to whichever
// block is larger, so differently-sized ranges compare correctly.
func blockKey(addr, size uint32) (base, careMask uint32) {
	if size == 0 {
		return addr, 0xffffffff
	}
	end := addr + size - 1
	lowMask := uint32(0)
	for addr&^lowMask != end&^lowMask {
		lowMask = lowMask<<1 | 1
	}
	return addr &^ lowMask, ^lowMask
}

// WaitOnAddress blocks the calling thread until predicate returns true
// for a write touching [addr, addr+size), or ctx is cancelled, whichever
// comes first (spec §4.6's wait-on-write primitive). predicate may be
// nil, in which case any overlapping write satisfies the wait. It is
// evaluated once at registration (spec's "while pred is set, evaluate
// it" fast path covering a predicate already true before any write
// arrives) and thereafter by notifyAt/notifyAll as writes land; a
// predicate that panics has its panic captured and re-raised here in
// the waiting goroutine (spec §4.6's exception-capture rule).
func (v *VM) WaitOnAddress(ctx context.Context, addr, size uint32, predicate func() bool) error {
	tc := threadFrom(ctx)
	base, mask := blockKey(addr, size)
	slot, entry := v.waiters.addWaiter(tc, base, mask, predicate)
	defer v.waiters.removeWaiter(slot)

	if predicate != nil && v.waiters.tryNotifySlot(slot) {
		if entry.panicVal != nil {
			panic(entry.panicVal)
		}
		return nil
	}

	select {
	case <-entry.ch:
		if entry.panicVal != nil {
			panic(entry.panicVal)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// WaitOnAddressTimeout is the bounded-wait variant (spec §4.6 "(added)":
// the original's waiter_lock_t::wait takes an explicit timeout argument
// independent of any thread-cancellation mechanism).
func (v *VM) WaitOnAddressTimeout(ctx context.Context, addr, size uint32, timeout time.Duration, predicate func() bool) error {
	tctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return v.WaitOnAddress(tctx, addr, size, predicate)
}
