// reservation.go - the single-slot LL/SC reservation engine (C5).
//
// Grounded on vm.cpp's reservation_acquire/reservation_update/
// reservation_op/reservation_break/reservation_query/reservation_free,
// kept close to the line since the ordering between the mutex, the
// page-protection downgrade and the memory fence is the entire
// correctness argument of the design (spec §4.5, §5, §9).

package vm

import (
	"context"
	"sync/atomic"

	"go.uber.org/zap"
)

// reservation is the process-wide LL/SC token. owner == nil iff no
// reservation is active (spec §3).
type reservation struct {
	owner atomic.Pointer[ThreadControl]
	base  uint32
	size  uint32
}

func validateReservationArgs(addr, size uint32) {
	if size == 0 || size > MaxReservationSize || !isPowerOfTwo(size) || addr%size != 0 {
		fatalf(FatalInvalidArgs, "invalid reservation arguments (addr=0x%x, size=0x%x)", addr, size)
	}
}

// DidBreakReservation reports whether the most recent reservation call
// made by the calling thread broke an existing reservation (its own or
// another's), mirroring vm.cpp's thread_local g_tls_did_break_reservation.
func (tc *ThreadControl) DidBreakReservation() bool { return tc.didBreak }

// reservationSet downgrades the reservation's page to read-only, or to
// no-access if noAccess is set, independent of the page's logical
// writable flag (spec §3, §4.5 step 3/§4.5 update step 1).
func (v *VM) reservationSet(addr uint32, noAccess bool) {
	pub := protRead
	if noAccess {
		pub = protNone
	}
	page := pageAlign(addr)
	if err := v.backing.Protect(page, PageSize, pub, protReadWrite); err != nil {
		fatalf(FatalSystemFailure, "%v", err)
	}
}

// reservationRestore puts the reservation's page back to read-write and
// clears reservation state. Returns true iff a reservation on that page
// actually existed (vm.cpp::_reservation_break).
func (v *VM) reservationRestore(addr uint32) bool {
	if v.res.base>>PageShift != addr>>PageShift || v.res.owner.Load() == nil {
		return false
	}
	page := pageAlign(addr)
	if err := v.backing.Protect(page, PageSize, protReadWrite, protReadWrite); err != nil {
		fatalf(FatalSystemFailure, "%v", err)
	}
	v.res.base = 0
	v.res.size = 0
	v.res.owner.Store(nil)
	if v.metrics != nil {
		v.metrics.reservationActive.Set(0)
	}
	return true
}

// ReservationAcquire implements spec §4.5 reservation_acquire: breaks
// any existing reservation, downgrades the page to read-only, records
// ownership, fences, then snapshots size bytes into dst.
func (v *VM) ReservationAcquire(ctx context.Context, dst []byte, addr, size uint32) {
	tc := threadFrom(ctx)
	v.resMu.Lock(tc)
	defer v.resMu.Unlock(tc)

	validateReservationArgs(addr, size)
	v.requireReservableAddr(addr)

	raddr, rsize := v.res.base, v.res.size
	tc.didBreak = v.reservationRestore(raddr)
	if tc.didBreak {
		v.notifyBreak(raddr, rsize)
	}

	v.reservationSet(addr, false)

	v.res.base = addr
	v.res.size = size
	v.res.owner.Store(tc)
	if v.metrics != nil {
		v.metrics.reservationActive.Set(1)
	}

	fence()

	copy(dst[:size], v.backing.PublicBase()[addr:addr+size])
}

// ReservationUpdate implements spec §4.5 reservation_update: the
// guest's conditional store. Returns false without mutating memory if
// tc does not own a matching reservation (spec §7: not fatal, caller
// retries its LL/SC loop).
func (v *VM) ReservationUpdate(ctx context.Context, addr uint32, src []byte, size uint32) bool {
	tc := threadFrom(ctx)
	v.resMu.Lock(tc)

	validateReservationArgs(addr, size)

	if v.res.owner.Load() != tc || v.res.base != addr || v.res.size != size {
		v.resMu.Unlock(tc)
		return false
	}

	v.reservationSet(addr, true)
	copy(v.backing.PrivilegedBase()[addr:addr+size], src[:size])
	v.reservationRestore(addr)

	v.resMu.Unlock(tc)
	v.notifyBreak(addr, size)
	return true
}

// ReservationOp implements spec §4.5 reservation_op: unconditionally
// establishes ownership (breaking any prior reservation), protects the
// page no-access, runs proc while still holding the mutex, then breaks
// the reservation and notifies waiters. proc must not call back into
// any reservation_* entry point: the mutex is non-reentrant and will
// raise a fatal deadlock if it tries (spec §9).
func (v *VM) ReservationOp(ctx context.Context, addr, size uint32, proc func()) {
	tc := threadFrom(ctx)
	v.resMu.Lock(tc)

	validateReservationArgs(addr, size)
	v.requireReservableAddr(addr)

	tc.didBreak = false
	if v.res.owner.Load() != tc || v.res.base != addr || v.res.size != size {
		if v.res.owner.Load() != nil {
			tc.didBreak = v.reservationRestore(v.res.base)
		}
	}

	v.reservationSet(addr, true)
	v.res.base = addr
	v.res.size = size
	v.res.owner.Store(tc)
	if v.metrics != nil {
		v.metrics.reservationActive.Set(1)
	}

	fence()

	proc()

	v.reservationRestore(addr)
	v.resMu.Unlock(tc)
	v.notifyBreak(addr, size)
}

// ReservationBreak implements spec §4.5 reservation_break: if the
// current reservation is on the same page as addr, restores it and
// notifies waiters. This is the entry point the fault handler (§6) must
// call on a write fault to a reservation's page. Unlike vm.cpp's
// version (called directly from signal-handler context, where taking a
// lock is unsafe), handleFault here runs as ordinary Go code, so this
// takes the reservation mutex like every other entry point rather than
// reaching into v.res unsynchronized.
func (v *VM) ReservationBreak(ctx context.Context, addr uint32) {
	tc := threadFrom(ctx)
	v.resMu.Lock(tc)
	raddr, rsize := v.res.base, v.res.size
	broke := v.reservationRestore(addr)
	tc.didBreak = broke
	v.resMu.Unlock(tc)
	if broke {
		v.notifyBreak(raddr, rsize)
		if v.logger != nil {
			v.logger.Debug("reservation_broken_by_fault", zap.Uint32("addr", raddr), zap.Uint32("size", rsize))
		}
		v.metrics.reservationBreaks.Inc()
	}
}

// reservationBreakAddr is the mutex-internal variant used by page_unmap
// and page_protect, which already hold a thread handle via their own
// VM-level callers but don't need one here since they never observe
// didBreak (spec only attributes didBreak to explicit reservation
// calls, not to the page table's own bookkeeping breaks).
func (v *VM) reservationBreakAddr(addr uint32) {
	raddr, rsize := v.res.base, v.res.size
	if v.reservationRestore(addr) {
		v.notifyBreak(raddr, rsize)
		if v.logger != nil {
			v.logger.Debug("reservation_broken", zap.Uint32("addr", raddr), zap.Uint32("size", rsize))
		}
		v.metrics.reservationBreaks.Inc()
	}
}

// ReservationQuery implements spec §4.5 reservation_query: inspects the
// current reservation under the mutex; if a write overlaps the
// reservation's page, invokes callback, and breaks the reservation (plus
// notifies waiters) iff callback returns true and the byte ranges
// actually intersect. Returns true if check_addr fails, per spec §9's
// Open Question — callers must not treat that as a liveness signal.
func (v *VM) ReservationQuery(ctx context.Context, addr, size uint32, isWriting bool, callback func() bool) bool {
	tc := threadFrom(ctx)
	v.resMu.Lock(tc)
	defer v.resMu.Unlock(tc)

	if !v.checkAddr(addr, 1) {
		return true
	}

	if v.res.base>>PageShift == addr>>PageShift && isWriting {
		result := callback()

		if result && size != 0 && addr+size-1 >= v.res.base && v.res.base+v.res.size-1 >= addr {
			raddr, rsize := v.res.base, v.res.size
			if v.reservationRestore(addr) {
				tc.didBreak = true
				v.resMu.Unlock(tc)
				v.notifyBreak(raddr, rsize)
				v.resMu.Lock(tc)
			}
		}
		return result
	}
	return true
}

// ReservationFree implements spec §4.5 reservation_free: breaks the
// reservation iff the calling thread owns it.
func (v *VM) ReservationFree(ctx context.Context) {
	tc := threadFrom(ctx)
	if v.res.owner.Load() != tc {
		return
	}
	v.resMu.Lock(tc)
	defer v.resMu.Unlock(tc)
	if v.res.owner.Load() == tc {
		tc.didBreak = v.reservationRestore(v.res.base)
	}
}

func (v *VM) requireReservableAddr(addr uint32) {
	flags := v.pages.load(addr >> PageShift)
	if flags&pageWritable == 0 || flags&pageAllocated == 0 || flags&pageNoReservations != 0 {
		fatalf(FatalUnexpectedPageState, "invalid page flags for reservation (addr=0x%x, flags=0x%x)", addr, flags)
	}
}

func (v *VM) notifyBreak(addr, size uint32) {
	if size == 0 {
		return
	}
	v.waiters.notifyAt(addr, size)
}

// fenceSentinel backs fence()'s use of a CAS as a portable full memory
// fence: Go's memory model gives atomic ops acquire/release semantics,
// and a self-targeted CAS additionally forces a round trip through the
// coherence fabric, matching vm.cpp's explicit _mm_mfence() between
// establishing reservation ownership and copying guest data.
var fenceSentinel int32

// fence is a full memory fence: every reservation entry point that
// downgrades a page's protection and then touches guest memory through
// a different view must order those two operations with respect to
// every other thread (spec §4.5 step 5, §5). A self-targeted CAS is
// Go's portable substitute for an explicit mfence instruction.
func fence() {
	atomic.CompareAndSwapInt32(&fenceSentinel, fenceSentinel, fenceSentinel)
}
