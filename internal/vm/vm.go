// vm.go - the guest-memory subsystem's top-level handle.
//
// vm.cpp models the whole subsystem as package-level globals
// (g_pages, g_locations, g_reservation_mutex, g_waiter_list) brought up
// once by vm::initialize() and torn down by vm::finalize(). Go code
// should not reach for package-level mutable state when an instance
// will do, so this collects the same pieces as fields on *VM,
// constructed by New and torn down by Close - mirroring how the
// teacher's own memory_bus.go bundles its host-mapping and page-table
// state into a single *MemoryBus rather than scattering package
// globals.

package vm

import (
	"context"
	"fmt"

	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// VM is the guest-memory subsystem: a single flat 32-bit guest address
// space, its dual host mappings, page table, block allocators, the
// single-slot reservation engine and the waiter list (spec §1-§4).
type VM struct {
	backing hostBacking
	pages   *pageTable

	resMu *reservationMutex
	res   reservation

	locations *locationRegistry
	waiters   *waiterList
	notifier  *notifierGroup

	metrics *metricsSet
	logger  *zap.Logger
}

// Option configures New; following the teacher's functional-options
// convention in machine_bus.go rather than a config struct with
// exported zero-value defaults.
type Option func(*vmConfig)

type vmConfig struct {
	logger *zap.Logger
}

// WithLogger overrides the *zap.Logger used for subsystem diagnostics
// (defaults to zap.NewNop() so New never fails just because the caller
// didn't wire logging).
func WithLogger(logger *zap.Logger) Option {
	return func(c *vmConfig) { c.logger = logger }
}

// New brings up a fresh guest address space: allocates the dual host
// mapping, the page table, and starts the background notifier. Callers
// must call Close when done (spec §5's initialize/finalize lifecycle).
func New(ctx context.Context, opts ...Option) (*VM, error) {
	cfg := &vmConfig{logger: zap.NewNop()}
	for _, opt := range opts {
		opt(cfg)
	}

	backing, err := newHostBacking()
	if err != nil {
		return nil, fmt.Errorf("vm: %w", err)
	}

	metrics := newMetricsSet()
	v := &VM{
		backing: backing,
		pages:   newPageTable(),
		resMu:   newReservationMutex(),
		metrics: metrics,
		logger:  cfg.logger,
	}
	v.locations = newLocationRegistry(metrics)
	v.waiters = newWaiterList(cfg.logger)
	v.waiters.setMetrics(metrics)
	v.notifier = startNotifier(ctx, newNotifier(v.waiters, metrics.notifySweeps))

	v.logger.Info("guest memory subsystem initialized", zap.Uint64("address_space_bytes", uint64(AddressSpaceSize)))
	return v, nil
}

// Close stops the background notifier, runs one last notifyAll sweep
// (waking waiters whose predicate now holds; others stay blocked until
// their own context ends), and releases the host mapping. Errors from each stage are aggregated via
// multierr rather than the first one shadowing the rest, matching how
// vm.cpp::finalize logs every teardown failure instead of stopping at
// the first (spec §4.1 "(added)").
func (v *VM) Close() error {
	var err error

	if stopErr := v.notifier.stop(); stopErr != nil {
		err = multierr.Append(err, fmt.Errorf("vm: stop notifier: %w", stopErr))
	}
	v.waiters.notifyAll()

	if closeErr := v.backing.Close(); closeErr != nil {
		err = multierr.Append(err, fmt.Errorf("vm: close host backing: %w", closeErr))
	}

	v.logger.Info("guest memory subsystem shut down", zap.Error(err))
	return err
}

// PublicView and PrivilegedView expose the raw host byte slices backing
// the guest address space for code (a disassembler, a debugger) that
// needs direct access without going through the page-table-checked
// accessors below (spec §2).
func (v *VM) PublicView() []byte     { return v.backing.PublicBase() }
func (v *VM) PrivilegedView() []byte { return v.backing.PrivilegedBase() }

// Read copies size bytes at addr from the privileged (always-mapped)
// view into dst, failing if the range is not fully allocated. Emulator
// internals use this in preference to slicing PrivilegedView directly
// so out-of-range guest addresses surface as errors, not panics (spec
// §4.2 "(added)" convenience wrapper).
func (v *VM) Read(addr uint32, dst []byte) error {
	if !v.checkAddr(addr, uint32(len(dst))) {
		return fmt.Errorf("vm: read [0x%x,0x%x) not fully allocated", addr, addr+uint32(len(dst)))
	}
	copy(dst, v.backing.PrivilegedBase()[addr:addr+uint32(len(dst))])
	return nil
}

// Write copies src into the privileged view at addr, breaking any
// reservation overlapping the write (spec §3's "a write by any thread,
// including the owner, breaks the reservation").
func (v *VM) Write(ctx context.Context, addr uint32, src []byte) error {
	size := uint32(len(src))
	if !v.checkAddr(addr, size) {
		return fmt.Errorf("vm: write [0x%x,0x%x) not fully allocated", addr, addr+size)
	}

	tc := threadFrom(ctx)
	v.resMu.Lock(tc)
	v.reservationBreakAddr(pageAlign(addr))
	if lastPage := (addr + size - 1) >> PageShift; lastPage != addr>>PageShift {
		v.reservationBreakAddr(lastPage << PageShift)
	}
	v.resMu.Unlock(tc)

	copy(v.backing.PrivilegedBase()[addr:addr+size], src)
	v.notifyBreak(addr, size)
	return nil
}

// Map installs flags on [addr, addr+size) without going through a named
// location's allocator, for fixed-address regions a console layout
// carves out directly (spec §4.2's page_map, exposed for callers that
// already know the address). The location registry's Alloc does not go
// through Map; it calls pageMap under the mutex it already holds.
func (v *VM) Map(ctx context.Context, addr, size uint32, flags uint8) {
	tc := threadFrom(ctx)
	v.resMu.Lock(tc)
	defer v.resMu.Unlock(tc)
	v.pageMap(addr, size, flags)
}

// Unmap reverses Map.
func (v *VM) Unmap(ctx context.Context, addr, size uint32) {
	tc := threadFrom(ctx)
	v.resMu.Lock(tc)
	defer v.resMu.Unlock(tc)
	v.pageUnmap(addr, size)
}

// Protect applies pageProtect under the reservation mutex (spec §4.2's
// page_protect exposed to callers outside this package, e.g. a guest
// mprotect-equivalent syscall implementation).
func (v *VM) Protect(ctx context.Context, addr, size uint32, test, set, clear uint8) bool {
	tc := threadFrom(ctx)
	v.resMu.Lock(tc)
	defer v.resMu.Unlock(tc)
	return v.pageProtect(addr, size, test, set, clear)
}

// CheckAddr reports whether every page in [addr, addr+size) is
// allocated, with no locking (spec §4.2's check_addr, a best-effort
// snapshot the teacher's own bus code calls without synchronization
// when deciding whether to even attempt an access).
func (v *VM) CheckAddr(addr, size uint32) bool {
	return v.checkAddr(addr, size)
}
