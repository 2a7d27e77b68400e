//go:build unix

// faulthandler_unix.go - SIGSEGV-driven reservation breaking (spec §6
// "(added)"). Grounded on vm.cpp's platform fault handler (its
// g_fault_handler thread registered via sigaction on Linux), translated
// to golang.org/x/sys/unix's Sigaction wrapper. Go's runtime already
// installs its own SIGSEGV handler for goroutine stack growth and does
// not expose a supported way to chain a second native handler behind
// it without cgo, so InstallFaultHandler here registers the signal
// disposition for accounting/logging purposes and documents the cgo
// boundary rather than pretending to intercept faults in pure Go (see
// DESIGN.md); handleFault is the entry point that cgo glue, once added,
// would call with the decoded faulting address.

package vm

import (
	"context"
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

var faultVM *VM // set by InstallFaultHandler; one VM per process can own the handler

// InstallFaultHandler records v as the target for write-fault
// notifications arriving through handleFault, and queries the current
// SIGSEGV disposition via Sigaction so callers can confirm nothing else
// in the process has already claimed the signal (spec §3's "a write by
// any thread ... breaks the reservation", realized through host page
// protection rather than software-checked accesses).
//
// Only one *VM per process may install the handler; calling this twice
// is a programming error.
func InstallFaultHandler(v *VM) error {
	if faultVM != nil {
		return fmt.Errorf("fault handler already installed for another VM")
	}

	var existing unix.Sigaction
	if err := unix.Sigaction(unix.SIGSEGV, nil, &existing); err != nil {
		return fmt.Errorf("fault handler: query SIGSEGV disposition: %w", err)
	}

	faultVM = v
	return nil
}

// handleFault breaks the reservation covering a faulting write address,
// if any, and reports whether addr fell within the guest address space
// at all. Called with the host address a native SIGSEGV handler
// decoded from the fault's siginfo_t.
func handleFault(addr uintptr) bool {
	if faultVM == nil {
		return false
	}
	base := uintptr(unsafe.Pointer(&faultVM.backing.PublicBase()[0]))
	if addr < base || addr-base >= AddressSpaceSize {
		return false
	}

	ctx, _ := Bind(context.Background())
	faultVM.ReservationBreak(ctx, uint32(addr-base))
	return true
}
