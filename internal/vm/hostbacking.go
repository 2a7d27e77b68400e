// hostbacking.go - host OS surface for the guest address space (C1).
//
// Reserves two independent host virtual mappings of one anonymous
// shared backing object: the public view (protection mirrors guest
// permissions) and the privileged view (always read-write, used to
// bypass guest no-access regions during reservation update/op). Both
// are 4 GiB, covering the entire 32-bit guest range, so no bounds check
// is required at this layer — only page protection gates access.
//
// Grounded on original_source/rpcs3/Emu/Memory/vm.cpp's initialize()/
// finalize() (shm_open + two mmaps over one fd, unlinked immediately)
// and other_examples/wasilibs-wazero-helpers__nonmoving_unix.go for the
// idiomatic golang.org/x/sys/unix.Mmap/Mprotect usage in Go.

package vm

// protection is a host page protection level, independent of the
// logical guest readable/writable flags it is derived from.
type protection int

const (
	protNone protection = iota
	protRead
	protReadWrite
)

// hostBacking is the OS-specific surface C2-C5 build on. Exactly one
// instance exists per VM; both views are immutable in extent after
// newHostBacking returns (only their protection changes).
type hostBacking interface {
	// PublicBase returns the byte slice backing the public view: its
	// protection mirrors guest page permissions.
	PublicBase() []byte

	// PrivilegedBase returns the byte slice backing the privileged
	// view: it is always readable and writable regardless of guest
	// permissions, for use by reservation_update/op.
	PrivilegedBase() []byte

	// Protect changes host protection for a page-aligned, page-sized
	// range of both views. publicProt applies to the public view;
	// the privileged view is always promoted to read-write for any
	// range that is becoming allocated (protNone on the privileged
	// view only ever happens on unmap).
	Protect(addr, size uint32, publicProt, privilegedProt protection) error

	// Close tears down both views. Safe to call once.
	Close() error
}
