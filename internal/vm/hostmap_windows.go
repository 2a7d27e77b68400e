//go:build windows

// hostmap_windows.go - Windows implementation of the dual 4 GiB mapping.
//
// Mirrors vm.cpp's Windows branch: CreateFileMapping with SEC_RESERVE
// (reserve address space without committing), MapViewOfFile twice for
// the public/privileged views. Because reserved-but-uncommitted memory
// cannot be protected directly, Protect commits with the target
// protection on first touch and reprotects with VirtualProtect
// thereafter (VirtualProtect requires previously committed memory).

package vm

import (
	"fmt"
	"unsafe"

	"go.uber.org/multierr"
	"golang.org/x/sys/windows"
)

type windowsBacking struct {
	public          []byte
	privileged      []byte
	publicCommitted map[uint32]bool // page index -> committed, guarded by caller (host backing is single-threaded per VM)
	privCommitted   map[uint32]bool
}

func newHostBacking() (hostBacking, error) {
	h, err := windows.CreateFileMapping(windows.InvalidHandle, nil,
		windows.PAGE_READWRITE|0x4000000 /* SEC_RESERVE */, 1, 0, nil)
	if err != nil {
		return nil, fmt.Errorf("host backing: CreateFileMapping: %w", err)
	}
	defer windows.CloseHandle(h)

	publicAddr, err := windows.MapViewOfFile(h, windows.FILE_MAP_WRITE, 0, 0, AddressSpaceSize)
	if err != nil {
		return nil, fmt.Errorf("host backing: MapViewOfFile (public): %w", err)
	}
	privAddr, err := windows.MapViewOfFile(h, windows.FILE_MAP_WRITE, 0, 0, AddressSpaceSize)
	if err != nil {
		windows.UnmapViewOfFile(publicAddr)
		return nil, fmt.Errorf("host backing: MapViewOfFile (privileged): %w", err)
	}

	public := unsafe.Slice((*byte)(unsafe.Pointer(publicAddr)), AddressSpaceSize)
	privileged := unsafe.Slice((*byte)(unsafe.Pointer(privAddr)), AddressSpaceSize)

	return &windowsBacking{
		public:          public,
		privileged:      privileged,
		publicCommitted: make(map[uint32]bool),
		privCommitted:   make(map[uint32]bool),
	}, nil
}

func toWindowsProt(p protection) uint32 {
	switch p {
	case protReadWrite:
		return windows.PAGE_READWRITE
	case protRead:
		return windows.PAGE_READONLY
	default:
		return windows.PAGE_NOACCESS
	}
}

func (b *windowsBacking) protectRange(base uintptr, addr, size uint32, prot uint32, committed map[uint32]bool) error {
	page := addr / PageSize
	last := (addr + size - 1) / PageSize
	for p := page; p <= last; p++ {
		ptr := base + uintptr(p*PageSize)
		if !committed[p] {
			if _, err := windows.VirtualAlloc(ptr, PageSize, windows.MEM_COMMIT, prot); err != nil {
				return err
			}
			committed[p] = true
			continue
		}
		var old uint32
		if err := windows.VirtualProtect(ptr, PageSize, prot, &old); err != nil {
			return err
		}
	}
	return nil
}

func (b *windowsBacking) PublicBase() []byte     { return b.public }
func (b *windowsBacking) PrivilegedBase() []byte { return b.privileged }

func (b *windowsBacking) Protect(addr, size uint32, publicProt, privilegedProt protection) error {
	publicBase := uintptr(unsafe.Pointer(&b.public[0]))
	privBase := uintptr(unsafe.Pointer(&b.privileged[0]))

	if err := b.protectRange(privBase, addr, size, toWindowsProt(privilegedProt), b.privCommitted); err != nil {
		return fmt.Errorf("host backing: protect privileged view at 0x%x: %w", addr, err)
	}
	if err := b.protectRange(publicBase, addr, size, toWindowsProt(publicProt), b.publicCommitted); err != nil {
		return fmt.Errorf("host backing: protect public view at 0x%x: %w", addr, err)
	}
	return nil
}

func (b *windowsBacking) Close() error {
	var err error
	err = multierr.Append(err, windows.UnmapViewOfFile(uintptr(unsafe.Pointer(&b.public[0]))))
	err = multierr.Append(err, windows.UnmapViewOfFile(uintptr(unsafe.Pointer(&b.privileged[0]))))
	return err
}
