//go:build unix

// hostmap_unix.go - POSIX implementation of the dual 4 GiB mapping.
//
// Mirrors vm.cpp::initialize(): open an anonymous shared-memory backing
// object, size it to the whole guest address space, map it twice (public
// + privileged), then unlink the name immediately so no other process can
// attach to it (spec §6: "the name must be unlinked immediately after
// mapping"). Both views start PROT_NONE; pages are promoted by Protect
// as the page table allocates them.

package vm

import (
	"fmt"
	"os"

	"go.uber.org/multierr"
	"golang.org/x/sys/unix"
)

type unixBacking struct {
	public     []byte
	privileged []byte
}

func newHostBacking() (hostBacking, error) {
	f, err := os.CreateTemp("", "guestmem-vm-*")
	if err != nil {
		return nil, fmt.Errorf("host backing: create shared object: %w", err)
	}
	name := f.Name()
	defer os.Remove(name) // unlinked as soon as both mappings exist below

	if err := f.Truncate(AddressSpaceSize); err != nil {
		f.Close()
		return nil, fmt.Errorf("host backing: size shared object: %w", err)
	}
	fd := int(f.Fd())

	public, err := unix.Mmap(fd, 0, AddressSpaceSize, unix.PROT_NONE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("host backing: mmap public view: %w", err)
	}

	privileged, err := unix.Mmap(fd, 0, AddressSpaceSize, unix.PROT_NONE, unix.MAP_SHARED)
	if err != nil {
		unix.Munmap(public)
		f.Close()
		return nil, fmt.Errorf("host backing: mmap privileged view: %w", err)
	}

	f.Close() // safe: both mappings hold their own reference to the pages

	return &unixBacking{public: public, privileged: privileged}, nil
}

func toUnixProt(p protection) int {
	switch p {
	case protReadWrite:
		return unix.PROT_READ | unix.PROT_WRITE
	case protRead:
		return unix.PROT_READ
	default:
		return unix.PROT_NONE
	}
}

func (b *unixBacking) PublicBase() []byte     { return b.public }
func (b *unixBacking) PrivilegedBase() []byte { return b.privileged }

func (b *unixBacking) Protect(addr, size uint32, publicProt, privilegedProt protection) error {
	if err := unix.Mprotect(b.public[addr:addr+size], toUnixProt(publicProt)); err != nil {
		return fmt.Errorf("host backing: mprotect public view at 0x%x: %w", addr, err)
	}
	if err := unix.Mprotect(b.privileged[addr:addr+size], toUnixProt(privilegedProt)); err != nil {
		return fmt.Errorf("host backing: mprotect privileged view at 0x%x: %w", addr, err)
	}
	return nil
}

func (b *unixBacking) Close() error {
	var err error
	err = multierr.Append(err, unix.Munmap(b.public))
	err = multierr.Append(err, unix.Munmap(b.privileged))
	return err
}
