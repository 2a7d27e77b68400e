// pages.go - the dual-mapping page table (C2).
//
// One descriptor byte per 4 KiB guest page, stored in an atomic.Uint32
// per page (the low 8 bits hold the flag byte; a wider word is used
// because the stdlib has no atomic byte type, not because the extra
// bits mean anything). Grounded on vm.cpp's g_pages array and its
// _page_map/page_protect/_page_unmap/check_addr functions, which this
// keeps flag-for-flag including the set&clear XOR-as-toggle behaviour
// of page_protect (spec §4.2, §9 Open Question — kept literally).

package vm

import (
	"sync/atomic"
)

type pageTable struct {
	pages []atomic.Uint32
}

func newPageTable() *pageTable {
	return &pageTable{pages: make([]atomic.Uint32, PageCount)}
}

func (pt *pageTable) load(page uint32) uint8 {
	return uint8(pt.pages[page].Load())
}

func validateRange(addr, size uint32) {
	if size == 0 || !isPageAligned(addr) || !isPageAligned(size) {
		fatalf(FatalInvalidArgs, "unaligned or zero-size range (addr=0x%x, size=0x%x)", addr, size)
	}
}

// pageMap installs flags|pageAllocated on every page of [addr, addr+size)
// after verifying none of them currently have any bit set, flips host
// protection on both views, and zeroes the privileged view. flags must
// not itself contain pageAllocated (spec §4.2 precondition).
func (v *VM) pageMap(addr, size uint32, flags uint8) {
	validateRange(addr, size)
	if flags&pageAllocated != 0 {
		fatalf(FatalInvalidArgs, "page_map flags must not include allocated bit (flags=0x%x)", flags)
	}

	first := addr >> PageShift
	last := first + size>>PageShift

	for p := first; p < last; p++ {
		if v.pages.load(p) != 0 {
			fatalf(FatalUnexpectedPageState, "memory already mapped (addr=0x%x, size=0x%x, page_addr=0x%x)", addr, size, p<<PageShift)
		}
	}

	publicProt := protNone
	if flags&pageWritable != 0 {
		publicProt = protReadWrite
	} else if flags&pageReadable != 0 {
		publicProt = protRead
	}

	if err := v.backing.Protect(addr, size, publicProt, protReadWrite); err != nil {
		fatalf(FatalSystemFailure, "%v", err)
	}

	for p := first; p < last; p++ {
		if !v.pages.pages[p].CompareAndSwap(0, uint32(flags|pageAllocated)) {
			fatalf(FatalConcurrentAccess, "concurrent access during page_map (current_addr=0x%x)", p<<PageShift)
		}
	}

	priv := v.backing.PrivilegedBase()
	clear(priv[addr : addr+size])
}

// pageUnmap requires every covered page be allocated, breaks any
// reservation overlapping the range page by page, clears every page
// byte, and resets both views to no-access.
func (v *VM) pageUnmap(addr, size uint32) {
	validateRange(addr, size)

	first := addr >> PageShift
	last := first + size>>PageShift

	for p := first; p < last; p++ {
		if v.pages.load(p)&pageAllocated == 0 {
			fatalf(FatalUnexpectedPageState, "memory not mapped (addr=0x%x, size=0x%x, page_addr=0x%x)", addr, size, p<<PageShift)
		}
	}

	for p := first; p < last; p++ {
		v.reservationBreakAddr(p << PageShift)

		if v.pages.pages[p].Swap(0)&uint32(pageAllocated) == 0 {
			fatalf(FatalConcurrentAccess, "concurrent access during page_unmap (current_addr=0x%x)", p<<PageShift)
		}
	}

	if err := v.backing.Protect(addr, size, protNone, protNone); err != nil {
		fatalf(FatalSystemFailure, "%v", err)
	}
}

// pageProtect is transactional: if any covered page fails
// (flags&test)==test it is a no-op returning false. Otherwise every
// page's flags become ((old|set) &^ clear) ^ (set&clear) - a bit set
// in both set and clear is toggled rather than cleared, per spec §4.2
// and §9's Open Question (kept literally, see DESIGN.md).
func (v *VM) pageProtect(addr, size uint32, test, set, clear uint8) bool {
	validateRange(addr, size)

	first := addr >> PageShift
	last := first + size>>PageShift
	testWithAllocated := test | pageAllocated

	for p := first; p < last; p++ {
		if v.pages.load(p)&testWithAllocated != testWithAllocated {
			return false
		}
	}

	toggle := set & clear
	if set == 0 && clear == 0 {
		// pure query: page_protect(test, 0, 0) must not mutate anything.
		return true
	}

	for p := first; p < last; p++ {
		v.reservationBreakAddr(p << PageShift)

		old := v.pages.load(p)
		newFlags := ((old | set) &^ clear) ^ toggle
		v.pages.pages[p].Store(uint32(newFlags))

		oldEffective := old & (pageReadable | pageWritable)
		newEffective := newFlags & (pageReadable | pageWritable)
		if oldEffective != newEffective {
			publicProt := protNone
			if newEffective&pageWritable != 0 {
				publicProt = protReadWrite
			} else if newEffective&pageReadable != 0 {
				publicProt = protRead
			}
			if err := v.backing.Protect(p<<PageShift, PageSize, publicProt, protReadWrite); err != nil {
				fatalf(FatalSystemFailure, "%v", err)
			}
		}
	}

	return true
}

// checkAddr returns true iff [addr, addr+size) does not overflow the
// 32-bit space and every covered page is allocated.
func (v *VM) checkAddr(addr, size uint32) bool {
	if size == 0 {
		fatalf(FatalInvalidArgs, "check_addr requires size>0")
	}
	if addr+(size-1) < addr {
		return false
	}
	first := addr >> PageShift
	last := (addr + size - 1) >> PageShift
	for p := first; p <= last; p++ {
		if v.pages.load(p)&pageAllocated == 0 {
			return false
		}
	}
	return true
}
