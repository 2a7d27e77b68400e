package vm

import (
	"context"
	"testing"
)

func newTestVM(t *testing.T) (*VM, context.Context) {
	t.Helper()
	ctx, _ := Bind(context.Background())
	v, err := New(ctx)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { v.Close() })
	return v, ctx
}

func TestPageMapUnmapRoundTrip(t *testing.T) {
	v, ctx := newTestVM(t)

	const addr, size = 0x00010000, 0x2000
	v.Map(ctx, addr, size, flagsRW)

	if !v.CheckAddr(addr, size) {
		t.Fatalf("expected range to be allocated after Map")
	}

	if err := v.Write(ctx, addr, []byte{1, 2, 3, 4}); err != nil {
		t.Fatalf("Write: %v", err)
	}
	got := make([]byte, 4)
	if err := v.Read(addr, got); err != nil {
		t.Fatalf("Read: %v", err)
	}
	if got[0] != 1 || got[3] != 4 {
		t.Fatalf("round-trip mismatch: %v", got)
	}

	v.Unmap(ctx, addr, size)
	if v.CheckAddr(addr, size) {
		t.Fatalf("expected range to be unallocated after Unmap")
	}
}

func TestPageMapRejectsDoubleMap(t *testing.T) {
	v, ctx := newTestVM(t)
	const addr, size = 0x00020000, 0x1000
	v.Map(ctx, addr, size, flagsRW)

	defer func() {
		r := recover()
		fe, ok := r.(*FatalError)
		if !ok || fe.Kind != FatalUnexpectedPageState {
			t.Fatalf("expected FatalUnexpectedPageState panic, got %v", r)
		}
	}()
	v.Map(ctx, addr, size, flagsRW)
}

func TestPageProtectToggleOnOverlap(t *testing.T) {
	v, ctx := newTestVM(t)
	const addr, size = 0x00030000, 0x1000
	v.Map(ctx, addr, size, flagsRW)

	// set and clear the same bit: the documented XOR-as-toggle behaviour
	// (kept literally, see DESIGN.md) means the bit flips rather than
	// staying cleared.
	ok := v.Protect(ctx, addr, size, pageAllocated, pageWritable, pageWritable)
	if !ok {
		t.Fatalf("pageProtect should have succeeded")
	}
	flags := v.pages.load(addr >> PageShift)
	if flags&pageWritable == 0 {
		t.Fatalf("expected writable bit to toggle back on, flags=0x%x", flags)
	}
}

func TestCheckAddrOverflow(t *testing.T) {
	v, _ := newTestVM(t)
	if v.checkAddr(0xfffffff0, 0x20) {
		t.Fatalf("expected overflowing range to fail checkAddr")
	}
}
