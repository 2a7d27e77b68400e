package vm

import "testing"

func TestPushPopPPURoundTrip(t *testing.T) {
	v, ctx := newTestVM(t)
	sp := uint32(0x00020000)
	cpu := NewPPUStack(&sp, 0x00010000)

	addr, oldSP, err := v.Push(ctx, cpu, 0x10)
	if err != nil {
		t.Fatalf("Push: %v", err)
	}
	if addr%ppuStackAlign != 0 {
		t.Fatalf("pushed address 0x%x not aligned to %d", addr, ppuStackAlign)
	}
	if addr != sp {
		t.Fatalf("pushed address 0x%x != current SP 0x%x", addr, sp)
	}

	if err := v.Pop(ctx, cpu, addr, oldSP); err != nil {
		t.Fatalf("Pop: %v", err)
	}
	if sp != oldSP {
		t.Fatalf("SP after Pop = 0x%x, want 0x%x", sp, oldSP)
	}
}

func TestPushPPUFailsBelowStackFloor(t *testing.T) {
	v, ctx := newTestVM(t)
	const floor = 0x00010000
	sp := uint32(floor + 8)
	cpu := NewPPUStack(&sp, floor)

	if _, _, err := v.Push(ctx, cpu, 0x1000); err == nil {
		t.Fatalf("expected Push to fail once it would underflow the stack floor")
	}
}

func TestPushSPUTranslatesAddressByLocalStoreOffset(t *testing.T) {
	v, ctx := newTestVM(t)
	const localStoreOffset = 0xe0000000
	sp := uint32(0x1000)
	cpu := NewSPUStack(&sp, localStoreOffset)

	addr, oldSP, err := v.Push(ctx, cpu, 0x10)
	if err != nil {
		t.Fatalf("Push: %v", err)
	}
	if addr != sp+localStoreOffset {
		t.Fatalf("pushed address 0x%x != SP+offset 0x%x", addr, sp+localStoreOffset)
	}
	if addr%spuStackAlign != 0 {
		t.Fatalf("pushed address 0x%x not aligned to %d", addr, spuStackAlign)
	}

	if err := v.Pop(ctx, cpu, addr, oldSP); err != nil {
		t.Fatalf("Pop: %v", err)
	}
}

func TestPopARMFailsOnMismatchedAddress(t *testing.T) {
	v, ctx := newTestVM(t)
	sp := uint32(0x00020000)
	cpu := NewARMStack(&sp, 0x00010000)

	addr, oldSP, err := v.Push(ctx, cpu, 0x10)
	if err != nil {
		t.Fatalf("Push: %v", err)
	}
	if err := v.Pop(ctx, cpu, addr+4, oldSP); err == nil {
		t.Fatalf("expected Pop with a mismatched address to report stack inconsistency")
	}
}
