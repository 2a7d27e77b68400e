package vm

import "testing"

func TestBlockAllocDeallocReusesFreedSpace(t *testing.T) {
	b := newBlock("test", 0x1000, 0x4000, flagsRW)

	rel1, ok := b.tryAlloc(0x1000, PageSize, 0)
	if !ok {
		t.Fatalf("expected first allocation to succeed")
	}
	b.alloc(rel1, 0x1000)

	rel2, ok := b.tryAlloc(0x1000, PageSize, 0)
	if !ok {
		t.Fatalf("expected second allocation to succeed")
	}
	b.alloc(rel2, 0x1000)
	if rel1 == rel2 {
		t.Fatalf("expected distinct allocations to land at distinct offsets")
	}

	if _, ok := b.dealloc(rel1); !ok {
		t.Fatalf("expected dealloc of a live allocation to succeed")
	}
	rel3, ok := b.tryAlloc(0x1000, PageSize, 0)
	if !ok || rel3 != rel1 {
		t.Fatalf("expected freed space to be reused by first-fit, got rel3=0x%x want 0x%x", rel3, rel1)
	}
}

func TestBlockAllocFailsWhenExhausted(t *testing.T) {
	b := newBlock("test", 0, 0x2000, flagsRW)
	rel, ok := b.tryAlloc(0x2000, PageSize, 0)
	if !ok {
		t.Fatalf("expected full-block allocation to succeed")
	}
	b.alloc(rel, 0x2000)

	if _, ok := b.tryAlloc(PageSize, PageSize, 0); ok {
		t.Fatalf("expected allocation to fail once the block is exhausted")
	}
}

func TestBlockDeallocUnknownAddrReportsMiss(t *testing.T) {
	b := newBlock("test", 0, 0x2000, flagsRW)
	if _, ok := b.dealloc(0x1000); ok {
		t.Fatalf("expected dealloc of an unknown address to report a miss, not succeed")
	}
}
