package vm

import "testing"

func TestPSPLayoutUserIsAllowedToOverlapRAM(t *testing.T) {
	v, _ := newTestVM(t)
	if err := v.ApplyLayout(PSPLayout()); err != nil {
		t.Fatalf("ApplyLayout(PSPLayout()): %v", err)
	}

	ram, ok := v.locations.get("psp.ram")
	if !ok {
		t.Fatalf("expected psp.ram to be registered")
	}
	user, ok := v.locations.get("psp.user")
	if !ok {
		t.Fatalf("expected psp.user to be registered")
	}
	if user.base < ram.base || user.base+user.size > ram.base+ram.size {
		t.Fatalf("expected psp.user [0x%x,0x%x) to be contained within psp.ram [0x%x,0x%x)",
			user.base, user.base+user.size, ram.base, ram.base+ram.size)
	}

	if _, ok := v.locations.get("psp.kernel"); !ok {
		t.Fatalf("expected psp.kernel to be registered")
	}
}

func TestPS3LayoutMainRegionMatchesFixedConstant(t *testing.T) {
	layout := PS3Layout()
	main := layout[0]
	if main.Name != "ps3.main" || main.Base != 0x00010000 || main.Size != 0x1fff0000 {
		t.Fatalf("ps3.main = %+v, want base=0x10000 size=0x1fff0000", main)
	}
}
