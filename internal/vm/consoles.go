// consoles.go - fixed per-console location tables (spec §6).
//
// Grounded on vm.cpp's ps3::init/psv::init/psp::init, which hardcode
// base/size/flag triples for each console's well-known regions. The
// base/size values below are the exact fixed constants spec §6 names
// for each location id; a console's location ids spec §6 marks ⊥ are
// simply omitted from its table rather than registered with a zero
// size.

package vm

import (
	"fmt"
	"os"

	"sigs.k8s.io/yaml"
)

const flagsRW = pageReadable | pageWritable

// PS3Layout is the fixed location table for a PS3-like console: main,
// user, video, stack and spu (spec §6, vm.cpp::ps3::init).
func PS3Layout() []LocationSpec {
	return []LocationSpec{
		{Name: "ps3.main", Base: 0x00010000, Size: 0x1fff0000, Flags: flagsRW},
		{Name: "ps3.user", Base: 0x20000000, Size: 0x10000000, Flags: flagsRW},
		{Name: "ps3.video", Base: 0xc0000000, Size: 0x10000000, Flags: flagsRW},
		{Name: "ps3.stack", Base: 0xd0000000, Size: 0x10000000, Flags: flagsRW},
		{Name: "ps3.spu", Base: 0xe0000000, Size: 0x20000000, Flags: flagsRW},
	}
}

// PSVLayout is the fixed location table for a PSV-like console: ram and
// user only, video and stack are ⊥ per spec §6 and so have no entry
// (vm.cpp::psv::init).
func PSVLayout() []LocationSpec {
	return []LocationSpec{
		{Name: "psv.ram", Base: 0x81000000, Size: 0x10000000, Flags: flagsRW},
		{Name: "psv.user", Base: 0x91000000, Size: 0x2f000000, Flags: flagsRW},
	}
}

// PSPLayout is the fixed location table for a PSP-like console: ram,
// user, vram, scratchpad and kernel; stack is ⊥ per spec §6 and so has
// no entry (vm.cpp::psp::init). §6's "user" id (0x0880_0000+0x0180_0000)
// is a strict subset of "ram" (0x0800_0000+0x0200_0000) - real PSP
// hardware exposes the same physical RAM through a kernel-wide window
// and a smaller user-privilege window onto its upper portion - so it is
// registered with AllowOverlap rather than as an independent arena.
func PSPLayout() []LocationSpec {
	return []LocationSpec{
		{Name: "psp.ram", Base: 0x08000000, Size: 0x02000000, Flags: flagsRW},
		{Name: "psp.user", Base: 0x08800000, Size: 0x01800000, Flags: flagsRW, AllowOverlap: true},
		{Name: "psp.vram", Base: 0x04000000, Size: 0x00200000, Flags: flagsRW},
		{Name: "psp.scratchpad", Base: 0x00010000, Size: 0x00004000, Flags: flagsRW},
		{Name: "psp.kernel", Base: 0x88000000, Size: 0x00800000, Flags: flagsRW},
	}
}

// LoadLayout reads a console layout from a YAML file, each entry giving
// a LocationSpec (spec §4.9 "(added)"). This is the route for a console
// the fixed tables above don't cover, grounded on the sigs.k8s.io/yaml
// import seen in both SnellerInc-sneller and the rest of the pack for
// declarative config loading in preference to encoding/json on raw YAML
// bytes.
func LoadLayout(path string) ([]LocationSpec, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load layout: %w", err)
	}
	var specs []LocationSpec
	if err := yaml.Unmarshal(raw, &specs); err != nil {
		return nil, fmt.Errorf("load layout: %w", err)
	}
	for _, s := range specs {
		if !isPageAligned(s.Base) || !isPageAligned(s.Size) || s.Size == 0 {
			return nil, fmt.Errorf("load layout: location %q has unaligned or zero base/size", s.Name)
		}
	}
	return specs, nil
}

// ApplyLayout registers every location in specs against v, stopping and
// returning the first error (spec §6's console bring-up sequence).
func (v *VM) ApplyLayout(specs []LocationSpec) error {
	for _, s := range specs {
		if err := v.locations.register(s); err != nil {
			return err
		}
	}
	return nil
}
