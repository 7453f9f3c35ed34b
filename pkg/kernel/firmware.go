// Copyright 2026 The gVisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package kernel

import (
	"fmt"
	"slices"

	"github.com/kcore-os/kcore/pkg/frame"
	"github.com/kcore-os/kcore/pkg/hostarch"
	"github.com/kcore-os/kcore/pkg/physmem"
	"github.com/kcore-os/kcore/pkg/pmm"
	"github.com/kcore-os/kcore/pkg/ring0"
	"github.com/kcore-os/kcore/pkg/ring0/pagetables"
)

// The boot loader's tables and stack sit at the start of .bss, in this
// order. The level 4 table page becomes the stack's guard page once the
// kernel has remapped itself.
const (
	bootL3Page     = 0
	bootL2Page     = 1
	bootL4Page     = 2
	bootStackPages = 16

	bootAreaSize = (bootL4Page + 1 + bootStackPages) * hostarch.PageSize

	// bootInfoSize is the size of the boot information structure.
	bootInfoSize = hostarch.PageSize
)

// loadFirmware does what the boot loader does before jumping to the
// kernel: it places the modules in RAM, describes the machine in a
// BootInfo and enters long mode with the first GiB of physical memory
// mapped at KernelBase.
func loadFirmware(mem *physmem.Memory, cpu *ring0.CPU, m *Machine) (*pmm.BootInfo, error) {
	bss, err := m.bss()
	if err != nil {
		return nil, err
	}
	info := &pmm.BootInfo{
		Addr:      m.BootInfoAddr,
		TotalSize: bootInfoSize,
		FreeAreas: slices.Clone(m.FreeAreas),
		Sections:  slices.Clone(m.Sections),
	}
	if info.Addr%hostarch.PageSize != 0 || uint64(info.Area().End()) > mem.Size() {
		return nil, fmt.Errorf("boot information at %v is not a page inside memory", info.Addr)
	}
	if info.Area().Intersects(info.KernelArea()) {
		return nil, fmt.Errorf("boot information at %v overlaps the kernel", info.Addr)
	}
	// The header holds the total size, as multiboot2 does.
	mem.Store64(info.Addr, info.TotalSize)

	next := info.Area().End().AlignUp(hostarch.PageSize)
	for _, mod := range m.Modules {
		area := hostarch.MemoryArea{Start: next, Size: uint64(len(mod.Data))}
		if uint64(area.End()) > mem.Size() || !available(m.FreeAreas, area) {
			return nil, fmt.Errorf("module %q at %v does not fit in available memory", mod.Name, area)
		}
		if area.Intersects(info.KernelArea()) {
			return nil, fmt.Errorf("module %q at %v overlaps the kernel", mod.Name, area)
		}
		copy(mem.Bytes(area.Start, area.Size), mod.Data)
		info.Modules = append(info.Modules, pmm.Module{Name: mod.Name, Start: area.Start, Size: area.Size})
		next = area.End().AlignUp(hostarch.PageSize)
	}

	base := frame.FrameOf(bss.Area().Start)
	l3, l2, l4 := base+bootL3Page, base+bootL2Page, base+bootL4Page
	for _, f := range []frame.Frame{l3, l2, l4} {
		mem.Zero(f)
	}
	tables := cpu.Tables()
	kernelSlot := frame.PageOf(hostarch.KernelBase).Table4()
	pagetables.SetFrame(&tables.LookupPTEs(l4)[kernelSlot], l3, pagetables.Present|pagetables.Writable)
	pagetables.SetFrame(&tables.LookupPTEs(l3)[0], l2, pagetables.Present|pagetables.Writable)
	huge := min(mem.Size()/hostarch.HugePageSize, frame.EntriesPerTable)
	for i := uint64(0); i < huge; i++ {
		pagetables.SetFrame(&tables.LookupPTEs(l2)[i], frame.HugeFrame(i), pagetables.Present|pagetables.Writable|pagetables.Huge)
	}

	cpu.SetCR3(l4.StartAddress())
	stackTop := hostarch.HigherHalf(uint64(bss.Area().Start) + bootAreaSize)
	cpu.Registers().Rsp = uint64(stackTop)
	return info, nil
}

// available returns true if a lies inside one of the free areas.
func available(free []hostarch.MemoryArea, a hostarch.MemoryArea) bool {
	for _, f := range free {
		if a.Start >= f.Start && a.End() <= f.End() {
			return true
		}
	}
	return false
}
