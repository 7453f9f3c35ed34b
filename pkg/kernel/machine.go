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

	"github.com/kcore-os/kcore/pkg/hostarch"
	"github.com/kcore-os/kcore/pkg/pmm"
	"github.com/kcore-os/kcore/pkg/ring0"
)

// Defaults of a standard machine.
const (
	DefaultTimerHz             = 100
	DefaultInstructionsPerTick = 64

	// MinMemorySize is the smallest machine the kernel boots on.
	MinMemorySize = 8 << 20
)

// Module is a flat binary the firmware places in memory.
type Module struct {
	Name string
	Data []byte

	// Entry is the offset of the entry point within Data.
	Entry uint64
}

// Machine describes the simulated hardware and what its firmware loads.
type Machine struct {
	// MemorySize is the amount of RAM in bytes, a multiple of the huge
	// page size.
	MemorySize uint64

	// MemoryFile backs RAM with a file when set.
	MemoryFile string

	// FreeAreas is the firmware memory map's available areas.
	FreeAreas []hostarch.MemoryArea

	// Sections are the kernel image sections, linked in the higher half.
	// The boot page tables and stack live in the section named ".bss".
	Sections []pmm.Section

	// BootInfoAddr is where the firmware stores the boot information.
	// Modules follow it, page aligned.
	BootInfoAddr hostarch.PhysAddr

	Modules []Module

	// TimerHz is the programmed timer frequency.
	TimerHz uint32

	// InstructionsPerTick is the number of user instructions run between
	// two timer interrupts.
	InstructionsPerTick int
}

// NewMachine returns a PC-like machine with size bytes of RAM and no
// modules. Low memory below the EBDA and everything from 1 MiB up is
// available, and the kernel image starts at 1 MiB.
func NewMachine(size uint64) Machine {
	return Machine{
		MemorySize: size,
		FreeAreas: []hostarch.MemoryArea{
			{Start: 0, Size: 0x9_fc00},
			{Start: 0x10_0000, Size: size - 0x10_0000},
		},
		Sections: []pmm.Section{
			{Name: ".text", Addr: hostarch.HigherHalf(0x10_0000), Size: 0x4_0000, Flags: pmm.SectionAllocated | pmm.SectionExecutable},
			{Name: ".rodata", Addr: hostarch.HigherHalf(0x14_0000), Size: 0x1_0000, Flags: pmm.SectionAllocated},
			{Name: ".data", Addr: hostarch.HigherHalf(0x15_0000), Size: 0x1_0000, Flags: pmm.SectionAllocated | pmm.SectionWritable},
			{Name: ".bss", Addr: hostarch.HigherHalf(0x16_0000), Size: 0x2_0000, Flags: pmm.SectionAllocated | pmm.SectionWritable},
		},
		BootInfoAddr:        0x18_0000,
		TimerHz:             DefaultTimerHz,
		InstructionsPerTick: DefaultInstructionsPerTick,
	}
}

// Validate checks that the firmware can boot m.
func (m *Machine) Validate() error {
	if m.MemorySize < MinMemorySize {
		return fmt.Errorf("memory size %#x is below the minimum of %#x", m.MemorySize, MinMemorySize)
	}
	if m.MemorySize%hostarch.HugePageSize != 0 {
		return fmt.Errorf("memory size %#x is not a multiple of %#x", m.MemorySize, hostarch.HugePageSize)
	}
	for _, a := range m.FreeAreas {
		if uint64(a.End()) > m.MemorySize {
			return fmt.Errorf("free area %v extends past the end of memory", a)
		}
	}
	for i, s := range m.Sections {
		if s.Addr < hostarch.KernelBase {
			return fmt.Errorf("section %s is not linked in the higher half", s)
		}
		if uint64(s.Area().End()) > m.MemorySize {
			return fmt.Errorf("section %s extends past the end of memory", s)
		}
		for _, o := range m.Sections[:i] {
			if s.Area().Intersects(o.Area()) {
				return fmt.Errorf("section %s overlaps %s", s, o)
			}
		}
	}
	if _, err := m.bss(); err != nil {
		return err
	}
	if m.TimerHz == 0 {
		return fmt.Errorf("timer frequency must be positive")
	}
	if d := ring0.PITDivisor(m.TimerHz); d == 0 || d > 0xffff {
		return fmt.Errorf("timer frequency %d Hz needs PIT divisor %d, outside 1..65535", m.TimerHz, d)
	}
	if m.InstructionsPerTick <= 0 {
		return fmt.Errorf("instructions per tick must be positive")
	}
	for _, mod := range m.Modules {
		if len(mod.Data) == 0 {
			return fmt.Errorf("module %q is empty", mod.Name)
		}
		if mod.Entry >= uint64(len(mod.Data)) {
			return fmt.Errorf("module %q: entry offset %#x outside %d bytes", mod.Name, mod.Entry, len(mod.Data))
		}
	}
	return nil
}

// bss returns the section holding the boot page tables and stack.
func (m *Machine) bss() (pmm.Section, error) {
	for _, s := range m.Sections {
		if s.Name != ".bss" {
			continue
		}
		if s.Flags&pmm.SectionWritable == 0 {
			return pmm.Section{}, fmt.Errorf("section %s is not writable", s)
		}
		if s.Size < bootAreaSize {
			return pmm.Section{}, fmt.Errorf("section %s is smaller than the %#x bytes of boot tables and stack", s, bootAreaSize)
		}
		if s.Addr.PageOffset() != 0 {
			return pmm.Section{}, fmt.Errorf("section %s is not page aligned", s)
		}
		return s, nil
	}
	return pmm.Section{}, fmt.Errorf("no .bss section")
}
