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

package ring0

import (
	"fmt"

	"github.com/kcore-os/kcore/pkg/hostarch"
)

// Selector is a segment selector: a GDT index shifted left by three with
// the requested privilege level in the low two bits.
type Selector uint16

// Index returns the descriptor table index.
func (s Selector) Index() int { return int(s >> 3) }

// RPL returns the requested privilege level.
func (s Selector) RPL() uint8 { return uint8(s & 3) }

func (s Selector) String() string {
	return fmt.Sprintf("%#x (index %d, rpl %d)", uint16(s), s.Index(), s.RPL())
}

// Descriptor bits.
const (
	descWritable   = 1 << 41
	descExecutable = 1 << 43
	descUser       = 1 << 44
	descPresent    = 1 << 47
	descLongMode   = 1 << 53
	descDPLShift   = 45

	// descTSSAvailable is the system type of an available 64-bit TSS.
	descTSSAvailable = 0b1001 << 40
)

// Descriptor is a GDT entry. System descriptors span two slots.
type Descriptor struct {
	Low    uint64
	High   uint64
	System bool
}

// DPL returns the descriptor privilege level.
func (d Descriptor) DPL() uint8 {
	return uint8(d.Low>>descDPLShift) & 3
}

// Present returns true if the present bit is set.
func (d Descriptor) Present() bool {
	return d.Low&descPresent != 0
}

// Code returns true for executable segments.
func (d Descriptor) Code() bool {
	return !d.System && d.Low&descExecutable != 0
}

// KernelCodeSegment returns a ring 0 long mode code segment.
func KernelCodeSegment() Descriptor {
	return Descriptor{Low: descUser | descPresent | descExecutable | descLongMode}
}

// KernelDataSegment returns a ring 0 data segment.
func KernelDataSegment() Descriptor {
	return Descriptor{Low: descUser | descPresent | descWritable}
}

// UserCodeSegment returns a ring 3 long mode code segment.
func UserCodeSegment() Descriptor {
	d := KernelCodeSegment()
	d.Low |= 3 << descDPLShift
	return d
}

// UserDataSegment returns a ring 3 data segment.
func UserDataSegment() Descriptor {
	d := KernelDataSegment()
	d.Low |= 3 << descDPLShift
	return d
}

// TSSSegment returns the system descriptor for a TSS at base.
func TSSSegment(base uint64, limit uint16) Descriptor {
	low := uint64(limit)
	low |= (base & 0xff_ffff) << 16
	low |= descTSSAvailable | descPresent
	low |= ((base >> 24) & 0xff) << 56
	return Descriptor{Low: low, High: base >> 32, System: true}
}

// gdtEntries is the capacity of a GDT in slots.
const gdtEntries = 8

// GDT is a global descriptor table. Slot zero is the null descriptor.
type GDT struct {
	entries [gdtEntries]uint64
	system  [gdtEntries]bool
	next    int
}

// NewGDT returns a table holding only the null descriptor.
func NewGDT() *GDT {
	return &GDT{next: 1}
}

// AddKernelEntry appends d and returns its ring 0 selector.
func (g *GDT) AddKernelEntry(d Descriptor) Selector {
	return g.add(d, 0)
}

// AddUserEntry appends d and returns its ring 3 selector.
func (g *GDT) AddUserEntry(d Descriptor) Selector {
	return g.add(d, 3)
}

func (g *GDT) add(d Descriptor, rpl uint8) Selector {
	need := 1
	if d.System {
		need = 2
	}
	if g.next+need > gdtEntries {
		panic("GDT full")
	}
	index := g.next
	g.entries[index] = d.Low
	g.system[index] = d.System
	if d.System {
		g.entries[index+1] = d.High
	}
	g.next += need
	return Selector(index<<3) | Selector(rpl)
}

// Lookup returns the descriptor referenced by s.
func (g *GDT) Lookup(s Selector) (Descriptor, bool) {
	i := s.Index()
	if i == 0 || i >= g.next {
		return Descriptor{}, false
	}
	d := Descriptor{Low: g.entries[i], System: g.system[i]}
	if d.System {
		d.High = g.entries[i+1]
	}
	return d, true
}

// TSS is a 64-bit task state segment.
type TSS struct {
	// RSP holds the stacks loaded on a privilege change to rings 0 to 2.
	RSP [3]hostarch.VirtAddr

	// IST holds the interrupt stack table. Gates select a slot with
	// Gate.SetStackIndex.
	IST [7]hostarch.VirtAddr

	// IOMapBase is the offset of the I/O permission bitmap.
	IOMapBase uint16
}

// tssLimit is the size of the hardware TSS less one.
const tssLimit = 103

// Limit returns the descriptor limit of the segment.
func (t *TSS) Limit() uint16 { return tssLimit }

// Gate options.
const (
	gatePresent           = 1 << 15
	gateDPLShift          = 13
	gateInterruptsEnabled = 1 << 8
)

// Handler services an exception or interrupt delivered to a gate.
type Handler func(c *CPU, f *Fault)

// SwitchFunc is the body of the context switch entry stub. It is called
// with the stack pointer of the saved trap frame and returns the stack
// pointer of the frame to resume.
type SwitchFunc func(sp hostarch.VirtAddr) hostarch.VirtAddr

// Gate is an IDT entry.
type Gate struct {
	handler Handler
	sw      SwitchFunc
	options uint16
	ist     uint8
}

// SetHandler installs h as an interrupt gate: present, ring 0 only, with
// interrupts disabled during the handler.
func (g *Gate) SetHandler(h Handler) *Gate {
	*g = Gate{handler: h, options: gatePresent}
	return g
}

// SetSwitch installs the context switch entry stub with body f.
func (g *Gate) SetSwitch(f SwitchFunc) *Gate {
	*g = Gate{sw: f, options: gatePresent}
	return g
}

// SetStackIndex makes the gate run on interrupt stack table slot i.
func (g *Gate) SetStackIndex(i int) *Gate {
	if i < 0 || i >= len(TSS{}.IST) {
		panic(fmt.Sprintf("invalid interrupt stack index %d", i))
	}
	g.ist = uint8(i + 1)
	return g
}

// StackIndex returns the interrupt stack table slot, if any.
func (g *Gate) StackIndex() (int, bool) {
	return int(g.ist) - 1, g.ist != 0
}

// SetPrivilegeLevel sets the lowest privilege allowed to raise the gate
// with a software interrupt.
func (g *Gate) SetPrivilegeLevel(dpl uint8) *Gate {
	g.options &^= 3 << gateDPLShift
	g.options |= uint16(dpl&3) << gateDPLShift
	return g
}

// PrivilegeLevel returns the gate's DPL.
func (g *Gate) PrivilegeLevel() uint8 {
	return uint8(g.options>>gateDPLShift) & 3
}

// DisableInterrupts selects between an interrupt gate (true) and a trap
// gate that leaves interrupts enabled (false).
func (g *Gate) DisableInterrupts(disable bool) *Gate {
	if disable {
		g.options &^= gateInterruptsEnabled
	} else {
		g.options |= gateInterruptsEnabled
	}
	return g
}

// InterruptsDisabled returns true if entering the gate clears IF.
func (g *Gate) InterruptsDisabled() bool {
	return g.options&gateInterruptsEnabled == 0
}

// Present returns true if the gate has been set.
func (g *Gate) Present() bool {
	return g.options&gatePresent != 0
}

// IDT is the interrupt descriptor table.
type IDT [256]Gate
