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
	"github.com/kcore-os/kcore/pkg/hostarch"
)

// Opcodes understood by the stepper.
const (
	opNop    = 0x90
	opHlt    = 0xf4
	opJmp8   = 0xeb
	opInt    = 0xcd
	opREXW   = 0x48
	opREXWB  = 0x49
	opIncDec = 0xff
	opMovImm = 0xc7
)

// fetch reads the instruction byte at rip+off.
func (c *CPU) fetch(off uint64) uint8 {
	v := hostarch.VirtAddr(c.regs.Rip + off)
	pa := c.physical(v, access{user: c.CPL() == 3, exec: true})
	return c.mem.Bytes(pa, 1)[0]
}

func (c *CPU) fetch32(off uint64) uint32 {
	var v uint32
	for i := uint64(0); i < 4; i++ {
		v |= uint32(c.fetch(off+i)) << (8 * i)
	}
	return v
}

func (c *CPU) invalidOpcode() {
	c.deliver(InvalidOpcode, 0, 0)
}

// execute runs the instruction at rip. The stepper understands a small
// subset of x86-64:
//
//	90               nop
//	eb rel8          jmp rel8
//	48 c7 c0 imm32   mov rax, imm32
//	49 c7 c7 imm32   mov r15, imm32
//	48 ff c0         inc rax
//	cd imm8          int imm8
//	f4               hlt
//	0f 0b            ud2
//
// Anything else raises an invalid opcode exception.
func (c *CPU) execute() {
	switch c.fetch(0) {
	case opNop:
		c.regs.Rip++
	case opJmp8:
		rel := int8(c.fetch(1))
		c.regs.Rip = c.regs.Rip + 2 + uint64(int64(rel))
	case opREXW:
		switch {
		case c.fetch(1) == opMovImm && c.fetch(2) == 0xc0:
			c.regs.Rax = uint64(int64(int32(c.fetch32(3))))
			c.regs.Rip += 7
		case c.fetch(1) == opIncDec && c.fetch(2) == 0xc0:
			c.regs.Rax++
			c.regs.Rip += 3
		default:
			c.invalidOpcode()
			return
		}
	case opREXWB:
		if c.fetch(1) != opMovImm || c.fetch(2) != 0xc7 {
			c.invalidOpcode()
			return
		}
		c.regs.R15 = uint64(int64(int32(c.fetch32(3))))
		c.regs.Rip += 7
	case opInt:
		v := Vector(c.fetch(1))
		var g *Gate
		if c.idt != nil {
			g = &c.idt[v]
		}
		// The IDT flag in the error code marks a gate index.
		if g == nil || !g.Present() || g.PrivilegeLevel() < c.CPL() {
			c.deliver(GeneralProtectionFault, uint64(v)<<3|2, 0)
			return
		}
		c.regs.Rip += 2
		c.instructions++
		c.deliver(v, 0, 0)
		return
	case opHlt:
		if c.CPL() != 0 {
			c.deliver(GeneralProtectionFault, 0, 0)
			return
		}
		c.regs.Rip++
		c.waiting = true
	default:
		c.invalidOpcode()
		return
	}
	c.instructions++
}
