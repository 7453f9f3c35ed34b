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
	"github.com/kcore-os/kcore/pkg/ring0/pagetables"
)

// stubReturn is the return address the entry stub pushes when it calls the
// switch body.
const stubReturn = 0xffff_ffff_8000_0000

// switchStackTop is where the entry stub moves the stack pointer before
// calling the switch body. The interrupted stack may not be mapped in the
// next thread's address space, so the switch runs on a dedicated page.
var switchStackTop = hostarch.VirtAddr(hostarch.AlignDown(uint64(pagetables.TaskSwitchStackTop)+1, 16))

// WriteFrame stores r as a trap frame at sp.
func (c *CPU) WriteFrame(sp hostarch.VirtAddr, r *Registers) {
	for i, w := range r.Words() {
		c.Store64(sp.Offset(uint64(8*i)), w)
	}
}

// ReadFrame loads the trap frame at sp.
func (c *CPU) ReadFrame(sp hostarch.VirtAddr) Registers {
	var w [TrapFrameWords]uint64
	for i := range w {
		w[i] = c.Load64(sp.Offset(uint64(8 * i)))
	}
	var r Registers
	r.SetWords(w)
	return r
}

// enterSwitch is the timer entry stub. The processor pushes the interrupt
// return frame on the handler stack and the stub pushes every general
// purpose register below it. The stub then passes the frame's address to
// the switch body on the dedicated switch stack. It pops the frame at the
// returned address, through whatever table is installed by then, and
// returns from the interrupt.
func (c *CPU) enterSwitch(g *Gate) {
	saved := c.regs
	stack := hostarch.VirtAddr(hostarch.AlignDown(uint64(c.handlerStack(g)), 16))
	c.regs.Rflags &^= _RFLAGS_IF
	c.regs.Cs = uint64(c.kernelCS)
	c.regs.Ss = uint64(c.kernelDS)

	sp := stack - TrapFrameSize
	c.WriteFrame(sp, &saved)

	c.regs.Rdi = uint64(sp)
	c.regs.Rsp = uint64(switchStackTop) - 8
	c.Store64(hostarch.VirtAddr(c.regs.Rsp), stubReturn)

	next := g.sw(sp)

	c.regs.Rax = uint64(next)
	c.regs.Rsp = uint64(next)
	frame := c.ReadFrame(next)
	c.iret(&frame)
}

// iret resumes the state in f. The code selector must name a present code
// descriptor whose DPL equals the selector's RPL.
func (c *CPU) iret(f *Registers) {
	cs := Selector(f.Cs)
	ss := Selector(f.Ss)
	if !c.validReturn(cs, true) {
		c.deliver(GeneralProtectionFault, uint64(cs)&^3, 0)
		c.Halt("iret to invalid code segment " + cs.String())
	}
	if (ss != 0 || cs.RPL() != 0) && !c.validReturn(ss, false) {
		c.deliver(GeneralProtectionFault, uint64(ss)&^3, 0)
		c.Halt("iret to invalid stack segment " + ss.String())
	}
	c.regs = *f
}

func (c *CPU) validReturn(s Selector, code bool) bool {
	if c.gdt == nil {
		return false
	}
	d, ok := c.gdt.Lookup(s)
	return ok && d.Present() && !d.System && d.Code() == code && d.DPL() == s.RPL()
}
