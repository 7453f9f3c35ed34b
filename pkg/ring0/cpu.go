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

	"github.com/kcore-os/kcore/pkg/frame"
	"github.com/kcore-os/kcore/pkg/hostarch"
	"github.com/kcore-os/kcore/pkg/physmem"
	"github.com/kcore-os/kcore/pkg/ring0/pagetables"
)

// maxFaultDepth bounds nested exception delivery. Deeper nesting is
// reported as a double fault.
const maxFaultDepth = 4

// Fault describes an exception or interrupt being delivered to a handler.
type Fault struct {
	Vector Vector

	// ErrorCode is the code pushed by the exception, if any.
	ErrorCode uint64

	// Addr is the faulting address of a page fault.
	Addr hostarch.VirtAddr

	// Regs is the interrupted state. Changes made by the handler take
	// effect when it returns.
	Regs *Registers

	// Stack is the stack the handler runs on.
	Stack hostarch.VirtAddr
}

// User returns true if the fault interrupted ring 3.
func (f *Fault) User() bool {
	return Selector(f.Regs.Cs).RPL() == 3
}

func (f *Fault) String() string {
	s := fmt.Sprintf("%v at rip %#x (cs %#x)", f.Vector, f.Regs.Rip, f.Regs.Cs)
	switch {
	case f.Vector == PageFault:
		s += fmt.Sprintf(", address %v, %v", f.Addr, PageFaultCode(f.ErrorCode))
	case f.Vector.hasErrorCode():
		s += fmt.Sprintf(", error code %#x", f.ErrorCode)
	}
	return s
}

// Halt is the panic value raised when the processor stops permanently.
type Halt struct {
	Reason string
	Regs   Registers
}

// Error implements error.Error.
func (h *Halt) Error() string {
	return "cpu halted: " + h.Reason
}

// tlbEntry caches one translation.
type tlbEntry struct {
	base  hostarch.PhysAddr
	flags pagetables.Flags
}

// access describes a memory access for permission checks.
type access struct {
	write bool
	user  bool
	exec  bool
}

func (a access) code() PageFaultCode {
	var c PageFaultCode
	if a.write {
		c |= PFWrite
	}
	if a.user {
		c |= PFUser
	}
	if a.exec {
		c |= PFInstruction
	}
	return c
}

// CPU is a simulated x86-64 core. It is not safe for concurrent use; the
// owner drives it from a single goroutine.
type CPU struct {
	mem    *physmem.Memory
	tables pagetables.Tables

	regs Registers
	cr2  hostarch.VirtAddr
	cr3  hostarch.PhysAddr

	tlb     map[frame.Page]tlbEntry
	hugeTLB map[frame.HugePage]tlbEntry

	gdt      *GDT
	tss      *TSS
	idt      *IDT
	kernelCS Selector
	kernelDS Selector

	pic PIC
	pit PIT

	depth   int
	waiting bool
	halted  *Halt

	instructions uint64
}

// NewCPU returns a processor attached to mem with paging enabled, no
// tables installed and interrupts disabled.
func NewCPU(mem *physmem.Memory) *CPU {
	return &CPU{
		mem:     mem,
		tables:  pagetables.PhysicalTables{Mem: mem},
		regs:    Registers{Rflags: KernelFlagsSet},
		tlb:     make(map[frame.Page]tlbEntry),
		hugeTLB: make(map[frame.HugePage]tlbEntry),
		pic:     newPIC(),
		pit:     newPIT(),
	}
}

// Memory returns the physical memory the CPU is attached to.
func (c *CPU) Memory() *physmem.Memory {
	return c.mem
}

// Tables returns the resolver the page walker uses.
func (c *CPU) Tables() pagetables.Tables {
	return c.tables
}

// Registers returns the register file.
func (c *CPU) Registers() *Registers {
	return &c.regs
}

// CPL returns the current privilege level.
func (c *CPU) CPL() uint8 {
	return Selector(c.regs.Cs).RPL()
}

// CR2 returns the address of the last page fault.
func (c *CPU) CR2() hostarch.VirtAddr {
	return c.cr2
}

// CR3 implements pagetables.MMU.CR3.
func (c *CPU) CR3() hostarch.PhysAddr {
	return c.cr3
}

// SetCR3 implements pagetables.MMU.SetCR3.
func (c *CPU) SetCR3(addr hostarch.PhysAddr) {
	c.cr3 = addr
	c.FlushTLB()
}

// FlushTLBEntry implements pagetables.TLB.FlushTLBEntry. Like invlpg, it
// also drops a huge translation covering v.
func (c *CPU) FlushTLBEntry(v hostarch.VirtAddr) {
	delete(c.tlb, frame.PageOf(v))
	delete(c.hugeTLB, frame.HugePageOf(v))
}

// FlushTLB implements pagetables.TLB.FlushTLB.
func (c *CPU) FlushTLB() {
	clear(c.tlb)
	clear(c.hugeTLB)
}

// TLBSize returns the number of cached translations.
func (c *CPU) TLBSize() int {
	return len(c.tlb) + len(c.hugeTLB)
}

// LoadGDT installs g.
func (c *CPU) LoadGDT(g *GDT) {
	c.gdt = g
}

// GDT returns the installed descriptor table.
func (c *CPU) GDT() *GDT {
	return c.gdt
}

// SetCS loads the code segment and LoadDS the data segments. Both must
// name present ring 0 descriptors.
func (c *CPU) SetCS(s Selector) {
	c.mustDescriptor(s, true)
	c.kernelCS = s
	c.regs.Cs = uint64(s)
}

// LoadDS loads the stack and data segments.
func (c *CPU) LoadDS(s Selector) {
	c.mustDescriptor(s, false)
	c.kernelDS = s
	c.regs.Ss = uint64(s)
}

func (c *CPU) mustDescriptor(s Selector, code bool) {
	d, ok := c.gdt.Lookup(s)
	if !ok || !d.Present() || d.System || d.Code() != code || d.DPL() != s.RPL() {
		panic(fmt.Sprintf("invalid selector %v", s))
	}
}

// LoadTSS installs t through the system descriptor s.
func (c *CPU) LoadTSS(s Selector, t *TSS) {
	d, ok := c.gdt.Lookup(s)
	if !ok || !d.System || !d.Present() {
		panic(fmt.Sprintf("selector %v is not a TSS", s))
	}
	c.tss = t
}

// TSS returns the installed task state segment.
func (c *CPU) TSS() *TSS {
	return c.tss
}

// LoadIDT installs t.
func (c *CPU) LoadIDT(t *IDT) {
	c.idt = t
}

// IDT returns the installed interrupt table.
func (c *CPU) IDT() *IDT {
	return c.idt
}

// EnableInterrupts sets IF.
func (c *CPU) EnableInterrupts() {
	c.regs.Rflags |= _RFLAGS_IF
}

// DisableInterrupts clears IF.
func (c *CPU) DisableInterrupts() {
	c.regs.Rflags &^= _RFLAGS_IF
}

// InterruptsEnabled returns the state of IF.
func (c *CPU) InterruptsEnabled() bool {
	return c.regs.Rflags&_RFLAGS_IF != 0
}

// WaitForInterrupt idles the core until the next interrupt, as hlt does
// with interrupts enabled.
func (c *CPU) WaitForInterrupt() {
	c.waiting = true
}

// Waiting returns true while the core idles.
func (c *CPU) Waiting() bool {
	return c.waiting
}

// Halt stops the core permanently. It does not return: it panics with a
// *Halt carrying reason.
func (c *CPU) Halt(reason string) {
	h := &Halt{Reason: reason, Regs: c.regs}
	c.halted = h
	panic(h)
}

// Halted returns the reason the core stopped, or nil.
func (c *CPU) Halted() *Halt {
	return c.halted
}

// Instructions returns the number of user instructions retired.
func (c *CPU) Instructions() uint64 {
	return c.instructions
}

// lookup returns the translation of v, consulting the TLB first.
func (c *CPU) lookup(v hostarch.VirtAddr) (hostarch.PhysAddr, pagetables.Flags, bool) {
	if e, ok := c.tlb[frame.PageOf(v)]; ok {
		return e.base + hostarch.PhysAddr(v.PageOffset()), e.flags, true
	}
	if e, ok := c.hugeTLB[frame.HugePageOf(v)]; ok {
		return e.base + hostarch.PhysAddr(uint64(v)%hostarch.HugePageSize), e.flags, true
	}
	tr, ok := pagetables.Walk(c.tables, frame.FrameOf(c.cr3), v)
	if !ok {
		return 0, 0, false
	}
	if tr.Flags.Contains(pagetables.Huge) {
		off := hostarch.PhysAddr(uint64(v) % hostarch.HugePageSize)
		c.hugeTLB[frame.HugePageOf(v)] = tlbEntry{base: tr.Addr - off, flags: tr.Flags}
	} else {
		off := hostarch.PhysAddr(v.PageOffset())
		c.tlb[frame.PageOf(v)] = tlbEntry{base: tr.Addr - off, flags: tr.Flags}
	}
	return tr.Addr, tr.Flags, true
}

// translate checks a to v against the effective permissions. Supervisor
// writes honor the writable bit, as with CR0.WP set.
func (c *CPU) translate(v hostarch.VirtAddr, a access) (hostarch.PhysAddr, PageFaultCode, bool) {
	pa, flags, ok := c.lookup(v)
	if !ok {
		return 0, a.code(), false
	}
	if (a.write && !flags.Contains(pagetables.Writable)) ||
		(a.user && !flags.Contains(pagetables.User)) ||
		(a.exec && flags.Contains(pagetables.NoExecute)) {
		return 0, a.code() | PFProtection, false
	}
	return pa, 0, true
}

// physical resolves v for access a, delivering page faults until it
// resolves. A fault that persists after its handler returns escalates to a
// double fault.
func (c *CPU) physical(v hostarch.VirtAddr, a access) hostarch.PhysAddr {
	if !IsCanonical(uint64(v)) {
		c.deliver(GeneralProtectionFault, 0, 0)
		c.Halt(fmt.Sprintf("non-canonical access to %v", v))
	}
	pa, code, ok := c.translate(v, a)
	if ok {
		return pa
	}
	c.deliver(PageFault, uint64(code), v)
	if pa, _, ok = c.translate(v, a); ok {
		return pa
	}
	c.deliver(DoubleFault, 0, 0)
	c.Halt(fmt.Sprintf("unresolved page fault at %v", v))
	panic("unreachable")
}

// Translate returns the physical address v maps to for a kernel read,
// without raising faults.
func (c *CPU) Translate(v hostarch.VirtAddr) (hostarch.PhysAddr, bool) {
	pa, _, ok := c.translate(v, access{})
	return pa, ok
}

func mustAligned(v hostarch.VirtAddr) {
	if v%8 != 0 {
		panic(fmt.Sprintf("unaligned word access at %v", v))
	}
}

// Load64 implements pagetables.MMU.Load64 as a kernel read.
func (c *CPU) Load64(v hostarch.VirtAddr) uint64 {
	mustAligned(v)
	return c.mem.Load64(c.physical(v, access{}))
}

// Store64 implements pagetables.MMU.Store64 as a kernel write.
func (c *CPU) Store64(v hostarch.VirtAddr, val uint64) {
	mustAligned(v)
	c.mem.Store64(c.physical(v, access{write: true}), val)
}

// ReadBytes fills b from kernel virtual memory at v.
func (c *CPU) ReadBytes(v hostarch.VirtAddr, b []byte) {
	c.copyBytes(v, b, false)
}

// WriteBytes stores b to kernel virtual memory at v.
func (c *CPU) WriteBytes(v hostarch.VirtAddr, b []byte) {
	c.copyBytes(v, b, true)
}

func (c *CPU) copyBytes(v hostarch.VirtAddr, b []byte, write bool) {
	for len(b) > 0 {
		n := min(uint64(len(b)), hostarch.PageSize-v.PageOffset())
		pa := c.physical(v, access{write: write})
		if write {
			copy(c.mem.Bytes(pa, n), b[:n])
		} else {
			copy(b[:n], c.mem.Bytes(pa, n))
		}
		b = b[n:]
		v = v.Offset(n)
	}
}

// handlerStack returns the stack a handler entered through g runs on.
func (c *CPU) handlerStack(g *Gate) hostarch.VirtAddr {
	if c.tss != nil {
		if i, ok := g.StackIndex(); ok {
			return c.tss.IST[i]
		}
		if c.CPL() != 0 {
			return c.tss.RSP[0]
		}
	}
	return hostarch.VirtAddr(c.regs.Rsp)
}

// deliver raises vector v and runs its handler. It returns once the
// handler returns, with IF restored as iret would.
func (c *CPU) deliver(v Vector, code uint64, addr hostarch.VirtAddr) {
	if v == DoubleFault && c.depth >= maxFaultDepth+1 {
		c.Halt("triple fault")
	}
	if v != DoubleFault && c.depth >= maxFaultDepth {
		v, code = DoubleFault, 0
	}
	var g *Gate
	if c.idt != nil {
		g = &c.idt[v]
	}
	if g == nil || !g.Present() || g.handler == nil {
		if v == DoubleFault {
			c.Halt("triple fault")
		}
		c.deliver(DoubleFault, 0, 0)
		return
	}
	if v == PageFault {
		c.cr2 = addr
	}

	f := &Fault{
		Vector:    v,
		ErrorCode: code,
		Addr:      addr,
		Regs:      &c.regs,
		Stack:     c.handlerStack(g),
	}
	flags := c.regs.Rflags
	if g.InterruptsDisabled() {
		c.regs.Rflags &^= _RFLAGS_IF
	}
	c.depth++
	defer func() {
		c.depth--
		c.regs.Rflags = c.regs.Rflags&^_RFLAGS_IF | flags&_RFLAGS_IF
	}()
	g.handler(c, f)
}

// RaiseIRQ asserts an interrupt line and delivers it if the controller and
// IF allow. It returns true if an interrupt was delivered.
func (c *CPU) RaiseIRQ(irq int) bool {
	c.pic.Raise(irq)
	return c.deliverPending()
}

func (c *CPU) deliverPending() bool {
	if !c.InterruptsEnabled() {
		return false
	}
	v, ok := c.pic.next()
	if !ok {
		return false
	}
	c.waiting = false
	if c.idt != nil && c.idt[v].sw != nil {
		c.enterSwitch(&c.idt[v])
	} else {
		c.deliver(v, 0, 0)
	}
	return true
}

// Step delivers a pending interrupt or executes one user instruction.
// Kernel code runs as Go, so in ring 0 the core idles until the next
// interrupt.
func (c *CPU) Step() {
	if c.halted != nil {
		panic(c.halted)
	}
	if c.deliverPending() || c.waiting {
		return
	}
	if c.CPL() == 0 {
		c.waiting = true
		return
	}
	c.execute()
}
