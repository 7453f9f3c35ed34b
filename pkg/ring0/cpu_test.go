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
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/kcore-os/kcore/pkg/frame"
	"github.com/kcore-os/kcore/pkg/hostarch"
	"github.com/kcore-os/kcore/pkg/physmem"
	"github.com/kcore-os/kcore/pkg/ring0/pagetables"
)

const (
	codeAddr   hostarch.VirtAddr = 0x40_0000
	stackAddr  hostarch.VirtAddr = 0x80_0000
	kstackAddr hostarch.VirtAddr = 0x90_0000
)

type machine struct {
	cpu    *CPU
	mapper *pagetables.Mapper
	alloc  *frame.Divider
	tss    *TSS
	idt    *IDT

	kcode, kdata, ucode, udata Selector
}

func newMachine(t *testing.T) *machine {
	t.Helper()
	mem, err := physmem.New(8 << 20)
	if err != nil {
		t.Fatalf("physmem.New failed: %v", err)
	}
	t.Cleanup(func() { mem.Close() })

	cpu := NewCPU(mem)
	alloc := frame.NewDivider(2)
	root := frame.MustAllocate[frame.Frame](alloc, "root")
	mem.Zero(root)
	cpu.SetCR3(root.StartAddress())

	m := &machine{
		cpu:    cpu,
		mapper: pagetables.NewMapper(root, cpu.Tables(), cpu),
		alloc:  alloc,
		tss:    &TSS{},
		idt:    &IDT{},
	}
	gdt := NewGDT()
	m.kcode = gdt.AddKernelEntry(KernelCodeSegment())
	m.kdata = gdt.AddKernelEntry(KernelDataSegment())
	m.ucode = gdt.AddUserEntry(UserCodeSegment())
	m.udata = gdt.AddUserEntry(UserDataSegment())
	tssSel := gdt.AddKernelEntry(TSSSegment(0, m.tss.Limit()))
	cpu.LoadGDT(gdt)
	cpu.SetCS(m.kcode)
	cpu.LoadDS(m.kdata)
	cpu.LoadTSS(tssSel, m.tss)
	cpu.LoadIDT(m.idt)
	return m
}

func (m *machine) mapPage(v hostarch.VirtAddr, flags pagetables.Flags) frame.Frame {
	f := frame.MustAllocate[frame.Frame](m.alloc, "test page")
	m.cpu.Memory().Zero(f)
	m.mapper.MapTo(frame.PageOf(v), f, flags, m.alloc)
	return f
}

// enterUser loads prog at codeAddr and points the CPU at it in ring 3.
func (m *machine) enterUser(prog Program) {
	f := m.mapPage(codeAddr, pagetables.User)
	copy(m.cpu.Memory().Bytes(f.StartAddress(), uint64(len(prog))), prog)
	m.mapPage(stackAddr, pagetables.User|pagetables.Writable)
	*m.cpu.Registers() = InterruptFrame(codeAddr, m.ucode, UserFlagsSet, stackAddr+hostarch.PageSize, m.udata)
}

func catchHalt(fn func()) (h *Halt) {
	defer func() {
		if r := recover(); r != nil {
			var ok bool
			if h, ok = r.(*Halt); !ok {
				panic(r)
			}
		}
	}()
	fn()
	return nil
}

func TestPageFaultRetry(t *testing.T) {
	m := newMachine(t)
	m.tss.IST[PageFaultIST] = 0xffff_f000_dead_0000
	var faults []Fault
	m.idt[PageFault].SetHandler(func(c *CPU, f *Fault) {
		faults = append(faults, *f)
		m.mapPage(f.Addr, pagetables.Writable)
	}).SetStackIndex(PageFaultIST)

	const addr hostarch.VirtAddr = 0x1234_5008
	m.cpu.Store64(addr, 0xfeed)
	if got := m.cpu.Load64(addr); got != 0xfeed {
		t.Errorf("Load64: got %#x, want 0xfeed", got)
	}
	if len(faults) != 1 {
		t.Fatalf("got %d faults, want 1", len(faults))
	}
	f := faults[0]
	if f.Addr != addr || f.ErrorCode != PFWrite || f.Stack != m.tss.IST[PageFaultIST] {
		t.Errorf("fault: got addr %v code %v stack %v", f.Addr, PageFaultCode(f.ErrorCode), f.Stack)
	}
	if m.cpu.CR2() != addr {
		t.Errorf("CR2: got %v, want %v", m.cpu.CR2(), addr)
	}
}

func TestProtectionFaultHalts(t *testing.T) {
	m := newMachine(t)
	m.mapPage(0x60_0000, 0)
	var code uint64
	m.idt[PageFault].SetHandler(func(c *CPU, f *Fault) { code = f.ErrorCode })

	h := catchHalt(func() { m.cpu.Store64(0x60_0000, 1) })
	if h == nil || h.Reason != "triple fault" {
		t.Fatalf("got halt %v, want triple fault", h)
	}
	if want := uint64(PFProtection | PFWrite); code != want {
		t.Errorf("error code: got %v, want %v", PageFaultCode(code), PageFaultCode(want))
	}
	if m.cpu.Halted() != h {
		t.Errorf("Halted: got %v, want %v", m.cpu.Halted(), h)
	}
	if catchHalt(m.cpu.Step) == nil {
		t.Errorf("Step on a halted CPU did not halt")
	}
}

func TestDoubleFault(t *testing.T) {
	m := newMachine(t)
	var got []Vector
	record := func(c *CPU, f *Fault) { got = append(got, f.Vector) }
	m.idt[PageFault].SetHandler(record)
	m.idt[DoubleFault].SetHandler(func(c *CPU, f *Fault) {
		record(c, f)
		c.Halt("double fault")
	}).SetStackIndex(DoubleFaultIST)

	h := catchHalt(func() { m.cpu.Load64(0x7000_0000) })
	if h == nil || h.Reason != "double fault" {
		t.Fatalf("got halt %v, want double fault", h)
	}
	if diff := cmp.Diff([]Vector{PageFault, DoubleFault}, got); diff != "" {
		t.Errorf("vectors mismatch (-want +got):\n%s", diff)
	}
}

func TestNonCanonical(t *testing.T) {
	m := newMachine(t)
	var got Vector
	m.idt[GeneralProtectionFault].SetHandler(func(c *CPU, f *Fault) { got = f.Vector })
	if h := catchHalt(func() { m.cpu.Load64(0x0000_8000_0000_0000) }); h == nil {
		t.Fatalf("non-canonical access did not halt")
	}
	if got != GeneralProtectionFault {
		t.Errorf("got vector %v, want %v", got, GeneralProtectionFault)
	}
}

func TestTLB(t *testing.T) {
	m := newMachine(t)
	const v hostarch.VirtAddr = 0x50_0000
	m.mapPage(v, pagetables.Writable)
	m.cpu.Store64(v, 1)

	p := frame.PageOf(v)
	t3, _ := m.mapper.Table().Next(p.Table4())
	t2, _ := t3.Next(p.Table3())
	t1, _ := t2.Next(p.Table2())
	other := frame.MustAllocate[frame.Frame](m.alloc, "other")
	m.cpu.Memory().Zero(other)
	pagetables.SetFrame(t1.Entry(p.Table1()), other, pagetables.Present|pagetables.Writable)

	if got := m.cpu.Load64(v); got != 1 {
		t.Errorf("Load64 before flush: got %d, want the stale translation's 1", got)
	}
	m.cpu.FlushTLBEntry(v)
	if got := m.cpu.Load64(v); got != 0 {
		t.Errorf("Load64 after flush: got %d, want 0", got)
	}
	m.cpu.SetCR3(m.cpu.CR3())
	if got := m.cpu.TLBSize(); got != 0 {
		t.Errorf("TLBSize after SetCR3: got %d, want 0", got)
	}
}

func TestBytes(t *testing.T) {
	m := newMachine(t)
	m.mapPage(0x70_0000, pagetables.Writable)
	m.mapPage(0x70_1000, pagetables.Writable)
	want := []byte("spans a page boundary")
	start := hostarch.VirtAddr(0x70_1000 - 5)
	m.cpu.WriteBytes(start, want)
	got := make([]byte, len(want))
	m.cpu.ReadBytes(start, got)
	if string(got) != string(want) {
		t.Errorf("ReadBytes: got %q, want %q", got, want)
	}
}

func TestStepSyscall(t *testing.T) {
	m := newMachine(t)
	var (
		regs     Registers
		ifInside bool
	)
	m.idt[SyscallVector].SetHandler(func(c *CPU, f *Fault) {
		regs = *f.Regs
		ifInside = c.InterruptsEnabled()
	}).SetPrivilegeLevel(3).DisableInterrupts(false)

	prog := Program{}.MovRax(5).IncRax().MovR15(1).Int(SyscallVector)
	m.enterUser(prog)
	for i := 0; i < 4; i++ {
		m.cpu.Step()
	}
	if regs.Rax != 6 || regs.R15 != 1 {
		t.Errorf("syscall registers: got rax=%d r15=%d, want 6 and 1", regs.Rax, regs.R15)
	}
	if !ifInside {
		t.Errorf("interrupts disabled inside the syscall gate")
	}
	if got, want := m.cpu.Registers().Rip, uint64(codeAddr)+uint64(len(prog)); got != want {
		t.Errorf("rip: got %#x, want %#x", got, want)
	}
	if got := m.cpu.Instructions(); got != 4 {
		t.Errorf("Instructions: got %d, want 4", got)
	}
}

func TestStepFaults(t *testing.T) {
	for _, tc := range []struct {
		name string
		prog Program
		want Vector
		code uint64
	}{
		{"kernel gate", Program{}.Int(TimerVector), GeneralProtectionFault, uint64(TimerVector)<<3 | 2},
		{"hlt", Program{}.Hlt(), GeneralProtectionFault, 0},
		{"ud2", Program{}.UD2(), InvalidOpcode, 0},
		{"unknown", Program{0x06}, InvalidOpcode, 0},
	} {
		t.Run(tc.name, func(t *testing.T) {
			m := newMachine(t)
			var got *Fault
			handler := func(c *CPU, f *Fault) {
				got = f
				c.Halt(f.Vector.String())
			}
			m.idt[GeneralProtectionFault].SetHandler(handler)
			m.idt[InvalidOpcode].SetHandler(handler)
			m.idt[TimerVector].SetSwitch(func(sp hostarch.VirtAddr) hostarch.VirtAddr { return sp })
			m.enterUser(tc.prog)

			if catchHalt(m.cpu.Step) == nil {
				t.Fatalf("Step did not halt")
			}
			if got.Vector != tc.want || got.ErrorCode != tc.code || !got.User() {
				t.Errorf("fault: got %v (code %#x, user %t), want %v (code %#x)", got.Vector, got.ErrorCode, got.User(), tc.want, tc.code)
			}
		})
	}
}

func TestJump(t *testing.T) {
	m := newMachine(t)
	prog := Program{}.Nop().IncRax().Jmp(1)
	m.enterUser(prog)
	for i := 0; i < 7; i++ {
		m.cpu.Step()
	}
	if got := m.cpu.Registers().Rax; got != 3 {
		t.Errorf("rax: got %d, want 3", got)
	}
}

func TestNoExecute(t *testing.T) {
	m := newMachine(t)
	m.enterUser(Program{}.Nop())
	m.mapper.UnMap(frame.PageOf(codeAddr), m.alloc)
	m.mapPage(codeAddr, pagetables.User|pagetables.NoExecute)
	var code uint64
	m.idt[PageFault].SetHandler(func(c *CPU, f *Fault) {
		code = f.ErrorCode
		c.Halt("page fault")
	})
	if catchHalt(m.cpu.Step) == nil {
		t.Fatalf("Step did not halt")
	}
	if want := uint64(PFProtection | PFUser | PFInstruction); code != want {
		t.Errorf("error code: got %v, want %v", PageFaultCode(code), PageFaultCode(want))
	}
}

func initPIC(c *CPU) {
	c.Out8(PICOneCommandPort, PICInitCommand)
	c.Out8(PICTwoCommandPort, PICInitCommand)
	c.Out8(PICOneDataPort, uint8(PICOneVectorBase))
	c.Out8(PICTwoDataPort, uint8(PICTwoVectorBase))
	c.Out8(PICOneDataPort, 0x04)
	c.Out8(PICTwoDataPort, 0x02)
	c.Out8(PICOneDataPort, 0x01)
	c.Out8(PICTwoDataPort, 0x01)
	c.Out8(PICOneDataPort, 0b1111_1110)
	c.Out8(PICTwoDataPort, 0b1111_1111)
}

func TestPICAndPIT(t *testing.T) {
	m := newMachine(t)
	initPIC(m.cpu)
	if one, two := m.cpu.PIC().Offsets(); one != PICOneVectorBase || two != PICTwoVectorBase {
		t.Errorf("Offsets: got %d, %d", one, two)
	}
	if one, two := m.cpu.PIC().Masks(); one != 0b1111_1110 || two != 0xff {
		t.Errorf("Masks: got %#b, %#b", one, two)
	}

	d := PITDivisor(100)
	m.cpu.Out8(PITCommandPort, PITRateGeneratorMode)
	m.cpu.Out8(PITDataPort, uint8(d))
	m.cpu.Out8(PITDataPort, uint8(d>>8))
	if got := m.cpu.PIT().Divisor(); got != 11931 {
		t.Errorf("Divisor: got %d, want 11931", got)
	}
	if got := m.cpu.PIT().Frequency(); got != 100 {
		t.Errorf("Frequency: got %d, want 100", got)
	}
	if got := m.cpu.PIT().Mode(); got != PITRateGeneratorMode {
		t.Errorf("Mode: got %#b", got)
	}

	// The keyboard line is masked.
	m.cpu.EnableInterrupts()
	if m.cpu.RaiseIRQ(KeyboardIRQ) {
		t.Errorf("masked keyboard interrupt was delivered")
	}
}

func TestTimerSwitch(t *testing.T) {
	m := newMachine(t)
	initPIC(m.cpu)
	m.mapPage(kstackAddr, pagetables.Writable)
	m.mapPage(pagetables.TaskSwitchStackBottom, pagetables.Writable)
	m.tss.RSP[0] = kstackAddr + hostarch.PageSize

	// The thread to resume has a frame below the top of its stack page.
	nextSP := kstackAddr + 0x800
	next := InterruptFrame(codeAddr+0x10, m.ucode, UserFlagsSet, stackAddr+0x100, m.udata)
	next.Rbx = 42
	m.cpu.WriteFrame(nextSP, &next)

	var (
		gotSP  []hostarch.VirtAddr
		frames []Registers
	)
	m.idt[TimerVector].SetSwitch(func(sp hostarch.VirtAddr) hostarch.VirtAddr {
		gotSP = append(gotSP, sp)
		frames = append(frames, m.cpu.ReadFrame(sp))
		return nextSP
	})

	m.enterUser(Program{}.Nop())
	m.cpu.Registers().Rax = 7
	interrupted := *m.cpu.Registers()

	if !m.cpu.RaiseIRQ(TimerIRQ) {
		t.Fatalf("timer interrupt was not delivered")
	}
	if diff := cmp.Diff([]hostarch.VirtAddr{m.tss.RSP[0] - TrapFrameSize}, gotSP); diff != "" {
		t.Errorf("switch argument mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(interrupted, frames[0]); diff != "" {
		t.Errorf("saved frame mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(next, *m.cpu.Registers()); diff != "" {
		t.Errorf("resumed registers mismatch (-want +got):\n%s", diff)
	}
	if got := m.cpu.Load64(switchStackTop - 8); got != stubReturn {
		t.Errorf("switch stack return address: got %#x", got)
	}

	// Without an end of interrupt the next tick stays pending.
	if m.cpu.RaiseIRQ(TimerIRQ) {
		t.Errorf("timer delivered while the previous one is in service")
	}
	m.cpu.Out8(PICOneCommandPort, PICEndOfInterrupt)
	m.cpu.Step()
	if len(gotSP) != 2 {
		t.Errorf("got %d switches after end of interrupt, want 2", len(gotSP))
	}
}

func TestTimerWakesIdleKernel(t *testing.T) {
	m := newMachine(t)
	initPIC(m.cpu)
	m.mapPage(kstackAddr, pagetables.Writable)
	m.mapPage(pagetables.TaskSwitchStackBottom, pagetables.Writable)
	m.cpu.Registers().Rsp = uint64(kstackAddr + hostarch.PageSize)

	switched := 0
	m.idt[TimerVector].SetSwitch(func(sp hostarch.VirtAddr) hostarch.VirtAddr {
		switched++
		return sp
	})
	m.cpu.Step()
	if !m.cpu.Waiting() {
		t.Errorf("kernel did not idle")
	}
	if m.cpu.RaiseIRQ(TimerIRQ) {
		t.Errorf("timer delivered with interrupts disabled")
	}
	m.cpu.EnableInterrupts()
	m.cpu.Step()
	if switched != 1 || m.cpu.Waiting() {
		t.Errorf("got %d switches, waiting %t; want 1, false", switched, m.cpu.Waiting())
	}
}

func TestInvalidReturnSegment(t *testing.T) {
	m := newMachine(t)
	initPIC(m.cpu)
	m.mapPage(kstackAddr, pagetables.Writable)
	m.mapPage(pagetables.TaskSwitchStackBottom, pagetables.Writable)
	m.cpu.Registers().Rsp = uint64(kstackAddr + hostarch.PageSize)
	m.cpu.EnableInterrupts()

	var gpf bool
	m.idt[GeneralProtectionFault].SetHandler(func(c *CPU, f *Fault) { gpf = true })
	m.idt[TimerVector].SetSwitch(func(sp hostarch.VirtAddr) hostarch.VirtAddr {
		bad := InterruptFrame(codeAddr, m.kdata, UserFlagsSet, stackAddr, m.udata)
		m.cpu.WriteFrame(sp, &bad)
		return sp
	})
	if h := catchHalt(func() { m.cpu.RaiseIRQ(TimerIRQ) }); h == nil {
		t.Fatalf("iret to a data segment did not halt")
	}
	if !gpf {
		t.Errorf("no general protection fault raised")
	}
}

func TestStrings(t *testing.T) {
	for _, tc := range []struct {
		got, want string
	}{
		{PageFault.String(), "page fault"},
		{SyscallVector.String(), "system call"},
		{Vector(0x99).String(), "vector 0x99"},
		{PageFaultCode(PFProtection | PFWrite | PFUser).String(), "protection violation, write, user mode"},
		{PageFaultCode(PFInstruction).String(), "not present, instruction fetch, kernel mode"},
		{Selector(0x1b).String(), "0x1b (index 3, rpl 3)"},
	} {
		if tc.got != tc.want {
			t.Errorf("got %q, want %q", tc.got, tc.want)
		}
	}
}

func TestGDT(t *testing.T) {
	m := newMachine(t)
	if m.kcode != 0x08 || m.kdata != 0x10 || m.ucode != 0x1b || m.udata != 0x23 {
		t.Errorf("selectors: got %v %v %v %v", m.kcode, m.kdata, m.ucode, m.udata)
	}
	d, ok := m.cpu.GDT().Lookup(m.ucode)
	if !ok || !d.Code() || d.DPL() != 3 || !d.Present() {
		t.Errorf("user code descriptor: got %+v", d)
	}
	if _, ok := m.cpu.GDT().Lookup(0); ok {
		t.Errorf("null selector resolved")
	}
}
