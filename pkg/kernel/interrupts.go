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

	"github.com/kcore-os/kcore/pkg/frame"
	"github.com/kcore-os/kcore/pkg/hostarch"
	"github.com/kcore-os/kcore/pkg/log"
	"github.com/kcore-os/kcore/pkg/pmm"
	"github.com/kcore-os/kcore/pkg/ring0"
	"github.com/kcore-os/kcore/pkg/ring0/pagetables"
)

// istStackSize is the size of each interrupt stack table stack.
const istStackSize = 4 * hostarch.PageSize

// fatalVectors are the exceptions that always panic the kernel.
var fatalVectors = []ring0.Vector{
	ring0.DivideByZero,
	ring0.Debug,
	ring0.NMI,
	ring0.Overflow,
	ring0.BoundRangeExceeded,
	ring0.InvalidOpcode,
	ring0.DeviceNotAvailable,
	ring0.InvalidTSS,
	ring0.SegmentNotPresent,
	ring0.StackSegmentFault,
	ring0.X87FloatingPointException,
	ring0.AlignmentCheck,
	ring0.MachineCheck,
	ring0.SIMDFloatingPointException,
	ring0.VirtualizationException,
	ring0.SecurityException,
}

// initInterrupts loads the GDT, the TSS with its fault stacks and the IDT.
// The timer gate is installed with the scheduler.
func (k *Kernel) initInterrupts() (Status, error) {
	k.tss = new(ring0.TSS)
	k.tss.IOMapBase = k.tss.Limit() + 1
	for _, i := range []int{ring0.DoubleFaultIST, ring0.PageFaultIST, ring0.GPFaultIST} {
		bottom, err := k.heap.Alloc(istStackSize, 16)
		if err != nil {
			return StatusFail, fmt.Errorf("interrupt stack %d: %w", i, err)
		}
		k.tss.IST[i] = bottom.Offset(istStackSize)
	}
	// The hardware segment lives in the heap so its descriptor has a
	// base to point at.
	tssAddr, err := k.heap.Alloc(uint64(k.tss.IOMapBase), 16)
	if err != nil {
		return StatusFail, fmt.Errorf("task state segment: %w", err)
	}

	k.gdt = ring0.NewGDT()
	code := k.gdt.AddKernelEntry(ring0.KernelCodeSegment())
	data := k.gdt.AddKernelEntry(ring0.KernelDataSegment())
	k.userCode = k.gdt.AddUserEntry(ring0.UserCodeSegment())
	k.userData = k.gdt.AddUserEntry(ring0.UserDataSegment())
	tssSel := k.gdt.AddKernelEntry(ring0.TSSSegment(uint64(tssAddr), k.tss.Limit()))
	k.cpu.LoadGDT(k.gdt)
	k.cpu.SetCS(code)
	k.cpu.LoadDS(data)
	k.cpu.LoadTSS(tssSel, k.tss)

	k.idt = new(ring0.IDT)
	for _, v := range fatalVectors {
		k.idt[v].SetHandler(k.fatalException)
	}
	k.idt[ring0.Breakpoint].SetHandler(k.breakpoint)
	k.idt[ring0.DoubleFault].SetHandler(k.doubleFault).SetStackIndex(ring0.DoubleFaultIST)
	k.idt[ring0.PageFault].SetHandler(k.pageFault).SetStackIndex(ring0.PageFaultIST)
	k.idt[ring0.GeneralProtectionFault].SetHandler(k.fatalException).SetStackIndex(ring0.GPFaultIST)
	k.idt[ring0.KeyboardVector].SetHandler(k.keyboard)
	k.idt[ring0.SyscallVector].SetHandler(k.syscall).SetPrivilegeLevel(3).DisableInterrupts(false)
	k.cpu.LoadIDT(k.idt)

	log.Infof("Selectors: kernel code %v, kernel data %v, user code %v, user data %v, TSS %v", code, data, k.userCode, k.userData, tssSel)
	return StatusOk, nil
}

// initPIC remaps both interrupt controllers past the exception vectors and
// masks every line but the timer.
func initPIC(c *ring0.CPU) {
	c.Out8(ring0.PICOneCommandPort, ring0.PICInitCommand)
	c.Out8(ring0.PICTwoCommandPort, ring0.PICInitCommand)
	c.Out8(ring0.PICOneDataPort, uint8(ring0.PICOneVectorBase))
	c.Out8(ring0.PICTwoDataPort, uint8(ring0.PICTwoVectorBase))
	// The second controller hangs off line 2 of the first.
	c.Out8(ring0.PICOneDataPort, 0x04)
	c.Out8(ring0.PICTwoDataPort, 0x02)
	// 8086 mode.
	c.Out8(ring0.PICOneDataPort, 0x01)
	c.Out8(ring0.PICTwoDataPort, 0x01)

	c.Out8(ring0.PICOneDataPort, 0b1111_1110)
	c.Out8(ring0.PICTwoDataPort, 0xff)
}

// initPIT makes channel 0 fire hz times a second.
func initPIT(c *ring0.CPU, hz uint32) {
	divisor := ring0.PITDivisor(hz)
	c.Out8(ring0.PITCommandPort, ring0.PITRateGeneratorMode)
	c.Out8(ring0.PITDataPort, uint8(divisor))
	c.Out8(ring0.PITDataPort, uint8(divisor>>8))
}

// endOfInterrupt acknowledges an interrupt from the first controller.
func endOfInterrupt(c *ring0.CPU) {
	c.Out8(ring0.PICOneCommandPort, ring0.PICEndOfInterrupt)
}

func (k *Kernel) fatalException(_ *ring0.CPU, f *ring0.Fault) {
	k.Fatalf(f, "unhandled %v", f.Vector)
}

func (k *Kernel) doubleFault(_ *ring0.CPU, f *ring0.Fault) {
	k.Fatalf(f, "double fault")
}

func (k *Kernel) breakpoint(_ *ring0.CPU, f *ring0.Fault) {
	log.Warningf("Breakpoint: %v\n%v", f, f.Regs)
}

func (k *Kernel) keyboard(c *ring0.CPU, _ *ring0.Fault) {
	log.Debugf("Keyboard interrupt")
	endOfInterrupt(c)
}

// pageFault grows the heap. A fault on a missing heap page from the kernel
// is backed with a fresh huge frame; every other page fault is fatal.
func (k *Kernel) pageFault(_ *ring0.CPU, f *ring0.Fault) {
	code := ring0.PageFaultCode(f.ErrorCode)
	if !pagetables.InHeap(f.Addr) || code&ring0.PFProtection != 0 || f.User() {
		k.Fatalf(f, "page fault at %v", f.Addr)
	}

	alloc := k.frames.Lock()
	defer k.frames.Unlock()
	active := k.active.Lock()
	defer k.active.Unlock()

	huge, ok := pmm.Huge(alloc).Allocate()
	if !ok {
		k.Fatalf(f, "out of memory growing the heap")
	}
	page := frame.HugePageOf(f.Addr)
	active.MapHugeTo(page, huge, pagetables.Writable|pagetables.NoExecute, alloc)
	k.metrics.heapFaults.Increment()
	log.Debugf("Heap fault at %v: mapped %v to %v", f.Addr, page, huge)
}
