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

// Package kernel boots and runs the kernel on a simulated machine.
//
// A Kernel is the single context every subsystem hangs off: the frame
// allocator, the active page table, the heap, the descriptor tables and the
// scheduler. Interrupt handlers are methods on it, so they reach the
// kernel's state through the gate they were installed in rather than
// through globals.
//
// Boot follows the order the subsystems depend on each other:
//
//	firmware        RAM, boot information, boot page tables
//	allocator       boot frame allocator over the memory map
//	remap           kernel table with per-section permissions, base table
//	heap            first heap huge page, then growth by page faults
//	interrupts      GDT, TSS and IST stacks, IDT
//	modules         copied into the heap through the huge temporary page
//	conversion      post-boot allocator with frame stores
//	scheduler       switch stack, round robin queue, timer gate
//	threads         one thread per module
//	timer           PIC and PIT programmed, interrupts enabled
package kernel

import (
	"errors"
	"fmt"
	"io"

	"github.com/kcore-os/kcore/pkg/cleanup"
	"github.com/kcore-os/kcore/pkg/frame"
	"github.com/kcore-os/kcore/pkg/framestore"
	"github.com/kcore-os/kcore/pkg/hostarch"
	"github.com/kcore-os/kcore/pkg/kheap"
	"github.com/kcore-os/kcore/pkg/log"
	"github.com/kcore-os/kcore/pkg/metric"
	"github.com/kcore-os/kcore/pkg/physmem"
	"github.com/kcore-os/kcore/pkg/pmm"
	"github.com/kcore-os/kcore/pkg/ring0"
	"github.com/kcore-os/kcore/pkg/ring0/pagetables"
	"github.com/kcore-os/kcore/pkg/sched"
)

// Options configure a kernel beyond its machine.
type Options struct {
	// Console receives output of user threads and the memory test. Nil
	// discards it.
	Console io.Writer

	// Status receives boot status lines. Nil discards them.
	Status io.Writer

	// Metrics is the registry kernel metrics are added to. Nil creates a
	// fresh one.
	Metrics *metric.Registry
}

// runQueue is the scheduler plus the active thread slot.
type runQueue struct {
	sched   sched.Scheduler
	current *sched.Thread
	nextID  int
}

// bootModule is a module copied into the heap.
type bootModule struct {
	name  string
	addr  hostarch.VirtAddr
	size  uint64
	entry uint64
}

// Kernel is a booted kernel and the machine it runs on.
type Kernel struct {
	machine Machine
	mem     *physmem.Memory
	cpu     *ring0.CPU
	info    *pmm.BootInfo
	console io.Writer
	status  *BootStatus
	metrics *kernelMetrics

	frames *Global[*pmm.GlobalFrameAllocator]
	active *Global[*pagetables.ActivePageTable]

	// base is the table new address spaces are shallow clones of. It
	// maps the kernel sections and shares the reserved kernel slots.
	base *pagetables.InactivePageTable

	heap *kheap.Heap

	gdt      *ring0.GDT
	tss      *ring0.TSS
	idt      *ring0.IDT
	userCode ring0.Selector
	userData ring0.Selector

	threads *Global[*runQueue]

	modules []bootModule
}

// Boot creates the machine described by m and boots the kernel on it.
// Threads for the modules are queued; they start running on the first
// Tick.
func Boot(m Machine, opts Options) (k *Kernel, err error) {
	if err := m.Validate(); err != nil {
		return nil, fmt.Errorf("invalid machine: %w", err)
	}
	if opts.Console == nil {
		opts.Console = io.Discard
	}
	if opts.Metrics == nil {
		opts.Metrics = metric.NewRegistry()
	}
	k = &Kernel{
		machine: m,
		console: opts.Console,
		status:  NewBootStatus(opts.Status),
	}
	defer func() {
		if err != nil {
			k = nil
		}
	}()
	cu := cleanup.Make(func() { k.Close() })
	defer cu.Clean()
	defer recoverHalt(&err)

	for _, s := range []struct {
		message string
		stage   string
		run     func() (Status, error)
	}{
		{"Initializing physical memory", "memory", k.initMemory},
		{"Loading firmware", "firmware", k.initFirmware},
		{"Checking recycler capacity", "assertions", checkRecyclerCapacity},
		{"Initializing frame allocator", "allocator", func() (Status, error) { return k.initAllocator(opts.Metrics) }},
		{"Remapping the kernel", "remap", k.remap},
		{"Initializing the heap", "heap", k.initHeap},
		{"Setting up interrupt tables", "interrupts", k.initInterrupts},
		{"Reading boot modules", "modules", k.readModules},
		{"Converting the frame allocator", "conversion", k.convertAllocator},
		{"Creating the scheduler", "scheduler", k.initScheduler},
		{"Loading boot modules", "threads", k.spawnModules},
		{"Starting the timer", "timer", k.startTimer},
	} {
		if err := k.stage(s.message, s.stage, opts.Metrics, s.run); err != nil {
			return nil, err
		}
	}
	cu.Release()
	return k, nil
}

// stage runs one boot stage, reporting its status and duration.
func (k *Kernel) stage(message, name string, reg *metric.Registry, run func() (Status, error)) error {
	k.status.Start(message)
	defer reg.StartStage(name)()
	defer func() {
		if r := recover(); r != nil {
			k.status.Fail()
			panic(r)
		}
	}()
	s, err := run()
	if err != nil {
		k.status.Fail()
		return fmt.Errorf("%s: %w", message, err)
	}
	switch s {
	case StatusWarn:
		k.status.Warn()
	default:
		k.status.Ok()
	}
	return nil
}

func (k *Kernel) initMemory() (Status, error) {
	var err error
	if k.machine.MemoryFile != "" {
		k.mem, err = physmem.NewFile(k.machine.MemoryFile, k.machine.MemorySize)
	} else {
		k.mem, err = physmem.New(k.machine.MemorySize)
	}
	if err != nil {
		return StatusFail, err
	}
	k.cpu = ring0.NewCPU(k.mem)
	log.Infof("Machine has %d MiB of memory (%d frames)", k.mem.Size()>>20, k.mem.Frames())
	return StatusOk, nil
}

func (k *Kernel) initFirmware() (Status, error) {
	info, err := loadFirmware(k.mem, k.cpu, &k.machine)
	if err != nil {
		return StatusFail, err
	}
	k.info = info
	log.Infof("Kernel occupies %v, boot information at %v", info.KernelArea(), info.Area())
	for _, mod := range info.Modules {
		log.Infof("Module %q at %v", mod.Name, mod.Area())
	}
	return StatusOk, nil
}

// checkRecyclerCapacity asserts that the frames the boot allocator holds
// fit in a single frame store node, which conversion relies on.
func checkRecyclerCapacity() (Status, error) {
	return StatusOk, recyclerFits(frame.FixedRecyclerSlots, framestore.NodeCapacity)
}

func recyclerFits(slots, capacity int) error {
	if slots > capacity {
		return fmt.Errorf("fixed recycler holds %d frames but a frame store node only %d", slots, capacity)
	}
	return nil
}

func (k *Kernel) initAllocator(r *metric.Registry) (Status, error) {
	boot := pmm.NewBootAllocator(k.info)
	k.frames = NewGlobal("frame allocator", pmm.NewGlobalFrameAllocator(boot))
	k.active = NewGlobal("active page table", pagetables.NewActivePageTable(k.cpu, k.cpu.Tables()))
	k.metrics = newKernelMetrics(r, k.frames)
	log.Infof("Boot allocator has %d free frames", boot.FreeFramesCount())
	return StatusOk, nil
}

func (k *Kernel) initHeap() (Status, error) {
	alloc := k.frames.Lock()
	defer k.frames.Unlock()
	active := k.active.Lock()
	defer k.active.Unlock()

	huge := frame.MustAllocate(pmm.Huge(alloc), "initial heap")
	active.MapHugeTo(frame.HugePageOf(pagetables.HeapBottom), huge, pagetables.Writable|pagetables.NoExecute, alloc)
	k.heap = kheap.New(k.cpu, pagetables.HeapBottom, pagetables.HeapTop)
	log.Infof("Heap at [%v, %v], first huge page backed by %v", pagetables.HeapBottom, pagetables.HeapTop, huge)
	return StatusOk, nil
}

func (k *Kernel) convertAllocator() (Status, error) {
	alloc := k.frames.Lock()
	defer k.frames.Unlock()
	active := k.active.Lock()
	defer k.active.Unlock()

	alloc.Convert(k.info.FreeAreas, pmm.StoreBacking{Mem: k.cpu, Mapper: active})
	log.Infof("Post-boot allocator has %d free frames (%d huge)", alloc.FreeFramesCount(), alloc.FreeHugeFramesCount())
	return StatusOk, nil
}

func (k *Kernel) initScheduler() (Status, error) {
	alloc := k.frames.Lock()
	f := frame.MustAllocate[frame.Frame](alloc, "context switch stack")
	active := k.active.Lock()
	active.MapTo(frame.PageOf(pagetables.TaskSwitchStackBottom), f, pagetables.Writable|pagetables.NoExecute, alloc)
	k.active.Unlock()
	k.frames.Unlock()

	k.threads = NewGlobal("scheduler", &runQueue{sched: sched.NewRoundRobin(), nextID: 1})
	k.idt[ring0.TimerVector].SetSwitch(k.contextSwitch)
	return StatusOk, nil
}

func (k *Kernel) startTimer() (Status, error) {
	initPIC(k.cpu)
	initPIT(k.cpu, k.machine.TimerHz)
	k.cpu.EnableInterrupts()
	log.Infof("Timer running at %d Hz", k.cpu.PIT().Frequency())
	return StatusOk, nil
}

// Close releases the machine's memory. The kernel must not be used
// afterwards.
func (k *Kernel) Close() error {
	if k.mem == nil {
		return nil
	}
	err := k.mem.Close()
	k.mem = nil
	return err
}

// CPU returns the processor.
func (k *Kernel) CPU() *ring0.CPU {
	return k.cpu
}

// Memory returns physical memory.
func (k *Kernel) Memory() *physmem.Memory {
	return k.mem
}

// BootInfo returns what the firmware passed to the kernel.
func (k *Kernel) BootInfo() *pmm.BootInfo {
	return k.info
}

// Heap returns the kernel heap.
func (k *Kernel) Heap() *kheap.Heap {
	return k.heap
}

// Metrics returns the registry holding the kernel's metrics.
func (k *Kernel) Metrics() *metric.Registry {
	return k.metrics.registry
}

// UserSelectors returns the ring 3 code and data selectors.
func (k *Kernel) UserSelectors() (code, data ring0.Selector) {
	return k.userCode, k.userData
}

// WithFrames runs f with the frame allocator held.
func (k *Kernel) WithFrames(f func(alloc pmm.GenericAllocator)) {
	alloc := k.frames.Lock()
	defer k.frames.Unlock()
	f(alloc)
}

// ActiveRoot returns the frame of the installed level 4 table.
func (k *Kernel) ActiveRoot() frame.Frame {
	active := k.active.Lock()
	defer k.active.Unlock()
	return active.Root()
}

// recoverHalt turns a halted processor into an error. Other panics
// propagate.
func recoverHalt(err *error) {
	r := recover()
	if r == nil {
		return
	}
	h, ok := r.(*ring0.Halt)
	if !ok {
		panic(r)
	}
	*err = h
}

// IsHalt returns true if err reports a halted processor.
func IsHalt(err error) bool {
	var h *ring0.Halt
	return errors.As(err, &h)
}
