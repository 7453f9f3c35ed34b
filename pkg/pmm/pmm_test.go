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

package pmm

import (
	"math/rand"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/kcore-os/kcore/pkg/frame"
	"github.com/kcore-os/kcore/pkg/framestore"
	"github.com/kcore-os/kcore/pkg/hostarch"
	"github.com/kcore-os/kcore/pkg/physmem"
	"github.com/kcore-os/kcore/pkg/ring0"
	"github.com/kcore-os/kcore/pkg/ring0/pagetables"
)

const memSize = 32 << 20

// testInfo describes a 32 MiB machine. The kernel and boot information sit
// in the first huge frame, which is not wholly free, and a module occupies
// huge frame 3.
func testInfo() *BootInfo {
	return &BootInfo{
		Addr:      0x19_0000,
		TotalSize: 0x1000,
		FreeAreas: []hostarch.MemoryArea{
			{Start: 0, Size: 0x9_fc00},
			{Start: 0x10_0000, Size: memSize - 0x10_0000},
		},
		Sections: []Section{
			{Name: ".text", Addr: hostarch.HigherHalf(0x10_0000), Size: 0x4_0000, Flags: SectionAllocated | SectionExecutable},
			{Name: ".bss", Addr: hostarch.HigherHalf(0x14_0000), Size: 0x4_0000, Flags: SectionAllocated | SectionWritable},
		},
		Modules: []Module{
			{Name: "counter", Start: 0x60_0000, Size: 0x1000},
		},
	}
}

func drainHuge(a frame.Allocator[frame.HugeFrame]) []frame.HugeFrame {
	var got []frame.HugeFrame
	for f, ok := a.Allocate(); ok; f, ok = a.Allocate() {
		got = append(got, f)
	}
	return got
}

func mustPanic(t *testing.T, name string, fn func()) {
	t.Helper()
	defer func() {
		if recover() == nil {
			t.Errorf("%s did not panic", name)
		}
	}()
	fn()
}

func TestBootInfoAreas(t *testing.T) {
	info := testInfo()
	if got, want := info.KernelArea(), (hostarch.MemoryArea{Start: 0x10_0000, Size: 0x8_0000}); got != want {
		t.Errorf("KernelArea: got %v, want %v", got, want)
	}
	if got, want := info.Area(), (hostarch.MemoryArea{Start: 0x19_0000, Size: 0x1000}); got != want {
		t.Errorf("Area: got %v, want %v", got, want)
	}
}

func TestHugeBootBumpSkipsUsedAreas(t *testing.T) {
	h := NewHugeBootBumpAllocator(testInfo())
	want := []frame.HugeFrame{1, 2}
	for f := frame.HugeFrame(4); f < memSize/hostarch.HugePageSize; f++ {
		want = append(want, f)
	}
	if diff := cmp.Diff(want, drainHuge(h)); diff != "" {
		t.Errorf("allocation order mismatch (-want +got):\n%s", diff)
	}
	mustPanic(t, "Deallocate", func() { h.Deallocate(1) })
}

func TestHugeBootBumpTouchingArea(t *testing.T) {
	info := testInfo()
	// The module ends exactly where huge frame 2 begins.
	info.Modules = []Module{{Name: "edge", Start: 0x3f_f000, Size: 0x1000}}
	h := NewHugeBootBumpAllocator(info)
	if diff := cmp.Diff([]frame.HugeFrame{2, 3}, drainHuge(h)[:2]); diff != "" {
		t.Errorf("allocation order mismatch (-want +got):\n%s", diff)
	}
}

func TestHugeBootBumpSingleFrameArea(t *testing.T) {
	info := testInfo()
	info.FreeAreas = []hostarch.MemoryArea{
		{Start: 0x20_0000, Size: hostarch.HugePageSize},
		{Start: 0x50_0000, Size: 0x10_0000},
		{Start: 0x80_0000, Size: 0x40_0000},
	}
	info.Modules = nil
	got := drainHuge(NewHugeBootBumpAllocator(info))
	if diff := cmp.Diff([]frame.HugeFrame{1, 4, 5}, got); diff != "" {
		t.Errorf("allocation order mismatch (-want +got):\n%s", diff)
	}
}

func TestHugeBootBumpCounts(t *testing.T) {
	h := NewHugeBootBumpAllocator(testInfo())
	// 15 whole huge frames are free; the kernel, the boot information and
	// the module count one each.
	if got, want := h.FreeFramesCount(), uint64(12); got != want {
		t.Errorf("FreeFramesCount: got %d, want %d", got, want)
	}
	h.Allocate()
	if got, want := h.UsedFramesCount(), uint64(4); got != want {
		t.Errorf("UsedFramesCount: got %d, want %d", got, want)
	}
}

func TestHugeBumpResumes(t *testing.T) {
	info := testInfo()
	h := NewHugeBumpAllocator(info.FreeAreas, info.KernelArea(), 5)
	free := h.FreeFramesCount()
	got := drainHuge(h)
	if free != uint64(len(got)) {
		t.Errorf("FreeFramesCount: got %d, want %d", free, len(got))
	}
	want := []frame.HugeFrame{}
	for f := frame.HugeFrame(5); f < memSize/hostarch.HugePageSize; f++ {
		want = append(want, f)
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("allocation order mismatch (-want +got):\n%s", diff)
	}
	mustPanic(t, "Deallocate", func() { h.Deallocate(5) })
}

func TestHugeBumpSkipsKernel(t *testing.T) {
	areas := []hostarch.MemoryArea{{Start: 0, Size: 0x100_0000}}
	kernel := hostarch.MemoryArea{Start: 0x60_0000, Size: 0x30_0000}
	got := drainHuge(NewHugeBumpAllocator(areas, kernel, 2))
	if diff := cmp.Diff([]frame.HugeFrame{2, 5, 6, 7}, got); diff != "" {
		t.Errorf("allocation order mismatch (-want +got):\n%s", diff)
	}
}

func TestBootAllocator(t *testing.T) {
	b := NewBootAllocator(testInfo())
	first := frame.MustAllocate[frame.Frame](b, "first")
	if want := frame.FrameOf(0x20_0000); first != want {
		t.Errorf("first frame: got %v, want %v", first, want)
	}

	// Exhaust the first divider; the next frame comes from huge frame 2.
	for i := 1; i < frame.DividerFrames; i++ {
		b.Allocate()
	}
	if f, _ := b.Allocate(); f != frame.FrameOf(0x40_0000) {
		t.Errorf("frame after the first divider: got %v, want %v", f, frame.FrameOf(0x40_0000))
	}

	before := b.FreeFramesCount()
	for i := 0; i < frame.FixedRecyclerSlots; i++ {
		b.Deallocate(frame.Frame(i))
	}
	if got := b.FreeFramesCount() - before; got != frame.FixedRecyclerSlots {
		t.Errorf("free frames gained: got %d, want %d", got, frame.FixedRecyclerSlots)
	}
	mustPanic(t, "Deallocate into a full recycler", func() { b.Deallocate(100) })
	mustPanic(t, "DeallocateHuge", func() { b.DeallocateHuge(4) })
}

// machine is a CPU whose tables are built with frames from a boot
// allocator, which is what Convert needs to build frame stores.
type machine struct {
	cpu    *ring0.CPU
	mapper *pagetables.Mapper
	global *GlobalFrameAllocator
}

func newMachine(t *testing.T, info *BootInfo) *machine {
	t.Helper()
	mem, err := physmem.New(memSize)
	if err != nil {
		t.Fatalf("physmem.New failed: %v", err)
	}
	t.Cleanup(func() { mem.Close() })

	cpu := ring0.NewCPU(mem)
	global := NewGlobalFrameAllocator(NewBootAllocator(info))
	root := frame.MustAllocate[frame.Frame](global, "root")
	mem.Zero(root)
	cpu.SetCR3(root.StartAddress())
	return &machine{
		cpu:    cpu,
		mapper: pagetables.NewMapper(root, cpu.Tables(), cpu),
		global: global,
	}
}

func (m *machine) convert() {
	m.global.Convert(testInfo().FreeAreas, StoreBacking{Mem: m.cpu, Mapper: m.mapper})
}

func TestConvertKeepsRecycledFrames(t *testing.T) {
	m := newMachine(t, testInfo())
	var freed []frame.Frame
	for i := 0; i < frame.FixedRecyclerSlots; i++ {
		freed = append(freed, frame.MustAllocate[frame.Frame](m.global, "test"))
	}
	for _, f := range freed {
		m.global.Deallocate(f)
	}
	m.convert()
	if !m.global.Converted() {
		t.Fatalf("Converted: got false after Convert")
	}

	// Eight recycled frames build the two frame stores (a node and three
	// tables each) and three more fill the tiny pool. The rest come back
	// first, most recently stored first.
	var got []frame.Frame
	for i := 0; i < 5; i++ {
		got = append(got, frame.MustAllocate[frame.Frame](m.global, "test"))
	}
	want := []frame.Frame{freed[12], freed[11], freed[10], freed[9], freed[8]}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("frames after conversion mismatch (-want +got):\n%s", diff)
	}
	mustPanic(t, "second Convert", m.convert)
}

func TestConvertReclaimsSkippedFrames(t *testing.T) {
	m := newMachine(t, testInfo())
	huge := Huge(m.global)
	// Move the bump cursor past the module in huge frame 3.
	if diff := cmp.Diff([]frame.HugeFrame{2, 4}, []frame.HugeFrame{
		frame.MustAllocate(huge, "test"),
		frame.MustAllocate(huge, "test"),
	}); diff != "" {
		t.Fatalf("boot huge frames mismatch (-want +got):\n%s", diff)
	}
	m.convert()

	// The module's frame is reclaimed, then bump allocation resumes.
	got := []frame.HugeFrame{frame.MustAllocate(huge, "test"), frame.MustAllocate(huge, "test")}
	if diff := cmp.Diff([]frame.HugeFrame{3, 5}, got); diff != "" {
		t.Errorf("post-boot huge frames mismatch (-want +got):\n%s", diff)
	}
	m.global.DeallocateHuge(5)
	if f := frame.MustAllocate(huge, "test"); f != 5 {
		t.Errorf("recycled huge frame: got %v, want %v", f, frame.HugeFrame(5))
	}
}

func TestPostBootFreeCount(t *testing.T) {
	m := newMachine(t, testInfo())
	m.convert()
	before := m.global.FreeFramesCount()
	var fs []frame.Frame
	for i := 0; i < 1000; i++ {
		fs = append(fs, frame.MustAllocate[frame.Frame](m.global, "test"))
	}
	if got := before - m.global.FreeFramesCount(); got != 1000 {
		t.Errorf("free frames consumed: got %d, want 1000", got)
	}
	for _, f := range fs {
		m.global.Deallocate(f)
	}
	nodes, _ := m.global.PostBoot().StoreNodes()
	// Frames for new store nodes come out of the free pool.
	if got, want := m.global.FreeFramesCount(), before-(nodes-1); got != want {
		t.Errorf("FreeFramesCount after freeing: got %d, want %d", got, want)
	}
}

func drainFrames(a frame.FrameAllocator) []frame.Frame {
	var got []frame.Frame
	for f, ok := a.Allocate(); ok; f, ok = a.Allocate() {
		got = append(got, f)
	}
	return got
}

func TestPostBootProjectedFrames(t *testing.T) {
	m := newMachine(t, testInfo())
	m.convert()
	projected := m.global.FreeFramesCount()
	if got := uint64(len(drainFrames(m.global))); got != projected {
		t.Errorf("allocatable frames: got %d, want FreeFramesCount() = %d", got, projected)
	}
	if got := m.global.FreeFramesCount(); got != 0 {
		t.Errorf("FreeFramesCount when exhausted: got %d, want 0", got)
	}
}

func TestDeallocateAfterExhaustion(t *testing.T) {
	m := newMachine(t, testInfo())
	m.convert()
	post := m.global.PostBoot()
	projected := m.global.FreeFramesCount()
	nodesBefore, _ := post.StoreNodes()

	all := drainFrames(m.global)
	// One more frame than a node holds builds a second node from the tiny
	// pool.
	for _, f := range all[:framestore.NodeCapacity+1] {
		m.global.Deallocate(f)
	}
	all = append(drainFrames(m.global), all[framestore.NodeCapacity+1:]...)
	if _, ok := m.global.Allocate(); ok {
		t.Fatalf("Allocate: got a frame, want memory to be exhausted")
	}
	for _, f := range all {
		m.global.Deallocate(f)
	}

	nodes, _ := post.StoreNodes()
	if nodes <= nodesBefore {
		t.Errorf("StoreNodes: got %d, want more than %d", nodes, nodesBefore)
	}
	// Node frames come from the pool, and the pool is refilled by freed
	// frames.
	short := frame.TinyFrames - post.pool.FreeFramesCount()
	if got, want := m.global.FreeFramesCount(), projected-(nodes-nodesBefore)-short; got != want {
		t.Errorf("FreeFramesCount after freeing: got %d, want %d", got, want)
	}
}

func TestDeallocateHugeAfterExhaustion(t *testing.T) {
	m := newMachine(t, testInfo())
	m.convert()
	post := m.global.PostBoot()
	first := frame.MustAllocate(Huge(m.global), "test")
	second := frame.MustAllocate(Huge(m.global), "test")

	all := drainFrames(m.global)
	for _, f := range all[:framestore.NodeCapacity+1] {
		m.global.Deallocate(f)
	}
	if !post.pool.Full() {
		t.Errorf("tiny pool not refilled after building a node")
	}
	drainFrames(m.global)
	// A node built while the regular free list is empty leaves the pool
	// short.
	if _, ok := post.pool.Allocate(); !ok {
		t.Fatalf("tiny pool is empty")
	}

	// With no frame left to top up the pool, the huge frame is freed as
	// regular frames, the first of which refill the pool.
	short := frame.TinyFrames - post.pool.FreeFramesCount()
	m.global.DeallocateHuge(first)
	if got := m.global.FreeHugeFramesCount(); got != 0 {
		t.Errorf("FreeHugeFramesCount: got %d, want 0", got)
	}
	if !post.pool.Full() {
		t.Errorf("tiny pool not refilled by the freed huge frame")
	}
	got := drainFrames(m.global)
	for _, f := range got {
		if frame.HugeFrameOf(f.StartAddress()) != first {
			t.Fatalf("Allocate: got %v, want a frame of %v", f, first)
		}
	}
	if n, want := uint64(len(got)), frame.DividerFrames-short; n != want {
		t.Errorf("frames recovered from %v: got %d, want %d", first, n, want)
	}

	// A full pool lets huge frames go back to the huge store.
	m.global.DeallocateHuge(second)
	if got := m.global.FreeHugeFramesCount(); got != 1 {
		t.Errorf("FreeHugeFramesCount: got %d, want 1", got)
	}
}

// TestFrameUniqueness allocates and frees frames of both sizes at random and
// checks that no frame is ever live twice.
func TestFrameUniqueness(t *testing.T) {
	for _, convert := range []bool{false, true} {
		m := newMachine(t, testInfo())
		if convert {
			m.convert()
		}
		kernel := testInfo().KernelArea()
		rng := rand.New(rand.NewSource(1))

		live := make(map[frame.Frame]bool)
		liveHuge := make(map[frame.HugeFrame]bool)
		var order []frame.Frame
		var hugeOrder []frame.HugeFrame
		bootFrees := 0
		for i := 0; i < 4000; i++ {
			switch op := rng.Intn(10); {
			case op < 6:
				f, ok := m.global.Allocate()
				if !ok {
					continue
				}
				if live[f] || liveHuge[frame.HugeFrameOf(f.StartAddress())] {
					t.Fatalf("convert=%t: frame %v handed out while live", convert, f)
				}
				if o, ok := kernel.Overlap(f.ToMemoryArea()); ok && o.Size > 0 {
					t.Fatalf("convert=%t: frame %v overlaps the kernel", convert, f)
				}
				live[f] = true
				order = append(order, f)
			case op < 7:
				h, ok := m.global.AllocateHuge()
				if !ok {
					continue
				}
				if liveHuge[h] {
					t.Fatalf("convert=%t: huge frame %v handed out while live", convert, h)
				}
				for _, f := range h.Frames().All() {
					if live[f] {
						t.Fatalf("convert=%t: huge frame %v contains live frame %v", convert, h, f)
					}
				}
				liveHuge[h] = true
				hugeOrder = append(hugeOrder, h)
			case op < 9 && len(order) > 0:
				// Before conversion only a few frames can be held.
				if !convert {
					if bootFrees == frame.FixedRecyclerSlots {
						continue
					}
					bootFrees++
				}
				j := rng.Intn(len(order))
				f := order[j]
				order = append(order[:j], order[j+1:]...)
				delete(live, f)
				m.global.Deallocate(f)
			case convert && len(hugeOrder) > 0:
				j := rng.Intn(len(hugeOrder))
				h := hugeOrder[j]
				hugeOrder = append(hugeOrder[:j], hugeOrder[j+1:]...)
				delete(liveHuge, h)
				m.global.DeallocateHuge(h)
			}
		}
	}
}
