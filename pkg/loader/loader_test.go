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

package loader

import (
	"bytes"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/kcore-os/kcore/pkg/frame"
	"github.com/kcore-os/kcore/pkg/hostarch"
	"github.com/kcore-os/kcore/pkg/physmem"
	"github.com/kcore-os/kcore/pkg/ring0"
	"github.com/kcore-os/kcore/pkg/ring0/pagetables"
)

const (
	userCode ring0.Selector = 0x1b
	userData ring0.Selector = 0x23
)

type harness struct {
	cpu    *ring0.CPU
	mem    *physmem.Memory
	active *pagetables.ActivePageTable
	alloc  *frame.FixedRecycler[frame.Frame, *frame.Divider]
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	mem, err := physmem.New(8 << 20)
	if err != nil {
		t.Fatalf("physmem.New failed: %v", err)
	}
	t.Cleanup(func() { mem.Close() })

	// Frames handed out by the allocator start dirty.
	b := mem.Bytes(frame.HugeFrame(1).StartAddress(), hostarch.HugePageSize)
	for i := range b {
		b[i] = 0xa5
	}

	cpu := ring0.NewCPU(mem)
	alloc := frame.NewFixedRecycler[frame.Frame](frame.NewDivider(1))
	root := frame.MustAllocate[frame.Frame](alloc, "root")
	mem.Zero(root)
	cpu.SetCR3(root.StartAddress())
	return &harness{
		cpu:    cpu,
		mem:    mem,
		active: pagetables.NewActivePageTable(cpu, cpu.Tables()),
		alloc:  alloc,
	}
}

func (h *harness) env() Env {
	return Env{Active: h.active, Alloc: h.alloc, UserCode: userCode, UserData: userData}
}

func (h *harness) newTable() *pagetables.InactivePageTable {
	return pagetables.NewCleared(frame.MustAllocate[frame.Frame](h.alloc, "table"), h.active, h.alloc)
}

func (h *harness) walk(table *pagetables.InactivePageTable, v hostarch.VirtAddr) (pagetables.Translation, bool) {
	return pagetables.Walk(h.cpu.Tables(), table.Root(), v)
}

func TestLayoutFor(t *testing.T) {
	for _, tc := range []struct {
		size   uint64
		bottom hostarch.VirtAddr
	}{
		{1, 0x41_0000},
		{0x1_0000, 0x41_0000},
		{0x1_0001, 0x42_0000},
	} {
		l := LayoutFor(tc.size)
		if l.StackBottom != tc.bottom {
			t.Errorf("LayoutFor(%#x).StackBottom: got %v, want %v", tc.size, l.StackBottom, tc.bottom)
		}
		if got, want := l.KernelStack, frame.PageOf(tc.bottom+StackSize-hostarch.PageSize); got != want {
			t.Errorf("LayoutFor(%#x).KernelStack: got %v, want %v", tc.size, got, want)
		}
		if got, want := l.UserStackTop(), l.KernelStack.StartAddress(); got != want {
			t.Errorf("LayoutFor(%#x).UserStackTop: got %v, want %v", tc.size, got, want)
		}
	}
}

func TestLoadFlatBinary(t *testing.T) {
	h := newHarness(t)
	image := make([]byte, 5000)
	for i := range image {
		image[i] = byte(i*7 + 3)
	}
	table := h.newTable()
	th, err := LoadFlatBinary("counter", image, table, Base+0x10, h.env())
	if err != nil {
		t.Fatalf("LoadFlatBinary failed: %v", err)
	}

	l := LayoutFor(uint64(len(image)))
	if th.Table != table || th.Name != "counter" || th.KernelStack != l.KernelStack {
		t.Errorf("got thread %+v", th)
	}
	if got, want := th.StackPointer, l.UserStackTop()-ring0.TrapFrameSize; got != want {
		t.Errorf("StackPointer: got %v, want %v", got, want)
	}

	for _, tc := range []struct {
		addr  hostarch.VirtAddr
		flags pagetables.Flags
	}{
		{Base, pagetables.User},
		{Base + hostarch.PageSize, pagetables.User},
		{l.StackBottom, pagetables.User | pagetables.Writable},
		{l.UserStackTop() - 1, pagetables.User | pagetables.Writable},
		{l.KernelStack.StartAddress(), pagetables.Writable},
	} {
		w, ok := h.walk(table, tc.addr)
		if !ok {
			t.Errorf("%v is not mapped", tc.addr)
			continue
		}
		if !w.Flags.Contains(tc.flags|pagetables.Present) || (tc.flags&pagetables.User == 0 && w.Flags.Contains(pagetables.User)) {
			t.Errorf("%v: got flags %v, want %v", tc.addr, w.Flags, tc.flags)
		}
	}
	if _, ok := h.walk(table, Base+2*hostarch.PageSize); ok {
		t.Errorf("page after the image is mapped")
	}

	// The loader never touches the active address space.
	if _, ok := h.active.Translate(Base); ok {
		t.Errorf("image mapped in the active table")
	}

	h.active.Switch(table)
	got := make([]byte, hostarch.PageSize*2)
	h.cpu.ReadBytes(Base, got)
	if !bytes.Equal(got[:len(image)], image) {
		t.Errorf("image contents differ")
	}
	if !bytes.Equal(got[len(image):], make([]byte, len(got)-len(image))) {
		t.Errorf("tail of the last image page is not zeroed")
	}
	if w := h.cpu.Load64(l.StackBottom); w != 0 {
		t.Errorf("stack is not zeroed: got %#x", w)
	}

	want := ring0.InterruptFrame(Base+0x10, userCode, ring0.UserFlagsSet, th.StackPointer, userData)
	if diff := cmp.Diff(want, h.cpu.ReadFrame(th.StackPointer)); diff != "" {
		t.Errorf("initial frame mismatch (-want +got):\n%s", diff)
	}
}

func TestLoadErrors(t *testing.T) {
	h := newHarness(t)
	for _, tc := range []struct {
		name  string
		image []byte
		entry hostarch.VirtAddr
		want  error
	}{
		{"empty", nil, Base, ErrEmptyImage},
		{"entry before image", []byte{1}, Base - 1, ErrBadEntry},
		{"entry after image", []byte{1, 2}, Base + 2, ErrBadEntry},
	} {
		t.Run(tc.name, func(t *testing.T) {
			before := h.alloc.FreeFramesCount()
			_, err := LoadFlatBinary(tc.name, tc.image, nil, tc.entry, h.env())
			if !errors.Is(err, tc.want) {
				t.Errorf("got error %v, want %v", err, tc.want)
			}
			if after := h.alloc.FreeFramesCount(); after != before {
				t.Errorf("failed load used frames: %d free, want %d", after, before)
			}
		})
	}
}

func TestStoreBytes(t *testing.T) {
	h := newHarness(t)
	f := frame.MustAllocate[frame.Frame](h.alloc, "page")
	const v hostarch.VirtAddr = 0x7000
	h.active.MapTo(frame.PageOf(v), f, pagetables.Writable, h.alloc)
	h.mem.Zero(f)

	storeBytes(h.cpu, v+5, []byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10})
	want := []byte{0, 0, 0, 0, 0, 1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 0}
	if got := h.mem.Bytes(f.StartAddress(), 16); !bytes.Equal(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
}
