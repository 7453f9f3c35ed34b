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

// Package kheap implements the kernel heap.
//
// The heap is a bump allocator over a fixed virtual range. It never maps
// memory itself: the first access to an unbacked part of the range faults,
// and the kernel's page fault handler backs it with a huge frame. Only the
// first huge page is mapped before the heap is used.
package kheap

import (
	"errors"
	"fmt"

	"github.com/kcore-os/kcore/pkg/bits"
	"github.com/kcore-os/kcore/pkg/hostarch"
	"github.com/kcore-os/kcore/pkg/sync"
)

// ErrOutOfMemory is returned when an allocation does not fit in the range.
var ErrOutOfMemory = errors.New("kernel heap exhausted")

// Memory is the virtual memory the heap lives in.
type Memory interface {
	ReadBytes(v hostarch.VirtAddr, b []byte)
	WriteBytes(v hostarch.VirtAddr, b []byte)
}

// Stats describes heap usage.
type Stats struct {
	Allocations uint64
	Bytes       uint64
	Free        uint64
}

// Heap is a bump allocator over [bottom, top].
type Heap struct {
	mem    Memory
	bottom hostarch.VirtAddr
	top    hostarch.VirtAddr

	mu          sync.Mutex
	next        hostarch.VirtAddr
	allocations uint64
}

// New returns a heap covering [bottom, top]. top is inclusive.
func New(mem Memory, bottom, top hostarch.VirtAddr) *Heap {
	if top < bottom {
		panic(fmt.Sprintf("invalid heap range [%v, %v]", bottom, top))
	}
	return &Heap{mem: mem, bottom: bottom, top: top, next: bottom}
}

// Contains returns true if v lies in the heap range.
func (h *Heap) Contains(v hostarch.VirtAddr) bool {
	return v >= h.bottom && v <= h.top
}

// Alloc reserves size bytes aligned to align, which must be a power of two.
func (h *Heap) Alloc(size, align uint64) (hostarch.VirtAddr, error) {
	if !bits.IsPowerOfTwo64(align) {
		return 0, fmt.Errorf("alignment %#x is not a power of two", align)
	}
	if size == 0 {
		size = 1
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	start := hostarch.AlignUp(h.next, hostarch.VirtAddr(align))
	if start < h.next || start > h.top || uint64(h.top-start) < size-1 {
		return 0, fmt.Errorf("allocating %d bytes: %w", size, ErrOutOfMemory)
	}
	h.next = start.Offset(size)
	h.allocations++
	return start, nil
}

// Store copies b into a fresh allocation and returns its address.
func (h *Heap) Store(b []byte) (hostarch.VirtAddr, error) {
	v, err := h.Alloc(uint64(len(b)), 8)
	if err != nil {
		return 0, err
	}
	h.mem.WriteBytes(v, b)
	return v, nil
}

// Load copies n bytes at v out of the heap.
func (h *Heap) Load(v hostarch.VirtAddr, n uint64) []byte {
	if n != 0 && (!h.Contains(v) || !h.Contains(v.Offset(n-1))) {
		panic(fmt.Sprintf("heap read of %d bytes at %v outside the heap", n, v))
	}
	b := make([]byte, n)
	h.mem.ReadBytes(v, b)
	return b
}

// Stats returns the current usage.
func (h *Heap) Stats() Stats {
	h.mu.Lock()
	defer h.mu.Unlock()
	used := uint64(h.next - h.bottom)
	return Stats{
		Allocations: h.allocations,
		Bytes:       used,
		Free:        uint64(h.top-h.bottom) + 1 - used,
	}
}
