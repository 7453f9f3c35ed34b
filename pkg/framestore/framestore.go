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

// Package framestore provides a free list of frames that lives in its own
// reserved virtual range instead of the heap.
//
// The heap grows by page faults that allocate frames, so a free list kept on
// the heap would re-enter the frame allocator while it is locked. A Store
// instead keeps its nodes in pages it maps itself, one node per page, and
// reaches them through the kernel's virtual memory accessors.
//
// Nodes are never unmapped or freed. A store only grows over the lifetime of
// the kernel, and its reserved range is sized so this never matters.
package framestore

import (
	"fmt"

	"github.com/kcore-os/kcore/pkg/frame"
	"github.com/kcore-os/kcore/pkg/hostarch"
	"github.com/kcore-os/kcore/pkg/ring0/pagetables"
)

// NodeCapacity is the number of frames one node holds.
const NodeCapacity = 255

// Node layout, in 64-bit words from the start of the node's page. Links and
// slots hold their value plus one so that zero means empty.
const (
	prevWord  = 0
	nextWord  = 1
	slotWord  = 2
	nodeWords = slotWord + NodeCapacity
)

// A node must fit in the page that holds it.
var _ [hostarch.PageSize - nodeWords*8]struct{}

// Memory reads and writes kernel virtual memory.
type Memory interface {
	Load64(v hostarch.VirtAddr) uint64
	Store64(v hostarch.VirtAddr, val uint64)
}

// Mapper maps pages into the active address space.
type Mapper interface {
	MapTo(p frame.Page, f frame.Frame, flags pagetables.Flags, alloc frame.FrameAllocator)
}

// Store is a stack of frames kept in page-sized nodes. Node k occupies the
// k-th page of the store's range, so nodes are addressed by index rather
// than by pointer.
//
// Store is not thread-safe; it is owned by an allocator that serializes
// access.
type Store[F ~uint64] struct {
	mem    Memory
	mapper Mapper
	pages  frame.Range[frame.Page]
	first  frame.Page

	// top is the index of the node holding the top of the stack, nodes
	// the number of nodes constructed so far.
	top   uint64
	nodes uint64
	size  uint64
}

// New returns an empty store over pages. The first node is mapped
// immediately with a frame from alloc.
func New[F ~uint64](pages frame.Range[frame.Page], mem Memory, mapper Mapper, alloc frame.FrameAllocator) *Store[F] {
	first, ok := pages.Next()
	if !ok {
		panic("out of pages: frame store")
	}
	s := &Store[F]{
		mem:    mem,
		mapper: mapper,
		pages:  pages,
		first:  first,
	}
	s.construct(first, alloc)
	return s
}

// NewInRange returns a store over the pages of [bottom, top].
func NewInRange[F ~uint64](bottom, top hostarch.VirtAddr, mem Memory, mapper Mapper, alloc frame.FrameAllocator) *Store[F] {
	pages := frame.NewRange(frame.PageOf(bottom), frame.PageOf(top))
	return New[F](pages, mem, mapper, alloc)
}

func (s *Store[F]) word(node, i uint64) hostarch.VirtAddr {
	return (s.first + frame.Page(node)).StartAddress().Offset(8 * i)
}

// construct maps page as the next node and clears it.
func (s *Store[F]) construct(page frame.Page, alloc frame.FrameAllocator) {
	f := frame.MustAllocate(alloc, "frame store")
	s.mapper.MapTo(page, f, pagetables.Writable, alloc)
	node := s.nodes
	for i := uint64(0); i < nodeWords; i++ {
		s.mem.Store64(s.word(node, i), 0)
	}
	if node > 0 {
		s.mem.Store64(s.word(node, prevWord), node)
		s.mem.Store64(s.word(node-1, nextWord), node+1)
	}
	s.nodes++
}

// Push puts f on top of the stack. When the top node is full the store
// moves to the next node, constructing it with a frame from alloc if it
// does not exist yet.
func (s *Store[F]) Push(f F, alloc frame.FrameAllocator) {
	index := s.size % NodeCapacity
	if index == 0 && s.size != 0 {
		next := s.mem.Load64(s.word(s.top, nextWord))
		if next == 0 {
			page, ok := s.pages.Next()
			if !ok {
				panic("out of pages: frame store")
			}
			s.construct(page, alloc)
			next = s.nodes
		}
		s.top = next - 1
	}
	s.mem.Store64(s.word(s.top, slotWord+index), uint64(f)+1)
	s.size++
}

// Pop removes and returns the frame on top of the stack, or false if the
// store is empty. Emptied nodes stay mapped and are reused by later pushes.
func (s *Store[F]) Pop() (F, bool) {
	if s.size == 0 {
		return 0, false
	}
	s.size--
	index := s.size % NodeCapacity
	slot := s.word(s.top, slotWord+index)
	v := s.mem.Load64(slot)
	if v == 0 {
		panic(fmt.Sprintf("frame store slot %d of node %d is empty", index, s.top))
	}
	s.mem.Store64(slot, 0)
	if s.size != 0 && index == 0 {
		prev := s.mem.Load64(s.word(s.top, prevWord))
		s.top = prev - 1
	}
	return F(v - 1), true
}

// Size returns the number of frames in the store.
func (s *Store[F]) Size() uint64 {
	return s.size
}

// Nodes returns the number of nodes constructed. It never decreases.
func (s *Store[F]) Nodes() uint64 {
	return s.nodes
}
