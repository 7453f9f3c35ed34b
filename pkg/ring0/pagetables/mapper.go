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

package pagetables

import (
	"fmt"

	"github.com/kcore-os/kcore/pkg/frame"
	"github.com/kcore-os/kcore/pkg/hostarch"
)

// TLB invalidates cached translations.
type TLB interface {
	// FlushTLBEntry drops the translation for the page holding v.
	FlushTLBEntry(v hostarch.VirtAddr)

	// FlushTLB drops every translation.
	FlushTLB()
}

// Mapper edits the address space rooted at a level 4 table.
type Mapper struct {
	root   frame.Frame
	tables Tables
	tlb    TLB
}

// NewMapper returns a Mapper over the table stored in root. Unmapped pages
// are flushed from tlb.
func NewMapper(root frame.Frame, tables Tables, tlb TLB) *Mapper {
	return &Mapper{root: root, tables: tables, tlb: tlb}
}

// Root returns the frame holding the level 4 table.
func (m *Mapper) Root() frame.Frame {
	return m.root
}

// Table returns the level 4 table.
func (m *Mapper) Table() Table4 {
	return Root(m.tables, m.root)
}

// Tables returns the table resolver.
func (m *Mapper) Tables() Tables {
	return m.tables
}

// MapTo maps p to f, creating intermediate tables from alloc. Present is
// always added to flags. It panics if p is already mapped.
func (m *Mapper) MapTo(p frame.Page, f frame.Frame, flags Flags, alloc frame.FrameAllocator) {
	t1 := m.Table().
		Create(p.Table4(), alloc).
		Create(p.Table3(), alloc).
		Create(p.Table2(), alloc)
	e := t1.Entry(p.Table1())
	if !e.IsUnused() {
		panic(fmt.Sprintf("page at %v is already mapped", p.StartAddress()))
	}
	SetFrame(e, f, flags|Present)
}

// MapHugeTo maps the huge page p to f with a level 2 entry.
func (m *Mapper) MapHugeTo(p frame.HugePage, f frame.HugeFrame, flags Flags, alloc frame.FrameAllocator) {
	t2 := m.Table().
		Create(p.Table4(), alloc).
		Create(p.Table3(), alloc)
	e := t2.Entry(p.Table2())
	if !e.IsUnused() {
		panic(fmt.Sprintf("huge page at %v is already mapped", p.StartAddress()))
	}
	SetFrame(e, f, flags|Present|Huge)
}

// UnMap removes the mapping of p, flushes it from the TLB and returns the
// frame it pointed to. The frame is not freed. It panics if p is not mapped.
func (m *Mapper) UnMap(p frame.Page, alloc frame.FrameAllocator) frame.Frame {
	if _, ok := m.Translate(p.StartAddress()); !ok {
		panic(fmt.Sprintf("page at %v is not mapped", p.StartAddress()))
	}
	t3, _ := m.Table().Next(p.Table4())
	t2, _ := t3.Next(p.Table3())
	t1, ok := t2.Next(p.Table2())
	if !ok {
		panic("cannot remove mapping of huge page from normal page handler")
	}
	e := t1.Entry(p.Table1())
	f, _ := FrameOf[frame.Frame](e)
	e.Clear()
	m.flush(p.StartAddress())
	return f
}

// UnMapHuge removes the mapping of the huge page p and returns its frame.
func (m *Mapper) UnMapHuge(p frame.HugePage, alloc frame.FrameAllocator) frame.HugeFrame {
	if _, ok := m.Translate(p.StartAddress()); !ok {
		panic(fmt.Sprintf("huge page at %v is not mapped", p.StartAddress()))
	}
	t3, _ := m.Table().Next(p.Table4())
	t2, _ := t3.Next(p.Table3())
	e := t2.Entry(p.Table2())
	if !e.Flags().Contains(Huge) {
		panic(fmt.Sprintf("page at %v is not a huge mapping", p.StartAddress()))
	}
	f, _ := FrameOf[frame.HugeFrame](e)
	e.Clear()
	m.flush(p.StartAddress())
	return f
}

// Discard is UnMap without returning the frame.
func (m *Mapper) Discard(p frame.Page, alloc frame.FrameAllocator) {
	m.UnMap(p, alloc)
}

// DiscardHuge is UnMapHuge without returning the frame.
func (m *Mapper) DiscardHuge(p frame.HugePage, alloc frame.FrameAllocator) {
	m.UnMapHuge(p, alloc)
}

// Translate returns the physical address v maps to.
func (m *Mapper) Translate(v hostarch.VirtAddr) (hostarch.PhysAddr, bool) {
	w, ok := Walk(m.tables, m.root, v)
	return w.Addr, ok
}

func (m *Mapper) flush(v hostarch.VirtAddr) {
	if m.tlb != nil {
		m.tlb.FlushTLBEntry(v)
	}
}
