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
	"unsafe"

	"github.com/kcore-os/kcore/pkg/frame"
	"github.com/kcore-os/kcore/pkg/physmem"
)

// Tables resolves the frame holding a page table to its entries.
type Tables interface {
	// LookupPTEs returns the table stored in f.
	LookupPTEs(f frame.Frame) *PTEs
}

// PhysicalTables reaches tables through the direct map of physical memory.
type PhysicalTables struct {
	Mem *physmem.Memory
}

// LookupPTEs implements Tables.LookupPTEs.
func (p PhysicalTables) LookupPTEs(f frame.Frame) *PTEs {
	return (*PTEs)(unsafe.Pointer(p.Mem.Words(f)))
}

// table is the state shared by the level handles.
type table struct {
	tables Tables
	frame  frame.Frame
	ptes   *PTEs
}

func lookup(tables Tables, f frame.Frame) table {
	return table{tables: tables, frame: f, ptes: tables.LookupPTEs(f)}
}

// next returns the table referenced by entry i, if it is present and not a
// huge mapping.
func (t table) next(i int) (table, bool) {
	e := &t.ptes[i]
	flags := e.Flags()
	if !flags.Contains(Present) || flags.Contains(Huge) {
		return table{}, false
	}
	f, _ := FrameOf[frame.Frame](e)
	return lookup(t.tables, f), true
}

// create returns the table referenced by entry i, allocating and zeroing it
// first if the entry is unused.
func (t table) create(i int, alloc frame.FrameAllocator) table {
	if n, ok := t.next(i); ok {
		return n
	}
	if e := &t.ptes[i]; !e.IsUnused() {
		panic(fmt.Sprintf("cannot create a table under entry %d (%v)", i, *e))
	}
	f := frame.MustAllocate(alloc, "page table entry")
	n := lookup(t.tables, f)
	n.ptes.Clear()
	SetFrame(&t.ptes[i], f, tableFlags)
	return n
}

// Table4 is a handle to a level 4 (root) table. It holds no leaf entries.
type Table4 struct{ t table }

// Table3 is a handle to a level 3 table.
type Table3 struct{ t table }

// Table2 is a handle to a level 2 table. Its entries may map huge pages.
type Table2 struct{ t table }

// Table1 is a handle to a level 1 table. Its entries map pages.
type Table1 struct{ t table }

// Root returns the level 4 handle for the table stored in f.
func Root(tables Tables, f frame.Frame) Table4 {
	return Table4{lookup(tables, f)}
}

// Frame returns the frame holding the table.
func (t Table4) Frame() frame.Frame { return t.t.frame }

// Entry returns entry i.
func (t Table4) Entry(i int) *PTE { return &t.t.ptes[i] }

// Clear marks every entry unused.
func (t Table4) Clear() { t.t.ptes.Clear() }

// Next returns the level 3 table under entry i.
func (t Table4) Next(i int) (Table3, bool) {
	n, ok := t.t.next(i)
	return Table3{n}, ok
}

// Create returns the level 3 table under entry i, creating it if needed.
func (t Table4) Create(i int, alloc frame.FrameAllocator) Table3 {
	return Table3{t.t.create(i, alloc)}
}

// Entry returns entry i.
func (t Table3) Entry(i int) *PTE { return &t.t.ptes[i] }

// Next returns the level 2 table under entry i.
func (t Table3) Next(i int) (Table2, bool) {
	n, ok := t.t.next(i)
	return Table2{n}, ok
}

// Create returns the level 2 table under entry i, creating it if needed.
func (t Table3) Create(i int, alloc frame.FrameAllocator) Table2 {
	return Table2{t.t.create(i, alloc)}
}

// Entry returns entry i.
func (t Table2) Entry(i int) *PTE { return &t.t.ptes[i] }

// Next returns the level 1 table under entry i. It returns false for huge
// mappings.
func (t Table2) Next(i int) (Table1, bool) {
	n, ok := t.t.next(i)
	return Table1{n}, ok
}

// Create returns the level 1 table under entry i, creating it if needed.
func (t Table2) Create(i int, alloc frame.FrameAllocator) Table1 {
	return Table1{t.t.create(i, alloc)}
}

// Entry returns entry i.
func (t Table1) Entry(i int) *PTE { return &t.t.ptes[i] }
