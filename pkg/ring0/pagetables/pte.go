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

// Package pagetables provides the x86-64 four level page tables: entries,
// level-tagged table handles, a mapper, and the active/inactive table pair.
//
// Tables are reached through the physical direct map rather than a recursive
// level 4 entry, so a table need not be installed to be edited.
package pagetables

import (
	"fmt"
	"strings"

	"github.com/kcore-os/kcore/pkg/bits"
	"github.com/kcore-os/kcore/pkg/frame"
	"github.com/kcore-os/kcore/pkg/hostarch"
)

// Flags are the attribute bits of a page table entry.
type Flags uint64

// Entry flag bits.
const (
	Present      Flags = 1 << 0
	Writable     Flags = 1 << 1
	User         Flags = 1 << 2
	WriteThrough Flags = 1 << 3
	NoCache      Flags = 1 << 4
	Accessed     Flags = 1 << 5
	Dirty        Flags = 1 << 6
	Huge         Flags = 1 << 7
	Global       Flags = 1 << 8
	NoExecute    Flags = 1 << 63

	// tableFlags are set on every intermediate entry. User must be set at
	// every level for a user page to be reachable from ring 3.
	tableFlags = Present | Writable | User

	allFlags = Present | Writable | User | WriteThrough | NoCache | Accessed | Dirty | Huge | Global | NoExecute
)

var flagNames = []struct {
	f    Flags
	name string
}{
	{Present, "present"},
	{Writable, "writable"},
	{User, "user"},
	{WriteThrough, "write-through"},
	{NoCache, "no-cache"},
	{Accessed, "accessed"},
	{Dirty, "dirty"},
	{Huge, "huge"},
	{Global, "global"},
	{NoExecute, "no-execute"},
}

// Contains returns true if every flag in o is set in f.
func (f Flags) Contains(o Flags) bool {
	return bits.IsOn64(uint64(f), uint64(o))
}

func (f Flags) String() string {
	var names []string
	for _, n := range flagNames {
		if f.Contains(n.f) {
			names = append(names, n.name)
		}
	}
	if len(names) == 0 {
		return "none"
	}
	return strings.Join(names, "|")
}

// addressMask selects bits 12 to 51 of an entry.
const addressMask = 0x000f_ffff_ffff_f000

// PTE is a single page table entry. The zero value is unused.
type PTE uint64

// IsUnused returns true if the entry is entirely clear.
func (p *PTE) IsUnused() bool {
	return *p == 0
}

// Clear marks the entry unused.
func (p *PTE) Clear() {
	*p = 0
}

// Flags returns the attribute bits of the entry.
func (p *PTE) Flags() Flags {
	return Flags(*p) & allFlags
}

// Address returns the physical address the entry points to.
func (p *PTE) Address() hostarch.PhysAddr {
	return hostarch.NewPhysAddr(uint64(*p) & addressMask)
}

// Set points the entry at addr with the given flags. addr must be page
// aligned and representable in the address field.
func (p *PTE) Set(addr hostarch.PhysAddr, flags Flags) {
	if uint64(addr)&^addressMask != 0 {
		panic(fmt.Sprintf("address %v cannot be stored in a page table entry", addr))
	}
	*p = PTE(uint64(addr) | uint64(flags))
}

// SetFrame points the entry at f.
func SetFrame[F frame.PhysUnit](p *PTE, f F, flags Flags) {
	p.Set(f.StartAddress(), flags)
}

// FrameOf returns the unit p points to. It returns false unless p is
// present.
func FrameOf[F frame.PhysUnit](p *PTE) (F, bool) {
	if !p.Flags().Contains(Present) {
		return 0, false
	}
	return frame.FromAddress[F](p.Address()), true
}

func (p PTE) String() string {
	if p.IsUnused() {
		return "unused"
	}
	return fmt.Sprintf("%v %v", p.Address(), p.Flags())
}

// PTEs is one page table.
type PTEs [frame.EntriesPerTable]PTE

// Clear marks every entry unused.
func (t *PTEs) Clear() {
	clear(t[:])
}
