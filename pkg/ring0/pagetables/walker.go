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
	"github.com/kcore-os/kcore/pkg/frame"
	"github.com/kcore-os/kcore/pkg/hostarch"
)

// Translation is the result of a page walk.
type Translation struct {
	// Addr is the physical address of the walked virtual address.
	Addr hostarch.PhysAddr

	// Flags are the effective permissions: Writable and User only if set
	// at every level, NoExecute if set at any level. Huge is set for huge
	// mappings.
	Flags Flags
}

// Walk translates v through the tables rooted at root the way the
// processor's page walker does. It stops at a huge level 2 entry and fails
// if any level is absent.
func Walk(tables Tables, root frame.Frame, v hostarch.VirtAddr) (Translation, bool) {
	p := frame.PageOf(v)
	t4 := Root(tables, root)
	eff := Writable | User
	accumulate := func(e *PTE) {
		f := e.Flags()
		eff &= f | ^(Writable | User)
		eff |= f & NoExecute
	}

	accumulate(t4.Entry(p.Table4()))
	t3, ok := t4.Next(p.Table4())
	if !ok {
		return Translation{}, false
	}
	accumulate(t3.Entry(p.Table3()))
	t2, ok := t3.Next(p.Table3())
	if !ok {
		return Translation{}, false
	}

	e2 := t2.Entry(p.Table2())
	if e2.Flags().Contains(Present | Huge) {
		accumulate(e2)
		huge, _ := FrameOf[frame.HugeFrame](e2)
		addr := huge.StartAddress() + hostarch.PhysAddr(uint64(v)%hostarch.HugePageSize)
		return Translation{Addr: addr, Flags: eff | Present | Huge}, true
	}
	accumulate(e2)
	t1, ok := t2.Next(p.Table2())
	if !ok {
		return Translation{}, false
	}
	e1 := t1.Entry(p.Table1())
	f, ok := FrameOf[frame.Frame](e1)
	if !ok {
		return Translation{}, false
	}
	accumulate(e1)
	addr := f.StartAddress() + hostarch.PhysAddr(v.PageOffset())
	return Translation{Addr: addr, Flags: eff | Present}, true
}
