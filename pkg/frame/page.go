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

package frame

import (
	"fmt"

	"github.com/kcore-os/kcore/pkg/hostarch"
)

const (
	// EntriesPerTable is the number of entries in one page table.
	EntriesPerTable = 512

	indexMask = 0o777
)

// Page is a 4 KiB unit of virtual memory.
type Page uint64

// PageOf returns the page containing v.
func PageOf(v hostarch.VirtAddr) Page {
	return Page(uint64(v) / hostarch.PageSize)
}

// StartAddress returns the first byte of p.
func (p Page) StartAddress() hostarch.VirtAddr {
	return hostarch.VirtAddr(uint64(p) * hostarch.PageSize)
}

// EndAddress returns the last byte of p.
func (p Page) EndAddress() hostarch.VirtAddr {
	return p.StartAddress() + hostarch.PageSize - 1
}

// Table4 returns the index of p in the level 4 table.
func (p Page) Table4() int { return int(uint64(p)>>27) & indexMask }

// Table3 returns the index of p in its level 3 table.
func (p Page) Table3() int { return int(uint64(p)>>18) & indexMask }

// Table2 returns the index of p in its level 2 table.
func (p Page) Table2() int { return int(uint64(p)>>9) & indexMask }

// Table1 returns the index of p in its level 1 table.
func (p Page) Table1() int { return int(uint64(p)) & indexMask }

// String implements fmt.Stringer.
func (p Page) String() string {
	return fmt.Sprintf("Page(%v)", p.StartAddress())
}

// HugePage is a 2 MiB unit of virtual memory.
type HugePage uint64

// HugePageOf returns the huge page containing v.
func HugePageOf(v hostarch.VirtAddr) HugePage {
	return HugePage(uint64(v) / hostarch.HugePageSize)
}

// StartAddress returns the first byte of p.
func (p HugePage) StartAddress() hostarch.VirtAddr {
	return hostarch.VirtAddr(uint64(p) * hostarch.HugePageSize)
}

// EndAddress returns the last byte of p.
func (p HugePage) EndAddress() hostarch.VirtAddr {
	return p.StartAddress() + hostarch.HugePageSize - 1
}

// Table4 returns the index of p in the level 4 table.
func (p HugePage) Table4() int { return int(uint64(p)>>18) & indexMask }

// Table3 returns the index of p in its level 3 table.
func (p HugePage) Table3() int { return int(uint64(p)>>9) & indexMask }

// Table2 returns the index of p in its level 2 table.
func (p HugePage) Table2() int { return int(uint64(p)) & indexMask }

// String implements fmt.Stringer.
func (p HugePage) String() string {
	return fmt.Sprintf("HugePage(%v)", p.StartAddress())
}
