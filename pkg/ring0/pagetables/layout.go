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
	"github.com/kcore-os/kcore/pkg/hostarch"
)

// Reserved kernel virtual ranges. All of them live in level 4 slots 480 to
// 509, which every address space shares with the base table.
const (
	// TemporaryPageAddr maps an arbitrary frame for zeroing or copying.
	TemporaryPageAddr hostarch.VirtAddr = 0xffff_f000_0000_1000

	// ActiveTableTemporaryPageAddr is reserved for aliasing the active
	// table. Inactive tables are edited through the direct map, so it is
	// never mapped.
	ActiveTableTemporaryPageAddr = TemporaryPageAddr + 0x1000

	// CloneShallowTemporaryPageAddr maps the source table of a shallow
	// clone.
	CloneShallowTemporaryPageAddr = ActiveTableTemporaryPageAddr + 0x1000

	// HugeTemporaryPageAddr maps one huge frame, used to copy boot modules.
	HugeTemporaryPageAddr hostarch.VirtAddr = 0xffff_f000_1000_0000

	// HeapSize is the size of the heap range less one.
	HeapSize = 0x0100_0000_0000 - 1

	// HeapBottom is the first heap address.
	HeapBottom hostarch.VirtAddr = 0xffff_f100_0000_0000

	// HeapTop is the last heap address.
	HeapTop = HeapBottom + HeapSize

	// FrameStoreSize is the size of each frame store range less one.
	FrameStoreSize = 0x0080_0000_0000 - 1

	// FrameStoreBottom is the first address of the regular frame store.
	FrameStoreBottom = HeapTop + 1

	// FrameStoreTop is the last address of the regular frame store.
	FrameStoreTop = FrameStoreBottom + FrameStoreSize

	// HugeFrameStoreBottom is the first address of the huge frame store.
	HugeFrameStoreBottom = FrameStoreTop + 1

	// HugeFrameStoreTop is the last address of the huge frame store.
	HugeFrameStoreTop = HugeFrameStoreBottom + FrameStoreSize

	// TaskSwitchStackSize is the size of the context switch stack less one.
	TaskSwitchStackSize = hostarch.PageSize - 1

	// TaskSwitchStackBottom is the lowest context switch stack address.
	TaskSwitchStackBottom = HugeFrameStoreTop + 1

	// TaskSwitchStackTop is the highest context switch stack address.
	TaskSwitchStackTop = TaskSwitchStackBottom + TaskSwitchStackSize
)

// Kernel level 4 slots prepared at boot so shallow clones share them.
const (
	FirstSharedSlot = 480
	LastSharedSlot  = 509
)

// InHeap returns true if v is in the heap range.
func InHeap(v hostarch.VirtAddr) bool {
	return v >= HeapBottom && v <= HeapTop
}
