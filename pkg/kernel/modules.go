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

package kernel

import (
	"fmt"

	"github.com/kcore-os/kcore/pkg/frame"
	"github.com/kcore-os/kcore/pkg/hostarch"
	"github.com/kcore-os/kcore/pkg/loader"
	"github.com/kcore-os/kcore/pkg/log"
	"github.com/kcore-os/kcore/pkg/pmm"
	"github.com/kcore-os/kcore/pkg/ring0/pagetables"
	"github.com/kcore-os/kcore/pkg/sched"
)

// readModules copies every boot module into the heap. After remapping,
// module memory is only reachable through the huge temporary page, and
// after conversion its frames may be handed out.
func (k *Kernel) readModules() (Status, error) {
	for i, mod := range k.info.Modules {
		addr, err := k.readModule(mod)
		if err != nil {
			return StatusFail, fmt.Errorf("module %q: %w", mod.Name, err)
		}
		k.modules = append(k.modules, bootModule{
			name:  mod.Name,
			addr:  addr,
			size:  mod.Size,
			entry: k.machine.Modules[i].Entry,
		})
		log.Infof("Read module %q (%d bytes) to %v", mod.Name, mod.Size, addr)
	}
	return StatusOk, nil
}

// readModule copies mod into a new heap allocation, one huge frame at a
// time.
func (k *Kernel) readModule(mod pmm.Module) (hostarch.VirtAddr, error) {
	addr, err := k.heap.Alloc(mod.Size, hostarch.PageSize)
	if err != nil {
		return 0, err
	}
	area := mod.Area()
	hugeFrames := frame.NewRange(frame.HugeFrameOf(area.Start), frame.HugeFrameOf(area.End()-1))
	for f, ok := hugeFrames.Next(); ok; f, ok = hugeFrames.Next() {
		whole := hostarch.MemoryArea{Start: f.StartAddress(), Size: hostarch.HugePageSize}
		chunk, _ := whole.Overlap(area)
		buf := make([]byte, chunk.Size)
		k.withHugeTemporaryPage(f, func(v hostarch.VirtAddr) {
			k.cpu.ReadBytes(v.Offset(uint64(chunk.Start-f.StartAddress())), buf)
		})
		// The heap may fault, so it is written with no lock held.
		k.cpu.WriteBytes(addr.Offset(uint64(chunk.Start-area.Start)), buf)
	}
	return addr, nil
}

// withHugeTemporaryPage maps f read-only at the huge temporary page for
// the duration of fn.
func (k *Kernel) withHugeTemporaryPage(f frame.HugeFrame, fn func(v hostarch.VirtAddr)) {
	alloc := k.frames.Lock()
	defer k.frames.Unlock()
	active := k.active.Lock()
	defer k.active.Unlock()

	page := frame.HugePageOf(pagetables.HugeTemporaryPageAddr)
	active.MapHugeTo(page, f, pagetables.NoExecute, alloc)
	defer active.DiscardHuge(page, alloc)
	fn(page.StartAddress())
}

// spawnModules starts a thread for every boot module.
func (k *Kernel) spawnModules() (Status, error) {
	if len(k.modules) == 0 {
		log.Warningf("No boot modules: there is nothing to run")
		return StatusWarn, nil
	}
	for _, m := range k.modules {
		image := k.heap.Load(m.addr, m.size)
		if _, err := k.Spawn(m.name, image, m.entry); err != nil {
			return StatusFail, err
		}
	}
	return StatusOk, nil
}

// Spawn loads image into a new address space and queues a thread that
// starts at offset entry of the image. It must not run concurrently with
// Tick.
func (k *Kernel) Spawn(name string, image []byte, entry uint64) (*sched.Thread, error) {
	t, err := k.load(name, image, entry)
	if err != nil {
		return nil, err
	}

	rq := k.threads.Lock()
	t.ID = rq.nextID
	rq.nextID++
	rq.sched.ScheduleNew(t)
	k.threads.Unlock()

	log.Infof("Spawned %v: table %v, stack pointer %v, kernel stack %v", t, t.Table.Root(), t.StackPointer, t.KernelStack)
	return t, nil
}

func (k *Kernel) load(name string, image []byte, entry uint64) (*sched.Thread, error) {
	alloc := k.frames.Lock()
	defer k.frames.Unlock()
	active := k.active.Lock()
	defer k.active.Unlock()

	table := k.base.CloneShallow(active, alloc)
	t, err := loader.LoadFlatBinary(name, image, table, loader.Base.Offset(entry), loader.Env{
		Active:   active,
		Alloc:    alloc,
		UserCode: k.userCode,
		UserData: k.userData,
	})
	if err != nil {
		alloc.Deallocate(table.Root())
		return nil, err
	}
	return t, nil
}
