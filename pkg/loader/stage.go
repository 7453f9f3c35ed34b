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
	"encoding/binary"
	"fmt"

	"github.com/kcore-os/kcore/pkg/frame"
	"github.com/kcore-os/kcore/pkg/hostarch"
	"github.com/kcore-os/kcore/pkg/ring0/pagetables"
)

// stager writes into an inactive table through the temporary page.
type stager struct {
	env     Env
	staging *pagetables.TemporaryPage
}

func newStager(env Env) *stager {
	page := frame.PageOf(pagetables.TemporaryPageAddr)
	return &stager{
		env:     env,
		staging: pagetables.NewTemporaryPage(page, frame.NewTinyAllocator(env.Alloc)),
	}
}

// release returns the staging pool.
func (s *stager) release() {
	s.staging.Unwrap().Dispose(s.env.Alloc)
}

// allocateRegion backs the pages first..last of table with zeroed frames.
func (s *stager) allocateRegion(table *pagetables.InactivePageTable, first, last frame.Page, flags pagetables.Flags) {
	for p := first; p <= last; p++ {
		f := frame.MustAllocate(s.env.Alloc, "region allocation")
		s.staging.MapTableFrame(f, s.env.Active).Clear()
		s.staging.Discard(s.env.Active)
		s.env.Active.With(table, s.env.Alloc, func(m *pagetables.Mapper, alloc frame.FrameAllocator) {
			m.MapTo(p, f, flags, alloc)
		})
	}
}

// translate returns the frame backing v in table.
func (s *stager) translate(table *pagetables.InactivePageTable, v hostarch.VirtAddr) frame.Frame {
	var (
		pa hostarch.PhysAddr
		ok bool
	)
	s.env.Active.With(table, s.env.Alloc, func(m *pagetables.Mapper, _ frame.FrameAllocator) {
		pa, ok = m.Translate(v)
	})
	if !ok {
		panic(fmt.Sprintf("data destination %v not mapped", v))
	}
	return frame.FrameOf(pa)
}

// write copies data to dst in table one page at a time.
func (s *stager) write(table *pagetables.InactivePageTable, dst hostarch.VirtAddr, data []byte) {
	for len(data) > 0 {
		base := s.staging.Map(s.translate(table, dst), s.env.Active)
		off := dst.PageOffset()
		n := min(uint64(len(data)), hostarch.PageSize-off)
		storeBytes(s.env.Active.MMU(), base.Offset(off), data[:n])
		s.staging.Discard(s.env.Active)
		data = data[n:]
		dst = dst.Offset(n)
	}
}

// storeBytes writes b at v with word accesses, merging partial words.
func storeBytes(mmu pagetables.MMU, v hostarch.VirtAddr, b []byte) {
	var buf [8]byte
	for len(b) > 0 {
		word := hostarch.AlignDown(v, 8)
		off := uint64(v - word)
		n := copy(buf[off:], b)
		if off != 0 || n != len(buf) {
			old := mmu.Load64(word)
			var merged [8]byte
			binary.LittleEndian.PutUint64(merged[:], old)
			copy(merged[off:], buf[off:off+uint64(n)])
			buf = merged
		}
		mmu.Store64(word, binary.LittleEndian.Uint64(buf[:]))
		b = b[n:]
		v = word + 8
	}
}
