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
	"io"

	"github.com/kcore-os/kcore/pkg/frame"
	"github.com/kcore-os/kcore/pkg/hostarch"
	"github.com/kcore-os/kcore/pkg/ring0/pagetables"
)

// patternWords is the number of words written to each tested frame.
const patternWords = hostarch.PageSize/8 - 1

// progressLine is the number of frames per progress line.
const progressLine = 64

// lcg is the linear congruential generator of the memory test pattern.
type lcg struct {
	next uint64
}

func (g *lcg) Next() uint64 {
	g.next = g.next*1103515245 + 12345
	return g.next / 65536
}

// wordMemory is virtual memory accessed a word at a time.
type wordMemory interface {
	Load64(v hostarch.VirtAddr) uint64
	Store64(v hostarch.VirtAddr, val uint64)
}

// checkPage fills the page at v with a pattern seeded by v and reads it
// back. It returns false if any word differs.
func checkPage(mem wordMemory, v hostarch.VirtAddr) bool {
	g := lcg{next: uint64(v)}
	for i := uint64(0); i < patternWords; i++ {
		mem.Store64(v.Offset(8*i), g.Next())
	}
	g = lcg{next: uint64(v)}
	for i := uint64(0); i < patternWords; i++ {
		if mem.Load64(v.Offset(8*i)) != g.Next() {
			return false
		}
	}
	return true
}

// MemtestResult is the outcome of a memory test.
type MemtestResult struct {
	// Projected is the free frame count before the test.
	Projected uint64

	// Checked is the number of frames allocated and tested.
	Checked uint64

	// Errors is the number of frames that did not hold the pattern.
	Errors uint64

	// After is the free frame count after the test.
	After uint64
}

// ErrorPercentage returns the share of erroneous frames.
func (r MemtestResult) ErrorPercentage() uint64 {
	return hostarch.Percentage(r.Errors, r.Checked)
}

func (r MemtestResult) String() string {
	return fmt.Sprintf("Projected free frames count: %d\nActual checked frames: %d\nErroneous frames: %d (%d%%)",
		r.Projected, r.Checked, r.Errors, r.ErrorPercentage())
}

// Memtest allocates every free frame, checks that each one holds a written
// pattern and frees them all again. Progress is written to w: a dot per
// good frame, an x per bad one.
//
// The frame stores grow to hold the returned frames the first time, so
// only later runs leave the free count unchanged.
func (k *Kernel) Memtest(w io.Writer) MemtestResult {
	if w == nil {
		w = io.Discard
	}
	alloc := k.frames.Lock()
	defer k.frames.Unlock()
	active := k.active.Lock()
	defer k.active.Unlock()

	r := MemtestResult{Projected: alloc.FreeFramesCount()}
	tp := pagetables.NewTemporaryPage(frame.PageOf(pagetables.TemporaryPageAddr), frame.NewTinyAllocator(alloc))
	frames := make([]frame.Frame, 0, r.Projected)
	for f, ok := alloc.Allocate(); ok; f, ok = alloc.Allocate() {
		v := tp.Map(f, active)
		if checkPage(k.cpu, v) {
			fmt.Fprint(w, ".")
		} else {
			r.Errors++
			fmt.Fprint(w, "x")
		}
		tp.Discard(active)

		frames = append(frames, f)
		if len(frames)%progressLine == 0 {
			fmt.Fprintf(w, " %d frames\n", len(frames))
		}
	}
	r.Checked = uint64(len(frames))

	for _, f := range frames {
		alloc.Deallocate(f)
	}
	tp.Unwrap().Dispose(alloc)
	r.After = alloc.FreeFramesCount()
	fmt.Fprintf(w, "\n%v\n", r)
	return r
}

// MemoryStats summarizes frame usage.
type MemoryStats struct {
	FreeFrames     uint64
	UsedFrames     uint64
	FreeHugeFrames uint64
	UsedHugeFrames uint64
}

// TotalFrames returns the number of frames the allocator manages.
func (s MemoryStats) TotalFrames() uint64 {
	return s.FreeFrames + s.UsedFrames
}

// megabytes converts a frame count.
func megabytes(frames uint64) uint64 {
	return frames / (1 << 20 / hostarch.PageSize)
}

func (s MemoryStats) String() string {
	return fmt.Sprintf("%d megabytes total memory (%d frames)\n%d megabytes of free memory (%d frames)\n%d megabytes of used memory (%d frames)",
		megabytes(s.TotalFrames()), s.TotalFrames(),
		megabytes(s.FreeFrames), s.FreeFrames,
		megabytes(s.UsedFrames), s.UsedFrames)
}

// Available returns the allocator's frame counts.
func (k *Kernel) Available() MemoryStats {
	alloc := k.frames.Lock()
	defer k.frames.Unlock()
	return MemoryStats{
		FreeFrames:     alloc.FreeFramesCount(),
		UsedFrames:     alloc.UsedFramesCount(),
		FreeHugeFrames: alloc.FreeHugeFramesCount(),
		UsedHugeFrames: alloc.UsedHugeFramesCount(),
	}
}
