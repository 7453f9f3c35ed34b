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
	"github.com/kcore-os/kcore/pkg/hostarch"
)

// DividerFrames is the number of frames in one huge frame.
const DividerFrames = hostarch.HugePageSize / hostarch.PageSize

// Divider hands out the frames of a single huge frame in ascending order. It
// cannot take frames back.
type Divider struct {
	frames    Range[Frame]
	allocated uint64
}

// NewDivider returns a Divider over huge.
func NewDivider(huge HugeFrame) *Divider {
	return &Divider{frames: huge.Frames()}
}

// Allocate implements Allocator.Allocate.
func (d *Divider) Allocate() (Frame, bool) {
	f, ok := d.frames.Next()
	if ok {
		d.allocated++
	}
	return f, ok
}

// Deallocate implements Allocator.Deallocate.
func (d *Divider) Deallocate(f Frame) {
	panic("frame divider does not support deallocation of frames")
}

// FreeFramesCount implements Allocator.FreeFramesCount.
func (d *Divider) FreeFramesCount() uint64 {
	return DividerFrames - d.allocated
}

// UsedFramesCount implements Allocator.UsedFramesCount.
func (d *Divider) UsedFramesCount() uint64 {
	return d.allocated
}
