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

// Allocator hands out units of type F.
//
// An index handed out by Allocate is not handed out again until it has been
// passed back to Deallocate. Allocators that cannot take units back panic in
// Deallocate.
type Allocator[F any] interface {
	// Allocate returns a free unit, or false if none is left.
	Allocate() (F, bool)

	// Deallocate returns f to the allocator.
	Deallocate(f F)

	// FreeFramesCount returns the number of units that can still be
	// allocated.
	FreeFramesCount() uint64

	// UsedFramesCount returns the number of units in use.
	UsedFramesCount() uint64
}

// FrameAllocator allocates regular frames. Every operation that may create a
// page table takes one.
type FrameAllocator = Allocator[Frame]

// MustAllocate allocates from a, panicking with "out of memory: what" if a is
// exhausted.
func MustAllocate[F any](a Allocator[F], what string) F {
	f, ok := a.Allocate()
	if !ok {
		panic("out of memory: " + what)
	}
	return f
}
