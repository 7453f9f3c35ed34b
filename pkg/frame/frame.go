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

// Package frame defines the fixed-size units of physical and virtual memory
// and the primitive allocators built from them.
//
// A Frame or HugeFrame names physical memory by index. A Page or HugePage
// names virtual memory the same way. Conversions to and from addresses
// truncate to the unit's granularity.
package frame

import (
	"fmt"

	"github.com/kcore-os/kcore/pkg/hostarch"
)

// PhysUnit is a Frame or HugeFrame.
type PhysUnit interface {
	~uint64
	Size() uint64
	StartAddress() hostarch.PhysAddr
	EndAddress() hostarch.PhysAddr
}

// FromAddress returns the unit of type F containing a.
func FromAddress[F PhysUnit](a hostarch.PhysAddr) F {
	var f F
	return F(uint64(a) / f.Size())
}

// Frame is a 4 KiB unit of physical memory.
type Frame uint64

// Size returns the size of a frame in bytes.
func (Frame) Size() uint64 { return hostarch.PageSize }

// FrameOf returns the frame containing a.
func FrameOf(a hostarch.PhysAddr) Frame {
	return FromAddress[Frame](a)
}

// StartAddress returns the first byte of f.
func (f Frame) StartAddress() hostarch.PhysAddr {
	return hostarch.NewPhysAddr(uint64(f) * hostarch.PageSize)
}

// EndAddress returns the last byte of f.
func (f Frame) EndAddress() hostarch.PhysAddr {
	return f.StartAddress() + hostarch.PageSize - 1
}

// ToMemoryArea returns the area spanning f up to its last byte.
func (f Frame) ToMemoryArea() hostarch.MemoryArea {
	return hostarch.MemoryArea{Start: f.StartAddress(), Size: hostarch.PageSize - 1}
}

// String implements fmt.Stringer.
func (f Frame) String() string {
	return fmt.Sprintf("Frame(%#x)", uint64(f.StartAddress()))
}

// HugeFrame is a 2 MiB unit of physical memory.
type HugeFrame uint64

// Size returns the size of a huge frame in bytes.
func (HugeFrame) Size() uint64 { return hostarch.HugePageSize }

// HugeFrameOf returns the huge frame containing a.
func HugeFrameOf(a hostarch.PhysAddr) HugeFrame {
	return FromAddress[HugeFrame](a)
}

// StartAddress returns the first byte of f.
func (f HugeFrame) StartAddress() hostarch.PhysAddr {
	return hostarch.NewPhysAddr(uint64(f) * hostarch.HugePageSize)
}

// EndAddress returns the last byte of f.
func (f HugeFrame) EndAddress() hostarch.PhysAddr {
	return f.StartAddress() + hostarch.HugePageSize - 1
}

// ToMemoryArea returns the area spanning f up to its last byte.
func (f HugeFrame) ToMemoryArea() hostarch.MemoryArea {
	return hostarch.MemoryArea{Start: f.StartAddress(), Size: hostarch.HugePageSize - 1}
}

// Frames returns the regular frames that make up f.
func (f HugeFrame) Frames() Range[Frame] {
	return NewRange(FrameOf(f.StartAddress()), FrameOf(f.EndAddress()))
}

// String implements fmt.Stringer.
func (f HugeFrame) String() string {
	return fmt.Sprintf("HugeFrame(%#x)", uint64(f.StartAddress()))
}
