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

// Package hostarch describes the address space of the x86-64 machine: unit
// sizes, physical and virtual addresses, and physical memory areas.
package hostarch

import (
	"fmt"

	"github.com/kcore-os/kcore/pkg/bits"
	"golang.org/x/exp/constraints"
)

const (
	// PageShift is the binary log of the page size.
	PageShift = 12

	// PageSize is the size of a regular page or frame.
	PageSize = 1 << PageShift

	// HugePageShift is the binary log of the huge page size.
	HugePageShift = 21

	// HugePageSize is the size of a huge page or frame.
	HugePageSize = 1 << HugePageShift

	// KernelBase is the start of the higher half. The kernel image is
	// linked here and every physical address must lie below it.
	KernelBase = 0xffff_ff00_0000_0000
)

// AlignDown rounds n down to a multiple of m. m must be a power of two.
func AlignDown[T constraints.Unsigned](n, m T) T {
	if !bits.IsPowerOfTwo64(uint64(m)) {
		panic(fmt.Sprintf("alignment %#x is not a power of two", uint64(m)))
	}
	return n &^ (m - 1)
}

// AlignUp rounds n up to a multiple of m. m must be a power of two.
func AlignUp[T constraints.Unsigned](n, m T) T {
	return AlignDown(n+m-1, m)
}

// Percentage returns n as a rounded percentage of d, or zero if d is zero.
func Percentage(n, d uint64) uint64 {
	if d == 0 {
		return 0
	}
	return (100*n + d/2) / d
}
