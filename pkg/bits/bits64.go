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

// Package bits includes bit-manipulation helpers used by the paging and
// allocator code.
package bits

import (
	"math/bits"
)

// IsOn64 returns true if *all* bits set in 'bits' are set in 'mask'.
func IsOn64(mask, bits uint64) bool {
	return mask&bits == bits
}

// IsAnyOn64 returns true if *any* bit set in 'bits' is set in 'mask'.
func IsAnyOn64(mask, bits uint64) bool {
	return mask&bits != 0
}

// Mask64 returns a uint64 with all of the given bits set.
func Mask64(is ...int) uint64 {
	ret := uint64(0)
	for _, i := range is {
		ret |= MaskOf64(i)
	}
	return ret
}

// MaskOf64 is like Mask64, but sets only a single bit (more efficiently).
func MaskOf64(i int) uint64 {
	return uint64(1) << uint64(i)
}

// IsPowerOfTwo64 returns true if v is a power of two. Zero is not.
func IsPowerOfTwo64(v uint64) bool {
	return v != 0 && v&(v-1) == 0
}

// TrailingZeros64 returns the number of bits before the least significant 1
// bit in x; if x is 0, it returns 64.
func TrailingZeros64(x uint64) int {
	return bits.TrailingZeros64(x)
}

// Field64 extracts width bits of v starting at shift.
func Field64(v uint64, shift, width uint) uint64 {
	return (v >> shift) & (MaskOf64(int(width)) - 1)
}
