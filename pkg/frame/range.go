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
)

// Range is an inclusive, index-ascending sequence of units. It can be
// rewound or advanced with SkipTo.
type Range[U ~uint64] struct {
	next uint64
	end  uint64
}

// NewRange returns the units from start to end, both included. It panics if
// end precedes start.
func NewRange[U ~uint64](start, end U) Range[U] {
	if start > end {
		panic(fmt.Sprintf("invalid range: %#x > %#x", uint64(start), uint64(end)))
	}
	return RangeUnchecked(start, end)
}

// RangeUnchecked is NewRange without the ordering check. A range whose end
// precedes its start is empty.
func RangeUnchecked[U ~uint64](start, end U) Range[U] {
	return Range[U]{next: uint64(start), end: uint64(end)}
}

// Next returns the next unit, or false when the range is exhausted.
func (r *Range[U]) Next() (U, bool) {
	if r.next > r.end {
		return 0, false
	}
	r.next++
	return U(r.next - 1), true
}

// SkipTo makes u the next unit returned.
func (r *Range[U]) SkipTo(u U) {
	r.next = uint64(u)
}

// PreviousNext returns the unit before the next one, which is the last unit
// returned if the range has not been rewound.
func (r Range[U]) PreviousNext() U {
	return U(r.next - 1)
}

// End returns the last unit of the range.
func (r Range[U]) End() U {
	return U(r.end)
}

// Remaining returns the number of units left.
func (r Range[U]) Remaining() uint64 {
	if r.next > r.end {
		return 0
	}
	return r.end - r.next + 1
}

// All returns the remaining units. It does not consume r.
func (r Range[U]) All() []U {
	var us []U
	for u, ok := r.Next(); ok; u, ok = r.Next() {
		us = append(us, u)
	}
	return us
}
