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

package ring0

import (
	"fmt"
	"strings"

	"github.com/kcore-os/kcore/pkg/hostarch"
)

// TrapFrameWords is the number of words in a saved trap frame: fifteen
// general purpose registers followed by the five word interrupt return
// frame.
const TrapFrameWords = 20

// TrapFrameSize is the size of a trap frame in bytes.
const TrapFrameSize = TrapFrameWords * 8

// Registers is the architectural register file. Its field order is the
// layout of a saved trap frame, lowest address first: registers are popped
// R15 first and the interrupt return frame (Rip, Cs, Rflags, Rsp, Ss) sits
// above them.
type Registers struct {
	R15    uint64
	R14    uint64
	R13    uint64
	R12    uint64
	R11    uint64
	R10    uint64
	R9     uint64
	R8     uint64
	Rbp    uint64
	Rdi    uint64
	Rsi    uint64
	Rdx    uint64
	Rcx    uint64
	Rbx    uint64
	Rax    uint64
	Rip    uint64
	Cs     uint64
	Rflags uint64
	Rsp    uint64
	Ss     uint64
}

// Words returns r in trap frame order.
func (r *Registers) Words() [TrapFrameWords]uint64 {
	return [TrapFrameWords]uint64{
		r.R15, r.R14, r.R13, r.R12, r.R11, r.R10, r.R9, r.R8,
		r.Rbp, r.Rdi, r.Rsi, r.Rdx, r.Rcx, r.Rbx, r.Rax,
		r.Rip, r.Cs, r.Rflags, r.Rsp, r.Ss,
	}
}

// SetWords loads r from a trap frame.
func (r *Registers) SetWords(w [TrapFrameWords]uint64) {
	*r = Registers{
		R15: w[0], R14: w[1], R13: w[2], R12: w[3],
		R11: w[4], R10: w[5], R9: w[6], R8: w[7],
		Rbp: w[8], Rdi: w[9], Rsi: w[10], Rdx: w[11],
		Rcx: w[12], Rbx: w[13], Rax: w[14],
		Rip: w[15], Cs: w[16], Rflags: w[17], Rsp: w[18], Ss: w[19],
	}
}

// InterruptFrame returns a trap frame whose general purpose registers are
// zero, as synthesized for a thread that has never run.
func InterruptFrame(rip hostarch.VirtAddr, cs Selector, rflags uint64, rsp hostarch.VirtAddr, ss Selector) Registers {
	return Registers{
		Rip:    uint64(rip),
		Cs:     uint64(cs),
		Rflags: rflags,
		Rsp:    uint64(rsp),
		Ss:     uint64(ss),
	}
}

func (r *Registers) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "rip=%#016x cs=%#x rflags=%#x rsp=%#016x ss=%#x\n", r.Rip, r.Cs, r.Rflags, r.Rsp, r.Ss)
	fmt.Fprintf(&b, "rax=%#016x rbx=%#016x rcx=%#016x rdx=%#016x\n", r.Rax, r.Rbx, r.Rcx, r.Rdx)
	fmt.Fprintf(&b, "rsi=%#016x rdi=%#016x rbp=%#016x r8=%#016x\n", r.Rsi, r.Rdi, r.Rbp, r.R8)
	fmt.Fprintf(&b, "r9=%#016x r10=%#016x r11=%#016x r12=%#016x\n", r.R9, r.R10, r.R11, r.R12)
	fmt.Fprintf(&b, "r13=%#016x r14=%#016x r15=%#016x", r.R13, r.R14, r.R15)
	return b.String()
}
