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
	"encoding/binary"
)

// Program assembles instructions the stepper understands.
type Program []byte

func (p Program) imm32(v int32) Program {
	return binary.LittleEndian.AppendUint32(p, uint32(v))
}

// Nop appends nop.
func (p Program) Nop() Program { return append(p, opNop) }

// MovRax appends mov rax, imm32.
func (p Program) MovRax(v int32) Program {
	return append(p, opREXW, opMovImm, 0xc0).imm32(v)
}

// MovR15 appends mov r15, imm32.
func (p Program) MovR15(v int32) Program {
	return append(p, opREXWB, opMovImm, 0xc7).imm32(v)
}

// IncRax appends inc rax.
func (p Program) IncRax() Program { return append(p, opREXW, opIncDec, 0xc0) }

// Int appends int v.
func (p Program) Int(v Vector) Program { return append(p, opInt, uint8(v)) }

// Jmp appends a short jump to offset target of the program.
func (p Program) Jmp(target int) Program {
	rel := target - (len(p) + 2)
	if rel < -128 || rel > 127 {
		panic("jump target out of range")
	}
	return append(p, opJmp8, uint8(int8(rel)))
}

// Hlt appends hlt.
func (p Program) Hlt() Program { return append(p, opHlt) }

// UD2 appends ud2.
func (p Program) UD2() Program { return append(p, 0x0f, 0x0b) }
