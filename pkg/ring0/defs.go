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

// Package ring0 simulates the privileged half of a single x86-64 core: the
// register file, control registers, the TLB and page walker, segmentation
// and interrupt tables, the interrupt controller and timer, and a user-mode
// instruction stepper.
//
// Kernel code runs as ordinary Go and reaches memory through the CPU, so
// every access is translated by the installed page tables and may raise a
// page fault that is delivered to the registered handler.
package ring0

import (
	"fmt"
)

// Vector is an exception or interrupt vector.
type Vector uint8

// Exception vectors.
const (
	DivideByZero Vector = iota
	Debug
	NMI
	Breakpoint
	Overflow
	BoundRangeExceeded
	InvalidOpcode
	DeviceNotAvailable
	DoubleFault
	CoprocessorSegmentOverrun
	InvalidTSS
	SegmentNotPresent
	StackSegmentFault
	GeneralProtectionFault
	PageFault
	_
	X87FloatingPointException
	AlignmentCheck
	MachineCheck
	SIMDFloatingPointException
	VirtualizationException
	SecurityException Vector = 0x1e
)

// Hardware interrupt vectors after the PIC has been remapped.
const (
	PICOneVectorBase Vector = 32
	PICTwoVectorBase Vector = 40

	TimerVector    = PICOneVectorBase + TimerIRQ
	KeyboardVector = PICOneVectorBase + KeyboardIRQ

	// SyscallVector is reachable from ring 3 and leaves interrupts
	// enabled, so a long system call can be preempted.
	SyscallVector Vector = 0xaa
)

// IRQ lines.
const (
	TimerIRQ    = 0
	KeyboardIRQ = 1
)

// Interrupt stack table slots used by the fault handlers.
const (
	DoubleFaultIST = 0
	PageFaultIST   = 2
	GPFaultIST     = 3
)

var vectorNames = map[Vector]string{
	DivideByZero:               "divide by zero",
	Debug:                      "debug",
	NMI:                        "non-maskable interrupt",
	Breakpoint:                 "breakpoint",
	Overflow:                   "overflow",
	BoundRangeExceeded:         "bound range exceeded",
	InvalidOpcode:              "invalid opcode",
	DeviceNotAvailable:         "device not available",
	DoubleFault:                "double fault",
	CoprocessorSegmentOverrun:  "coprocessor segment overrun",
	InvalidTSS:                 "invalid TSS",
	SegmentNotPresent:          "segment not present",
	StackSegmentFault:          "stack segment fault",
	GeneralProtectionFault:     "general protection fault",
	PageFault:                  "page fault",
	X87FloatingPointException:  "x87 floating point exception",
	AlignmentCheck:             "alignment check",
	MachineCheck:               "machine check",
	SIMDFloatingPointException: "SIMD floating point exception",
	VirtualizationException:    "virtualization exception",
	SecurityException:          "security exception",
	TimerVector:                "timer",
	KeyboardVector:             "keyboard",
	SyscallVector:              "system call",
}

func (v Vector) String() string {
	if name, ok := vectorNames[v]; ok {
		return name
	}
	return fmt.Sprintf("vector %#x", uint8(v))
}

// hasErrorCode returns true for the exceptions that push an error code.
func (v Vector) hasErrorCode() bool {
	switch v {
	case DoubleFault, InvalidTSS, SegmentNotPresent, StackSegmentFault, GeneralProtectionFault, PageFault, AlignmentCheck, SecurityException:
		return true
	}
	return false
}

// RFLAGS bits.
const (
	_RFLAGS_RESERVED = 1 << 1
	_RFLAGS_IF       = 1 << 9

	// KernelFlagsSet are the flags the kernel runs with.
	KernelFlagsSet = _RFLAGS_RESERVED

	// UserFlagsSet are the flags of a freshly created user thread:
	// interrupts enabled plus the always-one bit.
	UserFlagsSet = _RFLAGS_RESERVED | _RFLAGS_IF
)

// Page fault error code bits.
const (
	PFProtection  = 1 << 0
	PFWrite       = 1 << 1
	PFUser        = 1 << 2
	PFReserved    = 1 << 3
	PFInstruction = 1 << 4
)

// PageFaultCode decodes a page fault error code.
type PageFaultCode uint64

func (c PageFaultCode) String() string {
	s := "not present"
	if c&PFProtection != 0 {
		s = "protection violation"
	}
	switch {
	case c&PFInstruction != 0:
		s += ", instruction fetch"
	case c&PFWrite != 0:
		s += ", write"
	default:
		s += ", read"
	}
	if c&PFUser != 0 {
		s += ", user mode"
	} else {
		s += ", kernel mode"
	}
	return s
}

// IsCanonical indicates whether addr is canonical on amd64.
func IsCanonical(addr uint64) bool {
	return addr <= 0x00007fffffffffff || addr >= 0xffff800000000000
}
