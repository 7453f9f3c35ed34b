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
	"sort"

	"github.com/kcore-os/kcore/pkg/ring0"
)

// CounterProgram counts up from zero in RAX and logs every value.
func CounterProgram() ring0.Program {
	p := ring0.Program{}.MovRax(0)
	loop := len(p)
	return p.IncRax().
		MovR15(SyscallLog).Int(ring0.SyscallVector).
		Jmp(loop)
}

// OnceProgram logs v once and exits.
func OnceProgram(v int32) ring0.Program {
	return ring0.Program{}.
		MovRax(v).MovR15(SyscallLog).Int(ring0.SyscallVector).
		MovR15(SyscallExit).Int(ring0.SyscallVector).
		UD2()
}

// YieldProgram gives up the processor forever.
func YieldProgram() ring0.Program {
	return ring0.Program{}.MovR15(SyscallYield).Int(ring0.SyscallVector).Jmp(0)
}

var builtins = map[string]func() ring0.Program{
	"counter": CounterProgram,
	"once":    func() ring0.Program { return OnceProgram(42) },
	"yield":   YieldProgram,
}

// Builtin returns the built-in program called name.
func Builtin(name string) (ring0.Program, bool) {
	p, ok := builtins[name]
	if !ok {
		return nil, false
	}
	return p(), true
}

// Builtins returns the names of the built-in programs.
func Builtins() []string {
	names := make([]string, 0, len(builtins))
	for name := range builtins {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
