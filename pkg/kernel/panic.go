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
	"fmt"
	"runtime"
	"strings"

	"github.com/kcore-os/kcore/pkg/log"
	"github.com/kcore-os/kcore/pkg/ring0"
)

// maxTraceDepth bounds the printed call stack.
const maxTraceDepth = 32

// Fatalf reports an unrecoverable condition and halts the processor. f is
// the fault being handled, if any. Fatalf does not return: halting panics
// with a *ring0.Halt.
func (k *Kernel) Fatalf(f *ring0.Fault, format string, v ...any) {
	reason := fmt.Sprintf(format, v...)
	var b strings.Builder
	fmt.Fprintf(&b, "Kernel panic: %s\n", reason)
	if f != nil {
		fmt.Fprintf(&b, "%v\n", f)
		if f.Vector == ring0.GeneralProtectionFault && f.ErrorCode != 0 {
			fmt.Fprintf(&b, "selector %v\n", ring0.Selector(f.ErrorCode))
		}
		fmt.Fprintf(&b, "%v\n", f.Regs)
	} else {
		fmt.Fprintf(&b, "%v\n", k.cpu.Registers())
	}
	writeTrace(&b, 1)
	log.Warningf("%s", b.String())
	k.cpu.Halt(reason)
}

// Panic is Fatalf outside of any fault.
func (k *Kernel) Panic(reason string) {
	k.Fatalf(nil, "%s", reason)
}

// writeTrace writes the stack of writeTrace's caller, less its skip
// innermost frames.
func writeTrace(b *strings.Builder, skip int) {
	pcs := make([]uintptr, maxTraceDepth)
	n := runtime.Callers(skip+2, pcs)
	if n == 0 {
		return
	}
	frames := runtime.CallersFrames(pcs[:n])
	b.WriteString("Stack trace:\n")
	for {
		fr, more := frames.Next()
		fmt.Fprintf(b, "  %s\n\t%s:%d\n", fr.Function, fr.File, fr.Line)
		if !more {
			break
		}
	}
}
