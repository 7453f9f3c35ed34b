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
	"io"
	"os"

	"github.com/kcore-os/kcore/pkg/log"
	"golang.org/x/term"
)

// Status is the outcome of a boot stage.
type Status int

// Boot stage outcomes.
const (
	StatusOk Status = iota
	StatusFail
	StatusWarn
)

// String returns the four character label printed between the brackets.
func (s Status) String() string {
	switch s {
	case StatusOk:
		return " Ok "
	case StatusFail:
		return "Fail"
	case StatusWarn:
		return "Warn"
	default:
		return fmt.Sprintf("Status(%d)", int(s))
	}
}

// ANSI colours of each outcome.
var statusColours = map[Status]string{
	StatusOk:   "\x1b[32m",
	StatusFail: "\x1b[31m",
	StatusWarn: "\x1b[33m",
}

const colourReset = "\x1b[0m"

// BootStatus prints one "[ -- ] message" line per boot stage and resolves
// it once the stage finishes. On a terminal the pending line is printed
// first and rewritten in place, with the outcome coloured. Elsewhere only
// the resolved line is written.
type BootStatus struct {
	w        io.Writer
	terminal bool
	message  string
	pending  bool
}

// NewBootStatus returns a reporter writing to w. A nil w discards lines,
// though they are still logged.
func NewBootStatus(w io.Writer) *BootStatus {
	if w == nil {
		w = io.Discard
	}
	terminal := false
	if f, ok := w.(*os.File); ok {
		terminal = term.IsTerminal(int(f.Fd()))
	}
	return &BootStatus{w: w, terminal: terminal}
}

// Start begins a stage. A stage still pending is resolved as failed.
func (b *BootStatus) Start(message string) {
	if b.pending {
		b.Fail()
	}
	b.message = message
	b.pending = true
	if b.terminal {
		fmt.Fprintf(b.w, "[ -- ] %s", message)
	}
}

// Ok resolves the current stage as successful.
func (b *BootStatus) Ok() { b.resolve(StatusOk) }

// Fail resolves the current stage as failed.
func (b *BootStatus) Fail() { b.resolve(StatusFail) }

// Warn resolves the current stage as finished with warnings.
func (b *BootStatus) Warn() { b.resolve(StatusWarn) }

func (b *BootStatus) resolve(s Status) {
	if !b.pending {
		return
	}
	b.pending = false
	if b.terminal {
		fmt.Fprintf(b.w, "\r[%s%s%s] %s\n", statusColours[s], s, colourReset, b.message)
	} else {
		fmt.Fprintf(b.w, "[%s] %s\n", s, b.message)
	}
	switch s {
	case StatusOk:
		log.Infof("[%s] %s", s, b.message)
	default:
		log.Warningf("[%s] %s", s, b.message)
	}
}
