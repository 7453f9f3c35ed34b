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

package cmd

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/google/subcommands"
	"github.com/kcore-os/kcore/kcore/config"
)

// Memtest implements subcommands.Command for the "memtest" command.
type Memtest struct {
	runs int
}

// Name implements subcommands.Command.Name.
func (*Memtest) Name() string {
	return "memtest"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Memtest) Synopsis() string {
	return "boot the machine and test every free frame"
}

// Usage implements subcommands.Command.Usage.
func (*Memtest) Usage() string {
	return `memtest [-runs=<n>] - boots the machine, then allocates, pattern-checks and frees every free frame.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (m *Memtest) SetFlags(f *flag.FlagSet) {
	f.IntVar(&m.runs, "runs", 1, "number of test passes.")
}

// Execute implements subcommands.Command.Execute.
func (m *Memtest) Execute(_ context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 0 || m.runs < 1 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)

	k, err := bootKernel(conf, os.Stdout, os.Stdout)
	if err != nil {
		return Errorf("%v", err)
	}
	defer k.Close()

	status := subcommands.ExitSuccess
	for i := 0; i < m.runs; i++ {
		fmt.Printf("Memory test pass %d of %d\n", i+1, m.runs)
		r := k.Memtest(os.Stdout)
		if r.Errors != 0 {
			status = Errorf("pass %d: %d erroneous frames", i+1, r.Errors)
		}
		// The frame stores grow during the first pass only.
		if i > 0 && r.After != r.Projected {
			status = Errorf("pass %d: %d free frames after the test, %d before", i+1, r.After, r.Projected)
		}
	}
	return status
}
