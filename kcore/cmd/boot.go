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

// Boot implements subcommands.Command for the "boot" command.
type Boot struct {
	stages bool
}

// Name implements subcommands.Command.Name.
func (*Boot) Name() string {
	return "boot"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Boot) Synopsis() string {
	return "boot the machine and report each boot stage"
}

// Usage implements subcommands.Command.Usage.
func (*Boot) Usage() string {
	return `boot [-stages] - boots the machine, prints the boot status lines and the memory layout, and powers off.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (b *Boot) SetFlags(f *flag.FlagSet) {
	f.BoolVar(&b.stages, "stages", false, "print the duration of each boot stage.")
}

// Execute implements subcommands.Command.Execute.
func (b *Boot) Execute(_ context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)

	k, err := bootKernel(conf, os.Stdout, os.Stdout)
	if err != nil {
		return Errorf("%v", err)
	}
	defer k.Close()

	info := k.BootInfo()
	fmt.Printf("Kernel: %v\n", info.KernelArea())
	fmt.Printf("Boot information: %v\n", info.Area())
	for _, mod := range info.Modules {
		fmt.Printf("Module %q: %v\n", mod.Name, mod.Area())
	}
	fmt.Println(k.Available())

	if b.stages {
		names, durations := k.Metrics().Stages()
		for i, name := range names {
			fmt.Printf("%-12s %v\n", name, durations[i])
		}
	}
	return subcommands.ExitSuccess
}
