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
	"io"

	"github.com/google/subcommands"
	"github.com/kcore-os/kcore/kcore/config"
)

// Available implements subcommands.Command for the "available" command.
type Available struct {
	huge bool
}

// Name implements subcommands.Command.Name.
func (*Available) Name() string {
	return "available"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Available) Synopsis() string {
	return "print the memory available after boot"
}

// Usage implements subcommands.Command.Usage.
func (*Available) Usage() string {
	return `available [-huge] - boots the machine quietly and prints total, free and used memory.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (a *Available) SetFlags(f *flag.FlagSet) {
	f.BoolVar(&a.huge, "huge", false, "also print huge frame counts.")
}

// Execute implements subcommands.Command.Execute.
func (a *Available) Execute(_ context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)

	k, err := bootKernel(conf, io.Discard, io.Discard)
	if err != nil {
		return Errorf("%v", err)
	}
	defer k.Close()

	s := k.Available()
	fmt.Println(s)
	if a.huge {
		fmt.Printf("%d free huge frames\n%d used huge frames\n", s.FreeHugeFrames, s.UsedHugeFrames)
	}
	return subcommands.ExitSuccess
}
