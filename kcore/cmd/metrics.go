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
	"io"
	"os"

	"github.com/google/subcommands"
	"github.com/kcore-os/kcore/kcore/config"
)

// Metrics implements subcommands.Command for the "metrics" command.
type Metrics struct {
	ticks  int
	prefix string
}

// Name implements subcommands.Command.Name.
func (*Metrics) Name() string {
	return "metrics"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Metrics) Synopsis() string {
	return "export kernel metrics in Prometheus format"
}

// Usage implements subcommands.Command.Usage.
func (*Metrics) Usage() string {
	return `metrics [-ticks=<n>] [-exporter-prefix=<kcore_>] - boots the machine, optionally runs it for some ticks, and prints its metrics in Prometheus metric format.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (m *Metrics) SetFlags(f *flag.FlagSet) {
	f.IntVar(&m.ticks, "ticks", 0, "number of timer ticks to run before exporting.")
	f.StringVar(&m.prefix, "exporter-prefix", "kcore_", "prefix for all metric names, following Prometheus exporter convention.")
}

// Execute implements subcommands.Command.Execute.
func (m *Metrics) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 0 || m.ticks < 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)

	k, err := bootKernel(conf, io.Discard, io.Discard)
	if err != nil {
		return Errorf("%v", err)
	}
	defer k.Close()

	if m.ticks > 0 {
		if err := k.Run(ctx, m.ticks); err != nil {
			return Errorf("running: %v", err)
		}
	}
	if err := writeMetrics(os.Stdout, k, m.prefix); err != nil {
		return Errorf("writing metrics: %v", err)
	}
	return subcommands.ExitSuccess
}
