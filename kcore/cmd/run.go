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
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"time"

	"github.com/google/subcommands"
	"golang.org/x/sync/errgroup"

	"github.com/kcore-os/kcore/kcore/config"
	"github.com/kcore-os/kcore/pkg/kernel"
	"github.com/kcore-os/kcore/pkg/log"
	"github.com/kcore-os/kcore/pkg/prometheus"
)

// errStopped ends the timer once the machine has nothing left to run.
var errStopped = errors.New("machine stopped")

// Run implements subcommands.Command for the "run" command.
type Run struct {
	ticks    int
	interval time.Duration
	metrics  bool
	prefix   string
}

// Name implements subcommands.Command.Name.
func (*Run) Name() string {
	return "run"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Run) Synopsis() string {
	return "boot the machine and run its threads"
}

// Usage implements subcommands.Command.Usage.
func (*Run) Usage() string {
	return `run [-ticks=<n>] [-interval=<duration>] [-metrics] - boots the machine and runs the boot modules until they exit, the tick budget is spent or the command is interrupted.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (r *Run) SetFlags(f *flag.FlagSet) {
	f.IntVar(&r.ticks, "ticks", 0, "number of timer ticks to run. 0 runs until every thread exits.")
	f.DurationVar(&r.interval, "interval", -1, "wall time between timer ticks. Negative uses the machine's timer frequency, 0 runs as fast as possible.")
	f.BoolVar(&r.metrics, "metrics", false, "print metrics in Prometheus format when the machine stops.")
	f.StringVar(&r.prefix, "exporter-prefix", "kcore_", "prefix for all metric names.")
}

// Execute implements subcommands.Command.Execute.
func (r *Run) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 0 || r.ticks < 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)

	k, err := bootKernel(conf, os.Stdout, os.Stdout)
	if err != nil {
		return Errorf("%v", err)
	}
	defer k.Close()

	interval := r.interval
	if interval < 0 {
		interval = time.Second / time.Duration(k.CPU().PIT().Frequency())
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt)
	defer stop()

	ticks, err := run(ctx, k, r.ticks, interval)
	switch {
	case kernel.IsHalt(err):
		return Errorf("kernel panic after %d ticks: %v", ticks, err)
	case err != nil && !errors.Is(err, context.Canceled):
		return Errorf("running: %v", err)
	}
	log.Infof("Machine stopped after %d ticks", ticks)
	fmt.Printf("Stopped after %d ticks\n", ticks)

	if r.metrics {
		if err := writeMetrics(os.Stdout, k, r.prefix); err != nil {
			return Errorf("writing metrics: %v", err)
		}
	}
	return subcommands.ExitSuccess
}

// run drives k with a timer goroutine feeding ticks to a processor
// goroutine. It returns the number of ticks run. A machine whose threads
// have all exited stops without error.
func run(ctx context.Context, k *kernel.Kernel, limit int, interval time.Duration) (int, error) {
	g, ctx := errgroup.WithContext(ctx)
	timer := make(chan struct{})

	g.Go(func() error {
		defer close(timer)
		var c <-chan time.Time
		if interval > 0 {
			t := time.NewTicker(interval)
			defer t.Stop()
			c = t.C
		}
		for i := 0; limit == 0 || i < limit; i++ {
			if c != nil {
				select {
				case <-c:
				case <-ctx.Done():
					return nil
				}
			}
			select {
			case timer <- struct{}{}:
			case <-ctx.Done():
				return nil
			}
		}
		return nil
	})

	ran := 0
	g.Go(func() error {
		for range timer {
			switch err := k.Tick(); {
			case errors.Is(err, kernel.ErrIdle):
				return errStopped
			case err != nil:
				return err
			}
			ran++
		}
		return nil
	})

	err := g.Wait()
	if errors.Is(err, errStopped) {
		err = nil
	}
	return ran, err
}

// writeMetrics writes k's metrics to w in the Prometheus text format.
func writeMetrics(w io.Writer, k *kernel.Kernel, prefix string) error {
	n, err := prometheus.Write(w, prometheus.ExportOptions{
		CommentHeader:  "Command-line export for kcore",
		ExporterPrefix: prefix,
	}, k.Metrics().Snapshot())
	if err != nil {
		return err
	}
	log.Infof("Wrote %d bytes of Prometheus metric data", n)
	return nil
}
