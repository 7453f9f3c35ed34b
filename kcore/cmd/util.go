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

// Package cmd holds implementations of the kcore commands.
package cmd

import (
	"fmt"
	"io"
	"os"

	"github.com/google/subcommands"
	"github.com/kcore-os/kcore/kcore/config"
	"github.com/kcore-os/kcore/pkg/kernel"
	"github.com/kcore-os/kcore/pkg/log"
)

// Fatalf logs the same message as Errorf and exits.
func Fatalf(format string, args ...any) {
	Errorf(format, args...)
	os.Exit(128)
}

// Errorf logs an error to the log and to stderr and returns
// subcommands.ExitFailure.
func Errorf(format string, args ...any) subcommands.ExitStatus {
	msg := fmt.Sprintf(format, args...)
	log.Warningf("FATAL ERROR: %s", msg)
	fmt.Fprintf(os.Stderr, "kcore: %s\n", msg)
	return subcommands.ExitFailure
}

// bootKernel boots the machine conf describes. Boot status lines go to
// status and user thread output to console.
func bootKernel(conf *config.Config, status, console io.Writer) (*kernel.Kernel, error) {
	m, err := config.Load(conf)
	if err != nil {
		return nil, fmt.Errorf("loading machine: %w", err)
	}
	k, err := kernel.Boot(m, kernel.Options{Console: console, Status: status})
	if err != nil {
		return nil, fmt.Errorf("booting: %w", err)
	}
	return k, nil
}
