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

// Package kerneltest boots small machines for tests.
package kerneltest

import (
	"bytes"
	"testing"

	"github.com/kcore-os/kcore/pkg/kernel"
	"github.com/kcore-os/kcore/pkg/sync"
)

// MemorySize is the RAM of the default test machine.
const MemorySize = 16 << 20

// Machine returns the default test machine: 16 MiB of RAM and the given
// modules.
func Machine(modules ...kernel.Module) kernel.Machine {
	m := kernel.NewMachine(MemorySize)
	m.Modules = modules
	return m
}

// Counter returns a module running the counter program.
func Counter(name string) kernel.Module {
	return kernel.Module{Name: name, Data: kernel.CounterProgram()}
}

// Console collects what user threads print. It is safe for concurrent
// use.
type Console struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

// Write implements io.Writer.Write.
func (c *Console) Write(b []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.buf.Write(b)
}

// String returns everything written so far.
func (c *Console) String() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.buf.String()
}

// Boot boots m and closes the machine when the test ends. It returns the
// kernel and its console.
func Boot(t testing.TB, m kernel.Machine) (*kernel.Kernel, *Console) {
	t.Helper()
	console := &Console{}
	k, err := kernel.Boot(m, kernel.Options{Console: console})
	if err != nil {
		t.Fatalf("kernel.Boot failed: %v", err)
	}
	t.Cleanup(func() {
		if err := k.Close(); err != nil {
			t.Errorf("Close failed: %v", err)
		}
	})
	return k, console
}
