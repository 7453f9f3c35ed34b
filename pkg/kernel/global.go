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
	"sync/atomic"
	"time"

	"github.com/kcore-os/kcore/pkg/log"
	"github.com/kcore-os/kcore/pkg/sync"
)

// contentionLogInterval bounds how often a contended Global is reported.
const contentionLogInterval = time.Second

// Global is a named lock around a kernel-wide object such as the frame
// allocator or the active page table.
//
// Lock order is fixed: the frame allocator before the active page table,
// and the scheduler before the active page table. The heap fault handler
// takes the frame allocator and then the active page table, so neither may
// be held while touching the heap.
type Global[T any] struct {
	name string
	warn log.Logger

	mu  sync.Mutex
	obj T

	contentions atomic.Uint64
}

// NewGlobal returns a Global called name that guards obj.
func NewGlobal[T any](name string, obj T) *Global[T] {
	return &Global[T]{
		name: name,
		warn: log.BasicRateLimitedLogger(contentionLogInterval),
		obj:  obj,
	}
}

// Name returns the name of the object.
func (g *Global[T]) Name() string {
	return g.name
}

// Lock acquires the object and returns it. If another holder has it, a
// warning is logged before blocking.
func (g *Global[T]) Lock() T {
	if !g.mu.TryLock() {
		g.contentions.Add(1)
		g.warn.Warningf("Global object in contention: %s", g.name)
		g.mu.Lock()
	}
	return g.obj
}

// Unlock releases the object.
func (g *Global[T]) Unlock() {
	g.mu.Unlock()
}

// Contentions returns the number of acquisitions that had to wait.
func (g *Global[T]) Contentions() uint64 {
	return g.contentions.Load()
}
