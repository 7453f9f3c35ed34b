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

// Package sched defines threads and the policies that order them.
//
// A thread is in exactly one of three places: held by whoever created it,
// queued in a Scheduler, or installed as the kernel's active thread.
package sched

import (
	"fmt"

	"github.com/kcore-os/kcore/pkg/frame"
	"github.com/kcore-os/kcore/pkg/hostarch"
	"github.com/kcore-os/kcore/pkg/ilist"
	"github.com/kcore-os/kcore/pkg/ring0/pagetables"
)

// Thread is an address space plus the stacks needed to resume it.
type Thread struct {
	ilist.Entry[*Thread]

	// ID identifies the thread in logs and metrics.
	ID int

	// Name is the name of the image the thread was loaded from.
	Name string

	// Table is the thread's address space.
	Table *pagetables.InactivePageTable

	// KernelStack is the page mapped in Table that interrupts from ring 3
	// run on. Its end is installed in TSS.RSP[0] while the thread runs.
	KernelStack frame.Page

	// StackPointer is the saved stack pointer. It points at the trap frame
	// the thread resumes from.
	StackPointer hostarch.VirtAddr

	exited bool
}

// KernelStackTop returns the initial stack pointer of the kernel stack.
func (t *Thread) KernelStackTop() hostarch.VirtAddr {
	return t.KernelStack.EndAddress() + 1
}

// Exit marks the thread finished. An exited thread is never scheduled again.
func (t *Thread) Exit() {
	t.exited = true
}

// Exited returns true once Exit has been called.
func (t *Thread) Exited() bool {
	return t.exited
}

func (t *Thread) String() string {
	return fmt.Sprintf("thread %d (%s)", t.ID, t.Name)
}

// Scheduler orders runnable threads.
type Scheduler interface {
	// ScheduleNext removes and returns the thread to run next. It returns
	// false if no thread is runnable.
	ScheduleNext() (*Thread, bool)

	// ScheduleNew adds a runnable thread.
	ScheduleNew(t *Thread)

	// Len returns the number of runnable threads.
	Len() int
}

// RoundRobin runs threads in the order they became runnable. It is not
// thread-safe; the kernel keeps it behind a lock.
type RoundRobin struct {
	queue ilist.List[*Thread]
}

var _ Scheduler = (*RoundRobin)(nil)

// NewRoundRobin returns an empty scheduler.
func NewRoundRobin() *RoundRobin {
	return &RoundRobin{}
}

// ScheduleNext implements Scheduler.ScheduleNext.
func (r *RoundRobin) ScheduleNext() (*Thread, bool) {
	for {
		t, ok := r.queue.PopFront()
		if !ok || !t.exited {
			return t, ok
		}
	}
}

// ScheduleNew implements Scheduler.ScheduleNew.
func (r *RoundRobin) ScheduleNew(t *Thread) {
	if t.exited {
		return
	}
	r.queue.PushBack(t)
}

// Len implements Scheduler.Len.
func (r *RoundRobin) Len() int {
	return r.queue.Len()
}
