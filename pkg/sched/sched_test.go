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

package sched

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/kcore-os/kcore/pkg/frame"
	"github.com/kcore-os/kcore/pkg/hostarch"
)

func drain(s Scheduler) []int {
	var ids []int
	for {
		t, ok := s.ScheduleNext()
		if !ok {
			return ids
		}
		ids = append(ids, t.ID)
	}
}

func TestRoundRobinOrder(t *testing.T) {
	s := NewRoundRobin()
	a, b := &Thread{ID: 1, Name: "a"}, &Thread{ID: 2, Name: "b"}
	s.ScheduleNew(a)
	s.ScheduleNew(b)
	if got, want := s.Len(), 2; got != want {
		t.Errorf("Len: got %d, want %d", got, want)
	}

	for _, want := range []*Thread{a, b} {
		got, ok := s.ScheduleNext()
		if !ok || got != want {
			t.Errorf("ScheduleNext: got %v, %t, want %v", got, ok, want)
		}
	}
	if got, ok := s.ScheduleNext(); ok {
		t.Errorf("ScheduleNext on an empty scheduler: got %v", got)
	}
}

func TestRoundRobinRequeue(t *testing.T) {
	s := NewRoundRobin()
	threads := []*Thread{{ID: 1}, {ID: 2}, {ID: 3}}
	for _, th := range threads {
		s.ScheduleNew(th)
	}

	// Each tick puts the running thread back at the end of the queue.
	var order []int
	for i := 0; i < 7; i++ {
		th, ok := s.ScheduleNext()
		if !ok {
			t.Fatalf("scheduler ran empty after %d ticks", i)
		}
		order = append(order, th.ID)
		s.ScheduleNew(th)
	}
	if diff := cmp.Diff([]int{1, 2, 3, 1, 2, 3, 1}, order); diff != "" {
		t.Errorf("run order mismatch (-want +got):\n%s", diff)
	}
}

func TestExitedThreadsAreDropped(t *testing.T) {
	s := NewRoundRobin()
	threads := []*Thread{{ID: 1}, {ID: 2}, {ID: 3}}
	for _, th := range threads {
		s.ScheduleNew(th)
	}
	threads[1].Exit()
	s.ScheduleNew(&Thread{ID: 4, exited: true})

	if diff := cmp.Diff([]int{1, 3}, drain(s)); diff != "" {
		t.Errorf("run order mismatch (-want +got):\n%s", diff)
	}
}

func TestKernelStackTop(t *testing.T) {
	th := &Thread{KernelStack: frame.PageOf(0x40_f000)}
	if got, want := th.KernelStackTop(), hostarch.VirtAddr(0x41_0000); got != want {
		t.Errorf("KernelStackTop: got %v, want %v", got, want)
	}
}
