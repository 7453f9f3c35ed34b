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
	"github.com/kcore-os/kcore/pkg/metric"
	"github.com/kcore-os/kcore/pkg/pmm"
)

// System call names, as exported in the syscalls metric.
var syscallField = metric.NewField("call", "yield", "log", "exit", "unknown")

// kernelMetrics are the counters the kernel maintains itself. Allocator
// gauges are read on demand.
type kernelMetrics struct {
	registry *metric.Registry

	heapFaults      *metric.Uint64Metric
	contextSwitches *metric.Uint64Metric
	syscalls        *metric.Uint64Metric
	ticks           *metric.Uint64Metric
}

func newKernelMetrics(r *metric.Registry, frames *Global[*pmm.GlobalFrameAllocator]) *kernelMetrics {
	m := &kernelMetrics{
		registry:        r,
		heapFaults:      r.MustCreateNewUint64Metric("heap_faults_total", "Page faults that grew the kernel heap."),
		contextSwitches: r.MustCreateNewUint64Metric("context_switches_total", "Threads switched to by the timer."),
		syscalls:        r.MustCreateNewUint64Metric("syscalls_total", "System calls by call.", syscallField),
		ticks:           r.MustCreateNewUint64Metric("timer_ticks_total", "Timer periods run."),
	}

	gauge := func(name, desc string, read func(a *pmm.GlobalFrameAllocator) uint64) {
		r.MustRegisterCustomUint64Metric(name, false, desc, func() uint64 {
			a := frames.Lock()
			defer frames.Unlock()
			return read(a)
		})
	}
	gauge("free_frames", "Free regular frames, counting free huge frames.", (*pmm.GlobalFrameAllocator).FreeFramesCount)
	gauge("used_frames", "Regular frames in use.", (*pmm.GlobalFrameAllocator).UsedFramesCount)
	gauge("free_huge_frames", "Free huge frames.", (*pmm.GlobalFrameAllocator).FreeHugeFramesCount)
	gauge("used_huge_frames", "Huge frames in use.", (*pmm.GlobalFrameAllocator).UsedHugeFramesCount)
	gauge("frame_store_nodes", "Nodes of the regular frame store.", func(a *pmm.GlobalFrameAllocator) uint64 {
		if !a.Converted() {
			return 0
		}
		n, _ := a.PostBoot().StoreNodes()
		return n
	})
	gauge("huge_frame_store_nodes", "Nodes of the huge frame store.", func(a *pmm.GlobalFrameAllocator) uint64 {
		if !a.Converted() {
			return 0
		}
		_, n := a.PostBoot().StoreNodes()
		return n
	})
	return m
}
