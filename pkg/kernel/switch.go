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
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/kcore-os/kcore/pkg/hostarch"
	"github.com/kcore-os/kcore/pkg/log"
	"github.com/kcore-os/kcore/pkg/ring0"
	"github.com/kcore-os/kcore/pkg/sched"
)

// System call numbers, passed in R15.
const (
	SyscallYield = 0
	SyscallLog   = 1
	SyscallExit  = 2
)

// ErrIdle is returned by Tick when no thread is left to run.
var ErrIdle = errors.New("no runnable threads")

// switchLog traces context switches without flooding the log.
var switchLog = log.BasicRateLimitedLogger(time.Second)

// contextSwitch is the body of the timer entry stub. sp points at the
// interrupted trap frame; the returned stack pointer is the frame to resume,
// which is read through the table installed here.
func (k *Kernel) contextSwitch(sp hostarch.VirtAddr) hostarch.VirtAddr {
	rq := k.threads.Lock()
	defer k.threads.Unlock()

	// On the first tick the kernel's own boot context is interrupted. It
	// is never resumed.
	if prev := rq.current; prev != nil {
		prev.StackPointer = sp
		rq.sched.ScheduleNew(prev)
	}
	next, ok := rq.sched.ScheduleNext()
	if !ok {
		k.Fatalf(nil, "no thread to schedule")
	}

	active := k.active.Lock()
	defer k.active.Unlock()
	k.tss.RSP[0] = next.KernelStackTop()
	active.Switch(next.Table)
	endOfInterrupt(k.cpu)

	if rq.current != next {
		switchLog.Debugf("Switching from %v to %v", rq.current, next)
	}
	rq.current = next
	k.metrics.contextSwitches.Increment()
	return next.StackPointer
}

// currentThread returns the active thread, or nil before the first switch.
func (k *Kernel) currentThread() *sched.Thread {
	rq := k.threads.Lock()
	defer k.threads.Unlock()
	return rq.current
}

// syscall services int 0xaa from user mode. The call number is in R15.
func (k *Kernel) syscall(c *ring0.CPU, f *ring0.Fault) {
	t := k.currentThread()
	switch code := f.Regs.R15; code {
	case SyscallYield:
		k.metrics.syscalls.Increment("yield")
		c.WaitForInterrupt()
	case SyscallLog:
		k.metrics.syscalls.Increment("log")
		fmt.Fprintf(k.console, "%s: %d\n", t.Name, f.Regs.Rax)
	case SyscallExit:
		k.metrics.syscalls.Increment("exit")
		log.Infof("%v exited", t)
		t.Exit()
		c.WaitForInterrupt()
	default:
		k.metrics.syscalls.Increment("unknown")
		log.Warningf("%v: unknown system call %d", t, code)
	}
}

// Runnable returns true if some thread can still run: the active one, or
// one in the queue.
func (k *Kernel) Runnable() bool {
	rq := k.threads.Lock()
	defer k.threads.Unlock()
	if rq.current != nil && !rq.current.Exited() {
		return true
	}
	return rq.sched.Len() > 0
}

// Current returns the active thread, or nil before the first tick.
func (k *Kernel) Current() *sched.Thread {
	return k.currentThread()
}

// Tick runs the machine for one timer period: the processor executes up to
// InstructionsPerTick instructions and then the timer fires. It returns
// ErrIdle without running anything once every thread has exited, and the
// halt reason if the kernel panicked.
func (k *Kernel) Tick() (err error) {
	defer recoverHalt(&err)
	if h := k.cpu.Halted(); h != nil {
		return h
	}
	if !k.Runnable() {
		return ErrIdle
	}
	for i := 0; i < k.machine.InstructionsPerTick; i++ {
		k.cpu.Step()
	}
	k.metrics.ticks.Increment()
	if !k.Runnable() {
		return nil
	}
	k.cpu.RaiseIRQ(ring0.TimerIRQ)
	return nil
}

// Run ticks until every thread has exited, ticks timer periods have passed
// or ctx is done. A non-positive ticks runs without a bound. It returns nil
// once the machine is idle.
func (k *Kernel) Run(ctx context.Context, ticks int) error {
	for i := 0; ticks <= 0 || i < ticks; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := k.Tick(); err != nil {
			if errors.Is(err, ErrIdle) {
				return nil
			}
			return err
		}
	}
	return nil
}
