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

package kernel_test

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/kcore-os/kcore/pkg/frame"
	"github.com/kcore-os/kcore/pkg/hostarch"
	"github.com/kcore-os/kcore/pkg/kernel"
	"github.com/kcore-os/kcore/pkg/kernel/kerneltest"
	"github.com/kcore-os/kcore/pkg/pmm"
	"github.com/kcore-os/kcore/pkg/prometheus"
	"github.com/kcore-os/kcore/pkg/ring0"
	"github.com/kcore-os/kcore/pkg/ring0/pagetables"
)

// metricValue returns the value of the named metric with the given labels.
func metricValue(t *testing.T, k *kernel.Kernel, name string, labels map[string]string) int64 {
	t.Helper()
	for _, d := range k.Metrics().Snapshot().Data {
		if d.Metric.Name == name && labelsEqual(d.Labels, labels) {
			return d.Number.Int
		}
	}
	t.Fatalf("no metric %s%v", name, labels)
	return 0
}

func labelsEqual(a, b map[string]string) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if w, ok := b[k]; !ok || w != v {
			return false
		}
	}
	return true
}

func TestBoot(t *testing.T) {
	var status bytes.Buffer
	k, err := kernel.Boot(kerneltest.Machine(kerneltest.Counter("counter")), kernel.Options{Status: &status})
	if err != nil {
		t.Fatalf("Boot failed: %v", err)
	}
	defer k.Close()

	want := []string{
		"[ Ok ] Initializing physical memory",
		"[ Ok ] Loading firmware",
		"[ Ok ] Checking recycler capacity",
		"[ Ok ] Initializing frame allocator",
		"[ Ok ] Remapping the kernel",
		"[ Ok ] Initializing the heap",
		"[ Ok ] Setting up interrupt tables",
		"[ Ok ] Reading boot modules",
		"[ Ok ] Converting the frame allocator",
		"[ Ok ] Creating the scheduler",
		"[ Ok ] Loading boot modules",
		"[ Ok ] Starting the timer",
	}
	got := strings.Split(strings.TrimSuffix(status.String(), "\n"), "\n")
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("status lines mismatch (-want +got):\n%s", diff)
	}

	c := k.CPU()
	if !c.InterruptsEnabled() {
		t.Errorf("interrupts are disabled after boot")
	}
	if one, two := c.PIC().Offsets(); one != ring0.PICOneVectorBase || two != ring0.PICTwoVectorBase {
		t.Errorf("PIC offsets: got (%v, %v), want (%v, %v)", one, two, ring0.PICOneVectorBase, ring0.PICTwoVectorBase)
	}
	if one, two := c.PIC().Masks(); one != 0b1111_1110 || two != 0xff {
		t.Errorf("PIC masks: got (%#x, %#x), want (0xfe, 0xff)", one, two)
	}
	if got := c.PIT().Frequency(); got != kernel.DefaultTimerHz {
		t.Errorf("PIT frequency: got %d, want %d", got, kernel.DefaultTimerHz)
	}
	if got := c.PIT().Mode(); got != ring0.PITRateGeneratorMode {
		t.Errorf("PIT mode: got %#x, want %#x", got, ring0.PITRateGeneratorMode)
	}
	if code, data := k.UserSelectors(); code != 0x1b || data != 0x23 {
		t.Errorf("user selectors: got (%v, %v), want (0x1b, 0x23)", code, data)
	}
	if !k.Runnable() {
		t.Errorf("the counter thread is not runnable")
	}
	if k.Current() != nil {
		t.Errorf("a thread is current before the first tick")
	}

	stages, _ := k.Metrics().Stages()
	wantStages := []string{"memory", "firmware", "assertions", "allocator", "remap", "heap", "interrupts", "modules", "conversion", "scheduler", "threads", "timer"}
	if diff := cmp.Diff(wantStages, stages); diff != "" {
		t.Errorf("stages mismatch (-want +got):\n%s", diff)
	}
}

func TestBootWithoutModules(t *testing.T) {
	var status bytes.Buffer
	k, err := kernel.Boot(kerneltest.Machine(), kernel.Options{Status: &status})
	if err != nil {
		t.Fatalf("Boot failed: %v", err)
	}
	defer k.Close()
	if !strings.Contains(status.String(), "[Warn] Loading boot modules\n") {
		t.Errorf("status lines do not warn about missing modules:\n%s", status.String())
	}
	if err := k.Tick(); !errors.Is(err, kernel.ErrIdle) {
		t.Errorf("Tick: got %v, want %v", err, kernel.ErrIdle)
	}
	if err := k.Run(context.Background(), 0); err != nil {
		t.Errorf("Run: got %v, want nil", err)
	}
}

func TestBootInvalidMachine(t *testing.T) {
	m := kerneltest.Machine()
	m.MemorySize = 1 << 20
	if k, err := kernel.Boot(m, kernel.Options{}); err == nil || k != nil {
		t.Errorf("Boot: got (%v, %v), want an error", k, err)
	}
}

func TestRemap(t *testing.T) {
	k, _ := kerneltest.Boot(t, kerneltest.Machine())
	c := k.CPU()

	bss := frame.FrameOf(0x16_0000)
	if got := k.ActiveRoot(); got == bss+2 {
		t.Errorf("the boot table %v is still installed", got)
	}
	// The old root is the boot stack's guard page.
	if _, ok := c.Translate(hostarch.HigherHalf(uint64((bss + 2).StartAddress()))); ok {
		t.Errorf("the stack guard page is mapped")
	}
	for _, v := range []hostarch.VirtAddr{
		hostarch.HigherHalf(0x10_0000),
		hostarch.HigherHalf(0x16_3000),
		hostarch.HigherHalf(0xb_8000),
		pagetables.HeapBottom,
	} {
		if _, ok := c.Translate(v); !ok {
			t.Errorf("%v is not mapped", v)
		}
	}
	// Memory outside the kernel is no longer identity mapped.
	if _, ok := c.Translate(hostarch.HigherHalf(0x40_0000)); ok {
		t.Errorf("the boot identity map survived remapping")
	}
}

func TestMemtest(t *testing.T) {
	k, _ := kerneltest.Boot(t, kerneltest.Machine())

	var out bytes.Buffer
	first := k.Memtest(&out)
	if first.Errors != 0 {
		t.Errorf("first run: got %d erroneous frames, want 0", first.Errors)
	}
	if first.Checked == 0 || first.Checked > first.Projected {
		t.Errorf("first run: checked %d of %d projected frames", first.Checked, first.Projected)
	}
	if !strings.Contains(out.String(), " 64 frames\n") || strings.Contains(out.String(), "x") {
		t.Errorf("unexpected progress output:\n%s", out.String())
	}
	if !strings.HasSuffix(out.String(), first.String()+"\n") {
		t.Errorf("output does not end with the result %q", first.String())
	}

	second := k.Memtest(nil)
	if second.Errors != 0 {
		t.Errorf("second run: got %d erroneous frames, want 0", second.Errors)
	}
	if second.After != second.Projected {
		t.Errorf("second run: %d free frames after, want the projected %d", second.After, second.Projected)
	}
}

func TestAvailable(t *testing.T) {
	k, _ := kerneltest.Boot(t, kerneltest.Machine())
	s := k.Available()
	if s.FreeFrames == 0 || s.UsedFrames == 0 {
		t.Errorf("Available: got %+v, want free and used frames", s)
	}
	if s.TotalFrames() > kerneltest.MemorySize/hostarch.PageSize {
		t.Errorf("Available: %d frames exceed the %d of RAM", s.TotalFrames(), kerneltest.MemorySize/hostarch.PageSize)
	}
	if got := metricValue(t, k, "free_frames", nil); uint64(got) != s.FreeFrames {
		t.Errorf("free_frames: got %d, want %d", got, s.FreeFrames)
	}
	if got := metricValue(t, k, "used_huge_frames", nil); uint64(got) != s.UsedHugeFrames {
		t.Errorf("used_huge_frames: got %d, want %d", got, s.UsedHugeFrames)
	}
}

func TestFramesUnique(t *testing.T) {
	k, _ := kerneltest.Boot(t, kerneltest.Machine())
	root := k.ActiveRoot()
	k.WithFrames(func(alloc pmm.GenericAllocator) {
		seen := make(map[frame.Frame]bool)
		var frames []frame.Frame
		for i := 0; i < 1000; i++ {
			f, ok := alloc.Allocate()
			if !ok {
				break
			}
			if seen[f] {
				t.Errorf("frame %v handed out twice", f)
			}
			if f == root {
				t.Errorf("the active root %v was handed out", f)
			}
			seen[f] = true
			frames = append(frames, f)
		}
		for _, f := range frames {
			alloc.Deallocate(f)
		}
	})
}

func TestHeapGrowth(t *testing.T) {
	k, _ := kerneltest.Boot(t, kerneltest.Machine())
	before := k.Available().FreeHugeFrames

	v := pagetables.HeapBottom.Offset(hostarch.HugePageSize + 8)
	k.CPU().Store64(v, 0xcafe)
	if got := k.CPU().Load64(v); got != 0xcafe {
		t.Errorf("Load64(%v): got %#x, want 0xcafe", v, got)
	}
	k.CPU().Store64(v.Offset(8), 1)

	if got := metricValue(t, k, "heap_faults_total", nil); got != 1 {
		t.Errorf("heap_faults_total: got %d, want 1", got)
	}
	if got := k.Available().FreeHugeFrames; got != before-1 {
		t.Errorf("free huge frames: got %d, want %d", got, before-1)
	}
}

func TestFatalPageFault(t *testing.T) {
	k, _ := kerneltest.Boot(t, kerneltest.Machine(kerneltest.Counter("counter")))

	var h *ring0.Halt
	func() {
		defer func() {
			if r := recover(); r != nil {
				h = r.(*ring0.Halt)
			}
		}()
		k.CPU().Load64(0xdead_0000)
	}()
	if h == nil {
		t.Fatalf("a fault outside the heap did not halt")
	}
	if !strings.Contains(h.Reason, "page fault") {
		t.Errorf("halt reason: got %q, want a page fault", h.Reason)
	}
	err := k.Tick()
	if !kernel.IsHalt(err) {
		t.Errorf("Tick after halting: got %v, want a halt", err)
	}
	if err := k.Run(context.Background(), 10); !kernel.IsHalt(err) {
		t.Errorf("Run after halting: got %v, want a halt", err)
	}
}

func TestContextSwitch(t *testing.T) {
	k, console := kerneltest.Boot(t, kerneltest.Machine(kerneltest.Counter("a"), kerneltest.Counter("b")))

	var order []string
	for i := 0; i < 5; i++ {
		if err := k.Tick(); err != nil {
			t.Fatalf("Tick %d failed: %v", i, err)
		}
		order = append(order, k.Current().Name)
	}
	if diff := cmp.Diff([]string{"a", "b", "a", "b", "a"}, order); diff != "" {
		t.Errorf("scheduling order mismatch (-want +got):\n%s", diff)
	}

	out := console.String()
	if !strings.HasPrefix(out, "a: 1\na: 2\n") {
		t.Errorf("console does not start with a's first values:\n%s", out)
	}
	for _, line := range []string{"b: 1\n", "a: 17\n", "b: 16\n"} {
		if !strings.Contains(out, line) {
			t.Errorf("console lacks %q:\n%s", line, out)
		}
	}
	if got := metricValue(t, k, "context_switches_total", nil); got != 5 {
		t.Errorf("context_switches_total: got %d, want 5", got)
	}
	if got := metricValue(t, k, "syscalls_total", map[string]string{"call": "log"}); got == 0 {
		t.Errorf("syscalls_total{call=log}: got 0")
	}
	if got := k.CPU().CPL(); got != 3 {
		t.Errorf("CPL after switching: got %d, want 3", got)
	}
}

func TestExit(t *testing.T) {
	m := kerneltest.Machine(kernel.Module{Name: "once", Data: kernel.OnceProgram(7)})
	k, console := kerneltest.Boot(t, m)

	if err := k.Run(context.Background(), 100); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if got, want := console.String(), "once: 7\n"; got != want {
		t.Errorf("console: got %q, want %q", got, want)
	}
	if k.Runnable() {
		t.Errorf("a thread is runnable after the only one exited")
	}
	if !k.Current().Exited() {
		t.Errorf("%v has not exited", k.Current())
	}
	if got := metricValue(t, k, "syscalls_total", map[string]string{"call": "exit"}); got != 1 {
		t.Errorf("syscalls_total{call=exit}: got %d, want 1", got)
	}
	if got := metricValue(t, k, "timer_ticks_total", nil); got != 2 {
		t.Errorf("timer_ticks_total: got %d, want 2", got)
	}
}

func TestSpawn(t *testing.T) {
	k, console := kerneltest.Boot(t, kerneltest.Machine(kernel.Module{Name: "yield", Data: kernel.YieldProgram()}))

	image, ok := kernel.Builtin("once")
	if !ok {
		t.Fatalf("no built-in once program")
	}
	th, err := k.Spawn("spawned", image, 0)
	if err != nil {
		t.Fatalf("Spawn failed: %v", err)
	}
	if th.ID != 2 {
		t.Errorf("thread ID: got %d, want 2", th.ID)
	}
	if err := k.Run(context.Background(), 10); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if got, want := console.String(), "spawned: 42\n"; got != want {
		t.Errorf("console: got %q, want %q", got, want)
	}
	if got := metricValue(t, k, "syscalls_total", map[string]string{"call": "yield"}); got == 0 {
		t.Errorf("syscalls_total{call=yield}: got 0")
	}
	if !k.Runnable() {
		t.Errorf("the yielding thread is no longer runnable")
	}
}

func TestBuiltins(t *testing.T) {
	if diff := cmp.Diff([]string{"counter", "once", "yield"}, kernel.Builtins()); diff != "" {
		t.Errorf("Builtins mismatch (-want +got):\n%s", diff)
	}
	if _, ok := kernel.Builtin("missing"); ok {
		t.Errorf("Builtin(missing): got true, want false")
	}
}

func TestMetricsExport(t *testing.T) {
	k, _ := kerneltest.Boot(t, kerneltest.Machine(kerneltest.Counter("counter")))
	if err := k.Run(context.Background(), 3); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	var buf bytes.Buffer
	if _, err := prometheus.Write(&buf, prometheus.ExportOptions{ExporterPrefix: "kcore_"}, k.Metrics().Snapshot()); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	for _, want := range []string{
		"kcore_timer_ticks_total 3\n",
		"kcore_context_switches_total 3\n",
		`kcore_boot_stage_duration_seconds{stage="heap"}`,
		"# TYPE kcore_free_frames gauge\n",
	} {
		if !strings.Contains(buf.String(), want) {
			t.Errorf("export lacks %q:\n%s", want, buf.String())
		}
	}
}
