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
	"bytes"
	"strings"
	"testing"

	"github.com/kcore-os/kcore/pkg/frame"
	"github.com/kcore-os/kcore/pkg/hostarch"
	"github.com/kcore-os/kcore/pkg/physmem"
	"github.com/kcore-os/kcore/pkg/pmm"
	"github.com/kcore-os/kcore/pkg/ring0"
)

func TestMachineValidate(t *testing.T) {
	for _, tc := range []struct {
		name   string
		modify func(m *Machine)
		want   string
	}{
		{
			name:   "default",
			modify: func(m *Machine) {},
		},
		{
			name:   "too small",
			modify: func(m *Machine) { m.MemorySize = 4 << 20 },
			want:   "below the minimum",
		},
		{
			name:   "unaligned size",
			modify: func(m *Machine) { m.MemorySize += hostarch.PageSize },
			want:   "not a multiple",
		},
		{
			name: "free area past memory",
			modify: func(m *Machine) {
				m.FreeAreas = append(m.FreeAreas, hostarch.MemoryArea{Start: 0x100_0000, Size: 0x10_0000})
			},
			want: "past the end of memory",
		},
		{
			name:   "lower half section",
			modify: func(m *Machine) { m.Sections[0].Addr = 0x10_0000 },
			want:   "higher half",
		},
		{
			name:   "overlapping sections",
			modify: func(m *Machine) { m.Sections[1].Addr = m.Sections[0].Addr.Offset(0x1000) },
			want:   "overlaps",
		},
		{
			name:   "no bss",
			modify: func(m *Machine) { m.Sections = m.Sections[:3] },
			want:   "no .bss section",
		},
		{
			name:   "read-only bss",
			modify: func(m *Machine) { m.Sections[3].Flags = pmm.SectionAllocated },
			want:   "not writable",
		},
		{
			name:   "small bss",
			modify: func(m *Machine) { m.Sections[3].Size = hostarch.PageSize },
			want:   "smaller than",
		},
		{
			name:   "no timer",
			modify: func(m *Machine) { m.TimerHz = 0 },
			want:   "timer frequency",
		},
		{
			name:   "slow timer",
			modify: func(m *Machine) { m.TimerHz = 1 },
			want:   "PIT divisor",
		},
		{
			name:   "no instructions",
			modify: func(m *Machine) { m.InstructionsPerTick = 0 },
			want:   "instructions per tick",
		},
		{
			name:   "empty module",
			modify: func(m *Machine) { m.Modules = []Module{{Name: "empty"}} },
			want:   "is empty",
		},
		{
			name: "entry outside module",
			modify: func(m *Machine) {
				m.Modules = []Module{{Name: "counter", Data: CounterProgram(), Entry: 1 << 10}}
			},
			want: "entry offset",
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			m := NewMachine(16 << 20)
			tc.modify(&m)
			err := m.Validate()
			switch {
			case tc.want == "" && err != nil:
				t.Errorf("Validate: got %v, want nil", err)
			case tc.want != "" && (err == nil || !strings.Contains(err.Error(), tc.want)):
				t.Errorf("Validate: got %v, want an error containing %q", err, tc.want)
			}
		})
	}
}

func TestRecyclerFits(t *testing.T) {
	if err := recyclerFits(16, 510); err != nil {
		t.Errorf("recyclerFits(16, 510): got %v, want nil", err)
	}
	if err := recyclerFits(16, 8); err == nil {
		t.Errorf("recyclerFits(16, 8): got nil, want an error")
	}
	if _, err := checkRecyclerCapacity(); err != nil {
		t.Errorf("checkRecyclerCapacity: got %v, want nil", err)
	}
}

func newFirmwareMachine(t *testing.T, m *Machine) (*physmem.Memory, *ring0.CPU) {
	t.Helper()
	mem, err := physmem.New(m.MemorySize)
	if err != nil {
		t.Fatalf("physmem.New failed: %v", err)
	}
	t.Cleanup(func() { mem.Close() })
	return mem, ring0.NewCPU(mem)
}

func TestLoadFirmware(t *testing.T) {
	m := NewMachine(16 << 20)
	first := bytes.Repeat([]byte{0xab}, 0x1800)
	second := CounterProgram()
	m.Modules = []Module{{Name: "first", Data: first}, {Name: "second", Data: second}}
	mem, cpu := newFirmwareMachine(t, &m)

	info, err := loadFirmware(mem, cpu, &m)
	if err != nil {
		t.Fatalf("loadFirmware failed: %v", err)
	}
	if got := mem.Load64(m.BootInfoAddr); got != bootInfoSize {
		t.Errorf("boot information header: got %#x, want %#x", got, bootInfoSize)
	}

	wantStarts := []hostarch.PhysAddr{0x18_1000, 0x18_3000}
	if len(info.Modules) != len(wantStarts) {
		t.Fatalf("got %d modules, want %d", len(info.Modules), len(wantStarts))
	}
	for i, mod := range info.Modules {
		if mod.Start != wantStarts[i] {
			t.Errorf("module %q: got start %v, want %v", mod.Name, mod.Start, wantStarts[i])
		}
		if !bytes.Equal(mem.Bytes(mod.Start, mod.Size), m.Modules[i].Data) {
			t.Errorf("module %q: contents differ", mod.Name)
		}
	}

	l4 := frame.FrameOf(0x16_0000) + bootL4Page
	if got, want := cpu.CR3(), l4.StartAddress(); got != want {
		t.Errorf("CR3: got %v, want %v", got, want)
	}
	if got, want := hostarch.VirtAddr(cpu.Registers().Rsp), hostarch.HigherHalf(0x16_0000+bootAreaSize); got != want {
		t.Errorf("stack pointer: got %v, want %v", got, want)
	}
	for _, pa := range []hostarch.PhysAddr{0, 0x20_1234, 0xff_fff8} {
		got, ok := cpu.Translate(hostarch.HigherHalf(uint64(pa)))
		if !ok || got != pa {
			t.Errorf("Translate(HigherHalf(%v)): got (%v, %t), want (%v, true)", pa, got, ok, pa)
		}
	}
	if _, ok := cpu.Translate(hostarch.HigherHalf(16 << 20)); ok {
		t.Errorf("memory past the end of RAM is mapped")
	}
}

func TestLoadFirmwareModuleTooLarge(t *testing.T) {
	m := NewMachine(8 << 20)
	m.Modules = []Module{{Name: "huge", Data: make([]byte, 8<<20)}}
	mem, cpu := newFirmwareMachine(t, &m)
	if _, err := loadFirmware(mem, cpu, &m); err == nil {
		t.Errorf("loadFirmware: got nil, want an error")
	}
}

func TestLoadFirmwareBootInfoInKernel(t *testing.T) {
	m := NewMachine(8 << 20)
	m.BootInfoAddr = 0x14_0000
	mem, cpu := newFirmwareMachine(t, &m)
	if _, err := loadFirmware(mem, cpu, &m); err == nil {
		t.Errorf("loadFirmware: got nil, want an error")
	}
}
