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

package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/mohae/deepcopy"
	"gopkg.in/yaml.v2"

	"github.com/kcore-os/kcore/pkg/hostarch"
	"github.com/kcore-os/kcore/pkg/kernel"
	"github.com/kcore-os/kcore/pkg/pmm"
	"github.com/kcore-os/kcore/pkg/ring0"
)

// Area is an entry of the firmware memory map.
type Area struct {
	Start     uint64 `toml:"start" yaml:"start"`
	Size      uint64 `toml:"size" yaml:"size"`
	Available bool   `toml:"available" yaml:"available"`
}

func (a Area) memoryArea() hostarch.MemoryArea {
	return hostarch.MemoryArea{Start: hostarch.PhysAddr(a.Start), Size: a.Size}
}

// Section is a section of the kernel image.
type Section struct {
	Name string `toml:"name" yaml:"name"`

	// Load is the physical address the section is loaded at. It is linked
	// at the same offset in the higher half.
	Load uint64 `toml:"load" yaml:"load"`
	Size uint64 `toml:"size" yaml:"size"`

	Writable   bool `toml:"writable" yaml:"writable"`
	Executable bool `toml:"executable" yaml:"executable"`
}

func (s Section) section() pmm.Section {
	flags := pmm.SectionAllocated
	if s.Writable {
		flags |= pmm.SectionWritable
	}
	if s.Executable {
		flags |= pmm.SectionExecutable
	}
	return pmm.Section{Name: s.Name, Addr: hostarch.HigherHalf(s.Load), Size: s.Size, Flags: flags}
}

// Module is a flat binary the firmware loads, either read from Path or one
// of the built-in programs.
type Module struct {
	Name    string `toml:"name" yaml:"name"`
	Path    string `toml:"path" yaml:"path"`
	Builtin string `toml:"builtin" yaml:"builtin"`

	// Entry is the offset of the entry point in the binary.
	Entry uint64 `toml:"entry" yaml:"entry"`
}

// Machine describes the simulated machine.
type Machine struct {
	// MemoryMiB is the amount of RAM in MiB.
	MemoryMiB uint64 `toml:"memory_mib" yaml:"memory_mib"`

	// MemoryFile backs RAM with a file.
	MemoryFile string `toml:"memory_file" yaml:"memory_file"`

	MemoryMap []Area    `toml:"memory_map" yaml:"memory_map"`
	Sections  []Section `toml:"sections" yaml:"sections"`

	// BootInfo is the physical address of the boot information.
	BootInfo uint64 `toml:"boot_info" yaml:"boot_info"`

	Modules []Module `toml:"modules" yaml:"modules"`

	TimerHz             uint32 `toml:"timer_hz" yaml:"timer_hz"`
	InstructionsPerTick int    `toml:"instructions_per_tick" yaml:"instructions_per_tick"`
}

const mib = 1 << 20

// defaultMachine is a 32 MiB PC running the counter program.
var defaultMachine = Machine{
	MemoryMiB: 32,
	MemoryMap: PCMemoryMap(32 * mib),
	Sections: []Section{
		{Name: ".text", Load: 0x10_0000, Size: 0x4_0000, Executable: true},
		{Name: ".rodata", Load: 0x14_0000, Size: 0x1_0000},
		{Name: ".data", Load: 0x15_0000, Size: 0x1_0000, Writable: true},
		{Name: ".bss", Load: 0x16_0000, Size: 0x2_0000, Writable: true},
	},
	BootInfo:            0x18_0000,
	Modules:             []Module{{Name: "counter", Builtin: "counter"}},
	TimerHz:             kernel.DefaultTimerHz,
	InstructionsPerTick: kernel.DefaultInstructionsPerTick,
}

// PCMemoryMap returns the memory map of a PC with size bytes of RAM:
// conventional memory, the reserved area below 1 MiB, and everything above
// it.
func PCMemoryMap(size uint64) []Area {
	return []Area{
		{Start: 0, Size: 0x9_fc00, Available: true},
		{Start: 0x9_fc00, Size: 0x6_0400},
		{Start: 0x10_0000, Size: size - 0x10_0000, Available: true},
	}
}

// DefaultMachine returns the built-in machine. The result is a copy the
// caller may modify.
func DefaultMachine() Machine {
	return deepcopy.Copy(defaultMachine).(Machine)
}

// LoadMachine reads a machine from path, in TOML or YAML as its extension
// says. Settings missing from the file keep their default values, except
// the memory map, which defaults to PCMemoryMap of the file's memory size.
func LoadMachine(path string) (Machine, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Machine{}, fmt.Errorf("reading machine: %w", err)
	}
	m := DefaultMachine()
	m.MemoryMap = nil
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".toml":
		md, err := toml.NewDecoder(bytes.NewReader(data)).Decode(&m)
		if err != nil {
			return Machine{}, fmt.Errorf("parsing %s: %w", path, err)
		}
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			return Machine{}, fmt.Errorf("parsing %s: unknown keys %v", path, undecoded)
		}
	case ".yaml", ".yml":
		if err := yaml.UnmarshalStrict(data, &m); err != nil {
			return Machine{}, fmt.Errorf("parsing %s: %w", path, err)
		}
	default:
		return Machine{}, fmt.Errorf("machine file %s: unknown extension %q, want .toml, .yaml or .yml", path, ext)
	}
	if len(m.MemoryMap) == 0 && m.MemoryMiB*mib > 0x10_0000 {
		m.MemoryMap = PCMemoryMap(m.MemoryMiB * mib)
	}
	if err := m.Validate(); err != nil {
		return Machine{}, fmt.Errorf("machine %s: %w", path, err)
	}
	return m, nil
}

// Validate checks the machine for errors that do not depend on module
// contents.
func (m *Machine) Validate() error {
	size := m.MemoryMiB * mib
	if size < kernel.MinMemorySize {
		return fmt.Errorf("memory of %d MiB is below the minimum of %d MiB", m.MemoryMiB, kernel.MinMemorySize/mib)
	}
	if size%hostarch.HugePageSize != 0 {
		return fmt.Errorf("memory of %d MiB is not a multiple of %d MiB", m.MemoryMiB, hostarch.HugePageSize/mib)
	}
	for i, a := range m.MemoryMap {
		if a.Start+a.Size > size {
			return fmt.Errorf("memory map entry %v extends past the end of memory", a.memoryArea())
		}
		for _, o := range m.MemoryMap[:i] {
			if a.memoryArea().Intersects(o.memoryArea()) {
				return fmt.Errorf("memory map entries %v and %v overlap", a.memoryArea(), o.memoryArea())
			}
		}
	}
	for i, s := range m.Sections {
		for _, o := range m.Sections[:i] {
			if s.Name == o.Name {
				return fmt.Errorf("duplicate section %s", s.Name)
			}
			if s.section().Area().Intersects(o.section().Area()) {
				return fmt.Errorf("section %s overlaps %s", s.Name, o.Name)
			}
		}
	}
	if m.TimerHz == 0 {
		return fmt.Errorf("timer frequency must be positive")
	}
	if d := ring0.PITDivisor(m.TimerHz); d == 0 || d > 0xffff {
		return fmt.Errorf("timer frequency %d Hz is outside the PIT's range", m.TimerHz)
	}
	if m.InstructionsPerTick <= 0 {
		return fmt.Errorf("instructions per tick must be positive")
	}
	for _, mod := range m.Modules {
		if mod.Name == "" {
			return fmt.Errorf("module without a name")
		}
		if (mod.Path == "") == (mod.Builtin == "") {
			return fmt.Errorf("module %q must set exactly one of path and builtin", mod.Name)
		}
		if mod.Builtin != "" {
			if _, ok := kernel.Builtin(mod.Builtin); !ok {
				return fmt.Errorf("module %q: unknown built-in %q, want one of %v", mod.Name, mod.Builtin, kernel.Builtins())
			}
		}
	}
	return nil
}

// Kernel converts m to the machine the kernel boots. Module paths are
// relative to dir. A non-empty memoryFile overrides the machine's.
func (m *Machine) Kernel(dir, memoryFile string) (kernel.Machine, error) {
	if err := m.Validate(); err != nil {
		return kernel.Machine{}, err
	}
	km := kernel.Machine{
		MemorySize:          m.MemoryMiB * mib,
		MemoryFile:          m.MemoryFile,
		BootInfoAddr:        hostarch.PhysAddr(m.BootInfo),
		TimerHz:             m.TimerHz,
		InstructionsPerTick: m.InstructionsPerTick,
	}
	if memoryFile != "" {
		km.MemoryFile = memoryFile
	}
	for _, a := range m.MemoryMap {
		if a.Available {
			km.FreeAreas = append(km.FreeAreas, a.memoryArea())
		}
	}
	for _, s := range m.Sections {
		km.Sections = append(km.Sections, s.section())
	}
	for _, mod := range m.Modules {
		var data []byte
		if mod.Builtin != "" {
			data, _ = kernel.Builtin(mod.Builtin)
		} else {
			path := mod.Path
			if !filepath.IsAbs(path) {
				path = filepath.Join(dir, path)
			}
			var err error
			if data, err = os.ReadFile(path); err != nil {
				return kernel.Machine{}, fmt.Errorf("module %q: %w", mod.Name, err)
			}
		}
		km.Modules = append(km.Modules, kernel.Module{Name: mod.Name, Data: data, Entry: mod.Entry})
	}
	if err := km.Validate(); err != nil {
		return kernel.Machine{}, err
	}
	return km, nil
}

// Load returns the kernel machine conf describes: the machine file if one
// is set, else the default machine.
func Load(conf *Config) (kernel.Machine, error) {
	m, dir := DefaultMachine(), "."
	if conf.MachineFile != "" {
		var err error
		if m, err = LoadMachine(conf.MachineFile); err != nil {
			return kernel.Machine{}, err
		}
		dir = filepath.Dir(conf.MachineFile)
	}
	return m.Kernel(dir, conf.MemoryFile)
}
