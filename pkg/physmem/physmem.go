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

// Package physmem provides the physical RAM of the simulated machine.
//
// RAM is a single mmap'd region, either anonymous or backed by a file. It
// never holds Go pointers, so views of it may be handed out freely.
package physmem

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"unsafe"

	"github.com/gofrs/flock"
	"github.com/kcore-os/kcore/pkg/cleanup"
	"github.com/kcore-os/kcore/pkg/frame"
	"github.com/kcore-os/kcore/pkg/hostarch"
	"github.com/kcore-os/kcore/pkg/log"
	"golang.org/x/sys/unix"
)

// ErrLocked is returned when a memory file is already in use by another
// machine.
var ErrLocked = errors.New("memory file is locked by another machine")

// Memory is the physical RAM of a machine.
type Memory struct {
	data []byte
	file *os.File
	lock *flock.Flock
}

// New returns size bytes of anonymous RAM. size must be a multiple of the
// huge page size.
func New(size uint64) (*Memory, error) {
	if err := checkSize(size); err != nil {
		return nil, err
	}
	data, err := unix.Mmap(-1, 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, fmt.Errorf("failed to mmap %d bytes of memory: %w", size, err)
	}
	return &Memory{data: data}, nil
}

// NewFile returns size bytes of RAM backed by the file at path. The file is
// truncated to size and guarded by an advisory lock on path + ".lock".
func NewFile(path string, size uint64) (*Memory, error) {
	if err := checkSize(size); err != nil {
		return nil, err
	}
	l := flock.NewFlock(path + ".lock")
	locked, err := l.TryLock()
	if err != nil {
		return nil, fmt.Errorf("error acquiring lock on %q: %w", path, err)
	}
	if !locked {
		return nil, fmt.Errorf("%q: %w", path, ErrLocked)
	}
	cu := cleanup.Make(func() { l.Unlock() })
	defer cu.Clean()

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0600)
	if err != nil {
		return nil, fmt.Errorf("error opening memory file %q: %w", path, err)
	}
	cu.Add(func() { f.Close() })

	if err := unix.Ftruncate(int(f.Fd()), int64(size)); err != nil {
		return nil, fmt.Errorf("error truncating memory file %q: %w", path, err)
	}
	data, err := unix.Mmap(int(f.Fd()), 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("failed to mmap memory file %q: %w", path, err)
	}
	cu.Release()
	log.Infof("Memory backed by %q (%d MiB)", path, size>>20)
	return &Memory{data: data, file: f, lock: l}, nil
}

func checkSize(size uint64) error {
	if size == 0 || size%hostarch.HugePageSize != 0 {
		return fmt.Errorf("memory size %#x is not a non-zero multiple of %#x", size, hostarch.HugePageSize)
	}
	return nil
}

// Close unmaps the memory and releases any backing file.
func (m *Memory) Close() error {
	var errs []error
	if m.data != nil {
		errs = append(errs, unix.Munmap(m.data))
		m.data = nil
	}
	if m.file != nil {
		errs = append(errs, m.file.Close())
		m.file = nil
	}
	if m.lock != nil {
		errs = append(errs, m.lock.Unlock())
		m.lock = nil
	}
	return errors.Join(errs...)
}

// Size returns the size of the memory in bytes.
func (m *Memory) Size() uint64 {
	return uint64(len(m.data))
}

// Frames returns the number of regular frames in the memory.
func (m *Memory) Frames() uint64 {
	return m.Size() / hostarch.PageSize
}

// Bytes returns the n bytes at a. It panics if the range is not backed by
// RAM, as a bus error would.
func (m *Memory) Bytes(a hostarch.PhysAddr, n uint64) []byte {
	end := uint64(a) + n
	if end < uint64(a) || end > m.Size() {
		panic(fmt.Sprintf("physical access [%v, %#x) outside of RAM (%#x bytes)", a, end, m.Size()))
	}
	return m.data[a:end:end]
}

// Load64 reads the little-endian word at a.
func (m *Memory) Load64(a hostarch.PhysAddr) uint64 {
	return binary.LittleEndian.Uint64(m.Bytes(a, 8))
}

// Store64 writes v as a little-endian word at a.
func (m *Memory) Store64(a hostarch.PhysAddr, v uint64) {
	binary.LittleEndian.PutUint64(m.Bytes(a, 8), v)
}

// Zero clears f.
func (m *Memory) Zero(f frame.Frame) {
	clear(m.Bytes(f.StartAddress(), hostarch.PageSize))
}

// Words returns f as an array of 512 words.
//
// The view aliases RAM; words are in host byte order, which is little-endian
// on every supported host.
func (m *Memory) Words(f frame.Frame) *[frame.EntriesPerTable]uint64 {
	b := m.Bytes(f.StartAddress(), hostarch.PageSize)
	return (*[frame.EntriesPerTable]uint64)(unsafe.Pointer(&b[0]))
}
