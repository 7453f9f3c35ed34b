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

// Package loader turns flat binary images into runnable threads.
//
// A flat binary has no headers: the image is copied verbatim to Base and
// execution starts at a caller supplied entry point inside it. The stack
// region follows the image, aligned to StackSize:
//
//	Base          image (user, read-only)
//	stack bottom  user stack, StackSize - PageSize bytes (user, writable)
//	              kernel stack, one page (supervisor, writable)
//
// The thread initially resumes from a trap frame stored at the top of the
// user stack, so its first run is an ordinary return from an interrupt.
package loader

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/kcore-os/kcore/pkg/frame"
	"github.com/kcore-os/kcore/pkg/hostarch"
	"github.com/kcore-os/kcore/pkg/ring0"
	"github.com/kcore-os/kcore/pkg/ring0/pagetables"
	"github.com/kcore-os/kcore/pkg/sched"
)

const (
	// Base is the virtual address images are loaded at.
	Base hostarch.VirtAddr = 0x40_0000

	// StackSize is the size and alignment of a thread's stack region,
	// including its kernel stack.
	StackSize = 16 * hostarch.PageSize

	// userLimit is the first address above the lower half.
	userLimit hostarch.VirtAddr = 0x0000_8000_0000_0000
)

var (
	// ErrEmptyImage is returned when loading an image without any bytes.
	ErrEmptyImage = errors.New("empty image")

	// ErrImageTooLarge is returned when the image and its stack do not
	// fit below the kernel half.
	ErrImageTooLarge = errors.New("image too large")

	// ErrBadEntry is returned when the entry point is outside the image.
	ErrBadEntry = errors.New("entry point outside image")
)

// Env is what loading needs from the running kernel. The caller holds the
// frame allocator and the active table for the duration of the load.
type Env struct {
	Active *pagetables.ActivePageTable
	Alloc  frame.FrameAllocator

	// UserCode and UserData are the ring 3 selectors written into the
	// initial trap frame.
	UserCode ring0.Selector
	UserData ring0.Selector
}

// Layout describes where a thread's regions live.
type Layout struct {
	Image       hostarch.VirtAddr
	ImageEnd    hostarch.VirtAddr
	StackBottom hostarch.VirtAddr
	KernelStack frame.Page
}

// UserStackTop returns the address just above the user stack.
func (l Layout) UserStackTop() hostarch.VirtAddr {
	return l.KernelStack.StartAddress()
}

// LayoutFor returns the layout of an image of size bytes.
func LayoutFor(size uint64) Layout {
	end := Base.Offset(size)
	bottom := hostarch.AlignUp(end, StackSize)
	return Layout{
		Image:       Base,
		ImageEnd:    end,
		StackBottom: bottom,
		KernelStack: frame.PageOf(bottom.Offset(StackSize - 1)),
	}
}

// InitialFrame returns the trap frame a new thread resumes from.
func InitialFrame(entry, sp hostarch.VirtAddr, code, data ring0.Selector) ring0.Registers {
	return ring0.InterruptFrame(entry, code, ring0.UserFlagsSet, sp, data)
}

// LoadFlatBinary maps image into table and returns a thread that starts
// at entry.
func LoadFlatBinary(name string, image []byte, table *pagetables.InactivePageTable, entry hostarch.VirtAddr, env Env) (*sched.Thread, error) {
	if len(image) == 0 {
		return nil, fmt.Errorf("loading %q: %w", name, ErrEmptyImage)
	}
	l := LayoutFor(uint64(len(image)))
	if l.StackBottom+StackSize > userLimit || l.StackBottom < l.ImageEnd {
		return nil, fmt.Errorf("loading %q (%d bytes): %w", name, len(image), ErrImageTooLarge)
	}
	if entry < l.Image || entry >= l.ImageEnd {
		return nil, fmt.Errorf("loading %q: %w: %v", name, ErrBadEntry, entry)
	}

	s := newStager(env)
	defer s.release()

	s.allocateRegion(table, frame.PageOf(l.Image), frame.PageOf(l.ImageEnd-1), pagetables.User)
	s.write(table, l.Image, image)

	top := l.UserStackTop()
	s.allocateRegion(table, frame.PageOf(l.StackBottom), frame.PageOf(top-1), pagetables.User|pagetables.Writable)
	s.allocateRegion(table, l.KernelStack, l.KernelStack, pagetables.Writable)

	sp := top - ring0.TrapFrameSize
	regs := InitialFrame(entry, sp, env.UserCode, env.UserData)
	var words []byte
	for _, w := range regs.Words() {
		words = binary.LittleEndian.AppendUint64(words, w)
	}
	s.write(table, sp, words)

	return &sched.Thread{
		Name:         name,
		Table:        table,
		KernelStack:  l.KernelStack,
		StackPointer: sp,
	}, nil
}
