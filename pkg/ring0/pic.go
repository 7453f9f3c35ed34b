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

package ring0

import (
	"github.com/kcore-os/kcore/pkg/log"
)

// I/O ports of the interrupt controllers and the interval timer.
const (
	PICOneCommandPort = 0x20
	PICOneDataPort    = 0x21
	PICTwoCommandPort = 0xa0
	PICTwoDataPort    = 0xa1

	PITDataPort    = 0x40
	PITCommandPort = 0x43
)

// PIC commands.
const (
	PICInitCommand    = 0x11
	PICEndOfInterrupt = 0x20
)

// PITBaseFrequency is the input clock of the interval timer in Hz.
const PITBaseFrequency = 1_193_180

// PITRateGeneratorMode selects channel 0, low/high byte access, square
// wave mode, binary counting.
const PITRateGeneratorMode = 0b0011_0110

// PITDivisor returns the divisor that makes the timer fire hz times a
// second.
func PITDivisor(hz uint32) uint32 {
	return PITBaseFrequency / hz
}

// pic8259 is one interrupt controller of the cascaded pair.
type pic8259 struct {
	offset Vector
	mask   uint8

	// irr holds raised lines, isr lines being serviced.
	irr uint8
	isr uint8

	// initStep is the next initialization word expected on the data
	// port, or zero when initialized.
	initStep int
}

func (p *pic8259) command(v uint8) {
	switch v {
	case PICInitCommand:
		p.initStep = 1
		p.mask = 0
		p.irr = 0
		p.isr = 0
	case PICEndOfInterrupt:
		// Clear the highest priority line in service.
		for line := 0; line < 8; line++ {
			if p.isr&(1<<line) != 0 {
				p.isr &^= 1 << line
				break
			}
		}
	default:
		log.Warningf("Unsupported PIC command %#x", v)
	}
}

func (p *pic8259) data(v uint8) {
	switch p.initStep {
	case 1:
		p.offset = Vector(v)
		p.initStep = 2
	case 2:
		// Cascade wiring.
		p.initStep = 3
	case 3:
		// Mode.
		p.initStep = 0
	default:
		p.mask = v
	}
}

// next returns the highest priority deliverable line and marks it in
// service.
func (p *pic8259) next() (Vector, bool) {
	if p.initStep != 0 || p.isr != 0 {
		return 0, false
	}
	ready := p.irr &^ p.mask
	for line := 0; line < 8; line++ {
		if ready&(1<<line) != 0 {
			p.irr &^= 1 << line
			p.isr |= 1 << line
			return p.offset + Vector(line), true
		}
	}
	return 0, false
}

// PIC is the cascaded pair of 8259 interrupt controllers. Until it is
// remapped both chips deliver at vectors that collide with exceptions.
type PIC struct {
	chips [2]pic8259
}

func newPIC() PIC {
	return PIC{chips: [2]pic8259{{offset: 8}, {offset: 0x70}}}
}

// Raise asserts IRQ line irq.
func (p *PIC) Raise(irq int) {
	p.chips[irq/8].irr |= 1 << (irq % 8)
}

// Offsets returns the vector bases of both chips.
func (p *PIC) Offsets() (Vector, Vector) {
	return p.chips[0].offset, p.chips[1].offset
}

// Masks returns the interrupt masks of both chips.
func (p *PIC) Masks() (uint8, uint8) {
	return p.chips[0].mask, p.chips[1].mask
}

// InService returns true if any line awaits an end of interrupt.
func (p *PIC) InService() bool {
	return p.chips[0].isr|p.chips[1].isr != 0
}

func (p *PIC) next() (Vector, bool) {
	if v, ok := p.chips[0].next(); ok {
		return v, true
	}
	// The second chip is cascaded through line 2 of the first.
	if p.chips[0].mask&(1<<2) != 0 {
		return 0, false
	}
	return p.chips[1].next()
}

// PIT is channel 0 of the 8253 interval timer.
type PIT struct {
	mode    uint8
	divisor uint32
	low     bool
	latch   uint8
}

func newPIT() PIT {
	return PIT{divisor: 1 << 16}
}

func (p *PIT) command(v uint8) {
	p.mode = v
	p.low = true
}

func (p *PIT) data(v uint8) {
	if p.low {
		p.latch = v
		p.low = false
		return
	}
	p.divisor = uint32(v)<<8 | uint32(p.latch)
	if p.divisor == 0 {
		p.divisor = 1 << 16
	}
}

// Mode returns the last mode byte written.
func (p *PIT) Mode() uint8 {
	return p.mode
}

// Divisor returns the programmed reload value.
func (p *PIT) Divisor() uint32 {
	return p.divisor
}

// Frequency returns the rate of timer interrupts in Hz.
func (p *PIT) Frequency() uint32 {
	return PITBaseFrequency / p.divisor
}

// Out8 writes v to an I/O port.
func (c *CPU) Out8(port uint16, v uint8) {
	switch port {
	case PICOneCommandPort:
		c.pic.chips[0].command(v)
	case PICTwoCommandPort:
		c.pic.chips[1].command(v)
	case PICOneDataPort:
		c.pic.chips[0].data(v)
	case PICTwoDataPort:
		c.pic.chips[1].data(v)
	case PITCommandPort:
		c.pit.command(v)
	case PITDataPort:
		c.pit.data(v)
	default:
		log.Warningf("Write of %#x to unknown port %#x", v, port)
	}
}

// PIC returns the interrupt controller.
func (c *CPU) PIC() *PIC {
	return &c.pic
}

// PIT returns the interval timer.
func (c *CPU) PIT() *PIT {
	return &c.pit
}
