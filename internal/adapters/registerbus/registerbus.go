// Package registerbus provides fsm.RegisterBus implementations: a
// GPIO-bit-banged bus for the real SoC target, and an in-memory Sim used by
// cmd/xray-soc's dry-run mode. The shift-out
// bit-banging follows the teacher's cm108.go approach of driving a device
// one GPIO-equivalent control bit at a time rather than through a kernel
// register-mapped driver, adapted here to github.com/warthog618/go-gpiocdev
// instead of direct USB HID reports.
package registerbus

import (
	"fmt"
	"sync"
	"time"

	"github.com/warthog618/go-gpiocdev"

	"github.com/detectorlab/xraydet/internal/errs"
)

// Pinout names the four lines the bus bit-bangs a 24-bit (8-bit address +
// 16-bit data) shift register transaction over: clock, data-out,
// data-in, and latch.
type Pinout struct {
	Chip    string
	Clock   int
	DataOut int
	DataIn  int
	Latch   int
}

// GPIOBus drives Pinout using go-gpiocdev, serializing each register
// access as clock-data-latch pulses. It satisfies fsm.RegisterBus.
type GPIOBus struct {
	mu        sync.Mutex
	chip      *gpiocdev.Chip
	clock     *gpiocdev.Line
	dataOut   *gpiocdev.Line
	dataIn    *gpiocdev.Line
	latch     *gpiocdev.Line
	halfCycle time.Duration
}

// Open requests the four lines named by p and returns a ready GPIOBus.
func Open(p Pinout) (*GPIOBus, error) {
	chip, err := gpiocdev.NewChip(p.Chip, gpiocdev.WithConsumer("xraydet-registerbus"))
	if err != nil {
		return nil, fmt.Errorf("registerbus: open chip: %w", err)
	}

	clock, err := chip.RequestLine(p.Clock, gpiocdev.AsOutput(0))
	if err != nil {
		chip.Close()
		return nil, fmt.Errorf("registerbus: request clock line: %w", err)
	}
	dataOut, err := chip.RequestLine(p.DataOut, gpiocdev.AsOutput(0))
	if err != nil {
		chip.Close()
		return nil, fmt.Errorf("registerbus: request data-out line: %w", err)
	}
	dataIn, err := chip.RequestLine(p.DataIn, gpiocdev.AsInput)
	if err != nil {
		chip.Close()
		return nil, fmt.Errorf("registerbus: request data-in line: %w", err)
	}
	latch, err := chip.RequestLine(p.Latch, gpiocdev.AsOutput(0))
	if err != nil {
		chip.Close()
		return nil, fmt.Errorf("registerbus: request latch line: %w", err)
	}

	return &GPIOBus{
		chip:      chip,
		clock:     clock,
		dataOut:   dataOut,
		dataIn:    dataIn,
		latch:     latch,
		halfCycle: time.Microsecond,
	}, nil
}

// Close releases the underlying GPIO lines.
func (b *GPIOBus) Close() error {
	b.clock.Close()
	b.dataOut.Close()
	b.dataIn.Close()
	b.latch.Close()
	return b.chip.Close()
}

// Write shifts out addr (8 bits, MSB first) followed by data (16 bits,
// MSB first), then pulses latch to commit the value to the addressed
// register.
func (b *GPIOBus) Write(addr uint8, data uint16) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.shiftOut(uint32(addr)<<16|uint32(data), 24); err != nil {
		return errs.New(errs.KindDeviceFault, err.Error())
	}
	if err := b.latch.SetValue(1); err != nil {
		return errs.New(errs.KindDeviceFault, err.Error())
	}
	time.Sleep(b.halfCycle)
	if err := b.latch.SetValue(0); err != nil {
		return errs.New(errs.KindDeviceFault, err.Error())
	}
	return nil
}

// Read shifts out addr as a read request, then clocks in 16 bits from
// data-in.
func (b *GPIOBus) Read(addr uint8) (uint16, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.shiftOut(uint32(addr)<<16, 24); err != nil {
		return 0, errs.New(errs.KindDeviceFault, err.Error())
	}

	var value uint16
	for i := 0; i < 16; i++ {
		if err := b.clock.SetValue(1); err != nil {
			return 0, errs.New(errs.KindDeviceFault, err.Error())
		}
		time.Sleep(b.halfCycle)
		bit, err := b.dataIn.Value()
		if err != nil {
			return 0, errs.New(errs.KindDeviceFault, err.Error())
		}
		value = value<<1 | uint16(bit&1)
		if err := b.clock.SetValue(0); err != nil {
			return 0, errs.New(errs.KindDeviceFault, err.Error())
		}
		time.Sleep(b.halfCycle)
	}
	return value, nil
}

func (b *GPIOBus) shiftOut(bits uint32, width int) error {
	for i := width - 1; i >= 0; i-- {
		bit := int((bits >> uint(i)) & 1)
		if err := b.dataOut.SetValue(bit); err != nil {
			return err
		}
		if err := b.clock.SetValue(1); err != nil {
			return err
		}
		time.Sleep(b.halfCycle)
		if err := b.clock.SetValue(0); err != nil {
			return err
		}
		time.Sleep(b.halfCycle)
	}
	return nil
}

// Sim is an in-memory RegisterBus for dry-run mode (see cmd/xray-soc's
// --dry-run flag). Other packages' tests use their own hand-rolled fakes.
type Sim struct {
	mu   sync.Mutex
	regs map[uint8]uint16
}

// NewSim returns a ready-to-use simulated bus, all registers zeroed.
func NewSim() *Sim {
	return &Sim{regs: map[uint8]uint16{}}
}

func (s *Sim) Write(addr uint8, data uint16) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.regs[addr] = data
	return nil
}

func (s *Sim) Read(addr uint8) (uint16, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.regs[addr], nil
}
