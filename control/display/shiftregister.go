package display

import (
	"fmt"
	"math/bits"

	"periph.io/x/conn/v3/gpio"
)

// BitOrder is the order bits are clocked into the registers.  Both wirings exist.
type BitOrder int

const (
	MSBFirst BitOrder = iota
	LSBFirst
)

func (o BitOrder) String() string {
	if o == LSBFirst {
		return "lsb"
	}
	return "msb"
}

// ParseBitOrder parses "msb" or "lsb".
func ParseBitOrder(s string) (BitOrder, error) {
	switch s {
	case "msb", "MSB", "":
		return MSBFirst, nil
	case "lsb", "LSB":
		return LSBFirst, nil
	}
	return MSBFirst, fmt.Errorf("unknown bit order %q (want msb or lsb)", s)
}

// apply rearranges b so that an MSB-first bus clocks it out in order o.
func (o BitOrder) apply(b byte) byte {
	if o == LSBFirst {
		return bits.Reverse8(b)
	}
	return b
}

// ShiftRegister drives a display through two daisy-chained shift registers: the first byte
// clocked out selects the digit, the second carries its segments.  The outputs change when the
// latch line is pulsed.
type ShiftRegister struct {
	bus   Bus
	latch gpio.PinOut
	order BitOrder

	// ActiveLowSelect inverts the digit-select byte, for common-anode displays switched by PNP
	// transistors.
	ActiveLowSelect bool

	tx [2]byte
}

// NewShiftRegister returns a driver on bus, latched by latch.
func NewShiftRegister(bus Bus, latch gpio.PinOut, order BitOrder) (*ShiftRegister, error) {
	if err := latch.Out(gpio.High); err != nil {
		return nil, fmt.Errorf("set latch %v high: %w", latch, err)
	}
	return &ShiftRegister{bus: bus, latch: latch, order: order}, nil
}

// WriteDigit implements Driver.
func (s *ShiftRegister) WriteDigit(pattern byte, position int) error {
	if position < 0 || position >= Digits {
		return fmt.Errorf("write digit: position %d out of range", position)
	}
	sel := byte(1) << position
	if s.ActiveLowSelect {
		sel = ^sel
	}
	s.tx[0] = s.order.apply(sel)
	s.tx[1] = s.order.apply(pattern)
	if err := s.bus.Tx(s.tx[:], nil); err != nil {
		return fmt.Errorf("write digit %d: %w", position, err)
	}
	if err := s.latch.Out(gpio.Low); err != nil {
		return fmt.Errorf("pulse latch: %w", err)
	}
	if err := s.latch.Out(gpio.High); err != nil {
		return fmt.Errorf("pulse latch: %w", err)
	}
	return nil
}

// Blank turns every segment off.
func (s *ShiftRegister) Blank() error {
	for i := 0; i < Digits; i++ {
		if err := s.WriteDigit(0, i); err != nil {
			return fmt.Errorf("blank: %w", err)
		}
	}
	return nil
}
