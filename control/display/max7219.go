package display

import "fmt"

// MAX7219 registers.
const (
	regDigit0      = 0x01
	regDecodeMode  = 0x09
	regIntensity   = 0x0a
	regScanLimit   = 0x0b
	regShutdown    = 0x0c
	regDisplayTest = 0x0f
)

// MaxBrightness is the highest intensity setting.
const MaxBrightness = 15

// MAX7219 drives a MAX7219 (or MAX7221) LED driver.  The chip scans the digits itself; writing a
// digit just updates its register.
type MAX7219 struct {
	bus Bus
	tx  [2]byte
}

// NewMAX7219 initializes the chip for a 4-digit display with raw segment patterns.
func NewMAX7219(bus Bus, brightness uint8) (*MAX7219, error) {
	m := &MAX7219{bus: bus}
	init := []struct {
		reg, val byte
		what     string
	}{
		{regShutdown, 0x01, "shutdown off"},
		{regDisplayTest, 0x00, "display test off"},
		{regScanLimit, Digits - 1, "scan limit"},
		{regDecodeMode, 0x00, "decode mode"},
		{regIntensity, clampBrightness(brightness), "brightness"},
	}
	for _, i := range init {
		if err := m.write(i.reg, i.val); err != nil {
			return nil, fmt.Errorf("init max7219: %s: %w", i.what, err)
		}
	}
	return m, nil
}

func clampBrightness(b uint8) byte {
	if b > MaxBrightness {
		return MaxBrightness
	}
	return b
}

func (m *MAX7219) write(reg, val byte) error {
	m.tx[0], m.tx[1] = reg, val
	return m.bus.Tx(m.tx[:], nil)
}

// WriteDigit implements Driver.
func (m *MAX7219) WriteDigit(pattern byte, position int) error {
	if position < 0 || position >= Digits {
		return fmt.Errorf("write digit: position %d out of range", position)
	}
	if err := m.write(regDigit0+byte(position), pattern); err != nil {
		return fmt.Errorf("write digit %d: %w", position, err)
	}
	return nil
}

// SetBrightness sets the intensity, 0-15.
func (m *MAX7219) SetBrightness(b uint8) error {
	if err := m.write(regIntensity, clampBrightness(b)); err != nil {
		return fmt.Errorf("set brightness: %w", err)
	}
	return nil
}

// Blank turns every segment off, leaving a decimal point lit on the last digit so that someone
// looking at the clock can tell it still has power.
func (m *MAX7219) Blank() error {
	for i := 0; i < Digits; i++ {
		var p byte
		if i == Digits-1 {
			p = SegDP
		}
		if err := m.WriteDigit(p, i); err != nil {
			return fmt.Errorf("blank: %w", err)
		}
	}
	return nil
}
