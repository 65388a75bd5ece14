// Package hardware opens the display, buttons and LEDs named in the config.
package hardware

import (
	"fmt"
	"io"
	"log"
	"strings"

	"github.com/jrockway/network-clock/control/button"
	"github.com/jrockway/network-clock/control/config"
	"github.com/jrockway/network-clock/control/display"
	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/conn/v3/spi"
	"periph.io/x/conn/v3/spi/spireg"
	"periph.io/x/host/v3"
)

// Init loads the periph.io host drivers.
func Init() error {
	state, err := host.Init()
	if err != nil {
		return fmt.Errorf("init periph.io: %w", err)
	}
	for _, f := range state.Failed {
		log.Printf("periph.io driver %s failed: %v", f.D, f.Err)
	}
	return nil
}

type closers []io.Closer

func (c closers) Close() error {
	var firstErr error
	for i := len(c) - 1; i >= 0; i-- {
		if err := c[i].Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

type closeFunc func()

func (f closeFunc) Close() error {
	f()
	return nil
}

// Display is an open display.  Preview is always present, and mirrors the hardware if there is
// any.
type Display struct {
	display.Driver
	Preview *display.Preview
	io.Closer
}

// openBus opens a /dev/spidev path directly, and anything else through the periph.io registry.
func openBus(hw config.Hardware) (display.Bus, io.Closer, error) {
	if strings.HasPrefix(hw.SPI, "/dev/") {
		dev, err := display.OpenSpidev(hw.SPI)
		if err != nil {
			return nil, nil, err
		}
		return dev, closeFunc(dev.Close), nil
	}
	port, err := spireg.Open(hw.SPI)
	if err != nil {
		return nil, nil, fmt.Errorf("open spi port %q: %w", hw.SPI, err)
	}
	conn, err := port.Connect(physic.Frequency(hw.SPISpeed)*physic.Hertz, spi.Mode0, 8)
	if err != nil {
		port.Close()
		return nil, nil, fmt.Errorf("connect to spi port %q: %w", hw.SPI, err)
	}
	return conn, port, nil
}

// OpenDisplay opens the configured display driver.
func OpenDisplay(hw config.Hardware, brightness uint8) (*Display, error) {
	preview := display.NewPreview()
	if err := preview.SetBrightness(brightness); err != nil {
		return nil, err
	}
	if hw.Driver == "preview" {
		return &Display{Driver: preview, Preview: preview, Closer: closers(nil)}, nil
	}

	bus, closer, err := openBus(hw)
	if err != nil {
		return nil, err
	}
	var driver display.Driver
	switch hw.Driver {
	case "max7219":
		driver, err = display.NewMAX7219(bus, brightness)
	case "shiftregister":
		order, perr := display.ParseBitOrder(hw.BitOrder)
		if perr != nil {
			closer.Close()
			return nil, perr
		}
		latch := gpioreg.ByName(hw.Latch)
		if latch == nil {
			closer.Close()
			return nil, fmt.Errorf("no gpio pin named %q for the latch", hw.Latch)
		}
		driver, err = display.NewShiftRegister(bus, latch, order)
	default:
		err = fmt.Errorf("unknown display driver %q", hw.Driver)
	}
	if err != nil {
		closer.Close()
		return nil, err
	}
	return &Display{Driver: display.Tee(driver, preview), Preview: preview, Closer: closer}, nil
}

// Button opens the named pin as a button.  An empty name returns nil.
func Button(name, pin string) (*button.Debouncer, error) {
	if pin == "" {
		return nil, nil
	}
	p := gpioreg.ByName(pin)
	if p == nil {
		return nil, fmt.Errorf("no gpio pin named %q for the %s button", pin, name)
	}
	return button.New(name, p, button.DefaultInterval)
}

// LED opens the named pin as an output, initially high (off for an LED wired to the supply).
// An empty name returns nil.
func LED(pin string) (gpio.PinOut, error) {
	if pin == "" {
		return nil, nil
	}
	p := gpioreg.ByName(pin)
	if p == nil {
		return nil, fmt.Errorf("no gpio pin named %q for the led", pin)
	}
	if err := p.Out(gpio.High); err != nil {
		return nil, fmt.Errorf("drive %s: %w", pin, err)
	}
	return p, nil
}
