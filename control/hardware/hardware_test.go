package hardware

import (
	"testing"

	"github.com/jrockway/network-clock/control/config"
	"github.com/jrockway/network-clock/control/display"
	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/conn/v3/gpio/gpiotest"
)

func TestPreviewDisplay(t *testing.T) {
	hw := config.Default().Hardware
	hw.Driver = "preview"
	d, err := OpenDisplay(hw, 7)
	if err != nil {
		t.Fatalf("open display: %v", err)
	}
	defer d.Close()
	if err := d.WriteDigit(display.Number(3), 2); err != nil {
		t.Fatalf("write digit: %v", err)
	}
	if got, want := d.Preview.Digits()[2], display.Number(3); got != want {
		t.Errorf("preview:\n  got: %#02x\n want: %#02x", got, want)
	}
	if _, ok := d.Driver.(display.Brightness); !ok {
		t.Error("preview driver can not set brightness")
	}
}

func TestMissingBus(t *testing.T) {
	hw := config.Default().Hardware
	hw.SPI = "NO_SUCH_SPI"
	if _, err := OpenDisplay(hw, 0); err == nil {
		t.Error("expected error for a missing spi port")
	}
	hw.SPI = "/dev/spidev-does-not-exist"
	if _, err := OpenDisplay(hw, 0); err == nil {
		t.Error("expected error for a missing spidev node")
	}
}

func TestPins(t *testing.T) {
	buttonPin := &gpiotest.Pin{N: "CLOCKTEST_BUTTON", Num: 9001, L: gpio.High}
	ledPin := &gpiotest.Pin{N: "CLOCKTEST_LED", Num: 9002}
	for _, p := range []gpio.PinIO{buttonPin, ledPin} {
		if err := gpioreg.Register(p); err != nil {
			t.Fatalf("register %v: %v", p, err)
		}
	}
	defer gpioreg.Unregister(buttonPin.N)
	defer gpioreg.Unregister(ledPin.N)

	b, err := Button("refresh", "CLOCKTEST_BUTTON")
	if err != nil {
		t.Fatalf("button: %v", err)
	}
	if b == nil || b.Name() != "refresh" {
		t.Errorf("button: %v", b)
	}
	if b, err := Button("wps", ""); b != nil || err != nil {
		t.Errorf("unconfigured button:\n  got: %v, %v\n want: nil, nil", b, err)
	}
	if _, err := Button("offset", "CLOCKTEST_MISSING"); err == nil {
		t.Error("expected error for a missing pin")
	}

	led, err := LED("CLOCKTEST_LED")
	if err != nil {
		t.Fatalf("led: %v", err)
	}
	if led == nil {
		t.Fatal("no led")
	}
	if got, want := ledPin.L, gpio.High; got != want {
		t.Errorf("led level:\n  got: %v\n want: %v", got, want)
	}
	if led, err := LED(""); led != nil || err != nil {
		t.Errorf("unconfigured led:\n  got: %v, %v\n want: nil, nil", led, err)
	}
}
