package button

import (
	"testing"
	"time"

	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpiotest"
)

func TestDebounce(t *testing.T) {
	pin := &gpiotest.Pin{N: "GPIO5", L: gpio.High}
	d, err := New("refresh", pin, 5*time.Millisecond)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer d.Close()

	ms := func(n int) time.Duration { return time.Duration(n) * time.Millisecond }
	steps := []struct {
		at             int
		level          gpio.Level
		changed, rose  bool
		fell, wantHeld bool
	}{
		{at: 0, level: gpio.High},
		{at: 5, level: gpio.Low},  // starts bouncing
		{at: 6, level: gpio.High}, // bounce
		{at: 7, level: gpio.Low},  // settles
		{at: 10, level: gpio.Low}, // not yet stable for 5ms
		{at: 12, level: gpio.Low, changed: true, fell: true, wantHeld: true},
		{at: 15, level: gpio.Low, wantHeld: true},
		{at: 50, level: gpio.High, wantHeld: true},
		{at: 52, level: gpio.Low, wantHeld: true}, // glitch while held
		{at: 60, level: gpio.High, wantHeld: true},
		{at: 65, level: gpio.High, changed: true, rose: true},
		{at: 70, level: gpio.High},
	}
	for _, s := range steps {
		pin.L = s.level
		changed := d.Update(ms(s.at))
		if got, want := changed, s.changed; got != want {
			t.Errorf("t=%dms: changed:\n  got: %v\n want: %v", s.at, got, want)
		}
		if got, want := d.Rose(), s.rose; got != want {
			t.Errorf("t=%dms: rose:\n  got: %v\n want: %v", s.at, got, want)
		}
		if got, want := d.Fell(), s.fell; got != want {
			t.Errorf("t=%dms: fell:\n  got: %v\n want: %v", s.at, got, want)
		}
		if got, want := d.Held(), s.wantHeld; got != want {
			t.Errorf("t=%dms: held:\n  got: %v\n want: %v", s.at, got, want)
		}
	}
}

func TestPanel(t *testing.T) {
	refreshPin := &gpiotest.Pin{N: "GPIO5", L: gpio.High}
	wpsPin := &gpiotest.Pin{N: "GPIO4", L: gpio.High}
	refresh, err := New("refresh", refreshPin, 0)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	wps, err := New("wps", wpsPin, 0)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	var p Panel
	defer p.Close()
	var refreshes, provisions int
	p.Add(refresh, func() { refreshes++ })
	p.Add(wps, func() { provisions++ })

	now := time.Duration(0)
	step := func(n int) {
		for i := 0; i < n; i++ {
			now += DefaultInterval
			p.Poll(now)
		}
	}
	refreshPin.L = gpio.Low
	step(3)
	if got, want := refreshes, 0; got != want {
		t.Errorf("refreshes while held:\n  got: %v\n want: %v", got, want)
	}
	refreshPin.L = gpio.High
	step(3)
	if got, want := refreshes, 1; got != want {
		t.Errorf("refreshes after release:\n  got: %v\n want: %v", got, want)
	}
	if got, want := provisions, 0; got != want {
		t.Errorf("provisions:\n  got: %v\n want: %v", got, want)
	}
}
