// Package button debounces push buttons wired between a GPIO line and ground.
package button

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/net/trace"
	"periph.io/x/conn/v3/gpio"
)

// DefaultInterval is how long a line must hold a level before it counts.
const DefaultInterval = 5 * time.Millisecond

var pressCounter = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "button_presses",
	Help: "count of debounced button releases",
}, []string{"button"})

// Debouncer tracks the level of one pin.  The line idles high (internal pull-up) and reads low
// while the button is held.
type Debouncer struct {
	name     string
	pin      gpio.PinIn
	interval time.Duration

	state     gpio.Level
	unstable  gpio.Level
	changedAt time.Duration
	changed   bool

	presses prometheus.Counter
	l       trace.EventLog
}

// New configures pin as a pulled-up input and starts tracking it.
func New(name string, pin gpio.PinIn, interval time.Duration) (*Debouncer, error) {
	if err := pin.In(gpio.PullUp, gpio.NoEdge); err != nil {
		return nil, fmt.Errorf("configure button %s on %v: %w", name, pin, err)
	}
	if interval <= 0 {
		interval = DefaultInterval
	}
	l := pin.Read()
	return &Debouncer{
		name:     name,
		pin:      pin,
		interval: interval,
		state:    l,
		unstable: l,
		presses:  pressCounter.WithLabelValues(name),
		l:        trace.NewEventLog("button", name),
	}, nil
}

// Name returns the name given to New.
func (d *Debouncer) Name() string { return d.name }

// Update samples the pin at uptime now.  It returns true if the debounced level changed.
func (d *Debouncer) Update(now time.Duration) bool {
	d.changed = false
	if l := d.pin.Read(); l != d.unstable {
		d.unstable = l
		d.changedAt = now
	}
	if d.unstable != d.state && now-d.changedAt >= d.interval {
		d.state = d.unstable
		d.changed = true
		if d.state == gpio.High {
			d.presses.Inc()
			d.l.Printf("released")
		} else {
			d.l.Printf("pressed")
		}
	}
	return d.changed
}

// Held reports whether the button is down.
func (d *Debouncer) Held() bool { return d.state == gpio.Low }

// Fell reports whether the last Update saw the button go down.
func (d *Debouncer) Fell() bool { return d.changed && d.state == gpio.Low }

// Rose reports whether the last Update saw the button come back up.  A press counts when the
// button is released.
func (d *Debouncer) Rose() bool { return d.changed && d.state == gpio.High }

// Close releases the event log.
func (d *Debouncer) Close() {
	d.l.Finish()
}

// Panel polls a set of buttons and calls a function when one is released.
type Panel struct {
	buttons []*Debouncer
	actions []func()
}

// Add registers onRelease to run after d is pressed and released.
func (p *Panel) Add(d *Debouncer, onRelease func()) {
	p.buttons = append(p.buttons, d)
	p.actions = append(p.actions, onRelease)
}

// Len returns the number of buttons on the panel.
func (p *Panel) Len() int { return len(p.buttons) }

// Poll updates every button and runs the actions of those that were released.
func (p *Panel) Poll(now time.Duration) {
	for i, d := range p.buttons {
		if d.Update(now) && d.Rose() && p.actions[i] != nil {
			p.actions[i]()
		}
	}
}

// Close closes every button.
func (p *Panel) Close() {
	for _, d := range p.buttons {
		d.Close()
	}
}
