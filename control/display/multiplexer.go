package display

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/net/trace"
)

// Driver writes one digit's segments to the hardware.
type Driver interface {
	WriteDigit(pattern byte, position int) error
}

// Brightness is implemented by drivers that can dim the display.
type Brightness interface {
	SetBrightness(b uint8) error
}

// Blanker is implemented by drivers that can turn the whole display off.
type Blanker interface {
	Blank() error
}

type tee []Driver

func (t tee) WriteDigit(pattern byte, position int) error {
	var errs []error
	for _, d := range t {
		if err := d.WriteDigit(pattern, position); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (t tee) SetBrightness(b uint8) error {
	var errs []error
	for _, d := range t {
		if bd, ok := d.(Brightness); ok {
			errs = append(errs, bd.SetBrightness(b))
		}
	}
	return errors.Join(errs...)
}

func (t tee) Blank() error {
	var errs []error
	for _, d := range t {
		if bd, ok := d.(Blanker); ok {
			errs = append(errs, bd.Blank())
		}
	}
	return errors.Join(errs...)
}

// Tee returns a driver that writes to every one of drivers.
func Tee(drivers ...Driver) Driver {
	return tee(drivers)
}

var (
	refreshCounter = promauto.NewCounter(prometheus.CounterOpts{
		Name: "display_refreshes",
		Help: "count of single-digit refreshes",
	})
	driverErrorsCounter = promauto.NewCounter(prometheus.CounterOpts{
		Name: "display_driver_errors",
		Help: "count of failed digit writes",
	})
)

// Multiplexer shows a Buffer by writing one digit per call to RefreshNextDigit.  It must be
// called often and regularly; at a few milliseconds per digit, persistence of vision makes all
// four digits appear lit.
type Multiplexer struct {
	driver Driver
	buf    Buffer
	active int

	errors  uint64
	lastErr error
	l       trace.EventLog
}

// NewMultiplexer returns a multiplexer showing the power-on banner.
func NewMultiplexer(d Driver) *Multiplexer {
	return &Multiplexer{
		driver: d,
		buf:    Banner,
		l:      trace.NewEventLog("display", "multiplexer"),
	}
}

// Buffer returns the buffer being shown.  Writes through the pointer take effect on the next
// refresh.
func (m *Multiplexer) Buffer() *Buffer { return &m.buf }

// Active returns the position the next refresh will write.
func (m *Multiplexer) Active() int { return m.active }

// Errors returns the number of failed writes and the most recent error.
func (m *Multiplexer) Errors() (uint64, error) { return m.errors, m.lastErr }

// ToggleSeparator flips the blinking separator.
func (m *Multiplexer) ToggleSeparator() {
	m.buf.Separator = !m.buf.Separator
}

// RefreshNextDigit writes the active digit and moves on to the next one.  The separator is the
// decimal point of the second and third digits.
func (m *Multiplexer) RefreshNextDigit() {
	p := m.buf.Digits[m.active]
	if m.buf.Separator && (m.active == 1 || m.active == 2) {
		p |= SegDP
	}
	refreshCounter.Inc()
	if err := m.driver.WriteDigit(p, m.active); err != nil {
		driverErrorsCounter.Inc()
		m.errors++
		// Log transitions only; a broken bus fails hundreds of times a second.
		if m.lastErr == nil || m.lastErr.Error() != err.Error() {
			m.l.Errorf("digit %d: %v", m.active, err)
		}
		m.lastErr = err
	} else if m.lastErr != nil {
		m.l.Printf("digit %d: writes recovered after %d errors", m.active, m.errors)
		m.lastErr = nil
	}
	m.active = (m.active + 1) % Digits
}

// Close releases the event log.
func (m *Multiplexer) Close() {
	m.l.Finish()
}
