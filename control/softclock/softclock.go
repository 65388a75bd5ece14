// Package softclock keeps wall-clock time in software, advancing a UTC base by the device's
// monotonic uptime.
//
// The stored base is always UTC.  The user's offset is applied only when the time is read for
// display, so changing the offset never requires re-deriving the base and a network correction
// can never pick up the offset twice.
package softclock

import (
	"fmt"
	"time"
)

const (
	secondsPerDay = 24 * 60 * 60

	// MaxOffset bounds the user's offset, in minutes.  Real timezones span -12h to +14h.
	MaxOffset = 14 * 60
)

// Uptime is a monotonic time source.  It must never go backwards.
type Uptime interface {
	Uptime() time.Duration
}

// SystemUptime measures uptime from the monotonic clock reading taken when it was created.
type SystemUptime struct {
	boot time.Time
}

// NewSystemUptime starts counting uptime now.
func NewSystemUptime() *SystemUptime {
	return &SystemUptime{boot: time.Now()}
}

// Uptime implements Uptime.
func (s *SystemUptime) Uptime() time.Duration { return time.Since(s.boot) }

// Reading is the clock's view of the current time.
type Reading struct {
	Hour, Minute, Second int
	Epoch                int64 // seconds since 1970-01-01T00:00:00Z
	Local                int64 // Epoch with the offset applied
}

func (r Reading) String() string {
	return fmt.Sprintf("%02d:%02d:%02d", r.Hour, r.Minute, r.Second)
}

// Clock is a soft real-time clock.
type Clock struct {
	uptime Uptime

	epoch  int64         // UTC seconds at base
	base   time.Duration // uptime at the last adjustment
	offset int           // minutes east of UTC
}

// New returns a clock reading seed (seconds since the Unix epoch, UTC) right now.
func New(u Uptime, seed int64) *Clock {
	c := &Clock{uptime: u}
	c.Adjust(seed)
	return c
}

// Adjust sets the clock to epoch as of the current uptime.
func (c *Clock) Adjust(epoch int64) {
	c.epoch = epoch
	c.base = c.uptime.Uptime()
}

// Uptime returns the reading of the clock's uptime source.
func (c *Clock) Uptime() time.Duration { return c.uptime.Uptime() }

// Epoch returns the current UTC time in whole seconds since the Unix epoch.
func (c *Clock) Epoch() int64 {
	elapsed := c.uptime.Uptime() - c.base
	return c.epoch + int64(elapsed/time.Second)
}

// SetOffset changes the offset applied to readings, in minutes.  Values beyond MaxOffset are
// clamped.
func (c *Clock) SetOffset(minutes int) {
	if minutes > MaxOffset {
		minutes = MaxOffset
	}
	if minutes < -MaxOffset {
		minutes = -MaxOffset
	}
	c.offset = minutes
}

// Offset returns the offset in minutes.
func (c *Clock) Offset() int { return c.offset }

// Now returns the current time with the offset applied.
func (c *Clock) Now() Reading {
	return ReadingAt(c.Epoch(), c.offset)
}

// ReadingAt computes the reading for a UTC epoch and an offset in minutes.  Hours, minutes and
// seconds come from the offset time, so a negative offset that crosses midnight lands on the
// previous day.
func ReadingAt(epoch int64, offsetMinutes int) Reading {
	local := epoch + int64(offsetMinutes)*60
	sod := local % secondsPerDay
	if sod < 0 {
		sod += secondsPerDay
	}
	return Reading{
		Hour:   int(sod / 3600),
		Minute: int(sod % 3600 / 60),
		Second: int(sod % 60),
		Epoch:  epoch,
		Local:  local,
	}
}

// Zone returns a fixed time zone for the offset.
func (c *Clock) Zone() *time.Location {
	return time.FixedZone(zoneName(c.offset), c.offset*60)
}

// Time returns the current time in the clock's zone.
func (c *Clock) Time() time.Time {
	return time.Unix(c.Epoch(), 0).In(c.Zone())
}

func zoneName(offset int) string {
	sign := '+'
	if offset < 0 {
		sign = '-'
		offset = -offset
	}
	return fmt.Sprintf("UTC%c%02d:%02d", sign, offset/60, offset%60)
}
