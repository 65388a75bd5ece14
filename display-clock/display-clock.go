// Command display-clock shows the host's time on the display, without any networking.  It is for
// bringing up new display hardware.
package main

import (
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jrockway/network-clock/control/config"
	"github.com/jrockway/network-clock/control/display"
	"github.com/jrockway/network-clock/control/hardware"
	"github.com/jrockway/network-clock/control/scheduler"
	"github.com/jrockway/network-clock/control/softclock"
)

var (
	spiName    = flag.String("spi", "/dev/spidev0.0", "spi port name or spidev path")
	driver     = flag.String("driver", "max7219", "display driver (max7219, shiftregister)")
	latch      = flag.String("latch", "", "latch pin, for the shiftregister driver")
	bitOrder   = flag.String("bit-order", "lsb", "bit order for the shiftregister driver")
	brightness = flag.Uint("brightness", 1, "brightness, 0-15")
	offset     = flag.Int("offset", 0, "offset from UTC in minutes")
	text       = flag.String("text", "", "show this text instead of the time")
	multiplex  = flag.Duration("multiplex", 2*time.Millisecond, "time each digit is lit for")
)

func main() {
	flag.Parse()
	if err := hardware.Init(); err != nil {
		log.Fatal(err)
	}

	hw := config.Default().Hardware
	hw.Driver = *driver
	hw.SPI = *spiName
	hw.Latch = *latch
	hw.BitOrder = *bitOrder
	d, err := hardware.OpenDisplay(hw, uint8(*brightness))
	if err != nil {
		log.Fatal(err)
	}

	uptime := softclock.NewSystemUptime()
	soft := softclock.New(uptime, time.Now().Unix())
	soft.SetOffset(*offset)
	mux := display.NewMultiplexer(d.Driver)
	if *text != "" {
		*mux.Buffer() = display.Text(*text)
	}

	s := scheduler.New(3)
	s.MustRegister("display refresh", 0, func(now time.Duration) scheduler.Result {
		mux.RefreshNextDigit()
		return scheduler.After(now, *multiplex)
	})
	s.MustRegister("separator blink", 0, func(now time.Duration) scheduler.Result {
		mux.ToggleSeparator()
		return scheduler.After(now, 500*time.Millisecond)
	})
	if *text == "" {
		s.MustRegister("display buffer", 0, func(now time.Duration) scheduler.Result {
			// The host clock is disciplined by the OS; follow it.
			soft.Adjust(time.Now().Unix())
			r := soft.Now()
			mux.Buffer().SetClock(r.Hour, r.Minute)
			return scheduler.After(now, time.Second)
		})
	}

	log.Printf("clock initialized")
	exit := make(chan os.Signal, 1)
	signal.Notify(exit, os.Interrupt, syscall.SIGTERM)

	t := time.NewTicker(*multiplex)
clock:
	for {
		select {
		case <-exit:
			break clock
		case <-t.C:
			s.Tick(uptime.Uptime())
		}
	}
	t.Stop()
	log.Printf("exiting")

	// Blank the display when exiting on a signal, so someone looking at the clock can tell
	// whether the OS crashed or we just exited the program.
	if b, ok := d.Driver.(display.Blanker); ok {
		if err := b.Blank(); err != nil {
			log.Printf("blank: %v", err)
		}
	}
	mux.Close()
	d.Close()
}
