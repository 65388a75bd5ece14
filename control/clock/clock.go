// Package clock runs the clock: it owns the scheduler, the soft clock, the display and the
// time-sync client, and drives them all from a single goroutine.
package clock

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/jrockway/network-clock/control/button"
	"github.com/jrockway/network-clock/control/config"
	"github.com/jrockway/network-clock/control/display"
	"github.com/jrockway/network-clock/control/history"
	"github.com/jrockway/network-clock/control/scheduler"
	"github.com/jrockway/network-clock/control/softclock"
	"github.com/jrockway/network-clock/control/timesync"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/robfig/cron/v3"
	"golang.org/x/net/trace"
	"periph.io/x/conn/v3/gpio"
)

// Capacity is the number of scheduler slots.  Every task the clock can have at once fits.
const Capacity = 8

const (
	separatorPeriod = 500 * time.Millisecond
	bufferPeriod    = 5 * time.Second
	buttonPeriod    = button.DefaultInterval
	statusPeriod    = time.Second
)

var (
	closuresCounter = promauto.NewCounter(prometheus.CounterOpts{
		Name: "clock_closures_run",
		Help: "count of functions run on the clock loop on behalf of other goroutines",
	})
	recomputeCounter = promauto.NewCounter(prometheus.CounterOpts{
		Name: "clock_display_recomputes",
		Help: "count of times the display buffer was recomputed from the soft clock",
	})
	offsetsReplacedCounter = promauto.NewCounter(prometheus.CounterOpts{
		Name: "clock_offset_saves_replaced",
		Help: "count of offset changes replaced by a newer one before they were saved",
	})
	loopDelayMetric = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "clock_loop_delay",
		Help:    "amount of time between a scheduled wakeup and the loop running, in nanoseconds",
		Buckets: prometheus.ExponentialBuckets(1000, 10, 8),
	})
)

// ErrStopped is returned by Do when the loop is not running.
var ErrStopped = errors.New("clock loop stopped")

// Provisioner joins a wireless network, for example by WPS.
type Provisioner interface {
	Provision(ctx context.Context) error
}

// LogProvisioner is the Provisioner for hosts whose network is managed by the operating system.
type LogProvisioner struct{}

// Provision implements Provisioner.
func (LogProvisioner) Provision(ctx context.Context) error {
	log.Printf("network provisioning requested; association is managed by the host")
	return nil
}

// Recorder receives the outcome of every time sync.
type Recorder interface {
	Add(e history.Event)
}

// Options configures a Clock.
type Options struct {
	// Multiplex is the time each digit is lit for, and the granularity of the loop.
	Multiplex time.Duration
	// Resync is a cron expression for network time syncs.
	Resync string

	RefreshButton *button.Debouncer
	WPSButton     *button.Debouncer
	OffsetButton  *button.Debouncer
	// ConnLED is driven low while the last sync succeeded.
	ConnLED gpio.PinOut

	Provisioner Provisioner
	Recorder    Recorder
	// OnOffsetChange is called when the offset is changed with the offset button.  Calls are made
	// in order from one goroutine, and a change made while an earlier call is running replaces
	// any change still waiting.
	OnOffsetChange func(minutes int)
}

// Status is a snapshot of the clock for the status page and API.
type Status struct {
	Uptime        time.Duration
	Time          time.Time
	Reading       softclock.Reading
	Offset        int
	Display       string
	Server        string
	Sync          timesync.Stats
	NextResync    time.Time
	Tasks         []scheduler.TaskInfo
	TaskCapacity  int
	NextTask      time.Duration // uptime the earliest task is due
	DisplayErrors uint64
	DisplayError  string
}

// Clock is the clock.  Everything but Do, Status and the methods built on Do must be called from
// the loop goroutine.
type Clock struct {
	opts   Options
	sched  *scheduler.Scheduler
	soft   *softclock.Clock
	mux    *display.Multiplexer
	driver display.Driver
	sync   *timesync.Client
	resync cron.Schedule
	panel  button.Panel

	pollHandle   scheduler.Handle
	resyncHandle scheduler.Handle
	runCtx       context.Context // only read on the loop
	doCh         chan func()
	stopped      chan struct{}
	offsetCh     chan int      // nil without OnOffsetChange
	saverDone    chan struct{} // closed when the saver goroutine exits
	l            trace.EventLog

	statusMu sync.RWMutex
	status   Status // must hold statusMu
}

// New returns a clock that shows time from soft on driver and keeps it in sync with client.
func New(driver display.Driver, soft *softclock.Clock, client *timesync.Client, opts Options) (*Clock, error) {
	if opts.Multiplex <= 0 {
		opts.Multiplex = config.Default().Hardware.Multiplex
	}
	if opts.Resync == "" {
		opts.Resync = config.Default().Sync.Resync
	}
	if opts.Provisioner == nil {
		opts.Provisioner = LogProvisioner{}
	}
	resync, err := cron.ParseStandard(opts.Resync)
	if err != nil {
		return nil, fmt.Errorf("parse resync schedule %q: %w", opts.Resync, err)
	}

	c := &Clock{
		opts:    opts,
		sched:   scheduler.New(Capacity),
		soft:    soft,
		mux:     display.NewMultiplexer(driver),
		driver:  driver,
		sync:    client,
		resync:  resync,
		runCtx:  context.Background(),
		doCh:    make(chan func(), 16),
		stopped: make(chan struct{}),
		l:       trace.NewEventLog("service", "clock"),
	}
	client.OnResolved = c.resolved
	client.OnFailed = c.failed
	if opts.OnOffsetChange != nil {
		c.offsetCh = make(chan int, 1)
		c.saverDone = make(chan struct{})
		go c.saveOffsets()
	}

	if b := opts.RefreshButton; b != nil {
		c.panel.Add(b, func() { c.trigger(c.soft.Uptime()) })
	}
	if b := opts.WPSButton; b != nil {
		c.panel.Add(b, func() { c.reprovision() })
	}
	if b := opts.OffsetButton; b != nil {
		c.panel.Add(b, func() { c.stepOffset() })
	}

	type task struct {
		tag string
		due time.Duration
		fn  scheduler.TaskFunc
	}
	now := soft.Uptime()
	tasks := []task{
		{"display refresh", now, c.refreshTask},
		{"separator blink", now + separatorPeriod, c.separatorTask},
		{"display buffer", now + bufferPeriod, c.bufferTask},
		{"clock resync", now, c.resyncTask},
		{"status", now, c.statusTask},
	}
	if c.panel.Len() > 0 {
		tasks = append(tasks, task{"button poll", now + buttonPeriod, c.buttonTask})
	}
	for _, t := range tasks {
		h, err := c.sched.Register(t.tag, t.due, t.fn)
		if err != nil {
			return nil, fmt.Errorf("register %s task: %w", t.tag, err)
		}
		if t.tag == "clock resync" {
			c.resyncHandle = h
		}
	}
	c.publish(now)
	return c, nil
}

func (c *Clock) refreshTask(now time.Duration) scheduler.Result {
	c.mux.RefreshNextDigit()
	return scheduler.After(now, c.opts.Multiplex)
}

func (c *Clock) separatorTask(now time.Duration) scheduler.Result {
	c.mux.ToggleSeparator()
	return scheduler.After(now, separatorPeriod)
}

func (c *Clock) bufferTask(now time.Duration) scheduler.Result {
	c.recompute()
	return scheduler.After(now, bufferPeriod)
}

func (c *Clock) buttonTask(now time.Duration) scheduler.Result {
	c.panel.Poll(now)
	return scheduler.After(now, buttonPeriod)
}

func (c *Clock) statusTask(now time.Duration) scheduler.Result {
	c.publish(now)
	return scheduler.After(now, statusPeriod)
}

func (c *Clock) resyncTask(now time.Duration) scheduler.Result {
	c.trigger(now)
	return scheduler.After(now, c.untilResync())
}

func (c *Clock) pollTask(now time.Duration) scheduler.Result {
	r := c.sync.PollTask(now)
	if r.Cancelled() {
		c.pollHandle = scheduler.Handle{}
	}
	return r
}

// untilResync returns the time until the schedule next fires, by the soft clock.
func (c *Clock) untilResync() time.Duration {
	t := c.soft.Time()
	d := c.resync.Next(t).Sub(t)
	if d < time.Second {
		d = time.Second
	}
	return d
}

// recompute shows the soft clock's current hour and minute.
func (c *Clock) recompute() {
	r := c.soft.Now()
	c.mux.Buffer().SetClock(r.Hour, r.Minute)
	recomputeCounter.Inc()
}

// trigger starts a sync and polls for the reply until the exchange ends.
func (c *Clock) trigger(now time.Duration) {
	if !c.sync.Trigger(now) {
		return
	}
	if c.pollHandle.Valid() {
		c.sched.Deregister(c.pollHandle)
	}
	h, err := c.sched.Register("ntp poll", now+c.sync.PollInterval(), c.pollTask)
	if err != nil {
		c.l.Errorf("register ntp poll task: %v", err)
		return
	}
	c.pollHandle = h
}

func (c *Clock) resolved(r timesync.Reply, correction time.Duration) {
	c.recompute()
	c.setConnLED(true)
	if c.opts.Recorder != nil {
		c.opts.Recorder.Add(history.Event{
			Date:       time.Unix(r.Epoch, 0).UTC(),
			Server:     c.sync.Server(),
			Epoch:      r.Epoch,
			Correction: correction,
			Stratum:    int(r.Stratum),
			RefID:      r.RefID,
		})
	}
	c.publish(c.soft.Uptime())
}

func (c *Clock) failed(err error) {
	c.setConnLED(false)
	if c.opts.Recorder != nil {
		c.opts.Recorder.Add(history.Event{
			Date:   c.soft.Time().UTC(),
			Server: c.sync.Server(),
			Err:    err,
		})
	}
}

func (c *Clock) setConnLED(ok bool) {
	if c.opts.ConnLED == nil {
		return
	}
	l := gpio.High
	if ok {
		l = gpio.Low
	}
	if err := c.opts.ConnLED.Out(l); err != nil {
		c.l.Errorf("set connection led: %v", err)
	}
}

// reprovision runs the provisioner off the loop, then syncs.
func (c *Clock) reprovision() {
	ctx := c.runCtx
	c.l.Printf("reprovisioning network")
	go func() {
		if err := c.opts.Provisioner.Provision(ctx); err != nil {
			log.Printf("provision network: %v", err)
			return
		}
		if err := c.Resync(); err != nil {
			log.Printf("sync after provisioning: %v", err)
		}
	}()
}

// stepOffset moves the offset forward an hour, wrapping from the easternmost zone to the
// westernmost.
func (c *Clock) stepOffset() {
	m := c.soft.Offset() + 60
	if m > softclock.MaxOffset {
		m = -12 * 60
	}
	c.setOffset(m)
	if c.offsetCh == nil {
		return
	}
	// Only the loop sends, so after draining a stale value the send can not block.
	select {
	case c.offsetCh <- m:
	default:
		select {
		case <-c.offsetCh:
			offsetsReplacedCounter.Inc()
		default:
		}
		c.offsetCh <- m
	}
}

// saveOffsets reports offset changes until offsetCh is closed.
func (c *Clock) saveOffsets() {
	defer close(c.saverDone)
	for m := range c.offsetCh {
		c.opts.OnOffsetChange(m)
	}
}

func (c *Clock) setOffset(minutes int) {
	if c.soft.Offset() == minutes {
		return
	}
	c.soft.SetOffset(minutes)
	c.l.Printf("offset now %d minutes", c.soft.Offset())
	c.recompute()
}

// publish copies the clock's state for other goroutines.
func (c *Clock) publish(now time.Duration) {
	n, err := c.mux.Errors()
	s := Status{
		Uptime:        now,
		Time:          c.soft.Time(),
		Reading:       c.soft.Now(),
		Offset:        c.soft.Offset(),
		Display:       c.mux.Buffer().String(),
		Server:        c.sync.Server(),
		Sync:          c.sync.Stats(),
		Tasks:         c.sched.Tasks(),
		TaskCapacity:  c.sched.Cap(),
		DisplayErrors: n,
	}
	s.NextTask, _ = c.sched.Next()
	if err != nil {
		s.DisplayError = err.Error()
	}
	if due, ok := c.sched.Due(c.resyncHandle); ok {
		s.NextResync = s.Time.Add(due - now)
	}
	c.statusMu.Lock()
	defer c.statusMu.Unlock()
	c.status = s
}

// Status returns the most recently published snapshot.  It is safe to call from any goroutine.
func (c *Clock) Status() Status {
	c.statusMu.RLock()
	defer c.statusMu.RUnlock()
	return c.status
}

// Do runs f on the loop goroutine.  It returns once f is queued.
func (c *Clock) Do(ctx context.Context, f func()) error {
	select {
	case <-c.stopped:
		return ErrStopped
	default:
	}
	select {
	case c.doCh <- f:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("queue function: %w", ctx.Err())
	case <-c.stopped:
		return ErrStopped
	}
}

// Resync starts a time sync now.  It is safe to call from any goroutine, and returns ErrStopped
// once the loop has exited.
func (c *Clock) Resync() error {
	return c.Do(context.Background(), func() { c.trigger(c.soft.Uptime()) })
}

// Reprovision runs the provisioner.  It is safe to call from any goroutine, and returns
// ErrStopped once the loop has exited.
func (c *Clock) Reprovision() error {
	return c.Do(context.Background(), c.reprovision)
}

// Apply makes the clock match the user's settings.  It is safe to call from any goroutine.
func (c *Clock) Apply(ctx context.Context, cfg config.Config) error {
	return c.Do(ctx, func() {
		if b, ok := c.driver.(display.Brightness); ok {
			if err := b.SetBrightness(cfg.Device.Brightness); err != nil {
				c.l.Errorf("set brightness: %v", err)
			}
		}
		if cfg.Sync.Server != c.sync.Server() {
			c.l.Printf("time server now %s", cfg.Sync.Server)
			c.sync.SetServer(cfg.Sync.Server)
		}
		c.setOffset(cfg.Device.TimeOffset)
		c.publish(c.soft.Uptime())
	})
}

// step runs queued functions and then the due tasks.
func (c *Clock) step() {
	for n := len(c.doCh); n > 0; n-- {
		c.run(<-c.doCh)
	}
	c.sched.Tick(c.soft.Uptime())
}

func (c *Clock) run(f func()) {
	closuresCounter.Inc()
	f()
}

// Run runs the clock until the context is cancelled.  It may only be called once.
func (c *Clock) Run(ctx context.Context) error {
	c.runCtx = ctx
	defer close(c.stopped)
	t := time.NewTicker(c.opts.Multiplex)
	defer t.Stop()
	c.step()
	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("clock loop: %w", ctx.Err())
		case tick := <-t.C:
			loopDelayMetric.Observe(float64(time.Since(tick).Nanoseconds()))
		case f := <-c.doCh:
			c.run(f)
		}
		c.step()
	}
}

// Shutdown blanks the display.  Call it after Run returns.
func (c *Clock) Shutdown() {
	if b, ok := c.driver.(display.Blanker); ok {
		if err := b.Blank(); err != nil {
			log.Printf("blank display: %v", err)
		}
	}
	if c.offsetCh != nil {
		close(c.offsetCh)
		<-c.saverDone
	}
	c.panel.Close()
	c.mux.Close()
	c.sync.Close()
	c.l.Finish()
}
