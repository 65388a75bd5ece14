// Package timesync fetches the time from an NTP server without ever blocking the caller.
//
// An exchange is a small state machine.  Trigger sends one request and moves from Idle to
// RequestSent.  Each Poll then checks for a reply exactly once: a miss uses up one attempt, and
// when the attempts run out the exchange is abandoned and the client goes back to Idle until the
// next Trigger.  A good reply adjusts the soft clock, passes through Resolved, and ends in Idle.
package timesync

import (
	"errors"
	"fmt"
	"time"

	"github.com/jrockway/network-clock/control/scheduler"
	"github.com/jrockway/network-clock/control/softclock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/net/trace"
)

const (
	// DefaultServer is the server the firmware has always used.
	DefaultServer = "time.nist.gov"
	// DefaultAttempts is the number of polls for a reply before giving up.
	DefaultAttempts = 10
	// DefaultPollInterval is the time between polls.
	DefaultPollInterval = 200 * time.Millisecond
)

var (
	requestsCounter = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ntp_requests",
		Help: "count of requests sent",
	})
	repliesCounter = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ntp_replies",
		Help: "count of valid replies applied to the clock",
	})
	malformedCounter = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ntp_malformed_replies",
		Help: "count of replies that could not be decoded",
	})
	timeoutsCounter = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ntp_timeouts",
		Help: "count of exchanges abandoned after running out of attempts",
	})
	ignoredTriggersCounter = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ntp_ignored_triggers",
		Help: "count of triggers that arrived while a request was outstanding",
	})
	correctionMetric = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ntp_last_correction_seconds",
		Help: "difference between the server's time and the soft clock at the last sync",
	})
	lastSyncMetric = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ntp_last_sync_epoch_seconds",
		Help: "server time of the last successful sync",
	})
)

// State is the state of the current exchange.
type State int

const (
	Idle State = iota
	RequestSent
	Resolved
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case RequestSent:
		return "request sent"
	case Resolved:
		return "resolved"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Stats summarizes the client's history.
type Stats struct {
	State      State
	Remaining  int           // attempts left in the current exchange
	SentAt     time.Duration // uptime the outstanding request was sent
	Requests   uint64
	Polls      uint64
	Replies    uint64
	Malformed  uint64
	Timeouts   uint64
	SendErrors uint64

	LastSync       int64         // server epoch of the last good reply; 0 if never synced
	LastSyncUptime time.Duration // uptime of the last good reply
	LastCorrection time.Duration
	LastRefID      string
	LastStratum    uint8
}

// Options configures a Client.  Zero values select the defaults.
type Options struct {
	Server       string
	Attempts     int
	PollInterval time.Duration
}

// Client runs exchanges against one server and applies the results to a soft clock.
type Client struct {
	conn  Conn
	clock *softclock.Clock
	opts  Options

	stats Stats
	buf   []byte
	l     trace.EventLog

	// OnResolved is called after a reply has been applied to the clock.
	OnResolved func(r Reply, correction time.Duration)
	// OnFailed is called when an exchange ends without a usable reply.
	OnFailed func(err error)
}

// NewClient returns an idle client.
func NewClient(conn Conn, clock *softclock.Clock, opts Options) *Client {
	if opts.Server == "" {
		opts.Server = DefaultServer
	}
	if opts.Attempts <= 0 {
		opts.Attempts = DefaultAttempts
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	return &Client{
		conn:  conn,
		clock: clock,
		opts:  opts,
		buf:   make([]byte, 2*PacketSize),
		l:     trace.NewEventLog("service", "timesync"),
	}
}

// State returns the current state.
func (c *Client) State() State { return c.stats.State }

// Stats returns a copy of the client's counters.
func (c *Client) Stats() Stats { return c.stats }

// Server returns the configured server.
func (c *Client) Server() string { return c.opts.Server }

// SetServer changes the server used by the next exchange.
func (c *Client) SetServer(server string) {
	if server == "" {
		server = DefaultServer
	}
	c.opts.Server = server
}

// PollInterval returns the time the caller should leave between polls.
func (c *Client) PollInterval() time.Duration { return c.opts.PollInterval }

// Budget returns how long an exchange waits for a reply before giving up.
func (c *Client) Budget() time.Duration {
	return time.Duration(c.opts.Attempts) * c.opts.PollInterval
}

// Trigger starts an exchange.  It returns false, and does nothing, when a request is already
// outstanding or the request could not be handed to the connection.
func (c *Client) Trigger(now time.Duration) bool {
	if c.stats.State != Idle {
		ignoredTriggersCounter.Inc()
		c.l.Printf("trigger ignored: %v with %d attempts left", c.stats.State, c.stats.Remaining)
		return false
	}
	if err := c.conn.Send(c.opts.Server, Request()); err != nil {
		c.stats.SendErrors++
		sendErrorsCounter.Inc()
		c.l.Errorf("send request to %s: %v", c.opts.Server, err)
		c.fail(fmt.Errorf("send request to %s: %w", c.opts.Server, err))
		return false
	}
	requestsCounter.Inc()
	c.stats.Requests++
	c.stats.State = RequestSent
	c.stats.SentAt = now
	c.stats.Remaining = c.opts.Attempts
	c.l.Printf("request sent to %s", c.opts.Server)
	return true
}

// Poll checks for a reply once.  It does nothing unless a request is outstanding.
func (c *Client) Poll(now time.Duration) State {
	if c.stats.State != RequestSent {
		return c.stats.State
	}
	c.stats.Polls++

	n, ok, err := c.conn.Receive(c.buf)
	if errors.Is(err, ErrSendFailed) {
		c.stats.SendErrors++
		sendErrorsCounter.Inc()
		c.l.Errorf("send request to %s: %v", c.opts.Server, err)
		c.fail(fmt.Errorf("send request to %s: %w", c.opts.Server, err))
		return c.stats.State
	}
	if err != nil {
		c.l.Errorf("receive: %v", err)
		return c.miss(now)
	}
	if !ok {
		return c.miss(now)
	}
	r, err := DecodeReply(c.buf[:n])
	if err == nil && r.Mode != ModeServer {
		err = fmt.Errorf("%w: mode %d", ErrNotServer, r.Mode)
	}
	if err != nil {
		malformedCounter.Inc()
		c.stats.Malformed++
		c.l.Errorf("ignoring reply: %v", err)
		return c.miss(now)
	}
	c.apply(now, r)
	return c.stats.State
}

func (c *Client) miss(now time.Duration) State {
	c.stats.Remaining--
	if c.stats.Remaining > 0 {
		return c.stats.State
	}
	timeoutsCounter.Inc()
	c.stats.Timeouts++
	c.l.Errorf("no reply from %s after %d attempts (%v); waiting for the next sync", c.opts.Server, c.opts.Attempts, now-c.stats.SentAt)
	c.fail(fmt.Errorf("no reply from %s after %d attempts", c.opts.Server, c.opts.Attempts))
	return c.stats.State
}

func (c *Client) fail(err error) {
	c.stats.State = Idle
	c.stats.Remaining = 0
	if c.OnFailed != nil {
		c.OnFailed(err)
	}
}

func (c *Client) apply(now time.Duration, r Reply) {
	before := c.clock.Epoch()
	c.clock.Adjust(r.Epoch)
	correction := time.Duration(r.Epoch-before) * time.Second

	c.stats.State = Resolved
	c.stats.Remaining = 0
	c.stats.Replies++
	c.stats.LastSync = r.Epoch
	c.stats.LastSyncUptime = now
	c.stats.LastCorrection = correction
	c.stats.LastRefID = r.RefID
	c.stats.LastStratum = r.Stratum

	repliesCounter.Inc()
	correctionMetric.Set(correction.Seconds())
	lastSyncMetric.Set(float64(r.Epoch))
	c.l.Printf("reply from %s: stratum %d, refid %s, unix time %d, correction %v", c.opts.Server, r.Stratum, r.RefID, r.Epoch, correction)

	if c.OnResolved != nil {
		c.OnResolved(r, correction)
	}
	c.stats.State = Idle
}

// PollTask is a scheduler task that polls until the exchange ends and then removes itself.
func (c *Client) PollTask(now time.Duration) scheduler.Result {
	if c.Poll(now) == RequestSent {
		return scheduler.After(now, c.opts.PollInterval)
	}
	return scheduler.Cancel()
}

// Close releases the event log.
func (c *Client) Close() {
	c.l.Finish()
}
