package timesync

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/net/trace"
)

// Conn carries datagrams to and from a time server.  Neither method may block for longer than
// it takes to hand a buffer to the kernel.
type Conn interface {
	// Send queues one request for server, a host name or host:port.
	Send(server string, b []byte) error
	// Receive copies a waiting datagram into b.  ok is false if nothing has arrived.  An error
	// wrapping ErrSendFailed means the last request never left, and no reply will come.
	Receive(b []byte) (n int, ok bool, err error)
}

// ErrSendFailed is returned by Receive when the request queued by Send could not be resolved or
// written.
var ErrSendFailed = errors.New("request not sent")

var (
	droppedDatagramsCounter = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ntp_dropped_datagrams",
		Help: "count of datagrams discarded because an earlier one had not been read yet, or because they were stale",
	})

	sendErrorsCounter = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ntp_send_errors",
		Help: "count of requests that could not be sent (resolver or socket errors)",
	})
)

type outgoing struct {
	server string
	b      []byte
}

// UDPConn is a Conn on a UDP socket.  Resolving and writing happen on a sender goroutine and
// reading happens on a reader goroutine, so the caller's loop never waits on the network.  A
// request that cannot be resolved or written is reported by the next Receive.  Only datagrams
// from the address the last request went to are delivered.
type UDPConn struct {
	conn     *net.UDPConn
	resolver *net.Resolver
	// ResolverTimeout bounds each name lookup.  It should not exceed the time the client waits
	// for a reply, or the request goes out after the exchange was abandoned.
	ResolverTimeout time.Duration

	in   chan []byte
	out  chan outgoing
	errs chan error
	peer atomic.Pointer[net.UDPAddr]
	done chan struct{}
	wg   sync.WaitGroup

	closeOnce sync.Once
	l         trace.EventLog
}

// ListenUDP opens a socket on the given local port (0 picks one).
func ListenUDP(port int) (*UDPConn, error) {
	conn, err := net.ListenUDP("udp", &net.UDPAddr{Port: port})
	if err != nil {
		return nil, fmt.Errorf("listen on udp port %d: %w", port, err)
	}
	c := &UDPConn{
		conn:            conn,
		resolver:        net.DefaultResolver,
		ResolverTimeout: DefaultAttempts * DefaultPollInterval,
		in:              make(chan []byte, 1),
		out:             make(chan outgoing, 1),
		errs:            make(chan error, 1),
		done:            make(chan struct{}),
		l:               trace.NewEventLog("conn", "ntp-udp"),
	}
	c.wg.Add(2)
	go c.read()
	go c.write()
	return c, nil
}

// LocalAddr returns the socket's address.
func (c *UDPConn) LocalAddr() net.Addr { return c.conn.LocalAddr() }

func (c *UDPConn) read() {
	defer c.wg.Done()
	for {
		buf := make([]byte, 2*PacketSize)
		n, from, err := c.conn.ReadFromUDP(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			c.l.Errorf("read: %v", err)
			select {
			case <-c.done:
				return
			case <-time.After(100 * time.Millisecond):
			}
			continue
		}
		if peer := c.peer.Load(); peer == nil || !peer.IP.Equal(from.IP) || peer.Port != from.Port {
			droppedDatagramsCounter.Inc()
			c.l.Printf("dropping %d bytes from unexpected source %v", n, from)
			continue
		}
		c.l.Printf("received %d bytes from %v", n, from)
		select {
		case c.in <- buf[:n]:
		default:
			droppedDatagramsCounter.Inc()
		}
	}
}

func (c *UDPConn) write() {
	defer c.wg.Done()
	for {
		select {
		case <-c.done:
			return
		case o := <-c.out:
			if err := c.send(o); err != nil {
				c.l.Errorf("send: %v", err)
				select {
				case c.errs <- fmt.Errorf("%w: %w", ErrSendFailed, err):
				default:
				}
			}
		}
	}
}

func hostPort(server string) string {
	if _, _, err := net.SplitHostPort(server); err == nil {
		return server
	}
	return net.JoinHostPort(server, strconv.Itoa(Port))
}

func (c *UDPConn) send(o outgoing) error {
	host, port, err := net.SplitHostPort(hostPort(o.server))
	if err != nil {
		return fmt.Errorf("parse server address %q: %w", o.server, err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), c.ResolverTimeout)
	defer cancel()
	addrs, err := c.resolver.LookupIPAddr(ctx, host)
	if err != nil {
		return fmt.Errorf("resolve %q: %w", host, err)
	}
	var ip net.IP
	for _, a := range addrs {
		if v4 := a.IP.To4(); v4 != nil {
			ip = v4
			break
		}
	}
	if ip == nil && len(addrs) > 0 {
		ip = addrs[0].IP
	}
	if ip == nil {
		return fmt.Errorf("resolve %q: no addresses", host)
	}
	p, err := strconv.Atoi(port)
	if err != nil {
		return fmt.Errorf("parse port %q: %w", port, err)
	}
	addr := &net.UDPAddr{IP: ip, Port: p}
	c.peer.Store(addr)
	if _, err := c.conn.WriteToUDP(o.b, addr); err != nil {
		return fmt.Errorf("write to %v: %w", addr, err)
	}
	c.l.Printf("sent %d bytes to %v (%s)", len(o.b), addr, o.server)
	return nil
}

// Send implements Conn.  Any datagram or error still waiting from an earlier exchange is
// discarded, so a late reply to an abandoned request can not be mistaken for the answer to this
// one.
func (c *UDPConn) Send(server string, b []byte) error {
	select {
	case <-c.done:
		return net.ErrClosed
	default:
	}
	c.peer.Store(nil)
	select {
	case <-c.in:
		droppedDatagramsCounter.Inc()
	default:
	}
	select {
	case <-c.errs:
	default:
	}
	select {
	case c.out <- outgoing{server: server, b: append([]byte(nil), b...)}:
		return nil
	default:
		return errors.New("send: previous request still being sent")
	}
}

// Receive implements Conn.
func (c *UDPConn) Receive(b []byte) (int, bool, error) {
	select {
	case err := <-c.errs:
		return 0, false, err
	default:
	}
	select {
	case d := <-c.in:
		return copy(b, d), true, nil
	case <-c.done:
		return 0, false, net.ErrClosed
	default:
		return 0, false, nil
	}
}

// Close stops both goroutines and closes the socket.
func (c *UDPConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		err = c.conn.Close()
		c.wg.Wait()
		c.l.Finish()
	})
	return err
}
