package timesync

import (
	"errors"
	"fmt"
	"net"
	"testing"
	"time"
)

// serve answers every request on pc with reply(seconds).
func serve(t *testing.T, pc net.PacketConn, seconds uint32) {
	t.Helper()
	go func() {
		buf := make([]byte, 512)
		for {
			n, from, err := pc.ReadFrom(buf)
			if err != nil {
				return
			}
			if n != PacketSize || buf[0] != 0xe3 {
				continue
			}
			pc.WriteTo(reply(seconds), from)
		}
	}()
}

func TestUDPConn(t *testing.T) {
	server, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer server.Close()
	serve(t, server, 3913056000)

	c, err := ListenUDP(0)
	if err != nil {
		t.Fatalf("listen client: %v", err)
	}
	defer c.Close()

	buf := make([]byte, 128)
	if n, ok, err := c.Receive(buf); ok || err != nil {
		t.Fatalf("receive before send: %d, %v, %v", n, ok, err)
	}
	addr := fmt.Sprintf("127.0.0.1:%d", server.LocalAddr().(*net.UDPAddr).Port)
	if err := c.Send(addr, Request()); err != nil {
		t.Fatalf("send: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		n, ok, err := c.Receive(buf)
		if err != nil {
			t.Fatalf("receive: %v", err)
		}
		if !ok {
			time.Sleep(10 * time.Millisecond)
			continue
		}
		r, err := DecodeReply(buf[:n])
		if err != nil {
			t.Fatalf("decode: %v", err)
		}
		if got, want := r.Epoch, int64(1704067200); got != want {
			t.Errorf("epoch:\n  got: %v\n want: %v", got, want)
		}
		return
	}
	t.Fatal("timeout waiting for reply")
}

func TestUDPConnResolveError(t *testing.T) {
	c, err := ListenUDP(0)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer c.Close()
	c.ResolverTimeout = time.Second

	if err := c.Send("no-such-host.invalid", Request()); err != nil {
		t.Fatalf("send: %v", err)
	}
	buf := make([]byte, 128)
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		_, ok, err := c.Receive(buf)
		if ok {
			t.Fatal("received a datagram from a host that does not exist")
		}
		if err == nil {
			time.Sleep(10 * time.Millisecond)
			continue
		}
		if !errors.Is(err, ErrSendFailed) {
			t.Errorf("receive error:\n  got: %v\n want: %v", err, ErrSendFailed)
		}
		// The error is reported once.
		if _, _, err := c.Receive(buf); err != nil {
			t.Errorf("second receive: %v", err)
		}
		return
	}
	t.Fatal("timeout waiting for the resolver error")
}

func TestUDPConnDropsOtherSources(t *testing.T) {
	server, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer server.Close()
	stranger, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer stranger.Close()

	c, err := ListenUDP(0)
	if err != nil {
		t.Fatalf("listen client: %v", err)
	}
	defer c.Close()
	local := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: c.LocalAddr().(*net.UDPAddr).Port}

	addr := fmt.Sprintf("127.0.0.1:%d", server.LocalAddr().(*net.UDPAddr).Port)
	if err := c.Send(addr, Request()); err != nil {
		t.Fatalf("send: %v", err)
	}
	buf := make([]byte, 512)
	server.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, _, err := server.ReadFrom(buf); err != nil {
		t.Fatalf("server did not see the request: %v", err)
	}

	// A reply from the wrong port, then the real one.
	if _, err := stranger.WriteTo(reply(3913056000), local); err != nil {
		t.Fatalf("write from stranger: %v", err)
	}
	time.Sleep(50 * time.Millisecond)
	if _, err := server.WriteTo(reply(3913056001), local); err != nil {
		t.Fatalf("write from server: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		n, ok, err := c.Receive(buf)
		if err != nil {
			t.Fatalf("receive: %v", err)
		}
		if !ok {
			time.Sleep(10 * time.Millisecond)
			continue
		}
		r, err := DecodeReply(buf[:n])
		if err != nil {
			t.Fatalf("decode: %v", err)
		}
		if got, want := r.Seconds, uint32(3913056001); got != want {
			t.Errorf("reply came from the wrong source:\n  got: %v\n want: %v", got, want)
		}
		return
	}
	t.Fatal("timeout waiting for reply")
}

func TestUDPConnClosed(t *testing.T) {
	c, err := ListenUDP(0)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := c.Send("127.0.0.1", Request()); err == nil {
		t.Error("send on a closed conn succeeded")
	}
	if _, _, err := c.Receive(make([]byte, 48)); err == nil {
		t.Error("receive on a closed conn succeeded")
	}
	if err := c.Close(); err != nil {
		t.Errorf("second close: %v", err)
	}
}

func TestHostPort(t *testing.T) {
	testData := []struct {
		in, want string
	}{
		{"time.nist.gov", "time.nist.gov:123"},
		{"10.0.0.1:1123", "10.0.0.1:1123"},
		{"::1", "[::1]:123"},
	}
	for _, test := range testData {
		if got := hostPort(test.in); got != test.want {
			t.Errorf("hostPort(%q):\n  got: %v\n want: %v", test.in, got, test.want)
		}
	}
}
