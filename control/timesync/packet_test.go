package timesync

import (
	"encoding/binary"
	"errors"
	"net"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestRequest(t *testing.T) {
	want := make([]byte, 48)
	want[0] = 0xe3
	want[1] = 0x02
	want[2] = 0x06
	want[3] = 0xec
	copy(want[12:], []byte{0x31, 0x4e, 0x31, 0x34})
	if diff := cmp.Diff(want, Request()); diff != "" {
		t.Errorf("request bytes (-want +got):\n%s", diff)
	}

	// Callers may scribble on the returned slice.
	a := Request()
	a[0] = 0
	if got := Request()[0]; got != 0xe3 {
		t.Errorf("request was mutated through a previous result: byte 0 is %#x", got)
	}
}

func reply(seconds uint32) []byte {
	b := make([]byte, 48)
	b[0] = 0x24 // LI=0, VN=4, Mode=4 (server)
	b[1] = 1
	copy(b[12:], "GPS\x00")
	binary.BigEndian.PutUint32(b[40:], seconds)
	return b
}

func TestDecodeReply(t *testing.T) {
	got, err := DecodeReply(reply(3913056000))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	want := Reply{
		Mode:    4,
		Stratum: 1,
		RefID:   "GPS",
		Seconds: 3913056000,
		Epoch:   1704067200,
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("reply (-want +got):\n%s", diff)
	}
}

func TestDecodeReplyErrors(t *testing.T) {
	if _, err := DecodeReply(reply(3913056000)[:47]); !errors.Is(err, ErrShortPacket) {
		t.Errorf("short reply:\n  got: %v\n want: %v", err, ErrShortPacket)
	}
	if _, err := DecodeReply(nil); !errors.Is(err, ErrShortPacket) {
		t.Errorf("empty reply:\n  got: %v\n want: %v", err, ErrShortPacket)
	}
	if _, err := DecodeReply(reply(0)); err == nil {
		t.Error("expected an error for a zero transmit timestamp")
	}
	long := append(reply(3913056000), 0xff, 0xff)
	if r, err := DecodeReply(long); err != nil || r.Epoch != 1704067200 {
		t.Errorf("reply with trailing bytes: %v, %v", r, err)
	}
}

func TestRefID(t *testing.T) {
	testData := []struct {
		in   net.IP
		want string
	}{
		{nil, "<nil>"},
		{net.IPv4(0, 0, 0, 0), "0.0.0.0"},
		{net.IPv6interfacelocalallnodes, "ff01::1"},
		{net.IPv4(1, 2, 3, 4), "1.2.3.4"},
		{net.IPv4('A', 0, 0, 0), "A"},
		{net.IPv4(80, 80, 83, 0), "PPS"},
		{net.IPv4(71, 80, 83, 0), "GPS"},
		{net.IPv4(78, 73, 83, 84), "NIST"},
	}

	for _, test := range testData {
		t.Run(test.in.String(), func(t *testing.T) {
			got := refID(test.in)
			if want := test.want; got != want {
				t.Errorf("convert refid (%s):\n  got: %v\n want: %v", []byte(test.in), got, want)
			}
		})
	}
}

func TestIntRefIDUsesAddressAboveStratumOne(t *testing.T) {
	// 71.80.83.0 spells GPS, but a stratum 2 server's refid is its upstream's address.
	if got, want := intRefID(0x47505300, 2), "71.80.83.0"; got != want {
		t.Errorf("stratum 2 refid:\n  got: %v\n want: %v", got, want)
	}
	if got, want := intRefID(0x47505300, 1), "GPS"; got != want {
		t.Errorf("stratum 1 refid:\n  got: %v\n want: %v", got, want)
	}
}
