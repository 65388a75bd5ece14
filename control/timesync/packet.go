package timesync

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net"

	"github.com/facebookincubator/ntp/protocol/ntp"
)

const (
	// PacketSize is the size of requests and replies.
	PacketSize = 48

	// EpochDelta is the number of seconds between 1900-01-01 (the NTP era 0 epoch) and
	// 1970-01-01 (the Unix epoch).
	EpochDelta = 2208988800

	// Port is the server port.
	Port = 123

	// ModeServer is the association mode of a server's reply.
	ModeServer = 4
)

var (
	// ErrShortPacket is returned when a reply is smaller than PacketSize.
	ErrShortPacket = errors.New("short ntp packet")
	// ErrNotServer means a datagram decoded but was not sent by a server.
	ErrNotServer = errors.New("not a server reply")
)

// Request fields, byte by byte:
//
//	0      LI=0, VN=4, Mode=3 (client)
//	1      stratum 2
//	2      poll interval 2^6
//	3      precision 2^-20
//	12-15  reference id "1N14"
var request = ntp.Packet{
	Settings:    0xe3,
	Stratum:     2,
	Poll:        6,
	Precision:   -20,
	ReferenceID: 0x314e3134,
}

// Request returns a fresh copy of the request datagram.
func Request() []byte {
	b, err := request.Bytes()
	if err != nil {
		// Bytes only fails if the packet struct is not fixed-size.
		panic(fmt.Sprintf("encode ntp request: %v", err))
	}
	return b
}

// Reply is the part of a server reply the clock cares about.
type Reply struct {
	Mode    uint8
	Stratum uint8
	RefID   string
	Seconds uint32 // transmit timestamp, seconds since 1900
	Epoch   int64  // transmit timestamp, seconds since 1970
}

// DecodeReply extracts the transmit timestamp from a reply.
func DecodeReply(b []byte) (Reply, error) {
	if len(b) < PacketSize {
		return Reply{}, fmt.Errorf("decode reply: %w: %d bytes", ErrShortPacket, len(b))
	}
	p, err := ntp.BytesToPacket(b[:PacketSize])
	if err != nil {
		return Reply{}, fmt.Errorf("decode reply: %w", err)
	}
	if p.TxTimeSec == 0 {
		return Reply{}, errors.New("decode reply: zero transmit timestamp")
	}
	r := Reply{
		Mode:    p.Settings & 0x7,
		Stratum: p.Stratum,
		Seconds: p.TxTimeSec,
		Epoch:   int64(p.TxTimeSec) - EpochDelta,
	}
	r.RefID = intRefID(p.ReferenceID, p.Stratum)
	return r, nil
}

// refID renders a reference id the way chrony does: stratum 1 servers use a short ASCII name of
// their reference clock ("GPS", "PPS"), everyone else uses the upstream server's address.
func refID(ip net.IP) string {
	if v4 := ip.To4(); v4 != nil {
		last := len(v4)
		for i, b := range v4 {
			if b == 0 && i > 0 {
				last = i
				break
			}
			if b < '0' || b > 'z' {
				last = 0
				break
			}
		}
		if last > 0 {
			return string(v4[0:last])
		}
	}
	return ip.String()
}

func intRefID(id uint32, stratum uint8) string {
	ip := make(net.IP, 4)
	binary.BigEndian.PutUint32(ip, id)
	if stratum > 1 {
		return ip.String()
	}
	return refID(ip)
}
