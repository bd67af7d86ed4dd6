package networkio

import (
	"errors"
	"net"
)

// ErrPacketTooLarge means that a packet is larger than [math.MaxUint16].
var ErrPacketTooLarge = errors.New("networkio: packet too large")

// FramingConn is a [net.Conn] that reads and writes whole OpenVPN packets.
type FramingConn interface {
	// ReadRawPacket reads a single packet. The returned buffer is owned by
	// the caller.
	ReadRawPacket() ([]byte, error)

	// WriteRawPacket writes a single packet.
	WriteRawPacket(pkt []byte) error

	// LocalAddr is like [net.Conn.LocalAddr].
	LocalAddr() net.Addr

	// RemoteAddr is like [net.Conn.RemoteAddr].
	RemoteAddr() net.Addr

	// Close is like [net.Conn.Close].
	Close() error
}

// NewFramingConn returns the framing for conn: length prefixed packets for
// stream sockets, one packet per datagram otherwise.
func NewFramingConn(conn net.Conn, reliable bool) FramingConn {
	if reliable {
		return newStreamConn(conn)
	}
	return &datagramConn{Conn: conn}
}
