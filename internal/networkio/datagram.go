package networkio

import (
	"bytes"
	"math"
	"net"
)

// maxDatagramSize is the largest payload a UDP socket can deliver.
const maxDatagramSize = math.MaxUint16

// datagramConn carries one OpenVPN packet per datagram.
type datagramConn struct {
	net.Conn
	buf [maxDatagramSize]byte
}

var _ FramingConn = &datagramConn{}

// ReadRawPacket implements FramingConn.
func (c *datagramConn) ReadRawPacket() ([]byte, error) {
	n, err := c.Conn.Read(c.buf[:])
	if err != nil {
		return nil, err
	}
	return bytes.Clone(c.buf[:n]), nil
}

// WriteRawPacket implements FramingConn.
func (c *datagramConn) WriteRawPacket(pkt []byte) error {
	if len(pkt) > maxDatagramSize {
		return ErrPacketTooLarge
	}
	_, err := c.Conn.Write(pkt)
	return err
}
