package networkio

import (
	"bufio"
	"encoding/binary"
	"io"
	"math"
	"net"
)

// streamConn carries OpenVPN packets over TCP. Each packet follows its
// length as a big endian uint16.
type streamConn struct {
	net.Conn
	reader *bufio.Reader
	out    []byte
}

var _ FramingConn = &streamConn{}

func newStreamConn(conn net.Conn) *streamConn {
	return &streamConn{Conn: conn, reader: bufio.NewReader(conn)}
}

// ReadRawPacket implements FramingConn.
func (c *streamConn) ReadRawPacket() ([]byte, error) {
	var prefix [2]byte
	if _, err := io.ReadFull(c.reader, prefix[:]); err != nil {
		return nil, err
	}
	pkt := make([]byte, binary.BigEndian.Uint16(prefix[:]))
	if _, err := io.ReadFull(c.reader, pkt); err != nil {
		return nil, err
	}
	return pkt, nil
}

// WriteRawPacket implements FramingConn. The prefix and the packet go out
// in a single write.
func (c *streamConn) WriteRawPacket(pkt []byte) error {
	if len(pkt) > math.MaxUint16 {
		return ErrPacketTooLarge
	}
	c.out = binary.BigEndian.AppendUint16(c.out[:0], uint16(len(pkt)))
	c.out = append(c.out, pkt...)
	_, err := c.Conn.Write(c.out)
	return err
}
