package datapath

import (
	"errors"
	"fmt"

	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"
)

// ErrBadTunnelPacket is returned for tunnel packets that are not IP.
var ErrBadTunnelPacket = errors.New("datapath: not an IP packet")

// validateTunnelPacket checks the IP header of a packet read from the
// tunnel before we spend a packet id on it.
func validateTunnelPacket(b []byte) error {
	if len(b) == 0 {
		return fmt.Errorf("%w: empty", ErrBadTunnelPacket)
	}
	switch b[0] >> 4 {
	case ipv4.Version:
		h, err := ipv4.ParseHeader(b)
		if err != nil {
			return fmt.Errorf("%w: %s", ErrBadTunnelPacket, err)
		}
		if h.Len > len(b) {
			return fmt.Errorf("%w: truncated IPv4 header", ErrBadTunnelPacket)
		}
		return nil
	case ipv6.Version:
		h, err := ipv6.ParseHeader(b)
		if err != nil {
			return fmt.Errorf("%w: %s", ErrBadTunnelPacket, err)
		}
		if ipv6.HeaderLen+h.PayloadLen > len(b) {
			return fmt.Errorf("%w: truncated IPv6 payload", ErrBadTunnelPacket)
		}
		return nil
	default:
		return fmt.Errorf("%w: version %d", ErrBadTunnelPacket, b[0]>>4)
	}
}
