package networkio

import (
	"context"
	"net"

	"github.com/6ccg/ovpncore/internal/model"
	"github.com/6ccg/ovpncore/pkg/config"
)

// Dialer creates network connections. [*net.Dialer] implements it.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// Dial connects to endpoint and returns a [Link] with the framing of its protocol.
func Dial(ctx context.Context, logger model.Logger, dialer Dialer, endpoint config.Endpoint) (*Link, error) {
	proto := endpoint.Proto
	if proto == "" {
		proto = config.ProtoUDP
	}
	logger.Infof("networkio: dialing %s/%s", endpoint.Address(), proto)
	conn, err := dialer.DialContext(ctx, proto.Network(), endpoint.Address())
	if err != nil {
		return nil, err
	}
	return NewLink(logger, conn, proto.IsTCP()), nil
}
