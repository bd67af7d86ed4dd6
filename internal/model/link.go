package model

import "errors"

// ErrLinkBusy is reported by a [Link] that cannot queue more writes. The
// packets are dropped, as they would be by a congested network.
var ErrLinkBusy = errors.New("link: write queue full")

// PacketsHandler receives a batch of packets or the error that ended reading.
type PacketsHandler func(packets [][]byte, err error)

// Link is the network side of a session: a UDP socket or a TCP stream that
// already takes care of the stream framing.
//
// Callbacks are invoked on the goroutines owned by the link; consumers must
// move to their own context before touching their state.
type Link interface {
	// IsReliable returns true for stream links.
	IsReliable() bool

	// MTU is the largest packet the link accepts.
	MTU() int

	// RemoteAddress is the endpoint we are talking to.
	RemoteAddress() string

	// SetReadHandler installs the handler and starts reading.
	SetReadHandler(handler PacketsHandler)

	// WritePackets queues packets for sending and reports the outcome through
	// completion. It never blocks; completion is always called exactly once.
	WritePackets(packets [][]byte, completion func(error))

	// Close releases the link. Pending reads end with an error.
	Close() error
}

// Tunnel is the virtual interface side of a session.
type Tunnel interface {
	// IsPersistent returns true when the tunnel survives reconnections.
	IsPersistent() bool

	// SetReadHandler installs the handler and starts reading.
	SetReadHandler(handler PacketsHandler)

	// WritePackets delivers decrypted packets and reports the outcome through completion.
	WritePackets(packets [][]byte, completion func(error))

	// Close releases the tunnel.
	Close() error
}
