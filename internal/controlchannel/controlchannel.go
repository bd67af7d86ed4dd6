// Package controlchannel implements the reliable control channel. The control
// channel sits between the framing codec below and the TLS engine above: it
// assigns packet ids, keeps the outbound queue until the peer acknowledges
// it, retransmits after an RTT based timeout and reorders inbound packets.
//
// A Channel is not safe for concurrent use. The session executor owns it.
package controlchannel

import (
	"errors"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/6ccg/ovpncore/internal/model"
	"github.com/6ccg/ovpncore/internal/optional"
	"github.com/6ccg/ovpncore/internal/replay"
	"github.com/6ccg/ovpncore/internal/wire"
)

const (
	// DefaultRetransmissionLimit is the interval after which an unacknowledged
	// packet is written again.
	DefaultRetransmissionLimit = 100 * time.Millisecond

	// inboundWindow bounds the reorder buffer.
	inboundWindow = 64

	// outboundCapacity bounds the outbound queue.
	outboundCapacity = 256
)

var (
	// ErrSessionMismatch means the peer acknowledged packets for a session
	// that is not ours.
	ErrSessionMismatch = errors.New("controlchannel: session mismatch")

	// ErrMissingSessionID means an operation needed a session id that has
	// not been generated or learned yet.
	ErrMissingSessionID = errors.New("controlchannel: missing session id")

	// ErrOutboundQueueFull means the peer stopped acknowledging our packets.
	ErrOutboundQueueFull = errors.New("controlchannel: outbound queue full")

	// ErrNotControl means a data packet was handed to the control channel.
	ErrNotControl = errors.New("controlchannel: not a control packet")
)

// outboundPacket is a queued packet waiting for its ack.
type outboundPacket struct {
	packet  *model.Packet
	sentAt  time.Time
	retries int
}

// Channel is the reliable control channel. Use [New] to construct.
type Channel struct {
	logger   model.Logger
	security *wire.ControlChannelSecurity
	rng      io.Reader

	// RetransmissionLimit is the minimum delay between two writes of the
	// same packet. It defaults to [DefaultRetransmissionLimit]. Slow links
	// get a longer delay from the measured round trip time.
	RetransmissionLimit time.Duration

	// Now is the clock used for the tls-auth and tls-crypt timestamp and
	// for the round trip samples.
	Now func() time.Time

	rtt rttEstimator

	sessionID       optional.Value[model.SessionID]
	remoteSessionID optional.Value[model.SessionID]

	outbound       []*outboundPacket
	inbound        []*model.Packet
	nextOutboundID model.PacketID
	nextInboundID  model.PacketID
	nextReplayID   model.PacketID
	replayTime     model.PacketTimestamp
	inboundReplay  *replay.Filter
	bytesIn        uint64
	bytesOut       uint64
}

// New creates a control channel with the given framing security. The rng is used
// to generate session ids. Call [Channel.Reset] with forNewSession=true
// before sending anything.
func New(logger model.Logger, security *wire.ControlChannelSecurity, rng io.Reader) *Channel {
	return &Channel{
		logger:              logger,
		security:            security,
		rng:                 rng,
		RetransmissionLimit: DefaultRetransmissionLimit,
		Now:                 time.Now,
		sessionID:           optional.None[model.SessionID](),
		remoteSessionID:     optional.None[model.SessionID](),
		nextReplayID:        1,
		inboundReplay:       replay.NewFilter(replay.DefaultWindow),
	}
}

// Reset clears the queues, the packet id counters and the pending acks. With
// forNewSession it also generates a new local session id and forgets the
// remote one.
func (c *Channel) Reset(forNewSession bool) error {
	if forNewSession {
		var sid model.SessionID
		if _, err := io.ReadFull(c.rng, sid[:]); err != nil {
			return fmt.Errorf("controlchannel: cannot generate session id: %w", err)
		}
		c.sessionID = optional.Some(sid)
		c.remoteSessionID = optional.None[model.SessionID]()
		c.nextReplayID = 1
		c.replayTime = 0
		c.inboundReplay.Reset()
	}
	c.outbound = nil
	c.inbound = nil
	c.nextOutboundID = 0
	c.nextInboundID = 0
	return nil
}

// SessionID returns the local session id.
func (c *Channel) SessionID() (model.SessionID, error) {
	if c.sessionID.IsNone() {
		return model.SessionID{}, ErrMissingSessionID
	}
	return c.sessionID.Unwrap(), nil
}

// RemoteSessionID returns the remote session id, if learned.
func (c *Channel) RemoteSessionID() optional.Value[model.SessionID] {
	return c.remoteSessionID
}

// SetRemoteSessionID records the session id chosen by the server.
func (c *Channel) SetRemoteSessionID(sid model.SessionID) {
	c.remoteSessionID = optional.Some(sid)
}

// DataCount returns the number of control bytes received and sent.
func (c *Channel) DataCount() (in, out uint64) {
	return c.bytesIn, c.bytesOut
}

// ReadInboundPacket parses a raw control packet and processes the acks it
// carries. Parse, digest and replay failures are transient: the caller drops
// the packet. An ack for another session returns [ErrSessionMismatch].
func (c *Channel) ReadInboundPacket(raw []byte) (*model.Packet, error) {
	p, err := wire.UnmarshalPacket(raw, c.security)
	if err != nil {
		return nil, err
	}
	// P_ACK_V1 is not a control opcode but belongs here
	if p.IsData() {
		return nil, ErrNotControl
	}
	if c.security.UsesReplayProtection() {
		if err := c.inboundReplay.CheckWithTimestamp(p.ReplayPacketID, p.Timestamp); err != nil {
			return nil, err
		}
	}
	c.bytesIn += uint64(len(raw))

	if len(p.ACKs) == 0 {
		return p, nil
	}
	sid, err := c.SessionID()
	if err != nil {
		return nil, err
	}
	if p.RemoteSessionID != sid {
		return nil, fmt.Errorf("%w: acked %x, local %x", ErrSessionMismatch, p.RemoteSessionID, sid)
	}
	c.processAcks(p.KeyID, p.ACKs)
	return p, nil
}

// processAcks removes the acknowledged packets of key from the outbound
// queue. Packet ids restart on a soft reset, so the key id disambiguates.
func (c *Channel) processAcks(key uint8, ids []model.PacketID) {
	acked := make(map[model.PacketID]bool, len(ids))
	for _, id := range ids {
		acked[id] = true
	}
	now := c.Now()
	keep := c.outbound[:0]
	for _, op := range c.outbound {
		if op.packet.KeyID == key && acked[op.packet.ID] {
			c.logger.Debugf("controlchannel: acked id=%d after %d writes", op.packet.ID, op.retries)
			if op.retries == 1 {
				c.rtt.update(now.Sub(op.sentAt))
			}
			continue
		}
		keep = append(keep, op)
	}
	for i := len(keep); i < len(c.outbound); i++ {
		c.outbound[i] = nil
	}
	c.outbound = keep
}

// EnqueueInboundPacket inserts p in the reorder buffer and returns the run of
// contiguous packets starting at the next expected id. Packets below the
// expected id and duplicates are discarded.
func (c *Channel) EnqueueInboundPacket(p *model.Packet) []*model.Packet {
	if p.Opcode == model.P_ACK_V1 {
		return nil
	}
	if packetIDLess(p.ID, c.nextInboundID) {
		c.logger.Debugf("controlchannel: dropping old packet id=%d expected=%d", p.ID, c.nextInboundID)
		return nil
	}
	if uint32(p.ID-c.nextInboundID) >= inboundWindow {
		c.logger.Debugf("controlchannel: dropping packet id=%d beyond window from %d", p.ID, c.nextInboundID)
		return nil
	}
	idx := sort.Search(len(c.inbound), func(i int) bool {
		return !packetIDLess(c.inbound[i].ID, p.ID)
	})
	if idx < len(c.inbound) && c.inbound[idx].ID == p.ID {
		return nil
	}
	c.inbound = append(c.inbound, nil)
	copy(c.inbound[idx+1:], c.inbound[idx:])
	c.inbound[idx] = p

	var ready []*model.Packet
	for len(c.inbound) > 0 && c.inbound[0].ID == c.nextInboundID {
		ready = append(ready, c.inbound[0])
		c.inbound[0] = nil
		c.inbound = c.inbound[1:]
		c.nextInboundID++
	}
	return ready
}

// EnqueueOutboundPackets splits payload into chunks of at most maxPacketSize
// bytes and queues one packet per chunk with consecutive packet ids. An empty
// payload still produces one packet, as the reset opcodes require.
func (c *Channel) EnqueueOutboundPackets(code model.Opcode, key uint8, payload []byte, maxPacketSize int) error {
	if maxPacketSize <= 0 {
		return fmt.Errorf("controlchannel: invalid max packet size %d", maxPacketSize)
	}
	sid, err := c.SessionID()
	if err != nil {
		return err
	}
	chunks := 1 + max(len(payload)-1, 0)/maxPacketSize
	if len(c.outbound)+chunks > outboundCapacity {
		return ErrOutboundQueueFull
	}
	for off := 0; off == 0 || off < len(payload); off += maxPacketSize {
		end := min(off+maxPacketSize, len(payload))
		p := model.NewPacket(code, key, append([]byte{}, payload[off:end]...))
		p.LocalSessionID = sid
		p.ID = c.nextOutboundID
		c.nextOutboundID++
		c.outbound = append(c.outbound, &outboundPacket{packet: p})
	}
	return nil
}

// PendingPacketIDs returns the ids still waiting for an ack.
func (c *Channel) PendingPacketIDs() []model.PacketID {
	ids := make([]model.PacketID, 0, len(c.outbound))
	for _, op := range c.outbound {
		ids = append(ids, op.packet.ID)
	}
	return ids
}

// RetransmissionTimeout is the delay before an unacknowledged packet is
// written again: SRTT+4*RTTVAR clamped between RetransmissionLimit and 2s.
func (c *Channel) RetransmissionTimeout() time.Duration {
	return c.rtt.timeout(c.RetransmissionLimit, max(c.RetransmissionLimit, maxRetransmissionTimeout))
}

// SmoothedRTT returns the estimated round trip time, zero before the
// first sample.
func (c *Channel) SmoothedRTT() time.Duration {
	return c.rtt.smoothed
}

// WriteOutboundPackets serializes every queued packet that was never written
// or was written at least [Channel.RetransmissionTimeout] ago, and marks it
// as sent at now.
func (c *Channel) WriteOutboundPackets(now time.Time) ([][]byte, error) {
	timeout := c.RetransmissionTimeout()
	var out [][]byte
	for _, op := range c.outbound {
		if !op.sentAt.IsZero() && now.Sub(op.sentAt) < timeout {
			continue
		}
		raw, err := c.marshal(op.packet)
		if err != nil {
			return nil, err
		}
		if op.retries > 0 {
			c.logger.Debugf("controlchannel: retransmitting id=%d (attempt %d)", op.packet.ID, op.retries+1)
		}
		op.packet.Log(c.logger, model.DirectionOutgoing)
		op.sentAt = now
		op.retries++
		out = append(out, raw)
	}
	return out, nil
}

// WriteAcks serializes a pure ack packet for ids, addressed to remoteSessionID.
func (c *Channel) WriteAcks(key uint8, ids []model.PacketID, remoteSessionID model.SessionID) ([]byte, error) {
	sid, err := c.SessionID()
	if err != nil {
		return nil, err
	}
	p := model.NewPacket(model.P_ACK_V1, key, nil)
	p.LocalSessionID = sid
	p.ACKs = append([]model.PacketID{}, ids...)
	p.RemoteSessionID = remoteSessionID
	p.Log(c.logger, model.DirectionOutgoing)
	return c.marshal(p)
}

// marshal stamps the wrap replay fields and serializes p. The timestamp is
// taken once per session and only the replay id moves.
func (c *Channel) marshal(p *model.Packet) ([]byte, error) {
	if c.security.UsesReplayProtection() {
		if c.replayTime == 0 {
			c.replayTime = model.PacketTimestamp(c.Now().Unix())
		}
		p.ReplayPacketID = c.nextReplayID
		p.Timestamp = c.replayTime
		c.nextReplayID++
	}
	raw, err := wire.MarshalPacket(p, c.security)
	if err != nil {
		return nil, err
	}
	c.bytesOut += uint64(len(raw))
	return raw, nil
}

// packetIDLess compares ids modulo 2^32.
func packetIDLess(a, b model.PacketID) bool {
	return int32(a-b) < 0
}
