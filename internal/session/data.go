package session

import (
	"errors"
	"fmt"
	"time"

	"github.com/6ccg/ovpncore/internal/datapath"
)

// handleDataPacket decrypts a data packet with the key it names.
func (s *Session) handleDataPacket(keyID uint8, raw []byte) {
	key, ok := s.keys[keyID]
	if !ok {
		// servers keep sending with a key we dropped for a while; this is
		// not worth a reconnection
		s.warnDrop(fmt.Errorf("%w: %d", ErrUnknownKeyID, keyID))
		return
	}
	dp, ok := key.dataPath()
	if !ok {
		s.warnDrop(fmt.Errorf("key %d is in %s", keyID, key.negotiationState()))
		return
	}
	payload, err := dp.Decrypt(raw)
	switch {
	case errors.Is(err, datapath.ErrCompressionUnsupported):
		s.deferStop(StopShutdown, fmt.Errorf("%w: %s", ErrServerCompression, err))
		return
	case errors.Is(err, datapath.ErrProtocolDecrypt):
		s.deferStop(StopReconnect, err)
		return
	case err != nil:
		s.logger.Debugf("session: dropping data packet: %s", err.Error())
		return
	}
	key.bytesIn += uint64(len(raw))
	s.addDataCount(len(raw), 0)

	switch payload.Kind {
	case datapath.KindPing:
		s.logger.Debug("session: < PING")
	case datapath.KindExit:
		s.deferStop(StopShutdown, fmt.Errorf("%w: exit notification", ErrServerShutdown))
	default:
		s.pendingTunnel = append(s.pendingTunnel, payload.Data)
	}
}

func (s *Session) warnDrop(err error) {
	if s.dropLimiter.Allow() {
		s.logger.Warnf("session: dropping data packet: %s", err.Error())
		return
	}
	s.logger.Debugf("session: dropping data packet: %s", err.Error())
}

// flushTunnel writes the packets decrypted in this batch.
func (s *Session) flushTunnel() {
	if len(s.pendingTunnel) == 0 || s.tunnel == nil {
		return
	}
	packets := s.pendingTunnel
	s.pendingTunnel = nil
	s.tunnel.WritePackets(packets, func(err error) {
		if err != nil {
			s.logger.Warnf("session: tunnel write: %s", err.Error())
		}
	})
}

// onTunnelRead encrypts tunnel packets with the current key.
func (s *Session) onTunnelRead(gen uint64, packets [][]byte, err error) {
	if gen != s.generation || s.isStopping {
		return
	}
	if err != nil {
		s.logger.Warnf("session: tunnel read: %s", err.Error())
		return
	}
	key := s.current
	if key == nil {
		s.logger.Debugf("session: dropping %d tunnel packets, not connected", len(packets))
		return
	}
	dp, ok := key.dataPath()
	if !ok {
		return
	}
	for len(packets) > 0 {
		n := min(len(packets), dp.MaxPackets())
		sealed, err := dp.EncryptPackets(packets[:n])
		packets = packets[n:]
		s.accountOutbound(key, sealed)
		s.writeLink(sealed)
		if err != nil {
			s.deferStop(StopReconnect, err)
			return
		}
	}
}

func (s *Session) accountOutbound(key *sessionKey, packets [][]byte) {
	total := 0
	for _, p := range packets {
		total += len(p)
	}
	key.bytesOut += uint64(total)
	s.addDataCount(0, total)
}

func (s *Session) scheduleTick(gen uint64) {
	s.ticker = s.exec.after(s.timeouts.Tick, func() {
		s.tick(gen)
	})
}

// tick retransmits control packets and runs the periodic checks.
func (s *Session) tick(gen uint64) {
	if gen != s.generation || s.isStopping {
		return
	}
	now := time.Now()
	s.checkTimeouts(now)
	if s.isStopping {
		return
	}
	s.checkLameDuck(now)
	s.checkRenegotiation(now)
	if s.isStopping {
		return
	}
	s.flushControl()
	if s.isStopping {
		return
	}
	s.scheduleTick(gen)
}

// checkTimeouts enforces the negotiation and the keep-alive timeouts.
func (s *Session) checkTimeouts(now time.Time) {
	if key := s.negotiating; key != nil {
		if _, ok := key.state.(hardResetState); ok && now.Sub(key.startedAt) > s.timeouts.HardReset {
			s.deferStop(StopReconnect, ErrHardResetTimeout)
			return
		}
		window := s.timeouts.Negotiation
		if key.softReset {
			window = s.timeouts.SoftNegotiation
		}
		if key.isNegotiationTimedOut(now, window) {
			s.deferStop(StopShutdown, fmt.Errorf("%w: key %d in %s", ErrNegotiationTimeout, key.id, key.negotiationState()))
			return
		}
	}
	if timeout := s.negotiated.KeepAliveTimeout; timeout > 0 && now.Sub(s.lastInbound) > timeout {
		s.deferStop(StopShutdown, ErrPingTimeout)
	}
}

func (s *Session) checkLameDuck(now time.Time) {
	if s.lameDuck != nil && s.lameDuck.isExpired(now) {
		s.discardKey(s.lameDuck)
		s.lameDuck = nil
	}
}

// checkRenegotiation starts a soft reset when the current key is worn out.
func (s *Session) checkRenegotiation(now time.Time) {
	if s.negotiating != nil || s.isRenegotiating || s.current == nil {
		return
	}
	key := s.current
	dp, ok := key.dataPath()
	if !ok {
		return
	}
	o := s.negotiated
	packetsIn, packetsOut := key.packets()
	var reason string
	switch {
	case o.RenegotiatesAfter > 0 && now.Sub(key.establishedAt) >= o.RenegotiatesAfter:
		reason = "reneg-sec"
	case o.RenegotiatesAfterBytes > 0 && key.bytesIn+key.bytesOut >= o.RenegotiatesAfterBytes:
		reason = "reneg-bytes"
	case o.RenegotiatesAfterPackets > 0 && packetsIn+packetsOut >= o.RenegotiatesAfterPackets:
		reason = "reneg-pkts"
	case dp.NeedsRenegotiation():
		reason = "packet id"
	default:
		return
	}
	next := nextKeyID(s.lastKeyID)
	s.logger.Infof("session: renegotiating key %d -> %d (%s)", key.id, next, reason)
	s.softReset(next)
}

// schedulePing sends keep-alives with the current key.
func (s *Session) schedulePing(gen uint64) {
	interval := s.negotiated.KeepAliveInterval
	if interval <= 0 {
		return
	}
	s.pinger = s.exec.after(interval, func() {
		if gen != s.generation || s.isStopping {
			return
		}
		s.sendPing()
		if !s.isStopping {
			s.schedulePing(gen)
		}
	})
}

func (s *Session) sendPing() {
	if s.current == nil {
		return
	}
	dp, ok := s.current.dataPath()
	if !ok {
		return
	}
	packet, err := dp.EncryptPing()
	if err != nil {
		s.deferStop(StopReconnect, err)
		return
	}
	s.logger.Debug("session: > PING")
	s.accountOutbound(s.current, [][]byte{packet})
	s.writeLink([][]byte{packet})
}
