package session

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/6ccg/ovpncore/internal/authenticator"
	"github.com/6ccg/ovpncore/internal/controlchannel"
	"github.com/6ccg/ovpncore/internal/datapath"
	"github.com/6ccg/ovpncore/internal/model"
	"github.com/6ccg/ovpncore/pkg/config"
)

const (
	// controlOverhead is what the framing and the acks add around a control payload.
	controlOverhead = 128

	// minControlPayload and maxControlPayload bound the TLS record fragments.
	minControlPayload = 256
	maxControlPayload = 1250

	// maxAcksPerPacket is the size of the OpenVPN ack array.
	maxAcksPerPacket = 8

	pushRequest = "PUSH_REQUEST\x00"
)

// hardReset starts a brand new session with key id 0.
func (s *Session) hardReset() {
	if err := s.control.Reset(true); err != nil {
		s.deferStop(StopShutdown, err)
		return
	}
	for _, key := range s.keys {
		s.discardKey(key)
	}
	s.current, s.negotiating, s.lameDuck = nil, nil, nil

	key := newSessionKey(0, false, time.Now())
	key.transition(s.logger, hardResetState{})
	s.keys[key.id] = key
	s.negotiating = key
	s.lastKeyID = key.id
	if !s.enqueueControl(model.P_CONTROL_HARD_RESET_CLIENT_V2, key.id, nil) {
		return
	}
	s.flushControl()
}

// softReset starts negotiating the key id. The peer SOFT_RESET_V1 moves it
// to the TLS handshake.
func (s *Session) softReset(id uint8) {
	if err := s.control.Reset(false); err != nil {
		s.deferStop(StopShutdown, err)
		return
	}
	if old, ok := s.keys[id]; ok {
		if old == s.lameDuck {
			s.lameDuck = nil
		}
		s.discardKey(old)
	}
	key := newSessionKey(id, true, time.Now())
	key.transition(s.logger, softResetState{})
	s.keys[key.id] = key
	s.negotiating = key
	s.lastKeyID = key.id
	s.isRenegotiating = true
	if !s.enqueueControl(model.P_CONTROL_SOFT_RESET_V1, key.id, nil) {
		return
	}
	s.flushControl()
}

// controlKey is the key whose control packets we accept.
func (s *Session) controlKey() *sessionKey {
	if s.negotiating != nil {
		return s.negotiating
	}
	return s.current
}

// controlPayloadSize is the largest TLS fragment for the link.
func (s *Session) controlPayloadSize() int {
	return min(max(s.link.MTU()-controlOverhead, minControlPayload), maxControlPayload)
}

// enqueueControl queues a reliable packet. It returns false when the session stops.
func (s *Session) enqueueControl(code model.Opcode, keyID uint8, payload []byte) bool {
	if err := s.control.EnqueueOutboundPackets(code, keyID, payload, s.controlPayloadSize()); err != nil {
		s.deferStop(StopShutdown, err)
		return false
	}
	return true
}

// flushControl writes the packets due for (re)transmission.
func (s *Session) flushControl() {
	packets, err := s.control.WriteOutboundPackets(time.Now())
	if err != nil {
		s.deferStop(StopShutdown, err)
		return
	}
	s.writeLink(packets)
}

// queueAck remembers to acknowledge id at the end of the batch.
func (s *Session) queueAck(keyID uint8, id model.PacketID) {
	s.pendingAcks[keyID] = append(s.pendingAcks[keyID], id)
}

// flushAcks writes the pending acks.
func (s *Session) flushAcks() {
	if len(s.pendingAcks) == 0 {
		return
	}
	remote := s.control.RemoteSessionID()
	if remote.IsNone() {
		clear(s.pendingAcks)
		return
	}
	var packets [][]byte
	for keyID, ids := range s.pendingAcks {
		for len(ids) > 0 {
			n := min(len(ids), maxAcksPerPacket)
			raw, err := s.control.WriteAcks(keyID, ids[:n], remote.Unwrap())
			if err != nil {
				s.deferStop(StopShutdown, err)
				return
			}
			packets = append(packets, raw)
			ids = ids[n:]
		}
	}
	clear(s.pendingAcks)
	s.writeLink(packets)
}

// writeLink sends packets. Failures of the current link stop the session.
func (s *Session) writeLink(packets [][]byte) {
	if len(packets) == 0 || s.link == nil {
		return
	}
	link := s.link
	link.WritePackets(packets, func(err error) {
		switch {
		case err == nil:
			return
		case errors.Is(err, model.ErrLinkBusy):
			// control packets are retransmitted and a stalled peer ends in a
			// ping timeout
			s.logger.Debugf("session: dropping %d packets: %s", len(packets), err.Error())
			return
		}
		s.exec.post(func() {
			if s.link != link || s.isStopping {
				return
			}
			s.deferStop(StopShutdown, fmt.Errorf("%w: %s", ErrLinkWrite, err))
		})
	})
}

// onLinkRead handles a batch of packets from the link.
func (s *Session) onLinkRead(gen uint64, packets [][]byte, err error) {
	if gen != s.generation || s.isStopping {
		return
	}
	if err != nil {
		s.deferStop(StopReconnect, fmt.Errorf("%w: %s", ErrLinkRead, err))
		return
	}
	s.lastInbound = time.Now()
	for _, raw := range packets {
		s.handlePacket(raw)
		if s.isStopping {
			return
		}
	}
	s.flushAcks()
	s.flushTunnel()
}

func (s *Session) handlePacket(raw []byte) {
	if len(raw) == 0 {
		return
	}
	op, keyID, err := model.NewOpcodeFromByte(raw[0])
	if err != nil {
		s.logger.Debugf("session: dropping packet: %s", err.Error())
		return
	}
	if op.IsData() {
		s.handleDataPacket(keyID, raw)
		return
	}
	s.handleControlPacket(raw)
}

func (s *Session) handleControlPacket(raw []byte) {
	p, err := s.control.ReadInboundPacket(raw)
	if err != nil {
		if errors.Is(err, controlchannel.ErrSessionMismatch) {
			s.deferStop(StopReconnect, err)
			return
		}
		s.logger.Debugf("session: dropping control packet: %s", err.Error())
		return
	}
	p.Log(s.logger, model.DirectionIncoming)

	switch p.Opcode {
	case model.P_ACK_V1:
		return
	case model.P_CONTROL_HARD_RESET_SERVER_V2:
		// the first one tells us the remote session id
		if s.control.RemoteSessionID().IsNone() {
			s.control.SetRemoteSessionID(p.LocalSessionID)
		}
	case model.P_CONTROL_SOFT_RESET_V1:
		if !s.acceptSoftReset(p) {
			return
		}
	case model.P_CONTROL_V1:
	default:
		s.logger.Debugf("session: unexpected %s", p.Opcode)
		return
	}

	remote := s.control.RemoteSessionID()
	if remote.IsNone() || remote.Unwrap() != p.LocalSessionID {
		s.logger.Debugf("session: dropping %s from unknown session %x", p.Opcode, p.LocalSessionID)
		return
	}
	s.queueAck(p.KeyID, p.ID)

	// packets of a retired or unknown key are acked but not delivered
	key := s.controlKey()
	if key == nil || key.id != p.KeyID {
		s.logger.Debugf("session: ignoring %s for key %d", p.Opcode, p.KeyID)
		return
	}
	for _, ready := range s.control.EnqueueInboundPacket(p) {
		s.handleReliablePacket(key, ready)
		if s.isStopping {
			return
		}
	}
}

// acceptSoftReset returns whether a SOFT_RESET_V1 belongs to the key being
// negotiated, starting a server initiated renegotiation if needed.
func (s *Session) acceptSoftReset(p *model.Packet) bool {
	switch {
	case s.negotiating != nil && s.negotiating.id == p.KeyID:
		return true
	case s.negotiating != nil:
		s.logger.Debugf("session: soft reset for key %d while negotiating key %d", p.KeyID, s.negotiating.id)
		return false
	case s.current == nil || s.current.id == p.KeyID:
		return false
	default:
		s.logger.Infof("session: server renegotiates key %d", p.KeyID)
		s.softReset(p.KeyID)
		return !s.isStopping
	}
}

// handleReliablePacket handles control packets in order.
func (s *Session) handleReliablePacket(key *sessionKey, p *model.Packet) {
	switch p.Opcode {
	case model.P_CONTROL_HARD_RESET_SERVER_V2:
		if _, ok := key.state.(hardResetState); ok {
			s.startTLS(key)
		}
	case model.P_CONTROL_SOFT_RESET_V1:
		if _, ok := key.state.(softResetState); ok {
			s.startTLS(key)
		}
	case model.P_CONTROL_V1:
		engine, ok := key.tls()
		if !ok {
			s.logger.Debugf("session: key %d got CONTROL_V1 in %s", key.id, key.negotiationState())
			return
		}
		if err := engine.PutCipherText(p.Payload); err != nil {
			s.deferStop(StopShutdown, fmt.Errorf("%w: %s", ErrTLSFailure, err))
			return
		}
		s.pumpTLS(key)
	}
}

// startTLS creates the TLS engine of key and sends the ClientHello.
func (s *Session) startTLS(key *sessionKey) {
	gen := s.generation
	engine, err := s.newTLS(s.logger, s.negotiated, func() {
		s.exec.post(func() {
			if gen != s.generation || s.isStopping || s.keys[key.id] != key {
				return
			}
			s.pumpTLS(key)
		})
	})
	if err != nil {
		s.deferStop(StopShutdown, fmt.Errorf("%w: %s", ErrTLSFailure, err))
		return
	}
	key.transition(s.logger, &tlsState{tls: engine})
	if err := engine.Start(); err != nil {
		s.deferStop(StopShutdown, fmt.Errorf("%w: %s", ErrTLSFailure, err))
		return
	}
	s.pumpTLS(key)
}

// pumpTLS moves data through the TLS engine of key: it sends the auth blob
// once the handshake completed, handles the plaintext and queues the
// ciphertext.
func (s *Session) pumpTLS(key *sessionKey) {
	engine, ok := key.tls()
	if !ok {
		return
	}
	if st, ok := key.state.(*tlsState); ok && st.auth == nil && engine.IsConnected() {
		if !s.sendAuth(key, st) {
			return
		}
	}
	if !s.pumpPlainText(key, engine) {
		return
	}
	s.pumpCipherText(key, engine)
}

func (s *Session) sendAuth(key *sessionKey, st *tlsState) bool {
	auth, err := authenticator.New(s.logger, s.negotiated, s.withLocalOptions, s.rng)
	if err != nil {
		s.deferStop(StopShutdown, err)
		return false
	}
	blob, err := auth.PutAuth()
	if err != nil {
		s.deferStop(StopShutdown, err)
		return false
	}
	if err := st.tls.PutPlainText(blob); err != nil {
		s.deferStop(StopShutdown, fmt.Errorf("%w: %s", ErrTLSFailure, err))
		return false
	}
	st.auth = auth
	s.logger.Infof("session: key %d TLS handshake done, auth sent", key.id)
	return true
}

// pumpPlainText feeds the decrypted control data to the authenticator and
// handles what it parses. It returns false when the session stops.
func (s *Session) pumpPlainText(key *sessionKey, engine model.TLSEngine) bool {
	auth, ok := key.authenticator()
	if !ok {
		return true
	}
	for {
		data, err := engine.PullPlainText()
		if err != nil {
			s.deferStop(StopShutdown, fmt.Errorf("%w: %s", ErrTLSFailure, err))
			return false
		}
		if len(data) == 0 {
			break
		}
		auth.AppendControlData(data)
	}
	if key.controlState == model.C_PRE_AUTH {
		parsed, err := auth.ParseAuthReply()
		if err != nil {
			s.deferStop(StopShutdown, err)
			return false
		}
		if !parsed {
			return true
		}
		s.onAuthReply(key)
		if s.isStopping {
			return false
		}
	}
	for _, msg := range auth.ParseMessages() {
		s.handleControlMessage(key, msg)
		if s.isStopping {
			return false
		}
	}
	return true
}

// pumpCipherText queues the TLS output as CONTROL_V1 packets.
func (s *Session) pumpCipherText(key *sessionKey, engine model.TLSEngine) {
	for {
		data, err := engine.PullCipherText()
		if err != nil {
			s.deferStop(StopShutdown, fmt.Errorf("%w: %s", ErrTLSFailure, err))
			return
		}
		if len(data) == 0 {
			break
		}
		if !s.enqueueControl(model.P_CONTROL_V1, key.id, data) {
			return
		}
	}
	s.flushControl()
}

func (s *Session) setControlState(key *sessionKey, next model.ControlState) {
	s.logger.Infof("[@] key %d: %s -> %s", key.id, key.controlState, next)
	key.controlState = next
}

// onAuthReply moves on once the server auth reply is in. Renegotiated keys
// reuse the pushed configuration.
func (s *Session) onAuthReply(key *sessionKey) {
	if key.softReset {
		s.completeConnection(key)
		return
	}
	s.setControlState(key, model.C_PRE_IFCONFIG)
	s.sendPushRequest(key)
}

// sendPushRequest sends PUSH_REQUEST until the key leaves C_PRE_IFCONFIG.
func (s *Session) sendPushRequest(key *sessionKey) {
	if s.isStopping || key.controlState != model.C_PRE_IFCONFIG || s.keys[key.id] != key {
		return
	}
	engine, ok := key.tls()
	if !ok {
		return
	}
	s.logger.Debug("session: > PUSH_REQUEST")
	if err := engine.PutPlainText([]byte(pushRequest)); err != nil {
		s.deferStop(StopShutdown, fmt.Errorf("%w: %s", ErrTLSFailure, err))
		return
	}
	s.pumpCipherText(key, engine)

	if s.pushTimer != nil {
		s.pushTimer.Stop()
	}
	gen := s.generation
	s.pushTimer = s.exec.after(s.timeouts.PushRequest, func() {
		if gen == s.generation {
			s.sendPushRequest(key)
		}
	})
}

// handleControlMessage handles a NUL terminated control message.
func (s *Session) handleControlMessage(key *sessionKey, msg string) {
	switch {
	case strings.HasPrefix(msg, "AUTH_FAILED"):
		err := fmt.Errorf("%w: %s", ErrBadCredentials, msg)
		if s.withLocalOptions {
			s.logger.Warn("session: AUTH_FAILED, retrying without local options")
			s.withLocalOptions = false
			s.deferStop(StopReconnect, err)
			return
		}
		s.deferStop(StopShutdown, err)
	case strings.HasPrefix(msg, "RESTART"):
		s.deferStop(StopShutdown, fmt.Errorf("%w: %s", ErrServerRestart, msg))
	case strings.HasPrefix(msg, "HALT"):
		s.deferStop(StopShutdown, fmt.Errorf("%w: %s", ErrServerShutdown, msg))
	case strings.HasPrefix(msg, config.PushReplyPrefix):
		s.handlePushReply(key, msg)
	default:
		s.logger.Debugf("session: ignoring control message %q", msg)
	}
}

func (s *Session) handlePushReply(key *sessionKey, msg string) {
	if key.controlState != model.C_PRE_IFCONFIG {
		s.logger.Debugf("session: ignoring PUSH_REPLY in %s", key.controlState)
		return
	}
	reply, err := config.ParsePushReply(msg)
	if err != nil {
		s.deferStop(StopShutdown, fmt.Errorf("%w: %s", ErrBadPushReply, err))
		return
	}
	if reply.Compression != nil && !reply.Compression.IsFramingOnly() {
		s.deferStop(StopShutdown, fmt.Errorf("%w: %q", ErrServerCompression, *reply.Compression))
		return
	}
	if !reply.HasRouting() {
		s.deferStop(StopShutdown, ErrNoRouting)
		return
	}
	s.logger.Info("session: < PUSH_REPLY")
	s.pushReply = reply
	s.negotiated = s.negotiated.Merge(reply)
	s.completeConnection(key)
}

// completeConnection derives the data channel keys of key and promotes it.
func (s *Session) completeConnection(key *sessionKey) {
	engine, _ := key.tls()
	auth, ok := key.authenticator()
	if !ok {
		s.deferStop(StopShutdown, fmt.Errorf("%w: key %d has no authenticator", ErrTLSFailure, key.id))
		return
	}
	local, err := s.control.SessionID()
	if err != nil {
		s.deferStop(StopShutdown, err)
		return
	}
	remote := s.control.RemoteSessionID()
	if remote.IsNone() {
		s.deferStop(StopShutdown, controlchannel.ErrMissingSessionID)
		return
	}
	km, err := auth.DeriveKeyMaterial(local, remote.Unwrap())
	if err != nil {
		s.deferStop(StopShutdown, err)
		return
	}
	dp, err := datapath.New(s.logger, key.id, km, s.dataPathOptions(), s.rng)
	km.Wipe()
	auth.WipeKeys()
	if err != nil {
		s.deferStop(StopShutdown, err)
		return
	}

	now := time.Now()
	key.transition(s.logger, &connectedState{tls: engine, auth: auth, data: dp})
	s.setControlState(key, model.C_CONNECTED)
	s.logger.Debugf("session: key %d connected, control rtt %s", key.id, s.control.SmoothedRTT())
	key.establishedAt = now
	s.promote(key, now)

	if s.didStart {
		return
	}
	s.didStart = true
	if s.pushTimer != nil {
		s.pushTimer.Stop()
		s.pushTimer = nil
	}
	s.mu.Lock()
	s.serverConfig = s.pushReply
	s.mu.Unlock()
	s.schedulePing(s.generation)
	s.delegate.SessionDidStart(s, s.link.RemoteAddress(), s.pushReply)
}

func (s *Session) dataPathOptions() datapath.Options {
	return datapath.Options{
		Cipher:           s.negotiated.Cipher,
		Digest:           s.negotiated.Auth,
		Compression:      s.negotiated.Compress,
		PeerID:           s.negotiated.PeerID,
		ReplayProtection: s.negotiated.UsesReplayProtection(),
		Reliable:         s.link.IsReliable(),
		MaxPackets:       datapath.DefaultMaxPackets,
	}
}

// promote makes key current. The previous key keeps decrypting for the
// transition window.
func (s *Session) promote(key *sessionKey, now time.Time) {
	if prev := s.current; prev != nil && prev != key {
		if s.lameDuck != nil {
			s.discardKey(s.lameDuck)
		}
		prev.mustDie = now.Add(s.timeouts.TransitionWindow)
		s.lameDuck = prev
		s.logger.Infof("session: key %d retired, key %d is current", prev.id, key.id)
	}
	s.current = key
	s.negotiating = nil
	s.isRenegotiating = false
}
