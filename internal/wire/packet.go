// Package wire implements the OpenVPN packet framing: the plain control
// packet layout and its tls-auth and tls-crypt wrappings.
package wire

import (
	"bytes"
	"crypto/hmac"
	"errors"
	"fmt"
	"io"
	"math"

	"github.com/6ccg/ovpncore/internal/bytesx"
	"github.com/6ccg/ovpncore/internal/model"
)

// ErrEmptyPayload indicates tha the payload of an OpenVPN control packet is empty.
var ErrEmptyPayload = errors.New("openvpn: empty payload")

// ErrParsePacket is a generic packet parse error which may be further qualified.
var ErrParsePacket = errors.New("openvpn: packet parse error")

// ErrMarshalPacket is the error returned when we cannot marshal a packet.
var ErrMarshalPacket = errors.New("cannot marshal packet")

// ErrPacketTooShort indicates that a packet is too short.
var ErrPacketTooShort = errors.New("openvpn: packet too short")

// ErrDigestMismatch indicates that the tls-auth HMAC or the tls-crypt tag did
// not verify. Either the peer does not hold the pre-shared key or the packet
// was tampered with.
var ErrDigestMismatch = errors.New("openvpn: packet digest mismatch")

// headerSize is the opcode/key byte plus the session id.
const headerSize = 9

// MarshalPacket serializes a control or ACK packet using the given security.
// Data packets are returned as is: the data path already produced the
// whole wire representation.
func MarshalPacket(p *model.Packet, sec *ControlChannelSecurity) ([]byte, error) {
	if p.Opcode.IsData() {
		return p.Payload, nil
	}
	header := headerBytes(p)
	replay := replayProtectionBytes(p)
	ctrl, err := controlMessageBytes(p)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrMarshalPacket, err)
	}

	buf := make([]byte, 0, len(header)+sec.Overhead()+len(ctrl))
	switch sec.Mode {
	case ControlSecurityModeNone:
		buf = append(buf, header...)
		buf = append(buf, ctrl...)

	case ControlSecurityModeTLSAuth:
		digest := sec.tlsAuthDigest(sec.localHMACKey, header, replay, ctrl)
		buf = append(buf, header...)
		buf = append(buf, digest...)
		buf = append(buf, replay...)
		buf = append(buf, ctrl...)

	// the tag follows the replay block and doubles as the CTR IV
	case ControlSecurityModeTLSCrypt:
		tag := tlsCryptDigest(sec.localHMACKey, header, replay, ctrl)
		enc, err := tlsCryptXOR(sec.localCipherKey, tag, ctrl)
		if err != nil {
			return nil, fmt.Errorf("%w: %s", ErrMarshalPacket, err)
		}
		buf = append(buf, header...)
		buf = append(buf, replay...)
		buf = append(buf, tag...)
		buf = append(buf, enc...)

	default:
		return nil, fmt.Errorf("%w: unknown security mode %d", ErrMarshalPacket, sec.Mode)
	}
	return buf, nil
}

// UnmarshalPacket produces a packet after parsing the common header. We assume that
// the underlying connection has already stripped out the framing.
func UnmarshalPacket(buf []byte, sec *ControlChannelSecurity) (*model.Packet, error) {
	if len(buf) < 1 {
		return nil, ErrPacketTooShort
	}
	opcode, keyID, err := model.NewOpcodeFromByte(buf[0])
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrParsePacket, err)
	}

	if !opcode.IsData() {
		return parseControlOrACKPacket(opcode, keyID, buf[1:], sec)
	}

	p := model.NewPacket(opcode, keyID, buf[1:])
	if opcode == model.P_DATA_V2 {
		if len(buf) < 4 {
			return nil, ErrPacketTooShort
		}
		copy(p.PeerID[:], buf[1:4])
		p.Payload = buf[4:]
	}
	return p, nil
}

// parseControlOrACKPacket parses the contents of a control or ACK packet.
func parseControlOrACKPacket(opcode model.Opcode, keyID byte, payload []byte, sec *ControlChannelSecurity) (*model.Packet, error) {
	if len(payload) <= 0 {
		return nil, ErrEmptyPayload
	}

	buf := bytes.NewBuffer(payload)
	p := model.NewPacket(opcode, keyID, nil)

	if _, err := io.ReadFull(buf, p.LocalSessionID[:]); err != nil {
		return nil, fmt.Errorf("%w: bad sessionID: %s", ErrParsePacket, err)
	}

	switch sec.Mode {
	case ControlSecurityModeNone:
		if err := readControlMessage(p, buf); err != nil {
			return nil, err
		}

	case ControlSecurityModeTLSAuth:
		digestGot := make([]byte, sec.Digest.Size)
		if _, err := io.ReadFull(buf, digestGot); err != nil {
			return nil, fmt.Errorf("%w: bad digest: %s", ErrParsePacket, err)
		}
		if err := readReplayProtection(p, buf); err != nil {
			return nil, err
		}
		ctrl := buf.Bytes()
		want := sec.tlsAuthDigest(sec.remoteHMACKey, headerBytes(p), replayProtectionBytes(p), ctrl)
		if !hmac.Equal(digestGot, want) {
			return nil, fmt.Errorf("%w: tls-auth", ErrDigestMismatch)
		}
		if err := readControlMessage(p, buf); err != nil {
			return nil, err
		}

	case ControlSecurityModeTLSCrypt:
		if err := readReplayProtection(p, buf); err != nil {
			return nil, err
		}
		tag := make([]byte, tlsCryptTagSize)
		if _, err := io.ReadFull(buf, tag); err != nil {
			return nil, fmt.Errorf("%w: bad tag: %s", ErrParsePacket, err)
		}
		ctrl, err := tlsCryptXOR(sec.remoteCipherKey, tag, buf.Bytes())
		if err != nil {
			return nil, fmt.Errorf("%w: %s", ErrParsePacket, err)
		}
		want := tlsCryptDigest(sec.remoteHMACKey, headerBytes(p), replayProtectionBytes(p), ctrl)
		if !hmac.Equal(tag, want) {
			return nil, fmt.Errorf("%w: tls-crypt", ErrDigestMismatch)
		}
		if err := readControlMessage(p, bytes.NewBuffer(ctrl)); err != nil {
			return nil, err
		}

	default:
		return nil, fmt.Errorf("%w: unknown security mode %d", ErrParsePacket, sec.Mode)
	}

	return p, nil
}

func headerBytes(p *model.Packet) []byte {
	buf := make([]byte, headerSize)
	buf[0] = model.HeaderByte(p.Opcode, p.KeyID)
	copy(buf[1:], p.LocalSessionID[:])
	return buf
}

// ReplayProtection refers to (ReplayPacketID, Timestamp)
// these fields are used by the server to reject packets that have
// already been processed.
func replayProtectionBytes(p *model.Packet) []byte {
	buf := make([]byte, replayBlockSize)
	bytesx.PutUint32(buf[0:4], uint32(p.ReplayPacketID))
	bytesx.PutUint32(buf[4:8], uint32(p.Timestamp))
	return buf
}

func readReplayProtection(p *model.Packet, buf *bytes.Buffer) error {
	replayID, err := bytesx.ReadUint32(buf)
	if err != nil {
		return fmt.Errorf("%w: bad replay packet id: %s", ErrParsePacket, err)
	}
	p.ReplayPacketID = model.PacketID(replayID)

	timestamp, err := bytesx.ReadUint32(buf)
	if err != nil {
		return fmt.Errorf("%w: bad packet timestamp: %s", ErrParsePacket, err)
	}
	p.Timestamp = model.PacketTimestamp(timestamp)
	return nil
}

// ControlMessage refers to (len(ACKs), ACKs[], RemoteSessionID, ID, Payload)
// it is also the segment of the packet that is encrypted when tls-crypt
// is used.
func controlMessageBytes(p *model.Packet) ([]byte, error) {
	nAcks := len(p.ACKs)
	if nAcks > math.MaxUint8 {
		return nil, fmt.Errorf("%w: too many ACKs", ErrMarshalPacket)
	}

	size := 1 + 4*nAcks + 4 + len(p.Payload)
	if nAcks > 0 {
		size += 8
	}
	buf := make([]byte, 0, size)

	buf = append(buf, byte(nAcks))
	for _, ack := range p.ACKs {
		var ackBuf [4]byte
		bytesx.PutUint32(ackBuf[:], uint32(ack))
		buf = append(buf, ackBuf[:]...)
	}

	// remote session id (only if ACKs present)
	if nAcks > 0 {
		buf = append(buf, p.RemoteSessionID[:]...)
	}

	// packet ID and payload (not for P_ACK_V1)
	if p.Opcode != model.P_ACK_V1 {
		var idBuf [4]byte
		bytesx.PutUint32(idBuf[:], uint32(p.ID))
		buf = append(buf, idBuf[:]...)
		buf = append(buf, p.Payload...)
	}

	return buf, nil
}

func readControlMessage(p *model.Packet, buf *bytes.Buffer) error {
	ackArrayLenByte, err := buf.ReadByte()
	if err != nil {
		return fmt.Errorf("%w: bad ack: %s", ErrParsePacket, err)
	}
	ackArrayLen := int(ackArrayLenByte)

	p.ACKs = make([]model.PacketID, ackArrayLen)
	for i := 0; i < ackArrayLen; i++ {
		val, err := bytesx.ReadUint32(buf)
		if err != nil {
			return fmt.Errorf("%w: cannot parse ack id: %s", ErrParsePacket, err)
		}
		p.ACKs[i] = model.PacketID(val)
	}

	if ackArrayLen > 0 {
		if _, err = io.ReadFull(buf, p.RemoteSessionID[:]); err != nil {
			return fmt.Errorf("%w: bad remote sessionID: %s", ErrParsePacket, err)
		}
	}

	if p.Opcode != model.P_ACK_V1 {
		val, err := bytesx.ReadUint32(buf)
		if err != nil {
			return fmt.Errorf("%w: bad packetID: %s", ErrParsePacket, err)
		}
		p.ID = model.PacketID(val)
	}

	p.Payload = buf.Bytes()
	return nil
}
