package model

//
// Packet
//
// Types shared by the framing codec, the control channel and the data path.
//

import (
	"errors"
	"fmt"
)

// Opcode is an OpenVPN packet opcode.
type Opcode byte

// OpenVPN packets opcodes.
const (
	P_CONTROL_HARD_RESET_CLIENT_V1 = Opcode(iota + 1) // 1
	P_CONTROL_HARD_RESET_SERVER_V1                    // 2
	P_CONTROL_SOFT_RESET_V1                           // 3
	P_CONTROL_V1                                      // 4
	P_ACK_V1                                          // 5
	P_DATA_V1                                         // 6
	P_CONTROL_HARD_RESET_CLIENT_V2                    // 7
	P_CONTROL_HARD_RESET_SERVER_V2                    // 8
	P_DATA_V2                                         // 9
)

// ErrUnknownOpcode is returned when the first byte carries an opcode we do not know.
var ErrUnknownOpcode = errors.New("openvpn: unknown opcode")

// NewOpcodeFromByte extracts the opcode and the key id from the first byte of a packet.
func NewOpcodeFromByte(b byte) (Opcode, uint8, error) {
	op := Opcode(b >> 3)
	if !op.IsControl() && !op.IsData() && op != P_ACK_V1 {
		return 0, 0, fmt.Errorf("%w: %d", ErrUnknownOpcode, op)
	}
	return op, b & KeyIDMask, nil
}

// KeyIDMask selects the key id from the first byte of a packet.
const KeyIDMask = 0x07

// HeaderByte returns the first byte of a packet: the opcode in the five
// high bits and the key id in the three low bits.
func HeaderByte(op Opcode, keyID uint8) byte {
	return (byte(op) << 3) | (keyID & KeyIDMask)
}

// String returns the opcode string representation
func (op Opcode) String() string {
	switch op {
	case P_CONTROL_HARD_RESET_CLIENT_V1:
		return "P_CONTROL_HARD_RESET_CLIENT_V1"

	case P_CONTROL_HARD_RESET_SERVER_V1:
		return "P_CONTROL_HARD_RESET_SERVER_V1"

	case P_CONTROL_SOFT_RESET_V1:
		return "P_CONTROL_SOFT_RESET_V1"

	case P_CONTROL_V1:
		return "P_CONTROL_V1"

	case P_ACK_V1:
		return "P_ACK_V1"

	case P_DATA_V1:
		return "P_DATA_V1"

	case P_CONTROL_HARD_RESET_CLIENT_V2:
		return "P_CONTROL_HARD_RESET_CLIENT_V2"

	case P_CONTROL_HARD_RESET_SERVER_V2:
		return "P_CONTROL_HARD_RESET_SERVER_V2"

	case P_DATA_V2:
		return "P_DATA_V2"

	default:
		return "P_UNKNOWN"
	}
}

// IsControl returns true when this opcode is a control opcode.
func (op Opcode) IsControl() bool {
	switch op {
	case P_CONTROL_HARD_RESET_CLIENT_V1,
		P_CONTROL_HARD_RESET_SERVER_V1,
		P_CONTROL_SOFT_RESET_V1,
		P_CONTROL_V1,
		P_CONTROL_HARD_RESET_CLIENT_V2,
		P_CONTROL_HARD_RESET_SERVER_V2:
		return true
	default:
		return false
	}
}

// IsData returns true when this opcode is a data opcode.
func (op Opcode) IsData() bool {
	switch op {
	case P_DATA_V1, P_DATA_V2:
		return true
	default:
		return false
	}
}

// SessionID is the session identifier.
type SessionID [8]byte

// PacketID is a packet identifier.
type PacketID uint32

// PacketTimestamp is the unix time carried by tls-auth and tls-crypt packets.
type PacketTimestamp uint32

// PeerID is the type of the P_DATA_V2 peer ID.
type PeerID [3]byte

// Packet is an OpenVPN control or ACK packet.
type Packet struct {
	// Opcode is the packet message type (a P_* constant; high 5-bits of
	// the first packet byte).
	Opcode Opcode

	// KeyID is the low 3-bits of the first packet byte.
	KeyID byte

	// PeerID is the peer ID.
	PeerID PeerID

	// LocalSessionID is the session ID of the sender.
	LocalSessionID SessionID

	// ReplayPacketID is the replay counter used by tls-auth and tls-crypt.
	ReplayPacketID PacketID

	// Timestamp goes along with ReplayPacketID.
	Timestamp PacketTimestamp

	// ACKs contains the remote packets we're ACKing.
	ACKs []PacketID

	// RemoteSessionID is the session ID of the peer we're ACKing. It is
	// only present on the wire when ACKs is not empty.
	RemoteSessionID SessionID

	// ID is the reliable packet id. It is absent for P_ACK_V1.
	ID PacketID

	// Payload is the packet's payload.
	Payload []byte
}

// NewPacket returns a packet from the passed arguments: opcode, keyID and a raw payload.
func NewPacket(opcode Opcode, keyID uint8, payload []byte) *Packet {
	return &Packet{
		Opcode:          opcode,
		KeyID:           keyID,
		PeerID:          [3]byte{},
		LocalSessionID:  [8]byte{},
		ACKs:            []PacketID{},
		RemoteSessionID: [8]byte{},
		ID:              0,
		Payload:         payload,
	}
}

// IsControl returns true if the packet is any of the control types.
func (p *Packet) IsControl() bool {
	return p.Opcode.IsControl()
}

// IsData returns true if the packet is of data type.
func (p *Packet) IsData() bool {
	return p.Opcode.IsData()
}

// Direction is the direction of a packet relative to us.
type Direction int

const (
	// DirectionIncoming marks received packets.
	DirectionIncoming = Direction(iota)

	// DirectionOutgoing marks packets we send.
	DirectionOutgoing
)

// Log writes an entry in the passed logger with a representation of this packet.
func (p *Packet) Log(logger Logger, direction Direction) {
	var dir string
	switch direction {
	case DirectionIncoming:
		dir = "<"
	case DirectionOutgoing:
		dir = ">"
	default:
		logger.Warnf("wrong direction: %d", direction)
		return
	}

	logger.Debugf(
		"%s %s {key=%d, id=%d, acks=%v} localID=%x remoteID=%x [%d bytes]",
		dir,
		p.Opcode,
		p.KeyID,
		p.ID,
		p.ACKs,
		p.LocalSessionID,
		p.RemoteSessionID,
		len(p.Payload),
	)
}
