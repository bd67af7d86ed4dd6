// Package datapath encrypts tunnel packets into DATA_V1/DATA_V2 packets and
// back, for a single key id.
package datapath

import (
	"errors"
	"fmt"
	"io"

	"github.com/6ccg/ovpncore/internal/bytesx"
	"github.com/6ccg/ovpncore/internal/keys"
	"github.com/6ccg/ovpncore/internal/model"
	"github.com/6ccg/ovpncore/internal/replay"
	"github.com/6ccg/ovpncore/internal/wire"
	"github.com/6ccg/ovpncore/pkg/config"
)

var (
	// ErrCannotDecrypt is returned when a data packet does not authenticate,
	// is truncated or is a replay. The packet is dropped.
	ErrCannotDecrypt = errors.New("datapath: cannot decrypt")

	// ErrProtocolDecrypt is returned when a packet authenticated but its
	// content makes no sense for the negotiated options.
	ErrProtocolDecrypt = errors.New("datapath: protocol error")

	// ErrPacketIDExhausted is returned when the outbound packet id would wrap.
	ErrPacketIDExhausted = errors.New("datapath: packet id exhausted")
)

const (
	// DefaultMaxPackets bounds the batches handled in a single call.
	DefaultMaxPackets = 200

	// renegotiatePacketID is the outbound packet id after which the key
	// should be replaced before the counter wraps.
	renegotiatePacketID = model.PacketID(0xff000000)

	// peerIDLength is the length of the DATA_V2 peer id.
	peerIDLength = 3
)

// Options configures a [DataPath].
type Options struct {
	// Cipher is the negotiated data cipher.
	Cipher string

	// Digest authenticates CBC packets.
	Digest string

	// Compression is the negotiated framing.
	Compression config.Compression

	// PeerID selects DATA_V2 when set.
	PeerID *uint32

	// ReplayProtection enables the inbound replay window.
	ReplayProtection bool

	// Reliable links require strictly sequential packet ids.
	Reliable bool

	// MaxPackets is the link batching hint.
	MaxPackets int
}

// Kind tells apart what a decrypted packet carries.
type Kind int

const (
	// KindData is a tunnel packet.
	KindData = Kind(iota)

	// KindPing is a keep-alive.
	KindPing

	// KindExit is the peer telling us it is going away.
	KindExit
)

// Payload is a decrypted packet.
type Payload struct {
	Kind Kind
	Data []byte
}

// DataPath is the data channel state of a key. It is not safe for
// concurrent use.
type DataPath struct {
	logger      model.Logger
	keyID       uint8
	opcode      model.Opcode
	peerID      model.PeerID
	compression config.Compression
	maxPackets  int

	encrypter *keys.Encrypter
	decrypter *keys.Decrypter
	replay    *replay.Filter

	outboundID model.PacketID

	packetsIn  uint64
	packetsOut uint64
}

// New returns the [DataPath] for keyID using the derived key material.
// CBC IVs are read from rng.
func New(logger model.Logger, keyID uint8, km *keys.KeyMaterial, opts Options, rng io.Reader) (*DataPath, error) {
	suite, err := keys.LookupCipher(opts.Cipher)
	if err != nil {
		return nil, err
	}
	var digest *wire.Digest
	if suite.Mode == keys.ModeCBC {
		if digest, err = wire.LookupDigest(opts.Digest); err != nil {
			return nil, err
		}
	}
	enc, dec, err := keys.NewDataCiphers(suite, digest, km, rng)
	if err != nil {
		return nil, err
	}
	dp := &DataPath{
		logger:      logger,
		keyID:       keyID & model.KeyIDMask,
		opcode:      model.P_DATA_V1,
		compression: opts.Compression,
		maxPackets:  opts.MaxPackets,
		encrypter:   enc,
		decrypter:   dec,
	}
	if dp.maxPackets <= 0 {
		dp.maxPackets = DefaultMaxPackets
	}
	if opts.PeerID != nil {
		dp.opcode = model.P_DATA_V2
		bytesx.WriteUint24(dp.peerID[:], *opts.PeerID)
	}
	if opts.ReplayProtection {
		var filterOpts []replay.Option
		if opts.Reliable {
			filterOpts = append(filterOpts, replay.WithSequentialMode())
		}
		dp.replay = replay.NewFilter(replay.DefaultWindow, filterOpts...)
	}
	logger.Debugf("datapath: key %d ready (%s, %s, compression=%q)", dp.keyID, suite.Name, dp.opcode, dp.compression)
	return dp, nil
}

// KeyID returns the key id of this data path.
func (d *DataPath) KeyID() uint8 {
	return d.keyID
}

// header returns the bytes preceding the encrypted body.
func (d *DataPath) header() []byte {
	if d.opcode == model.P_DATA_V2 {
		out := make([]byte, 0, 1+peerIDLength)
		out = append(out, model.HeaderByte(d.opcode, d.keyID))
		return append(out, d.peerID[:]...)
	}
	return []byte{model.HeaderByte(d.opcode, d.keyID)}
}

// nextPacketID returns the next outbound packet id, starting at 1.
func (d *DataPath) nextPacketID() (model.PacketID, error) {
	if d.outboundID == model.PacketID(0xffffffff) {
		return 0, ErrPacketIDExhausted
	}
	d.outboundID++
	return d.outboundID, nil
}

// NeedsRenegotiation returns true when the outbound packet id gets close
// to wrapping.
func (d *DataPath) NeedsRenegotiation() bool {
	return d.outboundID >= renegotiatePacketID
}

// Encrypt seals a single payload into a data packet.
func (d *DataPath) Encrypt(payload []byte) ([]byte, error) {
	id, err := d.nextPacketID()
	if err != nil {
		return nil, err
	}
	framed := frame(payload, d.compression)
	header := d.header()
	var out []byte
	if d.opcode == model.P_DATA_V2 {
		// the opcode and the peer id are authenticated
		out, err = d.encrypter.Encrypt(header, id, framed)
	} else {
		var body []byte
		body, err = d.encrypter.Encrypt(nil, id, framed)
		out = append(header, body...)
	}
	if err != nil {
		return nil, err
	}
	d.packetsOut++
	return out, nil
}

// EncryptPackets seals the tunnel packets. Packets that are not IP are
// dropped.
func (d *DataPath) EncryptPackets(packets [][]byte) ([][]byte, error) {
	out := make([][]byte, 0, min(len(packets), d.maxPackets))
	for _, p := range packets {
		if err := validateTunnelPacket(p); err != nil {
			d.logger.Debugf("datapath: dropping outbound packet: %s", err.Error())
			continue
		}
		sealed, err := d.Encrypt(p)
		if err != nil {
			return out, err
		}
		out = append(out, sealed)
	}
	return out, nil
}

// EncryptPing seals a keep-alive.
func (d *DataPath) EncryptPing() ([]byte, error) {
	return d.Encrypt(pingString)
}

// EncryptExitNotification seals the OCC exit message.
func (d *DataPath) EncryptExitNotification() ([]byte, error) {
	return d.Encrypt(ExitNotificationPayload())
}

// Decrypt opens a data packet. Authentication, truncation and replay
// failures wrap [ErrCannotDecrypt]; bad framing after authentication wraps
// [ErrProtocolDecrypt]; compressed content wraps [ErrCompressionUnsupported].
func (d *DataPath) Decrypt(packet []byte) (*Payload, error) {
	if len(packet) < 1 {
		return nil, fmt.Errorf("%w: empty packet", ErrCannotDecrypt)
	}
	op, keyID, err := model.NewOpcodeFromByte(packet[0])
	if err != nil || !op.IsData() {
		return nil, fmt.Errorf("%w: not a data packet", ErrCannotDecrypt)
	}
	if keyID != d.keyID {
		return nil, fmt.Errorf("%w: key id %d, expected %d", ErrCannotDecrypt, keyID, d.keyID)
	}

	var id model.PacketID
	var plaintext []byte
	switch op {
	case model.P_DATA_V2:
		if len(packet) < 1+peerIDLength {
			return nil, fmt.Errorf("%w: truncated DATA_V2 header", ErrCannotDecrypt)
		}
		id, plaintext, err = d.decrypter.Decrypt(packet[:1+peerIDLength], packet[1+peerIDLength:])
	default:
		id, plaintext, err = d.decrypter.Decrypt(nil, packet[1:])
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrCannotDecrypt, err)
	}
	if d.replay != nil {
		if err := d.replay.Check(id); err != nil {
			return nil, fmt.Errorf("%w: packet id %d: %s", ErrCannotDecrypt, id, err)
		}
	}
	d.packetsIn++

	data, err := unframe(plaintext, d.compression)
	switch {
	case errors.Is(err, ErrCompressionUnsupported):
		return nil, err
	case err != nil:
		return nil, fmt.Errorf("%w: %s", ErrProtocolDecrypt, err)
	}

	switch {
	case IsPing(data):
		return &Payload{Kind: KindPing}, nil
	case IsExitNotification(data):
		return &Payload{Kind: KindExit}, nil
	default:
		return &Payload{Kind: KindData, Data: data}, nil
	}
}

// Stats returns the number of packets decrypted and encrypted.
func (d *DataPath) Stats() (packetsIn, packetsOut uint64) {
	return d.packetsIn, d.packetsOut
}

// MaxPackets returns the batch size hint.
func (d *DataPath) MaxPackets() int {
	return d.maxPackets
}
