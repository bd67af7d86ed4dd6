// Package authenticator builds the key-method 2 auth blob the client writes
// into the TLS channel and parses what the server writes back: the auth
// reply carrying its random material, followed by NUL terminated control
// messages such as PUSH_REPLY or AUTH_FAILED.
//
// All the secrets held by an [Authenticator] are wiped by [Authenticator.Reset].
package authenticator

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"runtime"
	"strings"

	"github.com/6ccg/ovpncore/internal/bytesx"
	"github.com/6ccg/ovpncore/internal/keys"
	"github.com/6ccg/ovpncore/internal/model"
	"github.com/6ccg/ovpncore/pkg/config"
)

// tlsPrefix is the four-byte all-zero header followed by the key method (2).
var tlsPrefix = []byte{0x00, 0x00, 0x00, 0x00, 0x02}

// UndefinedOptions replaces the local options string after an AUTH_FAILED
// so that a picky server only looks at the credentials.
const UndefinedOptions = "V0 UNDEF"

const (
	ivVer   = "2.5.11"
	ivProto = "6" // DATA_V2 (2) + REQUEST_PUSH (4)

	defaultNCPCiphers = "AES-256-GCM:AES-128-GCM"

	// pushContinuation marks a PUSH_REPLY that will be followed by more.
	pushContinuation = "push-continuation 2"

	// pushContinuationLast marks the last PUSH_REPLY of a sequence.
	pushContinuationLast = "push-continuation 1"
)

// authReplyMinLength is the prefix, two server random blocks and an empty
// options string.
const authReplyMinLength = 5 + 2*keys.RandomLength + 2

var (
	// ErrBadPrefix means the server reply does not start with the TLS prefix.
	ErrBadPrefix = errors.New("authenticator: wrong auth reply prefix")

	// ErrBadAuthReply means the server reply cannot be parsed.
	ErrBadAuthReply = errors.New("authenticator: bad auth reply")
)

// Authenticator is the per-key authentication state. It is not safe for
// concurrent use.
type Authenticator struct {
	logger  model.Logger
	options *config.OpenVPNOptions

	withLocalOptions bool

	local  *keys.KeySource
	remote *keys.KeySource

	serverOptions string
	replyParsed   bool
	wiped         bool

	// controlBuffer accumulates the plaintext read from TLS.
	controlBuffer []byte

	// pendingPush accumulates push-continuation bodies.
	pendingPush []string
}

// New returns an [Authenticator] with a fresh local key source. When
// withLocalOptions is false the auth blob carries [UndefinedOptions].
func New(logger model.Logger, options *config.OpenVPNOptions, withLocalOptions bool, rng io.Reader) (*Authenticator, error) {
	local, err := keys.NewKeySource(rng)
	if err != nil {
		return nil, err
	}
	return &Authenticator{
		logger:           logger,
		options:          options,
		withLocalOptions: withLocalOptions,
		local:            local,
		remote:           &keys.KeySource{},
	}, nil
}

// PutAuth returns the client auth blob. It must only be written into the
// TLS channel.
func (a *Authenticator) PutAuth() ([]byte, error) {
	var out bytes.Buffer
	out.Write(tlsPrefix)
	out.Write(a.local.PreMaster[:])
	out.Write(a.local.R1[:])
	out.Write(a.local.R2[:])

	opts := UndefinedOptions
	if a.withLocalOptions {
		opts = a.options.ServerOptionsString()
	}
	encoded, err := bytesx.EncodeOptionStringToBytes(opts)
	if err != nil {
		return nil, err
	}
	out.Write(encoded)

	username, password, err := a.options.AuthUserPassSetup()
	if err != nil {
		return nil, err
	}
	if username == "" && password == "" {
		out.Write([]byte{0x00, 0x00, 0x00, 0x00})
	} else {
		for _, s := range []string{username, password} {
			encoded, err := bytesx.EncodeOptionStringToBytes(s)
			if err != nil {
				return nil, err
			}
			out.Write(encoded)
		}
	}
	a.options.PurgeAuthUserPass()

	peerInfo, err := bytesx.EncodeOptionStringToBytes(PeerInfo(a.options))
	if err != nil {
		return nil, err
	}
	out.Write(peerInfo)
	return out.Bytes(), nil
}

// PeerInfo returns the IV_* lines sent to the server.
func PeerInfo(o *config.OpenVPNOptions) string {
	var b strings.Builder
	fmt.Fprintf(&b, "IV_VER=%s\n", ivVer)
	fmt.Fprintf(&b, "IV_PLAT=%s\n", ivPlat())
	fmt.Fprintf(&b, "IV_PROTO=%s\n", ivProto)
	b.WriteString("IV_NCP=2\n")
	if len(o.DataCiphers) > 0 {
		fmt.Fprintf(&b, "IV_CIPHERS=%s\n", strings.Join(o.DataCiphers, ":"))
	} else {
		fmt.Fprintf(&b, "IV_CIPHERS=%s\n", ivCiphers(o))
	}
	b.WriteString("IV_COMP_STUB=1\n")
	b.WriteString("IV_COMP_STUBv2=1\n")
	b.WriteString("IV_TCPNL=1\n")
	if o.Compress == config.CompressionLZONo {
		b.WriteString("IV_LZO_STUB=1\n")
	}
	return b.String()
}

func ivPlat() string {
	switch runtime.GOOS {
	case "windows":
		return "win"
	case "darwin":
		return "mac"
	default:
		return runtime.GOOS
	}
}

// ivCiphers appends the configured cipher to the NCP defaults.
func ivCiphers(o *config.OpenVPNOptions) string {
	cipher := strings.ToUpper(strings.TrimSpace(o.Cipher))
	if cipher == "" {
		return defaultNCPCiphers
	}
	for _, item := range strings.Split(defaultNCPCiphers, ":") {
		if item == cipher {
			return defaultNCPCiphers
		}
	}
	return defaultNCPCiphers + ":" + cipher
}

// AppendControlData buffers plaintext read from the TLS channel.
func (a *Authenticator) AppendControlData(b []byte) {
	a.controlBuffer = append(a.controlBuffer, b...)
}

// ParseAuthReply consumes the server auth reply from the buffered data. It
// returns false when more data is needed and [ErrBadPrefix] when the
// buffer does not start like an auth reply.
func (a *Authenticator) ParseAuthReply() (bool, error) {
	if a.replyParsed {
		return true, nil
	}
	buf := a.controlBuffer
	if len(buf) < len(tlsPrefix) {
		if !bytes.HasPrefix(tlsPrefix, buf) {
			return false, ErrBadPrefix
		}
		return false, nil
	}
	if !bytes.Equal(buf[:len(tlsPrefix)], tlsPrefix) {
		return false, fmt.Errorf("%w: %x", ErrBadPrefix, buf[:len(tlsPrefix)])
	}
	if len(buf) < authReplyMinLength {
		return false, nil
	}
	offset := len(tlsPrefix)
	optionsOffset := offset + 2*keys.RandomLength
	length := int(binary.BigEndian.Uint16(buf[optionsOffset:]))
	if len(buf) < optionsOffset+2+length {
		return false, nil
	}
	options, consumed, err := bytesx.DecodeOptionStringPrefix(buf[optionsOffset:])
	if err != nil {
		return false, fmt.Errorf("%w: %s", ErrBadAuthReply, err)
	}
	copy(a.remote.R1[:], buf[offset:offset+keys.RandomLength])
	copy(a.remote.R2[:], buf[offset+keys.RandomLength:optionsOffset])
	a.serverOptions = options
	a.replyParsed = true

	rest := buf[optionsOffset+consumed:]
	bytesx.Zero(buf[:optionsOffset+consumed])
	a.controlBuffer = append([]byte{}, rest...)
	a.logger.Debugf("authenticator: server options %q", options)
	return true, nil
}

// ParseMessages consumes the NUL terminated control messages from the
// buffer. PUSH_REPLY messages marked with push-continuation are joined and
// returned as a single message once the last part arrives. Nothing is
// parsed before the auth reply.
func (a *Authenticator) ParseMessages() []string {
	if !a.replyParsed {
		return nil
	}
	var out []string
	for {
		idx := bytes.IndexByte(a.controlBuffer, 0x00)
		if idx < 0 {
			break
		}
		msg := string(a.controlBuffer[:idx])
		a.controlBuffer = a.controlBuffer[idx+1:]
		if msg == "" {
			continue
		}
		if merged, ok := a.joinPushReply(msg); ok {
			out = append(out, merged)
		}
	}
	if len(a.controlBuffer) == 0 {
		a.controlBuffer = nil
	}
	return out
}

// joinPushReply returns the message to deliver, if any.
func (a *Authenticator) joinPushReply(msg string) (string, bool) {
	if !strings.HasPrefix(msg, config.PushReplyPrefix) {
		return msg, true
	}
	body := strings.TrimPrefix(strings.TrimPrefix(msg, config.PushReplyPrefix), ",")
	var parts []string
	more := false
	for _, opt := range strings.Split(body, ",") {
		switch strings.TrimSpace(opt) {
		case pushContinuation:
			more = true
		case pushContinuationLast, "":
		default:
			parts = append(parts, opt)
		}
	}
	a.pendingPush = append(a.pendingPush, parts...)
	if more {
		a.logger.Debug("authenticator: push-continuation, waiting for more")
		return "", false
	}
	joined := config.PushReplyPrefix
	if len(a.pendingPush) > 0 {
		joined += "," + strings.Join(a.pendingPush, ",")
	}
	a.pendingPush = nil
	return joined, true
}

// DeriveKeyMaterial derives the data channel keys from both key sources.
// It must be called after the auth reply has been parsed.
func (a *Authenticator) DeriveKeyMaterial(localSessionID, remoteSessionID model.SessionID) (*keys.KeyMaterial, error) {
	if !a.replyParsed || a.wiped {
		return nil, fmt.Errorf("%w: no key sources", ErrBadAuthReply)
	}
	return keys.DeriveKeyMaterial(a.local, a.remote, localSessionID[:], remoteSessionID[:]), nil
}

// WipeKeys wipes the key sources once the data channel keys exist.
// Buffered control messages are kept.
func (a *Authenticator) WipeKeys() {
	a.local.Wipe()
	a.remote.Wipe()
	a.wiped = true
}

// Reset wipes the key sources and any buffered plaintext. Control messages
// can still be parsed afterwards.
func (a *Authenticator) Reset() {
	a.WipeKeys()
	bytesx.Zero(a.controlBuffer)
	a.controlBuffer = nil
	a.pendingPush = nil
}
