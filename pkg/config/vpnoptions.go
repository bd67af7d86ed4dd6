package config

import (
	"errors"
	"fmt"
	"net"
	"slices"
	"strings"
	"time"

	"github.com/6ccg/ovpncore/internal/keys"
	"github.com/6ccg/ovpncore/internal/wire"
)

type (
	// Compression describes a Compression type (e.g., stub).
	Compression string
)

const (
	// CompressionDisabled means no compression framing at all.
	CompressionDisabled = Compression("")

	// CompressionStub adds the (empty) compression stub to the packets, swapping
	// the first byte to the end.
	CompressionStub = Compression("stub")

	// CompressionStubV2 is the v2 stub framing.
	CompressionStubV2 = Compression("stub-v2")

	// CompressionEmpty is "compress" without algorithm: the stub without swap.
	CompressionEmpty = Compression("empty")

	// CompressionLZONo is lzo-no (another type of no-compression, older).
	CompressionLZONo = Compression("lzo-no")
)

// IsFramingOnly returns whether c frames packets without compressing them,
// which is all we support.
func (c Compression) IsFramingOnly() bool {
	switch c {
	case CompressionDisabled, CompressionStub, CompressionStubV2, CompressionEmpty, CompressionLZONo:
		return true
	default:
		return false
	}
}

// Proto is the main vpn mode (e.g., TCP or UDP).
type Proto string

var _ fmt.Stringer = Proto("")

// String implements fmt.Stringer
func (p Proto) String() string {
	return string(p)
}

// IsTCP returns whether p is any of the TCP variants.
func (p Proto) IsTCP() bool {
	return strings.HasPrefix(string(p), "tcp")
}

// Network returns the name of the network for [net.Dial].
func (p Proto) Network() string {
	return string(p)
}

const (
	// ProtoTCP is used for vpn in TCP mode (dual-stack).
	ProtoTCP = Proto("tcp")

	// ProtoTCP4 is used for vpn in TCP mode, forcing IPv4.
	ProtoTCP4 = Proto("tcp4")

	// ProtoTCP6 is used for vpn in TCP mode, forcing IPv6.
	ProtoTCP6 = Proto("tcp6")

	// ProtoUDP is used for vpn in UDP mode (dual-stack).
	ProtoUDP = Proto("udp")

	// ProtoUDP4 is used for vpn in UDP mode, forcing IPv4.
	ProtoUDP4 = Proto("udp4")

	// ProtoUDP6 is used for vpn in UDP mode, forcing IPv6.
	ProtoUDP6 = Proto("udp6")
)

var knownProtos = []Proto{ProtoTCP, ProtoTCP4, ProtoTCP6, ProtoUDP, ProtoUDP4, ProtoUDP6}

// ErrBadConfig is the generic error returned for invalid configurations.
var ErrBadConfig = errors.New("openvpn: bad config")

const (
	// DefaultCipher is used when no cipher is configured.
	DefaultCipher = "AES-256-GCM"

	// DefaultAuth is used when no auth digest is configured.
	DefaultAuth = "SHA1"

	// DefaultRenegotiatesAfter is OpenVPN's reneg-sec default.
	DefaultRenegotiatesAfter = time.Hour

	// DefaultPort is the IANA port for OpenVPN.
	DefaultPort = "1194"
)

// Endpoint is a remote server to connect to.
type Endpoint struct {
	Host  string `yaml:"host"`
	Port  string `yaml:"port"`
	Proto Proto  `yaml:"proto"`
}

// Address returns host:port.
func (e Endpoint) Address() string {
	return net.JoinHostPort(e.Host, e.Port)
}

// OpenVPNOptions is the immutable session configuration. The session never
// mutates the value it receives; pushed values are applied with [OpenVPNOptions.Merge]
// which returns a new value.
type OpenVPNOptions struct {
	// These options have the same name of OpenVPN options referenced in the official documentation:
	Remotes     []Endpoint
	Username    string
	Password    string
	CA          []byte
	Cert        []byte
	Key         []byte
	TLSAuth     []byte
	TLSCrypt    []byte
	Cipher      string
	Auth        string
	DataCiphers []string
	Compress    Compression

	// KeyDirection is the tls-auth key-direction: "", "0" or "1". When unset,
	// OpenVPN operates in bidirectional mode.
	KeyDirection string

	// AuthUserPass indicates that auth-user-pass was requested.
	AuthUserPass bool

	// AuthNoCache purges credentials once they have been sent.
	AuthNoCache bool

	// AuthToken is the token pushed by the server. It replaces the password
	// on renegotiation.
	AuthToken string

	// Below are options that do not conform strictly to the OpenVPN configuration format.

	// CheckEKU requires the server certificate to carry the TLS server
	// extended key usage (remote-cert-tls server).
	CheckEKU bool

	// VerifyX509Name is the name the server certificate SAN must match.
	VerifyX509Name string

	// TLSMinVersion is "1.2" or "1.3"; empty means 1.2.
	TLSMinVersion string

	// KeepAliveInterval is the ping interval; zero disables pings.
	KeepAliveInterval time.Duration

	// KeepAliveTimeout is the ping-restart timeout; zero disables the check.
	KeepAliveTimeout time.Duration

	// RenegotiatesAfter is reneg-sec; zero disables time based renegotiation.
	RenegotiatesAfter time.Duration

	// RenegotiatesAfterBytes is reneg-bytes; zero disables it.
	RenegotiatesAfterBytes uint64

	// RenegotiatesAfterPackets is reneg-pkts; zero disables it.
	RenegotiatesAfterPackets uint64

	// NoReplay disables data channel replay protection.
	NoReplay bool

	// PeerID is pushed by the server to select DATA_V2.
	PeerID *uint32

	// cached keeps the credentials across renegotiations unless
	// AuthNoCache is set.
	cached credentials
}

// NewOpenVPNOptions returns options with the protocol defaults.
func NewOpenVPNOptions() *OpenVPNOptions {
	return &OpenVPNOptions{
		Cipher:            DefaultCipher,
		Auth:              DefaultAuth,
		RenegotiatesAfter: DefaultRenegotiatesAfter,
	}
}

// Remote returns the first configured endpoint.
func (o *OpenVPNOptions) Remote() (Endpoint, bool) {
	if len(o.Remotes) == 0 {
		return Endpoint{}, false
	}
	return o.Remotes[0], true
}

// Proto returns the protocol of the first endpoint, defaulting to UDP.
func (o *OpenVPNOptions) Proto() Proto {
	if r, ok := o.Remote(); ok && r.Proto != "" {
		return r.Proto
	}
	return ProtoUDP
}

// UsesReplayProtection is the negation of NoReplay.
func (o *OpenVPNOptions) UsesReplayProtection() bool {
	return !o.NoReplay
}

// HasAuthInfo returns true if:
// - we have inline byte arrays for cert, key and ca; or
// - we have username + password + ca info.
func (o *OpenVPNOptions) HasAuthInfo() bool {
	if len(o.CA) == 0 {
		return false
	}
	if o.AuthUserPass {
		return o.Username != "" && o.Password != ""
	}
	if len(o.Cert) != 0 && len(o.Key) != 0 {
		return true
	}
	return o.Username != "" && o.Password != ""
}

// Validate checks that we can run a session with these options.
func (o *OpenVPNOptions) Validate() error {
	if len(o.Remotes) == 0 {
		return fmt.Errorf("%w: no remote", ErrBadConfig)
	}
	for _, r := range o.Remotes {
		if r.Host == "" || r.Port == "" {
			return fmt.Errorf("%w: bad remote %q", ErrBadConfig, r.Address())
		}
		if r.Proto != "" && !slices.Contains(knownProtos, r.Proto) {
			return fmt.Errorf("%w: unknown proto %q", ErrBadConfig, r.Proto)
		}
	}
	if !o.HasAuthInfo() {
		return fmt.Errorf("%w: missing ca and credentials", ErrBadConfig)
	}
	if _, err := keys.LookupCipher(o.Cipher); err != nil {
		return fmt.Errorf("%w: %s", ErrBadConfig, err)
	}
	for _, c := range o.DataCiphers {
		if _, err := keys.LookupCipher(c); err != nil {
			return fmt.Errorf("%w: data-ciphers: %s", ErrBadConfig, err)
		}
	}
	if _, err := wire.LookupDigest(o.Auth); err != nil {
		return fmt.Errorf("%w: %s", ErrBadConfig, err)
	}
	if len(o.TLSAuth) > 0 && len(o.TLSCrypt) > 0 {
		return fmt.Errorf("%w: tls-auth and tls-crypt are exclusive", ErrBadConfig)
	}
	if _, err := o.ControlChannelSecurity(); err != nil {
		return fmt.Errorf("%w: %s", ErrBadConfig, err)
	}
	if !o.Compress.IsFramingOnly() {
		return fmt.Errorf("%w: unsupported compression %q", ErrBadConfig, o.Compress)
	}
	switch o.TLSMinVersion {
	case "", "1.2", "1.3":
	default:
		return fmt.Errorf("%w: tls-version-min %q", ErrBadConfig, o.TLSMinVersion)
	}
	return nil
}

// ControlChannelSecurity builds the control channel wrapping for these options.
func (o *OpenVPNOptions) ControlChannelSecurity() (*wire.ControlChannelSecurity, error) {
	switch {
	case len(o.TLSCrypt) > 0:
		key, err := wire.ParseStaticKey(o.TLSCrypt)
		if err != nil {
			return nil, err
		}
		return wire.NewControlChannelSecurityTLSCrypt(key), nil
	case len(o.TLSAuth) > 0:
		key, err := wire.ParseStaticKey(o.TLSAuth)
		if err != nil {
			return nil, err
		}
		dir, err := wire.ParseKeyDirection(o.KeyDirection)
		if err != nil {
			return nil, err
		}
		return wire.NewControlChannelSecurityTLSAuth(key, dir, o.Auth)
	default:
		return wire.NewControlChannelSecurityNone(), nil
	}
}

// Clone returns a deep copy.
func (o *OpenVPNOptions) Clone() *OpenVPNOptions {
	c := *o
	c.Remotes = slices.Clone(o.Remotes)
	c.CA = slices.Clone(o.CA)
	c.Cert = slices.Clone(o.Cert)
	c.Key = slices.Clone(o.Key)
	c.TLSAuth = slices.Clone(o.TLSAuth)
	c.TLSCrypt = slices.Clone(o.TLSCrypt)
	c.DataCiphers = slices.Clone(o.DataCiphers)
	if o.PeerID != nil {
		id := *o.PeerID
		c.PeerID = &id
	}
	return &c
}

// Merge returns a copy of o where the values pushed by the server win over
// the configured ones.
func (o *OpenVPNOptions) Merge(pr *PushReply) *OpenVPNOptions {
	c := o.Clone()
	if pr == nil {
		return c
	}
	if pr.Cipher != "" {
		c.Cipher = pr.Cipher
	}
	if pr.Compression != nil {
		c.Compress = *pr.Compression
	}
	if pr.Ping > 0 {
		c.KeepAliveInterval = pr.Ping
	}
	if pr.PingRestart > 0 {
		c.KeepAliveTimeout = pr.PingRestart
	}
	if pr.RenegotiatesAfter != nil {
		c.RenegotiatesAfter = *pr.RenegotiatesAfter
	}
	if pr.AuthToken != "" {
		c.AuthToken = pr.AuthToken
	}
	if pr.PeerID != nil {
		id := *pr.PeerID
		c.PeerID = &id
	}
	return c
}

// clientOptions is the options line we're passing to the OpenVPN server during the handshake.
const clientOptions = "V4,dev-type tun,link-mtu 1601,tun-mtu 1500,proto %s,cipher %s,auth %s,keysize %d,key-method 2,tls-client"

// ServerOptionsString produces a comma-separated representation of the options, in the same
// order and format that the OpenVPN server expects from us.
func (o *OpenVPNOptions) ServerOptionsString() string {
	suite, err := keys.LookupCipher(o.Cipher)
	if err != nil {
		return ""
	}
	var proto string
	switch o.Proto() {
	case ProtoTCP, ProtoTCP4:
		proto = "TCPv4_CLIENT"
	case ProtoTCP6:
		proto = "TCPv6_CLIENT"
	case ProtoUDP6:
		proto = "UDPv6"
	default:
		proto = "UDPv4"
	}
	auth := o.Auth
	if suite.Mode == keys.ModeAEAD {
		auth = "[null-digest]"
	}
	s := fmt.Sprintf(clientOptions, proto, suite.Name, auth, suite.KeySize*8)
	switch o.Compress {
	case CompressionStub, CompressionEmpty:
		s += ",compress"
	case CompressionStubV2:
		s += ",compress stub-v2"
	case CompressionLZONo:
		s += ",comp-lzo"
	}
	switch {
	case len(o.TLSCrypt) > 0:
		s += ",tls-crypt"
	case len(o.TLSAuth) > 0:
		s += ",tls-auth"
		if o.KeyDirection != "" {
			s += ",keydir " + o.KeyDirection
		}
	}
	return s
}
