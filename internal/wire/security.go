package wire

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"errors"
	"fmt"
	"hash"
	"strings"

	"golang.org/x/crypto/blake2b"
	"golang.org/x/crypto/blake2s"
	"golang.org/x/crypto/sha3"
)

// ControlSecurityMode is the tls-wrap strategy applied to control packets.
type ControlSecurityMode int

const (
	// ControlSecurityModeNone means plain control packets.
	ControlSecurityModeNone = ControlSecurityMode(iota)

	// ControlSecurityModeTLSAuth authenticates control packets with an HMAC.
	ControlSecurityModeTLSAuth

	// ControlSecurityModeTLSCrypt authenticates and encrypts control packets.
	ControlSecurityModeTLSCrypt
)

// String implements fmt.Stringer.
func (m ControlSecurityMode) String() string {
	switch m {
	case ControlSecurityModeTLSAuth:
		return "tls-auth"
	case ControlSecurityModeTLSCrypt:
		return "tls-crypt"
	default:
		return "none"
	}
}

// ErrUnsupportedDigest is returned for digest names we do not know.
var ErrUnsupportedDigest = errors.New("wire: unsupported digest")

// Digest is an HMAC digest usable with tls-auth.
type Digest struct {
	// Name is the canonical OpenVPN name.
	Name string

	// New returns a new hash.
	New func() hash.Hash

	// Size is the output (and HMAC key) length.
	Size int
}

var digests = []*Digest{
	{Name: "MD5", New: md5.New, Size: md5.Size},
	{Name: "SHA1", New: sha1.New, Size: sha1.Size},
	{Name: "SHA224", New: sha256.New224, Size: sha256.Size224},
	{Name: "SHA256", New: sha256.New, Size: sha256.Size},
	{Name: "SHA384", New: sha512.New384, Size: sha512.Size384},
	{Name: "SHA512", New: sha512.New, Size: sha512.Size},
	{Name: "SHA3-256", New: sha3.New256, Size: 32},
	{Name: "SHA3-384", New: sha3.New384, Size: 48},
	{Name: "SHA3-512", New: sha3.New512, Size: 64},
	{
		Name: "BLAKE2s256",
		New: func() hash.Hash {
			h, _ := blake2s.New256(nil)
			return h
		},
		Size: blake2s.Size,
	},
	{
		Name: "BLAKE2b512",
		New: func() hash.Hash {
			h, _ := blake2b.New512(nil)
			return h
		},
		Size: blake2b.Size,
	},
}

// LookupDigest returns the [Digest] with the given name. The lookup ignores
// case and dashes, so "sha-256" and "SHA256" are the same digest.
func LookupDigest(name string) (*Digest, error) {
	want := normalizeDigestName(name)
	for _, d := range digests {
		if normalizeDigestName(d.Name) == want {
			return d, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrUnsupportedDigest, name)
}

func normalizeDigestName(name string) string {
	return strings.ToUpper(strings.ReplaceAll(name, "-", ""))
}

// tlsCryptTagSize is the size of the HMAC-SHA256 tag used by tls-crypt.
const tlsCryptTagSize = sha256.Size

// tlsCryptKeySize is the AES-256-CTR key size used by tls-crypt.
const tlsCryptKeySize = 32

// replayBlockSize is the size of the replay packet id plus the timestamp.
const replayBlockSize = 8

// ControlChannelSecurity holds the pre-shared keys used to wrap control
// packets. Use one of the constructors.
type ControlChannelSecurity struct {
	// Mode is the wrapping strategy.
	Mode ControlSecurityMode

	// Digest is the tls-auth HMAC digest.
	Digest *Digest

	localHMACKey    []byte
	remoteHMACKey   []byte
	localCipherKey  []byte
	remoteCipherKey []byte
}

// NewControlChannelSecurityNone returns the plain framing.
func NewControlChannelSecurityNone() *ControlChannelSecurity {
	return &ControlChannelSecurity{Mode: ControlSecurityModeNone}
}

// NewControlChannelSecurityTLSAuth builds tls-auth keys for a client using
// the given static key, key-direction and digest name.
func NewControlChannelSecurityTLSAuth(key *StaticKey, direction KeyDirection, digestName string) (*ControlChannelSecurity, error) {
	digest, err := LookupDigest(digestName)
	if err != nil {
		return nil, err
	}
	var local, remote []byte
	switch direction {
	case KeyDirectionInverse:
		local, remote = key.quarter(3), key.quarter(1)
	case KeyDirectionNormal:
		local, remote = key.quarter(1), key.quarter(3)
	default:
		local, remote = key.quarter(1), key.quarter(1)
	}
	return &ControlChannelSecurity{
		Mode:          ControlSecurityModeTLSAuth,
		Digest:        digest,
		localHMACKey:  local[:digest.Size],
		remoteHMACKey: remote[:digest.Size],
	}, nil
}

// NewControlChannelSecurityTLSCrypt builds tls-crypt keys for a client. The
// client always uses the inverse key direction.
func NewControlChannelSecurityTLSCrypt(key *StaticKey) *ControlChannelSecurity {
	return &ControlChannelSecurity{
		Mode:            ControlSecurityModeTLSCrypt,
		localCipherKey:  key.quarter(2)[:tlsCryptKeySize],
		localHMACKey:    key.quarter(3)[:tlsCryptTagSize],
		remoteCipherKey: key.quarter(0)[:tlsCryptKeySize],
		remoteHMACKey:   key.quarter(1)[:tlsCryptTagSize],
	}
}

// UsesReplayProtection returns whether packets carry a replay id and a timestamp.
func (s *ControlChannelSecurity) UsesReplayProtection() bool {
	return s.Mode != ControlSecurityModeNone
}

// Overhead returns the bytes the wrapping adds to a plain control packet.
func (s *ControlChannelSecurity) Overhead() int {
	switch s.Mode {
	case ControlSecurityModeTLSAuth:
		return s.Digest.Size + replayBlockSize
	case ControlSecurityModeTLSCrypt:
		return tlsCryptTagSize + replayBlockSize
	default:
		return 0
	}
}

// tlsAuthDigest computes the tls-auth HMAC. The replay block goes first,
// followed by the header and the control message.
func (s *ControlChannelSecurity) tlsAuthDigest(key, header, replay, ctrl []byte) []byte {
	mac := hmac.New(s.Digest.New, key)
	mac.Write(replay)
	mac.Write(header)
	mac.Write(ctrl)
	return mac.Sum(nil)
}

// tlsCryptDigest computes the tls-crypt tag over the header, the replay
// block and the plaintext control message.
func tlsCryptDigest(key, header, replay, ctrl []byte) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write(header)
	mac.Write(replay)
	mac.Write(ctrl)
	return mac.Sum(nil)
}

// tlsCryptXOR runs AES-256-CTR using the first block of the tag as IV.
func tlsCryptXOR(key, tag, in []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	out := make([]byte, len(in))
	cipher.NewCTR(block, tag[:aes.BlockSize]).XORKeyStream(out, in)
	return out, nil
}
