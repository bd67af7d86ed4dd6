package wire

import (
	"encoding/hex"
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// StaticKeyLength is the length of an OpenVPN static key.
const StaticKeyLength = 256

// staticKeyQuarter is the length of each of the four slices of a static key.
const staticKeyQuarter = StaticKeyLength / 4

// ErrBadStaticKey is returned when we cannot parse a static key.
var ErrBadStaticKey = errors.New("wire: invalid static key")

var staticKeyPEM = regexp.MustCompile(`(?s)-----BEGIN OpenVPN Static key V1-----(.*?)-----END OpenVPN Static key V1-----`)

// StaticKey is the pre-shared key used by tls-auth and tls-crypt.
type StaticKey [StaticKeyLength]byte

// ParseStaticKey parses the PEM-like "OpenVPN Static key V1" format. Comment
// lines outside of the armor are ignored.
func ParseStaticKey(data []byte) (*StaticKey, error) {
	m := staticKeyPEM.FindSubmatch(data)
	if m == nil {
		return nil, fmt.Errorf("%w: missing armor", ErrBadStaticKey)
	}
	var sb strings.Builder
	for _, line := range strings.Split(string(m[1]), "\n") {
		sb.WriteString(strings.TrimSpace(line))
	}
	raw, err := hex.DecodeString(sb.String())
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrBadStaticKey, err)
	}
	if len(raw) != StaticKeyLength {
		return nil, fmt.Errorf("%w: expected %d bytes, got %d", ErrBadStaticKey, StaticKeyLength, len(raw))
	}
	key := &StaticKey{}
	copy(key[:], raw)
	return key, nil
}

// quarter returns a copy of the n-th 64 byte slice of the key.
func (k *StaticKey) quarter(n int) []byte {
	out := make([]byte, staticKeyQuarter)
	copy(out, k[n*staticKeyQuarter:(n+1)*staticKeyQuarter])
	return out
}

// KeyDirection is the tls-auth key-direction.
type KeyDirection int

const (
	// KeyDirectionBidirectional is used when key-direction is omitted.
	KeyDirectionBidirectional = KeyDirection(iota)

	// KeyDirectionNormal is key-direction 0.
	KeyDirectionNormal

	// KeyDirectionInverse is key-direction 1, the usual client setting.
	KeyDirectionInverse
)

// ParseKeyDirection maps the key-direction option value to a [KeyDirection].
func ParseKeyDirection(s string) (KeyDirection, error) {
	switch s {
	case "":
		return KeyDirectionBidirectional, nil
	case "0":
		return KeyDirectionNormal, nil
	case "1":
		return KeyDirectionInverse, nil
	default:
		return 0, fmt.Errorf("%w: bad key-direction %q", ErrBadStaticKey, s)
	}
}

// String implements fmt.Stringer.
func (d KeyDirection) String() string {
	switch d {
	case KeyDirectionNormal:
		return "0"
	case KeyDirectionInverse:
		return "1"
	default:
		return "bidirectional"
	}
}
