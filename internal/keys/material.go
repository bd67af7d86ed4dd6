package keys

import (
	"fmt"
	"io"

	"github.com/6ccg/ovpncore/internal/bytesx"
)

const (
	// PreMasterLength is the length of the client pre-master secret.
	PreMasterLength = 48

	// RandomLength is the length of each random block.
	RandomLength = 32

	// MasterSecretLength is the output size of the first PRF stage.
	MasterSecretLength = 48

	// KeySlotLength is the length of each of the four derived keys.
	KeySlotLength = 64

	// KeyExpansionLength is the output size of the second PRF stage.
	KeyExpansionLength = 4 * KeySlotLength

	labelMasterSecret = "OpenVPN master secret"
	labelKeyExpansion = "OpenVPN key expansion"
)

// KeySource is the random material one peer contributes. Only the client
// sends a pre-master secret; the server source leaves it zero.
type KeySource struct {
	PreMaster [PreMasterLength]byte
	R1        [RandomLength]byte
	R2        [RandomLength]byte
}

// NewKeySource fills a client [KeySource] from rng.
func NewKeySource(rng io.Reader) (*KeySource, error) {
	ks := &KeySource{}
	for _, b := range [][]byte{ks.PreMaster[:], ks.R1[:], ks.R2[:]} {
		if _, err := io.ReadFull(rng, b); err != nil {
			return nil, fmt.Errorf("keys: cannot generate key source: %w", err)
		}
	}
	return ks, nil
}

// Wipe zeroes the key source.
func (ks *KeySource) Wipe() {
	bytesx.Zero(ks.PreMaster[:])
	bytesx.Zero(ks.R1[:])
	bytesx.Zero(ks.R2[:])
}

// KeyMaterial holds the four keys derived for one key id, in the order the
// key expansion produces them.
type KeyMaterial struct {
	CipherEncrypt [KeySlotLength]byte
	HMACSend      [KeySlotLength]byte
	CipherDecrypt [KeySlotLength]byte
	HMACReceive   [KeySlotLength]byte
}

// DeriveKeyMaterial runs both PRF stages. The master secret mixes the
// client pre-master with both R1 blocks; the expansion mixes the master
// secret with both R2 blocks and both session ids.
func DeriveKeyMaterial(local, remote *KeySource, localSessionID, remoteSessionID []byte) *KeyMaterial {
	master := PRF(labelMasterSecret, local.PreMaster[:], local.R1[:], remote.R1[:], nil, nil, MasterSecretLength)
	defer bytesx.Zero(master)

	expansion := PRF(labelKeyExpansion, master, local.R2[:], remote.R2[:], localSessionID, remoteSessionID, KeyExpansionLength)
	defer bytesx.Zero(expansion)

	km := &KeyMaterial{}
	copy(km.CipherEncrypt[:], expansion[0:64])
	copy(km.HMACSend[:], expansion[64:128])
	copy(km.CipherDecrypt[:], expansion[128:192])
	copy(km.HMACReceive[:], expansion[192:256])
	return km
}

// Wipe zeroes every key.
func (km *KeyMaterial) Wipe() {
	bytesx.Zero(km.CipherEncrypt[:])
	bytesx.Zero(km.HMACSend[:])
	bytesx.Zero(km.CipherDecrypt[:])
	bytesx.Zero(km.HMACReceive[:])
}
