package keys

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"encoding/binary"
	"errors"
	"fmt"
	"hash"
	"io"
	"strings"

	"golang.org/x/crypto/chacha20poly1305"

	"github.com/6ccg/ovpncore/internal/bytesx"
	"github.com/6ccg/ovpncore/internal/model"
	"github.com/6ccg/ovpncore/internal/wire"
)

var (
	// ErrUnsupportedCipher is returned for cipher names we do not implement.
	ErrUnsupportedCipher = errors.New("keys: unsupported cipher")

	// ErrShortPacket means the encrypted body is too short for the cipher.
	ErrShortPacket = errors.New("keys: encrypted packet too short")

	// ErrAuthentication means the tag or the HMAC did not verify.
	ErrAuthentication = errors.New("keys: packet authentication failed")
)

// CipherMode tells apart AEAD ciphers from CBC with HMAC.
type CipherMode int

const (
	// ModeAEAD is used by GCM and CHACHA20-POLY1305.
	ModeAEAD = CipherMode(iota)

	// ModeCBC is AES-CBC authenticated by a separate HMAC.
	ModeCBC
)

// packetIDLength is the length of a data channel packet id.
const packetIDLength = 4

// implicitIVLength is the part of the AEAD nonce taken from the HMAC key slot.
const implicitIVLength = 8

// CipherSuite describes a data channel cipher.
type CipherSuite struct {
	// Name is the OpenVPN cipher name.
	Name string

	// KeySize is the key size in bytes.
	KeySize int

	// Mode is the cipher mode.
	Mode CipherMode

	newAEAD func(key []byte) (cipher.AEAD, error)
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

var cipherSuites = []*CipherSuite{
	{Name: "AES-128-GCM", KeySize: 16, Mode: ModeAEAD, newAEAD: newGCM},
	{Name: "AES-192-GCM", KeySize: 24, Mode: ModeAEAD, newAEAD: newGCM},
	{Name: "AES-256-GCM", KeySize: 32, Mode: ModeAEAD, newAEAD: newGCM},
	{Name: "CHACHA20-POLY1305", KeySize: chacha20poly1305.KeySize, Mode: ModeAEAD, newAEAD: chacha20poly1305.New},
	{Name: "AES-128-CBC", KeySize: 16, Mode: ModeCBC},
	{Name: "AES-192-CBC", KeySize: 24, Mode: ModeCBC},
	{Name: "AES-256-CBC", KeySize: 32, Mode: ModeCBC},
}

// LookupCipher returns the [CipherSuite] with the given name, ignoring case.
func LookupCipher(name string) (*CipherSuite, error) {
	for _, cs := range cipherSuites {
		if strings.EqualFold(cs.Name, name) {
			return cs, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrUnsupportedCipher, name)
}

// SupportedCiphers returns the names of all the data channel ciphers.
func SupportedCiphers() []string {
	names := make([]string, 0, len(cipherSuites))
	for _, cs := range cipherSuites {
		names = append(names, cs.Name)
	}
	return names
}

// Encrypter seals outgoing data packets with the local keys.
type Encrypter struct {
	suite      *CipherSuite
	aead       cipher.AEAD
	block      cipher.Block
	mac        hash.Hash
	implicitIV [implicitIVLength]byte
	rng        io.Reader
}

// Decrypter opens incoming data packets with the remote keys.
type Decrypter struct {
	suite      *CipherSuite
	aead       cipher.AEAD
	block      cipher.Block
	mac        hash.Hash
	implicitIV [implicitIVLength]byte
}

// NewDataCiphers builds the encrypter and the decrypter for a key id. The
// digest only matters in CBC mode. CBC IVs are read from rng.
func NewDataCiphers(suite *CipherSuite, digest *wire.Digest, km *KeyMaterial, rng io.Reader) (*Encrypter, *Decrypter, error) {
	enc := &Encrypter{suite: suite, rng: rng}
	dec := &Decrypter{suite: suite}
	switch suite.Mode {
	case ModeAEAD:
		var err error
		if enc.aead, err = suite.newAEAD(km.CipherEncrypt[:suite.KeySize]); err != nil {
			return nil, nil, err
		}
		if dec.aead, err = suite.newAEAD(km.CipherDecrypt[:suite.KeySize]); err != nil {
			return nil, nil, err
		}
		copy(enc.implicitIV[:], km.HMACSend[:implicitIVLength])
		copy(dec.implicitIV[:], km.HMACReceive[:implicitIVLength])

	case ModeCBC:
		if digest == nil {
			return nil, nil, fmt.Errorf("%w: %s needs a digest", ErrUnsupportedCipher, suite.Name)
		}
		var err error
		if enc.block, err = aes.NewCipher(km.CipherEncrypt[:suite.KeySize]); err != nil {
			return nil, nil, err
		}
		if dec.block, err = aes.NewCipher(km.CipherDecrypt[:suite.KeySize]); err != nil {
			return nil, nil, err
		}
		enc.mac = hmac.New(digest.New, km.HMACSend[:digest.Size])
		dec.mac = hmac.New(digest.New, km.HMACReceive[:digest.Size])
	}
	return enc, dec, nil
}

// Overhead returns the worst case number of bytes Encrypt adds after the header.
func (e *Encrypter) Overhead() int {
	if e.aead != nil {
		return packetIDLength + e.aead.Overhead()
	}
	return e.mac.Size() + 2*aes.BlockSize + packetIDLength
}

// Encrypt appends to header the encrypted form of plaintext.
//
// AEAD: header | packet id | tag | ciphertext, where the packet id and the
// header are authenticated and the nonce is the packet id followed by the
// implicit IV.
//
// CBC: header | HMAC(iv | ciphertext) | iv | ciphertext, where the plaintext
// is the packet id followed by the payload, PKCS#7 padded.
func (e *Encrypter) Encrypt(header []byte, id model.PacketID, plaintext []byte) ([]byte, error) {
	var pid [packetIDLength]byte
	binary.BigEndian.PutUint32(pid[:], uint32(id))

	if e.aead != nil {
		ad := make([]byte, 0, len(header)+packetIDLength)
		ad = append(ad, header...)
		ad = append(ad, pid[:]...)
		sealed := e.aead.Seal(nil, e.nonce(pid), plaintext, ad)
		boundary := len(sealed) - e.aead.Overhead()

		out := make([]byte, 0, len(ad)+len(sealed))
		out = append(out, ad...)
		out = append(out, sealed[boundary:]...)
		return append(out, sealed[:boundary]...), nil
	}

	inner := make([]byte, 0, packetIDLength+len(plaintext))
	inner = append(inner, pid[:]...)
	inner = append(inner, plaintext...)
	padded, err := bytesx.BytesPadPKCS7(inner, aes.BlockSize)
	if err != nil {
		return nil, err
	}
	iv := make([]byte, aes.BlockSize)
	if _, err := io.ReadFull(e.rng, iv); err != nil {
		return nil, err
	}
	ct := make([]byte, len(padded))
	cipher.NewCBCEncrypter(e.block, iv).CryptBlocks(ct, padded)

	e.mac.Reset()
	e.mac.Write(iv)
	e.mac.Write(ct)

	out := make([]byte, 0, len(header)+e.mac.Size()+len(iv)+len(ct))
	out = append(out, header...)
	out = e.mac.Sum(out)
	out = append(out, iv...)
	return append(out, ct...), nil
}

func (e *Encrypter) nonce(pid [packetIDLength]byte) []byte {
	nonce := make([]byte, 0, packetIDLength+implicitIVLength)
	nonce = append(nonce, pid[:]...)
	return append(nonce, e.implicitIV[:]...)
}

// Decrypt opens body, the bytes following header, and returns the packet id
// along with the plaintext. The caller checks the packet id for replays
// after Decrypt succeeds.
func (d *Decrypter) Decrypt(header, body []byte) (model.PacketID, []byte, error) {
	if d.aead != nil {
		tagSize := d.aead.Overhead()
		if len(body) < packetIDLength+tagSize {
			return 0, nil, fmt.Errorf("%w: %d bytes", ErrShortPacket, len(body))
		}
		pid := body[:packetIDLength]
		tag := body[packetIDLength : packetIDLength+tagSize]
		ct := body[packetIDLength+tagSize:]

		ad := make([]byte, 0, len(header)+packetIDLength)
		ad = append(ad, header...)
		ad = append(ad, pid...)

		sealed := make([]byte, 0, len(ct)+tagSize)
		sealed = append(sealed, ct...)
		sealed = append(sealed, tag...)

		nonce := make([]byte, 0, packetIDLength+implicitIVLength)
		nonce = append(nonce, pid...)
		nonce = append(nonce, d.implicitIV[:]...)

		plaintext, err := d.aead.Open(nil, nonce, sealed, ad)
		if err != nil {
			return 0, nil, fmt.Errorf("%w: %s", ErrAuthentication, err)
		}
		return model.PacketID(binary.BigEndian.Uint32(pid)), plaintext, nil
	}

	macSize := d.mac.Size()
	if len(body) < macSize+2*aes.BlockSize {
		return 0, nil, fmt.Errorf("%w: %d bytes", ErrShortPacket, len(body))
	}
	got := body[:macSize]
	iv := body[macSize : macSize+aes.BlockSize]
	ct := body[macSize+aes.BlockSize:]

	d.mac.Reset()
	d.mac.Write(iv)
	d.mac.Write(ct)
	if !hmac.Equal(got, d.mac.Sum(nil)) {
		return 0, nil, fmt.Errorf("%w: bad hmac", ErrAuthentication)
	}
	if len(ct)%aes.BlockSize != 0 {
		return 0, nil, fmt.Errorf("%w: ciphertext is not a multiple of the block size", ErrShortPacket)
	}
	padded := make([]byte, len(ct))
	cipher.NewCBCDecrypter(d.block, iv).CryptBlocks(padded, ct)
	inner, err := bytesx.BytesUnpadPKCS7(padded, aes.BlockSize)
	if err != nil {
		return 0, nil, fmt.Errorf("%w: %s", ErrAuthentication, err)
	}
	if len(inner) < packetIDLength {
		return 0, nil, fmt.Errorf("%w: missing packet id", ErrShortPacket)
	}
	return model.PacketID(binary.BigEndian.Uint32(inner[:packetIDLength])), inner[packetIDLength:], nil
}
