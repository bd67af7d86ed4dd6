// Package bytesx provides functions operating on bytes.
//
// Specifically we implement these operations:
//
// 1. generating random bytes;
//
// 2. OpenVPN options encoding and decoding;
//
// 3. PKCS#7 padding and unpadding;
//
// 4. fixed width big-endian integers.
package bytesx

import (
	"bytes"
	"crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"math"
)

var (
	// ErrEncodeOption indicates an option encoding error occurred.
	ErrEncodeOption = errors.New("can't encode option")

	// ErrDecodeOption indicates an option decoding error occurred.
	ErrDecodeOption = errors.New("can't decode option")

	// ErrPaddingPKCS7 indicates that padding is wrong.
	ErrPaddingPKCS7 = errors.New("PKCS#7 padding error")

	// ErrUnpaddingPKCS7 indicates that unpadding is wrong.
	ErrUnpaddingPKCS7 = errors.New("PKCS#7 unpadding error")
)

// GenRandomBytes returns an array of bytes with the given size using
// a CSRNG, on success, or an error, in case of failure.
func GenRandomBytes(size int) ([]byte, error) {
	b := make([]byte, size)
	_, err := rand.Read(b)
	return b, err
}

// EncodeOptionStringToBytes is used to encode the options string, username and password.
//
// According to the OpenVPN protocol, they are represented as a two-byte word,
// plus the byte representation of the string, null-terminated.
//
// See https://openvpn.net/community-resources/openvpn-protocol/.
//
// This function returns an error if the input string is longer than the
// maximum length of an unsigned 16 bit integer minus one.
func EncodeOptionStringToBytes(s string) ([]byte, error) {
	if len(s) >= math.MaxUint16 {
		return nil, fmt.Errorf("%w: %s", ErrEncodeOption, "string too large")
	}
	data := make([]byte, 2)
	binary.BigEndian.PutUint16(data, uint16(len(s))+1)
	data = append(data, []byte(s)...)
	data = append(data, 0x00)
	return data, nil
}

// DecodeOptionStringFromBytes returns the string-value for the null-terminated string
// returned by the consumption of a byte array that is passed as the only parameter.
//
// See EncodeOptionStringToBytes for the encoding format.
func DecodeOptionStringFromBytes(b []byte) (string, error) {
	s, _, err := DecodeOptionStringPrefix(b)
	return s, err
}

// DecodeOptionStringPrefix is like DecodeOptionStringFromBytes but also returns the
// number of bytes consumed, so callers can keep parsing after the string.
func DecodeOptionStringPrefix(b []byte) (string, int, error) {
	if len(b) < 2 {
		return "", 0, fmt.Errorf("%w: expected at least two bytes", ErrDecodeOption)
	}
	length := int(binary.BigEndian.Uint16(b[:2]))
	b = b[2:]
	if length > len(b) {
		return "", 0, fmt.Errorf("%w: got %d, expected %d", ErrDecodeOption, len(b), length)
	}
	if length == 0 {
		return "", 2, nil
	}
	if b[length-1] != 0x00 {
		return "", 0, fmt.Errorf("%w: missing trailing NULL byte", ErrDecodeOption)
	}
	return string(b[:length-1]), 2 + length, nil
}

// BytesUnpadPKCS7 performs the PKCS#7 unpadding of a byte array.
func BytesUnpadPKCS7(b []byte, blockSize int) ([]byte, error) {
	if blockSize > math.MaxUint8 {
		return nil, fmt.Errorf("%w: blockSize too large", ErrUnpaddingPKCS7)
	}
	if len(b) <= 0 {
		return nil, fmt.Errorf("%w: empty buffer", ErrUnpaddingPKCS7)
	}
	if len(b)%blockSize != 0 {
		return nil, fmt.Errorf("%w: length is not a multiple of blockSize", ErrUnpaddingPKCS7)
	}
	psize := int(b[len(b)-1])
	if psize <= 0 || psize > blockSize {
		return nil, fmt.Errorf("%w: bad padding size", ErrUnpaddingPKCS7)
	}
	padding := b[len(b)-psize:]
	for _, p := range padding {
		if int(p) != psize {
			return nil, fmt.Errorf("%w: inconsistent padding bytes", ErrUnpaddingPKCS7)
		}
	}
	return b[:len(b)-psize], nil
}

// BytesPadPKCS7 returns the PKCS#7 padding of a byte array.
func BytesPadPKCS7(b []byte, blockSize int) ([]byte, error) {
	if blockSize > math.MaxUint8 || blockSize <= 0 {
		return nil, fmt.Errorf("%w: invalid blockSize", ErrPaddingPKCS7)
	}
	// If lth mod blockSize == 0, then the input gets appended a whole block size
	// See https://datatracker.ietf.org/doc/html/rfc5652#section-6.3
	psize := blockSize - len(b)%blockSize
	padding := bytes.Repeat([]byte{byte(psize)}, psize)
	out := make([]byte, 0, len(b)+psize)
	out = append(out, b...)
	return append(out, padding...), nil
}

// ReadUint32 is a convenience function that reads a uint32 from a 4-byte
// buffer, returning an error if the operation failed.
func ReadUint32(buf *bytes.Buffer) (uint32, error) {
	var numBuf [4]byte
	if _, err := io.ReadFull(buf, numBuf[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(numBuf[:]), nil
}

// PutUint32 writes v into the first four bytes of buf in big-endian order.
func PutUint32(buf []byte, v uint32) {
	binary.BigEndian.PutUint32(buf, v)
}

// WriteUint24 writes the three least significant bytes of v into buf in
// big-endian order.
func WriteUint24(buf []byte, v uint32) {
	buf[0] = byte(v >> 16)
	buf[1] = byte(v >> 8)
	buf[2] = byte(v)
}

// ReadUint24 reads a big-endian three bytes integer from b.
func ReadUint24(b []byte) uint32 {
	return uint32(b[0])<<16 | uint32(b[1])<<8 | uint32(b[2])
}

// HexPrefix returns the hex encoding of at most n leading bytes of b, for logging.
func HexPrefix(b []byte, n int) string {
	if len(b) <= n {
		return hex.EncodeToString(b)
	}
	return hex.EncodeToString(b[:n]) + "..."
}

// Zero overwrites b with zeroes.
func Zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
