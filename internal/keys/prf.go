// Package keys derives the data channel keys from the random material both
// peers exchange inside TLS, and builds the ciphers that use them.
//
// The derivation is OpenVPN's key-method 2 PRF: the TLS 1.0 PRF, MD5 and
// SHA1 P_hash outputs XORed together. It is not the TLS PRF negotiated by
// the handshake and must stay as is for interoperability.
package keys

import (
	"crypto/hmac"
	"crypto/md5"
	"crypto/sha1"
	"hash"
)

// PHash expands secret and seed into size bytes using HMAC with newHash.
//
//	A(1) = HMAC(secret, seed)
//	out  = HMAC(secret, A(1) + seed) + HMAC(secret, A(2) + seed) + ...
//	A(i+1) = HMAC(secret, A(i))
func PHash(newHash func() hash.Hash, secret, seed []byte, size int) []byte {
	out := make([]byte, 0, size+newHash().Size())

	mac := hmac.New(newHash, secret)
	mac.Write(seed)
	a := mac.Sum(nil)

	for len(out) < size {
		mac.Reset()
		mac.Write(a)
		mac.Write(seed)
		out = mac.Sum(out)

		mac.Reset()
		mac.Write(a)
		a = mac.Sum(nil)
	}
	return out[:size]
}

// PRF is OpenVPN's key-method 2 PRF. The seed is the label followed by the
// client seed, the server seed and, when not empty, the two session ids.
// The secret is split in two halves, the second one taking the extra byte
// when the length is odd; the first half keys MD5 and the second SHA1.
func PRF(label string, secret, clientSeed, serverSeed, clientSessionID, serverSessionID []byte, size int) []byte {
	seed := make([]byte, 0, len(label)+len(clientSeed)+len(serverSeed)+len(clientSessionID)+len(serverSessionID))
	seed = append(seed, label...)
	seed = append(seed, clientSeed...)
	seed = append(seed, serverSeed...)
	seed = append(seed, clientSessionID...)
	seed = append(seed, serverSessionID...)

	half := len(secret) / 2
	out := PHash(md5.New, secret[:half], seed, size)
	other := PHash(sha1.New, secret[half:], seed, size)
	for i := range out {
		out[i] ^= other[i]
	}
	return out
}
