// Package prng implements the seeded random source handed to each session.
//
// The stream is chacha20 keyed by a 32 byte seed taken from crypto/rand.
// Session ids, key sources and CBC IVs are read from it, so the seed never
// leaves this package. Call [Init] once per process before building sessions;
// tests use [New] with a fixed seed to get reproducible streams.
package prng

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"io"
	"sync"

	"golang.org/x/crypto/chacha20"
	"golang.org/x/crypto/hkdf"
)

// SeedLength is the length of a [Seed].
const SeedLength = chacha20.KeySize

// Seed is a PRNG seed.
type Seed [SeedLength]byte

// streamLimit is the chacha20 key stream limit (2^38-64) for a single nonce.
const streamLimit = uint64(1<<38 - 64)

// PRNG is a seeded PRNG based on chacha20. It is safe for concurrent use.
type PRNG struct {
	mu        sync.Mutex
	seed      Seed
	stream    *chacha20.Cipher
	used      uint64
	rekeyings uint64
}

// Init seeds a new [PRNG] from crypto/rand.
func Init() (*PRNG, error) {
	var seed Seed
	if _, err := io.ReadFull(rand.Reader, seed[:]); err != nil {
		return nil, fmt.Errorf("prng: cannot seed: %w", err)
	}
	return New(seed), nil
}

// New returns a [PRNG] using an existing seed.
func New(seed Seed) *PRNG {
	p := &PRNG{seed: seed}
	p.rekey()
	return p
}

// Derive returns an independent [PRNG] whose seed is the HKDF of this
// PRNG's seed and the given salt.
func (p *PRNG) Derive(salt string) (*PRNG, error) {
	var seed Seed
	if _, err := io.ReadFull(hkdf.New(sha256.New, p.seed[:], []byte(salt), nil), seed[:]); err != nil {
		return nil, fmt.Errorf("prng: cannot derive: %w", err)
	}
	return New(seed), nil
}

// Read fills b with random bytes. It conforms to io.Reader and always
// returns len(b), nil.
func (p *PRNG) Read(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.used+uint64(len(b)) >= streamLimit {
		p.rekey()
	}
	for i := range b {
		b[i] = 0
	}
	p.stream.XORKeyStream(b, b)
	p.used += uint64(len(b))
	return len(b), nil
}

// rekey moves to the next nonce before hitting the stream limit.
func (p *PRNG) rekey() {
	var nonce [chacha20.NonceSize]byte
	binary.BigEndian.PutUint64(nonce[0:8], p.rekeyings)
	stream, err := chacha20.NewUnauthenticatedCipher(p.seed[:], nonce[:])
	if err != nil {
		// only possible with wrong key or nonce sizes
		panic(err)
	}
	p.stream = stream
	p.rekeyings++
	p.used = 0
}

// Bytes returns a new slice containing length random bytes.
func (p *PRNG) Bytes(length int) []byte {
	b := make([]byte, length)
	p.Read(b)
	return b
}

// Uint64 returns a random uint64.
func (p *PRNG) Uint64() uint64 {
	var b [8]byte
	p.Read(b[:])
	return binary.BigEndian.Uint64(b[:])
}

// Intn returns a uniformly distributed int in [0, n). It panics when n <= 0.
func (p *PRNG) Intn(n int) int {
	if n <= 0 {
		panic("prng: invalid argument to Intn")
	}
	max := uint64(n)
	// reject the biased tail
	limit := ^uint64(0) - (^uint64(0) % max)
	for {
		v := p.Uint64()
		if v < limit {
			return int(v % max)
		}
	}
}
