package sim

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"sync"

	"golang.org/x/crypto/chacha20"
)

// TRNG stands in for the hardware true random number generator: a ChaCha20
// keystream keyed from the host entropy pool, or from a fixed seed for
// reproducible runs.
type TRNG struct {
	mu     sync.Mutex
	cipher *chacha20.Cipher
}

// NewTRNG creates a generator. An empty seed draws a key from crypto/rand.
// A non-empty seed must be exactly 32 bytes.
func NewTRNG(seed []byte) (*TRNG, error) {
	key := make([]byte, chacha20.KeySize)
	switch {
	case len(seed) == 0:
		if _, err := rand.Read(key); err != nil {
			return nil, fmt.Errorf("failed to read host entropy: %w", err)
		}
	case len(seed) == chacha20.KeySize:
		copy(key, seed)
	default:
		return nil, fmt.Errorf("trng seed must be %d bytes, got %d", chacha20.KeySize, len(seed))
	}

	nonce := make([]byte, chacha20.NonceSize)
	c, err := chacha20.NewUnauthenticatedCipher(key, nonce)
	if err != nil {
		return nil, fmt.Errorf("failed to create trng cipher: %w", err)
	}
	return &TRNG{cipher: c}, nil
}

// Read fills p with random bytes. It never fails.
func (t *TRNG) Read(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i := range p {
		p[i] = 0
	}
	t.cipher.XORKeyStream(p, p)
	return len(p), nil
}

// Uint32 returns a random word
func (t *TRNG) Uint32() uint32 {
	var b [4]byte
	t.Read(b[:])
	return binary.LittleEndian.Uint32(b[:])
}

// Intn returns a value in [0, n). n must be positive.
func (t *TRNG) Intn(n int) int {
	if n <= 0 {
		return 0
	}
	return int(t.Uint32() % uint32(n))
}
