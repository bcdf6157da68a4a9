// Package envelope seals audio segments for transit to the classification
// service using AES-256-GCM under a per-session key derived from the
// configured secret.
//
// Wire format (before base64):
//
//	u16(len(salt)) ‖ salt ‖ u16(len(nonce)) ‖ nonce ‖ ciphertext‖tag
//
// Length prefixes are big-endian. The format is self-describing: a receiver
// can recover salt and nonce boundaries without external metadata, re-derive
// the key from the embedded salt, and verify+decrypt.
//
// The derived key is reused for every segment of one session; only the nonce
// varies. Nonces are generated fresh from crypto/rand for each Seal call, so
// a (key, nonce) pair is never used twice.
package envelope

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/pbkdf2"
)

const (
	// KeySize is the AES-256 key size in bytes.
	KeySize = 32

	// SaltSize is the per-session key derivation salt size in bytes.
	SaltSize = 16

	// NonceSize is the GCM nonce size in bytes.
	NonceSize = 12

	// DefaultIterations is the PBKDF2 iteration count used when the
	// configuration does not override it. Deliberately slow so that
	// brute-forcing the secret from a captured salt is expensive.
	DefaultIterations = 210_000
)

// ErrSealingFailure indicates the segment could not be sealed, e.g. the
// entropy source failed while generating a nonce. It aborts only the affected
// segment.
var ErrSealingFailure = errors.New("envelope: sealing failure")

// ErrMalformedEnvelope indicates the wire form could not be parsed into
// salt, nonce, and ciphertext.
var ErrMalformedEnvelope = errors.New("envelope: malformed envelope")

// ErrTamperOrCorruption indicates authentication failed during Open: the
// payload was modified in transit or the wrong secret was used. It is
// distinct from transport failures and is never treated as an empty payload.
var ErrTamperOrCorruption = errors.New("envelope: tampered or corrupted payload")

// DeriveKey derives a sealing key from secret and salt using
// PBKDF2-SHA256 with the given iteration count. iterations <= 0 selects
// [DefaultIterations].
func DeriveKey(secret string, salt []byte, iterations int) []byte {
	if iterations <= 0 {
		iterations = DefaultIterations
	}
	return pbkdf2.Key([]byte(secret), salt, iterations, KeySize, sha256.New)
}

// Sealer seals segments for a single session. The key is derived once at
// construction; Seal is safe for concurrent use because AES-GCM sealing is
// stateless apart from the nonce, which is generated per call.
type Sealer struct {
	aead cipher.AEAD
	salt []byte
}

// NewSealer derives a session key from secret and a fresh random salt and
// returns a Sealer ready to seal segments. The secret must be non-empty;
// iterations <= 0 selects [DefaultIterations].
func NewSealer(secret string, iterations int) (*Sealer, error) {
	if secret == "" {
		return nil, fmt.Errorf("%w: empty secret", ErrSealingFailure)
	}
	salt := make([]byte, SaltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, fmt.Errorf("%w: generate salt: %v", ErrSealingFailure, err)
	}
	return newSealerWithSalt(secret, salt, iterations)
}

func newSealerWithSalt(secret string, salt []byte, iterations int) (*Sealer, error) {
	key := DeriveKey(secret, salt, iterations)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("%w: create cipher: %v", ErrSealingFailure, err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("%w: create gcm: %v", ErrSealingFailure, err)
	}
	return &Sealer{aead: aead, salt: salt}, nil
}

// Salt returns the key-derivation salt embedded in every envelope this
// Sealer produces.
func (s *Sealer) Salt() []byte {
	out := make([]byte, len(s.salt))
	copy(out, s.salt)
	return out
}

// Seal encrypts plaintext with a fresh random nonce and returns the
// base64-encoded wire form described in the package documentation.
func (s *Sealer) Seal(plaintext []byte) (string, error) {
	nonce := make([]byte, NonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("%w: generate nonce: %v", ErrSealingFailure, err)
	}

	ciphertext := s.aead.Seal(nil, nonce, plaintext, nil)

	buf := make([]byte, 0, 2+len(s.salt)+2+len(nonce)+len(ciphertext))
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(s.salt)))
	buf = append(buf, s.salt...)
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(nonce)))
	buf = append(buf, nonce...)
	buf = append(buf, ciphertext...)

	return base64.StdEncoding.EncodeToString(buf), nil
}

// Open reverses [Sealer.Seal]: it decodes the wire form, re-derives the key
// from the embedded salt and the given secret, and verifies+decrypts the
// payload. iterations must match the sealing side.
//
// Returns [ErrMalformedEnvelope] when the wire form cannot be parsed and
// [ErrTamperOrCorruption] when authentication fails.
func Open(encoded string, secret string, iterations int) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("%w: decode base64: %v", ErrMalformedEnvelope, err)
	}

	salt, rest, err := readChunk(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: salt: %v", ErrMalformedEnvelope, err)
	}
	nonce, ciphertext, err := readChunk(rest)
	if err != nil {
		return nil, fmt.Errorf("%w: nonce: %v", ErrMalformedEnvelope, err)
	}

	key := DeriveKey(secret, salt, iterations)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("%w: create cipher: %v", ErrMalformedEnvelope, err)
	}
	aead, err := cipher.NewGCMWithNonceSize(block, len(nonce))
	if err != nil {
		return nil, fmt.Errorf("%w: nonce size %d: %v", ErrMalformedEnvelope, len(nonce), err)
	}

	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, ErrTamperOrCorruption
	}
	return plaintext, nil
}

// readChunk splits a u16 length-prefixed chunk off the front of b.
func readChunk(b []byte) (chunk, rest []byte, err error) {
	if len(b) < 2 {
		return nil, nil, errors.New("missing length prefix")
	}
	n := int(binary.BigEndian.Uint16(b))
	b = b[2:]
	if len(b) < n {
		return nil, nil, fmt.Errorf("declared length %d exceeds remaining %d bytes", n, len(b))
	}
	return b[:n], b[n:], nil
}
