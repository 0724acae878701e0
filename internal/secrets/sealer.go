// Package secrets seals CRM OAuth tokens before they are written to storage.
package secrets

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/nacl/secretbox"
)

const (
	keySize   = 32
	nonceSize = 24
	// prefix marks sealed values so plaintext rows from before sealing was
	// enabled can still be read.
	prefix = "sb1:"
)

// ErrOpen is returned when a sealed value cannot be authenticated.
var ErrOpen = errors.New("secrets: cannot open sealed value")

// Sealer encrypts and authenticates short secrets with a symmetric key.
// A Sealer with no key passes values through unchanged.
type Sealer struct {
	key *[keySize]byte
}

// NewSealer parses a hex-encoded 32-byte key. An empty key yields a
// pass-through Sealer.
func NewSealer(hexKey string) (*Sealer, error) {
	if hexKey == "" {
		return &Sealer{}, nil
	}
	raw, err := hex.DecodeString(hexKey)
	if err != nil {
		return nil, fmt.Errorf("seal key: %w", err)
	}
	if len(raw) != keySize {
		return nil, fmt.Errorf("seal key: want %d bytes, got %d", keySize, len(raw))
	}
	var k [keySize]byte
	copy(k[:], raw)
	return &Sealer{key: &k}, nil
}

// GenerateKey returns a new random hex-encoded key.
func GenerateKey() (string, error) {
	var k [keySize]byte
	if _, err := io.ReadFull(rand.Reader, k[:]); err != nil {
		return "", err
	}
	return hex.EncodeToString(k[:]), nil
}

// Enabled reports whether values are actually sealed.
func (s *Sealer) Enabled() bool { return s.key != nil }

// Seal encrypts plaintext. Empty input stays empty.
func (s *Sealer) Seal(plaintext string) (string, error) {
	if s.key == nil || plaintext == "" {
		return plaintext, nil
	}
	var nonce [nonceSize]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return "", fmt.Errorf("seal nonce: %w", err)
	}
	box := secretbox.Seal(nonce[:], []byte(plaintext), &nonce, s.key)
	return prefix + base64.RawStdEncoding.EncodeToString(box), nil
}

// Open decrypts a value produced by Seal. Unprefixed values are returned
// as-is.
func (s *Sealer) Open(sealed string) (string, error) {
	if len(sealed) < len(prefix) || sealed[:len(prefix)] != prefix {
		return sealed, nil
	}
	if s.key == nil {
		return "", fmt.Errorf("%w: no key configured", ErrOpen)
	}
	box, err := base64.RawStdEncoding.DecodeString(sealed[len(prefix):])
	if err != nil || len(box) < nonceSize+secretbox.Overhead {
		return "", ErrOpen
	}
	var nonce [nonceSize]byte
	copy(nonce[:], box[:nonceSize])
	out, ok := secretbox.Open(nil, box[nonceSize:], &nonce, s.key)
	if !ok {
		return "", ErrOpen
	}
	return string(out), nil
}
