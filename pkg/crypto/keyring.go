// Package crypto provides at-rest encryption of memory content with
// AES-256-GCM under a versioned keyring.
//
// Keys arrive as a comma-separated list of base64 values; position in the
// list is the key version, counted from 1, and the last key is the primary
// used for new writes. Older keys stay available for decryption until the
// rotation job has rewritten every row, after which they can be removed
// from the front of the list.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"
	"strings"
)

// KeySize is the required key length in bytes.
const KeySize = 32

// Keyring holds one AEAD per key version. A nil Keyring passes content
// through unchanged with key version zero.
type Keyring struct {
	aeads   map[int]cipher.AEAD
	primary int
}

// ParseKeyring builds a keyring from the comma-separated base64 form.
// An empty string returns nil, which disables encryption.
func ParseKeyring(csv string) (*Keyring, error) {
	csv = strings.TrimSpace(csv)
	if csv == "" {
		return nil, nil
	}
	parts := strings.Split(csv, ",")
	k := &Keyring{aeads: make(map[int]cipher.AEAD, len(parts))}
	for i, part := range parts {
		raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(part))
		if err != nil {
			return nil, fmt.Errorf("ParseKeyring: key %d: %w", i+1, err)
		}
		if len(raw) != KeySize {
			return nil, fmt.Errorf("ParseKeyring: key %d: need %d bytes, got %d", i+1, KeySize, len(raw))
		}
		block, err := aes.NewCipher(raw)
		if err != nil {
			return nil, fmt.Errorf("ParseKeyring: key %d: %w", i+1, err)
		}
		aead, err := cipher.NewGCM(block)
		if err != nil {
			return nil, fmt.Errorf("ParseKeyring: key %d: %w", i+1, err)
		}
		k.aeads[i+1] = aead
	}
	k.primary = len(parts)
	return k, nil
}

// GenerateKey returns a fresh random key in the base64 form the keyring
// accepts.
func GenerateKey() (string, error) {
	raw := make([]byte, KeySize)
	if _, err := io.ReadFull(rand.Reader, raw); err != nil {
		return "", fmt.Errorf("GenerateKey: %w", err)
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

// PrimaryVersion is the version new writes are sealed under; zero when the
// keyring is nil.
func (k *Keyring) PrimaryVersion() int {
	if k == nil {
		return 0
	}
	return k.primary
}

// Encrypt seals plaintext under the primary key. The nonce is prepended to
// the ciphertext. With a nil keyring the plaintext is returned as-is under
// version zero.
func (k *Keyring) Encrypt(plaintext []byte) ([]byte, int, error) {
	if k == nil {
		return plaintext, 0, nil
	}
	aead := k.aeads[k.primary]
	nonce := make([]byte, aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, 0, fmt.Errorf("Encrypt: %w", err)
	}
	return aead.Seal(nonce, nonce, plaintext, nil), k.primary, nil
}

// Decrypt opens ciphertext sealed under the given key version. Version
// zero means the content was stored in the clear.
func (k *Keyring) Decrypt(ciphertext []byte, version int) ([]byte, error) {
	if version == 0 {
		return ciphertext, nil
	}
	if k == nil {
		return nil, fmt.Errorf("Decrypt: content sealed under key version %d but no keyring is configured", version)
	}
	aead, ok := k.aeads[version]
	if !ok {
		return nil, fmt.Errorf("Decrypt: no key for version %d", version)
	}
	if len(ciphertext) < aead.NonceSize() {
		return nil, fmt.Errorf("Decrypt: ciphertext shorter than nonce")
	}
	nonce, sealed := ciphertext[:aead.NonceSize()], ciphertext[aead.NonceSize():]
	plaintext, err := aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, fmt.Errorf("Decrypt: %w", err)
	}
	return plaintext, nil
}

// Reseal decrypts under the recorded version and seals again under the
// primary; the rotation job calls this per row.
func (k *Keyring) Reseal(ciphertext []byte, version int) ([]byte, int, error) {
	plaintext, err := k.Decrypt(ciphertext, version)
	if err != nil {
		return nil, 0, err
	}
	return k.Encrypt(plaintext)
}
