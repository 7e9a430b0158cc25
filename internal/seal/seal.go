// Package seal implements the encryption hook used for draft persistence and
// outbound message text.
package seal

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"sync"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
)

const envelopePrefix = "tl1"

// ErrMalformed is returned when a sealed value cannot be parsed.
var ErrMalformed = errors.New("seal: malformed envelope")

// Cipher encrypts and decrypts text.
type Cipher interface {
	Encrypt(plain string) (string, error)
	Decrypt(sealed string) (string, error)
}

// KDFParams holds Argon2id parameters.
type KDFParams struct {
	Time    uint32
	Memory  uint32
	Threads uint8
}

// DefaultKDFParams returns the production Argon2id parameters.
func DefaultKDFParams() KDFParams {
	return KDFParams{
		Time:    3,
		Memory:  64 * 1024,
		Threads: 4,
	}
}

// PassphraseCipher derives an XChaCha20-Poly1305 key from a passphrase.
// Envelopes carry their salt so values sealed by an earlier process can be
// opened with the same passphrase.
type PassphraseCipher struct {
	passphrase []byte
	params     KDFParams
	salt       []byte

	mu   sync.Mutex
	keys map[string][]byte
}

// NewPassphraseCipher creates a cipher with a fresh salt.
func NewPassphraseCipher(passphrase string, params KDFParams) (*PassphraseCipher, error) {
	if passphrase == "" {
		return nil, errors.New("seal: empty passphrase")
	}
	salt := make([]byte, 16)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("generate salt: %w", err)
	}
	return &PassphraseCipher{
		passphrase: []byte(passphrase),
		params:     params,
		salt:       salt,
		keys:       make(map[string][]byte),
	}, nil
}

func (c *PassphraseCipher) key(salt []byte) []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := string(salt)
	if k, ok := c.keys[id]; ok {
		return k
	}
	k := argon2.IDKey(c.passphrase, salt, c.params.Time, c.params.Memory, c.params.Threads, chacha20poly1305.KeySize)
	c.keys[id] = k
	return k
}

// Encrypt seals plain into "tl1.<salt>.<nonce>.<ciphertext>".
func (c *PassphraseCipher) Encrypt(plain string) (string, error) {
	aead, err := chacha20poly1305.NewX(c.key(c.salt))
	if err != nil {
		return "", fmt.Errorf("create cipher: %w", err)
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}
	ct := aead.Seal(nil, nonce, []byte(plain), nil)
	enc := base64.RawURLEncoding
	return strings.Join([]string{
		envelopePrefix,
		enc.EncodeToString(c.salt),
		enc.EncodeToString(nonce),
		enc.EncodeToString(ct),
	}, "."), nil
}

// Decrypt opens a value produced by Encrypt.
func (c *PassphraseCipher) Decrypt(sealed string) (string, error) {
	parts := strings.Split(sealed, ".")
	if len(parts) != 4 || parts[0] != envelopePrefix {
		return "", ErrMalformed
	}
	enc := base64.RawURLEncoding
	salt, err := enc.DecodeString(parts[1])
	if err != nil {
		return "", fmt.Errorf("decode salt: %w", err)
	}
	nonce, err := enc.DecodeString(parts[2])
	if err != nil {
		return "", fmt.Errorf("decode nonce: %w", err)
	}
	ct, err := enc.DecodeString(parts[3])
	if err != nil {
		return "", fmt.Errorf("decode ciphertext: %w", err)
	}
	aead, err := chacha20poly1305.NewX(c.key(salt))
	if err != nil {
		return "", fmt.Errorf("create cipher: %w", err)
	}
	if len(nonce) != aead.NonceSize() {
		return "", ErrMalformed
	}
	plain, err := aead.Open(nil, nonce, ct, nil)
	if err != nil {
		return "", fmt.Errorf("decrypt: %w (wrong passphrase?)", err)
	}
	return string(plain), nil
}
