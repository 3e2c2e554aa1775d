package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

const (
	ivLen     = 12
	gcmTagLen = 16

	minSealedLen = ivLen + gcmTagLen // 28 bytes minimum
)

// ErrCorrupted is returned when stored ciphertext fails GCM
// authentication or is structurally invalid. Plaintext is never
// partially returned.
var ErrCorrupted = errors.New("vault: credential ciphertext corrupted")

// Keyring derives per-version AES-256 keys from a process-wide secret
// via HKDF-SHA256. Rows remember the version they were sealed under so
// the secret can be rotated without re-encrypting everything at once.
type Keyring struct {
	secret  []byte
	current int
}

// NewKeyring validates the secret and pins the current key version.
func NewKeyring(secret string, version int) (*Keyring, error) {
	if len(secret) < 16 {
		return nil, fmt.Errorf("vault: encryption secret too short (%d bytes, want >= 16)", len(secret))
	}
	if version < 1 {
		version = 1
	}
	return &Keyring{secret: []byte(secret), current: version}, nil
}

// CurrentVersion returns the version new ciphertext is sealed under.
func (k *Keyring) CurrentVersion() int { return k.current }

func (k *Keyring) key(version int) ([32]byte, error) {
	var key [32]byte
	info := fmt.Sprintf("posterhub-vault-v%d", version)
	r := hkdf.New(sha256.New, k.secret, nil, []byte(info))
	if _, err := io.ReadFull(r, key[:]); err != nil {
		return key, fmt.Errorf("derive key v%d: %w", version, err)
	}
	return key, nil
}

// Seal encrypts plaintext under the current key version using
// AES-256-GCM. Output format: iv(12) || ciphertext+tag
func (k *Keyring) Seal(plaintext []byte) ([]byte, error) {
	key, err := k.key(k.current)
	if err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, fmt.Errorf("create AES cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create GCM: %w", err)
	}

	iv := make([]byte, ivLen)
	if _, err := rand.Read(iv); err != nil {
		return nil, fmt.Errorf("generate IV: %w", err)
	}

	ct := gcm.Seal(nil, iv, plaintext, nil)

	out := make([]byte, 0, ivLen+len(ct))
	out = append(out, iv...)
	out = append(out, ct...)
	return out, nil
}

// Open decrypts data produced by Seal under the given key version.
// Any authentication or framing failure surfaces as ErrCorrupted.
func (k *Keyring) Open(version int, sealed []byte) ([]byte, error) {
	if len(sealed) < minSealedLen {
		return nil, ErrCorrupted
	}

	key, err := k.key(version)
	if err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, fmt.Errorf("create AES cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create GCM: %w", err)
	}

	iv := sealed[:ivLen]
	ct := sealed[ivLen:]

	plaintext, err := gcm.Open(nil, iv, ct, nil)
	if err != nil {
		return nil, ErrCorrupted
	}
	return plaintext, nil
}
