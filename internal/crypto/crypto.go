// Package crypto provides the symmetric encryption and secret generation
// primitives shared by the credential and field-encryption layers.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

const algAESGCM = "aes256-gcm"

var (
	// ErrKeyUnavailable indicates the requested key version is not loaded.
	ErrKeyUnavailable = errors.New("crypto: key version unavailable")
	// ErrAuthenticationFailed indicates the ciphertext failed tag verification
	// (tampered data or wrong key material).
	ErrAuthenticationFailed = errors.New("crypto: authentication failed")
)

// Envelope is the result of authenticated encryption: ciphertext plus the
// metadata needed to decrypt it with the right key.
type Envelope struct {
	KeyVersion uint32
	Alg        string
	Nonce      []byte
	Ciphertext []byte
}

// Encode renders the envelope as a compact "v<version>:<base64>" string
// suitable for storage in a text column.
func (e Envelope) Encode() string {
	blob := make([]byte, 0, len(e.Nonce)+len(e.Ciphertext))
	blob = append(blob, e.Nonce...)
	blob = append(blob, e.Ciphertext...)
	return fmt.Sprintf("v%d:%s", e.KeyVersion, base64.RawURLEncoding.EncodeToString(blob))
}

// DecodeEnvelope parses the string form produced by Encode.
func DecodeEnvelope(s string) (Envelope, error) {
	version, rest, ok := strings.Cut(s, ":")
	if !ok || !strings.HasPrefix(version, "v") {
		return Envelope{}, fmt.Errorf("crypto: malformed envelope")
	}
	v, err := strconv.ParseUint(strings.TrimPrefix(version, "v"), 10, 32)
	if err != nil {
		return Envelope{}, fmt.Errorf("crypto: malformed envelope version: %w", err)
	}
	blob, err := base64.RawURLEncoding.DecodeString(rest)
	if err != nil {
		return Envelope{}, fmt.Errorf("crypto: malformed envelope payload: %w", err)
	}
	if len(blob) < 12 {
		return Envelope{}, errors.New("crypto: envelope payload too short")
	}
	return Envelope{
		KeyVersion: uint32(v),
		Alg:        algAESGCM,
		Nonce:      blob[:12],
		Ciphertext: blob[12:],
	}, nil
}

// Keyring holds versioned AES-256 keys. Old versions stay loaded so existing
// envelopes remain decryptable after rotation; new envelopes use the active
// version.
type Keyring struct {
	keys   map[uint32]cipher.AEAD
	active uint32
}

// NewKeyring constructs a keyring from 32-byte keys indexed by version.
func NewKeyring(keys map[uint32][]byte, active uint32) (*Keyring, error) {
	if len(keys) == 0 {
		return nil, errors.New("crypto: at least one key is required")
	}
	if _, ok := keys[active]; !ok {
		return nil, fmt.Errorf("crypto: active version %d not present", active)
	}
	aeads := make(map[uint32]cipher.AEAD, len(keys))
	for version, key := range keys {
		if len(key) != 32 {
			return nil, fmt.Errorf("crypto: key version %d must be 32 bytes, got %d", version, len(key))
		}
		block, err := aes.NewCipher(key)
		if err != nil {
			return nil, err
		}
		aead, err := cipher.NewGCM(block)
		if err != nil {
			return nil, err
		}
		aeads[version] = aead
	}
	return &Keyring{keys: aeads, active: active}, nil
}

// ActiveVersion returns the version new envelopes are encrypted with.
func (k *Keyring) ActiveVersion() uint32 { return k.active }

// Encrypt seals plaintext under the given key version with a fresh nonce.
func (k *Keyring) Encrypt(plaintext []byte, version uint32) (Envelope, error) {
	aead, ok := k.keys[version]
	if !ok {
		return Envelope{}, fmt.Errorf("%w: v%d", ErrKeyUnavailable, version)
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return Envelope{}, fmt.Errorf("crypto: nonce generation: %w", err)
	}
	return Envelope{
		KeyVersion: version,
		Alg:        algAESGCM,
		Nonce:      nonce,
		Ciphertext: aead.Seal(nil, nonce, plaintext, nil),
	}, nil
}

// EncryptActive seals plaintext under the active key version.
func (k *Keyring) EncryptActive(plaintext []byte) (Envelope, error) {
	return k.Encrypt(plaintext, k.active)
}

// Decrypt opens the envelope. It fails with ErrKeyUnavailable when the
// envelope references an unloaded version and ErrAuthenticationFailed when
// the tag does not verify; it never returns partial plaintext.
func (k *Keyring) Decrypt(env Envelope) ([]byte, error) {
	aead, ok := k.keys[env.KeyVersion]
	if !ok {
		return nil, fmt.Errorf("%w: v%d", ErrKeyUnavailable, env.KeyVersion)
	}
	plaintext, err := aead.Open(nil, env.Nonce, env.Ciphertext, nil)
	if err != nil {
		return nil, ErrAuthenticationFailed
	}
	return plaintext, nil
}

// GenerateSecret returns n cryptographically random bytes.
func GenerateSecret(n int) ([]byte, error) {
	if n <= 0 {
		return nil, errors.New("crypto: secret length must be positive")
	}
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// GenerateBackupCodes returns count single-use recovery codes of length hex
// characters each, uppercased for manual entry.
func GenerateBackupCodes(count, length int) ([]string, error) {
	if count <= 0 || length <= 0 || length%2 != 0 {
		return nil, errors.New("crypto: invalid backup code parameters")
	}
	codes := make([]string, 0, count)
	for i := 0; i < count; i++ {
		raw, err := GenerateSecret(length / 2)
		if err != nil {
			return nil, err
		}
		codes = append(codes, strings.ToUpper(hex.EncodeToString(raw)))
	}
	return codes, nil
}
