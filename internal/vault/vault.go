// Package vault encrypts tenant credentials at rest.
//
// Three envelope formats are understood:
//
//	encrypted_<base64(plaintext)>                 legacy, no integrity
//	encv1_<base64(iv[12] ‖ tag[16] ‖ ciphertext)>  AES-256-GCM, padded key
//	encv2_<base64(nonce[24] ‖ tag[16] ‖ ciphertext)> XChaCha20-Poly1305, HKDF key
//
// encv1 keys are the configured secret truncated or right-padded with '0' to
// 32 bytes. That derivation is weak but existing records depend on it, so it
// stays the default write format until an operator opts into v2 and rotates.
package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// DefaultSecret is used when no secret is configured.
const DefaultSecret = "change_this_secret_change_this_secret"

const (
	keySize = 32
	hkdfV2  = "botfleet credential v2"
)

var (
	// ErrDecryption means an envelope was recognized but could not be opened.
	// The credential has to be re-entered.
	ErrDecryption = errors.New("credential decryption failed")
	// ErrWriteVersion is returned for an unsupported write version.
	ErrWriteVersion = errors.New("unsupported envelope write version")
)

// Config configures a Vault.
type Config struct {
	Secret       string  `mapstructure:"secret"`
	WriteVersion Version `mapstructure:"write_version"`
}

// Vault seals and opens credential envelopes. It is safe for concurrent use.
type Vault struct {
	write Version
	v1    cipher.AEAD
	v2    cipher.AEAD
	rand  io.Reader
}

// New builds a Vault. An empty secret falls back to DefaultSecret and an
// empty WriteVersion to VersionV1.
func New(cfg Config) (*Vault, error) {
	secret := cfg.Secret
	if secret == "" {
		secret = DefaultSecret
	}
	write := cfg.WriteVersion
	if write == "" {
		write = VersionV1
	}
	if write != VersionV1 && write != VersionV2 {
		return nil, fmt.Errorf("%w: %q", ErrWriteVersion, write)
	}

	block, err := aes.NewCipher(PaddedKey(secret))
	if err != nil {
		return nil, err
	}
	v1, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}

	k2, err := DerivedKey(secret)
	if err != nil {
		return nil, err
	}
	v2, err := chacha20poly1305.NewX(k2)
	if err != nil {
		return nil, err
	}
	return &Vault{write: write, v1: v1, v2: v2, rand: rand.Reader}, nil
}

// PaddedKey is the encv1 key: secret[:32] right-padded with ASCII '0'.
func PaddedKey(secret string) []byte {
	if len(secret) > keySize {
		secret = secret[:keySize]
	}
	return []byte(secret + strings.Repeat("0", keySize-len(secret)))
}

// DerivedKey is the encv2 key: HKDF-SHA256 over the secret.
func DerivedKey(secret string) ([]byte, error) {
	key := make([]byte, keySize)
	r := hkdf.New(sha256.New, []byte(secret), nil, []byte(hkdfV2))
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("derive key: %w", err)
	}
	return key, nil
}

// WriteVersion reports the envelope version Encrypt produces.
func (v *Vault) WriteVersion() Version { return v.write }

// Encrypt seals plaintext into a new envelope with a fresh nonce.
func (v *Vault) Encrypt(plaintext string) (string, error) {
	aead, ver := v.v1, VersionV1
	if v.write == VersionV2 {
		aead, ver = v.v2, VersionV2
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := io.ReadFull(v.rand, nonce); err != nil {
		return "", fmt.Errorf("read nonce: %w", err)
	}
	sealed := aead.Seal(nil, nonce, []byte(plaintext), nil)
	split := len(sealed) - aead.Overhead()
	env := Envelope{
		Version:    ver,
		Nonce:      nonce,
		Tag:        sealed[split:],
		Ciphertext: sealed[:split],
	}
	return env.String(), nil
}

// Decrypt opens a stored credential.
// Input without a known prefix is returned unchanged with a nil error: such
// values predate encryption and are treated as plaintext.
func (v *Vault) Decrypt(stored string) (string, error) {
	env, ok, err := ParseEnvelope(stored)
	if !ok {
		return stored, nil
	}
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrDecryption, err)
	}
	switch env.Version {
	case VersionLegacy:
		return string(env.Ciphertext), nil
	case VersionV1:
		return open(v.v1, env)
	case VersionV2:
		return open(v.v2, env)
	default:
		return "", fmt.Errorf("%w: version %q", ErrDecryption, env.Version)
	}
}

func open(aead cipher.AEAD, env Envelope) (string, error) {
	sealed := make([]byte, 0, len(env.Ciphertext)+len(env.Tag))
	sealed = append(sealed, env.Ciphertext...)
	sealed = append(sealed, env.Tag...)
	pt, err := aead.Open(nil, env.Nonce, sealed, nil)
	if err != nil {
		return "", fmt.Errorf("%w: %s envelope: %v", ErrDecryption, env.Version, err)
	}
	return string(pt), nil
}

// NeedsRotation reports whether stored is not already in the write version.
func (v *Vault) NeedsRotation(stored string) bool {
	env, ok, err := ParseEnvelope(stored)
	if !ok || err != nil {
		return true
	}
	return env.Version != v.write
}

// Rotate re-encrypts stored into the current write version. The result is a
// new envelope even when stored already uses that version.
func (v *Vault) Rotate(stored string) (string, error) {
	pt, err := v.Decrypt(stored)
	if err != nil {
		return "", err
	}
	return v.Encrypt(pt)
}
