package vault

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
)

// Version identifies an envelope format by its string prefix.
type Version string

const (
	VersionLegacy Version = "legacy"
	VersionV1     Version = "v1"
	VersionV2     Version = "v2"
)

// Envelope prefixes as stored in tenant records.
const (
	PrefixLegacy = "encrypted_"
	PrefixV1     = "encv1_"
	PrefixV2     = "encv2_"
)

const (
	tagSize     = 16
	nonceSizeV1 = 12
	nonceSizeV2 = 24
)

var errMalformed = errors.New("malformed envelope")

// Envelope is the parsed form of a stored credential.
// Legacy envelopes carry only Ciphertext (which is the encoded plaintext).
type Envelope struct {
	Version    Version
	Nonce      []byte
	Tag        []byte
	Ciphertext []byte
}

// Prefix returns the string prefix used for the envelope's version.
func (v Version) Prefix() string {
	switch v {
	case VersionLegacy:
		return PrefixLegacy
	case VersionV1:
		return PrefixV1
	case VersionV2:
		return PrefixV2
	default:
		return ""
	}
}

// ParseEnvelope splits a stored string into its parts.
// ok is false when s carries no known prefix; callers treat such input as plaintext.
func ParseEnvelope(s string) (env Envelope, ok bool, err error) {
	switch {
	case strings.HasPrefix(s, PrefixV1):
		env, err = splitAuthenticated(VersionV1, strings.TrimPrefix(s, PrefixV1), nonceSizeV1)
		return env, true, err
	case strings.HasPrefix(s, PrefixV2):
		env, err = splitAuthenticated(VersionV2, strings.TrimPrefix(s, PrefixV2), nonceSizeV2)
		return env, true, err
	case strings.HasPrefix(s, PrefixLegacy):
		raw, err := decodeB64(strings.TrimPrefix(s, PrefixLegacy))
		if err != nil {
			return Envelope{}, true, fmt.Errorf("%w: %v", errMalformed, err)
		}
		return Envelope{Version: VersionLegacy, Ciphertext: raw}, true, nil
	default:
		return Envelope{}, false, nil
	}
}

func splitAuthenticated(v Version, payload string, nonceSize int) (Envelope, error) {
	raw, err := decodeB64(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", errMalformed, err)
	}
	if len(raw) < nonceSize+tagSize {
		return Envelope{}, fmt.Errorf("%w: %d bytes is shorter than nonce and tag", errMalformed, len(raw))
	}
	return Envelope{
		Version:    v,
		Nonce:      raw[:nonceSize],
		Tag:        raw[nonceSize : nonceSize+tagSize],
		Ciphertext: raw[nonceSize+tagSize:],
	}, nil
}

// String serializes the envelope as prefix + base64(nonce ‖ tag ‖ ciphertext).
func (e Envelope) String() string {
	buf := make([]byte, 0, len(e.Nonce)+len(e.Tag)+len(e.Ciphertext))
	buf = append(buf, e.Nonce...)
	buf = append(buf, e.Tag...)
	buf = append(buf, e.Ciphertext...)
	return e.Version.Prefix() + base64.StdEncoding.EncodeToString(buf)
}

func decodeB64(s string) ([]byte, error) {
	if b, err := base64.StdEncoding.DecodeString(s); err == nil {
		return b, nil
	}
	return base64.RawStdEncoding.DecodeString(s)
}
