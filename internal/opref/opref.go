// Package opref turns Op ids into opaque references that are safe to embed
// in login links and can only be resolved by the holder of the server key.
//
// A reference is base64url (no padding) of
//
//	[version: 1 byte] [nonce: 24 bytes] [XChaCha20-Poly1305(JSON(id)) + tag]
//
// The nonce is an HMAC-SHA256 of the plaintext under a separate derived key,
// so encoding is deterministic per key. The version byte is authenticated as
// additional data.
package opref

import (
	"crypto/cipher"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"

	"thinauth.org/internal/auth"
)

// Version is the format byte of every reference.
const Version byte = 0x01

// MinSecretLen is the shortest accepted master secret.
const MinSecretLen = 16

const overhead = 1 + chacha20poly1305.NonceSizeX + chacha20poly1305.Overhead

var (
	hkdfInfoEncryption = []byte("thinauth.opref.enc.v1")
	hkdfInfoNonce      = []byte("thinauth.opref.siv.v1")
)

var encoding = base64.RawURLEncoding

// Codec encodes and decodes Op references.
type Codec struct {
	aead     cipher.AEAD
	nonceKey []byte
}

// New derives the codec keys from secret.
func New(secret []byte) (*Codec, error) {
	if len(secret) < MinSecretLen {
		return nil, fmt.Errorf("opref: secret must be at least %d bytes", MinSecretLen)
	}
	encKey, err := derive(secret, hkdfInfoEncryption)
	if err != nil {
		return nil, err
	}
	nonceKey, err := derive(secret, hkdfInfoNonce)
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.NewX(encKey)
	if err != nil {
		return nil, fmt.Errorf("opref: creating XChaCha20-Poly1305 cipher: %w", err)
	}
	return &Codec{aead: aead, nonceKey: nonceKey}, nil
}

func derive(secret, info []byte) ([]byte, error) {
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret, nil, info), key); err != nil {
		return nil, fmt.Errorf("opref: deriving key: %w", err)
	}
	return key, nil
}

func (c *Codec) nonce(plaintext []byte) []byte {
	mac := hmac.New(sha256.New, c.nonceKey)
	mac.Write([]byte{Version})
	mac.Write(plaintext)
	return mac.Sum(nil)[:chacha20poly1305.NonceSizeX]
}

// Encode returns the reference for opID.
func (c *Codec) Encode(opID string) (string, error) {
	if opID == "" {
		return "", fmt.Errorf("%w: empty op id", auth.ErrInvalidInput)
	}
	plaintext, err := json.Marshal(opID)
	if err != nil {
		return "", err
	}
	nonce := c.nonce(plaintext)
	out := make([]byte, 1+len(nonce), overhead+len(plaintext))
	out[0] = Version
	copy(out[1:], nonce)
	out = c.aead.Seal(out, nonce, plaintext, []byte{Version})
	return encoding.EncodeToString(out), nil
}

// Decode resolves ref to the Op id it was minted for. Every failure wraps
// auth.ErrInvalidReference.
func (c *Codec) Decode(ref string) (string, error) {
	id, err := c.decode(ref)
	if err != nil {
		return "", fmt.Errorf("%w: %v", auth.ErrInvalidReference, err)
	}
	return id, nil
}

func (c *Codec) decode(ref string) (string, error) {
	raw, err := encoding.DecodeString(ref)
	if err != nil {
		return "", errors.New("malformed encoding")
	}
	if len(raw) < overhead {
		return "", errors.New("too short")
	}
	if raw[0] != Version {
		return "", fmt.Errorf("unsupported version %d", raw[0])
	}
	nonce := raw[1 : 1+chacha20poly1305.NonceSizeX]
	plaintext, err := c.aead.Open(nil, nonce, raw[1+chacha20poly1305.NonceSizeX:], raw[:1])
	if err != nil {
		return "", errors.New("authentication failed")
	}
	if subtle.ConstantTimeCompare(nonce, c.nonce(plaintext)) != 1 {
		return "", errors.New("nonce mismatch")
	}
	var id string
	if err := json.Unmarshal(plaintext, &id); err != nil || id == "" {
		return "", errors.New("bad payload")
	}
	return id, nil
}
