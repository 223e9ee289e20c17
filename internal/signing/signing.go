// Package signing provides the keypair and signature primitives used by the
// challenge handshake. Keypairs and signatures travel and persist as
// deterministic CBOR.
package signing

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"reflect"

	"github.com/fxamacker/cbor/v2"
)

var (
	ErrInvalidSignature = errors.New("signing: invalid signature")
	ErrInvalidKeypair   = errors.New("signing: invalid keypair")
)

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("signing: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic("signing: CBOR decoder initialization failed: " + err.Error())
	}
}

// Keypair is an ed25519 key pair.
type Keypair struct {
	PublicKey  []byte `cbor:"1,keyasint"`
	PrivateKey []byte `cbor:"2,keyasint"`
}

// Signature is a message together with its signature and signer key.
type Signature struct {
	Message   []byte `cbor:"m"`
	Sig       []byte `cbor:"s"`
	PublicKey []byte `cbor:"pk"`
}

// Provider creates keypairs, signs messages and verifies signatures.
type Provider interface {
	CreateKeypair() (Keypair, error)
	Sign(message []byte, kp Keypair) (Signature, error)
	// Verify returns the signed message when the signature is valid.
	Verify(sig Signature) ([]byte, error)
}

// Ed25519 implements Provider.
type Ed25519 struct{}

var _ Provider = Ed25519{}

func (Ed25519) CreateKeypair() (Keypair, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return Keypair{}, fmt.Errorf("signing: generate key: %w", err)
	}
	return Keypair{PublicKey: pub, PrivateKey: priv}, nil
}

func (Ed25519) Sign(message []byte, kp Keypair) (Signature, error) {
	if len(kp.PrivateKey) != ed25519.PrivateKeySize || len(kp.PublicKey) != ed25519.PublicKeySize {
		return Signature{}, ErrInvalidKeypair
	}
	sig := ed25519.Sign(ed25519.PrivateKey(kp.PrivateKey), message)
	return Signature{
		Message:   append([]byte(nil), message...),
		Sig:       sig,
		PublicKey: append([]byte(nil), kp.PublicKey...),
	}, nil
}

func (Ed25519) Verify(sig Signature) ([]byte, error) {
	if len(sig.PublicKey) != ed25519.PublicKeySize || len(sig.Sig) != ed25519.SignatureSize {
		return nil, ErrInvalidSignature
	}
	if !ed25519.Verify(ed25519.PublicKey(sig.PublicKey), sig.Message, sig.Sig) {
		return nil, ErrInvalidSignature
	}
	return sig.Message, nil
}

// MarshalKeypair encodes kp for local persistence.
func MarshalKeypair(kp Keypair) ([]byte, error) {
	return encMode.Marshal(kp)
}

// UnmarshalKeypair decodes a persisted keypair.
func UnmarshalKeypair(data []byte) (Keypair, error) {
	var kp Keypair
	if err := decMode.Unmarshal(data, &kp); err != nil {
		return Keypair{}, errors.Join(ErrInvalidKeypair, err)
	}
	if len(kp.PublicKey) != ed25519.PublicKeySize || len(kp.PrivateKey) != ed25519.PrivateKeySize {
		return Keypair{}, ErrInvalidKeypair
	}
	return kp, nil
}

// EncodeSignature renders sig as base64url CBOR for transport headers.
func EncodeSignature(sig Signature) (string, error) {
	data, err := encMode.Marshal(sig)
	if err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(data), nil
}

// DecodeSignature parses the output of EncodeSignature.
func DecodeSignature(s string) (Signature, error) {
	data, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return Signature{}, errors.Join(ErrInvalidSignature, err)
	}
	var sig Signature
	if err := decMode.Unmarshal(data, &sig); err != nil {
		return Signature{}, errors.Join(ErrInvalidSignature, err)
	}
	return sig, nil
}

// PublicKeyString renders a public key the way warrants carry it.
func PublicKeyString(pk []byte) string {
	return base64.RawURLEncoding.EncodeToString(pk)
}
