package signing

import (
	"bytes"
	"errors"
	"testing"
)

func TestSignVerify(t *testing.T) {
	var p Ed25519
	kp, err := p.CreateKeypair()
	if err != nil {
		t.Fatalf("CreateKeypair: %v", err)
	}
	sig, err := p.Sign([]byte("nonce-1"), kp)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}

	encoded, err := EncodeSignature(sig)
	if err != nil {
		t.Fatalf("EncodeSignature: %v", err)
	}
	decoded, err := DecodeSignature(encoded)
	if err != nil {
		t.Fatalf("DecodeSignature: %v", err)
	}
	msg, err := p.Verify(decoded)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if string(msg) != "nonce-1" {
		t.Fatalf("unexpected message %q", msg)
	}

	decoded.Message = []byte("nonce-2")
	if _, err := p.Verify(decoded); !errors.Is(err, ErrInvalidSignature) {
		t.Fatalf("expected ErrInvalidSignature, got %v", err)
	}
	if _, err := DecodeSignature("%%%"); !errors.Is(err, ErrInvalidSignature) {
		t.Fatalf("expected ErrInvalidSignature, got %v", err)
	}
}

func TestKeypairPersistence(t *testing.T) {
	var p Ed25519
	kp, _ := p.CreateKeypair()
	data, err := MarshalKeypair(kp)
	if err != nil {
		t.Fatalf("MarshalKeypair: %v", err)
	}
	again, _ := MarshalKeypair(kp)
	if !bytes.Equal(data, again) {
		t.Fatal("keypair encoding is not deterministic")
	}
	back, err := UnmarshalKeypair(data)
	if err != nil {
		t.Fatalf("UnmarshalKeypair: %v", err)
	}
	if !bytes.Equal(back.PublicKey, kp.PublicKey) || !bytes.Equal(back.PrivateKey, kp.PrivateKey) {
		t.Fatal("keypair changed across persistence")
	}
	if _, err := UnmarshalKeypair([]byte{0xa0}); !errors.Is(err, ErrInvalidKeypair) {
		t.Fatalf("expected ErrInvalidKeypair, got %v", err)
	}
	if _, err := p.Sign([]byte("x"), Keypair{}); !errors.Is(err, ErrInvalidKeypair) {
		t.Fatalf("expected ErrInvalidKeypair, got %v", err)
	}
}
