package opref

import (
	"encoding/base64"
	"errors"
	"strings"
	"testing"

	"thinauth.org/internal/auth"
)

func mustCodec(t *testing.T, secret string) *Codec {
	t.Helper()
	c, err := New([]byte(secret))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c
}

func TestRoundTripIsDeterministic(t *testing.T) {
	c := mustCodec(t, "0123456789abcdef0123456789abcdef")
	id := "1b4e28ba-2fa1-11d2-883f-0016d3cca427"

	a, err := c.Encode(id)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	b, _ := c.Encode(id)
	if a != b {
		t.Fatalf("encoding not deterministic: %s vs %s", a, b)
	}
	if strings.ContainsAny(a, "+/=") {
		t.Fatalf("reference is not url safe: %s", a)
	}
	if strings.Contains(a, id) {
		t.Fatal("reference leaks the op id")
	}
	got, err := c.Decode(a)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if got != id {
		t.Fatalf("Decode=%s, want %s", got, id)
	}

	other, _ := c.Encode("another-id")
	if other == a {
		t.Fatal("distinct ids share a reference")
	}
}

func TestDecodeRejectsForgeries(t *testing.T) {
	c := mustCodec(t, "0123456789abcdef0123456789abcdef")
	other := mustCodec(t, "fedcba9876543210fedcba9876543210")
	good, _ := c.Encode("op-1")
	foreign, _ := other.Encode("op-1")

	raw, _ := base64.RawURLEncoding.DecodeString(good)
	flipped := append([]byte(nil), raw...)
	flipped[len(flipped)-1] ^= 0x01
	badVersion := append([]byte(nil), raw...)
	badVersion[0] = 0x02

	cases := map[string]string{
		"empty":        "",
		"not base64":   "!!!",
		"short":        base64.RawURLEncoding.EncodeToString([]byte{Version, 1, 2, 3}),
		"tampered":     base64.RawURLEncoding.EncodeToString(flipped),
		"bad version":  base64.RawURLEncoding.EncodeToString(badVersion),
		"foreign key":  foreign,
		"padded input": good + "==",
	}
	for name, ref := range cases {
		if _, err := c.Decode(ref); !errors.Is(err, auth.ErrInvalidReference) {
			t.Fatalf("%s: expected ErrInvalidReference, got %v", name, err)
		}
	}
}

func TestNewRejectsShortSecret(t *testing.T) {
	if _, err := New([]byte("short")); err == nil {
		t.Fatal("expected error for short secret")
	}
}
