package warrant

import (
	"errors"
	"testing"
	"time"

	"thinauth.org/internal/auth"
)

func TestIssueAndVerify(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	iss, err := NewIssuer([]byte("0123456789abcdef0123456789abcdef"), WithClock(func() time.Time { return now }))
	if err != nil {
		t.Fatalf("NewIssuer: %v", err)
	}
	session := &auth.Session{ID: "s1", UserID: "u1", Mode: auth.ModeReadWrite, PublicKey: "pk"}
	aliases := []*auth.Alias{
		{Credential: "a@x.io", Type: auth.CredentialEmail, Mode: auth.ModeReadWrite, Secret: "hash"},
		{Credential: "+1555", Type: auth.CredentialSMS, Mode: auth.ModeConfirm},
	}

	w, err := iss.Issue(session, aliases)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if w.ID == "" || w.Meta == "" || w.ID == w.Meta {
		t.Fatalf("unexpected warrants: %+v", w)
	}

	id, err := iss.VerifyID(w.ID)
	if err != nil {
		t.Fatalf("VerifyID: %v", err)
	}
	if id.UserID != "u1" || id.PublicKey != "pk" || id.Subject != "u1" {
		t.Fatalf("unexpected id claims: %+v", id)
	}

	meta, err := iss.VerifyMeta(w.Meta)
	if err != nil {
		t.Fatalf("VerifyMeta: %v", err)
	}
	if meta.SessionMode != auth.ModeReadWrite || len(meta.Aliases) != 2 {
		t.Fatalf("unexpected meta claims: %+v", meta)
	}

	// the two warrants are not interchangeable
	if _, err := iss.VerifyID(w.Meta); !errors.Is(err, auth.ErrInvalidWarrant) {
		t.Fatalf("meta warrant accepted as id warrant: %v", err)
	}
	if _, err := iss.VerifyMeta(w.ID); !errors.Is(err, auth.ErrInvalidWarrant) {
		t.Fatalf("id warrant accepted as meta warrant: %v", err)
	}

	issued, err := IssuedAt(w.ID)
	if err != nil || !issued.Equal(now) {
		t.Fatalf("IssuedAt=%v err=%v", issued, err)
	}
}

func TestVerifyRejectsForeignSignature(t *testing.T) {
	a, _ := NewIssuer([]byte("0123456789abcdef0123456789abcdef"))
	b, _ := NewIssuer([]byte("fedcba9876543210fedcba9876543210"))
	w, err := a.Issue(&auth.Session{UserID: "u1"}, nil)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if _, err := b.VerifyID(w.ID); !errors.Is(err, auth.ErrInvalidWarrant) {
		t.Fatalf("expected ErrInvalidWarrant, got %v", err)
	}
	if _, err := a.VerifyID(""); !errors.Is(err, auth.ErrInvalidWarrant) {
		t.Fatalf("expected ErrInvalidWarrant for empty token, got %v", err)
	}
	// unverified decode still works for clients
	claims, err := DecodeUnverified(w.ID)
	if err != nil || claims.UserID != "u1" {
		t.Fatalf("DecodeUnverified: %+v %v", claims, err)
	}
	if _, err := DecodeUnverified("garbage"); !errors.Is(err, auth.ErrInvalidWarrant) {
		t.Fatalf("expected ErrInvalidWarrant, got %v", err)
	}
}

func TestIssueRequiresUser(t *testing.T) {
	iss, _ := NewIssuer([]byte("0123456789abcdef0123456789abcdef"))
	if _, err := iss.Issue(&auth.Session{ID: "s1"}, nil); !errors.Is(err, auth.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
	if _, err := NewIssuer([]byte("short")); err == nil {
		t.Fatal("expected short secret to be rejected")
	}
}
