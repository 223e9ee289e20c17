package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"thinauth.org/internal/auth"
	"thinauth.org/internal/obs"
)

func TestLogEvent(t *testing.T) {
	logger := obs.Logger()
	original := logger.Writer()
	logger.SetFlags(0)
	var buf bytes.Buffer
	logger.SetOutput(&buf)
	defer logger.SetOutput(original)

	ctx := context.Background()
	ctx = WithRequestID(ctx, "req-123")
	ctx = WithTenant(ctx, "tenant-7")
	ctx = auth.ContextWithCaller(ctx, auth.Caller{APIKey: "secret-key", SessionID: "sess-42", Proof: "proof"})

	if err := LogEvent(ctx, "audit.test", map[string]any{"foo": "bar", "err": errors.New("boom"), "credential": "alice@example.com"}); err != nil {
		t.Fatalf("LogEvent failed: %v", err)
	}

	line := buf.String()
	if line == "" {
		t.Fatal("expected log output")
	}
	if strings.Contains(line, "secret-key") || strings.Contains(line, "proof") {
		t.Fatalf("caller secrets leaked: %s", line)
	}

	var entry map[string]any
	if err := json.Unmarshal([]byte(line), &entry); err != nil {
		t.Fatalf("log not valid JSON: %v", err)
	}
	if entry["type"] != "audit" {
		t.Fatalf("unexpected type: %v", entry["type"])
	}
	if entry["event"] != "audit.test" {
		t.Fatalf("unexpected event: %v", entry["event"])
	}
	if entry["request_id"] != "req-123" {
		t.Fatalf("unexpected request id: %v", entry["request_id"])
	}
	if entry["tenant_id"] != "tenant-7" {
		t.Fatalf("unexpected tenant id: %v", entry["tenant_id"])
	}
	if entry["session_id"] != "sess-42" {
		t.Fatalf("unexpected session id: %v", entry["session_id"])
	}
	fields, ok := entry["fields"].(map[string]any)
	if strings.Contains(line, "alice@") {
		t.Fatalf("credential not masked: %s", line)
	}
	if !ok || fields["foo"] != "bar" || fields["err"] != "boom" || fields["credential"] != "a***@example.com" {
		t.Fatalf("fields missing or incorrect: %v", entry["fields"])
	}
}

func TestLogEventRequiresName(t *testing.T) {
	if err := LogEvent(context.Background(), "  ", nil); err == nil {
		t.Fatal("expected error for empty event")
	}
}

func TestMaskCredential(t *testing.T) {
	cases := map[string]string{
		"":                 "",
		"bob@example.com":  "b***@example.com",
		"+15551234567":     "***67",
		"42":               "***",
		"@nolocal.example": "***le",
		"dev-handle-c1":    "***c1",
	}
	for in, want := range cases {
		if got := MaskCredential(in); got != want {
			t.Fatalf("MaskCredential(%q) = %q, want %q", in, got, want)
		}
	}
}
