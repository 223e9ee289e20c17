package audit

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"thinauth.org/internal/auth"
	"thinauth.org/internal/obs"
)

type ctxKey string

const (
	requestIDKey ctxKey = "audit_request_id"
	tenantIDKey  ctxKey = "audit_tenant_id"
)

// WithRequestID attaches the request identifier to the context for audit logging.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	requestID = strings.TrimSpace(requestID)
	if requestID == "" {
		return ctx
	}
	return context.WithValue(ctx, requestIDKey, requestID)
}

// WithTenant attaches the resolved tenant id to the context.
func WithTenant(ctx context.Context, tenantID string) context.Context {
	if tenantID == "" {
		return ctx
	}
	return context.WithValue(ctx, tenantIDKey, tenantID)
}

// RequestIDFromContext returns the request id attached by WithRequestID.
func RequestIDFromContext(ctx context.Context) string {
	return stringValue(ctx, requestIDKey)
}

func stringValue(ctx context.Context, key ctxKey) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(key).(string); ok {
		return v
	}
	return ""
}

// maskedFields hold credentials (addresses, phone numbers) and are written
// through MaskCredential.
var maskedFields = map[string]bool{"credential": true, "destination": true}

// MaskCredential keeps enough of an email address or phone number to tell
// entries apart: the first character and domain of an address, the last
// two digits of a number.
func MaskCredential(c string) string {
	if c == "" {
		return ""
	}
	if local, domain, ok := strings.Cut(c, "@"); ok && local != "" {
		return local[:1] + "***@" + domain
	}
	if len(c) <= 2 {
		return "***"
	}
	return "***" + c[len(c)-2:]
}

// LogEvent writes an audit log entry enriched with request, tenant and
// session context. API keys and proofs are never written.
func LogEvent(ctx context.Context, event string, fields map[string]any) error {
	event = strings.TrimSpace(event)
	if event == "" {
		return errors.New("event name is required")
	}
	entry := map[string]any{
		"ts":    time.Now().UTC().Format(time.RFC3339Nano),
		"type":  "audit",
		"event": event,
	}
	if rid := RequestIDFromContext(ctx); rid != "" {
		entry["request_id"] = rid
	}
	if tid := stringValue(ctx, tenantIDKey); tid != "" {
		entry["tenant_id"] = tid
	}
	if caller, ok := auth.CallerFromContext(ctx); ok && caller.SessionID != "" {
		entry["session_id"] = caller.SessionID
	}
	copyFields := make(map[string]any, len(fields))
	for k, v := range fields {
		switch val := v.(type) {
		case error:
			v = val.Error()
		case string:
			if maskedFields[k] {
				v = MaskCredential(val)
			}
		}
		copyFields[k] = v
	}
	entry["fields"] = copyFields

	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	obs.Logger().Println(string(data))
	return nil
}
