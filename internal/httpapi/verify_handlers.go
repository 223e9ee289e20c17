package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"thinauth.org/internal/audit"
	"thinauth.org/internal/auth"
	"thinauth.org/internal/obs"
)

const apiKeyHeader = "X-API-Key"

type verifyRequest struct {
	Cipher string `json:"cipher"`
}

type verifyChoices struct {
	Op      string   `json:"op"`
	Cipher  string   `json:"cipher"`
	Actions []string `json:"actions"`
}

// handleVerify describes what an approval link asks for so a tenant portal
// can render the approve and reject choices.
func (a *API) handleVerify(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	q := r.URL.Query()
	cipher := strings.TrimSpace(q.Get("cipher"))
	if cipher == "" {
		writeError(w, r, http.StatusBadRequest, "cipher is required")
		return
	}
	n, err := strconv.Atoi(q.Get("op"))
	kind := auth.OpKind(n)
	if err != nil || !kind.Valid() {
		writeError(w, r, http.StatusBadRequest, "unknown op")
		return
	}
	writeJSON(w, http.StatusOK, verifyChoices{
		Op:      kind.String(),
		Cipher:  cipher,
		Actions: []string{"approve", "reject"},
	})
}

func (a *API) handleApprove(w http.ResponseWriter, r *http.Request) {
	a.handleDecision(w, r, "approved", a.authority.ApproveAuth)
}

func (a *API) handleReject(w http.ResponseWriter, r *http.Request) {
	a.handleDecision(w, r, "rejected", a.authority.RejectAuth)
}

func (a *API) handleDecision(w http.ResponseWriter, r *http.Request, outcome string, decide func(context.Context, string) error) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	apiKey := strings.TrimSpace(r.Header.Get(apiKeyHeader))
	if apiKey == "" {
		writeError(w, r, http.StatusUnauthorized, "missing "+apiKeyHeader)
		return
	}
	var req verifyRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.Cipher) == "" {
		writeError(w, r, http.StatusBadRequest, "cipher is required")
		return
	}

	ctx := auth.ContextWithCaller(r.Context(), auth.Caller{APIKey: apiKey})
	if err := decide(ctx, req.Cipher); err != nil {
		handleAuthError(w, r, err)
		return
	}
	auditEvent(ctx, "portal."+outcome, nil)
	writeJSON(w, http.StatusOK, map[string]any{"status": outcome})
}

func auditEvent(ctx context.Context, event string, fields map[string]any) {
	if err := audit.LogEvent(ctx, event, fields); err != nil {
		obs.Error("audit log failed", map[string]any{"event": event, "error": err})
	}
}

func handleAuthError(w http.ResponseWriter, r *http.Request, err error) {
	code := auth.Code(err)
	switch {
	case errors.Is(err, auth.ErrTenantNotFound):
		writeError(w, r, http.StatusUnauthorized, code)
	case errors.Is(err, auth.ErrPermissionDenied):
		writeError(w, r, http.StatusForbidden, code)
	case errors.Is(err, auth.ErrInvalidReference), errors.Is(err, auth.ErrInvalidInput),
		errors.Is(err, auth.ErrUnsupportedChannel):
		writeError(w, r, http.StatusBadRequest, code)
	case errors.Is(err, auth.ErrOpNotFound), errors.Is(err, auth.ErrAliasNotFound):
		writeError(w, r, http.StatusNotFound, code)
	case errors.Is(err, auth.ErrOpConsumed), errors.Is(err, auth.ErrAliasConflict),
		errors.Is(err, auth.ErrSessionNotLatent), errors.Is(err, auth.ErrSessionInactive):
		writeError(w, r, http.StatusConflict, code)
	default:
		writeError(w, r, http.StatusInternalServerError, "internal error")
	}
}
