package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"strings"
	"testing"

	"thinauth.org/internal/auth"
	"thinauth.org/internal/authority"
	"thinauth.org/internal/fanout"
	"thinauth.org/internal/notify"
	"thinauth.org/internal/obs"
	"thinauth.org/internal/opref"
	"thinauth.org/internal/tenant"
	"thinauth.org/internal/warrant"
)

const testAPIKey = "key-acme"

type devInbox struct {
	mu   sync.Mutex
	refs []string
}

func (d *devInbox) OnAuth(context.Context, auth.Warrants) error { return nil }

func (d *devInbox) OnDevRequest(_ context.Context, ref string, _ auth.OpKind) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.refs = append(d.refs, ref)
	return nil
}

func (d *devInbox) last(t *testing.T) string {
	t.Helper()
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.refs) == 0 {
		t.Fatal("no dev request delivered")
	}
	return d.refs[len(d.refs)-1]
}

type apiClient struct {
	baseURL string
	client  *http.Client
	t       *testing.T

	svc   *authority.Service
	reg   *fanout.Registry
	store *auth.MemoryStore
}

func newTestAPI(t *testing.T) *apiClient {
	t.Helper()
	ctx := context.Background()
	store := auth.NewMemoryStore()
	err := store.Tenants().Create(ctx, &auth.Tenant{
		Name:          "acme",
		APIKey:        testAPIKey,
		AuthVerifyURL: "https://acme.example/verify",
		Config:        auth.TenantConfig{ChannelWhitelist: []auth.CredentialType{auth.CredentialDev}},
	})
	if err != nil {
		t.Fatalf("create tenant: %v", err)
	}
	codec, err := opref.New([]byte("reference-secret-0123456789"))
	if err != nil {
		t.Fatalf("opref.New: %v", err)
	}
	issuer, err := warrant.NewIssuer([]byte("warrant-secret-0123456789"))
	if err != nil {
		t.Fatalf("NewIssuer: %v", err)
	}
	reg := fanout.NewRegistry()
	svc, err := authority.New(tenant.NewResolver(store.Tenants()), store, codec, issuer,
		authority.WithNotifier(notify.NewRouter(reg, notify.WithThrottle(0, 0))),
		authority.WithConnections(reg),
	)
	if err != nil {
		t.Fatalf("authority.New: %v", err)
	}

	api := New(ReadyProbe{}, "test", svc, WithRateLimit(100, 100))
	srv := httptest.NewServer(api.Handler())
	t.Cleanup(srv.Close)

	return &apiClient{
		baseURL: srv.URL,
		client:  srv.Client(),
		t:       t,
		svc:     svc,
		reg:     reg,
		store:   store,
	}
}

func (c *apiClient) post(path string, body any, headers map[string]string) *http.Response {
	c.t.Helper()
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			c.t.Fatalf("marshal body: %v", err)
		}
	}
	req, err := http.NewRequest(http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		c.t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		c.t.Fatalf("do request: %v", err)
	}
	return resp
}

func (c *apiClient) get(path string, params url.Values, headers map[string]string) *http.Response {
	c.t.Helper()
	u, err := url.Parse(c.baseURL + path)
	if err != nil {
		c.t.Fatalf("parse url: %v", err)
	}
	if params != nil {
		u.RawQuery = params.Encode()
	}
	req, err := http.NewRequest(http.MethodGet, u.String(), nil)
	if err != nil {
		c.t.Fatalf("new request: %v", err)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		c.t.Fatalf("get request: %v", err)
	}
	return resp
}

// requestLogin starts a dev-channel login for sessionID and returns the
// reference pushed to that session.
func (c *apiClient) requestLogin(sessionID, credential string) (context.Context, string) {
	c.t.Helper()
	inbox := &devInbox{}
	tn, err := c.store.Tenants().FindByAPIKey(context.Background(), testAPIKey)
	if err != nil {
		c.t.Fatalf("find tenant: %v", err)
	}
	unregister := c.reg.Register(tn.ID, sessionID, inbox)
	c.t.Cleanup(unregister)

	ctx := auth.ContextWithCaller(context.Background(), auth.Caller{APIKey: testAPIKey, SessionID: sessionID})
	err = c.svc.RequestAuth(ctx, auth.AuthReq{Type: auth.CredentialDev, Credential: credential, Mode: auth.ModeReadWrite})
	if err != nil {
		c.t.Fatalf("RequestAuth: %v", err)
	}
	return ctx, inbox.last(c.t)
}

func decode[T any](t *testing.T, r *http.Response) T {
	t.Helper()
	defer r.Body.Close()
	var v T
	if err := json.NewDecoder(r.Body).Decode(&v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return v
}

func TestPortalApproveFlow(t *testing.T) {
	api := newTestAPI(t)
	ctx, ref := api.requestLogin("s1", "c1")
	headers := map[string]string{apiKeyHeader: testAPIKey}

	resp := api.get("/v1/verify", url.Values{"op": {"0"}, "cipher": {ref}}, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected status: %d", resp.StatusCode)
	}
	choices := decode[verifyChoices](t, resp)
	if choices.Op != "verify" || choices.Cipher != ref || len(choices.Actions) != 2 {
		t.Fatalf("unexpected choices: %+v", choices)
	}

	resp = api.post("/v1/verify/approve", map[string]any{"cipher": ref}, headers)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected status: %d", resp.StatusCode)
	}
	body := decode[map[string]any](t, resp)
	if body["status"] != "approved" {
		t.Fatalf("unexpected body: %v", body)
	}

	w, err := api.svc.RefreshAuth(ctx, "")
	if err != nil {
		t.Fatalf("RefreshAuth after portal approval: %v", err)
	}
	if w.ID == "" || w.Meta == "" {
		t.Fatalf("expected warrants, got %+v", w)
	}
}

func TestPortalDecisionIsAudited(t *testing.T) {
	logger := obs.Logger()
	orig := logger.Writer()
	var buf bytes.Buffer
	logger.SetOutput(&buf)
	defer logger.SetOutput(orig)

	api := newTestAPI(t)
	_, ref := api.requestLogin("s1", "c1")
	resp := api.post("/v1/verify/approve", map[string]any{"cipher": ref}, map[string]string{apiKeyHeader: testAPIKey})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected status: %d", resp.StatusCode)
	}
	auditEvent(context.Background(), " ", nil)

	var audited, failed bool
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		var entry map[string]any
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			t.Fatalf("log line is not JSON: %q", line)
		}
		if entry["type"] == "audit" && entry["event"] == "portal.approved" {
			audited = true
		}
		if entry["msg"] == "audit log failed" && entry["level"] == "error" && entry["error"] != nil {
			failed = true
		}
	}
	if !audited {
		t.Fatalf("portal approval not audited: %s", buf.String())
	}
	if !failed {
		t.Fatalf("audit failure not logged: %s", buf.String())
	}
}

func TestPortalRejectConsumesReference(t *testing.T) {
	api := newTestAPI(t)
	ctx, ref := api.requestLogin("s1", "c1")
	headers := map[string]string{apiKeyHeader: testAPIKey}

	resp := api.post("/v1/verify/reject", map[string]any{"cipher": ref}, headers)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected status: %d", resp.StatusCode)
	}
	resp.Body.Close()

	resp = api.post("/v1/verify/approve", map[string]any{"cipher": ref}, headers)
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409 for consumed reference, got %d", resp.StatusCode)
	}
	body := decode[map[string]any](t, resp)
	if body["error"] != "op_consumed" {
		t.Fatalf("unexpected error body: %v", body)
	}
	if _, err := api.svc.RefreshAuth(ctx, ""); err == nil {
		t.Fatal("rejected session must not refresh")
	}
}

func TestPortalErrors(t *testing.T) {
	api := newTestAPI(t)

	cases := []struct {
		name    string
		path    string
		body    any
		headers map[string]string
		status  int
	}{
		{
			name:   "missing api key",
			path:   "/v1/verify/approve",
			body:   map[string]any{"cipher": "x"},
			status: http.StatusUnauthorized,
		},
		{
			name:    "unknown tenant",
			path:    "/v1/verify/approve",
			body:    map[string]any{"cipher": "x"},
			headers: map[string]string{apiKeyHeader: "nope"},
			status:  http.StatusUnauthorized,
		},
		{
			name:    "forged reference",
			path:    "/v1/verify/reject",
			body:    map[string]any{"cipher": "forged"},
			headers: map[string]string{apiKeyHeader: testAPIKey},
			status:  http.StatusBadRequest,
		},
		{
			name:    "unknown field",
			path:    "/v1/verify/approve",
			body:    map[string]any{"cipher": "x", "extra": 1},
			headers: map[string]string{apiKeyHeader: testAPIKey},
			status:  http.StatusBadRequest,
		},
		{
			name:    "empty cipher",
			path:    "/v1/verify/approve",
			body:    map[string]any{"cipher": " "},
			headers: map[string]string{apiKeyHeader: testAPIKey},
			status:  http.StatusBadRequest,
		},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			resp := api.post(tc.path, tc.body, tc.headers)
			defer resp.Body.Close()
			if resp.StatusCode != tc.status {
				t.Fatalf("expected %d, got %d", tc.status, resp.StatusCode)
			}
			var errBody map[string]any
			if err := json.NewDecoder(resp.Body).Decode(&errBody); err != nil {
				t.Fatalf("decode error body: %v", err)
			}
			if errBody["error"] == "" || errBody["request_id"] == "" {
				t.Fatalf("expected error and request_id, got %v", errBody)
			}
		})
	}
}

func TestVerifyRejectsUnknownOp(t *testing.T) {
	api := newTestAPI(t)
	resp := api.get("/v1/verify", url.Values{"op": {"9"}, "cipher": {"x"}}, nil)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}

	resp2 := api.post("/v1/verify", nil, nil)
	defer resp2.Body.Close()
	if resp2.StatusCode != http.StatusMethodNotAllowed || resp2.Header.Get("Allow") != http.MethodGet {
		t.Fatalf("expected 405 with Allow, got %d %q", resp2.StatusCode, resp2.Header.Get("Allow"))
	}
}

func TestHealthAndInfo(t *testing.T) {
	api := newTestAPI(t)
	for _, path := range []string{"/healthz", "/readyz", "/v1/info"} {
		resp := api.get(path, nil, nil)
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("%s: unexpected status %d", path, resp.StatusCode)
		}
		if resp.Header.Get("X-Content-Type-Options") != "nosniff" || resp.Header.Get(requestIDHeader) == "" {
			t.Fatalf("%s: missing middleware headers", path)
		}
		body := decode[map[string]any](t, resp)
		if path == "/v1/info" && body["name"] != serviceName {
			t.Fatalf("unexpected info: %v", body)
		}
	}

	resp := api.get("/nope", nil, nil)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
}

func TestReadyReportsProbeFailure(t *testing.T) {
	api := New(failingReadiness{}, "test", nil)
	rr := httptest.NewRecorder()
	api.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rr.Code)
	}
}
