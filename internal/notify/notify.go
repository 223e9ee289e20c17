// Package notify delivers login and confirmation links over the channel a
// credential belongs to.
package notify

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"thinauth.org/internal/auth"
	"thinauth.org/internal/obs"
)

const (
	defaultMailgunBase = "https://api.mailgun.net/v3"
	defaultTwilioBase  = "https://api.twilio.com/2010-04-01"
	defaultSubject     = "Your sign-in link"
)

// ErrThrottled is returned when a destination received too many links.
var ErrThrottled = fmt.Errorf("%w: destination rate exceeded", auth.ErrThrottled)

// Connections finds the live connection of a session for dev delivery.
type Connections interface {
	Lookup(tenantID, sessionID string) (auth.Conn, error)
}

// Router sends a Delivery through Mailgun, Twilio or a direct push.
type Router struct {
	conns  Connections
	client *http.Client

	perDest rate.Limit
	burst   int

	mu       sync.Mutex
	limiters map[string]*limiterEntry
}

type limiterEntry struct {
	lim  *rate.Limiter
	seen time.Time
}

// Option configures Router.
type Option func(*Router)

// WithHTTPClient overrides the client used for provider APIs.
func WithHTTPClient(c *http.Client) Option {
	return func(r *Router) {
		if c != nil {
			r.client = c
		}
	}
}

// WithThrottle bounds deliveries per destination. A zero limit disables it.
func WithThrottle(every time.Duration, burst int) Option {
	return func(r *Router) {
		if every <= 0 {
			r.perDest = rate.Inf
			return
		}
		r.perDest = rate.Every(every)
		if burst > 0 {
			r.burst = burst
		}
	}
}

// NewRouter constructs a Router. conns may be nil when the dev channel is
// not served.
func NewRouter(conns Connections, opts ...Option) *Router {
	r := &Router{
		conns:    conns,
		client:   &http.Client{Timeout: 10 * time.Second},
		perDest:  rate.Every(20 * time.Second),
		burst:    3,
		limiters: make(map[string]*limiterEntry),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Send delivers d for tenant t.
func (r *Router) Send(ctx context.Context, t *auth.Tenant, d auth.Delivery) error {
	err := r.send(ctx, t, d)
	result := "ok"
	if err != nil {
		result = "error"
		if errors.Is(err, ErrThrottled) {
			result = "throttled"
		}
	}
	obs.Notify(string(d.Channel), result)
	return err
}

func (r *Router) send(ctx context.Context, t *auth.Tenant, d auth.Delivery) error {
	if !r.allow(t.ID, d.Channel, d.Destination) {
		return ErrThrottled
	}
	switch d.Channel {
	case auth.CredentialEmail:
		if t.Notifiers.Mailgun == nil {
			return fmt.Errorf("%w: email notifier not configured", auth.ErrUnsupportedChannel)
		}
		return r.sendMailgun(ctx, t.Notifiers.Mailgun, d)
	case auth.CredentialSMS:
		if t.Notifiers.Twilio == nil {
			return fmt.Errorf("%w: sms notifier not configured", auth.ErrUnsupportedChannel)
		}
		return r.sendTwilio(ctx, t.Notifiers.Twilio, d)
	case auth.CredentialDev:
		if r.conns == nil {
			return fmt.Errorf("%w: dev channel not served", auth.ErrUnsupportedChannel)
		}
		conn, err := r.conns.Lookup(t.ID, d.SessionID)
		if err != nil {
			return err
		}
		err = conn.OnDevRequest(ctx, d.Ref, d.Op)
		if err != nil {
			obs.Push("dev_request", "error")
			return err
		}
		obs.Push("dev_request", "ok")
		return nil
	}
	return fmt.Errorf("%w: %q", auth.ErrUnsupportedChannel, d.Channel)
}

func (r *Router) allow(tenantID string, ch auth.CredentialType, dest string) bool {
	if r.perDest == rate.Inf {
		return true
	}
	key := tenantID + "|" + string(ch) + "|" + strings.ToLower(dest)
	now := time.Now()

	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.limiters[key]
	if !ok {
		e = &limiterEntry{lim: rate.NewLimiter(r.perDest, r.burst)}
		r.limiters[key] = e
	}
	e.seen = now
	return e.lim.AllowN(now, 1)
}

// Sweep forgets destinations idle for longer than idle.
func (r *Router) Sweep(idle time.Duration) {
	cutoff := time.Now().Add(-idle)
	r.mu.Lock()
	defer r.mu.Unlock()
	for k, e := range r.limiters {
		if e.seen.Before(cutoff) {
			delete(r.limiters, k)
		}
	}
}

func (r *Router) sendMailgun(ctx context.Context, cfg *auth.MailgunConfig, d auth.Delivery) error {
	base := strings.TrimRight(cfg.BaseURL, "/")
	if base == "" {
		base = defaultMailgunBase
	}
	subject := cfg.Subject
	if subject == "" {
		subject = defaultSubject
	}
	form := url.Values{}
	form.Set("from", cfg.From)
	form.Set("to", d.Destination)
	form.Set("subject", subject)
	form.Set("text", d.Link)
	if cfg.TestMode {
		form.Set("o:testmode", "yes")
	}
	endpoint := base + "/" + url.PathEscape(cfg.Domain) + "/messages"
	return r.postForm(ctx, endpoint, "api", cfg.APIKey, form)
}

func (r *Router) sendTwilio(ctx context.Context, cfg *auth.TwilioConfig, d auth.Delivery) error {
	base := strings.TrimRight(cfg.BaseURL, "/")
	if base == "" {
		base = defaultTwilioBase
	}
	form := url.Values{}
	form.Set("To", d.Destination)
	form.Set("From", cfg.FromNumber)
	form.Set("Body", d.Link)
	endpoint := base + "/Accounts/" + url.PathEscape(cfg.AccountSID) + "/Messages.json"
	return r.postForm(ctx, endpoint, cfg.AccountSID, cfg.AuthToken, form)
}

func (r *Router) postForm(ctx context.Context, endpoint, user, pass string, form url.Values) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth(user, pass)
	resp, err := r.client.Do(req)
	if err != nil {
		return fmt.Errorf("notify: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("notify: provider returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}
