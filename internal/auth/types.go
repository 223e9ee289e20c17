package auth

import (
	"context"
	"fmt"
	"net/url"
	"slices"
	"strconv"
	"strings"
	"time"
)

// Mode is the capability bitmask carried by aliases and accumulated on sessions.
type Mode uint8

const (
	ModeWrite     Mode = 1
	ModeRead      Mode = 2
	ModeConfirm   Mode = 4
	ModeReadWrite      = ModeRead | ModeWrite

	modeMask = ModeWrite | ModeRead | ModeConfirm
)

// Has reports whether every bit of flag is set.
func (m Mode) Has(flag Mode) bool { return m&flag == flag }

// Valid reports whether m is a non-empty combination of known bits.
func (m Mode) Valid() bool { return m != 0 && m&^modeMask == 0 }

// CredentialType names an out-of-band delivery channel.
type CredentialType string

const (
	CredentialEmail CredentialType = "email"
	CredentialSMS   CredentialType = "sms"
	CredentialDev   CredentialType = "dev"
)

// Valid reports whether t is one of the known channels.
func (t CredentialType) Valid() bool {
	switch t {
	case CredentialEmail, CredentialSMS, CredentialDev:
		return true
	}
	return false
}

// OpKind enumerates pending operations awaiting human approval.
type OpKind int

const (
	OpVerify OpKind = iota
	OpAliasAdd
	OpAliasUpdate
	OpAliasRemove
)

func (k OpKind) String() string {
	switch k {
	case OpVerify:
		return "verify"
	case OpAliasAdd:
		return "alias_add"
	case OpAliasUpdate:
		return "alias_update"
	case OpAliasRemove:
		return "alias_remove"
	}
	return "op(" + strconv.Itoa(int(k)) + ")"
}

// Valid reports whether k is a known kind.
func (k OpKind) Valid() bool { return k >= OpVerify && k <= OpAliasRemove }

// AuthReq is a request to bind a credential with the given mode.
type AuthReq struct {
	Type       CredentialType `json:"type"`
	Credential string         `json:"credential"`
	Mode       Mode           `json:"mode"`
	Secret     string         `json:"secret,omitempty"`
}

// Validate checks the request shape.
func (r AuthReq) Validate() error {
	if !r.Type.Valid() {
		return fmt.Errorf("%w: unknown credential type %q", ErrInvalidInput, r.Type)
	}
	if strings.TrimSpace(r.Credential) == "" {
		return fmt.Errorf("%w: credential is required", ErrInvalidInput)
	}
	if !r.Mode.Valid() {
		return fmt.Errorf("%w: invalid mode %d", ErrInvalidInput, r.Mode)
	}
	return nil
}

// Tenant is an isolated application namespace identified by its API key.
type Tenant struct {
	ID            string          `json:"id" yaml:"id"`
	Name          string          `json:"name" yaml:"name"`
	APIKey        string          `json:"-" yaml:"api_key"`
	AuthVerifyURL string          `json:"authVerifyUrl" yaml:"auth_verify_url"`
	Config        TenantConfig    `json:"config" yaml:"config"`
	Notifiers     NotifierConfigs `json:"notifierConfigs" yaml:"notifiers"`
}

// TenantConfig holds per-tenant policy.
type TenantConfig struct {
	ChannelWhitelist []CredentialType `json:"channelWhitelist" yaml:"channel_whitelist"`
}

// Allows reports whether the tenant accepts requests over channel t.
func (t *Tenant) Allows(ct CredentialType) bool {
	return t != nil && slices.Contains(t.Config.ChannelWhitelist, ct)
}

// NotifierConfigs carries per-tenant credentials for outbound delivery.
type NotifierConfigs struct {
	Mailgun *MailgunConfig `json:"mailgun,omitempty" yaml:"mailgun,omitempty"`
	Twilio  *TwilioConfig  `json:"twilio,omitempty" yaml:"twilio,omitempty"`
}

type MailgunConfig struct {
	APIKey   string `json:"apiKey" yaml:"api_key"`
	Domain   string `json:"domain" yaml:"domain"`
	From     string `json:"from" yaml:"from"`
	Subject  string `json:"subject" yaml:"subject"`
	TestMode bool   `json:"testMode,omitempty" yaml:"test_mode,omitempty"`
	BaseURL  string `json:"baseUrl,omitempty" yaml:"base_url,omitempty"`
}

type TwilioConfig struct {
	AccountSID string `json:"sid" yaml:"sid"`
	AuthToken  string `json:"authToken" yaml:"auth_token"`
	FromNumber string `json:"fromNumber" yaml:"from_number"`
	BaseURL    string `json:"baseUrl,omitempty" yaml:"base_url,omitempty"`
}

// Alias binds an external credential to an internal user id. Rows are only
// ever soft-deleted.
type Alias struct {
	ID         string         `json:"id"`
	Credential string         `json:"credential"`
	Type       CredentialType `json:"type"`
	Secret     string         `json:"-"`
	UserID     string         `json:"userId"`
	Mode       Mode           `json:"mode"`
	VerifiedAt *time.Time     `json:"verifiedAt,omitempty"`
	DeletedAt  *time.Time     `json:"deletedAt,omitempty"`
	CreatedAt  time.Time      `json:"createdAt"`
}

// Verified reports whether the alias is verified and not deleted.
func (a *Alias) Verified() bool {
	return a.VerifiedAt != nil && a.DeletedAt == nil
}

// Session is one authentication attempt, keyed by a client generated id.
type Session struct {
	ID         string     `json:"id"`
	UserID     string     `json:"userId"`
	Mode       Mode       `json:"mode"`
	PublicKey  string     `json:"publicKey,omitempty"`
	VerifiedAt *time.Time `json:"verifiedAt,omitempty"`
	ExpiresAt  *time.Time `json:"expiresAt,omitempty"`
	CreatedAt  time.Time  `json:"createdAt"`
}

// Expired reports whether the session expired at or before now.
func (s *Session) Expired(now time.Time) bool {
	return s.ExpiresAt != nil && !s.ExpiresAt.After(now)
}

// Latent reports whether the session exists and has not expired.
func (s *Session) Latent(now time.Time) bool {
	return s != nil && !s.Expired(now)
}

// Active reports whether the session is verified and not expired.
func (s *Session) Active(now time.Time) bool {
	return s.Latent(now) && s.VerifiedAt != nil
}

// Op is a durable record of an action awaiting approval.
type Op struct {
	ID          string     `json:"id"`
	SessionID   string     `json:"sessionId"`
	Operation   OpKind     `json:"operation"`
	AddAlias    AuthReq    `json:"addAlias"`
	RemoveAlias *AuthReq   `json:"removeAlias,omitempty"`
	ConsumedAt  *time.Time `json:"consumedAt,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"`
}

// Warrants is the signed identity/permission pair issued on approval.
type Warrants struct {
	ID   string `json:"idWarrant"`
	Meta string `json:"metaWarrant"`
}

// Delivery is one outbound login or confirmation link.
type Delivery struct {
	Channel     CredentialType
	Destination string
	Link        string
	Ref         string
	Op          OpKind
	SessionID   string
}

// Conn is a live client connection the server can push to.
type Conn interface {
	OnAuth(ctx context.Context, w Warrants) error
	OnDevRequest(ctx context.Context, ref string, op OpKind) error
}

// VerifyLink builds the approval link sent to the human.
func VerifyLink(base string, op OpKind, ref string) (string, error) {
	u, err := url.Parse(base)
	if err != nil || u.Scheme == "" {
		return "", fmt.Errorf("%w: bad auth verify url %q", ErrInvalidInput, base)
	}
	q := u.Query()
	q.Set("op", strconv.Itoa(int(op)))
	q.Set("cipher", ref)
	u.RawQuery = q.Encode()
	return u.String(), nil
}
