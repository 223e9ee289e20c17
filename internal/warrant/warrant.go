// Package warrant issues and verifies the signed identity and permission
// tokens handed to clients after approval.
package warrant

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"thinauth.org/internal/auth"
)

const (
	DefaultIssuer = "thinauth"

	kindID   = "id"
	kindMeta = "meta"

	minSecretLen = 16
)

// IDClaims is the minimal identity warrant.
type IDClaims struct {
	Kind      string `json:"knd"`
	UserID    string `json:"userId"`
	PublicKey string `json:"publicKey,omitempty"`
	jwt.RegisteredClaims
}

// AliasClaim is one roster entry in the meta warrant. Secrets never appear.
type AliasClaim struct {
	Credential string              `json:"credential"`
	Type       auth.CredentialType `json:"type"`
	Mode       auth.Mode           `json:"mode"`
}

// MetaClaims carries the session mode and the user's verified aliases.
type MetaClaims struct {
	Kind        string       `json:"knd"`
	UserID      string       `json:"userId"`
	SessionMode auth.Mode    `json:"sessionMode"`
	Aliases     []AliasClaim `json:"alias"`
	jwt.RegisteredClaims
}

// Issuer signs warrants with HS256.
type Issuer struct {
	secret []byte
	issuer string
	now    func() time.Time
}

// Option configures Issuer.
type Option func(*Issuer)

// WithIssuer overrides the iss claim.
func WithIssuer(name string) Option {
	return func(i *Issuer) {
		if name = strings.TrimSpace(name); name != "" {
			i.issuer = name
		}
	}
}

// WithClock overrides the time source used for iat.
func WithClock(fn func() time.Time) Option {
	return func(i *Issuer) {
		if fn != nil {
			i.now = fn
		}
	}
}

// NewIssuer constructs an Issuer signing with secret.
func NewIssuer(secret []byte, opts ...Option) (*Issuer, error) {
	if len(secret) < minSecretLen {
		return nil, fmt.Errorf("warrant: secret must be at least %d bytes", minSecretLen)
	}
	i := &Issuer{secret: secret, issuer: DefaultIssuer, now: time.Now}
	for _, opt := range opts {
		opt(i)
	}
	return i, nil
}

// Issue builds both warrants from one snapshot of session and aliases.
func (i *Issuer) Issue(s *auth.Session, aliases []*auth.Alias) (auth.Warrants, error) {
	if s == nil || s.UserID == "" {
		return auth.Warrants{}, fmt.Errorf("%w: session without user", auth.ErrInvalidInput)
	}
	reg := jwt.RegisteredClaims{
		Issuer:   i.issuer,
		Subject:  s.UserID,
		IssuedAt: jwt.NewNumericDate(i.now().UTC()),
	}

	roster := make([]AliasClaim, 0, len(aliases))
	for _, a := range aliases {
		roster = append(roster, AliasClaim{Credential: a.Credential, Type: a.Type, Mode: a.Mode})
	}

	id, err := i.sign(IDClaims{Kind: kindID, UserID: s.UserID, PublicKey: s.PublicKey, RegisteredClaims: reg})
	if err != nil {
		return auth.Warrants{}, err
	}
	meta, err := i.sign(MetaClaims{Kind: kindMeta, UserID: s.UserID, SessionMode: s.Mode, Aliases: roster, RegisteredClaims: reg})
	if err != nil {
		return auth.Warrants{}, err
	}
	return auth.Warrants{ID: id, Meta: meta}, nil
}

func (i *Issuer) sign(claims jwt.Claims) (string, error) {
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.secret)
	if err != nil {
		return "", fmt.Errorf("warrant: sign: %w", err)
	}
	return signed, nil
}

func (i *Issuer) parse(token string, claims jwt.Claims) error {
	token = strings.TrimSpace(token)
	if token == "" {
		return auth.ErrInvalidWarrant
	}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		if t.Method != jwt.SigningMethodHS256 {
			return nil, auth.ErrInvalidWarrant
		}
		return i.secret, nil
	},
		jwt.WithIssuer(i.issuer),
		jwt.WithIssuedAt(),
		jwt.WithTimeFunc(i.now),
	)
	if err != nil || !parsed.Valid {
		return auth.ErrInvalidWarrant
	}
	return nil
}

// VerifyID validates an id warrant and returns its claims.
func (i *Issuer) VerifyID(token string) (*IDClaims, error) {
	claims := &IDClaims{}
	if err := i.parse(token, claims); err != nil {
		return nil, err
	}
	if claims.Kind != kindID || claims.UserID == "" || claims.UserID != claims.Subject {
		return nil, auth.ErrInvalidWarrant
	}
	return claims, nil
}

// VerifyMeta validates a meta warrant and returns its claims.
func (i *Issuer) VerifyMeta(token string) (*MetaClaims, error) {
	claims := &MetaClaims{}
	if err := i.parse(token, claims); err != nil {
		return nil, err
	}
	if claims.Kind != kindMeta || claims.UserID == "" {
		return nil, auth.ErrInvalidWarrant
	}
	return claims, nil
}

// DecodeUnverified reads id warrant claims without checking the signature.
// Clients use it to read iat and userId; it must never gate access.
func DecodeUnverified(token string) (*IDClaims, error) {
	claims := &IDClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return nil, errors.Join(auth.ErrInvalidWarrant, err)
	}
	return claims, nil
}

// DecodeMetaUnverified reads meta warrant claims without checking the signature.
func DecodeMetaUnverified(token string) (*MetaClaims, error) {
	claims := &MetaClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return nil, errors.Join(auth.ErrInvalidWarrant, err)
	}
	return claims, nil
}

// IssuedAt returns the iat of an id warrant, or the zero time if absent.
func IssuedAt(token string) (time.Time, error) {
	claims, err := DecodeUnverified(token)
	if err != nil {
		return time.Time{}, err
	}
	if claims.IssuedAt == nil {
		return time.Time{}, nil
	}
	return claims.IssuedAt.Time, nil
}
