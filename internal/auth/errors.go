package auth

import "errors"

var (
	ErrNotFound      = errors.New("auth: not found")
	ErrAlreadyExists = errors.New("auth: already exists")
	ErrInvalidInput  = errors.New("auth: invalid input")

	ErrTenantNotFound         = errors.New("auth: tenant not found")
	ErrUnsupportedChannel     = errors.New("auth: unsupported channel")
	ErrSessionAlreadyVerified = errors.New("auth: session already verified")
	ErrSessionAlreadyExpired  = errors.New("auth: session already expired")
	ErrSessionInactive        = errors.New("auth: session inactive")
	ErrSessionNotLatent       = errors.New("auth: session not latent")
	ErrInvalidReference       = errors.New("auth: invalid reference")
	ErrOpNotFound             = errors.New("auth: op not found")
	ErrOpConsumed             = errors.New("auth: op already consumed")
	ErrAliasConflict          = errors.New("auth: alias conflict")
	ErrAliasNotFound          = errors.New("auth: alias not found")
	ErrPermissionDenied       = errors.New("auth: permission denied")
	ErrRemoteNotFound         = errors.New("auth: remote not found")
	ErrInvalidWarrant         = errors.New("auth: invalid warrant")
	ErrInvalidProof           = errors.New("auth: invalid proof")
	ErrThrottled              = errors.New("auth: throttled")
)

// codes pairs each public error with a stable wire code. Order matters:
// the first match wins in Code.
var codes = []struct {
	err  error
	code string
}{
	{ErrTenantNotFound, "tenant_not_found"},
	{ErrUnsupportedChannel, "unsupported_channel"},
	{ErrSessionAlreadyVerified, "session_already_verified"},
	{ErrSessionAlreadyExpired, "session_already_expired"},
	{ErrSessionInactive, "session_inactive"},
	{ErrSessionNotLatent, "session_not_latent"},
	{ErrInvalidReference, "invalid_reference"},
	{ErrOpNotFound, "op_not_found"},
	{ErrOpConsumed, "op_consumed"},
	{ErrAliasConflict, "alias_conflict"},
	{ErrAliasNotFound, "alias_not_found"},
	{ErrPermissionDenied, "permission_denied"},
	{ErrRemoteNotFound, "remote_not_found"},
	{ErrInvalidWarrant, "invalid_warrant"},
	{ErrInvalidProof, "invalid_proof"},
	{ErrThrottled, "throttled"},
	{ErrInvalidInput, "invalid_input"},
	{ErrNotFound, "not_found"},
	{ErrAlreadyExists, "already_exists"},
}

// Code returns the wire code for err, "ok" for nil and "internal" for
// anything outside the taxonomy.
func Code(err error) string {
	if err == nil {
		return "ok"
	}
	for _, c := range codes {
		if errors.Is(err, c.err) {
			return c.code
		}
	}
	return "internal"
}

// FromCode maps a wire code back to its sentinel. Unknown codes yield nil.
func FromCode(code string) error {
	for _, c := range codes {
		if c.code == code {
			return c.err
		}
	}
	return nil
}
