package ids

import (
	crand "crypto/rand"
	mathrand "math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(mathrand.New(mathrand.NewSource(time.Now().UnixNano())), 0)
)

// New returns a lexicographically sortable identifier for request ids and
// row keys. Its entropy is predictable; use NewSecret for bearer values.
func New() string {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), entropy).String()
}

// NewSecret returns a ULID whose 80 random bits come from crypto/rand. Client
// session ids and challenge nonces use this form.
func NewSecret() string {
	return ulid.MustNew(ulid.Now(), crand.Reader).String()
}

// NewUUID returns a random UUID. User and Op identifiers use this form.
func NewUUID() string {
	return uuid.NewString()
}

// ValidUUID reports whether s parses as a UUID.
func ValidUUID(s string) bool {
	_, err := uuid.Parse(s)
	return err == nil
}
