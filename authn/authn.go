// Package authn implements bearer token issuance and verification for the
// Session Hub's socket handshake (spec.md §4.7: "reads a bearer token from
// the handshake; if verification fails, the session is rejected
// immediately").
package authn

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultTTL is how long an issued token remains valid.
const DefaultTTL = 24 * time.Hour

type tokenInfo struct {
	userID string
	expiry time.Time
}

// Manager issues and verifies bearer tokens, held in a mutex-guarded
// expiry map (no JWT/OAuth library appears anywhere in the retrieval pack,
// so tokens are opaque UUIDs rather than a self-describing format).
type Manager struct {
	mu     sync.Mutex
	tokens map[string]tokenInfo
	TTL    time.Duration
}

// New returns an empty Manager using DefaultTTL.
func New() *Manager {
	return &Manager{
		tokens: make(map[string]tokenInfo),
		TTL:    DefaultTTL,
	}
}

// Issue mints a new bearer token for userID, valid for m.TTL.
func (m *Manager) Issue(userID string) string {
	token := uuid.NewString()
	m.mu.Lock()
	m.tokens[token] = tokenInfo{userID: userID, expiry: time.Now().Add(m.TTL)}
	m.mu.Unlock()
	return token
}

// Verify reports whether token is valid and unexpired, returning the user
// it was issued to. Expired tokens are pruned on verification.
func (m *Manager) Verify(token string) (userID string, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	info, found := m.tokens[token]
	if !found {
		return "", false
	}
	if time.Now().After(info.expiry) {
		delete(m.tokens, token)
		return "", false
	}
	return info.userID, true
}

// Revoke invalidates token immediately (spec.md §7 AuthError "session
// terminated").
func (m *Manager) Revoke(token string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.tokens, token)
}
