// Package authtoken implements process-local bearer-token authentication: a
// single opaque token, TTL rotation, and a grace window during which the
// previous token still verifies so in-flight clients don't get cut off
// mid-rotation.
package authtoken

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"sync"
	"time"
)

const (
	// MinTokenLength is the minimum printable length a candidate token must
	// have before it is worth comparing at all.
	MinTokenLength = 20
	tokenEntropyBytes = 32
)

// Manager issues, verifies, and rotates the process's bearer token.
type Manager struct {
	mu      sync.Mutex
	current string
	previous string
	issuedAt time.Time
	ttl      time.Duration
	grace    time.Duration
	now      func() time.Time // overridable for tests
}

// New creates a Manager with the given TTL and grace window, generating the
// first token immediately. Entropy-source failure is fatal at startup (spec
// §4.1) — New panics rather than returning a Manager with a weak token.
func New(ttl, grace time.Duration) *Manager {
	m := &Manager{ttl: ttl, grace: grace, now: time.Now}
	tok, err := generateToken()
	if err != nil {
		panic(fmt.Sprintf("authtoken: entropy source failed at startup: %v", err))
	}
	m.current = tok
	m.issuedAt = m.now()
	return m
}

func generateToken() (string, error) {
	b := make([]byte, tokenEntropyBytes)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// CurrentToken returns the valid-now token, rotating first if the TTL has
// elapsed.
func (m *Manager) CurrentToken() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rotateIfNeededLocked()
	return m.current
}

// Verify reports whether candidate is a valid bearer token: equal to
// current, or equal to previous while still within the grace window.
// Never panics; malformed input (too short) simply fails verification.
func (m *Manager) Verify(candidate string) bool {
	if len(candidate) < MinTokenLength {
		return false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rotateIfNeededLocked()

	if constantTimeEqual(candidate, m.current) {
		return true
	}
	if m.previous != "" && constantTimeEqual(candidate, m.previous) {
		return m.now().Sub(m.issuedAt) <= m.grace
	}
	return false
}

func constantTimeEqual(a, b string) bool {
	if len(a) != len(b) {
		// subtle.ConstantTimeCompare requires equal length; a length
		// mismatch is not secret-dependent so a fast path here leaks
		// nothing an attacker doesn't already know (token length is public).
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// rotateIfNeededLocked must be called with mu held. Moves current to
// previous and issues a fresh current token once the TTL has elapsed.
func (m *Manager) rotateIfNeededLocked() {
	if m.now().Sub(m.issuedAt) < m.ttl {
		return
	}
	tok, err := generateToken()
	if err != nil {
		// Rotation failure leaves the (now-expired-by-TTL-but-still-
		// comparable) current token in place rather than locking the
		// process out; the next access retries rotation.
		return
	}
	m.previous = m.current
	m.current = tok
	m.issuedAt = m.now()
}
