// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Stakehouse Contributors

package identity

import (
	"crypto/rand"
	"encoding/hex"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"
)

// Session token and lifetime configuration.
const (
	// SessionTokenBytes is the entropy of a session token. 16 bytes = 128
	// bits, hex-encoded to 32 chars. The token itself is the session's
	// primary identifier, so it must be unguessable.
	SessionTokenBytes = 16

	// SessionLifetime is the expiry horizon for a normal login session.
	SessionLifetime = 21 * 24 * time.Hour

	// RememberLifetimeYears is the expiry horizon, in years, for a
	// remember-me session.
	RememberLifetimeYears = 10
)

// Session represents an issued session token.
//
// ExpiresAt is nil for one-time tokens, which carry no forward expiry at
// creation; they are expired at consumption time instead. A session row is
// never deleted, only expired by setting ExpiresAt to the current time.
type Session struct {
	ID           string
	AccountID    ulid.ULID
	IPAddress    string
	UserAgent    string
	ExpiresAt    *time.Time
	OneTimeToken bool
	CreatedAt    time.Time
}

// IsActive reports whether the session is active now.
func (s *Session) IsActive() bool {
	return s.IsActiveAt(time.Now())
}

// IsActiveAt reports whether the session would be active at the given time.
// A session is active iff its expiry is strictly in the future; one-time
// tokens with no expiry are active until consumed.
func (s *Session) IsActiveAt(t time.Time) bool {
	if s.ExpiresAt == nil {
		return s.OneTimeToken
	}
	return s.ExpiresAt.After(t)
}

// NewSessionToken generates a fresh random session token.
func NewSessionToken() (string, error) {
	buf := make([]byte, SessionTokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", oops.Code("SESSION_TOKEN_GENERATE_FAILED").
			With("operation", "crypto/rand.Read").
			Wrap(err)
	}
	return hex.EncodeToString(buf), nil
}

// SessionExpiry computes the expiry timestamp for a session issued at now.
// Remember-me sessions live ten years; normal sessions live three weeks.
// The value is computed fresh per call; nothing mutable is shared between
// issuances.
func SessionExpiry(now time.Time, remember bool) time.Time {
	if remember {
		return now.AddDate(RememberLifetimeYears, 0, 0)
	}
	return now.Add(SessionLifetime)
}
