// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Stakehouse Contributors

package identity

import (
	"time"

	"github.com/oklog/ulid/v2"
)

// Account represents a registered user account.
//
// MFASecret, when set, is the base32-encoded shared key used for TOTP
// verification. Accounts are never deleted by this core; sessions reference
// them indefinitely.
type Account struct {
	ID           ulid.ULID
	Username     string
	Email        *string
	PasswordHash string
	MFASecret    *string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// NewAccount creates an Account with a fresh ID and timestamps.
// The password must already be hashed; this constructor never sees plaintext.
func NewAccount(username string, email *string, passwordHash string) *Account {
	now := time.Now().UTC()
	return &Account{
		ID:           ulid.Make(),
		Username:     username,
		Email:        email,
		PasswordHash: passwordHash,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

// HasMFA reports whether the account has a TOTP secret configured.
func (a *Account) HasMFA() bool {
	return a.MFASecret != nil && *a.MFASecret != ""
}
