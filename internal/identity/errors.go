// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Stakehouse Contributors

package identity

import "errors"

// Domain sentinel errors. Callers branch on these with errors.Is; anything
// else coming out of the stores is an infrastructure failure.
var (
	// ErrUsernameTaken is returned when registering a username that already
	// exists (case-insensitively).
	ErrUsernameTaken = errors.New("username taken")

	// ErrNoUser is returned when no account matches the given username.
	ErrNoUser = errors.New("no such user")

	// ErrWrongPassword is returned when the password does not match the
	// stored hash.
	ErrWrongPassword = errors.New("wrong password")

	// ErrInvalidOTP is returned when an account has MFA configured and the
	// supplied one-time password is missing or does not match.
	ErrInvalidOTP = errors.New("invalid one-time password")

	// ErrNotFound is returned when a requested entity does not exist.
	ErrNotFound = errors.New("not found")
)
