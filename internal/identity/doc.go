// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Stakehouse Contributors

// Package identity provides the domain types and pure credential logic for
// the Stakehouse identity core.
//
// # Domain Types
//
//   - Account - a registered user with a hashed password and optional TOTP
//     secret
//   - Session - an issued session token; one-time tokens are sessions with
//     the one-time flag set and no forward expiry
//
// # Credential Primitives
//
//   - PasswordHasher / Argon2idHasher - salted, slow password hashing in PHC
//     string format
//   - VerifyTOTP / TOTPCode - RFC 6238 time-based one-time passwords over a
//     base32 shared secret
//
// Persistence lives in the identity/postgres subpackage. Callers branch on
// the sentinel errors in errors.go; everything else is an infrastructure
// failure.
package identity
