// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Stakehouse Contributors

// Package postgres implements the identity stores on PostgreSQL.
//
// All writes go through the store package's TxRunner or Executor, which
// absorb deadlock/serialization failures by re-running the statement or the
// whole transaction under a bounded retry policy. Nothing in this package
// touches raw connections.
package postgres

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"

	"github.com/stakehouse/stakehouse/internal/identity"
	"github.com/stakehouse/stakehouse/internal/observability"
	"github.com/stakehouse/stakehouse/internal/store"
)

// CredentialStore owns account creation and credential verification.
type CredentialStore struct {
	tx     *store.TxRunner
	exec   *store.Executor
	hasher identity.PasswordHasher
	log    *slog.Logger

	// now is a seam for tests; defaults to time.Now.
	now func() time.Time
}

// NewCredentialStore creates a CredentialStore over the given pool.
func NewCredentialStore(pool store.PgxPool, policy store.RetryPolicy, hasher identity.PasswordHasher, log *slog.Logger) *CredentialStore {
	if log == nil {
		log = slog.Default()
	}
	return &CredentialStore{
		tx:     store.NewTxRunner(pool, policy, log),
		exec:   store.NewExecutor(pool, policy, log),
		hasher: hasher,
		log:    log,
		now:    time.Now,
	}
}

// CreateAccount registers a new account and issues a normal (non-remember)
// session for it, all in one transaction. Returns identity.ErrUsernameTaken
// if the username exists case-insensitively; the unique index on
// lower(username) backstops the race between the existence check and the
// insert, so under concurrent registrations of one username exactly one
// call succeeds.
func (s *CredentialStore) CreateAccount(ctx context.Context, username, password string, email *string, ip, userAgent string) (*identity.Session, error) {
	if username == "" || password == "" {
		return nil, oops.Code("ACCOUNT_CREATE_FAILED").Errorf("username and password are required")
	}

	// Hashing is slow on purpose; keep it outside the transaction so a
	// retried attempt does not redo it.
	hash, err := s.hasher.Hash(password)
	if err != nil {
		return nil, oops.Code("ACCOUNT_CREATE_FAILED").With("operation", "hash password").Wrap(err)
	}

	var session *identity.Session
	err = s.tx.InTx(ctx, func(ctx context.Context, tx pgx.Tx) error {
		var count int
		if err := tx.QueryRow(ctx,
			`SELECT COUNT(*) FROM accounts WHERE lower(username) = lower($1)`,
			username,
		).Scan(&count); err != nil {
			return oops.Code("ACCOUNT_CREATE_FAILED").With("operation", "check username").Wrap(err)
		}
		if count > 0 {
			return identity.ErrUsernameTaken
		}

		account := identity.NewAccount(username, email, hash)
		if _, err := tx.Exec(ctx, `
			INSERT INTO accounts (id, username, email, password_hash, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6)
		`,
			account.ID.String(),
			account.Username,
			account.Email,
			account.PasswordHash,
			account.CreatedAt,
			account.UpdatedAt,
		); err != nil {
			// Lost the race between the existence check and the insert.
			if store.IsUniqueViolation(err) {
				return identity.ErrUsernameTaken
			}
			return oops.Code("ACCOUNT_CREATE_FAILED").
				With("operation", "insert account").
				With("username", username).
				Wrap(err)
		}

		sess, err := insertSession(ctx, tx, account.ID, ip, userAgent, false, s.now())
		if err != nil {
			return err
		}
		session = sess
		return nil
	})
	if err != nil {
		return nil, err
	}

	observability.RecordAccountCreated()
	observability.RecordSessionIssued("normal")
	s.log.InfoContext(ctx, "account created", "username", username, "account_id", session.AccountID.String())
	return session, nil
}

// ChangePassword re-hashes and overwrites the account's password.
// An account that does not exist is a caller contract violation, surfaced
// as a wrapped identity.ErrNotFound rather than a recoverable user error.
func (s *CredentialStore) ChangePassword(ctx context.Context, accountID ulid.ULID, newPassword string) error {
	hash, err := s.hasher.Hash(newPassword)
	if err != nil {
		return oops.Code("PASSWORD_CHANGE_FAILED").With("operation", "hash password").Wrap(err)
	}

	tag, err := s.exec.Exec(ctx,
		`UPDATE accounts SET password_hash = $2, updated_at = $3 WHERE id = $1`,
		accountID.String(), hash, s.now(),
	)
	if err != nil {
		return oops.Code("PASSWORD_CHANGE_FAILED").
			With("account_id", accountID.String()).
			Wrap(err)
	}
	if tag.RowsAffected() != 1 {
		return oops.Code("ACCOUNT_NOT_FOUND").
			With("account_id", accountID.String()).
			Wrap(identity.ErrNotFound)
	}
	return nil
}

// UpdateEmail overwrites the account's email address.
// Same single-row contract as ChangePassword.
func (s *CredentialStore) UpdateEmail(ctx context.Context, accountID ulid.ULID, email *string) error {
	tag, err := s.exec.Exec(ctx,
		`UPDATE accounts SET email = $2, updated_at = $3 WHERE id = $1`,
		accountID.String(), email, s.now(),
	)
	if err != nil {
		return oops.Code("EMAIL_UPDATE_FAILED").
			With("account_id", accountID.String()).
			Wrap(err)
	}
	if tag.RowsAffected() != 1 {
		return oops.Code("ACCOUNT_NOT_FOUND").
			With("account_id", accountID.String()).
			Wrap(identity.ErrNotFound)
	}
	return nil
}

// UpdateMFASecret sets or clears the account's TOTP shared secret.
// Same single-row contract as ChangePassword.
func (s *CredentialStore) UpdateMFASecret(ctx context.Context, accountID ulid.ULID, secret *string) error {
	tag, err := s.exec.Exec(ctx,
		`UPDATE accounts SET mfa_secret = $2, updated_at = $3 WHERE id = $1`,
		accountID.String(), secret, s.now(),
	)
	if err != nil {
		return oops.Code("MFA_UPDATE_FAILED").
			With("account_id", accountID.String()).
			Wrap(err)
	}
	if tag.RowsAffected() != 1 {
		return oops.Code("ACCOUNT_NOT_FOUND").
			With("account_id", accountID.String()).
			Wrap(identity.ErrNotFound)
	}
	return nil
}

// ValidateCredentials verifies a username, password, and optional one-time
// password. Returns the account ID on success, or one of the sentinels:
//
//   - identity.ErrNoUser - no account matches the username
//   - identity.ErrWrongPassword - the password does not match
//   - identity.ErrInvalidOTP - MFA is configured and the code is missing or
//     does not match the current TOTP window
//
// The three-way distinction leaks username existence at the error-kind
// level; callers presenting these to users should collapse them as their
// threat model requires.
func (s *CredentialStore) ValidateCredentials(ctx context.Context, username, password, otp string) (ulid.ULID, error) {
	var (
		idStr     string
		hash      string
		mfaSecret *string
	)
	err := s.exec.ScanRow(ctx,
		`SELECT id, password_hash, mfa_secret FROM accounts WHERE lower(username) = lower($1)`,
		[]any{username},
		&idStr, &hash, &mfaSecret,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		observability.RecordLoginFailure("no_user")
		return ulid.ULID{}, identity.ErrNoUser
	}
	if err != nil {
		return ulid.ULID{}, oops.Code("CREDENTIAL_LOOKUP_FAILED").
			With("operation", "get account by username").
			Wrap(err)
	}

	accountID, err := ulid.Parse(idStr)
	if err != nil {
		return ulid.ULID{}, oops.Code("ACCOUNT_INVALID_ID").With("id", idStr).Wrap(err)
	}

	ok, err := s.hasher.Verify(password, hash)
	if err != nil {
		return ulid.ULID{}, oops.Code("CREDENTIAL_VERIFY_FAILED").Wrap(err)
	}
	if !ok {
		observability.RecordLoginFailure("wrong_password")
		return ulid.ULID{}, identity.ErrWrongPassword
	}

	if mfaSecret != nil && *mfaSecret != "" {
		if otp == "" {
			observability.RecordLoginFailure("invalid_otp")
			return ulid.ULID{}, identity.ErrInvalidOTP
		}
		match, err := identity.VerifyTOTP(*mfaSecret, otp, s.now())
		if err != nil {
			return ulid.ULID{}, oops.Code("CREDENTIAL_VERIFY_FAILED").
				With("operation", "verify totp").
				Wrap(err)
		}
		if !match {
			observability.RecordLoginFailure("invalid_otp")
			return ulid.ULID{}, identity.ErrInvalidOTP
		}
	}

	// Re-hash under the current scheme if the stored hash predates it.
	// Best effort; validation succeeds regardless.
	if s.hasher.NeedsUpgrade(hash) {
		if newHash, hashErr := s.hasher.Hash(password); hashErr == nil {
			_, _ = s.exec.Exec(ctx, //nolint:errcheck // best effort
				`UPDATE accounts SET password_hash = $2, updated_at = $3 WHERE id = $1`,
				accountID.String(), newHash, s.now(),
			)
		}
	}

	return accountID, nil
}
