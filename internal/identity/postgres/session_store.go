// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Stakehouse Contributors

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

// SessionStore owns session and one-time token lifecycle.
type SessionStore struct {
	tx   *store.TxRunner
	exec *store.Executor
	log  *slog.Logger

	// now is a seam for tests; defaults to time.Now.
	now func() time.Time
}

// NewSessionStore creates a SessionStore over the given pool.
func NewSessionStore(pool store.PgxPool, policy store.RetryPolicy, log *slog.Logger) *SessionStore {
	if log == nil {
		log = slog.Default()
	}
	return &SessionStore{
		tx:   store.NewTxRunner(pool, policy, log),
		exec: store.NewExecutor(pool, policy, log),
		log:  log,
		now:  time.Now,
	}
}

// insertSession writes a fresh session row inside tx and returns the
// resulting Session. Shared with CredentialStore.CreateAccount, which
// issues the first session in the same transaction as the account insert.
func insertSession(ctx context.Context, tx pgx.Tx, accountID ulid.ULID, ip, userAgent string, remember bool, now time.Time) (*identity.Session, error) {
	token, err := identity.NewSessionToken()
	if err != nil {
		return nil, oops.Code("SESSION_CREATE_FAILED").With("operation", "generate token").Wrap(err)
	}

	expiresAt := identity.SessionExpiry(now, remember)
	session := &identity.Session{
		ID:        token,
		AccountID: accountID,
		IPAddress: ip,
		UserAgent: userAgent,
		ExpiresAt: &expiresAt,
		CreatedAt: now,
	}

	if _, err := tx.Exec(ctx, `
		INSERT INTO sessions (id, account_id, ip_address, user_agent, expires_at, one_time_token, created_at)
		VALUES ($1, $2, $3, $4, $5, false, $6)
	`,
		session.ID,
		session.AccountID.String(),
		session.IPAddress,
		session.UserAgent,
		session.ExpiresAt,
		session.CreatedAt,
	); err != nil {
		return nil, oops.Code("SESSION_CREATE_FAILED").
			With("operation", "insert session").
			With("account_id", accountID.String()).
			Wrap(err)
	}
	return session, nil
}

// CreateSession issues a new session for the account. With remember set the
// session lasts ten years, otherwise three weeks from now. The expiry is
// fixed per call; changing defaults later never shifts sessions already
// issued.
func (s *SessionStore) CreateSession(ctx context.Context, accountID ulid.ULID, ip, userAgent string, remember bool) (*identity.Session, error) {
	var session *identity.Session
	err := s.tx.InTx(ctx, func(ctx context.Context, tx pgx.Tx) error {
		sess, err := insertSession(ctx, tx, accountID, ip, userAgent, remember, s.now())
		if err != nil {
			return err
		}
		session = sess
		return nil
	})
	if err != nil {
		return nil, err
	}

	kind := "normal"
	if remember {
		kind = "remember"
	}
	observability.RecordSessionIssued(kind)
	return session, nil
}

// CreateOneTimeToken issues a single-use token for the account. The row
// carries no expiry; it stays redeemable until ConsumeOneTimeToken marks
// it spent.
func (s *SessionStore) CreateOneTimeToken(ctx context.Context, accountID ulid.ULID, ip, userAgent string) (*identity.Session, error) {
	token, err := identity.NewSessionToken()
	if err != nil {
		return nil, oops.Code("SESSION_CREATE_FAILED").With("operation", "generate token").Wrap(err)
	}

	session := &identity.Session{
		ID:           token,
		AccountID:    accountID,
		IPAddress:    ip,
		UserAgent:    userAgent,
		OneTimeToken: true,
		CreatedAt:    s.now(),
	}

	if _, err := s.exec.Exec(ctx, `
		INSERT INTO sessions (id, account_id, ip_address, user_agent, expires_at, one_time_token, created_at)
		VALUES ($1, $2, $3, $4, NULL, true, $5)
	`,
		session.ID,
		session.AccountID.String(),
		session.IPAddress,
		session.UserAgent,
		session.CreatedAt,
	); err != nil {
		return nil, oops.Code("SESSION_CREATE_FAILED").
			With("operation", "insert one-time token").
			With("account_id", accountID.String()).
			Wrap(err)
	}

	observability.RecordSessionIssued("one_time")
	return session, nil
}

// ConsumeOneTimeToken redeems a one-time token, returning the account it
// belongs to. The UPDATE both checks and spends the token in one statement,
// so concurrent redemptions of the same token see exactly one winner.
// Returns identity.ErrNotFound for unknown or already-spent tokens.
func (s *SessionStore) ConsumeOneTimeToken(ctx context.Context, token string) (ulid.ULID, error) {
	var idStr string
	err := s.exec.ScanRow(ctx, `
		UPDATE sessions SET expires_at = now()
		WHERE id = $1 AND one_time_token AND (expires_at IS NULL OR expires_at > now())
		RETURNING account_id
	`, []any{token}, &idStr)
	if errors.Is(err, pgx.ErrNoRows) {
		return ulid.ULID{}, identity.ErrNotFound
	}
	if err != nil {
		return ulid.ULID{}, oops.Code("TOKEN_CONSUME_FAILED").Wrap(err)
	}

	accountID, err := ulid.Parse(idStr)
	if err != nil {
		return ulid.ULID{}, oops.Code("ACCOUNT_INVALID_ID").With("id", idStr).Wrap(err)
	}
	return accountID, nil
}

// ExpireAllSessions expires every active session belonging to the account
// and reports how many were expired. Already-expired sessions are left
// alone, so the call is idempotent: a second run affects zero rows and is
// not an error.
func (s *SessionStore) ExpireAllSessions(ctx context.Context, accountID ulid.ULID) (int64, error) {
	tag, err := s.exec.Exec(ctx, `
		UPDATE sessions SET expires_at = now()
		WHERE account_id = $1 AND (expires_at IS NULL OR expires_at > now())
	`, accountID.String())
	if err != nil {
		return 0, oops.Code("SESSION_EXPIRE_FAILED").
			With("account_id", accountID.String()).
			Wrap(err)
	}

	expired := tag.RowsAffected()
	if expired > 0 {
		s.log.InfoContext(ctx, "expired sessions", "account_id", accountID.String(), "count", expired)
	}
	return expired, nil
}
