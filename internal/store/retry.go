// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Stakehouse Contributors

package store

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/samber/oops"
	"github.com/sethvargo/go-retry"

	"github.com/stakehouse/stakehouse/internal/observability"
)

// Default retry policy values, used when a RetryPolicy field is zero.
const (
	DefaultMaxAttempts = 5
	DefaultBaseDelay   = 5 * time.Millisecond
)

// RetryPolicy bounds the retry loop for deadlocked statements and
// transactions. MaxAttempts counts the first try; BaseDelay seeds a
// fibonacci backoff between attempts. A zero value gets defaults - there is
// deliberately no way to configure unbounded retry.
type RetryPolicy struct {
	MaxAttempts uint64
	BaseDelay   time.Duration
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	if p.MaxAttempts == 0 {
		p.MaxAttempts = DefaultMaxAttempts
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = DefaultBaseDelay
	}
	return p
}

func (p RetryPolicy) backoff() retry.Backoff {
	p = p.withDefaults()
	return retry.WithMaxRetries(p.MaxAttempts-1, retry.NewFibonacci(p.BaseDelay))
}

// IsRetryable reports whether err is a transient transaction failure: a
// deadlock (40P01) or serialization failure (40001). The conventional
// recovery for both is to re-run the whole transaction.
func IsRetryable(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	return pgErr.Code == pgerrcode.DeadlockDetected || pgErr.Code == pgerrcode.SerializationFailure
}

// IsUniqueViolation reports whether err is a unique-constraint violation
// (23505).
func IsUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation
}

// Executor runs single statements against the pool, re-issuing any that fail
// with a deadlock-class error. Other errors pass through unchanged. The
// pooled connection is leased and released by pgx once per issue, on every
// exit path.
type Executor struct {
	pool   PgxPool
	policy RetryPolicy
	log    *slog.Logger
}

// NewExecutor creates an Executor over the given pool.
func NewExecutor(pool PgxPool, policy RetryPolicy, log *slog.Logger) *Executor {
	if log == nil {
		log = slog.Default()
	}
	return &Executor{pool: pool, policy: policy, log: log}
}

// Exec runs a statement with bound parameters, retrying deadlocks.
func (e *Executor) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	var tag pgconn.CommandTag
	err := e.do(ctx, "exec", func(ctx context.Context) error {
		var err error
		tag, err = e.pool.Exec(ctx, sql, args...)
		return err
	})
	return tag, err
}

// ScanRow runs a query expected to yield one row and scans it into dest,
// retrying deadlocks. pgx.ErrNoRows passes through for the caller to map.
func (e *Executor) ScanRow(ctx context.Context, sql string, args []any, dest ...any) error {
	return e.do(ctx, "query row", func(ctx context.Context) error {
		return e.pool.QueryRow(ctx, sql, args...).Scan(dest...)
	})
}

func (e *Executor) do(ctx context.Context, op string, fn func(context.Context) error) error {
	attempt := 0
	//nolint:wrapcheck // statement errors pass through unchanged for classification
	return retry.Do(ctx, e.policy.backoff(), func(ctx context.Context) error {
		attempt++
		err := fn(ctx)
		if err == nil || errors.Is(err, pgx.ErrNoRows) || !IsRetryable(err) {
			return err
		}
		e.log.WarnContext(ctx, "retrying deadlocked statement",
			"operation", op,
			"attempt", attempt)
		observability.RecordDeadlockRetry(op)
		return retry.RetryableError(err)
	})
}

// TxRunner runs units of work inside transactions.
//
// A unit receives the open transaction and must not commit, roll back, or
// begin nested transactions itself. On a deadlock-class failure at any stage
// - begin, inside the unit, or commit - the transaction is rolled back and
// the whole unit re-runs from a fresh Begin, so an aborted attempt never
// leaves visible effects. Any other failure rolls back and propagates the
// unit's error unchanged.
type TxRunner struct {
	pool   PgxPool
	policy RetryPolicy
	log    *slog.Logger
}

// NewTxRunner creates a TxRunner over the given pool.
func NewTxRunner(pool PgxPool, policy RetryPolicy, log *slog.Logger) *TxRunner {
	if log == nil {
		log = slog.Default()
	}
	return &TxRunner{pool: pool, policy: policy, log: log}
}

// InTx begins a transaction, calls fn, and commits. See the type comment for
// retry and rollback semantics.
func (r *TxRunner) InTx(ctx context.Context, fn func(ctx context.Context, tx pgx.Tx) error) error {
	attempt := 0
	//nolint:wrapcheck // unit errors propagate unchanged for sentinel matching
	return retry.Do(ctx, r.policy.backoff(), func(ctx context.Context) error {
		attempt++
		err := r.attempt(ctx, fn)
		if err == nil || !IsRetryable(err) {
			return err
		}
		r.log.WarnContext(ctx, "retrying deadlocked transaction", "attempt", attempt)
		observability.RecordDeadlockRetry("tx")
		return retry.RetryableError(err)
	})
}

func (r *TxRunner) attempt(ctx context.Context, fn func(ctx context.Context, tx pgx.Tx) error) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return oops.Code("TX_BEGIN_FAILED").Wrap(err)
	}
	// Rollback after commit is a no-op; this guarantees the connection is
	// released exactly once per attempt on every exit path.
	defer tx.Rollback(ctx) //nolint:errcheck

	if err := fn(ctx, tx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return oops.Code("TX_COMMIT_FAILED").Wrap(err)
	}
	return nil
}
