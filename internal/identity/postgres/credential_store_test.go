// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Stakehouse Contributors

package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/oklog/ulid/v2"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stakehouse/stakehouse/internal/identity"
	"github.com/stakehouse/stakehouse/internal/store"
)

// fastPolicy keeps retry backoff negligible in tests.
var fastPolicy = store.RetryPolicy{MaxAttempts: 3, BaseDelay: time.Microsecond}

var testNow = time.Date(2026, 8, 28, 12, 0, 0, 0, time.UTC)

// fakeHasher avoids paying argon2id cost in unit tests.
type fakeHasher struct {
	verifyOK     bool
	needsUpgrade bool
}

func (f *fakeHasher) Hash(password string) (string, error) {
	if password == "" {
		return "", identity.ErrEmptyPassword
	}
	return "hashed:" + password, nil
}

func (f *fakeHasher) Verify(_, _ string) (bool, error) { return f.verifyOK, nil }

func (f *fakeHasher) NeedsUpgrade(_ string) bool { return f.needsUpgrade }

var _ identity.PasswordHasher = (*fakeHasher)(nil)

func newTestCredentialStore(t *testing.T, hasher identity.PasswordHasher) (*CredentialStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err, "failed to create mock")
	t.Cleanup(mock.Close)

	s := NewCredentialStore(mock, fastPolicy, hasher, nil)
	s.now = func() time.Time { return testNow }
	return s, mock
}

func deadlockErr() *pgconn.PgError {
	return &pgconn.PgError{Code: pgerrcode.DeadlockDetected, Message: "deadlock detected"}
}

func uniqueViolationErr() *pgconn.PgError {
	return &pgconn.PgError{Code: pgerrcode.UniqueViolation, ConstraintName: "accounts_username_lower_idx"}
}

func countRows(n int) *pgxmock.Rows {
	return pgxmock.NewRows([]string{"count"}).AddRow(n)
}

func TestCredentialStore_CreateAccount(t *testing.T) {
	tests := []struct {
		name      string
		setupMock func(mock pgxmock.PgxPoolIface)
		wantErr   error
	}{
		{
			name: "creates account and first session in one transaction",
			setupMock: func(mock pgxmock.PgxPoolIface) {
				mock.ExpectBegin()
				mock.ExpectQuery(`SELECT COUNT\(\*\) FROM accounts`).
					WithArgs("alice").
					WillReturnRows(countRows(0))
				mock.ExpectExec(`INSERT INTO accounts`).
					WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
					WillReturnResult(pgxmock.NewResult("INSERT", 1))
				mock.ExpectExec(`INSERT INTO sessions`).
					WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
					WillReturnResult(pgxmock.NewResult("INSERT", 1))
				mock.ExpectCommit()
			},
		},
		{
			name: "username exists case-insensitively",
			setupMock: func(mock pgxmock.PgxPoolIface) {
				mock.ExpectBegin()
				mock.ExpectQuery(`SELECT COUNT\(\*\) FROM accounts`).
					WithArgs("alice").
					WillReturnRows(countRows(1))
				mock.ExpectRollback()
			},
			wantErr: identity.ErrUsernameTaken,
		},
		{
			name: "concurrent insert loses race to unique index",
			setupMock: func(mock pgxmock.PgxPoolIface) {
				mock.ExpectBegin()
				mock.ExpectQuery(`SELECT COUNT\(\*\) FROM accounts`).
					WithArgs("alice").
					WillReturnRows(countRows(0))
				mock.ExpectExec(`INSERT INTO accounts`).
					WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
					WillReturnError(uniqueViolationErr())
				mock.ExpectRollback()
			},
			wantErr: identity.ErrUsernameTaken,
		},
		{
			name: "commit deadlock re-runs the whole unit",
			setupMock: func(mock pgxmock.PgxPoolIface) {
				mock.ExpectBegin()
				mock.ExpectQuery(`SELECT COUNT\(\*\) FROM accounts`).
					WithArgs("alice").
					WillReturnRows(countRows(0))
				mock.ExpectExec(`INSERT INTO accounts`).
					WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
					WillReturnResult(pgxmock.NewResult("INSERT", 1))
				mock.ExpectExec(`INSERT INTO sessions`).
					WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
					WillReturnResult(pgxmock.NewResult("INSERT", 1))
				mock.ExpectCommit().WillReturnError(deadlockErr())
				mock.ExpectRollback()
				mock.ExpectBegin()
				mock.ExpectQuery(`SELECT COUNT\(\*\) FROM accounts`).
					WithArgs("alice").
					WillReturnRows(countRows(0))
				mock.ExpectExec(`INSERT INTO accounts`).
					WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
					WillReturnResult(pgxmock.NewResult("INSERT", 1))
				mock.ExpectExec(`INSERT INTO sessions`).
					WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
					WillReturnResult(pgxmock.NewResult("INSERT", 1))
				mock.ExpectCommit()
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, mock := newTestCredentialStore(t, &fakeHasher{verifyOK: true})
			tt.setupMock(mock)

			session, err := s.CreateAccount(context.Background(), "alice", "hunter22", nil, "203.0.113.7", "test-agent")

			if tt.wantErr != nil {
				require.Error(t, err)
				assert.ErrorIs(t, err, tt.wantErr)
			} else {
				require.NoError(t, err)
				require.NotNil(t, session)
				assert.Len(t, session.ID, identity.SessionTokenBytes*2, "token is hex-encoded")
				assert.False(t, session.OneTimeToken)
				require.NotNil(t, session.ExpiresAt)
				assert.Equal(t, testNow.Add(identity.SessionLifetime), *session.ExpiresAt)
				assert.True(t, session.IsActiveAt(testNow))
			}

			assert.NoError(t, mock.ExpectationsWereMet(), "unfulfilled expectations")
		})
	}
}

func TestCredentialStore_CreateAccount_EmptyCredentials(t *testing.T) {
	s, mock := newTestCredentialStore(t, &fakeHasher{})

	_, err := s.CreateAccount(context.Background(), "", "pw", nil, "", "")
	require.Error(t, err)

	_, err = s.CreateAccount(context.Background(), "alice", "", nil, "", "")
	require.Error(t, err)

	assert.NoError(t, mock.ExpectationsWereMet(), "no statements should be issued")
}

func TestCredentialStore_ChangePassword(t *testing.T) {
	accountID := ulid.Make()

	t.Run("updates exactly one row", func(t *testing.T) {
		s, mock := newTestCredentialStore(t, &fakeHasher{})
		mock.ExpectExec(`UPDATE accounts SET password_hash`).
			WithArgs(accountID.String(), "hashed:newpw", testNow).
			WillReturnResult(pgxmock.NewResult("UPDATE", 1))

		require.NoError(t, s.ChangePassword(context.Background(), accountID, "newpw"))
		assert.NoError(t, mock.ExpectationsWereMet(), "unfulfilled expectations")
	})

	t.Run("missing account is a contract violation", func(t *testing.T) {
		s, mock := newTestCredentialStore(t, &fakeHasher{})
		mock.ExpectExec(`UPDATE accounts SET password_hash`).
			WithArgs(accountID.String(), "hashed:newpw", testNow).
			WillReturnResult(pgxmock.NewResult("UPDATE", 0))

		err := s.ChangePassword(context.Background(), accountID, "newpw")
		assert.ErrorIs(t, err, identity.ErrNotFound)
		assert.NoError(t, mock.ExpectationsWereMet(), "unfulfilled expectations")
	})
}

func TestCredentialStore_UpdateEmail(t *testing.T) {
	accountID := ulid.Make()
	email := "alice@example.com"

	t.Run("sets email", func(t *testing.T) {
		s, mock := newTestCredentialStore(t, &fakeHasher{})
		mock.ExpectExec(`UPDATE accounts SET email`).
			WithArgs(accountID.String(), &email, testNow).
			WillReturnResult(pgxmock.NewResult("UPDATE", 1))

		require.NoError(t, s.UpdateEmail(context.Background(), accountID, &email))
		assert.NoError(t, mock.ExpectationsWereMet(), "unfulfilled expectations")
	})

	t.Run("clears email", func(t *testing.T) {
		s, mock := newTestCredentialStore(t, &fakeHasher{})
		mock.ExpectExec(`UPDATE accounts SET email`).
			WithArgs(accountID.String(), (*string)(nil), testNow).
			WillReturnResult(pgxmock.NewResult("UPDATE", 1))

		require.NoError(t, s.UpdateEmail(context.Background(), accountID, nil))
		assert.NoError(t, mock.ExpectationsWereMet(), "unfulfilled expectations")
	})

	t.Run("missing account", func(t *testing.T) {
		s, mock := newTestCredentialStore(t, &fakeHasher{})
		mock.ExpectExec(`UPDATE accounts SET email`).
			WithArgs(accountID.String(), &email, testNow).
			WillReturnResult(pgxmock.NewResult("UPDATE", 0))

		err := s.UpdateEmail(context.Background(), accountID, &email)
		assert.ErrorIs(t, err, identity.ErrNotFound)
		assert.NoError(t, mock.ExpectationsWereMet(), "unfulfilled expectations")
	})
}

func TestCredentialStore_UpdateMFASecret(t *testing.T) {
	accountID := ulid.Make()
	secret := "GEZDGNBVGY3TQOJQGEZDGNBVGY3TQOJQ"

	s, mock := newTestCredentialStore(t, &fakeHasher{})
	mock.ExpectExec(`UPDATE accounts SET mfa_secret`).
		WithArgs(accountID.String(), &secret, testNow).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	require.NoError(t, s.UpdateMFASecret(context.Background(), accountID, &secret))
	assert.NoError(t, mock.ExpectationsWereMet(), "unfulfilled expectations")
}

func TestCredentialStore_ValidateCredentials(t *testing.T) {
	accountID := ulid.Make()
	// RFC 6238 test vector secret, base32 of "12345678901234567890".
	mfaSecret := "GEZDGNBVGY3TQOJQGEZDGNBVGY3TQOJQ"
	validOTP, err := identity.TOTPCode(mfaSecret, testNow)
	require.NoError(t, err)

	accountRow := func(secret *string) *pgxmock.Rows {
		return pgxmock.NewRows([]string{"id", "password_hash", "mfa_secret"}).
			AddRow(accountID.String(), "$argon2id$stored", secret)
	}

	tests := []struct {
		name      string
		hasher    *fakeHasher
		otp       string
		setupMock func(mock pgxmock.PgxPoolIface)
		wantErr   error
	}{
		{
			name:   "valid password without MFA",
			hasher: &fakeHasher{verifyOK: true},
			setupMock: func(mock pgxmock.PgxPoolIface) {
				mock.ExpectQuery(`SELECT id, password_hash, mfa_secret FROM accounts`).
					WithArgs("alice").
					WillReturnRows(accountRow(nil))
			},
		},
		{
			name:   "unknown username",
			hasher: &fakeHasher{verifyOK: true},
			setupMock: func(mock pgxmock.PgxPoolIface) {
				mock.ExpectQuery(`SELECT id, password_hash, mfa_secret FROM accounts`).
					WithArgs("alice").
					WillReturnError(pgx.ErrNoRows)
			},
			wantErr: identity.ErrNoUser,
		},
		{
			name:   "wrong password",
			hasher: &fakeHasher{verifyOK: false},
			setupMock: func(mock pgxmock.PgxPoolIface) {
				mock.ExpectQuery(`SELECT id, password_hash, mfa_secret FROM accounts`).
					WithArgs("alice").
					WillReturnRows(accountRow(nil))
			},
			wantErr: identity.ErrWrongPassword,
		},
		{
			name:   "MFA configured but no code supplied",
			hasher: &fakeHasher{verifyOK: true},
			setupMock: func(mock pgxmock.PgxPoolIface) {
				mock.ExpectQuery(`SELECT id, password_hash, mfa_secret FROM accounts`).
					WithArgs("alice").
					WillReturnRows(accountRow(&mfaSecret))
			},
			wantErr: identity.ErrInvalidOTP,
		},
		{
			name:   "MFA configured and code malformed",
			hasher: &fakeHasher{verifyOK: true},
			otp:    "12345",
			setupMock: func(mock pgxmock.PgxPoolIface) {
				mock.ExpectQuery(`SELECT id, password_hash, mfa_secret FROM accounts`).
					WithArgs("alice").
					WillReturnRows(accountRow(&mfaSecret))
			},
			wantErr: identity.ErrInvalidOTP,
		},
		{
			name:   "MFA configured and code matches",
			hasher: &fakeHasher{verifyOK: true},
			otp:    validOTP,
			setupMock: func(mock pgxmock.PgxPoolIface) {
				mock.ExpectQuery(`SELECT id, password_hash, mfa_secret FROM accounts`).
					WithArgs("alice").
					WillReturnRows(accountRow(&mfaSecret))
			},
		},
		{
			name:   "legacy hash rehashed after successful validation",
			hasher: &fakeHasher{verifyOK: true, needsUpgrade: true},
			setupMock: func(mock pgxmock.PgxPoolIface) {
				mock.ExpectQuery(`SELECT id, password_hash, mfa_secret FROM accounts`).
					WithArgs("alice").
					WillReturnRows(accountRow(nil))
				mock.ExpectExec(`UPDATE accounts SET password_hash`).
					WithArgs(accountID.String(), "hashed:hunter22", testNow).
					WillReturnResult(pgxmock.NewResult("UPDATE", 1))
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, mock := newTestCredentialStore(t, tt.hasher)
			tt.setupMock(mock)

			got, err := s.ValidateCredentials(context.Background(), "alice", "hunter22", tt.otp)

			if tt.wantErr != nil {
				require.Error(t, err)
				assert.ErrorIs(t, err, tt.wantErr)
			} else {
				require.NoError(t, err)
				assert.Equal(t, accountID, got)
			}

			assert.NoError(t, mock.ExpectationsWereMet(), "unfulfilled expectations")
		})
	}
}

func TestCredentialStore_ValidateCredentials_LookupErrorIsNotASentinel(t *testing.T) {
	s, mock := newTestCredentialStore(t, &fakeHasher{verifyOK: true})
	mock.ExpectQuery(`SELECT id, password_hash, mfa_secret FROM accounts`).
		WithArgs("alice").
		WillReturnError(errors.New("connection refused"))

	_, err := s.ValidateCredentials(context.Background(), "alice", "hunter22", "")

	require.Error(t, err)
	assert.NotErrorIs(t, err, identity.ErrNoUser)
	assert.NotErrorIs(t, err, identity.ErrWrongPassword)
	assert.NoError(t, mock.ExpectationsWereMet(), "unfulfilled expectations")
}
