package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"darkpool/pkg/types"
)

const keyColumns = `id, owner, address, secret, application, allowances,
	status, expires_at, token`

// CreateSessionKey inserts a PENDING session key.
func (s *Store) CreateSessionKey(ctx context.Context, k *types.SessionKey) error {
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO session_keys (id, owner, address, secret, application,
			allowances, status, expires_at, token)
		VALUES (:id, :owner, :address, :secret, :application,
			:allowances, :status, :expires_at, :token)`, k)
	if err != nil {
		return fmt.Errorf("insert session key: %w", err)
	}
	return nil
}

// ActivateSessionKey transitions a key to ACTIVE with its bearer token,
// revoking any previous ACTIVE key for the same (owner, application) in the
// same transaction so the one-active invariant holds at every instant.
func (s *Store) ActivateSessionKey(ctx context.Context, id uuid.UUID, token string) error {
	return s.inTx(ctx, func(tx *sqlx.Tx) error {
		var k types.SessionKey
		err := tx.GetContext(ctx, &k,
			`SELECT `+keyColumns+` FROM session_keys WHERE id = $1`, id)
		if errors.Is(err, sql.ErrNoRows) {
			return types.ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("load session key: %w", err)
		}
		if k.Status != types.KeyPending {
			return types.ErrConflict
		}

		if _, err := tx.ExecContext(ctx,
			`UPDATE session_keys SET status = $1
			 WHERE owner = $2 AND application = $3 AND status = $4`,
			types.KeyRevoked, k.Owner, k.Application, types.KeyActive); err != nil {
			return fmt.Errorf("revoke previous key: %w", err)
		}

		if _, err := tx.ExecContext(ctx,
			`UPDATE session_keys SET status = $1, token = $2 WHERE id = $3`,
			types.KeyActive, token, id); err != nil {
			return fmt.Errorf("activate session key: %w", err)
		}
		return nil
	})
}

// RevokeSessionKey marks a key REVOKED by its signing address.
func (s *Store) RevokeSessionKey(ctx context.Context, address string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE session_keys SET status = $1, token = ''
		 WHERE address = $2 AND status <> $1`,
		types.KeyRevoked, address)
	if err != nil {
		return fmt.Errorf("revoke session key: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("revoke session key rows: %w", err)
	}
	if n == 0 {
		return types.ErrNotFound
	}
	return nil
}

// ActiveSessionKey returns the single ACTIVE, unexpired key for
// (owner, application), or ErrUnauthenticated.
func (s *Store) ActiveSessionKey(ctx context.Context, owner, application string) (*types.SessionKey, error) {
	var k types.SessionKey
	err := s.db.GetContext(ctx, &k,
		`SELECT `+keyColumns+` FROM session_keys
		 WHERE owner = $1 AND application = $2 AND status = $3 AND expires_at > $4`,
		owner, application, types.KeyActive, time.Now().UTC())
	if errors.Is(err, sql.ErrNoRows) {
		return nil, types.ErrUnauthenticated
	}
	if err != nil {
		return nil, fmt.Errorf("active session key: %w", err)
	}
	return &k, nil
}

// UpdateSessionToken refreshes the cached bearer token after a re-auth.
func (s *Store) UpdateSessionToken(ctx context.Context, id uuid.UUID, token string) error {
	if _, err := s.db.ExecContext(ctx,
		`UPDATE session_keys SET token = $1 WHERE id = $2`, token, id); err != nil {
		return fmt.Errorf("update session token: %w", err)
	}
	return nil
}
