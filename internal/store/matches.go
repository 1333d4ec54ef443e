package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"darkpool/pkg/types"
)

const matchColumns = `id, buy_order_id, sell_order_id, base_token, quote_token,
	quantity, price, settle_status, settle_error, tx_hash, app_session_id,
	matched_at, settled_at`

// GetMatch fetches one match by id.
func (s *Store) GetMatch(ctx context.Context, id uuid.UUID) (*types.Match, error) {
	var m types.Match
	err := s.db.GetContext(ctx, &m,
		`SELECT `+matchColumns+` FROM matches WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, types.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get match: %w", err)
	}
	return &m, nil
}

// PendingMatches returns up to limit PENDING matches, oldest first.
func (s *Store) PendingMatches(ctx context.Context, limit int) ([]types.Match, error) {
	var out []types.Match
	err := s.db.SelectContext(ctx, &out,
		`SELECT `+matchColumns+` FROM matches
		 WHERE settle_status = $1 ORDER BY matched_at ASC LIMIT $2`,
		types.SettlePending, limit)
	if err != nil {
		return nil, fmt.Errorf("pending matches: %w", err)
	}
	return out, nil
}

// ClaimMatch attempts the PENDING → SETTLING transition. The conditional
// UPDATE is the claim arbiter: zero rows affected means another worker won
// the race (or the match already finished) and the caller must skip it.
func (s *Store) ClaimMatch(ctx context.Context, id uuid.UUID) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE matches SET settle_status = $1
		 WHERE id = $2 AND settle_status = $3`,
		types.SettleSettling, id, types.SettlePending)
	if err != nil {
		return false, fmt.Errorf("claim match: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("claim match rows: %w", err)
	}
	return n == 1, nil
}

// SetMatchTxHash records the on-chain settlement transaction hash.
func (s *Store) SetMatchTxHash(ctx context.Context, id uuid.UUID, txHash string) error {
	if _, err := s.db.ExecContext(ctx,
		`UPDATE matches SET tx_hash = $1 WHERE id = $2`, txHash, id); err != nil {
		return fmt.Errorf("set tx hash: %w", err)
	}
	return nil
}

// SetMatchAppSession records the off-chain application session id.
func (s *Store) SetMatchAppSession(ctx context.Context, id uuid.UUID, sessionID string) error {
	if _, err := s.db.ExecContext(ctx,
		`UPDATE matches SET app_session_id = $1 WHERE id = $2`, sessionID, id); err != nil {
		return fmt.Errorf("set app session: %w", err)
	}
	return nil
}

// MarkMatchSettled finalizes a claimed match: SETTLING → SETTLED.
func (s *Store) MarkMatchSettled(ctx context.Context, id uuid.UUID, settledAt time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE matches SET settle_status = $1, settle_error = NULL, settled_at = $2
		 WHERE id = $3 AND settle_status = $4`,
		types.SettleSettled, settledAt, id, types.SettleSettling)
	if err != nil {
		return fmt.Errorf("mark settled: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("mark settled rows: %w", err)
	}
	if n == 0 {
		return types.ErrConflict
	}
	return nil
}

// MarkMatchFailed records a settlement failure with its error text.
func (s *Store) MarkMatchFailed(ctx context.Context, id uuid.UUID, cause string) error {
	if _, err := s.db.ExecContext(ctx,
		`UPDATE matches SET settle_status = $1, settle_error = $2
		 WHERE id = $3 AND settle_status = $4`,
		types.SettleFailed, cause, id, types.SettleSettling); err != nil {
		return fmt.Errorf("mark failed: %w", err)
	}
	return nil
}

// ResetMatch is the operator path back from FAILED to PENDING. Retrying is
// never automatic; the claim UPDATE keeps the retry race-safe.
func (s *Store) ResetMatch(ctx context.Context, id uuid.UUID) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE matches SET settle_status = $1, settle_error = NULL
		 WHERE id = $2 AND settle_status = $3`,
		types.SettlePending, id, types.SettleFailed)
	if err != nil {
		return fmt.Errorf("reset match: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("reset match rows: %w", err)
	}
	if n == 0 {
		return types.ErrConflict
	}
	return nil
}

// ListMatchesByOwner returns matches where the owner is on either side,
// newest first.
func (s *Store) ListMatchesByOwner(ctx context.Context, owner string, limit int) ([]types.Match, error) {
	var out []types.Match
	err := s.db.SelectContext(ctx, &out,
		`SELECT m.id, m.buy_order_id, m.sell_order_id, m.base_token,
			m.quote_token, m.quantity, m.price, m.settle_status, m.settle_error,
			m.tx_hash, m.app_session_id, m.matched_at, m.settled_at
		 FROM matches m
		 JOIN orders b ON b.id = m.buy_order_id
		 JOIN orders sl ON sl.id = m.sell_order_id
		 WHERE b.owner = $1 OR sl.owner = $1
		 ORDER BY m.matched_at DESC LIMIT $2`, owner, limit)
	if err != nil {
		return nil, fmt.Errorf("list matches: %w", err)
	}
	return out, nil
}
