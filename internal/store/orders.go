package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"

	"darkpool/pkg/types"
)

const orderColumns = `id, order_id, owner, chain_id, side, base_token, quote_token,
	sell_token, buy_token, quantity, price, variance_bps, min_price, max_price,
	filled_qty, remaining_qty, status, commitment, created_at, expires_at`

// CreateOrder inserts a new COMMITTED order row.
func (s *Store) CreateOrder(ctx context.Context, o *types.Order) error {
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO orders (id, order_id, owner, chain_id, side, base_token,
			quote_token, sell_token, buy_token, quantity, price, variance_bps,
			min_price, max_price, filled_qty, remaining_qty, status, commitment,
			created_at, expires_at)
		VALUES (:id, :order_id, :owner, :chain_id, :side, :base_token,
			:quote_token, :sell_token, :buy_token, :quantity, :price, :variance_bps,
			:min_price, :max_price, :filled_qty, :remaining_qty, :status, :commitment,
			:created_at, :expires_at)`, o)
	if err != nil {
		return fmt.Errorf("insert order: %w", err)
	}
	return nil
}

// GetOrder fetches one order by durable id.
func (s *Store) GetOrder(ctx context.Context, id uuid.UUID) (*types.Order, error) {
	var o types.Order
	err := s.db.GetContext(ctx, &o,
		`SELECT `+orderColumns+` FROM orders WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, types.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get order: %w", err)
	}
	return &o, nil
}

// GetOrderByPublicID fetches one order by its public commitment key.
func (s *Store) GetOrderByPublicID(ctx context.Context, orderID string) (*types.Order, error) {
	var o types.Order
	err := s.db.GetContext(ctx, &o,
		`SELECT `+orderColumns+` FROM orders WHERE order_id = $1`, orderID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, types.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get order by public id: %w", err)
	}
	return &o, nil
}

// MarkRevealed transitions COMMITTED → REVEALED at admission. Returns
// ErrConflict if the order is not in COMMITTED (already admitted, or
// terminal).
func (s *Store) MarkRevealed(ctx context.Context, id uuid.UUID) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE orders SET status = $1 WHERE id = $2 AND status = $3`,
		types.OrderRevealed, id, types.OrderCommitted)
	if err != nil {
		return fmt.Errorf("mark revealed: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("mark revealed rows: %w", err)
	}
	if n == 0 {
		return types.ErrConflict
	}
	return nil
}

// MarkExpired transitions an active or committed order to EXPIRED.
func (s *Store) MarkExpired(ctx context.Context, id uuid.UUID) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE orders SET status = $1
		 WHERE id = $2 AND status IN ($3, $4, $5)`,
		types.OrderExpired, id,
		types.OrderCommitted, types.OrderRevealed, types.OrderPartiallyFilled)
	if err != nil {
		return fmt.Errorf("mark expired: %w", err)
	}
	return nil
}

// CancelOrder conditionally cancels an order owned by owner. The UPDATE only
// touches active rows; on zero rows affected the current row is re-read to
// distinguish ErrNotFound, ErrNotOwner and ErrOrderTerminal.
func (s *Store) CancelOrder(ctx context.Context, id uuid.UUID, owner string) (*types.Order, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE orders SET status = $1
		 WHERE id = $2 AND owner = $3 AND status IN ($4, $5)`,
		types.OrderCancelled, id, owner,
		types.OrderRevealed, types.OrderPartiallyFilled)
	if err != nil {
		return nil, fmt.Errorf("cancel order: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("cancel order rows: %w", err)
	}
	if n == 0 {
		o, err := s.GetOrder(ctx, id)
		if err != nil {
			return nil, err
		}
		if o.Owner != owner {
			return nil, types.ErrNotOwner
		}
		return nil, types.ErrOrderTerminal
	}
	return s.GetOrder(ctx, id)
}

// ActiveOrders returns every REVEALED or PARTIALLY_FILLED order, oldest
// first. Used to rebuild the in-memory books on startup.
func (s *Store) ActiveOrders(ctx context.Context) ([]types.Order, error) {
	var out []types.Order
	err := s.db.SelectContext(ctx, &out,
		`SELECT `+orderColumns+` FROM orders
		 WHERE status IN ($1, $2) ORDER BY created_at ASC`,
		types.OrderRevealed, types.OrderPartiallyFilled)
	if err != nil {
		return nil, fmt.Errorf("active orders: %w", err)
	}
	return out, nil
}

// Candidates returns price-compatible opposing orders for an incoming order,
// best price first, oldest first on ties, capped at limit. The store — not
// the in-memory book — is consulted so a late-joining worker sees the
// canonical set. Expired rows are excluded here and reaped by the caller.
func (s *Store) Candidates(ctx context.Context, incoming *types.Order, limit int) ([]types.Order, error) {
	var (
		out []types.Order
		err error
	)
	if incoming.Side == types.BUY {
		// Sells whose floor is within the buyer's ceiling; cheapest first.
		err = s.db.SelectContext(ctx, &out,
			`SELECT `+orderColumns+` FROM orders
			 WHERE base_token = $1 AND quote_token = $2 AND side = $3
			   AND status IN ($4, $5) AND min_price <= $6 AND owner <> $7
			 ORDER BY min_price ASC, created_at ASC, id ASC
			 LIMIT $8`,
			incoming.BaseToken, incoming.QuoteToken, types.SELL,
			types.OrderRevealed, types.OrderPartiallyFilled,
			incoming.MaxPrice, incoming.Owner, limit)
	} else {
		// Buys whose ceiling reaches the seller's floor; highest first.
		err = s.db.SelectContext(ctx, &out,
			`SELECT `+orderColumns+` FROM orders
			 WHERE base_token = $1 AND quote_token = $2 AND side = $3
			   AND status IN ($4, $5) AND max_price >= $6 AND owner <> $7
			 ORDER BY max_price DESC, created_at ASC, id ASC
			 LIMIT $8`,
			incoming.BaseToken, incoming.QuoteToken, types.BUY,
			types.OrderRevealed, types.OrderPartiallyFilled,
			incoming.MinPrice, incoming.Owner, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("candidates: %w", err)
	}
	return out, nil
}

// ListOrdersByOwner returns the owner's orders, newest first.
func (s *Store) ListOrdersByOwner(ctx context.Context, owner string, limit int) ([]types.Order, error) {
	var out []types.Order
	err := s.db.SelectContext(ctx, &out,
		`SELECT `+orderColumns+` FROM orders
		 WHERE owner = $1 ORDER BY created_at DESC LIMIT $2`, owner, limit)
	if err != nil {
		return nil, fmt.Errorf("list orders: %w", err)
	}
	return out, nil
}

// FillResult is one order's post-transaction state, returned so the
// in-memory book can mirror exactly what was committed.
type FillResult struct {
	Filled    decimal.Decimal   `db:"filled_qty"`
	Remaining decimal.Decimal   `db:"remaining_qty"`
	Status    types.OrderStatus `db:"status"`
}

// applyFill adds qty to an order's fill inside tx. The update is relative
// (filled_qty + qty) and guarded by remaining_qty >= qty, so two workers
// racing over the same candidate serialize on the row lock and the loser
// fails cleanly with ErrConflict instead of writing a stale absolute value.
func applyFill(ctx context.Context, tx *sqlx.Tx, id uuid.UUID, qty decimal.Decimal) (*FillResult, error) {
	var r FillResult
	err := tx.QueryRowxContext(ctx,
		`UPDATE orders SET
			filled_qty = filled_qty + $1,
			remaining_qty = remaining_qty - $1,
			status = CASE WHEN remaining_qty - $1 = 0 THEN $2 ELSE $3 END
		 WHERE id = $4 AND status IN ($3, $5) AND remaining_qty >= $1
		 RETURNING filled_qty, remaining_qty, status`,
		qty, types.OrderFilled, types.OrderPartiallyFilled, id,
		types.OrderRevealed).StructScan(&r)
	if errors.Is(err, sql.ErrNoRows) {
		// Terminal, cancelled, or insufficient remaining: abort so the match
		// row never exists without both fills applied.
		return nil, fmt.Errorf("order %s: %w", id, types.ErrConflict)
	}
	if err != nil {
		return nil, fmt.Errorf("update fill %s: %w", id, err)
	}
	return &r, nil
}

// CreateMatchTx persists one match atomically with both orders' fill
// updates. Either all three writes commit or none do. The returned results
// are the buyer's and seller's committed post-states.
func (s *Store) CreateMatchTx(ctx context.Context, m *types.Match) (buy, sell *FillResult, err error) {
	err = s.inTx(ctx, func(tx *sqlx.Tx) error {
		if _, err := tx.NamedExecContext(ctx, `
			INSERT INTO matches (id, buy_order_id, sell_order_id, base_token,
				quote_token, quantity, price, settle_status, matched_at)
			VALUES (:id, :buy_order_id, :sell_order_id, :base_token,
				:quote_token, :quantity, :price, :settle_status, :matched_at)`, m); err != nil {
			return fmt.Errorf("insert match: %w", err)
		}
		var txErr error
		if buy, txErr = applyFill(ctx, tx, m.BuyOrderID, m.Quantity); txErr != nil {
			return txErr
		}
		if sell, txErr = applyFill(ctx, tx, m.SellOrderID, m.Quantity); txErr != nil {
			return txErr
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return buy, sell, nil
}
