// Package types defines shared data structures used across all packages.
//
// This package is the common vocabulary for the dark pool — orders, matches,
// session keys, clearing-network assets and channels, and the event payloads
// emitted to downstream consumers. It has no dependencies on internal
// packages, so it can be imported by any layer.
package types

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// ————————————————————————————————————————————————————————————————————————
// Core enums
// ————————————————————————————————————————————————————————————————————————

// Side represents the direction of an order: BUY or SELL.
type Side string

const (
	BUY  Side = "BUY"
	SELL Side = "SELL"
)

// Opposite returns the crossing side.
func (s Side) Opposite() Side {
	if s == BUY {
		return SELL
	}
	return BUY
}

// OrderStatus enumerates the order lifecycle. An order is created COMMITTED
// after the user's on-chain commitment, becomes REVEALED when admitted to
// the book, and moves through fills to FILLED. CANCELLED and EXPIRED are
// terminal; so is FILLED.
type OrderStatus string

const (
	OrderCommitted       OrderStatus = "COMMITTED"
	OrderRevealed        OrderStatus = "REVEALED"
	OrderPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	OrderFilled          OrderStatus = "FILLED"
	OrderCancelled       OrderStatus = "CANCELLED"
	OrderExpired         OrderStatus = "EXPIRED"
)

// Terminal reports whether the status permits no further transitions.
func (s OrderStatus) Terminal() bool {
	switch s {
	case OrderFilled, OrderCancelled, OrderExpired:
		return true
	}
	return false
}

// Active reports whether the order may still rest on a book.
func (s OrderStatus) Active() bool {
	return s == OrderRevealed || s == OrderPartiallyFilled
}

// SettleStatus enumerates the settlement state machine for a match.
// Transitions are forward-only: PENDING → SETTLING → SETTLED | FAILED.
// FAILED may be manually reset to PENDING by an operator.
type SettleStatus string

const (
	SettlePending  SettleStatus = "PENDING"
	SettleSettling SettleStatus = "SETTLING"
	SettleSettled  SettleStatus = "SETTLED"
	SettleFailed   SettleStatus = "FAILED"
)

// KeyStatus enumerates the session-key lifecycle.
type KeyStatus string

const (
	KeyPending KeyStatus = "PENDING"
	KeyActive  KeyStatus = "ACTIVE"
	KeyRevoked KeyStatus = "REVOKED"
)

// EngineOwner is the distinguished session-key owner string for keys the
// engine delegates to itself (as opposed to user wallets).
const EngineOwner = "engine"

// ————————————————————————————————————————————————————————————————————————
// Orders
// ————————————————————————————————————————————————————————————————————————

// Order is a bid or ask to trade BaseToken against QuoteToken.
//
// ID is the durable identity; OrderID is the public identifier used as the
// commitment key on-chain (a decimal field element, masked to 253 bits).
// SellToken and BuyToken are derived once at admission from (base, quote,
// side) and never re-derived: a BUY sells quote and buys base, a SELL sells
// base and buys quote.
type Order struct {
	ID      uuid.UUID `db:"id" json:"id"`
	OrderID string    `db:"order_id" json:"order_id"`
	Owner   string    `db:"owner" json:"owner"`
	ChainID int64     `db:"chain_id" json:"chain_id"`
	Side    Side      `db:"side" json:"side"`

	BaseToken  string `db:"base_token" json:"base_token"`
	QuoteToken string `db:"quote_token" json:"quote_token"`
	SellToken  string `db:"sell_token" json:"sell_token"`
	BuyToken   string `db:"buy_token" json:"buy_token"`

	Quantity    decimal.Decimal `db:"quantity" json:"quantity"`
	Price       decimal.Decimal `db:"price" json:"price"`
	VarianceBps int32           `db:"variance_bps" json:"variance_bps"`
	MinPrice    decimal.Decimal `db:"min_price" json:"min_price"`
	MaxPrice    decimal.Decimal `db:"max_price" json:"max_price"`

	FilledQty    decimal.Decimal `db:"filled_qty" json:"filled_qty"`
	RemainingQty decimal.Decimal `db:"remaining_qty" json:"remaining_qty"`

	Status     OrderStatus `db:"status" json:"status"`
	Commitment string      `db:"commitment" json:"commitment"`
	CreatedAt  time.Time   `db:"created_at" json:"created_at"`
	ExpiresAt  time.Time   `db:"expires_at" json:"expires_at"`
}

// Pair returns the canonical book key, e.g. "WETH/USDC".
func (o *Order) Pair() string {
	return o.BaseToken + "/" + o.QuoteToken
}

// Expired reports whether the order's expiry has passed at t.
func (o *Order) Expired(t time.Time) bool {
	return !o.ExpiresAt.IsZero() && t.After(o.ExpiresAt)
}

// OrderDetail is the revealed detail tuple submitted at admission. Its
// Poseidon hash must equal the on-chain commitment stored under the same
// OrderID. The seven commitment inputs (owner, side, sellToken, buyToken,
// quantity, price, varianceBps) are derived from this struct by the prover
// client; the core treats the hash itself as opaque.
type OrderDetail struct {
	OrderID     string          `json:"order_id"`
	Owner       string          `json:"owner"`
	ChainID     int64           `json:"chain_id"`
	Side        Side            `json:"side"`
	BaseToken   string          `json:"base_token"`
	QuoteToken  string          `json:"quote_token"`
	Quantity    decimal.Decimal `json:"quantity"`
	Price       decimal.Decimal `json:"price"`
	VarianceBps int32           `json:"variance_bps"`
	ExpiresAt   time.Time       `json:"expires_at"`
}

// CancelRequest asks the engine to cancel one order. The owner must match
// the order row; cancellation of a partially-filled order is allowed and
// leaves settled fills untouched.
type CancelRequest struct {
	OrderID uuid.UUID `json:"order_id"`
	Owner   string    `json:"owner"`
}

// ————————————————————————————————————————————————————————————————————————
// Matches
// ————————————————————————————————————————————————————————————————————————

// Match is a single cross of one buy with one sell. Quantity is in base
// token; Price is the execution price (mean of the two declared prices,
// clamped into [sell.min_price, buy.max_price]).
type Match struct {
	ID          uuid.UUID `db:"id" json:"id"`
	BuyOrderID  uuid.UUID `db:"buy_order_id" json:"buy_order_id"`
	SellOrderID uuid.UUID `db:"sell_order_id" json:"sell_order_id"`

	BaseToken  string          `db:"base_token" json:"base_token"`
	QuoteToken string          `db:"quote_token" json:"quote_token"`
	Quantity   decimal.Decimal `db:"quantity" json:"quantity"`
	Price      decimal.Decimal `db:"price" json:"price"`

	SettleStatus SettleStatus `db:"settle_status" json:"settle_status"`
	SettleError  *string      `db:"settle_error" json:"settle_error,omitempty"`
	TxHash       *string      `db:"tx_hash" json:"tx_hash,omitempty"`
	AppSessionID *string      `db:"app_session_id" json:"app_session_id,omitempty"`

	MatchedAt time.Time  `db:"matched_at" json:"matched_at"`
	SettledAt *time.Time `db:"settled_at" json:"settled_at,omitempty"`
}

// ————————————————————————————————————————————————————————————————————————
// Session keys
// ————————————————————————————————————————————————————————————————————————

// SessionKey is an operational signing key delegated from a user wallet (or
// the engine) to the coordinator. At most one ACTIVE key exists per
// (owner, application); Token caches the clearing-network bearer token so
// reconnects can re-authenticate without a wallet signature.
type SessionKey struct {
	ID          uuid.UUID  `db:"id" json:"id"`
	Owner       string     `db:"owner" json:"owner"`
	Address     string     `db:"address" json:"address"`
	Secret      string     `db:"secret" json:"-"`
	Application string     `db:"application" json:"application"`
	Allowances  Allowances `db:"allowances" json:"allowances"`
	Status      KeyStatus  `db:"status" json:"status"`
	ExpiresAt   time.Time  `db:"expires_at" json:"expires_at"`
	Token       string     `db:"token" json:"-"`
}

// Allowance grants the session key spending rights for one asset.
type Allowance struct {
	Asset  string          `json:"asset"`
	Amount decimal.Decimal `json:"amount"`
}

// Allowances is a list of per-asset grants, stored as a JSON column.
type Allowances []Allowance

// ————————————————————————————————————————————————————————————————————————
// Clearing network
// ————————————————————————————————————————————————————————————————————————

// Asset is one entry of the clearing network's asset catalog.
type Asset struct {
	ChainID  int64  `json:"chain_id"`
	Token    string `json:"token"`
	Symbol   string `json:"symbol"`
	Decimals int    `json:"decimals"`
}

// LedgerBalance is one row of a unified off-chain balance.
type LedgerBalance struct {
	Asset  string          `json:"asset"`
	Amount decimal.Decimal `json:"amount"`
}

// Channel is the coordinator's view of an off-chain payment channel.
// Allocation internals beyond these fields are opaque to the core.
type Channel struct {
	ChannelID string          `json:"channel_id"`
	Token     string          `json:"token"`
	ChainID   int64           `json:"chain_id"`
	Amount    decimal.Decimal `json:"amount"`
	Status    string          `json:"status"`
	Version   int64           `json:"version"`
}

// AppAllocation assigns an amount of one asset to a session participant.
type AppAllocation struct {
	Participant string          `json:"participant"`
	Asset       string          `json:"asset"`
	Amount      decimal.Decimal `json:"amount"`
}

// ————————————————————————————————————————————————————————————————————————
// Book snapshots
// ————————————————————————————————————————————————————————————————————————

// PriceLevel is one aggregated level of an order book snapshot.
type PriceLevel struct {
	Price      decimal.Decimal `json:"price"`
	Quantity   decimal.Decimal `json:"quantity"`
	OrderCount int             `json:"order_count"`
}

// BookSnapshot is a point-in-time aggregated view of one pair's book.
type BookSnapshot struct {
	BaseToken  string       `json:"base_token"`
	QuoteToken string       `json:"quote_token"`
	Bids       []PriceLevel `json:"bids"` // best (highest) first
	Asks       []PriceLevel `json:"asks"` // best (lowest) first
	Timestamp  time.Time    `json:"timestamp"`
}

// ————————————————————————————————————————————————————————————————————————
// Events
// ————————————————————————————————————————————————————————————————————————

// MatchEvent is emitted by the matching engine once per persisted match.
type MatchEvent struct {
	Match     Match     `json:"match"`
	BuyOwner  string    `json:"buy_owner"`
	SellOwner string    `json:"sell_owner"`
	Timestamp time.Time `json:"timestamp"`
}

// SettlementEvent is emitted by the settlement worker on every terminal
// transition (SETTLED or FAILED) of a match.
type SettlementEvent struct {
	MatchID      uuid.UUID    `json:"match_id"`
	Status       SettleStatus `json:"status"`
	TxHash       string       `json:"tx_hash,omitempty"`
	AppSessionID string       `json:"app_session_id,omitempty"`
	Error        string       `json:"error,omitempty"`
	Participants []string     `json:"participants"`
	Timestamp    time.Time    `json:"timestamp"`
}
