// Package engine implements the matching core: a pool of worker goroutines
// consuming from bounded order and cancel channels, crossing incoming
// orders against store-backed candidates with price-time priority, and
// persisting every fill atomically.
//
// Admission follows the commit-reveal contract: an order is matchable only
// after its revealed detail hashes to the commitment recorded on-chain
// (and persisted as a COMMITTED row). The engine treats the on-chain
// commitment as the authoritative identity of the order; the durable store
// is the bookkeeping view, and the in-memory books are rebuilt from it on
// startup.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"darkpool/internal/book"
	"darkpool/internal/store"
	"darkpool/pkg/types"
)

// Store is the durable-state surface the engine needs.
type Store interface {
	CreateOrder(ctx context.Context, o *types.Order) error
	GetOrder(ctx context.Context, id uuid.UUID) (*types.Order, error)
	GetOrderByPublicID(ctx context.Context, orderID string) (*types.Order, error)
	MarkRevealed(ctx context.Context, id uuid.UUID) error
	MarkExpired(ctx context.Context, id uuid.UUID) error
	CancelOrder(ctx context.Context, id uuid.UUID, owner string) (*types.Order, error)
	ActiveOrders(ctx context.Context) ([]types.Order, error)
	Candidates(ctx context.Context, incoming *types.Order, limit int) ([]types.Order, error)
	CreateMatchTx(ctx context.Context, m *types.Match) (buy, sell *store.FillResult, err error)
}

// CommitmentView is the engine's read of one on-chain commitment slot.
type CommitmentView struct {
	OrderHash     string
	SettledAmount decimal.Decimal
	Active        bool
}

// CommitmentSource reads commitment slots from the custody contract.
// A nil source disables the on-chain check (test mode, no custody address).
type CommitmentSource interface {
	OrderCommitment(ctx context.Context, orderID string) (*CommitmentView, error)
}

// Hasher computes the Poseidon commitment hash of a detail tuple. The hash
// construction is owned by the circuit; the engine treats it as opaque.
type Hasher interface {
	CommitmentHash(ctx context.Context, d *types.OrderDetail) (string, error)
}

// Config tunes pool size and channel capacities.
type Config struct {
	Workers           int
	OrderChannelSize  int
	CancelChannelSize int
	MatchChannelSize  int
	CandidateBatch    int
	SnarkPrime        *big.Int
}

type cancelJob struct {
	req   types.CancelRequest
	reply chan cancelReply
}

type cancelReply struct {
	order *types.Order
	err   error
}

// Engine is the matching engine.
type Engine struct {
	cfg    Config
	store  Store
	books  *book.Set
	chain  CommitmentSource
	hasher Hasher
	logger *slog.Logger

	orderCh  chan *types.Order
	cancelCh chan cancelJob
	matchCh  chan types.MatchEvent

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	stopOnce sync.Once
}

// New creates an engine. chainSrc may be nil (on-chain check skipped).
func New(cfg Config, st Store, chainSrc CommitmentSource, hasher Hasher, logger *slog.Logger) *Engine {
	if cfg.CandidateBatch <= 0 {
		cfg.CandidateBatch = 100
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		cfg:      cfg,
		store:    st,
		books:    book.NewSet(),
		chain:    chainSrc,
		hasher:   hasher,
		logger:   logger.With("component", "engine"),
		orderCh:  make(chan *types.Order, cfg.OrderChannelSize),
		cancelCh: make(chan cancelJob, cfg.CancelChannelSize),
		matchCh:  make(chan types.MatchEvent, cfg.MatchChannelSize),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Matches returns the outbound match event channel. The engine blocks on a
// full channel, so the consumer must keep draining.
func (e *Engine) Matches() <-chan types.MatchEvent {
	return e.matchCh
}

// Books exposes the book set for snapshot reads.
func (e *Engine) Books() *book.Set {
	return e.books
}

// Start launches the worker pool.
func (e *Engine) Start() {
	for i := 0; i < e.cfg.Workers; i++ {
		e.wg.Add(1)
		go func(n int) {
			defer e.wg.Done()
			e.runWorker(n)
		}(i)
	}
	e.logger.Info("matching engine started", "workers", e.cfg.Workers)
}

// Rebuild reloads every active order from the store into the books.
// Called once at startup, before Start.
func (e *Engine) Rebuild(ctx context.Context) error {
	orders, err := e.store.ActiveOrders(ctx)
	if err != nil {
		return fmt.Errorf("rebuild books: %w", err)
	}
	for i := range orders {
		o := orders[i]
		e.books.Get(o.BaseToken, o.QuoteToken).Add(&o)
	}
	e.logger.Info("books rebuilt", "orders", len(orders))
	return nil
}

// Stop cancels the workers and waits for them to drain in-flight work.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() {
		e.cancel()
		e.wg.Wait()
		e.logger.Info("matching engine stopped")
	})
}

// Commit validates a new order detail, computes its commitment hash, and
// persists the COMMITTED row. The caller takes the returned order's
// Commitment to the custody contract (commitOnly / depositAndCommit);
// the order becomes matchable only after Submit reveals it.
func (e *Engine) Commit(ctx context.Context, d *types.OrderDetail) (*types.Order, error) {
	if err := validateDetail(d); err != nil {
		return nil, err
	}

	orderID, err := e.maskOrderID(d.OrderID)
	if err != nil {
		return nil, err
	}
	d.OrderID = orderID

	hash, err := e.hasher.CommitmentHash(ctx, d)
	if err != nil {
		return nil, fmt.Errorf("commitment hash: %w", err)
	}

	minPrice, maxPrice := DeriveBounds(d.Price, d.VarianceBps)
	sellToken, buyToken := sellBuyTokens(d.Side, d.BaseToken, d.QuoteToken)

	o := &types.Order{
		ID:           uuid.New(),
		OrderID:      orderID,
		Owner:        d.Owner,
		ChainID:      d.ChainID,
		Side:         d.Side,
		BaseToken:    d.BaseToken,
		QuoteToken:   d.QuoteToken,
		SellToken:    sellToken,
		BuyToken:     buyToken,
		Quantity:     d.Quantity,
		Price:        d.Price,
		VarianceBps:  d.VarianceBps,
		MinPrice:     minPrice,
		MaxPrice:     maxPrice,
		FilledQty:    decimal.Zero,
		RemainingQty: d.Quantity,
		Status:       types.OrderCommitted,
		Commitment:   hash,
		CreatedAt:    time.Now().UTC(),
		ExpiresAt:    d.ExpiresAt,
	}
	if err := e.store.CreateOrder(ctx, o); err != nil {
		return nil, err
	}
	return o, nil
}

// Submit reveals an order. The detail must match the COMMITTED row and hash
// to the on-chain commitment; any discrepancy is ErrCommitmentMismatch. On
// success the order is enqueued for a worker, which transitions it to
// REVEALED, pushes it into its book, and crosses it against candidates.
func (e *Engine) Submit(ctx context.Context, d *types.OrderDetail) (*types.Order, error) {
	if err := validateDetail(d); err != nil {
		return nil, err
	}

	o, err := e.store.GetOrderByPublicID(ctx, d.OrderID)
	if err != nil {
		if errors.Is(err, types.ErrNotFound) {
			return nil, fmt.Errorf("no committed order %s: %w", d.OrderID, types.ErrCommitmentMismatch)
		}
		return nil, err
	}
	if o.Status != types.OrderCommitted {
		if o.Status.Terminal() {
			return nil, types.ErrOrderTerminal
		}
		return nil, fmt.Errorf("order %s already revealed: %w", d.OrderID, types.ErrConflict)
	}
	if o.Expired(time.Now()) {
		if err := e.store.MarkExpired(ctx, o.ID); err != nil {
			e.logger.Warn("mark expired failed", "order", o.ID, "error", err)
		}
		return nil, types.ErrOrderTerminal
	}
	if !detailMatchesRow(d, o) {
		return nil, fmt.Errorf("detail differs from committed order: %w", types.ErrCommitmentMismatch)
	}

	hash, err := e.hasher.CommitmentHash(ctx, d)
	if err != nil {
		return nil, fmt.Errorf("commitment hash: %w", err)
	}
	if hash != o.Commitment {
		return nil, fmt.Errorf("detail hash mismatch: %w", types.ErrCommitmentMismatch)
	}

	if e.chain != nil {
		view, err := e.chain.OrderCommitment(ctx, o.OrderID)
		if err != nil {
			return nil, fmt.Errorf("read commitment: %w", err)
		}
		if !view.Active || view.OrderHash != hash {
			return nil, fmt.Errorf("on-chain commitment inactive or wrong hash: %w", types.ErrCommitmentMismatch)
		}
	}

	if e.ctx.Err() != nil {
		return nil, types.ErrChannelFull
	}
	select {
	case e.orderCh <- o:
	default:
		return nil, fmt.Errorf("order intake saturated: %w", types.ErrChannelFull)
	}
	return o, nil
}

// Cancel enqueues a cancel request and waits for the worker's verdict.
func (e *Engine) Cancel(ctx context.Context, req types.CancelRequest) (*types.Order, error) {
	if e.ctx.Err() != nil {
		return nil, types.ErrChannelFull
	}
	job := cancelJob{req: req, reply: make(chan cancelReply, 1)}
	select {
	case e.cancelCh <- job:
	default:
		return nil, fmt.Errorf("cancel intake saturated: %w", types.ErrChannelFull)
	}

	select {
	case r := <-job.reply:
		return r.order, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-e.ctx.Done():
		return nil, types.ErrTimeout
	}
}

// maskOrderID reduces the public order id into the SNARK scalar field
// (253 bits) so it is usable as a circuit input. An empty id gets a fresh
// random field element.
func (e *Engine) maskOrderID(id string) (string, error) {
	if id == "" {
		u := uuid.New()
		id = new(big.Int).SetBytes(u[:]).String()
	}
	n, ok := new(big.Int).SetString(id, 10)
	if !ok || n.Sign() < 0 {
		return "", fmt.Errorf("order_id must be a non-negative decimal integer: %w", types.ErrValidation)
	}
	return n.Mod(n, e.cfg.SnarkPrime).String(), nil
}

func validateDetail(d *types.OrderDetail) error {
	switch {
	case d.Owner == "":
		return fmt.Errorf("owner required: %w", types.ErrValidation)
	case d.Side != types.BUY && d.Side != types.SELL:
		return fmt.Errorf("side must be BUY or SELL: %w", types.ErrValidation)
	case d.BaseToken == "" || d.QuoteToken == "":
		return fmt.Errorf("token pair required: %w", types.ErrValidation)
	case d.BaseToken == d.QuoteToken:
		return fmt.Errorf("base and quote must differ: %w", types.ErrValidation)
	case !d.Quantity.IsPositive():
		return fmt.Errorf("quantity must be positive: %w", types.ErrValidation)
	case !d.Price.IsPositive():
		return fmt.Errorf("price must be positive: %w", types.ErrValidation)
	case d.VarianceBps < 0 || d.VarianceBps > 10000:
		return fmt.Errorf("variance_bps must be in [0, 10000]: %w", types.ErrValidation)
	}
	return nil
}

// detailMatchesRow compares the revealed detail to the committed row.
func detailMatchesRow(d *types.OrderDetail, o *types.Order) bool {
	return d.Owner == o.Owner &&
		d.ChainID == o.ChainID &&
		d.Side == o.Side &&
		d.BaseToken == o.BaseToken &&
		d.QuoteToken == o.QuoteToken &&
		d.Quantity.Equal(o.Quantity) &&
		d.Price.Equal(o.Price) &&
		d.VarianceBps == o.VarianceBps
}
