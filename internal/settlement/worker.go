// Package settlement drives each match through its settlement state
// machine: claim (PENDING → SETTLING via conditional update), Groth16 proof
// bound to the current on-chain settled amounts, the proveAndSettle
// contract call, an off-chain application session that swaps the funds, and
// the terminal transition (SETTLED, or FAILED with the error text).
//
// Financial effect is forward-only: nothing is rolled back on failure, and
// retries are operator-driven (FAILED → PENDING reset). The claim update
// plus the proof's binding to monotonically increasing settledAmount give
// at-most-once settlement per match even across crashes.
package settlement

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"darkpool/internal/chain"
	"darkpool/internal/clearnet"
	"darkpool/internal/prover"
	"darkpool/pkg/types"
)

// Store is the durable surface the worker needs.
type Store interface {
	PendingMatches(ctx context.Context, limit int) ([]types.Match, error)
	ClaimMatch(ctx context.Context, id uuid.UUID) (bool, error)
	GetOrder(ctx context.Context, id uuid.UUID) (*types.Order, error)
	SetMatchTxHash(ctx context.Context, id uuid.UUID, txHash string) error
	SetMatchAppSession(ctx context.Context, id uuid.UUID, sessionID string) error
	MarkMatchSettled(ctx context.Context, id uuid.UUID, settledAt time.Time) error
	MarkMatchFailed(ctx context.Context, id uuid.UUID, cause string) error
	ActiveSessionKey(ctx context.Context, owner, application string) (*types.SessionKey, error)
}

// Clearing is the engine-connection surface used for app sessions.
type Clearing interface {
	CreateAppSession(ctx context.Context, p clearnet.CreateAppSessionParams, sigs []string) (string, error)
	CloseAppSession(ctx context.Context, sessionID string, allocations []types.AppAllocation) error
}

// PoolClearing adapts the connection pool to Clearing, resolving the live
// engine connection per call so reconnects are transparent.
type PoolClearing struct {
	Pool *clearnet.Pool
}

func (p PoolClearing) CreateAppSession(ctx context.Context, params clearnet.CreateAppSessionParams, sigs []string) (string, error) {
	conn, err := p.Pool.Engine()
	if err != nil {
		return "", err
	}
	return conn.CreateAppSession(ctx, params, sigs)
}

func (p PoolClearing) CloseAppSession(ctx context.Context, sessionID string, allocations []types.AppAllocation) error {
	conn, err := p.Pool.Engine()
	if err != nil {
		return err
	}
	return conn.CloseAppSession(ctx, sessionID, allocations)
}

// Prover generates proofs and encodes values into the scalar field.
type Prover interface {
	Prove(ctx context.Context, public, private []string) (*prover.Proof, error)
	FieldElement(v string) string
}

// Settler is the on-chain subset the worker calls. A nil Settler puts the
// worker in test mode: steps 4, 6 and 9 are skipped.
type Settler interface {
	Commitments(ctx context.Context, orderID *big.Int) (*chain.Commitment, error)
	ProveAndSettle(ctx context.Context, p chain.SettleParams) (string, error)
	MarkFullySettled(ctx context.Context, orderID *big.Int) (string, error)
}

// Config tunes the polling loop.
type Config struct {
	PollInterval time.Duration
	BatchSize    int
	Parallel     int
	Application  string
}

// Worker is the settlement poller.
type Worker struct {
	cfg      Config
	store    Store
	clearing Clearing
	prover   Prover
	chain    Settler
	assets   *clearnet.AssetMap
	logger   *slog.Logger

	events chan types.SettlementEvent

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// New creates a worker. chainClient may be nil (test mode).
func New(cfg Config, st Store, clearing Clearing, pv Prover, chainClient Settler, assets *clearnet.AssetMap, logger *slog.Logger) *Worker {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 10
	}
	if cfg.Parallel <= 0 {
		cfg.Parallel = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Worker{
		cfg:      cfg,
		store:    st,
		clearing: clearing,
		prover:   pv,
		chain:    chainClient,
		assets:   assets,
		logger:   logger.With("component", "settlement"),
		events:   make(chan types.SettlementEvent, 256),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Events returns the settlement notification channel. Events are dropped,
// with a warning, if the consumer falls behind.
func (w *Worker) Events() <-chan types.SettlementEvent {
	return w.events
}

// Start launches the polling loop.
func (w *Worker) Start() {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.run()
	}()
	w.logger.Info("settlement worker started",
		"poll_interval", w.cfg.PollInterval,
		"batch_size", w.cfg.BatchSize,
		"parallel", w.cfg.Parallel,
		"test_mode", w.chain == nil,
	)
}

// Stop cancels the poller and waits for in-flight matches to finish.
func (w *Worker) Stop() {
	w.stopOnce.Do(func() {
		w.cancel()
		w.wg.Wait()
		w.logger.Info("settlement worker stopped")
	})
}

// run executes one poll cycle per tick. Cycles never overlap: the next tick
// is consumed only after every match of the previous cycle has finished.
func (w *Worker) run() {
	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-w.ctx.Done():
			return
		case <-ticker.C:
			w.cycle()
		}
	}
}

func (w *Worker) cycle() {
	matches, err := w.store.PendingMatches(w.ctx, w.cfg.BatchSize)
	if err != nil {
		w.logger.Error("poll pending matches failed", "error", err)
		return
	}
	if len(matches) == 0 {
		return
	}

	sem := make(chan struct{}, w.cfg.Parallel)
	var wg sync.WaitGroup
	for i := range matches {
		m := matches[i]

		claimed, err := w.store.ClaimMatch(w.ctx, m.ID)
		if err != nil {
			w.logger.Error("claim failed", "match", m.ID, "error", err)
			continue
		}
		if !claimed {
			// Another worker won, or the match already finished.
			continue
		}

		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			w.process(&m)
		}()
	}
	wg.Wait()
}

// process runs the settle steps for one claimed match and records the
// terminal transition.
func (w *Worker) process(m *types.Match) {
	start := time.Now()
	result, err := w.settle(w.ctx, m)
	if err != nil {
		w.logger.Error("settlement failed", "match", m.ID, "error", err)
		if dbErr := w.store.MarkMatchFailed(w.ctx, m.ID, err.Error()); dbErr != nil {
			w.logger.Error("persist failure failed", "match", m.ID, "error", dbErr)
		}
		w.emit(types.SettlementEvent{
			MatchID:   m.ID,
			Status:    types.SettleFailed,
			Error:     err.Error(),
			Timestamp: time.Now().UTC(),
		})
		return
	}

	w.logger.Info("match settled",
		"match", m.ID,
		"tx", result.txHash,
		"app_session", result.appSessionID,
		"took", time.Since(start),
	)
	w.emit(types.SettlementEvent{
		MatchID:      m.ID,
		Status:       types.SettleSettled,
		TxHash:       result.txHash,
		AppSessionID: result.appSessionID,
		Participants: []string{result.sellerOwner, result.buyerOwner},
		Timestamp:    time.Now().UTC(),
	})
}

type settleResult struct {
	txHash       string
	appSessionID string
	sellerOwner  string
	buyerOwner   string
}

func (w *Worker) settle(ctx context.Context, m *types.Match) (*settleResult, error) {
	buyOrder, err := w.store.GetOrder(ctx, m.BuyOrderID)
	if err != nil {
		return nil, fmt.Errorf("load buy order: %w", err)
	}
	sellOrder, err := w.store.GetOrder(ctx, m.SellOrderID)
	if err != nil {
		return nil, fmt.Errorf("load sell order: %w", err)
	}

	// Step 1: the three session keys. Missing any of them fails the match.
	sellerKey, err := w.store.ActiveSessionKey(ctx, sellOrder.Owner, w.cfg.Application)
	if err != nil {
		return nil, fmt.Errorf("seller session key: %w", err)
	}
	buyerKey, err := w.store.ActiveSessionKey(ctx, buyOrder.Owner, w.cfg.Application)
	if err != nil {
		return nil, fmt.Errorf("buyer session key: %w", err)
	}
	engineKey, err := w.store.ActiveSessionKey(ctx, types.EngineOwner, w.cfg.Application)
	if err != nil {
		return nil, fmt.Errorf("engine session key: %w", err)
	}

	// Step 2: symbol resolution from the cached asset catalog.
	baseSymbol, err := w.resolveSymbol(m.BaseToken)
	if err != nil {
		return nil, err
	}
	quoteSymbol, err := w.resolveSymbol(m.QuoteToken)
	if err != nil {
		return nil, err
	}

	// Step 3: exact quote amount.
	quoteAmount, err := MulDecimal(m.Quantity.String(), m.Price.String())
	if err != nil {
		return nil, fmt.Errorf("quote amount: %w", err)
	}

	result := &settleResult{sellerOwner: sellOrder.Owner, buyerOwner: buyOrder.Owner}

	if w.chain != nil {
		txHash, err := w.settleOnChain(ctx, m, buyOrder, sellOrder, quoteAmount)
		if err != nil {
			return nil, err
		}
		result.txHash = txHash
		if err := w.store.SetMatchTxHash(ctx, m.ID, txHash); err != nil {
			return nil, fmt.Errorf("persist tx hash: %w", err)
		}
	}

	// Steps 7–8: app session swap on the clearing network.
	sessionID, err := w.swapFunds(ctx, m, sellerKey, buyerKey, engineKey, baseSymbol, quoteSymbol, quoteAmount)
	if err != nil {
		return nil, err
	}
	result.appSessionID = sessionID
	if err := w.store.SetMatchAppSession(ctx, m.ID, sessionID); err != nil {
		return nil, fmt.Errorf("persist app session: %w", err)
	}

	// Step 9: fully-consumed commitments are closed on-chain.
	if w.chain != nil {
		for _, o := range []*types.Order{buyOrder, sellOrder} {
			if err := w.markFullySettled(ctx, o); err != nil {
				return nil, err
			}
		}
	}

	// Step 10: terminal transition.
	if err := w.store.MarkMatchSettled(ctx, m.ID, time.Now().UTC()); err != nil {
		return nil, fmt.Errorf("mark settled: %w", err)
	}
	return result, nil
}

// settleOnChain runs steps 4–6: read both commitments' settledAmount, prove
// against them, and submit proveAndSettle.
func (w *Worker) settleOnChain(ctx context.Context, m *types.Match, buyOrder, sellOrder *types.Order, quoteAmount string) (string, error) {
	sellerID, err := fieldID(sellOrder.OrderID)
	if err != nil {
		return "", err
	}
	buyerID, err := fieldID(buyOrder.OrderID)
	if err != nil {
		return "", err
	}

	sellerView, err := w.chain.Commitments(ctx, sellerID)
	if err != nil {
		return "", fmt.Errorf("read seller commitment: %w", err)
	}
	buyerView, err := w.chain.Commitments(ctx, buyerID)
	if err != nil {
		return "", fmt.Errorf("read buyer commitment: %w", err)
	}

	// The seller's fill is the base quantity, the buyer's the quote amount.
	sellerFill := w.prover.FieldElement(m.Quantity.String())
	buyerFill := w.prover.FieldElement(quoteAmount)
	timestamp := time.Now().Unix()

	// Public inputs bind the proof to the current cumulative settlement, so
	// a replayed or stale proof is rejected by the verifier.
	public := []string{
		sellOrder.Commitment,
		buyOrder.Commitment,
		sellerFill,
		buyerFill,
		sellerView.SettledAmount.String(),
		buyerView.SettledAmount.String(),
		fmt.Sprintf("%d", timestamp),
	}
	private := append(w.orderWitness(sellOrder), w.orderWitness(buyOrder)...)

	proof, err := w.prover.Prove(ctx, public, private)
	if err != nil {
		return "", fmt.Errorf("generate proof: %w", err)
	}

	params := chain.SettleParams{
		SellerOrderID: sellerID,
		BuyerOrderID:  buyerID,
		SellerFill:    mustBig(sellerFill),
		BuyerFill:     mustBig(buyerFill),
		Proof:         proof,
		PublicInputs: []*big.Int{
			mustBig(w.prover.FieldElement(sellOrder.Commitment)),
			mustBig(w.prover.FieldElement(buyOrder.Commitment)),
			mustBig(sellerFill),
			mustBig(buyerFill),
			sellerView.SettledAmount,
			buyerView.SettledAmount,
			big.NewInt(timestamp),
		},
	}
	txHash, err := w.chain.ProveAndSettle(ctx, params)
	if err != nil {
		return "", fmt.Errorf("prove and settle: %w", err)
	}
	return txHash, nil
}

// swapFunds opens the three-party app session and closes it with the
// swapped allocations. The engine is sole judge (weights [0, 0, 100],
// quorum 100); seller and buyer sign the creation with their session keys.
func (w *Worker) swapFunds(ctx context.Context, m *types.Match, sellerKey, buyerKey, engineKey *types.SessionKey, baseSymbol, quoteSymbol, quoteAmount string) (string, error) {
	quoteDec, err := decimal.NewFromString(quoteAmount)
	if err != nil {
		return "", fmt.Errorf("quote amount %q: %w", quoteAmount, err)
	}

	params := clearnet.CreateAppSessionParams{
		Definition: clearnet.AppDefinition{
			Protocol:     "nitro-rpc-v0.2",
			Participants: []string{sellerKey.Address, buyerKey.Address, engineKey.Address},
			Weights:      []int64{0, 0, 100},
			Quorum:       100,
			Nonce:        time.Now().UnixMilli(),
		},
		// Opening state: seller holds the base, buyer holds the quote.
		Allocations: []types.AppAllocation{
			{Participant: sellerKey.Address, Asset: baseSymbol, Amount: m.Quantity},
			{Participant: buyerKey.Address, Asset: quoteSymbol, Amount: quoteDec},
			{Participant: engineKey.Address, Asset: quoteSymbol, Amount: decimal.Zero},
		},
	}

	payload, err := json.Marshal(params)
	if err != nil {
		return "", fmt.Errorf("encode app session: %w", err)
	}
	sellerSig, err := signWithKey(sellerKey, payload)
	if err != nil {
		return "", fmt.Errorf("seller signature: %w", err)
	}
	buyerSig, err := signWithKey(buyerKey, payload)
	if err != nil {
		return "", fmt.Errorf("buyer signature: %w", err)
	}

	sessionID, err := w.clearing.CreateAppSession(ctx, params, []string{sellerSig, buyerSig})
	if err != nil {
		return "", fmt.Errorf("create app session: %w", err)
	}

	// Closing state: the swap. Seller receives quote, buyer receives base.
	closing := []types.AppAllocation{
		{Participant: sellerKey.Address, Asset: quoteSymbol, Amount: quoteDec},
		{Participant: buyerKey.Address, Asset: baseSymbol, Amount: m.Quantity},
		{Participant: engineKey.Address, Asset: quoteSymbol, Amount: decimal.Zero},
	}
	if err := w.clearing.CloseAppSession(ctx, sessionID, closing); err != nil {
		return "", fmt.Errorf("close app session: %w", err)
	}
	return sessionID, nil
}

// markFullySettled closes a fully-consumed commitment, skipping orders with
// remaining quantity and commitments that are already inactive (a previous
// attempt may have closed them).
func (w *Worker) markFullySettled(ctx context.Context, o *types.Order) error {
	fresh, err := w.store.GetOrder(ctx, o.ID)
	if err != nil {
		return fmt.Errorf("reload order %s: %w", o.ID, err)
	}
	if !fresh.RemainingQty.IsZero() {
		return nil
	}

	id, err := fieldID(o.OrderID)
	if err != nil {
		return err
	}
	view, err := w.chain.Commitments(ctx, id)
	if err != nil {
		return fmt.Errorf("read commitment %s: %w", o.OrderID, err)
	}
	if view.Status != chain.CommitmentActive {
		return nil
	}
	if _, err := w.chain.MarkFullySettled(ctx, id); err != nil {
		return fmt.Errorf("mark fully settled %s: %w", o.OrderID, err)
	}
	return nil
}

// orderWitness is the private circuit input for one order.
func (w *Worker) orderWitness(o *types.Order) []string {
	side := "0"
	if o.Side == types.SELL {
		side = "1"
	}
	return []string{
		w.prover.FieldElement(o.Owner),
		side,
		w.prover.FieldElement(o.SellToken),
		w.prover.FieldElement(o.BuyToken),
		w.prover.FieldElement(o.Quantity.String()),
		w.prover.FieldElement(o.Price.String()),
		fmt.Sprintf("%d", o.VarianceBps),
	}
}

func (w *Worker) resolveSymbol(token string) (string, error) {
	if sym, ok := w.assets.Symbol(token); ok {
		return sym, nil
	}
	if a, ok := w.assets.BySymbol(token); ok {
		return a.Symbol, nil
	}
	return "", fmt.Errorf("token %q not in asset catalog", token)
}

func (w *Worker) emit(evt types.SettlementEvent) {
	select {
	case w.events <- evt:
	default:
		w.logger.Warn("settlement event dropped, consumer behind", "match", evt.MatchID)
	}
}

func signWithKey(key *types.SessionKey, payload []byte) (string, error) {
	signer, err := clearnet.NewRawSigner(key.Secret)
	if err != nil {
		return "", err
	}
	return signer.Sign(payload)
}

func fieldID(orderID string) (*big.Int, error) {
	n, ok := new(big.Int).SetString(orderID, 10)
	if !ok {
		return nil, fmt.Errorf("order id %q not a field element: %w", orderID, types.ErrValidation)
	}
	return n, nil
}

// mustBig converts a field-element decimal string; FieldElement only
// produces valid ones.
func mustBig(s string) *big.Int {
	n, _ := new(big.Int).SetString(s, 10)
	return n
}
