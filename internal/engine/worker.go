package engine

import (
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"darkpool/pkg/types"
)

// runWorker consumes from the shared order and cancel channels until the
// engine context is cancelled. Work items are never retried implicitly;
// per-candidate failures are logged and skipped.
func (e *Engine) runWorker(n int) {
	logger := e.logger.With("worker", n)
	for {
		select {
		case <-e.ctx.Done():
			return
		case o := <-e.orderCh:
			e.processOrder(o, logger)
		case job := <-e.cancelCh:
			job.reply <- e.processCancel(job.req)
		}
	}
}

// processOrder admits one revealed order into its book and crosses it
// against store-backed candidates, best price first, until the order is
// exhausted or the candidate list ends.
func (e *Engine) processOrder(o *types.Order, logger *slog.Logger) {
	ctx := e.ctx
	now := time.Now()

	if o.Expired(now) {
		if err := e.store.MarkExpired(ctx, o.ID); err != nil {
			logger.Warn("mark expired failed", "order", o.ID, "error", err)
		}
		return
	}

	if err := e.store.MarkRevealed(ctx, o.ID); err != nil {
		if !errors.Is(err, types.ErrConflict) {
			logger.Error("reveal transition failed", "order", o.ID, "error", err)
			return
		}
		// Duplicate submit; the order is already revealed. Matching again is
		// harmless: fills are guarded by the store transaction.
	}
	o.Status = types.OrderRevealed

	b := e.books.Get(o.BaseToken, o.QuoteToken)
	b.Add(o)

	remaining := o.RemainingQty

	candidates, err := e.store.Candidates(ctx, o, e.cfg.CandidateBatch)
	if err != nil {
		logger.Error("candidate query failed", "order", o.ID, "error", err)
		return
	}

	for i := range candidates {
		if remaining.IsZero() {
			return
		}
		cand := &candidates[i]
		if cand.ID == o.ID {
			continue
		}
		if cand.Expired(now) {
			if err := e.store.MarkExpired(ctx, cand.ID); err != nil {
				logger.Warn("mark expired failed", "order", cand.ID, "error", err)
			}
			b.Remove(cand.ID)
			continue
		}

		buy, sell := o, cand
		if o.Side == types.SELL {
			buy, sell = cand, o
		}
		if !compatible(buy, sell) {
			// The candidate query is price-filtered; anything past the band
			// boundary is out of reach for the rest of the sorted list.
			return
		}

		qty := remaining
		if cand.RemainingQty.LessThan(qty) {
			qty = cand.RemainingQty
		}
		if qty.IsZero() {
			continue
		}

		m := &types.Match{
			ID:           uuid.New(),
			BuyOrderID:   buy.ID,
			SellOrderID:  sell.ID,
			BaseToken:    o.BaseToken,
			QuoteToken:   o.QuoteToken,
			Quantity:     qty,
			Price:        executionPrice(buy, sell),
			SettleStatus: types.SettlePending,
			MatchedAt:    time.Now().UTC(),
		}

		buyRes, sellRes, err := e.store.CreateMatchTx(ctx, m)
		if err != nil {
			if errors.Is(err, types.ErrConflict) {
				// Candidate went terminal or was outrun by another worker;
				// nothing was written. Move on.
				logger.Debug("candidate lost race", "candidate", cand.ID)
				continue
			}
			logger.Error("match transaction failed",
				"buy", buy.ID, "sell", sell.ID, "error", err)
			continue
		}

		// Mirror committed state into the book; fully filled orders drop out.
		b.ApplyFill(buy.ID, buyRes.Filled, buyRes.Remaining, buyRes.Status)
		b.ApplyFill(sell.ID, sellRes.Filled, sellRes.Remaining, sellRes.Status)

		if o.Side == types.BUY {
			remaining = buyRes.Remaining
		} else {
			remaining = sellRes.Remaining
		}

		evt := types.MatchEvent{
			Match:     *m,
			BuyOwner:  buy.Owner,
			SellOwner: sell.Owner,
			Timestamp: time.Now().UTC(),
		}
		// Blocking send: downstream consumers provide backpressure.
		select {
		case e.matchCh <- evt:
		case <-e.ctx.Done():
			return
		}

		logger.Info("match",
			"match_id", m.ID,
			"pair", o.Pair(),
			"qty", m.Quantity,
			"price", m.Price,
		)
	}
}

// processCancel applies a conditional cancel and, on success, removes the
// order from whichever book holds it.
func (e *Engine) processCancel(req types.CancelRequest) cancelReply {
	o, err := e.store.CancelOrder(e.ctx, req.OrderID, req.Owner)
	if err != nil {
		return cancelReply{err: err}
	}
	if b, resting := e.books.FindOrder(req.OrderID); resting != nil {
		b.Remove(req.OrderID)
	}
	return cancelReply{order: o}
}
