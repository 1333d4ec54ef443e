package chain

import (
	"context"
	"fmt"
	"math/big"

	"github.com/shopspring/decimal"

	"darkpool/internal/engine"
	"darkpool/pkg/types"
)

// CommitmentReader adapts Custody's commitments view to the matching
// engine's admission check.
type CommitmentReader struct {
	custody Custody
}

// NewCommitmentReader wraps a custody client for engine admission.
func NewCommitmentReader(c Custody) *CommitmentReader {
	return &CommitmentReader{custody: c}
}

// OrderCommitment reads one commitment slot by public order id.
func (r *CommitmentReader) OrderCommitment(ctx context.Context, orderID string) (*engine.CommitmentView, error) {
	id, ok := new(big.Int).SetString(orderID, 10)
	if !ok {
		return nil, fmt.Errorf("order id %q not a field element: %w", orderID, types.ErrValidation)
	}
	c, err := r.custody.Commitments(ctx, id)
	if err != nil {
		return nil, err
	}
	return &engine.CommitmentView{
		OrderHash:     c.OrderHash.String(),
		SettledAmount: decimal.NewFromBigInt(c.SettledAmount, 0),
		Active:        c.Status == CommitmentActive,
	}, nil
}
