package engine

import (
	"github.com/shopspring/decimal"

	"darkpool/pkg/types"
)

var bpsDenominator = decimal.NewFromInt(10000)

// DeriveBounds computes the tolerated price band from a declared price and
// a symmetric variance in basis points:
//
//	min = price × (10000 − bps) / 10000
//	max = price × (10000 + bps) / 10000
func DeriveBounds(price decimal.Decimal, varianceBps int32) (min, max decimal.Decimal) {
	bps := decimal.NewFromInt(int64(varianceBps))
	min = price.Mul(bpsDenominator.Sub(bps)).Div(bpsDenominator)
	max = price.Mul(bpsDenominator.Add(bps)).Div(bpsDenominator)
	return min, max
}

// compatible reports whether a buy and a sell can cross: the buyer's
// ceiling must reach the seller's floor.
func compatible(buy, sell *types.Order) bool {
	return buy.MaxPrice.GreaterThanOrEqual(sell.MinPrice)
}

// executionPrice is the arithmetic mean of the two declared prices, clamped
// into the band intersection [sell.min_price, buy.max_price]. compatible()
// must hold, which guarantees the interval is non-empty.
func executionPrice(buy, sell *types.Order) decimal.Decimal {
	two := decimal.NewFromInt(2)
	mid := buy.Price.Add(sell.Price).Div(two)
	if mid.LessThan(sell.MinPrice) {
		return sell.MinPrice
	}
	if mid.GreaterThan(buy.MaxPrice) {
		return buy.MaxPrice
	}
	return mid
}

// sellBuyTokens derives the contract-level token pair from the order's
// side. A BUY sells quote to buy base; a SELL sells base to buy quote.
// Derived once at commit time and stored, never re-derived downstream.
func sellBuyTokens(side types.Side, baseToken, quoteToken string) (sellToken, buyToken string) {
	if side == types.BUY {
		return quoteToken, baseToken
	}
	return baseToken, quoteToken
}
