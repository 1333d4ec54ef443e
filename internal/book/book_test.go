package book

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"darkpool/pkg/types"
)

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func testOrder(side types.Side, price string, createdAt time.Time) *types.Order {
	qty := dec("10")
	return &types.Order{
		ID:           uuid.New(),
		Owner:        "0xowner",
		Side:         side,
		BaseToken:    "WETH",
		QuoteToken:   "USDC",
		Quantity:     qty,
		Price:        dec(price),
		MinPrice:     dec(price),
		MaxPrice:     dec(price),
		RemainingQty: qty,
		Status:       types.OrderRevealed,
		CreatedAt:    createdAt,
	}
}

func TestBestBidIsHighestPrice(t *testing.T) {
	t.Parallel()
	b := New("WETH", "USDC")
	now := time.Now()

	b.Add(testOrder(types.BUY, "99", now))
	best := testOrder(types.BUY, "101", now)
	b.Add(best)
	b.Add(testOrder(types.BUY, "100", now))

	got := b.BestBid()
	if got == nil || got.ID != best.ID {
		t.Fatalf("BestBid = %v, want order at 101", got)
	}
}

func TestBestAskIsLowestPrice(t *testing.T) {
	t.Parallel()
	b := New("WETH", "USDC")
	now := time.Now()

	b.Add(testOrder(types.SELL, "102", now))
	best := testOrder(types.SELL, "100", now)
	b.Add(best)
	b.Add(testOrder(types.SELL, "101", now))

	got := b.BestAsk()
	if got == nil || got.ID != best.ID {
		t.Fatalf("BestAsk = %v, want order at 100", got)
	}
}

func TestEqualPriceBreaksTiesByCreatedAt(t *testing.T) {
	t.Parallel()
	b := New("WETH", "USDC")
	now := time.Now()

	later := testOrder(types.BUY, "100", now.Add(time.Second))
	earlier := testOrder(types.BUY, "100", now)
	b.Add(later)
	b.Add(earlier)

	if got := b.BestBid(); got == nil || got.ID != earlier.ID {
		t.Fatalf("BestBid = %v, want earlier order first on price tie", got)
	}
}

func TestRemoveExcisesFromHeap(t *testing.T) {
	t.Parallel()
	b := New("WETH", "USDC")
	now := time.Now()

	top := testOrder(types.BUY, "101", now)
	next := testOrder(types.BUY, "100", now)
	b.Add(top)
	b.Add(next)

	removed := b.Remove(top.ID)
	if removed == nil || removed.ID != top.ID {
		t.Fatalf("Remove returned %v, want the removed order", removed)
	}
	if got := b.BestBid(); got == nil || got.ID != next.ID {
		t.Fatalf("BestBid after remove = %v, want next-best order", got)
	}
	if b.Get(top.ID) != nil {
		t.Error("Get still returns the removed order")
	}
	if b.Remove(top.ID) != nil {
		t.Error("second Remove should return nil")
	}
}

func TestAddIsIdempotent(t *testing.T) {
	t.Parallel()
	b := New("WETH", "USDC")
	o := testOrder(types.BUY, "100", time.Now())

	b.Add(o)
	b.Add(o)

	if got := b.Len(); got != 1 {
		t.Fatalf("Len = %d after double Add, want 1", got)
	}
}

func TestApplyFillMirrorsAndRemovesFilled(t *testing.T) {
	t.Parallel()
	b := New("WETH", "USDC")
	o := testOrder(types.SELL, "100", time.Now())
	b.Add(o)

	// Partial fill keeps the order resting with updated quantities.
	b.ApplyFill(o.ID, dec("4"), dec("6"), types.OrderPartiallyFilled)
	got := b.Get(o.ID)
	if got == nil {
		t.Fatal("order removed after partial fill")
	}
	if !got.RemainingQty.Equal(dec("6")) || !got.FilledQty.Equal(dec("4")) {
		t.Errorf("fill mirror = filled %s remaining %s, want 4/6", got.FilledQty, got.RemainingQty)
	}
	if got.Status != types.OrderPartiallyFilled {
		t.Errorf("status = %s, want PARTIALLY_FILLED", got.Status)
	}

	// Full fill removes it.
	b.ApplyFill(o.ID, dec("10"), dec("0"), types.OrderFilled)
	if b.Get(o.ID) != nil {
		t.Error("fully filled order still resting")
	}
	if b.BestAsk() != nil {
		t.Error("BestAsk should be nil after only ask filled")
	}
}

func TestDepthAggregatesLevels(t *testing.T) {
	t.Parallel()
	b := New("WETH", "USDC")
	now := time.Now()

	b.Add(testOrder(types.BUY, "100", now))
	b.Add(testOrder(types.BUY, "100", now.Add(time.Millisecond)))
	b.Add(testOrder(types.BUY, "99", now))
	b.Add(testOrder(types.SELL, "101", now))

	snap := b.Depth(10)
	if len(snap.Bids) != 2 {
		t.Fatalf("bid levels = %d, want 2", len(snap.Bids))
	}
	if !snap.Bids[0].Price.Equal(dec("100")) || snap.Bids[0].OrderCount != 2 {
		t.Errorf("top bid level = %s x%d, want 100 x2", snap.Bids[0].Price, snap.Bids[0].OrderCount)
	}
	if !snap.Bids[0].Quantity.Equal(dec("20")) {
		t.Errorf("top bid qty = %s, want 20", snap.Bids[0].Quantity)
	}
	if !snap.Bids[1].Price.Equal(dec("99")) {
		t.Errorf("second bid level = %s, want 99", snap.Bids[1].Price)
	}
	if len(snap.Asks) != 1 || !snap.Asks[0].Price.Equal(dec("101")) {
		t.Errorf("asks = %+v, want single level at 101", snap.Asks)
	}
}

func TestDepthLevelCap(t *testing.T) {
	t.Parallel()
	b := New("WETH", "USDC")
	now := time.Now()
	for _, p := range []string{"100", "99", "98", "97"} {
		b.Add(testOrder(types.BUY, p, now))
	}

	snap := b.Depth(2)
	if len(snap.Bids) != 2 {
		t.Fatalf("bid levels = %d, want capped at 2", len(snap.Bids))
	}
	if !snap.Bids[0].Price.Equal(dec("100")) || !snap.Bids[1].Price.Equal(dec("99")) {
		t.Errorf("levels = %s, %s; want best-first 100, 99", snap.Bids[0].Price, snap.Bids[1].Price)
	}
}

func TestSetLazyCreation(t *testing.T) {
	t.Parallel()
	s := NewSet()

	b1 := s.Get("WETH", "USDC")
	b2 := s.Get("WETH", "USDC")
	if b1 != b2 {
		t.Fatal("Get created two books for the same pair")
	}

	if _, ok := s.Lookup("WBTC", "USDC"); ok {
		t.Error("Lookup should not create books")
	}
}

func TestSetFindOrder(t *testing.T) {
	t.Parallel()
	s := NewSet()
	o := testOrder(types.BUY, "100", time.Now())
	s.Get("WETH", "USDC").Add(o)
	s.Get("WBTC", "USDC") // empty second book

	bk, found := s.FindOrder(o.ID)
	if found == nil || found.ID != o.ID {
		t.Fatalf("FindOrder = %v, want the resting order", found)
	}
	if bk == nil {
		t.Fatal("FindOrder returned nil book")
	}

	if _, miss := s.FindOrder(uuid.New()); miss != nil {
		t.Error("FindOrder returned an order for unknown id")
	}
}
