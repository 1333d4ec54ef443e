// Package book implements the per-pair in-memory order books.
//
// Each Book holds two heaps — bids ordered best (highest) price first, asks
// ordered best (lowest) price first, both tie-broken by earliest created_at
// then order id — plus a map from durable order id to the resting entry.
// Heap entries hold pointers to the shared order value, so fill updates made
// under the book lock are visible without re-insertion. Price is immutable
// after admission, so a resting order's heap position never needs a re-key.
//
// Orders live here only while REVEALED or PARTIALLY_FILLED; the durable
// store remains the source of truth and the book is re-derived from it on
// startup.
package book

import (
	"container/heap"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"darkpool/pkg/types"
)

// entry is one resting order plus its heap index, kept stable by the heap
// Swap so removal by id is O(log n).
type entry struct {
	order *types.Order
	index int
}

// sideHeap implements container/heap for one side of the book.
type sideHeap struct {
	entries []*entry
	bids    bool // true: max-heap by price; false: min-heap by price
}

func (h *sideHeap) Len() int { return len(h.entries) }

func (h *sideHeap) Less(i, j int) bool {
	a, b := h.entries[i].order, h.entries[j].order
	if !a.Price.Equal(b.Price) {
		if h.bids {
			return a.Price.GreaterThan(b.Price)
		}
		return a.Price.LessThan(b.Price)
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID.String() < b.ID.String()
}

func (h *sideHeap) Swap(i, j int) {
	h.entries[i], h.entries[j] = h.entries[j], h.entries[i]
	h.entries[i].index = i
	h.entries[j].index = j
}

func (h *sideHeap) Push(x any) {
	e := x.(*entry)
	e.index = len(h.entries)
	h.entries = append(h.entries, e)
}

func (h *sideHeap) Pop() any {
	old := h.entries
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	h.entries = old[:n-1]
	return e
}

// Book is the in-memory order book for a single trading pair.
type Book struct {
	mu         sync.RWMutex
	baseToken  string
	quoteToken string
	bids       *sideHeap
	asks       *sideHeap
	byID       map[uuid.UUID]*entry
}

// New creates an empty book for one pair.
func New(baseToken, quoteToken string) *Book {
	return &Book{
		baseToken:  baseToken,
		quoteToken: quoteToken,
		bids:       &sideHeap{bids: true},
		asks:       &sideHeap{bids: false},
		byID:       make(map[uuid.UUID]*entry),
	}
}

// Add registers an order on the correct side. Adding an id that is already
// present is a no-op (admission is idempotent under retries).
func (b *Book) Add(o *types.Order) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.byID[o.ID]; ok {
		return
	}
	e := &entry{order: o}
	b.byID[o.ID] = e
	heap.Push(b.side(o.Side), e)
}

// Remove excises an order by id. Returns the removed order, or nil if the
// id was not resting here.
func (b *Book) Remove(id uuid.UUID) *types.Order {
	b.mu.Lock()
	defer b.mu.Unlock()

	e, ok := b.byID[id]
	if !ok {
		return nil
	}
	delete(b.byID, id)
	heap.Remove(b.side(e.order.Side), e.index)
	return e.order
}

// Get returns the resting order for id, or nil.
func (b *Book) Get(id uuid.UUID) *types.Order {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if e, ok := b.byID[id]; ok {
		return e.order
	}
	return nil
}

// BestBid returns the highest-priced resting buy, or nil if the side is empty.
func (b *Book) BestBid() *types.Order {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.bids.Len() == 0 {
		return nil
	}
	return b.bids.entries[0].order
}

// BestAsk returns the lowest-priced resting sell, or nil if the side is empty.
func (b *Book) BestAsk() *types.Order {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.asks.Len() == 0 {
		return nil
	}
	return b.asks.entries[0].order
}

// Len returns the number of resting orders on both sides.
func (b *Book) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.byID)
}

// ApplyFill mirrors a committed fill onto the in-memory order and removes
// it from the book when fully filled. The caller passes the durable row's
// post-transaction quantities so memory never diverges from storage.
func (b *Book) ApplyFill(id uuid.UUID, filled, remaining decimal.Decimal, status types.OrderStatus) {
	b.mu.Lock()
	defer b.mu.Unlock()

	e, ok := b.byID[id]
	if !ok {
		return
	}
	e.order.FilledQty = filled
	e.order.RemainingQty = remaining
	e.order.Status = status

	if !status.Active() {
		delete(b.byID, id)
		heap.Remove(b.side(e.order.Side), e.index)
	}
}

// Depth aggregates up to levels price levels per side.
func (b *Book) Depth(levels int) types.BookSnapshot {
	b.mu.RLock()
	defer b.mu.RUnlock()

	return types.BookSnapshot{
		BaseToken:  b.baseToken,
		QuoteToken: b.quoteToken,
		Bids:       aggregate(b.bids, levels),
		Asks:       aggregate(b.asks, levels),
		Timestamp:  time.Now().UTC(),
	}
}

// Orders returns a copy of every resting order value. Used by owner scans
// (cancel) and restart verification; not on the matching hot path.
func (b *Book) Orders() []types.Order {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]types.Order, 0, len(b.byID))
	for _, e := range b.byID {
		out = append(out, *e.order)
	}
	return out
}

func (b *Book) side(s types.Side) *sideHeap {
	if s == types.BUY {
		return b.bids
	}
	return b.asks
}

// aggregate walks a heap in sorted order by draining a copy, collapsing
// equal prices into levels. Heap drain is O(n log n) but runs only for
// snapshot requests.
func aggregate(h *sideHeap, levels int) []types.PriceLevel {
	cp := &sideHeap{bids: h.bids, entries: make([]*entry, len(h.entries))}
	for i, e := range h.entries {
		cp.entries[i] = &entry{order: e.order, index: i}
	}

	out := make([]types.PriceLevel, 0, levels)
	for cp.Len() > 0 {
		e := heap.Pop(cp).(*entry)
		o := e.order
		if n := len(out); n > 0 && out[n-1].Price.Equal(o.Price) {
			out[n-1].Quantity = out[n-1].Quantity.Add(o.RemainingQty)
			out[n-1].OrderCount++
			continue
		}
		if len(out) == levels {
			break
		}
		out = append(out, types.PriceLevel{
			Price:      o.Price,
			Quantity:   o.RemainingQty,
			OrderCount: 1,
		})
	}
	return out
}
