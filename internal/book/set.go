package book

import (
	"sync"

	"github.com/google/uuid"

	"darkpool/pkg/types"
)

// Set maps trading pairs to their books. Book creation is lazy and
// idempotent under concurrent access.
type Set struct {
	mu    sync.RWMutex
	books map[string]*Book
}

// NewSet creates an empty book set.
func NewSet() *Set {
	return &Set{books: make(map[string]*Book)}
}

// Get returns the book for (base, quote), creating it if absent.
func (s *Set) Get(baseToken, quoteToken string) *Book {
	key := baseToken + "/" + quoteToken

	s.mu.RLock()
	b, ok := s.books[key]
	s.mu.RUnlock()
	if ok {
		return b
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if b, ok := s.books[key]; ok {
		return b
	}
	b = New(baseToken, quoteToken)
	s.books[key] = b
	return b
}

// Lookup returns the book for (base, quote) without creating it.
func (s *Set) Lookup(baseToken, quoteToken string) (*Book, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.books[baseToken+"/"+quoteToken]
	return b, ok
}

// FindOrder scans every book for an order id. Cancel requests don't carry
// the pair, and cancels are rare enough that a linear scan over books is
// acceptable.
func (s *Set) FindOrder(id uuid.UUID) (*Book, *types.Order) {
	s.mu.RLock()
	books := make([]*Book, 0, len(s.books))
	for _, b := range s.books {
		books = append(books, b)
	}
	s.mu.RUnlock()

	for _, b := range books {
		if o := b.Get(id); o != nil {
			return b, o
		}
	}
	return nil, nil
}
