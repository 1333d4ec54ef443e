package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"darkpool/pkg/types"
)

// Client is the gateway side of the framed RPC link.
type Client struct {
	conn    net.Conn
	writeMu sync.Mutex
	nextID  atomic.Uint64

	mu      sync.Mutex
	waiters map[uint64]chan *Message
	matches chan types.MatchEvent

	done      chan struct{}
	closeOnce sync.Once
}

// NewClient wraps an established connection and starts its read loop.
func NewClient(conn net.Conn) *Client {
	c := &Client{
		conn:    conn,
		waiters: make(map[uint64]chan *Message),
		done:    make(chan struct{}),
	}
	go c.readLoop()
	return c
}

// Close tears down the connection; outstanding calls fail Unreachable.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		err = c.conn.Close()
	})
	return err
}

// SubmitOrder reveals an order to the matcher.
func (c *Client) SubmitOrder(ctx context.Context, d *types.OrderDetail) (*types.Order, error) {
	var order types.Order
	if err := c.call(ctx, TypeSubmitOrder, d, &order); err != nil {
		return nil, err
	}
	return &order, nil
}

// CancelOrder cancels the owner's order.
func (c *Client) CancelOrder(ctx context.Context, req types.CancelRequest) (*types.Order, error) {
	var order types.Order
	if err := c.call(ctx, TypeCancelOrder, req, &order); err != nil {
		return nil, err
	}
	return &order, nil
}

// OrderBook fetches an aggregated snapshot for one pair.
func (c *Client) OrderBook(ctx context.Context, baseToken, quoteToken string, levels int) (*types.BookSnapshot, error) {
	var snapshot types.BookSnapshot
	req := BookRequest{BaseToken: baseToken, QuoteToken: quoteToken, Levels: levels}
	if err := c.call(ctx, TypeGetOrderBook, req, &snapshot); err != nil {
		return nil, err
	}
	return &snapshot, nil
}

// StreamMatches subscribes to the matcher's push feed. The returned channel
// closes when the connection does.
func (c *Client) StreamMatches(ctx context.Context) (<-chan types.MatchEvent, error) {
	c.mu.Lock()
	if c.matches == nil {
		c.matches = make(chan types.MatchEvent, 64)
	}
	matches := c.matches
	c.mu.Unlock()

	var ack struct {
		Streaming bool `json:"streaming"`
	}
	if err := c.call(ctx, TypeStreamMatches, struct{}{}, &ack); err != nil {
		return nil, err
	}
	return matches, nil
}

// Health pings the matcher.
func (c *Client) Health(ctx context.Context) error {
	var res struct {
		Status string `json:"status"`
	}
	return c.call(ctx, TypeHealthCheck, struct{}{}, &res)
}

func (c *Client) call(ctx context.Context, msgType string, params, result any) error {
	payload, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("encode %s: %w", msgType, err)
	}
	id := c.nextID.Add(1)

	waiter := make(chan *Message, 1)
	c.mu.Lock()
	c.waiters[id] = waiter
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.waiters, id)
		c.mu.Unlock()
	}()

	c.writeMu.Lock()
	err = WriteFrame(c.conn, &Message{Type: msgType, ID: id, Payload: payload})
	c.writeMu.Unlock()
	if err != nil {
		return fmt.Errorf("%s: %w", msgType, types.ErrUnreachable)
	}

	select {
	case msg := <-waiter:
		if msg == nil { // waiter closed by connection teardown
			return fmt.Errorf("%s: %w", msgType, types.ErrUnreachable)
		}
		if msg.Type == TypeError {
			return decodeError(msg.Payload)
		}
		if result != nil {
			if err := json.Unmarshal(msg.Payload, result); err != nil {
				return fmt.Errorf("decode %s response: %w", msgType, err)
			}
		}
		return nil
	case <-c.done:
		return fmt.Errorf("%s: %w", msgType, types.ErrUnreachable)
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Client) readLoop() {
	defer func() {
		c.mu.Lock()
		for id, waiter := range c.waiters {
			delete(c.waiters, id)
			close(waiter)
		}
		if c.matches != nil {
			close(c.matches)
		}
		c.mu.Unlock()
		c.Close()
	}()

	for {
		msg, err := ReadFrame(c.conn)
		if err != nil {
			return
		}
		if msg.Type == TypeMatch {
			var evt types.MatchEvent
			if json.Unmarshal(msg.Payload, &evt) == nil {
				c.mu.Lock()
				matches := c.matches
				c.mu.Unlock()
				if matches != nil {
					select {
					case matches <- evt:
					default: // slow consumer, drop
					}
				}
			}
			continue
		}

		c.mu.Lock()
		waiter, ok := c.waiters[msg.ID]
		if ok {
			delete(c.waiters, msg.ID)
		}
		c.mu.Unlock()
		if ok {
			waiter <- msg
		}
	}
}

func decodeError(payload json.RawMessage) error {
	var p ErrorPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return fmt.Errorf("malformed error frame: %w", err)
	}
	if kind := codeError(p.Code); kind != nil {
		return fmt.Errorf("%s: %w", p.Error, kind)
	}
	return fmt.Errorf("matcher error: %s", p.Error)
}
