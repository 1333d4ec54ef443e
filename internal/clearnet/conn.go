// Package clearnet implements the coordinator side of the clearing-network
// protocol: a multiplexed websocket connection carrying signed JSON frames,
// request-id correlation for concurrent callers, keepalive, and a pool that
// keeps the engine connection alive with exponential-backoff reconnects
// while opening per-user connections lazily.
//
// Every request frame is `{"req": [id, method, params, ts], "sig": [...]}`
// and every response is `{"res": [id, method, payload, ts], "sig": [...]}`.
// The signature covers the serialized req array; most RPCs are signed by the
// connection's session key, while auth and key revocation carry EIP-712
// wallet signatures supplied by the caller.
package clearnet

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"darkpool/pkg/types"
)

const (
	defaultResponseTimeout = 10 * time.Second
	defaultResizeTimeout   = 15 * time.Second
	defaultPingInterval    = 30 * time.Second
	writeTimeout           = 10 * time.Second
)

// Options tunes per-connection timeouts. Zero values take the defaults above.
type Options struct {
	ResponseTimeout time.Duration
	ResizeTimeout   time.Duration
	PingInterval    time.Duration
}

func (o Options) withDefaults() Options {
	if o.ResponseTimeout <= 0 {
		o.ResponseTimeout = defaultResponseTimeout
	}
	if o.ResizeTimeout <= 0 {
		o.ResizeTimeout = defaultResizeTimeout
	}
	if o.PingInterval <= 0 {
		o.PingInterval = defaultPingInterval
	}
	return o
}

// response is one routed frame delivered to a waiter.
type response struct {
	method  string
	payload json.RawMessage
}

// Conn is a single multiplexed connection. One reader goroutine routes
// response frames by request id into one-shot waiter channels; writes are
// serialized by writeMu. Safe for concurrent callers.
type Conn struct {
	url    string
	opts   Options
	signer Signer
	logger *slog.Logger

	conn    *websocket.Conn
	writeMu sync.Mutex

	nextID atomic.Uint64

	waitersMu sync.Mutex
	waiters   map[uint64]chan response

	done      chan struct{}
	closeOnce sync.Once
	closeErr  error
}

// Dial opens a connection and starts its reader and keepalive loops.
// The signer signs every outbound frame (typically a session key).
func Dial(ctx context.Context, url string, signer Signer, opts Options, logger *slog.Logger) (*Conn, error) {
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %v: %w", url, err, types.ErrUnreachable)
	}

	c := &Conn{
		url:     url,
		opts:    opts.withDefaults(),
		signer:  signer,
		logger:  logger.With("component", "clearnet"),
		conn:    ws,
		waiters: make(map[uint64]chan response),
		done:    make(chan struct{}),
	}
	go c.readLoop()
	go c.pingLoop()
	return c, nil
}

// Done is closed when the connection is no longer usable.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// Close tears the connection down and fails every outstanding waiter.
func (c *Conn) Close() error {
	c.shutdown(nil)
	return c.closeErr
}

func (c *Conn) shutdown(cause error) {
	c.closeOnce.Do(func() {
		c.closeErr = c.conn.Close()
		close(c.done)

		c.waitersMu.Lock()
		for id, ch := range c.waiters {
			close(ch)
			delete(c.waiters, id)
		}
		c.waitersMu.Unlock()

		if cause != nil {
			c.logger.Warn("connection closed", "url", c.url, "error", cause)
		}
	})
}

// Call sends one signed request and waits for the correlated response,
// decoding its payload into out (out may be nil). The timeout is the default
// response timeout; use CallTimeout for operations with a different budget.
func (c *Conn) Call(ctx context.Context, method string, params, out any) error {
	return c.CallTimeout(ctx, method, params, out, c.opts.ResponseTimeout)
}

// CallTimeout is Call with an explicit per-request deadline.
func (c *Conn) CallTimeout(ctx context.Context, method string, params, out any, timeout time.Duration) error {
	return c.call(ctx, method, params, nil, out, timeout)
}

// CallSigned is Call with caller-supplied signatures replacing the
// connection signer's. Used for auth challenges and wallet-bound RPCs.
func (c *Conn) CallSigned(ctx context.Context, method string, params any, sigs []string, out any) error {
	return c.call(ctx, method, params, sigs, out, c.opts.ResponseTimeout)
}

func (c *Conn) call(ctx context.Context, method string, params any, sigs []string, out any, timeout time.Duration) error {
	select {
	case <-c.done:
		return fmt.Errorf("%s: connection closed: %w", method, types.ErrUnreachable)
	default:
	}

	id := c.nextID.Add(1)
	frame, err := c.buildFrame(id, method, params, sigs)
	if err != nil {
		return err
	}

	ch := make(chan response, 1)
	c.waitersMu.Lock()
	c.waiters[id] = ch
	c.waitersMu.Unlock()

	if err := c.write(frame); err != nil {
		c.removeWaiter(id)
		return fmt.Errorf("%s: write: %w", method, err)
	}

	select {
	case res, ok := <-ch:
		if !ok {
			return fmt.Errorf("%s: connection closed: %w", method, types.ErrUnreachable)
		}
		if res.method == "error" {
			return fmt.Errorf("%s: %s: %w", method, errorText(res.payload), types.ErrConsensusRejected)
		}
		if out != nil {
			if err := json.Unmarshal(res.payload, out); err != nil {
				return fmt.Errorf("%s: decode payload: %w", method, err)
			}
		}
		return nil
	case <-time.After(timeout):
		c.removeWaiter(id)
		return fmt.Errorf("%s: no response within %s: %w", method, timeout, types.ErrTimeout)
	case <-ctx.Done():
		c.removeWaiter(id)
		return ctx.Err()
	}
}

// buildFrame serializes the req array once so the signature covers the exact
// bytes on the wire.
func (c *Conn) buildFrame(id uint64, method string, params any, sigs []string) ([]byte, error) {
	rawParams, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("%s: encode params: %w", method, err)
	}
	req, err := json.Marshal([]any{id, method, json.RawMessage(rawParams), time.Now().UnixMilli()})
	if err != nil {
		return nil, fmt.Errorf("%s: encode request: %w", method, err)
	}

	if sigs == nil {
		sig, err := c.signer.Sign(req)
		if err != nil {
			return nil, fmt.Errorf("%s: sign request: %w", method, err)
		}
		sigs = []string{sig}
	}

	return json.Marshal(struct {
		Req json.RawMessage `json:"req"`
		Sig []string        `json:"sig"`
	}{Req: req, Sig: sigs})
}

func (c *Conn) write(frame []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.conn.WriteMessage(websocket.TextMessage, frame)
}

func (c *Conn) removeWaiter(id uint64) {
	c.waitersMu.Lock()
	delete(c.waiters, id)
	c.waitersMu.Unlock()
}

func (c *Conn) readLoop() {
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			c.shutdown(err)
			return
		}
		c.route(data)
	}
}

// route parses one inbound frame and delivers it to its waiter. Frames with
// no registered waiter (server pushes, late responses) are dropped with a
// debug log.
func (c *Conn) route(data []byte) {
	var frame struct {
		Res []json.RawMessage `json:"res"`
	}
	if err := json.Unmarshal(data, &frame); err != nil || len(frame.Res) < 3 {
		c.logger.Debug("ignoring malformed frame", "data", string(data))
		return
	}

	var id uint64
	if err := json.Unmarshal(frame.Res[0], &id); err != nil {
		c.logger.Debug("frame without numeric id", "data", string(data))
		return
	}
	var method string
	if err := json.Unmarshal(frame.Res[1], &method); err != nil {
		method = ""
	}

	c.waitersMu.Lock()
	ch, ok := c.waiters[id]
	if ok {
		delete(c.waiters, id)
	}
	c.waitersMu.Unlock()

	if !ok {
		c.logger.Debug("no waiter for frame", "id", id, "method", method)
		return
	}
	ch <- response{method: method, payload: frame.Res[2]}
}

func (c *Conn) pingLoop() {
	ticker := time.NewTicker(c.opts.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.writeMu.Lock()
			c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			err := c.conn.WriteMessage(websocket.PingMessage, nil)
			c.writeMu.Unlock()
			if err != nil {
				c.logger.Warn("ping failed", "error", err)
				c.shutdown(err)
				return
			}
		}
	}
}

func errorText(payload json.RawMessage) string {
	var body struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(payload, &body); err == nil && body.Error != "" {
		return body.Error
	}
	return string(payload)
}
