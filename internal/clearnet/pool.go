package clearnet

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"darkpool/pkg/types"
)

const maxReconnectWait = 30 * time.Second

// AuthFunc performs the full wallet-signed handshake on a fresh connection
// and returns the issued bearer token. The pool calls it when no cached
// token exists or token re-auth is rejected.
type AuthFunc func(ctx context.Context, c *Conn) (token string, err error)

// Pool owns one process-wide engine connection plus lazily-opened per-user
// connections. The engine connection reconnects automatically with
// exponential backoff, preferring cached-token re-auth over a fresh wallet
// handshake. User connections are not monitored; a dead one is replaced on
// the next request.
type Pool struct {
	url    string
	opts   Options
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu          sync.Mutex
	engine      *Conn
	engineSig   Signer
	engineToken string
	engineAuth  AuthFunc
	users       map[string]*Conn
}

// NewPool creates a pool for one clearing-network endpoint.
func NewPool(url string, opts Options, logger *slog.Logger) *Pool {
	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		url:    url,
		opts:   opts,
		logger: logger.With("component", "clearnet_pool"),
		ctx:    ctx,
		cancel: cancel,
		users:  make(map[string]*Conn),
	}
}

// ConnectEngine dials and authenticates the engine connection, then starts
// the reconnect monitor. token may be empty, in which case auth runs the
// full handshake.
func (p *Pool) ConnectEngine(ctx context.Context, signer Signer, token string, auth AuthFunc) error {
	conn, newToken, err := p.dialAuthed(ctx, signer, token, auth)
	if err != nil {
		return fmt.Errorf("engine connect: %w", err)
	}

	p.mu.Lock()
	p.engine = conn
	p.engineSig = signer
	p.engineToken = newToken
	p.engineAuth = auth
	p.mu.Unlock()

	go p.monitorEngine(conn)
	p.logger.Info("engine connection established", "url", p.url)
	return nil
}

// Engine returns the live engine connection.
func (p *Pool) Engine() (*Conn, error) {
	p.mu.Lock()
	conn := p.engine
	p.mu.Unlock()
	if conn == nil {
		return nil, fmt.Errorf("engine connection down: %w", types.ErrUnreachable)
	}
	select {
	case <-conn.Done():
		return nil, fmt.Errorf("engine connection down: %w", types.ErrUnreachable)
	default:
		return conn, nil
	}
}

// EngineToken returns the engine's current bearer token, refreshed across
// reconnects. Persisted by the caller so a process restart can skip the
// wallet handshake.
func (p *Pool) EngineToken() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.engineToken
}

// User returns an authenticated connection for one user, reusing an open
// one when available. The signer is the user's session key; token is the
// key's cached bearer token.
func (p *Pool) User(ctx context.Context, owner string, signer Signer, token string) (*Conn, error) {
	p.mu.Lock()
	if conn, ok := p.users[owner]; ok {
		select {
		case <-conn.Done():
			delete(p.users, owner)
		default:
			p.mu.Unlock()
			return conn, nil
		}
	}
	p.mu.Unlock()

	conn, _, err := p.dialAuthed(ctx, signer, token, nil)
	if err != nil {
		return nil, fmt.Errorf("user connect %s: %w", owner, err)
	}

	p.mu.Lock()
	p.users[owner] = conn
	p.mu.Unlock()
	return conn, nil
}

// DropUser closes and forgets a user's connection (key revoked).
func (p *Pool) DropUser(owner string) {
	p.mu.Lock()
	conn, ok := p.users[owner]
	delete(p.users, owner)
	p.mu.Unlock()
	if ok {
		conn.Close()
	}
}

// Close shuts down the monitor and every open connection.
func (p *Pool) Close() {
	p.cancel()

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.engine != nil {
		p.engine.Close()
		p.engine = nil
	}
	for owner, conn := range p.users {
		conn.Close()
		delete(p.users, owner)
	}
}

// dialAuthed opens one connection and authenticates it: cached token first,
// full handshake as fallback (when auth is non-nil).
func (p *Pool) dialAuthed(ctx context.Context, signer Signer, token string, auth AuthFunc) (*Conn, string, error) {
	conn, err := Dial(ctx, p.url, signer, p.opts, p.logger)
	if err != nil {
		return nil, "", err
	}

	if token != "" {
		res, err := conn.AuthWithToken(ctx, token)
		if err == nil {
			return conn, res.Token, nil
		}
		if !errors.Is(err, types.ErrUnauthenticated) && !errors.Is(err, types.ErrConsensusRejected) {
			conn.Close()
			return nil, "", err
		}
		p.logger.Warn("cached token rejected, falling back to handshake", "error", err)
	}

	if auth == nil {
		conn.Close()
		return nil, "", fmt.Errorf("no valid token and no handshake available: %w", types.ErrUnauthenticated)
	}
	newToken, err := auth(ctx, conn)
	if err != nil {
		conn.Close()
		return nil, "", err
	}
	return conn, newToken, nil
}

// monitorEngine waits for the engine connection to die and replaces it,
// backing off exponentially between attempts (1s doubling to 30s).
func (p *Pool) monitorEngine(conn *Conn) {
	select {
	case <-p.ctx.Done():
		return
	case <-conn.Done():
	}

	backoff := time.Second
	for {
		p.mu.Lock()
		signer, token, auth := p.engineSig, p.engineToken, p.engineAuth
		p.engine = nil
		p.mu.Unlock()

		p.logger.Warn("engine connection lost, reconnecting", "backoff", backoff)
		select {
		case <-p.ctx.Done():
			return
		case <-time.After(backoff):
		}

		next, newToken, err := p.dialAuthed(p.ctx, signer, token, auth)
		if err != nil {
			p.logger.Error("engine reconnect failed", "error", err)
			backoff *= 2
			if backoff > maxReconnectWait {
				backoff = maxReconnectWait
			}
			continue
		}

		p.mu.Lock()
		p.engine = next
		p.engineToken = newToken
		p.mu.Unlock()
		p.logger.Info("engine connection restored")

		go p.monitorEngine(next)
		return
	}
}
