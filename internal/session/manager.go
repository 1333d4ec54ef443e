// Package session manages delegated signing keys: ephemeral ECDSA keys a
// wallet authorizes for clearing-network operations via the two-phase
// EIP-712 handshake. The engine's own key is bootstrapped at startup from
// the engine wallet; user keys go through the HTTP layer, which relays the
// wallet's signature.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"darkpool/internal/clearnet"
	"darkpool/pkg/types"
)

const (
	authScope = "app.sign"

	// pendingTTL bounds how long an unfinished handshake may hold its
	// connection open; sweepInterval is how often abandoned ones are reaped.
	pendingTTL    = 5 * time.Minute
	sweepInterval = time.Minute
)

func clearnetAddress(hex string) common.Address {
	return common.HexToAddress(hex)
}

// Store is the durable surface for session keys.
type Store interface {
	CreateSessionKey(ctx context.Context, k *types.SessionKey) error
	ActivateSessionKey(ctx context.Context, id uuid.UUID, token string) error
	RevokeSessionKey(ctx context.Context, address string) error
	ActiveSessionKey(ctx context.Context, owner, application string) (*types.SessionKey, error)
	UpdateSessionToken(ctx context.Context, id uuid.UUID, token string) error
}

// pendingAuth holds the open connection between the two handshake phases:
// the challenge is bound to the connection that requested it.
type pendingAuth struct {
	conn      *clearnet.Conn
	challenge string
	key       *types.SessionKey
	created   time.Time
}

// Manager drives the session-key lifecycle against the store and the
// clearing network.
type Manager struct {
	store       Store
	pool        *clearnet.Pool
	url         string
	opts        clearnet.Options
	application string
	chainID     int64
	logger      *slog.Logger

	mu      sync.Mutex
	pending map[uuid.UUID]*pendingAuth

	done     chan struct{}
	stopOnce sync.Once
}

// NewManager creates a session-key manager. url and opts are used for the
// short-lived handshake connections; established keys talk through pool.
func NewManager(st Store, pool *clearnet.Pool, url string, opts clearnet.Options, application string, chainID int64, logger *slog.Logger) *Manager {
	m := &Manager{
		store:       st,
		pool:        pool,
		url:         url,
		opts:        opts,
		application: application,
		chainID:     chainID,
		logger:      logger.With("component", "session"),
		pending:     make(map[uuid.UUID]*pendingAuth),
		done:        make(chan struct{}),
	}
	go m.sweepPending()
	return m
}

// Close stops the handshake janitor and drops any pending handshakes.
func (m *Manager) Close() {
	m.stopOnce.Do(func() { close(m.done) })
}

// sweepPending reaps handshakes the wallet never completed: each holds an
// open connection, so abandoned ones would otherwise accumulate forever.
func (m *Manager) sweepPending() {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.done:
			m.mu.Lock()
			for id, p := range m.pending {
				delete(m.pending, id)
				p.conn.Close()
			}
			m.mu.Unlock()
			return
		case <-ticker.C:
			m.expirePending(time.Now())
		}
	}
}

// expirePending closes and removes handshakes older than pendingTTL.
func (m *Manager) expirePending(now time.Time) {
	m.mu.Lock()
	var stale []*pendingAuth
	for id, p := range m.pending {
		if now.Sub(p.created) > pendingTTL {
			delete(m.pending, id)
			stale = append(stale, p)
		}
	}
	m.mu.Unlock()

	for _, p := range stale {
		p.conn.Close()
		m.logger.Info("abandoned handshake expired", "owner", p.key.Owner, "key", p.key.ID)
	}
}

// CreateResult is the first-phase output: the caller signs Challenge as
// EIP-712 typed data with the owner wallet and passes it to Activate.
type CreateResult struct {
	KeyID      uuid.UUID        `json:"key_id"`
	Address    string           `json:"address"`
	Challenge  string           `json:"challenge"`
	Expire     int64            `json:"expire"`
	Scope      string           `json:"scope"`
	Allowances types.Allowances `json:"allowances"`
}

// Create generates an ephemeral key, persists it PENDING, and opens the
// handshake. The returned challenge stays valid while the underlying
// connection is held (dropped after ttl by Activate's staleness check).
func (m *Manager) Create(ctx context.Context, owner string, allowances types.Allowances, expiresAt time.Time) (*CreateResult, error) {
	signer, err := clearnet.GenerateRawSigner()
	if err != nil {
		return nil, fmt.Errorf("generate session key: %w", err)
	}

	key := &types.SessionKey{
		ID:          uuid.New(),
		Owner:       owner,
		Address:     signer.Address().Hex(),
		Secret:      signer.SecretHex(),
		Application: m.application,
		Allowances:  allowances,
		Status:      types.KeyPending,
		ExpiresAt:   expiresAt,
	}
	if err := m.store.CreateSessionKey(ctx, key); err != nil {
		return nil, err
	}

	conn, err := clearnet.Dial(ctx, m.url, signer, m.opts, m.logger)
	if err != nil {
		return nil, err
	}
	challenge, err := conn.AuthRequest(ctx, clearnet.AuthRequestParams{
		Wallet:      owner,
		SessionKey:  key.Address,
		Application: m.application,
		Scope:       authScope,
		Expire:      expiresAt.Unix(),
		Allowances:  allowances,
	})
	if err != nil {
		conn.Close()
		return nil, err
	}

	m.mu.Lock()
	m.pending[key.ID] = &pendingAuth{
		conn:      conn,
		challenge: challenge.ChallengeMessage,
		key:       key,
		created:   time.Now(),
	}
	m.mu.Unlock()

	return &CreateResult{
		KeyID:      key.ID,
		Address:    key.Address,
		Challenge:  challenge.ChallengeMessage,
		Expire:     expiresAt.Unix(),
		Scope:      authScope,
		Allowances: allowances,
	}, nil
}

// Activate completes the handshake with the wallet's typed-data signature
// over the challenge policy, persisting the key ACTIVE with its token.
func (m *Manager) Activate(ctx context.Context, keyID uuid.UUID, walletSig string) (*types.SessionKey, error) {
	m.mu.Lock()
	p, ok := m.pending[keyID]
	delete(m.pending, keyID)
	m.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("no pending handshake for key %s: %w", keyID, types.ErrNotFound)
	}
	defer p.conn.Close()

	if time.Since(p.created) > pendingTTL {
		return nil, fmt.Errorf("handshake expired: %w", types.ErrTimeout)
	}

	res, err := p.conn.AuthVerify(ctx, p.challenge, walletSig)
	if err != nil {
		return nil, err
	}
	if err := m.store.ActivateSessionKey(ctx, keyID, res.Token); err != nil {
		return nil, err
	}

	p.key.Status = types.KeyActive
	p.key.Token = res.Token
	m.logger.Info("session key activated", "owner", p.key.Owner, "address", p.key.Address)
	return p.key, nil
}

// Revoke revokes a key both on the clearing network (via the engine
// connection, authorized by walletSig) and in the store, and drops the
// owner's pooled connection.
func (m *Manager) Revoke(ctx context.Context, owner, walletSig string) error {
	key, err := m.store.ActiveSessionKey(ctx, owner, m.application)
	if err != nil {
		return err
	}

	conn, err := m.pool.Engine()
	if err != nil {
		return err
	}
	if err := conn.RevokeSessionKey(ctx, key.Address, walletSig); err != nil {
		return err
	}
	if err := m.store.RevokeSessionKey(ctx, key.Address); err != nil {
		return err
	}
	m.pool.DropUser(owner)
	m.logger.Info("session key revoked", "owner", owner, "address", key.Address)
	return nil
}

// UserConn returns an authenticated pooled connection for an owner's
// ACTIVE session key.
func (m *Manager) UserConn(ctx context.Context, owner string) (*clearnet.Conn, error) {
	key, err := m.store.ActiveSessionKey(ctx, owner, m.application)
	if err != nil {
		return nil, err
	}
	signer, err := clearnet.NewRawSigner(key.Secret)
	if err != nil {
		return nil, fmt.Errorf("session key %s: %w", key.Address, err)
	}
	return m.pool.User(ctx, owner, signer, key.Token)
}

// EnsureEngineKey returns the engine's ACTIVE session key, running the full
// wallet handshake with the engine wallet when none exists. walletSigner is
// the engine wallet's typed-data signer.
func (m *Manager) EnsureEngineKey(ctx context.Context, walletSigner *clearnet.TypedSigner) (*types.SessionKey, error) {
	key, err := m.store.ActiveSessionKey(ctx, types.EngineOwner, m.application)
	if err == nil {
		return key, nil
	}

	res, err := m.Create(ctx, types.EngineOwner, nil, time.Now().Add(30*24*time.Hour))
	if err != nil {
		return nil, fmt.Errorf("engine key handshake: %w", err)
	}

	sig, err := walletSigner.SignPolicy(clearnet.AuthPolicy{
		Challenge:   res.Challenge,
		Scope:       res.Scope,
		Wallet:      walletSigner.Address(),
		Application: walletSigner.Address(),
		Participant: clearnetAddress(res.Address),
		Expire:      res.Expire,
		Allowances:  res.Allowances,
	})
	if err != nil {
		return nil, fmt.Errorf("sign engine policy: %w", err)
	}
	return m.Activate(ctx, res.KeyID, sig)
}

// EngineAuthFunc builds the reconnect handshake for the pool's engine
// connection: a fresh challenge signed by the engine wallet, with the new
// token persisted on the key row.
func (m *Manager) EngineAuthFunc(key *types.SessionKey, walletSigner *clearnet.TypedSigner) clearnet.AuthFunc {
	return func(ctx context.Context, c *clearnet.Conn) (string, error) {
		challenge, err := c.AuthRequest(ctx, clearnet.AuthRequestParams{
			Wallet:      walletSigner.Address().Hex(),
			SessionKey:  key.Address,
			Application: m.application,
			Scope:       authScope,
			Expire:      key.ExpiresAt.Unix(),
			Allowances:  key.Allowances,
		})
		if err != nil {
			return "", err
		}
		sig, err := walletSigner.SignPolicy(clearnet.AuthPolicy{
			Challenge:   challenge.ChallengeMessage,
			Scope:       authScope,
			Wallet:      walletSigner.Address(),
			Application: walletSigner.Address(),
			Participant: clearnetAddress(key.Address),
			Expire:      key.ExpiresAt.Unix(),
			Allowances:  key.Allowances,
		})
		if err != nil {
			return "", err
		}
		res, err := c.AuthVerify(ctx, challenge.ChallengeMessage, sig)
		if err != nil {
			return "", err
		}
		if err := m.store.UpdateSessionToken(ctx, key.ID, res.Token); err != nil {
			m.logger.Warn("persist refreshed token failed", "error", err)
		}
		return res.Token, nil
	}
}
