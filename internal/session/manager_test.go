package session

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"darkpool/internal/clearnet"
	"darkpool/pkg/types"
)

type memStore struct {
	mu   sync.Mutex
	keys map[uuid.UUID]*types.SessionKey
}

func newMemStore() *memStore {
	return &memStore{keys: make(map[uuid.UUID]*types.SessionKey)}
}

func (s *memStore) CreateSessionKey(_ context.Context, k *types.SessionKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *k
	s.keys[k.ID] = &cp
	return nil
}

func (s *memStore) ActivateSessionKey(_ context.Context, id uuid.UUID, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k, ok := s.keys[id]
	if !ok {
		return types.ErrNotFound
	}
	if k.Status != types.KeyPending {
		return types.ErrConflict
	}
	for _, other := range s.keys {
		if other.Owner == k.Owner && other.Application == k.Application && other.Status == types.KeyActive {
			other.Status = types.KeyRevoked
		}
	}
	k.Status = types.KeyActive
	k.Token = token
	return nil
}

func (s *memStore) RevokeSessionKey(_ context.Context, address string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, k := range s.keys {
		if k.Address == address && k.Status != types.KeyRevoked {
			k.Status = types.KeyRevoked
			k.Token = ""
			return nil
		}
	}
	return types.ErrNotFound
}

func (s *memStore) ActiveSessionKey(_ context.Context, owner, application string) (*types.SessionKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, k := range s.keys {
		if k.Owner == owner && k.Application == application &&
			k.Status == types.KeyActive && k.ExpiresAt.After(time.Now()) {
			cp := *k
			return &cp, nil
		}
	}
	return nil, types.ErrUnauthenticated
}

func (s *memStore) UpdateSessionToken(_ context.Context, id uuid.UUID, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if k, ok := s.keys[id]; ok {
		k.Token = token
	}
	return nil
}

var upgrader = websocket.Upgrader{}

// authServer answers auth_request with a fixed challenge, auth_verify with
// a token, and acks revoke_session_key.
func authServer(t *testing.T) string {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()
		for {
			_, data, err := ws.ReadMessage()
			if err != nil {
				return
			}
			var frame struct {
				Req []json.RawMessage `json:"req"`
			}
			if err := json.Unmarshal(data, &frame); err != nil || len(frame.Req) < 3 {
				continue
			}
			var id uint64
			var method string
			json.Unmarshal(frame.Req[0], &id)
			json.Unmarshal(frame.Req[1], &method)

			var payload any
			switch method {
			case "auth_request":
				payload = map[string]string{"challenge_message": "challenge-abc"}
			case "auth_verify":
				payload = map[string]any{"jwt_token": "tok-xyz", "success": true}
			case "revoke_session_key":
				payload = map[string]any{"success": true}
			default:
				payload = map[string]any{}
			}
			raw, _ := json.Marshal(payload)
			res, _ := json.Marshal(map[string]any{
				"res": []any{id, method, json.RawMessage(raw), time.Now().UnixMilli()},
			})
			ws.WriteMessage(websocket.TextMessage, res)
		}
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newManager(t *testing.T, st Store) *Manager {
	t.Helper()
	url := authServer(t)
	pool := clearnet.NewPool(url, clearnet.Options{}, quietLogger())
	t.Cleanup(pool.Close)
	m := NewManager(st, pool, url, clearnet.Options{}, "darkpool", 137, quietLogger())
	t.Cleanup(m.Close)
	return m
}

func TestCreateThenActivate(t *testing.T) {
	t.Parallel()
	st := newMemStore()
	m := newManager(t, st)

	res, err := m.Create(context.Background(), "0xalice", types.Allowances{{Asset: "usdc", Amount: decimal.NewFromInt(1000)}}, time.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if res.Challenge != "challenge-abc" {
		t.Errorf("challenge = %q", res.Challenge)
	}
	if k := st.keys[res.KeyID]; k == nil || k.Status != types.KeyPending {
		t.Fatalf("key not persisted PENDING")
	}

	key, err := m.Activate(context.Background(), res.KeyID, "0xwalletsig")
	if err != nil {
		t.Fatalf("Activate: %v", err)
	}
	if key.Status != types.KeyActive || key.Token != "tok-xyz" {
		t.Errorf("key = %+v, want ACTIVE with tok-xyz", key)
	}

	got, err := st.ActiveSessionKey(context.Background(), "0xalice", "darkpool")
	if err != nil {
		t.Fatalf("ActiveSessionKey: %v", err)
	}
	if got.Address != res.Address {
		t.Errorf("active key address = %s, want %s", got.Address, res.Address)
	}
}

func TestActivateUnknownKey(t *testing.T) {
	t.Parallel()
	m := newManager(t, newMemStore())
	if _, err := m.Activate(context.Background(), uuid.New(), "sig"); !errors.Is(err, types.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestActivateReplacesPreviousActive(t *testing.T) {
	t.Parallel()
	st := newMemStore()
	m := newManager(t, st)

	first, err := m.Create(context.Background(), "0xalice", nil, time.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := m.Activate(context.Background(), first.KeyID, "sig"); err != nil {
		t.Fatalf("Activate first: %v", err)
	}

	second, err := m.Create(context.Background(), "0xalice", nil, time.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("Create second: %v", err)
	}
	if _, err := m.Activate(context.Background(), second.KeyID, "sig"); err != nil {
		t.Fatalf("Activate second: %v", err)
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	var active int
	for _, k := range st.keys {
		if k.Owner == "0xalice" && k.Status == types.KeyActive {
			active++
		}
	}
	if active != 1 {
		t.Errorf("%d active keys for owner, want exactly 1", active)
	}
}

func TestAbandonedHandshakeReaped(t *testing.T) {
	t.Parallel()
	st := newMemStore()
	m := newManager(t, st)

	stale, err := m.Create(context.Background(), "0xalice", nil, time.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("Create stale: %v", err)
	}
	fresh, err := m.Create(context.Background(), "0xbob", nil, time.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("Create fresh: %v", err)
	}

	// Backdate the first handshake past the TTL and run one sweep.
	m.mu.Lock()
	m.pending[stale.KeyID].created = time.Now().Add(-pendingTTL - time.Minute)
	m.mu.Unlock()
	m.expirePending(time.Now())

	if _, err := m.Activate(context.Background(), stale.KeyID, "sig"); !errors.Is(err, types.ErrNotFound) {
		t.Errorf("stale Activate err = %v, want ErrNotFound", err)
	}
	if _, err := m.Activate(context.Background(), fresh.KeyID, "sig"); err != nil {
		t.Errorf("fresh Activate: %v", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.pending) != 0 {
		t.Errorf("%d pending handshakes left, want 0", len(m.pending))
	}
}

func TestEnsureEngineKey(t *testing.T) {
	t.Parallel()
	st := newMemStore()
	m := newManager(t, st)

	wallet, err := clearnet.NewTypedSigner(
		"0x59c6995e998f97a5a0044966f0945389dc9e86dae88c7a8412f4603b6b78690d", "clearnet", 137)
	if err != nil {
		t.Fatalf("NewTypedSigner: %v", err)
	}

	key, err := m.EnsureEngineKey(context.Background(), wallet)
	if err != nil {
		t.Fatalf("EnsureEngineKey: %v", err)
	}
	if key.Owner != types.EngineOwner || key.Status != types.KeyActive {
		t.Fatalf("key = %+v, want ACTIVE engine key", key)
	}

	// Second call reuses the existing key instead of re-running the handshake.
	again, err := m.EnsureEngineKey(context.Background(), wallet)
	if err != nil {
		t.Fatalf("EnsureEngineKey again: %v", err)
	}
	if again.Address != key.Address {
		t.Errorf("engine key regenerated: %s != %s", again.Address, key.Address)
	}
}
