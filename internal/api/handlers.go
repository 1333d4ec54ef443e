package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"darkpool/internal/book"
	"darkpool/internal/clearnet"
	"darkpool/internal/session"
	"darkpool/pkg/types"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Core is the matching-engine surface the HTTP layer forwards to.
type Core interface {
	Commit(ctx context.Context, d *types.OrderDetail) (*types.Order, error)
	Submit(ctx context.Context, d *types.OrderDetail) (*types.Order, error)
	Cancel(ctx context.Context, req types.CancelRequest) (*types.Order, error)
	Books() *book.Set
}

// Store is the read/admin surface of the durable store.
type Store interface {
	ListOrdersByOwner(ctx context.Context, owner string, limit int) ([]types.Order, error)
	ListMatchesByOwner(ctx context.Context, owner string, limit int) ([]types.Match, error)
	ResetMatch(ctx context.Context, id uuid.UUID) error
}

// Sessions is the session-key lifecycle surface.
type Sessions interface {
	Create(ctx context.Context, owner string, allowances types.Allowances, expiresAt time.Time) (*session.CreateResult, error)
	Activate(ctx context.Context, keyID uuid.UUID, walletSig string) (*types.SessionKey, error)
	Revoke(ctx context.Context, owner, walletSig string) error
}

// Clearing is the owner-scoped clearing-network surface for channel and
// balance endpoints.
type Clearing interface {
	Channels(ctx context.Context, owner string) ([]types.Channel, error)
	CreateChannel(ctx context.Context, owner string, chainID int64, token string, amount decimal.Decimal) (*clearnet.ChannelInfo, error)
	ResizeChannel(ctx context.Context, owner, channelID string, resizeAmount, allocateAmount decimal.Decimal) (*clearnet.ResizeState, error)
	Balances(ctx context.Context, owner string) ([]types.LedgerBalance, error)
}

// SessionClearing adapts the session manager's pooled user connections to
// Clearing: each call resolves the owner's lazily-dialed connection.
type SessionClearing struct {
	Sessions *session.Manager
}

func (s SessionClearing) Channels(ctx context.Context, owner string) ([]types.Channel, error) {
	conn, err := s.Sessions.UserConn(ctx, owner)
	if err != nil {
		return nil, err
	}
	return conn.GetChannels(ctx, owner)
}

func (s SessionClearing) CreateChannel(ctx context.Context, owner string, chainID int64, token string, amount decimal.Decimal) (*clearnet.ChannelInfo, error) {
	conn, err := s.Sessions.UserConn(ctx, owner)
	if err != nil {
		return nil, err
	}
	return conn.CreateChannel(ctx, chainID, token, amount)
}

func (s SessionClearing) ResizeChannel(ctx context.Context, owner, channelID string, resizeAmount, allocateAmount decimal.Decimal) (*clearnet.ResizeState, error) {
	conn, err := s.Sessions.UserConn(ctx, owner)
	if err != nil {
		return nil, err
	}
	return conn.ResizeChannel(ctx, channelID, resizeAmount, allocateAmount)
}

func (s SessionClearing) Balances(ctx context.Context, owner string) ([]types.LedgerBalance, error) {
	conn, err := s.Sessions.UserConn(ctx, owner)
	if err != nil {
		return nil, err
	}
	return conn.GetLedgerBalances(ctx, owner)
}

// Handlers holds the HTTP handler dependencies.
type Handlers struct {
	core     Core
	store    Store
	sessions Sessions
	clearing Clearing
	hub      *Hub
	logger   *slog.Logger
}

// NewHandlers creates the handler set.
func NewHandlers(core Core, store Store, sessions Sessions, clearing Clearing, hub *Hub, logger *slog.Logger) *Handlers {
	return &Handlers{
		core:     core,
		store:    store,
		sessions: sessions,
		clearing: clearing,
		hub:      hub,
		logger:   logger.With("component", "api-handlers"),
	}
}

// ————————————————————————————————————————————————————————————————————————
// Orders
// ————————————————————————————————————————————————————————————————————————

// HandleCommitOrder records the commit phase: the order row is created
// COMMITTED, before the detail is revealed.
func (h *Handlers) HandleCommitOrder(w http.ResponseWriter, r *http.Request) {
	var detail types.OrderDetail
	if err := decodeBody(r, &detail); err != nil {
		h.writeError(w, err)
		return
	}
	order, err := h.core.Commit(r.Context(), &detail)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, order)
}

// HandleSubmitOrder reveals an order to the matcher.
func (h *Handlers) HandleSubmitOrder(w http.ResponseWriter, r *http.Request) {
	var detail types.OrderDetail
	if err := decodeBody(r, &detail); err != nil {
		h.writeError(w, err)
		return
	}
	order, err := h.core.Submit(r.Context(), &detail)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, order)
}

// HandleCancelOrder cancels the owner's order.
func (h *Handlers) HandleCancelOrder(w http.ResponseWriter, r *http.Request) {
	var req types.CancelRequest
	if err := decodeBody(r, &req); err != nil {
		h.writeError(w, err)
		return
	}
	order, err := h.core.Cancel(r.Context(), req)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, order)
}

// HandleListOrders lists the owner's orders, newest first.
func (h *Handlers) HandleListOrders(w http.ResponseWriter, r *http.Request) {
	owner := r.URL.Query().Get("owner")
	if owner == "" {
		h.writeError(w, missingParam("owner"))
		return
	}
	orders, err := h.store.ListOrdersByOwner(r.Context(), owner, queryLimit(r))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, orders)
}

// HandleListMatches lists matches touching the owner's orders.
func (h *Handlers) HandleListMatches(w http.ResponseWriter, r *http.Request) {
	owner := r.URL.Query().Get("owner")
	if owner == "" {
		h.writeError(w, missingParam("owner"))
		return
	}
	matches, err := h.store.ListMatchesByOwner(r.Context(), owner, queryLimit(r))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, matches)
}

// HandleOrderBook returns the aggregated depth for one pair.
func (h *Handlers) HandleOrderBook(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	base, quote := q.Get("base"), q.Get("quote")
	if base == "" || quote == "" {
		h.writeError(w, missingParam("base/quote"))
		return
	}
	levels, _ := strconv.Atoi(q.Get("levels"))
	if levels <= 0 {
		levels = 20
	}

	if b, ok := h.core.Books().Lookup(base, quote); ok {
		writeJSON(w, http.StatusOK, b.Depth(levels))
		return
	}
	writeJSON(w, http.StatusOK, types.BookSnapshot{
		BaseToken:  base,
		QuoteToken: quote,
		Bids:       []types.PriceLevel{},
		Asks:       []types.PriceLevel{},
		Timestamp:  time.Now().UTC(),
	})
}

// ————————————————————————————————————————————————————————————————————————
// Session keys
// ————————————————————————————————————————————————————————————————————————

type createKeyRequest struct {
	Owner      string           `json:"owner"`
	Allowances types.Allowances `json:"allowances"`
	ExpiresAt  time.Time        `json:"expires_at"`
}

// HandleCreateSessionKey opens the delegation handshake and returns the
// challenge the wallet must sign.
func (h *Handlers) HandleCreateSessionKey(w http.ResponseWriter, r *http.Request) {
	var req createKeyRequest
	if err := decodeBody(r, &req); err != nil {
		h.writeError(w, err)
		return
	}
	if req.Owner == "" {
		h.writeError(w, missingParam("owner"))
		return
	}
	if req.ExpiresAt.IsZero() {
		req.ExpiresAt = time.Now().Add(24 * time.Hour)
	}
	res, err := h.sessions.Create(r.Context(), req.Owner, req.Allowances, req.ExpiresAt)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

type activateKeyRequest struct {
	Signature string `json:"signature"`
}

// HandleActivateSessionKey completes the handshake with the wallet's
// typed-data signature.
func (h *Handlers) HandleActivateSessionKey(w http.ResponseWriter, r *http.Request) {
	keyID, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		h.writeError(w, badParam("id", err))
		return
	}
	var req activateKeyRequest
	if err := decodeBody(r, &req); err != nil {
		h.writeError(w, err)
		return
	}
	key, err := h.sessions.Activate(r.Context(), keyID, req.Signature)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, key)
}

type revokeKeyRequest struct {
	Owner     string `json:"owner"`
	Signature string `json:"signature"`
}

// HandleRevokeSessionKey revokes the owner's active key.
func (h *Handlers) HandleRevokeSessionKey(w http.ResponseWriter, r *http.Request) {
	var req revokeKeyRequest
	if err := decodeBody(r, &req); err != nil {
		h.writeError(w, err)
		return
	}
	if err := h.sessions.Revoke(r.Context(), req.Owner, req.Signature); err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"revoked": true})
}

// ————————————————————————————————————————————————————————————————————————
// Channels and balances
// ————————————————————————————————————————————————————————————————————————

// HandleListChannels lists the owner's clearing-network channels.
func (h *Handlers) HandleListChannels(w http.ResponseWriter, r *http.Request) {
	owner := r.URL.Query().Get("owner")
	if owner == "" {
		h.writeError(w, missingParam("owner"))
		return
	}
	channels, err := h.clearing.Channels(r.Context(), owner)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, channels)
}

type createChannelRequest struct {
	Owner   string          `json:"owner"`
	ChainID int64           `json:"chain_id"`
	Token   string          `json:"token"`
	Amount  decimal.Decimal `json:"amount"`
}

// HandleCreateChannel opens a channel funded with the given amount.
func (h *Handlers) HandleCreateChannel(w http.ResponseWriter, r *http.Request) {
	var req createChannelRequest
	if err := decodeBody(r, &req); err != nil {
		h.writeError(w, err)
		return
	}
	info, err := h.clearing.CreateChannel(r.Context(), req.Owner, req.ChainID, req.Token, req.Amount)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, info)
}

type resizeChannelRequest struct {
	Owner          string          `json:"owner"`
	ChannelID      string          `json:"channel_id"`
	ResizeAmount   decimal.Decimal `json:"resize_amount"`
	AllocateAmount decimal.Decimal `json:"allocate_amount"`
}

// HandleResizeChannel adjusts a channel's allocation.
func (h *Handlers) HandleResizeChannel(w http.ResponseWriter, r *http.Request) {
	var req resizeChannelRequest
	if err := decodeBody(r, &req); err != nil {
		h.writeError(w, err)
		return
	}
	state, err := h.clearing.ResizeChannel(r.Context(), req.Owner, req.ChannelID, req.ResizeAmount, req.AllocateAmount)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, state)
}

// HandleBalances returns the owner's unified off-chain balances.
func (h *Handlers) HandleBalances(w http.ResponseWriter, r *http.Request) {
	owner := r.URL.Query().Get("owner")
	if owner == "" {
		h.writeError(w, missingParam("owner"))
		return
	}
	balances, err := h.clearing.Balances(r.Context(), owner)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, balances)
}

// ————————————————————————————————————————————————————————————————————————
// Admin, health, websocket
// ————————————————————————————————————————————————————————————————————————

// HandleResetMatch moves a FAILED match back to PENDING for retry.
func (h *Handlers) HandleResetMatch(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		h.writeError(w, badParam("id", err))
		return
	}
	if err := h.store.ResetMatch(r.Context(), id); err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"reset": true})
}

// HandleHealth reports liveness.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// HandleWebSocket upgrades the connection into the notification hub.
func (h *Handlers) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("websocket upgrade failed", "error", err)
		return
	}
	newClient(h.hub, conn)
}

// ————————————————————————————————————————————————————————————————————————
// Plumbing
// ————————————————————————————————————————————————————————————————————————

type errorBody struct {
	Error string `json:"error"`
}

func decodeBody(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return badParam("body", err)
	}
	return nil
}

func missingParam(name string) error {
	return badRequest("missing " + name)
}

func badParam(name string, err error) error {
	return badRequest(name + ": " + err.Error())
}

func badRequest(text string) error {
	return &apiError{text: text, kind: types.ErrValidation}
}

type apiError struct {
	text string
	kind error
}

func (e *apiError) Error() string { return e.text }
func (e *apiError) Unwrap() error { return e.kind }

func (h *Handlers) writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed", "status", status, "error", err)
	}
	writeJSON(w, status, errorBody{Error: err.Error()})
}

// statusFor maps an error chain to its HTTP status.
func statusFor(err error) int {
	switch {
	case errors.Is(err, types.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, types.ErrUnauthenticated):
		return http.StatusUnauthorized
	case errors.Is(err, types.ErrCommitmentMismatch), errors.Is(err, types.ErrNotOwner):
		return http.StatusForbidden
	case errors.Is(err, types.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, types.ErrTimeout):
		return http.StatusRequestTimeout
	case errors.Is(err, types.ErrOrderTerminal), errors.Is(err, types.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, types.ErrChannelFull):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func queryLimit(r *http.Request) int {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	return limit
}
