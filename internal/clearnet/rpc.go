package clearnet

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"darkpool/pkg/types"
)

// AuthRequestParams opens the two-phase session-key handshake. The clearing
// network answers with a challenge that the delegating wallet signs as
// EIP-712 typed data.
type AuthRequestParams struct {
	Wallet      string           `json:"address"`
	SessionKey  string           `json:"session_key"`
	Application string           `json:"application"`
	Scope       string           `json:"scope"`
	Expire      int64            `json:"expire"`
	Allowances  types.Allowances `json:"allowances"`
}

// AuthChallenge is the server's half of the handshake.
type AuthChallenge struct {
	ChallengeMessage string `json:"challenge_message"`
}

// AuthResult carries the bearer token returned by auth_verify. The token is
// opaque; it is cached on the session key row for re-auth after reconnects.
type AuthResult struct {
	Address    string `json:"address"`
	SessionKey string `json:"session_key"`
	Token      string `json:"jwt_token"`
	Success    bool   `json:"success"`
}

// AuthRequest starts the handshake for a new session key.
func (c *Conn) AuthRequest(ctx context.Context, p AuthRequestParams) (*AuthChallenge, error) {
	var out AuthChallenge
	if err := c.Call(ctx, "auth_request", p, &out); err != nil {
		return nil, err
	}
	if out.ChallengeMessage == "" {
		return nil, fmt.Errorf("auth_request: empty challenge: %w", types.ErrConsensusRejected)
	}
	return &out, nil
}

// AuthVerify completes the handshake. The signature is the wallet's EIP-712
// signature over the challenge policy and travels in the frame's sig slot.
func (c *Conn) AuthVerify(ctx context.Context, challenge, signature string) (*AuthResult, error) {
	params := struct {
		Challenge string `json:"challenge"`
	}{Challenge: challenge}

	var out AuthResult
	if err := c.CallSigned(ctx, "auth_verify", params, []string{signature}, &out); err != nil {
		return nil, err
	}
	if out.Token == "" {
		return nil, fmt.Errorf("auth_verify: no token issued: %w", types.ErrUnauthenticated)
	}
	return &out, nil
}

// AuthWithToken re-authenticates a reconnected session with a cached bearer
// token, skipping the wallet signature.
func (c *Conn) AuthWithToken(ctx context.Context, token string) (*AuthResult, error) {
	params := struct {
		Token string `json:"jwt"`
	}{Token: token}

	var out AuthResult
	if err := c.Call(ctx, "auth_verify", params, &out); err != nil {
		return nil, err
	}
	if out.Token == "" {
		return nil, fmt.Errorf("token re-auth rejected: %w", types.ErrUnauthenticated)
	}
	return &out, nil
}

// GetChannels lists the participant's channels.
func (c *Conn) GetChannels(ctx context.Context, participant string) ([]types.Channel, error) {
	params := struct {
		Participant string `json:"participant"`
	}{Participant: participant}

	var out struct {
		Channels []types.Channel `json:"channels"`
	}
	if err := c.Call(ctx, "get_channels", params, &out); err != nil {
		return nil, err
	}
	return out.Channels, nil
}

// ChannelInfo is the clearing network's answer to create_channel: the new
// channel plus a signable initial state and the network's counter-signature.
type ChannelInfo struct {
	ChannelID    string          `json:"channel_id"`
	Channel      types.Channel   `json:"channel"`
	StateData    string          `json:"state_data"`
	ServerSig    string          `json:"server_signature"`
	Intent       string          `json:"intent"`
	Version      int64           `json:"version"`
	Amount       decimal.Decimal `json:"amount"`
}

// CreateChannel asks the network to open a channel for one asset.
func (c *Conn) CreateChannel(ctx context.Context, chainID int64, token string, amount decimal.Decimal) (*ChannelInfo, error) {
	params := struct {
		ChainID int64           `json:"chain_id"`
		Token   string          `json:"token"`
		Amount  decimal.Decimal `json:"amount"`
	}{ChainID: chainID, Token: token, Amount: amount}

	var out ChannelInfo
	if err := c.Call(ctx, "create_channel", params, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ResizeState is the channel state returned by resize_channel, carried to
// the custody contract's resize call. Allocation internals stay opaque.
type ResizeState struct {
	ChannelID  string `json:"channel_id"`
	StateData  string `json:"state_data"`
	ServerSig  string `json:"server_signature"`
	Version    int64  `json:"version"`
	Intent     string `json:"intent"`
}

// ResizeChannel adjusts a channel's on-chain capacity and off-chain
// allocation. Resizes settle slower than other RPCs and get a longer budget.
func (c *Conn) ResizeChannel(ctx context.Context, channelID string, resizeAmount, allocateAmount decimal.Decimal) (*ResizeState, error) {
	params := struct {
		ChannelID      string          `json:"channel_id"`
		ResizeAmount   decimal.Decimal `json:"resize_amount"`
		AllocateAmount decimal.Decimal `json:"allocate_amount"`
		FundsDest      string          `json:"funds_destination"`
	}{
		ChannelID:      channelID,
		ResizeAmount:   resizeAmount,
		AllocateAmount: allocateAmount,
		FundsDest:      c.signer.Address().Hex(),
	}

	var out ResizeState
	if err := c.CallTimeout(ctx, "resize_channel", params, &out, c.opts.ResizeTimeout); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetLedgerBalances returns the participant's unified off-chain balances.
func (c *Conn) GetLedgerBalances(ctx context.Context, participant string) ([]types.LedgerBalance, error) {
	params := struct {
		Participant string `json:"participant"`
	}{Participant: participant}

	var out struct {
		LedgerBalances []types.LedgerBalance `json:"ledger_balances"`
	}
	if err := c.Call(ctx, "get_ledger_balances", params, &out); err != nil {
		return nil, err
	}
	return out.LedgerBalances, nil
}

// AppDefinition describes a multi-party application session. Weights and
// quorum express who can close it: the settlement flow appoints the engine
// sole judge with weights [0, 0, 100] and quorum 100.
type AppDefinition struct {
	Protocol     string   `json:"protocol"`
	Participants []string `json:"participants"`
	Weights      []int64  `json:"weights"`
	Quorum       int64    `json:"quorum"`
	Challenge    int64    `json:"challenge"`
	Nonce        int64    `json:"nonce"`
}

// CreateAppSessionParams opens an app session. Signatures are the
// participants' session-key signatures over the serialized request; the
// engine connection submits the frame and contributes its own signature.
type CreateAppSessionParams struct {
	Definition  AppDefinition         `json:"definition"`
	Allocations []types.AppAllocation `json:"allocations"`
}

// CreateAppSession opens a session; sigs must be ordered like Participants.
func (c *Conn) CreateAppSession(ctx context.Context, p CreateAppSessionParams, sigs []string) (string, error) {
	var out struct {
		AppSessionID string `json:"app_session_id"`
		Status       string `json:"status"`
	}
	if err := c.CallSigned(ctx, "create_app_session", p, sigs, &out); err != nil {
		return "", err
	}
	if out.AppSessionID == "" {
		return "", fmt.Errorf("create_app_session: no session id: %w", types.ErrConsensusRejected)
	}
	return out.AppSessionID, nil
}

// CloseAppSession closes a session with its final allocations, moving funds
// between the participants' unified balances.
func (c *Conn) CloseAppSession(ctx context.Context, sessionID string, allocations []types.AppAllocation) error {
	params := struct {
		AppSessionID string                `json:"app_session_id"`
		Allocations  []types.AppAllocation `json:"allocations"`
	}{AppSessionID: sessionID, Allocations: allocations}

	return c.Call(ctx, "close_app_session", params, nil)
}

// RevokeSessionKey revokes a delegated key. The wallet's typed-data
// signature authorizes the revocation.
func (c *Conn) RevokeSessionKey(ctx context.Context, keyAddress, walletSig string) error {
	params := struct {
		SessionKey string `json:"session_key"`
	}{SessionKey: keyAddress}

	return c.CallSigned(ctx, "revoke_session_key", params, []string{walletSig}, nil)
}

// GetAssets fetches the network's asset catalog, optionally filtered by
// chain id (0 = all chains).
func (c *Conn) GetAssets(ctx context.Context, chainID int64) ([]types.Asset, error) {
	params := struct {
		ChainID int64 `json:"chain_id,omitempty"`
	}{ChainID: chainID}

	var out struct {
		Assets []types.Asset `json:"assets"`
	}
	if err := c.Call(ctx, "get_assets", params, &out); err != nil {
		return nil, err
	}
	return out.Assets, nil
}

// Ping round-trips a lightweight RPC, used by health checks.
func (c *Conn) Ping(ctx context.Context) error {
	return c.CallTimeout(ctx, "ping", struct{}{}, nil, 5*time.Second)
}
