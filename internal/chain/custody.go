// Package chain is the client for the on-chain custody contract. It wraps
// an ethclient with a hand-parsed ABI, signs with the engine wallet, waits
// for receipts, and maps reverts to ErrOnChainReverted. All amounts at this
// boundary are non-negative big integers.
package chain

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"

	"darkpool/internal/prover"
	"darkpool/pkg/types"
)

const custodyABI = `[
	{"type":"function","name":"commitments","stateMutability":"view","inputs":[{"name":"orderId","type":"uint256"}],"outputs":[{"name":"user","type":"address"},{"name":"orderHash","type":"uint256"},{"name":"timestamp","type":"uint256"},{"name":"settledAmount","type":"uint256"},{"name":"status","type":"uint8"}]},
	{"type":"function","name":"commitOnly","stateMutability":"nonpayable","inputs":[{"name":"orderId","type":"uint256"},{"name":"orderHash","type":"uint256"}],"outputs":[]},
	{"type":"function","name":"depositAndCommit","stateMutability":"payable","inputs":[{"name":"token","type":"address"},{"name":"amount","type":"uint256"},{"name":"orderId","type":"uint256"},{"name":"orderHash","type":"uint256"}],"outputs":[]},
	{"type":"function","name":"proveAndSettle","stateMutability":"nonpayable","inputs":[{"name":"sellerOrderId","type":"uint256"},{"name":"buyerOrderId","type":"uint256"},{"name":"sellerFill","type":"uint256"},{"name":"buyerFill","type":"uint256"},{"name":"a","type":"uint256[2]"},{"name":"b","type":"uint256[2][2]"},{"name":"c","type":"uint256[2]"},{"name":"publicInputs","type":"uint256[]"}],"outputs":[]},
	{"type":"function","name":"markFullySettled","stateMutability":"nonpayable","inputs":[{"name":"orderId","type":"uint256"}],"outputs":[]},
	{"type":"function","name":"create","stateMutability":"nonpayable","inputs":[{"name":"params","type":"bytes"},{"name":"initialState","type":"bytes"}],"outputs":[]},
	{"type":"function","name":"deposit","stateMutability":"payable","inputs":[{"name":"user","type":"address"},{"name":"token","type":"address"},{"name":"amount","type":"uint256"}],"outputs":[]},
	{"type":"function","name":"resize","stateMutability":"nonpayable","inputs":[{"name":"channelId","type":"bytes32"},{"name":"candidateState","type":"bytes"},{"name":"proofStates","type":"bytes[]"}],"outputs":[]},
	{"type":"function","name":"withdraw","stateMutability":"nonpayable","inputs":[{"name":"token","type":"address"},{"name":"amount","type":"uint256"}],"outputs":[]}
]`

// Commitment mirrors the contract's commitments(orderId) view.
type Commitment struct {
	User          common.Address
	OrderHash     *big.Int
	Timestamp     *big.Int
	SettledAmount *big.Int
	Status        uint8
}

// Commitment status values used by the custody contract.
const (
	CommitmentNone    uint8 = 0
	CommitmentActive  uint8 = 1
	CommitmentSettled uint8 = 2
)

// SettleParams carries one proveAndSettle call.
type SettleParams struct {
	SellerOrderID *big.Int
	BuyerOrderID  *big.Int
	SellerFill    *big.Int
	BuyerFill     *big.Int
	Proof         *prover.Proof
	PublicInputs  []*big.Int
}

// Custody is the contract surface the settlement worker and channel flows
// depend on. Mutating calls return the transaction hash after the receipt
// confirms success.
type Custody interface {
	Commitments(ctx context.Context, orderID *big.Int) (*Commitment, error)
	CommitOnly(ctx context.Context, orderID, orderHash *big.Int) (string, error)
	DepositAndCommit(ctx context.Context, token common.Address, amount, orderID, orderHash *big.Int) (string, error)
	ProveAndSettle(ctx context.Context, p SettleParams) (string, error)
	MarkFullySettled(ctx context.Context, orderID *big.Int) (string, error)
	CreateChannel(ctx context.Context, params, initialState []byte) (string, error)
	Deposit(ctx context.Context, user, token common.Address, amount *big.Int) (string, error)
	Resize(ctx context.Context, channelID [32]byte, candidateState []byte, proofStates [][]byte) (string, error)
	Withdraw(ctx context.Context, token common.Address, amount *big.Int) (string, error)
}

// Client is the ethclient-backed Custody implementation.
type Client struct {
	eth      *ethclient.Client
	contract *bind.BoundContract
	chainID  *big.Int
	signKey  string
	address  common.Address
	logger   *slog.Logger
}

// NewClient dials the RPC node and binds the custody contract. engineKey is
// the engine wallet's hex private key used for all mutating calls.
func NewClient(rpcURL, custodyAddress, engineKey string, chainID int64, logger *slog.Logger) (*Client, error) {
	eth, err := ethclient.Dial(rpcURL)
	if err != nil {
		return nil, fmt.Errorf("dial rpc %s: %w", rpcURL, err)
	}

	parsed, err := abi.JSON(strings.NewReader(custodyABI))
	if err != nil {
		return nil, fmt.Errorf("parse custody abi: %w", err)
	}

	key, err := crypto.HexToECDSA(strings.TrimPrefix(engineKey, "0x"))
	if err != nil {
		return nil, fmt.Errorf("parse engine wallet key: %w", err)
	}

	addr := common.HexToAddress(custodyAddress)
	return &Client{
		eth:      eth,
		contract: bind.NewBoundContract(addr, parsed, eth, eth, eth),
		chainID:  big.NewInt(chainID),
		signKey:  engineKey,
		address:  crypto.PubkeyToAddress(key.PublicKey),
		logger:   logger.With("component", "chain"),
	}, nil
}

// Address returns the engine wallet address.
func (c *Client) Address() common.Address {
	return c.address
}

// Close releases the underlying RPC connection.
func (c *Client) Close() {
	c.eth.Close()
}

// Commitments reads one commitment slot.
func (c *Client) Commitments(ctx context.Context, orderID *big.Int) (*Commitment, error) {
	var out []any
	err := c.contract.Call(&bind.CallOpts{Context: ctx}, &out, "commitments", orderID)
	if err != nil {
		return nil, fmt.Errorf("commitments(%s): %w", orderID, err)
	}
	if len(out) != 5 {
		return nil, fmt.Errorf("commitments(%s): malformed result (%d values)", orderID, len(out))
	}
	return &Commitment{
		User:          out[0].(common.Address),
		OrderHash:     out[1].(*big.Int),
		Timestamp:     out[2].(*big.Int),
		SettledAmount: out[3].(*big.Int),
		Status:        out[4].(uint8),
	}, nil
}

// CommitOnly registers a commitment without moving funds.
func (c *Client) CommitOnly(ctx context.Context, orderID, orderHash *big.Int) (string, error) {
	return c.transact(ctx, "commitOnly", orderID, orderHash)
}

// DepositAndCommit deposits collateral and registers the commitment in one
// transaction.
func (c *Client) DepositAndCommit(ctx context.Context, token common.Address, amount, orderID, orderHash *big.Int) (string, error) {
	return c.transact(ctx, "depositAndCommit", token, amount, orderID, orderHash)
}

// ProveAndSettle submits a Groth16 proof settling one match's two fills.
func (c *Client) ProveAndSettle(ctx context.Context, p SettleParams) (string, error) {
	a, b, cc, err := proofPoints(p.Proof)
	if err != nil {
		return "", err
	}
	return c.transact(ctx, "proveAndSettle",
		p.SellerOrderID, p.BuyerOrderID, p.SellerFill, p.BuyerFill,
		a, b, cc, p.PublicInputs)
}

// MarkFullySettled flags a fully-consumed commitment. The contract rejects
// a second call on the same order; callers treat that revert as idempotent
// success only when the commitment already reads as settled.
func (c *Client) MarkFullySettled(ctx context.Context, orderID *big.Int) (string, error) {
	return c.transact(ctx, "markFullySettled", orderID)
}

// CreateChannel opens an on-chain channel from clearing-network-provided
// parameters and counter-signed initial state.
func (c *Client) CreateChannel(ctx context.Context, params, initialState []byte) (string, error) {
	return c.transact(ctx, "create", params, initialState)
}

// Deposit adds collateral to a user's custody balance.
func (c *Client) Deposit(ctx context.Context, user, token common.Address, amount *big.Int) (string, error) {
	return c.transact(ctx, "deposit", user, token, amount)
}

// Resize applies a counter-signed channel resize state on-chain.
func (c *Client) Resize(ctx context.Context, channelID [32]byte, candidateState []byte, proofStates [][]byte) (string, error) {
	return c.transact(ctx, "resize", channelID, candidateState, proofStates)
}

// Withdraw pulls free collateral back to the engine wallet.
func (c *Client) Withdraw(ctx context.Context, token common.Address, amount *big.Int) (string, error) {
	return c.transact(ctx, "withdraw", token, amount)
}

// transact signs, sends, and waits for one contract call, returning the tx
// hash. A mined-but-reverted receipt is ErrOnChainReverted.
func (c *Client) transact(ctx context.Context, method string, args ...any) (string, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(c.signKey, "0x"))
	if err != nil {
		return "", fmt.Errorf("parse engine wallet key: %w", err)
	}
	opts, err := bind.NewKeyedTransactorWithChainID(key, c.chainID)
	if err != nil {
		return "", fmt.Errorf("build transactor: %w", err)
	}
	opts.Context = ctx

	tx, err := c.contract.Transact(opts, method, args...)
	if err != nil {
		return "", fmt.Errorf("%s: send: %w", method, err)
	}

	receipt, err := bind.WaitMined(ctx, c.eth, tx)
	if err != nil {
		return "", fmt.Errorf("%s: wait receipt %s: %w", method, tx.Hash(), err)
	}
	if receipt.Status != ethtypes.ReceiptStatusSuccessful {
		return "", fmt.Errorf("%s: tx %s: %w", method, tx.Hash(), types.ErrOnChainReverted)
	}

	c.logger.Info("transaction confirmed",
		"method", method,
		"tx", tx.Hash().Hex(),
		"gas_used", receipt.GasUsed,
	)
	return tx.Hash().Hex(), nil
}

// proofPoints converts a sidecar proof's decimal strings into the fixed
// arrays the ABI expects.
func proofPoints(p *prover.Proof) (a [2]*big.Int, b [2][2]*big.Int, c [2]*big.Int, err error) {
	parse := func(s string) (*big.Int, error) {
		n, ok := new(big.Int).SetString(s, 10)
		if !ok {
			return nil, fmt.Errorf("proof point %q not a decimal integer: %w", s, types.ErrProofGeneration)
		}
		return n, nil
	}
	for i := 0; i < 2; i++ {
		if a[i], err = parse(p.A[i]); err != nil {
			return a, b, c, err
		}
		if c[i], err = parse(p.C[i]); err != nil {
			return a, b, c, err
		}
		for j := 0; j < 2; j++ {
			if b[i][j], err = parse(p.B[i][j]); err != nil {
				return a, b, c, err
			}
		}
	}
	return a, b, c, nil
}
