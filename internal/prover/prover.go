// Package prover is the client for the proof sidecar: the service that owns
// the Poseidon commitment construction and the Groth16 circuit. The core
// never computes a hash or proof itself — it sends inputs and treats the
// results as opaque field elements, so circuit changes never touch Go code.
package prover

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/go-resty/resty/v2"

	"darkpool/pkg/types"
)

// Proof is a Groth16 proof in the three-point form the custody contract
// verifies on-chain.
type Proof struct {
	A [2]string    `json:"a"`
	B [2][2]string `json:"b"`
	C [2]string    `json:"c"`
}

// Client talks to the prover sidecar over HTTP with retry on 5xx.
type Client struct {
	http   *resty.Client
	prime  *big.Int
	logger *slog.Logger
}

// New creates a prover client. prime is the SNARK scalar field modulus used
// to reduce free-form inputs into circuit-compatible field elements.
func New(baseURL string, prime *big.Int, logger *slog.Logger) *Client {
	httpClient := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(30 * time.Second).
		SetRetryCount(3).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(5 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return r.StatusCode() >= 500
		}).
		SetHeader("Content-Type", "application/json")

	return &Client{
		http:   httpClient,
		prime:  prime,
		logger: logger.With("component", "prover"),
	}
}

// CommitmentHash computes the Poseidon commitment for one order detail. The
// seven inputs are (owner, side, sellToken, buyToken, quantity, price,
// varianceBps), each reduced into the scalar field; their exact nesting
// inside the circuit is the sidecar's concern.
func (c *Client) CommitmentHash(ctx context.Context, d *types.OrderDetail) (string, error) {
	sellToken, buyToken := d.QuoteToken, d.BaseToken
	if d.Side == types.SELL {
		sellToken, buyToken = d.BaseToken, d.QuoteToken
	}
	side := "0"
	if d.Side == types.SELL {
		side = "1"
	}

	inputs := []string{
		c.FieldElement(d.Owner),
		side,
		c.FieldElement(sellToken),
		c.FieldElement(buyToken),
		c.FieldElement(d.Quantity.String()),
		c.FieldElement(d.Price.String()),
		fmt.Sprintf("%d", d.VarianceBps),
	}
	return c.Hash(ctx, inputs)
}

// Hash sends raw field-element inputs to the sidecar's Poseidon endpoint.
func (c *Client) Hash(ctx context.Context, inputs []string) (string, error) {
	body := struct {
		Inputs []string `json:"inputs"`
	}{Inputs: inputs}

	var result struct {
		Hash string `json:"hash"`
	}
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(body).
		SetResult(&result).
		Post("/hash")
	if err != nil {
		return "", fmt.Errorf("poseidon hash: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return "", fmt.Errorf("poseidon hash: status %d: %s", resp.StatusCode(), resp.String())
	}
	if result.Hash == "" {
		return "", fmt.Errorf("poseidon hash: empty result: %w", types.ErrProofGeneration)
	}
	return result.Hash, nil
}

// Prove generates a Groth16 proof. Public inputs bind the proof to the
// current on-chain settlement state (commitment hashes, fill amounts,
// settled-so-far amounts, timestamp); private inputs are the order details.
func (c *Client) Prove(ctx context.Context, public, private []string) (*Proof, error) {
	body := struct {
		PublicInputs  []string `json:"public_inputs"`
		PrivateInputs []string `json:"private_inputs"`
	}{PublicInputs: public, PrivateInputs: private}

	var result struct {
		Proof *Proof `json:"proof"`
		Error string `json:"error"`
	}
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(body).
		SetResult(&result).
		Post("/prove")
	if err != nil {
		return nil, fmt.Errorf("generate proof: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("generate proof: status %d: %s: %w",
			resp.StatusCode(), resp.String(), types.ErrProofGeneration)
	}
	if result.Proof == nil {
		return nil, fmt.Errorf("generate proof: %s: %w", result.Error, types.ErrProofGeneration)
	}
	return result.Proof, nil
}

// FieldElement reduces an arbitrary value into the scalar field, as a
// decimal string. Decimal integers and 0x-hex values are interpreted
// numerically; anything else (symbols, decimal fractions) is keccak-hashed
// first so equal strings always produce equal elements.
func (c *Client) FieldElement(v string) string {
	if n, ok := new(big.Int).SetString(v, 10); ok && n.Sign() >= 0 {
		return n.Mod(n, c.prime).String()
	}
	if strings.HasPrefix(v, "0x") || strings.HasPrefix(v, "0X") {
		if n, ok := new(big.Int).SetString(v[2:], 16); ok {
			return n.Mod(n, c.prime).String()
		}
	}
	n := new(big.Int).SetBytes(crypto.Keccak256([]byte(v)))
	return n.Mod(n, c.prime).String()
}
