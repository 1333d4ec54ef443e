package clearnet

import (
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"

	"darkpool/pkg/types"
)

// Signer signs outbound frame payloads.
type Signer interface {
	Address() common.Address
	Sign(payload []byte) (string, error)
}

// RawSigner signs the keccak hash of the payload with a plain ECDSA key.
// Used for session-key-scoped RPCs: the clearing network maps the recovered
// address to the delegating wallet.
type RawSigner struct {
	key     *ecdsa.PrivateKey
	address common.Address
}

// NewRawSigner parses a hex private key (0x prefix optional).
func NewRawSigner(hexKey string) (*RawSigner, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(hexKey, "0x"))
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	return &RawSigner{key: key, address: crypto.PubkeyToAddress(key.PublicKey)}, nil
}

// GenerateRawSigner creates a fresh ephemeral key, used for session keys.
func GenerateRawSigner() (*RawSigner, error) {
	key, err := crypto.GenerateKey()
	if err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}
	return &RawSigner{key: key, address: crypto.PubkeyToAddress(key.PublicKey)}, nil
}

// Address returns the signer's Ethereum address.
func (s *RawSigner) Address() common.Address {
	return s.address
}

// SecretHex returns the private key as a 0x-prefixed hex string, for
// persisting session keys.
func (s *RawSigner) SecretHex() string {
	return "0x" + common.Bytes2Hex(crypto.FromECDSA(s.key))
}

// Sign signs keccak256(payload) and returns the 65-byte signature hex with
// V adjusted to 27/28.
func (s *RawSigner) Sign(payload []byte) (string, error) {
	sig, err := crypto.Sign(crypto.Keccak256(payload), s.key)
	if err != nil {
		return "", fmt.Errorf("sign payload: %w", err)
	}
	if sig[64] < 27 {
		sig[64] += 27
	}
	return "0x" + common.Bytes2Hex(sig), nil
}

// AuthPolicy is the typed-data message a wallet signs to delegate a session
// key to the clearing network.
type AuthPolicy struct {
	Challenge   string
	Scope       string
	Wallet      common.Address
	Application common.Address
	Participant common.Address
	Expire      int64
	Allowances  types.Allowances
}

// TypedSigner produces EIP-712 signatures with a wallet key. Used for
// session-key creation and wallet-bound attestations.
type TypedSigner struct {
	raw     *RawSigner
	domain  string
	chainID *big.Int
}

// NewTypedSigner wraps a wallet key with the clearing network's EIP-712
// domain.
func NewTypedSigner(hexKey, domainName string, chainID int64) (*TypedSigner, error) {
	raw, err := NewRawSigner(hexKey)
	if err != nil {
		return nil, err
	}
	return &TypedSigner{raw: raw, domain: domainName, chainID: big.NewInt(chainID)}, nil
}

// Address returns the wallet address.
func (s *TypedSigner) Address() common.Address {
	return s.raw.Address()
}

// Sign satisfies Signer for connections authenticated directly by a wallet.
func (s *TypedSigner) Sign(payload []byte) (string, error) {
	return s.raw.Sign(payload)
}

// SignPolicy signs the session-delegation policy as EIP-712 typed data.
func (s *TypedSigner) SignPolicy(p AuthPolicy) (string, error) {
	allowances := make([]any, len(p.Allowances))
	for i, a := range p.Allowances {
		allowances[i] = map[string]any{
			"asset":  a.Asset,
			"amount": a.Amount.String(),
		}
	}

	typedData := apitypes.TypedData{
		Types: apitypes.Types{
			"EIP712Domain": {
				{Name: "name", Type: "string"},
			},
			"Policy": {
				{Name: "challenge", Type: "string"},
				{Name: "scope", Type: "string"},
				{Name: "wallet", Type: "address"},
				{Name: "application", Type: "address"},
				{Name: "participant", Type: "address"},
				{Name: "expire", Type: "uint256"},
				{Name: "allowances", Type: "Allowance[]"},
			},
			"Allowance": {
				{Name: "asset", Type: "string"},
				{Name: "amount", Type: "uint256"},
			},
		},
		PrimaryType: "Policy",
		Domain:      apitypes.TypedDataDomain{Name: s.domain},
		Message: apitypes.TypedDataMessage{
			"challenge":   p.Challenge,
			"scope":       p.Scope,
			"wallet":      p.Wallet.Hex(),
			"application": p.Application.Hex(),
			"participant": p.Participant.Hex(),
			"expire":      strconv.FormatInt(p.Expire, 10),
			"allowances":  allowances,
		},
	}

	hash, _, err := apitypes.TypedDataAndHash(typedData)
	if err != nil {
		return "", fmt.Errorf("typed data hash: %w", err)
	}
	sig, err := crypto.Sign(hash, s.raw.key)
	if err != nil {
		return "", fmt.Errorf("sign typed data: %w", err)
	}
	if sig[64] < 27 {
		sig[64] += 27
	}
	return "0x" + common.Bytes2Hex(sig), nil
}
