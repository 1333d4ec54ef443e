package clearnet

import (
	"context"
	"fmt"
	"strings"

	"darkpool/pkg/types"
)

// nativeAlias is the conventional pseudo-address for the chain's native
// asset. Catalog entries using it are normalized to the zero address so
// lookups by either spelling hit the same row.
const (
	nativeAlias = "0xeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeee"
	zeroAddress = "0x0000000000000000000000000000000000000000"
)

// AssetMap is the chain-filtered asset catalog, loaded once before any
// concurrent reader starts. Reads are lock-free.
type AssetMap struct {
	chainID  int64
	byToken  map[string]types.Asset
	bySymbol map[string]types.Asset
}

// LoadAssets populates the map from get_assets, keeping only the configured
// chain. An empty result is fatal: nothing downstream can resolve symbols.
func LoadAssets(ctx context.Context, c *Conn, chainID int64) (*AssetMap, error) {
	assets, err := c.GetAssets(ctx, chainID)
	if err != nil {
		return nil, fmt.Errorf("load assets: %w", err)
	}
	m := NewAssetMap(chainID, assets)
	if m.Len() == 0 {
		return nil, fmt.Errorf("asset catalog empty for chain %d", chainID)
	}
	return m, nil
}

// NewAssetMap builds a map from a catalog slice. Split from LoadAssets so
// tests can construct maps without a connection.
func NewAssetMap(chainID int64, assets []types.Asset) *AssetMap {
	m := &AssetMap{
		chainID:  chainID,
		byToken:  make(map[string]types.Asset),
		bySymbol: make(map[string]types.Asset),
	}
	for _, a := range assets {
		if a.ChainID != chainID {
			continue
		}
		token := normalizeToken(a.Token)
		a.Token = token
		m.byToken[token] = a
		m.bySymbol[strings.ToLower(a.Symbol)] = a
	}
	return m
}

// Len returns the number of catalog entries.
func (m *AssetMap) Len() int {
	return len(m.byToken)
}

// Symbol resolves a token address to its catalog symbol.
func (m *AssetMap) Symbol(token string) (string, bool) {
	a, ok := m.byToken[normalizeToken(token)]
	if !ok {
		return "", false
	}
	return a.Symbol, true
}

// ByToken returns the full catalog entry for a token address.
func (m *AssetMap) ByToken(token string) (types.Asset, bool) {
	a, ok := m.byToken[normalizeToken(token)]
	return a, ok
}

// BySymbol returns the catalog entry for a symbol, case-insensitive.
func (m *AssetMap) BySymbol(symbol string) (types.Asset, bool) {
	a, ok := m.bySymbol[strings.ToLower(symbol)]
	return a, ok
}

func normalizeToken(token string) string {
	t := strings.ToLower(token)
	if t == nativeAlias {
		return zeroAddress
	}
	return t
}
