package prover

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"darkpool/pkg/types"
)

var testPrime, _ = new(big.Int).SetString(
	"21888242871839275222246405745257275088548364400416034343698204186575808495617", 10)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestCommitmentHashSendsSevenInputs(t *testing.T) {
	t.Parallel()
	var got struct {
		Inputs []string `json:"inputs"`
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/hash" {
			http.NotFound(w, r)
			return
		}
		json.NewDecoder(r.Body).Decode(&got)
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"hash": "42"})
	}))
	t.Cleanup(srv.Close)

	c := New(srv.URL, testPrime, quietLogger())
	d := &types.OrderDetail{
		OrderID:     "123",
		Owner:       "0x1111111111111111111111111111111111111111",
		Side:        types.BUY,
		BaseToken:   "WETH",
		QuoteToken:  "USDC",
		Quantity:    decimal.NewFromInt(10),
		Price:       decimal.NewFromInt(100),
		VarianceBps: 50,
		ExpiresAt:   time.Now().Add(time.Hour),
	}
	hash, err := c.CommitmentHash(context.Background(), d)
	if err != nil {
		t.Fatalf("CommitmentHash: %v", err)
	}
	if hash != "42" {
		t.Errorf("hash = %q, want 42", hash)
	}
	if len(got.Inputs) != 7 {
		t.Fatalf("sidecar received %d inputs, want 7", len(got.Inputs))
	}
	if got.Inputs[1] != "0" {
		t.Errorf("side input = %q, want 0 for BUY", got.Inputs[1])
	}
	// A BUY sells quote and buys base.
	if got.Inputs[2] != c.FieldElement("USDC") || got.Inputs[3] != c.FieldElement("WETH") {
		t.Errorf("sell/buy token inputs = %q/%q, want USDC/WETH encodings", got.Inputs[2], got.Inputs[3])
	}
}

func TestCommitmentHashDeterministic(t *testing.T) {
	t.Parallel()
	// Same detail, same inputs: the server records each request body and the
	// two must be byte-identical.
	var bodies []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		buf, _ := io.ReadAll(r.Body)
		bodies = append(bodies, string(buf))
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"hash": "7"})
	}))
	t.Cleanup(srv.Close)

	c := New(srv.URL, testPrime, quietLogger())
	d := &types.OrderDetail{
		Owner:      "0x1111111111111111111111111111111111111111",
		Side:       types.SELL,
		BaseToken:  "WETH",
		QuoteToken: "USDC",
		Quantity:   decimal.RequireFromString("2.5"),
		Price:      decimal.RequireFromString("1800.01"),
	}
	for i := 0; i < 2; i++ {
		if _, err := c.CommitmentHash(context.Background(), d); err != nil {
			t.Fatalf("CommitmentHash: %v", err)
		}
	}
	if len(bodies) != 2 || bodies[0] != bodies[1] {
		t.Errorf("identical details produced different request bodies")
	}
}

func TestProveErrorSurfaced(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		json.NewEncoder(w).Encode(map[string]string{"error": "constraint system unsatisfied"})
	}))
	t.Cleanup(srv.Close)

	c := New(srv.URL, testPrime, quietLogger())
	_, err := c.Prove(context.Background(), []string{"1"}, []string{"2"})
	if !errors.Is(err, types.ErrProofGeneration) {
		t.Fatalf("err = %v, want ErrProofGeneration", err)
	}
}

func TestProveSuccess(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"proof": Proof{
				A: [2]string{"1", "2"},
				B: [2][2]string{{"3", "4"}, {"5", "6"}},
				C: [2]string{"7", "8"},
			},
		})
	}))
	t.Cleanup(srv.Close)

	c := New(srv.URL, testPrime, quietLogger())
	p, err := c.Prove(context.Background(), []string{"1"}, []string{"2"})
	if err != nil {
		t.Fatalf("Prove: %v", err)
	}
	if p.A[0] != "1" || p.B[1][0] != "5" || p.C[1] != "8" {
		t.Errorf("proof points scrambled: %+v", p)
	}
}

func TestFieldElement(t *testing.T) {
	t.Parallel()
	c := New("http://localhost", testPrime, quietLogger())

	tests := []struct {
		name string
		in   string
		want func(string) bool
	}{
		{"decimal passthrough", "123", func(s string) bool { return s == "123" }},
		{"wraps above modulus", new(big.Int).Add(testPrime, big.NewInt(9)).String(),
			func(s string) bool { return s == "9" }},
		{"hex address", "0x0000000000000000000000000000000000000010",
			func(s string) bool { return s == "16" }},
		{"symbol hashed into field", "WETH", func(s string) bool {
			n, ok := new(big.Int).SetString(s, 10)
			return ok && n.Sign() > 0 && n.Cmp(testPrime) < 0
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := c.FieldElement(tt.in); !tt.want(got) {
				t.Errorf("FieldElement(%q) = %q", tt.in, got)
			}
		})
	}

	if c.FieldElement("WETH") != c.FieldElement("WETH") {
		t.Error("FieldElement not deterministic")
	}
	if c.FieldElement("WETH") == c.FieldElement("USDC") {
		t.Error("distinct symbols collided")
	}
}
