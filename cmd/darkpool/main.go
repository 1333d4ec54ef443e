// Darkpool node — a commit-reveal dark pool settling through a clearing
// network and an on-chain custody contract.
//
// Architecture:
//
//	main.go                — entry point: loads config, wires components, waits for SIGINT/SIGTERM
//	store/                 — postgres durable store (orders, matches, session keys)
//	book/                  — in-memory per-pair order books (price-time priority)
//	engine/                — matching engine: commit-reveal admission, worker pool, fills
//	clearnet/              — clearing-network coordinator: framed websocket RPC, auth, pooling
//	chain/                 — custody contract client (commitments, proveAndSettle)
//	prover/                — Groth16 prover / Poseidon hash sidecar client
//	settlement/            — poll-claim-settle worker: proofs, app-session swaps
//	session/               — delegated session-key lifecycle
//	gateway/               — framed RPC listener for the HTTP gateway
//	api/                   — REST + websocket notification sink
//
// Startup order: store → coordinator (engine key handshake) → asset map →
// matcher → settlement → gateway and HTTP. Shutdown runs in reverse.
package main

import (
	"context"
	"log/slog"
	"math/big"
	"os"
	"os/signal"
	"syscall"

	"darkpool/internal/api"
	"darkpool/internal/chain"
	"darkpool/internal/clearnet"
	"darkpool/internal/config"
	"darkpool/internal/engine"
	"darkpool/internal/gateway"
	"darkpool/internal/prover"
	"darkpool/internal/session"
	"darkpool/internal/settlement"
	"darkpool/internal/store"
)

func main() {
	cfgPath := "configs/config.yaml"
	if p := os.Getenv("DARKPOOL_CONFIG"); p != "" {
		cfgPath = p
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("failed to load config", "error", err, "path", cfgPath)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(1)
	}

	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Logging.Level)}
	if cfg.Logging.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	logger := slog.New(handler)

	prime, ok := new(big.Int).SetString(cfg.Chain.SnarkScalarField, 10)
	if !ok {
		logger.Error("chain.snark_scalar_field is not a decimal integer")
		os.Exit(1)
	}

	ctx := context.Background()

	// Durable store.
	st, err := store.Open(ctx, cfg.Database.DSN, cfg.Database.MaxOpenConns, cfg.Database.MaxIdleConns)
	if err != nil {
		logger.Error("failed to open store", "error", err)
		os.Exit(1)
	}
	defer st.Close()
	if err := st.Migrate(ctx); err != nil {
		logger.Error("failed to migrate store", "error", err)
		os.Exit(1)
	}

	// Coordinator: engine session key, authenticated pooled connection.
	clearOpts := clearnet.Options{
		ResponseTimeout: cfg.ClearNet.ResponseTimeout,
		ResizeTimeout:   cfg.ClearNet.ResizeTimeout,
		PingInterval:    cfg.ClearNet.PingInterval,
	}
	pool := clearnet.NewPool(cfg.ClearNet.URL, clearOpts, logger)
	defer pool.Close()

	sessions := session.NewManager(st, pool, cfg.ClearNet.URL, clearOpts, cfg.ClearNet.Application, cfg.Chain.ChainID, logger)

	wallet, err := clearnet.NewTypedSigner(cfg.Chain.EngineWalletKey, "clearnet", cfg.Chain.ChainID)
	if err != nil {
		logger.Error("invalid engine wallet key", "error", err)
		os.Exit(1)
	}
	engineKey, err := sessions.EnsureEngineKey(ctx, wallet)
	if err != nil {
		logger.Error("engine session key handshake failed", "error", err)
		os.Exit(1)
	}
	engineSigner, err := clearnet.NewRawSigner(engineKey.Secret)
	if err != nil {
		logger.Error("engine session key unusable", "error", err)
		os.Exit(1)
	}
	if err := pool.ConnectEngine(ctx, engineSigner, engineKey.Token, sessions.EngineAuthFunc(engineKey, wallet)); err != nil {
		logger.Error("clearing network unreachable", "error", err)
		os.Exit(1)
	}

	engineConn, err := pool.Engine()
	if err != nil {
		logger.Error("engine connection missing", "error", err)
		os.Exit(1)
	}
	assets, err := clearnet.LoadAssets(ctx, engineConn, cfg.Chain.ChainID)
	if err != nil {
		logger.Error("asset catalog load failed", "error", err)
		os.Exit(1)
	}
	logger.Info("asset catalog loaded", "assets", assets.Len(), "chain", cfg.Chain.ChainID)

	prv := prover.New(cfg.Prover.BaseURL, prime, logger)

	// On-chain custody. Unset addresses put matching admission and
	// settlement into test mode (no chain reads or transactions).
	var (
		commitSrc engine.CommitmentSource
		settler   settlement.Settler
	)
	if cfg.Chain.CustodyAddress != "" {
		custody, err := chain.NewClient(cfg.Chain.RPCURL, cfg.Chain.CustodyAddress, cfg.Chain.EngineWalletKey, cfg.Chain.ChainID, logger)
		if err != nil {
			logger.Error("custody client failed", "error", err)
			os.Exit(1)
		}
		commitSrc = chain.NewCommitmentReader(custody)
		settler = custody
	} else {
		logger.Warn("custody address unset, on-chain settlement disabled")
	}

	// Matching engine: restore books from durable state, then start workers.
	eng := engine.New(engine.Config{
		Workers:           cfg.Engine.Workers,
		OrderChannelSize:  cfg.Engine.OrderChannelSize,
		CancelChannelSize: cfg.Engine.CancelChannelSize,
		MatchChannelSize:  cfg.Engine.MatchChannelSize,
		CandidateBatch:    cfg.Engine.CandidateBatch,
		SnarkPrime:        prime,
	}, st, commitSrc, prv, logger)
	if err := eng.Rebuild(ctx); err != nil {
		logger.Error("book rebuild failed", "error", err)
		os.Exit(1)
	}

	// Settlement worker.
	worker := settlement.New(settlement.Config{
		PollInterval: cfg.Settlement.PollInterval,
		BatchSize:    cfg.Settlement.BatchSize,
		Parallel:     cfg.Settlement.Parallel,
		Application:  cfg.ClearNet.Application,
	}, st, settlement.PoolClearing{Pool: pool}, prv, settler, assets, logger)

	// HTTP layer and notification sink. The hub must be draining the match
	// feed before the engine starts producing.
	apiServer := api.NewServer(cfg.HTTP, eng, st, sessions, api.SessionClearing{Sessions: sessions}, logger)
	go func() {
		if err := apiServer.Start(eng.Matches(), worker.Events()); err != nil {
			logger.Error("http server failed", "error", err)
		}
	}()

	eng.Start()
	worker.Start()

	// Framed RPC for the gateway, fed from the hub's match fan-out.
	gw := gateway.NewServer(eng, apiServer.Hub(), logger)
	if err := gw.Listen(cfg.Gateway.Addr); err != nil {
		logger.Error("gateway listen failed", "error", err)
		os.Exit(1)
	}

	logger.Info("darkpool node started",
		"http", cfg.HTTP.Addr,
		"gateway", cfg.Gateway.Addr,
		"workers", cfg.Engine.Workers,
		"test_mode", settler == nil,
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("received shutdown signal", "signal", sig.String())

	gw.Close()
	if err := apiServer.Stop(); err != nil {
		logger.Error("http shutdown failed", "error", err)
	}
	worker.Stop()
	eng.Stop()
	sessions.Close()
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
