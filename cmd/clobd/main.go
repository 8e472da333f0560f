package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/ethereum/go-ethereum/common"

	"github.com/openclob/clobd/params"
	"github.com/openclob/clobd/pkg/api"
	"github.com/openclob/clobd/pkg/crank"
	"github.com/openclob/clobd/pkg/crypto"
	"github.com/openclob/clobd/pkg/engine"
	"github.com/openclob/clobd/pkg/ledger"
	"github.com/openclob/clobd/pkg/util"
)

func main() {
	cfg := params.LoadFromEnv("")

	logger, err := util.NewLoggerWithFile(cfg.Node.LogFile)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer logger.Sync()
	sugar := logger.Sugar()
	sugar.Infow("logger_initialized", "log_file", cfg.Node.LogFile)

	// ---- Ledger ----
	l, err := ledger.Open(filepath.Join(cfg.Node.DataDir, "ledger"))
	if err != nil {
		sugar.Fatalw("ledger_open_failed", "err", err)
	}
	defer l.Close()

	if err := l.VerifyChain(); err != nil {
		sugar.Fatalw("event_chain_corrupt", "err", err)
	}

	// Devnet genesis: credit configured accounts on an empty ledger.
	if l.TotalSupply() == 0 && len(cfg.Genesis.FundAccounts) > 0 {
		for _, hexAddr := range cfg.Genesis.FundAccounts {
			if !common.IsHexAddress(hexAddr) {
				sugar.Fatalw("genesis_bad_address", "address", hexAddr)
			}
			addr := common.HexToAddress(hexAddr)
			if err := l.Fund(ledger.HolderID(addr), cfg.Genesis.FundAmount); err != nil {
				sugar.Fatalw("genesis_fund_failed", "address", addr.Hex(), "err", err)
			}
			sugar.Infow("genesis_funded", "address", addr.Hex(), "amount", cfg.Genesis.FundAmount)
		}
	}

	// ---- Engine ----
	eng := engine.New(l,
		engine.WithLogger(sugar),
		engine.WithStorageDeposit(cfg.Node.StorageDeposit),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// ---- Crank (optional built-in matcher) ----
	if cfg.Crank.Enabled {
		var signer *crypto.Signer
		if cfg.Crank.MatcherKey != "" {
			signer, err = crypto.FromPrivateKeyHex(cfg.Crank.MatcherKey)
		} else {
			signer, err = crypto.GenerateKey()
		}
		if err != nil {
			sugar.Fatalw("crank_key_failed", "err", err)
		}

		crankCfg := crank.DefaultConfig(signer.Address())
		crankCfg.Interval = cfg.Crank.Interval
		crankCfg.MaxRetries = cfg.Crank.MaxRetries

		c := crank.New(eng, crankCfg, sugar)
		go func() {
			if err := c.Run(ctx); err != nil && ctx.Err() == nil {
				sugar.Fatalw("crank_failed", "err", err)
			}
		}()
		sugar.Infow("crank_started", "matcher", signer.Address().Hex(),
			"interval_ms", cfg.Crank.Interval.Milliseconds())
	} else {
		sugar.Info("crank_disabled - external matchers only")
	}

	// ---- API Server ----
	apiServer := api.NewServer(eng, sugar)
	go func() {
		if err := apiServer.Start(cfg.Node.APIAddr); err != nil {
			sugar.Fatalw("api_server_failed", "err", err)
		}
	}()

	sugar.Infow("node_started",
		"api_addr", cfg.Node.APIAddr,
		"data_dir", cfg.Node.DataDir,
		"storage_deposit", cfg.Node.StorageDeposit,
		"events", l.EventCount())

	<-ctx.Done()
	sugar.Info("shutting down")
}
