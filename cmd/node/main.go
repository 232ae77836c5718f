package main

import (
	"log"
	"math/big"
	"os"
	"os/signal"
	"syscall"

	"github.com/ethereum/go-ethereum/common"

	"github.com/dexlabs/tokendex/params"
	"github.com/dexlabs/tokendex/pkg/api"
	"github.com/dexlabs/tokendex/pkg/exchange"
	"github.com/dexlabs/tokendex/pkg/token"
	"github.com/dexlabs/tokendex/pkg/util"
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

	// ---- Token ledgers (devnet) ----
	deployer := common.HexToAddress(cfg.Node.Deployer)
	registry := token.NewRegistry()

	supply := new(big.Int).Mul(big.NewInt(1_000_000), new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil))
	for _, spec := range []struct{ name, symbol string }{
		{"Digital Gold", "ALGOLD"},
		{"Mock DAI", "MDAI"},
	} {
		t, err := registry.Deploy(spec.name, spec.symbol, 18, supply, deployer)
		if err != nil {
			sugar.Fatalw("token_deploy_failed", "symbol", spec.symbol, "err", err)
		}
		sugar.Infow("token_deployed", "symbol", spec.symbol, "address", t.Address().Hex())
	}

	// ---- Exchange engine ----
	store, err := exchange.OpenStore(cfg.Engine.DBPath)
	if err != nil {
		sugar.Fatalw("store_open_failed", "path", cfg.Engine.DBPath, "err", err)
	}
	defer store.Close()

	engine, err := exchange.NewEngine(exchange.Config{
		FeeAccount: common.HexToAddress(cfg.Engine.FeeAccount),
		FeePercent: cfg.Engine.FeePercent,
		Tokens:     registry,
		Store:      store,
		Logger:     sugar,
	})
	if err != nil {
		sugar.Fatalw("engine_init_failed", "err", err)
	}
	sugar.Infow("engine_ready",
		"fee_account", engine.FeeAccount().Hex(),
		"fee_percent", engine.FeePercent(),
		"custody", engine.Address().Hex(),
		"orders", engine.OrderCount())

	// ---- API ----
	server := api.NewServer(engine, registry, api.Options{
		RequireSignatures: cfg.API.RequireSignatures,
		Logger:            sugar,
	})

	errc := make(chan error, 1)
	go func() {
		errc <- server.Start(cfg.API.Listen, cfg.API.AllowedOrigins)
	}()

	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errc:
		sugar.Fatalw("api_server_failed", "err", err)
	case sig := <-sigc:
		sugar.Infow("shutting_down", "signal", sig.String())
	}
}
