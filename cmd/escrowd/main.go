package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"golang.org/x/sync/errgroup"

	"nftescrow/config"
	"nftescrow/core/eventlog"
	"nftescrow/core/events"
	"nftescrow/host"
	"nftescrow/native/nft"
	"nftescrow/observability"
	"nftescrow/observability/logging"
	"nftescrow/rpc"
	"nftescrow/rpc/middleware"
	"nftescrow/storage"
)

func main() {
	configFile := flag.String("config", "./escrow.toml", "Path to the configuration file")
	flag.Parse()

	cfg, err := config.Load(*configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	env := strings.TrimSpace(os.Getenv("ESCROW_ENV"))
	if env == "" {
		env = cfg.Environment
	}
	logger, closer := logging.Setup("escrowd", env, logging.Options{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		File:       cfg.Logging.File,
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAgeDays: cfg.Logging.MaxAgeDays,
	})
	defer closer.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("escrowd exited", slog.Any("error", err))
		os.Exit(1)
	}
}

func openStore(cfg *config.Config) (storage.Database, error) {
	switch cfg.Backend {
	case config.BackendMemory:
		return storage.NewMemDB(), nil
	case config.BackendBolt:
		return storage.NewBoltDB(filepath.Join(cfg.DataDir, "escrow.bolt"))
	case config.BackendLevelDB:
		return storage.NewLevelDB(cfg.DataDir)
	default:
		return nil, fmt.Errorf("unsupported backend %q", cfg.Backend)
	}
}

func buildDirectory(cfg *config.Config) (*nft.Directory, error) {
	dir := nft.NewDirectory()
	for _, contract := range cfg.AssetContracts {
		var err error
		switch contract.Kind {
		case config.ContractRemote:
			err = dir.AddRemote(contract.ID, nft.NewClient(contract.URL, contract.Token, cfg.QueryTimeout()))
		default:
			err = dir.AddNative(contract.ID)
		}
		if err != nil {
			return nil, err
		}
	}
	return dir, nil
}

func genesisFrom(cfg *config.Config) (host.Genesis, error) {
	g := host.Genesis{
		Owner:    cfg.Owner,
		Operator: cfg.Operator,
		Treasury: cfg.Treasury,
	}
	for _, bal := range cfg.Balances {
		amount, err := bal.Value()
		if err != nil {
			return g, fmt.Errorf("balance %s: %w", bal.Account, err)
		}
		g.Balances = append(g.Balances, host.Credit{Account: strings.TrimSpace(bal.Account), Amount: amount})
	}
	for _, asset := range cfg.Assets {
		g.Assets = append(g.Assets, host.Mint{
			Contract: strings.TrimSpace(asset.Contract),
			TokenID:  strings.TrimSpace(asset.TokenID),
			Owner:    strings.TrimSpace(asset.Owner),
		})
	}
	return g, nil
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	db, err := openStore(cfg)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	var (
		journal *eventlog.Journal
		emitter events.Emitter
	)
	if path := strings.TrimSpace(cfg.Journal.Path); path != "" {
		journal, err = eventlog.Open(path)
		if err != nil {
			return fmt.Errorf("open event journal: %w", err)
		}
		defer journal.Close()
		emitter = journal
	}

	dir, err := buildDirectory(cfg)
	if err != nil {
		return fmt.Errorf("register asset contracts: %w", err)
	}
	metrics := observability.Escrow()
	runtime, err := host.New(db, dir, host.Options{
		EngineAccount: cfg.EngineAccount,
		QueryTimeout:  cfg.QueryTimeout(),
		QueueSize:     cfg.QueryQueueSize,
		Logger:        logger,
		Metrics:       metrics,
		Emitter:       emitter,
	})
	if err != nil {
		return err
	}

	genesis, err := genesisFrom(cfg)
	if err != nil {
		return err
	}
	applied, err := runtime.Bootstrap(genesis)
	if err != nil {
		return fmt.Errorf("bootstrap: %w", err)
	}
	if applied {
		logger.Info("engine initialized", "owner", genesis.Owner, "balances", len(genesis.Balances), "assets", len(genesis.Assets))
	}

	server := rpc.NewServer(runtime, rpc.Config{
		Auth: middleware.AuthConfig{
			Enabled:        cfg.Auth.Enabled,
			HMACSecret:     cfg.Auth.HMACSecret,
			Issuer:         cfg.Auth.Issuer,
			Audience:       cfg.Auth.Audience,
			AllowAnonymous: cfg.Auth.AllowAnonymousReads,
		},
		RateLimit: middleware.RateLimit{
			RequestsPerMinute: float64(cfg.RateLimit.RequestsPerMinute),
			Burst:             cfg.RateLimit.Burst,
		},
		Logger:  logger,
		Metrics: metrics,
		Journal: journal,
	})

	logger.Info("escrowd starting",
		"listen", cfg.ListenAddress,
		"backend", cfg.Backend,
		"engine", runtime.EngineAccount(),
		"contracts", strings.Join(dir.IDs(), ","),
		"auth", cfg.Auth.Enabled,
		logging.MaskField("hmacSecret", cfg.Auth.HMACSecret))

	group, gctx := errgroup.WithContext(ctx)
	group.Go(func() error { return runtime.Run(gctx) })
	group.Go(func() error { return server.Serve(gctx, cfg.ListenAddress) })
	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info("escrowd stopped")
	return nil
}
