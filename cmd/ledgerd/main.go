package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/blackbox-ledger/blackbox/config"
	"github.com/blackbox-ledger/blackbox/internal/custody"
	"github.com/blackbox-ledger/blackbox/internal/ledger"
	"github.com/blackbox-ledger/blackbox/internal/network"
	"github.com/blackbox-ledger/blackbox/internal/notify"
	"github.com/blackbox-ledger/blackbox/internal/shardstore"
	"github.com/ethereum/go-ethereum/common"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"
)

var (
	// Global flags
	verbose    bool
	configPath string

	// serve flags
	port       int
	storageDir string

	logger *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "ledgerd",
	Short: "Confidential balance ledger daemon",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		zcfg := zap.NewProductionConfig()
		if verbose {
			zcfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		var err error
		logger, err = zcfg.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the ledger API and dispatch requests to the engine",
	RunE:  serve,
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "config/config.json", "Config file (.json or .yaml)")
	serveCmd.Flags().IntVar(&port, "port", 0, "HTTP port (overrides config)")
	serveCmd.Flags().StringVar(&storageDir, "storage-dir", "", "Persistent shard storage (overrides config)")
	rootCmd.AddCommand(serveCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serve(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if port != 0 {
		cfg.Ledger.Port = port
	}
	if storageDir != "" {
		cfg.Ledger.StorageDir = storageDir
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if cfg.Network.DelayEnabled {
		logger.Info("network delay simulation enabled",
			zap.Int("min_ms", cfg.Network.MinDelayMs),
			zap.Int("max_ms", cfg.Network.MaxDelayMs))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := shardstore.Open(shardstore.Options{
		Path:          cfg.Ledger.StorageDir,
		MaxShardBytes: cfg.Ledger.MaxShardBytes,
		EntryBytes:    cfg.Ledger.EntryBytes,
		MaxShards:     cfg.Ledger.MaxShards,
		Logger:        logger,
	})
	if err != nil {
		return fmt.Errorf("open shard store: %w", err)
	}
	defer store.Close()

	vault, err := custody.OpenVault(cfg.Ledger.CustodyDB, logger)
	if err != nil {
		return fmt.Errorf("open custody vault: %w", err)
	}
	defer vault.Close()

	client := network.NewHTTPClient(cfg.Network, ledger.HTTPClientTimeout)
	engine := ledger.NewEngineClient(cfg.Ledger.EngineURL, client)

	signer := common.HexToAddress(cfg.Ledger.EngineAddress)
	if cfg.Ledger.EngineAddress == "" {
		info, err := engine.Info(ctx)
		if err != nil {
			return fmt.Errorf("engine_address not configured and engine unreachable: %w", err)
		}
		signer = info.Signer
	}
	logger.Info("trusting engine signer", zap.Stringer("address", signer))

	hub := notify.NewHub(logger)
	defer hub.Close()

	svc, err := ledger.NewService(ledger.Options{
		Store:               store,
		Engine:              engine,
		Custody:             vault,
		Notifier:            hub,
		Subscriptions:       hub,
		EngineAddress:       signer,
		CallbackURL:         cfg.Ledger.CallbackURL,
		AutoProvisionShards: cfg.Ledger.AutoProvisionShards,
		Logger:              logger,
	})
	if err != nil {
		return err
	}
	if err := svc.Recover(ctx); err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Ledger.Port),
		Handler:           svc.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("ledger starting", zap.String("addr", srv.Addr), zap.Int("shard_capacity", store.Capacity()))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error { return svc.Run(gctx) })
	g.Go(func() error {
		return svc.RunJanitor(gctx, cfg.GetPendingTTL(), cfg.GetJanitorInterval())
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
