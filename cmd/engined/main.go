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
	"github.com/blackbox-ledger/blackbox/internal/enclave"
	"github.com/blackbox-ledger/blackbox/internal/engine"
	"github.com/blackbox-ledger/blackbox/internal/ledger"
	"github.com/blackbox-ledger/blackbox/internal/network"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"
)

var (
	verbose    bool
	configPath string

	port    int
	keyFile string

	logger *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "engined",
	Short: "Reference confidential engine node",
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
	Short: "Execute computations and deliver signed callbacks",
	RunE:  serve,
}

var keygenCmd = &cobra.Command{
	Use:   "keygen",
	Short: "Generate engine keys and print the callback signer address",
	RunE:  keygen,
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "config/config.json", "Config file (.json or .yaml)")
	rootCmd.PersistentFlags().StringVar(&keyFile, "key-file", "", "Engine key file (overrides config)")
	serveCmd.Flags().IntVar(&port, "port", 0, "HTTP port (overrides config)")
	rootCmd.AddCommand(serveCmd, keygenCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if port != 0 {
		cfg.Engine.Port = port
	}
	if keyFile != "" {
		cfg.Engine.KeyFile = keyFile
	}
	return cfg, nil
}

func keygen(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if _, err := os.Stat(cfg.Engine.KeyFile); err == nil {
		return fmt.Errorf("key file %s already exists", cfg.Engine.KeyFile)
	}
	keys, err := enclave.GenerateKeys()
	if err != nil {
		return err
	}
	if err := keys.Save(cfg.Engine.KeyFile); err != nil {
		return fmt.Errorf("save keys: %w", err)
	}
	addr, err := keys.Address()
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\nengine_address: %s\n", cfg.Engine.KeyFile, addr.Hex())
	return nil
}

func serve(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	keys, err := enclave.LoadKeys(cfg.Engine.KeyFile)
	if err != nil {
		return err
	}
	cipher, err := engine.NewCipher(keys.MasterKey)
	if err != nil {
		return err
	}
	signer, err := keys.Signer()
	if err != nil {
		return err
	}

	node, err := enclave.NewNode(enclave.Options{
		Engine:     engine.New(cipher, engine.OverflowPolicy(cfg.Engine.OverflowPolicy)),
		SigningKey: signer,
		Client:     network.NewHTTPClient(cfg.Network, ledger.HTTPClientTimeout),
		QueueSize:  cfg.Engine.QueueSize,
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Engine.Port),
		Handler:           node.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		info := node.Info()
		logger.Info("engine starting", zap.String("addr", srv.Addr), zap.Stringer("signer", info.Signer))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error { return node.Run(gctx) })
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
