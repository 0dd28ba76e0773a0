package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/zulandar/pulse/internal/config"
	"github.com/zulandar/pulse/internal/db"
	"github.com/zulandar/pulse/internal/logging"
	"github.com/zulandar/pulse/internal/pulse"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// env is what every data command needs: configuration, a migrated store
// and a logger.
type env struct {
	cfg *config.Config
	db  *gorm.DB
	log *zap.Logger
}

func addConfigFlag(cmd *cobra.Command, path *string) {
	cmd.Flags().StringVarP(path, "config", "c", defaultConfigPath, "path to Pulse config file")
}

// loadConfig reads .env and then the YAML config at path.
func loadConfig(path string) (*config.Config, error) {
	config.LoadDotEnv()
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

// openEnv loads configuration, opens and migrates the store.
func openEnv(configPath string) (*env, error) {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return nil, err
	}
	logger, err := logging.New(cfg.Debug)
	if err != nil {
		return nil, fmt.Errorf("logger: %w", err)
	}
	gormDB, err := db.Open(cfg.Store, cfg.Debug)
	if err != nil {
		return nil, err
	}
	if err := db.AutoMigrate(gormDB); err != nil {
		db.Close(gormDB)
		return nil, err
	}
	return &env{cfg: cfg, db: gormDB, log: logger}, nil
}

func (e *env) service() *pulse.Service {
	return pulse.New(pulse.Opts{
		DB:         e.db,
		WindowDays: e.cfg.Snapshot.WindowDays,
		Logger:     e.log,
	})
}

func (e *env) close() {
	db.Close(e.db)
	_ = e.log.Sync()
}

// signalContext returns a context cancelled on SIGINT or SIGTERM.
func signalContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(cmd.Context())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case sig := <-sigCh:
			fmt.Fprintf(cmd.ErrOrStderr(), "\nReceived %s, shutting down...\n", sig)
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(sigCh)
	}()
	return ctx, cancel
}
