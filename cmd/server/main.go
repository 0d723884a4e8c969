// cmd/server/main.go

// vaultd 提供託管金庫的 RESTful API：建立金庫、存款、提款與查詢。
// 此檔案負責載入設定、組裝各模組（vault, storage, server, telemetry）並啟動 HTTP 伺服器；
// 啟動時載入 JSON 快照，每次成功變更與結束時保存快照。
package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	"vault/internal/config"
	"vault/internal/logging"
	"vault/internal/server"
	"vault/internal/storage"
	"vault/internal/telemetry"
	"vault/internal/vault"
)

const shutdownTimeout = 10 * time.Second

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configFile string
	cmd := &cobra.Command{
		Use:          "vaultd",
		Short:        "Custodial vault ledger service",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(viper.New(), configFile, cmd.Flags())
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return run(ctx, cfg)
		},
	}
	cmd.Flags().StringVar(&configFile, "config", "", "path to a config file (yaml, json or toml)")
	cmd.Flags().String("addr", ":8080", "HTTP listen address")
	cmd.Flags().String("log-level", "info", "log level: debug, info, warn, error")
	cmd.Flags().String("backend", config.BackendMemory, "vault record storage: memory, redis, postgres")
	return cmd
}

// backend 為選定的金庫紀錄儲存；mem 只在 memory 後端時非 nil，快照才包含金庫紀錄。
type backend struct {
	store vault.Store
	mem   *vault.MemoryStore
	close func() error
}

func openBackend(ctx context.Context, cfg config.Config, logger *zap.Logger) (backend, error) {
	switch cfg.Storage.Backend {
	case config.BackendRedis:
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			client.Close()
			return backend{}, fmt.Errorf("connect redis %s: %w", cfg.Redis.Addr, err)
		}
		return backend{
			store: storage.NewRedisStore(client, storage.DefaultLockOptions(), logger),
			close: client.Close,
		}, nil
	case config.BackendPostgres:
		pg, err := storage.OpenPostgres(ctx, cfg.Postgres.DSN, logger)
		if err != nil {
			return backend{}, err
		}
		return backend{store: pg, close: pg.Close}, nil
	default:
		mem := vault.NewMemoryStore()
		return backend{store: mem, mem: mem, close: func() error { return nil }}, nil
	}
}

func run(ctx context.Context, cfg config.Config) error {
	logger, err := logging.New(cfg.Log.Level, cfg.Log.Development)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	be, err := openBackend(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := be.close(); err != nil {
			logger.Warn("close storage backend", zap.Error(err))
		}
	}()

	treasury := vault.NewTreasury()

	// 嘗試從上次的快照載入；不存在則以空狀態啟動
	snapPath := cfg.Storage.Snapshot
	snap, err := storage.LoadSnapshot(snapPath)
	switch {
	case err == nil:
		storage.Apply(snap, be.mem, treasury)
		logger.Info("snapshot restored", zap.String("path", snapPath),
			zap.Int("vaults", len(snap.Vaults)), zap.Int("balances", len(snap.Balances)))
	case errors.Is(err, fs.ErrNotExist):
		logger.Info("no snapshot found, starting empty", zap.String("path", snapPath))
	default:
		return fmt.Errorf("load snapshot: %w", err)
	}

	var snapStore vault.Store
	if be.mem != nil {
		snapStore = be.mem
	}
	persist := func() error {
		snap, err := storage.Capture(context.Background(), snapStore, treasury)
		if err != nil {
			return err
		}
		return storage.SaveSnapshot(snapPath, snap)
	}

	metrics, err := telemetry.NewMetricsAnnouncer(otel.GetMeterProvider().Meter("vault"))
	if err != nil {
		return err
	}
	ledger := vault.NewLedger(be.store, treasury,
		vault.WithNamespace(cfg.Vault.Namespace),
		vault.WithLogger(logger),
		vault.WithAnnouncer(vault.Announcers{telemetry.NewLogAnnouncer(logger), metrics}),
	)

	s := server.NewServer(ledger, treasury, persist, server.Options{
		Logger:        logger,
		Decimals:      cfg.Units.Decimals,
		FaucetEnabled: cfg.Faucet.Enabled,
	})
	app := s.Router()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("vault server running", zap.String("addr", cfg.HTTP.Addr),
			zap.String("backend", cfg.Storage.Backend))
		errCh <- app.Listen(cfg.HTTP.Addr)
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	if err := app.ShutdownWithTimeout(shutdownTimeout); err != nil {
		logger.Warn("http shutdown", zap.Error(err))
	}
	if err := persist(); err != nil {
		logger.Error("final snapshot failed", zap.Error(err))
		return err
	}
	return nil
}
