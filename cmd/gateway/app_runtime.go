package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/ajayjarhad/tesrai-dashboard-sub001/internal/buildinfo"
	"github.com/ajayjarhad/tesrai-dashboard-sub001/internal/config"
	"github.com/ajayjarhad/tesrai-dashboard-sub001/internal/fleet"
	"github.com/ajayjarhad/tesrai-dashboard-sub001/internal/mapping"
	"github.com/ajayjarhad/tesrai-dashboard-sub001/internal/store"
	"github.com/ajayjarhad/tesrai-dashboard-sub001/internal/ws"
)

type gatewayApp struct {
	envCfg   *config.EnvConfig
	logger   *zap.Logger
	db       *store.DB
	registry *fleet.Registry
	fetcher  *mapping.Fetcher
	cron     *cron.Cron
	httpSrv  *http.Server
	stopCh   chan struct{}
}

func run() error {
	envCfg, err := config.LoadEnvConfig()
	if err != nil {
		return err
	}
	logger, err := newLogger(envCfg.LogLevel)
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	defer logger.Sync()

	logger.Info("telemetry gateway starting",
		zap.String("version", buildinfo.Version),
		zap.String("commit", buildinfo.GitCommit))

	if err := os.MkdirAll(envCfg.StateDir, 0o755); err != nil {
		return fmt.Errorf("state dir: %w", err)
	}
	db, err := store.Open(filepath.Join(envCfg.StateDir, "gateway.db"))
	if err != nil {
		return err
	}

	app, err := newGatewayApp(envCfg, logger, db)
	if err != nil {
		db.Close()
		return err
	}

	serverErrCh := app.start()
	runtimeErr := waitForShutdown(logger, serverErrCh)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	app.shutdown(ctx)

	if err := db.Close(); err != nil {
		logger.Warn("database close error", zap.Error(err))
	}
	if runtimeErr != nil {
		return fmt.Errorf("runtime server error: %w", runtimeErr)
	}
	return nil
}

func newGatewayApp(envCfg *config.EnvConfig, logger *zap.Logger, db *store.DB) (*gatewayApp, error) {
	app := &gatewayApp{
		envCfg: envCfg,
		logger: logger,
		db:     db,
		stopCh: make(chan struct{}),
	}

	// Phase 1: fleet registry over the inventory.
	app.registry = fleet.New(fleet.Config{
		Inventory:         inventoryAdapter{repo: db.Robots()},
		Logger:            logger,
		DefaultBridgePort: envCfg.BridgePort,
		MappingBridgePort: envCfg.MappingBridgePort,
		ReloadInterval:    envCfg.ReloadInterval,
	})

	// Phase 2: mapping fetcher plus its sync schedule.
	app.fetcher = mapping.New(mapping.Config{
		Maps:      db.Maps(),
		Robots:    db.Robots(),
		Inventory: db.Robots(),
		Logger:    logger,
	})
	app.cron = cron.New()
	if _, err := app.cron.AddFunc(envCfg.MapSyncSchedule, func() {
		app.fetcher.SyncAll(context.Background())
	}); err != nil {
		return nil, fmt.Errorf("map sync schedule: %w", err)
	}

	// Phase 3: HTTP surface.
	mux := http.NewServeMux()
	mux.Handle("GET /ws/robots/{robotId}", ws.NewHandler(app.registry, logger))
	mux.HandleFunc("GET /healthz", app.handleHealthz)
	app.httpSrv = &http.Server{
		Addr:              net.JoinHostPort(envCfg.ListenAddress, strconv.Itoa(envCfg.GatewayPort)),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return app, nil
}

// start launches the reload loop, the map sync schedule, and the HTTP
// server. Returns the channel carrying a fatal server error.
func (a *gatewayApp) start() <-chan error {
	go a.registry.Run(a.stopCh)
	go a.fetcher.SyncAll(context.Background())
	a.cron.Start()

	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("gateway listening", zap.String("addr", a.httpSrv.Addr))
		if err := a.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	return errCh
}

// shutdown tears the app down in dependency order: schedules first, then
// the client surface, then the robot managers.
func (a *gatewayApp) shutdown(ctx context.Context) {
	cronCtx := a.cron.Stop()
	close(a.stopCh)

	if err := a.httpSrv.Shutdown(ctx); err != nil {
		a.logger.Warn("http shutdown error", zap.Error(err))
	}
	a.registry.Close()

	select {
	case <-cronCtx.Done():
	case <-ctx.Done():
	}
	a.logger.Info("gateway stopped")
}

func (a *gatewayApp) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	status := "ok"
	var reloadErr string
	if err := a.registry.LastReloadError(); err != nil {
		status = "degraded"
		reloadErr = err.Error()
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status":          status,
		"version":         buildinfo.Version,
		"robots":          a.registry.Size(),
		"lastReloadError": reloadErr,
	})
}

func waitForShutdown(logger *zap.Logger, serverErrCh <-chan error) error {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-quit:
		logger.Info("received signal, shutting down", zap.String("signal", sig.String()))
		return nil
	case err := <-serverErrCh:
		return err
	}
}

// inventoryAdapter exposes the robot repo in the registry's vocabulary.
type inventoryAdapter struct {
	repo *store.RobotRepo
}

func (a inventoryAdapter) ListRobots(ctx context.Context) ([]fleet.RobotRecord, error) {
	robots, err := a.repo.List(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]fleet.RobotRecord, 0, len(robots))
	for _, rb := range robots {
		out = append(out, fleet.RobotRecord{
			ID:                rb.ID,
			Name:              rb.Name,
			IPAddress:         rb.IPAddress,
			BridgePort:        rb.BridgePort,
			MappingBridgePort: rb.MappingBridgePort,
			Channels:          rb.Channels,
			Teleop:            rb.Teleop,
			LaserOffset:       rb.LaserOffset,
		})
	}
	return out, nil
}

func newLogger(level string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, err
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	return cfg.Build()
}
