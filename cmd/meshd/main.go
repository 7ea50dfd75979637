package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"epochmesh/engine"
	"epochmesh/engine/adapters/meshhttp"
	"epochmesh/engine/bus"
	"epochmesh/engine/configx"
	"epochmesh/engine/export"
	"epochmesh/engine/memory"
	"epochmesh/engine/models"
	"epochmesh/engine/watchdog"
)

const version = "0.3.0"

func main() {
	var (
		httpAddr   = flag.String("http", envOr("MESH_HTTP_ADDR", ":12070"), "HTTP API listen address")
		streamAddr = flag.String("stream", envOr("MESH_STREAM_ADDR", ":12071"), "websocket stream listen address")
		configPath = flag.String("config", os.Getenv("MESH_CONFIG"), "optional layered config file (YAML)")
		backendDSN = flag.String("backend", os.Getenv("MESH_BACKEND_DSN"), "postgres DSN for the memory graph (empty = in-memory)")
		metrics    = flag.Bool("metrics", envOr("MESH_METRICS", "") != "", "enable metrics exposition")
	)
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg := engine.Defaults()
	cfg.MetricsEnabled = *metrics

	// Layered config: defaults < flags/environment < file; a file's global
	// addresses replace the flag or environment ones.
	resolver := configx.NewResolver()
	if *configPath != "" {
		if err := resolver.WatchFile(ctx, configx.LayerEnvironment, *configPath, func(err error) {
			logger.Warn("config reload failed", "error", err)
		}); err != nil {
			logger.Error("config load failed", "path", *configPath, "error", err)
			os.Exit(1)
		}
		cfg = applySpec(cfg, resolver.Effective())
		if eff := resolver.Effective(); eff.Global != nil {
			if eff.Global.HTTPAddr != "" {
				*httpAddr = eff.Global.HTTPAddr
			}
			if eff.Global.StreamAddr != "" {
				*streamAddr = eff.Global.StreamAddr
			}
		}
	}

	opts := engine.Options{BaseLogger: logger}
	if *backendDSN != "" {
		backend, err := memory.NewPgxBackend(ctx, *backendDSN)
		if err != nil {
			logger.Error("backend connect failed", "error", err)
			os.Exit(1)
		}
		if err := backend.Migrate(ctx); err != nil {
			logger.Error("backend migrate failed", "error", err)
			os.Exit(1)
		}
		opts.Backend = backend
	}

	e, err := engine.New(cfg, opts)
	if err != nil {
		logger.Error("engine construction failed", "error", err)
		os.Exit(1)
	}
	if opts.Backend != nil {
		if err := e.Graph().Reload(ctx); err != nil {
			logger.Warn("graph reload from backend failed", "error", err)
		}
	}
	if err := e.Start(ctx); err != nil {
		logger.Error("engine start failed", "error", err)
		os.Exit(1)
	}

	// Exporter fan-out over everything the mesh broadcasts.
	exportSub, err := e.Stream().Subscribe(models.ChannelWildcard)
	if err == nil {
		manager := export.NewManager(func(exporter string, payload interface{}) {
			logger.Debug("export", "exporter", exporter, "payload", payload)
		}, nil, export.SignalNodeExporter{}, export.BlackboardExporter{})
		go manager.Run(ctx, exportSub)
	}

	// HTTP API and websocket stream are separately addressable.
	apiSrv := &http.Server{Addr: *httpAddr, Handler: meshhttp.NewRouter(e, meshhttp.Options{Version: version})}
	streamSrv := &http.Server{Addr: *streamAddr, Handler: bus.NewWSServer(e.Stream(), nil)}

	go func() {
		logger.Info("mesh HTTP API listening", "addr", *httpAddr)
		if err := apiSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server failed", "error", err)
			stop()
		}
	}()
	go func() {
		logger.Info("mesh stream listening", "addr", *streamAddr)
		if err := streamSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("stream server failed", "error", err)
			stop()
		}
	}()

	// Self-supervision: the watchdog probes this process's own surfaces and
	// the backing store, restarting subsystems through the phoenix path.
	e.Watchdog().Supervise(watchdog.ServiceSpec{
		Name:      "orchestration",
		HealthURL: healthURL(*httpAddr),
	})
	e.Watchdog().Supervise(watchdog.ServiceSpec{
		Name: "backend-db",
		ProbeOverride: func(ctx context.Context) error {
			if e.Graph().BackendReachable(ctx) {
				return nil
			}
			return errors.New("backend unreachable")
		},
	})

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	_ = apiSrv.Shutdown(shutdownCtx)
	_ = streamSrv.Shutdown(shutdownCtx)
	if err := e.Stop(); err != nil {
		logger.Warn("engine stop reported error", "error", err)
	}
}

// applySpec folds the layered config into the engine config.
func applySpec(cfg engine.Config, spec configx.MeshConfigSpec) engine.Config {
	if spec.Memory != nil {
		if spec.Memory.PoolSize > 0 {
			cfg.Memory.PoolSize = spec.Memory.PoolSize
		}
		if spec.Memory.AcquireTimeout > 0 {
			cfg.Memory.AcquireTimeout = spec.Memory.AcquireTimeout
		}
		if spec.Memory.RetryCapacity > 0 {
			cfg.Memory.RetryCapacity = spec.Memory.RetryCapacity
		}
		if spec.Memory.RetryMaxAge > 0 {
			cfg.Memory.RetryMaxAge = spec.Memory.RetryMaxAge
		}
		if spec.Memory.FlushInterval > 0 {
			cfg.Memory.FlushInterval = spec.Memory.FlushInterval
		}
		if spec.Memory.RetentionLimit > 0 {
			cfg.Memory.RetentionLimit = spec.Memory.RetentionLimit
		}
	}
	if spec.Bus != nil {
		if spec.Bus.SubscriberBuffer > 0 {
			cfg.Bus.SubscriberBuffer = spec.Bus.SubscriberBuffer
		}
		if spec.Bus.Retention > 0 {
			cfg.Bus.Retention = spec.Bus.Retention
		}
	}
	if spec.Providers != nil {
		if spec.Providers.FailThreshold > 0 {
			cfg.Pipeline.Breaker.FailThreshold = uint32(spec.Providers.FailThreshold)
		}
		if spec.Providers.OpenDuration > 0 {
			cfg.Pipeline.Breaker.OpenDuration = spec.Providers.OpenDuration
		}
		if spec.Providers.HalfOpenProbes > 0 {
			cfg.Pipeline.Breaker.HalfOpenProbes = uint32(spec.Providers.HalfOpenProbes)
		}
	}
	if spec.Behavior != nil {
		if spec.Behavior.TickInterval > 0 {
			cfg.TickInterval = spec.Behavior.TickInterval
		}
		if spec.Behavior.HaltThreshold > 0 {
			cfg.Rebellion.HaltThreshold = spec.Behavior.HaltThreshold
		}
		if spec.Behavior.VetoThreshold > 0 {
			cfg.Rebellion.VetoThreshold = spec.Behavior.VetoThreshold
			cfg.Pipeline.Rails.VetoThreshold = spec.Behavior.VetoThreshold
		}
	}
	if spec.Watchdog != nil {
		if spec.Watchdog.RestartBudget > 0 {
			cfg.Watchdog.RestartBudget = spec.Watchdog.RestartBudget
		}
		if spec.Watchdog.BudgetWindow > 0 {
			cfg.Watchdog.BudgetWindow = spec.Watchdog.BudgetWindow
		}
		if spec.Watchdog.PhoenixLog != "" {
			cfg.Phoenix.LogPath = spec.Watchdog.PhoenixLog
		}
	}
	if spec.Global != nil {
		if spec.Global.MetricsEnabled != nil {
			cfg.MetricsEnabled = *spec.Global.MetricsEnabled
		}
		if spec.Global.MetricsBackend != "" {
			cfg.MetricsBackend = spec.Global.MetricsBackend
		}
	}
	return cfg
}

func healthURL(addr string) string {
	if addr != "" && addr[0] == ':' {
		return "http://127.0.0.1" + addr + "/health"
	}
	return "http://" + addr + "/health"
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
