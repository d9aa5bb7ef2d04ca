package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"breakerbox/internal/capability"
	"breakerbox/internal/config"
	"breakerbox/internal/db"
	"breakerbox/internal/envwatch"
	"breakerbox/internal/logging"
	"breakerbox/internal/memstore"
	"breakerbox/internal/metrics"
	"breakerbox/internal/panicmode"
	"breakerbox/internal/web"
)

func main() {
	logging.Init("gateway", nil)
	if err := run(os.Args[1:], serveHTTP); err != nil {
		fatalf("gateway: %v", err)
	}
}

var serveHTTP = func(srv *http.Server) error { return srv.ListenAndServe() }
var fatalf = func(format string, args ...any) {
	slog.Error("fatal", "error", fmt.Sprintf(format, args...))
	os.Exit(1)
}
var loadConfig = config.LoadConfig
var newDB = db.NewDB
var newServer = web.NewServer
var startChangeListener = func(ctx context.Context, wg *sync.WaitGroup, gt *web.GoroutineTracker, l *db.ChangeListener) {
	if gt == nil {
		gt = web.NewGoroutineTracker()
	}
	gt.Go(ctx, wg, "listener", l.Run)
}

// stateStore is the storage contract the gateway wires everywhere. Both
// *db.DB and *memstore.Store satisfy it.
type stateStore interface {
	capability.Store
	panicmode.Store
}

func run(args []string, serve func(*http.Server) error) error {
	fs := flag.NewFlagSet("gateway", flag.ContinueOnError)
	configPath := fs.String("config", "", "path to config JSON")
	if err := fs.Parse(args); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}
	storeTimeout := time.Duration(cfg.Storage.TimeoutMS) * time.Millisecond

	var database *db.DB
	var store stateStore
	if cfg.Storage.PostgresDSN != "" {
		database, err = newDB(cfg.Storage.PostgresDSN)
		if err != nil {
			return err
		}
		defer database.Close()
		store = database
	} else {
		slog.Warn("no postgres dsn configured, overrides and breaker state die with the process")
		store = memstore.New()
	}

	reg, err := capability.NewRegistry()
	if err != nil {
		return fmt.Errorf("load capability catalog: %w", err)
	}

	resolver := capability.NewService(reg, store, capability.Options{
		TTL:          time.Duration(cfg.Capabilities.CacheTTLSecs) * time.Second,
		StoreTimeout: storeTimeout,
	})
	if err := resolver.Warm(ctx); err != nil {
		slog.Warn("capability cache warm failed, serving catalog defaults until the store recovers", "error", err)
	}

	ctrl := panicmode.NewController(reg.IntegrationNames(), store, panicmode.Options{
		AutoTrip:         cfg.Panic.AutoTrip,
		AutoRecovery:     cfg.Panic.AutoRecovery,
		FailureThreshold: cfg.Panic.FailureThreshold,
		FailureWindow:    time.Duration(cfg.Panic.FailureWindowSecs) * time.Second,
		Cooldown:         time.Duration(cfg.Panic.CooldownSecs) * time.Second,
		CacheTTL:         time.Duration(cfg.Panic.CacheTTLSecs) * time.Second,
		StoreTimeout:     storeTimeout,
	})
	ctrl.SyncGauges(ctx)

	web.SetAuthToken(cfg.Server.AdminToken)
	if cfg.Server.AdminToken == "" {
		slog.Warn("admin token not configured, admin API accepts unauthenticated requests")
	}

	srv := newServer(resolver, ctrl)
	srv.Goroutines = web.NewGoroutineTracker()
	if database != nil {
		srv.Store = database
	}
	srv.RateLimiter = web.NewRateLimiter(float64(cfg.Server.RateLimitRPS), cfg.Server.RateLimitBurst)

	capEvents, unsubscribe := resolver.Subscribe()
	defer unsubscribe()
	go func() {
		for ev := range capEvents {
			srv.Emit("capability_changed", ev)
		}
	}()
	ctrl.OnChange(func(st panicmode.State) { srv.Emit("panic_changed", st) })

	var wg sync.WaitGroup

	sweeper := &capability.Sweeper{Store: resolver, Spec: cfg.Capabilities.SweepCron}
	srv.Goroutines.Go(ctx, &wg, "sweeper", sweeper.Run)

	monitor := &envwatch.Monitor{
		Registry:  reg,
		Interval:  time.Duration(cfg.EnvWatch.ScanIntervalMins) * time.Minute,
		Staleness: time.Duration(cfg.EnvWatch.StalenessHours) * time.Hour,
		OnStale: func(path string, ageHours float64) {
			srv.Emit("env_override_stale", map[string]any{"path": path, "age_hours": ageHours})
		},
	}
	srv.Goroutines.Go(ctx, &wg, "envwatch", monitor.Run)

	if cfg.Storage.PostgresDSN != "" {
		listener := &db.ChangeListener{
			DSN: cfg.Storage.PostgresDSN,
			OnEvent: func(channel, _ string) {
				switch channel {
				case db.ChannelCapabilityChanged:
					resolver.Invalidate()
				case db.ChannelPanicChanged:
					ctrl.Invalidate()
				default:
					// Reconnect gap: anything may have changed.
					resolver.Invalidate()
					ctrl.Invalidate()
				}
			},
		}
		startChangeListener(ctx, &wg, srv.Goroutines, listener)
	}

	mainSrv := &http.Server{Addr: cfg.Server.HTTPAddr, Handler: metrics.Middleware(srv.Mux)}
	errCh := make(chan error, 1)
	wg.Add(1)
	go func() {
		defer wg.Done()
		errCh <- serve(mainSrv)
	}()

	slog.Info("gateway listening", "addr", cfg.Server.HTTPAddr)
	select {
	case err := <-errCh:
		if err == nil || errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	forceExit := time.AfterFunc(30*time.Second, func() { os.Exit(1) })
	defer forceExit.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	_ = mainSrv.Shutdown(shutdownCtx)
	wg.Wait()
	select {
	case err := <-errCh:
		if err == nil || errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	default:
		return nil
	}
}
