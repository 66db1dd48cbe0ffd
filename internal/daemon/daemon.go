package daemon

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fiftyfive-labs/synthd/internal/api"
	"github.com/fiftyfive-labs/synthd/internal/app/credpool"
	"github.com/fiftyfive-labs/synthd/internal/app/ledger"
	"github.com/fiftyfive-labs/synthd/internal/app/reaper"
	"github.com/fiftyfive-labs/synthd/internal/app/scheduler"
	"github.com/fiftyfive-labs/synthd/internal/domain"
	"github.com/fiftyfive-labs/synthd/internal/health"
	_ "github.com/fiftyfive-labs/synthd/internal/infra/metrics" // register Prometheus metrics
	"github.com/fiftyfive-labs/synthd/internal/infra/sqlite"
	"github.com/fiftyfive-labs/synthd/internal/provider"
)

// Daemon is the core synthd runtime. It wires together all services.
type Daemon struct {
	Config    Config
	DB        *sqlite.DB
	Ledger    *ledger.Service
	Pool      *credpool.Pool
	Scheduler *scheduler.Service
	Reaper    *reaper.Reaper
	Health    *health.Checker
	Server    *api.Server

	cancel context.CancelFunc
}

// New creates and initializes a Daemon with all services wired.
func New() (*Daemon, error) {
	cfg, err := LoadConfig()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return NewWithConfig(cfg)
}

// NewWithConfig creates a Daemon with the given configuration.
func NewWithConfig(cfg Config) (*Daemon, error) {
	db, err := sqlite.Open(synthdHome())
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	clock := domain.SystemClock{}
	led := ledger.NewService(db, clock)

	pool, err := credpool.New(db, clock)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("load credential pool: %w", err)
	}

	registry := provider.NewRegistry(
		provider.NewVoiceClient(cfg.Providers.VoiceBaseURL),
		provider.NewImageClient(cfg.Providers.ImageBaseURL),
	)

	users := sqlite.Directory{
		DB:                db,
		DefaultVoiceSlots: cfg.Users.DefaultVoiceSlots,
		DefaultImageSlots: cfg.Users.DefaultImageSlots,
	}

	schedCfg := scheduler.DefaultConfig()
	if cfg.Scheduler.DispatchTickSeconds > 0 {
		schedCfg.DispatchTick = cfg.Scheduler.DispatchTick()
	}
	if cfg.Scheduler.UpstreamTimeoutMin > 0 {
		schedCfg.UpstreamTimeout = time.Duration(cfg.Scheduler.UpstreamTimeoutMin) * time.Minute
	}
	if cfg.Scheduler.RetentionHours > 0 {
		schedCfg.Retention = time.Duration(cfg.Scheduler.RetentionHours) * time.Hour
	}
	if cfg.Scheduler.StuckThresholdMin > 0 {
		schedCfg.StuckThreshold = time.Duration(cfg.Scheduler.StuckThresholdMin) * time.Minute
	}
	if cfg.Scheduler.WatchdogTickMin > 0 {
		schedCfg.WatchdogTick = time.Duration(cfg.Scheduler.WatchdogTickMin) * time.Minute
	}
	sched := scheduler.New(schedCfg, db, led, pool, registry, users, clock)

	reap := reaper.New(db, led, nil, clock,
		time.Duration(cfg.Reaper.IntervalMinutes)*time.Minute)

	checker := health.NewChecker(db, pool, clock)

	srv := api.NewServer(sched, led, pool, db, cfg.API.AdminToken)
	srv.SetHealth(checker)
	if cfg.Telemetry.Enabled {
		srv.EnableMetrics()
	}

	return &Daemon{
		Config:    cfg,
		DB:        db,
		Ledger:    led,
		Pool:      pool,
		Scheduler: sched,
		Reaper:    reap,
		Health:    checker,
		Server:    srv,
	}, nil
}

// Serve starts background services and the HTTP server, blocking until
// shutdown.
func (d *Daemon) Serve(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	d.cancel = cancel

	// Repair stranded state before accepting work.
	if err := d.Scheduler.Reconcile(ctx); err != nil {
		return fmt.Errorf("reconcile: %w", err)
	}

	d.Scheduler.Start(ctx)
	d.Reaper.Start(ctx)
	go d.Health.Run(ctx)

	addr := fmt.Sprintf("%s:%d", d.Config.API.Host, d.Config.API.Port)
	httpServer := &http.Server{
		Addr:         addr,
		Handler:      d.Server.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  2 * time.Minute,
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		select {
		case <-sigCh:
		case <-ctx.Done():
		}

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()

		_ = httpServer.Shutdown(shutdownCtx)
		d.Reaper.Stop()
		d.Scheduler.Stop()
		if err := d.DB.Close(); err != nil {
			log.Printf("[daemon] close database: %v", err)
		}
	}()

	fmt.Printf("synthd serving on http://%s\n", addr)
	if d.Config.Telemetry.Enabled {
		fmt.Printf("  Metrics: http://%s/metrics\n", addr)
	}

	if err := httpServer.ListenAndServe(); err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Close shuts down all daemon resources.
func (d *Daemon) Close() {
	if d.cancel != nil {
		d.cancel()
	}
	if d.Scheduler != nil {
		d.Scheduler.Stop()
	}
	if d.Reaper != nil {
		d.Reaper.Stop()
	}
	if d.DB != nil {
		_ = d.DB.Close()
	}
}
