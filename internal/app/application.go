// Package app wires the components into a runnable server.
package app

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/robfig/cron/v3"

	"github.com/chenchen71956/ContribTracker/internal/app/authority"
	"github.com/chenchen71956/ContribTracker/internal/app/cache"
	"github.com/chenchen71956/ContribTracker/internal/app/httpapi"
	"github.com/chenchen71956/ContribTracker/internal/app/invitations"
	"github.com/chenchen71956/ContribTracker/internal/app/metrics"
	"github.com/chenchen71956/ContribTracker/internal/app/notifier"
	"github.com/chenchen71956/ContribTracker/internal/app/services/contributions"
	"github.com/chenchen71956/ContribTracker/internal/app/storage/postgres"
	"github.com/chenchen71956/ContribTracker/internal/app/workers"
	"github.com/chenchen71956/ContribTracker/internal/app/ws"
	"github.com/chenchen71956/ContribTracker/internal/config"
	"github.com/chenchen71956/ContribTracker/pkg/logger"
)

// Application owns every long-lived component and their lifecycles.
type Application struct {
	cfg *config.Config
	log *logger.Logger

	db       *sqlx.DB
	registry *ws.Registry
	pool     *workers.Pool
	service  *contributions.Service
	cron     *cron.Cron
	server   *http.Server
}

// New builds the application from configuration: database, store,
// cache, ledger, subscriber registry, notifier, worker pool, service,
// HTTP surface, and the periodic sweeps.
func New(cfg *config.Config) (*Application, error) {
	log, err := logger.New(cfg.Logging)
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}
	log = log.WithComponent("app")

	if cfg.Database.DSN == "" {
		return nil, fmt.Errorf("database.dsn is required (or set DATABASE_URL)")
	}
	db, err := sqlx.Open("postgres", cfg.Database.DSN)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	db.SetMaxIdleConns(cfg.Database.MaxIdleConns)

	pingCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	m := metrics.New()
	store := postgres.New(db, log.WithComponent("postgres"))
	if err := store.EnsureSchema(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ensure schema: %w", err)
	}

	rc := cache.New(cfg.Cache.TTL, m)
	ledger := invitations.New(cfg.Invitations.TTL, m)
	registry := ws.NewRegistry(log.WithComponent("ws"), m)
	notif := notifier.New(store, rc, registry, log.WithComponent("notifier"), m)
	pool := workers.New(cfg.Workers.Count, cfg.Workers.QueueSize, log.WithComponent("workers"), m)

	svc := contributions.New(contributions.Config{
		Store:        store,
		Cache:        rc,
		Ledger:       ledger,
		Authority:    authority.New(store),
		Notifier:     notif,
		Pool:         pool,
		Logger:       log.WithComponent("contributions"),
		Metrics:      m,
		StoreTimeout: cfg.Database.StoreTimeout,
	})

	handler := httpapi.New(registry, m, cfg.Server.WSPath, log.WithComponent("httpapi"))
	server := &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           handler.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	app := &Application{
		cfg:      cfg,
		log:      log,
		db:       db,
		registry: registry,
		pool:     pool,
		service:  svc,
		cron:     cron.New(),
		server:   server,
	}
	if err := app.scheduleSweeps(ledger, rc); err != nil {
		db.Close()
		return nil, err
	}
	return app, nil
}

// scheduleSweeps registers the periodic jobs: heartbeat pings, stale
// session eviction, invitation TTL sweep, and cache sweep.
func (a *Application) scheduleSweeps(ledger *invitations.Ledger, rc *cache.ReadCache) error {
	heartbeat := a.cfg.Heartbeat.Interval
	if heartbeat <= 0 {
		heartbeat = ws.DefaultHeartbeatInterval
	}
	timeout := a.cfg.Heartbeat.Timeout
	if timeout <= 0 {
		timeout = ws.DefaultLivenessTimeout
	}
	sweepPeriod := a.cfg.Invitations.SweepPeriod
	if sweepPeriod <= 0 {
		sweepPeriod = invitations.DefaultSweepPeriod
	}

	jobs := []struct {
		spec string
		fn   func()
	}{
		{fmt.Sprintf("@every %s", heartbeat), func() {
			ctx, cancel := context.WithTimeout(context.Background(), heartbeat)
			defer cancel()
			a.registry.HeartbeatTick(ctx)
			a.registry.SweepStale(time.Now(), timeout)
		}},
		{fmt.Sprintf("@every %s", sweepPeriod), func() {
			if n := ledger.Sweep(time.Now()); n > 0 {
				a.log.WithField("evicted", n).Info("expired invitations swept")
			}
		}},
		{fmt.Sprintf("@every %s", cache.DefaultTTL), func() {
			rc.Sweep(time.Now())
		}},
	}
	for _, job := range jobs {
		if _, err := a.cron.AddFunc(job.spec, job.fn); err != nil {
			return fmt.Errorf("schedule sweep: %w", err)
		}
	}
	return nil
}

// Service exposes the command facade to embedders.
func (a *Application) Service() *contributions.Service { return a.service }

// Run starts the sweeps and serves HTTP until the listener fails or
// Shutdown is called.
func (a *Application) Run() error {
	a.cron.Start()
	a.log.WithField("addr", a.cfg.Server.ListenAddr).Info("server listening")
	if err := a.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown stops intake first, then drains: HTTP listener, sweeps,
// worker queue, database.
func (a *Application) Shutdown(ctx context.Context) error {
	a.log.Info("shutting down")

	err := a.server.Shutdown(ctx)
	<-a.cron.Stop().Done()
	a.pool.Close()
	if dbErr := a.db.Close(); err == nil {
		err = dbErr
	}
	return err
}
