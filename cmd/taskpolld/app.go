package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/UniQw/taskpoll"
	"github.com/UniQw/taskpoll/internal/auth"
	"github.com/UniQw/taskpoll/internal/config"
	"github.com/UniQw/taskpoll/jobqueue"
	"github.com/UniQw/taskpoll/logging"
	"github.com/UniQw/taskpoll/store"
	"github.com/getsentry/sentry-go"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
)

// application holds the daemon's wired dependencies.
type application struct {
	cfg    *config.Config
	log    logging.Logger
	rdb    *redis.Client
	store  store.Store
	queues *jobqueue.Client
	jobs   *jobqueue.Server
	mgr    *taskpoll.Manager
	gate   *auth.Gate
	sentry *sentry.Hub
}

func newApplication(ctx context.Context, cfg *config.Config, base *log.Logger) (*application, error) {
	app := &application{cfg: cfg}

	var l logging.Logger = logging.NewLogrus(base).With("module", "taskpolld")
	if cfg.Sentry.DSN != "" {
		hub, err := logging.InitSentry(cfg.Sentry.DSN, cfg.Sentry.Release, "taskpolld", cfg.Sentry.Debug)
		if err != nil {
			return nil, fmt.Errorf("failed to init sentry: %w", err)
		}
		app.sentry = hub
		l = logging.WithSentry(l, hub)
	}
	app.log = l

	app.rdb = redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := app.rdb.Ping(ctx).Err(); err != nil {
		_ = app.rdb.Close()
		return nil, fmt.Errorf("redis ping %s: %w", cfg.Redis.Addr, err)
	}

	st, err := openStore(ctx, cfg.Store, app.rdb, l)
	if err != nil {
		_ = app.rdb.Close()
		return nil, err
	}
	app.store = st

	if cfg.Auth.JWTSecret != "" {
		if app.gate, err = auth.NewGate(cfg.Auth.JWTSecret); err != nil {
			app.close()
			return nil, err
		}
	}

	mux := jobqueue.NewMux()
	mux.Use(jobTiming(l))
	app.jobs = jobqueue.NewServer(app.rdb, jobqueue.ServerConfig{
		Concurrency:   cfg.Tasks.Concurrency,
		VisibilityTTL: cfg.Tasks.VisibilityTTL,
		Logger:        l,
	}, mux)
	app.queues = jobqueue.NewClient(app.rdb)
	app.mgr = taskpoll.NewManager(app.store, app.queues,
		taskpoll.WithLogger(l),
		taskpoll.WithWorkers(app.jobs),
		taskpoll.WithDefaultLifespan(cfg.Tasks.DefaultLifespan),
		taskpoll.WithJobRetention(cfg.Tasks.JobRetention),
	)
	if err := registerTasks(ctx, app.mgr); err != nil {
		app.close()
		return nil, err
	}

	l.Infof("application initialized: store=%s redis=%s auth=%t", cfg.Store.Driver, cfg.Redis.Addr, app.gate != nil)
	return app, nil
}

func openStore(ctx context.Context, cfg config.StoreConfig, rdb redis.UniversalClient, l logging.Logger) (store.Store, error) {
	switch cfg.Driver {
	case "redis":
		return store.NewRedis(rdb), nil
	case "badger":
		return store.OpenBadger(store.BadgerOptions{Path: cfg.BadgerPath, Logger: l})
	case "postgres":
		return store.OpenPostgres(ctx, cfg.PostgresURL, l)
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
}

// run serves until ctx is done, then shuts everything down gracefully.
func (app *application) run(ctx context.Context) error {
	app.jobs.Start()
	defer app.jobs.Stop()

	reapCtx, stopReaper := context.WithCancel(ctx)
	reaperDone := make(chan struct{})
	go func() {
		defer close(reaperDone)
		app.mgr.RunReaper(reapCtx, app.cfg.Tasks.ReapInterval)
	}()
	defer func() {
		stopReaper()
		<-reaperDone
	}()

	srv := &http.Server{
		Addr:              app.cfg.Server.Addr,
		Handler:           app.setupRouter(),
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      app.cfg.Tasks.PollTimeout + 10*time.Second,
		IdleTimeout:       2 * time.Minute,
	}

	errCh := make(chan error, 1)
	go func() {
		app.log.Infof("http server listening: addr=%s", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	app.log.Infof("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), app.cfg.Tasks.PollTimeout+5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	return nil
}

func (app *application) close() {
	if app.mgr != nil {
		app.mgr.Close()
	}
	if app.store != nil {
		if err := app.store.Close(); err != nil {
			app.log.Warnf("store close failed: %v", err)
		}
	}
	if app.rdb != nil {
		_ = app.rdb.Close()
	}
	if app.sentry != nil {
		app.sentry.Flush(2 * time.Second)
	}
}
