// Package server builds the crawler service from configuration and runs it.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/knowledge-crawler/internal/api"
	"github.com/JakeFAU/knowledge-crawler/internal/config"
	collyfetcher "github.com/JakeFAU/knowledge-crawler/internal/fetcher/colly"
	"github.com/JakeFAU/knowledge-crawler/internal/guard"
	"github.com/JakeFAU/knowledge-crawler/internal/logging"
	"github.com/JakeFAU/knowledge-crawler/internal/metrics"
	"github.com/JakeFAU/knowledge-crawler/internal/parser"
	queueMemory "github.com/JakeFAU/knowledge-crawler/internal/queue/memory"
	"github.com/JakeFAU/knowledge-crawler/internal/storage/sqlite"
	"github.com/JakeFAU/knowledge-crawler/internal/worker"
)

const shutdownTimeout = 10 * time.Second

// App contains the application's dependencies.
type App struct {
	cfg           config.Config
	logger        *zap.Logger
	store         *sqlite.Store
	pool          *worker.Pool
	apiServer     *api.Server
	closeGuardLog func() error
}

// Build creates the application's dependencies. Nothing is started.
func Build(ctx context.Context, cfg config.Config) (*App, error) {
	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		return nil, fmt.Errorf("logger init failed: %w", err)
	}
	zap.ReplaceGlobals(logger)
	metrics.Init()

	app := &App{cfg: cfg, logger: logger}
	logger.Info("building application dependencies",
		zap.Int("port", cfg.Server.Port),
		zap.String("db_path", cfg.Storage.DBPath),
		zap.Int("workers", cfg.Crawler.Workers),
		zap.Bool("auth", cfg.Auth.Enabled),
	)

	guardLog, closeGuardLog, err := logging.NewGuardLog(cfg.Logging.GuardLog)
	if err != nil {
		return nil, fmt.Errorf("guard log init failed: %w", err)
	}
	app.closeGuardLog = closeGuardLog

	app.store, err = sqlite.Open(ctx, cfg.Storage.DBPath)
	if err != nil {
		app.closeAll()
		return nil, fmt.Errorf("store init failed: %w", err)
	}

	secGuard := guard.New(guard.OptionsFromConfig(cfg), guard.SystemSampler{}, guardLog, logger.Named("guard"))
	fetcher := collyfetcher.New(collyfetcher.Config{
		UserAgent:    cfg.Crawler.UserAgent,
		Timeout:      cfg.Crawler.RequestTimeout(),
		MaxBodyBytes: cfg.Crawler.MaxPageBytes,
	})
	logger.Info("using colly fetcher", zap.String("user_agent", cfg.Crawler.UserAgent))

	app.pool = worker.New(
		worker.ConfigFromCrawler(cfg.Crawler),
		app.store,
		secGuard,
		fetcher,
		parser.New(),
		queueMemory.NewQueue(),
		logger.Named("worker"),
	)
	app.apiServer = api.NewServer(app.store, app.pool, cfg, logger.Named("api"))
	return app, nil
}

// Handler exposes the HTTP handler, mainly for tests.
func (a *App) Handler() http.Handler {
	return a.apiServer.Handler()
}

// Run starts the workers and HTTP server and blocks until ctx is canceled
// or a termination signal arrives.
func (a *App) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := a.pool.Start(ctx); err != nil {
		return fmt.Errorf("start workers: %w", err)
	}
	if a.cfg.Crawler.ResumeOnStart {
		n, err := a.pool.ResumeJobs(ctx)
		if err != nil {
			a.logger.Warn("resume jobs failed", zap.Error(err))
		} else if n > 0 {
			a.logger.Info("resumed unfinished jobs", zap.Int("jobs", n))
		}
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("http server error", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	a.logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}
	return a.Close()
}

// Close stops the workers and releases the store and guard log.
func (a *App) Close() error {
	var errs []error
	if a.pool != nil {
		if err := a.pool.Stop(a.cfg.Crawler.StopTimeout()); err != nil {
			errs = append(errs, fmt.Errorf("stop workers: %w", err))
		}
	}
	errs = append(errs, a.closeAll()...)
	a.logger.Info("shutdown complete")
	_ = a.logger.Sync() //nolint:errcheck // best-effort flush
	return errors.Join(errs...)
}

func (a *App) closeAll() []error {
	var errs []error
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close store: %w", err))
		}
		a.store = nil
	}
	if a.closeGuardLog != nil {
		if err := a.closeGuardLog(); err != nil {
			errs = append(errs, err)
		}
		a.closeGuardLog = nil
	}
	return errs
}
