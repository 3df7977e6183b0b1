package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	configloader "github.com/foxseedlab/partyroom/external/config"
	highlightimpl "github.com/foxseedlab/partyroom/external/highlight"
	repositoryimpl "github.com/foxseedlab/partyroom/external/repository"
	"github.com/foxseedlab/partyroom/internal/broadcast"
	"github.com/foxseedlab/partyroom/internal/config"
	"github.com/foxseedlab/partyroom/internal/gateway"
	"github.com/foxseedlab/partyroom/internal/httpapi"
	"github.com/foxseedlab/partyroom/internal/protocol"
	"github.com/foxseedlab/partyroom/internal/readiness"
	"github.com/foxseedlab/partyroom/internal/recording"
	"github.com/foxseedlab/partyroom/internal/registry"
	"github.com/foxseedlab/partyroom/internal/repository"
	"github.com/foxseedlab/partyroom/internal/room"
	"github.com/foxseedlab/partyroom/internal/signaling"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/samber/do/v2"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 10 * time.Second

func main() {
	slog.Info("startup: loading configuration")
	cfg := mustLoadConfig()
	initLogger(cfg)
	slog.Info("startup: configuration loaded", "env", cfg.Env, "store_driver", cfg.StoreDriver)

	slog.Info("startup: building dependency graph")
	injector := setupDI(cfg)

	if err := run(cfg, injector); err != nil {
		slog.Error("server stopped with error", "error", err)
		os.Exit(1)
	}
}

func mustLoadConfig() *config.Config {
	cfg, err := configloader.Load()
	if err != nil {
		slog.Error("config validation failed", "error", err)
		os.Exit(1)
	}
	return cfg
}

func initLogger(cfg *config.Config) {
	logLevel := slog.LevelInfo
	if cfg.IsDevelopment() {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})))
}

func setupDI(cfg *config.Config) do.Injector {
	injector := do.New()

	do.ProvideValue(injector, cfg)
	repositoryimpl.RegisterDI(injector)
	highlightimpl.RegisterDI(injector)
	registry.RegisterDI(injector)
	broadcast.RegisterDI(injector)
	room.RegisterDI(injector)
	readiness.RegisterDI(injector)
	signaling.RegisterDI(injector)
	recording.RegisterDI(injector)
	gateway.RegisterDI(injector)
	httpapi.RegisterDI(injector)

	return injector
}

func newRouter(resolvers ...protocol.HTTPResolvable) (*echo.Echo, error) {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.HTTPErrorHandler = func(err error, c echo.Context) {
		slog.Error("unhandled request error", "method", c.Request().Method, "path", c.Path(), "error", err)
		e.DefaultHTTPErrorHandler(err, c)
	}

	for _, r := range resolvers {
		if err := r.Resolve(e); err != nil {
			return nil, err
		}
	}
	return e, nil
}

func run(cfg *config.Config, injector do.Injector) error {
	store, err := do.Invoke[repository.Store](injector)
	if err != nil {
		return err
	}
	defer store.Close()

	coordinator, err := do.Invoke[*recording.Coordinator](injector)
	if err != nil {
		return err
	}
	defer coordinator.Close()

	ws, err := do.Invoke[*gateway.Handler](injector)
	if err != nil {
		return err
	}
	api, err := do.Invoke[*httpapi.Handler](injector)
	if err != nil {
		return err
	}
	router, err := newRouter(api, ws)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("startup: listening", "addr", cfg.HTTPAddr)
		if err := router.Start(cfg.HTTPAddr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		return coordinator.RunSweeper(ctx, cfg.SweepInterval)
	})
	g.Go(func() error {
		<-ctx.Done()
		slog.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return router.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
