// Package app assembles the settlement orchestrator from its parts and
// runs one operating mode. Wire builds the concrete stores, caches,
// blob storage and notifiers; modes.go decides which pipelines and
// servers run on top of them.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/alanyoungcy/hedgesettle/internal/config"
)

// App owns the process lifecycle: the configuration, the root logger
// and the teardown stack populated during wiring.
type App struct {
	cfg     *config.Config
	logger  *slog.Logger
	closers []func()
}

func New(cfg *config.Config, logger *slog.Logger) *App {
	return &App{
		cfg:    cfg,
		logger: logger.With(slog.String("component", "app")),
	}
}

// Run wires the dependencies and blocks in the configured mode until
// the context is cancelled. The mode name is checked before any
// connection is opened, so a config typo fails before touching
// Postgres or Redis.
func (a *App) Run(ctx context.Context) error {
	mode := strings.ToLower(a.cfg.Mode)
	run, err := a.modeRunner(mode)
	if err != nil {
		return err
	}

	a.logger.InfoContext(ctx, "starting application",
		slog.String("mode", mode),
		slog.String("log_level", a.cfg.LogLevel),
	)

	deps, cleanup, err := Wire(ctx, a.cfg, a.logger)
	if err != nil {
		return fmt.Errorf("app: wire dependencies: %w", err)
	}
	a.closers = append(a.closers, cleanup)

	return run(ctx, deps)
}

func (a *App) modeRunner(mode string) (func(context.Context, *Dependencies) error, error) {
	switch mode {
	case "orchestrate":
		return a.OrchestrateMode, nil
	case "serve":
		return a.ServeMode, nil
	case "observe":
		return a.ObserveMode, nil
	default:
		return nil, fmt.Errorf("app: unsupported mode %q", a.cfg.Mode)
	}
}

// Close runs the registered teardown functions newest first. Calling
// it again is a no-op.
func (a *App) Close() {
	a.logger.Info("shutting down application")
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
