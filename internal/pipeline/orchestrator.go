// Package pipeline runs the background jobs that sit beside strategy
// execution: the periodic maturity scan and cold-storage audit archival.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"
)

// Orchestrator manages the pipeline goroutines: maturity scanning and
// audit archival.
type Orchestrator struct {
	scanner      *MaturityScanner
	archiver     *Archiver
	scanInterval time.Duration
	archiveCron  string
	logger       *slog.Logger
}

// NewOrchestrator creates a new Orchestrator. archiver may be nil when
// archival is disabled; the cron goroutine is skipped in that case.
func NewOrchestrator(
	scanner *MaturityScanner,
	archiver *Archiver,
	scanInterval time.Duration,
	archiveCron string,
	logger *slog.Logger,
) *Orchestrator {
	return &Orchestrator{
		scanner:      scanner,
		archiver:     archiver,
		scanInterval: scanInterval,
		archiveCron:  archiveCron,
		logger:       logger,
	}
}

// Run starts the pipeline jobs as concurrent goroutines using an errgroup.
// Each goroutine respects ctx cancellation. If any goroutine returns a
// non-context error, the errgroup cancels the shared context and Run returns
// that error.
func (o *Orchestrator) Run(ctx context.Context) error {
	o.logger.Info("pipeline orchestrator starting",
		slog.Duration("scan_interval", o.scanInterval),
		slog.String("archive_cron", o.archiveCron),
		slog.Bool("archive_enabled", o.archiver != nil),
	)

	g, ctx := errgroup.WithContext(ctx)

	// 1. Maturity scanner on ticker.
	g.Go(func() error {
		o.logger.Info("starting maturity scanner loop")
		err := o.scanner.RunLoop(ctx, o.scanInterval)
		if ctx.Err() != nil {
			return nil // clean shutdown
		}
		return fmt.Errorf("maturity scanner: %w", err)
	})

	// 2. Archiver on cron schedule.
	if o.archiver != nil {
		g.Go(func() error {
			o.logger.Info("starting archiver cron")
			err := o.archiver.RunCron(ctx, o.archiveCron)
			if ctx.Err() != nil {
				return nil // clean shutdown
			}
			return fmt.Errorf("archiver: %w", err)
		})
	}

	err := g.Wait()
	if err != nil {
		o.logger.Error("pipeline orchestrator stopped with error", slog.String("error", err.Error()))
		return err
	}

	o.logger.Info("pipeline orchestrator stopped cleanly")
	return nil
}
