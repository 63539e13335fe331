package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/alanyoungcy/hedgesettle/internal/domain"
)

// Archiver copies aged audit history from the database to S3 cold storage.
// Nothing is removed from the primary store; the archive is a read replica
// for long-horizon audits.
type Archiver struct {
	blobArchiver domain.Archiver
	archiveAfter time.Duration
	logger       *slog.Logger
}

// NewArchiver creates a new Archiver. archiveAfter is the minimum age an
// audit entry must reach before it is copied out.
func NewArchiver(blobArchiver domain.Archiver, archiveAfter time.Duration, logger *slog.Logger) *Archiver {
	return &Archiver{
		blobArchiver: blobArchiver,
		archiveAfter: archiveAfter,
		logger:       logger,
	}
}

// Run executes a single archive run over all audit entries older than the
// configured minimum age.
func (a *Archiver) Run(ctx context.Context) error {
	cutoff := time.Now().UTC().Add(-a.archiveAfter)
	a.logger.Info("starting archive run",
		slog.Time("cutoff", cutoff),
		slog.Duration("archive_after", a.archiveAfter),
	)

	archived, err := a.blobArchiver.ArchiveAudit(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("archiving audit entries before %v: %w", cutoff, err)
	}

	a.logger.Info("archive run complete", slog.Int64("entries_archived", archived))
	return nil
}

// RunCron fires Run on a schedule until the context is cancelled. The
// expression uses the standard five cron fields:
//
//	minute hour day-of-month month day-of-week
//
// Each field is "*", a number, or a comma list ("0,30"). Ranges and
// step syntax are not supported; the archive schedule has no use for
// them. "0 3 1 * *" runs at 03:00 UTC on the first of every month.
func (a *Archiver) RunCron(ctx context.Context, cronExpr string) error {
	sched, err := parseCron(cronExpr)
	if err != nil {
		return fmt.Errorf("parsing cron expression %q: %w", cronExpr, err)
	}

	a.logger.Info("archiver cron started", slog.String("cron", cronExpr))

	for {
		next, ok := sched.next(time.Now().UTC())
		if !ok {
			return fmt.Errorf("cron expression %q never fires", cronExpr)
		}

		a.logger.Info("next archive run scheduled",
			slog.Time("next_run", next),
			slog.Duration("wait", time.Until(next)),
		)

		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			a.logger.Info("archiver cron stopped")
			return ctx.Err()
		case <-timer.C:
			if err := a.Run(ctx); err != nil {
				a.logger.Error("archive run failed", slog.String("error", err.Error()))
			}
		}
	}
}

// cronField is the set of accepted values for one schedule position,
// held as a bitmask. The widest domain is minutes (0..59), so every
// field fits in a uint64.
type cronField struct {
	any bool
	set uint64
}

func (f cronField) matches(v int) bool {
	return f.any || f.set&(1<<v) != 0
}

func parseCronField(s string, lo, hi int) (cronField, error) {
	if s == "*" {
		return cronField{any: true}, nil
	}

	var f cronField
	for _, part := range strings.Split(s, ",") {
		v, err := strconv.Atoi(strings.TrimSpace(part))
		if err != nil {
			return cronField{}, fmt.Errorf("bad value %q: %w", part, err)
		}
		if v < lo || v > hi {
			return cronField{}, fmt.Errorf("value %d outside %d..%d", v, lo, hi)
		}
		f.set |= 1 << v
	}
	return f, nil
}

type cronSchedule struct {
	minute, hour, day, month, weekday cronField
}

func parseCron(expr string) (cronSchedule, error) {
	fields := strings.Fields(expr)
	if len(fields) != 5 {
		return cronSchedule{}, fmt.Errorf("cron expression needs 5 fields, got %d", len(fields))
	}

	var sched cronSchedule
	specs := []struct {
		name   string
		dst    *cronField
		lo, hi int
	}{
		{"minute", &sched.minute, 0, 59},
		{"hour", &sched.hour, 0, 23},
		{"day-of-month", &sched.day, 1, 31},
		{"month", &sched.month, 1, 12},
		{"day-of-week", &sched.weekday, 0, 6},
	}
	for i, spec := range specs {
		f, err := parseCronField(fields[i], spec.lo, spec.hi)
		if err != nil {
			return cronSchedule{}, fmt.Errorf("%s field: %w", spec.name, err)
		}
		*spec.dst = f
	}
	return sched, nil
}

func (s cronSchedule) matches(t time.Time) bool {
	return s.minute.matches(t.Minute()) &&
		s.hour.matches(t.Hour()) &&
		s.day.matches(t.Day()) &&
		s.month.matches(int(t.Month())) &&
		s.weekday.matches(int(t.Weekday()))
}

// next scans minute by minute for the first match after 'after'. The
// scan stops after a year and a day; a schedule that cannot fire
// within that window (February 29th, say) reports failure rather than
// spinning.
func (s cronSchedule) next(after time.Time) (time.Time, bool) {
	t := after.Truncate(time.Minute).Add(time.Minute)
	for limit := after.AddDate(1, 0, 1); t.Before(limit); t = t.Add(time.Minute) {
		if s.matches(t) {
			return t, true
		}
	}
	return time.Time{}, false
}

// nextCronTime parses expr and returns the first firing time after
// 'after'.
func nextCronTime(expr string, after time.Time) (time.Time, error) {
	sched, err := parseCron(expr)
	if err != nil {
		return time.Time{}, err
	}
	next, ok := sched.next(after)
	if !ok {
		return time.Time{}, fmt.Errorf("cron expression %q never fires", expr)
	}
	return next, nil
}
