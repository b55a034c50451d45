// Package scheduler refreshes tracked subjects once per reference day and
// drops cache rows past their retention.
package scheduler

import (
	"context"
	"log/slog"
	"time"

	"github.com/hazyhaar/kwrank/combos/internal/store"
)

// Config configures the scheduler.
type Config struct {
	// CheckInterval is how often to poll for due subjects. Default: 10 minutes.
	CheckInterval time.Duration `yaml:"check_interval"`
	// BatchSize bounds the subjects refreshed per pass. Default: 50.
	BatchSize int `yaml:"batch_size"`
	// Disabled turns the loop off; RunOnce still works.
	Disabled bool `yaml:"disabled"`
	// RetentionDays keeps this many past days of cache rows. 0 keeps all.
	// Trends compare against the latest earlier row, so 1 is the minimum
	// that keeps day-over-day trends.
	RetentionDays int `yaml:"retention_days"`
}

func (c *Config) defaults() {
	if c.CheckInterval <= 0 {
		c.CheckInterval = 10 * time.Minute
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 50
	}
}

// Store is what the scheduler needs from the subject table.
type Store interface {
	DueSubjects(ctx context.Context, day string, limit int) ([]*store.Subject, error)
	MarkRefreshed(ctx context.Context, tenantID, id, day string) error
}

// Pruner drops rows dated before a day.
type Pruner interface {
	PruneBefore(ctx context.Context, day string) (int64, error)
}

// Refresher re-analyzes one subject. An error leaves the subject due so
// the next pass retries it.
type Refresher func(ctx context.Context, sub *store.Subject) error

// Scheduler periodically refreshes due subjects.
type Scheduler struct {
	store   Store
	refresh Refresher
	config  Config
	now     func() time.Time
	logger  *slog.Logger

	pruners    []Pruner
	lastPruned string
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithPruner enables retention on p when Config.RetentionDays > 0. It may
// be given more than once.
func WithPruner(p Pruner) Option {
	return func(s *Scheduler) { s.pruners = append(s.pruners, p) }
}

// New creates a Scheduler. A nil now uses time.Now.
func New(st Store, refresh Refresher, cfg Config, now func() time.Time, logger *slog.Logger, opts ...Option) *Scheduler {
	cfg.defaults()
	if logger == nil {
		logger = slog.Default()
	}
	if now == nil {
		now = time.Now
	}
	s := &Scheduler{store: st, refresh: refresh, config: cfg, now: now, logger: logger}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run polls for due subjects on a ticker. Blocks until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	if s.config.Disabled {
		s.logger.Info("scheduler: disabled")
		return
	}
	ticker := time.NewTicker(s.config.CheckInterval)
	defer ticker.Stop()

	// Run once immediately on start.
	s.RunOnce(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.RunOnce(ctx)
		}
	}
}

// RunOnce refreshes the subjects due today, one at a time, and returns how
// many were refreshed. Subjects share the process-wide upstream budget with
// interactive callers, so there is no fan-out here.
func (s *Scheduler) RunOnce(ctx context.Context) int {
	day := store.Day(s.now())
	due, err := s.store.DueSubjects(ctx, day, s.config.BatchSize)
	if err != nil {
		s.logger.Error("scheduler: due subjects", "error", err)
		return 0
	}

	done := 0
	for _, sub := range due {
		if ctx.Err() != nil {
			break
		}
		if err := s.refresh(ctx, sub); err != nil {
			s.logger.Warn("scheduler: refresh subject",
				"tenant_id", sub.TenantID, "subject_id", sub.ID, "error", err)
			continue
		}
		if err := s.store.MarkRefreshed(ctx, sub.TenantID, sub.ID, day); err != nil {
			s.logger.Warn("scheduler: mark refreshed",
				"tenant_id", sub.TenantID, "subject_id", sub.ID, "error", err)
			continue
		}
		done++
	}

	if len(due) > 0 {
		s.logger.Debug("scheduler: pass complete", "day", day, "due", len(due), "refreshed", done)
	}
	s.prune(ctx, day)
	return done
}

// prune runs at most once per day. A failure leaves the day unmarked so
// the next pass tries again.
func (s *Scheduler) prune(ctx context.Context, day string) {
	if len(s.pruners) == 0 || s.config.RetentionDays <= 0 || s.lastPruned == day || ctx.Err() != nil {
		return
	}
	cutoff := store.Day(s.now().AddDate(0, 0, -s.config.RetentionDays))
	var total int64
	for _, p := range s.pruners {
		n, err := p.PruneBefore(ctx, cutoff)
		if err != nil {
			s.logger.Warn("scheduler: prune", "before", cutoff, "error", err)
			return
		}
		total += n
	}
	s.lastPruned = day
	if total > 0 {
		s.logger.Info("scheduler: pruned", "before", cutoff, "rows", total)
	}
}
