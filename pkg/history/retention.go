package history

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/adhocore/gronx"
)

// DefaultPruneCron runs retention daily at 02:00 UTC.
const DefaultPruneCron = "0 2 * * *"

// Pruner removes cached history older than a cutoff.
type Pruner interface {
	Prune(ctx context.Context, cutoff time.Time) (int64, error)
}

// Retention prunes cached history on a cron schedule.
type Retention struct {
	store  Pruner
	cron   string
	maxAge time.Duration
	log    *slog.Logger
	now    func() time.Time
}

func NewRetention(store Pruner, cronExpr string, maxAge time.Duration, log *slog.Logger) (*Retention, error) {
	if store == nil {
		return nil, fmt.Errorf("retention store is required")
	}
	if maxAge <= 0 {
		return nil, fmt.Errorf("retention max age must be positive, got %s", maxAge)
	}
	cronExpr = strings.TrimSpace(cronExpr)
	if cronExpr == "" {
		cronExpr = DefaultPruneCron
	}
	if !gronx.IsValid(cronExpr) {
		return nil, fmt.Errorf("invalid retention cron expression: %s", cronExpr)
	}
	if log == nil {
		log = slog.Default()
	}

	return &Retention{
		store:  store,
		cron:   cronExpr,
		maxAge: maxAge,
		log:    log.With("component", "history.retention"),
		now:    time.Now,
	}, nil
}

// RunOnce prunes everything older than the configured age.
func (r *Retention) RunOnce(ctx context.Context) (int64, error) {
	cutoff := r.now().UTC().Add(-r.maxAge)
	removed, err := r.store.Prune(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune history: %w", err)
	}
	r.log.Info("Pruned cached history", "removed", removed, "cutoff", cutoff.Format(time.RFC3339))
	return removed, nil
}

// Next returns the next scheduled run after t.
func (r *Retention) Next(t time.Time) (time.Time, error) {
	return gronx.NextTickAfter(r.cron, t.UTC(), false)
}

// Run prunes on every cron tick until ctx is done.
func (r *Retention) Run(ctx context.Context) {
	r.log.Info("Retention scheduler started", "cron", r.cron, "max_age", r.maxAge.String())
	for {
		next, err := r.Next(r.now())
		if err != nil {
			r.log.Error("Failed to compute next retention run", "cron", r.cron, "error", err)
			select {
			case <-time.After(30 * time.Second):
				continue
			case <-ctx.Done():
				return
			}
		}

		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			r.log.Info("Retention scheduler stopping")
			return
		case <-timer.C:
			if _, err := r.RunOnce(ctx); err != nil {
				r.log.Error("Retention run failed", "error", err)
			}
		}
	}
}
