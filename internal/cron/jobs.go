package cron

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// Snapshotter persists in-memory graphs. coordinator.Coordinator implements it.
type Snapshotter interface {
	Snapshot(ctx context.Context) (int, error)
}

// Purger deletes old rows. persistence.Store implements it.
type Purger interface {
	PurgeAckedMessages(ctx context.Context, cutoff time.Time) (int64, error)
	PurgeFinishedGraphs(ctx context.Context, cutoff time.Time) (int64, error)
}

// SnapshotJob saves the graphs of every coordinator returned by list.
func SnapshotJob(spec string, list func() []Snapshotter, logger *slog.Logger) Job {
	return Job{
		Name: "graph-snapshot",
		Spec: spec,
		Run: func(ctx context.Context) error {
			var errs []error
			saved := 0
			for _, s := range list() {
				n, err := s.Snapshot(ctx)
				saved += n
				if err != nil {
					errs = append(errs, err)
				}
			}
			if saved > 0 {
				logger.Debug("graphs snapshotted", "count", saved)
			}
			return errors.Join(errs...)
		},
	}
}

// RetentionJob purges acked messages older than messageDays and finished
// graphs older than graphDays. A non-positive day count skips that purge.
func RetentionJob(spec string, p Purger, messageDays, graphDays int, logger *slog.Logger, now func() time.Time) Job {
	if now == nil {
		now = time.Now
	}
	return Job{
		Name: "retention",
		Spec: spec,
		Run: func(ctx context.Context) error {
			t := now()
			if messageDays > 0 {
				n, err := p.PurgeAckedMessages(ctx, t.AddDate(0, 0, -messageDays))
				if err != nil {
					return fmt.Errorf("purge messages: %w", err)
				}
				logger.Info("acked messages purged", "count", n, "older_than_days", messageDays)
			}
			if graphDays > 0 {
				n, err := p.PurgeFinishedGraphs(ctx, t.AddDate(0, 0, -graphDays))
				if err != nil {
					return fmt.Errorf("purge graphs: %w", err)
				}
				logger.Info("finished graphs purged", "count", n, "older_than_days", graphDays)
			}
			return nil
		},
	}
}
