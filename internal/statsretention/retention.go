// Package statsretention implements the stats retention task: a periodic
// goroutine purging peer-stats samples older than a configured threshold,
// recording one PurgeAudit row per run. The purge always keeps at least
// one sample per (device, location).
package statsretention

import (
	"context"
	"log"
	"time"

	"github.com/defguard/core/internal/domain"
	"github.com/defguard/core/internal/repository"
)

const defaultInterval = time.Hour

// Task periodically purges peer-stats samples older than Retention.
type Task struct {
	Stats     repository.PeerStatsRepository
	Interval  time.Duration
	Retention time.Duration
}

func New(stats repository.PeerStatsRepository, interval, retention time.Duration) *Task {
	return &Task{Stats: stats, Interval: interval, Retention: retention}
}

// Run drives the periodic purge until ctx is canceled.
func (t *Task) Run(ctx context.Context) {
	interval := t.Interval
	if interval <= 0 {
		interval = defaultInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := t.PurgeOnce(ctx, time.Now()); err != nil {
				log.Printf("statsretention: purge failed: %v", err)
			}
		}
	}
}

// PurgeOnce runs a single purge pass and records its audit row.
func (t *Task) PurgeOnce(ctx context.Context, now time.Time) error {
	if t.Retention <= 0 {
		return nil
	}
	started := now
	cutoff := now.Add(-t.Retention)

	removed, err := t.Stats.Purge(ctx, cutoff)
	if err != nil {
		return err
	}

	return t.Stats.RecordPurgeAudit(ctx, domain.PurgeAudit{
		StartedAt:        started,
		FinishedAt:       time.Now(),
		RemovalThreshold: t.Retention,
		RecordsRemoved:   removed,
	})
}
