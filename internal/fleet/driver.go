// Package fleet runs a whole registry batch. Every entry is attempted even
// when earlier ones fail; the report carries one result per entry in
// registry order.
package fleet

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fleetsync/fleetsync/internal/api"
)

// Syncer runs a single template entry to completion.
type Syncer interface {
	Sync(ctx context.Context, entry api.TemplateEntry) api.SyncResult
}

// Driver fans a registry batch out over a bounded number of workers. With
// concurrency 1 entries run strictly in registry order.
type Driver struct {
	engine      Syncer
	concurrency int
	logger      *slog.Logger
}

func NewDriver(engine Syncer, concurrency int, logger *slog.Logger) *Driver {
	if concurrency <= 0 {
		concurrency = 1
	}
	return &Driver{
		engine:      engine,
		concurrency: concurrency,
		logger:      logger,
	}
}

// Run syncs every entry and returns the aggregated report. Cancellation is
// observed between entries only: entries already started run to their own
// completion, entries not yet started are reported as canceled.
func (d *Driver) Run(ctx context.Context, entries []api.TemplateEntry, trigger string) *api.FleetSyncReport {
	report := &api.FleetSyncReport{
		RunID:     uuid.NewString(),
		Trigger:   trigger,
		StartedAt: time.Now(),
	}
	log := d.logger.With("run_id", report.RunID, "trigger", trigger)
	log.Info("Fleet sync started", "entries", len(entries), "concurrency", d.concurrency)

	results := make([]api.SyncResult, len(entries))

	if d.concurrency <= 1 {
		for i, entry := range entries {
			if ctx.Err() != nil {
				results[i] = canceledResult(entry, ctx.Err())
				continue
			}
			results[i] = d.engine.Sync(ctx, entry)
		}
	} else {
		var wg sync.WaitGroup
		sem := make(chan struct{}, d.concurrency)
		for i, entry := range entries {
			select {
			case sem <- struct{}{}:
			case <-ctx.Done():
				results[i] = canceledResult(entry, ctx.Err())
				continue
			}

			wg.Add(1)
			go func(i int, entry api.TemplateEntry) {
				defer func() {
					<-sem
					wg.Done()
				}()
				results[i] = d.engine.Sync(ctx, entry)
			}(i, entry)
		}
		wg.Wait()
	}

	report.Results = results
	report.FinishedAt = time.Now()
	log.Info("Fleet sync finished",
		"total", len(results),
		"failed", report.Failed(),
		"elapsed_ms", report.FinishedAt.Sub(report.StartedAt).Milliseconds())
	return report
}

func canceledResult(entry api.TemplateEntry, cause error) api.SyncResult {
	now := time.Now()
	return api.SyncResult{
		Name:       entry.Name,
		Stage:      api.StagePending,
		Error:      fmt.Sprintf("sync canceled before start: %v", cause),
		StartedAt:  now,
		FinishedAt: now,
	}
}
