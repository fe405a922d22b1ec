// Package history persists finished runs to a journal. The journal is purely
// informational: sync decisions never read from it, so a missing or empty
// journal changes nothing about what a run does.
package history

import (
	"context"
	"errors"

	"github.com/fleetsync/fleetsync/internal/api"
)

var ErrRunNotFound = errors.New("run not found")

// Journal defines the interface for run persistence.
type Journal interface {
	RecordRun(ctx context.Context, report *api.FleetSyncReport) error
	ListRuns(ctx context.Context, limit int) ([]*api.RunRecord, error)
	GetRun(ctx context.Context, id string) (*api.FleetSyncReport, error)
	Close()
}
