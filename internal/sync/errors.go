package sync

import (
	"errors"
	"fmt"

	"github.com/fleetsync/fleetsync/internal/api"
)

// Stage failure types. Each carries the entry name and the underlying
// cause, and names the stage the entry could not complete.

// ProvisionError is a failure creating or adopting the remote repository,
// or re-asserting its permissions and template flag.
type ProvisionError struct {
	Name string
	Err  error
}

func (e *ProvisionError) Error() string {
	return fmt.Sprintf("provision %s: %v", e.Name, e.Err)
}
func (e *ProvisionError) Unwrap() error    { return e.Err }
func (e *ProvisionError) Stage() api.Stage { return api.StageProvisioned }

// MaterializeError is a failure allocating the workspace, materializing the
// template into it, or refreshing its dependency locks.
type MaterializeError struct {
	Name string
	Err  error
}

func (e *MaterializeError) Error() string {
	return fmt.Sprintf("materialize %s: %v", e.Name, e.Err)
}
func (e *MaterializeError) Unwrap() error    { return e.Err }
func (e *MaterializeError) Stage() api.Stage { return api.StageMaterialized }

// AnnotationError is a failure appending the provenance block.
type AnnotationError struct {
	Name string
	Err  error
}

func (e *AnnotationError) Error() string {
	return fmt.Sprintf("annotate %s: %v", e.Name, e.Err)
}
func (e *AnnotationError) Unwrap() error    { return e.Err }
func (e *AnnotationError) Stage() api.Stage { return api.StageAnnotated }

// PublishError is a failure committing or force-pushing the snapshot.
type PublishError struct {
	Name string
	Err  error
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("publish %s: %v", e.Name, e.Err)
}
func (e *PublishError) Unwrap() error    { return e.Err }
func (e *PublishError) Stage() api.Stage { return api.StagePublished }

type stageError interface {
	error
	Stage() api.Stage
}

// stageOf returns the stage a failure prevented the entry from reaching.
func stageOf(err error) api.Stage {
	var se stageError
	if errors.As(err, &se) {
		return se.Stage()
	}
	return api.StagePending
}
