// Package sync drives a single template entry through its full
// progression: provision the remote repository, materialize the template
// into a fresh workspace, append provenance, and publish the snapshot.
package sync

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/fleetsync/fleetsync/internal/annotate"
	"github.com/fleetsync/fleetsync/internal/api"
	"github.com/fleetsync/fleetsync/internal/config"
	"github.com/fleetsync/fleetsync/internal/materializer"
	"github.com/fleetsync/fleetsync/internal/provider"
)

// adminRole is granted to every maintaining team on every fleet repository.
const adminRole = "admin"

// Provider is the slice of the hosting provider API the engine drives.
type Provider interface {
	EnsureRepo(ctx context.Context, name string) (adopted bool, err error)
	GrantTeamRole(ctx context.Context, name, team, role string) error
	SetTemplateFlag(ctx context.Context, name string, value bool) error
	State(ctx context.Context, name string) (*provider.RepositoryState, error)
	WebURL(name string) string
	HTTPCloneURL(name string) string
	SSHCloneURL(name string) string
	TemplateConsoleURL(name string) string
}

// Annotator appends provenance metadata to a materialized workspace.
type Annotator interface {
	Annotate(workspaceDir, name, sourcePath string, links annotate.Links) error
}

// Publisher replaces the remote default branch with the workspace content.
type Publisher interface {
	Publish(ctx context.Context, workspaceDir, name, remoteURL string) error
}

// Workspaces allocates and disposes per-entry working directories.
type Workspaces interface {
	Create(name string) (string, error)
	Dispose(dir string, failed bool)
}

// Engine syncs one template entry at a time. It holds no per-entry state;
// a single Engine is shared by concurrent workers.
type Engine struct {
	cfg          *config.Config
	provider     Provider
	materializer materializer.Materializer
	annotator    Annotator
	publisher    Publisher
	workspaces   Workspaces
	logger       *slog.Logger
	dryRun       bool
}

func NewEngine(cfg *config.Config, prov Provider, mat materializer.Materializer, ann Annotator, pub Publisher, ws Workspaces, logger *slog.Logger, dryRun bool) *Engine {
	return &Engine{
		cfg:          cfg,
		provider:     prov,
		materializer: mat,
		annotator:    ann,
		publisher:    pub,
		workspaces:   ws,
		logger:       logger,
		dryRun:       dryRun,
	}
}

// Sync runs the full progression for one entry and reports the outcome. A
// failed stage is recorded on the result together with the cause; later
// stages are not attempted. The remote is only ever touched by provisioning
// and by the final publish, so a failure in between leaves it consistent.
func (e *Engine) Sync(ctx context.Context, entry api.TemplateEntry) (result api.SyncResult) {
	started := time.Now()
	log := e.logger.With("template", entry.Name)

	result = api.SyncResult{
		Name:      entry.Name,
		Stage:     api.StagePending,
		StartedAt: started,
	}

	fail := func(err error) api.SyncResult {
		result.Stage = stageOf(err)
		result.Error = err.Error()
		result.FinishedAt = time.Now()
		log.Error("Template sync failed", "stage", string(result.Stage), "error", err)
		return result
	}

	if err := e.provision(ctx, entry.Name, log); err != nil {
		return fail(&ProvisionError{Name: entry.Name, Err: err})
	}
	result.Stage = api.StageProvisioned

	dir, err := e.workspaces.Create(entry.Name)
	if err != nil {
		return fail(&MaterializeError{Name: entry.Name, Err: err})
	}
	defer func() {
		e.workspaces.Dispose(dir, !result.Success())
	}()

	if err := e.materializer.Materialize(ctx, e.cfg.SourceDir(entry.SourcePath), entry.Name, dir); err != nil {
		return fail(&MaterializeError{Name: entry.Name, Err: err})
	}
	if err := e.materializer.RefreshLocks(ctx, dir); err != nil {
		return fail(&MaterializeError{Name: entry.Name, Err: err})
	}
	result.Stage = api.StageMaterialized
	log.Debug("Workspace materialized", "workspace", dir)

	if err := e.annotator.Annotate(dir, entry.Name, entry.SourcePath, e.links(entry)); err != nil {
		return fail(&AnnotationError{Name: entry.Name, Err: err})
	}
	result.Stage = api.StageAnnotated

	// A publish that has started always runs to completion, detached from
	// caller cancellation.
	if err := e.publisher.Publish(context.WithoutCancel(ctx), dir, entry.Name, e.remoteURL(entry.Name)); err != nil {
		return fail(&PublishError{Name: entry.Name, Err: err})
	}
	result.Stage = api.StagePublished
	result.FinishedAt = time.Now()
	log.Info("Template synced", "elapsed_ms", time.Since(started).Milliseconds())
	return result
}

// provision creates or adopts the remote repository, then re-asserts team
// access and the template flag so drift is healed on every run. The final
// state read confirms the invariant actually holds on the provider side.
func (e *Engine) provision(ctx context.Context, name string, log *slog.Logger) error {
	if e.dryRun {
		log.Info("Dry run: skipping remote provisioning")
		return nil
	}

	adopted, err := e.provider.EnsureRepo(ctx, name)
	if err != nil {
		return err
	}
	if adopted {
		log.Info("Adopted existing repository")
	} else {
		log.Info("Created repository")
	}

	for _, team := range e.cfg.Fleet.Teams {
		if err := e.provider.GrantTeamRole(ctx, name, team, adminRole); err != nil {
			return fmt.Errorf("failed to grant %s to team %s: %w", adminRole, team, err)
		}
	}
	if err := e.provider.SetTemplateFlag(ctx, name, true); err != nil {
		return fmt.Errorf("failed to mark repository as template: %w", err)
	}

	state, err := e.provider.State(ctx, name)
	if err != nil {
		return fmt.Errorf("failed to read repository state: %w", err)
	}
	return verifyState(name, state, e.cfg.Fleet.Teams)
}

func verifyState(name string, state *provider.RepositoryState, teams []string) error {
	if !state.Exists {
		return fmt.Errorf("repository %s not visible after provisioning", name)
	}
	if !state.IsTemplate {
		return fmt.Errorf("repository %s is not marked as a template", name)
	}
	for _, team := range teams {
		if state.Permissions[team] != adminRole {
			return fmt.Errorf("team %s does not hold %s on %s", team, adminRole, name)
		}
	}
	return nil
}

func (e *Engine) links(entry api.TemplateEntry) annotate.Links {
	return annotate.Links{
		RepoURL:    e.provider.WebURL(entry.Name),
		SourceURL:  e.sourceURL(entry.SourcePath),
		ConsoleURL: e.provider.TemplateConsoleURL(entry.Name),
	}
}

func (e *Engine) sourceURL(sourcePath string) string {
	base := strings.TrimSuffix(e.cfg.Fleet.MonorepoURL, "/")
	return base + "/tree/" + e.cfg.Fleet.MonorepoBranch + "/" + sourcePath
}

func (e *Engine) remoteURL(name string) string {
	if e.cfg.Push.Auth == config.PushAuthSSH {
		return e.provider.SSHCloneURL(name)
	}
	return e.provider.HTTPCloneURL(name)
}
