package sync

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/fleetsync/fleetsync/internal/annotate"
	"github.com/fleetsync/fleetsync/internal/api"
	"github.com/fleetsync/fleetsync/internal/config"
	"github.com/fleetsync/fleetsync/internal/provider"
)

// mockProvider implements Provider for testing. Unless a canned state is
// set, State reflects back what the mock recorded, so a healthy provision
// round-trips its own writes.
type mockProvider struct {
	adopted   bool
	ensureErr error
	grantErr  error
	flagErr   error
	stateErr  error
	state     *provider.RepositoryState

	ensureCalled bool
	granted      map[string]string
	flagCalled   bool
	flagValue    bool
}

func (m *mockProvider) EnsureRepo(_ context.Context, _ string) (bool, error) {
	m.ensureCalled = true
	return m.adopted, m.ensureErr
}

func (m *mockProvider) GrantTeamRole(_ context.Context, _, team, role string) error {
	if m.grantErr != nil {
		return m.grantErr
	}
	if m.granted == nil {
		m.granted = make(map[string]string)
	}
	m.granted[team] = role
	return nil
}

func (m *mockProvider) SetTemplateFlag(_ context.Context, _ string, value bool) error {
	if m.flagErr != nil {
		return m.flagErr
	}
	m.flagCalled = true
	m.flagValue = value
	return nil
}

func (m *mockProvider) State(_ context.Context, _ string) (*provider.RepositoryState, error) {
	if m.stateErr != nil {
		return nil, m.stateErr
	}
	if m.state != nil {
		return m.state, nil
	}
	perms := make(map[string]string, len(m.granted))
	for team, role := range m.granted {
		perms[team] = role
	}
	return &provider.RepositoryState{Exists: true, IsTemplate: m.flagValue, Permissions: perms}, nil
}

func (m *mockProvider) WebURL(name string) string {
	return "https://git.test/acme/" + name
}

func (m *mockProvider) HTTPCloneURL(name string) string {
	return "https://git.test/acme/" + name + ".git"
}

func (m *mockProvider) SSHCloneURL(name string) string {
	return "git@git.test:acme/" + name + ".git"
}

func (m *mockProvider) TemplateConsoleURL(name string) string {
	return "https://git.test/new?template_name=" + name
}

// mockMaterializer implements materializer.Materializer for testing.
type mockMaterializer struct {
	materializeErr error
	lockErr        error

	materialized   bool
	locksRefreshed bool
	sourceDir      string
}

func (m *mockMaterializer) Materialize(_ context.Context, sourceDir, _, destDir string) error {
	if m.materializeErr != nil {
		return m.materializeErr
	}
	m.materialized = true
	m.sourceDir = sourceDir
	return os.WriteFile(filepath.Join(destDir, "README.md"), []byte("# Template\n"), 0o644)
}

func (m *mockMaterializer) RefreshLocks(_ context.Context, _ string) error {
	if m.lockErr != nil {
		return m.lockErr
	}
	m.locksRefreshed = true
	return nil
}

// mockAnnotator implements Annotator for testing.
type mockAnnotator struct {
	err error

	called     bool
	dir        string
	name       string
	sourcePath string
	links      annotate.Links
}

func (m *mockAnnotator) Annotate(workspaceDir, name, sourcePath string, links annotate.Links) error {
	if m.err != nil {
		return m.err
	}
	m.called = true
	m.dir = workspaceDir
	m.name = name
	m.sourcePath = sourcePath
	m.links = links
	return nil
}

// mockPublisher implements Publisher for testing and captures the context it
// was handed.
type mockPublisher struct {
	err error

	published bool
	ctx       context.Context
	dir       string
	remoteURL string
}

func (m *mockPublisher) Publish(ctx context.Context, workspaceDir, _, remoteURL string) error {
	m.ctx = ctx
	m.dir = workspaceDir
	m.remoteURL = remoteURL
	if m.err != nil {
		return m.err
	}
	m.published = true
	return nil
}

// mockWorkspaces implements Workspaces for testing.
type mockWorkspaces struct {
	root      string
	createErr error

	dir            string
	disposed       bool
	disposedFailed bool
}

func (m *mockWorkspaces) Create(name string) (string, error) {
	if m.createErr != nil {
		return "", m.createErr
	}
	dir, err := os.MkdirTemp(m.root, name+"-")
	m.dir = dir
	return dir, err
}

func (m *mockWorkspaces) Dispose(_ string, failed bool) {
	m.disposed = true
	m.disposedFailed = failed
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func testConfig() *config.Config {
	return &config.Config{
		Fleet: config.FleetConfig{
			Org:            "acme",
			Teams:          []string{"platform", "tooling"},
			DefaultBranch:  "main",
			MonorepoURL:    "https://git.test/acme/templates",
			MonorepoBranch: "main",
		},
		Paths: config.PathsConfig{MonorepoRoot: "/srv/templates"},
		Push:  config.PushConfig{Auth: config.PushAuthToken},
	}
}

type testHarness struct {
	engine     *Engine
	provider   *mockProvider
	mat        *mockMaterializer
	annotator  *mockAnnotator
	publisher  *mockPublisher
	workspaces *mockWorkspaces
}

func newHarness(t *testing.T, cfg *config.Config, dryRun bool) *testHarness {
	t.Helper()
	h := &testHarness{
		provider:   &mockProvider{},
		mat:        &mockMaterializer{},
		annotator:  &mockAnnotator{},
		publisher:  &mockPublisher{},
		workspaces: &mockWorkspaces{root: t.TempDir()},
	}
	h.engine = NewEngine(cfg, h.provider, h.mat, h.annotator, h.publisher, h.workspaces, testLogger(), dryRun)
	return h
}

var testEntry = api.TemplateEntry{Name: "todo-api", SourcePath: "web/todo-api"}

func TestSync_FullProgression(t *testing.T) {
	h := newHarness(t, testConfig(), false)

	result := h.engine.Sync(context.Background(), testEntry)

	if !result.Success() {
		t.Fatalf("expected success, got stage=%s error=%q", result.Stage, result.Error)
	}
	if result.Stage != api.StagePublished {
		t.Errorf("stage = %s, want %s", result.Stage, api.StagePublished)
	}
	if result.FinishedAt.IsZero() {
		t.Error("finished timestamp not set")
	}

	want := map[string]string{"platform": "admin", "tooling": "admin"}
	if len(h.provider.granted) != len(want) {
		t.Fatalf("granted = %v, want %v", h.provider.granted, want)
	}
	for team, role := range want {
		if h.provider.granted[team] != role {
			t.Errorf("team %s granted %q, want %q", team, h.provider.granted[team], role)
		}
	}
	if !h.provider.flagValue {
		t.Error("template flag not set")
	}

	if h.mat.sourceDir != filepath.Join("/srv/templates", "web/todo-api") {
		t.Errorf("materialized from %q", h.mat.sourceDir)
	}
	if !h.mat.locksRefreshed {
		t.Error("locks not refreshed")
	}
	if !h.annotator.called {
		t.Error("annotator not called")
	}
	if h.publisher.remoteURL != "https://git.test/acme/todo-api.git" {
		t.Errorf("remote URL = %q", h.publisher.remoteURL)
	}
	if !h.workspaces.disposed || h.workspaces.disposedFailed {
		t.Errorf("workspace disposed=%v failed=%v, want disposed and not failed",
			h.workspaces.disposed, h.workspaces.disposedFailed)
	}
}

func TestSync_AdoptsExistingRepository(t *testing.T) {
	h := newHarness(t, testConfig(), false)
	h.provider.adopted = true

	result := h.engine.Sync(context.Background(), testEntry)

	if !result.Success() {
		t.Fatalf("adoption should not fail the entry: stage=%s error=%q", result.Stage, result.Error)
	}
	if !h.publisher.published {
		t.Error("adopted repository should still be published")
	}
}

func TestSync_SecondRunIsIdempotent(t *testing.T) {
	h := newHarness(t, testConfig(), false)

	first := h.engine.Sync(context.Background(), testEntry)
	if !first.Success() {
		t.Fatalf("first run failed: stage=%s error=%q", first.Stage, first.Error)
	}

	// The remote now exists; a second run over unchanged inputs adopts it and
	// re-applies the grants and the template flag.
	h.provider.adopted = true
	h.provider.granted = nil
	h.provider.flagValue = false

	second := h.engine.Sync(context.Background(), testEntry)
	if !second.Success() {
		t.Fatalf("second run failed: stage=%s error=%q", second.Stage, second.Error)
	}
	if len(h.provider.granted) != 2 {
		t.Errorf("grants not re-applied: %v", h.provider.granted)
	}
	if !h.provider.flagValue {
		t.Error("template flag not re-applied")
	}
	if !h.publisher.published {
		t.Error("second run should still publish a fresh snapshot")
	}
}

func TestSync_ProvisionFailure(t *testing.T) {
	h := newHarness(t, testConfig(), false)
	h.provider.ensureErr = errors.New("boom")

	result := h.engine.Sync(context.Background(), testEntry)

	if result.Success() {
		t.Fatal("expected failure")
	}
	if result.Stage != api.StageProvisioned {
		t.Errorf("stage = %s, want %s", result.Stage, api.StageProvisioned)
	}
	if !strings.Contains(result.Error, "provision") {
		t.Errorf("error = %q, want provision context", result.Error)
	}
	if h.mat.materialized {
		t.Error("materializer should not run after provision failure")
	}
	if h.workspaces.disposed {
		t.Error("no workspace should have been created")
	}
	if h.publisher.ctx != nil {
		t.Error("publisher should not run after provision failure")
	}
}

func TestSync_GrantFailureIsProvisionFailure(t *testing.T) {
	h := newHarness(t, testConfig(), false)
	h.provider.grantErr = errors.New("team not found")

	result := h.engine.Sync(context.Background(), testEntry)

	if result.Stage != api.StageProvisioned || result.Success() {
		t.Errorf("stage = %s success=%v, want provisioned failure", result.Stage, result.Success())
	}
}

func TestSync_StateVerificationFailure(t *testing.T) {
	h := newHarness(t, testConfig(), false)
	h.provider.state = &provider.RepositoryState{Exists: true, IsTemplate: false}

	result := h.engine.Sync(context.Background(), testEntry)

	if result.Success() {
		t.Fatal("expected failure when template flag did not stick")
	}
	if result.Stage != api.StageProvisioned {
		t.Errorf("stage = %s, want %s", result.Stage, api.StageProvisioned)
	}
	if !strings.Contains(result.Error, "not marked as a template") {
		t.Errorf("error = %q", result.Error)
	}
}

func TestSync_MaterializeFailure(t *testing.T) {
	h := newHarness(t, testConfig(), false)
	h.mat.materializeErr = errors.New("generator exited 1")

	result := h.engine.Sync(context.Background(), testEntry)

	if result.Stage != api.StageMaterialized {
		t.Errorf("stage = %s, want %s", result.Stage, api.StageMaterialized)
	}
	if h.publisher.ctx != nil {
		t.Error("publisher should not run after materialize failure")
	}
	if !h.workspaces.disposed || !h.workspaces.disposedFailed {
		t.Error("workspace should be disposed as failed")
	}
}

func TestSync_LockRefreshFailure(t *testing.T) {
	h := newHarness(t, testConfig(), false)
	h.mat.lockErr = errors.New("lock refresh exited 101")

	result := h.engine.Sync(context.Background(), testEntry)

	if result.Stage != api.StageMaterialized || result.Success() {
		t.Errorf("stage = %s success=%v, want materialized failure", result.Stage, result.Success())
	}
}

func TestSync_AnnotationFailure(t *testing.T) {
	h := newHarness(t, testConfig(), false)
	h.annotator.err = errors.New("no README.md")

	result := h.engine.Sync(context.Background(), testEntry)

	if result.Stage != api.StageAnnotated || result.Success() {
		t.Errorf("stage = %s success=%v, want annotated failure", result.Stage, result.Success())
	}
	if h.publisher.ctx != nil {
		t.Error("publisher should not run after annotation failure")
	}
}

func TestSync_PublishFailure(t *testing.T) {
	h := newHarness(t, testConfig(), false)
	h.publisher.err = errors.New("push rejected")

	result := h.engine.Sync(context.Background(), testEntry)

	if result.Stage != api.StagePublished {
		t.Errorf("stage = %s, want %s", result.Stage, api.StagePublished)
	}
	if result.Success() {
		t.Error("publish failure must not count as success")
	}
	if !h.workspaces.disposedFailed {
		t.Error("workspace should be disposed as failed")
	}
}

func TestSync_PublishDetachedFromCancellation(t *testing.T) {
	h := newHarness(t, testConfig(), false)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	result := h.engine.Sync(ctx, testEntry)

	if !result.Success() {
		t.Fatalf("sync failed: %s", result.Error)
	}
	if h.publisher.ctx == nil {
		t.Fatal("publisher never called")
	}
	if err := h.publisher.ctx.Err(); err != nil {
		t.Errorf("publish context should not carry cancellation, got %v", err)
	}
}

func TestSync_DryRunSkipsProvisioning(t *testing.T) {
	h := newHarness(t, testConfig(), true)

	result := h.engine.Sync(context.Background(), testEntry)

	if !result.Success() {
		t.Fatalf("dry run failed: %s", result.Error)
	}
	if h.provider.ensureCalled {
		t.Error("dry run must not create repositories")
	}
	if len(h.provider.granted) != 0 {
		t.Error("dry run must not grant team access")
	}
	if !h.mat.materialized {
		t.Error("dry run should still materialize locally")
	}
	if h.publisher.ctx == nil {
		t.Error("dry run should still reach the publisher")
	}
}

func TestSync_SSHRemoteSelection(t *testing.T) {
	cfg := testConfig()
	cfg.Push.Auth = config.PushAuthSSH
	h := newHarness(t, cfg, false)

	h.engine.Sync(context.Background(), testEntry)

	if h.publisher.remoteURL != "git@git.test:acme/todo-api.git" {
		t.Errorf("remote URL = %q, want SSH form", h.publisher.remoteURL)
	}
}

func TestSync_AnnotatorReceivesLinks(t *testing.T) {
	h := newHarness(t, testConfig(), false)

	h.engine.Sync(context.Background(), testEntry)

	if h.annotator.name != "todo-api" || h.annotator.sourcePath != "web/todo-api" {
		t.Errorf("annotator got name=%q source=%q", h.annotator.name, h.annotator.sourcePath)
	}
	links := h.annotator.links
	if links.RepoURL != "https://git.test/acme/todo-api" {
		t.Errorf("repo link = %q", links.RepoURL)
	}
	if links.SourceURL != "https://git.test/acme/templates/tree/main/web/todo-api" {
		t.Errorf("source link = %q", links.SourceURL)
	}
	if links.ConsoleURL != "https://git.test/new?template_name=todo-api" {
		t.Errorf("console link = %q", links.ConsoleURL)
	}
}

func TestStageOf(t *testing.T) {
	tests := []struct {
		err  error
		want api.Stage
	}{
		{&ProvisionError{Name: "a", Err: errors.New("x")}, api.StageProvisioned},
		{&MaterializeError{Name: "a", Err: errors.New("x")}, api.StageMaterialized},
		{&AnnotationError{Name: "a", Err: errors.New("x")}, api.StageAnnotated},
		{&PublishError{Name: "a", Err: errors.New("x")}, api.StagePublished},
		{errors.New("untyped"), api.StagePending},
	}
	for _, tc := range tests {
		if got := stageOf(tc.err); got != tc.want {
			t.Errorf("stageOf(%v) = %s, want %s", tc.err, got, tc.want)
		}
	}
}

func TestStageErrorsUnwrap(t *testing.T) {
	cause := errors.New("root cause")
	for _, err := range []error{
		&ProvisionError{Name: "a", Err: cause},
		&MaterializeError{Name: "a", Err: cause},
		&AnnotationError{Name: "a", Err: cause},
		&PublishError{Name: "a", Err: cause},
	} {
		if !errors.Is(err, cause) {
			t.Errorf("%T does not unwrap to its cause", err)
		}
	}
}
