package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Visibility is the visibility applied to provisioned repositories.
type Visibility string

const (
	VisibilityPublic  Visibility = "public"
	VisibilityPrivate Visibility = "private"
)

// PushAuth selects how the publisher authenticates against the remote.
type PushAuth string

const (
	PushAuthToken PushAuth = "token"
	PushAuthSSH   PushAuth = "ssh"
	PushAuthNone  PushAuth = "none"
)

// HistoryDriver selects the backing store for the run journal.
type HistoryDriver string

const (
	HistoryDriverSQLite   HistoryDriver = "sqlite"
	HistoryDriverPostgres HistoryDriver = "postgres"
)

// Config represents the complete fleetsync configuration.
type Config struct {
	Fleet       FleetConfig       `yaml:"fleet"`
	Registry    RegistryConfig    `yaml:"registry"`
	Paths       PathsConfig       `yaml:"paths"`
	Materialize MaterializeConfig `yaml:"materialize"`
	Provider    ProviderConfig    `yaml:"provider"`
	Commit      CommitConfig      `yaml:"commit"`
	Push        PushConfig        `yaml:"push"`
	Sync        SyncConfig        `yaml:"sync"`
	Serve       ServeConfig       `yaml:"serve"`
	History     HistoryConfig     `yaml:"history"`
}

// FleetConfig identifies the owning organization and the teams that maintain
// every fleet repository. MonorepoURL is the web address of the template
// monorepo, used when linking a synced repository back to its canonical
// source.
type FleetConfig struct {
	Org            string     `yaml:"org"`
	Teams          []string   `yaml:"teams"`
	Visibility     Visibility `yaml:"visibility"`
	DefaultBranch  string     `yaml:"default_branch"`
	MonorepoURL    string     `yaml:"monorepo_url"`
	MonorepoBranch string     `yaml:"monorepo_branch"`
}

// RegistryConfig locates the template registry file.
type RegistryConfig struct {
	Path string `yaml:"path"`
}

// PathsConfig configures local filesystem paths.
type PathsConfig struct {
	MonorepoRoot  string `yaml:"monorepo_root"`
	WorkspaceRoot string `yaml:"workspace_root"`
	KeepFailed    bool   `yaml:"keep_failed"`
}

// MaterializeConfig configures the external materializer invocation. Command
// and LockCommand are argv templates; {source}, {name} and {dest} are
// replaced per entry before execution.
type MaterializeConfig struct {
	Command     []string `yaml:"command"`
	LockCommand []string `yaml:"lock_command"`
	Timeout     string   `yaml:"timeout"` // Duration string e.g. "5m"
}

// ProviderConfig configures the hosting provider API client.
type ProviderConfig struct {
	BaseURL    string `yaml:"base_url"`
	WebBaseURL string `yaml:"web_base_url"`
	TokenEnv   string `yaml:"token_env"`
	Timeout    string `yaml:"timeout"` // Duration string e.g. "30s"
	RateLimit  int    `yaml:"rate_limit"`
}

// CommitConfig configures the snapshot commit written by the publisher.
// Message may contain {name}, replaced with the entry name.
type CommitConfig struct {
	AuthorName  string `yaml:"author_name"`
	AuthorEmail string `yaml:"author_email"`
	Message     string `yaml:"message"`
}

// PushConfig configures publisher authentication.
type PushConfig struct {
	Auth           PushAuth `yaml:"auth"`
	SSHKeyFile     string   `yaml:"ssh_key_file"`
	KnownHostsFile string   `yaml:"known_hosts_file"`
	Timeout        string   `yaml:"timeout"` // Duration string e.g. "2m"
}

// SyncConfig configures batch behavior.
type SyncConfig struct {
	Concurrency int `yaml:"concurrency"`
}

// ServeConfig configures the webhook server.
type ServeConfig struct {
	ListenAddr       string   `yaml:"listen_addr"`
	WebhookSecretEnv string   `yaml:"webhook_secret_env"`
	AllowedEvents    []string `yaml:"allowed_events"`
	AllowedRefs      []string `yaml:"allowed_refs"`
	Debounce         string   `yaml:"debounce"` // Duration string e.g. "10s"
}

// HistoryConfig configures the optional run journal. With the sqlite driver
// an empty path disables the journal; the postgres driver requires a DSN.
type HistoryConfig struct {
	Driver HistoryDriver `yaml:"driver"`
	Path   string        `yaml:"path"`
	DSN    string        `yaml:"dsn"`
}

// Load reads and parses the configuration file.
func Load(path string) (*Config, error) {
	path = os.ExpandEnv(path)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.expandEnv()
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// expandEnv expands environment variables in path-like string fields.
func (c *Config) expandEnv() {
	c.Registry.Path = os.ExpandEnv(c.Registry.Path)
	c.Fleet.MonorepoURL = os.ExpandEnv(c.Fleet.MonorepoURL)
	c.Paths.MonorepoRoot = os.ExpandEnv(c.Paths.MonorepoRoot)
	c.Paths.WorkspaceRoot = os.ExpandEnv(c.Paths.WorkspaceRoot)
	c.Provider.BaseURL = os.ExpandEnv(c.Provider.BaseURL)
	c.Provider.WebBaseURL = os.ExpandEnv(c.Provider.WebBaseURL)
	c.Push.SSHKeyFile = os.ExpandEnv(c.Push.SSHKeyFile)
	c.Push.KnownHostsFile = os.ExpandEnv(c.Push.KnownHostsFile)
	c.Serve.ListenAddr = os.ExpandEnv(c.Serve.ListenAddr)
	c.History.Path = os.ExpandEnv(c.History.Path)
	c.History.DSN = os.ExpandEnv(c.History.DSN)
}

// applyDefaults fills in zero-value fields with sensible defaults.
func (c *Config) applyDefaults() {
	if c.Fleet.Visibility == "" {
		c.Fleet.Visibility = VisibilityPublic
	}
	if c.Fleet.DefaultBranch == "" {
		c.Fleet.DefaultBranch = "main"
	}
	if c.Fleet.MonorepoBranch == "" {
		c.Fleet.MonorepoBranch = "main"
	}
	if c.Paths.MonorepoRoot == "" {
		c.Paths.MonorepoRoot = "."
	}
	if len(c.Materialize.Command) == 0 {
		c.Materialize.Command = []string{
			"cargo", "generate", "--path", "{source}",
			"--name", "{name}", "--destination", "{dest}",
		}
	}
	if len(c.Materialize.LockCommand) == 0 {
		c.Materialize.LockCommand = []string{"cargo", "generate-lockfile"}
	}
	if c.Provider.BaseURL == "" {
		c.Provider.BaseURL = "https://api.github.com"
	}
	if c.Provider.WebBaseURL == "" {
		c.Provider.WebBaseURL = "https://github.com"
	}
	if c.Fleet.MonorepoURL == "" {
		c.Fleet.MonorepoURL = c.Provider.WebBaseURL + "/" + c.Fleet.Org + "/templates"
	}
	if c.Provider.TokenEnv == "" {
		c.Provider.TokenEnv = "FLEETSYNC_TOKEN"
	}
	if c.Provider.RateLimit <= 0 {
		c.Provider.RateLimit = 4
	}
	if c.Commit.AuthorName == "" {
		c.Commit.AuthorName = "fleetsync"
	}
	if c.Commit.AuthorEmail == "" {
		c.Commit.AuthorEmail = "fleetsync@localhost"
	}
	if c.Commit.Message == "" {
		c.Commit.Message = "chore: sync template {name}"
	}
	if c.Push.Auth == "" {
		c.Push.Auth = PushAuthToken
	}
	if c.Sync.Concurrency <= 0 {
		c.Sync.Concurrency = 1
	}
	if c.Serve.ListenAddr == "" {
		c.Serve.ListenAddr = ":8080"
	}
	if c.Serve.WebhookSecretEnv == "" {
		c.Serve.WebhookSecretEnv = "FLEETSYNC_WEBHOOK_SECRET"
	}
	if len(c.Serve.AllowedEvents) == 0 {
		c.Serve.AllowedEvents = []string{"push"}
	}
	if c.History.Driver == "" {
		c.History.Driver = HistoryDriverSQLite
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.Fleet.Org == "" {
		return fmt.Errorf("fleet.org is required")
	}
	if len(c.Fleet.Teams) == 0 {
		return fmt.Errorf("fleet.teams must list at least one maintaining team")
	}
	switch c.Fleet.Visibility {
	case VisibilityPublic, VisibilityPrivate:
		// valid
	default:
		return fmt.Errorf("invalid fleet.visibility: %s (must be public or private)", c.Fleet.Visibility)
	}

	if c.Registry.Path == "" {
		return fmt.Errorf("registry.path is required")
	}

	switch c.Push.Auth {
	case PushAuthToken, PushAuthSSH, PushAuthNone:
		// valid
	default:
		return fmt.Errorf("invalid push.auth: %s (must be token, ssh, or none)", c.Push.Auth)
	}
	if c.Push.Auth == PushAuthSSH && c.Push.SSHKeyFile == "" {
		return fmt.Errorf("push.ssh_key_file is required when push.auth is ssh")
	}

	switch c.History.Driver {
	case HistoryDriverSQLite, HistoryDriverPostgres:
		// valid
	default:
		return fmt.Errorf("invalid history.driver: %s (must be sqlite or postgres)", c.History.Driver)
	}
	if c.History.Driver == HistoryDriverPostgres && c.History.DSN == "" {
		return fmt.Errorf("history.dsn is required when history.driver is postgres")
	}

	for field, val := range map[string]string{
		"materialize.timeout": c.Materialize.Timeout,
		"provider.timeout":    c.Provider.Timeout,
		"push.timeout":        c.Push.Timeout,
		"serve.debounce":      c.Serve.Debounce,
	} {
		if val == "" {
			continue
		}
		if _, err := time.ParseDuration(val); err != nil {
			return fmt.Errorf("invalid %s: %w", field, err)
		}
	}

	return nil
}

// SourceDir resolves a registry source path against the monorepo root.
func (c *Config) SourceDir(sourcePath string) string {
	return filepath.Join(c.Paths.MonorepoRoot, sourcePath)
}

// WorkspaceRoot returns the directory under which per-entry workspaces are
// created, defaulting to the system temp directory.
func (c *Config) WorkspaceRoot() string {
	if c.Paths.WorkspaceRoot != "" {
		return c.Paths.WorkspaceRoot
	}
	return os.TempDir()
}

// Token returns the provider API token from the configured environment
// variable.
func (c *Config) Token() string {
	return os.Getenv(c.Provider.TokenEnv)
}

// WebhookSecret returns the webhook shared secret from the configured
// environment variable.
func (c *Config) WebhookSecret() string {
	return os.Getenv(c.Serve.WebhookSecretEnv)
}

// HistoryEnabled reports whether a run journal is configured.
func (c *Config) HistoryEnabled() bool {
	switch c.History.Driver {
	case HistoryDriverPostgres:
		return c.History.DSN != ""
	default:
		return c.History.Path != ""
	}
}

// MaterializeTimeout returns the parsed materializer timeout.
func (c *Config) MaterializeTimeout() time.Duration {
	return parseDuration(c.Materialize.Timeout, 5*time.Minute)
}

// ProviderTimeout returns the parsed per-request provider timeout.
func (c *Config) ProviderTimeout() time.Duration {
	return parseDuration(c.Provider.Timeout, 30*time.Second)
}

// PushTimeout returns the parsed publish timeout.
func (c *Config) PushTimeout() time.Duration {
	return parseDuration(c.Push.Timeout, 2*time.Minute)
}

// ServeDebounce returns the parsed webhook debounce window.
func (c *Config) ServeDebounce() time.Duration {
	return parseDuration(c.Serve.Debounce, 10*time.Second)
}

func parseDuration(s string, def time.Duration) time.Duration {
	if s == "" {
		return def
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return def
	}
	return d
}
