package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultStacksFile is the manifest looked up inside the repository when
// stacks.file is not configured.
const DefaultStacksFile = "stacks.yml"

// DefaultPollInterval is used by run/serve mode when sync.poll_interval is unset.
const DefaultPollInterval = 60 * time.Second

// Config represents the complete swarmsyncd configuration
type Config struct {
	Repo   RepoConfig   `yaml:"repo"`
	Paths  PathsConfig  `yaml:"paths"`
	Stacks StacksConfig `yaml:"stacks"`
	Sync   SyncConfig   `yaml:"sync"`
	Auth   AuthConfig   `yaml:"auth"`
	Serve  ServeConfig  `yaml:"serve"`
}

// RepoConfig configures the Git repository source
type RepoConfig struct {
	URL    string `yaml:"url"`
	Ref    string `yaml:"ref"`
	Subdir string `yaml:"subdir"`
}

// PathsConfig configures local filesystem paths
type PathsConfig struct {
	StateDir string `yaml:"state_dir"`
}

// InlineStack is a stack record embedded directly in the agent configuration.
// It is the fallback desired-state source when the repository carries no
// stacks manifest.
type InlineStack struct {
	Name        string `yaml:"name"`
	ComposeFile string `yaml:"compose_file"`
	EnvFile     string `yaml:"env_file"`
	Enabled     *bool  `yaml:"enabled"`
}

// StacksConfig configures where the desired stack set comes from
type StacksConfig struct {
	// File is the manifest path relative to the repo subdir
	File string `yaml:"file"`
	// Inline is only consulted when File does not exist in the checkout
	Inline []InlineStack `yaml:"inline"`
}

// SyncConfig configures reconcile behavior
type SyncConfig struct {
	PollInterval time.Duration `yaml:"poll_interval"`
	// PersistState saves the fingerprint cache across restarts. Purely an
	// optimization: a cold cache re-deploys every enabled stack once.
	PersistState bool `yaml:"persist_state"`
}

// AuthConfig configures Git authentication
type AuthConfig struct {
	SSHKeyFile     string `yaml:"ssh_key_file"`
	HTTPSTokenFile string `yaml:"https_token_file"`
}

// ServeConfig configures the webhook server
type ServeConfig struct {
	Enabled                 bool     `yaml:"enabled"`
	ListenAddr              string   `yaml:"listen_addr"`
	GitHubWebhookSecretFile string   `yaml:"github_webhook_secret_file"`
	AllowedEventTypes       []string `yaml:"allowed_event_types"`
	AllowedRefs             []string `yaml:"allowed_refs"`
}

// Load reads and parses the configuration file
func Load(path string) (*Config, error) {
	// Expand environment variables in path
	path = os.ExpandEnv(path)

	// Read file
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	// Parse YAML
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// Expand environment variables in string fields
	cfg.expandEnv()

	// Apply defaults
	cfg.applyDefaults()

	// Validate
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// expandEnv expands environment variables in all string fields
func (c *Config) expandEnv() {
	c.Repo.URL = os.ExpandEnv(c.Repo.URL)
	c.Repo.Ref = os.ExpandEnv(c.Repo.Ref)
	c.Repo.Subdir = os.ExpandEnv(c.Repo.Subdir)
	c.Paths.StateDir = os.ExpandEnv(c.Paths.StateDir)
	c.Stacks.File = os.ExpandEnv(c.Stacks.File)
	c.Auth.SSHKeyFile = os.ExpandEnv(c.Auth.SSHKeyFile)
	c.Auth.HTTPSTokenFile = os.ExpandEnv(c.Auth.HTTPSTokenFile)
	c.Serve.ListenAddr = os.ExpandEnv(c.Serve.ListenAddr)
	c.Serve.GitHubWebhookSecretFile = os.ExpandEnv(c.Serve.GitHubWebhookSecretFile)
}

// applyDefaults fills in zero-value fields with sensible defaults.
func (c *Config) applyDefaults() {
	if c.Stacks.File == "" {
		c.Stacks.File = DefaultStacksFile
	}
	if c.Sync.PollInterval == 0 {
		c.Sync.PollInterval = DefaultPollInterval
	}
}

// Validate checks the configuration for errors
func (c *Config) Validate() error {
	// Validate repo config
	if c.Repo.URL == "" {
		return fmt.Errorf("repo.url is required")
	}
	if c.Repo.Ref == "" {
		return fmt.Errorf("repo.ref is required")
	}

	// Validate paths
	if c.Paths.StateDir == "" {
		return fmt.Errorf("paths.state_dir is required")
	}
	if !filepath.IsAbs(c.Paths.StateDir) {
		return fmt.Errorf("paths.state_dir must be an absolute path: %s", c.Paths.StateDir)
	}

	if c.Sync.PollInterval < 0 {
		return fmt.Errorf("sync.poll_interval must not be negative")
	}

	// Validate auth: only one auth method may be configured
	if c.Auth.SSHKeyFile != "" && c.Auth.HTTPSTokenFile != "" {
		return fmt.Errorf("auth: only one of ssh_key_file or https_token_file may be set")
	}

	// Validate auth: when auth is configured, the URL scheme must match
	if c.Auth.SSHKeyFile != "" && !c.IsSSH() {
		return fmt.Errorf("auth.ssh_key_file is set but repo.url does not use an SSH scheme (git@ or ssh://)")
	}
	if c.Auth.HTTPSTokenFile != "" && !c.IsHTTPS() {
		return fmt.Errorf("auth.https_token_file is set but repo.url does not use HTTPS scheme")
	}

	// Validate serve config if enabled
	if c.Serve.Enabled {
		if c.Serve.ListenAddr == "" {
			return fmt.Errorf("serve.listen_addr is required when serve is enabled")
		}
		if c.Serve.GitHubWebhookSecretFile == "" {
			return fmt.Errorf("serve.github_webhook_secret_file is required when serve is enabled")
		}
	}

	return nil
}

// RepoDir returns the path where the git repository is checked out
func (c *Config) RepoDir() string {
	return filepath.Join(c.Paths.StateDir, "repo")
}

// StateFilePath returns the path to the state tracking file
func (c *Config) StateFilePath() string {
	return filepath.Join(c.Paths.StateDir, "state.json")
}

// SourceDir returns the path within the repo containing stack definitions
func (c *Config) SourceDir() string {
	if c.Repo.Subdir == "" {
		return c.RepoDir()
	}
	return filepath.Join(c.RepoDir(), c.Repo.Subdir)
}

// ResolveFile resolves a path relative to the stack source directory.
// Pure path join, no I/O.
func (c *Config) ResolveFile(rel string) string {
	return filepath.Join(c.SourceDir(), rel)
}

// StacksFilePath returns the absolute path of the stacks manifest inside the checkout
func (c *Config) StacksFilePath() string {
	return c.ResolveFile(c.Stacks.File)
}

// AuthMethod returns a description of the configured auth method
func (c *Config) AuthMethod() string {
	if c.Auth.SSHKeyFile != "" {
		return "ssh"
	}
	if c.Auth.HTTPSTokenFile != "" {
		return "https"
	}
	return "none"
}

// IsHTTPS returns true if the repo URL uses HTTPS
func (c *Config) IsHTTPS() bool {
	return strings.HasPrefix(c.Repo.URL, "https://")
}

// IsSSH returns true if the repo URL uses SSH
func (c *Config) IsSSH() bool {
	return strings.HasPrefix(c.Repo.URL, "git@") || strings.HasPrefix(c.Repo.URL, "ssh://")
}
