package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/mitchellh/go-homedir"
	"gopkg.in/yaml.v3"

	"github.com/schaermu/layersync/internal/repo"
	"github.com/schaermu/layersync/internal/tracking"
)

// DefaultPath is the configuration file used when none is given
const DefaultPath = "~/.config/layersync/config.yaml"

// Config represents the complete layersync configuration
type Config struct {
	User  UserConfig   `yaml:"user"`
	Paths PathsConfig  `yaml:"paths"`
	Repos []RepoConfig `yaml:"repos"`
	Sync  SyncConfig   `yaml:"sync"`
}

// UserConfig identifies the author of new commits
type UserConfig struct {
	Name  string `yaml:"name"`
	Email string `yaml:"email"`
}

// PathsConfig configures local filesystem paths
type PathsConfig struct {
	ConfigDir string `yaml:"config_dir"`
	ExportDir string `yaml:"export_dir"`
	TempDir   string `yaml:"temp_dir"`
}

// RepoConfig names a local repository
type RepoConfig struct {
	Name string `yaml:"name"`
	Path string `yaml:"path"`
}

// SyncConfig configures sync behavior
type SyncConfig struct {
	AllowConflicts bool   `yaml:"allow_conflicts"`
	DefaultBranch  string `yaml:"default_branch"`
}

// Load reads and parses the configuration file
func Load(path string) (*Config, error) {
	path, err := expandPath(path)
	if err != nil {
		return nil, fmt.Errorf("failed to expand config path: %w", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// Defaults may use ~ and environment variables, so apply them first
	cfg.applyDefaults()
	if err := cfg.expandEnv(); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// Default returns the configuration used when no file exists
func Default() (*Config, error) {
	cfg := &Config{}
	cfg.applyDefaults()
	if err := cfg.expandEnv(); err != nil {
		return nil, err
	}
	return cfg, cfg.Validate()
}

// expandPath expands environment variables and a leading ~
func expandPath(p string) (string, error) {
	return homedir.Expand(os.ExpandEnv(p))
}

// expandEnv expands environment variables and ~ in all path fields
func (c *Config) expandEnv() error {
	c.User.Name = os.ExpandEnv(c.User.Name)
	c.User.Email = os.ExpandEnv(c.User.Email)

	paths := []*string{&c.Paths.ConfigDir, &c.Paths.ExportDir, &c.Paths.TempDir}
	for i := range c.Repos {
		paths = append(paths, &c.Repos[i].Path)
	}
	for _, p := range paths {
		expanded, err := expandPath(*p)
		if err != nil {
			return fmt.Errorf("failed to expand %s: %w", *p, err)
		}
		*p = expanded
	}
	return nil
}

// applyDefaults fills in zero-value fields with sensible defaults.
func (c *Config) applyDefaults() {
	if c.Paths.ConfigDir == "" {
		c.Paths.ConfigDir = "~/.config/layersync"
	}
	if c.Paths.ExportDir == "" {
		c.Paths.ExportDir = filepath.Join(c.Paths.ConfigDir, "export")
	}
	if c.Paths.TempDir == "" {
		c.Paths.TempDir = filepath.Join(os.TempDir(), "layersync")
	}
	if c.Sync.DefaultBranch == "" {
		c.Sync.DefaultBranch = repo.DefaultBranch
	}
	if c.User.Name == "" {
		c.User.Name = "${USER}"
	}
	if c.User.Email == "" {
		c.User.Email = c.User.Name + "@localhost"
	}
}

// Validate checks the configuration for errors
func (c *Config) Validate() error {
	for name, p := range map[string]string{
		"paths.config_dir": c.Paths.ConfigDir,
		"paths.export_dir": c.Paths.ExportDir,
		"paths.temp_dir":   c.Paths.TempDir,
	} {
		if p == "" {
			return fmt.Errorf("%s is required", name)
		}
		if !filepath.IsAbs(p) {
			return fmt.Errorf("%s must be an absolute path: %s", name, p)
		}
	}

	seen := make(map[string]bool, len(c.Repos))
	for i, r := range c.Repos {
		if r.Name == "" {
			return fmt.Errorf("repos[%d].name is required", i)
		}
		if r.Path == "" {
			return fmt.Errorf("repos[%d].path is required", i)
		}
		if seen[r.Name] {
			return fmt.Errorf("duplicate repository name: %s", r.Name)
		}
		seen[r.Name] = true
	}

	if strings.ContainsAny(c.Sync.DefaultBranch, " ~^:") {
		return fmt.Errorf("invalid sync.default_branch: %s", c.Sync.DefaultBranch)
	}
	return nil
}

// TrackingFilePath returns the path to the tracked layers file
func (c *Config) TrackingFilePath() string {
	return filepath.Join(c.Paths.ConfigDir, tracking.FileName)
}

// Repo returns the path of a configured repository by name. A value that is
// not a configured name is returned unchanged so plain paths work as well.
func (c *Config) Repo(nameOrPath string) string {
	for _, r := range c.Repos {
		if r.Name == nameOrPath {
			return r.Path
		}
	}
	return nameOrPath
}

// Signature returns the commit author from the user section
func (c *Config) Signature() repo.Signature {
	return repo.Signature{Name: c.User.Name, Email: c.User.Email}
}
