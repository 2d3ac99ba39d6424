package config

import (
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
)

const (
	// ProjectConfigFile is the name of the project-level config file
	ProjectConfigFile = "taskbatch.yaml"
	// UserConfigDir is the directory for user-level config
	UserConfigDir = ".config/taskbatch"
	// UserConfigFile is the name of the user-level config file
	UserConfigFile = "config.yaml"
	// EnvPrefix prefixes every environment override
	EnvPrefix = "TASKBATCH_"
)

// Loader handles configuration loading with layered precedence
type Loader struct {
	logger  *slog.Logger
	getenv  func(string) string
	workDir string
	homeDir string
}

// LoaderOption configures a Loader.
type LoaderOption func(*Loader)

// WithEnv replaces os.Getenv.
func WithEnv(getenv func(string) string) LoaderOption {
	return func(l *Loader) {
		l.getenv = getenv
	}
}

// WithWorkDir sets the directory the project config search starts from.
func WithWorkDir(dir string) LoaderOption {
	return func(l *Loader) {
		l.workDir = dir
	}
}

// WithHomeDir sets the directory holding the user config.
func WithHomeDir(dir string) LoaderOption {
	return func(l *Loader) {
		l.homeDir = dir
	}
}

// NewLoader creates a new configuration loader
func NewLoader(logger *slog.Logger, opts ...LoaderOption) *Loader {
	if logger == nil {
		logger = slog.Default()
	}
	l := &Loader{logger: logger, getenv: os.Getenv}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Load loads configuration with layered precedence:
// 1. Default config
// 2. User config (~/.config/taskbatch/config.yaml)
// 3. Project config (taskbatch.yaml in current or parent directories)
// 4. Environment variables (TASKBATCH_*)
func (l *Loader) Load() (*Config, error) {
	config := DefaultConfig()

	if userConfigPath := l.userConfigPath(); userConfigPath != "" {
		if err := config.ApplyFile(userConfigPath); err == nil {
			l.logger.Debug("Loaded user config", slog.String("path", userConfigPath))
		} else if !errors.Is(err, fs.ErrNotExist) {
			l.logger.Warn("Failed to load user config", slog.String("path", userConfigPath), slog.String("error", err.Error()))
		}
	}

	if projectConfigPath := l.ProjectConfigPath(); projectConfigPath != "" {
		if err := config.ApplyFile(projectConfigPath); err != nil {
			return nil, err
		}
		l.logger.Debug("Loaded project config", slog.String("path", projectConfigPath))
	} else {
		l.logger.Debug("No project config found")
	}

	if err := l.applyEnv(config); err != nil {
		return nil, err
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

// applyEnv overrides the connection settings most often set per deployment.
func (l *Loader) applyEnv(c *Config) error {
	strs := map[string]*string{
		"DATABASE_DSN":        &c.Database.DSN,
		"DATABASE_FIXTURES":   &c.Database.Fixtures,
		"NATS_URL":            &c.NATS.URL,
		"GENERATION_PROVIDER": &c.Generation.Provider,
		"GENERATION_URL":      &c.Generation.URL,
		"GENERATION_MODEL":    &c.Generation.Model,
		"HTTP_ADDR":           &c.HTTP.Addr,
	}
	for key, dst := range strs {
		if v := l.getenv(EnvPrefix + key); v != "" {
			*dst = v
			l.logger.Debug("Applied environment override", slog.String("key", EnvPrefix+key))
		}
	}
	if l.getenv(EnvPrefix+"NATS_URL") != "" {
		c.NATS.Embedded = false
	}

	if v := l.getenv(EnvPrefix + "MAX_CONCURRENT_BATCHES"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return errors.New(EnvPrefix + "MAX_CONCURRENT_BATCHES must be an integer")
		}
		c.Workflow.Batch.MaxConcurrentBatches = n
	}
	return nil
}

// EnsureUserConfig creates the user config file with defaults if it doesn't exist
func (l *Loader) EnsureUserConfig() error {
	userConfigPath := l.userConfigPath()
	if userConfigPath == "" {
		return errors.New("no home directory")
	}

	if _, err := os.Stat(userConfigPath); err == nil {
		return nil
	}

	config := DefaultConfig()
	if err := config.SaveToFile(userConfigPath); err != nil {
		return err
	}

	l.logger.Info("Created default user config", slog.String("path", userConfigPath))
	return nil
}

// userConfigPath returns the path to the user config file
func (l *Loader) userConfigPath() string {
	home := l.homeDir
	if home == "" {
		var err error
		if home, err = os.UserHomeDir(); err != nil {
			return ""
		}
	}
	return filepath.Join(home, UserConfigDir, UserConfigFile)
}

// ProjectConfigPath searches for taskbatch.yaml in the working directory and
// its parents. It returns "" when there is none.
func (l *Loader) ProjectConfigPath() string {
	dir := l.workDir
	if dir == "" {
		cwd, err := os.Getwd()
		if err != nil {
			return ""
		}
		dir = cwd
	}

	for {
		configPath := filepath.Join(dir, ProjectConfigFile)
		if _, err := os.Stat(configPath); err == nil {
			return configPath
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}

	return ""
}
