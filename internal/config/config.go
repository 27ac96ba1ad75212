package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/normanking/relay/internal/provider"
)

// Config holds all application configuration for the Relay router.
// It is loaded from ~/.relay/config.yaml and can be overridden by
// environment variables with the RELAY_ prefix.
type Config struct {
	Providers  map[string]ProviderConfig `mapstructure:"providers" yaml:"providers"`
	Routing    RoutingConfig             `mapstructure:"routing" yaml:"routing"`
	Health     HealthConfig              `mapstructure:"health" yaml:"health"`
	Storage    StorageConfig             `mapstructure:"storage" yaml:"storage"`
	Delivery   DeliveryConfig            `mapstructure:"delivery" yaml:"delivery"`
	Workspaces WorkspacesConfig          `mapstructure:"workspaces" yaml:"workspaces"`
	Logging    LoggingConfig             `mapstructure:"logging" yaml:"logging"`
}

// ProviderConfig describes one provider adapter.
type ProviderConfig struct {
	// Endpoint is the API base URL (HTTP providers) or websocket URL
	// (local agents).
	Endpoint string `mapstructure:"endpoint" yaml:"endpoint,omitempty"`

	// APIKey authenticates cloud providers. Prefer environment
	// variables over the config file for secrets.
	APIKey string `mapstructure:"api_key" yaml:"api_key,omitempty"`

	// Model is the default model when a request leaves it empty.
	Model string `mapstructure:"model" yaml:"model,omitempty"`

	// TimeoutSeconds caps one call. Zero uses the adapter default.
	TimeoutSeconds int `mapstructure:"timeout_seconds" yaml:"timeout_seconds,omitempty"`
}

// RoutingConfig controls classification and failover.
type RoutingConfig struct {
	// Strategy selects the active chain preset: default,
	// cost-optimized, or quality-optimized.
	Strategy string `mapstructure:"strategy" yaml:"strategy"`

	// RetryBudget is the shared number of retryable failures per
	// request.
	RetryBudget int `mapstructure:"retry_budget" yaml:"retry_budget"`

	// SafetyNetModel is the local model appended to classifier chains
	// that have no locally-runnable entry.
	SafetyNetModel string `mapstructure:"safety_net_model" yaml:"safety_net_model"`
}

// HealthConfig controls the background probe loop.
type HealthConfig struct {
	// ProbeIntervalSeconds between probe passes.
	ProbeIntervalSeconds int `mapstructure:"probe_interval_seconds" yaml:"probe_interval_seconds"`
}

// StorageConfig locates the local database.
type StorageConfig struct {
	// DataDir holds the SQLite database and the encryption key.
	DataDir string `mapstructure:"data_dir" yaml:"data_dir"`
}

// DeliveryConfig wires the out-of-band delivery queue. With an empty
// RedisAddr deliveries fall back to an in-memory sink and do not
// survive restarts.
type DeliveryConfig struct {
	RedisAddr     string `mapstructure:"redis_addr" yaml:"redis_addr,omitempty"`
	RedisPassword string `mapstructure:"redis_password" yaml:"redis_password,omitempty"`
	RedisDB       int    `mapstructure:"redis_db" yaml:"redis_db"`
}

// WorkspacesConfig controls where CLI jobs run and which paths tools
// may touch.
type WorkspacesConfig struct {
	// Root is where per-user CLI workspaces are created.
	Root string `mapstructure:"root" yaml:"root"`

	// SafeRoots are the additional directories tools may resolve file
	// paths under. Root is always included.
	SafeRoots []string `mapstructure:"safe_roots" yaml:"safe_roots,omitempty"`

	// StaleThresholdMinutes force-terminates async jobs that declared
	// no timeout of their own.
	StaleThresholdMinutes int `mapstructure:"stale_threshold_minutes" yaml:"stale_threshold_minutes"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `mapstructure:"level" yaml:"level"`

	// File is an optional log file path. Empty logs to stderr only.
	File string `mapstructure:"file" yaml:"file,omitempty"`
}

// Default returns the configuration used when no file exists yet.
func Default() *Config {
	return &Config{
		Providers: map[string]ProviderConfig{
			provider.IDOllama: {
				Endpoint: "http://localhost:11434",
			},
			provider.IDOpenRouter: {
				Endpoint: "https://openrouter.ai/api",
			},
			provider.IDGoogle: {
				Endpoint: "https://generativelanguage.googleapis.com/v1beta",
			},
		},
		Routing: RoutingConfig{
			Strategy:       "default",
			RetryBudget:    3,
			SafetyNetModel: "qwen3:8b",
		},
		Health: HealthConfig{
			ProbeIntervalSeconds: 60,
		},
		Storage: StorageConfig{
			DataDir: "~/.relay",
		},
		Delivery: DeliveryConfig{},
		Workspaces: WorkspacesConfig{
			Root:                  "~/.relay/workspaces",
			StaleThresholdMinutes: 5,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Load reads the configuration from ~/.relay/config.yaml, creating it
// with defaults on first use.
func Load() (*Config, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("failed to get home directory: %w", err)
	}
	return LoadFromPath(filepath.Join(homeDir, ".relay", "config.yaml"))
}

// LoadFromPath reads the configuration from a specific file path.
func LoadFromPath(path string) (*Config, error) {
	path = expandPath(path)

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create config directory: %w", err)
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		if err := writeConfigFile(path, Default()); err != nil {
			return nil, fmt.Errorf("failed to write default config: %w", err)
		}
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	// Example: RELAY_PROVIDERS_OPENROUTER_API_KEY
	v.SetEnvPrefix("RELAY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	cfg.Storage.DataDir = expandPath(cfg.Storage.DataDir)
	cfg.Workspaces.Root = expandPath(cfg.Workspaces.Root)
	cfg.Logging.File = expandPath(cfg.Logging.File)

	return &cfg, nil
}

// Save writes the configuration to the default location.
func (c *Config) Save() error {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return fmt.Errorf("failed to get home directory: %w", err)
	}
	return c.SaveToPath(filepath.Join(homeDir, ".relay", "config.yaml"))
}

// SaveToPath writes the configuration to a specific file path.
func (c *Config) SaveToPath(path string) error {
	path = expandPath(path)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	return writeConfigFile(path, c)
}

// EnsureDirectories creates the data and workspace directories.
func (c *Config) EnsureDirectories() error {
	dirs := []string{c.Storage.DataDir, c.Workspaces.Root}
	if c.Logging.File != "" {
		dirs = append(dirs, filepath.Dir(c.Logging.File))
	}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}
	return nil
}

// Validate checks the configuration for common errors.
func (c *Config) Validate() error {
	validStrategies := map[string]bool{"default": true, "cost-optimized": true, "quality-optimized": true}
	if !validStrategies[c.Routing.Strategy] {
		return fmt.Errorf("invalid routing strategy %q, must be one of: default, cost-optimized, quality-optimized", c.Routing.Strategy)
	}
	if c.Routing.RetryBudget < 1 {
		return fmt.Errorf("routing.retry_budget must be at least 1, got %d", c.Routing.RetryBudget)
	}
	if c.Health.ProbeIntervalSeconds < 5 {
		return fmt.Errorf("health.probe_interval_seconds must be at least 5, got %d", c.Health.ProbeIntervalSeconds)
	}
	if c.Storage.DataDir == "" {
		return fmt.Errorf("storage.data_dir cannot be empty")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("invalid logging level %q, must be one of: debug, info, warn, error", c.Logging.Level)
	}

	for id, pc := range c.Providers {
		if provider.IsCLI(id) {
			continue
		}
		if pc.Endpoint == "" && pc.APIKey == "" {
			return fmt.Errorf("provider %s has neither endpoint nor api_key", id)
		}
	}
	return nil
}

// ProbeInterval returns the probe interval as a duration.
func (c *Config) ProbeInterval() time.Duration {
	return time.Duration(c.Health.ProbeIntervalSeconds) * time.Second
}

// StaleThreshold returns the async staleness cutoff as a duration.
func (c *Config) StaleThreshold() time.Duration {
	return time.Duration(c.Workspaces.StaleThresholdMinutes) * time.Minute
}

// ProviderConfigs converts the provider section into registry configs.
func (c *Config) ProviderConfigs() map[string]*provider.Config {
	out := make(map[string]*provider.Config, len(c.Providers))
	for id, pc := range c.Providers {
		out[provider.NormalizeID(id)] = &provider.Config{
			Name:     provider.NormalizeID(id),
			Endpoint: pc.Endpoint,
			APIKey:   pc.APIKey,
			Model:    pc.Model,
			Timeout:  time.Duration(pc.TimeoutSeconds) * time.Second,
		}
	}
	return out
}

// SafeRoots returns every directory tools may resolve paths under.
func (c *Config) SafeRoots() []string {
	roots := []string{c.Workspaces.Root, os.TempDir()}
	return append(roots, c.Workspaces.SafeRoots...)
}

func writeConfigFile(path string, cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// expandPath expands a leading ~ to the user's home directory.
func expandPath(path string) string {
	if strings.HasPrefix(path, "~") {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(homeDir, path[1:])
	}
	return path
}
