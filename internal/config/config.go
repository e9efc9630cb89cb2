// Package config handles application configuration
package config

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
	"todosync/internal/conflict"
)

//go:embed config.sample.yaml
var sampleConfig string

// GetSampleConfig returns the embedded sample configuration content
func GetSampleConfig() string {
	return sampleConfig
}

// Config represents the application configuration
type Config struct {
	Store        StoreConfig    `yaml:"store"`
	Device       DeviceConfig   `yaml:"device"`
	Sync         SyncConfig     `yaml:"sync"`
	Versions     VersionsConfig `yaml:"versions"`
	Logging      LoggingConfig  `yaml:"logging"`
	Notify       NotifyConfig   `yaml:"notifications"`
	NoPrompt     bool           `yaml:"no_prompt"`
	OutputFormat string         `yaml:"output_format"`
}

// StoreConfig locates the local database
type StoreConfig struct {
	Path string `yaml:"path"`
}

// DeviceConfig describes this device to its peers
type DeviceConfig struct {
	Name     string `yaml:"name"`
	Platform string `yaml:"platform"`
}

// SyncConfig holds synchronization settings
type SyncConfig struct {
	Provider         string                            `yaml:"provider"`
	AutoSync         *bool                             `yaml:"auto_sync"`
	IntervalMinutes  int                               `yaml:"interval_minutes"`
	ConflictPolicy   string                            `yaml:"conflict_policy"`
	DevicePriority   []string                          `yaml:"device_priority"`
	BreakerThreshold int                               `yaml:"breaker_threshold"`
	BreakerCooldown  string                            `yaml:"breaker_cooldown"` // e.g., "30s"
	CycleTimeout     string                            `yaml:"cycle_timeout"`    // e.g., "2m"
	Watch            WatchConfig                       `yaml:"watch"`
	Providers        map[string]map[string]interface{} `yaml:"providers"`
}

// WatchConfig controls the file watcher of the run command
type WatchConfig struct {
	Enabled       bool `yaml:"enabled"`
	DebounceMs    int  `yaml:"debounce_ms"`
	QuietPeriodMs int  `yaml:"quiet_period_ms"`
}

// VersionsConfig holds checkpoint retention settings
type VersionsConfig struct {
	MaxVersions   *int  `yaml:"max_versions"`
	RetentionDays *int  `yaml:"retention_days"`
	AutoCleanup   *bool `yaml:"auto_cleanup"`
}

// LoggingConfig holds logging settings
type LoggingConfig struct {
	BackgroundEnabled *bool  `yaml:"background_enabled"` // Controls background log file creation (default: true)
	Path              string `yaml:"path"`
	MaxSizeMB         int    `yaml:"max_size_mb"`
	MaxBackups        int    `yaml:"max_backups"`
	MaxAgeDays        int    `yaml:"max_age_days"`
}

// NotifyConfig controls the notifications raised by the run command
type NotifyConfig struct {
	Desktop struct {
		Enabled     bool `yaml:"enabled"`
		OnSync      bool `yaml:"on_sync"`
		OnConflicts bool `yaml:"on_conflicts"`
		OnFailure   bool `yaml:"on_failure"`
	} `yaml:"desktop"`
	Log struct {
		Enabled bool   `yaml:"enabled"`
		Path    string `yaml:"path"`
	} `yaml:"log"`
}

// DefaultConfig returns a config with sensible defaults
func DefaultConfig() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.Store.Path == "" {
		c.Store.Path = filepath.Join(GetDataDir(), "todosync.db")
	}
	if c.Sync.Provider == "" {
		c.Sync.Provider = "file"
	}
	if c.Sync.ConflictPolicy == "" {
		c.Sync.ConflictPolicy = string(conflict.PolicyLastModified)
	}
	if c.OutputFormat == "" {
		c.OutputFormat = "text"
	}
}

// Load loads configuration from the specified path, or the default XDG path if empty.
// If the config file doesn't exist, it creates one from the embedded sample.
func Load(configPath string) (*Config, error) {
	if configPath == "" {
		configPath = filepath.Join(GetConfigDir(), "config.yaml")
	}

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		if err := save(configPath); err != nil {
			return nil, fmt.Errorf("failed to create default config: %w", err)
		}
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML configuration, applies defaults and expands paths.
func Parse(data []byte) (*Config, error) {
	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid YAML in config file: %w", err)
	}
	cfg.applyDefaults()

	cfg.Store.Path = ExpandPath(cfg.Store.Path)
	cfg.Logging.Path = ExpandPath(cfg.Logging.Path)
	cfg.Notify.Log.Path = ExpandPath(cfg.Notify.Log.Path)
	return cfg, nil
}

// save writes the embedded sample, which documents every option, to path
func save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(sampleConfig), 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.OutputFormat != "text" && c.OutputFormat != "json" {
		return fmt.Errorf("invalid output_format: %q (must be 'text' or 'json')", c.OutputFormat)
	}

	if _, err := conflict.ParsePolicy(c.Sync.ConflictPolicy); err != nil {
		return err
	}

	if c.Sync.IntervalMinutes < 0 {
		return fmt.Errorf("sync.interval_minutes must not be negative, got %d", c.Sync.IntervalMinutes)
	}

	for key, value := range map[string]string{
		"sync.breaker_cooldown": c.Sync.BreakerCooldown,
		"sync.cycle_timeout":    c.Sync.CycleTimeout,
	} {
		if value == "" {
			continue
		}
		d, err := time.ParseDuration(value)
		if err != nil {
			return fmt.Errorf("invalid duration for %s: %q", key, value)
		}
		if d <= 0 {
			return fmt.Errorf("%s must be positive, got %q", key, value)
		}
	}

	if _, ok := c.Sync.Providers[c.Sync.Provider]; !ok && c.Sync.Provider != "memory" {
		return fmt.Errorf("sync.provider %q has no entry under sync.providers", c.Sync.Provider)
	}

	seen := make(map[string]bool, len(c.Sync.DevicePriority))
	for _, id := range c.Sync.DevicePriority {
		if id == "" {
			return errors.New("sync.device_priority contains an empty device id")
		}
		if seen[id] {
			return fmt.Errorf("sync.device_priority lists %q twice", id)
		}
		seen[id] = true
	}

	return nil
}

// ApplyFlags applies CLI flag overrides to the configuration
func (c *Config) ApplyFlags(noPrompt bool, outputFormat string) {
	if noPrompt {
		c.NoPrompt = true
	}
	if outputFormat != "" {
		c.OutputFormat = outputFormat
	}
}

// GetDatabasePath returns the path to the SQLite database
func (c *Config) GetDatabasePath() string {
	return c.Store.Path
}

// GetDeviceName returns the configured device name, or the hostname.
func (c *Config) GetDeviceName() string {
	if c.Device.Name != "" {
		return c.Device.Name
	}
	host, err := os.Hostname()
	if err != nil || host == "" {
		return "todosync"
	}
	return host
}

// GetDevicePlatform returns the configured platform, or the OS name.
func (c *Config) GetDevicePlatform() string {
	if c.Device.Platform != "" {
		return c.Device.Platform
	}
	return runtime.GOOS
}

// IsAutoSyncEnabled returns true if periodic syncing is enabled.
// Returns true (default) if not configured.
func (c *Config) IsAutoSyncEnabled() bool {
	if c.Sync.AutoSync == nil {
		return true
	}
	return *c.Sync.AutoSync
}

// GetSyncIntervalMinutes returns the auto-sync period.
// Returns 15 if not configured.
func (c *Config) GetSyncIntervalMinutes() int {
	if c.Sync.IntervalMinutes <= 0 {
		return 15
	}
	return c.Sync.IntervalMinutes
}

// GetConflictPolicy returns the configured conflict policy, falling back
// to lastModified for an unknown name.
func (c *Config) GetConflictPolicy() conflict.Policy {
	p, err := conflict.ParsePolicy(c.Sync.ConflictPolicy)
	if err != nil {
		return conflict.PolicyLastModified
	}
	return p
}

// GetBreakerThreshold returns the failures that open the circuit.
// Returns 3 if not configured.
func (c *Config) GetBreakerThreshold() int {
	if c.Sync.BreakerThreshold <= 0 {
		return 3
	}
	return c.Sync.BreakerThreshold
}

// GetBreakerCooldown returns how long auto-sync backs off once the circuit opens.
// Returns 30 seconds as default if not configured or if parsing fails.
func (c *Config) GetBreakerCooldown() time.Duration {
	return parseDurationOr(c.Sync.BreakerCooldown, 30*time.Second)
}

// GetCycleTimeout returns the upper bound for an automatic cycle.
// Returns 2 minutes as default if not configured or if parsing fails.
func (c *Config) GetCycleTimeout() time.Duration {
	return parseDurationOr(c.Sync.CycleTimeout, 2*time.Minute)
}

func parseDurationOr(value string, fallback time.Duration) time.Duration {
	if value == "" {
		return fallback
	}
	d, err := time.ParseDuration(value)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

// ProviderNames returns the providers configured under sync.providers, sorted.
func (c *Config) ProviderNames() []string {
	names := make([]string, 0, len(c.Sync.Providers))
	for name := range c.Sync.Providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ProviderOptions returns a copy of a provider's options with "path"
// expanded. Unconfigured providers get an empty map.
func (c *Config) ProviderOptions(name string) map[string]interface{} {
	opts := make(map[string]interface{}, len(c.Sync.Providers[name]))
	for k, v := range c.Sync.Providers[name] {
		opts[k] = v
	}
	if p, ok := opts["path"].(string); ok {
		opts["path"] = ExpandPath(p)
	}
	return opts
}

// ProviderUsername returns the account name configured for a provider, used
// to look up its secret in the keyring.
func (c *Config) ProviderUsername(name string) string {
	opts := c.Sync.Providers[name]
	for _, key := range []string{"username", "account"} {
		if v, ok := opts[key].(string); ok && v != "" {
			return v
		}
	}
	return ""
}

// IsWatchEnabled returns true if the run command watches file providers.
func (c *Config) IsWatchEnabled() bool {
	return c.Sync.Watch.Enabled
}

// GetWatchDebounce returns the debounce window of the watcher.
// Returns 1 second if not configured.
func (c *Config) GetWatchDebounce() time.Duration {
	if c.Sync.Watch.DebounceMs <= 0 {
		return time.Second
	}
	return time.Duration(c.Sync.Watch.DebounceMs) * time.Millisecond
}

// GetWatchQuietPeriod returns the quiet period of the watcher; 0 disables it.
func (c *Config) GetWatchQuietPeriod() time.Duration {
	if c.Sync.Watch.QuietPeriodMs < 0 {
		return 0
	}
	return time.Duration(c.Sync.Watch.QuietPeriodMs) * time.Millisecond
}

// GetMaxVersions returns the checkpoint count limit; 0 disables it.
// Returns 50 if not configured.
func (c *Config) GetMaxVersions() int {
	if c.Versions.MaxVersions == nil {
		return 50
	}
	return *c.Versions.MaxVersions
}

// GetVersionRetentionDays returns the checkpoint age limit; 0 disables it.
// Returns 30 if not configured.
func (c *Config) GetVersionRetentionDays() int {
	if c.Versions.RetentionDays == nil {
		return 30
	}
	return *c.Versions.RetentionDays
}

// IsVersionAutoCleanupEnabled returns true if retention runs after each checkpoint.
// Returns true (default) if not configured.
func (c *Config) IsVersionAutoCleanupEnabled() bool {
	if c.Versions.AutoCleanup == nil {
		return true
	}
	return *c.Versions.AutoCleanup
}

// IsBackgroundLoggingEnabled returns true if background logging is enabled.
// Returns true (default) if not configured.
func (c *Config) IsBackgroundLoggingEnabled() bool {
	if c.Logging.BackgroundEnabled == nil {
		return true
	}
	return *c.Logging.BackgroundEnabled
}

// GetBackgroundLogPath returns the background log file path.
// Defaults to $XDG_CACHE_HOME/todosync/run.log.
func (c *Config) GetBackgroundLogPath() string {
	if c.Logging.Path != "" {
		return c.Logging.Path
	}
	return filepath.Join(GetCacheDir(), "run.log")
}

// GetNotificationLogPath returns the notification log path.
// Defaults to $XDG_CACHE_HOME/todosync/notifications.log.
func (c *Config) GetNotificationLogPath() string {
	if c.Notify.Log.Path != "" {
		return c.Notify.Log.Path
	}
	return filepath.Join(GetCacheDir(), "notifications.log")
}

// getXDGDir returns a directory path following XDG spec.
// envVar is the XDG environment variable (e.g., "XDG_CONFIG_HOME").
// fallbackPath is the relative path from home (e.g., ".config").
func getXDGDir(envVar, fallbackPath string) string {
	if xdgDir := os.Getenv(envVar); xdgDir != "" {
		return filepath.Join(xdgDir, "todosync")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", fallbackPath, "todosync")
	}
	return filepath.Join(home, fallbackPath, "todosync")
}

// GetConfigDir returns the configuration directory following XDG spec
func GetConfigDir() string {
	return getXDGDir("XDG_CONFIG_HOME", ".config")
}

// GetDataDir returns the data directory following XDG spec
func GetDataDir() string {
	return getXDGDir("XDG_DATA_HOME", filepath.Join(".local", "share"))
}

// GetCacheDir returns the cache directory following XDG spec
func GetCacheDir() string {
	return getXDGDir("XDG_CACHE_HOME", ".cache")
}

// ExpandPath expands ~ and environment variables in a path
func ExpandPath(path string) string {
	if path == "" {
		return path
	}

	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err == nil {
			path = filepath.Join(home, path[2:])
		}
	}

	return os.ExpandEnv(path)
}
