// Package config loads gridsweep configuration.
//
// Values are layered: built-in defaults, then an optional YAML config file,
// then GRIDSWEEP_* environment variables, then runtime overrides passed to
// Load (command-line flags).
package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

// Config is the typed application configuration.
type Config struct {
	Logging LoggingConfig `mapstructure:"logging"`
	Catalog CatalogConfig `mapstructure:"catalog"`
	Ledger  LedgerConfig  `mapstructure:"ledger"`
	Sweep   SweepConfig   `mapstructure:"sweep"`
	Archive ArchiveConfig `mapstructure:"archive"`
}

type LoggingConfig struct {
	Level string `mapstructure:"level"`
}

// CatalogConfig selects and tunes the file catalog client.
type CatalogConfig struct {
	// Backend is "http" or "sqlite".
	Backend   string        `mapstructure:"backend"`
	URL       string        `mapstructure:"url"`
	Path      string        `mapstructure:"path"`
	Timeout   time.Duration `mapstructure:"timeout"`
	RateLimit float64       `mapstructure:"rate_limit"`
	Retry     RetryConfig   `mapstructure:"retry"`
}

type RetryConfig struct {
	MaxAttempts    int           `mapstructure:"max_attempts"`
	InitialBackoff time.Duration `mapstructure:"initial_backoff"`
	MaxBackoff     time.Duration `mapstructure:"max_backoff"`
}

type LedgerConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

// SweepConfig holds validation and promotion settings for the check command.
type SweepConfig struct {
	Dest            string        `mapstructure:"dest"`
	MinAge          time.Duration `mapstructure:"min_age"`
	Verify          string        `mapstructure:"verify"`
	LogGlob         string        `mapstructure:"log_glob"`
	MetaPairing     bool          `mapstructure:"meta_pairing"`
	MetaSuffix      string        `mapstructure:"meta_suffix"`
	CrossSubmission bool          `mapstructure:"cross_submission"`
	MaxSuffix       int           `mapstructure:"max_suffix"`
}

type ArchiveConfig struct {
	StagingDir     string        `mapstructure:"staging_dir"`
	Store          StoreConfig   `mapstructure:"store"`
	MaxTries       int           `mapstructure:"max_tries"`
	InitialBackoff time.Duration `mapstructure:"initial_backoff"`
	Allow          []string      `mapstructure:"allow"`
	Keep           bool          `mapstructure:"keep"`
}

// StoreConfig selects the archive medium.
type StoreConfig struct {
	// Backend is "file" or "s3".
	Backend        string `mapstructure:"backend"`
	Dir            string `mapstructure:"dir"`
	Bucket         string `mapstructure:"bucket"`
	Region         string `mapstructure:"region"`
	Endpoint       string `mapstructure:"endpoint"`
	Profile        string `mapstructure:"profile"`
	Prefix         string `mapstructure:"prefix"`
	ForcePathStyle bool   `mapstructure:"force_path_style"`
}

// AppIdentity names the application for env prefixes and config paths.
type AppIdentity struct {
	BinaryName string
	ConfigName string
	EnvPrefix  string
}

// DefaultIdentity is the identity used when none has been set.
var DefaultIdentity = AppIdentity{
	BinaryName: "gridsweep",
	ConfigName: "gridsweep",
	EnvPrefix:  "GRIDSWEEP_",
}

// EnvSpec maps one environment variable to a config key.
type EnvSpec struct {
	Name string
	Path string
}

var (
	configMu    sync.RWMutex
	appIdentity *AppIdentity
	appConfig   *Config
	configFile  string
)

// SetConfigFile sets an explicit config file for subsequent loads. An empty
// path restores the default search.
func SetConfigFile(path string) {
	configMu.Lock()
	defer configMu.Unlock()
	configFile = path
}

// SetDefaults registers every default value on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("logging.level", "info")

	v.SetDefault("catalog.backend", "http")
	v.SetDefault("catalog.url", "")
	v.SetDefault("catalog.path", "")
	v.SetDefault("catalog.timeout", "30s")
	v.SetDefault("catalog.rate_limit", 0.0)
	v.SetDefault("catalog.retry.max_attempts", 5)
	v.SetDefault("catalog.retry.initial_backoff", "500ms")
	v.SetDefault("catalog.retry.max_backoff", "30s")

	v.SetDefault("ledger.enabled", true)
	v.SetDefault("ledger.path", "")

	v.SetDefault("sweep.dest", "")
	v.SetDefault("sweep.min_age", "1h")
	v.SetDefault("sweep.verify", "meta")
	v.SetDefault("sweep.log_glob", "*.log")
	v.SetDefault("sweep.meta_pairing", true)
	v.SetDefault("sweep.meta_suffix", ".json")
	v.SetDefault("sweep.cross_submission", false)
	v.SetDefault("sweep.max_suffix", 20)

	v.SetDefault("archive.staging_dir", "")
	v.SetDefault("archive.store.backend", "file")
	v.SetDefault("archive.store.dir", "")
	v.SetDefault("archive.store.bucket", "")
	v.SetDefault("archive.store.region", "")
	v.SetDefault("archive.store.endpoint", "")
	v.SetDefault("archive.store.profile", "")
	v.SetDefault("archive.store.prefix", "")
	v.SetDefault("archive.store.force_path_style", false)
	v.SetDefault("archive.max_tries", 5)
	v.SetDefault("archive.initial_backoff", "2s")
	v.SetDefault("archive.allow", []string{"log.*.*.*.*.log"})
	v.SetDefault("archive.keep", false)
}

// Load builds the configuration and stores it for GetConfig.
//
// Precedence, highest first: overrides, environment, config file, defaults.
func Load(ctx context.Context, overrides ...map[string]any) (*Config, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	configMu.Lock()
	if appIdentity == nil {
		id := DefaultIdentity
		appIdentity = &id
	}
	explicit := configFile
	configMu.Unlock()

	v := viper.New()
	SetDefaults(v)

	if err := readConfigFile(v, explicit); err != nil {
		return nil, err
	}

	for _, env := range getEnvSpecs() {
		if err := v.BindEnv(env.Path, env.Name); err != nil {
			return nil, fmt.Errorf("bind %s: %w", env.Name, err)
		}
	}

	for _, o := range overrides {
		for key, val := range flatten("", o) {
			v.Set(key, val)
		}
	}

	var cfg Config
	hook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))
	if err := v.Unmarshal(&cfg, hook); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	configMu.Lock()
	appConfig = &cfg
	configMu.Unlock()
	return &cfg, nil
}

// GetConfig returns the most recently loaded configuration, or nil.
func GetConfig() *Config {
	configMu.RLock()
	defer configMu.RUnlock()
	return appConfig
}

// Validate reports settings that cannot work together.
func (c *Config) Validate() error {
	var errs []error
	switch c.Catalog.Backend {
	case "http", "sqlite":
	default:
		errs = append(errs, fmt.Errorf("catalog.backend must be http or sqlite, got %q", c.Catalog.Backend))
	}
	switch c.Archive.Store.Backend {
	case "file", "s3":
	default:
		errs = append(errs, fmt.Errorf("archive.store.backend must be file or s3, got %q", c.Archive.Store.Backend))
	}
	switch strings.ToLower(c.Sweep.Verify) {
	case "meta", "full":
	default:
		errs = append(errs, fmt.Errorf("sweep.verify must be meta or full, got %q", c.Sweep.Verify))
	}
	if c.Sweep.MinAge < 0 {
		errs = append(errs, errors.New("sweep.min_age must not be negative"))
	}
	if c.Sweep.MaxSuffix < 1 || c.Sweep.MaxSuffix > 100 {
		errs = append(errs, fmt.Errorf("sweep.max_suffix must be between 1 and 100, got %d", c.Sweep.MaxSuffix))
	}
	if c.Catalog.Retry.MaxAttempts < 1 {
		errs = append(errs, errors.New("catalog.retry.max_attempts must be at least 1"))
	}
	if c.Archive.MaxTries < 1 {
		errs = append(errs, errors.New("archive.max_tries must be at least 1"))
	}
	if c.Catalog.RateLimit < 0 {
		errs = append(errs, errors.New("catalog.rate_limit must not be negative"))
	}
	return errors.Join(errs...)
}

func readConfigFile(v *viper.Viper, explicit string) error {
	if explicit != "" {
		v.SetConfigFile(explicit)
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("read config %s: %w", explicit, err)
		}
		return nil
	}
	for _, path := range getUserConfigPaths() {
		if _, err := os.Stat(path); err != nil {
			continue
		}
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("read config %s: %w", path, err)
		}
		return nil
	}
	return nil
}

// getUserConfigPaths lists candidate config files, most specific first.
func getUserConfigPaths() []string {
	configMu.RLock()
	id := appIdentity
	configMu.RUnlock()
	if id == nil {
		return []string{}
	}

	var paths []string
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		paths = append(paths, filepath.Join(xdg, id.ConfigName, "config.yaml"))
	}
	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", id.ConfigName, "config.yaml"))
	}
	return paths
}

// getEnvSpecs returns one binding per config key: logging.level is read from
// GRIDSWEEP_LOGGING_LEVEL.
func getEnvSpecs() []EnvSpec {
	configMu.RLock()
	id := appIdentity
	configMu.RUnlock()
	if id == nil {
		return []EnvSpec{}
	}

	v := viper.New()
	SetDefaults(v)
	keys := v.AllKeys()
	sort.Strings(keys)

	specs := make([]EnvSpec, 0, len(keys))
	for _, key := range keys {
		name := id.EnvPrefix + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
		specs = append(specs, EnvSpec{Name: name, Path: key})
	}
	return specs
}

func flatten(prefix string, m map[string]any) map[string]any {
	out := make(map[string]any)
	for k, v := range m {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		if nested, ok := v.(map[string]any); ok {
			for nk, nv := range flatten(key, nested) {
				out[nk] = nv
			}
			continue
		}
		out[key] = v
	}
	return out
}
