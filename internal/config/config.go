// Package config loads and validates the Data Hub's process configuration:
// one YAML file, environment overrides on top, then a validation pass
// before anything else in the process starts. Grounded on the log
// pipeline's internal/config package (LoadConfig -> applyDefaults ->
// applyEnvironmentOverrides -> ValidateConfig), trimmed from its many
// sink/processing sections down to the few a single-process value-
// propagation engine actually needs: where the tree's admin settings are
// persisted, where Observation backups land, the snapshot pipe's default
// transport, and logging.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"datahub/internal/observation"
	"datahub/pkg/backpressure"
	"datahub/pkg/circuit_breaker"
	"datahub/pkg/persistence"
	"datahub/pkg/ratelimit"

	"gopkg.in/yaml.v2"
)

// Config is the Data Hub's top-level process configuration.
type Config struct {
	Logging     LoggingConfig      `yaml:"logging"`
	Tree        TreeConfig         `yaml:"tree"`
	Snapshot    SnapshotConfig     `yaml:"snapshot"`
	Observation observation.Config `yaml:"observation"`
	Persistence persistence.Config `yaml:"persistence"`
	RateLimit   ratelimit.Config   `yaml:"rate_limit"`
	Reload      ReloadConfig       `yaml:"reload"`

	// loaded is set once LoadConfig has successfully produced this value,
	// so a zero-value Config passed to ValidateConfig by mistake is
	// rejected rather than silently accepted.
	loaded bool
}

// LoggingConfig controls the package-wide *logrus.Logger every component
// is handed.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // "text" or "json"
}

// TreeConfig controls the resource tree's own behavior.
type TreeConfig struct {
	DeletionTracking bool `yaml:"deletion_tracking"`
}

// SnapshotConfig holds the snapshot settings. The Hub reads only
// WatermarkFile; the other fields are defaulted, overridden from the
// environment and validated, but the snapshot writer does not read them
// (it uses its own fixed chunk size, circuit-breaker and backpressure
// settings, and takes compression from each request).
type SnapshotConfig struct {
	PipePath        string                   `yaml:"pipe_path"`
	ChunkSize       int                      `yaml:"chunk_size"`
	Compression     string                   `yaml:"compression"` // "", "gzip", "zstd"
	WatermarkFile   string                   `yaml:"watermark_file"`
	CircuitBreaker  circuit_breaker.Config   `yaml:"circuit_breaker"`
	Backpressure    backpressure.Config      `yaml:"backpressure"`
}

// ReloadConfig controls the fsnotify-based hot-reload watcher in
// reloader.go.
type ReloadConfig struct {
	Enabled          bool          `yaml:"enabled"`
	DebounceInterval time.Duration `yaml:"debounce_interval"`
	PollInterval     time.Duration `yaml:"poll_interval"`
}

// LoadConfig reads path, applies defaults, then environment overrides,
// then validates the result. Mirrors the teacher's load -> defaults ->
// env -> validate pipeline exactly.
func LoadConfig(path string) (*Config, error) {
	cfg := &Config{}

	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(raw, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	applyDefaults(cfg)
	applyEnvironmentOverrides(cfg)
	cfg.loaded = true

	if err := ValidateConfig(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "text"
	}

	if cfg.Snapshot.PipePath == "" {
		cfg.Snapshot.PipePath = "./datahub.snap"
	}
	if cfg.Snapshot.ChunkSize == 0 {
		cfg.Snapshot.ChunkSize = 4096
	}
	if cfg.Snapshot.WatermarkFile == "" {
		cfg.Snapshot.WatermarkFile = "./snapshot_watermarks.json"
	}
	if cfg.Snapshot.CircuitBreaker.MaxFailures == 0 {
		cfg.Snapshot.CircuitBreaker.MaxFailures = 5
	}
	if cfg.Snapshot.CircuitBreaker.ResetTimeout == 0 {
		cfg.Snapshot.CircuitBreaker.ResetTimeout = 30 * time.Second
	}
	if cfg.Snapshot.CircuitBreaker.CheckInterval == 0 {
		cfg.Snapshot.CircuitBreaker.CheckInterval = 5 * time.Second
	}
	if cfg.Snapshot.Backpressure.HighThreshold == 0 {
		cfg.Snapshot.Backpressure.LowThreshold = 0.6
		cfg.Snapshot.Backpressure.MediumThreshold = 0.75
		cfg.Snapshot.Backpressure.HighThreshold = 0.9
		cfg.Snapshot.Backpressure.CriticalThreshold = 0.95
		cfg.Snapshot.Backpressure.LowReduction = 0.9
		cfg.Snapshot.Backpressure.MediumReduction = 0.7
		cfg.Snapshot.Backpressure.HighReduction = 0.5
		cfg.Snapshot.Backpressure.CriticalReduction = 0.2
		cfg.Snapshot.Backpressure.CheckInterval = 2 * time.Second
	}

	cfg.Observation.Buffer.BaseDir = firstNonEmpty(cfg.Observation.Buffer.BaseDir, cfg.Observation.BaseDir)

	if cfg.Persistence.Directory == "" {
		cfg.Persistence.Directory = "./persistence"
	}
	if cfg.Persistence.CleanupInterval == 0 {
		cfg.Persistence.CleanupInterval = time.Hour
	}
	if cfg.Persistence.RecordTTL == 0 {
		cfg.Persistence.RecordTTL = 30 * 24 * time.Hour
	}

	if cfg.RateLimit.InitialRPS == 0 {
		cfg.RateLimit.InitialRPS = 1000
	}
	if cfg.RateLimit.MaxRPS == 0 {
		cfg.RateLimit.MaxRPS = 10000
	}
	if cfg.RateLimit.InitialBurst == 0 {
		cfg.RateLimit.InitialBurst = 100
	}
	if cfg.RateLimit.MaxBurst == 0 {
		cfg.RateLimit.MaxBurst = 1000
	}

	if cfg.Reload.DebounceInterval == 0 {
		cfg.Reload.DebounceInterval = 500 * time.Millisecond
	}
	if cfg.Reload.PollInterval == 0 {
		cfg.Reload.PollInterval = 30 * time.Second
	}
}

func firstNonEmpty(a, b string) string {
	if a != "" {
		return a
	}
	return b
}

// applyEnvironmentOverrides lets an operator override any loaded or
// defaulted value without touching the file, matching the teacher's
// SSW_-prefixed environment variable convention (here DHUB_-prefixed).
func applyEnvironmentOverrides(cfg *Config) {
	cfg.Logging.Level = getEnvString("DHUB_LOG_LEVEL", cfg.Logging.Level)
	cfg.Logging.Format = getEnvString("DHUB_LOG_FORMAT", cfg.Logging.Format)

	cfg.Tree.DeletionTracking = getEnvBool("DHUB_DELETION_TRACKING", cfg.Tree.DeletionTracking)

	cfg.Snapshot.PipePath = getEnvString("DHUB_SNAPSHOT_PIPE", cfg.Snapshot.PipePath)
	cfg.Snapshot.ChunkSize = getEnvInt("DHUB_SNAPSHOT_CHUNK_SIZE", cfg.Snapshot.ChunkSize)
	cfg.Snapshot.Compression = getEnvString("DHUB_SNAPSHOT_COMPRESSION", cfg.Snapshot.Compression)
	cfg.Snapshot.WatermarkFile = getEnvString("DHUB_SNAPSHOT_WATERMARK_FILE", cfg.Snapshot.WatermarkFile)

	cfg.Observation.BaseDir = getEnvString("DHUB_OBSERVATION_BASE_DIR", cfg.Observation.BaseDir)

	cfg.Persistence.Directory = getEnvString("DHUB_PERSISTENCE_DIR", cfg.Persistence.Directory)
	cfg.Persistence.Enabled = getEnvBool("DHUB_PERSISTENCE_ENABLED", cfg.Persistence.Enabled)

	cfg.RateLimit.Enabled = getEnvBool("DHUB_RATE_LIMIT_ENABLED", cfg.RateLimit.Enabled)

	cfg.Reload.Enabled = getEnvBool("DHUB_RELOAD_ENABLED", cfg.Reload.Enabled)
}

func getEnvString(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return parsed
}

func getEnvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return parsed
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	parsed, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return parsed
}

// ValidateConfig runs every section's validation, accumulating every
// failure found rather than stopping at the first, matching the
// teacher's ConfigValidator.
func ValidateConfig(cfg *Config) error {
	v := &validator{cfg: cfg}
	if !cfg.loaded {
		v.addError("config", "not produced by LoadConfig")
	}
	v.validateLogging()
	v.validateSnapshot()
	v.validateRateLimit()
	v.validateReload()
	if len(v.errors) > 0 {
		return v.build()
	}
	return nil
}

type validator struct {
	cfg    *Config
	errors []string
}

func (v *validator) addError(component, message string) {
	v.errors = append(v.errors, fmt.Sprintf("%s: %s", component, message))
}

func (v *validator) validateLogging() {
	switch strings.ToLower(v.cfg.Logging.Level) {
	case "trace", "debug", "info", "warn", "warning", "error", "fatal", "panic":
	default:
		v.addError("logging", fmt.Sprintf("invalid level %q", v.cfg.Logging.Level))
	}
	switch strings.ToLower(v.cfg.Logging.Format) {
	case "text", "json":
	default:
		v.addError("logging", fmt.Sprintf("invalid format %q", v.cfg.Logging.Format))
	}
}

func (v *validator) validateSnapshot() {
	if v.cfg.Snapshot.ChunkSize <= 0 {
		v.addError("snapshot", "chunk_size must be positive")
	}
	switch v.cfg.Snapshot.Compression {
	case "", "gzip", "zstd":
	default:
		v.addError("snapshot", fmt.Sprintf("unsupported compression %q", v.cfg.Snapshot.Compression))
	}
}

func (v *validator) validateRateLimit() {
	if !v.cfg.RateLimit.Enabled {
		return
	}
	if v.cfg.RateLimit.MinRPS > v.cfg.RateLimit.MaxRPS && v.cfg.RateLimit.MaxRPS > 0 {
		v.addError("rate_limit", "min_rps cannot exceed max_rps")
	}
}

func (v *validator) validateReload() {
	if v.cfg.Reload.Enabled && v.cfg.Reload.DebounceInterval <= 0 {
		v.addError("reload", "debounce_interval must be positive when reload is enabled")
	}
}

func (v *validator) build() error {
	return fmt.Errorf("config: %d validation error(s): %s", len(v.errors), strings.Join(v.errors, "; "))
}
