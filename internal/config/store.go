package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/moby/sys/atomicwriter"
	"gopkg.in/yaml.v3"

	"github.com/manthysbr/autopress/internal/core/domain"
)

const (
	EnvConfigPath         = "AUTOPRESS_CONFIG"
	EnvDataDir            = "AUTOPRESS_DATA_DIR"
	EnvLogLevel           = "AUTOPRESS_LOG_LEVEL"
	EnvLLMAPIKey          = "AUTOPRESS_LLM_API_KEY"
	EnvPublisherAPIKey    = "AUTOPRESS_PUBLISHER_API_KEY"
	EnvPublisherEndpoint  = "AUTOPRESS_PUBLISHER_ENDPOINT"
	DefaultConfigFileName = "autopress.yaml"
)

// ResolvePath picks the config file: path, then $AUTOPRESS_CONFIG, then
// ./autopress.yaml.
func ResolvePath(path string) string {
	if path == "" {
		path = os.Getenv(EnvConfigPath)
	}
	if path == "" {
		path = DefaultConfigFileName
	}
	return path
}

// Load reads the YAML config, layers environment overrides on top and
// decrypts "enc:" secrets with the key of the configured data directory.
// A missing file is not an error: defaults are used.
func Load(logger *slog.Logger, path string) (*domain.AppConfig, error) {
	path = ResolvePath(path)

	cfg := domain.DefaultConfig()
	raw, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		logger.Warn("no config file found, using defaults", "path", path)
	case err != nil:
		return nil, fmt.Errorf("read config %s: %w", path, err)
	default:
		if err := yaml.Unmarshal(raw, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	applyEnv(cfg)

	// only touch the key file when something is sealed
	if IsEncrypted(cfg.LLM.APIKey) || IsEncrypted(cfg.Publisher.APIKey) {
		secret, err := LoadSecretKey(cfg.DataDir)
		if err != nil {
			return nil, err
		}
		if cfg.LLM.APIKey, err = secret.Decrypt(cfg.LLM.APIKey); err != nil {
			return nil, fmt.Errorf("decrypt llm api_key: %w", err)
		}
		if cfg.Publisher.APIKey, err = secret.Decrypt(cfg.Publisher.APIKey); err != nil {
			return nil, fmt.Errorf("decrypt publisher api_key: %w", err)
		}
	}

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes cfg as YAML with its API keys sealed by the data directory's
// key. The file is replaced atomically.
func Save(path string, cfg *domain.AppConfig) error {
	secret, err := LoadSecretKey(cfg.DataDir)
	if err != nil {
		return err
	}
	cp := *cfg
	if cp.LLM.APIKey, err = secret.Encrypt(cp.LLM.APIKey); err != nil {
		return fmt.Errorf("encrypt llm api_key: %w", err)
	}
	if cp.Publisher.APIKey, err = secret.Encrypt(cp.Publisher.APIKey); err != nil {
		return fmt.Errorf("encrypt publisher api_key: %w", err)
	}

	raw, err := yaml.Marshal(&cp)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	return atomicwriter.WriteFile(path, raw, 0o600)
}

// Validate rejects configurations the services cannot run with.
func Validate(cfg *domain.AppConfig) error {
	var errs []error
	if cfg.DataDir == "" {
		errs = append(errs, errors.New("data_dir is required"))
	}
	o := cfg.Orchestrator
	if o.MaxConcurrent <= 0 {
		errs = append(errs, fmt.Errorf("orchestrator.max_concurrent must be positive, got %d", o.MaxConcurrent))
	}
	if o.MaxRetries < 0 {
		errs = append(errs, fmt.Errorf("orchestrator.max_retries must not be negative, got %d", o.MaxRetries))
	}
	if o.BaseDelay <= 0 {
		errs = append(errs, errors.New("orchestrator.base_delay must be positive"))
	}
	if o.Retention > 0 && o.Retention < o.FreshnessWindow {
		errs = append(errs, fmt.Errorf("orchestrator.retention (%s) must cover freshness_window (%s)", o.Retention, o.FreshnessWindow))
	}
	for t, deps := range o.Dependencies {
		if !t.Valid() {
			errs = append(errs, fmt.Errorf("orchestrator.dependencies: unknown job type %q", t))
		}
		for _, d := range deps {
			if !d.Valid() {
				errs = append(errs, fmt.Errorf("orchestrator.dependencies[%s]: unknown job type %q", t, d))
			}
		}
	}
	if cfg.Workflow.MaxRevisions < 0 {
		errs = append(errs, errors.New("workflow.max_revisions must not be negative"))
	}
	for i, tr := range cfg.Triggers {
		if tr.Name == "" {
			errs = append(errs, fmt.Errorf("triggers[%d]: name is required", i))
		}
		if !tr.JobType.Valid() {
			errs = append(errs, fmt.Errorf("triggers[%d]: unknown job type %q", i, tr.JobType))
		}
		if len(strings.Fields(tr.Cron)) != 5 {
			errs = append(errs, fmt.Errorf("triggers[%d]: cron must have 5 fields", i))
		}
	}
	return errors.Join(errs...)
}

// Masked returns a copy of cfg that is safe to log.
func Masked(cfg *domain.AppConfig) *domain.AppConfig {
	cp := *cfg
	cp.LLM.APIKey = MaskSecret(cfg.LLM.APIKey)
	cp.Publisher.APIKey = MaskSecret(cfg.Publisher.APIKey)
	return &cp
}

// ParseLogLevel maps the config string to a slog level; unknown values are info.
func ParseLogLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}

func applyEnv(cfg *domain.AppConfig) {
	if v := os.Getenv(EnvDataDir); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv(EnvLogLevel); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv(EnvLLMAPIKey); v != "" {
		cfg.LLM.APIKey = v
	}
	if v := os.Getenv(EnvPublisherAPIKey); v != "" {
		cfg.Publisher.APIKey = v
	}
	if v := os.Getenv(EnvPublisherEndpoint); v != "" {
		cfg.Publisher.Endpoint = v
	}
}
