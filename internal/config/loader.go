package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

var (
	validLogLevels = map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	validModes     = map[string]bool{"local": true, "network": true, "remote": true}
	validKinds     = map[string]bool{"display": true, "timer": true, "generic": true}
)

// Load reads and parses configuration from a file. A directory argument is
// resolved to <dir>/config.yaml. When a .checksums manifest sits next to the
// file, the file must match it.
func Load(configPath string) (*Config, error) {
	absPath, err := ResolvePath(configPath)
	if err != nil {
		return nil, err
	}

	if err := verifyConfigHash(absPath); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(absPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, err
	}
	cfg.SourcePath = absPath

	// Relative file paths are anchored at the config directory.
	if cfg.State.Backend != BackendRedis && !filepath.IsAbs(cfg.State.Path) {
		cfg.State.Path = filepath.Join(filepath.Dir(absPath), cfg.State.Path)
	}
	return cfg, nil
}

// Parse decodes YAML with ${ENV} interpolation, applies defaults and validates.
func Parse(data []byte) (*Config, error) {
	interpolated := interpolateEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(interpolated), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	applyConfigDefaults(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// ResolvePath returns the absolute config file path. A directory resolves to
// its config.yaml.
func ResolvePath(configPath string) (string, error) {
	absPath, err := filepath.Abs(configPath)
	if err != nil {
		return "", fmt.Errorf("failed to resolve config path %q: %w", configPath, err)
	}

	info, err := os.Stat(absPath)
	if err != nil {
		return "", fmt.Errorf("config file not found: %s\n"+
			"Hint: Check the path or run with --config flag", absPath)
	}
	if info.IsDir() {
		absPath = filepath.Join(absPath, "config.yaml")
		if _, err := os.Stat(absPath); err != nil {
			return "", fmt.Errorf("directory provided but config.yaml not found: %s", absPath)
		}
	}
	return absPath, nil
}

func verifyConfigHash(path string) error {
	dir := filepath.Dir(path)
	checksums, err := LoadChecksums(dir)
	if err != nil {
		// No manifest, nothing to verify.
		return nil
	}

	basename := filepath.Base(path)
	expectedHash, ok := checksums.Hashes[basename]
	if !ok {
		return fmt.Errorf("config file %s has no hash in checksums at %s\n"+
			"Run: pixeldispatch config lock --config %s", basename, dir, path)
	}
	if err := VerifyFileHash(path, expectedHash); err != nil {
		return fmt.Errorf("config verification failed for %s: %w\n"+
			"If you edited this file intentionally, run: pixeldispatch config lock --config %s", path, err, path)
	}
	return nil
}

// applyConfigDefaults merges default values into config where not explicitly set.
func applyConfigDefaults(cfg *Config) {
	defaults := Defaults()

	if cfg.Service.Name == "" {
		cfg.Service.Name = defaults.Service.Name
	}
	if cfg.Service.LogLevel == "" {
		cfg.Service.LogLevel = defaults.Service.LogLevel
	}
	cfg.Service.LogLevel = strings.ToLower(cfg.Service.LogLevel)

	if cfg.State.Backend == "" {
		cfg.State.Backend = defaults.State.Backend
	}
	cfg.State.Backend = strings.ToLower(cfg.State.Backend)
	if cfg.State.Path == "" {
		switch cfg.State.Backend {
		case BackendSQLite:
			cfg.State.Path = "./data/state.db"
		default:
			cfg.State.Path = defaults.State.Path
		}
	}

	if cfg.Queue.Workers == 0 {
		cfg.Queue.Workers = defaults.Queue.Workers
	}
	if cfg.Queue.PollInterval == 0 {
		cfg.Queue.PollInterval = defaults.Queue.PollInterval
	}
	if cfg.Queue.MaxRetries == 0 {
		cfg.Queue.MaxRetries = defaults.Queue.MaxRetries
	}
	if cfg.Queue.CompletedHistory == 0 {
		cfg.Queue.CompletedHistory = defaults.Queue.CompletedHistory
	}

	if cfg.Interceptor.ModeDefault == "" {
		cfg.Interceptor.ModeDefault = defaults.Interceptor.ModeDefault
	}
	cfg.Interceptor.ModeDefault = strings.ToLower(cfg.Interceptor.ModeDefault)

	if cfg.Coordinator.JournalSize == 0 {
		cfg.Coordinator.JournalSize = defaults.Coordinator.JournalSize
	}
	if cfg.Timer.MaxWait == 0 {
		cfg.Timer.MaxWait = defaults.Timer.MaxWait
	}
	if !cfg.API.Enabled && cfg.API.Listen == "" {
		cfg.API = defaults.API
	}
	if cfg.API.Listen == "" {
		cfg.API.Listen = defaults.API.Listen
	}
}

// interpolateEnv replaces ${VAR} with environment variable values.
// Undefined variables are left as-is (not expanded).
func interpolateEnv(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		if value, exists := os.LookupEnv(varName); exists {
			return value
		}
		return match
	})
}

// validate performs basic validation on the configuration.
func validate(cfg *Config) error {
	if !validLogLevels[cfg.Service.LogLevel] {
		return fmt.Errorf("service.log_level must be one of: debug, info, warn, error (got %q)", cfg.Service.LogLevel)
	}

	switch cfg.State.Backend {
	case BackendFile, BackendSQLite:
		if cfg.State.Path == "" {
			return fmt.Errorf("state.path is required")
		}
	case BackendRedis:
		if cfg.State.Redis.Addr == "" {
			return fmt.Errorf("state.redis.addr is required for the redis backend")
		}
		if err := checkUnresolved("state.redis.password", cfg.State.Redis.Password); err != nil {
			return err
		}
	default:
		return fmt.Errorf("state.backend must be one of: file, sqlite, redis (got %q)", cfg.State.Backend)
	}
	if err := checkUnresolved("state.path", cfg.State.Path); err != nil {
		return err
	}

	if cfg.Queue.Workers < 0 {
		return fmt.Errorf("queue.workers must not be negative")
	}
	if cfg.Queue.PollInterval < 0 {
		return fmt.Errorf("queue.poll_interval must not be negative")
	}
	if cfg.Queue.MaxRetries < 0 {
		return fmt.Errorf("queue.max_retries must not be negative")
	}
	if cfg.Queue.CompletedHistory < 0 {
		return fmt.Errorf("queue.completed_history must not be negative")
	}

	if !validModes[cfg.Interceptor.ModeDefault] {
		return fmt.Errorf("interceptor.mode_default must be one of: local, network, remote (got %q)", cfg.Interceptor.ModeDefault)
	}
	if cfg.Interceptor.WaitTimeout < 0 {
		return fmt.Errorf("interceptor.wait_timeout must not be negative")
	}

	for name, kind := range cfg.Coordinator.Routes {
		if name == "" {
			return fmt.Errorf("coordinator.routes: operation name must not be empty")
		}
		if !validKinds[strings.ToLower(kind)] {
			return fmt.Errorf("coordinator.routes[%q]: kind must be one of: display, timer, generic (got %q)", name, kind)
		}
	}

	seen := make(map[string]bool, len(cfg.Devices))
	for i, d := range cfg.Devices {
		if d.ID == "" {
			return fmt.Errorf("devices[%d].id is required", i)
		}
		if seen[d.ID] {
			return fmt.Errorf("devices[%d]: duplicate id %q", i, d.ID)
		}
		seen[d.ID] = true
	}

	if cfg.Timer.MaxWait < 0 {
		return fmt.Errorf("timer.max_wait must not be negative")
	}
	if cfg.API.Enabled && cfg.API.Listen == "" {
		return fmt.Errorf("api.listen is required when the api is enabled")
	}
	return nil
}

func checkUnresolved(field, value string) error {
	if matches := envVarPattern.FindStringSubmatch(value); len(matches) > 1 {
		return fmt.Errorf("%s: environment variable ${%s} is not set", field, matches[1])
	}
	return nil
}
