package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

// EnvConfig names the environment variable that points at a config file.
const EnvConfig = "TUBEAUDIO_CONFIG"

// ErrNotFound is returned by Discover when no config file exists in any standard location.
var ErrNotFound = errors.New("no config file found")

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Load reads and parses configuration from a file.
// Keys absent from the file keep their Defaults() value.
func Load(configPath string) (*Config, error) {
	absPath, err := filepath.Abs(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve config path %q: %w", configPath, err)
	}

	data, err := os.ReadFile(absPath)
	if err != nil {
		return nil, fmt.Errorf("config file not found: %s\n"+
			"Hint: Check the path or run with --config flag", absPath)
	}

	cfg, err := parse(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", absPath, err)
	}
	cfg.SourceFile = absPath

	cfg = applyConfigDefaults(cfg)

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// LoadOrDefault loads configPath when set, otherwise the first discovered file,
// otherwise Defaults().
func LoadOrDefault(configPath string) (*Config, error) {
	if configPath != "" {
		return Load(configPath)
	}
	path, err := Discover()
	if errors.Is(err, ErrNotFound) {
		return Defaults(), nil
	}
	if err != nil {
		return nil, err
	}
	return Load(path)
}

// Discover finds the config file by checking standard locations.
// Priority order: $TUBEAUDIO_CONFIG, ~/.config/tubeaudio/config.yaml, ./config.yaml
func Discover() (string, error) {
	// 1. Environment variable must point at a real file when set.
	if path := os.Getenv(EnvConfig); path != "" {
		if _, err := os.Stat(path); err != nil {
			return "", fmt.Errorf("$%s points to %q: %w", EnvConfig, path, err)
		}
		return path, nil
	}

	// 2. User config directory
	if homeDir, err := os.UserHomeDir(); err == nil {
		userConfig := filepath.Join(homeDir, ".config", "tubeaudio", "config.yaml")
		if _, err := os.Stat(userConfig); err == nil {
			return userConfig, nil
		}
	}

	// 3. Current directory
	if _, err := os.Stat("config.yaml"); err == nil {
		return "config.yaml", nil
	}

	return "", ErrNotFound
}

func parse(data []byte) (*Config, error) {
	cfg := Defaults()

	expanded := interpolateEnv(string(data))
	dec := yaml.NewDecoder(bytes.NewReader([]byte(expanded)))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}
	return cfg, nil
}

// applyConfigDefaults fills settings that were explicitly blanked in the file.
func applyConfigDefaults(cfg *Config) *Config {
	defaults := Defaults()

	if cfg.Service.Name == "" {
		cfg.Service.Name = defaults.Service.Name
	}
	if cfg.Service.LogLevel == "" {
		cfg.Service.LogLevel = defaults.Service.LogLevel
	}
	if cfg.Service.LogFormat == "" {
		cfg.Service.LogFormat = defaults.Service.LogFormat
	}
	cfg.Service.LogLevel = strings.ToLower(cfg.Service.LogLevel)
	cfg.Service.LogFormat = strings.ToLower(cfg.Service.LogFormat)

	if cfg.Workspace.OutputExt == "" {
		cfg.Workspace.OutputExt = defaults.Workspace.OutputExt
	}
	if cfg.Fetch.Binary == "" {
		cfg.Fetch.Binary = defaults.Fetch.Binary
	}
	if cfg.Fetch.AudioFormat == "" {
		cfg.Fetch.AudioFormat = defaults.Fetch.AudioFormat
	}
	if cfg.API.Listen == "" {
		cfg.API.Listen = defaults.API.Listen
	}

	return cfg
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

// Validate checks a config built outside Load, such as Defaults() with flag overrides.
func Validate(cfg *Config) error {
	return validate(cfg)
}

func validate(cfg *Config) error {
	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[cfg.Service.LogLevel] {
		return fmt.Errorf("service.log_level must be one of: debug, info, warn, error (got %q)", cfg.Service.LogLevel)
	}
	if cfg.Service.LogFormat != "json" && cfg.Service.LogFormat != "text" {
		return fmt.Errorf("service.log_format must be json or text (got %q)", cfg.Service.LogFormat)
	}
	if cfg.Service.ShutdownTimeout <= 0 {
		return fmt.Errorf("service.shutdown_timeout must be positive")
	}

	ws := cfg.Workspace
	if strings.TrimSpace(ws.NamespaceRoot) == "" {
		return fmt.Errorf("workspace.namespace_root is required")
	}
	if ws.SweepIntervalMinutes <= 0 {
		return fmt.Errorf("workspace.sweep_interval_minutes must be positive (got %d)", ws.SweepIntervalMinutes)
	}
	if ws.ArtifactTTLSeconds <= 0 {
		return fmt.Errorf("workspace.artifact_ttl_seconds must be positive (got %d)", ws.ArtifactTTLSeconds)
	}
	if ws.HeartbeatInterval < 0 {
		return fmt.Errorf("workspace.heartbeat_interval must not be negative")
	}
	if ws.HeartbeatInterval > 0 && ws.HeartbeatInterval >= ws.TTL() {
		return fmt.Errorf("workspace.heartbeat_interval (%s) must be shorter than artifact_ttl_seconds (%s)",
			ws.HeartbeatInterval, ws.TTL())
	}
	if !strings.HasPrefix(ws.OutputExt, ".") {
		return fmt.Errorf("workspace.output_ext must start with a dot (got %q)", ws.OutputExt)
	}

	if cfg.Fetch.Timeout <= 0 {
		return fmt.Errorf("fetch.timeout must be positive")
	}
	if ws.HeartbeatInterval == 0 && cfg.Fetch.Timeout >= ws.TTL() {
		return fmt.Errorf("fetch.timeout (%s) must be shorter than artifact_ttl_seconds (%s) when heartbeat is disabled",
			cfg.Fetch.Timeout, ws.TTL())
	}
	if cfg.Fetch.Retries < 0 || cfg.Fetch.FragmentRetries < 0 {
		return fmt.Errorf("fetch.retries and fetch.fragment_retries must not be negative")
	}
	if cfg.Fetch.SocketTimeout < 0 {
		return fmt.Errorf("fetch.socket_timeout must not be negative")
	}

	if cfg.Workers.Size < 1 {
		return fmt.Errorf("workers.size must be at least 1 (got %d)", cfg.Workers.Size)
	}

	if envVarPattern.MatchString(cfg.API.Auth.APIKey) {
		matches := envVarPattern.FindStringSubmatch(cfg.API.Auth.APIKey)
		return fmt.Errorf("api.auth.api_key: environment variable ${%s} is not set", matches[1])
	}
	if rl := cfg.API.RateLimit; rl.RequestsPerSecond > 0 && rl.Burst < 1 {
		return fmt.Errorf("api.rate_limit.burst must be at least 1 when requests_per_second is set")
	}

	return nil
}
