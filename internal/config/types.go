package config

import "time"

// Config represents the complete tubeaudio configuration.
type Config struct {
	Service   ServiceConfig   `yaml:"service"`
	Workspace WorkspaceConfig `yaml:"workspace"`
	Fetch     FetchConfig     `yaml:"fetch"`
	Workers   WorkersConfig   `yaml:"workers"`
	API       APIConfig       `yaml:"api"`

	// SourceFile is the absolute path the config was loaded from, empty for defaults.
	SourceFile string `yaml:"-"`
}

// ServiceConfig defines core service settings.
type ServiceConfig struct {
	Name            string        `yaml:"name"`
	LogLevel        string        `yaml:"log_level"`
	LogFormat       string        `yaml:"log_format"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// WorkspaceConfig controls the namespace root and artifact expiry.
type WorkspaceConfig struct {
	NamespaceRoot        string        `yaml:"namespace_root"`
	SweepIntervalMinutes int           `yaml:"sweep_interval_minutes"`
	ArtifactTTLSeconds   int           `yaml:"artifact_ttl_seconds"`
	HeartbeatInterval    time.Duration `yaml:"heartbeat_interval"`
	OutputExt            string        `yaml:"output_ext"`
}

// TTL is the artifact lifetime as a duration.
func (w WorkspaceConfig) TTL() time.Duration {
	return time.Duration(w.ArtifactTTLSeconds) * time.Second
}

// SweepInterval is the janitor period as a duration.
func (w WorkspaceConfig) SweepInterval() time.Duration {
	return time.Duration(w.SweepIntervalMinutes) * time.Minute
}

// FetchConfig defines how the yt-dlp subprocess is invoked.
type FetchConfig struct {
	Binary          string        `yaml:"binary"`
	AudioFormat     string        `yaml:"audio_format"`
	AudioQuality    string        `yaml:"audio_quality"`
	SocketTimeout   time.Duration `yaml:"socket_timeout"`
	Retries         int           `yaml:"retries"`
	FragmentRetries int           `yaml:"fragment_retries"`
	Timeout         time.Duration `yaml:"timeout"`
	PlayerClients   []string      `yaml:"player_clients"`
}

// WorkersConfig sizes the offload pool.
type WorkersConfig struct {
	Size int `yaml:"size"`
}

// APIConfig defines HTTP API server settings.
type APIConfig struct {
	Listen    string          `yaml:"listen"`
	Auth      APIAuthConfig   `yaml:"auth"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
}

// APIAuthConfig defines API authentication settings.
// An empty APIKey disables the admin and event routes.
type APIAuthConfig struct {
	APIKey string `yaml:"api_key"`
}

// RateLimitConfig is a token bucket applied to /api routes.
// RequestsPerSecond <= 0 disables limiting.
type RateLimitConfig struct {
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	Burst             int     `yaml:"burst"`
}

// Defaults returns a Config with the stock settings.
func Defaults() *Config {
	return &Config{
		Service: ServiceConfig{
			Name:            "tubeaudio",
			LogLevel:        "info",
			LogFormat:       "json",
			ShutdownTimeout: 30 * time.Second,
		},
		Workspace: WorkspaceConfig{
			NamespaceRoot:        "./temp",
			SweepIntervalMinutes: 2,
			ArtifactTTLSeconds:   300,
			HeartbeatInterval:    30 * time.Second,
			OutputExt:            ".mp3",
		},
		Fetch: FetchConfig{
			Binary:          "yt-dlp",
			AudioFormat:     "mp3",
			AudioQuality:    "192K",
			SocketTimeout:   60 * time.Second,
			Retries:         5,
			FragmentRetries: 5,
			Timeout:         4 * time.Minute,
			PlayerClients:   []string{"ios", "android"},
		},
		Workers: WorkersConfig{
			Size: 4,
		},
		API: APIConfig{
			Listen: "127.0.0.1:8000",
			RateLimit: RateLimitConfig{
				RequestsPerSecond: 5,
				Burst:             10,
			},
		},
	}
}
