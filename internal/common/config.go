package common

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// Config represents the application configuration
type Config struct {
	Environment string            `toml:"environment"` // "development" or "production"
	Server      ServerConfig      `toml:"server"`
	Engine      EngineConfig      `toml:"engine"`
	Provider    ProviderConfig    `toml:"provider"`
	Workflows   WorkflowsConfig   `toml:"workflows"`
	Uploads     UploadsConfig     `toml:"uploads"`
	Storage     StorageConfig     `toml:"storage"`
	WebSocket   WebSocketConfig   `toml:"websocket"`
	Maintenance MaintenanceConfig `toml:"maintenance"`
	Logging     LoggingConfig     `toml:"logging"`
}

type ServerConfig struct {
	Port int    `toml:"port"`
	Host string `toml:"host"`
}

// EngineConfig describes the node-graph execution engine (ComfyUI-compatible)
type EngineConfig struct {
	URL               string `toml:"url"`                // HTTP base URL, e.g. "http://127.0.0.1:8188"
	WSURL             string `toml:"ws_url"`             // Event socket URL, e.g. "ws://127.0.0.1:8188/ws"
	StreamTimeout     string `toml:"stream_timeout"`     // Inactivity ceiling for the event stream, reset on every frame
	RequestTimeout    string `toml:"request_timeout"`    // HTTP request timeout for submit/history/view calls
	DefaultCheckpoint string `toml:"default_checkpoint"` // Fallback checkpoint name when the engine lists none
}

// ProviderConfig describes the third-party text-to-video API
type ProviderConfig struct {
	APIURL       string `toml:"api_url"`       // Submission endpoint
	TasksURL     string `toml:"tasks_url"`     // Task polling endpoint (task id appended)
	APIKey       string `toml:"api_key"`       // Bearer token; usually set via LUMEN_PROVIDER_API_KEY or .env
	Model        string `toml:"model"`         // Provider model identifier
	Workflow     string `toml:"workflow"`      // Workflow name that routes generation to the provider
	PollInterval string `toml:"poll_interval"` // Delay between poll attempts
	MaxPolls     int    `toml:"max_polls"`     // Attempt ceiling before ProviderTimeout
	DefaultRatio string `toml:"default_ratio"` // e.g. "1280:720"
	DefaultSecs  int    `toml:"default_secs"`  // Default clip duration in seconds
}

// WorkflowsConfig contains configuration for the workflow template store
type WorkflowsConfig struct {
	Dir string `toml:"dir"` // Directory containing workflow template files (JSON/YAML)
}

// UploadsConfig contains configuration for client image uploads
type UploadsConfig struct {
	Dir         string   `toml:"dir"`          // Local directory for uploaded and downloaded media
	MaxBytes    int64    `toml:"max_bytes"`    // Maximum accepted upload size
	Extensions  []string `toml:"extensions"`   // Allowed file extensions
	EngineSpace string   `toml:"engine_space"` // Subfolder used when forwarding to the engine
}

type StorageConfig struct {
	Badger BadgerConfig `toml:"badger"`
}

// BadgerConfig represents BadgerDB-specific configuration
type BadgerConfig struct {
	Path           string `toml:"path"`             // Database directory path
	ResetOnStartup bool   `toml:"reset_on_startup"` // Delete database on startup for clean test runs
}

// WebSocketConfig contains configuration for the client progress channel
type WebSocketConfig struct {
	// Minimum interval between heartbeat (node-executing) frames per job.
	// Empty disables throttling; real progress frames are never throttled.
	HeartbeatInterval string `toml:"heartbeat_interval"`
}

// MaintenanceConfig controls the periodic cleanup sweep
type MaintenanceConfig struct {
	Schedule   string `toml:"schedule"`    // Cron schedule for the sweep
	StaleAfter string `toml:"stale_after"` // Running jobs older than this are marked failed
	Retention  string `toml:"retention"`   // Terminal job records older than this are purged
	UploadTTL  string `toml:"upload_ttl"`  // Uploaded files older than this are removed
	ResultTTL  string `toml:"result_ttl"`  // Buffered in-memory results older than this are dropped
}

type LoggingConfig struct {
	Level      string   `toml:"level"`       // "debug", "info", "warn", "error"
	Output     []string `toml:"output"`      // "stdout", "file"
	TimeFormat string   `toml:"time_format"` // Time format for logs
}

// NewDefaultConfig returns configuration defaults before file/env/flag overrides
func NewDefaultConfig() *Config {
	return &Config{
		Environment: "development",
		Server: ServerConfig{
			Port: 8080,
			Host: "localhost",
		},
		Engine: EngineConfig{
			URL:               "http://127.0.0.1:8188",
			WSURL:             "ws://127.0.0.1:8188/ws",
			StreamTimeout:     "180s",
			RequestTimeout:    "30s",
			DefaultCheckpoint: "v1-5-pruned-emaonly-fp16.safetensors",
		},
		Provider: ProviderConfig{
			APIURL:       "https://api.runwayml.com/v1/images-to-video",
			TasksURL:     "https://api.runwayml.com/v1/tasks",
			Model:        "gen4_turbo",
			Workflow:     "runwayml_i2v_gen4.json",
			PollInterval: "2s",
			MaxPolls:     60,
			DefaultRatio: "1280:720",
			DefaultSecs:  4,
		},
		Workflows: WorkflowsConfig{
			Dir: "./workflows",
		},
		Uploads: UploadsConfig{
			Dir:         "./data/images",
			MaxBytes:    32 * 1024 * 1024,
			Extensions:  []string{".png", ".jpg", ".jpeg", ".webp"},
			EngineSpace: "user_images",
		},
		Storage: StorageConfig{
			Badger: BadgerConfig{
				Path: "./data/db",
			},
		},
		WebSocket: WebSocketConfig{
			HeartbeatInterval: "", // No throttling unless configured
		},
		Maintenance: MaintenanceConfig{
			Schedule:   "*/5 * * * *",
			StaleAfter: "15m",
			Retention:  "168h",
			UploadTTL:  "24h",
			ResultTTL:  "1h",
		},
		Logging: LoggingConfig{
			Level:      "info",
			Output:     []string{"stdout", "file"},
			TimeFormat: "15:04:05",
		},
	}
}

// LoadFromFiles loads configuration from multiple files with priority:
// defaults -> file1 -> file2 -> ... -> env. Later files override earlier files.
func LoadFromFiles(paths ...string) (*Config, error) {
	config := NewDefaultConfig()

	for i, path := range paths {
		if path == "" {
			continue
		}

		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}

		if err := toml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s (file %d of %d): %w", path, i+1, len(paths), err)
		}
	}

	applyEnvOverrides(config)

	return config, nil
}

// applyEnvOverrides applies environment variable overrides to config
func applyEnvOverrides(config *Config) {
	if env := os.Getenv("LUMEN_ENV"); env != "" {
		config.Environment = env
	} else if env := os.Getenv("GO_ENV"); env != "" {
		config.Environment = env
	}

	if port := os.Getenv("LUMEN_SERVER_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			config.Server.Port = p
		}
	}
	if host := os.Getenv("LUMEN_SERVER_HOST"); host != "" {
		config.Server.Host = host
	}

	if url := os.Getenv("LUMEN_ENGINE_URL"); url != "" {
		config.Engine.URL = url
	}
	if wsURL := os.Getenv("LUMEN_ENGINE_WS_URL"); wsURL != "" {
		config.Engine.WSURL = wsURL
	}
	if timeout := os.Getenv("LUMEN_ENGINE_STREAM_TIMEOUT"); timeout != "" {
		config.Engine.StreamTimeout = timeout
	}

	if key := os.Getenv("LUMEN_PROVIDER_API_KEY"); key != "" {
		config.Provider.APIKey = key
	}
	if url := os.Getenv("LUMEN_PROVIDER_API_URL"); url != "" {
		config.Provider.APIURL = url
	}

	if dir := os.Getenv("LUMEN_WORKFLOWS_DIR"); dir != "" {
		config.Workflows.Dir = dir
	}
	if path := os.Getenv("LUMEN_STORAGE_PATH"); path != "" {
		config.Storage.Badger.Path = path
	}

	if level := os.Getenv("LUMEN_LOG_LEVEL"); level != "" {
		config.Logging.Level = level
	}
}

// ApplyFlagOverrides applies command-line flag overrides (highest priority)
func ApplyFlagOverrides(config *Config, port int, host string) {
	if port != 0 {
		config.Server.Port = port
	}
	if host != "" {
		config.Server.Host = host
	}
}

// ParseDurationOr parses a duration string, returning the fallback on failure
func ParseDurationOr(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}

// IsProduction returns true when running in production mode
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}
