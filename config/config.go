// Package config centralises runtime configuration helpers for the beam SDK.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Environment identifies the runtime environment where the SDK operates.
type Environment string

const (
	// EnvDev marks the development environment.
	EnvDev Environment = "dev"
	// EnvStaging marks the staging environment.
	EnvStaging Environment = "staging"
	// EnvProd marks the production environment.
	EnvProd Environment = "prod"
)

// AppCredentials captures the application key/secret used for basic-auth and
// token-renewal requests.
type AppCredentials struct {
	Key    string
	Secret string
}

// AppInfo describes the host application embedding the SDK.
type AppInfo struct {
	Name    string
	Version string
}

// ServiceSettings configures the backend endpoints.
type ServiceSettings struct {
	RESTBaseURL string
	SocketURL   string
	HTTPTimeout time.Duration
}

// WorkerSettings tunes the event dispatch worker.
type WorkerSettings struct {
	Interval   time.Duration
	MaxRetries int
	DefaultTTL time.Duration
	// PostsPerSecond throttles event POSTs within a single drain run. Zero
	// disables throttling.
	PostsPerSecond float64
}

// DatabaseSettings configures the durable store backend.
type DatabaseSettings struct {
	DSN string
}

// TelemetrySettings configures metric export.
type TelemetrySettings struct {
	OTLPEndpoint string
	ServiceName  string
}

// Settings contains the beam configuration tree loaded from defaults and overrides.
type Settings struct {
	Environment Environment
	App         AppInfo
	Credentials AppCredentials
	Services    ServiceSettings
	Worker      WorkerSettings
	Database    DatabaseSettings
	Telemetry   TelemetrySettings
}

// Default returns the default beam configuration.
func Default() Settings {
	return Settings{
		Environment: EnvProd,
		App:         AppInfo{Name: "", Version: ""},
		Credentials: AppCredentials{Key: "", Secret: ""},
		Services: ServiceSettings{
			RESTBaseURL: "https://push.pushbeam.io/api",
			SocketURL:   "wss://push.pushbeam.io/websocket",
			HTTPTimeout: 10 * time.Second,
		},
		Worker: WorkerSettings{
			Interval:       time.Minute,
			MaxRetries:     5,
			DefaultTTL:     24 * time.Hour,
			PostsPerSecond: 0,
		},
		Database:  DatabaseSettings{DSN: ""},
		Telemetry: TelemetrySettings{OTLPEndpoint: "", ServiceName: "beam-agent"},
	}
}

// FromEnv loads configuration values from environment variables, overriding defaults.
func FromEnv() Settings {
	cfg := Default()
	if env := strings.TrimSpace(os.Getenv("BEAM_ENV")); env != "" {
		cfg.Environment = Environment(strings.ToLower(env))
	}
	if v := strings.TrimSpace(os.Getenv("BEAM_APP_KEY")); v != "" {
		cfg.Credentials.Key = v
	}
	if v := strings.TrimSpace(os.Getenv("BEAM_APP_SECRET")); v != "" {
		cfg.Credentials.Secret = v
	}
	if v := strings.TrimSpace(os.Getenv("BEAM_APP_NAME")); v != "" {
		cfg.App.Name = v
	}
	if v := strings.TrimSpace(os.Getenv("BEAM_APP_VERSION")); v != "" {
		cfg.App.Version = v
	}
	if v := strings.TrimSpace(os.Getenv("BEAM_REST_BASE_URL")); v != "" {
		cfg.Services.RESTBaseURL = v
	}
	if v := strings.TrimSpace(os.Getenv("BEAM_SOCKET_URL")); v != "" {
		cfg.Services.SocketURL = v
	}
	if v := strings.TrimSpace(os.Getenv("BEAM_HTTP_TIMEOUT")); v != "" {
		if dur, err := time.ParseDuration(v); err == nil {
			cfg.Services.HTTPTimeout = dur
		}
	}
	if v := strings.TrimSpace(os.Getenv("BEAM_WORKER_INTERVAL")); v != "" {
		if dur, err := time.ParseDuration(v); err == nil {
			cfg.Worker.Interval = dur
		}
	}
	if v := strings.TrimSpace(os.Getenv("BEAM_WORKER_MAX_RETRIES")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Worker.MaxRetries = n
		}
	}
	if v := strings.TrimSpace(os.Getenv("BEAM_EVENT_TTL")); v != "" {
		if dur, err := time.ParseDuration(v); err == nil {
			cfg.Worker.DefaultTTL = dur
		}
	}
	if v := strings.TrimSpace(os.Getenv("BEAM_DATABASE_DSN")); v != "" {
		cfg.Database.DSN = v
	}
	if v := strings.TrimSpace(os.Getenv("BEAM_OTLP_ENDPOINT")); v != "" {
		cfg.Telemetry.OTLPEndpoint = v
	}
	if v := strings.TrimSpace(os.Getenv("BEAM_SERVICE_NAME")); v != "" {
		cfg.Telemetry.ServiceName = v
	}
	return cfg
}

type fileSettings struct {
	Environment string `yaml:"environment"`
	App         struct {
		Key     string `yaml:"key"`
		Secret  string `yaml:"secret"`
		Name    string `yaml:"name"`
		Version string `yaml:"version"`
	} `yaml:"app"`
	Services struct {
		RESTBaseURL string `yaml:"restBaseUrl"`
		SocketURL   string `yaml:"socketUrl"`
		HTTPTimeout string `yaml:"httpTimeout"`
	} `yaml:"services"`
	Worker struct {
		Interval       string  `yaml:"interval"`
		MaxRetries     int     `yaml:"maxRetries"`
		DefaultTTL     string  `yaml:"defaultTtl"`
		PostsPerSecond float64 `yaml:"postsPerSecond"`
	} `yaml:"worker"`
	Database struct {
		DSN string `yaml:"dsn"`
	} `yaml:"database"`
	Telemetry struct {
		OTLPEndpoint string `yaml:"otlpEndpoint"`
		ServiceName  string `yaml:"serviceName"`
	} `yaml:"telemetry"`
}

// LoadFile overlays the yaml document at path onto cfg and returns the result.
func LoadFile(cfg Settings, path string) (Settings, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config file: %w", err)
	}
	var file fileSettings
	if err := yaml.Unmarshal(data, &file); err != nil {
		return cfg, fmt.Errorf("parse config file: %w", err)
	}
	if v := strings.TrimSpace(file.Environment); v != "" {
		cfg.Environment = Environment(strings.ToLower(v))
	}
	if v := strings.TrimSpace(file.App.Key); v != "" {
		cfg.Credentials.Key = v
	}
	if v := strings.TrimSpace(file.App.Secret); v != "" {
		cfg.Credentials.Secret = v
	}
	if v := strings.TrimSpace(file.App.Name); v != "" {
		cfg.App.Name = v
	}
	if v := strings.TrimSpace(file.App.Version); v != "" {
		cfg.App.Version = v
	}
	if v := strings.TrimSpace(file.Services.RESTBaseURL); v != "" {
		cfg.Services.RESTBaseURL = v
	}
	if v := strings.TrimSpace(file.Services.SocketURL); v != "" {
		cfg.Services.SocketURL = v
	}
	if v := strings.TrimSpace(file.Services.HTTPTimeout); v != "" {
		if dur, err := time.ParseDuration(v); err == nil {
			cfg.Services.HTTPTimeout = dur
		}
	}
	if v := strings.TrimSpace(file.Worker.Interval); v != "" {
		if dur, err := time.ParseDuration(v); err == nil {
			cfg.Worker.Interval = dur
		}
	}
	if file.Worker.MaxRetries > 0 {
		cfg.Worker.MaxRetries = file.Worker.MaxRetries
	}
	if v := strings.TrimSpace(file.Worker.DefaultTTL); v != "" {
		if dur, err := time.ParseDuration(v); err == nil {
			cfg.Worker.DefaultTTL = dur
		}
	}
	if file.Worker.PostsPerSecond > 0 {
		cfg.Worker.PostsPerSecond = file.Worker.PostsPerSecond
	}
	if v := strings.TrimSpace(file.Database.DSN); v != "" {
		cfg.Database.DSN = v
	}
	if v := strings.TrimSpace(file.Telemetry.OTLPEndpoint); v != "" {
		cfg.Telemetry.OTLPEndpoint = v
	}
	if v := strings.TrimSpace(file.Telemetry.ServiceName); v != "" {
		cfg.Telemetry.ServiceName = v
	}
	return cfg, nil
}
