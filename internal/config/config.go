// Package config manages gateway configuration loading and validation.
package config

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultPath is used when no configuration path is supplied.
const DefaultPath = "config/app.yaml"

// DefaultPair is subscribed when no pairs are configured.
const DefaultPair = "tBTCUSD"

// ServerConfig configures the client-facing websocket server.
type ServerConfig struct {
	Addr           string        `yaml:"addr"`
	Path           string        `yaml:"path"`
	ReadLimitBytes int64         `yaml:"readLimitBytes"`
	WriteTimeout   time.Duration `yaml:"writeTimeout"`
}

// BackendConfig configures the matching engine connection.
type BackendConfig struct {
	Transport            BackendTransport `yaml:"transport"`
	URL                  string           `yaml:"url"`
	Channel              string           `yaml:"channel"`
	SubjectPrefix        string           `yaml:"subjectPrefix"`
	RequestTimeout       time.Duration    `yaml:"requestTimeout"`
	MaxReconnectInterval time.Duration    `yaml:"maxReconnectInterval"`
}

// FeedConfig controls the polling cadence.
type FeedConfig struct {
	Pairs            []string      `yaml:"pairs"`
	BookInterval     time.Duration `yaml:"bookInterval"`
	AccountInterval  time.Duration `yaml:"accountInterval"`
	BroadcastWorkers WorkerSetting `yaml:"broadcastWorkers"`
}

// OrdersConfig bounds per-connection order traffic.
type OrdersConfig struct {
	Throttle float64 `yaml:"throttle"`
	Burst    int     `yaml:"burst"`
}

// TelemetryConfig configures OTLP exporters (metrics only).
type TelemetryConfig struct {
	OTLPEndpoint  string `yaml:"otlpEndpoint"`
	ServiceName   string `yaml:"serviceName"`
	OTLPInsecure  bool   `yaml:"otlpInsecure"`
	EnableMetrics bool   `yaml:"enableMetrics"`
}

// AppConfig is the unified gateway configuration sourced from YAML.
type AppConfig struct {
	Environment Environment     `yaml:"environment"`
	Server      ServerConfig    `yaml:"server"`
	Backend     BackendConfig   `yaml:"backend"`
	Feed        FeedConfig      `yaml:"feed"`
	Orders      OrdersConfig    `yaml:"orders"`
	Telemetry   TelemetryConfig `yaml:"telemetry"`
}

// Default returns the configuration used when no file is present.
func Default() AppConfig {
	return AppConfig{
		Environment: EnvProd,
		Server: ServerConfig{
			Addr:           ":8880",
			Path:           "/ws",
			ReadLimitBytes: 64 << 10,
			WriteTimeout:   5 * time.Second,
		},
		Backend: BackendConfig{
			Transport:            TransportWebsocket,
			URL:                  "ws://127.0.0.1:9090/engine",
			Channel:              "gateway",
			SubjectPrefix:        "hive.",
			RequestTimeout:       10 * time.Second,
			MaxReconnectInterval: 30 * time.Second,
		},
		Feed: FeedConfig{
			Pairs:            []string{DefaultPair},
			BookInterval:     time.Second,
			AccountInterval:  1500 * time.Millisecond,
			BroadcastWorkers: WorkerSetting{},
		},
		Orders: OrdersConfig{
			Throttle: 10,
			Burst:    5,
		},
		Telemetry: TelemetryConfig{
			OTLPEndpoint:  "http://localhost:4318",
			ServiceName:   "hiveproxy-gateway",
			OTLPInsecure:  false,
			EnableMetrics: true,
		},
	}
}

// Load reads the configuration with precedence: defaults, then YAML, then env vars.
// A missing file is an error.
func Load(ctx context.Context, configPath string) (AppConfig, error) {
	cfg, loaded, err := LoadOrDefault(ctx, configPath)
	if err != nil {
		return AppConfig{}, err
	}
	if !loaded {
		return AppConfig{}, fmt.Errorf("open app config: %w", fs.ErrNotExist)
	}
	return cfg, nil
}

// LoadOrDefault behaves like Load but falls back to defaults when the file does not exist.
// The boolean reports whether a file was read.
func LoadOrDefault(ctx context.Context, configPath string) (AppConfig, bool, error) {
	_ = ctx
	cfg := Default()

	loaded := true
	if err := cfg.loadYAML(resolvePath(configPath)); err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return AppConfig{}, false, fmt.Errorf("load yaml config: %w", err)
		}
		loaded = false
	}

	cfg.loadEnv()
	cfg.normalise()

	if err := cfg.Validate(); err != nil {
		return AppConfig{}, loaded, fmt.Errorf("validate config: %w", err)
	}
	return cfg, loaded, nil
}

func resolvePath(path string) string {
	path = strings.TrimSpace(path)
	if path == "" {
		path = strings.TrimSpace(os.Getenv("HIVEPROXY_CONFIG"))
	}
	if path == "" {
		path = DefaultPath
	}
	return filepath.Clean(path)
}

func (c *AppConfig) loadYAML(path string) error {
	file, err := os.Open(path) // #nosec G304 -- path is operator controlled.
	if err != nil {
		return fmt.Errorf("open app config: %w", err)
	}
	defer func() { _ = file.Close() }()

	data, err := io.ReadAll(file)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	// Fields absent from the document keep their defaults.
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("unmarshal config: %w", err)
	}
	return nil
}

func (c *AppConfig) loadEnv() {
	if env := strings.TrimSpace(os.Getenv("HIVEPROXY_ENV")); env != "" {
		c.Environment = Environment(env)
	}
	if v := strings.TrimSpace(os.Getenv("HIVEPROXY_BACKEND_URL")); v != "" {
		c.Backend.URL = v
	}
	if v := strings.TrimSpace(os.Getenv("HIVEPROXY_BACKEND_TRANSPORT")); v != "" {
		c.Backend.Transport = BackendTransport(v)
	}
	if v := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")); v != "" {
		c.Telemetry.OTLPEndpoint = v
	}
	if v := strings.TrimSpace(os.Getenv("OTEL_SERVICE_NAME")); v != "" {
		c.Telemetry.ServiceName = v
	}
}

func (c *AppConfig) normalise() {
	c.Environment = Environment(normalizeName(string(c.Environment)))
	c.Server.Addr = strings.TrimSpace(c.Server.Addr)
	c.Server.Path = strings.TrimSpace(c.Server.Path)
	if c.Server.Path != "" && !strings.HasPrefix(c.Server.Path, "/") {
		c.Server.Path = "/" + c.Server.Path
	}

	c.Backend.Transport = BackendTransport(normalizeName(string(c.Backend.Transport)))
	c.Backend.URL = strings.TrimSpace(c.Backend.URL)
	c.Backend.Channel = strings.TrimSpace(c.Backend.Channel)
	c.Backend.SubjectPrefix = strings.TrimSpace(c.Backend.SubjectPrefix)

	pairs := make([]string, 0, len(c.Feed.Pairs))
	for _, p := range c.Feed.Pairs {
		if p = strings.TrimSpace(p); p != "" {
			pairs = append(pairs, p)
		}
	}
	c.Feed.Pairs = pairs

	if c.Orders.Burst <= 0 {
		c.Orders.Burst = 1
	}
	c.Telemetry.OTLPEndpoint = strings.TrimSpace(c.Telemetry.OTLPEndpoint)
	c.Telemetry.ServiceName = strings.TrimSpace(c.Telemetry.ServiceName)
}

// Validate performs semantic validation on the configuration.
func (c AppConfig) Validate() error {
	switch c.Environment {
	case EnvDev, EnvStaging, EnvProd:
	default:
		return fmt.Errorf("environment must be one of dev, staging, prod")
	}

	if c.Server.Addr == "" {
		return fmt.Errorf("server addr required")
	}
	if c.Server.Path == "" {
		return fmt.Errorf("server path required")
	}
	if c.Server.ReadLimitBytes < 0 {
		return fmt.Errorf("server readLimitBytes must be >= 0")
	}
	if c.Server.WriteTimeout <= 0 {
		return fmt.Errorf("server writeTimeout must be > 0")
	}

	switch c.Backend.Transport {
	case TransportWebsocket, TransportNATS:
	default:
		return fmt.Errorf("backend transport must be one of websocket, nats")
	}
	if c.Backend.URL == "" {
		return fmt.Errorf("backend url required")
	}
	if c.Backend.Channel == "" {
		return fmt.Errorf("backend channel required")
	}
	if c.Backend.RequestTimeout <= 0 {
		return fmt.Errorf("backend requestTimeout must be > 0")
	}
	if c.Backend.MaxReconnectInterval < 0 {
		return fmt.Errorf("backend maxReconnectInterval must be >= 0")
	}

	if len(c.Feed.Pairs) == 0 {
		return fmt.Errorf("feed pairs required")
	}
	seen := make(map[string]struct{}, len(c.Feed.Pairs))
	for _, p := range c.Feed.Pairs {
		if _, dup := seen[p]; dup {
			return fmt.Errorf("feed pairs: duplicate %q", p)
		}
		seen[p] = struct{}{}
	}
	if c.Feed.BookInterval <= 0 {
		return fmt.Errorf("feed bookInterval must be > 0")
	}
	if c.Feed.AccountInterval <= 0 {
		return fmt.Errorf("feed accountInterval must be > 0")
	}

	if c.Orders.Throttle <= 0 {
		return fmt.Errorf("orders throttle must be > 0")
	}
	if c.Orders.Burst <= 0 {
		return fmt.Errorf("orders burst must be > 0")
	}

	if c.Telemetry.ServiceName == "" {
		return fmt.Errorf("telemetry serviceName required")
	}
	return nil
}
