// Package config loads the worldsim TOML configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/signalsfoundry/worldsim/internal/logging"
	"github.com/signalsfoundry/worldsim/internal/observability"
	"github.com/signalsfoundry/worldsim/internal/sim/world"
	"github.com/signalsfoundry/worldsim/timectrl"
)

// ErrInvalid is wrapped by every validation failure.
var ErrInvalid = errors.New("invalid config")

type Config struct {
	World   WorldConfig   `toml:"world"`
	History HistoryConfig `toml:"history"`
	Queues  QueuesConfig  `toml:"queues"`
	Server  ServerConfig  `toml:"server"`
	Logging LoggingConfig `toml:"logging"`
	Tracing TracingConfig `toml:"tracing"`
	Plugins PluginsConfig `toml:"plugins"`
	Physics PhysicsConfig `toml:"physics"`
}

type WorldConfig struct {
	Name        string        `toml:"name"`
	File        string        `toml:"file"` // world description (YAML), optional
	Tick        time.Duration `toml:"tick"`
	Mode        string        `toml:"mode"` // realtime | accelerated
	StartPaused bool          `toml:"start_paused"`
}

type HistoryConfig struct {
	Size             int           `toml:"size"`
	Window           time.Duration `toml:"window"` // 0 = bounded by size only
	SnapshotInterval time.Duration `toml:"snapshot_interval"`
}

type QueuesConfig struct {
	MessageCapacity int `toml:"message_capacity"` // 0 = unbounded
	SceneBuffer     int `toml:"scene_buffer"`
}

type ServerConfig struct {
	GRPCAddr        string        `toml:"grpc_addr"`
	MetricsAddr     string        `toml:"metrics_addr"` // empty disables the metrics endpoint
	ShutdownTimeout time.Duration `toml:"shutdown_timeout"`
}

type LoggingConfig struct {
	Level     string `toml:"level"`
	Format    string `toml:"format"`  // json | text
	Backend   string `toml:"backend"` // slog | zap
	AddSource bool   `toml:"add_source"`
}

type TracingConfig struct {
	Enabled     bool    `toml:"enabled"`
	ServiceName string  `toml:"service_name"`
	Exporter    string  `toml:"exporter"` // stdout | otlp
	Endpoint    string  `toml:"endpoint"`
	SampleRatio float64 `toml:"sample_ratio"`
}

type PluginsConfig struct {
	Enabled bool   `toml:"enabled"`
	Dir     string `toml:"dir"`
}

type PhysicsConfig struct {
	Engine string `toml:"engine"` // kinematic | none
	// Epoch maps sim time zero to a UTC instant for orbital propagation
	// (RFC 3339). Empty means process start.
	Epoch string `toml:"epoch"`
}

// Load reads path and overlays it on the defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	cfg, err := Parse(string(data))
	if err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes TOML text over the defaults and validates the result.
// Unknown keys are rejected.
func Parse(text string) (*Config, error) {
	cfg := Default()
	md, err := toml.Decode(text, cfg)
	if err != nil {
		return nil, fmt.Errorf("parse: %w", err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return nil, fmt.Errorf("%w: unknown keys %s", ErrInvalid, strings.Join(keys, ", "))
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		World: WorldConfig{
			Name: "default",
			Tick: 10 * time.Millisecond,
			Mode: "realtime",
		},
		History: HistoryConfig{
			Size:             1000,
			SnapshotInterval: 100 * time.Millisecond,
		},
		Queues: QueuesConfig{
			MessageCapacity: 4096,
			SceneBuffer:     16,
		},
		Server: ServerConfig{
			GRPCAddr:        ":50061",
			MetricsAddr:     ":9090",
			ShutdownTimeout: 5 * time.Second,
		},
		Logging: LoggingConfig{
			Level:   "info",
			Format:  "text",
			Backend: "slog",
		},
		Tracing: TracingConfig{
			ServiceName: "worldsim",
			Exporter:    "stdout",
			SampleRatio: 1.0,
		},
		Plugins: PluginsConfig{
			Dir: "plugins",
		},
		Physics: PhysicsConfig{
			Engine: "kinematic",
		},
	}
}

// Validate checks value ranges and enumerations.
func (c *Config) Validate() error {
	var errs []error
	if c.World.Tick <= 0 {
		errs = append(errs, fmt.Errorf("world.tick must be positive, got %s", c.World.Tick))
	}
	if _, err := parseMode(c.World.Mode); err != nil {
		errs = append(errs, err)
	}
	if c.History.Size <= 0 {
		errs = append(errs, fmt.Errorf("history.size must be positive, got %d", c.History.Size))
	}
	if c.History.Window < 0 || c.History.SnapshotInterval < 0 {
		errs = append(errs, errors.New("history durations must not be negative"))
	}
	if c.Queues.MessageCapacity < 0 || c.Queues.SceneBuffer < 0 {
		errs = append(errs, errors.New("queue sizes must not be negative"))
	}
	switch strings.ToLower(c.Logging.Backend) {
	case "", "slog", "zap":
	default:
		errs = append(errs, fmt.Errorf("logging.backend %q not supported", c.Logging.Backend))
	}
	switch strings.ToLower(c.Tracing.Exporter) {
	case "", "stdout", "otlp", "otlpgrpc":
	default:
		errs = append(errs, fmt.Errorf("tracing.exporter %q not supported", c.Tracing.Exporter))
	}
	if c.Tracing.SampleRatio < 0 || c.Tracing.SampleRatio > 1 {
		errs = append(errs, fmt.Errorf("tracing.sample_ratio %v not in [0, 1]", c.Tracing.SampleRatio))
	}
	switch strings.ToLower(c.Physics.Engine) {
	case "kinematic", "none":
	default:
		errs = append(errs, fmt.Errorf("physics.engine %q not supported", c.Physics.Engine))
	}
	if _, err := c.Physics.EpochTime(); err != nil {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalid, errors.Join(errs...))
	}
	return nil
}

func parseMode(s string) (timectrl.Mode, error) {
	switch strings.ToLower(s) {
	case "", "realtime", "real_time":
		return timectrl.RealTime, nil
	case "accelerated", "fast":
		return timectrl.Accelerated, nil
	default:
		return 0, fmt.Errorf("world.mode %q not supported", s)
	}
}

// EpochTime parses Epoch; the zero time means "use process start".
func (p PhysicsConfig) EpochTime() (time.Time, error) {
	if p.Epoch == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, p.Epoch)
	if err != nil {
		return time.Time{}, fmt.Errorf("physics.epoch: %w", err)
	}
	return t.UTC(), nil
}

// WorldParams converts the world, history and queue sections into the
// simulation loop parameters.
func (c *Config) WorldParams() world.Config {
	mode, _ := parseMode(c.World.Mode)
	return world.Config{
		Name:             c.World.Name,
		Tick:             c.World.Tick,
		Mode:             mode,
		StartPaused:      c.World.StartPaused,
		HistorySize:      c.History.Size,
		HistoryWindow:    c.History.Window,
		SnapshotInterval: c.History.SnapshotInterval,
		SceneBuffer:      c.Queues.SceneBuffer,
		QueueCapacity:    c.Queues.MessageCapacity,
	}
}

// LoggingParams converts the logging section.
func (c *Config) LoggingParams() logging.Config {
	return logging.Config{
		Level:     c.Logging.Level,
		Format:    c.Logging.Format,
		Backend:   c.Logging.Backend,
		AddSource: c.Logging.AddSource,
	}
}

// TracingParams converts the tracing section. WORLDSIM_TRACING_* environment
// variables take precedence over the file.
func (c *Config) TracingParams() observability.TracingConfig {
	return observability.TracingConfigFromEnvWith(observability.TracingConfig{
		Enabled:     c.Tracing.Enabled,
		ServiceName: c.Tracing.ServiceName,
		Exporter:    c.Tracing.Exporter,
		Endpoint:    c.Tracing.Endpoint,
		SampleRatio: c.Tracing.SampleRatio,
	})
}
