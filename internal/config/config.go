// Package config loads netsim server settings.
//
// Order: defaults -> YAML file -> NETSIM_* environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/signalsfoundry/netsim/internal/logging"
	"github.com/signalsfoundry/netsim/internal/observability"
	"github.com/signalsfoundry/netsim/scenario"
)

// Config is the complete server configuration.
type Config struct {
	// GRPCAddr is where the Simulator gRPC service listens.
	GRPCAddr string `yaml:"grpc_addr"`
	// HTTPAddr serves /endpoints, /topology, /events, /ws and /metrics.
	HTTPAddr string `yaml:"http_addr"`
	// MetricsAddr optionally serves /metrics on its own listener.
	MetricsAddr string `yaml:"metrics_addr"`

	// ScenarioDir holds *.json scenario files.
	ScenarioDir string `yaml:"scenario_dir"`
	// EventDB is the SQLite event history. Empty disables persistence.
	EventDB string `yaml:"event_db"`
	// EventCapacity bounds the in-memory event log. Zero keeps everything.
	EventCapacity int `yaml:"event_capacity"`

	Simulation SimulationConfig            `yaml:"simulation"`
	Logging    logging.Config              `yaml:"logging"`
	Tracing    observability.TracingConfig `yaml:"tracing"`
}

// SimulationConfig tunes the engine timing.
type SimulationConfig struct {
	LayoutTick         time.Duration `yaml:"layout_tick"`
	ReadyPollInterval  time.Duration `yaml:"ready_poll_interval"`
	ConnectivitySettle time.Duration `yaml:"connectivity_settle"`
	// StartNetwork starts the simulated directory when the server boots.
	StartNetwork bool `yaml:"start_network"`
	// InitialNodes storage nodes are provisioned once the network starts.
	InitialNodes int `yaml:"initial_nodes"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		GRPCAddr:      "127.0.0.1:50051",
		HTTPAddr:      "127.0.0.1:3030",
		ScenarioDir:   defaultScenarioDir(),
		EventCapacity: 10000,
		Simulation: SimulationConfig{
			LayoutTick:         50 * time.Millisecond,
			ReadyPollInterval:  100 * time.Millisecond,
			ConnectivitySettle: time.Second,
			StartNetwork:       true,
		},
		Logging: logging.Config{Level: "info", Format: "text"},
		Tracing: observability.DefaultTracingConfig(),
	}
}

func defaultScenarioDir() string {
	dir, err := scenario.DefaultDirectory()
	if err != nil {
		return filepath.Join(".netsim", "scenarios")
	}
	return dir
}

// Load reads path when it is not empty and applies environment overrides.
// A missing file at an explicit path is an error.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		loaded, err := LoadFromFile(path)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	applyEnvOverrides(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromFile parses a YAML file over the defaults.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file %s: %w", path, err)
	}
	cfg.ScenarioDir = expandHome(os.ExpandEnv(cfg.ScenarioDir))
	cfg.EventDB = expandHome(os.ExpandEnv(cfg.EventDB))
	return cfg, nil
}

// Validate checks value ranges.
func (c *Config) Validate() error {
	var errs []error
	if c.GRPCAddr == "" && c.HTTPAddr == "" {
		errs = append(errs, errors.New("at least one of grpc_addr and http_addr is required"))
	}
	if c.Simulation.LayoutTick <= 0 {
		errs = append(errs, fmt.Errorf("layout_tick must be positive, got %v", c.Simulation.LayoutTick))
	}
	if c.Simulation.ReadyPollInterval <= 0 {
		errs = append(errs, fmt.Errorf("ready_poll_interval must be positive, got %v", c.Simulation.ReadyPollInterval))
	}
	if c.Simulation.ConnectivitySettle < 0 {
		errs = append(errs, fmt.Errorf("connectivity_settle must be non-negative, got %v", c.Simulation.ConnectivitySettle))
	}
	if c.Simulation.InitialNodes < 0 {
		errs = append(errs, fmt.Errorf("initial_nodes must be non-negative, got %d", c.Simulation.InitialNodes))
	}
	if c.Simulation.InitialNodes > 0 && !c.Simulation.StartNetwork {
		errs = append(errs, errors.New("initial_nodes needs start_network"))
	}
	if c.EventCapacity < 0 {
		errs = append(errs, fmt.Errorf("event_capacity must be non-negative, got %d", c.EventCapacity))
	}
	if r := c.Tracing.SampleRatio; r < 0 || r > 1 {
		errs = append(errs, fmt.Errorf("tracing sample_ratio must be between 0 and 1, got %v", r))
	}
	switch strings.ToLower(c.Logging.Format) {
	case "", "text", "json":
	default:
		errs = append(errs, fmt.Errorf("invalid log format %q (valid: text, json)", c.Logging.Format))
	}
	return errors.Join(errs...)
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("NETSIM_GRPC_ADDR"); v != "" {
		cfg.GRPCAddr = v
	}
	if v := os.Getenv("NETSIM_HTTP_ADDR"); v != "" {
		cfg.HTTPAddr = v
	}
	if v := os.Getenv("NETSIM_METRICS_ADDR"); v != "" {
		cfg.MetricsAddr = v
	}
	if v := os.Getenv("NETSIM_SCENARIO_DIR"); v != "" {
		cfg.ScenarioDir = expandHome(v)
	}
	if v := os.Getenv("NETSIM_EVENT_DB"); v != "" {
		cfg.EventDB = expandHome(v)
	}
	if v := os.Getenv("NETSIM_EVENT_CAPACITY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.EventCapacity = n
		}
	}
	if v := os.Getenv("NETSIM_LAYOUT_TICK"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Simulation.LayoutTick = d
		}
	}
	if v := os.Getenv("NETSIM_READY_POLL_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Simulation.ReadyPollInterval = d
		}
	}
	if v := os.Getenv("NETSIM_CONNECTIVITY_SETTLE"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Simulation.ConnectivitySettle = d
		}
	}
	if v := os.Getenv("NETSIM_START_NETWORK"); v != "" {
		cfg.Simulation.StartNetwork = v == "true" || v == "1"
	}
	if v := os.Getenv("NETSIM_INITIAL_NODES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Simulation.InitialNodes = n
		}
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("LOG_FORMAT"); v != "" {
		cfg.Logging.Format = v
	}
	cfg.Tracing = observability.ApplyTracingEnv(cfg.Tracing)
}

func expandHome(p string) string {
	if p == "~" || strings.HasPrefix(p, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, strings.TrimPrefix(p, "~"))
		}
	}
	return p
}
