package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration is a yaml-friendly time.Duration ("10s", "1m30s").
type Duration time.Duration

// UnmarshalYAML parses a duration string.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	parsed, err := time.ParseDuration(value.Value)
	if err != nil {
		return fmt.Errorf("config: invalid duration %q: %w", value.Value, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std converts to time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// AutoLight configures the hysteresis controller.
type AutoLight struct {
	Enabled        bool     `yaml:"enabled"`
	SensorSlug     string   `yaml:"sensor_slug"`
	SwitchSlug     string   `yaml:"switch_slug"`
	OnBelow        float64  `yaml:"on_below"`
	OffAbove       float64  `yaml:"off_above"`
	SampleInterval Duration `yaml:"sample_interval"`
	SamplesNeeded  int      `yaml:"samples_needed"`
}

// Config is the agent configuration.
type Config struct {
	ServerURL         string    `yaml:"server_url"`
	Serial            string    `yaml:"serial"`
	Token             string    `yaml:"token"`
	HeartbeatInterval Duration  `yaml:"heartbeat_interval"`
	ScheduleRefresh   Duration  `yaml:"schedule_refresh"`
	ClaimMaxWait      Duration  `yaml:"claim_max_wait"`
	AutoLight         AutoLight `yaml:"auto_light"`
}

// Load reads the config from the AGENT_CONFIG yaml file with env
// fallbacks, then validates it.
func Load() (Config, error) {
	cfg := Config{
		ServerURL:         os.Getenv("AGENT_SERVER_URL"),
		Serial:            os.Getenv("AGENT_SERIAL"),
		Token:             os.Getenv("AGENT_TOKEN"),
		HeartbeatInterval: Duration(30 * time.Second),
		ScheduleRefresh:   Duration(10 * time.Second),
		ClaimMaxWait:      Duration(20 * time.Second),
		AutoLight: AutoLight{
			SensorSlug:     "lux-1",
			SwitchSlug:     "light-1",
			OnBelow:        80,
			OffAbove:       120,
			SampleInterval: Duration(time.Second),
			SamplesNeeded:  3,
		},
	}

	if path := os.Getenv("AGENT_CONFIG"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, err
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, err
		}
	}

	if cfg.ServerURL == "" {
		return cfg, errors.New("config: server_url required")
	}
	if cfg.Serial == "" {
		return cfg, errors.New("config: serial required")
	}
	if cfg.Token == "" {
		return cfg, errors.New("config: token required")
	}
	if cfg.HeartbeatInterval.Std() <= 0 {
		return cfg, errors.New("config: heartbeat_interval must be positive")
	}
	if cfg.ScheduleRefresh.Std() <= 0 {
		return cfg, errors.New("config: schedule_refresh must be positive")
	}
	if cfg.ClaimMaxWait.Std() <= 0 {
		return cfg, errors.New("config: claim_max_wait must be positive")
	}
	return cfg, nil
}
