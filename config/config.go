// Package config loads the supervisor configuration from config.yaml.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/zhubert/csharply-sidecar/paths"
)

// Config holds the supervisor configuration.
type Config struct {
	Worker     WorkerConfig   `yaml:"worker"`
	Port       PortConfig     `yaml:"port"`
	Timeouts   TimeoutConfig  `yaml:"timeouts"`
	Protocol   ProtocolConfig `yaml:"protocol"`
	IgnoreFile string         `yaml:"ignore_file"`
	Debug      bool           `yaml:"debug"`
}

// WorkerConfig describes how to probe, install and launch the worker binary.
type WorkerConfig struct {
	Binary         string            `yaml:"binary"`
	ServerCommand  string            `yaml:"server_command"`
	VersionArgs    []string          `yaml:"version_args"`
	InstallCommand []string          `yaml:"install_command"`
	Env            map[string]string `yaml:"env,omitempty"`
	Dir            string            `yaml:"dir,omitempty"` // working directory, "" means ours
}

// PortConfig controls loopback port allocation.
type PortConfig struct {
	Preferred int    `yaml:"preferred"`
	Window    int    `yaml:"window"`
	Host      string `yaml:"host"`
}

// TimeoutConfig bounds every blocking step of the worker lifecycle.
type TimeoutConfig struct {
	Helper    Duration `yaml:"helper"`     // version probe and install bootstrap
	StopGrace Duration `yaml:"stop_grace"` // wait for exit after the tree kill
	Startup   Duration `yaml:"startup"`    // wait for the worker to accept connections
	Request   Duration `yaml:"request"`    // single organize round trip
}

// ProtocolConfig describes the worker's HTTP endpoint.
type ProtocolConfig struct {
	Path          string `yaml:"path"`
	OutcomeHeader string `yaml:"outcome_header"`
}

// Duration is a wrapper around time.Duration that implements YAML unmarshaling
// from human-readable strings like "30s", "5m".
type Duration struct {
	time.Duration
}

// UnmarshalYAML implements yaml.Unmarshaler for Duration.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	d.Duration = parsed
	return nil
}

// MarshalYAML implements yaml.Marshaler for Duration.
func (d Duration) MarshalYAML() (any, error) {
	return d.Duration.String(), nil
}

// Default returns the built-in configuration for the CSharply worker.
func Default() *Config {
	return &Config{
		Worker: WorkerConfig{
			Binary:         "csharply",
			ServerCommand:  "server",
			VersionArgs:    []string{"--version"},
			InstallCommand: []string{"dotnet", "tool", "install", "-g", "CSharply"},
		},
		Port: PortConfig{
			Preferred: 8249,
			Window:    100,
			Host:      "127.0.0.1",
		},
		Timeouts: TimeoutConfig{
			Helper:    Duration{30 * time.Second},
			StopGrace: Duration{5 * time.Second},
			Startup:   Duration{10 * time.Second},
			Request:   Duration{60 * time.Second},
		},
		Protocol: ProtocolConfig{
			Path:          "/organize",
			OutcomeHeader: "x-outcome",
		},
		IgnoreFile: ".csharplyignore",
	}
}

// Load reads the config at path on top of the defaults.
// A missing file yields the defaults unchanged.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}

	if errs := cfg.Validate(); len(errs) > 0 {
		return nil, fmt.Errorf("invalid config %s: %w", path, errs[0])
	}

	return cfg, nil
}

// LoadDefault loads config.yaml from the resolved config directory.
func LoadDefault() (*Config, error) {
	path, err := paths.ConfigFilePath()
	if err != nil {
		return nil, err
	}
	return Load(path)
}

// ServerArgs returns the worker's argument list for serving on port.
func (c *Config) ServerArgs(port int) []string {
	return []string{c.Worker.ServerCommand, "--port", fmt.Sprint(port)}
}

// Environ returns the worker environment: ours plus the configured overrides.
func (c *Config) Environ() []string {
	env := os.Environ()
	for k, v := range c.Worker.Env {
		env = append(env, k+"="+v)
	}
	return env
}
