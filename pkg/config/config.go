package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration so config files can say "30s" or "10m"
type Duration time.Duration

// Std returns the wrapped time.Duration
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// UnmarshalYAML parses Go duration strings
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return fmt.Errorf("duration must be a string like 60s or 10m")
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML renders the duration back as a string
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Controller holds process-wide configuration for the controller
type Controller struct {
	Listen      string `yaml:"listen"`
	DataDir     string `yaml:"data_dir"`
	TokenSecret string `yaml:"token_secret"`

	TickInterval  Duration `yaml:"tick_interval"`
	HealthTimeout Duration `yaml:"health_timeout"`
	StartTimeout  Duration `yaml:"start_timeout"`
	StopTimeout   Duration `yaml:"stop_timeout"`
	PrewakeLead   Duration `yaml:"prewake_lead"`

	PortBase   int `yaml:"port_base"`
	DriftEvery int `yaml:"drift_every"` // drift pass every N ticks; 0 disables
}

// Agent holds process-wide configuration for an agent
type Agent struct {
	Listen string `yaml:"listen"`

	// AdvertiseHost is the host name used when constructing session
	// access URLs returned to the controller.
	AdvertiseHost string `yaml:"advertise_host"`

	ContainerdSocket string `yaml:"containerd_socket"`
	Namespace        string `yaml:"namespace"`
}

// DefaultController returns a controller config with all defaults set
func DefaultController() Controller {
	return Controller{
		Listen:        ":8000",
		DataDir:       "/var/lib/stint",
		TickInterval:  Duration(60 * time.Second),
		HealthTimeout: Duration(5 * time.Second),
		StartTimeout:  Duration(15 * time.Second),
		StopTimeout:   Duration(15 * time.Second),
		PrewakeLead:   Duration(10 * time.Minute),
		PortBase:      8000,
		DriftEvery:    10,
	}
}

// DefaultAgent returns an agent config with all defaults set
func DefaultAgent() Agent {
	return Agent{
		Listen:        ":5000",
		AdvertiseHost: "localhost",
		Namespace:     "stint",
	}
}

// LoadController reads a controller config file, applying defaults for
// any field the file omits. An empty path returns the defaults.
func LoadController(path string) (Controller, error) {
	cfg := DefaultController()
	if path == "" {
		return cfg, nil
	}
	if err := load(path, &cfg); err != nil {
		return cfg, err
	}
	if cfg.TickInterval <= 0 {
		return cfg, fmt.Errorf("tick_interval must be positive")
	}
	return cfg, nil
}

// LoadAgent reads an agent config file, applying defaults for any field
// the file omits. An empty path returns the defaults.
func LoadAgent(path string) (Agent, error) {
	cfg := DefaultAgent()
	if path == "" {
		return cfg, nil
	}
	err := load(path, &cfg)
	return cfg, err
}

func load(path string, out any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	return nil
}
