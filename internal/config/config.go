// Package config loads and persists the agent configuration: workspace
// paths, loop interval, model backends, HTTP listen address, and the
// declared sensors and actuators.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"vigil/internal/actuator"
	"vigil/internal/percept"
	"vigil/internal/policy"
)

// ModelConfig selects the inference backends.
type ModelConfig struct {
	// Provider is "gemini" or "rules".
	Provider string `yaml:"provider"`
	APIKey   string `yaml:"api_key,omitempty"`
	// Local is the surprise-detection model name.
	Local string `yaml:"local,omitempty"`
	// Frontier is the planning model name.
	Frontier string `yaml:"frontier,omitempty"`
	// SurpriseKeywords configure the rules provider's local tier.
	SurpriseKeywords []string `yaml:"surprise_keywords,omitempty"`
	// EchoActuator receives the rules provider's planned chat actions.
	EchoActuator string `yaml:"echo_actuator,omitempty"`
}

// SensorConfig declares one sensor in the config file.
type SensorConfig struct {
	Name             string                `yaml:"name"`
	Description      string                `yaml:"description,omitempty"`
	Enabled          *bool                 `yaml:"enabled,omitempty"`
	SensitivityScore *int                  `yaml:"sensitivity_score,omitempty"`
	Ingress          percept.IngressConfig `yaml:"ingress,omitempty"`
}

// Config is the full agent configuration.
type Config struct {
	// Workspace is the agent's working directory; state lives under
	// .vigil/ inside it.
	Workspace string `yaml:"workspace"`
	// DatabasePath is the SQLite ledger location.
	DatabasePath string `yaml:"database_path"`
	// ListenAddr is the HTTP command surface address.
	ListenAddr string `yaml:"listen_addr"`
	// LoopIntervalMS is the pause between iterations.
	LoopIntervalMS int `yaml:"loop_interval_ms"`
	// AutoStart launches the loop immediately instead of waiting for the
	// start command.
	AutoStart bool `yaml:"auto_start"`

	Model     ModelConfig         `yaml:"model"`
	Sensors   []SensorConfig      `yaml:"sensors,omitempty"`
	Actuators []actuator.Actuator `yaml:"actuators,omitempty"`
}

// DefaultConfig returns the configuration used when no file exists: one
// chat sensor and the internal tool actuators, sandboxed shell, loop every
// second.
func DefaultConfig() *Config {
	return &Config{
		Workspace:      ".",
		DatabasePath:   filepath.Join(".vigil", "ledger.db"),
		ListenAddr:     "127.0.0.1:4540",
		LoopIntervalMS: 1000,
		Model: ModelConfig{
			Provider:         "rules",
			SurpriseKeywords: []string{"urgent", "error", "failed", "down"},
			EchoActuator:     "assistant",
		},
		Sensors: []SensorConfig{
			{Name: "chat", Description: "operator chat messages"},
		},
		Actuators: []actuator.Actuator{
			{
				Name:        "assistant",
				Kind:        actuator.KindInternal,
				Description: "conversational responses and read-only lookups",
			},
			{
				Name:        "workbench",
				Kind:        actuator.KindInternal,
				Description: "file search and sandboxed shell",
				Policy:      policy.SafetyPolicy{Sandboxed: true},
			},
		},
	}
}

// Load reads the YAML config at path, filling defaults for absent fields
// and applying environment overrides. A missing file yields defaults.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// Save writes the configuration to a YAML file. Used to persist runtime
// changes such as the loop interval.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// applyEnvOverrides applies environment variable overrides.
func (c *Config) applyEnvOverrides() {
	if key := os.Getenv("GEMINI_API_KEY"); key != "" {
		c.Model.APIKey = key
		c.Model.Provider = "gemini"
	}
	if ws := os.Getenv("VIGIL_WORKSPACE"); ws != "" {
		c.Workspace = ws
	}
	if path := os.Getenv("VIGIL_DB"); path != "" {
		c.DatabasePath = path
	}
	if addr := os.Getenv("VIGIL_LISTEN_ADDR"); addr != "" {
		c.ListenAddr = addr
	}
	if ms := os.Getenv("VIGIL_LOOP_INTERVAL_MS"); ms != "" {
		if v, err := strconv.Atoi(ms); err == nil && v > 0 {
			c.LoopIntervalMS = v
		}
	}
}

// Validate checks the whole configuration, including every declared sensor
// and actuator.
func (c *Config) Validate() error {
	if c.LoopIntervalMS <= 0 {
		return fmt.Errorf("loop_interval_ms must be positive")
	}
	switch c.Model.Provider {
	case "rules":
	case "gemini":
		if c.Model.APIKey == "" {
			return fmt.Errorf("model provider gemini requires an api key (set GEMINI_API_KEY)")
		}
	default:
		return fmt.Errorf("unknown model provider %q", c.Model.Provider)
	}

	seen := make(map[string]struct{})
	for _, sc := range c.Sensors {
		if sc.Name == "" {
			return fmt.Errorf("sensor name cannot be empty")
		}
		if _, dup := seen[sc.Name]; dup {
			return fmt.Errorf("duplicate sensor %q", sc.Name)
		}
		seen[sc.Name] = struct{}{}
		// An absent ingress block means the REST text default.
		if sc.Ingress.Type != "" {
			if err := sc.Ingress.Validate(); err != nil {
				return fmt.Errorf("sensor %q: %w", sc.Name, err)
			}
		}
	}

	for _, a := range c.Actuators {
		if err := a.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// LoopInterval returns the configured interval as a duration.
func (c *Config) LoopInterval() time.Duration {
	return time.Duration(c.LoopIntervalMS) * time.Millisecond
}

// BuildSensor materializes a declared sensor.
func (sc SensorConfig) BuildSensor() *percept.Sensor {
	sensitivity := 50
	if sc.SensitivityScore != nil {
		sensitivity = *sc.SensitivityScore
	}
	s := percept.NewSensorWithSensitivity(sc.Name, sc.Description, sensitivity)
	if sc.Enabled != nil {
		s.Enabled = *sc.Enabled
	}
	if sc.Ingress.Type != "" {
		s.Ingress = sc.Ingress
	}
	return s
}
