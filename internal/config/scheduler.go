package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/me/gpusched/pkg/model"
)

// SchedulerConfig is the YAML-loaded configuration of the scheduling core.
type SchedulerConfig struct {
	TickInterval       time.Duration    `yaml:"tick_interval"`
	HealthPollInterval time.Duration    `yaml:"health_poll_interval"`
	MaxConcurrent      int              `yaml:"max_concurrent"`
	RecentLimit        int              `yaml:"recent_limit"`
	Thresholds         model.Thresholds `yaml:"thresholds"`
	Telemetry          TelemetryConfig  `yaml:"telemetry"`

	// AdmissionRule is an optional JavaScript boolean expression evaluated
	// per device, e.g. "gpu.utilization_pct < 95".
	AdmissionRule string `yaml:"admission_rule"`

	StatusTTL         time.Duration `yaml:"status_ttl"`
	StatusTimeout     time.Duration `yaml:"status_timeout"`
	GenerationTimeout time.Duration `yaml:"generation_timeout"`

	Providers         []ProviderConfig `yaml:"providers"`
	ModelFootprintsMB map[string]int64 `yaml:"model_footprints_mb"`
	Routing           RoutingConfig    `yaml:"routing"`
}

// TelemetryConfig selects the GPU query command.
type TelemetryConfig struct {
	Command string   `yaml:"command"`
	Args    []string `yaml:"args"`
}

// ProviderConfig describes one inference provider.
type ProviderConfig struct {
	Name     string             `yaml:"name"`
	Kind     model.ProviderKind `yaml:"kind"`
	Endpoint string             `yaml:"endpoint"`

	// Command and Args are used by cli providers. "{model}" in Args is
	// replaced with the model name; the prompt is written to stdin.
	Command     string   `yaml:"command"`
	Args        []string `yaml:"args"`
	VersionArgs []string `yaml:"version_args"`

	APIKeyEnv     string   `yaml:"api_key_env"`
	Models        []string `yaml:"models"`
	DefaultModel  string   `yaml:"default_model"`
	Cost          float64  `yaml:"cost"`
	PreferredGPUs []int    `yaml:"preferred_gpus"`
	Disabled      bool     `yaml:"disabled"`
}

// RoutingConfig overrides entries of the built-in routing tables. Keys of
// the per-type maps are task type names.
type RoutingConfig struct {
	Preferences      map[string][]string          `yaml:"preferences"`
	Models           map[string]map[string]string `yaml:"models"`
	Verifiers        map[string]string            `yaml:"verifiers"`
	VerifierFallback []string                     `yaml:"verifier_fallback"`
	Priorities       map[string]int               `yaml:"priorities"`
	Failover         map[string][]string          `yaml:"failover"`
}

// DefaultSchedulerConfig returns the built-in configuration: one local
// Ollama endpoint plus the claude, gemini and codex command-line tools.
func DefaultSchedulerConfig() SchedulerConfig {
	return SchedulerConfig{
		TickInterval:       2 * time.Second,
		HealthPollInterval: 2 * time.Second,
		MaxConcurrent:      2,
		RecentLimit:        50,
		Thresholds:         model.DefaultThresholds(),
		Telemetry: TelemetryConfig{
			Command: "nvidia-smi",
			Args: []string{
				"--query-gpu=index,temperature.gpu,memory.used,memory.total,utilization.gpu",
				"--format=csv,noheader,nounits",
			},
		},
		StatusTTL:         30 * time.Second,
		StatusTimeout:     10 * time.Second,
		GenerationTimeout: 180 * time.Second,
		Providers: []ProviderConfig{
			{
				Name:          "ollama",
				Kind:          model.ProviderKindOllama,
				Endpoint:      "http://127.0.0.1:11434",
				DefaultModel:  "qwen2.5:14b",
				PreferredGPUs: []int{0},
			},
			{
				Name:         "claude_code",
				Kind:         model.ProviderKindCLI,
				Command:      "claude",
				Args:         []string{"-p", "--model", "{model}"},
				DefaultModel: "sonnet",
				Cost:         1,
			},
			{
				Name:         "gemini",
				Kind:         model.ProviderKindCLI,
				Command:      "gemini",
				Args:         []string{"-m", "{model}"},
				DefaultModel: "gemini-2.5-pro",
				Cost:         1,
			},
			{
				Name:         "codex",
				Kind:         model.ProviderKindCLI,
				Command:      "codex",
				Args:         []string{"exec", "-m", "{model}", "-"},
				DefaultModel: "gpt-5-codex",
				Cost:         1,
			},
		},
		ModelFootprintsMB: map[string]int64{
			"slate-coder":  9000,
			"qwen2.5:14b":  10000,
			"qwen2.5:7b":   5500,
			"llama3.1:8b":  6000,
			"deepseek-r1":  9500,
			"nomic-embed":  600,
			"mistral:7b":   5000,
			"phi3:mini":    2600,
			"codellama:7b": 5000,
		},
	}
}

// LoadSchedulerConfig reads a YAML file over the defaults. An empty path
// returns the defaults.
func LoadSchedulerConfig(path string) (SchedulerConfig, error) {
	cfg := DefaultSchedulerConfig()
	if path == "" {
		return cfg, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config %s: %w", path, err)
	}
	return ParseSchedulerConfig(b)
}

// ParseSchedulerConfig decodes YAML over the defaults and validates it.
// A providers list in the document replaces the default list.
func ParseSchedulerConfig(b []byte) (SchedulerConfig, error) {
	cfg := DefaultSchedulerConfig()
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// EnabledProviders returns the providers not marked disabled.
func (c SchedulerConfig) EnabledProviders() []ProviderConfig {
	var out []ProviderConfig
	for _, p := range c.Providers {
		if !p.Disabled {
			out = append(out, p)
		}
	}
	return out
}

// Footprint returns the memory footprint of a model in MB, 0 if unknown.
func (c SchedulerConfig) Footprint(modelName string) int64 {
	return c.ModelFootprintsMB[modelName]
}

// Validate checks limits, provider definitions and routing references.
func (c SchedulerConfig) Validate() error {
	if c.TickInterval <= 0 || c.HealthPollInterval <= 0 {
		return fmt.Errorf("tick_interval and health_poll_interval must be positive")
	}
	if c.MaxConcurrent <= 0 {
		return fmt.Errorf("max_concurrent must be positive, got %d", c.MaxConcurrent)
	}
	if c.RecentLimit < 0 {
		return fmt.Errorf("recent_limit must not be negative")
	}
	if c.GenerationTimeout <= 0 || c.StatusTimeout <= 0 || c.StatusTTL <= 0 {
		return fmt.Errorf("timeouts and status_ttl must be positive")
	}
	t := c.Thresholds
	if t.ThrottleTempC > t.PauseTempC || t.CautionMemPct > t.PauseMemPct {
		return fmt.Errorf("thresholds: throttle/caution must not exceed pause")
	}

	names := make(map[string]bool)
	for i, p := range c.Providers {
		if p.Name == "" {
			return fmt.Errorf("providers[%d]: name is required", i)
		}
		if names[p.Name] {
			return fmt.Errorf("providers[%d]: duplicate name %q", i, p.Name)
		}
		names[p.Name] = true
		switch p.Kind {
		case model.ProviderKindOllama, model.ProviderKindOpenAI:
			if p.Endpoint == "" {
				return fmt.Errorf("provider %s: endpoint is required for kind %s", p.Name, p.Kind)
			}
		case model.ProviderKindCLI:
			if p.Command == "" {
				return fmt.Errorf("provider %s: command is required for kind cli", p.Name)
			}
		default:
			return fmt.Errorf("provider %s: unknown kind %q", p.Name, p.Kind)
		}
	}

	checkType := func(section, key string) error {
		if !model.TaskType(key).Valid() {
			return fmt.Errorf("routing.%s: unknown task type %q", section, key)
		}
		return nil
	}
	checkProvider := func(section, name string) error {
		if !names[name] {
			return fmt.Errorf("routing.%s: unknown provider %q", section, name)
		}
		return nil
	}
	r := c.Routing
	for tt, prefs := range r.Preferences {
		if err := checkType("preferences", tt); err != nil {
			return err
		}
		if len(prefs) == 0 {
			return fmt.Errorf("routing.preferences.%s: empty preference list", tt)
		}
		for _, p := range prefs {
			if err := checkProvider("preferences", p); err != nil {
				return err
			}
		}
	}
	for tt, m := range r.Models {
		if err := checkType("models", tt); err != nil {
			return err
		}
		for p := range m {
			if err := checkProvider("models", p); err != nil {
				return err
			}
		}
	}
	for tt, v := range r.Verifiers {
		if err := checkType("verifiers", tt); err != nil {
			return err
		}
		if err := checkProvider("verifiers", v); err != nil {
			return err
		}
	}
	for _, p := range r.VerifierFallback {
		if err := checkProvider("verifier_fallback", p); err != nil {
			return err
		}
	}
	for tt := range r.Priorities {
		if err := checkType("priorities", tt); err != nil {
			return err
		}
	}
	for from, chain := range r.Failover {
		if err := checkProvider("failover", from); err != nil {
			return err
		}
		for _, p := range chain {
			if err := checkProvider("failover", p); err != nil {
				return err
			}
		}
	}
	return nil
}
