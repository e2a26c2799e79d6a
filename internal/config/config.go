// Package config loads the rampart server configuration from YAML.
// Everything is bound once at startup; the IP reputation list is the only
// input that reloads at runtime, and it lives outside this file.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/rampart-ai/rampart/internal/engine"
)

// Duration wraps time.Duration so YAML values like "500ms" parse.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config holds the full rampart configuration.
type Config struct {
	Server        ServerConfig    `yaml:"server"`
	Logging       LoggingConfig   `yaml:"logging"`
	Engine        EngineConfig    `yaml:"engine"`
	Policies      []PolicyConfig  `yaml:"policies"`
	DefaultPolicy string          `yaml:"default_policy"`
	PathMappings  []MappingConfig `yaml:"path_mappings"`
	Detectors     DetectorsConfig `yaml:"detectors"`
	WeightStore   WeightStoreCfg  `yaml:"weight_store"`
	Storage       StorageConfig   `yaml:"storage"`
}

type ServerConfig struct {
	Addr            string         `yaml:"addr"` // HTTP listen address, e.g. ":8080"
	ReadTimeout     Duration       `yaml:"read_timeout"`
	WriteTimeout    Duration       `yaml:"write_timeout"`
	ShutdownTimeout Duration       `yaml:"shutdown_timeout"`
	CORSOrigins     []string       `yaml:"cors_origins"`
	APIKeys         []APIKeyConfig `yaml:"api_keys"`
}

// APIKeyConfig is one bearer credential. Hash is a bcrypt hash of the raw
// key; the raw key never appears in config.
type APIKeyConfig struct {
	Name string `yaml:"name"`
	Hash string `yaml:"hash"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug | info | warn | error
	Format string `yaml:"format"` // json | console
}

type EngineConfig struct {
	RequestBudget Duration `yaml:"request_budget"`
	MaxParallel   int      `yaml:"max_parallel"`
}

// PolicyConfig mirrors engine.Policy in YAML form.
type PolicyConfig struct {
	Name          string             `yaml:"name"`
	FastDetectors []string           `yaml:"fast_detectors"`
	SlowDetectors []string           `yaml:"slow_detectors"`
	AIDetectors   []string           `yaml:"ai_detectors"`
	Thresholds    ThresholdsConfig   `yaml:"thresholds"`
	Weights       map[string]float32 `yaml:"weights"`
	UseFastPath   *bool              `yaml:"use_fast_path"`
	ForceSlowPath bool               `yaml:"force_slow_path"`
	EscalateToAI  bool               `yaml:"escalate_to_ai"`
	FailMode      string             `yaml:"fail_mode"` // open | closed
	RequestBudget Duration           `yaml:"request_budget"`
}

type ThresholdsConfig struct {
	Block         float32 `yaml:"block"`
	Challenge     float32 `yaml:"challenge"`
	MinConfidence float32 `yaml:"min_confidence"`
	VerdictFloor  float32 `yaml:"verdict_floor"`
}

type MappingConfig struct {
	Pattern string `yaml:"pattern"`
	Policy  string `yaml:"policy"`
}

type DetectorsConfig struct {
	IPReputationFile string         `yaml:"ip_reputation_file"`
	Behavior         BehaviorConfig `yaml:"behavior"`
	LLM              LLMConfig      `yaml:"llm"`
}

type BehaviorConfig struct {
	Window     Duration `yaml:"window"`
	BucketSize Duration `yaml:"bucket_size"`
	SoftLimit  int64    `yaml:"soft_limit"`
	HardLimit  int64    `yaml:"hard_limit"`
}

type LLMConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Model     string `yaml:"model"`
	APIKeyEnv string `yaml:"api_key_env"` // e.g. "OPENAI_API_KEY"
}

type WeightStoreCfg struct {
	Backend       string   `yaml:"backend"` // postgres | sqlite | memory
	PostgresDSN   string   `yaml:"postgres_dsn"`
	SQLitePath    string   `yaml:"sqlite_path"`
	FlushInterval Duration `yaml:"flush_interval"`
	FlushBatch    int      `yaml:"flush_batch"`
	DecaySchedule string   `yaml:"decay_schedule"` // cron expression
	DecayMaxAge   Duration `yaml:"decay_max_age"`
}

type StorageConfig struct {
	ClickHouseDSN string `yaml:"clickhouse_dsn"` // empty: decisions go to the log
}

// Load reads configuration from a YAML file.
// If the file doesn't exist, it returns the default config and no error.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg := defaultConfig()
			return cfg, nil
		}
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	applyDefaults(&cfg)
	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return &cfg, nil
}

func defaultConfig() *Config {
	cfg := &Config{
		Policies: []PolicyConfig{
			{
				Name:          "standard",
				FastDetectors: []string{"user_agent", "ip_reputation", "header_heuristics"},
				SlowDetectors: []string{"behavior_rate"},
				FailMode:      "open",
			},
		},
		DefaultPolicy: "standard",
	}
	applyDefaults(cfg)
	return cfg
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Addr == "" {
		cfg.Server.Addr = ":8080"
	}
	if cfg.Server.ReadTimeout == 0 {
		cfg.Server.ReadTimeout = Duration(10 * time.Second)
	}
	if cfg.Server.WriteTimeout == 0 {
		cfg.Server.WriteTimeout = Duration(10 * time.Second)
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = Duration(10 * time.Second)
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}

	// Omitted thresholds fall back to the server defaults. A zero block
	// threshold would turn any signal into an immediate block, and a zero
	// verdict floor would let any verdict-bearing signal short-circuit.
	for i := range cfg.Policies {
		th := &cfg.Policies[i].Thresholds
		if th.Block == 0 {
			th.Block = 0.90
		}
		if th.Challenge == 0 {
			th.Challenge = 0.70
		}
		if th.MinConfidence == 0 {
			th.MinConfidence = 0.30
		}
		if th.VerdictFloor == 0 {
			th.VerdictFloor = 0.95
		}
	}

	if cfg.Engine.RequestBudget == 0 {
		cfg.Engine.RequestBudget = Duration(500 * time.Millisecond)
	}
	if cfg.Engine.MaxParallel == 0 {
		cfg.Engine.MaxParallel = 8
	}

	if cfg.Detectors.Behavior.Window == 0 {
		cfg.Detectors.Behavior.Window = Duration(time.Minute)
	}
	if cfg.Detectors.Behavior.BucketSize == 0 {
		cfg.Detectors.Behavior.BucketSize = Duration(time.Second)
	}
	if cfg.Detectors.Behavior.SoftLimit == 0 {
		cfg.Detectors.Behavior.SoftLimit = 30
	}
	if cfg.Detectors.Behavior.HardLimit == 0 {
		cfg.Detectors.Behavior.HardLimit = 120
	}

	if cfg.WeightStore.Backend == "" {
		cfg.WeightStore.Backend = "memory"
	}
	if cfg.WeightStore.FlushInterval == 0 {
		cfg.WeightStore.FlushInterval = Duration(2 * time.Second)
	}
	if cfg.WeightStore.FlushBatch == 0 {
		cfg.WeightStore.FlushBatch = 256
	}
	if cfg.WeightStore.DecaySchedule == "" {
		cfg.WeightStore.DecaySchedule = "0 3 * * *"
	}
	if cfg.WeightStore.DecayMaxAge == 0 {
		cfg.WeightStore.DecayMaxAge = Duration(7 * 24 * time.Hour)
	}

	if cfg.DefaultPolicy == "" && len(cfg.Policies) == 1 {
		cfg.DefaultPolicy = cfg.Policies[0].Name
	}
}

func validate(cfg *Config) error {
	if len(cfg.Policies) == 0 {
		return fmt.Errorf("at least one policy is required")
	}
	seen := make(map[string]bool, len(cfg.Policies))
	for _, p := range cfg.Policies {
		if p.Name == "" {
			return fmt.Errorf("policy without a name")
		}
		if seen[p.Name] {
			return fmt.Errorf("duplicate policy %q", p.Name)
		}
		seen[p.Name] = true
		switch p.FailMode {
		case "", "open", "closed":
		default:
			return fmt.Errorf("policy %q: fail_mode must be open or closed, got %q", p.Name, p.FailMode)
		}
		if p.Thresholds.Challenge > p.Thresholds.Block {
			return fmt.Errorf("policy %q: challenge threshold above block threshold", p.Name)
		}
	}
	if !seen[cfg.DefaultPolicy] {
		return fmt.Errorf("default policy %q is not defined", cfg.DefaultPolicy)
	}
	for _, m := range cfg.PathMappings {
		if m.Pattern == "" || m.Policy == "" {
			return fmt.Errorf("path mapping needs both pattern and policy")
		}
		if !seen[m.Policy] {
			return fmt.Errorf("path mapping %q references unknown policy %q", m.Pattern, m.Policy)
		}
	}
	switch cfg.WeightStore.Backend {
	case "memory":
	case "postgres":
		if cfg.WeightStore.PostgresDSN == "" {
			return fmt.Errorf("weight_store: postgres backend requires postgres_dsn")
		}
	case "sqlite":
		if cfg.WeightStore.SQLitePath == "" {
			return fmt.Errorf("weight_store: sqlite backend requires sqlite_path")
		}
	default:
		return fmt.Errorf("weight_store: unknown backend %q", cfg.WeightStore.Backend)
	}
	for _, k := range cfg.Server.APIKeys {
		if k.Name == "" || k.Hash == "" {
			return fmt.Errorf("api key entries need both name and hash")
		}
	}
	return nil
}

// EnginePolicies converts the configured policies to engine form.
func (c *Config) EnginePolicies() []engine.Policy {
	policies := make([]engine.Policy, 0, len(c.Policies))
	for _, p := range c.Policies {
		ep := engine.Policy{
			Name:          p.Name,
			FastDetectors: p.FastDetectors,
			SlowDetectors: p.SlowDetectors,
			AIDetectors:   p.AIDetectors,
			Thresholds: engine.Thresholds{
				ImmediateBlock: p.Thresholds.Block,
				Challenge:      p.Thresholds.Challenge,
				MinConfidence:  p.Thresholds.MinConfidence,
				VerdictFloor:   p.Thresholds.VerdictFloor,
			},
			Weights:       p.Weights,
			UseFastPath:   true,
			ForceSlowPath: p.ForceSlowPath,
			EscalateToAI:  p.EscalateToAI,
			RequestBudget: p.RequestBudget.Std(),
		}
		if p.UseFastPath != nil {
			ep.UseFastPath = *p.UseFastPath
		}
		if p.FailMode == "closed" {
			ep.FailMode = engine.FailClosed
		}
		policies = append(policies, ep)
	}
	return policies
}

// EngineMappings converts the configured path mappings to resolver inputs.
// Config-declared mappings count as user-defined.
func (c *Config) EngineMappings() []engine.MappingInput {
	mappings := make([]engine.MappingInput, 0, len(c.PathMappings))
	for _, m := range c.PathMappings {
		mappings = append(mappings, engine.MappingInput{
			Pattern:     m.Pattern,
			Policy:      m.Policy,
			UserDefined: true,
		})
	}
	return mappings
}
