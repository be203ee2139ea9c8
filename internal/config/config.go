// Package config loads the engine's runtime configuration. Values layer in
// order: built-in defaults, then a YAML file, then LOOM_* environment
// variables. Each field remembers which layer set it so `loom config` can
// show where a value came from.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Source identifies the layer that set a configuration field.
const (
	SourceDefault = "default"
	SourceFile    = "file"
	SourceEnv     = "env"
)

// Config holds every engine knob. YAML tags name the file keys; the env
// override table below names the LOOM_* variables.
type Config struct {
	// Server
	Host        string   `yaml:"host"`
	Port        int      `yaml:"port"`
	CORSOrigins []string `yaml:"cors_origins"`
	LogLevel    string   `yaml:"log_level"`
	LogFile     string   `yaml:"log_file"`

	// Storage
	DBPath string `yaml:"db_path"`

	// Remote LLM API
	AnthropicAPIKey  string   `yaml:"anthropic_api_key"`
	AnthropicBaseURL string   `yaml:"anthropic_base_url"`
	APITimeout       Duration `yaml:"api_timeout"`
	PlanningModel    string   `yaml:"planning_model"`
	DefaultMaxTokens int      `yaml:"default_max_tokens"`

	// Per-tier model overrides ("haiku", "sonnet", "opus"). Unset tiers use
	// the built-in defaults.
	AnthropicModels map[string]string `yaml:"anthropic_models"`

	// Local LLM and asset backends, keyed by short name ("local", "server").
	OllamaHosts         map[string]string `yaml:"ollama_hosts"`
	OllamaModel         string            `yaml:"ollama_model"`
	OllamaEmbedModel    string            `yaml:"ollama_embed_model"`
	ComfyUIHosts        map[string]string `yaml:"comfyui_hosts"`
	ComfyUICheckpoint   string            `yaml:"comfyui_checkpoint"`
	ComfyUITimeout      Duration          `yaml:"comfyui_timeout"`
	ComfyUIPollInterval Duration          `yaml:"comfyui_poll_interval"`

	// Budget (USD)
	DailyBudgetUSD      float64 `yaml:"daily_budget_usd"`
	MonthlyBudgetUSD    float64 `yaml:"monthly_budget_usd"`
	PerProjectBudgetUSD float64 `yaml:"per_project_budget_usd"`
	BudgetWarnPercent   float64 `yaml:"budget_warn_percent"`

	// Executor
	MaxConcurrentTasks int      `yaml:"max_concurrent_tasks"`
	TickInterval       Duration `yaml:"tick_interval"`
	MaxToolRounds      int      `yaml:"max_tool_rounds"`
	MaxTaskRetries     int      `yaml:"max_task_retries"`
	WaveCheckpoints    bool     `yaml:"wave_checkpoints"`
	ShutdownGrace      Duration `yaml:"shutdown_grace"`
	StaleTaskAfter     Duration `yaml:"stale_task_after"`

	// Task lifecycle
	ContextForwardMaxChars   int    `yaml:"context_forward_max_chars"`
	CheckpointOnRetryExhaust bool   `yaml:"checkpoint_on_retry_exhausted"`
	VerificationEnabled      bool   `yaml:"verification_enabled"`
	VerificationModel        string `yaml:"verification_model"`
	VerificationMaxTokens    int    `yaml:"verification_max_tokens"`

	// Resource monitor
	ResourceCheckInterval Duration `yaml:"resource_check_interval"`
	ResourceSkipWindow    Duration `yaml:"resource_skip_window"`

	// Progress streaming
	EventBufferSize   int      `yaml:"event_buffer_size"`
	KeepaliveInterval Duration `yaml:"keepalive_interval"`

	// Maintenance
	EventRetentionDays int `yaml:"event_retention_days"`

	// Tools
	WorkspaceRoot string `yaml:"workspace_root"`
	KnowledgeDir  string `yaml:"knowledge_dir"`

	provenance map[string]string
}

// Default returns the built-in configuration.
func Default() *Config {
	cfg := &Config{
		Host:        "127.0.0.1",
		Port:        5200,
		CORSOrigins: []string{"http://localhost:5173"},
		LogLevel:    "info",
		LogFile:     "",

		DBPath: "loom.db",

		AnthropicAPIKey:  "",
		AnthropicBaseURL: "https://api.anthropic.com",
		APITimeout:       Duration(120 * time.Second),
		PlanningModel:    "claude-sonnet-4-6",
		DefaultMaxTokens: 4096,
		AnthropicModels:  map[string]string{},

		OllamaHosts:         map[string]string{"local": "http://localhost:11434"},
		OllamaModel:         "qwen2.5-coder:14b",
		OllamaEmbedModel:    "nomic-embed-text",
		ComfyUIHosts:        map[string]string{"local": "http://localhost:8188"},
		ComfyUICheckpoint:   "sd_xl_base_1.0.safetensors",
		ComfyUITimeout:      Duration(300 * time.Second),
		ComfyUIPollInterval: Duration(2 * time.Second),

		DailyBudgetUSD:      5.0,
		MonthlyBudgetUSD:    50.0,
		PerProjectBudgetUSD: 10.0,
		BudgetWarnPercent:   80,

		MaxConcurrentTasks: 3,
		TickInterval:       Duration(2 * time.Second),
		MaxToolRounds:      10,
		MaxTaskRetries:     5,
		WaveCheckpoints:    false,
		ShutdownGrace:      Duration(30 * time.Second),
		StaleTaskAfter:     Duration(10 * time.Minute),

		ContextForwardMaxChars:   2000,
		CheckpointOnRetryExhaust: true,
		VerificationEnabled:      false,
		VerificationModel:        "claude-haiku-4-5-20251001",
		VerificationMaxTokens:    1024,

		ResourceCheckInterval: Duration(30 * time.Second),
		ResourceSkipWindow:    Duration(30 * time.Second),

		EventBufferSize:   100,
		KeepaliveInterval: Duration(30 * time.Second),

		EventRetentionDays: 30,

		WorkspaceRoot: "workspace",
		KnowledgeDir:  "knowledge",

		provenance: make(map[string]string),
	}
	return cfg
}

// Load builds the effective configuration: defaults, then the YAML file at
// path (skipped when path is empty or missing), then environment overrides.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case os.IsNotExist(err):
			// Missing file is fine; defaults plus env carry the day.
		case err != nil:
			return nil, fmt.Errorf("read config file: %w", err)
		default:
			if err := cfg.applyFile(data); err != nil {
				return nil, fmt.Errorf("parse config file %s: %w", path, err)
			}
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyFile(data []byte) error {
	// Decode into a shadow map first so provenance only marks keys the file
	// actually set.
	var keys map[string]any
	if err := yaml.Unmarshal(data, &keys); err != nil {
		return err
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return err
	}
	for key := range keys {
		c.provenance[key] = SourceFile
	}
	return nil
}

type envBinding struct {
	env   string
	key   string
	apply func(*Config, string) error
}

func envString(target *string) func(*Config, string) error {
	return func(_ *Config, v string) error { *target = v; return nil }
}

var errBadBool = fmt.Errorf("expected true or false")

func parseBool(v string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "on":
		return true, nil
	case "0", "false", "no", "off":
		return false, nil
	default:
		return false, errBadBool
	}
}

func (c *Config) bindings() []envBinding {
	return []envBinding{
		{"LOOM_HOST", "host", envString(&c.Host)},
		{"LOOM_PORT", "port", func(c *Config, v string) error {
			n, err := strconv.Atoi(v)
			if err != nil {
				return err
			}
			c.Port = n
			return nil
		}},
		{"LOOM_CORS_ORIGINS", "cors_origins", func(c *Config, v string) error {
			c.CORSOrigins = splitAndTrim(v)
			return nil
		}},
		{"LOOM_LOG_LEVEL", "log_level", envString(&c.LogLevel)},
		{"LOOM_LOG_FILE", "log_file", envString(&c.LogFile)},
		{"LOOM_DB_PATH", "db_path", envString(&c.DBPath)},
		{"ANTHROPIC_API_KEY", "anthropic_api_key", envString(&c.AnthropicAPIKey)},
		{"LOOM_ANTHROPIC_BASE_URL", "anthropic_base_url", envString(&c.AnthropicBaseURL)},
		{"LOOM_API_TIMEOUT", "api_timeout", envDuration(func(c *Config, d Duration) { c.APITimeout = d })},
		{"LOOM_PLANNING_MODEL", "planning_model", envString(&c.PlanningModel)},
		{"LOOM_OLLAMA_URL", "ollama_hosts", func(c *Config, v string) error {
			c.OllamaHosts = map[string]string{"local": v}
			return nil
		}},
		{"LOOM_OLLAMA_MODEL", "ollama_model", envString(&c.OllamaModel)},
		{"LOOM_OLLAMA_EMBED_MODEL", "ollama_embed_model", envString(&c.OllamaEmbedModel)},
		{"LOOM_DAILY_BUDGET_USD", "daily_budget_usd", envFloat(func(c *Config, f float64) { c.DailyBudgetUSD = f })},
		{"LOOM_MONTHLY_BUDGET_USD", "monthly_budget_usd", envFloat(func(c *Config, f float64) { c.MonthlyBudgetUSD = f })},
		{"LOOM_PER_PROJECT_BUDGET_USD", "per_project_budget_usd", envFloat(func(c *Config, f float64) { c.PerProjectBudgetUSD = f })},
		{"LOOM_BUDGET_WARN_PERCENT", "budget_warn_percent", envFloat(func(c *Config, f float64) { c.BudgetWarnPercent = f })},
		{"LOOM_MAX_CONCURRENT_TASKS", "max_concurrent_tasks", envInt(func(c *Config, n int) { c.MaxConcurrentTasks = n })},
		{"LOOM_TICK_INTERVAL", "tick_interval", envDuration(func(c *Config, d Duration) { c.TickInterval = d })},
		{"LOOM_MAX_TOOL_ROUNDS", "max_tool_rounds", envInt(func(c *Config, n int) { c.MaxToolRounds = n })},
		{"LOOM_MAX_TASK_RETRIES", "max_task_retries", envInt(func(c *Config, n int) { c.MaxTaskRetries = n })},
		{"LOOM_WAVE_CHECKPOINTS", "wave_checkpoints", envBool(func(c *Config, b bool) { c.WaveCheckpoints = b })},
		{"LOOM_VERIFICATION_ENABLED", "verification_enabled", envBool(func(c *Config, b bool) { c.VerificationEnabled = b })},
		{"LOOM_CHECKPOINT_ON_RETRY_EXHAUSTED", "checkpoint_on_retry_exhausted", envBool(func(c *Config, b bool) { c.CheckpointOnRetryExhaust = b })},
		{"LOOM_WORKSPACE_ROOT", "workspace_root", envString(&c.WorkspaceRoot)},
		{"LOOM_KNOWLEDGE_DIR", "knowledge_dir", envString(&c.KnowledgeDir)},
	}
}

func envInt(set func(*Config, int)) func(*Config, string) error {
	return func(c *Config, v string) error {
		n, err := strconv.Atoi(v)
		if err != nil {
			return err
		}
		set(c, n)
		return nil
	}
}

func envFloat(set func(*Config, float64)) func(*Config, string) error {
	return func(c *Config, v string) error {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return err
		}
		set(c, f)
		return nil
	}
}

func envBool(set func(*Config, bool)) func(*Config, string) error {
	return func(c *Config, v string) error {
		b, err := parseBool(v)
		if err != nil {
			return err
		}
		set(c, b)
		return nil
	}
}

func envDuration(set func(*Config, Duration)) func(*Config, string) error {
	return func(c *Config, v string) error {
		d, err := parseDuration(v)
		if err != nil {
			return err
		}
		set(c, d)
		return nil
	}
}

func (c *Config) applyEnv() error {
	for _, binding := range c.bindings() {
		value, ok := os.LookupEnv(binding.env)
		if !ok || value == "" {
			continue
		}
		if err := binding.apply(c, value); err != nil {
			return fmt.Errorf("invalid %s=%q: %w", binding.env, value, err)
		}
		c.provenance[binding.key] = SourceEnv
	}
	return nil
}

// Provenance reports which layer set the named key, defaulting to "default".
func (c *Config) Provenance(key string) string {
	if c.provenance == nil {
		return SourceDefault
	}
	if source, ok := c.provenance[key]; ok {
		return source
	}
	return SourceDefault
}

// Validate checks fatal constraints and returns non-fatal warnings. An
// error means the process must not start.
func (c *Config) Validate() ([]string, error) {
	if c.Port < 1 || c.Port > 65535 {
		return nil, fmt.Errorf("port must be between 1 and 65535, got %d", c.Port)
	}
	if c.DailyBudgetUSD < 0 || c.MonthlyBudgetUSD < 0 || c.PerProjectBudgetUSD < 0 {
		return nil, fmt.Errorf("budget limits must not be negative")
	}
	if c.APITimeout <= 0 {
		return nil, fmt.Errorf("api_timeout must be positive")
	}
	if c.TickInterval <= 0 {
		return nil, fmt.Errorf("tick_interval must be positive")
	}
	if c.MaxConcurrentTasks < 1 {
		return nil, fmt.Errorf("max_concurrent_tasks must be at least 1")
	}
	for _, origin := range c.CORSOrigins {
		if !strings.HasPrefix(origin, "http://") && !strings.HasPrefix(origin, "https://") {
			return nil, fmt.Errorf("CORS origin %q must start with http:// or https://", origin)
		}
	}

	var warnings []string
	if c.AnthropicAPIKey == "" {
		warnings = append(warnings, "ANTHROPIC_API_KEY is not set; paid tiers will be unavailable")
	}
	if c.BudgetWarnPercent <= 0 || c.BudgetWarnPercent > 100 {
		warnings = append(warnings, fmt.Sprintf("budget_warn_percent %.0f is outside (0, 100]; warnings disabled", c.BudgetWarnPercent))
	}
	return warnings, nil
}

func splitAndTrim(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
