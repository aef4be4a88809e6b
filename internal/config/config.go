// Package config loads the swarm configuration from <home>/config.yaml with
// defaults and environment overrides, and watches it for changes.
package config

import (
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/basket/go-swarm/internal/otel"
)

// Transport kinds.
const (
	TransportMailbox = "mailbox" // sqlite mailbox, polled
	TransportBus     = "bus"     // in-process push hub
	TransportRelay   = "relay"   // websocket relay, push
)

// ProviderConfig holds per-provider settings for LLM access.
type ProviderConfig struct {
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"`
}

// LLMConfig selects the oracle provider.
type LLMConfig struct {
	// Provider is one of google, anthropic, openai, openai_compatible, openrouter.
	Provider string `yaml:"provider"`
	Model    string `yaml:"model"`

	OpenAICompatibleProvider string `yaml:"openai_compatible_provider"`
	OpenAICompatibleBaseURL  string `yaml:"openai_compatible_base_url"`

	// Attempts is the total tries per oracle call, including the first.
	Attempts       int `yaml:"attempts"`
	TimeoutSeconds int `yaml:"timeout_seconds"`
}

// AgentConfig defines one agent started by `swarm run`.
type AgentConfig struct {
	AgentID     string   `yaml:"agent_id"`
	DisplayName string   `yaml:"display_name"`
	Role        string   `yaml:"role"` // coordinator or worker
	Skills      []string `yaml:"skills"`

	// Instructions are prepended to every subtask prompt this agent runs.
	Instructions     string `yaml:"instructions"`
	InstructionsFile string `yaml:"instructions_file"`
}

// IsCoordinator reports whether the agent accepts task requests.
func (a AgentConfig) IsCoordinator() bool {
	return a.Role == "coordinator"
}

// TransportConfig selects and tunes the message transport.
type TransportConfig struct {
	Kind string `yaml:"kind"`

	PollMinMS      int     `yaml:"poll_min_ms"`
	PollMaxMS      int     `yaml:"poll_max_ms"`
	PollFactor     float64 `yaml:"poll_factor"`
	EmptyThreshold int     `yaml:"empty_threshold"`
	BatchSize      int     `yaml:"batch_size"`
	DedupSize      int     `yaml:"dedup_size"`

	VisibilityTimeoutSeconds int `yaml:"visibility_timeout_seconds"`

	RelayURL            string   `yaml:"relay_url"`
	RelayToken          string   `yaml:"relay_token"`
	RelayAddr           string   `yaml:"relay_addr"`
	RelayBufferPerAgent int      `yaml:"relay_buffer_per_agent"`
	AllowOrigins        []string `yaml:"allow_origins"`
}

// PollMin returns the minimum poll interval.
func (t TransportConfig) PollMin() time.Duration {
	return time.Duration(t.PollMinMS) * time.Millisecond
}

// PollMax returns the maximum poll interval.
func (t TransportConfig) PollMax() time.Duration {
	return time.Duration(t.PollMaxMS) * time.Millisecond
}

// CoordinatorConfig tunes decomposition and dispatch.
type CoordinatorConfig struct {
	FailurePolicy    string `yaml:"failure_policy"`
	MaxSubtasks      int    `yaml:"max_subtasks"`
	DecomposeRepairs int    `yaml:"decompose_repairs"`
	// SingleFallback runs the whole task as one subtask when no LLM is configured.
	SingleFallback bool `yaml:"single_fallback"`
	// Summarize asks the oracle for a final aggregate of completed results.
	Summarize bool `yaml:"summarize"`
}

// MaintenanceConfig schedules snapshots and retention.
type MaintenanceConfig struct {
	SnapshotSchedule      string `yaml:"snapshot_schedule"`
	RetentionSchedule     string `yaml:"retention_schedule"`
	RetentionMessagesDays int    `yaml:"retention_messages_days"`
	RetentionTasksDays    int    `yaml:"retention_tasks_days"`
	HeartbeatSeconds      int    `yaml:"heartbeat_seconds"`
	StaleAgentSeconds     int    `yaml:"stale_agent_seconds"`
}

// PlanConfig is a named decomposition that bypasses the oracle.
type PlanConfig struct {
	Name    string           `yaml:"name"`
	Summary string           `yaml:"summary"`
	Steps   []PlanStepConfig `yaml:"steps"`
}

// PlanStepConfig defines one subtask of a named plan.
type PlanStepConfig struct {
	ID              string   `yaml:"id"`
	AgentID         string   `yaml:"agent_id"`
	Prompt          string   `yaml:"prompt"`
	DependsOn       []string `yaml:"depends_on"`
	SuccessCriteria string   `yaml:"success_criteria"`
}

type Config struct {
	HomeDir string `yaml:"-"`
	// EnvOverrides names the SWARM_* variables that replaced file values.
	EnvOverrides []string `yaml:"-"`

	LogLevel string `yaml:"log_level"`
	DBPath   string `yaml:"db_path"`

	LLM       LLMConfig                 `yaml:"llm"`
	Providers map[string]ProviderConfig `yaml:"providers"`

	Agents      []AgentConfig     `yaml:"agents"`
	Transport   TransportConfig   `yaml:"transport"`
	Coordinator CoordinatorConfig `yaml:"coordinator"`
	Maintenance MaintenanceConfig `yaml:"maintenance"`
	OTel        otel.Config       `yaml:"otel"`
	Plans       []PlanConfig      `yaml:"plans"`
}

// ConfigPath returns the path to config.yaml within the given home directory.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

// Fingerprint returns a stable hash of the settings that change running agents.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "log=%s|transport=%s|poll=%d-%d|policy=%s|llm=%s/%s|agents=%d",
		c.LogLevel, c.Transport.Kind, c.Transport.PollMinMS, c.Transport.PollMaxMS,
		c.Coordinator.FailurePolicy, c.LLM.Provider, c.LLM.Model, len(c.Agents))
	return fmt.Sprintf("cfg-%x", h.Sum64())
}

// Coordinators returns the agents with the coordinator role.
func (c Config) Coordinators() []AgentConfig {
	var out []AgentConfig
	for _, a := range c.Agents {
		if a.IsCoordinator() {
			out = append(out, a)
		}
	}
	return out
}

// LLMAPIKey returns the API key for provider. Env vars take precedence.
func (c Config) LLMAPIKey(provider string) string {
	envMap := map[string][]string{
		"google":            {"GEMINI_API_KEY", "GOOGLE_API_KEY"},
		"anthropic":         {"ANTHROPIC_API_KEY"},
		"openai":            {"OPENAI_API_KEY"},
		"openai_compatible": {"OPENAI_API_KEY"},
		"openrouter":        {"OPENROUTER_API_KEY"},
	}
	for _, envVar := range envMap[provider] {
		if v := os.Getenv(envVar); v != "" {
			return v
		}
	}
	if p, ok := c.Providers[provider]; ok {
		return p.APIKey
	}
	return ""
}

// LLMBaseURL returns the endpoint override for the active provider.
func (c Config) LLMBaseURL() string {
	if c.LLM.Provider == "openai_compatible" && c.LLM.OpenAICompatibleBaseURL != "" {
		return c.LLM.OpenAICompatibleBaseURL
	}
	if p, ok := c.Providers[c.LLM.Provider]; ok {
		return p.BaseURL
	}
	return ""
}

func defaultConfig() Config {
	return Config{
		LogLevel: "info",
		LLM: LLMConfig{
			Provider:       "google",
			Attempts:       3,
			TimeoutSeconds: 120,
		},
		Agents: []AgentConfig{
			{AgentID: "coordinator", DisplayName: "Coordinator", Role: "coordinator"},
			{AgentID: "worker-1", DisplayName: "Worker 1", Role: "worker", Skills: []string{"research"}},
			{AgentID: "worker-2", DisplayName: "Worker 2", Role: "worker", Skills: []string{"writing"}},
		},
		Transport: TransportConfig{
			Kind:                     TransportMailbox,
			PollMinMS:                500,
			PollMaxMS:                10_000,
			PollFactor:               1.5,
			EmptyThreshold:           3,
			BatchSize:                10,
			DedupSize:                1000,
			VisibilityTimeoutSeconds: 30,
			RelayAddr:                "127.0.0.1:18790",
			RelayBufferPerAgent:      1000,
		},
		Coordinator: CoordinatorConfig{
			FailurePolicy:    "fail_fast",
			DecomposeRepairs: 1,
			SingleFallback:   true,
		},
		Maintenance: MaintenanceConfig{
			SnapshotSchedule:      "@every 1m",
			RetentionSchedule:     "@daily",
			RetentionMessagesDays: 7,
			RetentionTasksDays:    30,
			HeartbeatSeconds:      30,
		},
	}
}

// HomeDir returns SWARM_HOME, or ~/.goswarm.
func HomeDir() string {
	if override := os.Getenv("SWARM_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".goswarm")
}

// Load reads config.yaml from HomeDir. A missing file yields the defaults.
func Load() (Config, error) {
	return LoadFrom(HomeDir())
}

// LoadFrom reads <homeDir>/config.yaml, applies env overrides, normalizes
// and validates.
func LoadFrom(homeDir string) (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = homeDir

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create swarm home: %w", err)
	}

	data, err := os.ReadFile(ConfigPath(cfg.HomeDir))
	if err != nil && !os.IsNotExist(err) {
		return cfg, fmt.Errorf("read config.yaml: %w", err)
	}
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	loadInstructionFiles(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func normalize(cfg *Config) {
	def := defaultConfig()
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.DBPath == "" {
		cfg.DBPath = filepath.Join(cfg.HomeDir, "swarm.db")
	}

	cfg.LLM.Provider = strings.ToLower(strings.TrimSpace(cfg.LLM.Provider))
	if cfg.LLM.Provider == "" || cfg.LLM.Provider == "gemini" {
		cfg.LLM.Provider = "google"
	}
	if cfg.LLM.Attempts <= 0 {
		cfg.LLM.Attempts = def.LLM.Attempts
	}
	if cfg.LLM.TimeoutSeconds <= 0 {
		cfg.LLM.TimeoutSeconds = def.LLM.TimeoutSeconds
	}

	t := &cfg.Transport
	t.Kind = strings.ToLower(strings.TrimSpace(t.Kind))
	if t.Kind == "" {
		t.Kind = TransportMailbox
	}
	if t.PollMinMS <= 0 {
		t.PollMinMS = def.Transport.PollMinMS
	}
	if t.PollMaxMS <= 0 {
		t.PollMaxMS = def.Transport.PollMaxMS
	}
	if t.PollMaxMS < t.PollMinMS {
		t.PollMaxMS = t.PollMinMS
	}
	if t.PollFactor < 1 {
		t.PollFactor = def.Transport.PollFactor
	}
	if t.EmptyThreshold <= 0 {
		t.EmptyThreshold = def.Transport.EmptyThreshold
	}
	if t.BatchSize <= 0 {
		t.BatchSize = def.Transport.BatchSize
	}
	if t.DedupSize <= 0 {
		t.DedupSize = def.Transport.DedupSize
	}
	if t.VisibilityTimeoutSeconds <= 0 {
		t.VisibilityTimeoutSeconds = def.Transport.VisibilityTimeoutSeconds
	}
	if t.RelayAddr == "" {
		t.RelayAddr = def.Transport.RelayAddr
	}
	if t.RelayBufferPerAgent <= 0 {
		t.RelayBufferPerAgent = def.Transport.RelayBufferPerAgent
	}

	if cfg.Coordinator.FailurePolicy == "" {
		cfg.Coordinator.FailurePolicy = def.Coordinator.FailurePolicy
	}
	if cfg.Coordinator.DecomposeRepairs < 0 {
		cfg.Coordinator.DecomposeRepairs = 0
	}

	m := &cfg.Maintenance
	if m.SnapshotSchedule == "" {
		m.SnapshotSchedule = def.Maintenance.SnapshotSchedule
	}
	if m.RetentionSchedule == "" {
		m.RetentionSchedule = def.Maintenance.RetentionSchedule
	}
	if m.HeartbeatSeconds <= 0 {
		m.HeartbeatSeconds = def.Maintenance.HeartbeatSeconds
	}

	for i := range cfg.Agents {
		a := &cfg.Agents[i]
		a.AgentID = strings.TrimSpace(a.AgentID)
		if a.Role == "" {
			a.Role = "worker"
		}
		if a.DisplayName == "" {
			a.DisplayName = a.AgentID
		}
	}
}

func validate(cfg Config) error {
	switch cfg.Transport.Kind {
	case TransportMailbox, TransportBus:
	case TransportRelay:
		if cfg.Transport.RelayURL == "" {
			return fmt.Errorf("transport.relay_url is required for the relay transport")
		}
	default:
		return fmt.Errorf("unknown transport kind %q (supported: mailbox, bus, relay)", cfg.Transport.Kind)
	}

	switch cfg.Coordinator.FailurePolicy {
	case "fail_fast", "continue":
	default:
		return fmt.Errorf("unknown coordinator.failure_policy %q (supported: fail_fast, continue)", cfg.Coordinator.FailurePolicy)
	}

	seen := make(map[string]bool, len(cfg.Agents))
	for _, a := range cfg.Agents {
		if a.AgentID == "" {
			return fmt.Errorf("agent with empty agent_id")
		}
		if seen[a.AgentID] {
			return fmt.Errorf("duplicate agent_id %q", a.AgentID)
		}
		seen[a.AgentID] = true
		if a.Role != "coordinator" && a.Role != "worker" {
			return fmt.Errorf("agent %s: unknown role %q (supported: coordinator, worker)", a.AgentID, a.Role)
		}
	}

	names := make(map[string]bool, len(cfg.Plans))
	for _, p := range cfg.Plans {
		if p.Name == "" {
			return fmt.Errorf("plan has empty name")
		}
		if names[p.Name] {
			return fmt.Errorf("duplicate plan name: %s", p.Name)
		}
		names[p.Name] = true
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	env := func(name string) string {
		v := os.Getenv(name)
		if v != "" {
			cfg.EnvOverrides = append(cfg.EnvOverrides, name)
		}
		return v
	}
	if raw := env("SWARM_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := env("SWARM_DB_PATH"); raw != "" {
		cfg.DBPath = raw
	}
	if raw := env("SWARM_TRANSPORT"); raw != "" {
		cfg.Transport.Kind = raw
	}
	if raw := env("SWARM_POLL_MIN_MS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.Transport.PollMinMS = v
		}
	}
	if raw := env("SWARM_POLL_MAX_MS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.Transport.PollMaxMS = v
		}
	}
	if raw := env("SWARM_RELAY_URL"); raw != "" {
		cfg.Transport.RelayURL = raw
	}
	if raw := env("SWARM_RELAY_TOKEN"); raw != "" {
		cfg.Transport.RelayToken = raw
	}
	if raw := env("SWARM_FAILURE_POLICY"); raw != "" {
		cfg.Coordinator.FailurePolicy = raw
	}
	if raw := env("SWARM_LLM_PROVIDER"); raw != "" {
		cfg.LLM.Provider = raw
	}
	if raw := env("SWARM_LLM_MODEL"); raw != "" {
		cfg.LLM.Model = raw
	}
}

func loadInstructionFiles(cfg *Config) {
	for i := range cfg.Agents {
		a := &cfg.Agents[i]
		if a.Instructions != "" || a.InstructionsFile == "" {
			continue
		}
		path := a.InstructionsFile
		if !filepath.IsAbs(path) {
			path = filepath.Join(cfg.HomeDir, path)
		}
		if b, err := os.ReadFile(path); err == nil {
			a.Instructions = strings.TrimSpace(string(b))
		}
	}
}
