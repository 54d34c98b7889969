package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/wilsonherrera77/ai-bridge-cli/internal/transport"
)

// CLIType selects the built-in launch profile for an agent.
type CLIType string

const (
	CLIClaude CLIType = "claude"
	CLICodex  CLIType = "codex"
	CLICustom CLIType = "custom"
)

const (
	defaultMaxIterations      = 50
	defaultIterationDelay     = 2 * time.Second
	defaultConflictResolution = "agent_a_priority"
	defaultReplyTimeout       = 120 * time.Second
	defaultSilentPeriod       = 2 * time.Second
)

// AgentSpec is one launch descriptor from the configuration file. Command,
// detector, and restart policy default from the cli_type profile.
type AgentSpec struct {
	ID          string                 `yaml:"id"`
	Role        string                 `yaml:"role"`
	CLIType     CLIType                `yaml:"cli_type"`
	Command     []string               `yaml:"command"`
	Dir         string                 `yaml:"dir"`
	Env         map[string]string      `yaml:"env"`
	Detector    transport.DetectorSpec `yaml:"detector"`
	AutoRestart *bool                  `yaml:"auto_restart"`
	MaxRestarts int                    `yaml:"max_restarts"`
}

// Orchestration carries the driving-loop settings.
type Orchestration struct {
	MaxIterations      int           `yaml:"max_iterations"`
	IterationDelay     time.Duration `yaml:"-"`
	ConflictResolution string        `yaml:"conflict_resolution"`
	WorkflowTemplate   string        `yaml:"workflow_template"`
	Workspace          string        `yaml:"workspace"`
	SessionDir         string        `yaml:"session_dir"`
	WorkflowDir        string        `yaml:"workflow_dir"`
	MessageDir         string        `yaml:"message_dir"`
}

func (o *Orchestration) UnmarshalYAML(node *yaml.Node) error {
	type plain Orchestration
	var raw struct {
		plain          `yaml:",inline"`
		IterationDelay string `yaml:"iteration_delay"`
	}
	if err := node.Decode(&raw); err != nil {
		return err
	}
	delay, err := transport.ParseYAMLDuration(raw.IterationDelay)
	if err != nil {
		return fmt.Errorf("iteration_delay: %w", err)
	}
	*o = Orchestration(raw.plain)
	o.IterationDelay = delay
	return nil
}

// Server configures the HTTP/WebSocket facade.
type Server struct {
	Addr           string   `yaml:"addr"`
	AuthToken      string   `yaml:"auth_token"`
	AllowedOrigins []string `yaml:"allowed_origins"`
}

type Config struct {
	LogLevel      string        `yaml:"log_level"`
	Agents        []AgentSpec   `yaml:"agents"`
	Orchestration Orchestration `yaml:"orchestration"`
	Server        Server        `yaml:"server"`
}

// Default returns the configuration used when no file is given: a Claude
// frontend agent and a Codex backend agent sharing one workspace.
func Default() *Config {
	cfg := &Config{
		LogLevel: "info",
		Agents: []AgentSpec{
			{ID: "agent_a", Role: "frontend", CLIType: CLIClaude},
			{ID: "agent_b", Role: "backend", CLIType: CLICodex},
		},
		Server: Server{Addr: "127.0.0.1:8765"},
	}
	cfg.applyDefaults()
	return cfg
}

// Load reads and validates a YAML configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.Orchestration.MaxIterations <= 0 {
		c.Orchestration.MaxIterations = defaultMaxIterations
	}
	if c.Orchestration.IterationDelay <= 0 {
		c.Orchestration.IterationDelay = defaultIterationDelay
	}
	if c.Orchestration.ConflictResolution == "" {
		c.Orchestration.ConflictResolution = defaultConflictResolution
	}
	if c.Orchestration.WorkflowTemplate == "" {
		c.Orchestration.WorkflowTemplate = "fullstack_development"
	}
	if c.Orchestration.Workspace == "" {
		c.Orchestration.Workspace = "workspace"
	}
	if c.Orchestration.SessionDir == "" {
		c.Orchestration.SessionDir = "sessions"
	}
	if c.Orchestration.WorkflowDir == "" {
		c.Orchestration.WorkflowDir = "workflows"
	}
	if c.Orchestration.MessageDir == "" {
		c.Orchestration.MessageDir = "messages"
	}
	if c.Server.Addr == "" {
		c.Server.Addr = "127.0.0.1:8765"
	}
	for i := range c.Agents {
		c.Agents[i].applyProfile()
	}
}

// applyProfile fills the cli_type defaults into empty fields.
func (a *AgentSpec) applyProfile() {
	if a.CLIType == "" {
		a.CLIType = CLICustom
	}
	if len(a.Command) == 0 {
		switch a.CLIType {
		case CLIClaude:
			a.Command = []string{"claude", "chat"}
		case CLICodex:
			a.Command = []string{"codex", "chat"}
		}
	}
	if a.Detector.Strategy == "" {
		// Chat CLIs stream and then go quiet; the silent-period detector
		// fits them without per-tool markers.
		a.Detector.Strategy = transport.StrategySilentPeriod
		a.Detector.SilentPeriod = defaultSilentPeriod
		a.Detector.Timeout = defaultReplyTimeout
	}
	if a.AutoRestart == nil {
		enabled := true
		a.AutoRestart = &enabled
	}
	if a.MaxRestarts <= 0 {
		a.MaxRestarts = 3
	}
}

func (c *Config) Validate() error {
	if len(c.Agents) == 0 {
		return fmt.Errorf("config: no agents defined")
	}
	seen := make(map[string]struct{})
	for _, agent := range c.Agents {
		if agent.ID == "" {
			return fmt.Errorf("config: agent with empty id")
		}
		if _, dup := seen[agent.ID]; dup {
			return fmt.Errorf("config: duplicate agent id %q", agent.ID)
		}
		seen[agent.ID] = struct{}{}
		if len(agent.Command) == 0 {
			return fmt.Errorf("config: agent %s has no command (cli_type %q)", agent.ID, agent.CLIType)
		}
		switch agent.Role {
		case "frontend", "backend", "orchestrator":
		default:
			return fmt.Errorf("config: agent %s has unknown role %q", agent.ID, agent.Role)
		}
		spec := agent.LaunchSpec()
		if err := spec.Validate(); err != nil {
			return fmt.Errorf("config: agent %s: %w", agent.ID, err)
		}
	}
	switch c.Orchestration.ConflictResolution {
	case "agent_a_priority", "agent_b_priority", "manual":
	default:
		return fmt.Errorf("config: unknown conflict_resolution %q", c.Orchestration.ConflictResolution)
	}
	return nil
}

// LaunchSpec converts the descriptor into a transport launch spec.
func (a AgentSpec) LaunchSpec() transport.LaunchSpec {
	autoRestart := a.AutoRestart != nil && *a.AutoRestart
	return transport.LaunchSpec{
		ID:          a.ID,
		Command:     append([]string(nil), a.Command...),
		Dir:         a.Dir,
		Env:         a.Env,
		Detector:    a.Detector,
		AutoRestart: autoRestart,
		MaxRestarts: a.MaxRestarts,
	}
}
