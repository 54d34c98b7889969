package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/wilsonherrera77/ai-bridge-cli/internal/transport"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "bridge.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestDefaultConfig(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if len(cfg.Agents) != 2 {
		t.Fatalf("agents = %d, want 2", len(cfg.Agents))
	}
	a := cfg.Agents[0]
	if a.Command[0] != "claude" || a.Role != "frontend" {
		t.Fatalf("agent_a = %+v", a)
	}
	if a.Detector.Strategy != transport.StrategySilentPeriod || a.Detector.Timeout != 120*time.Second {
		t.Fatalf("detector profile = %+v", a.Detector)
	}
	if a.AutoRestart == nil || !*a.AutoRestart || a.MaxRestarts != 3 {
		t.Fatalf("restart defaults = %+v", a)
	}
	if cfg.Orchestration.MaxIterations != 50 || cfg.Orchestration.ConflictResolution != "agent_a_priority" {
		t.Fatalf("orchestration defaults = %+v", cfg.Orchestration)
	}
}

func TestLoadAppliesProfilesAndOverrides(t *testing.T) {
	path := writeConfig(t, `
log_level: debug
agents:
  - id: agent_a
    role: frontend
    cli_type: claude
  - id: agent_b
    role: backend
    cli_type: custom
    command: [./mytool, --repl]
    auto_restart: false
    detector:
      strategy: end_marker
      end_marker: "<<DONE>>"
      timeout: 30s
orchestration:
  max_iterations: 7
  conflict_resolution: agent_b_priority
server:
  addr: "0.0.0.0:9000"
  auth_token: secret
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.LogLevel != "debug" {
		t.Fatalf("log level = %q", cfg.LogLevel)
	}

	claude := cfg.Agents[0]
	if claude.Command[0] != "claude" || claude.Detector.Strategy != transport.StrategySilentPeriod {
		t.Fatalf("claude profile not applied: %+v", claude)
	}

	custom := cfg.Agents[1]
	if custom.Detector.Strategy != transport.StrategyEndMarker || custom.Detector.EndMarker != "<<DONE>>" {
		t.Fatalf("custom detector = %+v", custom.Detector)
	}
	if custom.AutoRestart == nil || *custom.AutoRestart {
		t.Fatal("auto_restart override lost")
	}

	if cfg.Orchestration.MaxIterations != 7 || cfg.Orchestration.ConflictResolution != "agent_b_priority" {
		t.Fatalf("orchestration = %+v", cfg.Orchestration)
	}
	if cfg.Server.Addr != "0.0.0.0:9000" || cfg.Server.AuthToken != "secret" {
		t.Fatalf("server = %+v", cfg.Server)
	}

	spec := custom.LaunchSpec()
	if spec.ID != "agent_b" || spec.AutoRestart || spec.Detector.EndMarker != "<<DONE>>" {
		t.Fatalf("launch spec = %+v", spec)
	}
}

func TestLoadRejectsBadConfigs(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"no agents", "log_level: info\n"},
		{"duplicate ids", `
agents:
  - {id: a, role: frontend, cli_type: claude}
  - {id: a, role: backend, cli_type: codex}
`},
		{"unknown role", `
agents:
  - {id: a, role: designer, cli_type: claude}
`},
		{"custom without command", `
agents:
  - {id: a, role: frontend, cli_type: custom}
`},
		{"bad conflict policy", `
agents:
  - {id: a, role: frontend, cli_type: claude}
orchestration:
  conflict_resolution: coin_flip
`},
		{"bad detector", `
agents:
  - id: a
    role: frontend
    cli_type: claude
    detector:
      strategy: end_marker
`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Load(writeConfig(t, tt.content)); err == nil {
				t.Fatal("bad config accepted")
			}
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatal("missing file accepted")
	}
}
