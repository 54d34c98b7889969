package transport

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	DefaultResponseTimeout = 30 * time.Second
	DefaultSilentPeriod    = 2 * time.Second
	DefaultMaxBufferSize   = 1 << 20
	DefaultStopGrace       = 5 * time.Second
)

// Strategy selects how a transport decides a reply is complete.
type Strategy string

const (
	StrategyFixedTimeout Strategy = "fixed_timeout"
	StrategySilentPeriod Strategy = "silent_period"
	StrategyEndMarker    Strategy = "end_marker"
	StrategyPromptRegex  Strategy = "prompt_regex"
)

// DetectorSpec configures reply detection for one transport.
type DetectorSpec struct {
	Strategy      Strategy      `yaml:"strategy" json:"strategy"`
	Timeout       time.Duration `yaml:"timeout" json:"timeout"`
	SilentPeriod  time.Duration `yaml:"silent_period" json:"silent_period"`
	EndMarker     string        `yaml:"end_marker" json:"end_marker"`
	PromptRegex   string        `yaml:"prompt_regex" json:"prompt_regex"`
	MaxBufferSize int           `yaml:"max_buffer_size" json:"max_buffer_size"`
}

func (s DetectorSpec) withDefaults() DetectorSpec {
	if s.Strategy == "" {
		s.Strategy = StrategySilentPeriod
	}
	if s.Timeout <= 0 {
		s.Timeout = DefaultResponseTimeout
	}
	if s.SilentPeriod <= 0 {
		s.SilentPeriod = DefaultSilentPeriod
	}
	if s.MaxBufferSize <= 0 {
		s.MaxBufferSize = DefaultMaxBufferSize
	}
	return s
}

func (s DetectorSpec) Validate() error {
	spec := s.withDefaults()
	switch spec.Strategy {
	case StrategyFixedTimeout, StrategySilentPeriod:
		return nil
	case StrategyEndMarker:
		if strings.TrimSpace(spec.EndMarker) == "" {
			return errors.New("end_marker strategy requires a marker")
		}
		return nil
	case StrategyPromptRegex:
		if spec.PromptRegex == "" {
			return errors.New("prompt_regex strategy requires a pattern")
		}
		if _, err := regexp.Compile(spec.PromptRegex); err != nil {
			return fmt.Errorf("compile prompt regex: %w", err)
		}
		return nil
	default:
		return fmt.Errorf("unknown detection strategy %q", spec.Strategy)
	}
}

// LaunchSpec describes a subprocess a transport manages.
type LaunchSpec struct {
	ID          string            `yaml:"id" json:"id"`
	Command     []string          `yaml:"command" json:"command"`
	Dir         string            `yaml:"dir" json:"dir"`
	Env         map[string]string `yaml:"env" json:"env"`
	Detector    DetectorSpec      `yaml:"detector" json:"detector"`
	StopGrace   time.Duration     `yaml:"stop_grace" json:"stop_grace"`
	AutoRestart bool              `yaml:"auto_restart" json:"auto_restart"`
	MaxRestarts int               `yaml:"max_restarts" json:"max_restarts"`
}

func (s LaunchSpec) Validate() error {
	if strings.TrimSpace(s.ID) == "" {
		return errors.New("launch spec requires an id")
	}
	if len(s.Command) == 0 || strings.TrimSpace(s.Command[0]) == "" {
		return errors.New("launch spec requires a command")
	}
	return s.Detector.Validate()
}

func (s LaunchSpec) stopGrace() time.Duration {
	if s.StopGrace <= 0 {
		return DefaultStopGrace
	}
	return s.StopGrace
}

// UnmarshalYAML accepts durations as "2s"-style strings or bare seconds.
func (s *DetectorSpec) UnmarshalYAML(node *yaml.Node) error {
	var raw struct {
		Strategy      Strategy `yaml:"strategy"`
		Timeout       string   `yaml:"timeout"`
		SilentPeriod  string   `yaml:"silent_period"`
		EndMarker     string   `yaml:"end_marker"`
		PromptRegex   string   `yaml:"prompt_regex"`
		MaxBufferSize int      `yaml:"max_buffer_size"`
	}
	if err := node.Decode(&raw); err != nil {
		return err
	}
	timeout, err := parseYAMLDuration(raw.Timeout)
	if err != nil {
		return fmt.Errorf("detector timeout: %w", err)
	}
	silent, err := parseYAMLDuration(raw.SilentPeriod)
	if err != nil {
		return fmt.Errorf("detector silent_period: %w", err)
	}
	*s = DetectorSpec{
		Strategy:      raw.Strategy,
		Timeout:       timeout,
		SilentPeriod:  silent,
		EndMarker:     raw.EndMarker,
		PromptRegex:   raw.PromptRegex,
		MaxBufferSize: raw.MaxBufferSize,
	}
	return nil
}

func (s *LaunchSpec) UnmarshalYAML(node *yaml.Node) error {
	var raw struct {
		ID          string            `yaml:"id"`
		Command     []string          `yaml:"command"`
		Dir         string            `yaml:"dir"`
		Env         map[string]string `yaml:"env"`
		Detector    DetectorSpec      `yaml:"detector"`
		StopGrace   string            `yaml:"stop_grace"`
		AutoRestart bool              `yaml:"auto_restart"`
		MaxRestarts int               `yaml:"max_restarts"`
	}
	if err := node.Decode(&raw); err != nil {
		return err
	}
	grace, err := parseYAMLDuration(raw.StopGrace)
	if err != nil {
		return fmt.Errorf("stop_grace: %w", err)
	}
	*s = LaunchSpec{
		ID:          raw.ID,
		Command:     raw.Command,
		Dir:         raw.Dir,
		Env:         raw.Env,
		Detector:    raw.Detector,
		StopGrace:   grace,
		AutoRestart: raw.AutoRestart,
		MaxRestarts: raw.MaxRestarts,
	}
	return nil
}

// ParseYAMLDuration is exported for config structs that carry durations.
func ParseYAMLDuration(value string) (time.Duration, error) {
	return parseYAMLDuration(value)
}

func parseYAMLDuration(value string) (time.Duration, error) {
	if value == "" {
		return 0, nil
	}
	if seconds, err := strconv.Atoi(value); err == nil {
		return time.Duration(seconds) * time.Second, nil
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q", value)
	}
	return parsed, nil
}
