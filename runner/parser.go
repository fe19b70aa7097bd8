package runner

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Schedule triggers a pipeline daily at a time ("HH:MM") or at an interval ("30m")
type Schedule struct {
	At    string `yaml:"at,omitempty" json:"at,omitempty"`
	Every string `yaml:"every,omitempty" json:"every,omitempty"`
}

// PipelineConfig is a pipeline definition file
type PipelineConfig struct {
	ID               string     `yaml:"id" json:"id"`
	Name             string     `yaml:"name,omitempty" json:"name,omitempty"`
	WorkingDirectory string     `yaml:"working_directory,omitempty" json:"working_directory,omitempty"`
	Stages           []Stage    `yaml:"stages" json:"stages"`
	Schedules        []Schedule `yaml:"schedules,omitempty" json:"schedules,omitempty"`
}

// LoadConfig reads and validates a pipeline file. A missing id defaults to
// the name of the directory holding the file, and the working directory is
// resolved against that directory.
func LoadConfig(path string) (*PipelineConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read pipeline file: %w", err)
	}

	cfg, err := ParseConfig(data)
	if err != nil {
		return nil, err
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve pipeline path: %w", err)
	}
	configDir := filepath.Dir(absPath)

	if cfg.ID == "" {
		cfg.ID = filepath.Base(configDir)
	}
	switch {
	case cfg.WorkingDirectory == "":
		cfg.WorkingDirectory = configDir
	case !filepath.IsAbs(cfg.WorkingDirectory):
		cfg.WorkingDirectory = filepath.Join(configDir, cfg.WorkingDirectory)
	}

	return cfg, nil
}

// ParseConfig decodes a pipeline definition and applies stage defaults
func ParseConfig(data []byte) (*PipelineConfig, error) {
	var cfg PipelineConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse pipeline: %w", err)
	}

	NormalizeStages(cfg.Stages)
	if err := ValidateStages(cfg.Stages); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// NormalizeStages fills in defaults: an empty type means command and an
// empty name falls back to the id
func NormalizeStages(stages []Stage) {
	for i := range stages {
		if stages[i].Type == "" {
			stages[i].Type = StageTypeCommand
		}
		if stages[i].Name == "" {
			stages[i].Name = stages[i].ID
		}
	}
}

// ValidateStages checks stage definitions before they are executed
func ValidateStages(stages []Stage) error {
	seen := make(map[string]bool, len(stages))
	for i, s := range stages {
		if s.ID == "" {
			return fmt.Errorf("stage %d has no id: %w", i, ErrInvalidPipeline)
		}
		if seen[s.ID] {
			return fmt.Errorf("duplicate stage id %q: %w", s.ID, ErrInvalidPipeline)
		}
		seen[s.ID] = true

		if !s.Type.Valid() {
			return fmt.Errorf("stage %q has unknown type %q: %w", s.ID, s.Type, ErrInvalidPipeline)
		}
		if s.Timeout < 0 {
			return fmt.Errorf("stage %q has negative timeout: %w", s.ID, ErrInvalidPipeline)
		}
		if s.Timeout > MaxStageTimeout.Milliseconds() {
			return fmt.Errorf("stage %q timeout exceeds %s: %w", s.ID, MaxStageTimeout, ErrInvalidPipeline)
		}
		if s.RetryCount < 0 {
			return fmt.Errorf("stage %q has negative retry_count: %w", s.ID, ErrInvalidPipeline)
		}
	}
	return nil
}
