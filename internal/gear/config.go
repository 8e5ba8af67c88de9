// Package gear parses the Flywheel gear runtime contract: config.json,
// manifest.json and the per-file inference options derived from them.
package gear

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// DefaultBaseDir is the gear filesystem root inside the container.
const DefaultBaseDir = "/flywheel/v0"

// Config is the gear configuration from config.json plus the directory
// layout derived from the base dir. Optional keys are pointer-typed so a
// missing key is distinguishable from a zero value.
type Config struct {
	// Raw gear config keys
	Phase         *string `json:"phase,omitempty"`
	WhichEpoch    *string `json:"which_epoch,omitempty"`
	StrideInplane *int    `json:"stride_inplane,omitempty"`
	StrideLayer   *int    `json:"stride_layer,omitempty"`
	Debug         *bool   `json:"debug,omitempty"`

	// Derived paths (not part of config.json)
	BaseDir        string `json:"-"`
	InputDir       string `json:"-"`
	WorkDir        string `json:"-"`
	OutputDir      string `json:"-"`
	BIDSConfigFile string `json:"-"`

	// Inputs section of config.json, kept verbatim for the analysis record.
	Inputs map[string]json.RawMessage `json:"-"`

	// Destination is the analysis container the gear runs against.
	Destination Destination `json:"-"`
}

// Destination identifies the analysis the platform created for this job.
type Destination struct {
	ID   string `json:"id"`
	Type string `json:"type"`
}

// configFile mirrors the top-level layout of config.json.
type configFile struct {
	Config      json.RawMessage            `json:"config"`
	Inputs      map[string]json.RawMessage `json:"inputs"`
	Destination Destination                `json:"destination"`
}

// Manifest is the subset of manifest.json the gear reads back at runtime.
type Manifest struct {
	Name    string `json:"name"`
	Label   string `json:"label"`
	Version string `json:"version"`
	Custom  struct {
		GearBuilder struct {
			Image string `json:"image"`
		} `json:"gear-builder"`
	} `json:"custom"`
}

// LoadConfig reads <baseDir>/config.json and fills in the directory layout.
func LoadConfig(baseDir string) (*Config, error) {
	if baseDir == "" {
		baseDir = DefaultBaseDir
	}
	raw, err := os.ReadFile(filepath.Join(baseDir, "config.json"))
	if err != nil {
		return nil, fmt.Errorf("failed to read config.json: %w", err)
	}
	var cf configFile
	if err := json.Unmarshal(raw, &cf); err != nil {
		return nil, fmt.Errorf("failed to parse config.json: %w", err)
	}
	cfg := &Config{}
	if len(cf.Config) > 0 {
		if err := json.Unmarshal(cf.Config, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config section: %w", err)
		}
	}
	cfg.Inputs = cf.Inputs
	cfg.Destination = cf.Destination
	cfg.BaseDir = baseDir
	cfg.InputDir = filepath.Join(baseDir, "input")
	cfg.WorkDir = filepath.Join(baseDir, "work")
	cfg.OutputDir = filepath.Join(baseDir, "output")
	cfg.BIDSConfigFile = filepath.Join(baseDir, "utils", "dcm2bids_config.json")
	return cfg, nil
}

// LoadManifest reads <baseDir>/manifest.json.
func LoadManifest(baseDir string) (*Manifest, error) {
	if baseDir == "" {
		baseDir = DefaultBaseDir
	}
	raw, err := os.ReadFile(filepath.Join(baseDir, "manifest.json"))
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest.json: %w", err)
	}
	var m Manifest
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("failed to parse manifest.json: %w", err)
	}
	return &m, nil
}

// APIKey returns the platform API key: the api-key input when present,
// otherwise the FLYWHEEL_API_KEY environment variable.
func (c *Config) APIKey() string {
	if raw, ok := c.Inputs["api-key"]; ok {
		var in struct {
			Key string `json:"key"`
		}
		if err := json.Unmarshal(raw, &in); err == nil && in.Key != "" {
			return in.Key
		}
	}
	return os.Getenv("FLYWHEEL_API_KEY")
}

// PhaseOrDefault returns the configured phase, defaulting to "test".
func (c *Config) PhaseOrDefault() string {
	if c.Phase != nil {
		return *c.Phase
	}
	return "test"
}

// WhichEpochOrDefault returns the checkpoint epoch, defaulting to "latest".
func (c *Config) WhichEpochOrDefault() string {
	if c.WhichEpoch != nil {
		return *c.WhichEpoch
	}
	return "latest"
}

// StrideInplaneOrDefault returns the in-plane sliding-window stride.
func (c *Config) StrideInplaneOrDefault() int {
	if c.StrideInplane != nil {
		return *c.StrideInplane
	}
	return 32
}

// StrideLayerOrDefault returns the through-plane sliding-window stride.
func (c *Config) StrideLayerOrDefault() int {
	if c.StrideLayer != nil {
		return *c.StrideLayer
	}
	return 32
}

// DebugOrDefault reports whether debug logging is enabled.
func (c *Config) DebugOrDefault() bool {
	return c.Debug != nil && *c.Debug
}

// Snapshot renders the effective config keys for the analysis info record.
func (c *Config) Snapshot() map[string]interface{} {
	return map[string]interface{}{
		"phase":          c.PhaseOrDefault(),
		"which_epoch":    c.WhichEpochOrDefault(),
		"stride_inplane": c.StrideInplaneOrDefault(),
		"stride_layer":   c.StrideLayerOrDefault(),
		"debug":          c.DebugOrDefault(),
		"input_dir":      c.InputDir,
		"work_dir":       c.WorkDir,
		"output_dir":     c.OutputDir,
	}
}
