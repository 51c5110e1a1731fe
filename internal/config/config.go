// Package config loads the repair run's configuration knobs, overlaying a
// YAML file under the repository with command-line flag overrides.
// Decoding is strict: unknown fields are rejected, defaults applied after
// decode, then the result validated.
package config

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config is the full set of knobs for one repair run.
type Config struct {
	MaxIterations        int     `yaml:"max_iterations"`
	AgentMaxToolCalls    int     `yaml:"agent_max_tool_calls"`
	MaxPatchLines        int     `yaml:"max_patch_lines"`
	MaxFiles             int     `yaml:"max_files"`
	MaxFileReadBytes     int64   `yaml:"max_file_read_bytes"`
	MaxFileWriteBytes    int64   `yaml:"max_file_write_bytes"`
	TestTimeoutSeconds   int     `yaml:"test_timeout_seconds"`
	GlobalTimeoutSeconds int     `yaml:"global_timeout_seconds"`
	UseSandbox           bool    `yaml:"use_sandbox"`
	AllowFallback        bool    `yaml:"allow_fallback"`
	AllowTestFileRead    bool    `yaml:"allow_test_file_read"`
	ModelID              string  `yaml:"model_id"`
	ModelFallbackID      string  `yaml:"model_fallback_id"`
	Provider             string  `yaml:"provider"`
	FallbackProvider     string  `yaml:"fallback_provider"`
	Temperature          float64 `yaml:"temperature"`
	DeterministicFix     bool    `yaml:"deterministic_fix"`
	SandboxImage         string  `yaml:"sandbox_image"`
	ModelCatalogPath     string  `yaml:"model_catalog_path"`
	Verbose              bool    `yaml:"verbose"`
}

// Default returns the documented defaults.
func Default() Config {
	return Config{
		MaxIterations:        6,
		AgentMaxToolCalls:    20,
		MaxPatchLines:        500,
		MaxFiles:             10,
		MaxFileReadBytes:     1 << 20,
		MaxFileWriteBytes:    1 << 20,
		TestTimeoutSeconds:   300,
		GlobalTimeoutSeconds: 1800,
		UseSandbox:           true,
		AllowFallback:        true,
		AllowTestFileRead:    true,
		ModelID:              "",
		Temperature:          0.2,
		DeterministicFix:     false,
	}
}

// Load reads a YAML config file (e.g. `.kilroy-repair.yaml`) over the
// defaults. A missing path is not an error — callers pass an empty path
// (or one that doesn't exist) to run on defaults plus flag overrides alone.
func Load(path string) (Config, error) {
	cfg := Default()
	if strings.TrimSpace(path) == "" {
		return cfg, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return Config{}, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := decodeYAMLStrict(b, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

func decodeYAMLStrict(b []byte, cfg *Config) error {
	if len(bytes.TrimSpace(b)) == 0 {
		return nil
	}
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return err
	}
	var trailing any
	if err := dec.Decode(&trailing); err != io.EOF {
		if err == nil {
			return fmt.Errorf("yaml: multiple documents are not allowed")
		}
		return err
	}
	return nil
}

// Validate rejects configurations that would make no sense to run: caps
// must all be positive. model_id is required only once flags and config
// are merged, so it is checked at the CLI layer instead of here.
func (c Config) Validate() error {
	if c.MaxIterations <= 0 {
		return fmt.Errorf("max_iterations must be > 0")
	}
	if c.AgentMaxToolCalls <= 0 {
		return fmt.Errorf("agent_max_tool_calls must be > 0")
	}
	if c.MaxPatchLines <= 0 {
		return fmt.Errorf("max_patch_lines must be > 0")
	}
	if c.MaxFiles <= 0 {
		return fmt.Errorf("max_files must be > 0")
	}
	if c.TestTimeoutSeconds <= 0 {
		return fmt.Errorf("test_timeout_seconds must be > 0")
	}
	if c.GlobalTimeoutSeconds <= 0 {
		return fmt.Errorf("global_timeout_seconds must be > 0")
	}
	if c.Temperature < 0 {
		return fmt.Errorf("temperature must be >= 0")
	}
	return nil
}
