package engine

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// LoadSchedulerConfig reads a YAML scheduler config. Fields missing from
// the file keep their DefaultSchedulerConfig value; unknown fields are
// errors.
func LoadSchedulerConfig(path string) (SchedulerConfig, error) {
	cfg := DefaultSchedulerConfig()
	if err := decodeStrict(path, &cfg); err != nil {
		return SchedulerConfig{}, err
	}
	if err := cfg.Validate(); err != nil {
		return SchedulerConfig{}, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// LoadGenerationConfig reads a YAML generation config on top of base.
func LoadGenerationConfig(path string, base GenerationConfig) (GenerationConfig, error) {
	cfg := base
	cfg.StopTokenIDs = append([]int(nil), base.StopTokenIDs...)
	if err := decodeStrict(path, &cfg); err != nil {
		return GenerationConfig{}, err
	}
	if err := cfg.Validate(); err != nil {
		return GenerationConfig{}, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// decodeStrict parses YAML with strict field checking: typos must cause errors.
func decodeStrict(path string, out any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading config: %w", err)
	}
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(out); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("parsing %s: %w", path, err)
	}
	return nil
}
