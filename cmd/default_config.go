package cmd

import (
	"bytes"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Defaults represents the full defaults.yaml structure.
// All top-level sections must be listed to satisfy KnownFields(true) strict parsing.
type Defaults struct {
	Version         string              `yaml:"version"`
	LatencyProfiles []LatencyProfile    `yaml:"latency_profiles"`
	Workloads       map[string]Workload `yaml:"workloads"`
}

// LatencyProfile holds fitted step-time coefficients for one model and
// hardware pair, used by the synthetic executor to pace steps.
type LatencyProfile struct {
	ID         string    `yaml:"id"`
	GPU        string    `yaml:"GPU"`
	BetaCoeffs []float64 `yaml:"beta_coeffs"`
	KVBlocks   int       `yaml:"num_kv_blocks"`
	BestLoss   float64   `yaml:"best_loss"` // Calibration metric from coefficient fitting; not used at runtime
}

// Workload describes a preset synthetic prompt distribution.
type Workload struct {
	PrefixTokens      int `yaml:"prefix_tokens"`
	PromptTokensMean  int `yaml:"prompt_tokens"`
	PromptTokensStdev int `yaml:"prompt_tokens_stdev"`
	PromptTokensMin   int `yaml:"prompt_tokens_min"`
	PromptTokensMax   int `yaml:"prompt_tokens_max"`
}

// loadDefaults parses a defaults file. Typos must cause errors.
func loadDefaults(path string) (Defaults, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Defaults{}, fmt.Errorf("reading defaults file: %w", err)
	}
	var d Defaults
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&d); err != nil {
		return Defaults{}, fmt.Errorf("parsing defaults file %s: %w", path, err)
	}
	return d, nil
}

// Profile returns the latency profile with the given id.
func (d Defaults) Profile(id string) (LatencyProfile, bool) {
	for _, p := range d.LatencyProfiles {
		if p.ID == id {
			return p, true
		}
	}
	return LatencyProfile{}, false
}

// Workload returns the named preset workload.
func (d Defaults) Workload(name string) (Workload, bool) {
	w, ok := d.Workloads[name]
	return w, ok
}
