package engine

import (
	"fmt"

	"github.com/inference-sim/cbengine/engine/sampling"
)

// SchedulerConfig groups the process-wide scheduling tunables. It is
// validated once by NewPipeline and never mutated afterwards.
type SchedulerConfig struct {
	MaxNumBatchedTokens int  `yaml:"max_num_batched_tokens"` // token budget per step
	NumKVBlocks         int  `yaml:"num_kv_blocks"`          // total blocks in the pool
	BlockSize           int  `yaml:"block_size"`             // tokens per block
	DynamicSplitFuse    bool `yaml:"dynamic_split_fuse"`     // elastic prefill chunks
	MaxNumSeqs          int  `yaml:"max_num_seqs"`           // max running requests
	EnablePrefixCaching bool `yaml:"enable_prefix_caching"`  // reuse computed prefix blocks
}

// DefaultSchedulerConfig returns the configuration used by the benchmark
// scripts this engine grew out of.
func DefaultSchedulerConfig() SchedulerConfig {
	return SchedulerConfig{
		MaxNumBatchedTokens: 256,
		NumKVBlocks:         500,
		BlockSize:           32,
		DynamicSplitFuse:    false,
		MaxNumSeqs:          2,
		EnablePrefixCaching: true,
	}
}

// Validate rejects non-positive sizes.
func (c SchedulerConfig) Validate() error {
	if c.MaxNumBatchedTokens <= 0 {
		return fmt.Errorf("%w: max_num_batched_tokens must be > 0, got %d", ErrInvalidSchedulerConfig, c.MaxNumBatchedTokens)
	}
	if c.NumKVBlocks <= 0 {
		return fmt.Errorf("%w: num_kv_blocks must be > 0, got %d", ErrInvalidSchedulerConfig, c.NumKVBlocks)
	}
	if c.BlockSize <= 0 {
		return fmt.Errorf("%w: block_size must be > 0, got %d", ErrInvalidSchedulerConfig, c.BlockSize)
	}
	if c.MaxNumSeqs <= 0 {
		return fmt.Errorf("%w: max_num_seqs must be > 0, got %d", ErrInvalidSchedulerConfig, c.MaxNumSeqs)
	}
	return nil
}

// SamplingMode is derived from a GenerationConfig.
type SamplingMode string

const (
	ModeGreedy      SamplingMode = "greedy"
	ModeMultinomial SamplingMode = "multinomial"
	ModeBeamSearch  SamplingMode = "beam_search"
)

// GenerationConfig holds per-request sampling and stopping parameters.
// A copy is attached to the request at admission; it is never mutated
// afterwards.
type GenerationConfig struct {
	MaxNewTokens       int     `yaml:"max_new_tokens"`
	Temperature        float64 `yaml:"temperature"`
	TopP               float64 `yaml:"top_p"`
	TopK               int     `yaml:"top_k"`
	DoSample           bool    `yaml:"do_sample"`
	IgnoreEOS          bool    `yaml:"ignore_eos"`
	EOSTokenID         int     `yaml:"eos_token_id"` // negative disables EOS stopping
	StopTokenIDs       []int   `yaml:"stop_token_ids"`
	NumReturnSequences int     `yaml:"num_return_sequences"`
	RepetitionPenalty  float64 `yaml:"repetition_penalty"`
	PresencePenalty    float64 `yaml:"presence_penalty"`
	FrequencyPenalty   float64 `yaml:"frequency_penalty"`
	NumBeams           int     `yaml:"num_beams"`
	NumBeamGroups      int     `yaml:"num_beam_groups"`
	DiversityPenalty   float64 `yaml:"diversity_penalty"`
	LengthPenalty      float64 `yaml:"length_penalty"`
}

// DefaultGenerationConfig returns neutral settings: greedy decoding of up
// to 64 tokens with no penalties.
func DefaultGenerationConfig() GenerationConfig {
	return GenerationConfig{
		MaxNewTokens:       64,
		TopP:               1.0,
		EOSTokenID:         -1,
		NumReturnSequences: 1,
		RepetitionPenalty:  1.0,
		NumBeams:           1,
		NumBeamGroups:      1,
		LengthPenalty:      1.0,
	}
}

// Greedy is the benchmark's greedy preset.
func Greedy() GenerationConfig {
	c := DefaultGenerationConfig()
	c.Temperature = 0
	c.IgnoreEOS = true
	c.RepetitionPenalty = 3.0
	c.PresencePenalty = 0.1
	c.FrequencyPenalty = 0.01
	c.MaxNewTokens = 30
	return c
}

// BeamSearch is the grouped beam search preset.
func BeamSearch() GenerationConfig {
	c := DefaultGenerationConfig()
	c.NumBeamGroups = 3
	c.NumBeams = 6
	c.NumReturnSequences = 3
	c.MaxNewTokens = 30
	c.DiversityPenalty = 1.0
	return c
}

// Multinomial is the random sampling preset.
func Multinomial() GenerationConfig {
	c := DefaultGenerationConfig()
	c.DoSample = true
	c.Temperature = 0.8
	c.TopP = 0.8
	c.TopK = 20
	return c
}

// Mode reports which decoding strategy the config selects.
func (c GenerationConfig) Mode() SamplingMode {
	switch {
	case c.NumBeams > 1:
		return ModeBeamSearch
	case c.DoSample:
		return ModeMultinomial
	default:
		return ModeGreedy
	}
}

// Validate checks field ranges and cross-field combinations.
func (c GenerationConfig) Validate() error {
	switch {
	case c.MaxNewTokens <= 0:
		return fmt.Errorf("%w: max_new_tokens must be > 0, got %d", ErrInvalidGenerationConfig, c.MaxNewTokens)
	case c.Temperature < 0:
		return fmt.Errorf("%w: temperature must be >= 0, got %v", ErrInvalidGenerationConfig, c.Temperature)
	case c.NumReturnSequences < 1:
		return fmt.Errorf("%w: num_return_sequences must be >= 1, got %d", ErrInvalidGenerationConfig, c.NumReturnSequences)
	case c.NumBeams < 1:
		return fmt.Errorf("%w: num_beams must be >= 1, got %d", ErrInvalidGenerationConfig, c.NumBeams)
	case c.NumBeamGroups < 1:
		return fmt.Errorf("%w: num_beam_groups must be >= 1, got %d", ErrInvalidGenerationConfig, c.NumBeamGroups)
	case c.RepetitionPenalty <= 0:
		return fmt.Errorf("%w: repetition_penalty must be > 0, got %v", ErrInvalidGenerationConfig, c.RepetitionPenalty)
	case c.TopK < 0:
		return fmt.Errorf("%w: top_k must be >= 0, got %d", ErrInvalidGenerationConfig, c.TopK)
	case c.TopP <= 0 || c.TopP > 1:
		return fmt.Errorf("%w: top_p must be in (0, 1], got %v", ErrInvalidGenerationConfig, c.TopP)
	case c.DiversityPenalty < 0:
		return fmt.Errorf("%w: diversity_penalty must be >= 0, got %v", ErrInvalidGenerationConfig, c.DiversityPenalty)
	}

	switch c.Mode() {
	case ModeBeamSearch:
		if c.DoSample {
			return fmt.Errorf("%w: beam search with do_sample is not supported", ErrInvalidGenerationConfig)
		}
		if c.NumBeams%c.NumBeamGroups != 0 {
			return fmt.Errorf("%w: num_beams (%d) must be divisible by num_beam_groups (%d)",
				ErrInvalidGenerationConfig, c.NumBeams, c.NumBeamGroups)
		}
		if c.NumReturnSequences > c.NumBeams {
			return fmt.Errorf("%w: num_return_sequences (%d) must be <= num_beams (%d)",
				ErrInvalidGenerationConfig, c.NumReturnSequences, c.NumBeams)
		}
	case ModeMultinomial:
		if c.Temperature == 0 {
			return fmt.Errorf("%w: do_sample requires temperature > 0", ErrInvalidGenerationConfig)
		}
	case ModeGreedy:
		if c.NumBeamGroups != 1 {
			return fmt.Errorf("%w: num_beam_groups > 1 requires beam search", ErrInvalidGenerationConfig)
		}
		if c.NumReturnSequences != 1 {
			return fmt.Errorf("%w: greedy decoding returns exactly one sequence, got num_return_sequences=%d",
				ErrInvalidGenerationConfig, c.NumReturnSequences)
		}
	}
	return nil
}

// stops reports whether token terminates a sequence under this config.
func (c GenerationConfig) stops(token int) bool {
	if !c.IgnoreEOS && c.EOSTokenID >= 0 && token == c.EOSTokenID {
		return true
	}
	for _, s := range c.StopTokenIDs {
		if s == token {
			return true
		}
	}
	return false
}

// SamplingParams converts the config to the sampling package's parameters.
func (c GenerationConfig) SamplingParams() sampling.Params {
	eos := -1
	if !c.IgnoreEOS {
		eos = c.EOSTokenID
	}
	return sampling.Params{
		Temperature:       c.Temperature,
		TopP:              c.TopP,
		TopK:              c.TopK,
		DoSample:          c.DoSample,
		RepetitionPenalty: c.RepetitionPenalty,
		PresencePenalty:   c.PresencePenalty,
		FrequencyPenalty:  c.FrequencyPenalty,
		NumBeams:          c.NumBeams,
		NumBeamGroups:     c.NumBeamGroups,
		DiversityPenalty:  c.DiversityPenalty,
		LengthPenalty:     c.LengthPenalty,
		EOSTokenID:        eos,
		StopTokenIDs:      c.StopTokenIDs,
		MaxNewTokens:      c.MaxNewTokens,
	}
}
