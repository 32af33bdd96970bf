package engine

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerationConfig_Presets_AreValid(t *testing.T) {
	tests := []struct {
		name string
		cfg  GenerationConfig
		mode SamplingMode
	}{
		{"default", DefaultGenerationConfig(), ModeGreedy},
		{"greedy", Greedy(), ModeGreedy},
		{"beam", BeamSearch(), ModeBeamSearch},
		{"multinomial", Multinomial(), ModeMultinomial},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.NoError(t, tc.cfg.Validate())
			assert.Equal(t, tc.mode, tc.cfg.Mode())
		})
	}
}

func TestGenerationConfig_Validate_Rejects(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*GenerationConfig)
	}{
		{"zero max tokens", func(c *GenerationConfig) { c.MaxNewTokens = 0 }},
		{"negative temperature", func(c *GenerationConfig) { c.Temperature = -1 }},
		{"top_p above one", func(c *GenerationConfig) { c.TopP = 1.5 }},
		{"negative top_k", func(c *GenerationConfig) { c.TopK = -1 }},
		{"beams not divisible by groups", func(c *GenerationConfig) { c.NumBeams = 4; c.NumBeamGroups = 3 }},
		{"more returns than beams", func(c *GenerationConfig) { c.NumBeams = 2; c.NumReturnSequences = 3 }},
		{"beam search with sampling", func(c *GenerationConfig) { c.NumBeams = 2; c.DoSample = true; c.Temperature = 1 }},
		{"sampling at zero temperature", func(c *GenerationConfig) { c.DoSample = true }},
		{"greedy with several returns", func(c *GenerationConfig) { c.NumReturnSequences = 2 }},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultGenerationConfig()
			tc.mutate(&cfg)
			assert.ErrorIs(t, cfg.Validate(), ErrInvalidGenerationConfig)
		})
	}
}

func TestGenerationConfig_Stops(t *testing.T) {
	cfg := DefaultGenerationConfig()
	cfg.EOSTokenID = 2
	cfg.StopTokenIDs = []int{7}
	assert.True(t, cfg.stops(2))
	assert.True(t, cfg.stops(7))
	assert.False(t, cfg.stops(3))

	cfg.IgnoreEOS = true
	assert.False(t, cfg.stops(2))
	assert.True(t, cfg.stops(7))
	assert.Equal(t, -1, cfg.SamplingParams().EOSTokenID)
}

func TestSchedulerConfig_Validate(t *testing.T) {
	assert.NoError(t, DefaultSchedulerConfig().Validate())

	cfg := DefaultSchedulerConfig()
	cfg.BlockSize = 0
	assert.ErrorIs(t, cfg.Validate(), ErrInvalidSchedulerConfig)
}

func writeYAML(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadSchedulerConfig_MergesWithDefaults(t *testing.T) {
	path := writeYAML(t, "block_size: 16\nmax_num_seqs: 8\n")

	cfg, err := LoadSchedulerConfig(path)
	require.NoError(t, err)

	want := DefaultSchedulerConfig()
	want.BlockSize = 16
	want.MaxNumSeqs = 8
	assert.Equal(t, want, cfg)
}

func TestLoadSchedulerConfig_EmptyFileYieldsDefaults(t *testing.T) {
	cfg, err := LoadSchedulerConfig(writeYAML(t, ""))
	require.NoError(t, err)
	assert.Equal(t, DefaultSchedulerConfig(), cfg)
}

func TestLoadSchedulerConfig_UnknownFieldFails(t *testing.T) {
	_, err := LoadSchedulerConfig(writeYAML(t, "blok_size: 16\n"))
	assert.Error(t, err)
}

func TestLoadSchedulerConfig_InvalidValueFails(t *testing.T) {
	_, err := LoadSchedulerConfig(writeYAML(t, "num_kv_blocks: 0\n"))
	assert.ErrorIs(t, err, ErrInvalidSchedulerConfig)
}

func TestLoadGenerationConfig_OverridesBase(t *testing.T) {
	path := writeYAML(t, "max_new_tokens: 5\nstop_token_ids: [3, 4]\n")

	cfg, err := LoadGenerationConfig(path, Greedy())
	require.NoError(t, err)

	assert.Equal(t, 5, cfg.MaxNewTokens)
	assert.Equal(t, []int{3, 4}, cfg.StopTokenIDs)
	assert.Equal(t, 3.0, cfg.RepetitionPenalty)
}

func TestLoadGenerationConfig_MissingFile(t *testing.T) {
	_, err := LoadGenerationConfig(filepath.Join(t.TempDir(), "nope.yaml"), Greedy())
	assert.Error(t, err)
}
