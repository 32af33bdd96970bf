package cmd

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inference-sim/cbengine/engine"
)

func TestRunBench_PrintsTimingAndTrace(t *testing.T) {
	// GIVEN a small pool and three chat turns of five tokens
	c, f := newTestCommand(t,
		"--num-kv-blocks", "64", "--block-size", "8", "--max-num-batched-tokens", "64",
		"--max-new-tokens", "5", "--trace", "steps", "--vocab-size", "100")
	var out bytes.Buffer

	// WHEN the benchmark runs
	err := runBench(context.Background(), c, f, 3, &out)

	// THEN the run completes and reports timing, history and the trace,
	// counting the four batched prompts ahead of the three turns
	require.NoError(t, err)
	assert.Contains(t, out.String(), "Batch: 4 prompts in")
	assert.Contains(t, out.String(), "generated tokens: 35,")
	assert.Contains(t, out.String(), "Total execution time:")
	assert.Contains(t, out.String(), "after 3 turns")
	assert.Contains(t, out.String(), "Trace:")
}

func TestRunBench_RejectsZeroIterations(t *testing.T) {
	c, f := newTestCommand(t)
	assert.Error(t, runBench(context.Background(), c, f, 0, &bytes.Buffer{}))
}

func TestRunGenerate_BeamSearchReturnsThreeSequences(t *testing.T) {
	c, f := newTestCommand(t, "--num-prompts", "2", "--max-new-tokens", "4", "--vocab-size", "100")
	var out bytes.Buffer

	err := runGenerate(context.Background(), c, f, string(engine.ModeBeamSearch), &out)

	require.NoError(t, err)
	assert.Contains(t, out.String(), "Prompt 1")
	assert.Contains(t, out.String(), "  [2] score")
	assert.NotContains(t, out.String(), "  [3] score")
}

func TestRunGenerate_CancelledContext(t *testing.T) {
	c, f := newTestCommand(t, "--num-prompts", "2")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := runGenerate(ctx, c, f, string(engine.ModeGreedy), &bytes.Buffer{})

	assert.ErrorIs(t, err, context.Canceled)
}

func TestPresetConfig(t *testing.T) {
	cfg, err := presetConfig("multinomial")
	require.NoError(t, err)
	assert.Equal(t, engine.ModeMultinomial, cfg.Mode())

	_, err = presetConfig("nucleus")
	assert.Error(t, err)
}

func TestRootCommand_RegistersSubcommands(t *testing.T) {
	names := map[string]bool{}
	for _, sub := range rootCmd.Commands() {
		names[sub.Name()] = true
	}
	assert.True(t, names["bench"])
	assert.True(t, names["generate"])
	assert.NotNil(t, rootCmd.PersistentFlags().Lookup("log"))
}
