package synthetic

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inference-sim/cbengine/engine"
)

func TestBlackboxLatencyModel_StepTime_SplitsPrefillAndDecode(t *testing.T) {
	// GIVEN beta = [100, 2, 10]
	m, err := NewBlackboxLatencyModel([]float64{100, 2, 10})
	require.NoError(t, err)

	// WHEN a step holds a 16-token prefill chunk and two decode tokens
	batch := &engine.StepBatch{Entries: []engine.BatchEntry{
		{PromptLen: 32, Start: 0, NumTokens: 16},
		{PromptLen: 4, Start: 9, NumTokens: 1},
		{PromptLen: 4, Start: 5, NumTokens: 1},
	}}

	// THEN time = 100 + 2*16 + 10*2
	assert.Equal(t, int64(152), m.StepTime(batch))
}

func TestBlackboxLatencyModel_LastPromptToken_IsPrefill(t *testing.T) {
	m, err := NewBlackboxLatencyModel([]float64{0, 1, 0})
	require.NoError(t, err)

	batch := &engine.StepBatch{Entries: []engine.BatchEntry{{PromptLen: 8, Start: 7, NumTokens: 1}}}
	assert.Equal(t, int64(1), m.StepTime(batch))
}

func TestNewBlackboxLatencyModel_Rejects(t *testing.T) {
	_, err := NewBlackboxLatencyModel([]float64{1, 2})
	assert.Error(t, err)
	_, err = NewBlackboxLatencyModel([]float64{1, -2, 3})
	assert.Error(t, err)
}
