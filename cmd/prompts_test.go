package cmd

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSynthesizePrompts_SameSeedSamePrompts(t *testing.T) {
	w := Workload{PrefixTokens: 4, PromptTokensMean: 10, PromptTokensStdev: 5, PromptTokensMin: 2, PromptTokensMax: 20}

	a := synthesizePrompts(rand.New(rand.NewSource(7)), w, 5, 100)
	b := synthesizePrompts(rand.New(rand.NewSource(7)), w, 5, 100)
	c := synthesizePrompts(rand.New(rand.NewSource(8)), w, 5, 100)

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
}

func TestSynthesizePrompts_SharedPrefixAndBounds(t *testing.T) {
	// GIVEN a workload with an 8-token shared prefix and lengths in [3, 6]
	w := Workload{PrefixTokens: 8, PromptTokensMean: 4, PromptTokensStdev: 10, PromptTokensMin: 3, PromptTokensMax: 6}

	// WHEN prompts are synthesized
	prompts := synthesizePrompts(rand.New(rand.NewSource(1)), w, 20, 50)

	// THEN every prompt starts with the same prefix and stays in range
	prefix := prompts[0][:8]
	for _, p := range prompts {
		assert.Equal(t, prefix, p[:8])
		assert.GreaterOrEqual(t, len(p), 8+3)
		assert.LessOrEqual(t, len(p), 8+6)
		for _, tok := range p {
			assert.Less(t, tok, 50)
			assert.GreaterOrEqual(t, tok, 0)
		}
	}
}

func TestLengthGauss_FixedRange(t *testing.T) {
	assert.Equal(t, 7, lengthGauss(rand.New(rand.NewSource(1)), 100, 50, 7, 7))
}

func TestWorkload_Validate(t *testing.T) {
	assert.NoError(t, Workload{PromptTokensMean: 4, PromptTokensMin: 1, PromptTokensMax: 8}.Validate())
	assert.Error(t, Workload{PromptTokensMin: 0, PromptTokensMax: 8}.Validate())
	assert.Error(t, Workload{PromptTokensMin: 4, PromptTokensMax: 2}.Validate())
	assert.Error(t, Workload{PromptTokensMin: 1, PromptTokensMax: 2, PrefixTokens: -1}.Validate())
}
