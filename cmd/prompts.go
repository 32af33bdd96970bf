package cmd

import (
	"fmt"
	"math"
	"math/rand"
)

// Validate rejects workloads that cannot produce a prompt.
func (w Workload) Validate() error {
	switch {
	case w.PromptTokensMin < 1:
		return fmt.Errorf("prompt_tokens_min must be >= 1, got %d", w.PromptTokensMin)
	case w.PromptTokensMax < w.PromptTokensMin:
		return fmt.Errorf("prompt_tokens_max (%d) must be >= prompt_tokens_min (%d)", w.PromptTokensMax, w.PromptTokensMin)
	case w.PromptTokensStdev < 0:
		return fmt.Errorf("prompt_tokens_stdev must be >= 0, got %d", w.PromptTokensStdev)
	case w.PrefixTokens < 0:
		return fmt.Errorf("prefix_tokens must be >= 0, got %d", w.PrefixTokens)
	}
	return nil
}

// synthesizePrompts draws n prompts of token ids below vocabSize. Every
// prompt starts with the same PrefixTokens shared prefix; the remainder
// has a Gaussian length clamped to [min, max].
func synthesizePrompts(rng *rand.Rand, w Workload, n, vocabSize int) [][]int {
	prefix := randomTokenIDs(rng, w.PrefixTokens, vocabSize)
	prompts := make([][]int, n)
	for i := range prompts {
		length := lengthGauss(rng, w.PromptTokensMean, w.PromptTokensStdev, w.PromptTokensMin, w.PromptTokensMax)
		prompts[i] = append(append(make([]int, 0, len(prefix)+length), prefix...), randomTokenIDs(rng, length, vocabSize)...)
	}
	return prompts
}

// lengthGauss samples a Gaussian length clamped to [lengthMin, lengthMax].
func lengthGauss(rng *rand.Rand, lengthMean, lengthStd, lengthMin, lengthMax int) int {
	if lengthMin == lengthMax {
		return lengthMin
	}
	val := rng.NormFloat64()*float64(lengthStd) + float64(lengthMean)
	clamped := math.Min(float64(lengthMax), math.Max(float64(lengthMin), val))
	return int(math.Round(clamped))
}

func randomTokenIDs(rng *rand.Rand, length, vocabSize int) []int {
	tokens := make([]int, length)
	for i := range tokens {
		tokens[i] = rng.Intn(vocabSize)
	}
	return tokens
}
