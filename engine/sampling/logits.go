// Package sampling turns model logits into next-token choices.
//
// It implements the three decoding strategies the engine supports:
// greedy, multinomial (temperature / top-k / top-p) and grouped beam
// search. Repetition, presence and frequency penalties are applied to the
// raw logits before any selection. The package works on plain token ids
// and has no dependency on the engine.
package sampling

import (
	"math"
	"sort"
)

// Params is the sampling view of a generation config.
type Params struct {
	Temperature       float64
	TopP              float64
	TopK              int
	DoSample          bool
	RepetitionPenalty float64
	PresencePenalty   float64
	FrequencyPenalty  float64
	NumBeams          int
	NumBeamGroups     int
	DiversityPenalty  float64
	LengthPenalty     float64
	EOSTokenID        int // negative: no EOS stopping
	StopTokenIDs      []int
	MaxNewTokens      int
}

// IsStop reports whether token ends a hypothesis.
func (p Params) IsStop(token int) bool {
	if p.EOSTokenID >= 0 && token == p.EOSTokenID {
		return true
	}
	for _, s := range p.StopTokenIDs {
		if s == token {
			return true
		}
	}
	return false
}

// ProcessLogits applies penalties and, for sampling, temperature.
// The input slice is not modified.
//
// Repetition penalty covers prompt and generated tokens: positive logits
// are divided by it, negative ones multiplied. Presence and frequency
// penalties cover generated tokens only and are subtracted.
func ProcessLogits(logits []float32, prompt, generated []int, p Params) []float64 {
	scores := make([]float64, len(logits))
	for i, l := range logits {
		scores[i] = float64(l)
	}

	if p.RepetitionPenalty > 0 && p.RepetitionPenalty != 1.0 {
		seen := make(map[int]struct{}, len(prompt)+len(generated))
		for _, t := range prompt {
			seen[t] = struct{}{}
		}
		for _, t := range generated {
			seen[t] = struct{}{}
		}
		for t := range seen {
			if t < 0 || t >= len(scores) {
				continue
			}
			if scores[t] > 0 {
				scores[t] /= p.RepetitionPenalty
			} else {
				scores[t] *= p.RepetitionPenalty
			}
		}
	}

	if p.PresencePenalty != 0 || p.FrequencyPenalty != 0 {
		counts := make(map[int]int, len(generated))
		for _, t := range generated {
			counts[t]++
		}
		for t, n := range counts {
			if t < 0 || t >= len(scores) {
				continue
			}
			scores[t] -= p.PresencePenalty + p.FrequencyPenalty*float64(n)
		}
	}

	if p.DoSample && p.Temperature > 0 && p.Temperature != 1.0 {
		for i := range scores {
			scores[i] /= p.Temperature
		}
	}
	return scores
}

// Argmax returns the index of the highest score; ties resolve to the lowest index.
func Argmax(scores []float64) int {
	best := 0
	for i := 1; i < len(scores); i++ {
		if scores[i] > scores[best] {
			best = i
		}
	}
	return best
}

// LogSoftmax returns log-probabilities for scores.
func LogSoftmax(scores []float64) []float64 {
	out := make([]float64, len(scores))
	if len(scores) == 0 {
		return out
	}
	maxScore := scores[Argmax(scores)]
	var sum float64
	for _, s := range scores {
		sum += math.Exp(s - maxScore)
	}
	logSum := maxScore + math.Log(sum)
	for i, s := range scores {
		out[i] = s - logSum
	}
	return out
}

// topIndices returns the indices of the k highest scores in descending
// order. Ties keep ascending index order so results are deterministic.
func topIndices(scores []float64, k int) []int {
	idx := make([]int, len(scores))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool {
		return scores[idx[a]] > scores[idx[b]]
	})
	if k > 0 && k < len(idx) {
		idx = idx[:k]
	}
	return idx
}
