package sampling

import (
	"math"
	"math/rand"
)

// Sampler is the default sampling implementation used by the engine.
// It is stateless; all randomness comes from the caller's RNG so that a
// request's sampling stream does not depend on how it was batched.
type Sampler struct{}

// New creates a Sampler.
func New() *Sampler {
	return &Sampler{}
}

// Sample picks the next token for one free-running sequence and returns
// it with its log-probability under the processed distribution.
// Greedy decoding never touches rng.
func (s *Sampler) Sample(logits []float32, prompt, generated []int, p Params, rng *rand.Rand) (int, float64) {
	scores := ProcessLogits(logits, prompt, generated, p)
	logProbs := LogSoftmax(scores)
	if !p.DoSample {
		tok := Argmax(scores)
		return tok, logProbs[tok]
	}
	tok := multinomial(scores, p, rng)
	return tok, logProbs[tok]
}

// NewBeamSearch starts a beam search for one request.
func (s *Sampler) NewBeamSearch(p Params) *BeamSearch {
	return NewBeamSearch(p)
}

// multinomial samples from the top-k / top-p filtered softmax of scores.
func multinomial(scores []float64, p Params, rng *rand.Rand) int {
	candidates := topIndices(scores, p.TopK)

	maxScore := scores[candidates[0]]
	probs := make([]float64, len(candidates))
	var sum float64
	for i, idx := range candidates {
		probs[i] = math.Exp(scores[idx] - maxScore)
		sum += probs[i]
	}
	for i := range probs {
		probs[i] /= sum
	}

	// nucleus cut: keep the smallest prefix whose mass reaches top_p
	if p.TopP > 0 && p.TopP < 1 {
		var cum float64
		cut := len(probs)
		for i, pr := range probs {
			cum += pr
			if cum >= p.TopP {
				cut = i + 1
				break
			}
		}
		probs = probs[:cut]
		candidates = candidates[:cut]
		var kept float64
		for _, pr := range probs {
			kept += pr
		}
		for i := range probs {
			probs[i] /= kept
		}
	}

	r := rng.Float64()
	var cum float64
	for i, pr := range probs {
		cum += pr
		if r < cum {
			return candidates[i]
		}
	}
	return candidates[len(candidates)-1]
}
