package sampling

import (
	"math"
	"sort"
)

// Beam is one live hypothesis handed to BeamSearch.Step.
type Beam struct {
	Prompt    []int
	Generated []int
	Logits    []float32
	Score     float64 // cumulative log-probability of Generated
}

// Choice continues beam Parent of group Group with Token.
type Choice struct {
	Group  int
	Parent int // index into the group's input beams
	Token  int
	Score  float64 // cumulative log-probability including Token
}

// Hypothesis is a finished beam.
type Hypothesis struct {
	Tokens []int
	Score  float64 // length-normalized cumulative log-probability
}

// BeamSearch runs diverse (grouped) beam search for a single request.
// Groups are processed in order; tokens chosen by earlier groups in the
// same step are penalized for later groups by DiversityPenalty.
// A group stops once it holds GroupSize finished hypotheses or when
// MaxNewTokens is reached.
type BeamSearch struct {
	params    Params
	groupSize int
	finished  [][]Hypothesis
	done      []bool
}

// NewBeamSearch creates a BeamSearch. NumBeams must be divisible by
// NumBeamGroups (validated by the engine's GenerationConfig).
func NewBeamSearch(p Params) *BeamSearch {
	groups := max(p.NumBeamGroups, 1)
	return &BeamSearch{
		params:    p,
		groupSize: max(p.NumBeams/groups, 1),
		finished:  make([][]Hypothesis, groups),
		done:      make([]bool, groups),
	}
}

// NumGroups returns the number of beam groups.
func (bs *BeamSearch) NumGroups() int { return len(bs.done) }

// GroupSize returns the number of live beams per group.
func (bs *BeamSearch) GroupSize() int { return bs.groupSize }

// GroupDone reports whether group g has stopped.
func (bs *BeamSearch) GroupDone(g int) bool { return bs.done[g] }

// Done reports whether every group has stopped.
func (bs *BeamSearch) Done() bool {
	for _, d := range bs.done {
		if !d {
			return false
		}
	}
	return true
}

// Step advances every live group by one token. beams[g] holds the live
// beams of group g, each with fresh logits. The returned slice holds, per
// group, the beams to continue with; it is empty for stopped groups.
func (bs *BeamSearch) Step(beams [][]Beam) [][]Choice {
	out := make([][]Choice, len(bs.done))
	usage := make(map[int]int)

	for g := range bs.done {
		if bs.done[g] {
			continue
		}
		if g >= len(beams) || len(beams[g]) == 0 {
			bs.done[g] = true
			continue
		}

		type candidate struct {
			parent int
			token  int
			score  float64
		}
		var cands []candidate
		for b, beam := range beams[g] {
			logProbs := LogSoftmax(ProcessLogits(beam.Logits, beam.Prompt, beam.Generated, bs.params))
			for tok, n := range usage {
				if tok >= 0 && tok < len(logProbs) {
					logProbs[tok] -= bs.params.DiversityPenalty * float64(n)
				}
			}
			for _, tok := range topIndices(logProbs, 2*bs.groupSize) {
				cands = append(cands, candidate{parent: b, token: tok, score: beam.Score + logProbs[tok]})
			}
		}
		sort.SliceStable(cands, func(i, j int) bool { return cands[i].score > cands[j].score })

		for rank, c := range cands {
			if len(out[g]) == bs.groupSize {
				break
			}
			if bs.params.IsStop(c.token) {
				// a stop token outside the top group_size ranks does not finish a hypothesis
				if rank < bs.groupSize {
					tokens := append(append([]int{}, beams[g][c.parent].Generated...), c.token)
					bs.addHypothesis(g, tokens, c.score)
				}
				continue
			}
			out[g] = append(out[g], Choice{Group: g, Parent: c.parent, Token: c.token, Score: c.score})
		}
		for _, c := range out[g] {
			usage[c.Token]++
		}

		genLen := len(beams[g][0].Generated) + 1
		switch {
		case bs.params.MaxNewTokens > 0 && genLen >= bs.params.MaxNewTokens:
			for _, c := range out[g] {
				tokens := append(append([]int{}, beams[g][c.Parent].Generated...), c.Token)
				bs.addHypothesis(g, tokens, c.Score)
			}
			out[g] = nil
			bs.done[g] = true
		case len(bs.finished[g]) >= bs.groupSize || len(out[g]) == 0:
			out[g] = nil
			bs.done[g] = true
		}
	}
	return out
}

// Results returns the n best finished hypotheses across all groups.
func (bs *BeamSearch) Results(n int) []Hypothesis {
	var all []Hypothesis
	for _, hs := range bs.finished {
		all = append(all, hs...)
	}
	sort.SliceStable(all, func(i, j int) bool { return all[i].Score > all[j].Score })
	if n < len(all) {
		all = all[:n]
	}
	return all
}

// addHypothesis records a finished beam, keeping the best groupSize per group.
func (bs *BeamSearch) addHypothesis(g int, tokens []int, cumLogProb float64) {
	lp := bs.params.LengthPenalty
	score := cumLogProb / math.Pow(float64(max(len(tokens), 1)), lp)
	hs := append(bs.finished[g], Hypothesis{Tokens: tokens, Score: score})
	sort.SliceStable(hs, func(i, j int) bool { return hs[i].Score > hs[j].Score })
	if len(hs) > bs.groupSize {
		hs = hs[:bs.groupSize]
	}
	bs.finished[g] = hs
}
