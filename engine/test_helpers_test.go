package engine

import (
	"context"
	"fmt"
	"slices"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/inference-sim/cbengine/engine/internal/hash"
	"github.com/inference-sim/cbengine/engine/sampling"
)

const testVocab = 64

// historyLogits derives logits from the last 4 tokens only, so that any
// correct schedule yields the same tokens.
func historyLogits(history []int) []float32 {
	tail := history[max(len(history)-4, 0):]
	h := hash.HashTokens(7, tail)
	logits := make([]float32, testVocab)
	for j := range logits {
		x := (h + uint64(j)*0x9e3779b97f4a7c15) ^ (h >> 17)
		logits[j] = float32(x%9973) / 997
	}
	return logits
}

// recordingExecutor is a deterministic ModelExecutor that checks the
// block invariant on every batch it receives. It keeps the token of every
// KV slot it writes and derives logits from the history read back through
// the block table, so misplaced or stale KV changes the sampled tokens.
type recordingExecutor struct {
	blockSize int
	pool      *BlockPool    // set by newTestPipeline; enables the shared-write check
	kv        map[int][]int // block id -> token per slot, -1 if never written

	batches        int
	maxTokens      int
	maxRequests    int
	invariantFault string
	failAtBatch    int // 1-based; 0 never fails
	seqErr         func(e BatchEntry) error
}

func (x *recordingExecutor) fault(format string, args ...any) {
	if x.invariantFault == "" {
		x.invariantFault = fmt.Sprintf(format, args...)
	}
}

func (x *recordingExecutor) Execute(_ context.Context, batch *StepBatch) ([]SequenceOutput, error) {
	x.batches++
	if x.failAtBatch > 0 && x.batches == x.failAtBatch {
		return nil, fmt.Errorf("device lost")
	}
	x.maxTokens = max(x.maxTokens, batch.NumTokens)
	reqs := make(map[string]bool)
	sum := 0
	for _, e := range batch.Entries {
		reqs[e.RequestID] = true
		sum += e.NumTokens
		if len(e.TokenIDs) > len(e.BlockTable)*x.blockSize {
			x.fault("step %d seq %d: %d tokens in %d blocks", batch.Step, e.SeqID, len(e.TokenIDs), len(e.BlockTable))
		}
	}
	if sum != batch.NumTokens {
		x.fault("step %d: entries sum to %d, batch says %d", batch.Step, sum, batch.NumTokens)
	}
	x.maxRequests = max(x.maxRequests, len(reqs))

	x.writeKV(batch)
	outs := make([]SequenceOutput, len(batch.Entries))
	for i, e := range batch.Entries {
		history := x.readKV(batch.Step, e)
		if x.seqErr != nil {
			if err := x.seqErr(e); err != nil {
				outs[i].Err = err
				continue
			}
		}
		if e.EmitsLogits {
			outs[i].Logits = historyLogits(history)
		}
	}
	return outs, nil
}

// writeKV applies the batch's block copies, then stores each entry's
// chunk in the slots its block table maps the positions to.
func (x *recordingExecutor) writeKV(batch *StepBatch) {
	if x.kv == nil {
		x.kv = make(map[int][]int)
	}
	for _, c := range batch.Copies {
		x.kv[c.Dst] = slices.Clone(x.kv[c.Src])
	}
	for _, e := range batch.Entries {
		for pos := e.Start; pos < e.Start+e.NumTokens; pos++ {
			if pos/x.blockSize >= len(e.BlockTable) {
				break
			}
			id := e.BlockTable[pos/x.blockSize]
			if x.pool != nil {
				if rc := x.pool.Block(id).RefCount; rc > 1 {
					x.fault("step %d seq %d: writes block %d held by %d sequences", batch.Step, e.SeqID, id, rc)
				}
			}
			slots := x.kv[id]
			if slots == nil {
				slots = make([]int, x.blockSize)
				for j := range slots {
					slots[j] = -1
				}
				x.kv[id] = slots
			}
			slots[pos%x.blockSize] = e.TokenIDs[pos]
		}
	}
}

// readKV returns the entry's history up to the end of its chunk as stored
// in its blocks.
func (x *recordingExecutor) readKV(step int, e BatchEntry) []int {
	history := make([]int, e.Start+e.NumTokens)
	for pos := range history {
		history[pos] = -1
		if pos/x.blockSize < len(e.BlockTable) {
			if slots := x.kv[e.BlockTable[pos/x.blockSize]]; slots != nil {
				history[pos] = slots[pos%x.blockSize]
			}
		}
		if history[pos] != e.TokenIDs[pos] {
			x.fault("step %d seq %d: position %d holds %d, want %d", step, e.SeqID, pos, history[pos], e.TokenIDs[pos])
		}
	}
	return history
}

// referenceGreedy generates tokens one at a time with no batching.
func referenceGreedy(prompt []int, cfg GenerationConfig) []int {
	tokens := append([]int(nil), prompt...)
	params := cfg.SamplingParams()
	s := sampling.New()
	var gen []int
	for len(gen) < cfg.MaxNewTokens {
		tok, _ := s.Sample(historyLogits(tokens), prompt, gen, params, nil)
		tokens = append(tokens, tok)
		gen = append(gen, tok)
		if cfg.stops(tok) {
			break
		}
	}
	return gen
}

func newTestPipeline(t *testing.T, cfg SchedulerConfig, opts ...Option) (*Pipeline, *recordingExecutor) {
	t.Helper()
	exec := &recordingExecutor{blockSize: cfg.BlockSize}
	p, err := NewPipeline(cfg, exec, opts...)
	require.NoError(t, err)
	exec.pool = p.pool
	return p, exec
}

func makePrompt(start, n int) []int {
	out := make([]int, n)
	for i := range out {
		out[i] = (start + i) % testVocab
	}
	return out
}
