package synthetic

import (
	"context"
	"fmt"
	"slices"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inference-sim/cbengine/engine"
)

func TestExecutor_Logits_DependOnlyOnWindow(t *testing.T) {
	e, err := NewExecutor(WithWindow(3), WithVocabSize(16))
	require.NoError(t, err)

	a := e.Logits([]int{9, 9, 1, 2, 3})
	b := e.Logits([]int{4, 1, 2, 3})
	c := e.Logits([]int{1, 2, 4})

	assert.Len(t, a, 16)
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
}

func TestExecutor_Seed_ChangesLogits(t *testing.T) {
	e1, err := NewExecutor(WithSeed(1))
	require.NoError(t, err)
	e2, err := NewExecutor(WithSeed(2))
	require.NoError(t, err)

	assert.NotEqual(t, e1.Logits([]int{5, 6}), e2.Logits([]int{5, 6}))
}

func TestExecutor_Execute_LogitsOnlyForCompletingEntries(t *testing.T) {
	e, err := NewExecutor()
	require.NoError(t, err)
	tokens := []int{1, 2, 3, 4, 5, 6}
	batch := &engine.StepBatch{Entries: []engine.BatchEntry{
		{TokenIDs: tokens, PromptLen: 6, Start: 0, NumTokens: 4},
		{TokenIDs: tokens, PromptLen: 6, Start: 4, NumTokens: 2, EmitsLogits: true},
	}}

	outs, err := e.Execute(context.Background(), batch)
	require.NoError(t, err)

	require.Len(t, outs, 2)
	assert.Nil(t, outs[0].Logits)
	assert.Equal(t, e.Logits(tokens), outs[1].Logits)
	assert.Equal(t, 1, e.Steps())
}

func TestExecutor_Execute_SleepsForLatencyEstimate(t *testing.T) {
	m, err := NewBlackboxLatencyModel([]float64{250, 0, 0})
	require.NoError(t, err)
	e, err := NewExecutor(WithLatencyModel(m))
	require.NoError(t, err)
	var slept time.Duration
	e.sleep = func(_ context.Context, d time.Duration) error {
		slept += d
		return nil
	}

	_, err = e.Execute(context.Background(), &engine.StepBatch{})
	require.NoError(t, err)

	assert.Equal(t, 250*time.Microsecond, slept)
}

func TestExecutor_Execute_CancelledContext(t *testing.T) {
	e, err := NewExecutor()
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err = e.Execute(ctx, &engine.StepBatch{})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, e.Steps())
}

func TestNewExecutor_RejectsBadOptions(t *testing.T) {
	_, err := NewExecutor(WithVocabSize(1))
	assert.Error(t, err)
	_, err = NewExecutor(WithWindow(0))
	assert.Error(t, err)
}

func generate(t *testing.T, cfg engine.SchedulerConfig, prompts [][]int) ([]engine.GenerationResult, engine.PipelineMetrics) {
	t.Helper()
	inner, err := NewExecutor()
	require.NoError(t, err)
	exec := &slotExecutor{inner: inner, blockSize: cfg.BlockSize, slots: make(map[int][]int)}
	p, err := engine.NewPipeline(cfg, exec)
	require.NoError(t, err)
	results, err := p.Generate(context.Background(), prompts, []engine.GenerationConfig{engine.Greedy()})
	require.NoError(t, err)
	assert.Empty(t, exec.fault)
	return results, p.Metrics()
}

// slotExecutor stores the token of every KV slot the batches write and
// hands the inner executor the history read back through each entry's
// block table instead of the entry's own token ids.
type slotExecutor struct {
	inner     *Executor
	blockSize int
	slots     map[int][]int
	fault     string
}

func (x *slotExecutor) Execute(ctx context.Context, batch *engine.StepBatch) ([]engine.SequenceOutput, error) {
	for _, c := range batch.Copies {
		x.slots[c.Dst] = slices.Clone(x.slots[c.Src])
	}
	for _, e := range batch.Entries {
		for pos := e.Start; pos < e.Start+e.NumTokens; pos++ {
			id := e.BlockTable[pos/x.blockSize]
			if x.slots[id] == nil {
				x.slots[id] = slices.Repeat([]int{-1}, x.blockSize)
			}
			x.slots[id][pos%x.blockSize] = e.TokenIDs[pos]
		}
	}
	readBack := *batch
	readBack.Entries = make([]engine.BatchEntry, len(batch.Entries))
	for i, e := range batch.Entries {
		history := make([]int, e.Start+e.NumTokens)
		for pos := range history {
			history[pos] = -1
			if blk := x.slots[e.BlockTable[pos/x.blockSize]]; blk != nil {
				history[pos] = blk[pos%x.blockSize]
			}
			if history[pos] != e.TokenIDs[pos] && x.fault == "" {
				x.fault = fmt.Sprintf("step %d seq %d: position %d holds %d, want %d", batch.Step, e.SeqID, pos, history[pos], e.TokenIDs[pos])
			}
		}
		e.TokenIDs = history
		readBack.Entries[i] = e
	}
	return x.inner.Execute(ctx, &readBack)
}

func TestPipeline_SchedulingIsInvisibleInOutput(t *testing.T) {
	// GIVEN three prompts sharing a 16-token prefix
	prompts := make([][]int, 3)
	for i := range prompts {
		prompts[i] = make([]int, 20)
		for j := range prompts[i] {
			prompts[i][j] = j
			if j >= 16 {
				prompts[i][j] = 100*(i+1) + j
			}
		}
	}

	// WHEN served by a roomy pipeline, a tight one that must preempt,
	// and one reusing cached prefix blocks with elastic chunks
	roomy := engine.SchedulerConfig{MaxNumBatchedTokens: 256, NumKVBlocks: 64, BlockSize: 8, MaxNumSeqs: 1}
	tight := engine.SchedulerConfig{MaxNumBatchedTokens: 16, NumKVBlocks: 10, BlockSize: 8, MaxNumSeqs: 3}
	cached := engine.SchedulerConfig{MaxNumBatchedTokens: 12, NumKVBlocks: 32, BlockSize: 8, MaxNumSeqs: 3,
		DynamicSplitFuse: true, EnablePrefixCaching: true}

	want, _ := generate(t, roomy, prompts)
	gotTight, _ := generate(t, tight, prompts)
	gotCached, _ := generate(t, cached, prompts)

	// THEN every request produces the same tokens
	for i := range prompts {
		require.Equal(t, engine.StatusFinished, want[i].Status)
		assert.Len(t, want[i].GenerationIDs[0], 30)
		assert.Equal(t, want[i].GenerationIDs, gotTight[i].GenerationIDs, "tight pool, request %d", i)
		assert.Equal(t, want[i].GenerationIDs, gotCached[i].GenerationIDs, "prefix cache, request %d", i)
	}
}
