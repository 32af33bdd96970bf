package engine

import "context"

// BatchEntry is one sequence's share of a step.
// Positions [Start, Start+NumTokens) of TokenIDs are processed; their KV
// entries land in BlockTable.
type BatchEntry struct {
	SeqID       SeqID
	RequestID   string
	TokenIDs    []int // full history, read-only
	PromptLen   int
	Start       int
	NumTokens   int
	BlockTable  []int
	EmitsLogits bool // the chunk completes the known tokens
}

// Prefill reports whether the entry processes prompt tokens or more than
// one token.
func (e BatchEntry) Prefill() bool {
	return e.NumTokens > 1 || e.Start < e.PromptLen
}

// BlockCopy asks the executor to copy block Src into block Dst before
// running the step.
type BlockCopy struct {
	Src int
	Dst int

	requestID string
}

// Preemption records one request evicted during scheduling.
type Preemption struct {
	RequestID       string
	Requester       string // request whose growth triggered the eviction
	ReclaimedBlocks int
}

// StepBatch is the scheduler's output for one step.
type StepBatch struct {
	Step       int
	Entries    []BatchEntry
	Copies     []BlockCopy
	Admitted   []string
	Preempted  []Preemption
	Deadlocked []string
	NumTokens  int
}

// NumSequences returns the number of entries.
func (b *StepBatch) NumSequences() int { return len(b.Entries) }

// Empty reports whether there is nothing for the executor to run.
func (b *StepBatch) Empty() bool { return len(b.Entries) == 0 }

// SequenceOutput is the executor's result for one BatchEntry.
type SequenceOutput struct {
	Logits []float32 // set iff the entry EmitsLogits
	Err    error     // failure limited to this sequence's request
}

// ModelExecutor runs one step over the batch. The returned slice is
// aligned with batch.Entries. A non-nil error fails the whole batch.
type ModelExecutor interface {
	Execute(ctx context.Context, batch *StepBatch) ([]SequenceOutput, error)
}

// ModelExecutorFunc adapts a function to ModelExecutor.
type ModelExecutorFunc func(ctx context.Context, batch *StepBatch) ([]SequenceOutput, error)

// Execute calls f.
func (f ModelExecutorFunc) Execute(ctx context.Context, batch *StepBatch) ([]SequenceOutput, error) {
	return f(ctx, batch)
}
