// Package engine implements a continuous-batching generation pipeline.
//
// A Pipeline owns a fixed pool of KV cache blocks, a prefix cache index
// and a scheduler. Each Step admits waiting requests, advances running
// ones by a prefill chunk or a decode token, preempts when the pool runs
// dry, hands the resulting StepBatch to a ModelExecutor and samples the
// next tokens from the returned logits. Tokenization and the model itself
// live outside this package; it works on token ids only.
package engine
