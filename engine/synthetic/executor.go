// Package synthetic provides a deterministic stand-in for a model.
//
// Logits depend only on the trailing tokens of a sequence, never on how
// the sequence was batched, chunked, preempted or served from the prefix
// cache. Tests use it to check that scheduling decisions are invisible in
// the generated tokens; the benchmark uses it with a latency model to
// measure scheduling-dependent time without a GPU.
package synthetic

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/inference-sim/cbengine/engine"
	"github.com/inference-sim/cbengine/engine/internal/hash"
)

const (
	DefaultVocabSize = 1000
	DefaultWindow    = 8
)

// Executor implements engine.ModelExecutor.
type Executor struct {
	vocabSize int
	window    int
	seed      uint64
	latency   LatencyModel
	sleep     func(ctx context.Context, d time.Duration) error

	steps int
}

// Option configures an Executor.
type Option func(*Executor)

// WithVocabSize sets the logits width.
func WithVocabSize(n int) Option {
	return func(e *Executor) { e.vocabSize = n }
}

// WithWindow sets how many trailing tokens determine the logits.
func WithWindow(n int) Option {
	return func(e *Executor) { e.window = n }
}

// WithSeed changes the logits function.
func WithSeed(seed uint64) Option {
	return func(e *Executor) { e.seed = seed }
}

// WithLatencyModel makes each step sleep for the model's estimate.
func WithLatencyModel(m LatencyModel) Option {
	return func(e *Executor) { e.latency = m }
}

// NewExecutor creates an Executor.
func NewExecutor(opts ...Option) (*Executor, error) {
	e := &Executor{
		vocabSize: DefaultVocabSize,
		window:    DefaultWindow,
		sleep:     sleepContext,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.vocabSize <= 1 {
		return nil, fmt.Errorf("vocab size must be > 1, got %d", e.vocabSize)
	}
	if e.window <= 0 {
		return nil, fmt.Errorf("window must be > 0, got %d", e.window)
	}
	return e, nil
}

// Steps returns the number of executed batches.
func (e *Executor) Steps() int { return e.steps }

// VocabSize returns the logits width.
func (e *Executor) VocabSize() int { return e.vocabSize }

// Execute returns logits for every entry that completes its sequence's
// known tokens.
func (e *Executor) Execute(ctx context.Context, batch *engine.StepBatch) ([]engine.SequenceOutput, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	outs := make([]engine.SequenceOutput, len(batch.Entries))
	for i, entry := range batch.Entries {
		if !entry.EmitsLogits {
			continue
		}
		outs[i].Logits = e.Logits(entry.TokenIDs[:entry.Start+entry.NumTokens])
	}
	e.steps++
	if e.latency != nil {
		d := microseconds(e.latency.StepTime(batch))
		logrus.Debugf("[step %07d] synthetic step time %v", batch.Step, d)
		if err := e.sleep(ctx, d); err != nil {
			return nil, err
		}
	}
	return outs, nil
}

// Logits computes the next-token logits after history.
func (e *Executor) Logits(history []int) []float32 {
	tail := history[max(len(history)-e.window, 0):]
	h := hash.HashTokens(e.seed, tail)
	logits := make([]float32, e.vocabSize)
	for j := range logits {
		logits[j] = float32(splitmix64(h+uint64(j))%10000) / 1000
	}
	return logits
}

// splitmix64 is a cheap bijective mixer.
func splitmix64(x uint64) uint64 {
	x += 0x9e3779b97f4a7c15
	x = (x ^ (x >> 30)) * 0xbf58476d1ce4e5b9
	x = (x ^ (x >> 27)) * 0x94d049bb133111eb
	return x ^ (x >> 31)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
