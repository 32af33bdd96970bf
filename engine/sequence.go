package engine

import (
	"fmt"
)

// SeqID identifies a sequence for the lifetime of a pipeline.
type SeqID int64

// SequenceStatus is the lifecycle state of a sequence or request.
type SequenceStatus int

const (
	StatusWaiting SequenceStatus = iota
	StatusRunning
	StatusPreempted
	StatusFinished
	StatusAborted
)

func (s SequenceStatus) String() string {
	switch s {
	case StatusWaiting:
		return "waiting"
	case StatusRunning:
		return "running"
	case StatusPreempted:
		return "preempted"
	case StatusFinished:
		return "finished"
	case StatusAborted:
		return "aborted"
	default:
		return fmt.Sprintf("SequenceStatus(%d)", int(s))
	}
}

// Terminal reports whether no further transition is possible.
func (s SequenceStatus) Terminal() bool {
	return s == StatusFinished || s == StatusAborted
}

var allowedTransitions = map[SequenceStatus][]SequenceStatus{
	StatusWaiting:   {StatusRunning, StatusAborted},
	StatusRunning:   {StatusPreempted, StatusFinished, StatusAborted},
	StatusPreempted: {StatusWaiting, StatusAborted},
}

// checkTransition returns ErrInvalidTransition unless from -> to is legal.
func checkTransition(from, to SequenceStatus) error {
	for _, s := range allowedTransitions[from] {
		if s == to {
			return nil
		}
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
}

// Sequence is one token stream of a request. Beams and multinomial
// samples of the same request are sibling sequences.
type Sequence struct {
	ID        SeqID
	RequestID string
	Status    SequenceStatus

	tokens    []int
	promptLen int
	computed  int // tokens whose KV entries exist in blocks
	blocks    []*Block

	numHashed int    // leading blocks registered (or checked) in the prefix index
	lastHash  uint64 // chained hash of block numHashed-1

	logits     []float32 // pending logits awaiting sampling
	cumLogProb float64
	group      int // beam group
}

func newSequence(id SeqID, requestID string, prompt []int) *Sequence {
	return &Sequence{
		ID:        id,
		RequestID: requestID,
		Status:    StatusWaiting,
		tokens:    append([]int(nil), prompt...),
		promptLen: len(prompt),
	}
}

// Len returns the total number of tokens, prompt plus generated.
func (s *Sequence) Len() int { return len(s.tokens) }

// TokenIDs returns the full token history. Callers must not modify it.
func (s *Sequence) TokenIDs() []int { return s.tokens }

// PromptTokenIDs returns the prompt part of the history.
func (s *Sequence) PromptTokenIDs() []int { return s.tokens[:s.promptLen] }

// GeneratedTokenIDs returns the generated part of the history.
func (s *Sequence) GeneratedTokenIDs() []int { return s.tokens[s.promptLen:] }

// NumGenerated returns the number of generated tokens.
func (s *Sequence) NumGenerated() int { return len(s.tokens) - s.promptLen }

// NumComputed returns the number of tokens with materialized KV entries.
func (s *Sequence) NumComputed() int { return s.computed }

// Uncomputed returns the number of tokens still to be processed.
func (s *Sequence) Uncomputed() int { return len(s.tokens) - s.computed }

// NumBlocks returns the size of the block table.
func (s *Sequence) NumBlocks() int { return len(s.blocks) }

// BlockTable returns the ids of the blocks holding this sequence's KV.
func (s *Sequence) BlockTable() []int {
	ids := make([]int, len(s.blocks))
	for i, b := range s.blocks {
		ids[i] = b.ID
	}
	return ids
}

// CumulativeLogProb returns the sum of log-probabilities of generated tokens.
func (s *Sequence) CumulativeLogProb() float64 { return s.cumLogProb }

func (s *Sequence) setStatus(to SequenceStatus) error {
	if err := checkTransition(s.Status, to); err != nil {
		return fmt.Errorf("sequence %d: %w", s.ID, err)
	}
	s.Status = to
	return nil
}

func (s *Sequence) appendToken(tok int, logProb float64) {
	s.tokens = append(s.tokens, tok)
	s.cumLogProb += logProb
	s.logits = nil
}

// fork returns a child sharing the parent's history and KV blocks. The
// caller is responsible for adding block references.
func (s *Sequence) fork(id SeqID) *Sequence {
	return &Sequence{
		ID:         id,
		RequestID:  s.RequestID,
		Status:     s.Status,
		tokens:     append([]int(nil), s.tokens...),
		promptLen:  s.promptLen,
		computed:   s.computed,
		blocks:     append([]*Block(nil), s.blocks...),
		numHashed:  s.numHashed,
		lastHash:   s.lastHash,
		logits:     s.logits,
		cumLogProb: s.cumLogProb,
		group:      s.group,
	}
}

// resetComputation forgets all KV state, keeping the tokens.
func (s *Sequence) resetComputation() {
	s.computed = 0
	s.numHashed = 0
	s.lastHash = 0
	s.logits = nil
}
