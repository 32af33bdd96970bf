package engine

import (
	"math/rand"
	"sync/atomic"

	"github.com/inference-sim/cbengine/engine/sampling"
)

// Request is one generation request: a sequence group scheduled,
// preempted and aborted as a unit.
type Request struct {
	ID     string
	Prompt []int
	Config GenerationConfig
	Status SequenceStatus

	seqIDs   []SeqID // live sequences in creation order
	finished []SeqID // finished sequences reported in the result

	arrival       int64 // admission order tiebreak; larger is newer
	lastScheduled int   // last step the request was in a batch
	forked        bool  // multinomial children created
	beam          *sampling.BeamSearch
	rng           *rand.Rand
	err           error

	abortRequested atomic.Bool
	handle         *GenerationHandle
}

func (r *Request) setStatus(to SequenceStatus) error {
	if err := checkTransition(r.Status, to); err != nil {
		return err
	}
	r.Status = to
	return nil
}

// NumSequences returns the number of live sequences.
func (r *Request) NumSequences() int { return len(r.seqIDs) }

func (r *Request) removeSeq(id SeqID) {
	for i, s := range r.seqIDs {
		if s == id {
			r.seqIDs = append(r.seqIDs[:i:i], r.seqIDs[i+1:]...)
			return
		}
	}
}
