package engine

import (
	"fmt"

	"github.com/sirupsen/logrus"
)

// ScheduleContext provides the state a scheduling pass reads and mutates.
// Everything here is owned by the Pipeline; the Scheduler keeps no state
// between steps.
type ScheduleContext struct {
	Pool    *BlockPool
	Index   *PrefixCacheIndex
	WaitQ   *WaitQueue
	Running *RunningSet
	Seqs    map[SeqID]*Sequence
	Step    int

	// PendingCopies are copy-on-write actions of a step that never ran.
	PendingCopies []BlockCopy
}

// Scheduler decides, for each step, which requests run, how many tokens
// each sequence contributes and which blocks are allocated, copied or
// reclaimed.
//
// Order of a pass:
//  1. waiting requests are admitted in FIFO order while the token budget,
//     the running-request limit and the pool allow. Admission never
//     preempts and leaves room for the decode steps of running requests.
//  2. every other running request contributes one token per sequence in
//     decode, or its next prefill chunk. When the pool is exhausted the
//     least recently scheduled other request is preempted.
type Scheduler struct {
	config SchedulerConfig
}

// NewScheduler creates a Scheduler. cfg must be valid.
func NewScheduler(cfg SchedulerConfig) *Scheduler {
	return &Scheduler{config: cfg}
}

// seqPlan is one sequence's share of a step before blocks are committed.
type seqPlan struct {
	seq       *Sequence
	chunk     int
	newBlocks int
	cow       []int // indices into seq.blocks to copy before writing
}

// Schedule forms the batch of step ctx.Step.
func (s *Scheduler) Schedule(ctx ScheduleContext) (*StepBatch, error) {
	batch := &StepBatch{Step: ctx.Step, Copies: ctx.PendingCopies}
	budget := s.config.MaxNumBatchedTokens
	fresh := make(map[*Request]bool)
	idle := ctx.Running.Len() == 0

	// Decode steps of running requests are reserved before admission.
	reservedTokens, reservedBlocks := 0, 0
	for _, req := range ctx.Running.Requests {
		if s.inDecode(ctx, req) {
			_, tokens, blocks := s.plan(ctx, req, budget)
			reservedTokens += tokens
			reservedBlocks += blocks
		}
	}

	// Phase 1: admission
	for ctx.Running.Len() < s.config.MaxNumSeqs && ctx.WaitQ.Len() > 0 {
		admitBudget := budget - reservedTokens
		if admitBudget <= 0 {
			break
		}
		next := ctx.WaitQ.Peek()
		tokens, err := s.admit(ctx, next, admitBudget, reservedBlocks, batch)
		if err != nil {
			return nil, err
		}
		if tokens == 0 {
			break
		}
		ctx.WaitQ.Dequeue()
		ctx.Running.Requests = append(ctx.Running.Requests, next)
		fresh[next] = true
		batch.Admitted = append(batch.Admitted, next.ID)
		budget -= tokens
	}

	// Phase 2: running requests
	snapshot := append([]*Request(nil), ctx.Running.Requests...)
	for _, req := range snapshot {
		if fresh[req] || req.Status != StatusRunning {
			continue
		}
		if budget <= 0 {
			logrus.Warnf("[step %07d] token budget exhausted, deferring remaining requests to next step", ctx.Step)
			break
		}
		plans, tokens, blocks := s.plan(ctx, req, budget)
		if tokens == 0 {
			continue
		}
		scheduled := true
		for blocks > ctx.Pool.NumFree() {
			victim := pickVictim(ctx.Running, req, fresh)
			if victim == nil {
				if ctx.Running.Len() == 1 {
					logrus.Warnf("[step %07d] request %s needs %d blocks, pool holds %d: deadlock",
						ctx.Step, req.ID, blocks, ctx.Pool.TotalBlocks())
					s.deadlock(ctx, req, batch)
				} else {
					budget += s.preempt(ctx, req, req, batch)
				}
				scheduled = false
				break
			}
			budget += s.preempt(ctx, victim, req, batch)
			plans, tokens, blocks = s.plan(ctx, req, budget)
		}
		if !scheduled {
			continue
		}
		if err := s.commit(ctx, req, plans, batch); err != nil {
			return nil, err
		}
		budget -= tokens
	}

	// Only an admission attempted against an idle pool proves the head can
	// never fit; a pool freed later in this pass is retried next step.
	if idle && batch.Empty() && ctx.Running.Len() == 0 && ctx.WaitQ.Len() > 0 {
		head := ctx.WaitQ.Peek()
		logrus.Warnf("[step %07d] request %s cannot be admitted into an idle pool of %d blocks: deadlock",
			ctx.Step, head.ID, ctx.Pool.TotalBlocks())
		s.deadlock(ctx, head, batch)
	}

	if batch.NumTokens > s.config.MaxNumBatchedTokens {
		return nil, fmt.Errorf("step %d: batch of %d tokens exceeds budget %d", ctx.Step, batch.NumTokens, s.config.MaxNumBatchedTokens)
	}
	return batch, nil
}

// inDecode reports whether every live sequence of req has exactly one
// token left to compute.
func (s *Scheduler) inDecode(ctx ScheduleContext, req *Request) bool {
	for _, id := range req.seqIDs {
		if ctx.Seqs[id].Uncomputed() > 1 {
			return false
		}
	}
	return len(req.seqIDs) > 0
}

// plan sizes req's share of the step under budget without touching the
// pool. It returns the per-sequence plans, the token count and the number
// of blocks to allocate, copy-on-write included.
func (s *Scheduler) plan(ctx ScheduleContext, req *Request, budget int) ([]seqPlan, int, int) {
	bs := s.config.BlockSize
	remaining := budget
	refs := make(map[*Block]int)
	var plans []seqPlan
	tokens, blocks := 0, 0

	for _, id := range req.seqIDs {
		seq := ctx.Seqs[id]
		u := seq.Uncomputed()
		if u == 0 || remaining <= 0 {
			continue
		}
		chunk := u
		if u > 1 && !s.config.DynamicSplitFuse {
			chunk = min(chunk, bs)
		}
		chunk = min(chunk, remaining)

		// blocks cover every known token; chunks only bound the compute
		end := seq.computed + chunk
		target := seq.Len()
		if end == seq.Len() {
			// reserve the slot of the token this step will produce
			target++
		}
		need := max(ceilDiv(target, bs)-len(seq.blocks), 0)

		var cow []int
		last := min((end-1)/bs, len(seq.blocks)-1)
		for j := seq.computed / bs; j <= last; j++ {
			blk := seq.blocks[j]
			ref, ok := refs[blk]
			if !ok {
				ref = blk.RefCount
			}
			if ref > 1 {
				cow = append(cow, j)
				ref--
			}
			refs[blk] = ref
		}

		plans = append(plans, seqPlan{seq: seq, chunk: chunk, newBlocks: need, cow: cow})
		tokens += chunk
		blocks += need + len(cow)
		remaining -= chunk
	}
	return plans, tokens, blocks
}

// admit tries to bring the head of the wait queue into the batch. It
// attaches prefix-cache hits first, then needs the planned blocks to fit
// while keeping reserve blocks free. On failure every attached block is
// released and 0 is returned.
func (s *Scheduler) admit(ctx ScheduleContext, req *Request, budget, reserve int, batch *StepBatch) (int, error) {
	bs := s.config.BlockSize
	for _, id := range req.seqIDs {
		seq := ctx.Seqs[id]
		if ctx.Index == nil || !ctx.Index.Enabled() {
			continue
		}
		// at least one token must be left to compute for the step to yield logits
		chain := ctx.Index.Match(seq.tokens, (seq.Len()-1)/bs)
		if len(chain) == 0 {
			continue
		}
		ctx.Pool.Fork(chain)
		seq.blocks = append([]*Block(nil), chain...)
		seq.computed = len(chain) * bs
		seq.numHashed = len(chain)
		seq.lastHash = chain[len(chain)-1].Hash
	}

	plans, tokens, blocks := s.plan(ctx, req, budget)
	if tokens == 0 || ctx.Pool.NumFree()-blocks < reserve {
		for _, id := range req.seqIDs {
			seq := ctx.Seqs[id]
			ctx.Pool.Evict(seq)
			seq.resetComputation()
		}
		return 0, nil
	}

	if req.Status == StatusPreempted {
		if err := req.setStatus(StatusWaiting); err != nil {
			return 0, err
		}
	}
	if err := req.setStatus(StatusRunning); err != nil {
		return 0, err
	}
	for _, id := range req.seqIDs {
		seq := ctx.Seqs[id]
		if seq.Status == StatusPreempted {
			if err := seq.setStatus(StatusWaiting); err != nil {
				return 0, err
			}
		}
		if err := seq.setStatus(StatusRunning); err != nil {
			return 0, err
		}
	}
	logrus.Debugf("[step %07d] admitted %s: %d tokens, %d cached blocks", ctx.Step, req.ID, tokens, ctx.Seqs[req.seqIDs[0]].numHashed)
	return tokens, s.commit(ctx, req, plans, batch)
}

// commit allocates the planned blocks and appends batch entries.
func (s *Scheduler) commit(ctx ScheduleContext, req *Request, plans []seqPlan, batch *StepBatch) error {
	for _, pl := range plans {
		seq := pl.seq
		for _, j := range pl.cow {
			old := seq.blocks[j]
			blk, err := ctx.Pool.CopyOnWrite(old)
			if err != nil {
				return fmt.Errorf("copy-on-write for sequence %d: %w", seq.ID, err)
			}
			seq.blocks[j] = blk
			batch.Copies = append(batch.Copies, BlockCopy{Src: old.ID, Dst: blk.ID, requestID: req.ID})
		}
		if pl.newBlocks > 0 {
			blks, err := ctx.Pool.Allocate(pl.newBlocks)
			if err != nil {
				return fmt.Errorf("allocating for sequence %d: %w", seq.ID, err)
			}
			seq.blocks = append(seq.blocks, blks...)
		}
		end := seq.computed + pl.chunk
		batch.Entries = append(batch.Entries, BatchEntry{
			SeqID:       seq.ID,
			RequestID:   req.ID,
			TokenIDs:    seq.tokens,
			PromptLen:   seq.promptLen,
			Start:       seq.computed,
			NumTokens:   pl.chunk,
			BlockTable:  seq.BlockTable(),
			EmitsLogits: end == seq.Len(),
		})
		batch.NumTokens += pl.chunk
	}
	req.lastScheduled = ctx.Step
	return nil
}

// pickVictim returns the least recently scheduled running request other
// than req, excluding requests admitted this step. Ties go to the most
// recently arrived request.
func pickVictim(running *RunningSet, req *Request, fresh map[*Request]bool) *Request {
	var victim *Request
	for _, r := range running.Requests {
		if r == req || fresh[r] {
			continue
		}
		if victim == nil || r.lastScheduled < victim.lastScheduled ||
			(r.lastScheduled == victim.lastScheduled && r.arrival > victim.arrival) {
			victim = r
		}
	}
	return victim
}

// preempt evicts victim: its blocks return to the pool, its tokens are
// kept and it goes back to the front of the wait queue. If the victim was
// already part of the batch its entries are withdrawn; the refunded
// token count is returned.
func (s *Scheduler) preempt(ctx ScheduleContext, victim, requester *Request, batch *StepBatch) int {
	reclaimed := 0
	for _, id := range victim.seqIDs {
		seq := ctx.Seqs[id]
		reclaimed += ctx.Pool.Evict(seq)
		seq.resetComputation()
		seq.Status = StatusPreempted
	}
	victim.Status = StatusPreempted
	ctx.Running.Remove(victim)
	ctx.WaitQ.PrependFront(victim)

	refund := withdraw(batch, victim.ID)
	batch.Preempted = append(batch.Preempted, Preemption{
		RequestID:       victim.ID,
		Requester:       requester.ID,
		ReclaimedBlocks: reclaimed,
	})
	logrus.Warnf("[step %07d] preemption: evicting %s to make room for %s (%d blocks reclaimed)",
		ctx.Step, victim.ID, requester.ID, reclaimed)
	return refund
}

// deadlock takes req out of scheduling; the pipeline aborts it.
func (s *Scheduler) deadlock(ctx ScheduleContext, req *Request, batch *StepBatch) {
	for _, id := range req.seqIDs {
		seq := ctx.Seqs[id]
		ctx.Pool.Evict(seq)
		seq.resetComputation()
	}
	ctx.Running.Remove(req)
	ctx.WaitQ.Remove(req)
	withdraw(batch, req.ID)
	batch.Deadlocked = append(batch.Deadlocked, req.ID)
}

// withdraw removes a request's entries and copies from the batch and
// returns the number of tokens it had.
func withdraw(batch *StepBatch, requestID string) int {
	refund := 0
	entries := batch.Entries[:0]
	for _, e := range batch.Entries {
		if e.RequestID == requestID {
			refund += e.NumTokens
			continue
		}
		entries = append(entries, e)
	}
	batch.Entries = entries
	batch.NumTokens -= refund

	copies := batch.Copies[:0]
	for _, c := range batch.Copies {
		if c.requestID != requestID {
			copies = append(copies, c)
		}
	}
	batch.Copies = copies
	return refund
}

func ceilDiv(a, b int) int {
	return (a + b - 1) / b
}
