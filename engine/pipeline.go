package engine

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"slices"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/inference-sim/cbengine/engine/sampling"
	"github.com/inference-sim/cbengine/engine/trace"
)

// Sampler selects next tokens from logits. The default implementation is
// sampling.Sampler.
type Sampler interface {
	Sample(logits []float32, prompt, generated []int, p sampling.Params, rng *rand.Rand) (int, float64)
	NewBeamSearch(p sampling.Params) *sampling.BeamSearch
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithSeed sets the master seed of per-request RNGs. Default 0.
func WithSeed(seed int64) Option {
	return func(p *Pipeline) { p.seed = seed }
}

// WithSampler replaces the default sampler.
func WithSampler(s Sampler) Option {
	return func(p *Pipeline) { p.sampler = s }
}

// WithRegisterer exports pipeline metrics to reg.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(p *Pipeline) { p.registerer = reg }
}

// WithTrace records every step into t.
func WithTrace(t *trace.StepTrace) Option {
	return func(p *Pipeline) { p.trace = t }
}

// WithProgress calls fn from Generate each time one of its requests
// terminates.
func WithProgress(fn func(done, total int)) Option {
	return func(p *Pipeline) { p.progress = fn }
}

// Pipeline is a continuous-batching generation engine. Every step the
// scheduler forms a batch from running and waiting requests, the model
// executor runs it, and the sampler extends the sequences whose logits
// came back.
//
// Step, AddRequest and Generate serialize on an internal lock; they are
// meant to be driven by one goroutine. GenerationHandle methods and
// Metrics may be called from anywhere.
type Pipeline struct {
	mu sync.Mutex

	config    SchedulerConfig
	executor  ModelExecutor
	sampler   Sampler
	scheduler *Scheduler
	pool      *BlockPool
	index     *PrefixCacheIndex
	waitQ     *WaitQueue
	running   *RunningSet

	seqs      map[SeqID]*Sequence
	requests  map[string]*Request
	active    []*Request // non-terminal requests in arrival order
	nextSeqID SeqID
	arrivals  int64
	step      int
	calls     int

	seed          int64
	rng           *PartitionedRNG
	chat          *chatHistory
	pendingCopies []BlockCopy
	fatal         error

	registerer prometheus.Registerer
	collectors *collectors
	trace      *trace.StepTrace
	progress   func(done, total int)

	// per-step bookkeeping for the trace
	stepFinished []string
	stepAborted  []string

	statsMu     sync.Mutex
	stats       PipelineMetrics
	usageSum    float64
	preemptions int
	generated   int
}

// NewPipeline creates a pipeline over executor. cfg is validated here.
func NewPipeline(cfg SchedulerConfig, executor ModelExecutor, opts ...Option) (*Pipeline, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if executor == nil {
		return nil, errors.New("NewPipeline: executor must not be nil")
	}
	p := &Pipeline{
		config:   cfg,
		executor: executor,
		sampler:  sampling.New(),
		waitQ:    &WaitQueue{},
		running:  &RunningSet{},
		seqs:     make(map[SeqID]*Sequence),
		requests: make(map[string]*Request),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.index = NewPrefixCacheIndex(cfg.BlockSize, cfg.EnablePrefixCaching)
	p.pool = NewBlockPool(cfg.NumKVBlocks, cfg.BlockSize, p.index)
	p.scheduler = NewScheduler(cfg)
	p.rng = NewPartitionedRNG(p.seed)
	p.collectors = newCollectors(p.registerer)
	logrus.Debugf("pipeline created: %+v", cfg)
	return p, nil
}

// Config returns the scheduler configuration.
func (p *Pipeline) Config() SchedulerConfig { return p.config }

// AddRequest enqueues a request. Invalid generation configs and empty
// prompts are rejected with ErrInvalidGenerationConfig; the pipeline is
// unaffected.
func (p *Pipeline) AddRequest(id string, prompt []int, cfg GenerationConfig) (*GenerationHandle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fatal != nil {
		return nil, p.fatal
	}
	if id == "" {
		return nil, errors.New("AddRequest: id must not be empty")
	}
	if _, ok := p.requests[id]; ok {
		return nil, fmt.Errorf("AddRequest: request %q already exists", id)
	}
	if len(prompt) == 0 {
		return nil, fmt.Errorf("request %s: %w: empty prompt", id, ErrInvalidGenerationConfig)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("request %s: %w", id, err)
	}

	cfg.StopTokenIDs = slices.Clone(cfg.StopTokenIDs)
	req := &Request{
		ID:      id,
		Prompt:  slices.Clone(prompt),
		Config:  cfg,
		Status:  StatusWaiting,
		arrival: p.arrivals,
		rng:     p.rng.ForRequest(id),
	}
	p.arrivals++
	seq := newSequence(p.nextSeqID, id, prompt)
	p.nextSeqID++
	p.seqs[seq.ID] = seq
	req.seqIDs = []SeqID{seq.ID}

	h := newGenerationHandle(req)
	p.requests[id] = req
	p.active = append(p.active, req)
	p.waitQ.Enqueue(req)
	p.refreshCounts()
	logrus.Debugf("[step %07d] request %s queued: %d prompt tokens, mode %s", p.step, id, len(prompt), cfg.Mode())
	return h, nil
}

// HasNonFinishedRequests reports whether any request is waiting or running.
func (p *Pipeline) HasNonFinishedRequests() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.active) > 0
}

// Step runs one scheduling step: pending aborts are applied, a batch is
// formed and executed, and sampled tokens are appended. A returned error
// other than a context error is fatal for the pipeline.
func (p *Pipeline) Step(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fatal != nil {
		return p.fatal
	}
	p.stepFinished = p.stepFinished[:0]
	p.stepAborted = p.stepAborted[:0]

	p.applyAborts()

	batch, err := p.scheduler.Schedule(ScheduleContext{
		Pool:          p.pool,
		Index:         p.index,
		WaitQ:         p.waitQ,
		Running:       p.running,
		Seqs:          p.seqs,
		Step:          p.step,
		PendingCopies: p.pendingCopies,
	})
	if err != nil {
		return p.fail(err)
	}
	p.pendingCopies = nil
	usage := p.pool.Usage()

	for _, id := range batch.Deadlocked {
		p.finishRequest(p.requests[id], StatusAborted, fmt.Errorf("request %s: %w", id, ErrSchedulerDeadlock))
	}
	for _, id := range batch.Admitted {
		if req, ok := p.requests[id]; ok && req.Status == StatusRunning {
			req.handle.publish(StatusRunning)
		}
	}
	for _, pr := range batch.Preempted {
		if req, ok := p.requests[pr.RequestID]; ok {
			req.handle.publish(StatusPreempted)
		}
	}

	if !batch.Empty() {
		outs, err := p.executor.Execute(ctx, batch)
		if err == nil && len(outs) != len(batch.Entries) {
			err = fmt.Errorf("executor returned %d outputs for %d entries", len(outs), len(batch.Entries))
		}
		switch {
		case err != nil && ctx.Err() != nil:
			// nothing was computed; the same work is rescheduled next step
			p.pendingCopies = batch.Copies
			return ctx.Err()
		case err != nil:
			logrus.Errorf("[step %07d] model execution failed: %v", p.step, err)
			for _, req := range p.batchRequests(batch) {
				p.finishRequest(req, StatusAborted, fmt.Errorf("%w: %v", ErrModelExecutionFailure, err))
			}
		default:
			p.applyOutputs(batch, outs)
		}
	}

	if err := p.pool.CheckIntegrity(); err != nil {
		return p.fail(err)
	}
	p.record(batch, usage)
	p.step++
	return nil
}

// Generate runs prompts to completion and returns one result per prompt,
// in input order. cfgs holds either one config for every prompt or one
// per prompt. Per-request failures are reported in the results; the error
// is reserved for misuse, context cancellation and fatal pipeline faults.
// On cancellation the outstanding requests are aborted and the partial
// results returned along with the context error.
func (p *Pipeline) Generate(ctx context.Context, prompts [][]int, cfgs []GenerationConfig) ([]GenerationResult, error) {
	if len(cfgs) != 1 && len(cfgs) != len(prompts) {
		return nil, fmt.Errorf("Generate: got %d configs for %d prompts", len(cfgs), len(prompts))
	}

	p.mu.Lock()
	call := p.calls
	p.calls++
	var history []int
	if p.chat != nil {
		if len(prompts) != 1 {
			p.mu.Unlock()
			return nil, fmt.Errorf("Generate: chat mode takes exactly one prompt, got %d", len(prompts))
		}
		history = slices.Clone(p.chat.tokens)
	}
	p.mu.Unlock()

	results := make([]GenerationResult, len(prompts))
	handles := make([]*GenerationHandle, len(prompts))
	fullPrompts := make([][]int, len(prompts))
	total := 0
	for i, prompt := range prompts {
		cfg := cfgs[0]
		if len(cfgs) > 1 {
			cfg = cfgs[i]
		}
		fullPrompts[i] = append(slices.Clone(history), prompt...)
		id := fmt.Sprintf("generate-%d-%d", call, i)
		h, err := p.AddRequest(id, fullPrompts[i], cfg)
		if err != nil {
			if !errors.Is(err, ErrInvalidGenerationConfig) {
				p.abortAll(handles[:i], err)
				return nil, err
			}
			logrus.Warnf("request %s rejected: %v", id, err)
			results[i] = GenerationResult{RequestID: id, Status: StatusAborted, Err: err}
			continue
		}
		handles[i] = h
		total++
	}

	done := 0
	for done < total {
		err := ctx.Err()
		if err == nil {
			err = p.Step(ctx)
		}
		if err != nil {
			if ctx.Err() == nil {
				return nil, err
			}
			p.abortAll(handles, ctx.Err())
			collect(results, handles)
			return results, ctx.Err()
		}
		finished := 0
		for _, h := range handles {
			if h != nil && h.Status().Terminal() {
				finished++
			}
		}
		if finished != done {
			done = finished
			if p.progress != nil {
				p.progress(done, total)
			}
		}
	}
	collect(results, handles)

	if history != nil && results[0].Status == StatusFinished && len(results[0].GenerationIDs) > 0 {
		p.mu.Lock()
		if p.chat != nil {
			p.chat.tokens = append(fullPrompts[0], results[0].GenerationIDs[0]...)
		}
		p.mu.Unlock()
	}
	return results, nil
}

func collect(results []GenerationResult, handles []*GenerationHandle) {
	for i, h := range handles {
		if h == nil {
			continue
		}
		if res, ok := h.Result(); ok {
			results[i] = res
		}
	}
}

// abortAll terminates the given requests immediately; used when the
// driving context is gone and no further step boundary will come.
func (p *Pipeline) abortAll(handles []*GenerationHandle, cause error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, h := range handles {
		if h == nil || h.req.Status.Terminal() {
			continue
		}
		p.finishRequest(h.req, StatusAborted, fmt.Errorf("%w: %v", ErrAborted, cause))
	}
	p.refreshCounts()
}

// fail marks the pipeline as unusable.
func (p *Pipeline) fail(err error) error {
	logrus.Errorf("[step %07d] pipeline halted: %v", p.step, err)
	p.fatal = err
	return err
}

// applyAborts terminates requests whose handle asked for it.
func (p *Pipeline) applyAborts() {
	for _, req := range slices.Clone(p.active) {
		if req.abortRequested.Load() {
			p.finishRequest(req, StatusAborted, fmt.Errorf("request %s: %w", req.ID, ErrAborted))
		}
	}
}

// batchRequests returns the distinct requests of a batch in entry order.
func (p *Pipeline) batchRequests(batch *StepBatch) []*Request {
	var reqs []*Request
	seen := make(map[string]bool)
	for _, e := range batch.Entries {
		if seen[e.RequestID] {
			continue
		}
		seen[e.RequestID] = true
		if req, ok := p.requests[e.RequestID]; ok {
			reqs = append(reqs, req)
		}
	}
	return reqs
}

// applyOutputs advances computed counters, registers full blocks in the
// prefix index, stores logits and samples every request whose sequences
// all have logits.
func (p *Pipeline) applyOutputs(batch *StepBatch, outs []SequenceOutput) {
	failed := make(map[string]error)
	for i, e := range batch.Entries {
		seq, ok := p.seqs[e.SeqID]
		if !ok {
			continue
		}
		out := outs[i]
		if out.Err != nil {
			failed[e.RequestID] = fmt.Errorf("sequence %d: %w: %v", e.SeqID, ErrModelExecutionFailure, out.Err)
			continue
		}
		if e.EmitsLogits && len(out.Logits) == 0 {
			failed[e.RequestID] = fmt.Errorf("sequence %d: %w: no logits", e.SeqID, ErrModelExecutionFailure)
			continue
		}
		seq.computed += e.NumTokens
		p.index.Commit(seq)
		if e.EmitsLogits {
			seq.logits = out.Logits
		}
	}

	for _, req := range p.batchRequests(batch) {
		if err, ok := failed[req.ID]; ok {
			logrus.Errorf("[step %07d] request %s failed: %v", p.step, req.ID, err)
			p.finishRequest(req, StatusAborted, err)
			continue
		}
		if p.readyToSample(req) {
			p.sample(req)
		}
	}
}

func (p *Pipeline) readyToSample(req *Request) bool {
	for _, id := range req.seqIDs {
		seq := p.seqs[id]
		if seq.logits == nil || seq.Uncomputed() != 0 {
			return false
		}
	}
	return len(req.seqIDs) > 0
}

func (p *Pipeline) sample(req *Request) {
	params := req.Config.SamplingParams()
	if req.Config.Mode() == ModeBeamSearch {
		p.sampleBeams(req, params)
		return
	}

	if !req.forked {
		req.forked = true
		parent := p.seqs[req.seqIDs[0]]
		for i := 1; i < req.Config.NumReturnSequences; i++ {
			p.forkSequence(req, parent)
		}
	}
	for _, id := range slices.Clone(req.seqIDs) {
		seq := p.seqs[id]
		tok, logProb := p.sampler.Sample(seq.logits, seq.PromptTokenIDs(), seq.GeneratedTokenIDs(), params, req.rng)
		seq.appendToken(tok, logProb)
		p.countGenerated(1)
		if req.Config.stops(tok) || seq.NumGenerated() >= req.Config.MaxNewTokens {
			p.retireSequence(req, seq)
			req.finished = append(req.finished, seq.ID)
		}
	}
	if len(req.seqIDs) == 0 {
		p.finishRequest(req, StatusFinished, nil)
	}
}

// sampleBeams advances the request's beam search by one token. The first
// choice of a beam reuses its sequence; further choices fork it; beams
// without a choice are released.
func (p *Pipeline) sampleBeams(req *Request, params sampling.Params) {
	if req.beam == nil {
		req.beam = p.sampler.NewBeamSearch(params)
	}
	groups := req.beam.NumGroups()
	beams := make([][]sampling.Beam, groups)
	owners := make([][]*Sequence, groups)
	toBeam := func(seq *Sequence) sampling.Beam {
		return sampling.Beam{
			Prompt:    seq.PromptTokenIDs(),
			Generated: seq.GeneratedTokenIDs(),
			Logits:    seq.logits,
			Score:     seq.cumLogProb,
		}
	}
	live := make([]*Sequence, 0, len(req.seqIDs))
	for _, id := range req.seqIDs {
		live = append(live, p.seqs[id])
	}
	if !req.forked {
		// every group starts from the prompt sequence
		for g := 0; g < groups; g++ {
			beams[g] = []sampling.Beam{toBeam(live[0])}
			owners[g] = []*Sequence{live[0]}
		}
	} else {
		for _, seq := range live {
			beams[seq.group] = append(beams[seq.group], toBeam(seq))
			owners[seq.group] = append(owners[seq.group], seq)
		}
	}
	req.forked = true

	choices := req.beam.Step(beams)
	perSeq := make(map[SeqID][]sampling.Choice)
	for g, cs := range choices {
		for _, c := range cs {
			owner := owners[g][c.Parent]
			perSeq[owner.ID] = append(perSeq[owner.ID], c)
		}
	}

	for _, seq := range live {
		cs := perSeq[seq.ID]
		if len(cs) == 0 {
			p.retireSequence(req, seq)
			delete(p.seqs, seq.ID)
			continue
		}
		for _, c := range cs[1:] {
			child := p.forkSequence(req, seq)
			child.group = c.Group
			child.appendToken(c.Token, 0)
			child.cumLogProb = c.Score
		}
		seq.group = cs[0].Group
		seq.appendToken(cs[0].Token, 0)
		seq.cumLogProb = cs[0].Score
		p.countGenerated(len(cs))
	}

	if req.beam.Done() || len(req.seqIDs) == 0 {
		p.finishRequest(req, StatusFinished, nil)
	}
}

// forkSequence creates a child of parent sharing its blocks.
func (p *Pipeline) forkSequence(req *Request, parent *Sequence) *Sequence {
	child := parent.fork(p.nextSeqID)
	p.nextSeqID++
	p.pool.Fork(child.blocks)
	p.seqs[child.ID] = child
	req.seqIDs = append(req.seqIDs, child.ID)
	return child
}

// retireSequence finishes one sequence and returns its blocks.
func (p *Pipeline) retireSequence(req *Request, seq *Sequence) {
	if err := seq.setStatus(StatusFinished); err != nil {
		logrus.Errorf("[step %07d] %v", p.step, err)
	}
	p.pool.Evict(seq)
	req.removeSeq(seq.ID)
}

// finishRequest moves req to a terminal state, releases every block it
// still holds and publishes the result.
func (p *Pipeline) finishRequest(req *Request, status SequenceStatus, err error) {
	if req == nil || req.Status.Terminal() {
		return
	}
	res := p.buildResult(req)
	res.Status = status
	res.Err = err

	for _, id := range req.seqIDs {
		seq := p.seqs[id]
		p.pool.Evict(seq)
		if !seq.Status.Terminal() {
			seq.Status = status
		}
	}
	if req.Status == StatusPreempted && status == StatusFinished {
		logrus.Errorf("[step %07d] request %s finished while preempted", p.step, req.ID)
	}
	req.Status = status
	req.err = err
	p.running.Remove(req)
	p.waitQ.Remove(req)
	p.pendingCopies = slices.DeleteFunc(p.pendingCopies, func(c BlockCopy) bool { return c.requestID == req.ID })

	for _, id := range req.seqIDs {
		delete(p.seqs, id)
	}
	for _, id := range req.finished {
		delete(p.seqs, id)
	}
	delete(p.requests, req.ID)
	p.active = slices.DeleteFunc(p.active, func(r *Request) bool { return r == req })

	if status == StatusFinished {
		p.stepFinished = append(p.stepFinished, req.ID)
	} else {
		p.stepAborted = append(p.stepAborted, req.ID)
		logrus.Debugf("[step %07d] request %s aborted: %v", p.step, req.ID, err)
	}
	p.collectors.finished.WithLabelValues(status.String()).Inc()
	req.handle.complete(res)
}

// buildResult assembles the generated sequences of a request. Beam search
// reports its best hypotheses, falling back to the live beams when none
// finished; otherwise every sequence is reported in creation order.
func (p *Pipeline) buildResult(req *Request) GenerationResult {
	res := GenerationResult{RequestID: req.ID}
	if req.beam != nil {
		hyps := req.beam.Results(req.Config.NumReturnSequences)
		for _, h := range hyps {
			res.GenerationIDs = append(res.GenerationIDs, h.Tokens)
			res.Scores = append(res.Scores, h.Score)
		}
		if len(hyps) > 0 {
			return res
		}
	}
	ids := append(slices.Clone(req.finished), req.seqIDs...)
	slices.Sort(ids)
	for _, id := range ids {
		seq, ok := p.seqs[id]
		if !ok {
			continue
		}
		res.GenerationIDs = append(res.GenerationIDs, slices.Clone(seq.GeneratedTokenIDs()))
		res.Scores = append(res.Scores, seq.cumLogProb)
	}
	return res
}

func (p *Pipeline) countGenerated(n int) {
	p.statsMu.Lock()
	p.generated += n
	p.statsMu.Unlock()
	p.collectors.generatedTokens.Add(float64(n))
}
