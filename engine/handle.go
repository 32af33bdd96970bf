package engine

import (
	"sync"
	"sync/atomic"
)

// GenerationResult is the outcome of one request.
// For beam search GenerationIDs holds the best hypotheses, best first;
// otherwise one entry per returned sequence. Scores are cumulative
// log-probabilities (length-normalized for beam search).
type GenerationResult struct {
	RequestID     string
	Status        SequenceStatus
	Err           error
	GenerationIDs [][]int
	Scores        []float64
}

// GenerationHandle tracks a request added with AddRequest. Its methods
// are safe to call from any goroutine.
type GenerationHandle struct {
	id     string
	req    *Request
	status atomic.Int32
	done   chan struct{}

	mu     sync.Mutex
	result GenerationResult
}

func newGenerationHandle(req *Request) *GenerationHandle {
	h := &GenerationHandle{id: req.ID, req: req, done: make(chan struct{})}
	h.status.Store(int32(req.Status))
	req.handle = h
	return h
}

// ID returns the request id.
func (h *GenerationHandle) ID() string { return h.id }

// Status returns the request status as of the last completed step.
func (h *GenerationHandle) Status() SequenceStatus {
	return SequenceStatus(h.status.Load())
}

// Abort asks the pipeline to cancel the request. It takes effect at the
// next step boundary; calling it on a finished request is a no-op.
func (h *GenerationHandle) Abort() {
	h.req.abortRequested.Store(true)
}

// Done is closed once the request is terminal.
func (h *GenerationHandle) Done() <-chan struct{} { return h.done }

// Result returns the final result; ok is false until the request is terminal.
func (h *GenerationHandle) Result() (GenerationResult, bool) {
	select {
	case <-h.done:
	default:
		return GenerationResult{}, false
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.result, true
}

func (h *GenerationHandle) publish(status SequenceStatus) {
	h.status.Store(int32(status))
}

func (h *GenerationHandle) complete(res GenerationResult) {
	h.mu.Lock()
	h.result = res
	h.mu.Unlock()
	h.status.Store(int32(res.Status))
	close(h.done)
}
