package engine

import (
	"fmt"
	"strings"
)

// WaitQueue is the FIFO queue of requests waiting for admission.
// New requests are enqueued at the back; preempted requests are put back
// at the front so they are readmitted first.
type WaitQueue struct {
	queue []*Request
}

// Enqueue adds a request to the back of the wait queue.
func (wq *WaitQueue) Enqueue(r *Request) {
	if r == nil {
		panic("Enqueue: req must not be nil")
	}
	wq.queue = append(wq.queue, r)
}

func (wq *WaitQueue) String() string {
	var sb strings.Builder
	sb.WriteString("[")
	for i, r := range wq.queue {
		sb.WriteString(r.ID)
		if i < len(wq.queue)-1 {
			sb.WriteString(" ")
		}
	}
	sb.WriteString("]")
	return sb.String()
}

// Len returns the number of requests in the queue.
func (wq *WaitQueue) Len() int {
	return len(wq.queue)
}

// Peek returns the request at the front of the queue without removing it.
// Returns nil if the queue is empty.
func (wq *WaitQueue) Peek() *Request {
	if len(wq.queue) == 0 {
		return nil
	}
	return wq.queue[0]
}

// PrependFront inserts a request at the front of the queue.
// Used for preemption: a request evicted from the running set is placed
// back at the head of the wait queue for immediate rescheduling.
func (wq *WaitQueue) PrependFront(req *Request) {
	if req == nil {
		panic("PrependFront: req must not be nil")
	}
	wq.queue = append([]*Request{req}, wq.queue...)
}

// Dequeue removes and returns the request at the front of the queue.
func (wq *WaitQueue) Dequeue() *Request {
	if len(wq.queue) == 0 {
		return nil
	}
	r := wq.queue[0]
	wq.queue = wq.queue[1:]
	return r
}

// Remove deletes req from the queue, wherever it is. It reports whether
// the request was found.
func (wq *WaitQueue) Remove(req *Request) bool {
	for i, r := range wq.queue {
		if r == req {
			wq.queue = append(wq.queue[:i:i], wq.queue[i+1:]...)
			return true
		}
	}
	return false
}

// Items returns the queue contents for iteration. Callers MUST NOT append
// to or reslice it.
func (wq *WaitQueue) Items() []*Request {
	return wq.queue
}

// RunningSet is the ordered set of admitted requests.
type RunningSet struct {
	Requests []*Request
}

// Len returns the number of running requests.
func (rs *RunningSet) Len() int { return len(rs.Requests) }

// Remove deletes req from the set, preserving order.
func (rs *RunningSet) Remove(req *Request) bool {
	for i, r := range rs.Requests {
		if r == req {
			rs.Requests = append(rs.Requests[:i:i], rs.Requests[i+1:]...)
			return true
		}
	}
	return false
}

func (rs *RunningSet) String() string {
	ids := make([]string, len(rs.Requests))
	for i, r := range rs.Requests {
		ids[i] = r.ID
	}
	return fmt.Sprintf("[%s]", strings.Join(ids, " "))
}
