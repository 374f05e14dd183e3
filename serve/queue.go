// Implements the WaitQueue, which holds requests that have crossed the
// request channel but are not yet admitted into a batch.

package serve

import (
	"fmt"
	"strings"
)

// WaitQueue is a FIFO queue of pending requests on the worker side.
// Requests are admitted into batches in strict submission order; there is
// no priority reordering.
type WaitQueue struct {
	queue []*Request
}

// Enqueue adds a request to the back of the wait queue.
func (wq *WaitQueue) Enqueue(r *Request) {
	wq.queue = append(wq.queue, r)
}

// Len returns the number of pending requests.
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

// Dequeue removes and returns the request at the front of the queue, or
// nil if the queue is empty.
func (wq *WaitQueue) Dequeue() *Request {
	if len(wq.queue) == 0 {
		return nil
	}
	req := wq.queue[0]
	wq.queue = wq.queue[1:]
	return req
}

// Remove deletes the pending request with the given id, returning whether
// it was present. Used when a cancel arrives before admission.
func (wq *WaitQueue) Remove(id string) bool {
	for i, req := range wq.queue {
		if req.ID == id {
			wq.queue = append(wq.queue[:i], wq.queue[i+1:]...)
			return true
		}
	}
	return false
}

func (wq *WaitQueue) String() string {
	var sb strings.Builder
	sb.WriteString("[")
	for i, val := range wq.queue {
		sb.WriteString(fmt.Sprint(val))
		if i < len(wq.queue)-1 {
			sb.WriteString(" ")
		}
	}
	sb.WriteString("]")
	return sb.String()
}
