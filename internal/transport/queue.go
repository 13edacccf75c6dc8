package transport

import (
	"encoding/json"
	"sync"
	"time"
)

// queuedMessage is one outbound request. Exactly one response (payload or
// error) is delivered on respCh for every message that enters the queue.
type queuedMessage struct {
	id       string
	msgType  string
	payload  json.RawMessage
	enqueued time.Time
	respCh   chan response

	// Guarded by msgQueue.mu.
	result   *response
	resolved bool
}

type response struct {
	payload json.RawMessage
	err     error
}

// msgQueue holds messages not yet written (queued) and messages written but
// awaiting a response (pending), both in enqueue order. Responses are
// released to callers strictly in that order even when the hub answers out
// of order.
type msgQueue struct {
	mu      sync.Mutex
	queued  []*queuedMessage
	pending []*queuedMessage
	notify  chan struct{}
}

func (q *msgQueue) enqueue(qm *queuedMessage) {
	q.mu.Lock()
	q.queued = append(q.queued, qm)
	q.mu.Unlock()
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// nextPending blocks until a queued message is available, moves it to the
// pending list, and returns it. Returns nil when stop closes.
func (q *msgQueue) nextPending(stop chan struct{}) *queuedMessage {
	for {
		q.mu.Lock()
		if len(q.queued) > 0 {
			qm := q.queued[0]
			q.queued = q.queued[1:]
			q.pending = append(q.pending, qm)
			q.mu.Unlock()
			return qm
		}
		q.mu.Unlock()
		select {
		case <-q.notify:
		case <-stop:
			return nil
		}
	}
}

// resolve correlates a response payload to its pending message. Returns
// false for orphaned responses no caller is waiting on.
func (q *msgQueue) resolve(id string, payload json.RawMessage) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, qm := range q.pending {
		if qm.id == id {
			qm.result = &response{payload: payload}
			q.flushLocked()
			return true
		}
	}
	return false
}

// flushLocked releases resolved messages from the head of the pending list,
// preserving FIFO delivery to callers.
func (q *msgQueue) flushLocked() {
	for len(q.pending) > 0 && q.pending[0].result != nil {
		qm := q.pending[0]
		q.pending = q.pending[1:]
		q.deliverLocked(qm, *qm.result)
	}
}

func (q *msgQueue) deliverLocked(qm *queuedMessage, resp response) {
	if qm.resolved {
		return
	}
	qm.resolved = true
	qm.respCh <- resp
}

// abandon removes a message whose caller gave up (timeout or cancellation)
// so it cannot block delivery to later messages.
func (q *msgQueue) abandon(qm *queuedMessage) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if qm.resolved {
		return
	}
	qm.resolved = true
	q.queued = remove(q.queued, qm)
	q.pending = remove(q.pending, qm)
	q.flushLocked()
}

// fail rejects a single pending message with err.
func (q *msgQueue) fail(qm *queuedMessage, err error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.pending = remove(q.pending, qm)
	q.deliverLocked(qm, response{err: err})
	q.flushLocked()
}

// requeueFront returns an unsent pending message to the head of the queue
// after a write failure, unless its caller already gave up.
func (q *msgQueue) requeueFront(qm *queuedMessage) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.pending = remove(q.pending, qm)
	if qm.resolved {
		return
	}
	q.queued = append([]*queuedMessage{qm}, q.queued...)
}

// rejectAll rejects every queued and pending message with err and clears the
// queue. No caller is ever left waiting forever.
func (q *msgQueue) rejectAll(err error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, qm := range q.pending {
		q.deliverLocked(qm, response{err: err})
	}
	for _, qm := range q.queued {
		q.deliverLocked(qm, response{err: err})
	}
	q.pending = nil
	q.queued = nil
}

func remove(list []*queuedMessage, qm *queuedMessage) []*queuedMessage {
	for i, m := range list {
		if m == qm {
			return append(list[:i], list[i+1:]...)
		}
	}
	return list
}
