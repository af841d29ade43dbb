package tip

import (
	"sync"
)

// requestQueue is an unbounded FIFO queue of requests with any number
// of producers and a single consumer.
type requestQueue struct {
	lock     sync.Mutex
	cond     sync.Cond
	requests []Request
	closed   bool
}

func newRequestQueue() *requestQueue {
	q := &requestQueue{}
	q.cond.L = &q.lock
	return q
}

func (q *requestQueue) push(request Request) {
	q.lock.Lock()
	defer q.lock.Unlock()
	if q.closed {
		panic("Attempted to send a request to a tip worker that has been closed")
	}
	q.requests = append(q.requests, request)
	q.cond.Signal()
}

// pop blocks until a request is available. It returns false once the
// queue has been closed and all requests have been consumed.
func (q *requestQueue) pop() (Request, bool) {
	q.lock.Lock()
	defer q.lock.Unlock()
	for len(q.requests) == 0 {
		if q.closed {
			return nil, false
		}
		q.cond.Wait()
	}
	request := q.requests[0]
	q.requests[0] = nil
	q.requests = q.requests[1:]
	return request, true
}

func (q *requestQueue) close() {
	q.lock.Lock()
	defer q.lock.Unlock()
	q.closed = true
	q.cond.Broadcast()
}

// Sender is the handle through which requests are submitted to a tip
// worker. It may be used by multiple goroutines concurrently.
type Sender struct {
	queue *requestQueue
	done  <-chan struct{}
}

// Send enqueues a request. It does not wait for the request to be
// processed. Sending requests after Close() has been called causes a
// panic.
func (s *Sender) Send(request Request) {
	s.queue.push(request)
}

// Wait blocks until all requests sent before have been processed.
func (s *Sender) Wait() {
	reply := make(chan struct{}, 1)
	s.Send(WaitRequest{Reply: reply})
	<-reply
}

// Close stops accepting new requests and waits for the worker to
// process all requests that were already sent.
func (s *Sender) Close() {
	s.queue.close()
	<-s.done
}
