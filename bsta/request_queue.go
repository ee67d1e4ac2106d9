// The inbound request queue: many producers, one consumer, the worker.

package bsta

import (
	"context"
	"sync"

	"github.com/pkg/errors"
)

const (
	REQUEST_QUEUE_SIZE_DEFAULT = 256
)

var (
	ErrQueueFull   = errors.New("request queue full")
	ErrQueueClosed = errors.New("request queue closed")
)

type RequestQueue interface {
	// Non-blocking:
	Send(req *Request) error
	// Blocking, until a request is available or the context is cancelled:
	Receive(ctx context.Context) (*Request, error)
	Close()
}

type ChanRequestQueue struct {
	ch     chan *Request
	closed bool
	// Guards against send on closed channel:
	mu *sync.RWMutex
}

func NewChanRequestQueue(size int) *ChanRequestQueue {
	if size <= 0 {
		size = REQUEST_QUEUE_SIZE_DEFAULT
	}
	return &ChanRequestQueue{
		ch: make(chan *Request, size),
		mu: &sync.RWMutex{},
	}
}

func (q *ChanRequestQueue) Send(req *Request) error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return ErrQueueClosed
	}
	select {
	case q.ch <- req:
		return nil
	default:
		return ErrQueueFull
	}
}

func (q *ChanRequestQueue) Receive(ctx context.Context) (*Request, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case req, isOpen := <-q.ch:
		if !isOpen {
			return nil, ErrQueueClosed
		}
		return req, nil
	}
}

func (q *ChanRequestQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.closed {
		q.closed = true
		close(q.ch)
	}
}

func (q *ChanRequestQueue) Len() int {
	return len(q.ch)
}
