package queue

import (
	"errors"
	"sync"
)

var ErrQueueEmpty = errors.New("queue is empty")

type Queue[T any] interface {
	Enqueue(v T)
	Dequeue() (T, error)
	Peek() (T, error)
	Len() uint
}

// NaiveQueue is a slice backed FIFO. It is not safe for concurrent use.
type NaiveQueue[T any] struct {
	queue []T
}

func NewNaive[T any](initialCap uint) *NaiveQueue[T] {
	return &NaiveQueue[T]{queue: make([]T, 0, initialCap)}
}

var _ Queue[int] = (*NaiveQueue[int])(nil)

func (q *NaiveQueue[T]) Enqueue(v T) {
	q.queue = append(q.queue, v)
}

func (q *NaiveQueue[T]) Dequeue() (T, error) {
	var zero T
	if len(q.queue) == 0 {
		return zero, ErrQueueEmpty
	}

	v := q.queue[0]
	// Let the removed element be collected.
	q.queue[0] = zero
	q.queue = q.queue[1:]
	if len(q.queue) == 0 {
		q.queue = q.queue[:0:0]
	}

	return v, nil
}

func (q *NaiveQueue[T]) Peek() (T, error) {
	if len(q.queue) == 0 {
		var zero T
		return zero, ErrQueueEmpty
	}
	return q.queue[0], nil
}

func (q *NaiveQueue[T]) Len() uint {
	return uint(len(q.queue))
}

// SyncQueue guards another queue with a mutex, for a producer and a
// consumer living on different goroutines.
type SyncQueue[T any] struct {
	mu sync.Mutex
	q  Queue[T]
}

func NewSync[T any](q Queue[T]) *SyncQueue[T] {
	return &SyncQueue[T]{q: q}
}

var _ Queue[int] = (*SyncQueue[int])(nil)

func (q *SyncQueue[T]) Enqueue(v T) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.q.Enqueue(v)
}

func (q *SyncQueue[T]) Dequeue() (T, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.q.Dequeue()
}

func (q *SyncQueue[T]) Peek() (T, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.q.Peek()
}

func (q *SyncQueue[T]) Len() uint {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.q.Len()
}
