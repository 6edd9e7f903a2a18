// Package queue defines the durable write-queue boundary: mutations are
// enqueued with a priority, delivered eventually, and their outcomes are
// reported to a completion handler. The engine only depends on the
// Enqueuer side; Memory is an in-process implementation for wiring and
// tests — durability across restarts belongs to the platform's queue.
package queue

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Kind is the mutation kind carried by a queued operation.
type Kind string

const (
	KindCreate Kind = "create"
	KindUpdate Kind = "update"
	KindDelete Kind = "delete"
)

// Operation is a durable mutation awaiting delivery.
type Operation struct {
	ID         string
	Kind       Kind
	Resource   string
	Endpoint   string
	Method     string
	Payload    []byte
	Priority   int
	EnqueuedAt time.Time
}

// CompletionHandler receives the eventual outcome of a queued operation.
// Handlers may be invoked more than once for the same id by an at-least-
// once queue; consumers must be idempotent.
type CompletionHandler func(queueOpID string, success bool, result []byte, err error)

// Enqueuer is the write side of the queue.
//
// Contract:
// - Concurrency: implementations must be safe for concurrent use.
// - Errors: Enqueue fails only when the operation cannot be accepted;
//   delivery failures surface through the completion handler.
type Enqueuer interface {
	// Enqueue accepts a mutation for eventual delivery and returns its id.
	Enqueue(ctx context.Context, op Operation) (string, error)
}

// DeliverFunc performs the actual remote mutation for one operation.
type DeliverFunc func(ctx context.Context, op Operation) ([]byte, error)

// ErrNoDeliverer is returned by Flush when no delivery function is set.
var ErrNoDeliverer = errors.New("queue: no deliver function configured")

// Memory is an in-process queue ordered by priority (higher first) then
// enqueue time.
type Memory struct {
	mu       sync.Mutex
	pending  []Operation
	deliver  DeliverFunc
	complete CompletionHandler
	now      func() time.Time
}

// NewMemory creates an empty in-process queue.
func NewMemory(deliver DeliverFunc) *Memory {
	return &Memory{deliver: deliver, now: time.Now}
}

// OnComplete registers the completion handler for delivery outcomes.
func (q *Memory) OnComplete(h CompletionHandler) {
	q.mu.Lock()
	q.complete = h
	q.mu.Unlock()
}

// Enqueue accepts a mutation for eventual delivery and returns its id.
func (q *Memory) Enqueue(_ context.Context, op Operation) (string, error) {
	if op.ID == "" {
		op.ID = uuid.NewString()
	}
	if op.EnqueuedAt.IsZero() {
		op.EnqueuedAt = q.now()
	}

	q.mu.Lock()
	q.pending = append(q.pending, op)
	sort.SliceStable(q.pending, func(i, j int) bool {
		return q.pending[i].Priority > q.pending[j].Priority
	})
	q.mu.Unlock()

	return op.ID, nil
}

// Pending returns the number of undelivered operations.
func (q *Memory) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Flush delivers all pending operations in order, reporting each outcome
// to the completion handler. Delivery stops early if ctx ends.
func (q *Memory) Flush(ctx context.Context) error {
	q.mu.Lock()
	deliver := q.deliver
	complete := q.complete
	batch := q.pending
	q.pending = nil
	q.mu.Unlock()

	if deliver == nil {
		return ErrNoDeliverer
	}

	for i, op := range batch {
		if err := ctx.Err(); err != nil {
			// Put the undelivered tail back.
			q.mu.Lock()
			q.pending = append(batch[i:], q.pending...)
			q.mu.Unlock()
			return err
		}

		result, err := deliver(ctx, op)
		if complete != nil {
			complete(op.ID, err == nil, result, err)
		}
	}
	return nil
}

// Ensure Memory implements Enqueuer
var _ Enqueuer = (*Memory)(nil)
