package optimistic

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/a-cube-io/ereceipts-go-sdk/cache"
	"github.com/a-cube-io/ereceipts-go-sdk/clock"
	"github.com/a-cube-io/ereceipts-go-sdk/events"
	"github.com/a-cube-io/ereceipts-go-sdk/observe"
	"github.com/a-cube-io/ereceipts-go-sdk/queue"
)

// Status is an operation's lifecycle state. Pending transitions to exactly
// one terminal state; every transition on a terminal or unknown operation
// is an idempotent no-op so duplicate or late queue callbacks are harmless.
type Status string

const (
	StatusPending    Status = "pending"
	StatusConfirmed  Status = "confirmed"
	StatusFailed     Status = "failed"
	StatusRolledBack Status = "rolled_back"
)

// Operation tracks one speculative mutation.
type Operation struct {
	ID          string
	QueueOpID   string
	Resource    string
	Kind        queue.Kind
	CacheKey    string
	Speculative []byte
	Previous    *cache.Entry // snapshot for rollback; nil if the key was absent
	CreatedAt   time.Time
	ResolvedAt  time.Time
	Status      Status
	Err         error
}

// Request describes a speculative mutation to create.
type Request struct {
	Resource    string
	Kind        queue.Kind
	Endpoint    string
	Method      string
	Payload     []byte
	Speculative []byte
	CacheKey    string
	Priority    int
}

// Config configures the optimistic manager.
type Config struct {
	// RollbackTimeout force-rolls-back operations with no resolution.
	// Default: 30 seconds
	RollbackTimeout time.Duration

	// MaxOperations bounds tracked operations; the oldest non-pending
	// ones are pruned first. Pending operations are never pruned.
	// Default: 100
	MaxOperations int

	// ConfirmedGrace is how long terminal operations stay visible in
	// Operations() before pruning.
	// Default: 5 minutes
	ConfirmedGrace time.Duration

	// Clock overrides the time source. Default: system clock.
	Clock clock.Clock

	// Logger receives operation activity. Default: discard.
	Logger observe.Logger

	// Metrics records confirm/rollback counters. Optional.
	Metrics *observe.Metrics

	// Bus receives operation events. Optional.
	Bus *events.Bus
}

// Manager is the optimistic update manager. Operation state is owned by
// the instance; there are no package-level collections.
type Manager struct {
	store cache.Store
	queue queue.Enqueuer

	config Config

	mu        sync.Mutex
	ops       map[string]*Operation
	byQueueID map[string]string
	timers    map[string]clock.Timer
}

// NewManager creates an optimistic manager writing through store and
// enqueueing mutations on q.
func NewManager(store cache.Store, q queue.Enqueuer, config Config) *Manager {
	// Apply defaults
	if config.RollbackTimeout <= 0 {
		config.RollbackTimeout = 30 * time.Second
	}
	if config.MaxOperations <= 0 {
		config.MaxOperations = 100
	}
	if config.ConfirmedGrace <= 0 {
		config.ConfirmedGrace = 5 * time.Minute
	}
	if config.Clock == nil {
		config.Clock = clock.System()
	}
	if config.Logger == nil {
		config.Logger = observe.NopLogger()
	}
	config.Logger = config.Logger.WithComponent("optimistic")

	return &Manager{
		store:     store,
		queue:     q,
		config:    config,
		ops:       make(map[string]*Operation),
		byQueueID: make(map[string]string),
		timers:    make(map[string]clock.Timer),
	}
}

// Destroy stops all rollback timers and drops tracked operations.
// Cached speculative entries are left as-is for the sync manager to
// reconcile on the next pass.
func (m *Manager) Destroy() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for id, t := range m.timers {
		t.Stop()
		delete(m.timers, id)
	}
	m.ops = make(map[string]*Operation)
	m.byQueueID = make(map[string]string)
}

// Create snapshots the current cache entry, writes the speculative data,
// enqueues the durable mutation, and arms the rollback timer. It returns
// the operation id.
func (m *Manager) Create(ctx context.Context, req Request) (string, error) {
	if err := cache.ValidateKey(req.CacheKey); err != nil {
		return "", err
	}

	id := uuid.NewString()
	now := m.config.Clock.Now()

	previous, err := m.store.Get(ctx, req.CacheKey)
	if err != nil {
		return "", fmt.Errorf("optimistic: snapshot %q: %w", req.CacheKey, err)
	}

	speculative := &cache.Entry{
		Key:        req.CacheKey,
		Data:       req.Speculative,
		Timestamp:  now,
		Tags:       []string{"op:" + id},
		Source:     cache.SourceOptimistic,
		SyncStatus: cache.StatusPending,
	}
	if err := m.store.Set(ctx, speculative); err != nil {
		return "", fmt.Errorf("optimistic: write speculative %q: %w", req.CacheKey, err)
	}

	queueID, err := m.queue.Enqueue(ctx, queue.Operation{
		Kind:     req.Kind,
		Resource: req.Resource,
		Endpoint: req.Endpoint,
		Method:   req.Method,
		Payload:  req.Payload,
		Priority: req.Priority,
	})
	if err != nil {
		// Undo the speculative write; the mutation never made the queue.
		m.restoreEntry(ctx, req.CacheKey, previous, now)
		return "", fmt.Errorf("optimistic: enqueue: %w", err)
	}

	op := &Operation{
		ID:          id,
		QueueOpID:   queueID,
		Resource:    req.Resource,
		Kind:        req.Kind,
		CacheKey:    req.CacheKey,
		Speculative: req.Speculative,
		Previous:    previous,
		CreatedAt:   now,
		Status:      StatusPending,
	}

	m.mu.Lock()
	m.ops[id] = op
	m.byQueueID[queueID] = id
	m.timers[id] = m.config.Clock.AfterFunc(m.config.RollbackTimeout, func() {
		// Timer-driven rollback races a concurrently arriving
		// confirmation; the pending guard makes the loser a no-op.
		_ = m.Rollback(context.Background(), id, "timeout")
	})
	m.pruneLocked()
	m.mu.Unlock()

	m.config.Logger.Debug(ctx, "optimistic update created",
		observe.F("id", id),
		observe.F("key", req.CacheKey),
		observe.F("kind", string(req.Kind)),
	)

	return id, nil
}

// Confirm overwrites the speculative entry with server data and marks the
// operation confirmed. No-op unless the operation is pending.
func (m *Manager) Confirm(ctx context.Context, id string, serverData []byte) error {
	op, ok := m.claim(id, StatusConfirmed, nil)
	if !ok {
		return nil
	}

	entry := &cache.Entry{
		Key:        op.CacheKey,
		Data:       serverData,
		Timestamp:  m.config.Clock.Now(),
		Source:     cache.SourceServer,
		SyncStatus: cache.StatusSynced,
	}
	if err := m.store.Set(ctx, entry); err != nil {
		// The cache still holds the speculative entry; put the
		// operation back to pending so a later confirm, rollback or
		// timeout can resolve it.
		m.unclaim(id)
		return fmt.Errorf("optimistic: confirm %q: %w", op.CacheKey, err)
	}

	m.config.Metrics.RecordConfirm(ctx)
	m.config.Bus.Publish(events.Event{
		Kind: events.KindOperationConfirmed,
		Key:  op.CacheKey,
		Time: m.config.Clock.Now(),
	})
	m.config.Logger.Debug(ctx, "optimistic update confirmed", observe.F("id", id))

	return nil
}

// Rollback restores the snapshotted entry, or removes the key if none
// existed, and marks the operation rolled back. No-op unless pending.
func (m *Manager) Rollback(ctx context.Context, id, reason string) error {
	op, ok := m.claim(id, StatusRolledBack, nil)
	if !ok {
		return nil
	}
	if err := m.rollbackEntry(ctx, op, reason); err != nil {
		m.unclaim(id)
		return err
	}
	return nil
}

// Fail rolls the operation back and marks it failed. No-op unless pending.
func (m *Manager) Fail(ctx context.Context, id string, cause error) error {
	op, ok := m.claim(id, StatusFailed, cause)
	if !ok {
		return nil
	}
	if err := m.rollbackEntry(ctx, op, "failure"); err != nil {
		m.unclaim(id)
		return err
	}
	return nil
}

// HandleSyncCompletion bridges the durable queue's eventual outcome back
// to the matching operation. Unknown queue ids are ignored; an at-least-
// once queue may report the same outcome twice.
func (m *Manager) HandleSyncCompletion(ctx context.Context, queueOpID string, success bool, result []byte, cause error) error {
	m.mu.Lock()
	id, ok := m.byQueueID[queueOpID]
	m.mu.Unlock()
	if !ok {
		return nil
	}

	if success {
		return m.Confirm(ctx, id, result)
	}
	return m.Fail(ctx, id, cause)
}

// PendingCount returns the number of pending operations.
func (m *Manager) PendingCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pruneLocked()

	n := 0
	for _, op := range m.ops {
		if op.Status == StatusPending {
			n++
		}
	}
	return n
}

// HasPending reports whether any pending operation touches the resource,
// optionally narrowed to one resource id.
func (m *Manager) HasPending(resource, resourceID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, op := range m.ops {
		if op.Status != StatusPending || op.Resource != resource {
			continue
		}
		if resourceID == "" || op.CacheKey == resource+":"+resourceID {
			return true
		}
	}
	return false
}

// Operations returns a snapshot of tracked operations, newest first.
// Terminal operations past their grace period are pruned on read, so
// idle managers do not keep stale history visible.
func (m *Manager) Operations() []Operation {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pruneLocked()

	ops := make([]Operation, 0, len(m.ops))
	for _, op := range m.ops {
		ops = append(ops, *op)
	}
	sort.Slice(ops, func(i, j int) bool {
		return ops[i].CreatedAt.After(ops[j].CreatedAt)
	})
	return ops
}

// Get returns a tracked operation by id.
func (m *Manager) Get(id string) (Operation, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	op, ok := m.ops[id]
	if !ok {
		return Operation{}, false
	}
	return *op, true
}

// claim atomically moves a pending operation to a terminal state and
// stops its rollback timer. It reports whether the caller won the
// transition; losers must treat the call as a no-op.
func (m *Manager) claim(id string, to Status, cause error) (Operation, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	op, ok := m.ops[id]
	if !ok || op.Status != StatusPending {
		return Operation{}, false
	}

	op.Status = to
	op.Err = cause
	op.ResolvedAt = m.config.Clock.Now()

	if t, ok := m.timers[id]; ok {
		t.Stop()
		delete(m.timers, id)
	}
	m.pruneLocked()

	return *op, true
}

// unclaim reverts a claimed operation to pending after its cache write
// failed, re-arming the rollback timer so the operation cannot get stuck
// terminal while the cache still holds the speculative entry.
func (m *Manager) unclaim(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	op, ok := m.ops[id]
	if !ok || op.Status == StatusPending {
		return
	}

	op.Status = StatusPending
	op.Err = nil
	op.ResolvedAt = time.Time{}
	m.timers[id] = m.config.Clock.AfterFunc(m.config.RollbackTimeout, func() {
		_ = m.Rollback(context.Background(), id, "timeout")
	})
}

// rollbackEntry undoes the speculative cache write for a claimed op.
func (m *Manager) rollbackEntry(ctx context.Context, op Operation, reason string) error {
	if err := m.restoreEntry(ctx, op.CacheKey, op.Previous, op.CreatedAt); err != nil {
		return err
	}

	m.config.Metrics.RecordRollback(ctx, reason)
	m.config.Bus.Publish(events.Event{
		Kind:    events.KindOperationRolledBack,
		Key:     op.CacheKey,
		Time:    m.config.Clock.Now(),
		Payload: reason,
	})
	m.config.Logger.Info(ctx, "optimistic update rolled back",
		observe.F("id", op.ID),
		observe.F("key", op.CacheKey),
		observe.F("reason", reason),
	)

	return nil
}

// restoreEntry puts the snapshot back, or removes the key if there was
// none. The restored timestamp stays strictly older than the optimistic
// write so the entry is not mistaken for fresher data.
func (m *Manager) restoreEntry(ctx context.Context, key string, previous *cache.Entry, writtenAt time.Time) error {
	if previous == nil {
		if _, err := m.store.Invalidate(ctx, key); err != nil {
			return fmt.Errorf("optimistic: remove speculative %q: %w", key, err)
		}
		return nil
	}

	restored := previous.Clone()
	if !restored.Timestamp.Before(writtenAt) {
		restored.Timestamp = writtenAt.Add(-time.Millisecond)
	}
	if err := m.store.Set(ctx, restored); err != nil {
		return fmt.Errorf("optimistic: restore %q: %w", key, err)
	}
	return nil
}

// pruneLocked drops terminal operations past their grace period, then
// enforces the cap by removing the oldest non-pending operations.
// Pending operations are never pruned.
func (m *Manager) pruneLocked() {
	now := m.config.Clock.Now()

	for id, op := range m.ops {
		if op.Status != StatusPending && !op.ResolvedAt.IsZero() &&
			now.Sub(op.ResolvedAt) > m.config.ConfirmedGrace {
			m.dropLocked(id)
		}
	}

	if len(m.ops) <= m.config.MaxOperations {
		return
	}

	terminal := make([]*Operation, 0, len(m.ops))
	for _, op := range m.ops {
		if op.Status != StatusPending {
			terminal = append(terminal, op)
		}
	}
	sort.Slice(terminal, func(i, j int) bool {
		return terminal[i].CreatedAt.Before(terminal[j].CreatedAt)
	})

	for _, op := range terminal {
		if len(m.ops) <= m.config.MaxOperations {
			break
		}
		m.dropLocked(op.ID)
	}
}

func (m *Manager) dropLocked(id string) {
	if op, ok := m.ops[id]; ok {
		delete(m.byQueueID, op.QueueOpID)
	}
	if t, ok := m.timers[id]; ok {
		t.Stop()
		delete(m.timers, id)
	}
	delete(m.ops, id)
}
