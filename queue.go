package hearthsync

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// OpType is the kind of a queued mutation.
type OpType string

const (
	// OpInsert creates a row.
	OpInsert OpType = "insert"
	// OpUpdate modifies a row.
	OpUpdate OpType = "update"
	// OpDelete removes a row.
	OpDelete OpType = "delete"
)

// QueuedOp is a mutation persisted for replay after a retryable failure.
type QueuedOp struct {
	ID             string    `json:"id"`
	Timestamp      time.Time `json:"timestamp"`
	IdempotencyKey string    `json:"idempotency_key"`
	Type           OpType    `json:"type"`
	Table          string    `json:"table"`
	RecordID       string    `json:"record_id,omitempty"`
	Data           Record    `json:"data,omitempty"`
	Attempts       int       `json:"attempts,omitempty"`
}

// IdempotencyKey derives the deterministic fingerprint of an operation's
// semantic content. Inserts key on what is being created (the row has no
// server id yet); updates and deletes key on the target row.
func IdempotencyKey(op *QueuedOp) string {
	if op.Type == OpInsert {
		name := recString(op.Data, "name")
		scope := recString(op.Data, "household_id")
		if scope == "" {
			scope = recString(op.Data, "user_id")
		}
		subtype := recString(op.Data, "subtype")
		return fmt.Sprintf("%s:%s:%s:%s:%s", op.Type, op.Table, name, scope, subtype)
	}
	return fmt.Sprintf("%s:%s:%s", op.Type, op.Table, op.RecordID)
}

// Executor replays one queued operation against the remote store.
type Executor func(ctx context.Context, op QueuedOp) error

// WriteQueue persists failed mutations to durable local storage and replays
// them in FIFO order when connectivity returns. Operations are deduplicated
// by idempotency key at enqueue time, and a short-lived ledger of recently
// processed keys drops retries of mutations that already succeeded.
type WriteQueue struct {
	cfg     QueueConfig
	local   LocalStore
	conn    *ConnectivityMonitor
	logger  *slog.Logger
	metrics *Metrics

	mu           sync.Mutex
	ops          []QueuedOp
	ledger       map[string]time.Time
	processing   bool
	executor     Executor
	authRecovery func(ctx context.Context) error

	subs   map[int]func(pending int)
	nextID int
}

// NewWriteQueue creates a queue rehydrated from durable local storage.
func NewWriteQueue(cfg QueueConfig, local LocalStore, conn *ConnectivityMonitor, logger *slog.Logger, metrics *Metrics) *WriteQueue {
	if logger == nil {
		logger = slog.Default()
	}
	q := &WriteQueue{
		cfg:     cfg,
		local:   local,
		conn:    conn,
		logger:  logger.With("component", "queue"),
		metrics: metrics,
		ledger:  make(map[string]time.Time),
		subs:    make(map[int]func(int)),
	}
	q.loadLocked()
	return q
}

func (q *WriteQueue) loadLocked() {
	if q.local == nil {
		return
	}
	data, ok, err := q.local.Get(KeyQueue)
	if err != nil {
		q.logger.Warn("load queue failed", "error", err)
		return
	}
	if !ok {
		return
	}
	var ops []QueuedOp
	if err := json.Unmarshal(data, &ops); err != nil {
		q.logger.Warn("corrupt persisted queue, starting empty", "error", err)
		return
	}
	q.ops = ops
}

// persistLocked serializes the full queue after every mutation so it
// survives a process restart.
func (q *WriteQueue) persistLocked() {
	if q.local == nil {
		return
	}
	data, err := json.Marshal(q.ops)
	if err != nil {
		q.logger.Error("marshal queue failed", "error", err)
		return
	}
	if err := q.local.Set(KeyQueue, data); err != nil {
		q.logger.Error("persist queue failed", "error", err)
	}
}

func (q *WriteQueue) notifyLocked() ([]func(int), int) {
	n := len(q.ops)
	if q.metrics != nil {
		q.metrics.SetQueueDepth(n)
	}
	fns := make([]func(int), 0, len(q.subs))
	for _, fn := range q.subs {
		fns = append(fns, fn)
	}
	return fns, n
}

func (q *WriteQueue) pruneLedgerLocked() {
	cutoff := time.Now().Add(-q.cfg.SuccessTTL)
	for key, at := range q.ledger {
		if at.Before(cutoff) {
			delete(q.ledger, key)
		}
	}
}

// SetExecutor injects the function that replays operations remotely.
func (q *WriteQueue) SetExecutor(fn Executor) {
	q.mu.Lock()
	q.executor = fn
	q.mu.Unlock()
}

// SetAuthRecovery injects the session-refresh attempt made when a replay
// fails with an auth classification. When the attempt succeeds the halted
// operation is retried; otherwise processing halts until the next trigger.
func (q *WriteQueue) SetAuthRecovery(fn func(ctx context.Context) error) {
	q.mu.Lock()
	q.authRecovery = fn
	q.mu.Unlock()
}

// Subscribe registers a pending-count callback and returns an unsubscribe
// function.
func (q *WriteQueue) Subscribe(fn func(pending int)) func() {
	q.mu.Lock()
	id := q.nextID
	q.nextID++
	q.subs[id] = fn
	q.mu.Unlock()
	return func() {
		q.mu.Lock()
		delete(q.subs, id)
		q.mu.Unlock()
	}
}

// Enqueue adds an operation unless its idempotency key was recently
// processed or is already pending. It returns the id under which the
// operation is queued and whether a new entry was created; a recently
// processed duplicate returns ("", false).
func (q *WriteQueue) Enqueue(op QueuedOp) (string, bool) {
	if op.IdempotencyKey == "" {
		op.IdempotencyKey = IdempotencyKey(&op)
	}
	if op.ID == "" {
		op.ID = uuid.NewString()
	}
	if op.Timestamp.IsZero() {
		op.Timestamp = time.Now()
	}

	q.mu.Lock()
	q.pruneLedgerLocked()

	if _, done := q.ledger[op.IdempotencyKey]; done {
		q.mu.Unlock()
		q.logger.Debug("suppressed recently processed duplicate", "key", op.IdempotencyKey)
		return "", false
	}
	for _, existing := range q.ops {
		if existing.IdempotencyKey == op.IdempotencyKey {
			q.mu.Unlock()
			q.logger.Debug("operation already queued", "key", op.IdempotencyKey, "id", existing.ID)
			return existing.ID, false
		}
	}

	q.ops = append(q.ops, op)
	q.persistLocked()
	fns, n := q.notifyLocked()
	q.mu.Unlock()

	q.logger.Info("queued operation", "id", op.ID, "type", string(op.Type), "table", op.Table)
	if q.metrics != nil {
		q.metrics.QueuedOps.Inc()
	}
	for _, fn := range fns {
		fn(n)
	}
	return op.ID, true
}

// Dequeue removes an operation by id.
func (q *WriteQueue) Dequeue(id string) {
	q.mu.Lock()
	for i, op := range q.ops {
		if op.ID == id {
			q.ops = append(q.ops[:i], q.ops[i+1:]...)
			break
		}
	}
	q.persistLocked()
	fns, n := q.notifyLocked()
	q.mu.Unlock()
	for _, fn := range fns {
		fn(n)
	}
}

// Pending returns a copy of the queued operations in replay order.
func (q *WriteQueue) Pending() []QueuedOp {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]QueuedOp(nil), q.ops...)
}

// HasPendingOperations reports whether any queued operation targets the
// given table and record id.
func (q *WriteQueue) HasPendingOperations(table, recordID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, op := range q.ops {
		if op.Table == table && op.RecordID == recordID {
			return true
		}
	}
	return false
}

// ProcessQueue replays queued operations strictly FIFO, one at a time.
// Processing runs only while connected and never concurrently with itself.
// An auth failure attempts one session refresh and resumes on success,
// otherwise it halts processing entirely, as an offline failure does, leaving
// the rest of the queue for the next trigger; a duplicate-key failure counts
// as already applied; a permission failure is dropped; anything else is retried a
// bounded number of times across triggers and then dropped, so a poison
// operation cannot stall the queue forever.
func (q *WriteQueue) ProcessQueue(ctx context.Context) {
	q.mu.Lock()
	if q.processing {
		q.mu.Unlock()
		return
	}
	if q.conn != nil && q.conn.State() != ConnConnected {
		q.mu.Unlock()
		return
	}
	if q.executor == nil {
		q.mu.Unlock()
		return
	}
	q.processing = true
	q.mu.Unlock()

	defer func() {
		q.mu.Lock()
		q.processing = false
		q.mu.Unlock()
	}()

	refreshTried := false
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		q.mu.Lock()
		if len(q.ops) == 0 {
			q.mu.Unlock()
			return
		}
		op := q.ops[0]
		q.pruneLedgerLocked()
		_, alreadyDone := q.ledger[op.IdempotencyKey]
		executor := q.executor
		q.mu.Unlock()

		if alreadyDone {
			q.Dequeue(op.ID)
			continue
		}

		err := executor(ctx, op)
		if err == nil {
			q.markProcessed(op)
			q.Dequeue(op.ID)
			if q.metrics != nil {
				q.metrics.ReplayedOps.Inc()
			}
			q.logger.Info("replayed operation", "id", op.ID, "type", string(op.Type), "table", op.Table)
			continue
		}

		switch ClassifyError(err) {
		case KindDuplicate:
			// The server already has this write.
			q.markProcessed(op)
			q.Dequeue(op.ID)
			q.logger.Info("operation already applied remotely", "id", op.ID)
		case KindAuth:
			// An expired session may be recoverable without a
			// connectivity transition. One refresh attempt per run;
			// the operation stays queued and is retried on success.
			q.mu.Lock()
			refresh := q.authRecovery
			q.mu.Unlock()
			if refresh != nil && !refreshTried {
				refreshTried = true
				rerr := refresh(ctx)
				if rerr == nil {
					q.logger.Info("session refreshed, resuming replay", "id", op.ID)
					continue
				}
				q.logger.Warn("session refresh failed", "id", op.ID, "error", rerr)
			}
			q.logger.Warn("queue processing halted", "id", op.ID, "error", err)
			return
		case KindOffline:
			q.logger.Warn("queue processing halted", "id", op.ID, "error", err)
			return
		case KindPermission:
			q.Dequeue(op.ID)
			q.logger.Warn("dropped unauthorized operation", "id", op.ID, "error", err)
			if q.metrics != nil {
				q.metrics.DroppedOps.Inc()
			}
		default:
			if q.bumpAttempts(op.ID) >= q.cfg.MaxAttempts {
				q.Dequeue(op.ID)
				q.logger.Warn("dropped operation after repeated failures",
					"id", op.ID, "attempts", q.cfg.MaxAttempts, "error", err)
				if q.metrics != nil {
					q.metrics.DroppedOps.Inc()
				}
				continue
			}
			q.logger.Warn("operation failed, will retry on next trigger", "id", op.ID, "error", err)
			return
		}
	}
}

func (q *WriteQueue) markProcessed(op QueuedOp) {
	q.mu.Lock()
	q.ledger[op.IdempotencyKey] = time.Now()
	q.mu.Unlock()
}

// bumpAttempts increments the head operation's attempt counter and persists
// it so the bound holds across restarts. Returns the new count.
func (q *WriteQueue) bumpAttempts(id string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i := range q.ops {
		if q.ops[i].ID == id {
			q.ops[i].Attempts++
			q.persistLocked()
			return q.ops[i].Attempts
		}
	}
	return 0
}
