package hearthsync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Notification preference keys checked before emitting notification rows.
const (
	PrefTaskAssigned  = "task_assigned"
	PrefTaskCompleted = "task_completed"
)

// Gateway wraps remote CRUD with bounded timeouts, error classification,
// optimistic local application and write-queue hand-off. Every mutation that
// affects UI-visible collections also updates the state store directly on
// success; the change feed will later echo the same write, so both paths are
// idempotent with respect to final state.
type Gateway struct {
	cfg    GatewayConfig
	remote RemoteStore
	store  *StateStore
	queue  *WriteQueue
	gate   *ReadinessGate
	hub    *SignalHub
	logger *slog.Logger
}

// NewGateway creates a gateway.
func NewGateway(cfg GatewayConfig, remote RemoteStore, store *StateStore, queue *WriteQueue, gate *ReadinessGate, hub *SignalHub, logger *slog.Logger) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gateway{
		cfg:    cfg,
		remote: remote,
		store:  store,
		queue:  queue,
		gate:   gate,
		hub:    hub,
		logger: logger.With("component", "gateway"),
	}
}

func (g *Gateway) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, g.cfg.CallTimeout)
}

func (g *Gateway) surface(err error) {
	if g.hub != nil {
		g.hub.EmitDataError(DataError{Message: UserMessage(err), Err: err})
	}
}

// CreateItem optimistically adds an item and creates it remotely. The
// returned item is the server record on success, or the provisional local
// entity on failure. A create the gate rejected before any attempt is queued
// for replay; a failure after the attempt is not, even when it looks like a
// connectivity problem (the server may or may not have applied it, and silent
// retry risks duplicates), so the provisional entity is marked pending and
// the error surfaced instead.
func (g *Gateway) CreateItem(ctx context.Context, table string, item Item) (*Item, error) {
	if !itemTables[table] {
		return nil, fmt.Errorf("create: unsupported table %q", table)
	}
	if item.Name == "" {
		return nil, fmt.Errorf("create: item name required")
	}

	optimistic := item
	optimistic.ID = NewTempID()
	optimistic.CreatedAt = time.Now()
	g.store.Update(func(s *State) {
		col := s.collection(table)
		*col = append([]Item{optimistic}, *col...)
	})

	var serverRec Record
	err := g.gate.Execute(ctx, "create "+table, func(ctx context.Context) error {
		ctx, cancel := g.withTimeout(ctx)
		defer cancel()
		rec, err := g.remote.Insert(ctx, table, EncodeItem(&optimistic))
		if err != nil {
			return err
		}
		serverRec = rec
		return nil
	})

	if err == nil {
		confirmed, decodeErr := DecodeItem(serverRec)
		if decodeErr != nil {
			return nil, fmt.Errorf("create %s: %w", table, decodeErr)
		}
		g.store.ReconcileInsert(table, *confirmed)
		return confirmed, nil
	}

	// User input is preserved either way: the provisional entity stays in
	// the collection flagged pending rather than disappearing.
	g.store.MarkPending(table, optimistic.ID, true)
	optimistic.Pending = true

	if errors.Is(err, ErrNotAttempted) {
		// Never attempted, so replay cannot duplicate. A connection
		// error from an attempted insert does not qualify: the server
		// may already hold the row.
		g.queue.Enqueue(QueuedOp{
			Type:  OpInsert,
			Table: table,
			Data:  EncodeItem(&optimistic),
		})
		g.logger.Info("create queued while offline", "table", table, "name", item.Name)
		return &optimistic, nil
	}

	g.surface(err)
	return &optimistic, fmt.Errorf("create %s: %w", table, err)
}

// UpdateItem optimistically applies changes to a local item and updates it
// remotely. Retryable failures queue a replay carrying the target id and the
// requested changes; non-retryable failures are surfaced.
func (g *Gateway) UpdateItem(ctx context.Context, table, id string, changes Record) error {
	if !itemTables[table] {
		return fmt.Errorf("update: unsupported table %q", table)
	}

	now := time.Now()
	g.store.Update(func(s *State) {
		col := s.collection(table)
		if col == nil {
			return
		}
		for i := range *col {
			if (*col)[i].ID == id {
				applyChanges(&(*col)[i], changes)
				(*col)[i].UpdatedAt = now
				return
			}
		}
	})

	var serverRec Record
	err := g.gate.Execute(ctx, "update "+table, func(ctx context.Context) error {
		ctx, cancel := g.withTimeout(ctx)
		defer cancel()
		rec, err := g.remote.Update(ctx, table, id, changes)
		if err != nil {
			return err
		}
		serverRec = rec
		return nil
	})

	if err == nil {
		if confirmed, decodeErr := DecodeItem(serverRec); decodeErr == nil {
			g.store.ApplyUpdate(table, *confirmed)
		}
		return nil
	}

	if IsRetryable(err) {
		g.queue.Enqueue(QueuedOp{
			Type:     OpUpdate,
			Table:    table,
			RecordID: id,
			Data:     changes,
		})
		g.logger.Info("update queued", "table", table, "id", id)
		return nil
	}

	g.surface(err)
	return fmt.Errorf("update %s/%s: %w", table, id, err)
}

// DeleteItem optimistically removes a local item and deletes it remotely.
// Retryable failures queue a replay; a not-found response counts as done.
func (g *Gateway) DeleteItem(ctx context.Context, table, id string) error {
	if !itemTables[table] {
		return fmt.Errorf("delete: unsupported table %q", table)
	}

	g.store.ApplyDelete(table, id)

	err := g.gate.Execute(ctx, "delete "+table, func(ctx context.Context) error {
		ctx, cancel := g.withTimeout(ctx)
		defer cancel()
		return g.remote.Delete(ctx, table, id)
	})
	if err == nil || errors.Is(err, ErrNotFound) || ClassifyError(err) == KindDuplicate {
		return nil
	}

	if IsRetryable(err) {
		g.queue.Enqueue(QueuedOp{
			Type:     OpDelete,
			Table:    table,
			RecordID: id,
		})
		g.logger.Info("delete queued", "table", table, "id", id)
		return nil
	}

	g.surface(err)
	return fmt.Errorf("delete %s/%s: %w", table, id, err)
}

// FetchItems refreshes a collection from the remote store, preserving
// locally pending items. A whole-scope filter (the household or user the
// collection belongs to) replaces the collection; anything narrower folds
// the matching rows in and leaves the rest alone.
func (g *Gateway) FetchItems(ctx context.Context, table string, filter Filter) ([]Item, error) {
	if !itemTables[table] {
		return nil, fmt.Errorf("fetch: unsupported table %q", table)
	}
	ctx, cancel := g.withTimeout(ctx)
	defer cancel()

	recs, err := g.remote.Select(ctx, table, filter)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", table, err)
	}
	items := make([]Item, 0, len(recs))
	for _, rec := range recs {
		it, err := DecodeItem(rec)
		if err != nil {
			g.logger.Warn("skipping malformed row", "table", table, "error", err)
			continue
		}
		items = append(items, *it)
	}
	// A whole-scope response is authoritative and replaces the collection;
	// a narrower filter covers only part of it, so the rows are folded in
	// without touching anything outside the filter.
	if wholeScopeFilter(filter) {
		g.store.FullMergeItems(table, items)
	} else {
		g.store.MergeItems(table, items)
	}
	return items, nil
}

// wholeScopeFilter reports whether a filter selects a collection's entire
// scope, meaning the response enumerates every row the user can see.
func wholeScopeFilter(filter Filter) bool {
	if len(filter) != 1 {
		return false
	}
	_, byHousehold := filter["household_id"]
	_, byUser := filter["user_id"]
	return byHousehold || byUser
}

// FetchAll refreshes every collection visible to the current user: the
// household-scoped lists, the user-scoped lists, the member roster and the
// household record itself. Collections sync independently; the first error
// is returned after all fetches ran.
func (g *Gateway) FetchAll(ctx context.Context) error {
	snap := g.store.Snapshot()
	var firstErr error
	keep := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	if snap.Household != nil {
		hf := Filter{"household_id": snap.Household.ID}
		for _, table := range []string{TableShopping, TableTasks, TableClifford, TableQuickAdd} {
			_, err := g.FetchItems(ctx, table, hf)
			keep(err)
		}
		keep(g.ReloadMembers(ctx))
		keep(g.refreshHousehold(ctx, snap.Household.ID))
	}
	if snap.User != nil {
		uf := Filter{"user_id": snap.User.ID}
		_, err := g.FetchItems(ctx, TablePersonalTasks, uf)
		keep(err)
		_, err = g.FetchItems(ctx, TableNotifications, uf)
		keep(err)
	}
	return firstErr
}

// ReloadMembers refreshes the household member roster.
func (g *Gateway) ReloadMembers(ctx context.Context) error {
	snap := g.store.Snapshot()
	if snap.Household == nil {
		return nil
	}
	ctx, cancel := g.withTimeout(ctx)
	defer cancel()

	recs, err := g.remote.Select(ctx, TableHouseholdMembers, Filter{"household_id": snap.Household.ID})
	if err != nil {
		return fmt.Errorf("reload members: %w", err)
	}
	members := make([]Member, 0, len(recs))
	for _, rec := range recs {
		m, err := DecodeMember(rec)
		if err != nil {
			g.logger.Warn("skipping malformed member row", "error", err)
			continue
		}
		members = append(members, *m)
	}
	g.store.Update(func(s *State) { s.Members = members })
	return nil
}

func (g *Gateway) refreshHousehold(ctx context.Context, id string) error {
	ctx, cancel := g.withTimeout(ctx)
	defer cancel()
	recs, err := g.remote.Select(ctx, TableHouseholds, Filter{"id": id})
	if err != nil {
		return fmt.Errorf("refresh household: %w", err)
	}
	if len(recs) == 0 {
		return nil
	}
	hh, err := DecodeHousehold(recs[0])
	if err != nil {
		return err
	}
	g.store.Update(func(s *State) { s.Household = hh })
	return nil
}

// CreateHousehold creates a household and makes the creator its admin. The
// two inserts are sequential; if the membership insert fails the household
// row is not rolled back and the partial state is surfaced to the caller.
func (g *Gateway) CreateHousehold(ctx context.Context, name string) (*Household, error) {
	snap := g.store.Snapshot()
	if snap.User == nil {
		return nil, newSyncError(KindAuth, "not signed in", ErrAuthExpired)
	}

	cctx, cancel := g.withTimeout(ctx)
	defer cancel()
	rec, err := g.remote.Insert(cctx, TableHouseholds, Record{
		"name":        name,
		"invite_code": strings.ToUpper(uuid.NewString()[:8]),
	})
	if err != nil {
		g.surface(err)
		return nil, fmt.Errorf("create household: %w", err)
	}
	hh, err := DecodeHousehold(rec)
	if err != nil {
		return nil, fmt.Errorf("create household: %w", err)
	}

	mctx, mcancel := g.withTimeout(ctx)
	defer mcancel()
	_, err = g.remote.Insert(mctx, TableHouseholdMembers, Record{
		"household_id": hh.ID,
		"user_id":      snap.User.ID,
		"name":         snap.User.Name,
		"role":         RoleAdmin,
	})
	if err != nil {
		partial := newSyncError(KindUnknown,
			fmt.Sprintf("household %s created without admin membership", hh.ID),
			ErrPartialHouseholdCreate)
		g.surface(partial)
		return hh, partial
	}

	g.store.Update(func(s *State) { s.Household = hh })
	if g.hub != nil {
		g.hub.EmitDataSuccess(DataSuccess{Message: "household created"})
	}
	return hh, nil
}

// JoinHousehold resolves an invite code and adds the current user as a
// member. Any empty or erroring lookup fails closed as an invalid code.
func (g *Gateway) JoinHousehold(ctx context.Context, inviteCode string) (*Household, error) {
	snap := g.store.Snapshot()
	if snap.User == nil {
		return nil, newSyncError(KindAuth, "not signed in", ErrAuthExpired)
	}

	sctx, cancel := g.withTimeout(ctx)
	defer cancel()
	recs, err := g.remote.Select(sctx, TableHouseholds, Filter{"invite_code": inviteCode})
	if err != nil || len(recs) == 0 {
		g.surface(ErrInvalidInvite)
		return nil, ErrInvalidInvite
	}
	hh, err := DecodeHousehold(recs[0])
	if err != nil {
		return nil, ErrInvalidInvite
	}

	mctx, mcancel := g.withTimeout(ctx)
	defer mcancel()
	_, err = g.remote.Insert(mctx, TableHouseholdMembers, Record{
		"household_id": hh.ID,
		"user_id":      snap.User.ID,
		"name":         snap.User.Name,
		"role":         RoleMember,
	})
	if err != nil && ClassifyError(err) != KindDuplicate {
		g.surface(err)
		return nil, fmt.Errorf("join household: %w", err)
	}

	g.store.Update(func(s *State) { s.Household = hh })
	if g.hub != nil {
		g.hub.EmitDataSuccess(DataSuccess{Message: "joined " + hh.Name})
	}
	return hh, nil
}

// AssignTask changes a task's assignee, notifying the assignee only on a
// genuine transition and only when their preference allows it.
func (g *Gateway) AssignTask(ctx context.Context, table, id, assignee string) error {
	before := g.findItem(table, id)
	if before != nil && before.Assignee == assignee {
		return nil
	}
	if err := g.UpdateItem(ctx, table, id, Record{"assignee": assignee}); err != nil {
		return err
	}
	if assignee != "" {
		g.notify(ctx, PrefTaskAssigned, assignee, "task assigned: "+itemName(before, table, id))
	}
	return nil
}

// CompleteTask toggles a task's completion, notifying on genuine transitions
// to completed only.
func (g *Gateway) CompleteTask(ctx context.Context, table, id string, completed bool) error {
	before := g.findItem(table, id)
	if before != nil && before.Completed == completed {
		return nil
	}
	if err := g.UpdateItem(ctx, table, id, Record{"completed": completed}); err != nil {
		return err
	}
	if completed && before != nil && before.Assignee != "" {
		g.notify(ctx, PrefTaskCompleted, before.Assignee, "task completed: "+before.Name)
	}
	return nil
}

// notify inserts a notification row when the target user's preference is
// enabled. Best effort: failures are logged, never surfaced or queued.
func (g *Gateway) notify(ctx context.Context, pref, userID, message string) {
	snap := g.store.Snapshot()
	if !snap.NotificationPrefs[pref] {
		return
	}
	ctx, cancel := g.withTimeout(ctx)
	defer cancel()
	_, err := g.remote.Insert(ctx, TableNotifications, Record{
		"user_id": userID,
		"name":    message,
		"subtype": pref,
	})
	if err != nil {
		g.logger.Warn("notification insert failed", "pref", pref, "error", err)
	}
}

func (g *Gateway) findItem(table, id string) *Item {
	for _, it := range g.store.Items(table) {
		if it.ID == id {
			return &it
		}
	}
	return nil
}

func itemName(it *Item, table, id string) string {
	if it != nil {
		return it.Name
	}
	return table + "/" + id
}

// ReplayOperation is the write-queue executor: it replays a queued mutation
// directly against the remote store and folds the confirmation into local
// state. Replayed inserts reconcile against their optimistic entity the same
// way a change-feed echo would.
func (g *Gateway) ReplayOperation(ctx context.Context, op QueuedOp) error {
	ctx, cancel := g.withTimeout(ctx)
	defer cancel()

	switch op.Type {
	case OpInsert:
		rec, err := g.remote.Insert(ctx, op.Table, op.Data)
		if err != nil {
			return err
		}
		if confirmed, decodeErr := DecodeItem(rec); decodeErr == nil {
			g.store.ReconcileInsert(op.Table, *confirmed)
		}
		return nil
	case OpUpdate:
		rec, err := g.remote.Update(ctx, op.Table, op.RecordID, op.Data)
		if err != nil {
			return err
		}
		if confirmed, decodeErr := DecodeItem(rec); decodeErr == nil {
			g.store.ApplyUpdate(op.Table, *confirmed)
		}
		return nil
	case OpDelete:
		if err := g.remote.Delete(ctx, op.Table, op.RecordID); err != nil {
			return err
		}
		g.store.ApplyDelete(op.Table, op.RecordID)
		return nil
	default:
		return fmt.Errorf("replay: unknown operation type %q", op.Type)
	}
}

// applyChanges merges a changes record into a local item for optimistic
// display. Unknown keys are ignored.
func applyChanges(it *Item, changes Record) {
	for key, v := range changes {
		switch key {
		case "name":
			if s, ok := v.(string); ok {
				it.Name = s
			}
		case "completed":
			if b, ok := v.(bool); ok {
				it.Completed = b
			}
		case "assignee":
			if s, ok := v.(string); ok {
				it.Assignee = s
			}
		case "due_date":
			if s, ok := v.(string); ok {
				it.DueDate = s
			}
		case "quantity":
			it.Quantity = recInt(changes, "quantity")
		case "notes":
			if s, ok := v.(string); ok {
				it.Notes = s
			}
		case "read":
			if b, ok := v.(bool); ok {
				it.Read = b
			}
		}
	}
}
