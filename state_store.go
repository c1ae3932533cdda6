package hearthsync

import (
	"encoding/json"
	"log/slog"
	"sync"
)

// ScopeGlobal subscribers are notified on every state change. Subscribers
// registered under a named view are notified only while that view is current.
const ScopeGlobal = "global"

// State is the single in-memory source of truth the UI renders from. It is
// mutated only through StateStore.Update.
type State struct {
	User      *User
	Household *Household
	Members   []Member

	Shopping      []Item
	Tasks         []Item
	Clifford      []Item
	QuickAdd      []Item
	PersonalTasks []Item
	Notifications []Item

	NotificationPrefs map[string]bool
	SortPreferences   map[string]string

	Theme       string
	Language    string
	CurrentView string

	Connection ConnState
	Loading    bool
}

// collection returns a pointer to the item slice backing a table, or nil for
// tables that do not use the Item shape.
func (s *State) collection(table string) *[]Item {
	switch table {
	case TableShopping:
		return &s.Shopping
	case TableTasks:
		return &s.Tasks
	case TableClifford:
		return &s.Clifford
	case TableQuickAdd:
		return &s.QuickAdd
	case TablePersonalTasks:
		return &s.PersonalTasks
	case TableNotifications:
		return &s.Notifications
	}
	return nil
}

// clone returns a copy safe to hand to subscribers: slices and maps are
// copied so callers cannot mutate store-owned state.
func (s *State) clone() State {
	out := *s
	out.Members = append([]Member(nil), s.Members...)
	out.Shopping = append([]Item(nil), s.Shopping...)
	out.Tasks = append([]Item(nil), s.Tasks...)
	out.Clifford = append([]Item(nil), s.Clifford...)
	out.QuickAdd = append([]Item(nil), s.QuickAdd...)
	out.PersonalTasks = append([]Item(nil), s.PersonalTasks...)
	out.Notifications = append([]Item(nil), s.Notifications...)
	out.NotificationPrefs = make(map[string]bool, len(s.NotificationPrefs))
	for k, v := range s.NotificationPrefs {
		out.NotificationPrefs[k] = v
	}
	out.SortPreferences = make(map[string]string, len(s.SortPreferences))
	for k, v := range s.SortPreferences {
		out.SortPreferences[k] = v
	}
	return out
}

type stateSub struct {
	fn    func(State)
	scope string
}

// StateStore owns the State, persists a whitelisted subset to durable local
// storage, and fans out change notifications. Every mutation runs to
// completion under the store lock, so subscribers never observe a partial
// write.
type StateStore struct {
	mu     sync.Mutex
	state  State
	subs   map[int]stateSub
	nextID int

	local  LocalStore
	logger *slog.Logger

	// lastPersisted caches the serialized whitelisted values so unchanged
	// keys are not rewritten on every update.
	lastPersisted map[string][]byte
}

// NewStateStore creates a store rehydrated from durable local storage.
func NewStateStore(local LocalStore, logger *slog.Logger) *StateStore {
	if logger == nil {
		logger = slog.Default()
	}
	st := &StateStore{
		state: State{
			NotificationPrefs: make(map[string]bool),
			SortPreferences:   make(map[string]string),
		},
		subs:          make(map[int]stateSub),
		local:         local,
		logger:        logger.With("component", "state_store"),
		lastPersisted: make(map[string][]byte),
	}
	st.rehydrate()
	return st
}

func (st *StateStore) rehydrate() {
	if st.local == nil {
		return
	}
	load := func(key string, dst any) {
		data, ok, err := st.local.Get(key)
		if err != nil {
			st.logger.Warn("rehydrate failed", "key", key, "error", err)
			return
		}
		if !ok {
			return
		}
		if err := json.Unmarshal(data, dst); err != nil {
			st.logger.Warn("rehydrate corrupt value", "key", key, "error", err)
			return
		}
		st.lastPersisted[key] = data
	}
	load(KeyTheme, &st.state.Theme)
	load(KeyLanguage, &st.state.Language)
	load(KeyUser, &st.state.User)
	load(KeyHousehold, &st.state.Household)
	load(KeyNotificationPrefs, &st.state.NotificationPrefs)
	load(KeySortPreferences, &st.state.SortPreferences)
	if st.state.NotificationPrefs == nil {
		st.state.NotificationPrefs = make(map[string]bool)
	}
	if st.state.SortPreferences == nil {
		st.state.SortPreferences = make(map[string]string)
	}
}

// Snapshot returns a copy of the current state.
func (st *StateStore) Snapshot() State {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.state.clone()
}

// Subscribe registers a change callback under a scope (ScopeGlobal or a view
// name) and returns an unsubscribe function. Callbacks run synchronously on
// the mutating goroutine.
func (st *StateStore) Subscribe(fn func(State), scope string) func() {
	if scope == "" {
		scope = ScopeGlobal
	}
	st.mu.Lock()
	id := st.nextID
	st.nextID++
	st.subs[id] = stateSub{fn: fn, scope: scope}
	st.mu.Unlock()
	return func() {
		st.mu.Lock()
		delete(st.subs, id)
		st.mu.Unlock()
	}
}

// Update applies a mutation to the state, persists the whitelisted subset,
// and synchronously notifies subscribers with the resulting snapshot.
func (st *StateStore) Update(mutate func(*State)) {
	st.mu.Lock()
	mutate(&st.state)
	st.persistLocked()
	snap := st.state.clone()
	view := st.state.CurrentView
	subs := make([]stateSub, 0, len(st.subs))
	for _, sub := range st.subs {
		if sub.scope == ScopeGlobal || sub.scope == view {
			subs = append(subs, sub)
		}
	}
	st.mu.Unlock()

	for _, sub := range subs {
		sub.fn(snap)
	}
}

// persistLocked writes whitelisted fields whose serialization changed.
func (st *StateStore) persistLocked() {
	if st.local == nil {
		return
	}
	save := func(key string, v any) {
		data, err := json.Marshal(v)
		if err != nil {
			st.logger.Warn("persist marshal failed", "key", key, "error", err)
			return
		}
		if prev, ok := st.lastPersisted[key]; ok && string(prev) == string(data) {
			return
		}
		if err := st.local.Set(key, data); err != nil {
			st.logger.Warn("persist failed", "key", key, "error", err)
			return
		}
		st.lastPersisted[key] = data
	}
	save(KeyTheme, st.state.Theme)
	save(KeyLanguage, st.state.Language)
	save(KeyUser, st.state.User)
	save(KeyHousehold, st.state.Household)
	save(KeyNotificationPrefs, st.state.NotificationPrefs)
	save(KeySortPreferences, st.state.SortPreferences)
}

// Items returns a copy of the named collection.
func (st *StateStore) Items(table string) []Item {
	st.mu.Lock()
	defer st.mu.Unlock()
	col := st.state.collection(table)
	if col == nil {
		return nil
	}
	return append([]Item(nil), *col...)
}

// MergeItems folds incoming items into a collection: an incoming item
// replaces the local copy when it is not older (by updated_at), is appended
// when unknown, and never touches a local item flagged pending.
func (st *StateStore) MergeItems(table string, incoming []Item) {
	st.Update(func(s *State) {
		col := s.collection(table)
		if col == nil {
			return
		}
		for _, in := range incoming {
			replaced := false
			for i := range *col {
				local := &(*col)[i]
				if local.ID != in.ID {
					continue
				}
				replaced = true
				if local.Pending {
					break
				}
				if !in.UpdatedAt.Before(local.UpdatedAt) {
					*local = in
				}
				break
			}
			if !replaced {
				*col = append(*col, in)
			}
		}
	})
}

// FullMergeItems replaces a collection wholesale with the server's list,
// re-injecting any locally pending item absent from the response so an
// unsynced local creation is never dropped by a refresh.
func (st *StateStore) FullMergeItems(table string, server []Item) {
	st.Update(func(s *State) {
		col := s.collection(table)
		if col == nil {
			return
		}
		merged := append([]Item(nil), server...)
		seen := make(map[string]bool, len(server))
		for _, it := range server {
			seen[it.ID] = true
		}
		for _, local := range *col {
			if local.Pending && !seen[local.ID] {
				merged = append(merged, local)
			}
		}
		*col = merged
	})
}

// ReconcileInsert folds a confirmed row into a collection. An existing id is
// refreshed in place; a row matching a local optimistic entity replaces it,
// preserving its position; anything else is prepended as a genuinely new
// entity from another client.
func (st *StateStore) ReconcileInsert(table string, in Item) {
	st.Update(func(s *State) {
		col := s.collection(table)
		if col == nil {
			return
		}
		for i := range *col {
			if (*col)[i].ID == in.ID {
				(*col)[i] = in
				return
			}
		}
		for i := range *col {
			if matchesOptimistic(&(*col)[i], &in) {
				(*col)[i] = in
				return
			}
		}
		*col = append([]Item{in}, *col...)
	})
}

// ApplyUpdate folds a row update into a collection, rejecting events whose
// updated_at is older than the local copy (last-writer-wins).
func (st *StateStore) ApplyUpdate(table string, in Item) {
	st.Update(func(s *State) {
		col := s.collection(table)
		if col == nil {
			return
		}
		for i := range *col {
			local := &(*col)[i]
			if local.ID != in.ID {
				continue
			}
			if in.UpdatedAt.Before(local.UpdatedAt) {
				return
			}
			*local = in
			return
		}
		// Update for a row we never saw; treat as insert.
		*col = append([]Item{in}, *col...)
	})
}

// ApplyDelete removes a row from a collection by id.
func (st *StateStore) ApplyDelete(table, id string) {
	st.Update(func(s *State) {
		col := s.collection(table)
		if col == nil {
			return
		}
		for i := range *col {
			if (*col)[i].ID == id {
				*col = append((*col)[:i], (*col)[i+1:]...)
				return
			}
		}
	})
}

// MarkPending sets or clears the pending flag on a local item.
func (st *StateStore) MarkPending(table, id string, pending bool) {
	st.Update(func(s *State) {
		col := s.collection(table)
		if col == nil {
			return
		}
		for i := range *col {
			if (*col)[i].ID == id {
				(*col)[i].Pending = pending
				return
			}
		}
	})
}

// SignOutReset clears all state except theme and language, and removes the
// corresponding persisted keys.
func (st *StateStore) SignOutReset() {
	st.Update(func(s *State) {
		theme, lang := s.Theme, s.Language
		*s = State{
			Theme:             theme,
			Language:          lang,
			NotificationPrefs: make(map[string]bool),
			SortPreferences:   make(map[string]string),
		}
	})
	if st.local != nil {
		for _, key := range []string{KeyUser, KeyHousehold, KeyNotificationPrefs, KeySortPreferences, KeyQueue} {
			if err := st.local.Delete(key); err != nil {
				st.logger.Warn("sign-out cleanup failed", "key", key, "error", err)
			}
		}
	}
}
