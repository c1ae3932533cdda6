package hearthsync

import (
	"testing"
	"time"
)

func newTestStore() *StateStore {
	return NewStateStore(NewMemStore(), testLogger())
}

func TestStateStoreSubscribeScoping(t *testing.T) {
	st := newTestStore()
	st.Update(func(s *State) { s.CurrentView = "shopping" })

	var global, shopping, tasks int
	st.Subscribe(func(State) { global++ }, ScopeGlobal)
	st.Subscribe(func(State) { shopping++ }, "shopping")
	st.Subscribe(func(State) { tasks++ }, "tasks")

	st.Update(func(s *State) { s.Theme = "dark" })

	if global != 1 {
		t.Errorf("global subscriber got %d notifications, want 1", global)
	}
	if shopping != 1 {
		t.Errorf("current-view subscriber got %d notifications, want 1", shopping)
	}
	if tasks != 0 {
		t.Errorf("off-view subscriber got %d notifications, want 0", tasks)
	}
}

func TestStateStoreSnapshotIsCopy(t *testing.T) {
	st := newTestStore()
	st.Update(func(s *State) {
		s.Shopping = []Item{{ID: "a", Name: "Milk"}}
	})
	snap := st.Snapshot()
	snap.Shopping[0].Name = "mutated"
	if st.Snapshot().Shopping[0].Name != "Milk" {
		t.Error("snapshot mutation leaked into the store")
	}
}

func TestMergeItemsLastWriterWins(t *testing.T) {
	st := newTestStore()
	old := time.Now().Add(-time.Minute)
	newer := time.Now()

	st.Update(func(s *State) {
		s.Shopping = []Item{{ID: "a", Name: "Milk", UpdatedAt: newer}}
	})

	// Older incoming copy must not clobber the local one.
	st.MergeItems(TableShopping, []Item{{ID: "a", Name: "Milk (stale)", UpdatedAt: old}})
	if got := st.Items(TableShopping)[0].Name; got != "Milk" {
		t.Errorf("stale merge overwrote local item: %q", got)
	}

	// Newer incoming copy wins.
	st.MergeItems(TableShopping, []Item{{ID: "a", Name: "Oat milk", UpdatedAt: newer.Add(time.Second)}})
	if got := st.Items(TableShopping)[0].Name; got != "Oat milk" {
		t.Errorf("newer merge did not apply: %q", got)
	}

	// Unknown items append.
	st.MergeItems(TableShopping, []Item{{ID: "b", Name: "Eggs", UpdatedAt: newer}})
	if n := len(st.Items(TableShopping)); n != 2 {
		t.Errorf("got %d items, want 2", n)
	}
}

func TestMergeItemsSkipsPending(t *testing.T) {
	st := newTestStore()
	st.Update(func(s *State) {
		s.Shopping = []Item{{ID: "a", Name: "Milk", Pending: true}}
	})
	st.MergeItems(TableShopping, []Item{{ID: "a", Name: "overwritten", UpdatedAt: time.Now()}})
	if got := st.Items(TableShopping)[0]; got.Name != "Milk" || !got.Pending {
		t.Errorf("pending item was touched by merge: %+v", got)
	}
}

func TestFullMergePreservesPending(t *testing.T) {
	st := newTestStore()
	st.Update(func(s *State) {
		s.Shopping = []Item{
			{ID: NewTempID(), Name: "Milk", Pending: true},
			{ID: "gone", Name: "Removed elsewhere"},
			{ID: "kept", Name: "Eggs"},
		}
	})

	st.FullMergeItems(TableShopping, []Item{
		{ID: "kept", Name: "Eggs"},
		{ID: "new", Name: "Bread"},
	})

	items := st.Items(TableShopping)
	if len(items) != 3 {
		t.Fatalf("got %d items, want 3", len(items))
	}
	byID := make(map[string]Item)
	for _, it := range items {
		byID[it.ID] = it
	}
	if _, ok := byID["gone"]; ok {
		t.Error("server-deleted item survived the full merge")
	}
	if _, ok := byID["new"]; !ok {
		t.Error("server-added item missing after full merge")
	}
	found := false
	for _, it := range items {
		if it.Pending && it.Name == "Milk" {
			found = true
		}
	}
	if !found {
		t.Error("locally pending item was dropped by the full merge")
	}
}

func TestReconcileInsertReplacesOptimistic(t *testing.T) {
	st := newTestStore()
	now := time.Now()
	tempID := NewTempID()
	st.Update(func(s *State) {
		s.Shopping = []Item{
			{ID: tempID, HouseholdID: "hh-1", Name: "Milk", CreatedAt: now, Pending: true},
			{ID: "srv-0", HouseholdID: "hh-1", Name: "Eggs", CreatedAt: now.Add(-time.Hour)},
		}
	})

	st.ReconcileInsert(TableShopping, Item{
		ID: "srv-1", HouseholdID: "hh-1", Name: "Milk", CreatedAt: now.Add(time.Second),
	})

	items := st.Items(TableShopping)
	if len(items) != 2 {
		t.Fatalf("got %d items, want 2 (echo must replace, not duplicate)", len(items))
	}
	if items[0].ID != "srv-1" {
		t.Errorf("optimistic entity not replaced in place: %+v", items[0])
	}
	if items[0].Pending {
		t.Error("confirmed item still flagged pending")
	}
}

func TestReconcileInsertPrependsForeignRow(t *testing.T) {
	st := newTestStore()
	st.Update(func(s *State) {
		s.Shopping = []Item{{ID: "srv-0", Name: "Eggs"}}
	})
	st.ReconcileInsert(TableShopping, Item{ID: "srv-9", Name: "Butter", CreatedAt: time.Now()})
	items := st.Items(TableShopping)
	if len(items) != 2 || items[0].ID != "srv-9" {
		t.Errorf("foreign insert should prepend, got %+v", items)
	}

	// Same id again refreshes in place.
	st.ReconcileInsert(TableShopping, Item{ID: "srv-9", Name: "Salted butter", CreatedAt: time.Now()})
	items = st.Items(TableShopping)
	if len(items) != 2 || items[0].Name != "Salted butter" {
		t.Errorf("repeat insert should refresh, got %+v", items)
	}
}

func TestApplyUpdateRejectsStale(t *testing.T) {
	st := newTestStore()
	now := time.Now()
	st.Update(func(s *State) {
		s.Tasks = []Item{{ID: "a", Name: "Vacuum", UpdatedAt: now}}
	})

	st.ApplyUpdate(TableTasks, Item{ID: "a", Name: "stale", UpdatedAt: now.Add(-time.Minute)})
	if got := st.Items(TableTasks)[0].Name; got != "Vacuum" {
		t.Errorf("stale update applied: %q", got)
	}

	st.ApplyUpdate(TableTasks, Item{ID: "a", Name: "Vacuum upstairs", UpdatedAt: now.Add(time.Minute)})
	if got := st.Items(TableTasks)[0].Name; got != "Vacuum upstairs" {
		t.Errorf("fresh update rejected: %q", got)
	}

	// Update for an unknown row is kept rather than lost.
	st.ApplyUpdate(TableTasks, Item{ID: "b", Name: "Mop", UpdatedAt: now})
	if n := len(st.Items(TableTasks)); n != 2 {
		t.Errorf("got %d items, want 2", n)
	}
}

func TestApplyDelete(t *testing.T) {
	st := newTestStore()
	st.Update(func(s *State) {
		s.Tasks = []Item{{ID: "a"}, {ID: "b"}}
	})
	st.ApplyDelete(TableTasks, "a")
	items := st.Items(TableTasks)
	if len(items) != 1 || items[0].ID != "b" {
		t.Errorf("delete failed, got %+v", items)
	}
	st.ApplyDelete(TableTasks, "missing")
	if n := len(st.Items(TableTasks)); n != 1 {
		t.Errorf("deleting a missing id changed the collection: %d items", n)
	}
}

func TestStateStorePersistsAndRehydrates(t *testing.T) {
	local := NewMemStore()
	st := NewStateStore(local, testLogger())
	st.Update(func(s *State) {
		s.Theme = "dark"
		s.Language = "de"
		s.User = &User{ID: "user-1", Email: "a@b.c"}
		s.Household = &Household{ID: "hh-1", Name: "Home"}
		s.NotificationPrefs[PrefTaskAssigned] = true
	})

	reborn := NewStateStore(local, testLogger())
	snap := reborn.Snapshot()
	if snap.Theme != "dark" || snap.Language != "de" {
		t.Errorf("preferences not rehydrated: %+v", snap)
	}
	if snap.User == nil || snap.User.ID != "user-1" {
		t.Errorf("user not rehydrated: %+v", snap.User)
	}
	if snap.Household == nil || snap.Household.ID != "hh-1" {
		t.Errorf("household not rehydrated: %+v", snap.Household)
	}
	if !snap.NotificationPrefs[PrefTaskAssigned] {
		t.Error("notification prefs not rehydrated")
	}
}

func TestSignOutResetKeepsDevicePreferences(t *testing.T) {
	local := NewMemStore()
	st := NewStateStore(local, testLogger())
	st.Update(func(s *State) {
		s.Theme = "dark"
		s.Language = "de"
		s.User = &User{ID: "user-1"}
		s.Household = &Household{ID: "hh-1"}
		s.Shopping = []Item{{ID: "a", Name: "Milk"}}
	})
	local.Set(KeyQueue, []byte(`[{"id":"op-1"}]`))

	st.SignOutReset()

	snap := st.Snapshot()
	if snap.Theme != "dark" || snap.Language != "de" {
		t.Errorf("device preferences lost on sign-out: %+v", snap)
	}
	if snap.User != nil || snap.Household != nil || len(snap.Shopping) != 0 {
		t.Errorf("account state survived sign-out: %+v", snap)
	}
	if _, ok, _ := local.Get(KeyUser); ok {
		t.Error("persisted user survived sign-out")
	}
	if _, ok, _ := local.Get(KeyQueue); ok {
		t.Error("persisted queue survived sign-out")
	}
}
