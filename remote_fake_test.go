package hearthsync

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, d time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal(msg)
}

// fakeRemote is an in-memory RemoteStore. Hooks run before a call touches
// the tables so tests can inject failures per call.
type fakeRemote struct {
	mu     sync.Mutex
	tables map[string][]Record
	nextID int

	session *Session
	user    *User

	onInsert  func(table string, rec Record) error
	onUpdate  func(table, id string, changes Record) error
	onDelete  func(table, id string) error
	onSelect  func(table string, filter Filter) error
	onRefresh func() (*Session, error)

	insertCalls  int
	refreshCalls int
	selectCalls  map[string]int

	subs []*FeedSubscription
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{
		tables:      make(map[string][]Record),
		selectCalls: make(map[string]int),
	}
}

func copyRecord(rec Record) Record {
	cp := make(Record, len(rec))
	for k, v := range rec {
		cp[k] = v
	}
	return cp
}

// seed places a record directly into a table, bypassing hooks.
func (f *fakeRemote) seed(table string, rec Record) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tables[table] = append(f.tables[table], copyRecord(rec))
}

// rows returns a copy of a table's records.
func (f *fakeRemote) rows(table string) []Record {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Record, 0, len(f.tables[table]))
	for _, rec := range f.tables[table] {
		out = append(out, copyRecord(rec))
	}
	return out
}

func (f *fakeRemote) Select(ctx context.Context, table string, filter Filter) ([]Record, error) {
	f.mu.Lock()
	f.selectCalls[table]++
	hook := f.onSelect
	f.mu.Unlock()
	if hook != nil {
		if err := hook(table, filter); err != nil {
			return nil, err
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	var out []Record
	for _, rec := range f.tables[table] {
		match := true
		for k, want := range filter {
			if recString(rec, k) != want {
				match = false
				break
			}
		}
		if match {
			out = append(out, copyRecord(rec))
		}
	}
	return out, nil
}

func (f *fakeRemote) Insert(ctx context.Context, table string, rec Record) (Record, error) {
	f.mu.Lock()
	f.insertCalls++
	hook := f.onInsert
	f.mu.Unlock()
	if hook != nil {
		if err := hook(table, rec); err != nil {
			return nil, err
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	stored := copyRecord(rec)
	if stored.ID() == "" {
		f.nextID++
		stored["id"] = fmt.Sprintf("srv-%d", f.nextID)
	}
	if _, ok := stored["created_at"]; !ok {
		stored["created_at"] = time.Now()
	}
	stored["updated_at"] = time.Now()
	f.tables[table] = append(f.tables[table], stored)
	return copyRecord(stored), nil
}

func (f *fakeRemote) Update(ctx context.Context, table, id string, changes Record) (Record, error) {
	f.mu.Lock()
	hook := f.onUpdate
	f.mu.Unlock()
	if hook != nil {
		if err := hook(table, id, changes); err != nil {
			return nil, err
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	for _, rec := range f.tables[table] {
		if rec.ID() == id {
			for k, v := range changes {
				rec[k] = v
			}
			rec["updated_at"] = time.Now()
			return copyRecord(rec), nil
		}
	}
	return nil, ErrNotFound
}

func (f *fakeRemote) Delete(ctx context.Context, table, id string) error {
	f.mu.Lock()
	hook := f.onDelete
	f.mu.Unlock()
	if hook != nil {
		if err := hook(table, id); err != nil {
			return err
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	rows := f.tables[table]
	for i, rec := range rows {
		if rec.ID() == id {
			f.tables[table] = append(rows[:i], rows[i+1:]...)
			return nil
		}
	}
	return ErrNotFound
}

func (f *fakeRemote) Subscribe(ctx context.Context, req SubscribeRequest) (*FeedSubscription, error) {
	sub := NewFeedSubscription(req, 16)
	sub.DeliverStatus(FeedStatus{Kind: FeedSubscribed})
	f.mu.Lock()
	f.subs = append(f.subs, sub)
	f.mu.Unlock()
	return sub, nil
}

// push delivers a change event to every live subscription on a table.
func (f *fakeRemote) push(table string, ev ChangeEvent) {
	f.mu.Lock()
	subs := append([]*FeedSubscription(nil), f.subs...)
	f.mu.Unlock()
	for _, sub := range subs {
		if sub.Table == table {
			sub.Deliver(ev)
		}
	}
}

// subscriptions returns the channel ids opened so far, in order.
func (f *fakeRemote) subscriptions() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.subs))
	for _, sub := range f.subs {
		out = append(out, sub.ChannelID)
	}
	return out
}

func (f *fakeRemote) GetSession(ctx context.Context) (*Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.session, nil
}

func (f *fakeRemote) RefreshSession(ctx context.Context) (*Session, error) {
	f.mu.Lock()
	f.refreshCalls++
	hook := f.onRefresh
	session := f.session
	f.mu.Unlock()
	if hook != nil {
		return hook()
	}
	if session == nil {
		return nil, ErrAuthExpired
	}
	return session, nil
}

func (f *fakeRemote) SignIn(ctx context.Context, email, password string) (*Session, *User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.session == nil {
		f.session = &Session{
			AccessToken: "tok",
			UserID:      "user-1",
			ExpiresAt:   time.Now().Add(time.Hour),
		}
	}
	if f.user == nil {
		f.user = &User{ID: f.session.UserID, Email: email}
	}
	return f.session, f.user, nil
}

func (f *fakeRemote) SignUp(ctx context.Context, email, password, name string) (*Session, *User, error) {
	return f.SignIn(ctx, email, password)
}

func (f *fakeRemote) SignOut(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.session = nil
	f.user = nil
	return nil
}

// testEnv wires a gateway stack around a fakeRemote, signed in and marked
// connected, which is the baseline most tests start from.
type testEnv struct {
	remote *fakeRemote
	local  *MemStore
	hub    *SignalHub
	store  *StateStore
	conn   *ConnectivityMonitor
	keeper *SessionKeeper
	gate   *ReadinessGate
	queue  *WriteQueue
	gw     *Gateway
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	cfg := DefaultConfig()
	logger := testLogger()

	remote := newFakeRemote()
	remote.session = &Session{
		AccessToken: "tok",
		UserID:      "user-1",
		ExpiresAt:   time.Now().Add(time.Hour),
	}

	local := NewMemStore()
	hub := NewSignalHub()
	store := NewStateStore(local, logger)
	probe := func(ctx context.Context) error { return nil }
	conn := NewConnectivityMonitor(cfg.Connectivity, probe, hub, store, logger)
	keeper := NewSessionKeeper(cfg.Session, remote, store, logger)
	keeper.SetSession(remote.session)
	gate := NewReadinessGate(cfg.Gate, conn, keeper, logger)
	queue := NewWriteQueue(cfg.Queue, local, conn, logger, nil)
	gw := NewGateway(cfg.Gateway, remote, store, queue, gate, hub, logger)
	queue.SetExecutor(gw.ReplayOperation)

	conn.SetConnected()
	t.Cleanup(conn.Close)

	return &testEnv{
		remote: remote,
		local:  local,
		hub:    hub,
		store:  store,
		conn:   conn,
		keeper: keeper,
		gate:   gate,
		queue:  queue,
		gw:     gw,
	}
}
