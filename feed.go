package hearthsync

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// subscription lifecycle states.
type subState int

const (
	subUnsubscribed subState = iota
	subSubscribing
	subSubscribed
)

// debouncer coalesces bursts of triggers into one callback after a quiet
// window.
type debouncer struct {
	mu    sync.Mutex
	after time.Duration
	timer *time.Timer
	fn    func()
}

func newDebouncer(after time.Duration, fn func()) *debouncer {
	return &debouncer{after: after, fn: fn}
}

func (d *debouncer) trigger() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.timer != nil {
		d.timer.Stop()
	}
	d.timer = time.AfterFunc(d.after, d.fn)
}

func (d *debouncer) stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
}

// tableSub tracks one table subscription and its liveness.
type tableSub struct {
	table        string
	state        subState
	feed         *FeedSubscription
	lastActivity time.Time
}

// ChangeFeed subscribes to server-pushed row changes per table and folds
// them into local state, reconciling against optimistic entities and
// resolving conflicts last-writer-wins by updated_at. Every resubscribe uses
// a fresh channel identity: some transports silently wedge a channel after a
// network blip, and resubscribing under the same name never recovers.
type ChangeFeed struct {
	cfg     FeedConfig
	remote  RemoteStore
	store   *StateStore
	gateway *Gateway
	logger  *slog.Logger
	metrics *Metrics

	mu          sync.Mutex
	subs        map[string]*tableSub
	householdID string
	userID      string
	ctx         context.Context
	cancel      context.CancelFunc
	wg          sync.WaitGroup
	started     bool

	memberReload *debouncer
}

// householdFeedTables are watched per household; userFeedTables per user.
var householdFeedTables = []string{TableShopping, TableTasks, TableClifford, TableQuickAdd, TableHouseholdMembers}
var userFeedTables = []string{TablePersonalTasks, TableNotifications}

// NewChangeFeed creates a change-feed listener.
func NewChangeFeed(cfg FeedConfig, remote RemoteStore, store *StateStore, gateway *Gateway, logger *slog.Logger, metrics *Metrics) *ChangeFeed {
	if logger == nil {
		logger = slog.Default()
	}
	f := &ChangeFeed{
		cfg:     cfg,
		remote:  remote,
		store:   store,
		gateway: gateway,
		logger:  logger.With("component", "feed"),
		metrics: metrics,
		subs:    make(map[string]*tableSub),
	}
	f.memberReload = newDebouncer(cfg.DebounceWindow, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := f.gateway.ReloadMembers(ctx); err != nil {
			f.logger.Warn("member reload failed", "error", err)
		}
	})
	return f
}

// SubscribeToHousehold opens subscriptions for every watched table, scoped
// to the given household and the current user. Idempotent for the same
// household.
func (f *ChangeFeed) SubscribeToHousehold(householdID, userID string) {
	f.mu.Lock()
	if f.started && f.householdID == householdID && f.userID == userID {
		f.mu.Unlock()
		return
	}
	if f.cancel != nil {
		f.cancel()
	}
	f.ctx, f.cancel = context.WithCancel(context.Background())
	f.householdID = householdID
	f.userID = userID
	f.started = true
	f.subs = make(map[string]*tableSub)
	for _, table := range householdFeedTables {
		f.subs[table] = &tableSub{table: table, lastActivity: time.Now()}
	}
	for _, table := range userFeedTables {
		f.subs[table] = &tableSub{table: table, lastActivity: time.Now()}
	}
	tables := f.tablesLocked()
	f.mu.Unlock()

	for _, table := range tables {
		f.subscribe(table)
	}

	if f.cfg.HeartbeatInterval > 0 {
		f.wg.Add(1)
		go f.watchdog(f.ctx)
	}
}

func (f *ChangeFeed) tablesLocked() []string {
	tables := make([]string, 0, len(f.subs))
	for table := range f.subs {
		tables = append(tables, table)
	}
	return tables
}

// subscribe opens one table subscription with a fresh channel identity and
// starts its consumer loop.
func (f *ChangeFeed) subscribe(table string) {
	f.mu.Lock()
	ts, ok := f.subs[table]
	if !ok || ts.state != subUnsubscribed {
		f.mu.Unlock()
		return
	}
	ts.state = subSubscribing
	req := SubscribeRequest{
		Table:     table,
		ChannelID: uuid.NewString(),
	}
	if table == TablePersonalTasks || table == TableNotifications {
		req.UserID = f.userID
	} else {
		req.HouseholdID = f.householdID
	}
	ctx := f.ctx
	f.mu.Unlock()

	sub, err := f.remote.Subscribe(ctx, req)
	if err != nil {
		f.logger.Warn("subscribe failed", "table", table, "error", err)
		f.scheduleRetry(table)
		return
	}

	f.mu.Lock()
	ts.feed = sub
	ts.state = subSubscribed
	ts.lastActivity = time.Now()
	f.mu.Unlock()
	f.logger.Debug("subscribed", "table", table, "channel", req.ChannelID)

	f.wg.Add(1)
	go f.consume(ctx, table, sub)
}

// scheduleRetry marks a subscription dead and retries it after a delay.
func (f *ChangeFeed) scheduleRetry(table string) {
	f.mu.Lock()
	ts, ok := f.subs[table]
	if !ok {
		f.mu.Unlock()
		return
	}
	ts.state = subUnsubscribed
	ctx := f.ctx
	f.mu.Unlock()

	time.AfterFunc(f.cfg.RetryDelay, func() {
		select {
		case <-ctx.Done():
			return
		default:
		}
		f.subscribe(table)
	})
}

// consume folds one subscription's events into local state until the
// subscription dies or the feed is torn down.
func (f *ChangeFeed) consume(ctx context.Context, table string, sub *FeedSubscription) {
	defer f.wg.Done()
	for {
		select {
		case <-ctx.Done():
			sub.Close()
			return
		case <-sub.Done():
			select {
			case <-ctx.Done():
				// Deliberate teardown, not a transport failure.
				return
			default:
			}
			f.scheduleRetry(table)
			return
		case st := <-sub.Status():
			f.touch(table)
			if st.Kind == FeedError {
				f.logger.Warn("subscription transport error", "table", table, "error", st.Err)
				sub.Close()
				f.scheduleRetry(table)
				return
			}
		case ev := <-sub.Events():
			f.touch(table)
			f.handleEvent(ev)
		}
	}
}

func (f *ChangeFeed) touch(table string) {
	f.mu.Lock()
	if ts, ok := f.subs[table]; ok {
		ts.lastActivity = time.Now()
	}
	f.mu.Unlock()
}

// handleEvent folds one change notification into local state.
func (f *ChangeFeed) handleEvent(ev ChangeEvent) {
	f.metrics.CountFeedEvent(ev.Table, ev.Type)

	// A single server-side action can fan out many membership events in
	// quick succession; coalesce them into one roster reload.
	if ev.Table == TableHouseholdMembers {
		f.memberReload.trigger()
		return
	}
	if !itemTables[ev.Table] {
		return
	}

	switch ev.Type {
	case ChangeInsert:
		it, err := DecodeItem(ev.Record)
		if err != nil {
			f.logger.Warn("malformed insert event", "table", ev.Table, "error", err)
			return
		}
		f.store.ReconcileInsert(ev.Table, *it)
	case ChangeUpdate:
		it, err := DecodeItem(ev.Record)
		if err != nil {
			f.logger.Warn("malformed update event", "table", ev.Table, "error", err)
			return
		}
		f.store.ApplyUpdate(ev.Table, *it)
	case ChangeDelete:
		id := ev.OldID
		if id == "" {
			id = ev.Record.ID()
		}
		f.store.ApplyDelete(ev.Table, id)
	}
}

// watchdog forces a full reconnect when a subscription has been silent for
// twice the heartbeat interval. Transports can drop a channel without any
// callback at all; silence is the only symptom.
func (f *ChangeFeed) watchdog(ctx context.Context) {
	defer f.wg.Done()
	ticker := time.NewTicker(f.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			deadline := time.Now().Add(-2 * f.cfg.HeartbeatInterval)
			stale := false
			f.mu.Lock()
			for _, ts := range f.subs {
				if ts.state == subSubscribed && ts.lastActivity.Before(deadline) {
					stale = true
					break
				}
			}
			f.mu.Unlock()
			if stale {
				f.logger.Warn("subscription went silent, reconnecting all")
				// Reconnect from a fresh goroutine: ReconnectAll waits for
				// this one to exit.
				go f.ReconnectAll()
				return
			}
		}
	}
}

// ReconnectAll tears down every subscription and recreates it with a fresh
// channel identity.
func (f *ChangeFeed) ReconnectAll() {
	f.mu.Lock()
	if !f.started {
		f.mu.Unlock()
		return
	}
	householdID, userID := f.householdID, f.userID
	f.started = false
	if f.cancel != nil {
		f.cancel()
	}
	for _, ts := range f.subs {
		if ts.feed != nil {
			ts.feed.Close()
		}
	}
	f.mu.Unlock()

	f.wg.Wait()
	f.SubscribeToHousehold(householdID, userID)
}

// UnsubscribeAll tears down every subscription.
func (f *ChangeFeed) UnsubscribeAll() {
	f.mu.Lock()
	f.started = false
	if f.cancel != nil {
		f.cancel()
	}
	for _, ts := range f.subs {
		if ts.feed != nil {
			ts.feed.Close()
		}
	}
	f.subs = make(map[string]*tableSub)
	f.mu.Unlock()
	f.memberReload.stop()
	f.wg.Wait()
}
