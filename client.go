package hearthsync

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Client is the application-assembly root: it owns every sync component and
// wires them together with explicit references. No component reaches for a
// global; all cross-component signals travel through the SignalHub and the
// state store.
type Client struct {
	cfg    Config
	logger *slog.Logger

	remote RemoteStore
	local  LocalStore
	hub    *SignalHub
	store  *StateStore
	conn   *ConnectivityMonitor
	keeper *SessionKeeper
	gate   *ReadinessGate
	queue  *WriteQueue
	gw     *Gateway
	feed   *ChangeFeed
	poll   *PollSync

	mu      sync.Mutex
	started bool
	closed  bool

	ownLocal bool
}

// NewClient assembles a sync client. A nil local store opens the SQLite
// store at cfg.Storage.Path; pass a LocalStore (e.g. MemStore) to override.
func NewClient(cfg Config, remote RemoteStore, local LocalStore) (*Client, error) {
	cfg.applyDefaults()
	logger := cfg.logger()

	ownLocal := false
	if local == nil {
		var err error
		local, err = NewSQLiteStore(cfg.Storage)
		if err != nil {
			return nil, fmt.Errorf("new client: %w", err)
		}
		ownLocal = true
	}

	hub := NewSignalHub()
	store := NewStateStore(local, logger)
	conn := NewConnectivityMonitor(cfg.Connectivity, cfg.Connectivity.Probe, hub, store, logger)
	keeper := NewSessionKeeper(cfg.Session, remote, store, logger)
	gate := NewReadinessGate(cfg.Gate, conn, keeper, logger)
	queue := NewWriteQueue(cfg.Queue, local, conn, logger, cfg.Metrics)
	gw := NewGateway(cfg.Gateway, remote, store, queue, gate, hub, logger)
	queue.SetExecutor(gw.ReplayOperation)
	queue.SetAuthRecovery(func(ctx context.Context) error {
		_, err := keeper.RefreshSession(ctx)
		return err
	})
	feed := NewChangeFeed(cfg.Feed, remote, store, gw, logger, cfg.Metrics)
	poll := NewPollSync(cfg.Poll, gw.FetchAll, store, conn, logger, cfg.Metrics)

	c := &Client{
		cfg:      cfg,
		logger:   logger.With("component", "client"),
		remote:   remote,
		local:    local,
		hub:      hub,
		store:    store,
		conn:     conn,
		keeper:   keeper,
		gate:     gate,
		queue:    queue,
		gw:       gw,
		feed:     feed,
		poll:     poll,
		ownLocal: ownLocal,
	}

	// Recovery pipeline, in dependency order: refresh the session, drain
	// the queue, resubscribe the feed, then force a full refresh to close
	// any gap the outage opened.
	hub.OnReconnect(func() {
		if cfg.Metrics != nil {
			cfg.Metrics.Reconnects.Inc()
		}
		go c.recover()
	})

	return c, nil
}

func (c *Client) recover() {
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	if c.keeper.Current() != nil {
		if _, err := c.keeper.RefreshSession(ctx); err != nil {
			c.logger.Warn("post-reconnect session refresh failed", "error", err)
		}
	}
	c.queue.ProcessQueue(ctx)
	c.feed.ReconnectAll()
	if err := c.poll.ForceSync(ctx); err != nil {
		c.logger.Warn("post-reconnect refresh failed", "error", err)
	}
}

// Start restores the session, loads initial data, drains any persisted
// queue and begins listening for changes.
func (c *Client) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.started {
		c.mu.Unlock()
		return nil
	}
	c.started = true
	c.mu.Unlock()

	session, err := c.remote.GetSession(ctx)
	if err != nil {
		c.logger.Warn("session restore failed", "error", err)
	}
	if session.Valid() {
		c.keeper.SetSession(session)
		c.store.Update(func(s *State) {
			if s.User == nil {
				s.User = &User{ID: session.UserID}
			}
		})
	}

	c.store.Update(func(s *State) { s.Loading = true })
	if err := c.gw.FetchAll(ctx); err != nil {
		c.logger.Warn("initial load incomplete", "error", err)
	}
	c.store.Update(func(s *State) { s.Loading = false })

	// Startup drain happens once initial data is loaded; the reconnect
	// signal re-triggers it after every restoration.
	c.queue.ProcessQueue(ctx)

	snap := c.store.Snapshot()
	if snap.Household != nil || snap.User != nil {
		var hhID, userID string
		if snap.Household != nil {
			hhID = snap.Household.ID
		}
		if snap.User != nil {
			userID = snap.User.ID
		}
		c.feed.SubscribeToHousehold(hhID, userID)
	}

	c.poll.Start()
	c.conn.ForceReconnect()
	return nil
}

// SignIn authenticates, loads the account's data and begins syncing it.
func (c *Client) SignIn(ctx context.Context, email, password string) error {
	session, user, err := c.remote.SignIn(ctx, email, password)
	if err != nil {
		c.hub.EmitDataError(DataError{Message: UserMessage(err), Err: err})
		return fmt.Errorf("sign in: %w", err)
	}
	c.keeper.SetSession(session)
	if user == nil {
		user = &User{ID: session.UserID}
	}
	c.store.Update(func(s *State) { s.User = user })

	if err := c.gw.FetchAll(ctx); err != nil {
		c.logger.Warn("post-sign-in load incomplete", "error", err)
	}
	snap := c.store.Snapshot()
	var hhID string
	if snap.Household != nil {
		hhID = snap.Household.ID
	}
	c.feed.SubscribeToHousehold(hhID, user.ID)
	c.hub.EmitDataSuccess(DataSuccess{Message: "signed in"})
	return nil
}

// SignUp registers an account and signs it in.
func (c *Client) SignUp(ctx context.Context, email, password, name string) error {
	session, user, err := c.remote.SignUp(ctx, email, password, name)
	if err != nil {
		c.hub.EmitDataError(DataError{Message: UserMessage(err), Err: err})
		return fmt.Errorf("sign up: %w", err)
	}
	c.keeper.SetSession(session)
	if user == nil {
		user = &User{ID: session.UserID}
	}
	c.store.Update(func(s *State) { s.User = user })
	return nil
}

// SignOut invalidates the session and clears local state except theme and
// language.
func (c *Client) SignOut(ctx context.Context) error {
	c.feed.UnsubscribeAll()
	err := c.remote.SignOut(ctx)
	c.keeper.SetSession(nil)
	c.store.SignOutReset()
	if err != nil {
		return fmt.Errorf("sign out: %w", err)
	}
	return nil
}

// AppBackgrounded records a transition to the background: the poll cadence
// slows and the moment is remembered so a later foreground can decide
// whether to re-verify connectivity.
func (c *Client) AppBackgrounded() {
	c.conn.AppBackgrounded()
	c.poll.SetForeground(false)
}

// AppForegrounded restores foreground cadence and re-verifies connectivity
// if the app was away long enough for the platform to have killed sockets.
func (c *Client) AppForegrounded() {
	c.poll.SetForeground(true)
	c.conn.AppForegrounded()
}

// HandleOnline forwards a platform network-restored hint.
func (c *Client) HandleOnline() { c.conn.HandleOnline() }

// HandleOffline forwards a platform network-lost hint.
func (c *Client) HandleOffline() { c.conn.HandleOffline() }

// Store exposes the local state store the UI renders from.
func (c *Client) Store() *StateStore { return c.store }

// Gateway exposes the command surface for user intents.
func (c *Client) Gateway() *Gateway { return c.gw }

// Queue exposes the durable write queue.
func (c *Client) Queue() *WriteQueue { return c.queue }

// Connectivity exposes the connectivity monitor.
func (c *Client) Connectivity() *ConnectivityMonitor { return c.conn }

// Signals exposes the in-process signal hub the UI subscribes to.
func (c *Client) Signals() *SignalHub { return c.hub }

// Sessions exposes the session keeper.
func (c *Client) Sessions() *SessionKeeper { return c.keeper }

// Feed exposes the change-feed listener.
func (c *Client) Feed() *ChangeFeed { return c.feed }

// Poll exposes the poll-sync fallback.
func (c *Client) Poll() *PollSync { return c.poll }

// Close stops all background work and releases local storage.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.poll.Stop()
	c.feed.UnsubscribeAll()
	c.conn.Close()
	if c.ownLocal {
		return c.local.Close()
	}
	return nil
}
