package hearthsync

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// PollSync is the belt-and-suspenders fallback for the change feed: the
// transport can drop events without any callback firing, so all collections
// are re-fetched on a timer, short while foregrounded and long while
// backgrounded, and immediately (after a short settle delay) when the app
// becomes visible again.
type PollSync struct {
	cfg     PollConfig
	syncFn  func(ctx context.Context) error
	store   *StateStore
	conn    *ConnectivityMonitor
	logger  *slog.Logger
	metrics *Metrics

	mu         sync.Mutex
	inProgress bool
	foreground bool
	counts     map[string]int
	wake       chan struct{}
	cancel     context.CancelFunc
	wg         sync.WaitGroup
}

// NewPollSync creates a poller around the injected full-refresh function.
func NewPollSync(cfg PollConfig, syncFn func(ctx context.Context) error, store *StateStore, conn *ConnectivityMonitor, logger *slog.Logger, metrics *Metrics) *PollSync {
	if logger == nil {
		logger = slog.Default()
	}
	return &PollSync{
		cfg:        cfg,
		syncFn:     syncFn,
		store:      store,
		conn:       conn,
		logger:     logger.With("component", "pollsync"),
		metrics:    metrics,
		foreground: true,
		counts:     make(map[string]int),
		wake:       make(chan struct{}, 1),
	}
}

// Start launches the interval loop. Stop with Stop.
func (p *PollSync) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	p.mu.Lock()
	p.cancel = cancel
	p.mu.Unlock()

	p.wg.Add(1)
	go p.loop(ctx)
}

// Stop halts the interval loop.
func (p *PollSync) Stop() {
	p.mu.Lock()
	if p.cancel != nil {
		p.cancel()
		p.cancel = nil
	}
	p.mu.Unlock()
	p.wg.Wait()
}

func (p *PollSync) interval() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.foreground {
		return p.cfg.ForegroundInterval
	}
	return p.cfg.BackgroundInterval
}

func (p *PollSync) loop(ctx context.Context) {
	defer p.wg.Done()
	timer := time.NewTimer(p.interval())
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			p.SyncNow(ctx)
		case <-p.wake:
			// Interval changed; fall through to re-arm.
		}
		timer.Reset(p.interval())
	}
}

// SetForeground switches the poll cadence. A transition back to the
// foreground fires an immediate sync after a short settle delay, giving the
// network stack a moment to come back before the burst of requests.
func (p *PollSync) SetForeground(fg bool) {
	p.mu.Lock()
	was := p.foreground
	p.foreground = fg
	p.mu.Unlock()

	select {
	case p.wake <- struct{}{}:
	default:
	}

	if fg && !was {
		time.AfterFunc(p.cfg.SettleDelay, func() {
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			p.SyncNow(ctx)
		})
	}
}

// SyncNow runs one full refresh unless one is already in progress or the
// device is known offline. Returns the refresh error, nil when skipped.
func (p *PollSync) SyncNow(ctx context.Context) error {
	p.mu.Lock()
	if p.inProgress {
		p.mu.Unlock()
		return nil
	}
	p.inProgress = true
	p.mu.Unlock()

	defer func() {
		p.mu.Lock()
		p.inProgress = false
		p.mu.Unlock()
	}()

	if p.conn != nil && p.conn.State() == ConnOffline {
		return nil
	}

	err := p.syncFn(ctx)
	if err != nil {
		p.logger.Warn("poll sync failed", "error", err)
		return err
	}
	if p.metrics != nil {
		p.metrics.PollSyncs.Inc()
	}
	p.diffCounts()
	return nil
}

// ForceSync resets the in-progress flag before syncing, in case a previous
// sync got stuck, then runs one refresh.
func (p *PollSync) ForceSync(ctx context.Context) error {
	p.mu.Lock()
	p.inProgress = false
	p.mu.Unlock()
	return p.SyncNow(ctx)
}

// diffCounts tracks per-collection item counts across syncs. Purely a
// diagnostic signal for spotting silently dropped feed events; never used
// for merge decisions.
func (p *PollSync) diffCounts() {
	if p.store == nil {
		return
	}
	snap := p.store.Snapshot()
	current := map[string]int{
		TableShopping:      len(snap.Shopping),
		TableTasks:         len(snap.Tasks),
		TableClifford:      len(snap.Clifford),
		TableQuickAdd:      len(snap.QuickAdd),
		TablePersonalTasks: len(snap.PersonalTasks),
		TableNotifications: len(snap.Notifications),
	}
	p.mu.Lock()
	prev := p.counts
	p.counts = current
	p.mu.Unlock()

	for table, n := range current {
		if before, ok := prev[table]; ok && before != n {
			p.logger.Debug("collection changed between polls", "table", table, "from", before, "to", n)
		}
	}
}
