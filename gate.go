package hearthsync

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// ReadinessGate is a fail-fast admission check run before remote writes. It
// performs only instant local checks and otherwise lets the operation
// attempt immediately, trusting the write queue to absorb failures. An
// earlier design verified a full round-trip before every write; that cost
// responsiveness and produced false negatives, so it was dropped.
type ReadinessGate struct {
	cfg    GateConfig
	conn   *ConnectivityMonitor
	keeper *SessionKeeper
	logger *slog.Logger

	mu         sync.Mutex
	verifiedAt time.Time
}

// NewReadinessGate creates a gate.
func NewReadinessGate(cfg GateConfig, conn *ConnectivityMonitor, keeper *SessionKeeper, logger *slog.Logger) *ReadinessGate {
	if logger == nil {
		logger = slog.Default()
	}
	return &ReadinessGate{
		cfg:    cfg,
		conn:   conn,
		keeper: keeper,
		logger: logger.With("component", "gate"),
	}
}

// Execute admits and runs a remote operation. A definitively offline device
// rejects immediately with an offline classification so the caller can queue
// without attempting a doomed network call. A success marks the connection
// verified for a short window, suppressing redundant checks on bursts of
// writes; a connection-shaped failure invalidates that cache.
func (g *ReadinessGate) Execute(ctx context.Context, name string, op func(ctx context.Context) error) error {
	if !g.verified() {
		if g.conn != nil && g.conn.State() == ConnOffline {
			g.logger.Debug("rejecting write while offline", "op", name)
			// ErrNotAttempted distinguishes this rejection from a
			// mid-flight transport failure, which also classifies
			// offline but must never be auto-replayed.
			return newSyncError(KindOffline, "write will be queued", ErrNotAttempted)
		}
		if g.keeper != nil && g.keeper.Current() == nil {
			g.logger.Debug("no cached session", "op", name)
			return newSyncError(KindAuth, "not signed in", ErrAuthExpired)
		}
	}

	err := op(ctx)
	if err == nil {
		g.markVerified()
		if g.conn != nil {
			g.conn.SetConnected()
		}
		return nil
	}
	if isConnectionError(err) {
		g.invalidate()
	}
	return err
}

// WaitForReady blocks until the connection state is connected or the timeout
// elapses, reporting which happened.
func (g *ReadinessGate) WaitForReady(timeout time.Duration) bool {
	if g.conn == nil {
		return true
	}
	if g.conn.State() == ConnConnected {
		return true
	}

	ready := make(chan struct{}, 1)
	unsubscribe := g.conn.Subscribe(func(s ConnState) {
		if s == ConnConnected {
			select {
			case ready <- struct{}{}:
			default:
			}
		}
	})
	defer unsubscribe()

	// Re-check after subscribing to close the race with a transition that
	// happened in between.
	if g.conn.State() == ConnConnected {
		return true
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-ready:
		return true
	case <-timer.C:
		return false
	}
}

func (g *ReadinessGate) verified() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return !g.verifiedAt.IsZero() && time.Since(g.verifiedAt) < g.cfg.VerifiedTTL
}

func (g *ReadinessGate) markVerified() {
	g.mu.Lock()
	g.verifiedAt = time.Now()
	g.mu.Unlock()
}

func (g *ReadinessGate) invalidate() {
	g.mu.Lock()
	g.verifiedAt = time.Time{}
	g.mu.Unlock()
}
