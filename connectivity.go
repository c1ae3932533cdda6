package hearthsync

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

// ConnState is the coarse network/session reachability state.
type ConnState int

const (
	// ConnOffline means the device has no verified connectivity.
	ConnOffline ConnState = iota
	// ConnConnecting is the initial startup verification.
	ConnConnecting
	// ConnConnected means connectivity was verified.
	ConnConnected
	// ConnReconnecting means a restoration hint arrived and is being verified.
	ConnReconnecting
)

func (s ConnState) String() string {
	switch s {
	case ConnOffline:
		return "offline"
	case ConnConnecting:
		return "connecting"
	case ConnConnected:
		return "connected"
	case ConnReconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}

// ProbeFunc verifies reachability with a cheap network round-trip.
type ProbeFunc func(ctx context.Context) error

// httpProbe fetches a tiny resource to prove the network path works.
func httpProbe(url string, timeout time.Duration) ProbeFunc {
	client := &http.Client{Timeout: timeout}
	return func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodHead, url, nil)
		if err != nil {
			return err
		}
		resp, err := client.Do(req)
		if err != nil {
			return err
		}
		resp.Body.Close()
		if resp.StatusCode >= 500 {
			return fmt.Errorf("probe status %d", resp.StatusCode)
		}
		return nil
	}
}

// ConnectivityMonitor tracks reachability across network hints, app
// lifecycle events and probe outcomes. Mobile platforms silently kill
// sockets shortly after backgrounding without any event, so a return from
// background is treated as guilty until proven innocent: the previous
// connected state is never trusted and a probe must succeed before
// connectivity is declared restored. One reconnect signal is emitted per
// restoration; draining the queue and reloading data are delegated to the
// listeners.
type ConnectivityMonitor struct {
	cfg    ConnectivityConfig
	probe  ProbeFunc
	hub    *SignalHub
	store  *StateStore
	logger *slog.Logger

	mu             sync.Mutex
	state          ConnState
	networkUp      bool
	verifying      bool
	backgroundedAt time.Time
	retryTimer     *time.Timer
	closed         bool

	subs   map[int]func(ConnState)
	nextID int
}

// NewConnectivityMonitor creates a monitor in the connecting state. The
// network is assumed up until a HandleOffline hint says otherwise.
func NewConnectivityMonitor(cfg ConnectivityConfig, probe ProbeFunc, hub *SignalHub, store *StateStore, logger *slog.Logger) *ConnectivityMonitor {
	if logger == nil {
		logger = slog.Default()
	}
	if probe == nil {
		url := cfg.ProbeURL
		if url == "" {
			url = "https://www.gstatic.com/generate_204"
		}
		probe = httpProbe(url, cfg.ProbeTimeout)
	}
	return &ConnectivityMonitor{
		cfg:       cfg,
		probe:     probe,
		hub:       hub,
		store:     store,
		logger:    logger.With("component", "connectivity"),
		state:     ConnConnecting,
		networkUp: true,
		subs:      make(map[int]func(ConnState)),
	}
}

// State returns the current connection state.
func (m *ConnectivityMonitor) State() ConnState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Subscribe registers a state-change callback and returns an unsubscribe
// function.
func (m *ConnectivityMonitor) Subscribe(fn func(ConnState)) func() {
	m.mu.Lock()
	id := m.nextID
	m.nextID++
	m.subs[id] = fn
	m.mu.Unlock()
	return func() {
		m.mu.Lock()
		delete(m.subs, id)
		m.mu.Unlock()
	}
}

// setState transitions the state, notifies subscribers and mirrors the state
// into the store. Emits the reconnect signal when connectivity is restored.
func (m *ConnectivityMonitor) setState(next ConnState) {
	m.mu.Lock()
	prev := m.state
	if prev == next {
		m.mu.Unlock()
		return
	}
	m.state = next
	fns := make([]func(ConnState), 0, len(m.subs))
	for _, fn := range m.subs {
		fns = append(fns, fn)
	}
	m.mu.Unlock()

	m.logger.Info("connection state changed", "from", prev.String(), "to", next.String())

	if m.store != nil {
		m.store.Update(func(s *State) { s.Connection = next })
	}
	for _, fn := range fns {
		fn(next)
	}
	if next == ConnConnected && m.hub != nil {
		m.hub.EmitReconnect()
	}
}

// HandleOnline processes a network-restored hint. The hint is not trusted:
// the state moves to reconnecting and a probe decides.
func (m *ConnectivityMonitor) HandleOnline() {
	m.mu.Lock()
	m.networkUp = true
	m.mu.Unlock()
	m.setState(ConnReconnecting)
	m.verify()
}

// HandleOffline processes a network-lost hint.
func (m *ConnectivityMonitor) HandleOffline() {
	m.mu.Lock()
	m.networkUp = false
	if m.retryTimer != nil {
		m.retryTimer.Stop()
		m.retryTimer = nil
	}
	m.mu.Unlock()
	m.setState(ConnOffline)
}

// AppBackgrounded records the moment the app left the foreground.
func (m *ConnectivityMonitor) AppBackgrounded() {
	m.mu.Lock()
	m.backgroundedAt = time.Now()
	m.mu.Unlock()
}

// AppForegrounded processes a return to the foreground. Past the threshold
// the previously connected state is re-verified instead of trusted.
func (m *ConnectivityMonitor) AppForegrounded() {
	m.mu.Lock()
	away := time.Duration(0)
	if !m.backgroundedAt.IsZero() {
		away = time.Since(m.backgroundedAt)
		m.backgroundedAt = time.Time{}
	}
	m.mu.Unlock()

	if away < m.cfg.BackgroundThreshold {
		return
	}
	m.logger.Info("foregrounded after suspension, re-verifying", "away", away)
	m.setState(ConnReconnecting)
	m.verify()
}

// ForceReconnect verifies connectivity immediately.
func (m *ConnectivityMonitor) ForceReconnect() {
	m.setState(ConnReconnecting)
	m.verify()
}

// SetConnected marks connectivity verified by an out-of-band success, such
// as a completed write.
func (m *ConnectivityMonitor) SetConnected() {
	m.setState(ConnConnected)
}

// SetOffline marks connectivity lost by an out-of-band failure.
func (m *ConnectivityMonitor) SetOffline() {
	m.setState(ConnOffline)
}

// verify runs one probe. Concurrent calls coalesce onto the in-flight probe.
// Failure schedules a fixed-delay retry for as long as the network hint
// stays up; the fixed interval keeps recovery latency predictable.
func (m *ConnectivityMonitor) verify() {
	m.mu.Lock()
	if m.verifying || m.closed {
		m.mu.Unlock()
		return
	}
	m.verifying = true
	m.mu.Unlock()

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), m.cfg.ProbeTimeout)
		err := m.probe(ctx)
		cancel()

		m.mu.Lock()
		m.verifying = false
		networkUp := m.networkUp
		closed := m.closed
		m.mu.Unlock()
		if closed {
			return
		}

		if err == nil {
			m.setState(ConnConnected)
			return
		}

		m.logger.Warn("connectivity probe failed", "error", err)
		m.setState(ConnOffline)

		if !networkUp {
			return
		}
		m.mu.Lock()
		if m.retryTimer != nil {
			m.retryTimer.Stop()
		}
		m.retryTimer = time.AfterFunc(m.cfg.RetryDelay, func() {
			m.mu.Lock()
			up, closed := m.networkUp, m.closed
			m.mu.Unlock()
			if !up || closed {
				return
			}
			m.setState(ConnReconnecting)
			m.verify()
		})
		m.mu.Unlock()
	}()
}

// Close stops retry timers. The monitor must not be used afterwards.
func (m *ConnectivityMonitor) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	if m.retryTimer != nil {
		m.retryTimer.Stop()
		m.retryTimer = nil
	}
}
