package hearthsync

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

// controlledProbe lets a test script probe outcomes.
type controlledProbe struct {
	mu    sync.Mutex
	err   error
	calls int
}

func (p *controlledProbe) fn(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	return p.err
}

func (p *controlledProbe) set(err error) {
	p.mu.Lock()
	p.err = err
	p.mu.Unlock()
}

func (p *controlledProbe) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

func newTestMonitor(t *testing.T, probe ProbeFunc, hub *SignalHub) *ConnectivityMonitor {
	t.Helper()
	cfg := ConnectivityConfig{
		ProbeTimeout:        time.Second,
		RetryDelay:          10 * time.Millisecond,
		BackgroundThreshold: 20 * time.Millisecond,
	}
	m := NewConnectivityMonitor(cfg, probe, hub, nil, testLogger())
	t.Cleanup(m.Close)
	return m
}

func TestHandleOnlineVerifiesBeforeConnecting(t *testing.T) {
	probe := &controlledProbe{}
	hub := NewSignalHub()
	var reconnects int
	var mu sync.Mutex
	hub.OnReconnect(func() {
		mu.Lock()
		reconnects++
		mu.Unlock()
	})
	m := newTestMonitor(t, probe.fn, hub)

	var transitions []ConnState
	m.Subscribe(func(s ConnState) {
		mu.Lock()
		transitions = append(transitions, s)
		mu.Unlock()
	})

	m.HandleOnline()
	waitFor(t, time.Second, func() bool { return m.State() == ConnConnected }, "never reached connected")

	mu.Lock()
	defer mu.Unlock()
	if len(transitions) < 2 || transitions[0] != ConnReconnecting || transitions[len(transitions)-1] != ConnConnected {
		t.Errorf("transitions = %v, want reconnecting then connected", transitions)
	}
	if reconnects != 1 {
		t.Errorf("got %d reconnect signals, want exactly 1", reconnects)
	}
}

func TestProbeFailureGoesOfflineAndRetries(t *testing.T) {
	probe := &controlledProbe{}
	probe.set(errors.New("connection refused"))
	m := newTestMonitor(t, probe.fn, NewSignalHub())

	m.HandleOnline()
	waitFor(t, time.Second, func() bool { return m.State() == ConnOffline }, "never went offline")

	// The retry timer keeps probing while the network hint stays up, so a
	// later success recovers without another hint.
	probe.set(nil)
	waitFor(t, time.Second, func() bool { return m.State() == ConnConnected }, "retry never recovered")
	if probe.callCount() < 2 {
		t.Errorf("probe called %d times, want at least 2", probe.callCount())
	}
}

func TestHandleOfflineStopsRetrying(t *testing.T) {
	probe := &controlledProbe{}
	probe.set(errors.New("connection refused"))
	m := newTestMonitor(t, probe.fn, NewSignalHub())

	m.HandleOnline()
	waitFor(t, time.Second, func() bool { return m.State() == ConnOffline }, "never went offline")
	m.HandleOffline()
	calls := probe.callCount()

	time.Sleep(50 * time.Millisecond)
	if probe.callCount() != calls {
		t.Error("probe retried after the network-lost hint")
	}
	if m.State() != ConnOffline {
		t.Errorf("state = %v, want offline", m.State())
	}
}

func TestForegroundWithinThresholdIsTrusted(t *testing.T) {
	probe := &controlledProbe{}
	m := newTestMonitor(t, probe.fn, NewSignalHub())
	m.SetConnected()

	m.AppBackgrounded()
	m.AppForegrounded()

	if m.State() != ConnConnected {
		t.Errorf("state = %v, want connected (short background trusted)", m.State())
	}
	if probe.callCount() != 0 {
		t.Error("short background should not trigger a probe")
	}
}

func TestForegroundAfterThresholdReverifies(t *testing.T) {
	probe := &controlledProbe{}
	m := newTestMonitor(t, probe.fn, NewSignalHub())
	m.SetConnected()

	m.AppBackgrounded()
	time.Sleep(30 * time.Millisecond) // past BackgroundThreshold
	m.AppForegrounded()

	waitFor(t, time.Second, func() bool { return probe.callCount() >= 1 }, "long background did not re-verify")
	waitFor(t, time.Second, func() bool { return m.State() == ConnConnected }, "never reconnected after foreground")
}

func TestConcurrentVerifiesCoalesce(t *testing.T) {
	block := make(chan struct{})
	var calls int
	var mu sync.Mutex
	probe := func(ctx context.Context) error {
		mu.Lock()
		calls++
		mu.Unlock()
		<-block
		return nil
	}
	m := newTestMonitor(t, probe, NewSignalHub())

	m.ForceReconnect()
	m.ForceReconnect()
	m.ForceReconnect()
	time.Sleep(20 * time.Millisecond)
	close(block)

	waitFor(t, time.Second, func() bool { return m.State() == ConnConnected }, "never connected")
	mu.Lock()
	defer mu.Unlock()
	if calls != 1 {
		t.Errorf("probe ran %d times for overlapping verifies, want 1", calls)
	}
}

func TestSetConnectedMirrorsIntoStore(t *testing.T) {
	store := newTestStore()
	cfg := ConnectivityConfig{ProbeTimeout: time.Second, RetryDelay: time.Second, BackgroundThreshold: time.Second}
	m := NewConnectivityMonitor(cfg, func(ctx context.Context) error { return nil }, nil, store, testLogger())
	defer m.Close()

	m.SetConnected()
	if store.Snapshot().Connection != ConnConnected {
		t.Error("connection state not mirrored into the store")
	}
	m.SetOffline()
	if store.Snapshot().Connection != ConnOffline {
		t.Error("offline state not mirrored into the store")
	}
}
