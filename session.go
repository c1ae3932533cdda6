package hearthsync

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// SessionKeeper owns the authentication session. Concurrent refresh requests
// coalesce onto one in-flight operation; waiters apply their own timeout so
// a stuck refresh can never block reconnection forever.
type SessionKeeper struct {
	cfg    SessionConfig
	remote RemoteStore
	store  *StateStore
	logger *slog.Logger

	mu      sync.Mutex
	session *Session

	inflight  chan struct{}
	result    *Session
	resultErr error
}

// NewSessionKeeper creates a session keeper.
func NewSessionKeeper(cfg SessionConfig, remote RemoteStore, store *StateStore, logger *slog.Logger) *SessionKeeper {
	if logger == nil {
		logger = slog.Default()
	}
	return &SessionKeeper{
		cfg:    cfg,
		remote: remote,
		store:  store,
		logger: logger.With("component", "session"),
	}
}

// Current returns the cached session, which may be nil or expired.
func (k *SessionKeeper) Current() *Session {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.session
}

// SetSession replaces the cached session, typically after sign-in.
func (k *SessionKeeper) SetSession(s *Session) {
	k.mu.Lock()
	k.session = s
	k.mu.Unlock()
}

// InFlight exposes the in-flight refresh, if any, so dependent components
// can await the same completion instead of triggering a duplicate refresh.
func (k *SessionKeeper) InFlight() (<-chan struct{}, bool) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.inflight == nil {
		return nil, false
	}
	return k.inflight, true
}

// RefreshSession refreshes the session, coalescing with any refresh already
// in flight. Errors are returned, never thrown past the caller; the caller
// decides whether to retry, queue, or surface. On success only the
// current-user record in the state store is updated; reloading household
// data stays the callers' responsibility.
func (k *SessionKeeper) RefreshSession(ctx context.Context) (*Session, error) {
	k.mu.Lock()
	if k.inflight != nil {
		done := k.inflight
		k.mu.Unlock()
		return k.await(ctx, done)
	}
	done := make(chan struct{})
	k.inflight = done
	k.mu.Unlock()

	go k.refresh(done)
	return k.await(ctx, done)
}

// refresh performs the actual round-trip and publishes the outcome.
func (k *SessionKeeper) refresh(done chan struct{}) {
	ctx, cancel := context.WithTimeout(context.Background(), k.cfg.RefreshTimeout)
	session, err := k.remote.RefreshSession(ctx)
	cancel()

	k.mu.Lock()
	k.result = session
	k.resultErr = err
	if err == nil {
		k.session = session
	}
	k.inflight = nil
	k.mu.Unlock()
	close(done)

	if err != nil {
		k.logger.Warn("session refresh failed", "error", err)
		return
	}
	k.logger.Debug("session refreshed", "user_id", session.UserID)

	if k.store != nil && session != nil && session.UserID != "" {
		k.store.Update(func(s *State) {
			if s.User == nil {
				s.User = &User{ID: session.UserID}
			}
		})
	}
}

// await waits for an in-flight refresh with a bounded secondary timeout. On
// timeout the caller proceeds as if the refresh had failed.
func (k *SessionKeeper) await(ctx context.Context, done <-chan struct{}) (*Session, error) {
	timer := time.NewTimer(k.cfg.WaitTimeout)
	defer timer.Stop()

	select {
	case <-done:
		k.mu.Lock()
		defer k.mu.Unlock()
		return k.result, k.resultErr
	case <-timer.C:
		return nil, newSyncError(KindTimeout, "session refresh wait timed out", ErrTimeout)
	case <-ctx.Done():
		return nil, fmt.Errorf("session refresh: %w", ctx.Err())
	}
}
