package hearthsync

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestRefreshSessionCoalesces(t *testing.T) {
	remote := newFakeRemote()
	block := make(chan struct{})
	remote.onRefresh = func() (*Session, error) {
		<-block
		return &Session{AccessToken: "fresh", UserID: "user-1", ExpiresAt: time.Now().Add(time.Hour)}, nil
	}

	cfg := SessionConfig{RefreshTimeout: time.Second, WaitTimeout: time.Second}
	k := NewSessionKeeper(cfg, remote, nil, testLogger())

	var wg sync.WaitGroup
	results := make([]*Session, 5)
	call := func(i int) {
		defer wg.Done()
		s, err := k.RefreshSession(context.Background())
		if err != nil {
			t.Errorf("refresh %d: %v", i, err)
		}
		results[i] = s
	}

	wg.Add(1)
	go call(0)
	waitFor(t, time.Second, func() bool {
		_, inflight := k.InFlight()
		return inflight
	}, "refresh never started")

	// The remaining callers arrive while the refresh is held open, so they
	// must attach to it rather than trigger their own.
	for i := 1; i < 5; i++ {
		wg.Add(1)
		go call(i)
	}
	time.Sleep(50 * time.Millisecond)
	close(block)
	wg.Wait()

	remote.mu.Lock()
	calls := remote.refreshCalls
	remote.mu.Unlock()
	if calls != 1 {
		t.Errorf("remote refresh called %d times for 5 concurrent callers, want 1", calls)
	}
	for i, s := range results {
		if s == nil || s.AccessToken != "fresh" {
			t.Errorf("caller %d got %+v", i, s)
		}
	}
	if k.Current() == nil || k.Current().AccessToken != "fresh" {
		t.Error("cached session not updated after refresh")
	}
}

func TestRefreshSessionWaitTimeout(t *testing.T) {
	remote := newFakeRemote()
	release := make(chan struct{})
	remote.onRefresh = func() (*Session, error) {
		<-release
		return nil, errors.New("too late")
	}

	cfg := SessionConfig{RefreshTimeout: time.Minute, WaitTimeout: 20 * time.Millisecond}
	k := NewSessionKeeper(cfg, remote, nil, testLogger())

	_, err := k.RefreshSession(context.Background())
	close(release)
	if err == nil {
		t.Fatal("expected wait timeout error")
	}
	if ClassifyError(err) != KindTimeout {
		t.Errorf("ClassifyError = %v, want timeout", ClassifyError(err))
	}
}

func TestRefreshSessionFailureKeepsOldSession(t *testing.T) {
	remote := newFakeRemote()
	remote.onRefresh = func() (*Session, error) { return nil, ErrAuthExpired }

	cfg := SessionConfig{RefreshTimeout: time.Second, WaitTimeout: time.Second}
	k := NewSessionKeeper(cfg, remote, nil, testLogger())
	stale := &Session{AccessToken: "stale", UserID: "user-1", ExpiresAt: time.Now().Add(-time.Minute)}
	k.SetSession(stale)

	_, err := k.RefreshSession(context.Background())
	if !errors.Is(err, ErrAuthExpired) {
		t.Fatalf("err = %v, want ErrAuthExpired", err)
	}
	if k.Current() != stale {
		t.Error("failed refresh should not clear the cached session")
	}
}

func TestRefreshSessionUpdatesStoreUser(t *testing.T) {
	remote := newFakeRemote()
	remote.session = &Session{AccessToken: "tok", UserID: "user-1", ExpiresAt: time.Now().Add(time.Hour)}

	store := newTestStore()
	cfg := SessionConfig{RefreshTimeout: time.Second, WaitTimeout: time.Second}
	k := NewSessionKeeper(cfg, remote, store, testLogger())

	if _, err := k.RefreshSession(context.Background()); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	snap := store.Snapshot()
	if snap.User == nil || snap.User.ID != "user-1" {
		t.Errorf("store user = %+v, want user-1", snap.User)
	}
}

func TestRefreshSessionContextCancel(t *testing.T) {
	remote := newFakeRemote()
	release := make(chan struct{})
	remote.onRefresh = func() (*Session, error) {
		<-release
		return nil, nil
	}
	cfg := SessionConfig{RefreshTimeout: time.Minute, WaitTimeout: time.Minute}
	k := NewSessionKeeper(cfg, remote, nil, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := k.RefreshSession(ctx)
		done <- err
	}()
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("err = %v, want context.Canceled", err)
		}
	case <-time.After(time.Second):
		t.Fatal("caller did not return on context cancel")
	}
	close(release)
}
