package hearthsync

import (
	"bytes"
	"path/filepath"
	"testing"
)

func openTestStore(t *testing.T, cfg StorageConfig) *SQLiteStore {
	t.Helper()
	if cfg.Path == "" {
		cfg.Path = filepath.Join(t.TempDir(), "test.db")
	}
	s, err := NewSQLiteStore(cfg)
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSQLiteStoreRoundTrip(t *testing.T) {
	s := openTestStore(t, StorageConfig{Compress: true})

	if _, ok, err := s.Get("missing"); err != nil || ok {
		t.Errorf("Get(missing) = ok=%v err=%v, want absent", ok, err)
	}

	value := []byte(`{"theme":"dark"}`)
	if err := s.Set(KeyTheme, value); err != nil {
		t.Fatalf("Set: %v", err)
	}
	got, ok, err := s.Get(KeyTheme)
	if err != nil || !ok || !bytes.Equal(got, value) {
		t.Errorf("Get = %q ok=%v err=%v, want %q", got, ok, err, value)
	}

	// Overwrite.
	if err := s.Set(KeyTheme, []byte(`"light"`)); err != nil {
		t.Fatalf("Set overwrite: %v", err)
	}
	got, _, _ = s.Get(KeyTheme)
	if string(got) != `"light"` {
		t.Errorf("overwrite: got %q", got)
	}

	if err := s.Delete(KeyTheme); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, ok, _ := s.Get(KeyTheme); ok {
		t.Error("value survived delete")
	}
	if err := s.Delete(KeyTheme); err != nil {
		t.Errorf("deleting a missing key errored: %v", err)
	}
}

func TestSQLiteStoreSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "persist.db")
	s := openTestStore(t, StorageConfig{Path: path, Compress: true})
	if err := s.Set(KeyQueue, []byte(`[{"id":"op-1"}]`)); err != nil {
		t.Fatalf("Set: %v", err)
	}
	s.Close()

	reborn := openTestStore(t, StorageConfig{Path: path, Compress: true})
	got, ok, err := reborn.Get(KeyQueue)
	if err != nil || !ok {
		t.Fatalf("Get after reopen: ok=%v err=%v", ok, err)
	}
	if string(got) != `[{"id":"op-1"}]` {
		t.Errorf("got %q after reopen", got)
	}
}

func TestSQLiteStoreSealsSensitiveKeys(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sealed.db")
	s := openTestStore(t, StorageConfig{Path: path, Passphrase: "hunter2"})

	secret := []byte(`{"id":"user-1","email":"a@b.c"}`)
	if err := s.Set(KeyUser, secret); err != nil {
		t.Fatalf("Set: %v", err)
	}

	got, ok, err := s.Get(KeyUser)
	if err != nil || !ok || !bytes.Equal(got, secret) {
		t.Errorf("Get = %q ok=%v err=%v, want the unsealed secret", got, ok, err)
	}

	// The salt persists, so the same passphrase unseals after reopen.
	s.Close()
	reborn := openTestStore(t, StorageConfig{Path: path, Passphrase: "hunter2"})
	got, ok, err = reborn.Get(KeyUser)
	if err != nil || !ok || !bytes.Equal(got, secret) {
		t.Errorf("Get after reopen = %q ok=%v err=%v", got, ok, err)
	}
	reborn.Close()

	// Without the passphrase the sealed value is unreadable.
	naked := openTestStore(t, StorageConfig{Path: path})
	if _, _, err := naked.Get(KeyUser); err == nil {
		t.Error("sealed value readable without the passphrase")
	}
}

func TestSQLiteStoreClosedErrors(t *testing.T) {
	s := openTestStore(t, StorageConfig{})
	s.Close()
	if err := s.Set("k", []byte("v")); err != ErrClosed {
		t.Errorf("Set after close = %v, want ErrClosed", err)
	}
	if _, _, err := s.Get("k"); err != ErrClosed {
		t.Errorf("Get after close = %v, want ErrClosed", err)
	}
	if err := s.Close(); err != nil {
		t.Errorf("double close = %v, want nil", err)
	}
}

func TestMemStoreIsolation(t *testing.T) {
	m := NewMemStore()
	value := []byte("abc")
	m.Set("k", value)
	value[0] = 'z'

	got, ok, _ := m.Get("k")
	if !ok || string(got) != "abc" {
		t.Errorf("Get = %q, caller mutation leaked in", got)
	}
	got[0] = 'z'
	again, _, _ := m.Get("k")
	if string(again) != "abc" {
		t.Error("returned slice aliases stored value")
	}
}
