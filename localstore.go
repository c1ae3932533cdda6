package hearthsync

import (
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang/snappy"

	// SQLite driver using pure Go implementation
	_ "modernc.org/sqlite"
)

// Persisted local state keys. The durable write queue and the whitelisted
// state-store fields live under these keys.
const (
	KeyTheme             = "theme"
	KeyLanguage          = "language"
	KeyQueue             = "queue"
	KeyUser              = "user"
	KeyHousehold         = "household"
	KeyNotificationPrefs = "notification_prefs"
	KeySortPreferences   = "sort_preferences"

	keySealSalt = "seal_salt"
)

// sealedKeys are encrypted at rest when a storage passphrase is configured.
var sealedKeys = map[string]bool{
	KeyUser:      true,
	KeyHousehold: true,
}

// LocalStore is durable local key-value storage. Implementations must make a
// completed Set visible to a later Get across process restarts.
type LocalStore interface {
	Get(key string) ([]byte, bool, error)
	Set(key string, value []byte) error
	Delete(key string) error
	Close() error
}

// SQLiteStore implements LocalStore on a local SQLite file, with optional
// snappy compression of values and AES-GCM sealing of sensitive keys.
type SQLiteStore struct {
	db     *sql.DB
	cfg    StorageConfig
	sealer *Sealer
	mu     sync.Mutex
	closed bool
}

// NewSQLiteStore opens (or creates) the local database at cfg.Path.
func NewSQLiteStore(cfg StorageConfig) (*SQLiteStore, error) {
	if cfg.Path == "" {
		cfg.Path = "hearthsync.db"
	}

	dsn := fmt.Sprintf("%s?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000", cfg.Path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open local store: %w", err)
	}
	db.SetMaxOpenConns(1)

	schema := `
		CREATE TABLE IF NOT EXISTS kv (
			key TEXT PRIMARY KEY,
			value BLOB NOT NULL,
			compressed INTEGER NOT NULL DEFAULT 0,
			sealed INTEGER NOT NULL DEFAULT 0,
			updated_at INTEGER NOT NULL
		);
	`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init local store schema: %w", err)
	}

	s := &SQLiteStore{db: db, cfg: cfg}

	if cfg.Passphrase != "" {
		salt, ok, err := s.getRaw(keySealSalt)
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("load seal salt: %w", err)
		}
		if !ok {
			salt = nil
		}
		sealer, err := NewSealer(cfg.Passphrase, salt)
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("init sealer: %w", err)
		}
		if !ok {
			if err := s.setRaw(keySealSalt, sealer.Salt(), false, false); err != nil {
				db.Close()
				return nil, fmt.Errorf("persist seal salt: %w", err)
			}
		}
		s.sealer = sealer
	}

	return s, nil
}

func (s *SQLiteStore) getRaw(key string) ([]byte, bool, error) {
	var value []byte
	var compressed, sealed int
	err := s.db.QueryRow(
		`SELECT value, compressed, sealed FROM kv WHERE key = ?`, key,
	).Scan(&value, &compressed, &sealed)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	if sealed == 1 {
		if s.sealer == nil {
			return nil, false, fmt.Errorf("key %s is sealed but no passphrase configured", key)
		}
		value, err = s.sealer.Open(value)
		if err != nil {
			return nil, false, fmt.Errorf("unseal %s: %w", key, err)
		}
	}
	if compressed == 1 {
		value, err = snappy.Decode(nil, value)
		if err != nil {
			return nil, false, fmt.Errorf("decompress %s: %w", key, err)
		}
	}
	return value, true, nil
}

func (s *SQLiteStore) setRaw(key string, value []byte, compress, seal bool) error {
	var err error
	if compress {
		value = snappy.Encode(nil, value)
	}
	if seal {
		value, err = s.sealer.Seal(value)
		if err != nil {
			return fmt.Errorf("seal %s: %w", key, err)
		}
	}
	_, err = s.db.Exec(
		`INSERT INTO kv (key, value, compressed, sealed, updated_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET
			value = excluded.value,
			compressed = excluded.compressed,
			sealed = excluded.sealed,
			updated_at = excluded.updated_at`,
		key, value, boolInt(compress), boolInt(seal), time.Now().UnixMilli(),
	)
	return err
}

// Get returns the value stored under key, decompressed and unsealed.
func (s *SQLiteStore) Get(key string) ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, false, ErrClosed
	}
	return s.getRaw(key)
}

// Set durably stores value under key.
func (s *SQLiteStore) Set(key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	seal := s.sealer != nil && sealedKeys[key]
	return s.setRaw(key, value, s.cfg.Compress, seal)
}

// Delete removes key. Deleting a missing key is not an error.
func (s *SQLiteStore) Delete(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	_, err := s.db.Exec(`DELETE FROM kv WHERE key = ?`, key)
	return err
}

// Close releases the underlying database handle.
func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// MemStore is an in-memory LocalStore for tests and ephemeral use.
type MemStore struct {
	mu     sync.RWMutex
	values map[string][]byte
}

// NewMemStore creates an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{values: make(map[string][]byte)}
}

// Get returns the value stored under key.
func (m *MemStore) Get(key string) ([]byte, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.values[key]
	if !ok {
		return nil, false, nil
	}
	cp := make([]byte, len(v))
	copy(cp, v)
	return cp, true, nil
}

// Set stores value under key.
func (m *MemStore) Set(key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := make([]byte, len(value))
	copy(cp, value)
	m.values[key] = cp
	return nil
}

// Delete removes key.
func (m *MemStore) Delete(key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.values, key)
	return nil
}

// Close is a no-op.
func (m *MemStore) Close() error { return nil }
