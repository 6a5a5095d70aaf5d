package cache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	_ "github.com/glebarez/go-sqlite"
	"github.com/google/uuid"
)

// Provider stores named caches of []byte values, which represent HTTP responses.
// Several named caches (cache generations) coexist in one provider.
//
// Implementations must be thread-safe!
type Provider interface {
	// Names returns the names of all existing caches, in creation order.
	Names(ctx context.Context) ([]string, error)
	// Create creates the named cache if it does not exist yet.
	Create(ctx context.Context, name string) error
	// Has checks if the named cache exists.
	Has(ctx context.Context, name string) (bool, error)
	// Drop removes the named cache and all of its entries.
	// It reports whether the cache existed.
	Drop(ctx context.Context, name string) (bool, error)
	// Get returns the entry stored under key in the named cache, if it exists.
	// A missing cache is not an error, the entry is just absent.
	Get(ctx context.Context, name, key string) (CacheEntry, bool, error)
	// Put stores all entries in the named cache, creating it if needed.
	// Existing entries with the same key are overwritten.
	// Either all entries are stored or none.
	Put(ctx context.Context, name string, entries ...CacheEntry) error
	// Purge removes a single entry and reports whether it existed.
	Purge(ctx context.Context, name, key string) (bool, error)
	// Keys returns the keys in the named cache, in insertion order.
	Keys(ctx context.Context, name string) ([]string, error)
}

type CacheEntry struct {
	Key      string
	StoredAt time.Time
	Bytes    []byte
}

type memCache struct {
	created int
	seq     int
	entries map[string]memCacheEntry
}

type memCacheEntry struct {
	seq   int
	entry CacheEntry
}

// MemProvider keeps caches in memory. The zero value is not usable, use NewMemProvider.
type MemProvider struct {
	mutex   *sync.RWMutex
	caches  map[string]*memCache
	created *int
}

func NewMemProvider() MemProvider {
	return MemProvider{
		mutex:   &sync.RWMutex{},
		caches:  make(map[string]*memCache),
		created: new(int),
	}
}

func (m MemProvider) Names(ctx context.Context) ([]string, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	names := make([]string, 0, len(m.caches))
	for name := range m.caches {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool {
		return m.caches[names[i]].created < m.caches[names[j]].created
	})
	return names, nil
}

func (m MemProvider) Create(ctx context.Context, name string) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.create(name)
	return nil
}

// create must be called with the write lock held.
func (m MemProvider) create(name string) *memCache {
	if c, ok := m.caches[name]; ok {
		return c
	}
	*m.created++
	c := &memCache{created: *m.created, entries: make(map[string]memCacheEntry)}
	m.caches[name] = c
	return c
}

func (m MemProvider) Has(ctx context.Context, name string) (bool, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	_, ok := m.caches[name]
	return ok, nil
}

func (m MemProvider) Drop(ctx context.Context, name string) (bool, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	_, ok := m.caches[name]
	delete(m.caches, name)
	return ok, nil
}

func (m MemProvider) Get(ctx context.Context, name, key string) (CacheEntry, bool, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	c, ok := m.caches[name]
	if !ok {
		return CacheEntry{}, false, nil
	}
	e, ok := c.entries[key]
	return e.entry, ok, nil
}

func (m MemProvider) Put(ctx context.Context, name string, entries ...CacheEntry) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	c := m.create(name)
	for _, e := range entries {
		c.seq++
		c.entries[e.Key] = memCacheEntry{seq: c.seq, entry: e}
	}
	return nil
}

func (m MemProvider) Purge(ctx context.Context, name, key string) (bool, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	c, ok := m.caches[name]
	if !ok {
		return false, nil
	}
	_, ok = c.entries[key]
	delete(c.entries, key)
	return ok, nil
}

func (m MemProvider) Keys(ctx context.Context, name string) ([]string, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	c, ok := m.caches[name]
	if !ok {
		return nil, nil
	}
	keys := make([]string, 0, len(c.entries))
	for key := range c.entries {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool {
		return c.entries[keys[i]].seq < c.entries[keys[j]].seq
	})
	return keys, nil
}

type SQLiteProvider struct {
	db         *sql.DB
	writeMutex *sync.Mutex
}

// NewSQLiteProvider opens a provider with the given filename as the db.
// If file name is empty, a new in-memory db is opened. It is private to the provider
// and shared by the connections of its pool.
func NewSQLiteProvider(filename string) (SQLiteProvider, error) {
	if filename == "" {
		filename = fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	}
	db, err := sql.Open("sqlite", filename)
	if err != nil {
		return SQLiteProvider{}, err
	}
	for _, stmt := range []string{
		`CREATE TABLE IF NOT EXISTS caches (
			name TEXT PRIMARY KEY,
			created_at INTEGER
		)`,
		`CREATE TABLE IF NOT EXISTS entries (
			cache TEXT NOT NULL,
			key TEXT NOT NULL,
			stored_at INTEGER,
			bytes BLOB,
			PRIMARY KEY (cache, key)
		)`,
		"PRAGMA journal_mode=WAL",
	} {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return SQLiteProvider{}, fmt.Errorf("init sqlite cache: %w", err)
		}
	}
	return SQLiteProvider{
		db:         db,
		writeMutex: &sync.Mutex{},
	}, nil
}

func (s SQLiteProvider) Close() error {
	return s.db.Close()
}

func (s SQLiteProvider) Names(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT name FROM caches ORDER BY rowid")
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	names := make([]string, 0)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return names, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

func (s SQLiteProvider) Create(ctx context.Context, name string) error {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	_, err := s.db.ExecContext(ctx,
		"INSERT OR IGNORE INTO caches (name, created_at) VALUES (?, ?)", name, time.Now().Unix())
	return err
}

func (s SQLiteProvider) Has(ctx context.Context, name string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, "SELECT 1 FROM caches WHERE name = ?", name).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return err == nil, err
}

func (s SQLiteProvider) Drop(ctx context.Context, name string) (bool, error) {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, "DELETE FROM entries WHERE cache = ?", name); err != nil {
		return false, err
	}
	result, err := tx.ExecContext(ctx, "DELETE FROM caches WHERE name = ?", name)
	if err != nil {
		return false, err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows > 0, tx.Commit()
}

func (s SQLiteProvider) Get(ctx context.Context, name, key string) (CacheEntry, bool, error) {
	entry := CacheEntry{Key: key}
	var storedAt int64
	err := s.db.QueryRowContext(ctx,
		"SELECT stored_at, bytes FROM entries WHERE cache = ? AND key = ?", name, key,
	).Scan(&storedAt, &entry.Bytes)
	if errors.Is(err, sql.ErrNoRows) {
		return CacheEntry{}, false, nil
	}
	if err != nil {
		return CacheEntry{}, false, err
	}
	entry.StoredAt = time.Unix(storedAt, 0)
	return entry, true, nil
}

func (s SQLiteProvider) Put(ctx context.Context, name string, entries ...CacheEntry) error {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx,
		"INSERT OR IGNORE INTO caches (name, created_at) VALUES (?, ?)", name, time.Now().Unix()); err != nil {
		return err
	}
	for _, e := range entries {
		if _, err := tx.ExecContext(ctx,
			"INSERT OR REPLACE INTO entries (cache, key, stored_at, bytes) VALUES (?, ?, ?, ?)",
			name, e.Key, e.StoredAt.Unix(), e.Bytes); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s SQLiteProvider) Purge(ctx context.Context, name, key string) (bool, error) {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	result, err := s.db.ExecContext(ctx, "DELETE FROM entries WHERE cache = ? AND key = ?", name, key)
	if err != nil {
		return false, err
	}
	rows, err := result.RowsAffected()
	return rows > 0, err
}

func (s SQLiteProvider) Keys(ctx context.Context, name string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT key FROM entries WHERE cache = ? ORDER BY rowid", name)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	keys := make([]string, 0)
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return keys, err
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}
