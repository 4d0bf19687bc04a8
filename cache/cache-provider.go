package cache

import (
	"database/sql"
	"sync"
	"time"

	_ "github.com/glebarez/go-sqlite"
)

// Storage is a partition-keyed store for serialized HTTP responses.
// Partitions are identified by name; a partition springs into existence
// (empty) the first time it is opened and disappears only when deleted
// by name. Entries within a partition are []byte values representing
// HTTP responses, keyed by request identity.
//
// Implementations must be thread-safe!
type Storage interface {
	// Open returns the partition with the given name, creating it empty
	// if it does not exist yet. Opening is idempotent.
	Open(name string) (Partition, error)
	// Names returns the names of all partitions ever opened and not yet
	// deleted, including empty ones.
	Names() ([]string, error)
	// Delete removes the named partition and all of its entries.
	// Deleting a partition that does not exist is not an error.
	Delete(name string) error
}

// Partition is a single named key-value mapping within a Storage.
type Partition interface {
	// Name returns the partition name.
	Name() string
	// Match returns the stored bytes for the given key, if present.
	// The boolean indicates whether the key was found.
	Match(key string) ([]byte, bool, error)
	// Put stores the given bytes under the given key, overwriting any
	// previous value for that key.
	Put(key string, bytes []byte) error
	// Keys returns all keys currently stored in the partition.
	Keys() ([]string, error)
}

type SQLiteStorage struct {
	db         *sql.DB
	writeMutex *sync.Mutex
}

// NewSQLiteStorage creates a new storage with the given filename as the db.
// If the file name is empty, a new in-memory db is opened.
func NewSQLiteStorage(filename string) SQLiteStorage {
	if filename == "" {
		filename = "file::memory:?cache=shared"
	}
	db, err := sql.Open("sqlite", filename)
	if err != nil {
		panic(err)
	}
	_, err = db.Exec(`CREATE TABLE IF NOT EXISTS partitions (
		name TEXT PRIMARY KEY,
		created_at INTEGER
	)`)
	if err != nil {
		panic(err)
	}
	_, err = db.Exec(`CREATE TABLE IF NOT EXISTS entries (
		partition TEXT,
		key TEXT,
		stored_at INTEGER,
		bytes BLOB,
		PRIMARY KEY (partition, key)
	)`)
	if err != nil {
		panic(err)
	}
	_, err = db.Exec("CREATE INDEX IF NOT EXISTS partition_idx ON entries (partition)")
	if err != nil {
		panic(err)
	}
	_, err = db.Exec("PRAGMA journal_mode=WAL")
	if err != nil {
		panic(err)
	}
	return SQLiteStorage{
		db:         db,
		writeMutex: &sync.Mutex{},
	}
}

func (s SQLiteStorage) Open(name string) (Partition, error) {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	_, err := s.db.Exec("INSERT OR IGNORE INTO partitions (name, created_at) VALUES (?, ?)",
		name, time.Now().Unix())
	if err != nil {
		return nil, err
	}
	return sqlitePartition{storage: s, name: name}, nil
}

func (s SQLiteStorage) Names() ([]string, error) {
	names := make([]string, 0)
	rows, err := s.db.Query("SELECT name FROM partitions")
	if err != nil {
		return names, err
	}
	defer rows.Close()
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return names, err
		}
		names = append(names, name)
	}
	return names, nil
}

func (s SQLiteStorage) Delete(name string) error {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	if _, err := s.db.Exec("DELETE FROM entries WHERE partition = ?", name); err != nil {
		return err
	}
	_, err := s.db.Exec("DELETE FROM partitions WHERE name = ?", name)
	return err
}

type sqlitePartition struct {
	storage SQLiteStorage
	name    string
}

func (p sqlitePartition) Name() string {
	return p.name
}

func (p sqlitePartition) Match(key string) ([]byte, bool, error) {
	var bytes []byte
	err := p.storage.db.QueryRow(
		"SELECT bytes FROM entries WHERE partition = ? AND key = ?",
		p.name, key,
	).Scan(&bytes)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return bytes, true, nil
}

func (p sqlitePartition) Put(key string, bytes []byte) error {
	p.storage.writeMutex.Lock()
	defer p.storage.writeMutex.Unlock()
	_, err := p.storage.db.Exec(`INSERT OR REPLACE INTO entries
		(partition, key, stored_at, bytes) VALUES (?, ?, ?, ?)`,
		p.name, key, time.Now().Unix(), bytes)
	return err
}

func (p sqlitePartition) Keys() ([]string, error) {
	keys := make([]string, 0)
	rows, err := p.storage.db.Query("SELECT key FROM entries WHERE partition = ?", p.name)
	if err != nil {
		return keys, err
	}
	defer rows.Close()
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return keys, err
		}
		keys = append(keys, key)
	}
	return keys, nil
}

type MemoryStorage struct {
	mutex      *sync.RWMutex
	partitions map[string]map[string][]byte
}

func NewMemoryStorage() MemoryStorage {
	return MemoryStorage{
		mutex:      &sync.RWMutex{},
		partitions: make(map[string]map[string][]byte),
	}
}

func (m MemoryStorage) Open(name string) (Partition, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if _, ok := m.partitions[name]; !ok {
		m.partitions[name] = make(map[string][]byte)
	}
	return memoryPartition{storage: m, name: name}, nil
}

func (m MemoryStorage) Names() ([]string, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	names := make([]string, 0, len(m.partitions))
	for name := range m.partitions {
		names = append(names, name)
	}
	return names, nil
}

func (m MemoryStorage) Delete(name string) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	delete(m.partitions, name)
	return nil
}

type memoryPartition struct {
	storage MemoryStorage
	name    string
}

func (p memoryPartition) Name() string {
	return p.name
}

func (p memoryPartition) Match(key string) ([]byte, bool, error) {
	p.storage.mutex.RLock()
	defer p.storage.mutex.RUnlock()
	entries, ok := p.storage.partitions[p.name]
	if !ok {
		return nil, false, nil
	}
	bytes, ok := entries[key]
	if !ok {
		return nil, false, nil
	}
	return bytes, true, nil
}

func (p memoryPartition) Put(key string, bytes []byte) error {
	p.storage.mutex.Lock()
	defer p.storage.mutex.Unlock()
	entries, ok := p.storage.partitions[p.name]
	if !ok {
		// partition deleted from under us, e.g. by activation of a
		// newer version; last writer wins, so recreate it
		entries = make(map[string][]byte)
		p.storage.partitions[p.name] = entries
	}
	entries[key] = bytes
	return nil
}

func (p memoryPartition) Keys() ([]string, error) {
	p.storage.mutex.RLock()
	defer p.storage.mutex.RUnlock()
	entries := p.storage.partitions[p.name]
	keys := make([]string, 0, len(entries))
	for key := range entries {
		keys = append(keys, key)
	}
	return keys, nil
}
