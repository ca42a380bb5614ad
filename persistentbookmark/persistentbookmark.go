// Package persistentbookmark provides a BookmarkManager backed by a
// Badger key-value store, for embedders whose causal-consistency
// bookmarks must survive process restarts. Each bookmark is one key; a
// finished transaction's update deletes the bookmarks it superseded.
package persistentbookmark

import (
	"fmt"

	badger "github.com/dgraph-io/badger/v4"

	boltdriver "github.com/nornax/bolt-driver"
	"github.com/nornax/bolt-driver/internal/driverlog"
)

const keyPrefix = "bookmark/"

// Manager is a boltdriver.BookmarkManager persisting to disk.
type Manager struct {
	db  *badger.DB
	log driverlog.Logger
}

// Open creates or reopens the store under dir.
func Open(dir string) (*Manager, error) {
	opts := badger.DefaultOptions(dir).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("opening bookmark store: %w", err)
	}
	return &Manager{db: db, log: driverlog.Default("bookmarks")}, nil
}

// GetBookmarks returns every persisted bookmark.
func (m *Manager) GetBookmarks() boltdriver.Bookmarks {
	var out boltdriver.Bookmarks
	err := m.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{Prefix: []byte(keyPrefix)})
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			key := it.Item().Key()
			out = append(out, string(key[len(keyPrefix):]))
		}
		return nil
	})
	if err != nil {
		m.log.Error(err, "reading bookmarks")
	}
	return out
}

// UpdateBookmarks deletes previous and persists new atomically.
func (m *Manager) UpdateBookmarks(previous, new boltdriver.Bookmarks) {
	err := m.db.Update(func(txn *badger.Txn) error {
		for _, b := range previous {
			if err := txn.Delete([]byte(keyPrefix + b)); err != nil {
				return err
			}
		}
		for _, b := range new {
			if b == "" {
				continue
			}
			if err := txn.Set([]byte(keyPrefix+b), nil); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		m.log.Error(err, "persisting bookmarks")
	}
}

// Close flushes and closes the store.
func (m *Manager) Close() error {
	return m.db.Close()
}

var _ boltdriver.BookmarkManager = (*Manager)(nil)
