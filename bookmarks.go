package boltdriver

import "sync"

// Bookmarks is an unordered set of opaque server-assigned tokens, each
// encoding "has observed up to this transaction". Unioning sets is the
// only combinator.
type Bookmarks []string

// BookmarksFromStrings builds a bookmark set, dropping empties and
// duplicates.
func BookmarksFromStrings(values ...string) Bookmarks {
	seen := make(map[string]struct{}, len(values))
	out := make(Bookmarks, 0, len(values))
	for _, v := range values {
		if v == "" {
			continue
		}
		if _, dup := seen[v]; dup {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}

// Union combines two bookmark sets.
func (b Bookmarks) Union(other Bookmarks) Bookmarks {
	return BookmarksFromStrings(append(append([]string{}, b...), other...)...)
}

// BookmarkManager tracks bookmarks across sessions targeting the same
// database, giving ExecuteQuery causal consistency without the caller
// threading bookmarks by hand.
type BookmarkManager interface {
	// GetBookmarks returns the bookmarks new work must observe.
	GetBookmarks() Bookmarks
	// UpdateBookmarks replaces previous with the new bookmarks a finished
	// transaction produced.
	UpdateBookmarks(previous, new Bookmarks)
}

type inMemoryBookmarkManager struct {
	mu        sync.Mutex
	bookmarks map[string]struct{}
}

// NewBookmarkManager returns the default in-memory manager, seeded with
// initial.
func NewBookmarkManager(initial Bookmarks) BookmarkManager {
	m := &inMemoryBookmarkManager{bookmarks: map[string]struct{}{}}
	for _, b := range initial {
		m.bookmarks[b] = struct{}{}
	}
	return m
}

func (m *inMemoryBookmarkManager) GetBookmarks() Bookmarks {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(Bookmarks, 0, len(m.bookmarks))
	for b := range m.bookmarks {
		out = append(out, b)
	}
	return out
}

func (m *inMemoryBookmarkManager) UpdateBookmarks(previous, new Bookmarks) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, b := range previous {
		delete(m.bookmarks, b)
	}
	for _, b := range new {
		if b != "" {
			m.bookmarks[b] = struct{}{}
		}
	}
}
