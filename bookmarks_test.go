package boltdriver

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBookmarksFromStringsDedupes(t *testing.T) {
	b := BookmarksFromStrings("a", "", "b", "a")
	assert.ElementsMatch(t, Bookmarks{"a", "b"}, b)
}

func TestBookmarksUnion(t *testing.T) {
	u := BookmarksFromStrings("a", "b").Union(BookmarksFromStrings("b", "c"))
	assert.ElementsMatch(t, Bookmarks{"a", "b", "c"}, u)
}

func TestBookmarkManagerReplacesSupersededBookmarks(t *testing.T) {
	m := NewBookmarkManager(BookmarksFromStrings("a", "b"))
	m.UpdateBookmarks(BookmarksFromStrings("a"), BookmarksFromStrings("c"))
	assert.ElementsMatch(t, Bookmarks{"b", "c"}, m.GetBookmarks())

	m.UpdateBookmarks(nil, BookmarksFromStrings("c")) // no-op re-add
	assert.ElementsMatch(t, Bookmarks{"b", "c"}, m.GetBookmarks())
}
