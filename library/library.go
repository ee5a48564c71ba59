// Package library keeps the persistent reading state: one record per book
// keyed by content fingerprint, with its resume position, progress and
// bookmarks. Two backends implement the same Store contract, a
// human-editable JSON file and an SQLite database.
package library

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"sort"
	"time"

	"github.com/maruel/natural"
	"go.uber.org/zap"

	"github.com/wustho/epy/ebook"
)

// Entry is the library record of a single book.
type Entry struct {
	Key      string         `json:"key"`
	Path     string         `json:"path"`
	Title    string         `json:"title,omitempty"`
	Author   string         `json:"author,omitempty"`
	Position ebook.Position `json:"position"`
	Percent  float64        `json:"percent"`
	LastRead time.Time      `json:"last_read"`
}

// Bookmark is a named position inside a book.
type Bookmark struct {
	ID       string         `json:"id"`
	Name     string         `json:"name"`
	Position ebook.Position `json:"position"`
	Created  time.Time      `json:"created"`
}

// BookmarkID derives a stable bookmark identifier from the book key and
// the bookmark name, so re-adding the same name overwrites rather than
// duplicates.
func BookmarkID(key, name string) string {
	h := sha1.Sum([]byte(key + "\x00" + name))
	return hex.EncodeToString(h[:])[:10]
}

// Store is the persistence contract. Mutations are durable when the call
// returns; the reader records progress through this interface
// synchronously with navigation.
type Store interface {
	Get(key string) (Entry, bool, error)
	Put(e Entry) error
	Delete(key string) error

	// Recent returns entries most recently read first. limit <= 0 means all.
	Recent(limit int) ([]Entry, error)

	Bookmarks(key string) ([]Bookmark, error)
	AddBookmark(key string, bm Bookmark) error
	RemoveBookmark(key, id string) error

	Close() error
}

// PersistenceError wraps backend failures; the reader surfaces it without
// crashing so an unwritable state directory degrades to a session-only
// reader.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string { return "library: " + e.Op + ": " + e.Err.Error() }
func (e *PersistenceError) Unwrap() error { return e.Err }

// Backend names accepted by Open.
const (
	BackendJSON   = "json"
	BackendSQLite = "sqlite"
)

// Open creates the store behind path using the named backend.
func Open(backend, path string, log *zap.Logger) (Store, error) {
	switch backend {
	case "", BackendJSON:
		return OpenJSON(path, log)
	case BackendSQLite:
		return OpenSQLite(path, log)
	default:
		return nil, &PersistenceError{Op: "open", Err: fmt.Errorf("unknown backend %q", backend)}
	}
}

func sortRecent(entries []Entry) {
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].LastRead.After(entries[j].LastRead)
	})
}

func sortBookmarks(bms []Bookmark) {
	sort.SliceStable(bms, func(i, j int) bool {
		return natural.Less(bms[i].Name, bms[j].Name)
	})
}
