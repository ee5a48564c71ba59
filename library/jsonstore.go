package library

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"
)

const jsonSchemaVersion = 1

type jsonFile struct {
	Version   int                   `json:"version"`
	Entries   map[string]Entry      `json:"entries"`
	Bookmarks map[string][]Bookmark `json:"bookmarks,omitempty"`
}

// jsonStore keeps the whole library in memory and rewrites the file
// atomically on every mutation. The file stays trivially editable by hand.
type jsonStore struct {
	path string
	log  *zap.Logger
	data jsonFile
}

// OpenJSON loads (or initializes) a JSON-file library. Invalid individual
// records are dropped with a warning, an unreadable file is an error the
// caller decides how to survive.
func OpenJSON(path string, log *zap.Logger) (Store, error) {
	s := &jsonStore{
		path: path,
		log:  log,
		data: jsonFile{Version: jsonSchemaVersion, Entries: map[string]Entry{}, Bookmarks: map[string][]Bookmark{}},
	}
	raw, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		return s, nil
	case err != nil:
		return nil, &PersistenceError{Op: "read", Err: err}
	}
	var f jsonFile
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil, &PersistenceError{Op: "decode", Err: err}
	}
	if f.Version > jsonSchemaVersion {
		// written by a newer epy; treat it as absent so the reader still
		// opens, at the cost of starting with an empty library
		log.Warn("library file version is newer than supported, starting empty",
			zap.Int("found", f.Version), zap.Int("supported", jsonSchemaVersion))
		return s, nil
	}
	for key, e := range f.Entries {
		if e.Key == "" || e.Path == "" || e.Key != key {
			log.Warn("dropping malformed library record", zap.String("key", key))
			delete(f.Entries, key)
			delete(f.Bookmarks, key)
		}
	}
	if f.Entries == nil {
		f.Entries = map[string]Entry{}
	}
	if f.Bookmarks == nil {
		f.Bookmarks = map[string][]Bookmark{}
	}
	f.Version = jsonSchemaVersion
	s.data = f
	return s, nil
}

// save writes through a sibling temp file and renames it into place, so a
// crash mid-write never leaves a truncated library behind.
func (s *jsonStore) save() error {
	raw, err := json.MarshalIndent(&s.data, "", "  ")
	if err != nil {
		return &PersistenceError{Op: "encode", Err: err}
	}
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return &PersistenceError{Op: "write", Err: err}
	}
	tmp, err := os.CreateTemp(dir, ".library-*.json")
	if err != nil {
		return &PersistenceError{Op: "write", Err: err}
	}
	name := tmp.Name()
	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		os.Remove(name)
		return &PersistenceError{Op: "write", Err: err}
	}
	if err := tmp.Close(); err != nil {
		os.Remove(name)
		return &PersistenceError{Op: "write", Err: err}
	}
	if err := os.Rename(name, s.path); err != nil {
		os.Remove(name)
		return &PersistenceError{Op: "write", Err: err}
	}
	return nil
}

func (s *jsonStore) Get(key string) (Entry, bool, error) {
	e, ok := s.data.Entries[key]
	return e, ok, nil
}

func (s *jsonStore) Put(e Entry) error {
	if e.Key == "" {
		return &PersistenceError{Op: "put", Err: fmt.Errorf("entry has no key")}
	}
	s.data.Entries[e.Key] = e
	return s.save()
}

func (s *jsonStore) Delete(key string) error {
	delete(s.data.Entries, key)
	delete(s.data.Bookmarks, key)
	return s.save()
}

func (s *jsonStore) Recent(limit int) ([]Entry, error) {
	entries := make([]Entry, 0, len(s.data.Entries))
	for _, e := range s.data.Entries {
		entries = append(entries, e)
	}
	sortRecent(entries)
	if limit > 0 && len(entries) > limit {
		entries = entries[:limit]
	}
	return entries, nil
}

func (s *jsonStore) Bookmarks(key string) ([]Bookmark, error) {
	bms := append([]Bookmark(nil), s.data.Bookmarks[key]...)
	sortBookmarks(bms)
	return bms, nil
}

func (s *jsonStore) AddBookmark(key string, bm Bookmark) error {
	if bm.ID == "" {
		bm.ID = BookmarkID(key, bm.Name)
	}
	bms := s.data.Bookmarks[key]
	replaced := false
	for i := range bms {
		if bms[i].ID == bm.ID {
			bms[i] = bm
			replaced = true
			break
		}
	}
	if !replaced {
		bms = append(bms, bm)
	}
	s.data.Bookmarks[key] = bms
	return s.save()
}

func (s *jsonStore) RemoveBookmark(key, id string) error {
	bms := s.data.Bookmarks[key]
	for i := range bms {
		if bms[i].ID == id {
			s.data.Bookmarks[key] = append(bms[:i], bms[i+1:]...)
			return s.save()
		}
	}
	return nil
}

func (s *jsonStore) Close() error { return nil }
