package library

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/wustho/epy/ebook"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS library (
	key       TEXT PRIMARY KEY,
	path      TEXT NOT NULL,
	title     TEXT,
	author    TEXT,
	chapter   INTEGER NOT NULL,
	block     INTEGER NOT NULL,
	offset    INTEGER NOT NULL,
	percent   REAL NOT NULL,
	last_read INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS bookmarks (
	id      TEXT PRIMARY KEY,
	key     TEXT NOT NULL REFERENCES library(key) ON DELETE CASCADE,
	name    TEXT NOT NULL,
	chapter INTEGER NOT NULL,
	block   INTEGER NOT NULL,
	offset  INTEGER NOT NULL,
	created INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS bookmarks_key ON bookmarks(key);
`

type sqliteStore struct {
	conn *sqlite.Conn
	log  *zap.Logger
}

// OpenSQLite opens (creating when missing) an SQLite-backed library.
func OpenSQLite(path string, log *zap.Logger) (Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, &PersistenceError{Op: "open", Err: err}
	}
	conn, err := sqlite.OpenConn(path, sqlite.OpenReadWrite, sqlite.OpenCreate)
	if err != nil {
		return nil, &PersistenceError{Op: "open", Err: err}
	}
	if err := sqlitex.ExecuteScript(conn, sqliteSchema, nil); err != nil {
		conn.Close()
		return nil, &PersistenceError{Op: "migrate", Err: err}
	}
	if err := sqlitex.Execute(conn, `PRAGMA foreign_keys = ON`, nil); err != nil {
		conn.Close()
		return nil, &PersistenceError{Op: "open", Err: err}
	}
	return &sqliteStore{conn: conn, log: log}, nil
}

func (s *sqliteStore) Get(key string) (Entry, bool, error) {
	var e Entry
	found := false
	err := sqlitex.Execute(s.conn,
		`SELECT key, path, title, author, chapter, block, offset, percent, last_read FROM library WHERE key = ?`,
		&sqlitex.ExecOptions{
			Args: []any{key},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				e = entryFromRow(stmt)
				found = true
				return nil
			},
		})
	if err != nil {
		return Entry{}, false, &PersistenceError{Op: "get", Err: err}
	}
	return e, found, nil
}

func entryFromRow(stmt *sqlite.Stmt) Entry {
	return Entry{
		Key:    stmt.ColumnText(0),
		Path:   stmt.ColumnText(1),
		Title:  stmt.ColumnText(2),
		Author: stmt.ColumnText(3),
		Position: ebook.Position{
			Chapter: int(stmt.ColumnInt64(4)),
			Block:   int(stmt.ColumnInt64(5)),
			Offset:  int(stmt.ColumnInt64(6)),
		},
		Percent:  stmt.ColumnFloat(7),
		LastRead: time.Unix(stmt.ColumnInt64(8), 0),
	}
}

func (s *sqliteStore) Put(e Entry) error {
	if e.Key == "" {
		return &PersistenceError{Op: "put", Err: fmt.Errorf("entry has no key")}
	}
	err := sqlitex.Execute(s.conn,
		`INSERT INTO library (key, path, title, author, chapter, block, offset, percent, last_read)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET
		   path = excluded.path, title = excluded.title, author = excluded.author,
		   chapter = excluded.chapter, block = excluded.block, offset = excluded.offset,
		   percent = excluded.percent, last_read = excluded.last_read`,
		&sqlitex.ExecOptions{Args: []any{
			e.Key, e.Path, e.Title, e.Author,
			e.Position.Chapter, e.Position.Block, e.Position.Offset,
			e.Percent, e.LastRead.Unix(),
		}})
	if err != nil {
		return &PersistenceError{Op: "put", Err: err}
	}
	return nil
}

func (s *sqliteStore) Delete(key string) error {
	err := sqlitex.Execute(s.conn, `DELETE FROM library WHERE key = ?`,
		&sqlitex.ExecOptions{Args: []any{key}})
	if err != nil {
		return &PersistenceError{Op: "delete", Err: err}
	}
	return nil
}

func (s *sqliteStore) Recent(limit int) ([]Entry, error) {
	q := `SELECT key, path, title, author, chapter, block, offset, percent, last_read
	      FROM library ORDER BY last_read DESC`
	args := []any{}
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}
	var entries []Entry
	err := sqlitex.Execute(s.conn, q, &sqlitex.ExecOptions{
		Args: args,
		ResultFunc: func(stmt *sqlite.Stmt) error {
			entries = append(entries, entryFromRow(stmt))
			return nil
		},
	})
	if err != nil {
		return nil, &PersistenceError{Op: "recent", Err: err}
	}
	return entries, nil
}

func (s *sqliteStore) Bookmarks(key string) ([]Bookmark, error) {
	var bms []Bookmark
	err := sqlitex.Execute(s.conn,
		`SELECT id, name, chapter, block, offset, created FROM bookmarks WHERE key = ?`,
		&sqlitex.ExecOptions{
			Args: []any{key},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				bms = append(bms, Bookmark{
					ID:   stmt.ColumnText(0),
					Name: stmt.ColumnText(1),
					Position: ebook.Position{
						Chapter: int(stmt.ColumnInt64(2)),
						Block:   int(stmt.ColumnInt64(3)),
						Offset:  int(stmt.ColumnInt64(4)),
					},
					Created: time.Unix(stmt.ColumnInt64(5), 0),
				})
				return nil
			},
		})
	if err != nil {
		return nil, &PersistenceError{Op: "bookmarks", Err: err}
	}
	sortBookmarks(bms)
	return bms, nil
}

func (s *sqliteStore) AddBookmark(key string, bm Bookmark) error {
	if bm.ID == "" {
		bm.ID = BookmarkID(key, bm.Name)
	}
	err := sqlitex.Execute(s.conn,
		`INSERT INTO bookmarks (id, key, name, chapter, block, offset, created)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   name = excluded.name, chapter = excluded.chapter,
		   block = excluded.block, offset = excluded.offset, created = excluded.created`,
		&sqlitex.ExecOptions{Args: []any{
			bm.ID, key, bm.Name,
			bm.Position.Chapter, bm.Position.Block, bm.Position.Offset,
			bm.Created.Unix(),
		}})
	if err != nil {
		return &PersistenceError{Op: "add-bookmark", Err: err}
	}
	return nil
}

func (s *sqliteStore) RemoveBookmark(key, id string) error {
	err := sqlitex.Execute(s.conn, `DELETE FROM bookmarks WHERE key = ? AND id = ?`,
		&sqlitex.ExecOptions{Args: []any{key, id}})
	if err != nil {
		return &PersistenceError{Op: "remove-bookmark", Err: err}
	}
	return nil
}

func (s *sqliteStore) Close() error {
	return s.conn.Close()
}
