package session

import (
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/wustho/epy/ebook"
	"github.com/wustho/epy/library"
	"github.com/wustho/epy/page"
)

// overlayItem couples a display line with the position it navigates to.
type overlayItem struct {
	line string
	pos  ebook.Position
	id   string // bookmark id, for deletion
}

func (s *Session) enterOverlay(mode Mode, title string, items []overlayItem, selected int) {
	s.mode = mode
	s.selected = selected
	s.items = items
	lines := make([]string, len(items))
	for i, it := range items {
		lines[i] = it.line
	}
	s.overlay = lines
	s.cfg.Renderer.RenderOverlay(mode, title, lines, selected)
}

func (s *Session) leaveOverlay() {
	s.mode = Reading
	s.items = nil
	s.overlay = nil
	s.render()
}

// handleOverlayKey drives every overlay with one scheme: j/k move, enter
// confirms, q/esc cancels. Bookmarks adds x for delete.
func (s *Session) handleOverlayKey(r rune) bool {
	switch r {
	case 'j':
		if s.selected < len(s.items)-1 {
			s.selected++
			s.cfg.Renderer.RenderOverlay(s.mode, "", s.overlay, s.selected)
		}
	case 'k':
		if s.selected > 0 {
			s.selected--
			s.cfg.Renderer.RenderOverlay(s.mode, "", s.overlay, s.selected)
		}
	case '\r', '\n':
		s.confirmOverlay()
	case 'x':
		if s.mode == Bookmarks {
			s.deleteSelectedBookmark()
		}
	case 'q', 0x1b:
		s.leaveOverlay()
	}
	return true
}

func (s *Session) confirmOverlay() {
	switch s.mode {
	case TableOfContents, Bookmarks:
		if s.selected >= 0 && s.selected < len(s.items) {
			target := s.items[s.selected].pos
			s.leaveOverlay()
			s.jump(target)
			s.render()
			return
		}
	}
	s.leaveOverlay()
}

// --- table of contents ---

func (s *Session) openTOC() {
	if len(s.doc.TOC) == 0 {
		s.message = "this book has no table of contents"
		return
	}
	var items []overlayItem
	cur := s.Position()
	selected := 0
	var walk func(entries []ebook.TOCEntry, depth int)
	walk = func(entries []ebook.TOCEntry, depth int) {
		for _, e := range entries {
			pos := ebook.Position{Chapter: e.Chapter, Block: e.Block}
			if e.Chapter <= cur.Chapter {
				selected = len(items)
			}
			items = append(items, overlayItem{
				line: strings.Repeat("  ", depth) + e.Title,
				pos:  pos,
			})
			walk(e.Children, depth+1)
		}
	}
	walk(s.doc.TOC, 0)
	s.enterOverlay(TableOfContents, "Table of Contents", items, selected)
}

// --- bookmarks ---

func (s *Session) openBookmarks() {
	if s.cfg.Store == nil {
		s.message = "library persistence is unavailable"
		return
	}
	bms, err := s.cfg.Store.Bookmarks(s.doc.ID.Key())
	if err != nil {
		s.log.Warn("cannot list bookmarks", zap.Error(err))
		s.message = "cannot list bookmarks"
		return
	}
	if len(bms) == 0 {
		s.message = "no bookmarks yet"
		return
	}
	items := make([]overlayItem, len(bms))
	for i, bm := range bms {
		items[i] = overlayItem{
			line: fmt.Sprintf("%s  (ch %d, %.0f%%)", bm.Name, bm.Position.Chapter+1, s.percentAt(bm.Position)*100),
			pos:  bm.Position,
			id:   bm.ID,
		}
	}
	s.enterOverlay(Bookmarks, "Bookmarks", items, 0)
}

func (s *Session) addBookmark() {
	if s.cfg.Store == nil {
		s.message = "library persistence is unavailable"
		return
	}
	pos := s.Position()
	name := s.bookmarkName(pos)
	bm := library.Bookmark{
		Name:     name,
		Position: pos,
		Created:  time.Now(),
	}
	if err := s.cfg.Store.AddBookmark(s.doc.ID.Key(), bm); err != nil {
		s.log.Warn("cannot add bookmark", zap.Error(err))
		s.message = "cannot add bookmark"
		return
	}
	s.message = "bookmarked: " + name
}

// bookmarkName labels a bookmark with the chapter and a snippet of the
// page's first text line.
func (s *Session) bookmarkName(pos ebook.Position) string {
	ch := s.doc.Chapters[pos.Chapter]
	label := ch.Title
	if label == "" {
		label = fmt.Sprintf("chapter %d", pos.Chapter+1)
	}
	if pg := s.viewPage(); pg != nil {
		for _, ln := range pg.Lines {
			if ln.Kind == page.LineText && strings.TrimSpace(ln.Text) != "" {
				snippet := ln.Text
				if len(snippet) > 40 {
					snippet = snippet[:40]
				}
				return label + ": " + snippet
			}
		}
	}
	return label
}

func (s *Session) deleteSelectedBookmark() {
	if s.selected < 0 || s.selected >= len(s.items) {
		return
	}
	id := s.items[s.selected].id
	if err := s.cfg.Store.RemoveBookmark(s.doc.ID.Key(), id); err != nil {
		s.log.Warn("cannot remove bookmark", zap.Error(err))
		return
	}
	s.leaveOverlay()
	s.openBookmarks()
}

// percentAt mirrors Percent for an arbitrary position.
func (s *Session) percentAt(pos ebook.Position) float64 {
	total, read := 0, 0
	for i := range s.doc.Chapters {
		n := len(s.doc.Chapters[i].Blocks)
		total += n
		if i < pos.Chapter {
			read += n
		} else if i == pos.Chapter {
			read += pos.Block
		}
	}
	if total == 0 {
		return 0
	}
	return float64(read) / float64(total)
}

// --- metadata / help ---

func (s *Session) openMetadata() {
	m := s.doc.Meta
	rows := []struct{ k, v string }{
		{"Title", m.Title},
		{"Author", m.Author},
		{"Publisher", m.Publisher},
		{"Language", m.Language},
		{"Date", m.Date},
		{"Identifier", m.Identifier},
		{"Source", s.doc.ID.Path},
	}
	var items []overlayItem
	for _, r := range rows {
		if r.v == "" {
			continue
		}
		items = append(items, overlayItem{line: fmt.Sprintf("%-12s %s", r.k+":", r.v)})
	}
	s.enterOverlay(Metadata, "Metadata", items, 0)
}

func (s *Session) openHelp() {
	lines := []string{
		"space/l  next page            h        previous page",
		"j / k    scroll line          L / H    next / prev chapter",
		"g / G    chapter start / end  t        table of contents",
		"/        search               n / N    next / prev match",
		"b        bookmarks            B        add bookmark",
		"m        metadata             d        dictionary",
		"o        open image           v        speak page",
		"V        pause / resume       + / -    text width",
		"s        double spread        S        seamless chapters",
		"q        quit",
	}
	items := make([]overlayItem, len(lines))
	for i, l := range lines {
		items[i] = overlayItem{line: l}
	}
	s.enterOverlay(Help, "Help", items, 0)
}

// --- prompts ---

// onText receives a committed prompt line, search or dictionary.
func (s *Session) onText(ev Event) {
	mode := s.mode
	s.mode = Reading
	if ev.Cancel {
		s.render()
		return
	}
	switch mode {
	case Searching:
		s.runSearch(ev.Text)
	case DictPrompt:
		s.runLookup(ev.Text)
	}
	s.render()
}
