package session

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/wustho/epy/ebook"
	"github.com/wustho/epy/page"
)

// runSearch collects every case-insensitive match of the query across the
// whole book, then jumps to the first one at or after the cursor.
func (s *Session) runSearch(query string) {
	query = strings.TrimSpace(query)
	if query == "" {
		return
	}
	needle := strings.ToLower(query)
	var matches []ebook.Position
	for ci := range s.doc.Chapters {
		for bi, b := range s.doc.Chapters[ci].Blocks {
			if b.Kind != ebook.KindText {
				continue
			}
			hay := strings.ToLower(b.Text)
			off := 0
			for {
				i := strings.Index(hay[off:], needle)
				if i < 0 {
					break
				}
				// byte offset to rune offset, spans and positions count runes
				runeOff := len([]rune(hay[:off+i]))
				matches = append(matches, ebook.Position{Chapter: ci, Block: bi, Offset: runeOff})
				off += i + len(needle)
			}
		}
	}
	s.query = query
	s.matches = matches
	if len(matches) == 0 {
		s.message = fmt.Sprintf("no match for %q", query)
		return
	}

	cur := s.Position()
	s.matchAt = 0
	for i, m := range matches {
		if cmpPositions(m, cur) >= 0 {
			s.matchAt = i
			break
		}
	}
	s.jumpToMatch()
}

// gotoMatch steps through matches with wrap-around in both directions.
func (s *Session) gotoMatch(dir int) {
	if len(s.matches) == 0 {
		s.message = "no active search"
		return
	}
	s.matchAt = (s.matchAt + dir + len(s.matches)) % len(s.matches)
	s.jumpToMatch()
}

func (s *Session) jumpToMatch() {
	m := s.matches[s.matchAt]
	s.jump(m)
	s.message = fmt.Sprintf("match %d/%d for %q", s.matchAt+1, len(s.matches), s.query)
}

func cmpPositions(a, b ebook.Position) int {
	switch {
	case a.Chapter != b.Chapter:
		if a.Chapter < b.Chapter {
			return -1
		}
		return 1
	case a.Block != b.Block:
		if a.Block < b.Block {
			return -1
		}
		return 1
	case a.Offset != b.Offset:
		if a.Offset < b.Offset {
			return -1
		}
		return 1
	}
	return 0
}

// --- speech ---

// speak voices the current page chunk by chunk. Each completion comes
// back as a SpeechDone event carrying the cursor to the end of the
// finished chunk; when the page runs out, playback moves to the next
// page, so it follows the reading cursor rather than running off on its
// own.
func (s *Session) speak() {
	if s.cfg.Speaker == nil {
		s.message = "no speech synthesizer available"
		return
	}
	if s.speaking {
		s.cfg.Speaker.Stop()
		s.speaking = false
		s.paused = false
		// the chunk-level cursor stays where playback got to
		s.chunks, s.chunkEnds = nil, nil
		s.message = "speech stopped"
		return
	}
	s.startSpeaking()
}

func (s *Session) startSpeaking() {
	text, anchors := s.speechSource()
	if strings.TrimSpace(text) == "" {
		s.speaking = false
		return
	}
	chunks := s.cfg.Speaker.Chunks(text)
	if len(chunks) == 0 {
		s.speaking = false
		return
	}
	s.chunks = chunks
	s.chunkEnds = chunkEnds(text, chunks, anchors)
	if err := s.cfg.Speaker.Speak(chunks[0]); err != nil {
		s.log.Warn("speech failed", zap.Error(err))
		s.message = "speech failed"
		s.speaking = false
		s.chunks, s.chunkEnds = nil, nil
		return
	}
	s.speaking = true
	s.paused = false
	s.message = "speaking"
}

// speechAnchor maps a rune offset in the voiced text back to the cursor
// position reached once everything before it has been spoken.
type speechAnchor struct {
	off int
	pos ebook.Position
}

// speechSource flattens the visible page the same way page.Text does,
// keeping an anchor per line so chunk boundaries resolve to positions.
func (s *Session) speechSource() (string, []speechAnchor) {
	pg := s.viewPage()
	if pg == nil {
		return "", nil
	}
	var sb strings.Builder
	var anchors []speechAnchor
	runes := 0
	prevChapter, prevBlock := -1, -1
	prevKind := page.LineBlank
	for _, ln := range pg.Lines {
		if ln.Kind == page.LineBlank {
			continue
		}
		sameBlock := ln.Chapter == prevChapter && ln.Block == prevBlock
		if prevKind != page.LineBlank && prevChapter >= 0 {
			switch {
			case sameBlock && ln.Hard:
				sb.WriteByte('\n')
				runes++
			case sameBlock && ln.Kind == page.LineText:
				sb.WriteByte(' ')
				runes++
			case !sameBlock:
				sb.WriteByte('\n')
				runes++
			}
		}
		sb.WriteString(ln.Text)
		runes += len([]rune(ln.Text))
		anchors = append(anchors, speechAnchor{
			off: runes,
			pos: ebook.Position{Chapter: ln.Chapter, Block: ln.Block, Offset: ln.End},
		})
		prevChapter, prevBlock, prevKind = ln.Chapter, ln.Block, ln.Kind
	}
	return sb.String(), anchors
}

// chunkEnds resolves each chunk's end to the position of the last line
// it covers. Chunking may normalize whitespace, so every chunk is
// re-located in the source text instead of measured blindly.
func chunkEnds(text string, chunks []string, anchors []speechAnchor) []ebook.Position {
	ends := make([]ebook.Position, len(chunks))
	from := 0
	for i, c := range chunks {
		end := from + len(c)
		if j := strings.Index(text[from:], c); j >= 0 {
			end = from + j + len(c)
		}
		if end > len(text) {
			end = len(text)
		}
		ends[i] = anchorPos(anchors, len([]rune(text[:end])))
		from = end
	}
	return ends
}

func anchorPos(anchors []speechAnchor, off int) ebook.Position {
	for _, a := range anchors {
		if a.off >= off {
			return a.pos
		}
	}
	if n := len(anchors); n > 0 {
		return anchors[n-1].pos
	}
	return ebook.Position{}
}

func (s *Session) pauseResume() {
	if s.cfg.Speaker == nil || !s.speaking {
		return
	}
	if s.paused {
		s.cfg.Speaker.Resume()
		s.message = "speaking"
	} else {
		s.cfg.Speaker.Pause()
		s.message = "speech paused"
	}
	s.paused = !s.paused
}

// onSpeechDone records the finished chunk's end as the cursor and
// submits the next chunk; once the page is spoken it advances and keeps
// going until the book runs out.
func (s *Session) onSpeechDone() {
	if !s.speaking {
		return
	}
	if len(s.chunks) > 0 {
		s.spoken, s.spokenSet = s.chunkEnds[0], true
		s.chunks, s.chunkEnds = s.chunks[1:], s.chunkEnds[1:]
		s.recordProgress()
		if len(s.chunks) > 0 {
			if err := s.cfg.Speaker.Speak(s.chunks[0]); err != nil {
				s.log.Warn("speech failed", zap.Error(err))
				s.message = "speech failed"
				s.speaking = false
			}
			return
		}
	}
	prev := s.cur
	prevPos := s.Position()
	s.gotoPage(s.cur + 1)
	if s.cur == prev && s.Position() == prevPos {
		// no further page
		s.speaking = false
		s.message = "finished speaking"
		return
	}
	s.startSpeaking()
}

// --- dictionary ---

func (s *Session) runLookup(word string) {
	word = strings.TrimSpace(word)
	if word == "" {
		return
	}
	out, err := s.cfg.Lookup(word)
	if err != nil {
		s.log.Warn("dictionary lookup failed", zap.String("word", word), zap.Error(err))
		s.message = "lookup failed: " + word
		return
	}
	lines := strings.Split(strings.TrimRight(out, "\n"), "\n")
	items := make([]overlayItem, len(lines))
	for i, l := range lines {
		items[i] = overlayItem{line: l}
	}
	s.enterOverlay(DictPrompt, "define: "+word, items, 0)
}

// --- images ---

// openImage shows the first image on the current page through the
// external viewer.
func (s *Session) openImage() {
	if s.cfg.OpenImage == nil {
		s.message = "no image viewer available"
		return
	}
	pg := s.viewPage()
	if pg == nil {
		return
	}
	for _, ln := range pg.Lines {
		if ln.Kind != page.LineImage {
			continue
		}
		_, data, err := s.doc.Image(ln.ImageRef)
		if err != nil {
			s.log.Warn("cannot load image", zap.String("ref", ln.ImageRef), zap.Error(err))
			s.message = "cannot load image"
			return
		}
		if err := s.cfg.OpenImage(ln.ImageRef, data); err != nil {
			s.log.Warn("cannot open image", zap.String("ref", ln.ImageRef), zap.Error(err))
			s.message = "cannot open image"
			return
		}
		// the viewer is an external window; the session waits in its own
		// mode until the user dismisses the notice
		s.enterOverlay(ImageViewing, "Image", []overlayItem{
			{line: "opened " + ln.ImageRef + " in the external viewer"},
			{line: "press q to return"},
		}, 0)
		return
	}
	s.message = "no image on this page"
}

// Run is the session event loop: it multiplexes frontend input and
// speech completions into Handle until the session ends or the context
// is canceled.
func (s *Session) Run(ctx context.Context, events <-chan Event, speechDone <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			s.shutdown()
			return ctx.Err()
		case <-speechDone:
			if !s.Handle(Event{Kind: SpeechDone}) {
				return nil
			}
		case ev, ok := <-events:
			if !ok {
				s.shutdown()
				return nil
			}
			if !s.Handle(ev) {
				return nil
			}
		}
	}
}
