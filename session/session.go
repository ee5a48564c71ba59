// Package session runs the interactive reading loop as a state machine.
// One goroutine owns all mutable state; everything else (speech
// completion, resize notifications) reaches it as events, so the cursor
// has a single writer by construction.
package session

import (
	"bytes"
	"fmt"
	"text/template"
	"time"

	sprig "github.com/go-task/slim-sprig/v3"
	"go.uber.org/zap"

	"github.com/wustho/epy/ebook"
	"github.com/wustho/epy/library"
	"github.com/wustho/epy/page"
)

// Mode is the session's interaction state. Reading is the base state;
// every other mode is an overlay entered from Reading and left back to it.
type Mode uint8

const (
	Reading Mode = iota
	TableOfContents
	Searching
	Bookmarks
	Metadata
	DictPrompt
	ImageViewing
	Help
)

func (m Mode) String() string {
	switch m {
	case TableOfContents:
		return "toc"
	case Searching:
		return "search"
	case Bookmarks:
		return "bookmarks"
	case Metadata:
		return "metadata"
	case DictPrompt:
		return "dict"
	case ImageViewing:
		return "image"
	case Help:
		return "help"
	default:
		return "reading"
	}
}

// Action is a user intention decoupled from the key that triggered it.
type Action uint8

const (
	ActNone Action = iota
	ActQuit
	ActNextPage
	ActPrevPage
	ActScrollDown
	ActScrollUp
	ActNextChapter
	ActPrevChapter
	ActChapterBegin
	ActChapterEnd
	ActTOC
	ActSearch
	ActNextMatch
	ActPrevMatch
	ActBookmarks
	ActAddBookmark
	ActMetadata
	ActDict
	ActOpenImage
	ActSpeak
	ActPauseResume
	ActWiden
	ActNarrow
	ActToggleSpread
	ActToggleSeamless
	ActHelp
	ActSelectUp
	ActSelectDown
	ActConfirm
	ActCancel
)

// DefaultKeymap binds runes to actions while in Reading mode.
var DefaultKeymap = map[rune]Action{
	'q': ActQuit,
	' ': ActNextPage,
	'l': ActNextPage,
	'h': ActPrevPage,
	'j': ActScrollDown,
	'k': ActScrollUp,
	'L': ActNextChapter,
	'H': ActPrevChapter,
	'g': ActChapterBegin,
	'G': ActChapterEnd,
	't': ActTOC,
	'/': ActSearch,
	'n': ActNextMatch,
	'N': ActPrevMatch,
	'b': ActBookmarks,
	'B': ActAddBookmark,
	'm': ActMetadata,
	'd': ActDict,
	'o': ActOpenImage,
	'v': ActSpeak,
	'V': ActPauseResume,
	'+': ActWiden,
	'-': ActNarrow,
	's': ActToggleSpread,
	'S': ActToggleSeamless,
	'?': ActHelp,
}

// EventKind discriminates session input events.
type EventKind uint8

const (
	KeyEvent EventKind = iota
	PointerEvent
	ResizeEvent
	SpeechDone
	TextEvent // committed line input for search / dictionary prompts
)

// Event is one unit of session input.
type Event struct {
	Kind EventKind

	Rune   rune   // KeyEvent
	X, Y   int    // PointerEvent, cell coordinates
	Btn    int    // PointerEvent, base button code
	Mod    bool   // PointerEvent, a modifier key was held
	W, H   int    // ResizeEvent
	Text   string // TextEvent
	Cancel bool   // TextEvent: prompt aborted
}

// Pointer button codes, following the SGR mouse encoding with the
// modifier bits already split off into Event.Mod.
const (
	PointerPrimary    = 0
	PointerSecondary  = 2
	PointerScrollUp   = 64
	PointerScrollDown = 65
)

// Status is what the frontend shows alongside the page.
type Status struct {
	Title   string
	Mode    Mode
	Percent float64
	Message string
}

// Renderer is the session's outward surface. The terminal frontend
// implements it; tests substitute a recorder.
type Renderer interface {
	Size() (w, h int)
	RenderPage(p *page.Page, st Status)
	RenderOverlay(mode Mode, title string, lines []string, selected int)
	Prompt(mode Mode, label string)
}

// Speaker is the slice of the playback coordinator the session drives.
// The session submits one chunk per Speak so every completion maps to a
// known point in the text.
type Speaker interface {
	Chunks(text string) []string
	Speak(text string) error
	Pause()
	Resume()
	Stop()
}

// WordLookup resolves a dictionary query.
type WordLookup func(word string) (string, error)

// ImageOpener materializes and displays an image by reference.
type ImageOpener func(ref string, data []byte) error

// Config is the session's fixed wiring.
type Config struct {
	Doc      *ebook.Document
	Store    library.Store // nil degrades to a session-only reader
	Renderer Renderer
	Log      *zap.Logger

	TextWidth     int
	DoubleSpread  bool
	Seamless      bool
	TitleTemplate string

	Speaker   Speaker     // nil when no synthesizer was found
	Lookup    WordLookup  // nil when no dictionary was found
	OpenImage ImageOpener // nil when no viewer was found

	InitialTOC bool // open on the table of contents instead of the text
}

// Session is the controller. Not safe for concurrent use: feed it events
// from one goroutine only.
type Session struct {
	cfg Config
	doc *ebook.Document
	log *zap.Logger

	vp     page.Viewport
	pages  []page.Page
	cur    int
	scroll int // lines scrolled past the top of the current page

	mode     Mode
	selected int // overlay cursor
	overlay  []string
	items    []overlayItem
	message  string

	query   string
	matches []ebook.Position
	matchAt int

	speaking  bool
	paused    bool
	chunks    []string         // utterances still queued for the current page
	chunkEnds []ebook.Position // cursor after each queued chunk completes
	spoken    ebook.Position   // chunk-level cursor, finer than a page start
	spokenSet bool

	title string
}

// New builds a session and restores the last reading position from the
// library.
func New(cfg Config) (*Session, error) {
	if cfg.Doc == nil || cfg.Renderer == nil {
		return nil, fmt.Errorf("session needs a document and a renderer")
	}
	if cfg.Log == nil {
		cfg.Log = zap.NewNop()
	}
	s := &Session{cfg: cfg, doc: cfg.Doc, log: cfg.Log}

	w, h := cfg.Renderer.Size()
	s.vp = page.Viewport{
		Width:     w,
		Height:    h - 1, // status row
		TextWidth: cfg.TextWidth,
		Seamless:  cfg.Seamless,
	}
	if cfg.DoubleSpread {
		s.vp.Spread = page.SpreadDouble
	}
	s.title = s.renderTitle()

	pos := ebook.Position{}
	if cfg.Store != nil {
		if e, ok, err := cfg.Store.Get(s.doc.ID.Key()); err != nil {
			s.log.Warn("cannot read library entry", zap.Error(err))
		} else if ok {
			pos = s.doc.Clamp(e.Position)
		}
	}
	if err := s.reflow(pos); err != nil {
		return nil, err
	}
	s.render()
	if cfg.InitialTOC {
		s.openTOC()
		if s.mode == Reading {
			// no table of contents: stay on the text with the notice shown
			s.render()
		}
	}
	return s, nil
}

func (s *Session) renderTitle() string {
	if s.cfg.TitleTemplate == "" {
		return s.doc.DisplayTitle()
	}
	tmpl, err := template.New("title").Funcs(sprig.FuncMap()).Parse(s.cfg.TitleTemplate)
	if err != nil {
		s.log.Warn("bad title template", zap.Error(err))
		return s.doc.DisplayTitle()
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, s.doc.Meta); err != nil {
		s.log.Warn("title template failed", zap.Error(err))
		return s.doc.DisplayTitle()
	}
	return buf.String()
}

// reflow re-paginates for the current viewport and moves to the page
// containing pos.
func (s *Session) reflow(pos ebook.Position) error {
	var (
		pages []page.Page
		err   error
	)
	if s.vp.Seamless {
		pages, err = page.PaginateAll(s.doc, s.vp)
	} else {
		pages, err = page.Paginate(s.doc, pos.Chapter, s.vp)
	}
	if err != nil {
		return err
	}
	s.pages = pages
	s.cur = page.Locate(pages, pos)
	s.scroll = 0
	return nil
}

// Position is the session cursor: the completed-speech point while
// voicing, otherwise the first line on screen.
func (s *Session) Position() ebook.Position {
	if s.spokenSet {
		return s.spoken
	}
	if len(s.pages) == 0 {
		return ebook.Position{}
	}
	if s.scroll > 0 {
		if v := page.View(s.pages, page.TopOf(s.pages, s.cur)+s.scroll); v != nil {
			return v.Start
		}
	}
	return s.pages[s.cur].Start
}

// viewPage is what is on screen right now, including any line scroll.
func (s *Session) viewPage() *page.Page {
	if len(s.pages) == 0 {
		return nil
	}
	if s.scroll > 0 {
		return page.View(s.pages, page.TopOf(s.pages, s.cur)+s.scroll)
	}
	return &s.pages[s.cur]
}

// Mode exposes the interaction state, mostly for tests.
func (s *Session) Mode() Mode { return s.mode }

// Percent is overall reading progress.
func (s *Session) Percent() float64 {
	pos := s.Position()
	total := 0
	read := 0
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

// Handle processes one event. Returns false when the session should end.
func (s *Session) Handle(ev Event) bool {
	switch ev.Kind {
	case ResizeEvent:
		s.resize(ev.W, ev.H)
	case SpeechDone:
		s.onSpeechDone()
	case TextEvent:
		s.onText(ev)
	case PointerEvent:
		s.onPointer(ev)
	case KeyEvent:
		if s.mode != Reading {
			return s.handleOverlayKey(ev.Rune)
		}
		return s.apply(DefaultKeymap[ev.Rune])
	}
	s.render()
	return true
}

func (s *Session) apply(act Action) bool {
	s.message = ""
	switch act {
	case ActQuit:
		s.shutdown()
		return false
	case ActNextPage:
		s.gotoPage(s.cur + 1)
	case ActPrevPage:
		s.gotoPage(s.cur - 1)
	case ActScrollDown:
		s.scrollLine(1)
	case ActScrollUp:
		s.scrollLine(-1)
	case ActNextChapter:
		s.gotoChapter(s.Position().Chapter + 1)
	case ActPrevChapter:
		s.gotoChapter(s.Position().Chapter - 1)
	case ActChapterBegin:
		s.jump(ebook.Position{Chapter: s.Position().Chapter})
	case ActChapterEnd:
		ch := s.Position().Chapter
		s.jump(ebook.Position{Chapter: ch, Block: maxInt(len(s.doc.Chapters[ch].Blocks)-1, 0)})
	case ActTOC:
		s.openTOC()
	case ActSearch:
		s.mode = Searching
		s.cfg.Renderer.Prompt(Searching, "/")
	case ActNextMatch:
		s.gotoMatch(1)
	case ActPrevMatch:
		s.gotoMatch(-1)
	case ActBookmarks:
		s.openBookmarks()
	case ActAddBookmark:
		s.addBookmark()
	case ActMetadata:
		s.openMetadata()
	case ActDict:
		if s.cfg.Lookup == nil {
			s.message = "no dictionary program available"
			break
		}
		s.mode = DictPrompt
		s.cfg.Renderer.Prompt(DictPrompt, "define: ")
	case ActOpenImage:
		s.openImage()
	case ActSpeak:
		s.speak()
	case ActPauseResume:
		s.pauseResume()
	case ActWiden:
		s.adjustWidth(2)
	case ActNarrow:
		s.adjustWidth(-2)
	case ActToggleSpread:
		s.toggleSpread()
	case ActToggleSeamless:
		s.toggleSeamless()
	case ActHelp:
		s.openHelp()
	}
	s.render()
	return true
}

func (s *Session) gotoPage(idx int) {
	switch {
	case idx < 0:
		if !s.vp.Seamless && s.Position().Chapter > 0 {
			// step into the previous chapter's last page
			pos := ebook.Position{Chapter: s.Position().Chapter - 1}
			if err := s.reflow(pos); err != nil {
				s.log.Warn("reflow failed", zap.Error(err))
				return
			}
			s.cur = len(s.pages) - 1
			s.dropSpeechCursor()
			s.recordProgress()
		}
	case idx >= len(s.pages):
		if !s.vp.Seamless && s.Position().Chapter < len(s.doc.Chapters)-1 {
			s.gotoChapter(s.Position().Chapter + 1)
		}
	default:
		s.cur = idx
		s.scroll = 0
		s.dropSpeechCursor()
		s.recordProgress()
	}
}

// scrollLine moves the view by one rendered line, crossing page
// boundaries; at the edge of the page set it falls over to chapter
// navigation like paging does.
func (s *Session) scrollLine(delta int) {
	if len(s.pages) == 0 {
		return
	}
	top := page.TopOf(s.pages, s.cur) + s.scroll + delta
	if top < 0 {
		s.gotoPage(-1)
		return
	}
	maxTop := page.TotalLines(s.pages) - s.viewCapacity()
	if maxTop < 0 {
		maxTop = 0
	}
	if top > maxTop {
		if !s.vp.Seamless && s.Position().Chapter < len(s.doc.Chapters)-1 {
			s.gotoChapter(s.Position().Chapter + 1)
		}
		return
	}
	s.cur = page.IndexAt(s.pages, top)
	s.scroll = top - page.TopOf(s.pages, s.cur)
	s.dropSpeechCursor()
	s.recordProgress()
}

func (s *Session) viewCapacity() int {
	c := s.vp.Height
	if s.vp.Spread == page.SpreadDouble {
		c *= 2
	}
	if c < 1 {
		c = 1
	}
	return c
}

// dropSpeechCursor forgets chunk-level speech progress; after the user
// moves, playback re-anchors on whatever page it lands on next.
func (s *Session) dropSpeechCursor() {
	s.spokenSet = false
	s.chunks, s.chunkEnds = nil, nil
}

func (s *Session) gotoChapter(ch int) {
	if ch < 0 || ch >= len(s.doc.Chapters) {
		return
	}
	s.jump(ebook.Position{Chapter: ch})
}

// jump moves the cursor to an arbitrary position, repaginating when the
// target chapter is not in the current page set.
func (s *Session) jump(pos ebook.Position) {
	pos = s.doc.Clamp(pos)
	if !s.vp.Seamless && (len(s.pages) == 0 || s.pages[0].Start.Chapter != pos.Chapter) {
		if err := s.reflow(pos); err != nil {
			s.log.Warn("reflow failed", zap.Error(err))
			return
		}
	} else {
		s.cur = page.Locate(s.pages, pos)
		s.scroll = 0
	}
	s.dropSpeechCursor()
	s.recordProgress()
}

// recordProgress persists the cursor synchronously with navigation, so a
// kill at any point loses at most the in-flight write.
func (s *Session) recordProgress() {
	if s.cfg.Store == nil {
		return
	}
	e := library.Entry{
		Key:      s.doc.ID.Key(),
		Path:     s.doc.ID.Path,
		Title:    s.doc.Meta.Title,
		Author:   s.doc.Meta.Author,
		Position: s.Position(),
		Percent:  s.Percent(),
		LastRead: time.Now(),
	}
	if err := s.cfg.Store.Put(e); err != nil {
		s.log.Warn("cannot record reading position", zap.Error(err))
		s.message = "position not saved"
	}
}

func (s *Session) resize(w, h int) {
	pos := s.Position()
	s.vp.Width, s.vp.Height = w, h-1
	if err := s.reflow(pos); err != nil {
		s.log.Warn("reflow failed", zap.Error(err))
	}
}

func (s *Session) adjustWidth(delta int) {
	if s.vp.Spread == page.SpreadDouble {
		s.message = "text width is fixed while double-spread is on"
		return
	}
	w := s.vp.TextWidth + delta
	if w < 20 || w > s.vp.Width-2 {
		return
	}
	pos := s.Position()
	s.vp.TextWidth = w
	if err := s.reflow(pos); err != nil {
		s.log.Warn("reflow failed", zap.Error(err))
	}
}

func (s *Session) toggleSpread() {
	pos := s.Position()
	if s.vp.Spread == page.SpreadDouble {
		s.vp.Spread = page.SpreadSingle
	} else {
		s.vp.Spread = page.SpreadDouble
	}
	if err := s.reflow(pos); err != nil {
		s.log.Warn("reflow failed", zap.Error(err))
	}
}

func (s *Session) toggleSeamless() {
	pos := s.Position()
	s.vp.Seamless = !s.vp.Seamless
	if err := s.reflow(pos); err != nil {
		s.log.Warn("reflow failed", zap.Error(err))
	}
}

func (s *Session) shutdown() {
	if s.cfg.Speaker != nil {
		s.cfg.Speaker.Stop()
	}
	s.recordProgress()
}

func (s *Session) render() {
	if s.mode != Reading {
		return // overlays render on their own transitions
	}
	s.cfg.Renderer.RenderPage(s.viewPage(), Status{
		Title:   s.title,
		Mode:    s.mode,
		Percent: s.Percent(),
		Message: s.message,
	})
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// --- pointer ---

// onPointer routes mouse input: primary clicks page by screen third the
// way touch readers do, the secondary button opens the table of
// contents, the wheel scrolls by line, and a modified wheel adjusts the
// text width.
func (s *Session) onPointer(ev Event) {
	if s.mode != Reading {
		return
	}
	switch ev.Btn {
	case PointerSecondary:
		s.openTOC()
	case PointerScrollUp:
		if ev.Mod {
			s.adjustWidth(2)
		} else {
			s.scrollLine(-1)
		}
	case PointerScrollDown:
		if ev.Mod {
			s.adjustWidth(-2)
		} else {
			s.scrollLine(1)
		}
	default:
		if ev.X*3 < s.vp.Width {
			s.gotoPage(s.cur - 1)
		} else {
			s.gotoPage(s.cur + 1)
		}
	}
}
