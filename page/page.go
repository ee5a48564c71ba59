// Package page reflows chapters of the normalized document model into
// fixed-size, navigable pages. Everything here is a pure function of its
// inputs: identical document, viewport and layout mode always produce
// identical pages, so re-pagination is idempotent and may run on any
// goroutine.
package page

import (
	"fmt"
	"strings"

	runewidth "github.com/mattn/go-runewidth"

	"github.com/wustho/epy/ebook"
)

// SpreadMode selects single-column or double-spread layout.
type SpreadMode uint8

const (
	SpreadSingle SpreadMode = iota
	SpreadDouble
)

// Double-spread paddings, in cells.
const (
	spreadPadLeft   = 10
	spreadPadMiddle = 7
	spreadPadRight  = 10
)

// Viewport is the full pagination input besides the document itself.
// Layout mode is explicit input here, never a hidden toggle the engine
// reads from somewhere else.
type Viewport struct {
	Width, Height int
	TextWidth     int // requested text column width, clamped to Width
	Spread        SpreadMode
	Seamless      bool
}

// EffectiveTextWidth is the width text is actually wrapped to. Under
// double-spread the width is fixed by the geometry and the requested
// TextWidth is ignored; that invariant is what disables in-session width
// adjustment while spread.
func (vp Viewport) EffectiveTextWidth() int {
	w := vp.TextWidth
	if vp.Spread == SpreadDouble {
		w = (vp.Width - spreadPadLeft - spreadPadMiddle - spreadPadRight) / 2
	}
	if max := vp.Width - 2; w > max {
		w = max
	}
	if w < 8 {
		w = 8
	}
	return w
}

// LineKind tells the renderer what a line is; only text lines carry
// content that belongs to the round-trip invariant.
type LineKind uint8

const (
	LineText LineKind = iota
	LineBlank
	LineImage
	LineSectionBreak
)

// Line is one rendered row of a page.
type Line struct {
	Kind  LineKind
	Text  string
	Spans []ebook.Span // column intervals, line-relative
	// Indent and Bullet are presentation only, applied by the renderer so
	// the text itself stays byte-exact for the round-trip invariant.
	Indent int
	Bullet bool
	Center bool
	// Hard marks a line produced by a source newline (preformatted text);
	// text reconstruction joins it to its predecessor with a newline
	// instead of the space a soft wrap consumed.
	Hard bool

	ImageRef string

	Chapter    int
	Block      int
	Start, End int // rune interval of the source block this line covers
}

// Page is a derived, viewport-bound slice of rendered lines.
type Page struct {
	Lines   []Line
	Columns int // 1, or 2 under double-spread
	PerCol  int // lines per column
	Start   ebook.Position
	End     ebook.Position
}

// LayoutError marks conditions that cannot happen for a valid document;
// callers treat it as a defect, not a user-facing failure.
type LayoutError struct {
	Op  string
	Err error
}

func (e *LayoutError) Error() string { return "layout: " + e.Op + ": " + e.Err.Error() }
func (e *LayoutError) Unwrap() error { return e.Err }

// Paginate reflows a single chapter. In non-seamless mode a section break
// forces the following line onto a fresh page.
func Paginate(doc *ebook.Document, chapter int, vp Viewport) ([]Page, error) {
	if chapter < 0 || chapter >= len(doc.Chapters) {
		return nil, &LayoutError{Op: "paginate", Err: fmt.Errorf("chapter %d out of range [0,%d)", chapter, len(doc.Chapters))}
	}
	lines := layoutChapter(&doc.Chapters[chapter], chapter, vp.EffectiveTextWidth())
	return assemble(lines, vp), nil
}

// PaginateAll reflows every chapter into one continuous page sequence —
// seamless mode. Chapter boundaries keep their section-break marker but
// no longer force a page boundary.
func PaginateAll(doc *ebook.Document, vp Viewport) ([]Page, error) {
	if len(doc.Chapters) == 0 {
		return nil, &LayoutError{Op: "paginate-all", Err: fmt.Errorf("document has no chapters")}
	}
	width := vp.EffectiveTextWidth()
	var lines []Line
	for ci := range doc.Chapters {
		lines = append(lines, layoutChapter(&doc.Chapters[ci], ci, width)...)
	}
	seam := vp
	seam.Seamless = true
	return assemble(lines, seam), nil
}

// layoutChapter wraps one chapter's blocks into lines.
func layoutChapter(ch *ebook.Chapter, chapter, width int) []Line {
	var lines []Line
	for bi, b := range ch.Blocks {
		switch b.Kind {
		case ebook.KindText:
			lines = append(lines, wrapBlock(b, chapter, bi, width)...)
			lines = append(lines, Line{Kind: LineBlank, Chapter: chapter, Block: bi, Start: blockLen(b), End: blockLen(b)})
		case ebook.KindImage:
			lines = append(lines,
				Line{Kind: LineImage, Text: ebook.ImagePlaceholder, ImageRef: b.Ref, Center: true, Chapter: chapter, Block: bi},
				Line{Kind: LineBlank, Chapter: chapter, Block: bi})
		case ebook.KindSectionBreak:
			lines = append(lines, Line{Kind: LineSectionBreak, Text: ebook.SectionBreakMarker, Center: true, Chapter: chapter, Block: bi})
		}
	}
	// drop the trailing blank so the chapter ends on content
	if n := len(lines); n > 0 && lines[n-1].Kind == LineBlank {
		lines = lines[:n-1]
	}
	return lines
}

func blockLen(b ebook.Block) int { return len([]rune(b.Text)) }

// wrapBlock greedily wraps one text block, never splitting a word, and
// carries emphasis spans across the wrap.
func wrapBlock(b ebook.Block, chapter, block, width int) []Line {
	indent := 0
	bullet := false
	center := false
	switch b.Style {
	case ebook.StyleQuote, ebook.StylePre:
		indent = 3
	case ebook.StyleBullet:
		indent = 3
		bullet = true
	case ebook.StyleHeading:
		center = true
	}
	avail := width - indent
	if avail < 4 {
		avail = 4
	}

	runes := []rune(b.Text)
	var lines []Line

	emit := func(start, end int) {
		text := string(runes[start:end])
		lines = append(lines, Line{
			Kind:    LineText,
			Text:    text,
			Spans:   sliceSpans(b.Spans, start, end),
			Indent:  indent,
			Bullet:  bullet && len(lines) == 0,
			Center:  center,
			Chapter: chapter,
			Block:   block,
			Start:   start,
			End:     end,
		})
	}

	if b.Style == ebook.StylePre {
		// preformatted text wraps on its own newlines only
		start := 0
		for i, r := range runes {
			if r == '\n' {
				emit(start, i)
				start = i + 1
			}
		}
		emit(start, len(runes))
		for i := range lines {
			lines[i].Hard = i > 0
		}
		return lines
	}

	lineStart := -1 // first rune of the current line, -1 while between words
	lineWidth := 0
	wordStart := -1
	wordWidth := 0

	flushWord := func(end int) {
		if wordStart < 0 {
			return
		}
		switch {
		case lineStart < 0:
			lineStart, lineWidth = wordStart, wordWidth
		case lineWidth+1+wordWidth <= avail:
			lineWidth += 1 + wordWidth
		default:
			emit(lineStart, wordStart-1) // the separating space is dropped by the wrap
			lineStart, lineWidth = wordStart, wordWidth
		}
		wordStart, wordWidth = -1, 0
		_ = end
	}

	for i, r := range runes {
		if r == ' ' {
			flushWord(i)
			continue
		}
		if wordStart < 0 {
			wordStart = i
		}
		wordWidth += runewidth.RuneWidth(r)
	}
	flushWord(len(runes))
	if lineStart >= 0 {
		emit(lineStart, len(runes))
	}
	if len(lines) == 0 {
		emit(0, 0)
	}
	return lines
}

// sliceSpans reduces block-relative spans to the [start,end) line window.
func sliceSpans(spans []ebook.Span, start, end int) []ebook.Span {
	var out []ebook.Span
	for _, s := range spans {
		if s.End <= start || s.Start >= end {
			continue
		}
		ns := s
		if ns.Start < start {
			ns.Start = start
		}
		if ns.End > end {
			ns.End = end
		}
		out = append(out, ebook.Span{Start: ns.Start - start, End: ns.End - start, Attr: s.Attr})
	}
	return out
}

// assemble cuts the line sequence into pages of the viewport's capacity.
func assemble(lines []Line, vp Viewport) []Page {
	columns, perCol := 1, vp.Height
	if vp.Spread == SpreadDouble {
		columns = 2
	}
	capacity := columns * perCol
	if capacity < 1 {
		capacity = 1
	}

	var pages []Page
	var cur []Line
	flush := func() {
		if len(cur) == 0 {
			return
		}
		pages = append(pages, Page{
			Lines:   cur,
			Columns: columns,
			PerCol:  perCol,
			Start:   linePos(cur[0], false),
			End:     linePos(cur[len(cur)-1], true),
		})
		cur = nil
	}

	for _, ln := range lines {
		if len(cur) == 0 && ln.Kind == LineBlank {
			continue // pages never open with a separator
		}
		cur = append(cur, ln)
		if len(cur) == capacity {
			flush()
			continue
		}
		if ln.Kind == LineSectionBreak && !vp.Seamless {
			flush()
		}
	}
	flush()
	return pages
}

func linePos(ln Line, end bool) ebook.Position {
	p := ebook.Position{Chapter: ln.Chapter, Block: ln.Block, Offset: ln.Start}
	if end {
		p.Offset = ln.End
	}
	return p
}

// Locate returns the index of the page containing pos, or the nearest
// page when pos falls between pages after a reflow.
func Locate(pages []Page, pos ebook.Position) int {
	for i, pg := range pages {
		if cmpPos(pos, pg.End) <= 0 {
			if cmpPos(pos, pg.Start) >= 0 {
				return i
			}
			// pos fell into a gap (dropped separator), snap forward
			return i
		}
	}
	if len(pages) == 0 {
		return 0
	}
	return len(pages) - 1
}

// TotalLines counts rendered lines across the page set.
func TotalLines(pages []Page) int {
	n := 0
	for i := range pages {
		n += len(pages[i].Lines)
	}
	return n
}

// TopOf returns the absolute line offset of page idx's first line within
// the page set.
func TopOf(pages []Page, idx int) int {
	off := 0
	for i := 0; i < idx && i < len(pages); i++ {
		off += len(pages[i].Lines)
	}
	return off
}

// IndexAt returns the index of the page containing the absolute line
// offset off.
func IndexAt(pages []Page, off int) int {
	for i := range pages {
		if off < len(pages[i].Lines) {
			return i
		}
		off -= len(pages[i].Lines)
	}
	if len(pages) == 0 {
		return 0
	}
	return len(pages) - 1
}

// View treats the page set as one continuous column of lines and cuts a
// page-shaped window starting at the absolute line offset top. Row
// scrolling ignores page boundaries, so a window may span two pages.
func View(pages []Page, top int) *Page {
	if len(pages) == 0 {
		return nil
	}
	capacity := pages[0].Columns * pages[0].PerCol
	if capacity < 1 {
		capacity = 1
	}
	if total := TotalLines(pages); top > total-1 {
		top = total - 1
	}
	if top < 0 {
		top = 0
	}
	win := make([]Line, 0, capacity)
	skip := top
	for pi := range pages {
		for _, ln := range pages[pi].Lines {
			if skip > 0 {
				skip--
				continue
			}
			win = append(win, ln)
			if len(win) == capacity {
				break
			}
		}
		if len(win) == capacity {
			break
		}
	}
	if len(win) == 0 {
		return nil
	}
	// a window may open on a separator; anchor Start on content
	start := win[0]
	for _, ln := range win {
		if ln.Kind != LineBlank {
			start = ln
			break
		}
	}
	return &Page{
		Lines:   win,
		Columns: pages[0].Columns,
		PerCol:  pages[0].PerCol,
		Start:   linePos(start, false),
		End:     linePos(win[len(win)-1], true),
	}
}

func cmpPos(a, b ebook.Position) int {
	switch {
	case a.Chapter != b.Chapter:
		return cmp(a.Chapter, b.Chapter)
	case a.Block != b.Block:
		return cmp(a.Block, b.Block)
	default:
		return cmp(a.Offset, b.Offset)
	}
}

func cmp(a, b int) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

// Text reconstructs the normalized text covered by pages, the inverse of
// pagination: text lines of one block joined by the single spaces the wrap
// consumed, blocks joined by newlines. Used to check the lossless
// round-trip property.
func Text(pages []Page) string {
	var sb strings.Builder
	prevBlock, prevChapter := -1, -1
	prevKind := LineBlank
	for _, pg := range pages {
		for _, ln := range pg.Lines {
			if ln.Kind == LineBlank {
				continue
			}
			sameBlock := ln.Chapter == prevChapter && ln.Block == prevBlock
			if prevKind != LineBlank && prevChapter >= 0 {
				switch {
				case sameBlock && ln.Hard:
					sb.WriteByte('\n')
				case sameBlock && ln.Kind == LineText:
					sb.WriteByte(' ')
				case !sameBlock:
					sb.WriteByte('\n')
				}
			}
			sb.WriteString(ln.Text)
			prevBlock, prevChapter, prevKind = ln.Block, ln.Chapter, ln.Kind
		}
	}
	return sb.String()
}
