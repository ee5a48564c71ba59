// Package tui is the ANSI terminal frontend: it owns the raw-mode
// terminal, turns keyboard and mouse bytes into session events, and draws
// pages and overlays. It holds no reading state of its own; everything it
// shows comes from the session.
package tui

import (
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	runewidth "github.com/mattn/go-runewidth"
	"go.uber.org/zap"
	"golang.org/x/term"

	"github.com/wustho/epy/ebook"
	"github.com/wustho/epy/page"
	"github.com/wustho/epy/session"
)

const (
	escClear      = "\x1b[2J"
	escHome       = "\x1b[H"
	escHideCursor = "\x1b[?25l"
	escShowCursor = "\x1b[?25h"
	escReset      = "\x1b[0m"
	escBold       = "\x1b[1m"
	escItalic     = "\x1b[3m"
	escReverse    = "\x1b[7m"
	escDim        = "\x1b[2m"
	escMouseOn    = "\x1b[?1000;1006h"
	escMouseOff   = "\x1b[?1000;1006l"
)

// color schemes, SGR fragments applied before each frame
var schemes = map[string]string{
	"default": "",
	"dark":    "\x1b[97;40m",
	"light":   "\x1b[30;107m",
}

// Terminal implements session.Renderer on a raw-mode terminal.
type Terminal struct {
	in, out  *os.File
	oldState *term.State
	log      *zap.Logger

	mu     sync.Mutex
	w, h   int
	scheme string
	mouse  bool

	prompting bool
	promptLab string
	promptBuf []rune

	events chan session.Event
	winch  chan os.Signal
	quit   chan struct{}
	once   sync.Once
	wg     sync.WaitGroup
}

// Options configure the frontend from the reader settings.
type Options struct {
	ColorScheme string
	Mouse       bool
}

// New switches the terminal to raw mode. Callers must Close to restore it.
func New(opt Options, log *zap.Logger) (*Terminal, error) {
	in, out := os.Stdin, os.Stdout
	if !term.IsTerminal(int(in.Fd())) || !term.IsTerminal(int(out.Fd())) {
		return nil, fmt.Errorf("reader needs an interactive terminal")
	}
	old, err := term.MakeRaw(int(in.Fd()))
	if err != nil {
		return nil, fmt.Errorf("raw mode: %w", err)
	}
	w, h, err := term.GetSize(int(out.Fd()))
	if err != nil {
		term.Restore(int(in.Fd()), old)
		return nil, fmt.Errorf("terminal size: %w", err)
	}
	t := &Terminal{
		in:       in,
		out:      out,
		oldState: old,
		log:      log,
		w:        w,
		h:        h,
		scheme:   schemes[opt.ColorScheme],
		mouse:    opt.Mouse,
		events:   make(chan session.Event, 16),
		winch:    make(chan os.Signal, 1),
		quit:     make(chan struct{}),
	}
	fmt.Fprint(out, escHideCursor)
	if t.mouse {
		fmt.Fprint(out, escMouseOn)
	}
	signal.Notify(t.winch, syscall.SIGWINCH)
	t.wg.Add(2)
	go t.watchResize()
	go t.readInput()
	// the events channel closes only after both senders have exited
	go func() {
		t.wg.Wait()
		close(t.events)
	}()
	return t, nil
}

// Events is the stream the session loop consumes.
func (t *Terminal) Events() <-chan session.Event { return t.events }

// Close restores the terminal.
func (t *Terminal) Close() error {
	t.shutdown()
	signal.Stop(t.winch)
	if t.mouse {
		fmt.Fprint(t.out, escMouseOff)
	}
	fmt.Fprint(t.out, escReset+escClear+escHome+escShowCursor)
	return term.Restore(int(t.in.Fd()), t.oldState)
}

// shutdown stops both input goroutines. Safe to call from any of them
// and from Close; only the first call fires.
func (t *Terminal) shutdown() {
	t.once.Do(func() { close(t.quit) })
}

// send delivers an event unless the terminal is shutting down, so a
// stalled session loop never wedges an input goroutine.
func (t *Terminal) send(ev session.Event) {
	select {
	case t.events <- ev:
	case <-t.quit:
	}
}

func (t *Terminal) Size() (int, int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.w, t.h
}

func (t *Terminal) watchResize() {
	defer t.wg.Done()
	for {
		select {
		case <-t.quit:
			return
		case <-t.winch:
		}
		w, h, err := term.GetSize(int(t.out.Fd()))
		if err != nil {
			continue
		}
		t.mu.Lock()
		t.w, t.h = w, h
		t.mu.Unlock()
		t.send(session.Event{Kind: session.ResizeEvent, W: w, H: h})
	}
}

// RenderPage draws one page plus the status row.
func (t *Terminal) RenderPage(p *page.Page, st session.Status) {
	t.mu.Lock()
	defer t.mu.Unlock()

	var b strings.Builder
	b.WriteString(t.scheme + escClear + escHome)
	if p != nil {
		t.drawPage(&b, p)
	}
	t.drawStatus(&b, st)
	fmt.Fprint(t.out, b.String())
}

func (t *Terminal) drawPage(b *strings.Builder, p *page.Page) {
	textw := t.textWidth(p)
	for i, ln := range p.Lines {
		row, col := i+1, t.marginFor(p, i, textw)
		if p.Columns == 2 && i >= p.PerCol {
			row = i - p.PerCol + 1
		}
		fmt.Fprintf(b, "\x1b[%d;%dH", row, col+1)
		b.WriteString(renderLine(ln, textw))
	}
}

// textWidth recovers the wrap width from the widest line; margins center
// the text column in the terminal.
func (t *Terminal) textWidth(p *page.Page) int {
	w := 0
	for _, ln := range p.Lines {
		if lw := runewidth.StringWidth(ln.Text) + ln.Indent; lw > w {
			w = lw
		}
	}
	if w == 0 {
		w = 1
	}
	return w
}

func (t *Terminal) marginFor(p *page.Page, i, textw int) int {
	if p.Columns == 2 {
		half := t.w / 2
		left := (half - textw) / 2
		if left < 0 {
			left = 0
		}
		if i >= p.PerCol {
			return half + left
		}
		return left
	}
	m := (t.w - textw) / 2
	if m < 0 {
		m = 0
	}
	return m
}

// renderLine applies centering, indent and emphasis spans.
func renderLine(ln page.Line, textw int) string {
	var b strings.Builder
	switch ln.Kind {
	case page.LineBlank:
		return ""
	case page.LineImage, page.LineSectionBreak:
		pad := (textw - runewidth.StringWidth(ln.Text)) / 2
		if pad > 0 {
			b.WriteString(strings.Repeat(" ", pad))
		}
		b.WriteString(escDim + ln.Text + escReset)
		return b.String()
	}

	if ln.Center {
		pad := (textw - runewidth.StringWidth(ln.Text)) / 2
		if pad > 0 {
			b.WriteString(strings.Repeat(" ", pad))
		}
	} else if ln.Indent > 0 {
		if ln.Bullet {
			b.WriteString(strings.Repeat(" ", ln.Indent-2) + "- ")
		} else {
			b.WriteString(strings.Repeat(" ", ln.Indent))
		}
	}

	runes := []rune(ln.Text)
	for i, r := range runes {
		for _, s := range ln.Spans {
			if s.Start == i {
				switch s.Attr {
				case ebook.Bold:
					b.WriteString(escBold)
				case ebook.Italic:
					b.WriteString(escItalic)
				}
			}
			if s.End == i {
				b.WriteString("\x1b[22;23m")
			}
		}
		b.WriteRune(r)
	}
	for _, s := range ln.Spans {
		if s.End == len(runes) {
			b.WriteString("\x1b[22;23m")
		}
	}
	return b.String()
}

func (t *Terminal) drawStatus(b *strings.Builder, st session.Status) {
	left := st.Title
	right := fmt.Sprintf("%3.0f%%", st.Percent*100)
	if st.Message != "" {
		right = st.Message + "  " + right
	}
	pad := t.w - runewidth.StringWidth(left) - runewidth.StringWidth(right) - 2
	if pad < 1 {
		if lw := t.w - runewidth.StringWidth(right) - 3; lw > 0 {
			left = runewidth.Truncate(left, lw, "…")
		}
		pad = 1
	}
	fmt.Fprintf(b, "\x1b[%d;1H%s %s%s%s %s", t.h, escDim, left, strings.Repeat(" ", pad), right, escReset)
}

// RenderOverlay draws a full-screen list with one selected row.
func (t *Terminal) RenderOverlay(mode session.Mode, title string, lines []string, selected int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	var b strings.Builder
	b.WriteString(t.scheme + escClear + escHome)
	if title != "" {
		fmt.Fprintf(&b, "\x1b[1;2H%s%s%s", escBold, title, escReset)
	}

	avail := t.h - 3
	first := 0
	if selected >= avail {
		first = selected - avail + 1
	}
	for i := 0; i < avail && first+i < len(lines); i++ {
		line := runewidth.Truncate(lines[first+i], t.w-4, "…")
		if first+i == selected {
			fmt.Fprintf(&b, "\x1b[%d;3H%s%s%s", i+3, escReverse, line, escReset)
		} else {
			fmt.Fprintf(&b, "\x1b[%d;3H%s", i+3, line)
		}
	}
	fmt.Fprintf(&b, "\x1b[%d;1H%sj/k move · enter select · q close%s", t.h, escDim, escReset)
	fmt.Fprint(t.out, b.String())
}

// Prompt opens the bottom-row line editor; committed text comes back to
// the session as a TextEvent.
func (t *Terminal) Prompt(mode session.Mode, label string) {
	t.mu.Lock()
	t.prompting = true
	t.promptLab = label
	t.promptBuf = t.promptBuf[:0]
	t.mu.Unlock()
	t.redrawPrompt()
}

func (t *Terminal) redrawPrompt() {
	t.mu.Lock()
	defer t.mu.Unlock()
	fmt.Fprintf(t.out, "\x1b[%d;1H\x1b[2K%s%s%s", t.h, t.promptLab, string(t.promptBuf), escShowCursor)
}
