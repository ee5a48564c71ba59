package tui

import (
	"os"
	"syscall"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/wustho/epy/session"
)

// newPipeTerminal builds a Terminal over a pipe so input parsing and the
// goroutine lifecycle can be driven without a real tty. Output goes to
// the null device; resize probing fails there, which the watcher
// tolerates.
func newPipeTerminal(t *testing.T) (*Terminal, *os.File) {
	t.Helper()
	pr, pw, err := os.Pipe()
	if err != nil {
		t.Fatalf("pipe: %v", err)
	}
	null, err := os.OpenFile(os.DevNull, os.O_WRONLY, 0)
	if err != nil {
		t.Fatalf("open null: %v", err)
	}
	tm := &Terminal{
		in:     pr,
		out:    null,
		log:    zap.NewNop(),
		w:      80,
		h:      24,
		events: make(chan session.Event, 16),
		winch:  make(chan os.Signal, 1),
		quit:   make(chan struct{}),
	}
	tm.wg.Add(2)
	go tm.watchResize()
	go tm.readInput()
	go func() {
		tm.wg.Wait()
		close(tm.events)
	}()
	t.Cleanup(func() {
		pw.Close()
		pr.Close()
		null.Close()
	})
	return tm, pw
}

func nextEvent(t *testing.T, tm *Terminal) session.Event {
	t.Helper()
	select {
	case ev, ok := <-tm.events:
		if !ok {
			t.Fatalf("event stream closed early")
		}
		return ev
	case <-time.After(2 * time.Second):
		t.Fatalf("no event arrived")
	}
	return session.Event{}
}

func TestEventStreamClosesAfterInputEOF(t *testing.T) {
	tm, pw := newPipeTerminal(t)

	if _, err := pw.WriteString("j"); err != nil {
		t.Fatalf("write: %v", err)
	}
	if ev := nextEvent(t, tm); ev.Kind != session.KeyEvent || ev.Rune != 'j' {
		t.Fatalf("unexpected event %+v", ev)
	}

	// a resize racing input EOF must not reach a closed channel
	tm.winch <- syscall.SIGWINCH
	pw.Close()

	// once the reader is gone, a late send returns instead of wedging
	tm.send(session.Event{Kind: session.ResizeEvent, W: 80, H: 24})

	deadline := time.After(2 * time.Second)
	for {
		select {
		case _, ok := <-tm.events:
			if !ok {
				return
			}
		case <-deadline:
			t.Fatalf("event stream did not close after EOF")
		}
	}
}

func TestArrowKeysMapToViMotions(t *testing.T) {
	tm, pw := newPipeTerminal(t)

	if _, err := pw.WriteString("\x1b[A\x1b[B\x1b[C\x1b[D"); err != nil {
		t.Fatalf("write: %v", err)
	}
	for _, want := range []rune{'k', 'j', 'l', 'h'} {
		ev := nextEvent(t, tm)
		if ev.Kind != session.KeyEvent || ev.Rune != want {
			t.Fatalf("arrow event %+v, want rune %q", ev, want)
		}
	}
}

func TestMouseReportsCarryButtonAndModifier(t *testing.T) {
	tm, pw := newPipeTerminal(t)

	cases := []struct {
		seq  string
		btn  int
		mod  bool
		x, y int
	}{
		{"\x1b[<0;10;5M", session.PointerPrimary, false, 9, 4},
		{"\x1b[<2;10;5M", session.PointerSecondary, false, 9, 4},
		{"\x1b[<64;1;1M", session.PointerScrollUp, false, 0, 0},
		{"\x1b[<65;1;1M", session.PointerScrollDown, false, 0, 0},
		// 81 = scroll down + ctrl(16): modifier is split off the code
		{"\x1b[<81;3;2M", session.PointerScrollDown, true, 2, 1},
		// 4 = primary + shift
		{"\x1b[<4;1;1M", session.PointerPrimary, true, 0, 0},
	}
	for _, tc := range cases {
		if _, err := pw.WriteString(tc.seq); err != nil {
			t.Fatalf("write: %v", err)
		}
		ev := nextEvent(t, tm)
		if ev.Kind != session.PointerEvent {
			t.Fatalf("%q: event %+v, want pointer", tc.seq, ev)
		}
		if ev.Btn != tc.btn || ev.Mod != tc.mod || ev.X != tc.x || ev.Y != tc.y {
			t.Fatalf("%q: got btn=%d mod=%v at (%d,%d), want btn=%d mod=%v at (%d,%d)",
				tc.seq, ev.Btn, ev.Mod, ev.X, ev.Y, tc.btn, tc.mod, tc.x, tc.y)
		}
	}
}

func TestMouseDragAndReleaseIgnored(t *testing.T) {
	tm, pw := newPipeTerminal(t)

	// a drag report, a release report, then a key: only the key arrives
	if _, err := pw.WriteString("\x1b[<32;3;3M\x1b[<0;10;5mx"); err != nil {
		t.Fatalf("write: %v", err)
	}
	ev := nextEvent(t, tm)
	if ev.Kind != session.KeyEvent || ev.Rune != 'x' {
		t.Fatalf("expected only the trailing key, got %+v", ev)
	}
}
