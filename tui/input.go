package tui

import (
	"bufio"
	"strconv"
	"strings"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/wustho/epy/session"
)

// readInput turns the raw byte stream into session events until stdin
// closes. Escape sequences are parsed just enough for arrows and SGR
// mouse reports; everything else is delivered as plain runes.
func (t *Terminal) readInput() {
	defer t.wg.Done()
	defer t.shutdown()
	r := bufio.NewReader(t.in)
	for {
		b, err := r.ReadByte()
		if err != nil {
			return
		}
		if b != 0x1b {
			t.dispatchByte(r, b)
			continue
		}

		// bare escape vs sequence
		if r.Buffered() == 0 {
			t.dispatchRune(0x1b)
			continue
		}
		next, _ := r.ReadByte()
		if next != '[' {
			t.dispatchRune(0x1b)
			t.dispatchByte(r, next)
			continue
		}
		t.readCSI(r)
	}
}

func (t *Terminal) dispatchByte(r *bufio.Reader, b byte) {
	if b < utf8.RuneSelf {
		t.dispatchRune(rune(b))
		return
	}
	// multi-byte rune: collect continuation bytes
	buf := []byte{b}
	for !utf8.FullRune(buf) && len(buf) < utf8.UTFMax {
		nb, err := r.ReadByte()
		if err != nil {
			return
		}
		buf = append(buf, nb)
	}
	ru, _ := utf8.DecodeRune(buf)
	if ru != utf8.RuneError {
		t.dispatchRune(ru)
	}
}

func (t *Terminal) readCSI(r *bufio.Reader) {
	var params []byte
	mouse := false
	for {
		b, err := r.ReadByte()
		if err != nil {
			return
		}
		if b == '<' {
			mouse = true
			continue
		}
		if b >= 0x40 && b <= 0x7e { // final byte
			if mouse {
				t.dispatchMouse(string(params), b)
			} else {
				t.dispatchArrow(b)
			}
			return
		}
		params = append(params, b)
		if len(params) > 32 {
			return
		}
	}
}

// dispatchArrow maps cursor keys onto their vi equivalents so the session
// sees one keymap.
func (t *Terminal) dispatchArrow(final byte) {
	switch final {
	case 'A':
		t.dispatchRune('k')
	case 'B':
		t.dispatchRune('j')
	case 'C':
		t.dispatchRune('l')
	case 'D':
		t.dispatchRune('h')
	}
}

// SGR button encoding: the low bits carry the button, higher bits are
// flag modifiers folded into the same number.
const (
	mouseShift  = 4
	mouseMeta   = 8
	mouseCtrl   = 16
	mouseMotion = 32
)

// dispatchMouse handles SGR press reports ("b;x;y" + 'M'). Modifier bits
// are split off the button code so the session sees the base button plus
// a modifier flag.
func (t *Terminal) dispatchMouse(params string, final byte) {
	if final != 'M' {
		return // releases are ignored
	}
	parts := strings.Split(params, ";")
	if len(parts) != 3 {
		return
	}
	btn, err1 := strconv.Atoi(parts[0])
	x, err2 := strconv.Atoi(parts[1])
	y, err3 := strconv.Atoi(parts[2])
	if err1 != nil || err2 != nil || err3 != nil {
		return
	}
	mod := btn&(mouseShift|mouseMeta|mouseCtrl) != 0
	base := btn &^ (mouseShift | mouseMeta | mouseCtrl)
	if base&mouseMotion != 0 && base < session.PointerScrollUp {
		return // drag reports
	}
	switch base {
	case session.PointerPrimary, session.PointerSecondary,
		session.PointerScrollUp, session.PointerScrollDown:
		t.send(session.Event{Kind: session.PointerEvent, Btn: base, Mod: mod, X: x - 1, Y: y - 1})
	}
}

func (t *Terminal) dispatchRune(r rune) {
	t.mu.Lock()
	prompting := t.prompting
	t.mu.Unlock()
	if !prompting {
		t.send(session.Event{Kind: session.KeyEvent, Rune: r})
		return
	}

	switch r {
	case '\r', '\n':
		t.mu.Lock()
		text := string(t.promptBuf)
		t.prompting = false
		t.mu.Unlock()
		t.hidePromptCursor()
		t.send(session.Event{Kind: session.TextEvent, Text: text})
	case 0x1b:
		t.mu.Lock()
		t.prompting = false
		t.mu.Unlock()
		t.hidePromptCursor()
		t.send(session.Event{Kind: session.TextEvent, Cancel: true})
	case 0x7f, '\b':
		t.mu.Lock()
		if n := len(t.promptBuf); n > 0 {
			t.promptBuf = t.promptBuf[:n-1]
		}
		t.mu.Unlock()
		t.redrawPrompt()
	default:
		if r >= ' ' {
			t.mu.Lock()
			t.promptBuf = append(t.promptBuf, r)
			t.mu.Unlock()
			t.redrawPrompt()
		}
	}
}

func (t *Terminal) hidePromptCursor() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.log.Debug("prompt closed", zap.Int("len", len(t.promptBuf)))
	_, _ = t.out.WriteString(escHideCursor)
}
