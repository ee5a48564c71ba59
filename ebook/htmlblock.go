package ebook

import (
	"net/url"
	"regexp"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/net/html"
)

// FlattenResult is a chapter's worth of markup reduced to blocks plus the
// id anchors needed to resolve intra-document TOC links.
type FlattenResult struct {
	Blocks []Block
	// Anchors maps an element id to the index of the block that starts at
	// (or right after) it.
	Anchors map[string]int
}

var (
	paraTags    = map[string]bool{"p": true, "div": true}
	quoteTags   = map[string]bool{"q": true, "dt": true, "dd": true, "blockquote": true}
	bulletTags  = map[string]bool{"li": true}
	hiddenTags  = map[string]bool{"script": true, "style": true, "head": true, "template": true}
	italicTags  = map[string]bool{"i": true, "em": true}
	boldTags    = map[string]bool{"b": true, "strong": true}
	headingTags = map[string]bool{"h1": true, "h2": true, "h3": true, "h4": true, "h5": true, "h6": true}

	spaceRun = regexp.MustCompile(`\s+`)
)

type blockBuilder struct {
	out     []Block
	anchors map[string]int

	text    strings.Builder
	runes   int
	style   BlockStyle
	spans   []Span
	openB   int // rune offset of the still-open bold span, -1 when none
	openI   int
	hidden  int
	preDeep int
}

func newBlockBuilder() *blockBuilder {
	return &blockBuilder{anchors: map[string]int{}, openB: -1, openI: -1}
}

// flush ends the current text block. Open emphasis spans are closed at the
// block boundary and reopened in the next block, so a missing end tag never
// leaks styling past a paragraph.
func (bb *blockBuilder) flush() {
	text := bb.text.String()
	if bb.preDeep == 0 {
		text = strings.TrimSpace(text)
	}
	if text != "" {
		spans := bb.spans
		if bb.openB >= 0 && bb.openB < bb.runes {
			spans = append(spans, Span{Start: bb.openB, End: bb.runes, Attr: Bold})
		}
		if bb.openI >= 0 && bb.openI < bb.runes {
			spans = append(spans, Span{Start: bb.openI, End: bb.runes, Attr: Italic})
		}
		spans = clampSpans(spans, len([]rune(text)))
		bb.out = append(bb.out, Block{Kind: KindText, Text: text, Spans: spans, Style: bb.style})
	}
	bb.text.Reset()
	bb.runes = 0
	bb.spans = nil
	bb.style = StyleNormal
	if bb.openB >= 0 {
		bb.openB = 0
	}
	if bb.openI >= 0 {
		bb.openI = 0
	}
}

func clampSpans(spans []Span, n int) []Span {
	var keep []Span
	for _, s := range spans {
		if s.Start >= n {
			continue
		}
		if s.End > n {
			s.End = n
		}
		if s.End > s.Start {
			keep = append(keep, s)
		}
	}
	return keep
}

func (bb *blockBuilder) writeText(raw string) {
	if bb.hidden > 0 {
		return
	}
	var line string
	if bb.preDeep > 0 {
		line = raw
	} else {
		line = spaceRun.ReplaceAllString(raw, " ")
		if bb.runes == 0 {
			line = strings.TrimLeft(line, " ")
		} else if strings.HasSuffix(bb.text.String(), " ") {
			line = strings.TrimLeft(line, " ")
		}
	}
	bb.text.WriteString(line)
	bb.runes += len([]rune(line))
}

func (bb *blockBuilder) anchor(id string) {
	if id == "" {
		return
	}
	if _, dup := bb.anchors[id]; dup {
		return
	}
	bb.anchors[id] = len(bb.out)
}

func (bb *blockBuilder) image(src string) {
	if src == "" {
		return
	}
	if u, err := url.QueryUnescape(src); err == nil {
		src = u
	}
	bb.flush()
	bb.out = append(bb.out, Block{Kind: KindImage, Ref: src})
}

func attrVal(tok html.Token, keys ...string) string {
	for _, a := range tok.Attr {
		for _, k := range keys {
			if a.Key == k || strings.HasSuffix(a.Key, ":"+k) {
				return a.Val
			}
		}
	}
	return ""
}

// BlocksFromHTML reduces chapter markup to the block model. It never
// fails: malformed sub-elements degrade to plain text and are logged,
// following the skip-and-warn contract every adapter shares. The log may
// be nil.
func BlocksFromHTML(src string, log *zap.Logger) FlattenResult {
	if log == nil {
		log = zap.NewNop()
	}
	bb := newBlockBuilder()
	z := html.NewTokenizer(strings.NewReader(src))

	for {
		tt := z.Next()
		if tt == html.ErrorToken {
			// io.EOF for well-formed input; anything else means the
			// tokenizer got stuck and we keep whatever was flattened
			break
		}
		tok := z.Token()
		tag := tok.Data

		switch tt {
		case html.StartTagToken:
			bb.anchor(attrVal(tok, "id", "name"))
			switch {
			case hiddenTags[tag]:
				bb.hidden++
			case headingTags[tag]:
				bb.flush()
				bb.style = StyleHeading
			case paraTags[tag]:
				bb.flush()
			case quoteTags[tag]:
				bb.flush()
				bb.style = StyleQuote
			case bulletTags[tag]:
				bb.flush()
				bb.style = StyleBullet
			case tag == "pre":
				bb.flush()
				bb.style = StylePre
				bb.preDeep++
			case italicTags[tag]:
				if bb.openI < 0 {
					bb.openI = bb.runes
				}
			case boldTags[tag]:
				if bb.openB < 0 {
					bb.openB = bb.runes
				}
			case tag == "sup":
				bb.writeText("^{")
			case tag == "sub":
				bb.writeText("_{")
			case tag == "img" || tag == "image":
				bb.image(attrVal(tok, "src", "href"))
			}
		case html.SelfClosingTagToken:
			bb.anchor(attrVal(tok, "id", "name"))
			switch {
			case tag == "br":
				bb.flush()
			case tag == "hr":
				bb.flush()
				bb.out = append(bb.out, Block{Kind: KindSectionBreak})
			case tag == "img" || tag == "image":
				bb.image(attrVal(tok, "src", "href"))
			}
		case html.EndTagToken:
			switch {
			case hiddenTags[tag]:
				if bb.hidden > 0 {
					bb.hidden--
				}
			case headingTags[tag], paraTags[tag], quoteTags[tag], bulletTags[tag]:
				bb.flush()
			case tag == "pre":
				bb.flush()
				if bb.preDeep > 0 {
					bb.preDeep--
				}
			case italicTags[tag]:
				if bb.openI >= 0 && bb.runes > bb.openI {
					bb.spans = append(bb.spans, Span{Start: bb.openI, End: bb.runes, Attr: Italic})
				}
				bb.openI = -1
			case boldTags[tag]:
				if bb.openB >= 0 && bb.runes > bb.openB {
					bb.spans = append(bb.spans, Span{Start: bb.openB, End: bb.runes, Attr: Bold})
				}
				bb.openB = -1
			case tag == "sup" || tag == "sub":
				bb.writeText("}")
			}
		case html.TextToken:
			bb.writeText(tok.Data)
		}
	}
	bb.flush()

	// heading blocks render bold over their whole width
	for i, b := range bb.out {
		if b.Kind == KindText && b.Style == StyleHeading {
			n := len([]rune(b.Text))
			bb.out[i].Spans = append([]Span{{Start: 0, End: n, Attr: Bold}}, b.Spans...)
		}
	}
	return FlattenResult{Blocks: bb.out, Anchors: bb.anchors}
}
