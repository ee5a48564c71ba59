package ebook

import (
	"testing"
)

func TestFlattenParagraphsAndHeading(t *testing.T) {
	res := BlocksFromHTML(`<html><body>
		<h1 id="top">Loomings</h1>
		<p>Call me <i>Ishmael</i>.</p>
		<p>Some <b>years</b> ago.</p>
	</body></html>`, nil)

	if len(res.Blocks) != 3 {
		t.Fatalf("expected 3 blocks, got %d", len(res.Blocks))
	}
	h := res.Blocks[0]
	if h.Style != StyleHeading || h.Text != "Loomings" {
		t.Fatalf("unexpected heading block: %+v", h)
	}
	if len(h.Spans) == 0 || h.Spans[0] != (Span{Start: 0, End: 8, Attr: Bold}) {
		t.Fatalf("heading should carry a full-width bold span, got %+v", h.Spans)
	}
	p := res.Blocks[1]
	if p.Text != "Call me Ishmael." {
		t.Fatalf("unexpected paragraph text %q", p.Text)
	}
	if len(p.Spans) != 1 || p.Spans[0] != (Span{Start: 8, End: 15, Attr: Italic}) {
		t.Fatalf("unexpected italic span %+v", p.Spans)
	}
	b := res.Blocks[2]
	if len(b.Spans) != 1 || b.Spans[0] != (Span{Start: 5, End: 10, Attr: Bold}) {
		t.Fatalf("unexpected bold span %+v", b.Spans)
	}
	if got, want := res.Anchors["top"], 0; got != want {
		t.Fatalf("anchor top resolved to block %d, want %d", got, want)
	}
}

func TestFlattenReopensEmphasisAcrossBlocks(t *testing.T) {
	res := BlocksFromHTML(`<i>one<p>two</p></i>`, nil)
	if len(res.Blocks) != 2 {
		t.Fatalf("expected 2 blocks, got %d", len(res.Blocks))
	}
	for i, want := range []Span{{Start: 0, End: 3, Attr: Italic}, {Start: 0, End: 3, Attr: Italic}} {
		got := res.Blocks[i].Spans
		if len(got) != 1 || got[0] != want {
			t.Fatalf("block %d spans %+v, want [%+v]", i, got, want)
		}
	}
}

func TestFlattenPreservesPreformattedLines(t *testing.T) {
	res := BlocksFromHTML("<pre>first line\n  second line</pre>", nil)
	if len(res.Blocks) != 1 {
		t.Fatalf("expected 1 block, got %d", len(res.Blocks))
	}
	b := res.Blocks[0]
	if b.Style != StylePre {
		t.Fatalf("expected pre style, got %v", b.Style)
	}
	if b.Text != "first line\n  second line" {
		t.Fatalf("pre text was reflowed: %q", b.Text)
	}
}

func TestFlattenSuperAndSubscript(t *testing.T) {
	res := BlocksFromHTML(`<p>E = mc<sup>2</sup> and H<sub>2</sub>O</p>`, nil)
	if len(res.Blocks) != 1 {
		t.Fatalf("expected 1 block, got %d", len(res.Blocks))
	}
	if got, want := res.Blocks[0].Text, "E = mc^{2} and H_{2}O"; got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestFlattenImagesAndRules(t *testing.T) {
	res := BlocksFromHTML(`<p>before</p><img src="pics/cover%201.png"/><hr/><p>after</p>`, nil)
	if len(res.Blocks) != 4 {
		t.Fatalf("expected 4 blocks, got %d: %+v", len(res.Blocks), res.Blocks)
	}
	if res.Blocks[1].Kind != KindImage || res.Blocks[1].Ref != "pics/cover 1.png" {
		t.Fatalf("unexpected image block %+v", res.Blocks[1])
	}
	if res.Blocks[2].Kind != KindSectionBreak {
		t.Fatalf("hr did not produce a section break: %+v", res.Blocks[2])
	}
}

func TestFlattenSkipsHiddenContent(t *testing.T) {
	res := BlocksFromHTML(`<style>p { color: red }</style><script>alert(1)</script><p>visible</p>`, nil)
	if len(res.Blocks) != 1 || res.Blocks[0].Text != "visible" {
		t.Fatalf("hidden content leaked: %+v", res.Blocks)
	}
}

func TestFlattenListAndQuoteStyles(t *testing.T) {
	res := BlocksFromHTML(`<blockquote>quoted</blockquote><ul><li>item one</li><li>item two</li></ul>`, nil)
	if len(res.Blocks) != 3 {
		t.Fatalf("expected 3 blocks, got %d", len(res.Blocks))
	}
	if res.Blocks[0].Style != StyleQuote {
		t.Fatalf("blockquote style %v", res.Blocks[0].Style)
	}
	if res.Blocks[1].Style != StyleBullet || res.Blocks[2].Style != StyleBullet {
		t.Fatalf("list items not bulleted: %+v", res.Blocks[1:])
	}
}

func TestFlattenCollapsesWhitespace(t *testing.T) {
	res := BlocksFromHTML("<p>  spread \n\t over\n lines  </p>", nil)
	if len(res.Blocks) != 1 {
		t.Fatalf("expected 1 block, got %d", len(res.Blocks))
	}
	if got, want := res.Blocks[0].Text, "spread over lines"; got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestFlattenUnclosedEmphasisClosesAtBlockEnd(t *testing.T) {
	res := BlocksFromHTML(`<p>plain <b>bold to the end</p><p>next</p>`, nil)
	if len(res.Blocks) != 2 {
		t.Fatalf("expected 2 blocks, got %d", len(res.Blocks))
	}
	first := res.Blocks[0]
	n := len([]rune(first.Text))
	if len(first.Spans) != 1 || first.Spans[0].End != n {
		t.Fatalf("open bold span should close at block end, got %+v", first.Spans)
	}
	// the missing end tag means emphasis reopens in the following block
	second := res.Blocks[1]
	if len(second.Spans) != 1 || second.Spans[0].Start != 0 {
		t.Fatalf("bold should reopen at next block start, got %+v", second.Spans)
	}
}
