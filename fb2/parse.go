// Package fb2 normalizes FictionBook 2.0 files into the uniform document
// model. There is no container step: the whole book is one XML tree, with
// body/section nesting mapping to chapter boundaries and base64 <binary>
// elements carrying the image set.
package fb2

import (
	"archive/zip"
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"path"
	"strings"

	"github.com/beevik/etree"
	"go.uber.org/zap"
	"golang.org/x/net/html/charset"

	"github.com/wustho/epy/archive"
	"github.com/wustho/epy/ebook"
)

// Parse reads and normalizes the FictionBook at path, which may be a
// bare .fb2 file or the common zipped distribution form. A missing root
// or an unparsable tree is fatal; malformed sub-elements are skipped
// with a recorded warning.
func Parse(srcPath string, log *zap.Logger) (*ebook.Document, error) {
	fp, err := ebook.Fingerprint(srcPath)
	if err != nil {
		return nil, &ebook.FormatError{Kind: ebook.TruncatedInput, Err: err}
	}
	raw, err := readSource(srcPath)
	if err != nil {
		return nil, err
	}

	doc := etree.NewDocument()
	// Old FB2 files often carry declared single-byte encodings and loose
	// markup, read them the permissive way.
	doc.ReadSettings = etree.ReadSettings{
		CharsetReader: charset.NewReaderLabel,
		Permissive:    true,
	}
	if err := doc.ReadFromBytes(raw); err != nil {
		return nil, &ebook.FormatError{Kind: ebook.MalformedContainer, Err: fmt.Errorf("unable to read FB2: %w", err)}
	}

	root := doc.Root()
	if root == nil {
		return nil, &ebook.FormatError{Kind: ebook.MalformedContainer, Err: fmt.Errorf("document has no root element")}
	}
	if root.Tag != "FictionBook" {
		return nil, &ebook.FormatError{Kind: ebook.MalformedContainer, Err: fmt.Errorf("unexpected root element %q", root.Tag)}
	}

	var (
		meta     ebook.Metadata
		chapters []ebook.Chapter
		toc      []ebook.TOCEntry
		binaries = map[string]binaryObject{}
	)

	for _, child := range root.ChildElements() {
		switch child.Tag {
		case "description":
			meta = parseDescription(child, log)
		case "body":
			// the first body is the main text, the rest are notes and
			// comments which still read in narrative order
			parseBody(child, &chapters, &toc, log)
		case "binary":
			id := child.SelectAttrValue("id", "")
			if id == "" {
				log.Warn("Binary element without id, ignoring")
				continue
			}
			binaries[id] = binaryObject{
				contentType: child.SelectAttrValue("content-type", ""),
				data:        strings.TrimSpace(child.Text()),
			}
		case "stylesheet":
			// presentation only, nothing to read
		default:
			log.Warn("Unexpected tag in FictionBook, ignoring", zap.String("parent", root.Tag), zap.String("tag", child.Tag))
		}
	}

	if len(chapters) == 0 {
		return nil, &ebook.FormatError{Kind: ebook.MalformedContainer, Err: fmt.Errorf("book has no readable body")}
	}

	image := func(ref string) (string, []byte, error) {
		id := strings.TrimPrefix(ref, "#")
		bin, ok := binaries[id]
		if !ok {
			return "", nil, fmt.Errorf("no binary with id %q", id)
		}
		data, err := base64.StdEncoding.DecodeString(strings.Map(dropSpace, bin.data))
		if err != nil {
			return "", nil, fmt.Errorf("binary %q: %w", id, err)
		}
		return bin.filename(id), data, nil
	}

	id := ebook.Identity{Path: srcPath, Fingerprint: fp}
	return ebook.New(id, meta, chapters, toc, image, nil), nil
}

var errEntryFound = errors.New("entry found")

// readSource returns the raw FB2 payload. Zipped books hand back the
// first .fb2 entry of the container; everything else is read as is.
func readSource(srcPath string) ([]byte, error) {
	raw, err := os.ReadFile(srcPath)
	if err != nil {
		return nil, &ebook.FormatError{Kind: ebook.TruncatedInput, Err: err}
	}
	if !bytes.HasPrefix(raw, []byte("PK\x03\x04")) {
		return raw, nil
	}

	c, err := archive.Open(srcPath)
	if err != nil {
		return nil, &ebook.FormatError{Kind: ebook.MalformedContainer, Err: fmt.Errorf("fb2 container: %w", err)}
	}
	defer c.Close()

	var entry string
	err = c.Walk("", func(file *zip.File) error {
		if strings.EqualFold(path.Ext(file.Name), ".fb2") {
			entry = file.Name
			return errEntryFound
		}
		return nil
	})
	if err != nil && !errors.Is(err, errEntryFound) {
		return nil, &ebook.FormatError{Kind: ebook.MalformedContainer, Err: err}
	}
	if entry == "" {
		return nil, &ebook.FormatError{Kind: ebook.MalformedContainer, Err: errors.New("fb2 container holds no .fb2 entry")}
	}
	data, err := c.ReadAll(entry)
	if err != nil {
		return nil, &ebook.FormatError{Kind: ebook.MalformedContainer, Err: fmt.Errorf("fb2 container: %w", err)}
	}
	return data, nil
}

type binaryObject struct {
	contentType string
	data        string
}

func (b binaryObject) filename(id string) string {
	if i := strings.LastIndexByte(b.contentType, '/'); i >= 0 && i+1 < len(b.contentType) {
		return id + "." + b.contentType[i+1:]
	}
	return id
}

func dropSpace(r rune) rune {
	switch r {
	case ' ', '\t', '\n', '\r':
		return -1
	}
	return r
}

func parseDescription(el *etree.Element, log *zap.Logger) ebook.Metadata {
	var meta ebook.Metadata
	ti := el.FindElement("title-info")
	if ti == nil {
		log.Warn("Description without title-info")
		return meta
	}
	if t := ti.FindElement("book-title"); t != nil {
		meta.Title = strings.TrimSpace(t.Text())
	}
	if a := ti.FindElement("author"); a != nil {
		var parts []string
		for _, name := range []string{"first-name", "middle-name", "last-name"} {
			if n := a.FindElement(name); n != nil {
				if s := strings.TrimSpace(n.Text()); s != "" {
					parts = append(parts, s)
				}
			}
		}
		meta.Author = strings.Join(parts, " ")
	}
	if l := ti.FindElement("lang"); l != nil {
		meta.Language = strings.TrimSpace(l.Text())
	}
	if d := ti.FindElement("date"); d != nil {
		meta.Date = strings.TrimSpace(d.Text())
	}
	if di := el.FindElement("document-info"); di != nil {
		if idEl := di.FindElement("id"); idEl != nil {
			meta.Identifier = strings.TrimSpace(idEl.Text())
		}
	}
	return meta
}

// parseBody turns each top-level section of a body into one chapter. A
// body with loose paragraphs but no sections becomes a single chapter.
func parseBody(el *etree.Element, chapters *[]ebook.Chapter, toc *[]ebook.TOCEntry, log *zap.Logger) {
	var loose []ebook.Block
	for _, child := range el.ChildElements() {
		switch child.Tag {
		case "section":
			ch := parseSection(child, log)
			if len(ch.Blocks) == 0 {
				continue
			}
			ch.Blocks = append(ch.Blocks, ebook.Block{Kind: ebook.KindSectionBreak})
			if ch.Title != "" {
				*toc = append(*toc, ebook.TOCEntry{Title: ch.Title, Chapter: len(*chapters)})
			}
			*chapters = append(*chapters, ch)
		case "title", "epigraph":
			loose = append(loose, sectionContent(child, log)...)
		case "image":
			if ref := imageRef(child); ref != "" {
				loose = append(loose, ebook.Block{Kind: ebook.KindImage, Ref: ref})
			}
		default:
			log.Warn("Unexpected tag in body, ignoring", zap.String("tag", child.Tag))
		}
	}
	if len(loose) > 0 {
		loose = append(loose, ebook.Block{Kind: ebook.KindSectionBreak})
		*chapters = append(*chapters, ebook.Chapter{Blocks: loose})
	}
}

// parseSection flattens one section, descending into nested sections: the
// reader model keeps chapter granularity at the top level and renders
// inner section boundaries as separator blocks.
func parseSection(el *etree.Element, log *zap.Logger) ebook.Chapter {
	var ch ebook.Chapter
	for _, child := range el.ChildElements() {
		switch child.Tag {
		case "title":
			blocks := sectionContent(child, log)
			for i := range blocks {
				blocks[i].Style = ebook.StyleHeading
				if blocks[i].Kind == ebook.KindText {
					n := len([]rune(blocks[i].Text))
					blocks[i].Spans = []ebook.Span{{Start: 0, End: n, Attr: ebook.Bold}}
				}
			}
			if ch.Title == "" && len(blocks) > 0 && blocks[0].Kind == ebook.KindText {
				ch.Title = blocks[0].Text
			}
			ch.Blocks = append(ch.Blocks, blocks...)
		case "section":
			inner := parseSection(child, log)
			if len(inner.Blocks) == 0 {
				continue
			}
			ch.Blocks = append(ch.Blocks, ebook.Block{Kind: ebook.KindSectionBreak})
			ch.Blocks = append(ch.Blocks, inner.Blocks...)
		default:
			ch.Blocks = append(ch.Blocks, blockFromElement(child, log)...)
		}
	}
	return ch
}

// sectionContent flattens title/epigraph/annotation style wrappers.
func sectionContent(el *etree.Element, log *zap.Logger) []ebook.Block {
	var blocks []ebook.Block
	for _, child := range el.ChildElements() {
		blocks = append(blocks, blockFromElement(child, log)...)
	}
	if len(blocks) == 0 {
		if text := strings.TrimSpace(el.Text()); text != "" {
			blocks = append(blocks, ebook.Block{Kind: ebook.KindText, Text: text})
		}
	}
	return blocks
}

func blockFromElement(el *etree.Element, log *zap.Logger) []ebook.Block {
	switch el.Tag {
	case "p", "v", "subtitle", "text-author":
		b := paragraphBlock(el)
		if b.Text == "" {
			return nil
		}
		if el.Tag == "subtitle" {
			b.Style = ebook.StyleHeading
		}
		return []ebook.Block{b}
	case "empty-line":
		return nil
	case "image":
		if ref := imageRef(el); ref != "" {
			return []ebook.Block{{Kind: ebook.KindImage, Ref: ref}}
		}
		return nil
	case "poem", "cite", "epigraph", "annotation", "stanza":
		var blocks []ebook.Block
		for _, child := range el.ChildElements() {
			inner := blockFromElement(child, log)
			for i := range inner {
				if inner[i].Style == ebook.StyleNormal {
					inner[i].Style = ebook.StyleQuote
				}
			}
			blocks = append(blocks, inner...)
		}
		return blocks
	default:
		log.Warn("Unexpected tag in section, flattening as paragraph", zap.String("tag", el.Tag))
		b := paragraphBlock(el)
		if b.Text == "" {
			return nil
		}
		return []ebook.Block{b}
	}
}

// paragraphBlock collects a paragraph's text with inline emphasis spans.
// FB2 inline markup nests (<strong>, <emphasis>, <style>, links), the
// walk keeps rune offsets for span boundaries.
func paragraphBlock(el *etree.Element) ebook.Block {
	var (
		sb    strings.Builder
		runes int
		spans []ebook.Span
	)
	var walk func(e *etree.Element, bold, italic bool)
	appendText := func(s string, bold, italic bool) {
		s = collapseSpace(s, sb.Len() == 0 || strings.HasSuffix(sb.String(), " "))
		if s == "" {
			return
		}
		start := runes
		sb.WriteString(s)
		runes += len([]rune(s))
		if bold {
			spans = append(spans, ebook.Span{Start: start, End: runes, Attr: ebook.Bold})
		}
		if italic {
			spans = append(spans, ebook.Span{Start: start, End: runes, Attr: ebook.Italic})
		}
	}
	walk = func(e *etree.Element, bold, italic bool) {
		appendText(e.Text(), bold, italic)
		for _, child := range e.ChildElements() {
			cb, ci := bold, italic
			switch child.Tag {
			case "strong":
				cb = true
			case "emphasis":
				ci = true
			}
			walk(child, cb, ci)
			appendText(child.Tail(), bold, italic)
		}
	}
	walk(el, false, false)
	text := strings.TrimRight(sb.String(), " ")
	var keep []ebook.Span
	n := len([]rune(text))
	for _, s := range spans {
		if s.Start >= n {
			continue
		}
		if s.End > n {
			s.End = n
		}
		keep = append(keep, s)
	}
	return ebook.Block{Kind: ebook.KindText, Text: text, Spans: keep}
}

func collapseSpace(s string, afterSpace bool) string {
	fields := strings.Fields(s)
	if len(fields) == 0 {
		return ""
	}
	out := strings.Join(fields, " ")
	if !afterSpace && (strings.HasPrefix(s, " ") || strings.HasPrefix(s, "\n") || strings.HasPrefix(s, "\t")) {
		out = " " + out
	}
	if strings.HasSuffix(s, " ") || strings.HasSuffix(s, "\n") || strings.HasSuffix(s, "\t") {
		out += " "
	}
	return out
}

func imageRef(el *etree.Element) string {
	for _, a := range el.Attr {
		if a.Key == "href" {
			return a.Value
		}
	}
	return ""
}
