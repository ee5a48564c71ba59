// Package ebook defines the normalized in-memory representation shared by
// all format adapters and everything downstream of them. A Document is
// immutable once an adapter constructed it; consumers only read.
package ebook

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// Emphasis is the inline text attribute carried by a Span.
type Emphasis uint8

const (
	Bold Emphasis = iota
	Italic
)

func (e Emphasis) String() string {
	switch e {
	case Bold:
		return "bold"
	case Italic:
		return "italic"
	}
	return fmt.Sprintf("emphasis(%d)", int(e))
}

// Span marks [Start, End) rune interval of a text block.
type Span struct {
	Start, End int
	Attr       Emphasis
}

// BlockKind enumerates the closed set of block variants.
type BlockKind uint8

const (
	KindText BlockKind = iota
	KindImage
	KindSectionBreak
)

// BlockStyle controls how a text block is laid out by the paginator.
type BlockStyle uint8

const (
	StyleNormal BlockStyle = iota
	StyleHeading
	StyleQuote
	StyleBullet
	StylePre
)

// Block is one unit of chapter content. Only fields relevant to the Kind
// are populated.
type Block struct {
	Kind  BlockKind
	Text  string // KindText, whitespace already collapsed unless StylePre
	Spans []Span // KindText
	Style BlockStyle
	Ref   string // KindImage, key for Document.Image
}

// Chapter is an ordered run of blocks in the source's narrative order.
type Chapter struct {
	Title  string
	Blocks []Block
}

// Text returns the chapter's normalized text: text blocks joined by a
// single newline, image and section-break blocks contributing their
// placeholder lines. Pagination preserves exactly this text.
func (c *Chapter) Text() string {
	var sb strings.Builder
	for i, b := range c.Blocks {
		if i > 0 {
			sb.WriteByte('\n')
		}
		switch b.Kind {
		case KindText:
			sb.WriteString(b.Text)
		case KindImage:
			sb.WriteString(ImagePlaceholder)
		case KindSectionBreak:
			sb.WriteString(SectionBreakMarker)
		}
	}
	return sb.String()
}

// Placeholder lines for non-text blocks, shared with the paginator so the
// round-trip invariant holds.
const (
	ImagePlaceholder   = "[IMAGE]"
	SectionBreakMarker = "* * *"
)

// TOCEntry is a table-of-contents node pointing into the chapter list.
type TOCEntry struct {
	Title    string
	Chapter  int
	Block    int
	Children []TOCEntry
}

// Metadata is whatever the source declared about itself. Any field may be
// empty.
type Metadata struct {
	Title      string
	Author     string
	Language   string
	Publisher  string
	Date       string
	Identifier string
}

// Identity names a document across sessions: the canonical source path or
// URL plus a cheap content fingerprint used for deduplication.
type Identity struct {
	Path        string
	Fingerprint string
}

// Key is the persisted-state key for this document.
func (id Identity) Key() string { return id.Path }

// ImageFunc resolves an image reference to its file name and raw bytes.
// Adapters install one; resolution is lazy and happens only when the user
// asks for an image to be displayed.
type ImageFunc func(ref string) (name string, data []byte, err error)

// Document is the uniform content model every adapter produces.
type Document struct {
	ID       Identity
	Meta     Metadata
	Chapters []Chapter
	TOC      []TOCEntry

	image  ImageFunc
	closer io.Closer
}

// New assembles a Document. Adapters pass nil image/closer when the format
// has no image set or holds no resources.
func New(id Identity, meta Metadata, chapters []Chapter, toc []TOCEntry, image ImageFunc, closer io.Closer) *Document {
	return &Document{ID: id, Meta: meta, Chapters: chapters, TOC: toc, image: image, closer: closer}
}

// Image resolves an image reference lazily.
func (d *Document) Image(ref string) (string, []byte, error) {
	if d.image == nil {
		return "", nil, &FormatError{Kind: UnsupportedFeature, Err: fmt.Errorf("document has no image set")}
	}
	return d.image(ref)
}

// Close releases whatever the producing adapter still holds (zip handle,
// temporary files). Safe to call more than once.
func (d *Document) Close() error {
	if d.closer == nil {
		return nil
	}
	c := d.closer
	d.closer = nil
	return c.Close()
}

// DisplayTitle prefers declared metadata over the file name.
func (d *Document) DisplayTitle() string {
	if d.Meta.Title != "" {
		return d.Meta.Title
	}
	return filepath.Base(d.ID.Path)
}

// Position is the resumable reading cursor: a precise spot inside a
// Document. Offset counts runes into the block's text.
type Position struct {
	Chapter      int
	Block        int
	Offset       int
	PendingImage bool
}

// Clamp returns the nearest valid position inside d. Used after reflow or
// when restoring a cursor saved against a changed source.
func (d *Document) Clamp(p Position) Position {
	if len(d.Chapters) == 0 {
		return Position{}
	}
	if p.Chapter < 0 {
		p.Chapter = 0
	}
	if p.Chapter >= len(d.Chapters) {
		p.Chapter = len(d.Chapters) - 1
	}
	blocks := d.Chapters[p.Chapter].Blocks
	if len(blocks) == 0 {
		return Position{Chapter: p.Chapter}
	}
	if p.Block < 0 {
		p.Block = 0
	}
	if p.Block >= len(blocks) {
		p.Block = len(blocks) - 1
		p.Offset = 0
	}
	if b := blocks[p.Block]; b.Kind == KindText {
		if n := len([]rune(b.Text)); p.Offset > n {
			p.Offset = n
		}
	} else {
		p.Offset = 0
	}
	if p.Offset < 0 {
		p.Offset = 0
	}
	return p
}

// Fingerprint hashes the head of the source together with its size. Good
// enough to tell two editions of the same path apart without reading
// gigabytes.
func Fingerprint(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	fi, err := f.Stat()
	if err != nil {
		return "", err
	}
	h := sha1.New()
	fmt.Fprintf(h, "%d:", fi.Size())
	if _, err := io.CopyN(h, f, 64*1024); err != nil && err != io.EOF {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil))[:16], nil
}

// FingerprintBytes is the in-memory variant used by the remote adapter.
func FingerprintBytes(data []byte) string {
	h := sha1.New()
	fmt.Fprintf(h, "%d:", len(data))
	if len(data) > 64*1024 {
		data = data[:64*1024]
	}
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))[:16]
}
