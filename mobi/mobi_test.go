package mobi

import (
	"bytes"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/wustho/epy/ebook"
)

func testLogger(t *testing.T) *zap.Logger {
	return zaptest.NewLogger(t, zaptest.WrapOptions(zap.AddCaller()))
}

func TestPalmDocDecompress(t *testing.T) {
	cases := []struct {
		name string
		in   []byte
		want string
	}{
		{"literal run", []byte{'a', 'b', 'c'}, "abc"},
		{"escaped bytes", []byte{0x03, '<', 'p', '>'}, "<p>"},
		{"nul passthrough", []byte{'a', 0x00, 'b'}, "a\x00b"},
		// distance 3, length 3 back-reference doubles "abc"
		{"back reference", []byte{'a', 'b', 'c', 0x80, 0x18}, "abcabc"},
		// overlapping copy repeats the last byte
		{"overlapping copy", []byte{'x', 0x80, 0x08}, "xxxx"},
		{"space plus char", []byte{'a', 0xE2}, "a b"},
		{"empty", nil, ""},
	}
	for _, tc := range cases {
		if got := string(palmDocDecompress(tc.in)); got != tc.want {
			t.Fatalf("%s: got %q, want %q", tc.name, got, tc.want)
		}
	}
}

func TestTrailingDataSize(t *testing.T) {
	// one size-entry flag: the backward varint at the record end says how
	// many bytes the entry occupies
	rec := []byte{'h', 'e', 'l', 'l', 'o', 0x01, 0x82}
	if got := trailingDataSize(rec, 0x02); got != 2 {
		t.Fatalf("size entry: got %d, want 2", got)
	}
	// multibyte-overlap flag alone: low two bits of the last byte plus one
	rec = []byte{'a', 'b', 'c', 0x01}
	if got := trailingDataSize(rec, 0x01); got != 2 {
		t.Fatalf("overlap entry: got %d, want 2", got)
	}
	if got := trailingDataSize([]byte{'a', 'b'}, 0x00); got != 0 {
		t.Fatalf("no flags: got %d, want 0", got)
	}
}

func TestParseEXTH(t *testing.T) {
	var buf bytes.Buffer
	buf.WriteString("EXTH")
	record := func(typ uint32, val string) []byte {
		out := make([]byte, 8+len(val))
		binary.BigEndian.PutUint32(out, typ)
		binary.BigEndian.PutUint32(out[4:], uint32(len(out)))
		copy(out[8:], val)
		return out
	}
	recs := append(record(exthAuthor, "Herman Melville"), record(exthTitle, "Moby-Dick")...)
	binary.Write(&buf, binary.BigEndian, uint32(12+len(recs)))
	binary.Write(&buf, binary.BigEndian, uint32(2))
	buf.Write(recs)

	exth := parseEXTH(buf.Bytes())
	if string(exth[exthAuthor]) != "Herman Melville" {
		t.Fatalf("author %q", exth[exthAuthor])
	}
	if string(exth[exthTitle]) != "Moby-Dick" {
		t.Fatalf("title %q", exth[exthTitle])
	}
	if len(parseEXTH([]byte("EXT"))) != 0 {
		t.Fatalf("short block should yield no fields")
	}
	if len(parseEXTH([]byte("JUNKJUNKJUNKJUNK"))) != 0 {
		t.Fatalf("missing signature should yield no fields")
	}
}

func TestPDBHeaderValidate(t *testing.T) {
	var h pdbHeader
	copy(h.Type[:], "BOOK")
	copy(h.Creator[:], "MOBI")
	h.NumRecords = 2
	if err := h.Validate(); err != nil {
		t.Fatalf("valid header rejected: %v", err)
	}
	h.NumRecords = 0
	if err := h.Validate(); err == nil {
		t.Fatalf("empty database accepted")
	}
	copy(h.Type[:], "DATA")
	h.NumRecords = 2
	if err := h.Validate(); err == nil {
		t.Fatalf("foreign type/creator accepted")
	}
}

// writePalmDoc builds a minimal uncompressed TEXtREAd database around the
// given book text.
func writePalmDoc(t *testing.T, name, text string, compression uint16) string {
	t.Helper()

	var pdb pdbHeader
	copy(pdb.Name[:], name)
	copy(pdb.Type[:], "TEXt")
	copy(pdb.Creator[:], "REAd")
	pdb.NumRecords = 2

	var rec0 bytes.Buffer
	binary.Write(&rec0, binary.BigEndian, &palmDocHeader{
		Compression: compression,
		TextLength:  uint32(len(text)),
		RecordCount: 1,
		RecordSize:  4096,
	})

	var buf bytes.Buffer
	binary.Write(&buf, binary.BigEndian, &pdb)
	rec0Start := uint32(pdbHeaderLen + 2*pdbRecordInfoLen)
	binary.Write(&buf, binary.BigEndian, rec0Start)
	binary.Write(&buf, binary.BigEndian, uint32(0))
	binary.Write(&buf, binary.BigEndian, rec0Start+uint32(rec0.Len()))
	binary.Write(&buf, binary.BigEndian, uint32(1))
	buf.Write(rec0.Bytes())
	buf.WriteString(text)

	path := filepath.Join(t.TempDir(), "book.mobi")
	if err := os.WriteFile(path, buf.Bytes(), 0600); err != nil {
		t.Fatalf("write sample: %v", err)
	}
	return path
}

func TestParsePalmDocDatabase(t *testing.T) {
	text := `<h1>Loomings</h1><p>Call me Ishmael.</p>` +
		`<mbp:pagebreak/><h1>The Carpet-Bag</h1><p>I stuffed a shirt.</p>`
	path := writePalmDoc(t, "Test Book", text, compressionNone)

	doc, err := Parse(path, testLogger(t))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if doc.Meta.Title != "Test Book" {
		t.Fatalf("title %q", doc.Meta.Title)
	}
	if len(doc.Chapters) != 2 {
		t.Fatalf("expected 2 chapters, got %d", len(doc.Chapters))
	}
	if doc.Chapters[0].Title != "Loomings" || doc.Chapters[1].Title != "The Carpet-Bag" {
		t.Fatalf("chapter titles %q, %q", doc.Chapters[0].Title, doc.Chapters[1].Title)
	}
	if len(doc.TOC) != 2 || doc.TOC[1].Chapter != 1 {
		t.Fatalf("unexpected toc %+v", doc.TOC)
	}
	if doc.Chapters[0].Blocks[1].Text != "Call me Ishmael." {
		t.Fatalf("unexpected text %+v", doc.Chapters[0].Blocks[1])
	}
}

func TestParseRejectsHuffmanCompression(t *testing.T) {
	path := writePalmDoc(t, "Huffed", "<p>x</p>", compressionHuffman)
	_, err := Parse(path, testLogger(t))
	fe, ok := ebook.AsFormatError(err)
	if !ok || fe.Kind != ebook.UnsupportedFeature {
		t.Fatalf("expected unsupported-feature error, got %v", err)
	}
}

func TestParseRejectsForeignDatabase(t *testing.T) {
	data := make([]byte, 128)
	copy(data[60:], "DATAJUNK")
	path := filepath.Join(t.TempDir(), "foreign.pdb")
	if err := os.WriteFile(path, data, 0600); err != nil {
		t.Fatalf("write: %v", err)
	}
	_, err := Parse(path, testLogger(t))
	fe, ok := ebook.AsFormatError(err)
	if !ok || fe.Kind != ebook.MalformedContainer {
		t.Fatalf("expected malformed-container error, got %v", err)
	}
}

func TestParseTruncatedRecordList(t *testing.T) {
	data := make([]byte, pdbHeaderLen)
	copy(data[:32], "Short")
	copy(data[60:68], "TEXtREAd")
	binary.BigEndian.PutUint16(data[76:], 4)
	path := filepath.Join(t.TempDir(), "short.pdb")
	if err := os.WriteFile(path, data, 0600); err != nil {
		t.Fatalf("write: %v", err)
	}
	_, err := Parse(path, testLogger(t))
	fe, ok := ebook.AsFormatError(err)
	if !ok || fe.Kind != ebook.TruncatedInput {
		t.Fatalf("expected truncated-input error, got %v", err)
	}
}
