// Package mobi normalizes Palm database ebooks: PalmDOC text, MOBI and
// the KF8 (AZW3) successor that shares the same record container. Text
// records are decompressed, format markup stripped, and embedded image
// records exposed opportunistically — an image whose encoding is not
// recognized is skipped, never fatal.
package mobi

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"

	"github.com/h2non/filetype"
	"go.uber.org/zap"
	"golang.org/x/text/encoding/charmap"

	"github.com/wustho/epy/ebook"
)

// Palm database constants.
const (
	pdbHeaderLen     = 78
	pdbRecordInfoLen = 8

	compressionNone    = 1
	compressionPalmDoc = 2
	compressionHuffman = 17480

	encodingCP1252 = 1252
	encodingUTF8   = 65001
)

// pdbHeader is the fixed-size header opening every Palm database.
type pdbHeader struct {
	Name       [32]byte
	Attributes uint16
	Version    uint16
	Created    uint32
	Modified   uint32
	Backup     uint32
	ModNum     uint32
	AppInfoID  uint32
	SortInfoID uint32
	Type       [4]byte
	Creator    [4]byte
	UniqueSeed uint32
	NextRecord uint32
	NumRecords uint16
}

func (h *pdbHeader) Validate() error {
	tc := string(h.Type[:]) + string(h.Creator[:])
	if tc != "BOOKMOBI" && tc != "TEXtREAd" {
		return fmt.Errorf("not a PalmDOC/MOBI database: type/creator % X", tc)
	}
	if h.NumRecords == 0 {
		return fmt.Errorf("database has no records")
	}
	return nil
}

// palmDocHeader opens record 0.
type palmDocHeader struct {
	Compression uint16
	Unused      uint16
	TextLength  uint32
	RecordCount uint16
	RecordSize  uint16
	Encryption  uint16
	Unknown     uint16
}

func (h *palmDocHeader) Validate() error {
	switch h.Compression {
	case compressionNone, compressionPalmDoc:
	case compressionHuffman:
		return fmt.Errorf("HUFF/CDIC compression is not supported")
	default:
		return fmt.Errorf("unknown compression type: %d", h.Compression)
	}
	if h.Encryption != 0 {
		return fmt.Errorf("encrypted database (scheme %d)", h.Encryption)
	}
	return nil
}

// mobiHeader is the subset of the MOBI header the reader needs. It starts
// at offset 16 of record 0 when the "MOBI" signature is present.
type mobiHeader struct {
	headerLength   uint32
	textEncoding   uint32
	fileVersion    uint32
	firstImageRec  uint32
	fullNameOffset uint32
	fullNameLength uint32
	exthFlags      uint32
	extraDataFlags uint16
}

type book struct {
	pdb     pdbHeader
	doc     palmDocHeader
	mobi    *mobiHeader
	records [][]byte
	exth    map[uint32][]byte
}

// Parse normalizes the Palm database at path.
func Parse(srcPath string, log *zap.Logger) (*ebook.Document, error) {
	fp, err := ebook.Fingerprint(srcPath)
	if err != nil {
		return nil, &ebook.FormatError{Kind: ebook.TruncatedInput, Err: err}
	}
	data, err := os.ReadFile(srcPath)
	if err != nil {
		return nil, &ebook.FormatError{Kind: ebook.TruncatedInput, Err: err}
	}

	bk, err := readBook(data)
	if err != nil {
		return nil, err
	}

	text, err := bk.text()
	if err != nil {
		return nil, err
	}

	chapters := splitChapters(text, log)
	if len(chapters) == 0 {
		return nil, &ebook.FormatError{Kind: ebook.MalformedContainer, Err: fmt.Errorf("no readable text records")}
	}
	toc := tocFromHeadings(chapters)

	meta := bk.metadata()

	image := bk.imageLoader(log)

	id := ebook.Identity{Path: srcPath, Fingerprint: fp}
	return ebook.New(id, meta, chapters, toc, image, nil), nil
}

func readBook(data []byte) (*book, error) {
	var bk book
	r := bytes.NewReader(data)
	if err := binary.Read(r, binary.BigEndian, &bk.pdb); err != nil {
		return nil, &ebook.FormatError{Kind: ebook.TruncatedInput, Err: fmt.Errorf("pdb header: %w", err)}
	}
	if err := bk.pdb.Validate(); err != nil {
		return nil, &ebook.FormatError{Kind: ebook.MalformedContainer, Err: err}
	}

	n := int(bk.pdb.NumRecords)
	if len(data) < pdbHeaderLen+n*pdbRecordInfoLen {
		return nil, &ebook.FormatError{Kind: ebook.TruncatedInput, Err: fmt.Errorf("record list truncated")}
	}
	offsets := make([]uint32, n)
	for i := 0; i < n; i++ {
		offsets[i] = binary.BigEndian.Uint32(data[pdbHeaderLen+i*pdbRecordInfoLen:])
	}
	bk.records = make([][]byte, n)
	for i := 0; i < n; i++ {
		start := int(offsets[i])
		end := len(data)
		if i+1 < n {
			end = int(offsets[i+1])
		}
		if start > end || end > len(data) {
			return nil, &ebook.FormatError{Kind: ebook.TruncatedInput, Err: fmt.Errorf("record %d exceeds file size", i)}
		}
		bk.records[i] = data[start:end]
	}

	rec0 := bk.records[0]
	if err := binary.Read(bytes.NewReader(rec0), binary.BigEndian, &bk.doc); err != nil {
		return nil, &ebook.FormatError{Kind: ebook.TruncatedInput, Err: fmt.Errorf("palmdoc header: %w", err)}
	}
	if err := bk.doc.Validate(); err != nil {
		return nil, &ebook.FormatError{Kind: ebook.UnsupportedFeature, Err: err}
	}

	if len(rec0) >= 24 && string(rec0[16:20]) == "MOBI" {
		mh := &mobiHeader{
			headerLength: binary.BigEndian.Uint32(rec0[20:24]),
		}
		get := func(off int) uint32 {
			if off+4 <= 16+int(mh.headerLength) && off+4 <= len(rec0) {
				return binary.BigEndian.Uint32(rec0[off:])
			}
			return 0
		}
		mh.textEncoding = get(28)
		mh.fileVersion = get(36)
		mh.fullNameOffset = get(84)
		mh.fullNameLength = get(88)
		mh.firstImageRec = get(108)
		mh.exthFlags = get(128)
		if mh.headerLength >= 228 && len(rec0) >= 244 {
			mh.extraDataFlags = binary.BigEndian.Uint16(rec0[242:244])
		}
		bk.mobi = mh
		if mh.exthFlags&0x40 != 0 {
			bk.exth = parseEXTH(rec0[16+mh.headerLength:])
		}
	}
	return &bk, nil
}

// parseEXTH reads the EXTH metadata block; a short or garbled block just
// yields fewer fields.
func parseEXTH(data []byte) map[uint32][]byte {
	out := map[uint32][]byte{}
	if len(data) < 12 || string(data[0:4]) != "EXTH" {
		return out
	}
	count := binary.BigEndian.Uint32(data[8:12])
	pos := 12
	for i := uint32(0); i < count; i++ {
		if pos+8 > len(data) {
			break
		}
		typ := binary.BigEndian.Uint32(data[pos:])
		length := int(binary.BigEndian.Uint32(data[pos+4:]))
		if length < 8 || pos+length > len(data) {
			break
		}
		out[typ] = data[pos+8 : pos+length]
		pos += length
	}
	return out
}

// EXTH record types carrying displayable metadata.
const (
	exthAuthor    = 100
	exthPublisher = 101
	exthTitle     = 503
	exthLanguage  = 524
)

func (bk *book) metadata() ebook.Metadata {
	var meta ebook.Metadata
	if v, ok := bk.exth[exthTitle]; ok {
		meta.Title = string(v)
	}
	if meta.Title == "" && bk.mobi != nil {
		off, n := int(bk.mobi.fullNameOffset), int(bk.mobi.fullNameLength)
		if rec0 := bk.records[0]; off > 0 && off+n <= len(rec0) {
			meta.Title = string(rec0[off : off+n])
		}
	}
	if meta.Title == "" {
		meta.Title = strings.TrimRight(string(bk.pdb.Name[:]), "\x00")
	}
	if v, ok := bk.exth[exthAuthor]; ok {
		meta.Author = string(v)
	}
	if v, ok := bk.exth[exthPublisher]; ok {
		meta.Publisher = string(v)
	}
	if v, ok := bk.exth[exthLanguage]; ok {
		meta.Language = string(v)
	}
	return meta
}

// text decompresses the text records, strips per-record trailing entries
// and decodes to UTF-8.
func (bk *book) text() (string, error) {
	count := int(bk.doc.RecordCount)
	if count >= len(bk.records) {
		count = len(bk.records) - 1
	}
	var extraFlags uint16
	if bk.mobi != nil {
		extraFlags = bk.mobi.extraDataFlags
	}

	var raw []byte
	for i := 1; i <= count; i++ {
		rec := bk.records[i]
		rec = rec[:len(rec)-trailingDataSize(rec, extraFlags)]
		switch bk.doc.Compression {
		case compressionNone:
			raw = append(raw, rec...)
		case compressionPalmDoc:
			raw = append(raw, palmDocDecompress(rec)...)
		}
	}
	if int(bk.doc.TextLength) < len(raw) {
		raw = raw[:bk.doc.TextLength]
	}

	enc := uint32(encodingCP1252)
	if bk.mobi != nil && bk.mobi.textEncoding != 0 {
		enc = bk.mobi.textEncoding
	}
	switch enc {
	case encodingUTF8:
		return string(raw), nil
	case encodingCP1252:
		decoded, err := charmap.Windows1252.NewDecoder().Bytes(raw)
		if err != nil {
			return "", &ebook.FormatError{Kind: ebook.EncodingError, Err: err}
		}
		return string(decoded), nil
	default:
		return "", &ebook.FormatError{Kind: ebook.EncodingError, Err: fmt.Errorf("unknown text encoding: %d", enc)}
	}
}

// trailingDataSize computes how many trailing bytes a text record carries
// for the given extra-data flags. Bit 0 is the multibyte-overlap entry,
// the remaining set bits each carry a backward-encoded size.
func trailingDataSize(rec []byte, extraFlags uint16) int {
	num := 0
	for flags := extraFlags >> 1; flags != 0; flags >>= 1 {
		if flags&1 != 0 {
			num += trailingEntrySize(rec[:len(rec)-num])
		}
	}
	if extraFlags&1 != 0 && len(rec) > num {
		num += int(rec[len(rec)-num-1]&0x3) + 1
	}
	if num > len(rec) {
		num = len(rec)
	}
	return num
}

func trailingEntrySize(data []byte) int {
	num := 0
	start := len(data) - 4
	if start < 0 {
		start = 0
	}
	for _, v := range data[start:] {
		if v&0x80 != 0 {
			num = 0
		}
		num = (num << 7) | int(v&0x7f)
	}
	return num
}

// palmDocDecompress expands one LZ77-compressed text record.
func palmDocDecompress(data []byte) []byte {
	out := make([]byte, 0, 4096)
	for i := 0; i < len(data); {
		c := data[i]
		i++
		switch {
		case c == 0x00:
			out = append(out, c)
		case c <= 0x08:
			n := int(c)
			if i+n > len(data) {
				n = len(data) - i
			}
			out = append(out, data[i:i+n]...)
			i += n
		case c <= 0x7f:
			out = append(out, c)
		case c <= 0xbf:
			if i >= len(data) {
				return out
			}
			pair := int(c)<<8 | int(data[i])
			i++
			dist := (pair >> 3) & 0x7ff
			length := (pair & 7) + 3
			if dist == 0 || dist > len(out) {
				continue
			}
			for j := 0; j < length; j++ {
				out = append(out, out[len(out)-dist])
			}
		default:
			out = append(out, ' ', c&0x7f)
		}
	}
	return out
}

var (
	pagebreakRe = regexp.MustCompile(`(?i)<mbp:pagebreak[^>]*/?>`)
	recindexRe  = regexp.MustCompile(`(?i)recindex\s*=\s*"?(\d+)"?`)
)

// splitChapters cuts the stripped book text on page-break markup, one
// chapter per part. KF8 skeleton attributes ("aid") fall away with the
// rest of the markup in the flattener.
func splitChapters(text string, log *zap.Logger) []ebook.Chapter {
	// image references use record indexes, rewrite them so the shared
	// flattener picks them up as ordinary src attributes
	text = recindexRe.ReplaceAllString(text, `src="$1"`)

	var chapters []ebook.Chapter
	for _, part := range pagebreakRe.Split(text, -1) {
		if strings.TrimSpace(part) == "" {
			continue
		}
		flat := ebook.BlocksFromHTML(part, log)
		if len(flat.Blocks) == 0 {
			continue
		}
		blocks := append(flat.Blocks, ebook.Block{Kind: ebook.KindSectionBreak})
		chapters = append(chapters, ebook.Chapter{Blocks: blocks})
	}
	return chapters
}

// tocFromHeadings derives navigation entries from chapter-opening
// headings. MOBI keeps its real index in INDX records which not every
// file carries; heading-derived entries cover both cases.
func tocFromHeadings(chapters []ebook.Chapter) []ebook.TOCEntry {
	var toc []ebook.TOCEntry
	for i := range chapters {
		for _, b := range chapters[i].Blocks {
			if b.Kind != ebook.KindText {
				continue
			}
			if b.Style == ebook.StyleHeading {
				chapters[i].Title = b.Text
				toc = append(toc, ebook.TOCEntry{Title: b.Text, Chapter: i})
			}
			break
		}
	}
	return toc
}

// imageLoader resolves recindex references against the image record
// section. Records whose payload is not a recognizable raster format are
// reported unavailable, never fatal.
func (bk *book) imageLoader(log *zap.Logger) ebook.ImageFunc {
	if bk.mobi == nil || bk.mobi.firstImageRec == 0 {
		return nil
	}
	first := int(bk.mobi.firstImageRec)
	return func(ref string) (string, []byte, error) {
		idx, err := strconv.Atoi(ref)
		if err != nil {
			return "", nil, fmt.Errorf("bad image reference %q", ref)
		}
		rec := first + idx - 1
		if rec < 0 || rec >= len(bk.records) {
			return "", nil, fmt.Errorf("image record %d out of range", rec)
		}
		data := bk.records[rec]
		t, err := filetype.Match(data)
		if err != nil || t.MIME.Type != "image" {
			log.Debug("Unrecognized image record encoding, skipping", zap.Int("record", rec))
			return "", nil, fmt.Errorf("image record %d: unrecognized encoding", rec)
		}
		return fmt.Sprintf("image%05d.%s", rec, t.Extension), data, nil
	}
}
