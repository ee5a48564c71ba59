package epub

import (
	"archive/zip"
	"os"
	"path/filepath"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/wustho/epy/ebook"
)

const testContainerXML = `<?xml version="1.0"?>
<container version="1.0" xmlns="urn:oasis:names:tc:opendocument:xmlns:container">
  <rootfiles>
    <rootfile full-path="OEBPS/content.opf" media-type="application/oebps-package+xml"/>
  </rootfiles>
</container>`

const testOPF = `<?xml version="1.0"?>
<package xmlns="http://www.idpf.org/2007/opf" xmlns:dc="http://purl.org/dc/elements/1.1/" version="2.0">
  <metadata>
    <dc:title>Moby-Dick</dc:title>
    <dc:creator>Herman Melville</dc:creator>
    <dc:language>en</dc:language>
    <dc:publisher>Harper</dc:publisher>
    <dc:identifier>urn:isbn:000</dc:identifier>
  </metadata>
  <manifest>
    <item id="ch1" href="ch1.xhtml" media-type="application/xhtml+xml"/>
    <item id="ch2" href="ch2.xhtml" media-type="application/xhtml+xml"/>
    <item id="ncx" href="toc.ncx" media-type="application/x-dtbncx+xml"/>
    <item id="pic" href="images/pic.png" media-type="image/png"/>
  </manifest>
  <spine toc="ncx">
    <itemref idref="ch1"/>
    <itemref idref="ch2"/>
    <itemref idref="ghost"/>
  </spine>
</package>`

const testNCX = `<?xml version="1.0"?>
<ncx xmlns="http://www.daisy.org/z3986/2005/ncx/" version="2005-1">
  <navMap>
    <navPoint id="n1" playOrder="1">
      <navLabel><text>Loomings</text></navLabel>
      <content src="ch1.xhtml"/>
      <navPoint id="n1a" playOrder="2">
        <navLabel><text>Epigraph</text></navLabel>
        <content src="ch1.xhtml#epi"/>
      </navPoint>
    </navPoint>
    <navPoint id="n2" playOrder="3">
      <navLabel><text>The Carpet-Bag</text></navLabel>
      <content src="ch2.xhtml"/>
    </navPoint>
  </navMap>
</ncx>`

const testCh1 = `<html><body>
  <h1>Loomings</h1>
  <p>Call me Ishmael.</p>
  <p id="epi">And God created great whales.</p>
</body></html>`

const testCh2 = `<html><body>
  <h1>The Carpet-Bag</h1>
  <p>I stuffed a shirt or two into my old carpet-bag.</p>
  <img src="images/pic.png"/>
</body></html>`

func writeEpub(t *testing.T, files map[string]string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "test.epub")
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create epub: %v", err)
	}
	w := zip.NewWriter(f)
	for name, content := range files {
		fw, err := w.Create(name)
		if err != nil {
			t.Fatalf("create %s: %v", name, err)
		}
		if _, err := fw.Write([]byte(content)); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
	}
	w.Close()
	f.Close()
	return path
}

func testEpubFiles() map[string]string {
	return map[string]string{
		"mimetype":               "application/epub+zip",
		"META-INF/container.xml": testContainerXML,
		"OEBPS/content.opf":      testOPF,
		"OEBPS/toc.ncx":          testNCX,
		"OEBPS/ch1.xhtml":        testCh1,
		"OEBPS/ch2.xhtml":        testCh2,
		"OEBPS/images/pic.png":   "PNGDATA",
	}
}

func testLogger(t *testing.T) *zap.Logger {
	return zaptest.NewLogger(t, zaptest.WrapOptions(zap.AddCaller()))
}

func TestParseSampleContainer(t *testing.T) {
	doc, err := Parse(writeEpub(t, testEpubFiles()), testLogger(t))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	defer doc.Close()

	if doc.Meta.Title != "Moby-Dick" || doc.Meta.Author != "Herman Melville" {
		t.Fatalf("unexpected metadata %+v", doc.Meta)
	}
	if doc.Meta.Identifier != "urn:isbn:000" || doc.Meta.Publisher != "Harper" {
		t.Fatalf("unexpected metadata %+v", doc.Meta)
	}
	// ghost idref is skipped, ncx never enters the spine
	if len(doc.Chapters) != 2 {
		t.Fatalf("expected 2 chapters, got %d", len(doc.Chapters))
	}
	if doc.ID.Fingerprint == "" {
		t.Fatalf("document has no fingerprint")
	}
}

func TestParseResolvesTOC(t *testing.T) {
	doc, err := Parse(writeEpub(t, testEpubFiles()), testLogger(t))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	defer doc.Close()

	if len(doc.TOC) != 2 {
		t.Fatalf("expected 2 top-level entries, got %d", len(doc.TOC))
	}
	if doc.TOC[0].Title != "Loomings" || doc.TOC[0].Chapter != 0 || doc.TOC[0].Block != 0 {
		t.Fatalf("unexpected first entry %+v", doc.TOC[0])
	}
	if len(doc.TOC[0].Children) != 1 {
		t.Fatalf("nested navPoint lost: %+v", doc.TOC[0])
	}
	// #epi points at the third text block of chapter one
	if sub := doc.TOC[0].Children[0]; sub.Chapter != 0 || sub.Block != 2 {
		t.Fatalf("fragment did not resolve to its block: %+v", sub)
	}
	if doc.TOC[1].Chapter != 1 {
		t.Fatalf("unexpected second entry %+v", doc.TOC[1])
	}
	// chapter titles backfilled from entries pointing at chapter starts
	if doc.Chapters[0].Title != "Loomings" || doc.Chapters[1].Title != "The Carpet-Bag" {
		t.Fatalf("chapter titles not backfilled: %q, %q", doc.Chapters[0].Title, doc.Chapters[1].Title)
	}
}

func TestParseRebasesAndLoadsImages(t *testing.T) {
	doc, err := Parse(writeEpub(t, testEpubFiles()), testLogger(t))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	defer doc.Close()

	var ref string
	for _, b := range doc.Chapters[1].Blocks {
		if b.Kind == ebook.KindImage {
			ref = b.Ref
			break
		}
	}
	if ref != "OEBPS/images/pic.png" {
		t.Fatalf("image reference not rebased onto container path: %q", ref)
	}
	name, data, err := doc.Image(ref)
	if err != nil {
		t.Fatalf("Image: %v", err)
	}
	if name != "pic.png" || string(data) != "PNGDATA" {
		t.Fatalf("unexpected image %q %q", name, data)
	}
}

func TestParseChapterTextSurvivesFlattening(t *testing.T) {
	doc, err := Parse(writeEpub(t, testEpubFiles()), testLogger(t))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	defer doc.Close()

	blocks := doc.Chapters[0].Blocks
	if blocks[0].Style != ebook.StyleHeading || blocks[0].Text != "Loomings" {
		t.Fatalf("unexpected heading block %+v", blocks[0])
	}
	if blocks[1].Text != "Call me Ishmael." {
		t.Fatalf("unexpected paragraph %+v", blocks[1])
	}
	if last := blocks[len(blocks)-1]; last.Kind != ebook.KindSectionBreak {
		t.Fatalf("chapter does not end in a section break: %+v", last)
	}
}

func TestParseRejectsBrokenContainers(t *testing.T) {
	cases := map[string]map[string]string{
		"no container.xml": {
			"OEBPS/content.opf": testOPF,
		},
		"no rootfile": {
			"META-INF/container.xml": `<container><rootfiles/></container>`,
		},
		"empty spine": {
			"META-INF/container.xml": testContainerXML,
			"OEBPS/content.opf":      `<package version="2.0"><manifest/><spine/></package>`,
		},
	}
	for name, files := range cases {
		_, err := Parse(writeEpub(t, files), testLogger(t))
		fe, ok := ebook.AsFormatError(err)
		if !ok || fe.Kind != ebook.MalformedContainer {
			t.Fatalf("%s: expected malformed-container error, got %v", name, err)
		}
	}
}

func TestParseNotAZip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fake.epub")
	if err := os.WriteFile(path, []byte("this is not a zip archive"), 0600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := Parse(path, testLogger(t)); err == nil {
		t.Fatalf("expected error for non-zip input")
	}
}
