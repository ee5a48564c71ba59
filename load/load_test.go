package load

import (
	"archive/zip"
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"github.com/wustho/epy/ebook"
)

const dispatchContainerXML = `<?xml version="1.0"?>
<container version="1.0" xmlns="urn:oasis:names:tc:opendocument:xmlns:container">
  <rootfiles><rootfile full-path="content.opf" media-type="application/oebps-package+xml"/></rootfiles>
</container>`

const dispatchOPF = `<?xml version="1.0"?>
<package xmlns="http://www.idpf.org/2007/opf" version="2.0">
  <metadata><title>Zipped</title></metadata>
  <manifest><item id="c" href="c.xhtml" media-type="application/xhtml+xml"/></manifest>
  <spine><itemref idref="c"/></spine>
</package>`

func writeFile(t *testing.T, name string, data []byte) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, data, 0600); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func writeEpubSample(t *testing.T) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "book.epub")
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	w := zip.NewWriter(f)
	for name, content := range map[string]string{
		"META-INF/container.xml": dispatchContainerXML,
		"content.opf":            dispatchOPF,
		"c.xhtml":                "<html><body><p>zipped text</p></body></html>",
	} {
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

func TestDocumentDispatchesByFormat(t *testing.T) {
	log := zaptest.NewLogger(t)

	epubPath := writeEpubSample(t)
	doc, err := Document(context.Background(), epubPath, Options{}, log)
	if err != nil {
		t.Fatalf("epub: %v", err)
	}
	if len(doc.Chapters) != 1 {
		t.Fatalf("epub chapters %d", len(doc.Chapters))
	}
	doc.Close()

	fb2Path := writeFile(t, "book.fb2",
		[]byte(`<FictionBook><body><section><p>fb2 text</p></section></body></FictionBook>`))
	doc, err = Document(context.Background(), fb2Path, Options{}, log)
	if err != nil {
		t.Fatalf("fb2: %v", err)
	}
	if got := doc.Chapters[0].Blocks[0].Text; got != "fb2 text" {
		t.Fatalf("fb2 text %q", got)
	}
	doc.Close()
}

func TestDocumentDispatchesRemote(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`<html><head><title>Remote</title></head><body><p>served text</p></body></html>`))
	}))
	defer srv.Close()

	doc, err := Document(context.Background(), srv.URL, Options{WebTimeout: 5 * time.Second}, zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("remote: %v", err)
	}
	defer doc.Close()
	if doc.Meta.Title != "Remote" {
		t.Fatalf("remote title %q", doc.Meta.Title)
	}
	if doc.ID.Key() != srv.URL {
		t.Fatalf("remote key %q", doc.ID.Key())
	}
}

func TestDocumentUnknownFormat(t *testing.T) {
	path := writeFile(t, "notes.txt", []byte("plain text"))
	_, err := Document(context.Background(), path, Options{}, zaptest.NewLogger(t))
	fe, ok := ebook.AsFormatError(err)
	if !ok || fe.Kind != ebook.UnsupportedFeature {
		t.Fatalf("expected unsupported-feature error, got %v", err)
	}
}
