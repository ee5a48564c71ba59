package web

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/wustho/epy/ebook"
)

const samplePage = `<html>
<head><title>A Story</title></head>
<body>
  <nav><a href="/">home</a><a href="/about">about</a></nav>
  <h1>A Story</h1>
  <p>It was a dark and stormy night.</p>
  <img src="images/pic.png"/>
  <footer>copyright nobody</footer>
</body>
</html>`

func testLogger(t *testing.T) *zap.Logger {
	return zaptest.NewLogger(t, zaptest.WrapOptions(zap.AddCaller()))
}

func TestFetchSinglePage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		w.Write([]byte(samplePage))
	}))
	defer srv.Close()

	doc, err := Fetch(context.Background(), srv.URL, 5*time.Second, testLogger(t))
	if err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}
	if doc.Meta.Title != "A Story" {
		t.Fatalf("title %q", doc.Meta.Title)
	}
	if len(doc.Chapters) != 1 {
		t.Fatalf("expected a single chapter, got %d", len(doc.Chapters))
	}
	if doc.ID.Key() != srv.URL {
		t.Fatalf("document keyed by %q, want the source URL", doc.ID.Key())
	}
	if len(doc.TOC) != 0 {
		t.Fatalf("remote documents carry no toc, got %+v", doc.TOC)
	}
}

func TestFetchErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gone", http.StatusNotFound)
	}))
	defer srv.Close()

	_, err := Fetch(context.Background(), srv.URL, 5*time.Second, testLogger(t))
	if !IsNetworkError(err) {
		t.Fatalf("expected network error for 404, got %v", err)
	}
}

func TestFetchUnreachableHost(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	_, err := Fetch(context.Background(), url, 2*time.Second, testLogger(t))
	if !IsNetworkError(err) {
		t.Fatalf("expected network error for closed listener, got %v", err)
	}
}

func TestFromHTMLStripsChrome(t *testing.T) {
	doc, err := FromHTML("http://example.com/story", samplePage, testLogger(t))
	if err != nil {
		t.Fatalf("FromHTML failed: %v", err)
	}
	for _, b := range doc.Chapters[0].Blocks {
		if b.Kind != ebook.KindText {
			continue
		}
		switch b.Text {
		case "home", "about", "copyright nobody":
			t.Fatalf("navigation chrome leaked into content: %q", b.Text)
		}
	}
	found := false
	for _, b := range doc.Chapters[0].Blocks {
		if b.Kind == ebook.KindText && b.Text == "It was a dark and stormy night." {
			found = true
		}
	}
	if !found {
		t.Fatalf("narrative content lost: %+v", doc.Chapters[0].Blocks)
	}
}

func TestFromHTMLEmptyPage(t *testing.T) {
	_, err := FromHTML("http://example.com/empty", "<html><body></body></html>", testLogger(t))
	fe, ok := ebook.AsFormatError(err)
	if !ok || fe.Kind != ebook.MalformedContainer {
		t.Fatalf("expected malformed-container error, got %v", err)
	}
}

func TestFromHTMLResolvesRelativeImages(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/story/images/pic.png" {
			w.Write([]byte("PNGDATA"))
			return
		}
		http.NotFound(w, r)
	}))
	defer srv.Close()

	doc, err := FromHTML(srv.URL+"/story/index.html", samplePage, testLogger(t))
	if err != nil {
		t.Fatalf("FromHTML failed: %v", err)
	}
	var ref string
	for _, b := range doc.Chapters[0].Blocks {
		if b.Kind == ebook.KindImage {
			ref = b.Ref
			break
		}
	}
	if ref == "" {
		t.Fatalf("image block lost")
	}
	name, data, err := doc.Image(ref)
	if err != nil {
		t.Fatalf("Image: %v", err)
	}
	if name != "pic.png" || string(data) != "PNGDATA" {
		t.Fatalf("unexpected image %q %q", name, data)
	}
}
