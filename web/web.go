// Package web fetches one remote HTML document and flattens it into a
// single-chapter Document. It follows the fetched page's narrative
// content only: scripts and navigation chrome are stripped heuristically,
// links are not followed and the table of contents stays empty by design.
package web

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/net/html"

	"github.com/wustho/epy/ebook"
	"github.com/wustho/epy/misc"
)

// DefaultTimeout bounds the whole fetch when the caller does not.
const DefaultTimeout = 30 * time.Second

// NetworkError is a failed or timed-out fetch: the open attempt fails
// cleanly and may be retried by invoking the program again, never
// automatically.
type NetworkError struct {
	URL string
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("fetching %s: %v", e.URL, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// IsNetworkError reports whether err is a fetch failure.
func IsNetworkError(err error) bool {
	var ne *NetworkError
	return errors.As(err, &ne)
}

// chrome subtrees that never carry narrative content
var chromeTags = map[string]bool{
	"nav": true, "header": true, "footer": true, "aside": true,
	"form": true, "button": true, "iframe": true, "noscript": true,
}

// Fetch retrieves the document at rawURL with a bounded timeout and
// produces a single-chapter Document.
func Fetch(ctx context.Context, rawURL string, timeout time.Duration, log *zap.Logger) (*ebook.Document, error) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, &NetworkError{URL: rawURL, Err: err}
	}
	req.Header.Set("User-Agent", misc.GetAppName()+"/"+misc.GetVersion())
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, &NetworkError{URL: rawURL, Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &NetworkError{URL: rawURL, Err: fmt.Errorf("unexpected status %s", resp.Status)}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return nil, &NetworkError{URL: rawURL, Err: err}
	}

	doc, err := FromHTML(rawURL, string(body), log)
	if err != nil {
		return nil, err
	}
	return doc, nil
}

// FromHTML builds the single-chapter Document from already-fetched
// markup. Split out so it is testable without a listener.
func FromHTML(rawURL, src string, log *zap.Logger) (*ebook.Document, error) {
	stripped := stripChrome(src)
	flat := ebook.BlocksFromHTML(stripped, log)
	if len(flat.Blocks) == 0 {
		return nil, &ebook.FormatError{Kind: ebook.MalformedContainer, Err: fmt.Errorf("document has no readable content")}
	}
	blocks := append(flat.Blocks, ebook.Block{Kind: ebook.KindSectionBreak})
	chapters := []ebook.Chapter{{Title: pageTitle(src), Blocks: blocks}}

	meta := ebook.Metadata{Title: pageTitle(src)}
	id := ebook.Identity{Path: rawURL, Fingerprint: ebook.FingerprintBytes([]byte(src))}

	image := func(ref string) (string, []byte, error) {
		// a page's images live behind further requests; fetch one on
		// demand with the same bounded-timeout policy
		ctx, cancel := context.WithTimeout(context.Background(), DefaultTimeout)
		defer cancel()
		imgURL := ref
		if u, err := url.Parse(rawURL); err == nil {
			if rel, err := u.Parse(ref); err == nil {
				imgURL = rel.String()
			}
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, imgURL, nil)
		if err != nil {
			return "", nil, err
		}
		req.Header.Set("User-Agent", misc.GetAppName()+"/"+misc.GetVersion())
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			return "", nil, &NetworkError{URL: imgURL, Err: err}
		}
		defer resp.Body.Close()
		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			return "", nil, &NetworkError{URL: imgURL, Err: fmt.Errorf("unexpected status %s", resp.Status)}
		}
		data, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
		if err != nil {
			return "", nil, &NetworkError{URL: imgURL, Err: err}
		}
		name := path.Base(ref)
		if i := strings.IndexAny(name, "?#"); i >= 0 {
			name = name[:i]
		}
		return name, data, nil
	}

	return ebook.New(id, meta, chapters, nil, image, nil), nil
}

// stripChrome removes subtrees that are navigation or machinery rather
// than content. Best effort: if the markup cannot be re-rendered the
// original is flattened as-is.
func stripChrome(src string) string {
	node, err := html.Parse(strings.NewReader(src))
	if err != nil {
		return src
	}
	var prune func(n *html.Node)
	prune = func(n *html.Node) {
		var next *html.Node
		for c := n.FirstChild; c != nil; c = next {
			next = c.NextSibling
			if c.Type == html.ElementNode && chromeTags[c.Data] {
				n.RemoveChild(c)
				continue
			}
			prune(c)
		}
	}
	prune(node)
	var sb strings.Builder
	if err := html.Render(&sb, node); err != nil {
		return src
	}
	return sb.String()
}

func pageTitle(src string) string {
	z := html.NewTokenizer(strings.NewReader(src))
	inTitle := false
	for {
		switch z.Next() {
		case html.ErrorToken:
			return ""
		case html.StartTagToken:
			name, _ := z.TagName()
			inTitle = string(name) == "title"
		case html.TextToken:
			if inTitle {
				return strings.TrimSpace(string(z.Text()))
			}
		case html.EndTagToken:
			inTitle = false
		}
	}
}
