// Package archive builds ebook container access on top of "archive/zip".
package archive

import (
	"archive/zip"
	"fmt"
	"io"
	"net/url"
	"path"
	"strings"
)

// WalkFunc is the type of the function called for each file in a container
// visited by Walk. If an error is returned, processing stops.
type WalkFunc func(file *zip.File) error

// Container is an open zip ebook container with an entry index keyed by
// normalized path. It stays open for the lifetime of the Document so that
// images can be read lazily.
type Container struct {
	rc    *zip.ReadCloser
	index map[string]*zip.File
}

// Open opens the container and indexes its entries. Entries with path
// traversal components ("..") or absolute paths are rejected to prevent
// Zip Slip attacks.
func Open(name string) (*Container, error) {
	rc, err := zip.OpenReader(name)
	if err != nil {
		return nil, err
	}
	c := &Container{rc: rc, index: make(map[string]*zip.File, len(rc.File))}
	for _, f := range rc.File {
		if !isSafePath(f.Name) {
			rc.Close()
			return nil, fmt.Errorf("zip entry %q: unsafe path (absolute or contains path traversal)", f.Name)
		}
		if f.FileInfo().IsDir() {
			continue
		}
		c.index[normalize(f.Name)] = f
	}
	return c, nil
}

// Walk calls walkFn for every file whose normalized path starts with
// prefix, in archive order.
func (c *Container) Walk(prefix string, walkFn WalkFunc) error {
	prefix = normalize(prefix)
	for _, f := range c.rc.File {
		if f.FileInfo().IsDir() {
			continue
		}
		if prefix == "." || strings.HasPrefix(normalize(f.Name), prefix) {
			if err := walkFn(f); err != nil {
				return err
			}
		}
	}
	return nil
}

// ReadAll returns the full content of the named entry. The name is matched
// after path normalization and URL unescaping, which is how EPUB manifests
// reference entries.
func (c *Container) ReadAll(name string) ([]byte, error) {
	f, ok := c.lookup(name)
	if !ok {
		return nil, fmt.Errorf("no such entry in container: %s", name)
	}
	r, err := f.Open()
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}

// Has reports whether the container holds the named entry.
func (c *Container) Has(name string) bool {
	_, ok := c.lookup(name)
	return ok
}

func (c *Container) lookup(name string) (*zip.File, bool) {
	if u, err := url.QueryUnescape(name); err == nil {
		name = u
	}
	f, ok := c.index[normalize(name)]
	return f, ok
}

func (c *Container) Close() error { return c.rc.Close() }

// normalize flattens the small path variations seen in real manifests:
// backslashes, leading slashes and redundant "./" components.
func normalize(name string) string {
	return path.Clean(strings.TrimPrefix(strings.ReplaceAll(name, `\`, "/"), "/"))
}

// isSafePath returns false for paths that could escape the extraction
// directory: absolute paths and those containing ".." components.
func isSafePath(name string) bool {
	if path.IsAbs(name) || strings.HasPrefix(name, "/") || strings.HasPrefix(name, `\`) {
		return false
	}
	for _, part := range strings.Split(name, "/") {
		if part == ".." {
			return false
		}
	}
	return true
}
