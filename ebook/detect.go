package ebook

import (
	"bytes"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/h2non/filetype"
)

// Kind is the closed set of supported source formats. Adding a format is
// adding a variant here plus its adapter package, not patching
// conditionals downstream.
type Kind uint8

const (
	Unknown Kind = iota
	Epub
	FictionBook
	LegacyBinary // PalmDOC / MOBI records
	Kf8Binary    // AZW3 / KF8 in the same PDB container
	Remote
)

func (k Kind) String() string {
	switch k {
	case Epub:
		return "epub"
	case FictionBook:
		return "fb2"
	case LegacyBinary:
		return "mobi"
	case Kf8Binary:
		return "azw3"
	case Remote:
		return "url"
	}
	return "unknown"
}

// IsURL reports whether the argument names a remote document.
func IsURL(s string) bool {
	u, err := url.Parse(s)
	return err == nil && (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}

// pdbTypeCreator sits at offset 60 of every Palm database.
const (
	pdbOffset      = 60
	pdbMobi        = "BOOKMOBI"
	pdbPalmDoc     = "TEXtREAd"
	fb2RootElement = "<FictionBook"
)

// Detect sniffs the source format: magic bytes first (filetype for the
// zip container, PDB type/creator for Palm databases, root element for
// bare FB2 XML), extension as the tie breaker.
func Detect(path string) (Kind, error) {
	if IsURL(path) {
		return Remote, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return Unknown, err
	}
	defer f.Close()

	head := make([]byte, 1024)
	n, err := f.Read(head)
	if err != nil && n == 0 {
		return Unknown, &FormatError{Kind: TruncatedInput, Err: err}
	}
	head = head[:n]

	if t, err := filetype.Match(head); err == nil {
		switch t.Extension {
		case "epub":
			return Epub, nil
		case "zip":
			// FB2 books commonly ship zipped; any other bare zip is an
			// EPUB whose mimetype entry was not stored first
			if strings.HasSuffix(strings.ToLower(path), ".fb2.zip") {
				return FictionBook, nil
			}
			return Epub, nil
		case "mobi":
			return kindFromExt(path, LegacyBinary), nil
		}
	}
	if len(head) >= pdbOffset+8 {
		switch string(head[pdbOffset : pdbOffset+8]) {
		case pdbMobi:
			return kindFromExt(path, LegacyBinary), nil
		case pdbPalmDoc:
			return LegacyBinary, nil
		}
	}
	if bytes.Contains(head, []byte(fb2RootElement)) {
		return FictionBook, nil
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".epub":
		return Epub, nil
	case ".fb2":
		return FictionBook, nil
	case ".mobi", ".azw", ".prc", ".pdb":
		return LegacyBinary, nil
	case ".azw3", ".kf8":
		return Kf8Binary, nil
	}
	return Unknown, &FormatError{Kind: UnsupportedFeature, Err: fmt.Errorf("unrecognized source format: %s", path)}
}

// kindFromExt keeps the AZW3 distinction when the PDB magic alone cannot:
// the container is identical, the record payload is not.
func kindFromExt(path string, fallback Kind) Kind {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".azw3", ".kf8":
		return Kf8Binary
	}
	return fallback
}
