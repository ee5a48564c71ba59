// Package epub normalizes EPUB 2 and EPUB 3 containers into the uniform
// document model: container.xml to rootfile, OPF manifest/spine to the
// ordered chapter list, NCX or nav document to the table of contents.
// Referenced images stay inside the kept-open zip and are extracted only
// when displayed.
package epub

import (
	"bytes"
	"fmt"
	"net/url"
	"path"
	"strings"

	"github.com/beevik/etree"
	"go.uber.org/zap"
	"golang.org/x/net/html/charset"

	"github.com/wustho/epy/archive"
	"github.com/wustho/epy/ebook"
)

const containerEntry = "META-INF/container.xml"

type manifestItem struct {
	id, href, mediaType, properties string
}

// Parse opens the container at path and produces a Document. Structural
// failures (unreadable zip, missing rootfile, unparsable OPF) are fatal
// FormatErrors; a single chapter or TOC entry failing to parse is skipped
// with a warning.
func Parse(srcPath string, log *zap.Logger) (*ebook.Document, error) {
	fp, err := ebook.Fingerprint(srcPath)
	if err != nil {
		return nil, &ebook.FormatError{Kind: ebook.TruncatedInput, Err: err}
	}

	c, err := archive.Open(srcPath)
	if err != nil {
		return nil, &ebook.FormatError{Kind: ebook.MalformedContainer, Err: err}
	}
	doc, err := parseOpen(srcPath, fp, c, log)
	if err != nil {
		c.Close()
		return nil, err
	}
	return doc, nil
}

func parseOpen(srcPath, fp string, c *archive.Container, log *zap.Logger) (*ebook.Document, error) {
	rootfile, err := rootfilePath(c)
	if err != nil {
		return nil, &ebook.FormatError{Kind: ebook.MalformedContainer, Err: err}
	}
	opfData, err := c.ReadAll(rootfile)
	if err != nil {
		return nil, &ebook.FormatError{Kind: ebook.MalformedContainer, Err: fmt.Errorf("rootfile: %w", err)}
	}
	opf := newXMLDocument()
	if err := opf.ReadFromBytes(opfData); err != nil {
		return nil, &ebook.FormatError{Kind: ebook.MalformedContainer, Err: fmt.Errorf("package document: %w", err)}
	}
	root := opf.Root()
	if root == nil || root.Tag != "package" {
		return nil, &ebook.FormatError{Kind: ebook.MalformedContainer, Err: fmt.Errorf("package document has no package root")}
	}
	version := root.SelectAttrValue("version", "2.0")
	opfDir := path.Dir(rootfile)
	if opfDir == "." {
		opfDir = ""
	}

	manifest := map[string]manifestItem{}
	if m := root.SelectElement("manifest"); m != nil {
		for _, item := range m.ChildElements() {
			mi := manifestItem{
				id:         item.SelectAttrValue("id", ""),
				href:       item.SelectAttrValue("href", ""),
				mediaType:  item.SelectAttrValue("media-type", ""),
				properties: item.SelectAttrValue("properties", ""),
			}
			if mi.id != "" && mi.href != "" {
				manifest[mi.id] = mi
			}
		}
	}

	var spineHrefs []string
	if s := root.SelectElement("spine"); s != nil {
		for _, ref := range s.ChildElements() {
			idref := ref.SelectAttrValue("idref", "")
			mi, ok := manifest[idref]
			if !ok {
				log.Warn("Spine references unknown manifest item, skipping", zap.String("idref", idref))
				continue
			}
			if mi.mediaType == "application/x-dtbncx+xml" || strings.Contains(mi.properties, "nav") {
				continue
			}
			spineHrefs = append(spineHrefs, mi.href)
		}
	}
	if len(spineHrefs) == 0 {
		return nil, &ebook.FormatError{Kind: ebook.MalformedContainer, Err: fmt.Errorf("spine resolved to no readable items")}
	}

	chapters := make([]ebook.Chapter, 0, len(spineHrefs))
	anchors := make([]map[string]int, 0, len(spineHrefs))
	chapterOf := map[string]int{} // spine href -> chapter index
	for _, href := range spineHrefs {
		entry := joinHref(opfDir, href)
		data, err := c.ReadAll(entry)
		if err != nil {
			log.Warn("Unable to read spine item, skipping", zap.String("entry", entry), zap.Error(err))
			continue
		}
		flat := ebook.BlocksFromHTML(string(data), log)
		// image references are relative to the chapter entry, rebase them
		// onto container paths so the lazy loader can find them
		for i, b := range flat.Blocks {
			if b.Kind == ebook.KindImage {
				flat.Blocks[i].Ref = joinHref(path.Dir(entry), b.Ref)
			}
		}
		blocks := append(flat.Blocks, ebook.Block{Kind: ebook.KindSectionBreak})
		chapterOf[cleanHref(href)] = len(chapters)
		chapters = append(chapters, ebook.Chapter{Blocks: blocks})
		anchors = append(anchors, flat.Anchors)
	}
	if len(chapters) == 0 {
		return nil, &ebook.FormatError{Kind: ebook.MalformedContainer, Err: fmt.Errorf("no spine item could be parsed")}
	}

	toc := parseTOC(c, root, manifest, opfDir, version, chapterOf, anchors, log)
	nameTOCChapters(chapters, toc)

	meta := parseMetadata(root)

	image := func(ref string) (string, []byte, error) {
		data, err := c.ReadAll(ref)
		if err != nil {
			return "", nil, fmt.Errorf("image %s: %w", ref, err)
		}
		return path.Base(ref), data, nil
	}

	id := ebook.Identity{Path: srcPath, Fingerprint: fp}
	return ebook.New(id, meta, chapters, toc, image, c), nil
}

// newXMLDocument returns an etree document configured the permissive way
// real-world EPUB markup requires.
func newXMLDocument() *etree.Document {
	doc := etree.NewDocument()
	doc.ReadSettings = etree.ReadSettings{
		CharsetReader: charset.NewReaderLabel,
		Permissive:    true,
	}
	return doc
}

func rootfilePath(c *archive.Container) (string, error) {
	if !c.Has(containerEntry) {
		return "", fmt.Errorf("not an EPUB container: missing %s", containerEntry)
	}
	data, err := c.ReadAll(containerEntry)
	if err != nil {
		return "", fmt.Errorf("container.xml: %w", err)
	}
	doc := newXMLDocument()
	if err := doc.ReadFromBytes(data); err != nil {
		return "", fmt.Errorf("container.xml: %w", err)
	}
	root := doc.Root()
	if root == nil {
		return "", fmt.Errorf("container.xml has no root element")
	}
	if rf := root.FindElement("//rootfile"); rf != nil {
		if p := rf.SelectAttrValue("full-path", ""); p != "" {
			return p, nil
		}
	}
	return "", fmt.Errorf("container.xml declares no rootfile")
}

func parseMetadata(pkg *etree.Element) ebook.Metadata {
	var meta ebook.Metadata
	md := pkg.SelectElement("metadata")
	if md == nil {
		return meta
	}
	for _, el := range md.ChildElements() {
		text := strings.TrimSpace(el.Text())
		if text == "" {
			continue
		}
		switch el.Tag {
		case "title":
			if meta.Title == "" {
				meta.Title = text
			}
		case "creator":
			if meta.Author == "" {
				meta.Author = text
			}
		case "language":
			meta.Language = text
		case "publisher":
			meta.Publisher = text
		case "date":
			meta.Date = text
		case "identifier":
			if meta.Identifier == "" {
				meta.Identifier = text
			}
		}
	}
	return meta
}

// parseTOC resolves the navigation document: NCX for 2.x, the nav doc for
// 3.x, falling back from one to the other when the declared flavor is
// absent. A TOC that cannot be resolved is an empty TOC, never an error.
func parseTOC(c *archive.Container, pkg *etree.Element, manifest map[string]manifestItem, opfDir, version string, chapterOf map[string]int, anchors []map[string]int, log *zap.Logger) []ebook.TOCEntry {
	var ncxHref, navHref string
	for _, mi := range manifest {
		if mi.mediaType == "application/x-dtbncx+xml" && ncxHref == "" {
			ncxHref = mi.href
		}
		if strings.Contains(mi.properties, "nav") && navHref == "" {
			navHref = mi.href
		}
	}

	resolve := func(src string) (int, int, bool) {
		href, frag, _ := strings.Cut(src, "#")
		ci, ok := chapterOf[cleanHref(href)]
		if !ok {
			return 0, 0, false
		}
		block := 0
		if frag != "" && ci < len(anchors) {
			if b, ok := anchors[ci][frag]; ok {
				block = b
			}
		}
		return ci, block, true
	}

	if strings.HasPrefix(version, "3") && navHref != "" {
		if toc := parseNavDoc(c, joinHref(opfDir, navHref), resolve, log); len(toc) > 0 {
			return toc
		}
	}
	if ncxHref != "" {
		if toc := parseNCX(c, joinHref(opfDir, ncxHref), resolve, log); len(toc) > 0 {
			return toc
		}
	}
	if navHref != "" {
		return parseNavDoc(c, joinHref(opfDir, navHref), resolve, log)
	}
	return nil
}

type tocResolver func(src string) (chapter, block int, ok bool)

func parseNCX(c *archive.Container, entry string, resolve tocResolver, log *zap.Logger) []ebook.TOCEntry {
	data, err := c.ReadAll(entry)
	if err != nil {
		log.Warn("Unable to read NCX, table of contents dropped", zap.String("entry", entry), zap.Error(err))
		return nil
	}
	doc := newXMLDocument()
	if err := doc.ReadFromBytes(data); err != nil {
		log.Warn("Unable to parse NCX, table of contents dropped", zap.String("entry", entry), zap.Error(err))
		return nil
	}
	navMap := doc.FindElement("//navMap")
	if navMap == nil {
		return nil
	}
	var walk func(el *etree.Element) []ebook.TOCEntry
	walk = func(el *etree.Element) []ebook.TOCEntry {
		var entries []ebook.TOCEntry
		for _, np := range el.ChildElements() {
			if np.Tag != "navPoint" {
				continue
			}
			var label, src string
			if nl := np.FindElement("navLabel/text"); nl != nil {
				label = strings.TrimSpace(nl.Text())
			}
			if ct := np.SelectElement("content"); ct != nil {
				src = ct.SelectAttrValue("src", "")
			}
			ci, block, ok := resolve(src)
			if !ok || label == "" {
				log.Warn("Skipping unresolvable navPoint", zap.String("src", src), zap.String("label", label))
				continue
			}
			entries = append(entries, ebook.TOCEntry{Title: label, Chapter: ci, Block: block, Children: walk(np)})
		}
		return entries
	}
	return walk(navMap)
}

func parseNavDoc(c *archive.Container, entry string, resolve tocResolver, log *zap.Logger) []ebook.TOCEntry {
	data, err := c.ReadAll(entry)
	if err != nil {
		log.Warn("Unable to read nav document, table of contents dropped", zap.String("entry", entry), zap.Error(err))
		return nil
	}
	doc := newXMLDocument()
	if err := doc.ReadFromBytes(data); err != nil {
		log.Warn("Unable to parse nav document, table of contents dropped", zap.String("entry", entry), zap.Error(err))
		return nil
	}
	var nav *etree.Element
	for _, n := range doc.FindElements("//nav") {
		typ := n.SelectAttrValue("type", "")
		if typ == "" {
			typ = n.SelectAttrValue("epub:type", "")
		}
		if typ == "toc" || nav == nil {
			nav = n
			if typ == "toc" {
				break
			}
		}
	}
	if nav == nil {
		return nil
	}
	var entries []ebook.TOCEntry
	for _, a := range nav.FindElements(".//a") {
		src := a.SelectAttrValue("href", "")
		label := strings.TrimSpace(flattenText(a))
		ci, block, ok := resolve(src)
		if !ok || label == "" {
			continue
		}
		entries = append(entries, ebook.TOCEntry{Title: label, Chapter: ci, Block: block})
	}
	return entries
}

func flattenText(el *etree.Element) string {
	var buf bytes.Buffer
	var walk func(e *etree.Element)
	walk = func(e *etree.Element) {
		buf.WriteString(e.Text())
		for _, ch := range e.ChildElements() {
			walk(ch)
			buf.WriteString(ch.Tail())
		}
	}
	walk(el)
	return buf.String()
}

// nameTOCChapters backfills chapter titles from the entries that point at
// a chapter start.
func nameTOCChapters(chapters []ebook.Chapter, toc []ebook.TOCEntry) {
	var walk func(entries []ebook.TOCEntry)
	walk = func(entries []ebook.TOCEntry) {
		for _, e := range entries {
			if e.Chapter >= 0 && e.Chapter < len(chapters) && e.Block == 0 && chapters[e.Chapter].Title == "" {
				chapters[e.Chapter].Title = e.Title
			}
			walk(e.Children)
		}
	}
	walk(toc)
}

// cleanHref normalizes an href for chapter lookup: percent-decoding and
// path cleaning, so "./Text/ch%201.xhtml" and "Text/ch 1.xhtml" meet.
func cleanHref(href string) string {
	if u, err := url.QueryUnescape(href); err == nil {
		href = u
	}
	return path.Clean(href)
}

// joinHref resolves a manifest href against a base directory inside the
// container, handling "../" the way zip paths need.
func joinHref(dir, href string) string {
	if dir == "" || dir == "." {
		return path.Clean(href)
	}
	return path.Clean(path.Join(dir, href))
}
