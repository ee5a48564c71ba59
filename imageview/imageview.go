// Package imageview materializes an ebook image into a temporary file and
// hands it to an external viewer. Vector images are rasterized first since
// most terminal-adjacent viewers cannot render SVG.
package imageview

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"math"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/disintegration/imaging"
	"github.com/google/uuid"
	"github.com/gosimple/slug"
	"github.com/h2non/filetype"
	"github.com/srwiley/oksvg"
	"github.com/srwiley/rasterx"
	"go.uber.org/zap"

	"github.com/wustho/epy/ebook"
)

// viewers in probe order; each is invoked as "<program> <file>".
var viewers = []string{"feh", "imv", "gio", "xdg-open", "open"}

const (
	defaultSVGSize = 1024
	maxRasterDim   = 8192
)

// Viewer spawns an external image viewer on materialized files.
type Viewer struct {
	path string
	name string
	log  *zap.Logger

	dir string // temp files for the session, removed on Close
}

// Probe locates an image viewer program, honoring an explicit override.
func Probe(preferred string, log *zap.Logger) (*Viewer, error) {
	candidates := viewers
	if preferred != "" {
		candidates = []string{preferred}
	}
	for _, name := range candidates {
		if p, err := exec.LookPath(name); err == nil {
			return &Viewer{path: p, name: name, log: log}, nil
		}
	}
	return nil, &ebook.CapabilityMissing{
		Capability: "image viewer",
		Err:        fmt.Errorf("no viewer found in PATH (tried %s)", strings.Join(candidates, ", ")),
	}
}

func (v *Viewer) Name() string { return v.name }

// Show writes the image to a temp file and opens the viewer on it. The
// call returns as soon as the viewer is spawned; the reader keeps running.
func (v *Viewer) Show(ref string, data []byte) error {
	path, err := v.Materialize(ref, data)
	if err != nil {
		return err
	}
	args := []string{path}
	if v.name == "gio" {
		args = []string{"open", path}
	}
	cmd := exec.Command(v.path, args...)
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("spawn %s: %w", v.name, err)
	}
	go func() {
		if err := cmd.Wait(); err != nil {
			v.log.Debug("viewer exited", zap.String("viewer", v.name), zap.Error(err))
		}
	}()
	return nil
}

// Materialize writes image data to a session temp file, converting formats
// viewers commonly reject. The file name is derived from the book-internal
// reference so repeat views reuse a readable name.
func (v *Viewer) Materialize(ref string, data []byte) (string, error) {
	if v.dir == "" {
		dir, err := os.MkdirTemp("", "epy-img-")
		if err != nil {
			return "", err
		}
		v.dir = dir
	}

	name := slug.Make(strings.TrimSuffix(filepath.Base(ref), filepath.Ext(ref)))
	if name == "" {
		// refs like "#img0001" slugify to nothing, avoid collisions
		name = "image-" + uuid.NewString()[:8]
	}

	if isSVG(data) {
		img, err := rasterizeSVG(data)
		if err != nil {
			return "", fmt.Errorf("rasterize %s: %w", ref, err)
		}
		path := filepath.Join(v.dir, name+".png")
		if err := imaging.Save(img, path); err != nil {
			return "", err
		}
		return path, nil
	}

	ext := ".png"
	if t, err := filetype.Match(data); err == nil && t.Extension != "" {
		ext = "." + t.Extension
	}
	switch ext {
	case ".png", ".jpg", ".jpeg", ".gif", ".webp":
		path := filepath.Join(v.dir, name+ext)
		if err := os.WriteFile(path, data, 0o600); err != nil {
			return "", err
		}
		return path, nil
	}

	// unusual raster format, re-encode to PNG
	img, err := imaging.Decode(bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("decode %s: %w", ref, err)
	}
	path := filepath.Join(v.dir, name+".png")
	if err := imaging.Save(img, path); err != nil {
		return "", err
	}
	return path, nil
}

// Close removes the session's materialized files.
func (v *Viewer) Close() error {
	if v.dir == "" {
		return nil
	}
	err := os.RemoveAll(v.dir)
	v.dir = ""
	return err
}

func isSVG(data []byte) bool {
	head := data
	if len(head) > 512 {
		head = head[:512]
	}
	return bytes.Contains(head, []byte("<svg")) || bytes.Contains(head, []byte("<?xml")) && bytes.Contains(data, []byte("<svg"))
}

// rasterizeSVG renders vector data to an RGBA image at its intrinsic size,
// clamped so a hostile viewBox cannot exhaust memory.
func rasterizeSVG(svgData []byte) (image.Image, error) {
	icon, err := oksvg.ReadIconStream(bytes.NewReader(svgData))
	if err != nil {
		return nil, err
	}

	w := int(math.Ceil(icon.ViewBox.W))
	h := int(math.Ceil(icon.ViewBox.H))
	if w <= 0 {
		w = defaultSVGSize
	}
	if h <= 0 {
		h = defaultSVGSize
	}
	if w > maxRasterDim || h > maxRasterDim {
		s := math.Min(float64(maxRasterDim)/float64(w), float64(maxRasterDim)/float64(h))
		w = int(math.Max(math.Round(float64(w)*s), 1))
		h = int(math.Max(math.Round(float64(h)*s), 1))
	}

	icon.SetTarget(0, 0, float64(w), float64(h))
	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.Draw(dst, dst.Bounds(), &image.Uniform{C: color.RGBA{255, 255, 255, 255}}, image.Point{}, draw.Src)
	scanner := rasterx.NewScannerGV(w, h, dst, dst.Bounds())
	icon.Draw(rasterx.NewDasher(w, h, scanner), 1.0)
	return dst, nil
}
