// Package thumb derives small preview images from job outputs: it resolves output descriptors inside
// configured storage roots, downsizes images to fit a bounding box and encodes them as PNG carrying the
// originating workflow in a "prompt" text chunk, so a thumbnail alone is enough to restore the job.
// Jobs without images get a single placeholder tagged with their terminal status.
package thumb

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"image/color"
	_ "image/gif"  // gif decoder
	_ "image/jpeg" // jpeg decoder
	"image/png"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	log "github.com/go-pkgz/lgr"
	"github.com/go-pkgz/syncs"
	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp" // webp decoder

	"github.com/co5dt/pqueue/app/enums"
	"github.com/co5dt/pqueue/app/persistence"
)

var (
	// ErrOutsideRoot is returned when a subfolder escapes its storage root
	ErrOutsideRoot = errors.New("path outside of storage root")
	// ErrUnknownArea is returned for storage areas without a configured root
	ErrUnknownArea = errors.New("unknown storage area")
)

// Descriptor names an output file in a storage area
type Descriptor struct {
	Filename  string `json:"filename"`
	Name      string `json:"name"` // alternative to filename used by some nodes
	Subfolder string `json:"subfolder"`
	Type      string `json:"type"` // storage area, output if empty
}

// Generator makes thumbnails for finished jobs
type Generator struct {
	Roots     map[string]string // storage area (output, input, temp) -> root directory
	MaxSize   int               // bounding box side, 128 if 0
	MaxImages int               // max thumbnails per job, 4 if 0
}

// Resolve returns the path of filename in area/subfolder, rejecting subfolders escaping the area root
func (g *Generator) Resolve(area, subfolder, filename string) (string, error) {
	if area == "" {
		area = "output"
	}
	root, ok := g.Roots[area]
	if !ok || root == "" {
		return "", fmt.Errorf("%w %q", ErrUnknownArea, area)
	}
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return "", fmt.Errorf("failed to resolve root %s: %w", root, err)
	}
	dir := filepath.Join(absRoot, subfolder)
	rel, err := filepath.Rel(absRoot, dir)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %q", ErrOutsideRoot, subfolder)
	}

	base := filepath.Base(filename)
	if filename == "" || base == "." || base == ".." || base == string(filepath.Separator) {
		return "", fmt.Errorf("invalid file name %q", filename)
	}
	return filepath.Join(dir, base), nil
}

// Descriptors extracts image descriptors from job outputs (node id -> {images:[...]} or ui.images, or a
// bare list), ordered by node id
func Descriptors(outputs json.RawMessage) []Descriptor {
	var nodes map[string]json.RawMessage
	if err := json.Unmarshal(outputs, &nodes); err != nil {
		return nil
	}
	ids := make([]string, 0, len(nodes))
	for id := range nodes {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return nodeLess(ids[i], ids[j]) })

	res := []Descriptor{}
	for _, id := range ids {
		var obj struct {
			Images []Descriptor `json:"images"`
			UI     struct {
				Images []Descriptor `json:"images"`
			} `json:"ui"`
		}
		var list []Descriptor
		switch {
		case json.Unmarshal(nodes[id], &obj) == nil:
			list = obj.Images
			if len(list) == 0 {
				list = obj.UI.Images
			}
		case json.Unmarshal(nodes[id], &list) == nil:
		default:
			continue
		}
		for _, d := range list {
			if d.Filename == "" {
				d.Filename = d.Name
			}
			if d.Filename != "" {
				res = append(res, d)
			}
		}
	}
	return res
}

// FromOutputs makes up to MaxImages thumbnails from the images in outputs. Unreadable images are skipped,
// idx values are consecutive from 0.
func (g *Generator) FromOutputs(outputs json.RawMessage, workflow string) []persistence.Thumbnail {
	descs := Descriptors(outputs)
	if len(descs) > g.maxImages() {
		descs = descs[:g.maxImages()]
	}
	if len(descs) == 0 {
		return nil
	}

	results := make([]*persistence.Thumbnail, len(descs))
	gr := syncs.NewSizedGroup(len(descs))
	for i, d := range descs {
		gr.Go(func(context.Context) {
			th, err := g.fromFile(d, workflow)
			if err != nil {
				log.Printf("[WARN] can't make thumbnail for %s/%s: %v", d.Subfolder, d.Filename, err)
				return
			}
			results[i] = &th
		})
	}
	gr.Wait()

	res := make([]persistence.Thumbnail, 0, len(results))
	for _, th := range results {
		if th == nil {
			continue
		}
		th.Idx = len(res)
		res = append(res, *th)
	}
	return res
}

func (g *Generator) fromFile(d Descriptor, workflow string) (persistence.Thumbnail, error) {
	path, err := g.Resolve(d.Type, d.Subfolder, d.Filename)
	if err != nil {
		return persistence.Thumbnail{}, err
	}
	fh, err := os.Open(path) //nolint:gosec // path is resolved inside a storage root
	if err != nil {
		return persistence.Thumbnail{}, fmt.Errorf("failed to open image: %w", err)
	}
	defer fh.Close()

	src, _, err := image.Decode(fh)
	if err != nil {
		return persistence.Thumbnail{}, fmt.Errorf("failed to decode image: %w", err)
	}
	dst := Fit(src, g.maxSize())
	data, err := EncodePNG(dst, map[string]string{"prompt": workflow})
	if err != nil {
		return persistence.Thumbnail{}, err
	}
	b := dst.Bounds()
	return persistence.Thumbnail{Mime: "image/png", Width: b.Dx(), Height: b.Dy(), Data: data}, nil
}

// Fit downsizes src to fit into a size x size box preserving aspect ratio, never upscales
func Fit(src image.Image, size int) image.Image {
	b := src.Bounds()
	w, h := max(1, b.Dx()), max(1, b.Dy())
	scale := min(float64(size)/float64(w), float64(size)/float64(h), 1.0)
	nw, nh := max(1, int(float64(w)*scale)), max(1, int(float64(h)*scale))
	dst := image.NewRGBA(image.Rect(0, 0, nw, nh))
	draw.CatmullRom.Scale(dst, dst.Bounds(), src, b, draw.Src, nil)
	return dst
}

// EncodePNG encodes img as PNG with the given text chunks, empty values are skipped
func EncodePNG(img image.Image, text map[string]string) ([]byte, error) {
	var buf bytes.Buffer
	enc := png.Encoder{CompressionLevel: png.DefaultCompression}
	if err := enc.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("failed to encode png: %w", err)
	}
	return AddPNGText(buf.Bytes(), text)
}

// placeholder colors per status
var (
	placeholderBackground = color.RGBA{R: 28, G: 29, B: 32, A: 255}
	placeholderFailed     = color.RGBA{R: 239, G: 68, B: 68, A: 255}
	placeholderOther      = color.RGBA{R: 234, G: 179, B: 8, A: 255}
)

// Placeholder makes the single thumbnail (idx 0) for a job without images: red with an X for failed
// jobs, yellow with an exclamation mark otherwise. The workflow is embedded like in regular thumbnails.
func (g *Generator) Placeholder(status enums.JobStatus, workflow string) (persistence.Thumbnail, error) {
	size := g.maxSize()
	fill, glyph := placeholderOther, "!"
	if status == enums.JobStatusFailed {
		fill, glyph = placeholderFailed, "X"
	}

	img := image.NewRGBA(image.Rect(0, 0, size, size))
	draw.Draw(img, img.Bounds(), image.NewUniform(placeholderBackground), image.Point{}, draw.Src)
	margin := size / 10
	fillRoundedRect(img, image.Rect(margin, margin, size-margin, size-margin), size/12, fill)
	drawGlyph(img, glyph, size/2)

	data, err := EncodePNG(img, map[string]string{"prompt": workflow})
	if err != nil {
		return persistence.Thumbnail{}, err
	}
	return persistence.Thumbnail{Idx: 0, Mime: "image/png", Width: size, Height: size, Data: data}, nil
}

func (g *Generator) maxSize() int {
	if g.MaxSize <= 0 {
		return 128
	}
	return g.MaxSize
}

func (g *Generator) maxImages() int {
	if g.MaxImages <= 0 {
		return 4
	}
	return g.MaxImages
}

// nodeLess orders node ids numerically when both are numbers
func nodeLess(a, b string) bool {
	na, errA := strconv.Atoi(a)
	nb, errB := strconv.Atoi(b)
	if errA == nil && errB == nil {
		return na < nb
	}
	return a < b
}
