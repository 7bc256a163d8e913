package thumb

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"image"
	"image/jpeg"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	log "github.com/go-pkgz/lgr"
)

// PreviewCache renders full size previews of output files with the workflow embedded, caching results on disk.
// Cache entries are keyed by the source file state, requested format and quality, and the workflow hash,
// so any change to one of them produces a new entry.
type PreviewCache struct {
	Dir string
}

// ParsePreview parses "format;quality" as sent in the preview query parameter. Unknown formats fall back to
// webp, missing or bad quality to 90.
func ParsePreview(v string) (format string, quality int) {
	if v == "" {
		v = "webp;50"
	}
	parts := strings.Split(v, ";")
	format, quality = parts[0], 90
	switch format {
	case "webp", "jpeg", "png":
	default:
		format = "webp"
	}
	if len(parts) > 1 {
		if q, err := strconv.Atoi(parts[len(parts)-1]); err == nil && q >= 0 {
			quality = min(q, 100)
		}
	}
	return format, quality
}

// Render returns the cached preview of the file at path, rendering it first if needed.
// webp output isn't available, such requests are served as jpeg.
func (p *PreviewCache) Render(path, format string, quality int, workflow string) (cachePath, mime string, err error) {
	key, err := p.key(path, format, quality, workflow)
	if err != nil {
		return "", "", err
	}
	ext, mime := "jpeg", "image/jpeg"
	if format == "png" {
		ext, mime = "png", "image/png"
	}
	cachePath = filepath.Join(p.Dir, key+"."+ext)
	if _, err = os.Stat(cachePath); err == nil {
		return cachePath, mime, nil
	}

	src, err := os.ReadFile(path) //nolint:gosec // path is resolved inside a storage root by the caller
	if err != nil {
		return "", "", fmt.Errorf("failed to read %s: %w", path, err)
	}
	img, _, err := image.Decode(bytes.NewReader(src))
	if err != nil {
		return "", "", fmt.Errorf("failed to decode %s: %w", path, err)
	}

	var data []byte
	if ext == "png" {
		text, _ := ReadPNGText(src) // keep metadata of png sources, not an error for other formats
		if text == nil {
			text = map[string]string{}
		}
		text["workflow"] = workflow
		data, err = EncodePNG(img, text)
	} else {
		data, err = encodeJPEG(img, quality, workflow)
	}
	if err != nil {
		return "", "", err
	}

	if err = os.MkdirAll(p.Dir, 0o750); err != nil {
		return "", "", fmt.Errorf("failed to create preview cache dir: %w", err)
	}
	tmp, err := os.CreateTemp(p.Dir, ".preview-*")
	if err != nil {
		return "", "", fmt.Errorf("failed to create preview file: %w", err)
	}
	defer os.Remove(tmp.Name()) // no-op after rename
	if _, err = tmp.Write(data); err != nil {
		_ = tmp.Close()
		return "", "", fmt.Errorf("failed to write preview: %w", err)
	}
	if err = tmp.Close(); err != nil {
		return "", "", fmt.Errorf("failed to close preview: %w", err)
	}
	if err = os.Rename(tmp.Name(), cachePath); err != nil {
		return "", "", fmt.Errorf("failed to store preview: %w", err)
	}
	log.Printf("[DEBUG] preview cached %s -> %s", path, cachePath)
	return cachePath, mime, nil
}

// Sweep removes cache entries not modified since olderThan, returns the number of removed files
func (p *PreviewCache) Sweep(olderThan time.Duration) (int, error) {
	entries, err := os.ReadDir(p.Dir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to read preview cache: %w", err)
	}
	cutoff := time.Now().Add(-olderThan)
	removed := 0
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		if err := os.Remove(filepath.Join(p.Dir, e.Name())); err != nil {
			log.Printf("[WARN] can't remove preview %s: %v", e.Name(), err)
			continue
		}
		removed++
	}
	return removed, nil
}

func (p *PreviewCache) key(path, format string, quality int, workflow string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("failed to resolve %s: %w", path, err)
	}
	st, err := os.Stat(abs)
	if err != nil {
		return "", fmt.Errorf("failed to stat %s: %w", path, err)
	}
	wf := sha256.Sum256([]byte(workflow))
	raw := fmt.Sprintf("%s|%d|%d|%s|%d|%s", abs, st.ModTime().UnixNano(), st.Size(), format, quality,
		hex.EncodeToString(wf[:])[:16])
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:]), nil
}

func encodeJPEG(img image.Image, quality int, workflow string) ([]byte, error) {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: max(1, quality)}); err != nil {
		return nil, fmt.Errorf("failed to encode jpeg: %w", err)
	}
	if workflow == "" {
		return buf.Bytes(), nil
	}
	return AddJPEGComment(buf.Bytes(), "workflow:"+workflow)
}
