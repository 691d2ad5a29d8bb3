package agent

import (
	"bytes"
	"encoding/base64"
	"image/jpeg"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/disintegration/imaging"

	"github.com/nanobot-ai/nanobot/internal/providers"
)

const (
	// maxImageBytes is the read limit for attachment files.
	maxImageBytes = 10 * 1024 * 1024
	// maxImageDim is the longest edge sent to vision models; larger images
	// are downscaled before encoding.
	maxImageDim = 2000
)

// loadImages reads local image attachments and returns base64-encoded
// contents for vision-capable models. Non-image paths and unreadable files
// are dropped with a warning.
func loadImages(paths []string) []providers.ImageContent {
	if len(paths) == 0 {
		return nil
	}

	var images []providers.ImageContent
	for _, p := range paths {
		mime := inferImageMime(p)
		if mime == "" {
			continue
		}
		data, err := os.ReadFile(p)
		if err != nil {
			slog.Warn("vision: failed to read image file", "path", p, "error", err)
			continue
		}
		if len(data) > maxImageBytes {
			slog.Warn("vision: image file too large, skipping", "path", p, "size", len(data))
			continue
		}
		if shrunk, ok := downscale(data); ok {
			data, mime = shrunk, "image/jpeg"
		}
		images = append(images, providers.ImageContent{
			MimeType: mime,
			Data:     base64.StdEncoding.EncodeToString(data),
		})
	}
	return images
}

// downscale re-encodes oversized images at maxImageDim. Undecodable formats
// (animated gif, webp) pass through untouched.
func downscale(data []byte) ([]byte, bool) {
	img, err := imaging.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, false
	}
	b := img.Bounds()
	if b.Dx() <= maxImageDim && b.Dy() <= maxImageDim {
		return nil, false
	}
	fitted := imaging.Fit(img, maxImageDim, maxImageDim, imaging.Lanczos)
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, fitted, &jpeg.Options{Quality: 85}); err != nil {
		return nil, false
	}
	return buf.Bytes(), true
}

func inferImageMime(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".png":
		return "image/png"
	case ".gif":
		return "image/gif"
	case ".webp":
		return "image/webp"
	default:
		return ""
	}
}
