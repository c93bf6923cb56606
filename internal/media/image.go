package media

import (
	"bytes"
	"fmt"
	"os"

	"github.com/disintegration/imaging"

	// Register decoders beyond the stdlib set.
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

// maxEdge is the longest image edge shipped to the provider. CLIP models
// downscale anyway; resizing here keeps request payloads small.
const maxEdge = 768

// ImageLoader decodes and normalizes still images for embedding.
type ImageLoader struct {
	MinWidth  int
	MinHeight int
}

// Load reads, decodes and re-encodes the image at path as JPEG bytes
// suitable for the embedding provider. EXIF orientation is applied.
// Returns a DecodeError for unreadable or corrupt files and ErrTooSmall
// (wrapped in a DecodeError) for images under the configured minimum.
func (l *ImageLoader) Load(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, &DecodeError{Path: path, Err: err}
	}
	defer f.Close()

	img, err := imaging.Decode(f, imaging.AutoOrientation(true))
	if err != nil {
		return nil, &DecodeError{Path: path, Err: err}
	}

	bounds := img.Bounds()
	if (l.MinWidth > 0 && bounds.Dx() < l.MinWidth) ||
		(l.MinHeight > 0 && bounds.Dy() < l.MinHeight) {
		return nil, &DecodeError{Path: path, Err: fmt.Errorf("%w: %dx%d", ErrTooSmall, bounds.Dx(), bounds.Dy())}
	}

	if bounds.Dx() > maxEdge || bounds.Dy() > maxEdge {
		img = imaging.Fit(img, maxEdge, maxEdge, imaging.Lanczos)
	}

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.JPEG, imaging.JPEGQuality(85)); err != nil {
		return nil, &DecodeError{Path: path, Err: err}
	}
	return buf.Bytes(), nil
}
