// Package media turns files on disk into provider-ready image bytes:
// still images are decoded, size-checked and re-encoded; videos are
// sampled into frames at a fixed interval via ffmpeg.
package media

import (
	"errors"
	"fmt"
)

// DecodeError marks corrupt or unsupported media. Assets that trigger it
// are marked failed and excluded from inference and search until the file
// changes on disk.
type DecodeError struct {
	Path string
	Err  error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode %s: %v", e.Path, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// IsDecodeError reports whether err is (or wraps) a DecodeError.
func IsDecodeError(err error) bool {
	var de *DecodeError
	return errors.As(err, &de)
}

// ErrTooSmall rejects thumbnails and icons below the configured minimum
// dimensions. Small images carry almost no searchable content and would
// pollute results.
var ErrTooSmall = errors.New("image below minimum dimensions")
