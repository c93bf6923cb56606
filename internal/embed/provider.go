// Package embed defines the embedding provider boundary and the vector
// primitives shared by the pipeline, the search engine and the tagger.
// The model itself is a black box reached over HTTP; this package only
// guarantees fixed-length unit vectors in a single model space.
package embed

import (
	"context"
	"errors"
)

// ErrInference wraps provider-side failures (device OOM, model error).
// The pipeline retries once at reduced batch size before marking assets
// failed.
var ErrInference = errors.New("inference failed")

// Provider produces embeddings for images and text in one shared vector
// space. Implementations must return unit-normalized vectors, one per
// input, in input order. Calls may be slow; callers batch and must pass a
// cancellable context.
type Provider interface {
	// EmbedImages embeds encoded images (JPEG/PNG bytes), one vector per
	// input in the same order.
	EmbedImages(ctx context.Context, images [][]byte) ([][]float32, error)
	// EmbedText embeds a free-text phrase.
	EmbedText(ctx context.Context, text string) ([]float32, error)
	// Dim is the vector length of this model.
	Dim() int
	// Model identifies the model; vectors are only comparable within one
	// model identifier.
	Model() string
}
