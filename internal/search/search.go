// Package search answers ranked nearest-neighbor queries against the
// asset store. Scoring is cosine similarity on unit vectors; a video is
// scored by its best-matching frame, and the hit carries that frame's
// timestamp so the caller can seek straight to it. At the target scale a
// linear scan over eligible embeddings is the index.
package search

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"github.com/nextlevelbuilder/mediascan/internal/embed"
	"github.com/nextlevelbuilder/mediascan/internal/media"
	"github.com/nextlevelbuilder/mediascan/internal/store"
)

// Options filter and bound a query.
type Options struct {
	// PathPrefix restricts hits to assets under this path.
	PathPrefix string
	// Kind restricts to images or videos; empty searches both.
	Kind store.Kind
	// ModifiedAfter/Before bound the file modification time (unix
	// seconds, 0 = unbounded).
	ModifiedAfter  int64
	ModifiedBefore int64
	// Threshold is the minimum similarity, in [0,1]. Every eligible asset
	// at or above it is returned.
	Threshold float64
	// Limit caps the result count after ranking; 0 means unlimited.
	Limit int
}

// Hit is one ranked result.
type Hit struct {
	AssetID   int64
	Path      string
	Kind      store.Kind
	Score     float64
	TsSeconds float64 // best-matching frame offset; 0 for images
}

// Engine executes similarity queries.
type Engine struct {
	Store    *store.Store
	Provider embed.Provider
	// Texts memoizes repeated text queries; optional.
	Texts *embed.TextCache
	// Loader prepares query images for SearchImage.
	Loader *media.ImageLoader
}

// SearchText embeds the query text and ranks matching assets.
func (e *Engine) SearchText(ctx context.Context, query string, opts Options) ([]Hit, error) {
	if query == "" {
		return nil, fmt.Errorf("empty query")
	}
	var (
		qvec []float32
		err  error
	)
	if e.Texts != nil {
		qvec, err = e.Texts.EmbedText(ctx, query)
	} else {
		qvec, err = e.Provider.EmbedText(ctx, query)
	}
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	return e.search(ctx, qvec, opts)
}

// SearchImage embeds the image at path and ranks matching assets.
func (e *Engine) SearchImage(ctx context.Context, imagePath string, opts Options) ([]Hit, error) {
	data, err := e.Loader.Load(imagePath)
	if err != nil {
		return nil, err
	}
	vecs, err := e.Provider.EmbedImages(ctx, [][]byte{data})
	if err != nil {
		return nil, fmt.Errorf("embed query image: %w", err)
	}
	return e.search(ctx, vecs[0], opts)
}

// search is the shared linear scan. Contract: every returned hit scores
// >= Threshold, no eligible asset above it is omitted (before Limit),
// order is score descending with path ascending as the tie-break.
func (e *Engine) search(ctx context.Context, qvec []float32, opts Options) ([]Hit, error) {
	filter := store.EligibleFilter{
		PathPrefix:     opts.PathPrefix,
		ModifiedAfter:  opts.ModifiedAfter,
		ModifiedBefore: opts.ModifiedBefore,
	}

	var hits []Hit

	if opts.Kind == "" || opts.Kind == store.KindImage {
		rows, err := e.Store.EligibleImages(ctx, filter)
		if err != nil {
			return nil, fmt.Errorf("load image embeddings: %w", err)
		}
		for _, row := range rows {
			vec, err := embed.DecodeVector(row.Embedding)
			if err != nil {
				slog.Warn("skipping undecodable embedding", "path", row.Path, "error", err)
				continue
			}
			score := embed.Cosine(qvec, vec)
			if score >= opts.Threshold {
				hits = append(hits, Hit{AssetID: row.ID, Path: row.Path, Kind: store.KindImage, Score: score})
			}
		}
	}

	if opts.Kind == "" || opts.Kind == store.KindVideo {
		rows, err := e.Store.EligibleFrames(ctx, filter)
		if err != nil {
			return nil, fmt.Errorf("load frame embeddings: %w", err)
		}
		best := make(map[int64]Hit, len(rows))
		for _, row := range rows {
			vec, err := embed.DecodeVector(row.Embedding)
			if err != nil {
				slog.Warn("skipping undecodable frame embedding", "path", row.Path, "ts", row.TsSeconds, "error", err)
				continue
			}
			score := embed.Cosine(qvec, vec)
			prev, seen := best[row.AssetID]
			if !seen || score > prev.Score {
				best[row.AssetID] = Hit{
					AssetID: row.AssetID, Path: row.Path, Kind: store.KindVideo,
					Score: score, TsSeconds: row.TsSeconds,
				}
			}
		}
		for _, h := range best {
			if h.Score >= opts.Threshold {
				hits = append(hits, h)
			}
		}
	}

	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].Path < hits[j].Path
	})

	if opts.Limit > 0 && len(hits) > opts.Limit {
		hits = hits[:opts.Limit]
	}
	return hits, nil
}
