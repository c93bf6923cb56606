// Package store persists media assets and their embeddings in a SQLite
// database. It is the single shared mutable resource of the system: the
// scanner and the inference pipeline write through it, the search engine
// and the tagger read from it. Every embedding write happens inside the
// transaction that publishes the asset as ready, so readers never observe
// a half-written vector.
package store

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Kind classifies an asset.
type Kind string

const (
	KindImage Kind = "image"
	KindVideo Kind = "video"
)

// State is the lifecycle position of an asset.
//
// pending -> ready -> tagged, with dirty (content changed since the stored
// embedding), failed (decode/inference error, excluded until the file
// changes) and deleted (source file gone) as side exits.
type State string

const (
	StatePending State = "pending"
	StateDirty   State = "dirty"
	StateReady   State = "ready"
	StateTagged  State = "tagged"
	StateFailed  State = "failed"
	StateDeleted State = "deleted"
)

var (
	// ErrNotFound is returned when no asset matches the lookup.
	ErrNotFound = errors.New("asset not found")
	// ErrScanActive is returned when another scan holds the scan lock.
	ErrScanActive = errors.New("another scan is already running")
	// ErrModelMismatch is returned when stored embeddings belong to a
	// different model than the one configured.
	ErrModelMismatch = errors.New("stored embeddings belong to a different model")
)

// Asset is one tracked media file.
type Asset struct {
	ID           int64  `db:"id"`
	Path         string `db:"path"`
	Kind         Kind   `db:"kind"`
	OriginalName string `db:"original_name"`
	ModifiedAt   int64  `db:"modified_at"` // unix seconds
	SizeBytes    int64  `db:"size_bytes"`
	ContentHash  string `db:"content_hash"`
	State        State  `db:"state"`
	Embedding    []byte `db:"embedding"` // float32 LE blob, images only
	TagsJSON     string `db:"tags"`
	Error        string `db:"error"`
	CreatedAt    int64  `db:"created_at"`
	UpdatedAt    int64  `db:"updated_at"`
}

// Tags decodes the stored tag list. An empty column yields nil.
func (a *Asset) Tags() []string {
	if a.TagsJSON == "" {
		return nil
	}
	var tags []string
	if err := json.Unmarshal([]byte(a.TagsJSON), &tags); err != nil {
		return nil
	}
	return tags
}

// EncodeTags serializes a tag list for storage.
func EncodeTags(tags []string) (string, error) {
	if len(tags) == 0 {
		return "", nil
	}
	b, err := json.Marshal(tags)
	if err != nil {
		return "", fmt.Errorf("encode tags: %w", err)
	}
	return string(b), nil
}

// Frame is one sampled video frame with its embedding.
type Frame struct {
	ID        int64   `db:"id"`
	AssetID   int64   `db:"asset_id"`
	TsSeconds float64 `db:"ts_seconds"`
	Embedding []byte  `db:"embedding"`
}

// FrameEmbedding pairs a timestamp with a computed vector for write-back.
type FrameEmbedding struct {
	TsSeconds float64
	Embedding []byte
}

// Counts summarizes the store per state.
type Counts struct {
	Images  int64
	Videos  int64
	Frames  int64
	ByState map[State]int64
}
