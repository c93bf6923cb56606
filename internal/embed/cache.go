package embed

import (
	"context"

	lru "github.com/hashicorp/golang-lru/v2"
)

// TextCache memoizes text embeddings in front of a Provider. Search
// queries and vocabulary phrases repeat heavily; the model call does not
// need to.
type TextCache struct {
	provider Provider
	cache    *lru.Cache[string, []float32]
}

// NewTextCache wraps provider with an LRU of the given size.
func NewTextCache(provider Provider, size int) (*TextCache, error) {
	if size <= 0 {
		size = 256
	}
	c, err := lru.New[string, []float32](size)
	if err != nil {
		return nil, err
	}
	return &TextCache{provider: provider, cache: c}, nil
}

// EmbedText returns the cached vector for text, computing it on miss.
func (tc *TextCache) EmbedText(ctx context.Context, text string) ([]float32, error) {
	if v, ok := tc.cache.Get(text); ok {
		return v, nil
	}
	v, err := tc.provider.EmbedText(ctx, text)
	if err != nil {
		return nil, err
	}
	tc.cache.Add(text, v)
	return v, nil
}

// Purge empties the cache (model change).
func (tc *TextCache) Purge() { tc.cache.Purge() }
