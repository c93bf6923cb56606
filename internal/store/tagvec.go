package store

import (
	"context"
	"fmt"
)

// TagVector is a cached vocabulary embedding.
type TagVector struct {
	Tag       string `db:"tag"`
	Phrase    string `db:"phrase"`
	Embedding []byte `db:"embedding"`
}

// LoadTagVectors returns the cached vocabulary embeddings keyed by tag.
func (s *Store) LoadTagVectors(ctx context.Context) (map[string]TagVector, error) {
	var rows []TagVector
	if err := s.db.SelectContext(ctx, &rows,
		`SELECT tag, phrase, embedding FROM tag_vectors`); err != nil {
		return nil, err
	}
	out := make(map[string]TagVector, len(rows))
	for _, tv := range rows {
		out[tv.Tag] = tv
	}
	return out, nil
}

// SaveTagVector caches one vocabulary embedding. A changed reference
// phrase overwrites the stale vector.
func (s *Store) SaveTagVector(ctx context.Context, tv TagVector) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO tag_vectors (tag, phrase, embedding) VALUES (?, ?, ?)
		 ON CONFLICT(tag) DO UPDATE SET phrase = excluded.phrase, embedding = excluded.embedding`,
		tv.Tag, tv.Phrase, tv.Embedding)
	if err != nil {
		return fmt.Errorf("save tag vector %s: %w", tv.Tag, err)
	}
	return nil
}

// ClearTagVectors drops the vocabulary cache (model change, vocab swap).
func (s *Store) ClearTagVectors(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, `DELETE FROM tag_vectors`)
	return err
}
