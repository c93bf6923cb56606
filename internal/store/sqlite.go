package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"
)

// Store is the SQLite-backed asset store.
type Store struct {
	db *sqlx.DB
	mu sync.Mutex // serializes multi-statement writers
}

// Open opens (or creates) the database at path and migrates the schema.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create db dir: %w", err)
		}
	}

	db, err := sqlx.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// modernc sqlite is single-writer; avoid lock thrash.
	db.SetMaxOpenConns(1)

	s := &Store{db: db}
	if err := s.Migrate(); err != nil {
		db.Close()
		return nil, err
	}

	slog.Debug("asset store opened", "path", path)
	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error { return s.db.Close() }

func now() int64 { return time.Now().Unix() }

// --- model metadata -------------------------------------------------------

const (
	metaModelName    = "model_name"
	metaEmbeddingDim = "embedding_dim"
)

func (s *Store) getMeta(ctx context.Context, key string) (string, error) {
	var v string
	err := s.db.GetContext(ctx, &v, `SELECT value FROM meta WHERE key = ?`, key)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return v, err
}

func (s *Store) setMeta(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO meta (key, value) VALUES (?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)
	return err
}

// EnsureModel records the embedding model in use. If the store already
// holds embeddings from a different model, every embedded asset is marked
// dirty and cached tag vectors are dropped: vectors from different models
// are not comparable. Returns the number of invalidated assets.
func (s *Store) EnsureModel(ctx context.Context, modelName string, dim int) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, err := s.getMeta(ctx, metaModelName)
	if err != nil {
		return 0, fmt.Errorf("read model meta: %w", err)
	}
	if stored == modelName {
		return 0, nil
	}

	var invalidated int64
	if stored != "" {
		slog.Warn("embedding model changed, invalidating stored embeddings",
			"old", stored, "new", modelName)
		res, err := s.db.ExecContext(ctx,
			`UPDATE assets SET state = ?, embedding = NULL, tags = '', updated_at = ?
			 WHERE state IN (?, ?, ?)`,
			StateDirty, now(), StateReady, StateTagged, StateFailed)
		if err != nil {
			return 0, fmt.Errorf("invalidate assets: %w", err)
		}
		invalidated, _ = res.RowsAffected()
		if _, err := s.db.ExecContext(ctx, `DELETE FROM frames`); err != nil {
			return invalidated, fmt.Errorf("clear frames: %w", err)
		}
		if _, err := s.db.ExecContext(ctx, `DELETE FROM tag_vectors`); err != nil {
			return invalidated, fmt.Errorf("clear tag vectors: %w", err)
		}
	}

	if err := s.setMeta(ctx, metaModelName, modelName); err != nil {
		return invalidated, err
	}
	if err := s.setMeta(ctx, metaEmbeddingDim, fmt.Sprint(dim)); err != nil {
		return invalidated, err
	}
	return invalidated, nil
}

// ModelName returns the model recorded in the store, empty if none yet.
func (s *Store) ModelName(ctx context.Context) (string, error) {
	return s.getMeta(ctx, metaModelName)
}

// --- asset lookups --------------------------------------------------------

const assetColumns = `id, path, kind, original_name, modified_at, size_bytes,
	content_hash, state, embedding, tags, error, created_at, updated_at`

// GetByPath returns the asset at path, or ErrNotFound.
func (s *Store) GetByPath(ctx context.Context, path string) (*Asset, error) {
	var a Asset
	err := s.db.GetContext(ctx, &a,
		`SELECT `+assetColumns+` FROM assets WHERE path = ?`, path)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// FindDetachedByHash looks for an asset with the given content hash whose
// file is no longer at its recorded path (deleted, or simply absent on
// disk). Used by the scanner to recognize renames without re-embedding.
func (s *Store) FindDetachedByHash(ctx context.Context, hash string) (*Asset, error) {
	var candidates []Asset
	err := s.db.SelectContext(ctx, &candidates,
		`SELECT `+assetColumns+` FROM assets WHERE content_hash = ? ORDER BY path`, hash)
	if err != nil {
		return nil, err
	}
	for i := range candidates {
		a := &candidates[i]
		if a.State == StateDeleted {
			return a, nil
		}
		if _, err := os.Stat(a.Path); os.IsNotExist(err) {
			return a, nil
		}
	}
	return nil, ErrNotFound
}

// PendingAssets returns assets awaiting embedding (pending or dirty),
// oldest first. limit <= 0 returns all.
func (s *Store) PendingAssets(ctx context.Context, limit int) ([]Asset, error) {
	q := `SELECT ` + assetColumns + ` FROM assets WHERE state IN (?, ?) ORDER BY id`
	args := []any{StatePending, StateDirty}
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}
	var out []Asset
	if err := s.db.SelectContext(ctx, &out, q, args...); err != nil {
		return nil, err
	}
	return out, nil
}

// AllPaths returns path -> asset for every non-deleted asset. The scanner
// uses it to find files that vanished from disk.
func (s *Store) AllPaths(ctx context.Context) (map[string]Asset, error) {
	var rows []Asset
	err := s.db.SelectContext(ctx, &rows,
		`SELECT `+assetColumns+` FROM assets WHERE state != ?`, StateDeleted)
	if err != nil {
		return nil, err
	}
	out := make(map[string]Asset, len(rows))
	for _, a := range rows {
		out[a.Path] = a
	}
	return out, nil
}

// --- asset mutations ------------------------------------------------------

// InsertPending records a newly discovered file.
func (s *Store) InsertPending(ctx context.Context, a *Asset) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ts := now()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO assets (path, kind, original_name, modified_at, size_bytes,
			content_hash, state, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(path) DO UPDATE SET
			kind = excluded.kind,
			modified_at = excluded.modified_at,
			size_bytes = excluded.size_bytes,
			content_hash = excluded.content_hash,
			state = excluded.state,
			embedding = NULL,
			tags = '',
			error = '',
			updated_at = excluded.updated_at`,
		a.Path, a.Kind, a.OriginalName, a.ModifiedAt, a.SizeBytes,
		a.ContentHash, StatePending, ts, ts)
	if err != nil {
		return fmt.Errorf("insert asset %s: %w", a.Path, err)
	}
	if id, err := res.LastInsertId(); err == nil {
		a.ID = id
	}
	a.State = StatePending
	return nil
}

// MarkDirty flags a changed file for re-embedding and clears data derived
// from the old content (frames, tags, previous failure).
func (s *Store) MarkDirty(ctx context.Context, id int64, hash string, modifiedAt, sizeBytes int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`UPDATE assets SET state = ?, content_hash = ?, modified_at = ?, size_bytes = ?,
			embedding = NULL, tags = '', error = '', updated_at = ? WHERE id = ?`,
		StateDirty, hash, modifiedAt, sizeBytes, now(), id); err != nil {
		return fmt.Errorf("mark dirty: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM frames WHERE asset_id = ?`, id); err != nil {
		return fmt.Errorf("clear frames: %w", err)
	}
	return tx.Commit()
}

// UpdatePath re-keys an asset after a detected rename or a tagger rename.
func (s *Store) UpdatePath(ctx context.Context, id int64, newPath string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx,
		`UPDATE assets SET path = ?, updated_at = ? WHERE id = ?`,
		newPath, now(), id)
	if err != nil {
		return fmt.Errorf("update path: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// Revive flips a deleted (or otherwise detached) asset back to life at a
// new path, keeping its embedding. Stat fields are refreshed so an
// unchanged rename does not look dirty on the next scan.
func (s *Store) Revive(ctx context.Context, id int64, newPath string, modifiedAt, sizeBytes int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var state State
	err := s.db.GetContext(ctx, &state, `SELECT state FROM assets WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	if state == StateDeleted {
		// The embedding was computed from identical content (hash match),
		// so the asset goes straight back to ready.
		state = StateReady
	}
	_, err = s.db.ExecContext(ctx,
		`UPDATE assets SET path = ?, state = ?, modified_at = ?, size_bytes = ?, updated_at = ?
		 WHERE id = ?`,
		newPath, state, modifiedAt, sizeBytes, now(), id)
	return err
}

// UpdateStat refreshes mtime/size after a touch that left the content
// hash unchanged, so the next scan can skip rehashing.
func (s *Store) UpdateStat(ctx context.Context, id int64, modifiedAt, sizeBytes int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx,
		`UPDATE assets SET modified_at = ?, size_bytes = ?, updated_at = ? WHERE id = ?`,
		modifiedAt, sizeBytes, now(), id)
	return err
}

// MarkDeleted tombstones an asset whose file disappeared.
func (s *Store) MarkDeleted(ctx context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx,
		`UPDATE assets SET state = ?, updated_at = ? WHERE id = ?`,
		StateDeleted, now(), id)
	return err
}

// MarkFailed records a per-asset processing failure with its cause. Failed
// assets stay queryable by state but are excluded from inference and search
// until the file changes.
func (s *Store) MarkFailed(ctx context.Context, id int64, cause string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx,
		`UPDATE assets SET state = ?, error = ?, updated_at = ? WHERE id = ?`,
		StateFailed, cause, now(), id)
	return err
}

// SaveImageEmbedding persists an image vector and publishes the asset as
// ready in one transaction.
func (s *Store) SaveImageEmbedding(ctx context.Context, id int64, embedding []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.db.ExecContext(ctx,
		`UPDATE assets SET embedding = ?, state = ?, error = '', updated_at = ? WHERE id = ?`,
		embedding, StateReady, now(), id)
	if err != nil {
		return fmt.Errorf("save embedding: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// SaveFrameEmbeddings replaces all frames of a video asset and publishes it
// as ready in one transaction. A crash before commit leaves the asset
// pending and safe to recompute.
func (s *Store) SaveFrameEmbeddings(ctx context.Context, id int64, frames []FrameEmbedding) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM frames WHERE asset_id = ?`, id); err != nil {
		return fmt.Errorf("clear frames: %w", err)
	}
	for _, f := range frames {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO frames (asset_id, ts_seconds, embedding) VALUES (?, ?, ?)`,
			id, f.TsSeconds, f.Embedding); err != nil {
			return fmt.Errorf("insert frame at %vs: %w", f.TsSeconds, err)
		}
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE assets SET state = ?, error = '', updated_at = ? WHERE id = ?`,
		StateReady, now(), id); err != nil {
		return fmt.Errorf("publish video: %w", err)
	}
	return tx.Commit()
}

// FramesByAsset returns the stored frames of a video, ordered by timestamp.
func (s *Store) FramesByAsset(ctx context.Context, id int64) ([]Frame, error) {
	var out []Frame
	err := s.db.SelectContext(ctx, &out,
		`SELECT id, asset_id, ts_seconds, embedding FROM frames
		 WHERE asset_id = ? ORDER BY ts_seconds`, id)
	return out, err
}

// UpdateTags stores the tag list and moves a ready asset to tagged.
func (s *Store) UpdateTags(ctx context.Context, id int64, tags []string) error {
	encoded, err := EncodeTags(tags)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err = s.db.ExecContext(ctx,
		`UPDATE assets SET tags = ?, state = CASE WHEN state = ? THEN ? ELSE state END,
			updated_at = ? WHERE id = ?`,
		encoded, StateReady, StateTagged, now(), id)
	return err
}

// --- search / tagging reads ----------------------------------------------

// EligibleFilter restricts which ready assets a read considers.
type EligibleFilter struct {
	Kind           Kind  // empty = both
	PathPrefix     string
	ModifiedAfter  int64 // unix seconds, 0 = unbounded
	ModifiedBefore int64
}

func (f EligibleFilter) clauses() (string, []any) {
	q := ` AND a.state IN ('` + string(StateReady) + `', '` + string(StateTagged) + `')`
	var args []any
	if f.Kind != "" {
		q += ` AND a.kind = ?`
		args = append(args, f.Kind)
	}
	if f.PathPrefix != "" {
		q += ` AND a.path LIKE ? ESCAPE '\'`
		args = append(args, likePrefix(f.PathPrefix))
	}
	if f.ModifiedAfter > 0 {
		q += ` AND a.modified_at >= ?`
		args = append(args, f.ModifiedAfter)
	}
	if f.ModifiedBefore > 0 {
		q += ` AND a.modified_at <= ?`
		args = append(args, f.ModifiedBefore)
	}
	return q, args
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

// likePrefix escapes LIKE metacharacters in a literal path prefix.
func likePrefix(prefix string) string {
	return likeEscaper.Replace(prefix) + "%"
}

// ImageRow is a search-eligible image embedding.
type ImageRow struct {
	ID         int64  `db:"id"`
	Path       string `db:"path"`
	ModifiedAt int64  `db:"modified_at"`
	Embedding  []byte `db:"embedding"`
}

// EligibleImages streams every ready image embedding matching the filter.
func (s *Store) EligibleImages(ctx context.Context, f EligibleFilter) ([]ImageRow, error) {
	f.Kind = KindImage
	where, args := f.clauses()
	var out []ImageRow
	err := s.db.SelectContext(ctx, &out,
		`SELECT a.id, a.path, a.modified_at, a.embedding FROM assets a
		 WHERE a.embedding IS NOT NULL`+where+` ORDER BY a.path`, args...)
	return out, err
}

// FrameRow is a search-eligible video frame embedding.
type FrameRow struct {
	AssetID    int64   `db:"asset_id"`
	Path       string  `db:"path"`
	ModifiedAt int64   `db:"modified_at"`
	TsSeconds  float64 `db:"ts_seconds"`
	Embedding  []byte  `db:"embedding"`
}

// EligibleFrames streams every ready video frame matching the filter.
func (s *Store) EligibleFrames(ctx context.Context, f EligibleFilter) ([]FrameRow, error) {
	f.Kind = KindVideo
	where, args := f.clauses()
	var out []FrameRow
	err := s.db.SelectContext(ctx, &out,
		`SELECT f.asset_id, a.path, a.modified_at, f.ts_seconds, f.embedding
		 FROM frames f JOIN assets a ON a.id = f.asset_id
		 WHERE 1 = 1`+where+` ORDER BY a.path, f.ts_seconds`, args...)
	return out, err
}

// TaggableAssets returns ready (and, when retag is set, tagged) assets of
// the requested kinds, ordered by path for deterministic runs.
func (s *Store) TaggableAssets(ctx context.Context, kind Kind, retag bool) ([]Asset, error) {
	states := []any{StateReady}
	placeholders := `?`
	if retag {
		states = append(states, StateTagged)
		placeholders = `?, ?`
	}
	q := `SELECT ` + assetColumns + ` FROM assets WHERE state IN (` + placeholders + `)`
	args := states
	if kind != "" {
		q += ` AND kind = ?`
		args = append(args, kind)
	}
	q += ` ORDER BY path`
	var out []Asset
	err := s.db.SelectContext(ctx, &out, q, args...)
	return out, err
}

// CountByState summarizes the store for status output.
func (s *Store) CountByState(ctx context.Context) (*Counts, error) {
	c := &Counts{ByState: make(map[State]int64)}

	rows, err := s.db.QueryxContext(ctx,
		`SELECT state, COUNT(*) FROM assets GROUP BY state`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var state State
		var n int64
		if err := rows.Scan(&state, &n); err != nil {
			return nil, err
		}
		c.ByState[state] = n
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if err := s.db.GetContext(ctx, &c.Images,
		`SELECT COUNT(*) FROM assets WHERE kind = ? AND state != ?`, KindImage, StateDeleted); err != nil {
		return nil, err
	}
	if err := s.db.GetContext(ctx, &c.Videos,
		`SELECT COUNT(*) FROM assets WHERE kind = ? AND state != ?`, KindVideo, StateDeleted); err != nil {
		return nil, err
	}
	if err := s.db.GetContext(ctx, &c.Frames, `SELECT COUNT(*) FROM frames`); err != nil {
		return nil, err
	}
	return c, nil
}
