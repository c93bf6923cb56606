// Package scanner walks the configured roots, classifies media files and
// reconciles them against the asset store: new files become pending
// assets, changed files turn dirty, vanished files are tombstoned. It
// never computes embeddings itself.
package scanner

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/mediascan/internal/store"
)

// Summary reports what one scan pass did.
type Summary struct {
	RunID     string
	Added     int
	Changed   int
	Renamed   int
	Deleted   int
	Unchanged int
	Skipped   int // unreadable paths, logged and passed over
}

// Scanner reconciles the filesystem with the asset store.
type Scanner struct {
	Roots     []string
	Skip      []string
	ImageExts []string
	VideoExts []string

	Store *store.Store
}

// Scan runs one full pass over the roots. It holds the exclusive scan
// lock for the duration; a concurrent scan fails with ErrScanActive.
// Interrupting mid-way leaves processed assets correctly classified, and
// a re-run skips everything already up to date.
func (s *Scanner) Scan(ctx context.Context) (*Summary, error) {
	runID := uuid.NewString()
	if err := s.Store.AcquireScanLock(ctx, runID); err != nil {
		return nil, err
	}
	defer s.Store.ReleaseScanLock(context.WithoutCancel(ctx), runID)

	sum := &Summary{RunID: runID}

	known, err := s.Store.AllPaths(ctx)
	if err != nil {
		return nil, fmt.Errorf("load known assets: %w", err)
	}

	for _, root := range s.Roots {
		if err := s.walkRoot(ctx, root, known, sum); err != nil {
			return sum, err
		}
	}

	// Everything still in the map was not seen on disk. Only tombstone
	// entries that are truly gone; paths outside the current roots are
	// left alone.
	for path, a := range known {
		if err := ctx.Err(); err != nil {
			return sum, err
		}
		if _, err := os.Stat(path); err == nil || !os.IsNotExist(err) {
			continue
		}
		if err := s.Store.MarkDeleted(ctx, a.ID); err != nil {
			return sum, fmt.Errorf("mark deleted %s: %w", path, err)
		}
		slog.Info("asset deleted", "path", path)
		sum.Deleted++
	}

	slog.Info("scan complete", "run", runID, "added", sum.Added, "changed", sum.Changed,
		"renamed", sum.Renamed, "deleted", sum.Deleted, "unchanged", sum.Unchanged,
		"skipped", sum.Skipped)
	return sum, nil
}

func (s *Scanner) walkRoot(ctx context.Context, root string, known map[string]store.Asset, sum *Summary) error {
	info, err := os.Stat(root)
	if err != nil {
		slog.Warn("assets root unreadable, skipping", "path", root, "error", err)
		sum.Skipped++
		return nil
	}
	if !info.IsDir() {
		slog.Warn("assets root is not a directory, skipping", "path", root)
		sum.Skipped++
		return nil
	}

	return filepath.WalkDir(root, func(path string, d fs.DirEntry, walkErr error) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		if walkErr != nil {
			// Permission denied and friends: skip, log, continue.
			slog.Warn("path unreadable, skipping", "path", path, "error", walkErr)
			sum.Skipped++
			if d != nil && d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			if s.excluded(path) {
				return filepath.SkipDir
			}
			return nil
		}
		kind, ok := s.classify(path)
		if !ok || s.excluded(path) {
			return nil
		}
		if err := s.reconcile(ctx, path, kind, known, sum); err != nil {
			return err
		}
		return nil
	})
}

// reconcile compares one on-disk file against the store.
func (s *Scanner) reconcile(ctx context.Context, path string, kind store.Kind, known map[string]store.Asset, sum *Summary) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		abs = filepath.Clean(path)
	}

	info, err := os.Stat(abs)
	if err != nil {
		slog.Warn("stat failed, skipping", "path", abs, "error", err)
		sum.Skipped++
		return nil
	}
	mtime := info.ModTime().Unix()
	size := info.Size()

	existing, seen := known[abs]
	if seen {
		delete(known, abs)
	}

	// Cheap pre-check: identical mtime+size means the content hash is
	// still valid and the asset needs nothing.
	if seen && existing.ModifiedAt == mtime && existing.SizeBytes == size {
		sum.Unchanged++
		return nil
	}

	hash, err := hashFile(abs)
	if err != nil {
		slog.Warn("hash failed, skipping", "path", abs, "error", err)
		sum.Skipped++
		return nil
	}

	if seen {
		if existing.ContentHash == hash {
			// Touched but identical; refresh stat so the next pass can
			// skip the hash.
			if err := s.Store.UpdateStat(ctx, existing.ID, mtime, size); err != nil {
				return fmt.Errorf("update stat %s: %w", abs, err)
			}
			sum.Unchanged++
			return nil
		}
		if err := s.Store.MarkDirty(ctx, existing.ID, hash, mtime, size); err != nil {
			return fmt.Errorf("mark dirty %s: %w", abs, err)
		}
		slog.Info("asset changed", "path", abs)
		sum.Changed++
		return nil
	}

	// New path. A detached asset with the same hash is a rename; carry
	// its embedding over instead of recomputing. Without a hash match the
	// move degrades to delete+insert.
	if prior, err := s.Store.FindDetachedByHash(ctx, hash); err == nil {
		if err := s.Store.Revive(ctx, prior.ID, abs, mtime, size); err != nil {
			return fmt.Errorf("revive %s: %w", abs, err)
		}
		delete(known, prior.Path)
		slog.Info("asset renamed", "from", prior.Path, "to", abs)
		sum.Renamed++
		return nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("hash lookup %s: %w", abs, err)
	}

	a := &store.Asset{
		Path:         abs,
		Kind:         kind,
		OriginalName: filepath.Base(abs),
		ModifiedAt:   mtime,
		SizeBytes:    size,
		ContentHash:  hash,
	}
	if err := s.Store.InsertPending(ctx, a); err != nil {
		return err
	}
	slog.Debug("asset discovered", "path", abs, "kind", kind)
	sum.Added++
	return nil
}

// classify matches the file extension against the configured sets.
func (s *Scanner) classify(path string) (store.Kind, bool) {
	ext := strings.ToLower(filepath.Ext(path))
	for _, e := range s.ImageExts {
		if ext == e {
			return store.KindImage, true
		}
	}
	for _, e := range s.VideoExts {
		if ext == e {
			return store.KindVideo, true
		}
	}
	return "", false
}

// excluded reports whether path is under any skip root.
func (s *Scanner) excluded(path string) bool {
	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}
	for _, skip := range s.Skip {
		if abs == skip || strings.HasPrefix(abs, skip+string(filepath.Separator)) {
			return true
		}
	}
	return false
}

// hashFile streams the file through SHA-256.
func hashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
