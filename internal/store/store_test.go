package store

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "assets.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func insertAsset(t *testing.T, s *Store, path string, kind Kind, hash string) *Asset {
	t.Helper()
	a := &Asset{
		Path:         path,
		Kind:         kind,
		OriginalName: filepath.Base(path),
		ModifiedAt:   1000,
		SizeBytes:    42,
		ContentHash:  hash,
	}
	if err := s.InsertPending(context.Background(), a); err != nil {
		t.Fatalf("InsertPending: %v", err)
	}
	return a
}

func TestOpenMigratesSchema(t *testing.T) {
	s := openTestStore(t)

	version, dirty, err := s.SchemaVersion()
	if err != nil {
		t.Fatalf("SchemaVersion: %v", err)
	}
	if dirty {
		t.Fatal("fresh schema reported dirty")
	}
	if version != 2 {
		t.Fatalf("schema version = %d, want 2", version)
	}
	if err := s.Verify(); err != nil {
		t.Fatalf("Verify: %v", err)
	}
}

func TestInsertAndGetByPath(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	a := insertAsset(t, s, "/pics/cat.jpg", KindImage, "h1")
	if a.ID == 0 {
		t.Fatal("InsertPending did not set ID")
	}

	got, err := s.GetByPath(ctx, "/pics/cat.jpg")
	if err != nil {
		t.Fatalf("GetByPath: %v", err)
	}
	if got.State != StatePending || got.Kind != KindImage || got.ContentHash != "h1" {
		t.Fatalf("unexpected asset: %+v", got)
	}

	if _, err := s.GetByPath(ctx, "/pics/nope.jpg"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("missing path: err = %v, want ErrNotFound", err)
	}
}

func TestInsertPendingResetsExistingPath(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	a := insertAsset(t, s, "/pics/cat.jpg", KindImage, "h1")
	if err := s.SaveImageEmbedding(ctx, a.ID, []byte{1, 2, 3, 4}); err != nil {
		t.Fatalf("SaveImageEmbedding: %v", err)
	}

	// Re-inserting the same path (e.g. after delete+recreate) wipes the
	// stale embedding and goes back to pending.
	insertAsset(t, s, "/pics/cat.jpg", KindImage, "h2")

	got, err := s.GetByPath(ctx, "/pics/cat.jpg")
	if err != nil {
		t.Fatal(err)
	}
	if got.State != StatePending {
		t.Fatalf("state = %s, want pending", got.State)
	}
	if len(got.Embedding) != 0 {
		t.Fatal("stale embedding survived re-insert")
	}
	if got.ContentHash != "h2" {
		t.Fatalf("hash = %s, want h2", got.ContentHash)
	}
}

func TestImageEmbeddingLifecycle(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	a := insertAsset(t, s, "/pics/dog.jpg", KindImage, "h1")

	pending, err := s.PendingAssets(ctx, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 1 {
		t.Fatalf("pending = %d, want 1", len(pending))
	}

	if err := s.SaveImageEmbedding(ctx, a.ID, []byte{0, 0, 128, 63}); err != nil {
		t.Fatalf("SaveImageEmbedding: %v", err)
	}
	got, err := s.GetByPath(ctx, a.Path)
	if err != nil {
		t.Fatal(err)
	}
	if got.State != StateReady {
		t.Fatalf("state = %s, want ready", got.State)
	}

	pending, err = s.PendingAssets(ctx, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 0 {
		t.Fatalf("pending after embed = %d, want 0", len(pending))
	}

	if err := s.SaveImageEmbedding(ctx, 9999, []byte{1}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("embedding unknown id: err = %v, want ErrNotFound", err)
	}
}

func TestMarkDirtyClearsDerivedData(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	a := insertAsset(t, s, "/vids/clip.mp4", KindVideo, "h1")
	frames := []FrameEmbedding{
		{TsSeconds: 0, Embedding: []byte{1, 0, 0, 0}},
		{TsSeconds: 2, Embedding: []byte{2, 0, 0, 0}},
	}
	if err := s.SaveFrameEmbeddings(ctx, a.ID, frames); err != nil {
		t.Fatalf("SaveFrameEmbeddings: %v", err)
	}
	if err := s.UpdateTags(ctx, a.ID, []string{"beach"}); err != nil {
		t.Fatalf("UpdateTags: %v", err)
	}

	if err := s.MarkDirty(ctx, a.ID, "h2", 2000, 99); err != nil {
		t.Fatalf("MarkDirty: %v", err)
	}

	got, err := s.GetByPath(ctx, a.Path)
	if err != nil {
		t.Fatal(err)
	}
	if got.State != StateDirty || got.ContentHash != "h2" {
		t.Fatalf("unexpected asset after MarkDirty: %+v", got)
	}
	if len(got.Tags()) != 0 {
		t.Fatal("tags survived MarkDirty")
	}
	left, err := s.FramesByAsset(ctx, a.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(left) != 0 {
		t.Fatalf("frames after MarkDirty = %d, want 0", len(left))
	}
}

func TestSaveFrameEmbeddingsReplacesAndOrders(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	a := insertAsset(t, s, "/vids/clip.mp4", KindVideo, "h1")
	if err := s.SaveFrameEmbeddings(ctx, a.ID, []FrameEmbedding{
		{TsSeconds: 4, Embedding: []byte{4}},
		{TsSeconds: 0, Embedding: []byte{0}},
		{TsSeconds: 2, Embedding: []byte{2}},
	}); err != nil {
		t.Fatal(err)
	}
	// Second write replaces the first set entirely.
	if err := s.SaveFrameEmbeddings(ctx, a.ID, []FrameEmbedding{
		{TsSeconds: 0, Embedding: []byte{10}},
		{TsSeconds: 2, Embedding: []byte{12}},
	}); err != nil {
		t.Fatal(err)
	}

	frames, err := s.FramesByAsset(ctx, a.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(frames) != 2 {
		t.Fatalf("frames = %d, want 2", len(frames))
	}
	if frames[0].TsSeconds != 0 || frames[1].TsSeconds != 2 {
		t.Fatalf("frames out of order: %+v", frames)
	}
}

func TestUpdateTagsPromotesReadyOnly(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	a := insertAsset(t, s, "/pics/cat.jpg", KindImage, "h1")

	// Tagging a pending asset stores tags but must not fake readiness.
	if err := s.UpdateTags(ctx, a.ID, []string{"cat"}); err != nil {
		t.Fatal(err)
	}
	got, _ := s.GetByPath(ctx, a.Path)
	if got.State != StatePending {
		t.Fatalf("state = %s, want pending", got.State)
	}

	if err := s.SaveImageEmbedding(ctx, a.ID, []byte{1, 2, 3, 4}); err != nil {
		t.Fatal(err)
	}
	if err := s.UpdateTags(ctx, a.ID, []string{"cat", "pet"}); err != nil {
		t.Fatal(err)
	}
	got, _ = s.GetByPath(ctx, a.Path)
	if got.State != StateTagged {
		t.Fatalf("state = %s, want tagged", got.State)
	}
	tags := got.Tags()
	if len(tags) != 2 || tags[0] != "cat" || tags[1] != "pet" {
		t.Fatalf("tags = %v", tags)
	}
}

func TestFindDetachedByHashAndRevive(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	dir := t.TempDir()
	oldPath := filepath.Join(dir, "old.jpg")

	a := insertAsset(t, s, oldPath, KindImage, "samehash")
	if err := s.SaveImageEmbedding(ctx, a.ID, []byte{1, 2, 3, 4}); err != nil {
		t.Fatal(err)
	}
	if err := s.MarkDeleted(ctx, a.ID); err != nil {
		t.Fatal(err)
	}

	found, err := s.FindDetachedByHash(ctx, "samehash")
	if err != nil {
		t.Fatalf("FindDetachedByHash: %v", err)
	}
	if found.ID != a.ID {
		t.Fatalf("found id %d, want %d", found.ID, a.ID)
	}

	newPath := filepath.Join(dir, "new.jpg")
	if err := s.Revive(ctx, a.ID, newPath, 3000, 42); err != nil {
		t.Fatalf("Revive: %v", err)
	}
	got, err := s.GetByPath(ctx, newPath)
	if err != nil {
		t.Fatal(err)
	}
	if got.State != StateReady {
		t.Fatalf("revived state = %s, want ready", got.State)
	}
	if len(got.Embedding) == 0 {
		t.Fatal("revive dropped the embedding")
	}

	if _, err := s.FindDetachedByHash(ctx, "unknown"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("unknown hash: err = %v, want ErrNotFound", err)
	}
}

func TestFindDetachedIgnoresLiveFiles(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	dir := t.TempDir()
	live := filepath.Join(dir, "live.jpg")
	if err := os.WriteFile(live, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	insertAsset(t, s, live, KindImage, "h")

	// The file is still on disk at its recorded path: a new file with the
	// same hash is a copy, not a rename.
	if _, err := s.FindDetachedByHash(ctx, "h"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("live duplicate: err = %v, want ErrNotFound", err)
	}
}

func TestEnsureModelInvalidation(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	n, err := s.EnsureModel(ctx, "clip-a", 512)
	if err != nil {
		t.Fatalf("EnsureModel: %v", err)
	}
	if n != 0 {
		t.Fatalf("first EnsureModel invalidated %d assets", n)
	}

	img := insertAsset(t, s, "/pics/cat.jpg", KindImage, "h1")
	if err := s.SaveImageEmbedding(ctx, img.ID, []byte{1, 2, 3, 4}); err != nil {
		t.Fatal(err)
	}
	vid := insertAsset(t, s, "/vids/clip.mp4", KindVideo, "h2")
	if err := s.SaveFrameEmbeddings(ctx, vid.ID, []FrameEmbedding{{TsSeconds: 0, Embedding: []byte{9}}}); err != nil {
		t.Fatal(err)
	}
	if err := s.SaveTagVector(ctx, TagVector{Tag: "cat", Phrase: "a cat", Embedding: []byte{5}}); err != nil {
		t.Fatal(err)
	}

	// Same model: nothing happens.
	if n, err := s.EnsureModel(ctx, "clip-a", 512); err != nil || n != 0 {
		t.Fatalf("same model: n=%d err=%v", n, err)
	}

	n, err = s.EnsureModel(ctx, "clip-b", 512)
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Fatalf("invalidated = %d, want 2", n)
	}

	got, _ := s.GetByPath(ctx, img.Path)
	if got.State != StateDirty || len(got.Embedding) != 0 {
		t.Fatalf("image not invalidated: %+v", got)
	}
	frames, _ := s.FramesByAsset(ctx, vid.ID)
	if len(frames) != 0 {
		t.Fatal("frames survived model change")
	}
	vecs, err := s.LoadTagVectors(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(vecs) != 0 {
		t.Fatal("tag vectors survived model change")
	}

	model, err := s.ModelName(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if model != "clip-b" {
		t.Fatalf("model = %s, want clip-b", model)
	}
}

func TestScanLock(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.AcquireScanLock(ctx, "run-1"); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	// Re-entrant for the same run.
	if err := s.AcquireScanLock(ctx, "run-1"); err != nil {
		t.Fatalf("re-acquire same run: %v", err)
	}
	if err := s.AcquireScanLock(ctx, "run-2"); !errors.Is(err, ErrScanActive) {
		t.Fatalf("concurrent acquire: err = %v, want ErrScanActive", err)
	}

	if err := s.ReleaseScanLock(ctx, "run-1"); err != nil {
		t.Fatalf("release: %v", err)
	}
	if err := s.AcquireScanLock(ctx, "run-2"); err != nil {
		t.Fatalf("acquire after release: %v", err)
	}
}

func TestEligibleImagesFilters(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	mk := func(path string, mtime int64) {
		a := &Asset{Path: path, Kind: KindImage, OriginalName: filepath.Base(path),
			ModifiedAt: mtime, SizeBytes: 1, ContentHash: path}
		if err := s.InsertPending(ctx, a); err != nil {
			t.Fatal(err)
		}
		if err := s.SaveImageEmbedding(ctx, a.ID, []byte{1, 2, 3, 4}); err != nil {
			t.Fatal(err)
		}
		// keep mtime, SaveImageEmbedding does not touch it
	}
	mk("/photos/2023/a.jpg", 100)
	mk("/photos/2024/b.jpg", 200)
	mk("/other/c.jpg", 300)

	// A pending asset must never be eligible.
	insertAsset(t, s, "/photos/2024/pending.jpg", KindImage, "hp")

	all, err := s.EligibleImages(ctx, EligibleFilter{})
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 3 {
		t.Fatalf("all eligible = %d, want 3", len(all))
	}

	under, err := s.EligibleImages(ctx, EligibleFilter{PathPrefix: "/photos"})
	if err != nil {
		t.Fatal(err)
	}
	if len(under) != 2 {
		t.Fatalf("prefix filtered = %d, want 2", len(under))
	}

	recent, err := s.EligibleImages(ctx, EligibleFilter{ModifiedAfter: 150, ModifiedBefore: 250})
	if err != nil {
		t.Fatal(err)
	}
	if len(recent) != 1 || recent[0].Path != "/photos/2024/b.jpg" {
		t.Fatalf("time filtered = %+v", recent)
	}
}

func TestEligiblePrefixEscapesLikeMetachars(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	mk := func(path string) {
		a := &Asset{Path: path, Kind: KindImage, OriginalName: filepath.Base(path),
			ModifiedAt: 1, SizeBytes: 1, ContentHash: path}
		if err := s.InsertPending(ctx, a); err != nil {
			t.Fatal(err)
		}
		if err := s.SaveImageEmbedding(ctx, a.ID, []byte{1, 2, 3, 4}); err != nil {
			t.Fatal(err)
		}
	}
	mk("/pics/100%_done/a.jpg")
	mk("/pics/100x_done/b.jpg")

	rows, err := s.EligibleImages(ctx, EligibleFilter{PathPrefix: "/pics/100%_done"})
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 1 || rows[0].Path != "/pics/100%_done/a.jpg" {
		t.Fatalf("%% prefix matched %+v", rows)
	}
}

func TestCountByState(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	img := insertAsset(t, s, "/pics/a.jpg", KindImage, "h1")
	if err := s.SaveImageEmbedding(ctx, img.ID, []byte{1, 2, 3, 4}); err != nil {
		t.Fatal(err)
	}
	vid := insertAsset(t, s, "/vids/b.mp4", KindVideo, "h2")
	if err := s.SaveFrameEmbeddings(ctx, vid.ID, []FrameEmbedding{
		{TsSeconds: 0, Embedding: []byte{1}},
		{TsSeconds: 2, Embedding: []byte{2}},
	}); err != nil {
		t.Fatal(err)
	}
	insertAsset(t, s, "/pics/c.jpg", KindImage, "h3")

	c, err := s.CountByState(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if c.Images != 2 || c.Videos != 1 || c.Frames != 2 {
		t.Fatalf("counts = %+v", c)
	}
	if c.ByState[StateReady] != 2 || c.ByState[StatePending] != 1 {
		t.Fatalf("by state = %+v", c.ByState)
	}
}

func TestTagVectorRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.SaveTagVector(ctx, TagVector{Tag: "cat", Phrase: "a cat", Embedding: []byte{1}}); err != nil {
		t.Fatal(err)
	}
	// Same tag, new phrase replaces the vector.
	if err := s.SaveTagVector(ctx, TagVector{Tag: "cat", Phrase: "a photo of a cat", Embedding: []byte{2}}); err != nil {
		t.Fatal(err)
	}

	vecs, err := s.LoadTagVectors(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(vecs) != 1 {
		t.Fatalf("vectors = %d, want 1", len(vecs))
	}
	tv := vecs["cat"]
	if tv.Phrase != "a photo of a cat" || len(tv.Embedding) != 1 || tv.Embedding[0] != 2 {
		t.Fatalf("vector = %+v", tv)
	}

	if err := s.ClearTagVectors(ctx); err != nil {
		t.Fatal(err)
	}
	vecs, _ = s.LoadTagVectors(ctx)
	if len(vecs) != 0 {
		t.Fatal("ClearTagVectors left entries")
	}
}
