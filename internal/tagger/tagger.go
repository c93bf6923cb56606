// Package tagger assigns vocabulary tags to embedded assets by cosine
// similarity and can rename files from their top tags. Tag vectors are
// computed once per vocabulary entry and cached in the store.
package tagger

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/nextlevelbuilder/mediascan/internal/embed"
	"github.com/nextlevelbuilder/mediascan/internal/store"
)

const (
	// frameTopK is how many tags each video frame contributes before the
	// cross-frame merge.
	frameTopK = 3
	// videoMaxTags caps the merged tag list of a video.
	videoMaxTags = 10
	// videoMinOccurrences drops tags seen on only one frame of a
	// multi-frame video; single-frame videos keep their tags.
	videoMinOccurrences = 2
)

// Summary reports one tagging run.
type Summary struct {
	Tagged  int
	Skipped int // already tagged, left alone
	Renamed int
	Failed  int // per-asset failures (similarity, rename)
}

// Tagger scores assets against the vocabulary.
type Tagger struct {
	Store    *store.Store
	Provider embed.Provider
	Texts    *embed.TextCache
	Vocab    *Vocabulary

	// Threshold is the minimum similarity for a tag to apply.
	Threshold float64
	// MaxTags caps tags per image.
	MaxTags int
	// Rename renames files from their top tags after tagging.
	Rename bool
	// Retag re-tags assets that already carry tags.
	Retag bool
}

// scored pairs a tag with its similarity.
type scored struct {
	tag   string
	score float64
}

// Run tags every eligible asset of the given kind (empty = both).
// Per-asset failures are counted and logged but never abort the run.
func (t *Tagger) Run(ctx context.Context, kind store.Kind) (*Summary, error) {
	vectors, err := t.ensureTagVectors(ctx)
	if err != nil {
		return nil, err
	}

	assets, err := t.Store.TaggableAssets(ctx, kind, t.Retag)
	if err != nil {
		return nil, fmt.Errorf("load taggable assets: %w", err)
	}

	sum := &Summary{}
	for i := range assets {
		if err := ctx.Err(); err != nil {
			return sum, err
		}
		a := &assets[i]
		if !t.Retag && len(a.Tags()) > 0 {
			sum.Skipped++
			continue
		}

		var tags []string
		switch a.Kind {
		case store.KindImage:
			tags, err = t.tagImage(a, vectors)
		case store.KindVideo:
			tags, err = t.tagVideo(ctx, a, vectors)
		}
		if err != nil {
			slog.Warn("tagging failed", "path", a.Path, "error", err)
			sum.Failed++
			continue
		}
		if len(tags) == 0 {
			slog.Debug("no tags above threshold", "path", a.Path)
			sum.Skipped++
			continue
		}

		if err := t.Store.UpdateTags(ctx, a.ID, tags); err != nil {
			return sum, fmt.Errorf("store tags %s: %w", a.Path, err)
		}
		sum.Tagged++
		slog.Info("asset tagged", "path", a.Path, "tags", strings.Join(tags, ","))

		if t.Rename {
			if err := t.renameFromTags(ctx, a, tags); err != nil {
				// Rename failures are per-file; the run continues.
				slog.Warn("rename failed", "path", a.Path, "error", err)
				sum.Failed++
				continue
			}
			sum.Renamed++
		}
	}

	slog.Info("tagging complete", "tagged", sum.Tagged, "renamed", sum.Renamed,
		"skipped", sum.Skipped, "failed", sum.Failed)
	return sum, nil
}

// ensureTagVectors returns the vocabulary embeddings, computing and
// caching any that are missing or whose reference phrase changed.
func (t *Tagger) ensureTagVectors(ctx context.Context) (map[string][]float32, error) {
	cached, err := t.Store.LoadTagVectors(ctx)
	if err != nil {
		return nil, fmt.Errorf("load tag vectors: %w", err)
	}

	out := make(map[string][]float32, len(t.Vocab.Entries))
	for _, entry := range t.Vocab.Entries {
		if tv, ok := cached[entry.Tag]; ok && tv.Phrase == entry.Phrase {
			vec, err := embed.DecodeVector(tv.Embedding)
			if err == nil {
				out[entry.Tag] = vec
				continue
			}
		}

		var vec []float32
		if t.Texts != nil {
			vec, err = t.Texts.EmbedText(ctx, entry.Phrase)
		} else {
			vec, err = t.Provider.EmbedText(ctx, entry.Phrase)
		}
		if err != nil {
			return nil, fmt.Errorf("embed tag %q: %w", entry.Tag, err)
		}
		if err := t.Store.SaveTagVector(ctx, store.TagVector{
			Tag: entry.Tag, Phrase: entry.Phrase, Embedding: embed.EncodeVector(vec),
		}); err != nil {
			return nil, err
		}
		out[entry.Tag] = vec
	}
	return out, nil
}

// tagImage scores the image embedding against every vocabulary entry.
func (t *Tagger) tagImage(a *store.Asset, vectors map[string][]float32) ([]string, error) {
	if len(a.Embedding) == 0 {
		return nil, fmt.Errorf("asset has no embedding")
	}
	vec, err := embed.DecodeVector(a.Embedding)
	if err != nil {
		return nil, err
	}
	top := topTags(vec, vectors, t.Threshold, t.MaxTags)
	tags := make([]string, len(top))
	for i, s := range top {
		tags[i] = s.tag
	}
	return tags, nil
}

// tagVideo merges per-frame tags by frequency: each frame contributes its
// top matches, and a tag must recur across frames to survive.
func (t *Tagger) tagVideo(ctx context.Context, a *store.Asset, vectors map[string][]float32) ([]string, error) {
	frames, err := t.Store.FramesByAsset(ctx, a.ID)
	if err != nil {
		return nil, err
	}
	if len(frames) == 0 {
		return nil, fmt.Errorf("video has no frame embeddings")
	}

	counts := make(map[string]int)
	for _, f := range frames {
		vec, err := embed.DecodeVector(f.Embedding)
		if err != nil {
			return nil, err
		}
		for _, s := range topTags(vec, vectors, t.Threshold, frameTopK) {
			counts[s.tag]++
		}
	}

	minOcc := videoMinOccurrences
	if len(frames) < videoMinOccurrences {
		minOcc = 1
	}

	type freq struct {
		tag string
		n   int
	}
	merged := make([]freq, 0, len(counts))
	for tag, n := range counts {
		if n >= minOcc {
			merged = append(merged, freq{tag, n})
		}
	}
	sort.Slice(merged, func(i, j int) bool {
		if merged[i].n != merged[j].n {
			return merged[i].n > merged[j].n
		}
		return merged[i].tag < merged[j].tag
	})
	if len(merged) > videoMaxTags {
		merged = merged[:videoMaxTags]
	}

	tags := make([]string, len(merged))
	for i, f := range merged {
		tags[i] = f.tag
	}
	return tags, nil
}

// topTags returns the tags scoring >= threshold, best first, ties broken
// by tag name so equal inputs always yield equal tag sets.
func topTags(vec []float32, vectors map[string][]float32, threshold float64, limit int) []scored {
	out := make([]scored, 0, 8)
	for tag, tv := range vectors {
		score := embed.Cosine(vec, tv)
		if score >= threshold {
			out = append(out, scored{tag: tag, score: score})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].score != out[j].score {
			return out[i].score > out[j].score
		}
		return out[i].tag < out[j].tag
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

var (
	invalidNameChars = regexp.MustCompile(`[^\w\s-]`)
	nameSeparators   = regexp.MustCompile(`[-\s]+`)
)

// FileNameFromTags builds a sanitized base name from the top tags.
func FileNameFromTags(tags []string) string {
	n := len(tags)
	if n > 3 {
		n = 3
	}
	base := strings.Join(tags[:n], "_")
	base = invalidNameChars.ReplaceAllString(base, "")
	base = nameSeparators.ReplaceAllString(base, "_")
	return base
}

// renameFromTags renames the asset's file after its top tags, appending a
// numeric suffix until the target name is free, then re-keys the store.
func (t *Tagger) renameFromTags(ctx context.Context, a *store.Asset, tags []string) error {
	base := FileNameFromTags(tags)
	if base == "" {
		return nil
	}
	dir := filepath.Dir(a.Path)
	ext := filepath.Ext(a.Path)

	target := filepath.Join(dir, base+ext)
	for counter := 1; ; counter++ {
		if target == a.Path {
			return nil // already named after its tags
		}
		if _, err := os.Lstat(target); os.IsNotExist(err) {
			break
		}
		target = filepath.Join(dir, fmt.Sprintf("%s_%d%s", base, counter, ext))
	}

	if err := os.Rename(a.Path, target); err != nil {
		return fmt.Errorf("rename: %w", err)
	}
	if err := t.Store.UpdatePath(ctx, a.ID, target); err != nil {
		// The file moved but the store did not; the next scan's hash match
		// will reconcile it. Still surface the inconsistency.
		return fmt.Errorf("file renamed but store update failed: %w", err)
	}
	slog.Info("asset renamed", "from", a.Path, "to", target)
	a.Path = target
	return nil
}
