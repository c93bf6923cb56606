// Package pipeline drains pending assets from the store, batches their
// pixels through the embedding provider and persists the vectors. Decode
// work overlaps with inference; state changes per asset stay sequential.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/nextlevelbuilder/mediascan/internal/embed"
	"github.com/nextlevelbuilder/mediascan/internal/media"
	"github.com/nextlevelbuilder/mediascan/internal/store"
)

// decodeWorkers is the number of goroutines decoding images ahead of the
// inference loop. Decoding is I/O bound and cheap next to model calls.
const decodeWorkers = 4

// Summary reports one pipeline run.
type Summary struct {
	Embedded int // assets published as ready
	Failed   int // assets marked failed
}

// Pipeline embeds pending assets.
type Pipeline struct {
	Store     *store.Store
	Provider  embed.Provider
	Loader    *media.ImageLoader
	Extractor *media.Extractor
	BatchSize int
}

// item is a decoded image waiting for inference.
type item struct {
	assetID int64
	path    string
	jpeg    []byte
}

// Run processes every pending and dirty asset. Cancellation is honored
// between batches; batches already persisted stay persisted. Per-asset
// failures are isolated; only store-wide errors abort the run.
func (p *Pipeline) Run(ctx context.Context) (*Summary, error) {
	if p.BatchSize < 1 {
		return nil, fmt.Errorf("batch size must be >= 1, got %d", p.BatchSize)
	}

	assets, err := p.Store.PendingAssets(ctx, 0)
	if err != nil {
		return nil, fmt.Errorf("load pending assets: %w", err)
	}
	if len(assets) == 0 {
		return &Summary{}, nil
	}
	slog.Info("embedding pending assets", "count", len(assets))

	sum := &Summary{}

	var images, videos []store.Asset
	for _, a := range assets {
		switch a.Kind {
		case store.KindImage:
			images = append(images, a)
		case store.KindVideo:
			videos = append(videos, a)
		}
	}

	if err := p.runImages(ctx, images, sum); err != nil {
		return sum, err
	}
	for i := range videos {
		if err := ctx.Err(); err != nil {
			return sum, err
		}
		if err := p.runVideo(ctx, &videos[i], sum); err != nil {
			return sum, err
		}
	}
	slog.Info("embedding complete", "embedded", sum.Embedded, "failed", sum.Failed)
	return sum, nil
}

// runImages decodes standalone images concurrently and feeds batches to
// the provider in asset order.
func (p *Pipeline) runImages(ctx context.Context, assets []store.Asset, sum *Summary) error {
	if len(assets) == 0 {
		return nil
	}

	type decoded struct {
		idx int
		it  item
		err error
	}

	jobs := make(chan int)
	results := make(chan decoded, decodeWorkers)
	// done unblocks the feeder and workers when the consumer bails out
	// early (store failure, cancellation), so none of them leak.
	done := make(chan struct{})
	defer close(done)

	var wg sync.WaitGroup
	for w := 0; w < decodeWorkers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for idx := range jobs {
				a := assets[idx]
				data, err := p.Loader.Load(a.Path)
				select {
				case results <- decoded{idx: idx, it: item{assetID: a.ID, path: a.Path, jpeg: data}, err: err}:
				case <-done:
					return
				}
			}
		}()
	}
	go func() {
		defer close(jobs)
		for i := range assets {
			select {
			case jobs <- i:
			case <-done:
				return
			}
		}
	}()
	go func() {
		wg.Wait()
		close(results)
	}()

	// Reorder results so the batch mapping stays deterministic.
	buffered := make(map[int]decoded, len(assets))
	next := 0
	var batch []item

	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := p.embedImageBatch(ctx, batch, sum); err != nil {
			return err
		}
		batch = batch[:0]
		return nil
	}

	for d := range results {
		buffered[d.idx] = d
		for {
			cur, ok := buffered[next]
			if !ok {
				break
			}
			delete(buffered, next)
			next++

			if cur.err != nil {
				slog.Warn("image decode failed", "path", cur.it.path, "error", cur.err)
				if err := p.Store.MarkFailed(ctx, cur.it.assetID, cur.err.Error()); err != nil {
					return fmt.Errorf("mark failed: %w", err)
				}
				sum.Failed++
				continue
			}
			batch = append(batch, cur.it)
			if len(batch) >= p.BatchSize {
				if err := flush(); err != nil {
					return err
				}
			}
		}
	}
	return flush()
}

// embedImageBatch runs one provider call and persists each vector. On
// provider failure the batch is retried in halves, then item-by-item, so
// one corrupt input cannot poison its neighbors.
func (p *Pipeline) embedImageBatch(ctx context.Context, batch []item, sum *Summary) error {
	vecs, err := p.Provider.EmbedImages(ctx, payloads(batch))
	if err == nil {
		return p.persistImageVectors(ctx, batch, vecs, sum)
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	slog.Warn("batch inference failed, retrying at reduced size",
		"batch", len(batch), "error", err)

	if len(batch) > 1 {
		mid := len(batch) / 2
		for _, half := range [][]item{batch[:mid], batch[mid:]} {
			vecs, err := p.Provider.EmbedImages(ctx, payloads(half))
			if err == nil {
				if err := p.persistImageVectors(ctx, half, vecs, sum); err != nil {
					return err
				}
				continue
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if err := p.embedImagesOneByOne(ctx, half, sum); err != nil {
				return err
			}
		}
		return nil
	}
	return p.embedImagesOneByOne(ctx, batch, sum)
}

func (p *Pipeline) embedImagesOneByOne(ctx context.Context, items []item, sum *Summary) error {
	for _, it := range items {
		if err := ctx.Err(); err != nil {
			return err
		}
		vecs, err := p.Provider.EmbedImages(ctx, [][]byte{it.jpeg})
		if err != nil {
			slog.Warn("inference failed for asset", "path", it.path, "error", err)
			if err := p.Store.MarkFailed(ctx, it.assetID, err.Error()); err != nil {
				return fmt.Errorf("mark failed: %w", err)
			}
			sum.Failed++
			continue
		}
		if err := p.persistImageVectors(ctx, []item{it}, vecs, sum); err != nil {
			return err
		}
	}
	return nil
}

func (p *Pipeline) persistImageVectors(ctx context.Context, batch []item, vecs [][]float32, sum *Summary) error {
	if len(vecs) != len(batch) {
		return fmt.Errorf("provider returned %d vectors for %d inputs", len(vecs), len(batch))
	}
	for i, it := range batch {
		if err := p.Store.SaveImageEmbedding(ctx, it.assetID, embed.EncodeVector(vecs[i])); err != nil {
			return fmt.Errorf("persist embedding %s: %w", it.path, err)
		}
		sum.Embedded++
	}
	return nil
}

// runVideo samples frames, embeds them batch-wise and publishes the whole
// frame set atomically. A crash mid-video leaves the asset pending.
func (p *Pipeline) runVideo(ctx context.Context, a *store.Asset, sum *Summary) error {
	// Probe the container first: wholly unreadable videos fail fast
	// without an extraction attempt, and the probed duration gives the
	// expected sample count to check the extraction against.
	duration, err := p.Extractor.Duration(ctx, a.Path)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if media.IsDecodeError(err) {
			slog.Warn("video probe failed", "path", a.Path, "error", err)
			if err := p.Store.MarkFailed(ctx, a.ID, err.Error()); err != nil {
				return fmt.Errorf("mark failed: %w", err)
			}
			sum.Failed++
			return nil
		}
		return err
	}
	expected := media.ExpectedFrames(duration, p.Extractor.Interval)

	var (
		pendingFrames []media.Frame
		done          []store.FrameEmbedding
	)

	flush := func() error {
		if len(pendingFrames) == 0 {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		images := make([][]byte, len(pendingFrames))
		for i, f := range pendingFrames {
			images[i] = f.JPEG
		}
		vecs, err := p.Provider.EmbedImages(ctx, images)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			// Per-frame fallback; frames that still fail are dropped.
			slog.Warn("frame batch inference failed, falling back per frame",
				"path", a.Path, "error", err)
			for _, f := range pendingFrames {
				v, err := p.Provider.EmbedImages(ctx, [][]byte{f.JPEG})
				if err != nil {
					slog.Warn("frame inference failed, dropping frame",
						"path", a.Path, "ts", f.TsSeconds, "error", err)
					continue
				}
				done = append(done, store.FrameEmbedding{
					TsSeconds: f.TsSeconds, Embedding: embed.EncodeVector(v[0]),
				})
			}
			pendingFrames = pendingFrames[:0]
			return nil
		}
		for i, f := range pendingFrames {
			done = append(done, store.FrameEmbedding{
				TsSeconds: f.TsSeconds, Embedding: embed.EncodeVector(vecs[i]),
			})
		}
		pendingFrames = pendingFrames[:0]
		return nil
	}

	err = p.Extractor.Extract(ctx, a.Path, func(f media.Frame) error {
		pendingFrames = append(pendingFrames, f)
		if len(pendingFrames) >= p.BatchSize {
			return flush()
		}
		return nil
	})
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if media.IsDecodeError(err) {
			slog.Warn("video decode failed", "path", a.Path, "error", err)
			if err := p.Store.MarkFailed(ctx, a.ID, err.Error()); err != nil {
				return fmt.Errorf("mark failed: %w", err)
			}
			sum.Failed++
			return nil
		}
		return err
	}
	if err := flush(); err != nil {
		return err
	}

	if len(done) == 0 {
		cause := "no frames embedded"
		slog.Warn("video yielded no usable frames", "path", a.Path)
		if err := p.Store.MarkFailed(ctx, a.ID, cause); err != nil {
			return fmt.Errorf("mark failed: %w", err)
		}
		sum.Failed++
		return nil
	}

	if len(done) < expected {
		slog.Debug("sampled fewer frames than the duration suggests",
			"path", a.Path, "expected", expected, "frames", len(done))
	}
	if err := p.Store.SaveFrameEmbeddings(ctx, a.ID, done); err != nil {
		return fmt.Errorf("persist frames %s: %w", a.Path, err)
	}
	sum.Embedded++
	slog.Debug("video embedded", "path", a.Path, "frames", len(done))
	return nil
}

func payloads(batch []item) [][]byte {
	out := make([][]byte, len(batch))
	for i, it := range batch {
		out[i] = it.jpeg
	}
	return out
}
