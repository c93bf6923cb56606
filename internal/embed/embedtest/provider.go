// Package embedtest provides a deterministic in-process embedding
// provider for tests. Vectors are derived from content hashes, so equal
// inputs embed identically and the cosine of an input with itself is 1.
package embedtest

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/nextlevelbuilder/mediascan/internal/embed"
)

// Provider is a fake embed.Provider. Zero value is not usable; call New.
type Provider struct {
	dim   int
	model string

	mu sync.Mutex
	// FailImages makes the next n EmbedImages calls fail, simulating
	// device errors for pipeline retry tests.
	failImages int
	// FailInputs marks specific image payloads as poison: any batch
	// containing one fails, a single-item call for it fails too.
	poison map[string]bool
	// Calls counts EmbedImages invocations.
	Calls int
}

// New returns a fake provider with the given vector length.
func New(dim int) *Provider {
	return &Provider{dim: dim, model: "fake-clip", poison: make(map[string]bool)}
}

func (p *Provider) Dim() int      { return p.dim }
func (p *Provider) Model() string { return p.model }

// SetModel overrides the reported model identifier.
func (p *Provider) SetModel(name string) { p.model = name }

// FailNextImages makes the next n image batch calls return an error.
func (p *Provider) FailNextImages(n int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failImages = n
}

// Poison marks a payload so any batch containing it fails.
func (p *Provider) Poison(payload []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.poison[string(payload)] = true
}

// EmbedImages derives one unit vector per payload from its hash.
func (p *Provider) EmbedImages(ctx context.Context, images [][]byte) ([][]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.mu.Lock()
	p.Calls++
	if p.failImages > 0 {
		p.failImages--
		p.mu.Unlock()
		return nil, fmt.Errorf("%w: simulated device error", embed.ErrInference)
	}
	for _, img := range images {
		if p.poison[string(img)] {
			p.mu.Unlock()
			return nil, fmt.Errorf("%w: corrupt input in batch", embed.ErrInference)
		}
	}
	p.mu.Unlock()

	out := make([][]float32, len(images))
	for i, img := range images {
		out[i] = p.vectorFor(img)
	}
	return out, nil
}

// EmbedText derives a unit vector from the text bytes.
func (p *Provider) EmbedText(ctx context.Context, text string) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return p.vectorFor([]byte(text)), nil
}

func (p *Provider) vectorFor(data []byte) []float32 {
	sum := sha256.Sum256(data)
	v := make([]float32, p.dim)
	for i := range v {
		word := binary.LittleEndian.Uint32(sum[(i*4)%28:])
		// Spread hash bits across dimensions, vary by index.
		v[i] = float32(int32(word+uint32(i)*2654435761)) / float32(1<<31)
	}
	return embed.Normalize(v)
}
