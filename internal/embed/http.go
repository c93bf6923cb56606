package embed

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/time/rate"
)

// HTTPProvider talks to a local CLIP inference server. The server owns the
// model weights and the device; this client only moves bytes and enforces
// normalization on what comes back.
type HTTPProvider struct {
	endpoint string
	model    string
	device   string
	dim      int
	client   *http.Client
	limiter  *rate.Limiter
}

// HTTPOptions configures an HTTPProvider.
type HTTPOptions struct {
	Endpoint string
	Model    string
	Device   string
	// Dim is the expected vector length; responses with another length are
	// rejected rather than silently stored.
	Dim     int
	Timeout time.Duration
	// RateLimit caps requests per second; 0 disables limiting.
	RateLimit float64
}

// NewHTTPProvider builds the provider. It performs no network I/O; use
// Ping to verify reachability.
func NewHTTPProvider(opts HTTPOptions) *HTTPProvider {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	var limiter *rate.Limiter
	if opts.RateLimit > 0 {
		limiter = rate.NewLimiter(rate.Limit(opts.RateLimit), 1)
	}
	dim := opts.Dim
	if dim <= 0 {
		dim = 512
	}
	return &HTTPProvider{
		endpoint: opts.Endpoint,
		model:    opts.Model,
		device:   opts.Device,
		dim:      dim,
		client:   &http.Client{Timeout: timeout},
		limiter:  limiter,
	}
}

func (p *HTTPProvider) Dim() int      { return p.dim }
func (p *HTTPProvider) Model() string { return p.model }

type embedRequest struct {
	Model  string   `json:"model"`
	Device string   `json:"device,omitempty"`
	Images []string `json:"images,omitempty"` // base64
	Text   string   `json:"text,omitempty"`
}

type embedResponse struct {
	Embeddings [][]float32 `json:"embeddings"`
	Error      string      `json:"error,omitempty"`
}

// EmbedImages embeds a batch of encoded images in input order.
func (p *HTTPProvider) EmbedImages(ctx context.Context, images [][]byte) ([][]float32, error) {
	if len(images) == 0 {
		return nil, nil
	}
	req := embedRequest{Model: p.model, Device: p.device}
	for _, img := range images {
		req.Images = append(req.Images, base64.StdEncoding.EncodeToString(img))
	}

	vecs, err := p.post(ctx, "/v1/embed/images", req)
	if err != nil {
		return nil, err
	}
	if len(vecs) != len(images) {
		return nil, fmt.Errorf("%w: got %d vectors for %d images", ErrInference, len(vecs), len(images))
	}
	return vecs, nil
}

// EmbedText embeds a phrase.
func (p *HTTPProvider) EmbedText(ctx context.Context, text string) ([]float32, error) {
	vecs, err := p.post(ctx, "/v1/embed/text", embedRequest{Model: p.model, Device: p.device, Text: text})
	if err != nil {
		return nil, err
	}
	if len(vecs) != 1 {
		return nil, fmt.Errorf("%w: got %d vectors for one text", ErrInference, len(vecs))
	}
	return vecs[0], nil
}

// Ping checks that the inference server answers.
func (p *HTTPProvider) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.endpoint+"/healthz", nil)
	if err != nil {
		return err
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("embedding endpoint unreachable: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("embedding endpoint unhealthy: %s", resp.Status)
	}
	return nil
}

func (p *HTTPProvider) post(ctx context.Context, path string, reqBody embedRequest) ([][]float32, error) {
	if p.limiter != nil {
		if err := p.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}

	payload, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("marshal embed request: %w", err)
	}

	var lastErr error
	// One retry on transient failure; device errors rarely heal faster.
	for attempt := 0; attempt < 2; attempt++ {
		if attempt > 0 {
			slog.Debug("retrying embed request", "path", path)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(time.Second):
			}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint+path, bytes.NewReader(payload))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := p.client.Do(req)
		if err != nil {
			lastErr = fmt.Errorf("%w: %v", ErrInference, err)
			continue
		}

		body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<20))
		resp.Body.Close()
		if err != nil {
			lastErr = fmt.Errorf("%w: read response: %v", ErrInference, err)
			continue
		}
		if resp.StatusCode != http.StatusOK {
			lastErr = fmt.Errorf("%w: %s: %s", ErrInference, resp.Status, truncate(body, 200))
			if resp.StatusCode >= 400 && resp.StatusCode < 500 {
				return nil, lastErr // not transient
			}
			continue
		}

		var out embedResponse
		if err := json.Unmarshal(body, &out); err != nil {
			lastErr = fmt.Errorf("%w: decode response: %v", ErrInference, err)
			continue
		}
		if out.Error != "" {
			lastErr = fmt.Errorf("%w: %s", ErrInference, out.Error)
			continue
		}

		for i, v := range out.Embeddings {
			if len(v) != p.dim {
				return nil, fmt.Errorf("%w: vector %d has dim %d, want %d", ErrInference, i, len(v), p.dim)
			}
			Normalize(v)
		}
		return out.Embeddings, nil
	}
	return nil, lastErr
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
