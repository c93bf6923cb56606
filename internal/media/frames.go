package media

import (
	"context"
	"fmt"
	"math"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

// Frame is one sampled video frame.
type Frame struct {
	TsSeconds float64
	JPEG      []byte
}

// Extractor samples video frames at a fixed interval using the system
// ffmpeg/ffprobe binaries. Frames land in a temp directory and are handed
// to the consumer one at a time; the video is never held in memory.
type Extractor struct {
	FFmpegPath  string
	FFprobePath string
	// Interval is the seconds between sampled frames.
	Interval float64
	// TempDir overrides the working directory for extracted frames.
	TempDir string
}

// NewExtractor returns an extractor using binaries from PATH.
func NewExtractor(interval float64) *Extractor {
	return &Extractor{
		FFmpegPath:  "ffmpeg",
		FFprobePath: "ffprobe",
		Interval:    interval,
	}
}

// AssertReady verifies the required binaries exist in PATH.
func (e *Extractor) AssertReady() error {
	for _, bin := range []string{e.FFmpegPath, e.FFprobePath} {
		if _, err := exec.LookPath(bin); err != nil {
			return fmt.Errorf("missing required binary %q in PATH: %w", bin, err)
		}
	}
	return nil
}

// Duration probes the container length in seconds. Unopenable containers
// return a DecodeError.
func (e *Extractor) Duration(ctx context.Context, path string) (float64, error) {
	out, err := exec.CommandContext(ctx, e.FFprobePath,
		"-v", "error",
		"-show_entries", "format=duration",
		"-of", "default=noprint_wrappers=1:nokey=1",
		path,
	).Output()
	if err != nil {
		return 0, &DecodeError{Path: path, Err: fmt.Errorf("ffprobe: %w: %s", err, exitDetail(err))}
	}
	dur, err := strconv.ParseFloat(strings.TrimSpace(string(out)), 64)
	if err != nil || dur <= 0 {
		return 0, &DecodeError{Path: path, Err: fmt.Errorf("ffprobe reported duration %q", strings.TrimSpace(string(out)))}
	}
	return dur, nil
}

// ExpectedFrames is the number of samples an interval produces over a
// duration: one at t=0, then every interval until the end. A 10s video at
// interval 2 yields 5 frames.
func ExpectedFrames(duration, interval float64) int {
	if duration <= 0 || interval <= 0 {
		return 0
	}
	return int(math.Ceil(duration / interval))
}

// Extract decodes frames at the configured cadence and invokes fn for each
// in timestamp order. Each frame file is deleted as soon as fn returns, so
// disk usage stays bounded by one extraction run. fn returning an error
// stops the walk and is passed through.
func (e *Extractor) Extract(ctx context.Context, path string, fn func(Frame) error) error {
	if e.Interval <= 0 {
		return fmt.Errorf("frame interval must be positive, got %v", e.Interval)
	}

	workDir, err := os.MkdirTemp(e.TempDir, "mediascan-frames-*")
	if err != nil {
		return fmt.Errorf("create frame dir: %w", err)
	}
	defer os.RemoveAll(workDir)

	pattern := filepath.Join(workDir, "frame-%06d.jpg")
	cmd := exec.CommandContext(ctx, e.FFmpegPath,
		"-nostdin",
		"-v", "error",
		"-i", path,
		"-vf", fmt.Sprintf("fps=1/%g", e.Interval),
		"-start_number", "0",
		"-q:v", "2",
		pattern,
	)
	var stderr strings.Builder
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return &DecodeError{Path: path, Err: fmt.Errorf("ffmpeg: %w: %s", err, strings.TrimSpace(stderr.String()))}
	}

	entries, err := os.ReadDir(workDir)
	if err != nil {
		return fmt.Errorf("read frame dir: %w", err)
	}
	names := make([]string, 0, len(entries))
	for _, ent := range entries {
		if !ent.IsDir() && strings.HasSuffix(ent.Name(), ".jpg") {
			names = append(names, ent.Name())
		}
	}
	if len(names) == 0 {
		return &DecodeError{Path: path, Err: fmt.Errorf("no frames decoded")}
	}
	sort.Strings(names)

	for i, name := range names {
		if err := ctx.Err(); err != nil {
			return err
		}
		framePath := filepath.Join(workDir, name)
		data, err := os.ReadFile(framePath)
		if err != nil {
			return fmt.Errorf("read frame %s: %w", name, err)
		}
		frame := Frame{TsSeconds: float64(i) * e.Interval, JPEG: data}
		if err := fn(frame); err != nil {
			return err
		}
		os.Remove(framePath)
	}
	return nil
}

func exitDetail(err error) string {
	if ee, ok := err.(*exec.ExitError); ok {
		return strings.TrimSpace(string(ee.Stderr))
	}
	return ""
}
