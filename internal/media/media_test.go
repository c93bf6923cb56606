package media

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"os"
	"path/filepath"
	"testing"
)

func writeTestImage(t *testing.T, dir, name string, w, h int) string {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for x := 0; x < w; x++ {
		for y := 0; y < h; y++ {
			img.Set(x, y, color.RGBA{R: uint8(x % 256), G: uint8(y % 256), B: 128, A: 255})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestImageLoader_Load(t *testing.T) {
	dir := t.TempDir()
	path := writeTestImage(t, dir, "sample.png", 200, 150)

	loader := &ImageLoader{MinWidth: 64, MinHeight: 64}
	data, err := loader.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	// Output must be a decodable JPEG of the same dimensions.
	img, err := jpeg.Decode(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("output not JPEG: %v", err)
	}
	if img.Bounds().Dx() != 200 || img.Bounds().Dy() != 150 {
		t.Errorf("dimensions = %dx%d, want 200x150", img.Bounds().Dx(), img.Bounds().Dy())
	}
}

func TestImageLoader_RejectsSmall(t *testing.T) {
	dir := t.TempDir()
	path := writeTestImage(t, dir, "icon.png", 16, 16)

	loader := &ImageLoader{MinWidth: 64, MinHeight: 64}
	_, err := loader.Load(path)
	if err == nil {
		t.Fatal("expected error for tiny image")
	}
	if !IsDecodeError(err) {
		t.Errorf("error is not a DecodeError: %v", err)
	}
	if !errors.Is(err, ErrTooSmall) {
		t.Errorf("error does not wrap ErrTooSmall: %v", err)
	}
}

func TestImageLoader_Corrupt(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "broken.jpg")
	if err := os.WriteFile(path, []byte("not an image at all"), 0o644); err != nil {
		t.Fatal(err)
	}

	loader := &ImageLoader{}
	if _, err := loader.Load(path); !IsDecodeError(err) {
		t.Errorf("expected DecodeError, got %v", err)
	}
}

func TestImageLoader_DownscalesLargeImages(t *testing.T) {
	dir := t.TempDir()
	path := writeTestImage(t, dir, "big.png", 2000, 1000)

	loader := &ImageLoader{}
	data, err := loader.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	img, err := jpeg.Decode(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("decode output: %v", err)
	}
	if img.Bounds().Dx() > maxEdge || img.Bounds().Dy() > maxEdge {
		t.Errorf("output %dx%d exceeds max edge %d", img.Bounds().Dx(), img.Bounds().Dy(), maxEdge)
	}
}

// stubFFprobe writes a shell script standing in for ffprobe so Duration
// can be exercised without real video files.
func stubFFprobe(t *testing.T, script string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ffprobe")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+script+"\n"), 0o755); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestExtractorDuration(t *testing.T) {
	e := NewExtractor(2)
	e.FFprobePath = stubFFprobe(t, "echo 10.5")

	dur, err := e.Duration(context.Background(), "clip.mp4")
	if err != nil {
		t.Fatalf("Duration: %v", err)
	}
	if dur != 10.5 {
		t.Fatalf("duration = %v, want 10.5", dur)
	}
}

func TestExtractorDurationFailures(t *testing.T) {
	cases := []struct {
		name   string
		script string
	}{
		{"probe exits nonzero", "echo 'moov atom not found' >&2; exit 1"},
		{"unparseable output", "echo N/A"},
		{"zero duration", "echo 0"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			e := NewExtractor(2)
			e.FFprobePath = stubFFprobe(t, tc.script)
			_, err := e.Duration(context.Background(), "clip.mp4")
			if err == nil {
				t.Fatal("expected error")
			}
			if !IsDecodeError(err) {
				t.Fatalf("error is not a DecodeError: %v", err)
			}
		})
	}
}

func TestExpectedFrames(t *testing.T) {
	cases := []struct {
		duration, interval float64
		want               int
	}{
		{10, 2, 5},
		{9, 2, 5},
		{8, 2, 4},
		{1, 2, 1},
		{0, 2, 0},
		{10, 0, 0},
	}
	for _, c := range cases {
		if got := ExpectedFrames(c.duration, c.interval); got != c.want {
			t.Errorf("ExpectedFrames(%v, %v) = %d, want %d", c.duration, c.interval, got, c.want)
		}
	}
}
