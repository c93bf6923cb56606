// Package config loads the mediascan configuration from a YAML file with
// environment-variable overrides. The result is an explicit struct handed
// to each component at startup; nothing reads ambient globals.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// EmbeddingConfig selects and throttles the embedding provider.
type EmbeddingConfig struct {
	// Endpoint is the base URL of the local inference server.
	Endpoint string `yaml:"endpoint"`
	// RateLimit is the maximum provider requests per second (0 = unlimited).
	RateLimit float64 `yaml:"rate_limit"`
	// TimeoutSeconds bounds a single provider call.
	TimeoutSeconds int `yaml:"timeout_seconds"`
}

// SearchConfig holds query-side defaults.
type SearchConfig struct {
	// Threshold is the default minimum cosine similarity, in [0,1].
	Threshold float64 `yaml:"threshold"`
}

// TaggerConfig holds auto-tagging defaults.
type TaggerConfig struct {
	// VocabularyPath points to a YAML tag vocabulary. Empty selects the
	// embedded default vocabulary.
	VocabularyPath string `yaml:"vocabulary_path"`
	// Threshold is the minimum similarity for a tag to apply, in [0,1].
	Threshold float64 `yaml:"threshold"`
	// MaxTags caps the number of tags per image.
	MaxTags int `yaml:"max_tags"`
}

// WatchConfig controls watch mode.
type WatchConfig struct {
	// RescanCron is an optional cron expression for periodic full rescans.
	RescanCron string `yaml:"rescan_cron"`
	// DebounceMs is the delay before reacting to filesystem events.
	DebounceMs int `yaml:"debounce_ms"`
}

// Config is the full mediascan configuration.
type Config struct {
	// AssetsPath lists root directories to scan.
	AssetsPath []string `yaml:"assets_path"`
	// SkipPath lists directories excluded from scanning.
	SkipPath []string `yaml:"skip_path"`
	// ImageExtensions and VideoExtensions classify files by suffix.
	ImageExtensions []string `yaml:"image_extensions"`
	VideoExtensions []string `yaml:"video_extensions"`

	// ModelName identifies the embedding model. Changing it invalidates
	// every stored embedding.
	ModelName string `yaml:"model_name"`
	// Device is an opaque inference device selector passed to the provider.
	Device string `yaml:"device"`

	// ScanBatchSize is the maximum number of images per provider call.
	ScanBatchSize int `yaml:"scan_process_batch_size"`
	// FrameInterval is the seconds between sampled video frames.
	FrameInterval float64 `yaml:"frame_interval"`

	// ImageMinWidth/Height reject thumbnails and icons before embedding.
	ImageMinWidth  int `yaml:"image_min_width"`
	ImageMinHeight int `yaml:"image_min_height"`

	// DBPath is the sqlite database file.
	DBPath string `yaml:"db_path"`

	Embedding EmbeddingConfig `yaml:"embedding"`
	Search    SearchConfig    `yaml:"search"`
	Tagger    TaggerConfig    `yaml:"tagger"`
	Watch     WatchConfig     `yaml:"watch"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		ImageExtensions: []string{".jpg", ".jpeg", ".png", ".gif", ".bmp", ".webp", ".tif", ".tiff"},
		VideoExtensions: []string{".mp4", ".mov", ".mkv", ".avi", ".webm", ".flv", ".m4v"},
		ModelName:       "openai/clip-vit-base-patch32",
		Device:          "cpu",
		ScanBatchSize:   32,
		FrameInterval:   2,
		ImageMinWidth:   64,
		ImageMinHeight:  64,
		DBPath:          defaultDBPath(),
		Embedding: EmbeddingConfig{
			Endpoint:       "http://127.0.0.1:8501",
			TimeoutSeconds: 120,
		},
		Search: SearchConfig{Threshold: 0.2},
		Tagger: TaggerConfig{Threshold: 0.3, MaxTags: 5},
		Watch:  WatchConfig{DebounceMs: 1500},
	}
}

func defaultDBPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "mediascan.db"
	}
	return filepath.Join(home, ".mediascan", "assets.db")
}

// Load reads the YAML file at path (if it exists), applies environment
// overrides, fills defaults and validates. A missing file is not an error;
// env vars and defaults still apply.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse config %s: %w", path, err)
			}
		case os.IsNotExist(err):
			// fall through to env + defaults
		default:
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	applyEnv(cfg)
	cfg.normalize()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overrides config fields from the classic environment surface.
func applyEnv(cfg *Config) {
	if v := os.Getenv("ASSETS_PATH"); v != "" {
		cfg.AssetsPath = SplitList(v)
	}
	if v := os.Getenv("SKIP_PATH"); v != "" {
		cfg.SkipPath = SplitList(v)
	}
	if v := os.Getenv("IMAGE_EXTENSIONS"); v != "" {
		cfg.ImageExtensions = SplitList(v)
	}
	if v := os.Getenv("VIDEO_EXTENSIONS"); v != "" {
		cfg.VideoExtensions = SplitList(v)
	}
	if v := os.Getenv("MODEL_NAME"); v != "" {
		cfg.ModelName = v
	}
	if v := os.Getenv("DEVICE"); v != "" {
		cfg.Device = v
	}
	if v := os.Getenv("SCAN_PROCESS_BATCH_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.ScanBatchSize = n
		}
	}
	if v := os.Getenv("FRAME_INTERVAL"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.FrameInterval = f
		}
	}
	if v := os.Getenv("MEDIASCAN_DB"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("MEDIASCAN_EMBED_ENDPOINT"); v != "" {
		cfg.Embedding.Endpoint = v
	}
}

// normalize cleans list entries and extension spellings in place.
func (c *Config) normalize() {
	c.AssetsPath = normalizePaths(c.AssetsPath)
	c.SkipPath = normalizePaths(c.SkipPath)
	c.ImageExtensions = NormalizeExtensions(c.ImageExtensions)
	c.VideoExtensions = NormalizeExtensions(c.VideoExtensions)
}

// Validate checks invariants that components rely on.
func (c *Config) Validate() error {
	if c.ScanBatchSize < 1 {
		return fmt.Errorf("scan_process_batch_size must be >= 1, got %d", c.ScanBatchSize)
	}
	if c.FrameInterval <= 0 {
		return fmt.Errorf("frame_interval must be positive, got %v", c.FrameInterval)
	}
	if c.ModelName == "" {
		return fmt.Errorf("model_name must not be empty")
	}
	if c.Search.Threshold < 0 || c.Search.Threshold > 1 {
		return fmt.Errorf("search.threshold must be in [0,1], got %v", c.Search.Threshold)
	}
	if c.Tagger.Threshold < 0 || c.Tagger.Threshold > 1 {
		return fmt.Errorf("tagger.threshold must be in [0,1], got %v", c.Tagger.Threshold)
	}
	if c.Tagger.MaxTags < 1 {
		return fmt.Errorf("tagger.max_tags must be >= 1, got %d", c.Tagger.MaxTags)
	}
	if c.DBPath == "" {
		return fmt.Errorf("db_path must not be empty")
	}
	return nil
}

// EmbedTimeout returns the provider call timeout as a duration.
func (c *Config) EmbedTimeout() time.Duration {
	if c.Embedding.TimeoutSeconds <= 0 {
		return 2 * time.Minute
	}
	return time.Duration(c.Embedding.TimeoutSeconds) * time.Second
}
