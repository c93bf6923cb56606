// Package cmd wires the mediascan subcommands.
package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/mediascan/internal/config"
	"github.com/nextlevelbuilder/mediascan/internal/embed"
	"github.com/nextlevelbuilder/mediascan/internal/store"
)

var (
	flagConfig  string
	flagVerbose bool
)

// Execute runs the root command.
func Execute() {
	root := &cobra.Command{
		Use:   "mediascan",
		Short: "Local media indexing and similarity search",
		Long: `mediascan walks your photo and video folders, computes CLIP-style
embeddings through a local inference server, and answers text or image
similarity queries against the resulting index.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			level := slog.LevelInfo
			if flagVerbose {
				level = slog.LevelDebug
			}
			slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
		},
	}

	root.PersistentFlags().StringVarP(&flagConfig, "config", "c", "", "config file path")
	root.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "debug logging")

	root.AddCommand(
		scanCmd(),
		searchCmd(),
		autotagCmd(),
		watchCmd(),
		dbCmd(),
		statusCmd(),
		doctorCmd(),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// resolveConfigPath picks the config file: flag, env, then the default
// location under the home directory.
func resolveConfigPath() string {
	if flagConfig != "" {
		return flagConfig
	}
	if env := os.Getenv("MEDIASCAN_CONFIG"); env != "" {
		return env
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "config.yaml"
	}
	return filepath.Join(home, ".mediascan", "config.yaml")
}

func loadConfig() (*config.Config, error) {
	return config.Load(resolveConfigPath())
}

// openStore opens the database and reconciles the recorded model with the
// configured one, invalidating stale embeddings on a model switch.
func openStore(ctx context.Context, cfg *config.Config, provider embed.Provider) (*store.Store, error) {
	st, err := store.Open(cfg.DBPath)
	if err != nil {
		return nil, err
	}
	if provider != nil {
		invalidated, err := st.EnsureModel(ctx, provider.Model(), provider.Dim())
		if err != nil {
			st.Close()
			return nil, err
		}
		if invalidated > 0 {
			slog.Warn("model changed; assets queued for re-embedding", "count", invalidated)
		}
	}
	return st, nil
}

func newProvider(cfg *config.Config) *embed.HTTPProvider {
	return embed.NewHTTPProvider(embed.HTTPOptions{
		Endpoint:  cfg.Embedding.Endpoint,
		Model:     cfg.ModelName,
		Device:    cfg.Device,
		Timeout:   cfg.EmbedTimeout(),
		RateLimit: cfg.Embedding.RateLimit,
	})
}

// signalContext cancels on SIGINT/SIGTERM so scans stop between batches.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}
