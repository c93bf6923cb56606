package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/mediascan/internal/config"
	"github.com/nextlevelbuilder/mediascan/internal/embed"
	"github.com/nextlevelbuilder/mediascan/internal/media"
	"github.com/nextlevelbuilder/mediascan/internal/pipeline"
	"github.com/nextlevelbuilder/mediascan/internal/scanner"
	"github.com/nextlevelbuilder/mediascan/internal/store"
)

func scanCmd() *cobra.Command {
	var noEmbed bool

	cmd := &cobra.Command{
		Use:   "scan",
		Short: "Walk the asset roots and embed new or changed media",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if len(cfg.AssetsPath) == 0 {
				return fmt.Errorf("no assets_path configured; set assets_path in %s or ASSETS_PATH", resolveConfigPath())
			}

			ctx, cancel := signalContext()
			defer cancel()

			provider := newProvider(cfg)
			st, err := openStore(ctx, cfg, provider)
			if err != nil {
				return err
			}
			defer st.Close()

			sum, err := newScanner(cfg, st).Scan(ctx)
			if err != nil {
				return err
			}
			fmt.Printf("scan: %d added, %d changed, %d renamed, %d deleted, %d unchanged, %d skipped\n",
				sum.Added, sum.Changed, sum.Renamed, sum.Deleted, sum.Unchanged, sum.Skipped)

			if noEmbed {
				return nil
			}
			esum, err := runEmbed(ctx, cfg, st, provider)
			if err != nil {
				return err
			}
			fmt.Printf("embed: %d embedded, %d failed\n", esum.Embedded, esum.Failed)
			return nil
		},
	}

	cmd.Flags().BoolVar(&noEmbed, "no-embed", false, "only reconcile the index, skip embedding")
	return cmd
}

func newScanner(cfg *config.Config, st *store.Store) *scanner.Scanner {
	return &scanner.Scanner{
		Roots:     cfg.AssetsPath,
		Skip:      cfg.SkipPath,
		ImageExts: cfg.ImageExtensions,
		VideoExts: cfg.VideoExtensions,
		Store:     st,
	}
}

// runEmbed drains pending assets through the embedding pipeline. Shared by
// scan and watch.
func runEmbed(ctx context.Context, cfg *config.Config, st *store.Store, provider embed.Provider) (*pipeline.Summary, error) {
	p := &pipeline.Pipeline{
		Store:     st,
		Provider:  provider,
		Loader:    &media.ImageLoader{MinWidth: cfg.ImageMinWidth, MinHeight: cfg.ImageMinHeight},
		Extractor: media.NewExtractor(cfg.FrameInterval),
		BatchSize: cfg.ScanBatchSize,
	}
	return p.Run(ctx)
}
