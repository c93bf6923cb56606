package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/mediascan/internal/store"
	"github.com/nextlevelbuilder/mediascan/internal/watch"
)

func watchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Keep the index current by watching the asset roots",
		Long: `watch runs an initial scan, then reacts to filesystem events with
debounced incremental rescans. watch.rescan_cron in the config adds
periodic full rescans on top.`,
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

			sc := newScanner(cfg, st)
			rescan := func(ctx context.Context) error {
				if _, err := sc.Scan(ctx); err != nil {
					// Another process holds the lock; the debounced retry
					// will catch up.
					if errors.Is(err, store.ErrScanActive) {
						slog.Warn("scan already running, skipping pass")
						return nil
					}
					return err
				}
				_, err := runEmbed(ctx, cfg, st, provider)
				return err
			}

			if err := rescan(ctx); err != nil {
				return err
			}

			runner := &watch.Runner{
				Roots:      cfg.AssetsPath,
				Debounce:   time.Duration(cfg.Watch.DebounceMs) * time.Millisecond,
				RescanCron: cfg.Watch.RescanCron,
				OnRescan:   rescan,
			}
			if err := runner.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		},
	}
	return cmd
}
