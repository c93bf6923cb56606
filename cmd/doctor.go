package cmd

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/mediascan/internal/media"
	"github.com/nextlevelbuilder/mediascan/internal/store"
)

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check that mediascan can run: config, database, ffmpeg, inference server",
		RunE: func(cmd *cobra.Command, args []string) error {
			failed := 0
			check := func(name string, err error) {
				if err != nil {
					failed++
					fmt.Printf("  FAIL  %-18s %v\n", name, err)
					return
				}
				fmt.Printf("  ok    %s\n", name)
			}

			fmt.Printf("config: %s\n", resolveConfigPath())
			cfg, err := loadConfig()
			check("config", err)
			if cfg == nil {
				return fmt.Errorf("cannot continue without a valid config")
			}

			rootsErr := error(nil)
			if len(cfg.AssetsPath) == 0 {
				rootsErr = fmt.Errorf("no assets_path configured")
			}
			for _, root := range cfg.AssetsPath {
				if info, err := os.Stat(root); err != nil {
					rootsErr = fmt.Errorf("%s: %w", root, err)
				} else if !info.IsDir() {
					rootsErr = fmt.Errorf("%s is not a directory", root)
				}
			}
			check("asset roots", rootsErr)

			dbErr := func() error {
				st, err := store.Open(cfg.DBPath)
				if err != nil {
					return err
				}
				defer st.Close()
				return st.Verify()
			}()
			check("database", dbErr)

			check("ffmpeg/ffprobe", media.NewExtractor(cfg.FrameInterval).AssertReady())

			ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
			defer cancel()
			check("inference server", newProvider(cfg).Ping(ctx))

			if failed > 0 {
				return fmt.Errorf("%d checks failed", failed)
			}
			fmt.Println("all checks passed")
			return nil
		},
	}
}
