package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/mediascan/internal/media"
	"github.com/nextlevelbuilder/mediascan/internal/search"
	"github.com/nextlevelbuilder/mediascan/internal/store"
)

func searchCmd() *cobra.Command {
	var (
		imagePath  string
		threshold  float64
		limit      int
		pathPrefix string
		imagesOnly bool
		videosOnly bool
		after      string
		before     string
	)

	cmd := &cobra.Command{
		Use:   "search [query text]",
		Short: "Find media by text description or example image",
		Example: `  mediascan search "a dog playing on the beach"
  mediascan search --image ~/reference.jpg --limit 10
  mediascan search "sunset" --videos-only --after 2024-01-01`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if imagesOnly && videosOnly {
				return fmt.Errorf("--images-only and --videos-only are mutually exclusive")
			}
			query := ""
			if len(args) == 1 {
				query = args[0]
			}
			if (query == "") == (imagePath == "") {
				return fmt.Errorf("provide either query text or --image, not both")
			}

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("threshold") {
				if threshold < 0 || threshold > 1 {
					return fmt.Errorf("threshold must be in [0,1], got %v", threshold)
				}
			} else {
				threshold = cfg.Search.Threshold
			}

			opts := search.Options{
				PathPrefix: pathPrefix,
				Threshold:  threshold,
				Limit:      limit,
			}
			if imagesOnly {
				opts.Kind = store.KindImage
			}
			if videosOnly {
				opts.Kind = store.KindVideo
			}
			if opts.ModifiedAfter, err = parseDay(after); err != nil {
				return err
			}
			if opts.ModifiedBefore, err = parseDay(before); err != nil {
				return err
			}

			ctx, cancel := signalContext()
			defer cancel()

			provider := newProvider(cfg)
			st, err := openStore(ctx, cfg, provider)
			if err != nil {
				return err
			}
			defer st.Close()

			eng := &search.Engine{
				Store:    st,
				Provider: provider,
				Loader:   &media.ImageLoader{},
			}

			var hits []search.Hit
			if imagePath != "" {
				hits, err = eng.SearchImage(ctx, imagePath, opts)
			} else {
				hits, err = eng.SearchText(ctx, query, opts)
			}
			if err != nil {
				return err
			}

			if len(hits) == 0 {
				fmt.Println("no matches")
				return nil
			}
			for _, h := range hits {
				if h.Kind == store.KindVideo {
					fmt.Printf("%.4f  %s  @%s\n", h.Score, h.Path, formatTs(h.TsSeconds))
				} else {
					fmt.Printf("%.4f  %s\n", h.Score, h.Path)
				}
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&imagePath, "image", "", "search by example image instead of text")
	cmd.Flags().Float64VarP(&threshold, "threshold", "t", 0, "minimum similarity in [0,1] (default from config)")
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "maximum results (0 = unlimited)")
	cmd.Flags().StringVar(&pathPrefix, "path", "", "only match assets under this path")
	cmd.Flags().BoolVar(&imagesOnly, "images-only", false, "only match images")
	cmd.Flags().BoolVar(&videosOnly, "videos-only", false, "only match videos")
	cmd.Flags().StringVar(&after, "after", "", "only files modified on or after this date (YYYY-MM-DD)")
	cmd.Flags().StringVar(&before, "before", "", "only files modified before this date (YYYY-MM-DD)")
	return cmd
}

// parseDay turns YYYY-MM-DD (or RFC 3339) into unix seconds; "" is 0.
func parseDay(s string) (int64, error) {
	if s == "" {
		return 0, nil
	}
	if t, err := time.ParseInLocation("2006-01-02", s, time.Local); err == nil {
		return t.Unix(), nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return 0, fmt.Errorf("invalid date %q, want YYYY-MM-DD", s)
	}
	return t.Unix(), nil
}

// formatTs renders a frame offset as m:ss for seeking.
func formatTs(sec float64) string {
	d := time.Duration(sec * float64(time.Second)).Round(time.Second)
	m := int(d.Minutes())
	s := int(d.Seconds()) % 60
	return fmt.Sprintf("%d:%02d", m, s)
}
