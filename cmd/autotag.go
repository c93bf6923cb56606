package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/mediascan/internal/embed"
	"github.com/nextlevelbuilder/mediascan/internal/store"
	"github.com/nextlevelbuilder/mediascan/internal/tagger"
)

func autotagCmd() *cobra.Command {
	var (
		rename     bool
		retag      bool
		imagesOnly bool
		videosOnly bool
		vocabPath  string
	)

	cmd := &cobra.Command{
		Use:   "autotag",
		Short: "Tag embedded media against the vocabulary, optionally renaming files",
		Long: `autotag scores every embedded asset against the tag vocabulary and
stores the tags that clear the similarity threshold. With --rename, files
are renamed after their top tags (the original name stays recorded).`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if imagesOnly && videosOnly {
				return fmt.Errorf("--images-only and --videos-only are mutually exclusive")
			}

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if vocabPath == "" {
				vocabPath = cfg.Tagger.VocabularyPath
			}
			vocab, err := tagger.LoadVocabulary(vocabPath)
			if err != nil {
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

			texts, err := embed.NewTextCache(provider, len(vocab.Entries)+32)
			if err != nil {
				return err
			}

			var kind store.Kind
			if imagesOnly {
				kind = store.KindImage
			}
			if videosOnly {
				kind = store.KindVideo
			}

			t := &tagger.Tagger{
				Store:     st,
				Provider:  provider,
				Texts:     texts,
				Vocab:     vocab,
				Threshold: cfg.Tagger.Threshold,
				MaxTags:   cfg.Tagger.MaxTags,
				Rename:    rename,
				Retag:     retag,
			}
			sum, err := t.Run(ctx, kind)
			if err != nil {
				return err
			}

			fmt.Printf("autotag: %d tagged, %d renamed, %d skipped, %d failed\n",
				sum.Tagged, sum.Renamed, sum.Skipped, sum.Failed)
			if sum.Failed > 0 {
				return fmt.Errorf("%d assets failed", sum.Failed)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&rename, "rename", false, "rename files after their top tags")
	cmd.Flags().BoolVar(&retag, "retag", false, "re-tag assets that already have tags")
	cmd.Flags().BoolVar(&imagesOnly, "images-only", false, "only tag images")
	cmd.Flags().BoolVar(&videosOnly, "videos-only", false, "only tag videos")
	cmd.Flags().StringVar(&vocabPath, "vocabulary", "", "tag vocabulary YAML (default from config or built-in)")
	return cmd
}
