package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/mediascan/internal/store"
)

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show index counts and the active model",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			st, err := store.Open(cfg.DBPath)
			if err != nil {
				return err
			}
			defer st.Close()

			ctx := cmd.Context()
			counts, err := st.CountByState(ctx)
			if err != nil {
				return err
			}
			model, err := st.ModelName(ctx)
			if err != nil {
				return err
			}
			if model == "" {
				model = "(none recorded)"
			}

			fmt.Printf("database:  %s\n", cfg.DBPath)
			fmt.Printf("model:     %s\n", model)
			fmt.Printf("images:    %d\n", counts.Images)
			fmt.Printf("videos:    %d (%d frames)\n", counts.Videos, counts.Frames)
			for _, state := range []store.State{
				store.StatePending, store.StateDirty, store.StateReady,
				store.StateTagged, store.StateFailed, store.StateDeleted,
			} {
				if n := counts.ByState[state]; n > 0 {
					fmt.Printf("  %-8s %d\n", state, n)
				}
			}
			return nil
		},
	}
}
