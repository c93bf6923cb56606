package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/mediascan/internal/store"
)

func dbCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "db",
		Short: "Manage the asset database",
	}
	cmd.AddCommand(dbInitCmd(), dbMigrateCmd(), dbVerifyCmd(), dbResetCmd())
	return cmd
}

func dbInitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Create the database and bring the schema up to date",
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

			version, _, err := st.SchemaVersion()
			if err != nil {
				return err
			}
			fmt.Printf("database ready at %s (schema v%d)\n", cfg.DBPath, version)
			return nil
		},
	}
}

func dbMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending schema migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			// Open already migrates; run it again explicitly so a failed
			// earlier attempt surfaces here.
			st, err := store.Open(cfg.DBPath)
			if err != nil {
				return err
			}
			defer st.Close()

			if err := st.Migrate(); err != nil {
				return err
			}
			version, dirty, err := st.SchemaVersion()
			if err != nil {
				return err
			}
			if dirty {
				return fmt.Errorf("schema v%d is dirty; restore from backup or reset", version)
			}
			fmt.Printf("schema at v%d\n", version)
			return nil
		},
	}
}

func dbVerifyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "verify",
		Short: "Check schema version and database integrity",
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

			if err := st.Verify(); err != nil {
				return fmt.Errorf("verification failed: %w", err)
			}
			version, _, err := st.SchemaVersion()
			if err != nil {
				return err
			}
			fmt.Printf("ok: schema v%d, integrity check passed\n", version)
			return nil
		},
	}
}

func dbResetCmd() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "reset",
		Short: "Delete the database; the next scan rebuilds it from scratch",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if !force {
				return fmt.Errorf("refusing to delete %s without --force", cfg.DBPath)
			}
			for _, suffix := range []string{"", "-wal", "-shm"} {
				p := cfg.DBPath + suffix
				if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
					return fmt.Errorf("remove %s: %w", p, err)
				}
			}
			fmt.Printf("database %s removed\n", cfg.DBPath)
			return nil
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "confirm deletion")
	return cmd
}
