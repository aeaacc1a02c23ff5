package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/pesio-ai/be-approval-governance/internal/platform/database"
)

func init() {
	rootCmd.AddCommand(migrateCmd)
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending database migrations",
	Args:  cobra.NoArgs,
	RunE:  runMigrate,
}

func runMigrate(cmd *cobra.Command, _ []string) error {
	env, err := openEnv(cmd.Context())
	if err != nil {
		return err
	}
	defer env.Close()

	applied, err := database.Migrate(cmd.Context(), env.db)
	if err != nil {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}
	if len(applied) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "Database is up to date.")
		return nil
	}
	for _, name := range applied {
		fmt.Fprintf(cmd.OutOrStdout(), "Applied %s\n", name)
	}
	return nil
}
