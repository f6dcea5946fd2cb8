package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/balancehold/balancehold/internal/infra"
)

// NewMigrateCommand creates the migrate command.
func NewMigrateCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate [up|down]",
		Short: "Apply or roll back database migrations",
		Long: `Apply all pending migrations (up, the default) or roll back the most
recent one (down). The database comes from DATABASE_URL or CONFIG_FILE.`,
		Args:      cobra.MatchAll(cobra.MaximumNArgs(1), cobra.OnlyValidArgs),
		ValidArgs: []string{"up", "down"},
		RunE: func(cmd *cobra.Command, args []string) error {
			direction := "up"
			if len(args) == 1 {
				direction = args[0]
			}

			ctx := cmd.Context()
			pool, logger, err := rootOpts.openPool(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()
			m := infra.NewMigrator(pool, logger)

			result := map[string]any{"direction": direction}
			switch direction {
			case "down":
				rolledBack, err := m.Down(ctx)
				if err != nil {
					return err
				}
				result["rolled_back"] = rolledBack
			default:
				applied, err := m.Up(ctx)
				if err != nil {
					return err
				}
				result["applied"] = applied
			}
			return rootOpts.print(cmd.OutOrStdout(), result, func(w io.Writer) {
				if direction == "down" {
					fmt.Fprintf(w, "rolled back: %v\n", result["rolled_back"])
					return
				}
				fmt.Fprintf(w, "applied %d migration(s)\n", result["applied"])
			})
		},
	}
}
