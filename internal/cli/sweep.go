package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/balancehold/balancehold/internal/balance"
	"github.com/balancehold/balancehold/internal/notification"
	"github.com/balancehold/balancehold/internal/sweeper"
)

// NewSweepCommand creates the sweep command.
func NewSweepCommand(rootOpts *RootOptions) *cobra.Command {
	var batchSize int

	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Cancel expired reservations once",
		Long: `Run a single expiry pass against the database, repeating while batches
come back full. Safe to run alongside the service.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if batchSize <= 0 {
				return fmt.Errorf("--batch-size must be positive")
			}
			ctx := cmd.Context()
			pool, logger, err := rootOpts.openPool(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()

			svc := balance.NewService(balance.NewPostgresStore(pool), balance.NewEngine(logger, nil),
				notification.NewLoggerNotifier(logger), nil, logger)
			n, err := sweeper.New(svc, 0, batchSize, logger).RunOnce(ctx)
			if err != nil {
				return err
			}
			return rootOpts.print(cmd.OutOrStdout(), map[string]int{"canceled": n}, func(w io.Writer) {
				fmt.Fprintf(w, "canceled %d expired reservation(s)\n", n)
			})
		},
	}

	cmd.Flags().IntVar(&batchSize, "batch-size", 100, "reservations per unit of work")
	return cmd
}
