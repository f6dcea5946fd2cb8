package cli

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/balancehold/balancehold/internal/balance"
	"github.com/balancehold/balancehold/internal/rpc"
)

const defaultRPCAddr = "localhost:9090"

// rpcFlags are shared by commands that talk to a running service.
type rpcFlags struct {
	Addr    string
	Timeout time.Duration
}

func (f *rpcFlags) bind(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.Addr, "addr", defaultRPCAddr, "RPC address of the service")
	cmd.Flags().DurationVar(&f.Timeout, "timeout", 5*time.Second, "call timeout")
}

func (f *rpcFlags) call(ctx context.Context, fn func(context.Context, *rpc.Client) (*balance.BalanceSnapshot, error)) (*balance.BalanceSnapshot, error) {
	conn, err := grpc.NewClient(f.Addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", f.Addr, err)
	}
	defer conn.Close()

	ctx, cancel := context.WithTimeout(ctx, f.Timeout)
	defer cancel()
	return fn(ctx, rpc.NewClient(conn))
}

func printBalance(opts *RootOptions, w io.Writer, b *balance.BalanceSnapshot) error {
	return opts.print(w, b, func(w io.Writer) {
		fmt.Fprintf(w, "user:      %s\ncurrent:   %d\nmaximum:   %d\nlocked:    %d\navailable: %d\n",
			b.UserID, b.Current, b.Maximum, b.LockedTotal, b.Current-b.LockedTotal)
	})
}

// NewBalanceCommand creates the balance command.
func NewBalanceCommand(rootOpts *RootOptions) *cobra.Command {
	flags := &rpcFlags{}
	cmd := &cobra.Command{
		Use:   "balance <user-id>",
		Short: "Show a user's balance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			b, err := flags.call(cmd.Context(), func(ctx context.Context, c *rpc.Client) (*balance.BalanceSnapshot, error) {
				return c.GetBalance(ctx, &rpc.UserRequest{UserID: args[0]})
			})
			if err != nil {
				return err
			}
			return printBalance(rootOpts, cmd.OutOrStdout(), b)
		},
	}
	flags.bind(cmd)
	return cmd
}

// NewRepairCommand creates the repair command.
func NewRepairCommand(rootOpts *RootOptions) *cobra.Command {
	flags := &rpcFlags{}
	cmd := &cobra.Command{
		Use:   "repair <user-id>",
		Short: "Recompute a user's locked total from open reservations",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			b, err := flags.call(cmd.Context(), func(ctx context.Context, c *rpc.Client) (*balance.BalanceSnapshot, error) {
				return c.RepairBalance(ctx, &rpc.UserRequest{UserID: args[0]})
			})
			if err != nil {
				return err
			}
			return printBalance(rootOpts, cmd.OutOrStdout(), b)
		},
	}
	flags.bind(cmd)
	return cmd
}
