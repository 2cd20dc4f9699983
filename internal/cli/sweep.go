package cli

import (
	"context"
	"fmt"

	"github.com/codesalvage/transaction-escrow-service/internal/application"
	"github.com/spf13/cobra"
)

func newSweepCommand(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sweep [escrow|offers|transfers|invitations]",
		Short: "Run one maintenance sweep now",
		Long: `Run a single pass of a periodic sweep and print its report.

  escrow       release escrow whose hold period has passed
  offers       persist expiry of pending offers past their deadline
  transfers    retry pending repository transfers under their retry budget
  invitations  poll GitHub for accepted or stale collaborator invitations`,
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{"escrow", "offers", "transfers", "invitations"},
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withOperations(cmd, func(ctx context.Context, ops Operations) (any, error) {
				run, err := sweepFor(ops, args[0])
				if err != nil {
					return nil, err
				}
				return run(ctx)
			})
		},
	}
	return cmd
}

func sweepFor(ops Operations, name string) (func(context.Context) (application.SweepReport, error), error) {
	switch name {
	case "escrow":
		return ops.SweepEscrowReleases, nil
	case "offers":
		return ops.SweepExpiredOffers, nil
	case "transfers":
		return ops.SweepPendingTransfers, nil
	case "invitations":
		return ops.PollInvitations, nil
	default:
		return nil, fmt.Errorf("unknown sweep %q", name)
	}
}
