package cli

import (
	"context"

	"github.com/codesalvage/transaction-escrow-service/internal/application"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

func newEscrowCommand(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "escrow",
		Short: "Manual escrow interventions",
	}

	release := &cobra.Command{
		Use:   "release [transaction-id]",
		Short: "Release held funds to the seller ahead of the release date",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withOperations(cmd, func(ctx context.Context, ops Operations) (any, error) {
				return ops.ManualReleaseOverride(ctx, opts.actor(uuid.NewString()), args[0])
			})
		},
	}

	var reason string
	refund := &cobra.Command{
		Use:   "refund [transaction-id]",
		Short: "Refund the buyer of a transaction still held in escrow",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withOperations(cmd, func(ctx context.Context, ops Operations) (any, error) {
				return ops.Refund(ctx, opts.actor(uuid.NewString()), args[0], application.RefundInput{Reason: reason})
			})
		},
	}
	refund.Flags().StringVar(&reason, "reason", "", "Refund reason recorded on the transaction")
	_ = refund.MarkFlagRequired("reason")

	cmd.AddCommand(release, refund)
	return cmd
}

func newTransferCommand(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "transfer",
		Short: "Repository transfer interventions",
	}
	reset := &cobra.Command{
		Use:   "reset [transfer-id]",
		Short: "Move a failed transfer back to pending with a fresh retry budget",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withOperations(cmd, func(ctx context.Context, ops Operations) (any, error) {
				return ops.ResetTransfer(ctx, opts.actor(uuid.NewString()), args[0])
			})
		},
	}
	cmd.AddCommand(reset)
	return cmd
}
