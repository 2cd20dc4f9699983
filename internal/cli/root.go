// Package cli implements escrowctl, the operator command line for one-shot
// sweeps and manual escrow interventions.
package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/codesalvage/transaction-escrow-service/internal/app/bootstrap"
	"github.com/codesalvage/transaction-escrow-service/internal/application"
	"github.com/codesalvage/transaction-escrow-service/internal/domain"
	"github.com/spf13/cobra"
)

// Operations is the slice of the application service escrowctl drives.
type Operations interface {
	SweepEscrowReleases(ctx context.Context) (application.SweepReport, error)
	SweepExpiredOffers(ctx context.Context) (application.SweepReport, error)
	SweepPendingTransfers(ctx context.Context) (application.SweepReport, error)
	PollInvitations(ctx context.Context) (application.SweepReport, error)
	ManualReleaseOverride(ctx context.Context, actor application.Actor, transactionID string) (domain.Transaction, error)
	Refund(ctx context.Context, actor application.Actor, transactionID string, input application.RefundInput) (domain.Transaction, error)
	ResetTransfer(ctx context.Context, actor application.Actor, transferID string) (domain.RepositoryTransfer, error)
}

// Connector opens the operations backend for one command invocation.
type Connector func(ctx context.Context, configPath string) (Operations, func(), error)

type options struct {
	configPath     string
	operator       string
	idempotencyKey string
	connect        Connector
}

// NewRootCommand builds the command tree. connect is nil outside tests.
func NewRootCommand(connect Connector) *cobra.Command {
	if connect == nil {
		connect = connectRuntime
	}
	opts := &options{connect: connect}

	root := &cobra.Command{
		Use:           "escrowctl",
		Short:         "Operate the transaction escrow service",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&opts.configPath, "config", "configs/default.yaml", "Path to the service config file")
	root.PersistentFlags().StringVar(&opts.operator, "operator", defaultOperator(), "Operator id recorded on manual actions")
	root.PersistentFlags().StringVar(&opts.idempotencyKey, "idempotency-key", "", "Idempotency key for money-moving commands")

	root.AddCommand(newSweepCommand(opts))
	root.AddCommand(newEscrowCommand(opts))
	root.AddCommand(newTransferCommand(opts))
	return root
}

// Execute runs escrowctl against the configured runtime.
func Execute() error {
	if err := NewRootCommand(nil).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		return err
	}
	return nil
}

func connectRuntime(ctx context.Context, configPath string) (Operations, func(), error) {
	runtime, err := bootstrap.NewRuntime(ctx, configPath)
	if err != nil {
		return nil, nil, err
	}
	return runtime.Service(), runtime.Close, nil
}

func defaultOperator() string {
	if user := os.Getenv("USER"); user != "" {
		return "escrowctl:" + user
	}
	return "escrowctl"
}

func (o *options) actor(requestID string) application.Actor {
	return application.Actor{
		SubjectID:      o.operator,
		Role:           application.RoleAdmin,
		RequestID:      requestID,
		IdempotencyKey: o.idempotencyKey,
	}
}

// withOperations opens the backend, runs fn and prints its result as JSON.
func (o *options) withOperations(cmd *cobra.Command, fn func(ctx context.Context, ops Operations) (any, error)) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	ops, closeFn, err := o.connect(ctx, o.configPath)
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	if closeFn != nil {
		defer closeFn()
	}
	result, err := fn(ctx, ops)
	if err != nil {
		return err
	}
	return printJSON(cmd.OutOrStdout(), result)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
