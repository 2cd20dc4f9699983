package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/codesalvage/transaction-escrow-service/internal/application"
	"github.com/codesalvage/transaction-escrow-service/internal/domain"
)

type fakeOps struct {
	calls  []string
	actors []application.Actor
	reason string
	err    error
}

func (f *fakeOps) sweep(name string) (application.SweepReport, error) {
	f.calls = append(f.calls, "sweep:"+name)
	return application.SweepReport{Job: name, Scanned: 2, Succeeded: 1, Deferred: 1}, f.err
}

func (f *fakeOps) SweepEscrowReleases(context.Context) (application.SweepReport, error) {
	return f.sweep(application.SweepEscrowReleases)
}

func (f *fakeOps) SweepExpiredOffers(context.Context) (application.SweepReport, error) {
	return f.sweep(application.SweepExpiredOffers)
}

func (f *fakeOps) SweepPendingTransfers(context.Context) (application.SweepReport, error) {
	return f.sweep(application.SweepPendingTransfers)
}

func (f *fakeOps) PollInvitations(context.Context) (application.SweepReport, error) {
	return f.sweep(application.SweepInvitations)
}

func (f *fakeOps) ManualReleaseOverride(_ context.Context, actor application.Actor, id string) (domain.Transaction, error) {
	f.calls = append(f.calls, "release:"+id)
	f.actors = append(f.actors, actor)
	return domain.Transaction{TransactionID: id, EscrowStatus: domain.EscrowStatusReleased}, f.err
}

func (f *fakeOps) Refund(_ context.Context, actor application.Actor, id string, input application.RefundInput) (domain.Transaction, error) {
	f.calls = append(f.calls, "refund:"+id)
	f.actors = append(f.actors, actor)
	f.reason = input.Reason
	return domain.Transaction{TransactionID: id, PaymentStatus: domain.PaymentStatusRefunded}, f.err
}

func (f *fakeOps) ResetTransfer(_ context.Context, actor application.Actor, id string) (domain.RepositoryTransfer, error) {
	f.calls = append(f.calls, "reset:"+id)
	f.actors = append(f.actors, actor)
	return domain.RepositoryTransfer{TransferID: id, Status: domain.TransferStatusPending}, f.err
}

func run(t *testing.T, ops *fakeOps, args ...string) (string, error) {
	t.Helper()
	closed := false
	cmd := NewRootCommand(func(context.Context, string) (Operations, func(), error) {
		return ops, func() { closed = true }, nil
	})
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	if err == nil && !closed {
		t.Fatalf("backend was not closed")
	}
	return out.String(), err
}

func TestSweepCommands(t *testing.T) {
	ops := &fakeOps{}
	for _, name := range []string{"escrow", "offers", "transfers", "invitations"} {
		out, err := run(t, ops, "sweep", name)
		if err != nil {
			t.Fatalf("sweep %s: %v", name, err)
		}
		var report application.SweepReport
		if err := json.Unmarshal([]byte(out), &report); err != nil {
			t.Fatalf("decode report %q: %v", out, err)
		}
		if report.Scanned != 2 {
			t.Fatalf("unexpected report %+v", report)
		}
	}
	want := []string{
		"sweep:" + application.SweepEscrowReleases,
		"sweep:" + application.SweepExpiredOffers,
		"sweep:" + application.SweepPendingTransfers,
		"sweep:" + application.SweepInvitations,
	}
	if strings.Join(ops.calls, ",") != strings.Join(want, ",") {
		t.Fatalf("calls = %v", ops.calls)
	}
}

func TestUnknownSweep(t *testing.T) {
	if _, err := run(t, &fakeOps{}, "sweep", "payouts"); err == nil || !strings.Contains(err.Error(), "unknown sweep") {
		t.Fatalf("expected unknown sweep error, got %v", err)
	}
}

func TestManualActionsRunAsAdmin(t *testing.T) {
	ops := &fakeOps{}
	if _, err := run(t, ops, "escrow", "release", "tx-1", "--operator", "ops-alice", "--idempotency-key", "rel-1"); err != nil {
		t.Fatalf("release: %v", err)
	}
	if _, err := run(t, ops, "escrow", "refund", "tx-2", "--reason", "duplicate purchase"); err != nil {
		t.Fatalf("refund: %v", err)
	}
	if _, err := run(t, ops, "transfer", "reset", "rt-1"); err != nil {
		t.Fatalf("reset: %v", err)
	}

	if got := strings.Join(ops.calls, ","); got != "release:tx-1,refund:tx-2,reset:rt-1" {
		t.Fatalf("calls = %s", got)
	}
	for _, actor := range ops.actors {
		if actor.Role != application.RoleAdmin || actor.RequestID == "" {
			t.Fatalf("unexpected actor %+v", actor)
		}
	}
	if ops.actors[0].SubjectID != "ops-alice" || ops.actors[0].IdempotencyKey != "rel-1" {
		t.Fatalf("release actor = %+v", ops.actors[0])
	}
	if ops.reason != "duplicate purchase" {
		t.Fatalf("reason = %q", ops.reason)
	}
}

func TestRefundRequiresReason(t *testing.T) {
	ops := &fakeOps{}
	if _, err := run(t, ops, "escrow", "refund", "tx-2"); err == nil {
		t.Fatalf("expected missing --reason to fail")
	}
	if len(ops.calls) != 0 {
		t.Fatalf("refund should not reach the backend: %v", ops.calls)
	}
}

func TestServiceErrorsSurface(t *testing.T) {
	ops := &fakeOps{err: domain.ErrAlreadyReleased}
	_, err := run(t, ops, "escrow", "release", "tx-1")
	if !errors.Is(err, domain.ErrAlreadyReleased) {
		t.Fatalf("expected ErrAlreadyReleased, got %v", err)
	}
}
