package events

import (
	"context"
	"log/slog"
	"time"

	"github.com/codesalvage/transaction-escrow-service/internal/application"
)

// SweepJob is one periodic maintenance pass.
type SweepJob struct {
	Name     string
	Interval time.Duration
	Run      func(ctx context.Context) (application.SweepReport, error)
}

// SweepWorker runs each job on its own ticker until the context ends.
type SweepWorker struct {
	logger *slog.Logger
	jobs   []SweepJob
}

func NewSweepWorker(logger *slog.Logger, jobs ...SweepJob) *SweepWorker {
	return &SweepWorker{logger: logger, jobs: jobs}
}

// SweepJobs wires the service's sweeps to their configured intervals.
func SweepJobs(svc *application.Service, escrow, offers, transfers, invitations time.Duration) []SweepJob {
	return []SweepJob{
		{Name: application.SweepEscrowReleases, Interval: escrow, Run: svc.SweepEscrowReleases},
		{Name: application.SweepExpiredOffers, Interval: offers, Run: svc.SweepExpiredOffers},
		{Name: application.SweepPendingTransfers, Interval: transfers, Run: svc.SweepPendingTransfers},
		{Name: application.SweepInvitations, Interval: invitations, Run: svc.PollInvitations},
	}
}

func (w *SweepWorker) Run(ctx context.Context) error {
	done := make(chan struct{}, len(w.jobs))
	for _, job := range w.jobs {
		go func(job SweepJob) {
			defer func() { done <- struct{}{} }()
			w.loop(ctx, job)
		}(job)
	}
	for range w.jobs {
		<-done
	}
	return ctx.Err()
}

func (w *SweepWorker) loop(ctx context.Context, job SweepJob) {
	interval := job.Interval
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if _, err := job.Run(ctx); err != nil && ctx.Err() == nil {
			w.logger.ErrorContext(ctx, "sweep iteration failed",
				"module", "events.sweep_worker",
				"layer", "adapter",
				"operation", job.Name,
				"outcome", "failure",
				"error", err,
			)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
