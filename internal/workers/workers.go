package workers

import (
	"context"
	"time"

	"github.com/riverqueue/river"

	"github.com/cambista/ledger/internal/reconcile"
	"github.com/cambista/ledger/internal/sweep"
)

// Job args. All three jobs are parameterless ticks; the schedule is the
// only input.

type ReconcileArgs struct{}

func (ReconcileArgs) Kind() string { return "bankfeed_reconcile" }

type StalePendingArgs struct{}

func (StalePendingArgs) Kind() string { return "stale_pending_sweep" }

type EscrowReleaseArgs struct{}

func (EscrowReleaseArgs) Kind() string { return "escrow_release_sweep" }

// ReconcileWorker runs one reconciliation pass per job.
type ReconcileWorker struct {
	river.WorkerDefaults[ReconcileArgs]
	reconciler *reconcile.Reconciler
}

func NewReconcileWorker(r *reconcile.Reconciler) *ReconcileWorker {
	return &ReconcileWorker{reconciler: r}
}

func (w *ReconcileWorker) Work(ctx context.Context, job *river.Job[ReconcileArgs]) error {
	return w.reconciler.RunOnce(ctx)
}

// StalePendingWorker fails PENDING BANK transactions past their deadline.
type StalePendingWorker struct {
	river.WorkerDefaults[StalePendingArgs]
	sweeper *sweep.Sweeper
}

func NewStalePendingWorker(s *sweep.Sweeper) *StalePendingWorker {
	return &StalePendingWorker{sweeper: s}
}

func (w *StalePendingWorker) Work(ctx context.Context, job *river.Job[StalePendingArgs]) error {
	return w.sweeper.FailStalePending(ctx)
}

// EscrowReleaseWorker force-releases matches stuck PENDING past a day.
type EscrowReleaseWorker struct {
	river.WorkerDefaults[EscrowReleaseArgs]
	sweeper *sweep.Sweeper
}

func NewEscrowReleaseWorker(s *sweep.Sweeper) *EscrowReleaseWorker {
	return &EscrowReleaseWorker{sweeper: s}
}

func (w *EscrowReleaseWorker) Work(ctx context.Context, job *river.Job[EscrowReleaseArgs]) error {
	return w.sweeper.ReleaseStuckEscrow(ctx)
}

// PeriodicJobs builds the fixed schedule for the three background loops.
// Overlapping runs are safe: every effect sits behind row locks, conditional
// updates and the external_ref unique index.
func PeriodicJobs(reconcileEvery, staleSweepEvery, escrowSweepEvery time.Duration) []*river.PeriodicJob {
	return []*river.PeriodicJob{
		river.NewPeriodicJob(
			river.PeriodicInterval(reconcileEvery),
			func() (river.JobArgs, *river.InsertOpts) { return ReconcileArgs{}, nil },
			&river.PeriodicJobOpts{RunOnStart: true},
		),
		river.NewPeriodicJob(
			river.PeriodicInterval(staleSweepEvery),
			func() (river.JobArgs, *river.InsertOpts) { return StalePendingArgs{}, nil },
			nil,
		),
		river.NewPeriodicJob(
			river.PeriodicInterval(escrowSweepEvery),
			func() (river.JobArgs, *river.InsertOpts) { return EscrowReleaseArgs{}, nil },
			nil,
		),
	}
}
