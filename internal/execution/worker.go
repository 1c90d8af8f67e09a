// Package execution runs the gateway's background jobs on River.
package execution

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/riverqueue/river"

	"github.com/inaiurai/tokengate/internal/services"
)

type GrantPeriodArgs struct {
	PeriodKey string `json:"period_key"`
}

func (GrantPeriodArgs) Kind() string { return "grant_period" }

type ReconcileArgs struct{}

func (ReconcileArgs) Kind() string { return "reconcile_spends" }

// PeriodRunner is satisfied by services.GrantScheduler.
type PeriodRunner interface {
	RunPeriod(ctx context.Context, periodKey string) (int, error)
}

// Sweeper is satisfied by services.Reconciler.
type Sweeper interface {
	Sweep(ctx context.Context, olderThan time.Duration) (int, error)
}

type GrantWorker struct {
	river.WorkerDefaults[GrantPeriodArgs]
	grants PeriodRunner
	logger *slog.Logger
}

func NewGrantWorker(grants PeriodRunner, logger *slog.Logger) *GrantWorker {
	return &GrantWorker{grants: grants, logger: logger}
}

func (w *GrantWorker) Timeout(*river.Job[GrantPeriodArgs]) time.Duration { return 10 * time.Minute }

func (w *GrantWorker) Work(ctx context.Context, job *river.Job[GrantPeriodArgs]) error {
	key := job.Args.PeriodKey
	if err := services.ValidatePeriodKey(key); err != nil {
		// Retrying cannot fix a malformed key.
		return river.JobCancel(fmt.Errorf("period %q: %w", key, err))
	}
	n, err := w.grants.RunPeriod(ctx, key)
	if err != nil {
		return fmt.Errorf("grant period %s: %w", key, err)
	}
	w.logger.Info("grant job complete", "period_key", key, "granted", n)
	return nil
}

type ReconcileWorker struct {
	river.WorkerDefaults[ReconcileArgs]
	sweeper   Sweeper
	olderThan time.Duration
	logger    *slog.Logger
}

func NewReconcileWorker(sweeper Sweeper, olderThan time.Duration, logger *slog.Logger) *ReconcileWorker {
	return &ReconcileWorker{sweeper: sweeper, olderThan: olderThan, logger: logger}
}

func (w *ReconcileWorker) Timeout(*river.Job[ReconcileArgs]) time.Duration { return time.Minute }

func (w *ReconcileWorker) Work(ctx context.Context, _ *river.Job[ReconcileArgs]) error {
	n, err := w.sweeper.Sweep(ctx, w.olderThan)
	if err != nil {
		return fmt.Errorf("reconcile sweep: %w", err)
	}
	if n > 0 {
		w.logger.Info("reconcile job complete", "refunded", n)
	}
	return nil
}

// Register adds both workers to workers.
func Register(workers *river.Workers, grants PeriodRunner, sweeper Sweeper, reconcileAfter time.Duration, logger *slog.Logger) {
	river.AddWorker(workers, NewGrantWorker(grants, logger))
	river.AddWorker(workers, NewReconcileWorker(sweeper, reconcileAfter, logger))
}

// PeriodicJobs schedules the grant run hourly for the current UTC month and
// the reconcile sweep every minute. Re-running a period is harmless, so the
// hourly run also picks up accounts that became due since the last one.
func PeriodicJobs(now func() time.Time) []*river.PeriodicJob {
	return []*river.PeriodicJob{
		river.NewPeriodicJob(river.PeriodicInterval(time.Hour), grantJob(now), &river.PeriodicJobOpts{RunOnStart: true}),
		river.NewPeriodicJob(river.PeriodicInterval(time.Minute), reconcileJob, nil),
	}
}

func grantJob(now func() time.Time) river.PeriodicJobConstructor {
	return func() (river.JobArgs, *river.InsertOpts) {
		return GrantPeriodArgs{PeriodKey: services.PeriodKey(now())}, &river.InsertOpts{
			UniqueOpts: river.UniqueOpts{ByArgs: true, ByPeriod: time.Hour},
		}
	}
}

func reconcileJob() (river.JobArgs, *river.InsertOpts) {
	return ReconcileArgs{}, &river.InsertOpts{
		UniqueOpts: river.UniqueOpts{ByPeriod: time.Minute},
	}
}
