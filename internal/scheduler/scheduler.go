// Package scheduler runs the recurring billing duties: due renewals, trial
// expiry, low-balance sweeps, payment retries, and archival.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	addondomain "github.com/smallbiznis/bolton/internal/addon/domain"
	"github.com/smallbiznis/bolton/internal/billing/processor"
	"github.com/smallbiznis/bolton/internal/clock"
	"github.com/smallbiznis/bolton/internal/config"
	"github.com/smallbiznis/bolton/internal/events"
	"github.com/smallbiznis/bolton/internal/notification"
	obsmetrics "github.com/smallbiznis/bolton/internal/observability/metrics"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	JobProcessRenewals = "process_renewals"
	JobTrialExpiry     = "trial_expiry"
	JobLowBalanceSweep = "low_balance_sweep"
	JobRetryFailed     = "retry_failed"
	JobArchive         = "archive"
)

var jobNames = []string{
	JobProcessRenewals,
	JobTrialExpiry,
	JobLowBalanceSweep,
	JobRetryFailed,
	JobArchive,
}

type Params struct {
	fx.In

	DB        *gorm.DB
	Log       *zap.Logger
	Clock     clock.Clock
	AddOnRepo addondomain.Repository
	AddOnSvc  addondomain.Service
	Processor *processor.Processor
	Outbox    *events.Outbox
	Notifier  notification.Notifier
	Policy    *config.BillingPolicyHolder
	Lease     *Lease `optional:"true"`
	Config    Config `optional:"true"`
}

type Scheduler struct {
	db        *gorm.DB
	log       *zap.Logger
	cfg       Config
	clock     clock.Clock
	addOnRepo addondomain.Repository
	addOnSvc  addondomain.Service
	processor *processor.Processor
	outbox    *events.Outbox
	notifier  notification.Notifier
	policy    *config.BillingPolicyHolder
	lease     *Lease

	inflight map[string]*atomic.Bool
}

func New(p Params) (*Scheduler, error) {
	if p.DB == nil || p.Log == nil || p.Clock == nil || p.AddOnRepo == nil || p.AddOnSvc == nil || p.Processor == nil || p.Outbox == nil || p.Notifier == nil || p.Policy == nil {
		return nil, ErrInvalidConfig
	}
	inflight := make(map[string]*atomic.Bool, len(jobNames))
	for _, name := range jobNames {
		inflight[name] = &atomic.Bool{}
	}
	return &Scheduler{
		db:        p.DB,
		log:       p.Log.Named("scheduler").With(zap.String("component", "scheduler")),
		cfg:       p.Config.withDefaults(),
		clock:     p.Clock,
		addOnRepo: p.AddOnRepo,
		addOnSvc:  p.AddOnSvc,
		processor: p.Processor,
		outbox:    p.Outbox,
		notifier:  p.Notifier,
		policy:    p.Policy,
		lease:     p.Lease,
		inflight:  inflight,
	}, nil
}

// runJob wraps a duty with single-flight overlap protection, a timeout, and
// metrics. A tick that arrives while the previous run of the same duty is
// still in flight is skipped, never queued.
func (s *Scheduler) runJob(parent context.Context, name string, fn func(ctx context.Context) error) error {
	schedMetrics := obsmetrics.Scheduler()
	flag := s.inflight[name]
	if flag == nil || !flag.CompareAndSwap(false, true) {
		schedMetrics.IncJobSkipped(name)
		s.log.Debug("tick skipped, previous run still in flight", zap.String("job", name))
		return nil
	}
	defer flag.Store(false)

	start := s.clock.Now()
	ctx, cancel := context.WithTimeout(parent, s.cfg.JobTimeout)
	defer cancel()

	schedMetrics.IncJobRun(name)
	err := fn(ctx)
	schedMetrics.ObserveJobDuration(name, s.clock.Now().Sub(start))
	if err == nil {
		return nil
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		schedMetrics.IncJobError(name, err)
		s.log.Warn("job timed out",
			zap.String("job", name),
			zap.Duration("timeout", s.cfg.JobTimeout),
			zap.Error(err),
		)
		return nil
	}

	schedMetrics.IncJobError(name, err)
	return fmt.Errorf("%s: %w", name, err)
}

// RunOnce executes every enabled duty once. A failing instance never stops the
// batch, and a failing duty never stops the remaining duties.
func (s *Scheduler) RunOnce(parent context.Context) error {
	var err error

	jobs := []struct {
		Name string
		Run  func(context.Context) error
	}{
		{JobProcessRenewals, s.ProcessDueRenewalsJob},
		{JobTrialExpiry, s.TrialExpiryJob},
		{JobLowBalanceSweep, s.LowBalanceSweepJob},
		{JobRetryFailed, s.RetryFailedJob},
		{JobArchive, s.ArchiveJob},
	}
	for _, job := range jobs {
		if !s.isJobEnabled(job.Name) {
			continue
		}
		err = errors.Join(err, s.runJob(parent, job.Name, job.Run))
	}
	return err
}

// RunForever ticks RunOnce on the configured interval until the context ends.
// With a lease configured, only the replica holding it runs the tick.
func (s *Scheduler) RunForever(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.RunInterval)
	defer ticker.Stop()
	nextRun := s.clock.Now().Add(s.cfg.RunInterval)
	schedMetrics := obsmetrics.Scheduler()

	for {
		runLag := time.Since(nextRun)
		if runLag > 0 {
			schedMetrics.ObserveRunLoopLag(runLag)
		}
		s.runTick(ctx)
		nextRun = nextRun.Add(s.cfg.RunInterval)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *Scheduler) runTick(ctx context.Context) {
	if s.lease != nil {
		token, ok, err := s.lease.TryAcquire(ctx)
		if err != nil {
			s.log.Warn("lease acquisition failed, running without it", zap.Error(err))
		} else if !ok {
			s.log.Debug("lease held elsewhere, skipping tick")
			return
		} else {
			defer func() {
				if err := s.lease.Release(ctx, token); err != nil {
					s.log.Warn("lease release failed", zap.Error(err))
				}
			}()
		}
	}
	if err := s.RunOnce(ctx); err != nil {
		s.log.Warn("scheduler run failed", zap.Error(err))
	}
}

func (s *Scheduler) isJobEnabled(jobName string) bool {
	if len(s.cfg.EnabledJobs) == 0 {
		return true
	}
	for _, enabled := range s.cfg.EnabledJobs {
		if strings.EqualFold(enabled, jobName) {
			return true
		}
	}
	return false
}

// ProcessDueRenewalsJob charges every instance whose next billing date has
// arrived and that is not already in a retry cycle.
func (s *Scheduler) ProcessDueRenewalsJob(ctx context.Context) error {
	return s.forEachClaimed(ctx, JobProcessRenewals, s.cfg.MaxRenewalBatch,
		func(ctx context.Context, limit int) ([]WorkInstance, error) {
			return s.claimDueRenewals(ctx, s.clock.Now(), limit)
		},
		func(ctx context.Context, instance WorkInstance) error {
			return s.processor.ProcessBilling(ctx, instance.ID)
		},
	)
}

// TrialExpiryJob resolves ended trials: auto-renew trials get a conversion
// charge, the rest are cancelled with a system reason.
func (s *Scheduler) TrialExpiryJob(ctx context.Context) error {
	return s.forEachClaimed(ctx, JobTrialExpiry, s.cfg.BatchSize,
		func(ctx context.Context, limit int) ([]WorkInstance, error) {
			return s.claimEndedTrials(ctx, s.clock.Now(), limit)
		},
		func(ctx context.Context, instance WorkInstance) error {
			if instance.AutoRenew {
				return s.processor.ProcessBilling(ctx, instance.ID)
			}
			if err := s.addOnSvc.Cancel(ctx, addondomain.CancelRequest{
				InstanceID: instance.ID.String(),
				Reason:     "trial_expired",
			}); err != nil {
				return err
			}
			s.notifier.Notify(ctx, instance.TenantID, events.EventTrialExpired, map[string]any{
				"add_on": instance.AddOnCode,
			})
			return nil
		},
	)
}

// LowBalanceSweepJob is the backstop for the inline metering alert: it catches
// instances whose balance crossed the threshold through any other write path.
// The conditional UPDATE keeps the once-per-episode guarantee under races.
func (s *Scheduler) LowBalanceSweepJob(ctx context.Context) error {
	return s.forEachClaimed(ctx, JobLowBalanceSweep, s.cfg.BatchSize,
		func(ctx context.Context, limit int) ([]WorkInstance, error) {
			return s.claimLowBalances(ctx, limit)
		},
		func(ctx context.Context, instance WorkInstance) error {
			now := s.clock.Now()
			var flagged bool
			err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
				result := tx.WithContext(ctx).Exec(
					`UPDATE addon_instances
					 SET low_balance_alerted = ?, low_balance_alert_at = ?, updated_at = ?
					 WHERE id = ? AND low_balance_alerted = ?`,
					true, now, now, instance.ID, false,
				)
				if result.Error != nil {
					return result.Error
				}
				if result.RowsAffected == 0 {
					return nil
				}
				flagged = true
				return s.outbox.PublishTx(ctx, tx, events.Event{
					TenantID: instance.TenantID,
					Type:     events.EventLowBalance,
					Payload: map[string]any{
						"instance_id": instance.ID.String(),
						"add_on":      instance.AddOnCode,
						"remaining":   instance.RemainingCredits,
						"threshold":   instance.AlertThreshold,
					},
					DedupeKey: "low_balance:" + instance.ID.String() + ":" + now.Format(time.RFC3339),
				})
			})
			if err != nil {
				return err
			}
			if flagged {
				s.notifier.Notify(ctx, instance.TenantID, events.EventLowBalance, map[string]any{
					"add_on":    instance.AddOnCode,
					"remaining": instance.RemainingCredits,
				})
			}
			return nil
		},
	)
}

// RetryFailedJob re-attempts charges whose backoff window has elapsed.
func (s *Scheduler) RetryFailedJob(ctx context.Context) error {
	return s.forEachClaimed(ctx, JobRetryFailed, s.cfg.MaxRetryBatch,
		func(ctx context.Context, limit int) ([]WorkInstance, error) {
			return s.claimDueRetries(ctx, s.clock.Now(), limit)
		},
		func(ctx context.Context, instance WorkInstance) error {
			return s.processor.ProcessBilling(ctx, instance.ID)
		},
	)
}

// ArchiveJob expires lapsed instances, then soft-deletes terminal records past
// the retention window. Billing history and transactions stay behind for
// audit.
func (s *Scheduler) ArchiveJob(ctx context.Context) error {
	expireErr := s.forEachClaimed(ctx, JobArchive, s.cfg.BatchSize,
		func(ctx context.Context, limit int) ([]WorkInstance, error) {
			return s.claimLapsedInstances(ctx, s.clock.Now(), limit)
		},
		func(ctx context.Context, instance WorkInstance) error {
			return s.addOnSvc.Expire(ctx, instance.ID.String())
		},
	)

	retention := s.policy.Get().RetentionDays
	cutoff := s.clock.Now().AddDate(0, 0, -retention)
	archiveErr := s.forEachClaimed(ctx, JobArchive, s.cfg.MaxArchiveBatch,
		func(ctx context.Context, limit int) ([]WorkInstance, error) {
			return s.claimArchivable(ctx, cutoff, limit)
		},
		func(ctx context.Context, instance WorkInstance) error {
			return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
				if err := s.addOnRepo.Archive(ctx, tx, instance.ID); err != nil {
					return err
				}
				return s.outbox.PublishTx(ctx, tx, events.Event{
					TenantID: instance.TenantID,
					Type:     events.EventArchived,
					Payload: map[string]any{
						"instance_id": instance.ID.String(),
						"add_on":      instance.AddOnCode,
						"status":      string(instance.Status),
					},
					DedupeKey: "archive:" + instance.ID.String(),
				})
			})
		},
	)

	return errors.Join(expireErr, archiveErr)
}

// forEachClaimed drains claim batches, isolating per-instance failures so one
// bad row never blocks the rest of the batch.
func (s *Scheduler) forEachClaimed(
	ctx context.Context,
	job string,
	limit int,
	claim func(ctx context.Context, limit int) ([]WorkInstance, error),
	handle func(ctx context.Context, instance WorkInstance) error,
) error {
	schedMetrics := obsmetrics.Scheduler()
	seen := make(map[int64]struct{})
	var jobErr error

	for {
		if ctx.Err() != nil {
			return errors.Join(jobErr, ctx.Err())
		}
		batch, err := claim(ctx, limit)
		if err != nil {
			return errors.Join(jobErr, err)
		}
		if len(batch) == 0 {
			return jobErr
		}

		processed := 0
		for _, instance := range batch {
			if ctx.Err() != nil {
				jobErr = errors.Join(jobErr, ctx.Err())
				break
			}
			// An instance resurfacing in a later batch of the same run means
			// its handler left it claimable (for example a charge awaiting
			// gateway confirmation); touching it again would double-process.
			if _, dup := seen[int64(instance.ID)]; dup {
				continue
			}
			seen[int64(instance.ID)] = struct{}{}
			if err := handle(ctx, instance); err != nil {
				jobErr = errors.Join(jobErr, err)
				s.log.Warn("instance processing failed",
					zap.String("job", job),
					zap.String("instance_id", instance.ID.String()),
					zap.String("tenant_id", instance.TenantID.String()),
					zap.Error(err),
				)
				continue
			}
			processed++
		}
		schedMetrics.AddBatchProcessed(job, processed)

		// A partial batch means the claimable set is drained. A batch with no
		// progress means the handlers are failing; stop instead of re-claiming
		// the same rows until the timeout.
		if len(batch) < limit || processed == 0 {
			return jobErr
		}
	}
}
