package scheduler

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	addondomain "github.com/smallbiznis/bolton/internal/addon/domain"
	catalogdomain "github.com/smallbiznis/bolton/internal/catalog/domain"
	"gorm.io/gorm"
)

// WorkInstance is the slim row the duties claim and act on.
type WorkInstance struct {
	ID               snowflake.ID
	TenantID         snowflake.ID
	AddOnCode        string
	Status           addondomain.InstanceStatus
	BillingCycle     catalogdomain.BillingCycle
	AutoRenew        bool
	TrialEndsAt      *time.Time
	ExpiresAt        *time.Time
	NextBillingDate  *time.Time
	NextRetryAt      *time.Time
	RemainingCredits int64
	AlertThreshold   int64
	FailedAttempts   int
}

const workInstanceColumns = `id, tenant_id, add_on_code, status, billing_cycle, auto_renew,
	trial_ends_at, expires_at, next_billing_date, next_retry_at,
	remaining_credits, alert_threshold, failed_attempts`

// claimInstances selects a batch inside a short transaction with
// FOR UPDATE SKIP LOCKED so concurrent scheduler replicas never claim the same
// rows. Claimed rows are processed after the claiming transaction commits;
// each duty re-locks the row for its own mutation.
func (s *Scheduler) claimInstances(ctx context.Context, where string, args []any, limit int) ([]WorkInstance, error) {
	claimCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	var instances []WorkInstance
	err := s.db.WithContext(claimCtx).Transaction(func(tx *gorm.DB) error {
		query := `SELECT ` + workInstanceColumns + `
			 FROM addon_instances
			 WHERE deleted_at IS NULL AND ` + where + `
			 ORDER BY id
			 FOR UPDATE SKIP LOCKED
			 LIMIT ?`
		return tx.WithContext(claimCtx).Raw(query, append(args, limit)...).Scan(&instances).Error
	})
	if err != nil {
		return nil, err
	}
	return instances, nil
}

func (s *Scheduler) claimDueRenewals(ctx context.Context, now time.Time, limit int) ([]WorkInstance, error) {
	return s.claimInstances(ctx,
		`status IN (?, ?) AND next_billing_date IS NOT NULL AND next_billing_date <= ? AND failed_attempts = 0`,
		[]any{addondomain.StatusActive, addondomain.StatusPendingPayment, now},
		limit,
	)
}

func (s *Scheduler) claimEndedTrials(ctx context.Context, now time.Time, limit int) ([]WorkInstance, error) {
	return s.claimInstances(ctx,
		`status = ? AND trial_ends_at IS NOT NULL AND trial_ends_at <= ?`,
		[]any{addondomain.StatusTrial, now},
		limit,
	)
}

func (s *Scheduler) claimLowBalances(ctx context.Context, limit int) ([]WorkInstance, error) {
	return s.claimInstances(ctx,
		`status IN (?, ?) AND billing_cycle = ? AND alert_threshold > 0
		   AND remaining_credits <= alert_threshold AND low_balance_alerted = ?`,
		[]any{addondomain.StatusActive, addondomain.StatusTrial, catalogdomain.BillingCycleUsageBased, false},
		limit,
	)
}

func (s *Scheduler) claimDueRetries(ctx context.Context, now time.Time, limit int) ([]WorkInstance, error) {
	return s.claimInstances(ctx,
		`status IN (?, ?) AND failed_attempts > 0 AND next_retry_at IS NOT NULL AND next_retry_at <= ?`,
		[]any{addondomain.StatusActive, addondomain.StatusPendingPayment, now},
		limit,
	)
}

func (s *Scheduler) claimLapsedInstances(ctx context.Context, now time.Time, limit int) ([]WorkInstance, error) {
	return s.claimInstances(ctx,
		`status IN (?, ?) AND expires_at IS NOT NULL AND expires_at <= ?`,
		[]any{addondomain.StatusActive, addondomain.StatusSuspended, now},
		limit,
	)
}

func (s *Scheduler) claimArchivable(ctx context.Context, cutoff time.Time, limit int) ([]WorkInstance, error) {
	return s.claimInstances(ctx,
		`status IN (?, ?) AND updated_at < ?`,
		[]any{addondomain.StatusCancelled, addondomain.StatusExpired, cutoff},
		limit,
	)
}
