package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Lerfilm/opendrama-sub002/models"
	"github.com/Lerfilm/opendrama-sub002/pricing"
	"gorm.io/gorm"
)

// Service owns every coin mutation. All operations run as single
// database transactions with conditional UPDATEs, so concurrent
// requests for the same user serialize through the balance row and
// check-then-write is never split across round trips.
type Service struct {
	DB *gorm.DB
}

func NewService(db *gorm.DB) *Service {
	return &Service{DB: db}
}

// GetBalance returns the user's balance row, creating a zeroed one
// lazily on first access.
func (s *Service) GetBalance(ctx context.Context, userID uint) (*models.UserBalance, error) {
	var bal models.UserBalance
	err := s.DB.WithContext(ctx).
		Where(models.UserBalance{UserID: userID}).
		FirstOrCreate(&bal).Error
	if err != nil {
		return nil, err
	}
	return &bal, nil
}

// Credit adds coins to a user's balance. The reference is a unique
// idempotency key (Stripe session ID, webhook event ID): replaying the
// same reference returns ErrDuplicateTransaction and credits nothing.
func (s *Service) Credit(ctx context.Context, userID uint, coins int64, txType, reference, description string) error {
	if coins <= 0 {
		return fmt.Errorf("ledger: credit amount must be positive, got %d", coins)
	}

	return s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var bal models.UserBalance
		if err := tx.Where(models.UserBalance{UserID: userID}).FirstOrCreate(&bal).Error; err != nil {
			return err
		}

		if err := tx.Model(&models.UserBalance{}).
			Where("user_id = ?", userID).
			UpdateColumn("balance", gorm.Expr("balance + ?", coins)).Error; err != nil {
			return err
		}

		if err := tx.Where("user_id = ?", userID).First(&bal).Error; err != nil {
			return err
		}

		entry := models.CoinTransaction{
			UserID:       userID,
			Type:         txType,
			Amount:       coins,
			BalanceAfter: bal.Balance,
			Reference:    reference,
			Description:  description,
		}
		if err := tx.Create(&entry).Error; err != nil {
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				return ErrDuplicateTransaction
			}
			return err
		}
		return nil
	})
}

// Reserve earmarks coins for a pending job: if balance - reserved >=
// cost, reserved grows by cost and the job moves pending -> reserved,
// all in one transaction. Otherwise ErrInsufficientFunds and nothing
// changes. The cost is re-derived from the job's own parameters, so
// submission and audit always agree.
func (s *Service) Reserve(ctx context.Context, jobID uint) (int64, error) {
	var cost int64

	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var job models.GenerationJob
		if err := tx.First(&job, jobID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrJobNotFound
			}
			return err
		}

		if job.Status != models.JobStatusPending {
			return ErrAlreadyTerminal
		}

		cost = pricing.EstimateSegmentCost(job.DurationSec, job.Model, job.Resolution)

		// Balance row is created lazily; a brand new user reserves
		// against zero and fails closed.
		var bal models.UserBalance
		if err := tx.Where(models.UserBalance{UserID: job.UserID}).FirstOrCreate(&bal).Error; err != nil {
			return err
		}

		res := tx.Model(&models.UserBalance{}).
			Where("user_id = ? AND balance - reserved >= ?", job.UserID, cost).
			UpdateColumn("reserved", gorm.Expr("reserved + ?", cost))
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrInsufficientFunds
		}

		// Status guard in the WHERE clause: a concurrent reservation of
		// the same job loses here and the whole transaction, including
		// the reserved increment, rolls back.
		res = tx.Model(&models.GenerationJob{}).
			Where("id = ? AND status = ?", jobID, models.JobStatusPending).
			Updates(map[string]interface{}{
				"status":        models.JobStatusReserved,
				"reserved_cost": cost,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrAlreadyTerminal
		}
		return nil
	})

	if err != nil {
		return 0, err
	}
	return cost, nil
}

// Advance moves a job through the provider-side progress states
// (reserved -> submitted -> generating). No balance change; the
// transition table rejects anything else.
func (s *Service) Advance(ctx context.Context, jobID uint, next models.JobStatus, providerRef string) error {
	return s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var job models.GenerationJob
		if err := tx.First(&job, jobID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrJobNotFound
			}
			return err
		}

		if next != models.JobStatusSubmitted && next != models.JobStatusGenerating {
			return ErrInvalidTransition
		}
		if !job.Status.CanTransition(next) {
			return ErrInvalidTransition
		}

		updates := map[string]interface{}{"status": next}
		if providerRef != "" {
			updates["provider_ref"] = providerRef
		}
		res := tx.Model(&models.GenerationJob{}).
			Where("id = ? AND status = ?", jobID, job.Status).
			Updates(updates)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrInvalidTransition
		}
		return nil
	})
}

// Charge converts the job's reservation into a permanent deduction:
// balance and reserved both drop by the reserved cost in the same
// transaction, and TokenCost is recorded on the job. Idempotent — a
// duplicate callback finds the job already done and is a no-op.
func (s *Service) Charge(ctx context.Context, jobID uint, videoURL, thumbnailURL string) error {
	return s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var job models.GenerationJob
		if err := tx.First(&job, jobID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrJobNotFound
			}
			return err
		}

		if job.Status == models.JobStatusDone {
			return nil // duplicate callback, already charged
		}
		if !job.Status.HoldsReservation() {
			return ErrInvalidTransition
		}

		cost := job.ReservedCost

		// The status condition is the idempotency guard: under
		// concurrent duplicate callbacks exactly one UPDATE matches.
		res := tx.Model(&models.GenerationJob{}).
			Where("id = ? AND status IN ?", jobID, []models.JobStatus{
				models.JobStatusReserved, models.JobStatusSubmitted, models.JobStatusGenerating,
			}).
			Updates(map[string]interface{}{
				"status":        models.JobStatusDone,
				"token_cost":    cost,
				"video_url":     videoURL,
				"thumbnail_url": thumbnailURL,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return nil // lost the race to another charge
		}

		if err := tx.Model(&models.UserBalance{}).
			Where("user_id = ?", job.UserID).
			UpdateColumns(map[string]interface{}{
				"balance":  gorm.Expr("balance - ?", cost),
				"reserved": gorm.Expr("reserved - ?", cost),
			}).Error; err != nil {
			return err
		}

		var bal models.UserBalance
		if err := tx.Where("user_id = ?", job.UserID).First(&bal).Error; err != nil {
			return err
		}

		entry := models.CoinTransaction{
			UserID:       job.UserID,
			Type:         models.TxTypeCharge,
			Amount:       -cost,
			BalanceAfter: bal.Balance,
			Reference:    fmt.Sprintf("job:%d:charge", jobID),
			Description:  fmt.Sprintf("generation job %d (%s %s)", jobID, job.Model, job.Resolution),
		}
		if err := tx.Create(&entry).Error; err != nil {
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				return ErrDuplicateTransaction
			}
			return err
		}
		return nil
	})
}

// Release returns the job's reserved coins to the available balance:
// reserved drops by the reserved cost, balance is untouched, and the
// job terminates in failed with the error message. Idempotent against
// double release.
func (s *Service) Release(ctx context.Context, jobID uint, errMsg string) error {
	return s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var job models.GenerationJob
		if err := tx.First(&job, jobID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrJobNotFound
			}
			return err
		}

		if job.Status == models.JobStatusFailed {
			return nil // already released
		}
		if job.Status == models.JobStatusDone {
			return ErrAlreadyTerminal
		}
		if !job.Status.HoldsReservation() {
			return ErrInvalidTransition
		}

		cost := job.ReservedCost

		res := tx.Model(&models.GenerationJob{}).
			Where("id = ? AND status IN ?", jobID, []models.JobStatus{
				models.JobStatusReserved, models.JobStatusSubmitted, models.JobStatusGenerating,
			}).
			Updates(map[string]interface{}{
				"status":        models.JobStatusFailed,
				"error_message": errMsg,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return nil // lost the race to another terminal transition
		}

		return tx.Model(&models.UserBalance{}).
			Where("user_id = ?", job.UserID).
			UpdateColumn("reserved", gorm.Expr("reserved - ?", cost)).Error
	})
}

// CancelReservation is the inverse of Reserve, used when a batch
// submission aborts before anything reaches the provider: the hold is
// returned and the job goes back to pending as if never reserved. Only
// valid while the job is still in reserved; once submitted, failures
// go through Release instead.
func (s *Service) CancelReservation(ctx context.Context, jobID uint) error {
	return s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var job models.GenerationJob
		if err := tx.First(&job, jobID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrJobNotFound
			}
			return err
		}

		if job.Status == models.JobStatusPending {
			return nil // nothing held
		}
		if job.Status != models.JobStatusReserved {
			return ErrInvalidTransition
		}

		cost := job.ReservedCost

		res := tx.Model(&models.GenerationJob{}).
			Where("id = ? AND status = ?", jobID, models.JobStatusReserved).
			Updates(map[string]interface{}{
				"status":        models.JobStatusPending,
				"reserved_cost": 0,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrInvalidTransition
		}

		return tx.Model(&models.UserBalance{}).
			Where("user_id = ?", job.UserID).
			UpdateColumn("reserved", gorm.Expr("reserved - ?", cost)).Error
	})
}

// ReleaseStale releases reservations held by jobs that have made no
// progress since the cutoff. Episode segments render serially, so a
// reserved tail segment legitimately ages while an earlier sibling is
// still submitted or generating; those are skipped and only swept once
// the episode has no active segment left (the chain died). Returns how
// many jobs were released.
func (s *Service) ReleaseStale(ctx context.Context, cutoff time.Time) (int, error) {
	var jobs []models.GenerationJob
	err := s.DB.WithContext(ctx).
		Where("status IN ? AND updated_at < ?",
			[]models.JobStatus{models.JobStatusReserved, models.JobStatusSubmitted, models.JobStatusGenerating},
			cutoff).
		Find(&jobs).Error
	if err != nil {
		return 0, err
	}

	released := 0
	for _, job := range jobs {
		if job.Status == models.JobStatusReserved && job.EpisodeID != 0 {
			var active int64
			err := s.DB.WithContext(ctx).Model(&models.GenerationJob{}).
				Where("episode_id = ? AND status IN ?", job.EpisodeID,
					[]models.JobStatus{models.JobStatusSubmitted, models.JobStatusGenerating}).
				Count(&active).Error
			if err != nil {
				return released, err
			}
			if active > 0 {
				continue // episode still progressing, hold is legitimate
			}
		}

		if err := s.Release(ctx, job.ID, "generation timed out"); err != nil {
			return released, err
		}
		released++
	}
	return released, nil
}

// Retry resets a failed job to pending and takes a fresh reservation.
// The old reservation is gone (released at failure time), so this is a
// brand new pending -> reserved attempt.
func (s *Service) Retry(ctx context.Context, jobID uint) (int64, error) {
	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&models.GenerationJob{}).
			Where("id = ? AND status = ?", jobID, models.JobStatusFailed).
			Updates(map[string]interface{}{
				"status":        models.JobStatusPending,
				"reserved_cost": 0,
				"error_message": "",
				"provider_ref":  "",
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrAlreadyTerminal
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	return s.Reserve(ctx, jobID)
}
