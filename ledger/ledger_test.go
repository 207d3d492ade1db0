package ledger

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/Lerfilm/opendrama-sub002/models"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("get sql db: %v", err)
	}
	// In-memory sqlite is per-connection; keep a single one.
	sqlDB.SetMaxOpenConns(1)

	err = db.AutoMigrate(
		&models.User{},
		&models.UserBalance{},
		&models.CoinTransaction{},
		&models.Series{},
		&models.Episode{},
		&models.EpisodeUnlock{},
		&models.GenerationJob{},
		&models.Rehearsal{},
	)
	if err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

func seedBalance(t *testing.T, db *gorm.DB, userID uint, balance, reserved int64) {
	t.Helper()
	bal := models.UserBalance{UserID: userID, Balance: balance, Reserved: reserved}
	if err := db.Create(&bal).Error; err != nil {
		t.Fatalf("seed balance: %v", err)
	}
}

// seedJob creates a pending 10s seedance-1.0-lite 720p job, which
// prices at 10s * 5c/s * 2 / 100 = 1 coin.
func seedJob(t *testing.T, db *gorm.DB, userID uint, durationSec float64) *models.GenerationJob {
	t.Helper()
	job := models.GenerationJob{
		UserID:      userID,
		EpisodeID:   1,
		Model:       "seedance-1.0-lite",
		Resolution:  "720p",
		DurationSec: durationSec,
		Prompt:      "a rooftop chase at dusk",
		Status:      models.JobStatusPending,
	}
	if err := db.Create(&job).Error; err != nil {
		t.Fatalf("seed job: %v", err)
	}
	return &job
}

func getBalance(t *testing.T, db *gorm.DB, userID uint) models.UserBalance {
	t.Helper()
	var bal models.UserBalance
	if err := db.Where("user_id = ?", userID).First(&bal).Error; err != nil {
		t.Fatalf("load balance: %v", err)
	}
	return bal
}

func getJob(t *testing.T, db *gorm.DB, jobID uint) models.GenerationJob {
	t.Helper()
	var job models.GenerationJob
	if err := db.First(&job, jobID).Error; err != nil {
		t.Fatalf("load job: %v", err)
	}
	return job
}

func TestReserveThenCharge(t *testing.T) {
	db := newTestDB(t)
	svc := NewService(db)
	ctx := context.Background()

	seedBalance(t, db, 1, 100, 0)
	// 400s * 5c/s * 2 = 4000 cents = 40 coins
	job := seedJob(t, db, 1, 400)

	cost, err := svc.Reserve(ctx, job.ID)
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	if cost != 40 {
		t.Fatalf("cost = %d, want 40", cost)
	}

	bal := getBalance(t, db, 1)
	if bal.Balance != 100 || bal.Reserved != 40 {
		t.Fatalf("after reserve: balance=%d reserved=%d, want 100/40", bal.Balance, bal.Reserved)
	}
	if got := getJob(t, db, job.ID); got.Status != models.JobStatusReserved {
		t.Fatalf("job status = %s, want reserved", got.Status)
	}

	if err := svc.Charge(ctx, job.ID, "https://cdn.example.com/v.mp4", ""); err != nil {
		t.Fatalf("Charge: %v", err)
	}

	bal = getBalance(t, db, 1)
	if bal.Balance != 60 || bal.Reserved != 0 {
		t.Fatalf("after charge: balance=%d reserved=%d, want 60/0", bal.Balance, bal.Reserved)
	}
	done := getJob(t, db, job.ID)
	if done.Status != models.JobStatusDone {
		t.Fatalf("job status = %s, want done", done.Status)
	}
	if done.TokenCost == nil || *done.TokenCost != 40 {
		t.Fatalf("token cost = %v, want 40", done.TokenCost)
	}
	if done.VideoURL != "https://cdn.example.com/v.mp4" {
		t.Fatalf("video url not recorded: %q", done.VideoURL)
	}
}

func TestReserveThenRelease(t *testing.T) {
	db := newTestDB(t)
	svc := NewService(db)
	ctx := context.Background()

	seedBalance(t, db, 1, 100, 0)
	job := seedJob(t, db, 1, 400) // 40 coins

	if _, err := svc.Reserve(ctx, job.ID); err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	if err := svc.Release(ctx, job.ID, "provider timeout"); err != nil {
		t.Fatalf("Release: %v", err)
	}

	bal := getBalance(t, db, 1)
	if bal.Balance != 100 || bal.Reserved != 0 {
		t.Fatalf("after release: balance=%d reserved=%d, want 100/0", bal.Balance, bal.Reserved)
	}
	failed := getJob(t, db, job.ID)
	if failed.Status != models.JobStatusFailed {
		t.Fatalf("job status = %s, want failed", failed.Status)
	}
	if failed.TokenCost != nil {
		t.Fatalf("failed job must not have a token cost, got %d", *failed.TokenCost)
	}
	if failed.ErrorMessage != "provider timeout" {
		t.Fatalf("error message = %q", failed.ErrorMessage)
	}
}

func TestReserveInsufficientFunds(t *testing.T) {
	db := newTestDB(t)
	svc := NewService(db)
	ctx := context.Background()

	seedBalance(t, db, 1, 30, 0)
	job := seedJob(t, db, 1, 400) // 40 coins

	_, err := svc.Reserve(ctx, job.ID)
	if !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("err = %v, want ErrInsufficientFunds", err)
	}

	bal := getBalance(t, db, 1)
	if bal.Balance != 30 || bal.Reserved != 0 {
		t.Fatalf("balance mutated on failed reserve: %d/%d", bal.Balance, bal.Reserved)
	}
	if got := getJob(t, db, job.ID); got.Status != models.JobStatusPending {
		t.Fatalf("job left pending state on failed reserve: %s", got.Status)
	}
}

func TestReserveAgainstAvailableNotBalance(t *testing.T) {
	db := newTestDB(t)
	svc := NewService(db)
	ctx := context.Background()

	// balance 50, reserved 20 -> available 30, a 40-coin job must fail.
	seedBalance(t, db, 1, 50, 20)
	job := seedJob(t, db, 1, 400)

	if _, err := svc.Reserve(ctx, job.ID); !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("err = %v, want ErrInsufficientFunds", err)
	}
	bal := getBalance(t, db, 1)
	if bal.Balance != 50 || bal.Reserved != 20 {
		t.Fatalf("balance mutated: %d/%d", bal.Balance, bal.Reserved)
	}
}

func TestChargeIdempotent(t *testing.T) {
	db := newTestDB(t)
	svc := NewService(db)
	ctx := context.Background()

	seedBalance(t, db, 1, 100, 0)
	job := seedJob(t, db, 1, 400)

	if _, err := svc.Reserve(ctx, job.ID); err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	if err := svc.Charge(ctx, job.ID, "url", ""); err != nil {
		t.Fatalf("first Charge: %v", err)
	}
	if err := svc.Charge(ctx, job.ID, "url", ""); err != nil {
		t.Fatalf("second Charge must be a no-op, got %v", err)
	}

	bal := getBalance(t, db, 1)
	if bal.Balance != 60 || bal.Reserved != 0 {
		t.Fatalf("double charge: balance=%d reserved=%d, want 60/0", bal.Balance, bal.Reserved)
	}

	var entries int64
	db.Model(&models.CoinTransaction{}).Where("user_id = ?", 1).Count(&entries)
	if entries != 1 {
		t.Fatalf("expected exactly one charge entry, got %d", entries)
	}
}

func TestReleaseIdempotent(t *testing.T) {
	db := newTestDB(t)
	svc := NewService(db)
	ctx := context.Background()

	seedBalance(t, db, 1, 100, 0)
	job := seedJob(t, db, 1, 400)

	if _, err := svc.Reserve(ctx, job.ID); err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	if err := svc.Release(ctx, job.ID, "boom"); err != nil {
		t.Fatalf("first Release: %v", err)
	}
	if err := svc.Release(ctx, job.ID, "boom again"); err != nil {
		t.Fatalf("second Release must be a no-op, got %v", err)
	}

	bal := getBalance(t, db, 1)
	if bal.Balance != 100 || bal.Reserved != 0 {
		t.Fatalf("double release: balance=%d reserved=%d, want 100/0", bal.Balance, bal.Reserved)
	}
}

func TestChargeAfterReleaseRejected(t *testing.T) {
	db := newTestDB(t)
	svc := NewService(db)
	ctx := context.Background()

	seedBalance(t, db, 1, 100, 0)
	job := seedJob(t, db, 1, 400)

	if _, err := svc.Reserve(ctx, job.ID); err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	if err := svc.Release(ctx, job.ID, "boom"); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if err := svc.Charge(ctx, job.ID, "url", ""); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("charge of a failed job: err = %v, want ErrInvalidTransition", err)
	}
}

func TestReleaseOfDoneJobRejected(t *testing.T) {
	db := newTestDB(t)
	svc := NewService(db)
	ctx := context.Background()

	seedBalance(t, db, 1, 100, 0)
	job := seedJob(t, db, 1, 400)

	if _, err := svc.Reserve(ctx, job.ID); err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	if err := svc.Charge(ctx, job.ID, "url", ""); err != nil {
		t.Fatalf("Charge: %v", err)
	}
	if err := svc.Release(ctx, job.ID, "late failure"); !errors.Is(err, ErrAlreadyTerminal) {
		t.Fatalf("release of a done job: err = %v, want ErrAlreadyTerminal", err)
	}
}

func TestCancelReservation(t *testing.T) {
	db := newTestDB(t)
	svc := NewService(db)
	ctx := context.Background()

	seedBalance(t, db, 1, 100, 0)
	job := seedJob(t, db, 1, 400)

	if _, err := svc.Reserve(ctx, job.ID); err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	if err := svc.CancelReservation(ctx, job.ID); err != nil {
		t.Fatalf("CancelReservation: %v", err)
	}

	bal := getBalance(t, db, 1)
	if bal.Balance != 100 || bal.Reserved != 0 {
		t.Fatalf("after cancel: balance=%d reserved=%d, want 100/0", bal.Balance, bal.Reserved)
	}
	got := getJob(t, db, job.ID)
	if got.Status != models.JobStatusPending {
		t.Fatalf("job status = %s, want pending", got.Status)
	}
	if got.ReservedCost != 0 {
		t.Fatalf("reserved cost = %d, want 0", got.ReservedCost)
	}

	// cancel of a pending job is a no-op
	if err := svc.CancelReservation(ctx, job.ID); err != nil {
		t.Fatalf("second cancel: %v", err)
	}
	// cancel after submission is not allowed
	if _, err := svc.Reserve(ctx, job.ID); err != nil {
		t.Fatalf("re-reserve: %v", err)
	}
	if err := svc.Advance(ctx, job.ID, models.JobStatusSubmitted, "p-1"); err != nil {
		t.Fatalf("advance: %v", err)
	}
	if err := svc.CancelReservation(ctx, job.ID); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("cancel of submitted job: err = %v, want ErrInvalidTransition", err)
	}
}

func TestRetryAfterFailure(t *testing.T) {
	db := newTestDB(t)
	svc := NewService(db)
	ctx := context.Background()

	seedBalance(t, db, 1, 100, 0)
	job := seedJob(t, db, 1, 400)

	if _, err := svc.Reserve(ctx, job.ID); err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	if err := svc.Release(ctx, job.ID, "boom"); err != nil {
		t.Fatalf("Release: %v", err)
	}

	cost, err := svc.Retry(ctx, job.ID)
	if err != nil {
		t.Fatalf("Retry: %v", err)
	}
	if cost != 40 {
		t.Fatalf("retry cost = %d, want 40", cost)
	}

	bal := getBalance(t, db, 1)
	if bal.Balance != 100 || bal.Reserved != 40 {
		t.Fatalf("after retry: balance=%d reserved=%d, want 100/40", bal.Balance, bal.Reserved)
	}
	got := getJob(t, db, job.ID)
	if got.Status != models.JobStatusReserved {
		t.Fatalf("job status = %s, want reserved", got.Status)
	}
	if got.ErrorMessage != "" {
		t.Fatalf("retry must clear the error message, got %q", got.ErrorMessage)
	}
}

func TestRetryOfDoneJobRejected(t *testing.T) {
	db := newTestDB(t)
	svc := NewService(db)
	ctx := context.Background()

	seedBalance(t, db, 1, 100, 0)
	job := seedJob(t, db, 1, 400)

	if _, err := svc.Reserve(ctx, job.ID); err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	if err := svc.Charge(ctx, job.ID, "url", ""); err != nil {
		t.Fatalf("Charge: %v", err)
	}
	if _, err := svc.Retry(ctx, job.ID); !errors.Is(err, ErrAlreadyTerminal) {
		t.Fatalf("retry of a done job: err = %v, want ErrAlreadyTerminal", err)
	}
}

func TestAdvanceTransitions(t *testing.T) {
	db := newTestDB(t)
	svc := NewService(db)
	ctx := context.Background()

	seedBalance(t, db, 1, 100, 0)
	job := seedJob(t, db, 1, 400)

	// submitted before reserved is not allowed
	if err := svc.Advance(ctx, job.ID, models.JobStatusSubmitted, "p-1"); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("advance of a pending job: err = %v, want ErrInvalidTransition", err)
	}

	if _, err := svc.Reserve(ctx, job.ID); err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	if err := svc.Advance(ctx, job.ID, models.JobStatusSubmitted, "p-1"); err != nil {
		t.Fatalf("advance to submitted: %v", err)
	}
	if err := svc.Advance(ctx, job.ID, models.JobStatusGenerating, ""); err != nil {
		t.Fatalf("advance to generating: %v", err)
	}

	// done is not reachable through Advance
	if err := svc.Advance(ctx, job.ID, models.JobStatusDone, ""); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("advance to done: err = %v, want ErrInvalidTransition", err)
	}

	got := getJob(t, db, job.ID)
	if got.ProviderRef != "p-1" {
		t.Fatalf("provider ref = %q, want p-1", got.ProviderRef)
	}

	// charge still works from generating
	if err := svc.Charge(ctx, job.ID, "url", ""); err != nil {
		t.Fatalf("Charge from generating: %v", err)
	}
	bal := getBalance(t, db, 1)
	if bal.Balance != 60 || bal.Reserved != 0 {
		t.Fatalf("after charge: balance=%d reserved=%d, want 60/0", bal.Balance, bal.Reserved)
	}
}

func TestCreditLazyBalanceCreation(t *testing.T) {
	db := newTestDB(t)
	svc := NewService(db)
	ctx := context.Background()

	if err := svc.Credit(ctx, 7, 500, models.TxTypeRecharge, "cs_test_123", "coin pack"); err != nil {
		t.Fatalf("Credit: %v", err)
	}

	bal := getBalance(t, db, 7)
	if bal.Balance != 500 || bal.Reserved != 0 {
		t.Fatalf("balance = %d/%d, want 500/0", bal.Balance, bal.Reserved)
	}
}

func TestCreditDuplicateReference(t *testing.T) {
	db := newTestDB(t)
	svc := NewService(db)
	ctx := context.Background()

	if err := svc.Credit(ctx, 7, 500, models.TxTypeRecharge, "cs_test_123", "coin pack"); err != nil {
		t.Fatalf("first Credit: %v", err)
	}
	err := svc.Credit(ctx, 7, 500, models.TxTypeRecharge, "cs_test_123", "coin pack")
	if !errors.Is(err, ErrDuplicateTransaction) {
		t.Fatalf("err = %v, want ErrDuplicateTransaction", err)
	}

	bal := getBalance(t, db, 7)
	if bal.Balance != 500 {
		t.Fatalf("duplicate webhook credited twice: balance = %d", bal.Balance)
	}
}

// Balance invariants hold across a mixed sequence of operations.
func TestInvariantReservedWithinBalance(t *testing.T) {
	db := newTestDB(t)
	svc := NewService(db)
	ctx := context.Background()

	seedBalance(t, db, 1, 10, 0)

	jobs := make([]*models.GenerationJob, 0, 4)
	for i := 0; i < 4; i++ {
		jobs = append(jobs, seedJob(t, db, 1, 30)) // 3 coins each
	}

	for i, job := range jobs {
		_, err := svc.Reserve(ctx, job.ID)
		if i < 3 && err != nil {
			t.Fatalf("reserve %d: %v", i, err)
		}
		if i == 3 && !errors.Is(err, ErrInsufficientFunds) {
			t.Fatalf("fourth reserve should exhaust available coins, got %v", err)
		}

		bal := getBalance(t, db, 1)
		if bal.Reserved < 0 || bal.Reserved > bal.Balance {
			t.Fatalf("invariant broken: balance=%d reserved=%d", bal.Balance, bal.Reserved)
		}
	}

	// one success, one failure, verify accounting nets out
	if err := svc.Charge(ctx, jobs[0].ID, "url", ""); err != nil {
		t.Fatalf("Charge: %v", err)
	}
	if err := svc.Release(ctx, jobs[1].ID, "boom"); err != nil {
		t.Fatalf("Release: %v", err)
	}

	bal := getBalance(t, db, 1)
	if bal.Balance != 7 || bal.Reserved != 3 {
		t.Fatalf("net accounting: balance=%d reserved=%d, want 7/3", bal.Balance, bal.Reserved)
	}
}

func backdateJob(t *testing.T, db *gorm.DB, jobID uint, age time.Duration) {
	t.Helper()
	err := db.Model(&models.GenerationJob{}).Where("id = ?", jobID).
		UpdateColumn("updated_at", time.Now().Add(-age)).Error
	if err != nil {
		t.Fatalf("backdate job: %v", err)
	}
}

func TestReleaseStaleSweepsStuckJob(t *testing.T) {
	db := newTestDB(t)
	svc := NewService(db)
	ctx := context.Background()

	seedBalance(t, db, 1, 100, 0)
	job := seedJob(t, db, 1, 400)
	if _, err := svc.Reserve(ctx, job.ID); err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	if err := svc.Advance(ctx, job.ID, models.JobStatusSubmitted, "task-1"); err != nil {
		t.Fatalf("Advance: %v", err)
	}
	backdateJob(t, db, job.ID, time.Hour)

	released, err := svc.ReleaseStale(ctx, time.Now().Add(-30*time.Minute))
	if err != nil {
		t.Fatalf("ReleaseStale: %v", err)
	}
	if released != 1 {
		t.Fatalf("released = %d, want 1", released)
	}

	if got := getJob(t, db, job.ID); got.Status != models.JobStatusFailed {
		t.Fatalf("job status = %s, want failed", got.Status)
	}
	bal := getBalance(t, db, 1)
	if bal.Balance != 100 || bal.Reserved != 0 {
		t.Fatalf("balance=%d reserved=%d, want 100/0", bal.Balance, bal.Reserved)
	}
}

func TestReleaseStaleKeepsQueuedSegmentsOfActiveEpisode(t *testing.T) {
	db := newTestDB(t)
	svc := NewService(db)
	ctx := context.Background()

	seedBalance(t, db, 1, 100, 0)
	// Segment 1 actively generating, segment 2 queued behind it. Both
	// reservations were taken at submit time, so the queued one ages
	// while its sibling renders.
	first := seedJob(t, db, 1, 100)
	second := seedJob(t, db, 1, 100)
	for _, job := range []*models.GenerationJob{first, second} {
		if _, err := svc.Reserve(ctx, job.ID); err != nil {
			t.Fatalf("Reserve: %v", err)
		}
	}
	if err := svc.Advance(ctx, first.ID, models.JobStatusSubmitted, "task-1"); err != nil {
		t.Fatalf("Advance: %v", err)
	}
	if err := svc.Advance(ctx, first.ID, models.JobStatusGenerating, ""); err != nil {
		t.Fatalf("Advance: %v", err)
	}
	backdateJob(t, db, second.ID, time.Hour)

	released, err := svc.ReleaseStale(ctx, time.Now().Add(-30*time.Minute))
	if err != nil {
		t.Fatalf("ReleaseStale: %v", err)
	}
	if released != 0 {
		t.Fatalf("released = %d, want 0", released)
	}
	if got := getJob(t, db, second.ID); got.Status != models.JobStatusReserved {
		t.Fatalf("queued segment status = %s, want reserved", got.Status)
	}

	// Once the active sibling is gone without the chain continuing,
	// the queued hold really is orphaned and gets swept.
	if err := svc.Release(ctx, first.ID, "boom"); err != nil {
		t.Fatalf("Release: %v", err)
	}
	released, err = svc.ReleaseStale(ctx, time.Now().Add(-30*time.Minute))
	if err != nil {
		t.Fatalf("ReleaseStale: %v", err)
	}
	if released != 1 {
		t.Fatalf("released = %d, want 1", released)
	}

	bal := getBalance(t, db, 1)
	if bal.Balance != 100 || bal.Reserved != 0 {
		t.Fatalf("balance=%d reserved=%d, want 100/0", bal.Balance, bal.Reserved)
	}
}

func TestReleaseStaleSweepsStuckRehearsal(t *testing.T) {
	db := newTestDB(t)
	svc := NewService(db)
	ctx := context.Background()

	seedBalance(t, db, 1, 100, 0)
	job := models.GenerationJob{
		UserID:      1,
		Model:       "seedance-1.0-lite",
		Resolution:  "720p",
		DurationSec: 100,
		Prompt:      "a rooftop chase at dusk",
		Status:      models.JobStatusPending,
	}
	if err := db.Create(&job).Error; err != nil {
		t.Fatalf("seed rehearsal job: %v", err)
	}
	if _, err := svc.Reserve(ctx, job.ID); err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	backdateJob(t, db, job.ID, time.Hour)

	// Rehearsals have no sibling segments; a stale reserved one is
	// always orphaned.
	released, err := svc.ReleaseStale(ctx, time.Now().Add(-30*time.Minute))
	if err != nil {
		t.Fatalf("ReleaseStale: %v", err)
	}
	if released != 1 {
		t.Fatalf("released = %d, want 1", released)
	}
	bal := getBalance(t, db, 1)
	if bal.Balance != 100 || bal.Reserved != 0 {
		t.Fatalf("balance=%d reserved=%d, want 100/0", bal.Balance, bal.Reserved)
	}
}
