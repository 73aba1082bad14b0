package repos

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/caldermay/pathforge-backend/internal/logger"
	"github.com/caldermay/pathforge-backend/internal/types"
)

// QueueJobRepo is the storage backend of the durable queue. Claiming uses
// SELECT ... FOR UPDATE SKIP LOCKED so concurrent consumers never double-run
// a job. A running row whose locked_at is older than staleRunning belonged to
// a consumer that died mid-attempt and is claimable again.
type QueueJobRepo interface {
	Insert(ctx context.Context, tx *gorm.DB, job *types.QueueJob) (*types.QueueJob, error)
	GetByID(ctx context.Context, tx *gorm.DB, queue string, id uuid.UUID) (*types.QueueJob, error)
	FindActiveByKey(ctx context.Context, tx *gorm.DB, queue, key string) (*types.QueueJob, error)
	ClaimNextRunnable(ctx context.Context, tx *gorm.DB, queue string, staleRunning time.Duration) (*types.QueueJob, error)
	MarkCompleted(ctx context.Context, tx *gorm.DB, id uuid.UUID) error
	// Reschedule returns a failed attempt to the queue with a new run_at.
	Reschedule(ctx context.Context, tx *gorm.DB, id uuid.UUID, runAt time.Time, lastError string) error
	MarkFailed(ctx context.Context, tx *gorm.DB, id uuid.UUID, lastError string) error
	// Cancel removes a job from consideration; only still-queued jobs can be
	// cancelled. Reports whether the job was actually cancelled.
	Cancel(ctx context.Context, tx *gorm.DB, id uuid.UUID) (bool, error)
}

type queueJobRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewQueueJobRepo(db *gorm.DB, baseLog *logger.Logger) QueueJobRepo {
	return &queueJobRepo{
		db:  db,
		log: baseLog.With("repo", "QueueJobRepo"),
	}
}

func (r *queueJobRepo) Insert(ctx context.Context, tx *gorm.DB, job *types.QueueJob) (*types.QueueJob, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if err := transaction.WithContext(ctx).Create(job).Error; err != nil {
		return nil, err
	}
	return job, nil
}

func (r *queueJobRepo) GetByID(ctx context.Context, tx *gorm.DB, queue string, id uuid.UUID) (*types.QueueJob, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	var job types.QueueJob
	err := transaction.WithContext(ctx).
		Where("queue = ? AND id = ?", queue, id).
		First(&job).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &job, nil
}

func (r *queueJobRepo) FindActiveByKey(ctx context.Context, tx *gorm.DB, queue, key string) (*types.QueueJob, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if key == "" {
		return nil, nil
	}
	var job types.QueueJob
	err := transaction.WithContext(ctx).
		Where("queue = ? AND key = ? AND status IN ?", queue, key,
			[]types.QueueJobStatus{types.QueueJobQueued, types.QueueJobRunning}).
		First(&job).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &job, nil
}

func (r *queueJobRepo) ClaimNextRunnable(ctx context.Context, tx *gorm.DB, queue string, staleRunning time.Duration) (*types.QueueJob, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	now := time.Now()
	staleCutoff := now.Add(-staleRunning)
	var claimed *types.QueueJob
	err := transaction.WithContext(ctx).Transaction(func(txx *gorm.DB) error {
		var job types.QueueJob
		qErr := txx.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}).
			Where(`
				queue = ?
				AND (
					(status = ? AND run_at <= ?)
					OR (status = ? AND locked_at IS NOT NULL AND locked_at < ?)
				)
			`, queue, types.QueueJobQueued, now, types.QueueJobRunning, staleCutoff).
			Order("run_at ASC, created_at ASC").
			First(&job).Error
		if errors.Is(qErr, gorm.ErrRecordNotFound) {
			return nil
		}
		if qErr != nil {
			return qErr
		}
		uErr := txx.Model(&types.QueueJob{}).
			Where("id = ?", job.ID).
			Updates(map[string]interface{}{
				"status":     types.QueueJobRunning,
				"attempts":   gorm.Expr("attempts + 1"),
				"locked_at":  now,
				"updated_at": now,
			}).Error
		if uErr != nil {
			return uErr
		}
		job.Status = types.QueueJobRunning
		job.Attempts++
		job.LockedAt = &now
		claimed = &job
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

func (r *queueJobRepo) MarkCompleted(ctx context.Context, tx *gorm.DB, id uuid.UUID) error {
	return r.setStatus(ctx, tx, id, types.QueueJobCompleted, "")
}

func (r *queueJobRepo) Reschedule(ctx context.Context, tx *gorm.DB, id uuid.UUID, runAt time.Time, lastError string) error {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	return transaction.WithContext(ctx).
		Model(&types.QueueJob{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"status":     types.QueueJobQueued,
			"run_at":     runAt,
			"locked_at":  nil,
			"last_error": lastError,
			"updated_at": time.Now(),
		}).Error
}

func (r *queueJobRepo) MarkFailed(ctx context.Context, tx *gorm.DB, id uuid.UUID, lastError string) error {
	return r.setStatus(ctx, tx, id, types.QueueJobFailed, lastError)
}

func (r *queueJobRepo) Cancel(ctx context.Context, tx *gorm.DB, id uuid.UUID) (bool, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	res := transaction.WithContext(ctx).
		Model(&types.QueueJob{}).
		Where("id = ? AND status = ?", id, types.QueueJobQueued).
		Updates(map[string]interface{}{
			"status":     types.QueueJobCancelled,
			"updated_at": time.Now(),
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *queueJobRepo) setStatus(ctx context.Context, tx *gorm.DB, id uuid.UUID, status types.QueueJobStatus, lastError string) error {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	updates := map[string]interface{}{
		"status":     status,
		"locked_at":  nil,
		"updated_at": time.Now(),
	}
	if lastError != "" {
		updates["last_error"] = lastError
	}
	return transaction.WithContext(ctx).
		Model(&types.QueueJob{}).
		Where("id = ?", id).
		Updates(updates).Error
}
