package repos

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/caldermay/pathforge-backend/internal/logger"
	"github.com/caldermay/pathforge-backend/internal/types"
)

// BuildJobRepo owns the build_job ledger rows. Counter columns are only ever
// written through Increment (an atomic UPDATE ... SET col = col + n), never
// read-modify-write, because sibling steps complete concurrently from
// different worker goroutines and processes.
type BuildJobRepo interface {
	Create(ctx context.Context, tx *gorm.DB, job *types.BuildJob) (*types.BuildJob, error)
	GetByID(ctx context.Context, tx *gorm.DB, id uuid.UUID) (*types.BuildJob, error)
	GetActiveByPath(ctx context.Context, tx *gorm.DB, pathID uuid.UUID) (*types.BuildJob, error)
	ListByPath(ctx context.Context, tx *gorm.DB, pathID uuid.UUID, limit int) ([]*types.BuildJob, error)
	List(ctx context.Context, tx *gorm.DB, limit int) ([]*types.BuildJob, error)
	UpdateFields(ctx context.Context, tx *gorm.DB, id uuid.UUID, updates map[string]interface{}) error
	// UpdateFieldsWhereStatus applies updates only while the job is in one of
	// the given statuses and reports whether a row actually changed. This is
	// the compare-and-swap gate for finalization and cancellation.
	UpdateFieldsWhereStatus(ctx context.Context, tx *gorm.DB, id uuid.UUID, statuses []types.BuildJobStatus, updates map[string]interface{}) (bool, error)
	Increment(ctx context.Context, tx *gorm.DB, id uuid.UUID, column string, delta int) error
}

type buildJobRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewBuildJobRepo(db *gorm.DB, baseLog *logger.Logger) BuildJobRepo {
	return &buildJobRepo{
		db:  db,
		log: baseLog.With("repo", "BuildJobRepo"),
	}
}

func (r *buildJobRepo) Create(ctx context.Context, tx *gorm.DB, job *types.BuildJob) (*types.BuildJob, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if err := transaction.WithContext(ctx).Create(job).Error; err != nil {
		return nil, err
	}
	return job, nil
}

func (r *buildJobRepo) GetByID(ctx context.Context, tx *gorm.DB, id uuid.UUID) (*types.BuildJob, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	var job types.BuildJob
	err := transaction.WithContext(ctx).
		Preload("Steps", func(db *gorm.DB) *gorm.DB { return db.Order("sort_order ASC") }).
		Where("id = ?", id).
		First(&job).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &job, nil
}

func (r *buildJobRepo) GetActiveByPath(ctx context.Context, tx *gorm.DB, pathID uuid.UUID) (*types.BuildJob, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	var job types.BuildJob
	err := transaction.WithContext(ctx).
		Preload("Steps", func(db *gorm.DB) *gorm.DB { return db.Order("sort_order ASC") }).
		Where("path_id = ? AND status IN ?", pathID, []types.BuildJobStatus{types.BuildJobPending, types.BuildJobRunning}).
		Order("created_at DESC").
		First(&job).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &job, nil
}

func (r *buildJobRepo) ListByPath(ctx context.Context, tx *gorm.DB, pathID uuid.UUID, limit int) ([]*types.BuildJob, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	var out []*types.BuildJob
	q := transaction.WithContext(ctx).
		Where("path_id = ?", pathID).
		Order("created_at DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (r *buildJobRepo) List(ctx context.Context, tx *gorm.DB, limit int) ([]*types.BuildJob, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	var out []*types.BuildJob
	q := transaction.WithContext(ctx).Order("created_at DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (r *buildJobRepo) UpdateFields(ctx context.Context, tx *gorm.DB, id uuid.UUID, updates map[string]interface{}) error {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if id == uuid.Nil {
		return nil
	}
	if updates == nil {
		updates = map[string]interface{}{}
	}
	if _, ok := updates["updated_at"]; !ok {
		updates["updated_at"] = time.Now()
	}
	return transaction.WithContext(ctx).
		Model(&types.BuildJob{}).
		Where("id = ?", id).
		Updates(updates).Error
}

func (r *buildJobRepo) UpdateFieldsWhereStatus(ctx context.Context, tx *gorm.DB, id uuid.UUID, statuses []types.BuildJobStatus, updates map[string]interface{}) (bool, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if id == uuid.Nil || len(statuses) == 0 {
		return false, nil
	}
	if updates == nil {
		updates = map[string]interface{}{}
	}
	if _, ok := updates["updated_at"]; !ok {
		updates["updated_at"] = time.Now()
	}
	res := transaction.WithContext(ctx).
		Model(&types.BuildJob{}).
		Where("id = ? AND status IN ?", id, statuses).
		Updates(updates)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *buildJobRepo) Increment(ctx context.Context, tx *gorm.DB, id uuid.UUID, column string, delta int) error {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if id == uuid.Nil || delta == 0 {
		return nil
	}
	return transaction.WithContext(ctx).
		Model(&types.BuildJob{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			column:       gorm.Expr(column+" + ?", delta),
			"updated_at": time.Now(),
		}).Error
}
