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

type JobStepRepo interface {
	Create(ctx context.Context, tx *gorm.DB, step *types.JobStep) (*types.JobStep, error)
	GetByID(ctx context.Context, tx *gorm.DB, id uuid.UUID) (*types.JobStep, error)
	FindByEntity(ctx context.Context, tx *gorm.DB, buildJobID uuid.UUID, stepType types.JobStepType, entityID uuid.UUID) (*types.JobStep, error)
	ListByBuildJob(ctx context.Context, tx *gorm.DB, buildJobID uuid.UUID) ([]*types.JobStep, error)
	UpdateFields(ctx context.Context, tx *gorm.DB, id uuid.UUID, updates map[string]interface{}) error
	IncrementRetry(ctx context.Context, tx *gorm.DB, id uuid.UUID) error
}

type jobStepRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewJobStepRepo(db *gorm.DB, baseLog *logger.Logger) JobStepRepo {
	return &jobStepRepo{
		db:  db,
		log: baseLog.With("repo", "JobStepRepo"),
	}
}

func (r *jobStepRepo) Create(ctx context.Context, tx *gorm.DB, step *types.JobStep) (*types.JobStep, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if err := transaction.WithContext(ctx).Create(step).Error; err != nil {
		return nil, err
	}
	return step, nil
}

func (r *jobStepRepo) GetByID(ctx context.Context, tx *gorm.DB, id uuid.UUID) (*types.JobStep, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	var step types.JobStep
	err := transaction.WithContext(ctx).Where("id = ?", id).First(&step).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &step, nil
}

func (r *jobStepRepo) FindByEntity(ctx context.Context, tx *gorm.DB, buildJobID uuid.UUID, stepType types.JobStepType, entityID uuid.UUID) (*types.JobStep, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	var step types.JobStep
	err := transaction.WithContext(ctx).
		Where("build_job_id = ? AND type = ? AND entity_id = ?", buildJobID, stepType, entityID).
		First(&step).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &step, nil
}

func (r *jobStepRepo) ListByBuildJob(ctx context.Context, tx *gorm.DB, buildJobID uuid.UUID) ([]*types.JobStep, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	var out []*types.JobStep
	if err := transaction.WithContext(ctx).
		Where("build_job_id = ?", buildJobID).
		Order("sort_order ASC").
		Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (r *jobStepRepo) UpdateFields(ctx context.Context, tx *gorm.DB, id uuid.UUID, updates map[string]interface{}) error {
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
		Model(&types.JobStep{}).
		Where("id = ?", id).
		Updates(updates).Error
}

func (r *jobStepRepo) IncrementRetry(ctx context.Context, tx *gorm.DB, id uuid.UUID) error {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if id == uuid.Nil {
		return nil
	}
	return transaction.WithContext(ctx).
		Model(&types.JobStep{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"retry_count": gorm.Expr("retry_count + 1"),
			"updated_at":  time.Now(),
		}).Error
}
