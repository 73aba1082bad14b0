package repos

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/caldermay/pathforge-backend/internal/logger"
	"github.com/caldermay/pathforge-backend/internal/types"
)

type LearningPathRepo interface {
	Create(ctx context.Context, tx *gorm.DB, path *types.LearningPath) (*types.LearningPath, error)
	GetByID(ctx context.Context, tx *gorm.DB, id uuid.UUID) (*types.LearningPath, error)
	List(ctx context.Context, tx *gorm.DB, limit int) ([]*types.LearningPath, error)
}

type learningPathRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewLearningPathRepo(db *gorm.DB, baseLog *logger.Logger) LearningPathRepo {
	return &learningPathRepo{
		db:  db,
		log: baseLog.With("repo", "LearningPathRepo"),
	}
}

func (r *learningPathRepo) Create(ctx context.Context, tx *gorm.DB, path *types.LearningPath) (*types.LearningPath, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if err := transaction.WithContext(ctx).Create(path).Error; err != nil {
		return nil, err
	}
	return path, nil
}

func (r *learningPathRepo) GetByID(ctx context.Context, tx *gorm.DB, id uuid.UUID) (*types.LearningPath, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	var path types.LearningPath
	err := transaction.WithContext(ctx).Where("id = ?", id).First(&path).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &path, nil
}

func (r *learningPathRepo) List(ctx context.Context, tx *gorm.DB, limit int) ([]*types.LearningPath, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	var out []*types.LearningPath
	q := transaction.WithContext(ctx).Order("created_at DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}
