package repos

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/caldermay/pathforge-backend/internal/logger"
	"github.com/caldermay/pathforge-backend/internal/types"
)

type ConceptRepo interface {
	CreateBatch(ctx context.Context, tx *gorm.DB, concepts []*types.Concept) ([]*types.Concept, error)
	GetByID(ctx context.Context, tx *gorm.DB, id uuid.UUID) (*types.Concept, error)
	ListByPath(ctx context.Context, tx *gorm.DB, pathID uuid.UUID) ([]*types.Concept, error)
}

type conceptRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewConceptRepo(db *gorm.DB, baseLog *logger.Logger) ConceptRepo {
	return &conceptRepo{
		db:  db,
		log: baseLog.With("repo", "ConceptRepo"),
	}
}

func (r *conceptRepo) CreateBatch(ctx context.Context, tx *gorm.DB, concepts []*types.Concept) ([]*types.Concept, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if len(concepts) == 0 {
		return []*types.Concept{}, nil
	}
	if err := transaction.WithContext(ctx).Create(&concepts).Error; err != nil {
		return nil, err
	}
	return concepts, nil
}

func (r *conceptRepo) GetByID(ctx context.Context, tx *gorm.DB, id uuid.UUID) (*types.Concept, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	var c types.Concept
	err := transaction.WithContext(ctx).Where("id = ?", id).First(&c).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (r *conceptRepo) ListByPath(ctx context.Context, tx *gorm.DB, pathID uuid.UUID) ([]*types.Concept, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	var out []*types.Concept
	if err := transaction.WithContext(ctx).
		Where("path_id = ?", pathID).
		Order("sort_order ASC").
		Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}
