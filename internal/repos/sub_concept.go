package repos

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/caldermay/pathforge-backend/internal/logger"
	"github.com/caldermay/pathforge-backend/internal/types"
)

type SubConceptRepo interface {
	CreateBatch(ctx context.Context, tx *gorm.DB, subConcepts []*types.SubConcept) ([]*types.SubConcept, error)
	GetByID(ctx context.Context, tx *gorm.DB, id uuid.UUID) (*types.SubConcept, error)
	ListByConcept(ctx context.Context, tx *gorm.DB, conceptID uuid.UUID) ([]*types.SubConcept, error)
}

type subConceptRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewSubConceptRepo(db *gorm.DB, baseLog *logger.Logger) SubConceptRepo {
	return &subConceptRepo{
		db:  db,
		log: baseLog.With("repo", "SubConceptRepo"),
	}
}

func (r *subConceptRepo) CreateBatch(ctx context.Context, tx *gorm.DB, subConcepts []*types.SubConcept) ([]*types.SubConcept, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if len(subConcepts) == 0 {
		return []*types.SubConcept{}, nil
	}
	if err := transaction.WithContext(ctx).Create(&subConcepts).Error; err != nil {
		return nil, err
	}
	return subConcepts, nil
}

func (r *subConceptRepo) GetByID(ctx context.Context, tx *gorm.DB, id uuid.UUID) (*types.SubConcept, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	var sc types.SubConcept
	err := transaction.WithContext(ctx).Where("id = ?", id).First(&sc).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &sc, nil
}

func (r *subConceptRepo) ListByConcept(ctx context.Context, tx *gorm.DB, conceptID uuid.UUID) ([]*types.SubConcept, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	var out []*types.SubConcept
	if err := transaction.WithContext(ctx).
		Where("concept_id = ?", conceptID).
		Order("sort_order ASC").
		Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}
