package repos

import (
	"context"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/caldermay/pathforge-backend/internal/logger"
	"github.com/caldermay/pathforge-backend/internal/types"
)

type KnowledgeUnitRepo interface {
	CreateBatch(ctx context.Context, tx *gorm.DB, units []*types.KnowledgeUnit) ([]*types.KnowledgeUnit, error)
	ListBySubConcept(ctx context.Context, tx *gorm.DB, subConceptID uuid.UUID) ([]*types.KnowledgeUnit, error)
	ListByConcept(ctx context.Context, tx *gorm.DB, conceptID uuid.UUID, limit int) ([]*types.KnowledgeUnit, error)
}

type knowledgeUnitRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewKnowledgeUnitRepo(db *gorm.DB, baseLog *logger.Logger) KnowledgeUnitRepo {
	return &knowledgeUnitRepo{
		db:  db,
		log: baseLog.With("repo", "KnowledgeUnitRepo"),
	}
}

func (r *knowledgeUnitRepo) CreateBatch(ctx context.Context, tx *gorm.DB, units []*types.KnowledgeUnit) ([]*types.KnowledgeUnit, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if len(units) == 0 {
		return []*types.KnowledgeUnit{}, nil
	}
	if err := transaction.WithContext(ctx).Create(&units).Error; err != nil {
		return nil, err
	}
	return units, nil
}

func (r *knowledgeUnitRepo) ListBySubConcept(ctx context.Context, tx *gorm.DB, subConceptID uuid.UUID) ([]*types.KnowledgeUnit, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	var out []*types.KnowledgeUnit
	if err := transaction.WithContext(ctx).
		Where("sub_concept_id = ?", subConceptID).
		Order("sort_order ASC").
		Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (r *knowledgeUnitRepo) ListByConcept(ctx context.Context, tx *gorm.DB, conceptID uuid.UUID, limit int) ([]*types.KnowledgeUnit, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	var out []*types.KnowledgeUnit
	q := transaction.WithContext(ctx).
		Where("concept_id = ?", conceptID).
		Order("sort_order ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}
