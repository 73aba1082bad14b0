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

type ClassroomContentRepo interface {
	Create(ctx context.Context, tx *gorm.DB, content *types.ClassroomContent) (*types.ClassroomContent, error)
	GetBySubConcept(ctx context.Context, tx *gorm.DB, subConceptID uuid.UUID) (*types.ClassroomContent, error)
	UpdateFields(ctx context.Context, tx *gorm.DB, id uuid.UUID, updates map[string]interface{}) error
}

type classroomContentRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewClassroomContentRepo(db *gorm.DB, baseLog *logger.Logger) ClassroomContentRepo {
	return &classroomContentRepo{
		db:  db,
		log: baseLog.With("repo", "ClassroomContentRepo"),
	}
}

func (r *classroomContentRepo) Create(ctx context.Context, tx *gorm.DB, content *types.ClassroomContent) (*types.ClassroomContent, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if err := transaction.WithContext(ctx).Create(content).Error; err != nil {
		return nil, err
	}
	return content, nil
}

func (r *classroomContentRepo) GetBySubConcept(ctx context.Context, tx *gorm.DB, subConceptID uuid.UUID) (*types.ClassroomContent, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	var content types.ClassroomContent
	err := transaction.WithContext(ctx).Where("sub_concept_id = ?", subConceptID).First(&content).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &content, nil
}

func (r *classroomContentRepo) UpdateFields(ctx context.Context, tx *gorm.DB, id uuid.UUID, updates map[string]interface{}) error {
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
		Model(&types.ClassroomContent{}).
		Where("id = ?", id).
		Updates(updates).Error
}

type QuizQuestionRepo interface {
	CreateBatch(ctx context.Context, tx *gorm.DB, questions []*types.QuizQuestion) ([]*types.QuizQuestion, error)
	ListByContent(ctx context.Context, tx *gorm.DB, contentID uuid.UUID) ([]*types.QuizQuestion, error)
}

type quizQuestionRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewQuizQuestionRepo(db *gorm.DB, baseLog *logger.Logger) QuizQuestionRepo {
	return &quizQuestionRepo{
		db:  db,
		log: baseLog.With("repo", "QuizQuestionRepo"),
	}
}

func (r *quizQuestionRepo) CreateBatch(ctx context.Context, tx *gorm.DB, questions []*types.QuizQuestion) ([]*types.QuizQuestion, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if len(questions) == 0 {
		return []*types.QuizQuestion{}, nil
	}
	if err := transaction.WithContext(ctx).Create(&questions).Error; err != nil {
		return nil, err
	}
	return questions, nil
}

func (r *quizQuestionRepo) ListByContent(ctx context.Context, tx *gorm.DB, contentID uuid.UUID) ([]*types.QuizQuestion, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	var out []*types.QuizQuestion
	if err := transaction.WithContext(ctx).
		Where("content_id = ?", contentID).
		Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}
