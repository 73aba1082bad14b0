package services

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/datatypes"

	"github.com/caldermay/pathforge-backend/internal/logger"
	"github.com/caldermay/pathforge-backend/internal/repos"
	"github.com/caldermay/pathforge-backend/internal/types"
)

// ClassroomService owns classroom_content rows and their quiz questions.
// Content moves placeholder -> generating -> ready, or -> error; the worker
// drives the transitions.
type ClassroomService interface {
	CreatePlaceholder(ctx context.Context, subConceptID, conceptID, pathID uuid.UUID, title string) (*types.ClassroomContent, error)
	UpdateStatus(ctx context.Context, id uuid.UUID, status types.ClassroomContentStatus, errorMessage string) error
	SaveGenerated(ctx context.Context, id uuid.UUID, gen GeneratedClassroomContent, sourceKUIDs []uuid.UUID) error
	SaveQuiz(ctx context.Context, contentID, subConceptID uuid.UUID, quiz GeneratedQuiz) error
	GetBySubConcept(ctx context.Context, subConceptID uuid.UUID) (*types.ClassroomContent, error)
	ListQuiz(ctx context.Context, contentID uuid.UUID) ([]*types.QuizQuestion, error)
}

type classroomService struct {
	log     *logger.Logger
	content repos.ClassroomContentRepo
	quiz    repos.QuizQuestionRepo
}

func NewClassroomService(baseLog *logger.Logger, content repos.ClassroomContentRepo, quiz repos.QuizQuestionRepo) ClassroomService {
	return &classroomService{
		log:     baseLog.With("service", "ClassroomService"),
		content: content,
		quiz:    quiz,
	}
}

func (s *classroomService) CreatePlaceholder(ctx context.Context, subConceptID, conceptID, pathID uuid.UUID, title string) (*types.ClassroomContent, error) {
	// One content row per sub-concept; re-running generation reuses the row.
	existing, err := s.content.GetBySubConcept(ctx, nil, subConceptID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return existing, nil
	}

	created, err := s.content.Create(ctx, nil, &types.ClassroomContent{
		ID:           uuid.New(),
		SubConceptID: subConceptID,
		ConceptID:    conceptID,
		PathID:       pathID,
		Title:        title,
		Status:       types.ContentPlaceholder,
	})
	if err != nil {
		// Unique index on sub_concept_id closes the race with a concurrent
		// placeholder create.
		if raced, rErr := s.content.GetBySubConcept(ctx, nil, subConceptID); rErr == nil && raced != nil {
			return raced, nil
		}
		return nil, fmt.Errorf("create placeholder content: %w", err)
	}
	return created, nil
}

func (s *classroomService) UpdateStatus(ctx context.Context, id uuid.UUID, status types.ClassroomContentStatus, errorMessage string) error {
	return s.content.UpdateFields(ctx, nil, id, map[string]interface{}{
		"status":        status,
		"error_message": errorMessage,
	})
}

func (s *classroomService) SaveGenerated(ctx context.Context, id uuid.UUID, gen GeneratedClassroomContent, sourceKUIDs []uuid.UUID) error {
	sections, err := json.Marshal(gen.Sections)
	if err != nil {
		return fmt.Errorf("marshal sections: %w", err)
	}
	kuIDs, err := json.Marshal(sourceKUIDs)
	if err != nil {
		return fmt.Errorf("marshal source ku ids: %w", err)
	}
	return s.content.UpdateFields(ctx, nil, id, map[string]interface{}{
		"title":               gen.Title,
		"summary":             gen.Summary,
		"sections":            datatypes.JSON(sections),
		"source_ku_ids":       datatypes.JSON(kuIDs),
		"estimated_read_time": gen.EstimatedReadTime,
		"word_count":          gen.WordCount,
		"status":              types.ContentReady,
		"error_message":       "",
	})
}

func (s *classroomService) SaveQuiz(ctx context.Context, contentID, subConceptID uuid.UUID, quiz GeneratedQuiz) error {
	if len(quiz.Questions) == 0 {
		return nil
	}
	batch := make([]*types.QuizQuestion, 0, len(quiz.Questions))
	for _, q := range quiz.Questions {
		options, err := json.Marshal(q.Options)
		if err != nil {
			return fmt.Errorf("marshal quiz options: %w", err)
		}
		batch = append(batch, &types.QuizQuestion{
			ID:           uuid.New(),
			SubConceptID: subConceptID,
			ContentID:    contentID,
			Question:     q.Question,
			Options:      datatypes.JSON(options),
			AnswerIndex:  q.AnswerIndex,
			Explanation:  q.Explanation,
		})
	}
	if _, err := s.quiz.CreateBatch(ctx, nil, batch); err != nil {
		return fmt.Errorf("persist quiz questions: %w", err)
	}
	return nil
}

func (s *classroomService) GetBySubConcept(ctx context.Context, subConceptID uuid.UUID) (*types.ClassroomContent, error) {
	return s.content.GetBySubConcept(ctx, nil, subConceptID)
}

func (s *classroomService) ListQuiz(ctx context.Context, contentID uuid.UUID) ([]*types.QuizQuestion, error) {
	return s.quiz.ListByContent(ctx, nil, contentID)
}
