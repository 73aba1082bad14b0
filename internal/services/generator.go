package services

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"gorm.io/datatypes"

	"github.com/caldermay/pathforge-backend/internal/clients/openai"
	"github.com/caldermay/pathforge-backend/internal/logger"
	"github.com/caldermay/pathforge-backend/internal/repos"
	"github.com/caldermay/pathforge-backend/internal/types"
)

// ContentGenerator produces and persists the content tree, one stage at a
// time. Workers depend on this interface only, so tests substitute a stub
// with scripted outputs and failures.
type ContentGenerator interface {
	GenerateConcepts(ctx context.Context, pathID uuid.UUID) ([]*types.Concept, error)
	DecomposeConcept(ctx context.Context, conceptID uuid.UUID) ([]*types.SubConcept, error)
	GenerateKnowledgeUnits(ctx context.Context, subConceptID uuid.UUID) ([]*types.KnowledgeUnit, error)
}

type learningMapService struct {
	log         *logger.Logger
	ai          openai.Client
	paths       repos.LearningPathRepo
	concepts    repos.ConceptRepo
	subConcepts repos.SubConceptRepo
	kus         repos.KnowledgeUnitRepo
}

func NewLearningMapService(
	baseLog *logger.Logger,
	ai openai.Client,
	paths repos.LearningPathRepo,
	concepts repos.ConceptRepo,
	subConcepts repos.SubConceptRepo,
	kus repos.KnowledgeUnitRepo,
) ContentGenerator {
	return &learningMapService{
		log:         baseLog.With("service", "LearningMapService"),
		ai:          ai,
		paths:       paths,
		concepts:    concepts,
		subConcepts: subConcepts,
		kus:         kus,
	}
}

const generateConceptsSystem = `You are a curriculum architect. Generate a structured learning map of concepts (core concepts/skills) for the given learning objective. Create 4-8 concepts that form a complete learning progression, ordered from foundational to advanced. Each concept must be a distinct, teachable topic with a clear 1-2 sentence description.`

const decomposeConceptSystem = `You are a curriculum architect. Decompose the given concept into 3-7 smaller, teachable sub-concepts that together fully cover it. Order sub-concepts from foundational to advanced. Each sub-concept should be distinct and small enough to be covered by a handful of knowledge units, with a description specific enough to guide content creation.`

const generateKUSystem = `You are an expert instructional designer. Generate knowledge units (question/answer flashcards) that teach the given sub-concept. The question tests understanding of the core idea, the answer is comprehensive but concise, the elaboration adds context and nuance, and examples are practical.`

var conceptsSchema = map[string]any{
	"type": "object",
	"properties": map[string]any{
		"concepts": map[string]any{
			"type": "array",
			"items": map[string]any{
				"type": "object",
				"properties": map[string]any{
					"name":        map[string]any{"type": "string"},
					"description": map[string]any{"type": "string"},
				},
				"required":             []string{"name", "description"},
				"additionalProperties": false,
			},
		},
	},
	"required":             []string{"concepts"},
	"additionalProperties": false,
}

var subConceptsSchema = map[string]any{
	"type": "object",
	"properties": map[string]any{
		"sub_concepts": map[string]any{
			"type": "array",
			"items": map[string]any{
				"type": "object",
				"properties": map[string]any{
					"name":        map[string]any{"type": "string"},
					"description": map[string]any{"type": "string"},
				},
				"required":             []string{"name", "description"},
				"additionalProperties": false,
			},
		},
	},
	"required":             []string{"sub_concepts"},
	"additionalProperties": false,
}

var knowledgeUnitsSchema = map[string]any{
	"type": "object",
	"properties": map[string]any{
		"knowledge_units": map[string]any{
			"type": "array",
			"items": map[string]any{
				"type": "object",
				"properties": map[string]any{
					"question":    map[string]any{"type": "string"},
					"answer":      map[string]any{"type": "string"},
					"elaboration": map[string]any{"type": "string"},
					"examples": map[string]any{
						"type":  "array",
						"items": map[string]any{"type": "string"},
					},
				},
				"required":             []string{"question", "answer", "elaboration", "examples"},
				"additionalProperties": false,
			},
		},
	},
	"required":             []string{"knowledge_units"},
	"additionalProperties": false,
}

func (s *learningMapService) GenerateConcepts(ctx context.Context, pathID uuid.UUID) ([]*types.Concept, error) {
	path, err := s.paths.GetByID(ctx, nil, pathID)
	if err != nil {
		return nil, err
	}
	if path == nil {
		return nil, fmt.Errorf("learning path %s: %w", pathID, ErrNotFound)
	}

	// Idempotent under queue redelivery: if a previous attempt already
	// persisted concepts, reuse them instead of generating a second set.
	existing, err := s.concepts.ListByPath(ctx, nil, pathID)
	if err != nil {
		return nil, err
	}
	if len(existing) > 0 {
		s.log.Info("Concepts already exist for path, reusing", "path_id", pathID, "count", len(existing))
		return existing, nil
	}

	user := fmt.Sprintf("Learning Path:\n- Name: %s\n- Description: %s\n- Subject: %s\n- Level: %s",
		path.Name, path.Description, path.Subject, path.Level)

	out, err := s.ai.GenerateJSON(ctx, generateConceptsSystem, user, "learning_map_concepts", conceptsSchema)
	if err != nil {
		return nil, fmt.Errorf("generate concepts: %w", err)
	}

	var parsed struct {
		Concepts []struct {
			Name        string `json:"name"`
			Description string `json:"description"`
		} `json:"concepts"`
	}
	if err := remarshal(out, &parsed); err != nil {
		return nil, fmt.Errorf("parse concepts output: %w", err)
	}
	if len(parsed.Concepts) == 0 {
		return nil, fmt.Errorf("model produced no concepts for path %s", pathID)
	}

	batch := make([]*types.Concept, 0, len(parsed.Concepts))
	for i, c := range parsed.Concepts {
		name := strings.TrimSpace(c.Name)
		if name == "" {
			continue
		}
		batch = append(batch, &types.Concept{
			ID:          uuid.New(),
			PathID:      pathID,
			Name:        name,
			Description: strings.TrimSpace(c.Description),
			Order:       i,
		})
	}
	if len(batch) == 0 {
		return nil, fmt.Errorf("model produced only empty concepts for path %s", pathID)
	}

	created, err := s.concepts.CreateBatch(ctx, nil, batch)
	if err != nil {
		return nil, fmt.Errorf("persist concepts: %w", err)
	}
	s.log.Info("Generated concepts", "path_id", pathID, "count", len(created))
	return created, nil
}

func (s *learningMapService) DecomposeConcept(ctx context.Context, conceptID uuid.UUID) ([]*types.SubConcept, error) {
	concept, err := s.concepts.GetByID(ctx, nil, conceptID)
	if err != nil {
		return nil, err
	}
	if concept == nil {
		return nil, fmt.Errorf("concept %s: %w", conceptID, ErrNotFound)
	}

	existing, err := s.subConcepts.ListByConcept(ctx, nil, conceptID)
	if err != nil {
		return nil, err
	}
	if len(existing) > 0 {
		s.log.Info("Sub-concepts already exist for concept, reusing", "concept_id", conceptID, "count", len(existing))
		return existing, nil
	}

	user := fmt.Sprintf("Concept Information:\n- Name: %s\n- Description: %s",
		concept.Name, concept.Description)

	out, err := s.ai.GenerateJSON(ctx, decomposeConceptSystem, user, "concept_decomposition", subConceptsSchema)
	if err != nil {
		return nil, fmt.Errorf("decompose concept: %w", err)
	}

	var parsed struct {
		SubConcepts []struct {
			Name        string `json:"name"`
			Description string `json:"description"`
		} `json:"sub_concepts"`
	}
	if err := remarshal(out, &parsed); err != nil {
		return nil, fmt.Errorf("parse sub-concepts output: %w", err)
	}
	if len(parsed.SubConcepts) == 0 {
		return nil, fmt.Errorf("model produced no sub-concepts for concept %s", conceptID)
	}

	batch := make([]*types.SubConcept, 0, len(parsed.SubConcepts))
	for i, sc := range parsed.SubConcepts {
		name := strings.TrimSpace(sc.Name)
		if name == "" {
			continue
		}
		batch = append(batch, &types.SubConcept{
			ID:          uuid.New(),
			ConceptID:   conceptID,
			Name:        name,
			Description: strings.TrimSpace(sc.Description),
			Order:       i,
		})
	}
	if len(batch) == 0 {
		return nil, fmt.Errorf("model produced only empty sub-concepts for concept %s", conceptID)
	}

	created, err := s.subConcepts.CreateBatch(ctx, nil, batch)
	if err != nil {
		return nil, fmt.Errorf("persist sub-concepts: %w", err)
	}
	s.log.Info("Decomposed concept", "concept_id", conceptID, "count", len(created))
	return created, nil
}

func (s *learningMapService) GenerateKnowledgeUnits(ctx context.Context, subConceptID uuid.UUID) ([]*types.KnowledgeUnit, error) {
	subConcept, err := s.subConcepts.GetByID(ctx, nil, subConceptID)
	if err != nil {
		return nil, err
	}
	if subConcept == nil {
		return nil, fmt.Errorf("sub-concept %s: %w", subConceptID, ErrNotFound)
	}

	existing, err := s.kus.ListBySubConcept(ctx, nil, subConceptID)
	if err != nil {
		return nil, err
	}
	if len(existing) > 0 {
		s.log.Info("Knowledge units already exist for sub-concept, reusing", "sub_concept_id", subConceptID, "count", len(existing))
		return existing, nil
	}

	var parentName string
	if parent, pErr := s.concepts.GetByID(ctx, nil, subConcept.ConceptID); pErr == nil && parent != nil {
		parentName = parent.Name
	}

	user := fmt.Sprintf("Sub-concept Information:\n- Name: %s\n- Description: %s\n- Parent Concept: %s\n\nGenerate 2-4 knowledge units.",
		subConcept.Name, subConcept.Description, parentName)

	out, err := s.ai.GenerateJSON(ctx, generateKUSystem, user, "knowledge_units", knowledgeUnitsSchema)
	if err != nil {
		return nil, fmt.Errorf("generate knowledge units: %w", err)
	}

	var parsed struct {
		KnowledgeUnits []struct {
			Question    string   `json:"question"`
			Answer      string   `json:"answer"`
			Elaboration string   `json:"elaboration"`
			Examples    []string `json:"examples"`
		} `json:"knowledge_units"`
	}
	if err := remarshal(out, &parsed); err != nil {
		return nil, fmt.Errorf("parse knowledge units output: %w", err)
	}
	if len(parsed.KnowledgeUnits) == 0 {
		return nil, fmt.Errorf("model produced no knowledge units for sub-concept %s", subConceptID)
	}

	batch := make([]*types.KnowledgeUnit, 0, len(parsed.KnowledgeUnits))
	for i, ku := range parsed.KnowledgeUnits {
		question := strings.TrimSpace(ku.Question)
		answer := strings.TrimSpace(ku.Answer)
		if question == "" || answer == "" {
			continue
		}
		examples, _ := json.Marshal(ku.Examples)
		batch = append(batch, &types.KnowledgeUnit{
			ID:           uuid.New(),
			SubConceptID: subConceptID,
			ConceptID:    subConcept.ConceptID,
			Question:     question,
			Answer:       answer,
			Elaboration:  strings.TrimSpace(ku.Elaboration),
			Examples:     datatypes.JSON(examples),
			Order:        i,
		})
	}
	if len(batch) == 0 {
		return nil, fmt.Errorf("model produced only empty knowledge units for sub-concept %s", subConceptID)
	}

	created, err := s.kus.CreateBatch(ctx, nil, batch)
	if err != nil {
		return nil, fmt.Errorf("persist knowledge units: %w", err)
	}
	s.log.Info("Generated knowledge units", "sub_concept_id", subConceptID, "count", len(created))
	return created, nil
}

// remarshal round-trips the loosely typed structured-output map into a
// concrete shape.
func remarshal(in map[string]any, out any) error {
	raw, err := json.Marshal(in)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, out)
}
