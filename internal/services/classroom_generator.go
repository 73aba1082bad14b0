package services

import (
	"context"
	"fmt"
	"strings"

	"github.com/caldermay/pathforge-backend/internal/clients/openai"
	"github.com/caldermay/pathforge-backend/internal/logger"
)

// ClassroomSection is one rendered block of a generated lesson.
type ClassroomSection struct {
	Heading string `json:"heading"`
	Body    string `json:"body"`
}

type GeneratedClassroomContent struct {
	Title             string             `json:"title"`
	Summary           string             `json:"summary"`
	EstimatedReadTime int                `json:"estimated_read_time"`
	WordCount         int                `json:"word_count"`
	Sections          []ClassroomSection `json:"sections"`
}

type GeneratedQuizQuestion struct {
	Question    string   `json:"question"`
	Options     []string `json:"options"`
	AnswerIndex int      `json:"answer_index"`
	Explanation string   `json:"explanation"`
}

type GeneratedQuiz struct {
	Questions []GeneratedQuizQuestion `json:"questions"`
}

// ClassroomKUInput is one knowledge unit fed into the lesson prompt.
type ClassroomKUInput struct {
	Title   string
	Content string
}

type ClassroomContentOptions struct {
	SubConceptName string
	ConceptName    string
	PathName       string
	KnowledgeUnits []ClassroomKUInput
}

type QuizOptions struct {
	SubConceptName string
	LessonText     string
}

// ClassroomGenerator turns a sub-concept's knowledge units into a readable
// lesson plus a short comprehension quiz.
type ClassroomGenerator interface {
	GenerateContent(ctx context.Context, opts ClassroomContentOptions) (GeneratedClassroomContent, error)
	GenerateQuiz(ctx context.Context, opts QuizOptions) (GeneratedQuiz, error)
}

type classroomGenerator struct {
	log *logger.Logger
	ai  openai.Client
}

func NewClassroomGenerator(baseLog *logger.Logger, ai openai.Client) ClassroomGenerator {
	return &classroomGenerator{
		log: baseLog.With("service", "ClassroomGenerator"),
		ai:  ai,
	}
}

const classroomContentSystem = `You are an expert educator writing a reading-view lesson. Synthesize the provided knowledge units into a coherent, engaging lesson for the given sub-concept. Write 3-6 sections with clear headings, flowing prose, and concrete examples. Estimate the read time in minutes and report the word count.`

const microQuizSystem = `You are an assessment designer. Write 3-5 multiple-choice questions that test comprehension of the given lesson. Each question has exactly 4 options, one correct answer (by zero-based index), and a short explanation of why the answer is correct.`

var classroomContentSchema = map[string]any{
	"type": "object",
	"properties": map[string]any{
		"title":               map[string]any{"type": "string"},
		"summary":             map[string]any{"type": "string"},
		"estimated_read_time": map[string]any{"type": "integer"},
		"word_count":          map[string]any{"type": "integer"},
		"sections": map[string]any{
			"type": "array",
			"items": map[string]any{
				"type": "object",
				"properties": map[string]any{
					"heading": map[string]any{"type": "string"},
					"body":    map[string]any{"type": "string"},
				},
				"required":             []string{"heading", "body"},
				"additionalProperties": false,
			},
		},
	},
	"required":             []string{"title", "summary", "estimated_read_time", "word_count", "sections"},
	"additionalProperties": false,
}

var microQuizSchema = map[string]any{
	"type": "object",
	"properties": map[string]any{
		"questions": map[string]any{
			"type": "array",
			"items": map[string]any{
				"type": "object",
				"properties": map[string]any{
					"question": map[string]any{"type": "string"},
					"options": map[string]any{
						"type":  "array",
						"items": map[string]any{"type": "string"},
					},
					"answer_index": map[string]any{"type": "integer"},
					"explanation":  map[string]any{"type": "string"},
				},
				"required":             []string{"question", "options", "answer_index", "explanation"},
				"additionalProperties": false,
			},
		},
	},
	"required":             []string{"questions"},
	"additionalProperties": false,
}

func (g *classroomGenerator) GenerateContent(ctx context.Context, opts ClassroomContentOptions) (GeneratedClassroomContent, error) {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Learning Path: %s\nConcept: %s\nSub-concept: %s\n\nKnowledge Units:\n",
		opts.PathName, opts.ConceptName, opts.SubConceptName)
	for i, ku := range opts.KnowledgeUnits {
		fmt.Fprintf(&sb, "%d. %s\n%s\n\n", i+1, ku.Title, ku.Content)
	}

	out, err := g.ai.GenerateJSON(ctx, classroomContentSystem, sb.String(), "classroom_content", classroomContentSchema)
	if err != nil {
		return GeneratedClassroomContent{}, fmt.Errorf("generate classroom content: %w", err)
	}

	var gen GeneratedClassroomContent
	if err := remarshal(out, &gen); err != nil {
		return GeneratedClassroomContent{}, fmt.Errorf("parse classroom content output: %w", err)
	}
	if gen.Title == "" || len(gen.Sections) == 0 {
		return GeneratedClassroomContent{}, fmt.Errorf("model produced empty lesson for %q", opts.SubConceptName)
	}
	if gen.EstimatedReadTime <= 0 {
		gen.EstimatedReadTime = 10
	}
	g.log.Info("Generated classroom content", "sub_concept", opts.SubConceptName, "title", gen.Title, "sections", len(gen.Sections))
	return gen, nil
}

func (g *classroomGenerator) GenerateQuiz(ctx context.Context, opts QuizOptions) (GeneratedQuiz, error) {
	user := fmt.Sprintf("Sub-concept: %s\n\nLesson:\n%s", opts.SubConceptName, opts.LessonText)

	out, err := g.ai.GenerateJSON(ctx, microQuizSystem, user, "micro_quiz", microQuizSchema)
	if err != nil {
		return GeneratedQuiz{}, fmt.Errorf("generate quiz: %w", err)
	}

	var gen GeneratedQuiz
	if err := remarshal(out, &gen); err != nil {
		return GeneratedQuiz{}, fmt.Errorf("parse quiz output: %w", err)
	}

	// Drop malformed questions rather than failing the whole lesson.
	valid := gen.Questions[:0]
	for _, q := range gen.Questions {
		if q.Question == "" || len(q.Options) < 2 {
			continue
		}
		if q.AnswerIndex < 0 || q.AnswerIndex >= len(q.Options) {
			continue
		}
		valid = append(valid, q)
	}
	gen.Questions = valid
	return gen, nil
}
