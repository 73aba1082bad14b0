package types

import (
	"time"

	"github.com/google/uuid"
)

type ProgressEventType string

const (
	ProgressStepStarted   ProgressEventType = "step-started"
	ProgressStepCompleted ProgressEventType = "step-completed"
	ProgressStepFailed    ProgressEventType = "step-failed"
	ProgressJobCompleted  ProgressEventType = "job-completed"
	ProgressJobFailed     ProgressEventType = "job-failed"
)

type ProgressSnapshot struct {
	Completed  int `json:"completed"`
	Total      int `json:"total"`
	Percentage int `json:"percentage"`
}

// ProgressEntities carries newly produced domain entities so a live UI can
// populate itself without refetching.
type ProgressEntities struct {
	Concepts             []*Concept       `json:"concepts,omitempty"`
	SubConcepts          []*SubConcept    `json:"sub_concepts,omitempty"`
	KnowledgeUnits       []*KnowledgeUnit `json:"knowledge_units,omitempty"`
	SelectedConceptID    uuid.UUID        `json:"selected_concept_id,omitempty"`
	SelectedSubConceptID uuid.UUID        `json:"selected_sub_concept_id,omitempty"`
}

// ProgressEvent is ephemeral: produced by the coordinator, fanned out to
// subscribers of the build job's room, then discarded. No history, no replay.
type ProgressEvent struct {
	BuildJobID uuid.UUID         `json:"build_job_id"`
	Type       ProgressEventType `json:"type"`
	StepID     *uuid.UUID        `json:"step_id,omitempty"`
	StepType   JobStepType       `json:"step_type,omitempty"`
	Message    string            `json:"message"`
	Progress   *ProgressSnapshot `json:"progress,omitempty"`
	Error      string            `json:"error,omitempty"`
	Entities   *ProgressEntities `json:"entities,omitempty"`
	Timestamp  time.Time         `json:"timestamp"`
}
