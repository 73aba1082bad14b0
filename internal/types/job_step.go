package types

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type JobStepType string

const (
	StepGenerateConcepts JobStepType = "generate-concepts"
	StepDecomposeConcept JobStepType = "decompose-concept"
	StepGenerateKU       JobStepType = "generate-ku"
)

type JobStepStatus string

const (
	StepPending   JobStepStatus = "pending"
	StepRunning   JobStepStatus = "running"
	StepCompleted JobStepStatus = "completed"
	StepFailed    JobStepStatus = "failed"
	StepSkipped   JobStepStatus = "skipped"
)

func (s JobStepStatus) IsTerminal() bool {
	return s == StepCompleted || s == StepFailed || s == StepSkipped
}

// JobStep is one unit of work under a BuildJob. Steps are created the moment
// a parent stage discovers a child unit, so the parent's total_steps is not
// known up front. The root generate-concepts stage has no step row of its
// own; it is the tree root and its failure fails the whole job.
type JobStep struct {
	ID           uuid.UUID      `gorm:"type:uuid;default:uuid_generate_v4();primaryKey" json:"id"`
	BuildJobID   uuid.UUID      `gorm:"type:uuid;not null;index" json:"build_job_id"`
	Type         JobStepType    `gorm:"column:type;not null;index" json:"type"`
	Status       JobStepStatus  `gorm:"column:status;not null;default:'pending';index" json:"status"`
	QueueJobID   *uuid.UUID     `gorm:"type:uuid;column:queue_job_id" json:"queue_job_id,omitempty"`
	EntityID     uuid.UUID      `gorm:"type:uuid;column:entity_id" json:"entity_id"`
	EntityName   string         `gorm:"column:entity_name" json:"entity_name"`
	Order        int            `gorm:"column:sort_order;not null;default:0" json:"order"`
	RetryCount   int            `gorm:"column:retry_count;not null;default:0" json:"retry_count"`
	ErrorMessage string         `gorm:"column:error_message" json:"error_message,omitempty"`
	Result       datatypes.JSON `gorm:"column:result;type:jsonb" json:"result"`
	StartedAt    *time.Time     `gorm:"column:started_at" json:"started_at,omitempty"`
	CompletedAt  *time.Time     `gorm:"column:completed_at" json:"completed_at,omitempty"`
	CreatedAt    time.Time      `gorm:"not null;default:now();index" json:"created_at"`
	UpdatedAt    time.Time      `gorm:"not null;default:now()" json:"updated_at"`
	DeletedAt    gorm.DeletedAt `gorm:"index" json:"deleted_at,omitempty"`
}

func (JobStep) TableName() string { return "job_step" }
