package types

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type BuildJobStatus string

const (
	BuildJobPending   BuildJobStatus = "pending"
	BuildJobRunning   BuildJobStatus = "running"
	BuildJobCompleted BuildJobStatus = "completed"
	BuildJobFailed    BuildJobStatus = "failed"
	BuildJobCancelled BuildJobStatus = "cancelled"
)

// IsTerminal reports whether the status admits no further transitions.
func (s BuildJobStatus) IsTerminal() bool {
	return s == BuildJobCompleted || s == BuildJobFailed || s == BuildJobCancelled
}

// BuildJob is the ledger root for one "build learning path" request.
// Counters are only ever mutated through atomic increments; total_steps grows
// as child steps are discovered stage by stage and never shrinks.
type BuildJob struct {
	ID               uuid.UUID      `gorm:"type:uuid;default:uuid_generate_v4();primaryKey" json:"id"`
	PathID           uuid.UUID      `gorm:"type:uuid;not null;index" json:"path_id"`
	Path             *LearningPath  `gorm:"constraint:OnDelete:CASCADE;foreignKey:PathID;references:ID" json:"path,omitempty"`
	Status           BuildJobStatus `gorm:"column:status;not null;default:'pending';index" json:"status"`
	QueueJobID       *uuid.UUID     `gorm:"type:uuid;column:queue_job_id" json:"queue_job_id,omitempty"`
	TotalSteps       int            `gorm:"column:total_steps;not null;default:0" json:"total_steps"`
	CompletedSteps   int            `gorm:"column:completed_steps;not null;default:0" json:"completed_steps"`
	FailedSteps      int            `gorm:"column:failed_steps;not null;default:0" json:"failed_steps"`
	CurrentOperation string         `gorm:"column:current_operation" json:"current_operation,omitempty"`
	ErrorMessage     string         `gorm:"column:error_message" json:"error_message,omitempty"`
	Metadata         datatypes.JSON `gorm:"column:metadata;type:jsonb" json:"metadata"`
	Steps            []JobStep      `gorm:"foreignKey:BuildJobID;references:ID" json:"steps,omitempty"`
	StartedAt        *time.Time     `gorm:"column:started_at" json:"started_at,omitempty"`
	CompletedAt      *time.Time     `gorm:"column:completed_at" json:"completed_at,omitempty"`
	CreatedAt        time.Time      `gorm:"not null;default:now();index" json:"created_at"`
	UpdatedAt        time.Time      `gorm:"not null;default:now()" json:"updated_at"`
	DeletedAt        gorm.DeletedAt `gorm:"index" json:"deleted_at,omitempty"`
}

func (BuildJob) TableName() string { return "build_job" }
