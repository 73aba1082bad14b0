package types

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type ClassroomContentStatus string

const (
	ContentPlaceholder ClassroomContentStatus = "placeholder"
	ContentGenerating  ClassroomContentStatus = "generating"
	ContentReady       ClassroomContentStatus = "ready"
	ContentError       ClassroomContentStatus = "error"
)

// ClassroomContent is the reading-view lesson generated for one sub-concept
// by the downstream classroom pipeline.
type ClassroomContent struct {
	ID                uuid.UUID              `gorm:"type:uuid;default:uuid_generate_v4();primaryKey" json:"id"`
	SubConceptID      uuid.UUID              `gorm:"type:uuid;not null;uniqueIndex" json:"sub_concept_id"`
	ConceptID         uuid.UUID              `gorm:"type:uuid;not null;index" json:"concept_id"`
	PathID            uuid.UUID              `gorm:"type:uuid;not null;index" json:"path_id"`
	Title             string                 `gorm:"column:title" json:"title"`
	Summary           string                 `gorm:"column:summary" json:"summary"`
	Sections          datatypes.JSON         `gorm:"column:sections;type:jsonb" json:"sections"`
	SourceKUIDs       datatypes.JSON         `gorm:"column:source_ku_ids;type:jsonb" json:"source_ku_ids"`
	EstimatedReadTime int                    `gorm:"column:estimated_read_time;not null;default:0" json:"estimated_read_time"`
	WordCount         int                    `gorm:"column:word_count;not null;default:0" json:"word_count"`
	Status            ClassroomContentStatus `gorm:"column:status;not null;default:'placeholder';index" json:"status"`
	ErrorMessage      string                 `gorm:"column:error_message" json:"error_message,omitempty"`
	CreatedAt         time.Time              `gorm:"not null;default:now()" json:"created_at"`
	UpdatedAt         time.Time              `gorm:"not null;default:now()" json:"updated_at"`
	DeletedAt         gorm.DeletedAt         `gorm:"index" json:"deleted_at,omitempty"`
}

func (ClassroomContent) TableName() string { return "classroom_content" }

type QuizQuestion struct {
	ID           uuid.UUID      `gorm:"type:uuid;default:uuid_generate_v4();primaryKey" json:"id"`
	SubConceptID uuid.UUID      `gorm:"type:uuid;not null;index" json:"sub_concept_id"`
	ContentID    uuid.UUID      `gorm:"type:uuid;not null;index" json:"content_id"`
	Question     string         `gorm:"column:question;not null" json:"question"`
	Options      datatypes.JSON `gorm:"column:options;type:jsonb" json:"options"`
	AnswerIndex  int            `gorm:"column:answer_index;not null;default:0" json:"answer_index"`
	Explanation  string         `gorm:"column:explanation" json:"explanation"`
	CreatedAt    time.Time      `gorm:"not null;default:now()" json:"created_at"`
	UpdatedAt    time.Time      `gorm:"not null;default:now()" json:"updated_at"`
	DeletedAt    gorm.DeletedAt `gorm:"index" json:"deleted_at,omitempty"`
}

func (QuizQuestion) TableName() string { return "quiz_question" }
