package types

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type KnowledgeUnit struct {
	ID           uuid.UUID      `gorm:"type:uuid;default:uuid_generate_v4();primaryKey" json:"id"`
	SubConceptID uuid.UUID      `gorm:"type:uuid;not null;index" json:"sub_concept_id"`
	SubConcept   *SubConcept    `gorm:"constraint:OnDelete:CASCADE;foreignKey:SubConceptID;references:ID" json:"sub_concept,omitempty"`
	ConceptID    uuid.UUID      `gorm:"type:uuid;index" json:"concept_id"`
	Question     string         `gorm:"column:question;not null" json:"question"`
	Answer       string         `gorm:"column:answer;not null" json:"answer"`
	Elaboration  string         `gorm:"column:elaboration" json:"elaboration"`
	Examples     datatypes.JSON `gorm:"column:examples;type:jsonb" json:"examples"`
	Order        int            `gorm:"column:sort_order;not null;default:0" json:"order"`
	CreatedAt    time.Time      `gorm:"not null;default:now()" json:"created_at"`
	UpdatedAt    time.Time      `gorm:"not null;default:now()" json:"updated_at"`
	DeletedAt    gorm.DeletedAt `gorm:"index" json:"deleted_at,omitempty"`
}

func (KnowledgeUnit) TableName() string { return "knowledge_unit" }
