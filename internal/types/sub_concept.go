package types

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

type SubConcept struct {
	ID          uuid.UUID      `gorm:"type:uuid;default:uuid_generate_v4();primaryKey" json:"id"`
	ConceptID   uuid.UUID      `gorm:"type:uuid;not null;index" json:"concept_id"`
	Concept     *Concept       `gorm:"constraint:OnDelete:CASCADE;foreignKey:ConceptID;references:ID" json:"concept,omitempty"`
	Name        string         `gorm:"column:name;not null" json:"name"`
	Description string         `gorm:"column:description" json:"description"`
	Order       int            `gorm:"column:sort_order;not null;default:0" json:"order"`
	CreatedAt   time.Time      `gorm:"not null;default:now()" json:"created_at"`
	UpdatedAt   time.Time      `gorm:"not null;default:now()" json:"updated_at"`
	DeletedAt   gorm.DeletedAt `gorm:"index" json:"deleted_at,omitempty"`
}

func (SubConcept) TableName() string { return "sub_concept" }
