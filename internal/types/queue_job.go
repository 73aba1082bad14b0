package types

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

type QueueJobStatus string

const (
	QueueJobQueued    QueueJobStatus = "queued"
	QueueJobRunning   QueueJobStatus = "running"
	QueueJobCompleted QueueJobStatus = "completed"
	QueueJobFailed    QueueJobStatus = "failed"
	QueueJobCancelled QueueJobStatus = "cancelled"
)

// QueueJob is one durable queue entry. Workers claim due rows with
// SELECT ... FOR UPDATE SKIP LOCKED; a failed attempt is rescheduled by
// pushing run_at forward with exponential backoff until max_attempts.
type QueueJob struct {
	ID            uuid.UUID      `gorm:"type:uuid;default:uuid_generate_v4();primaryKey" json:"id"`
	Queue         string         `gorm:"column:queue;not null;index" json:"queue"`
	Name          string         `gorm:"column:name;not null" json:"name"`
	Key           string         `gorm:"column:key;index" json:"key,omitempty"`
	Payload       datatypes.JSON `gorm:"column:payload;type:jsonb" json:"payload"`
	Status        QueueJobStatus `gorm:"column:status;not null;default:'queued';index" json:"status"`
	Attempts      int            `gorm:"column:attempts;not null;default:0" json:"attempts"`
	MaxAttempts   int            `gorm:"column:max_attempts;not null;default:1" json:"max_attempts"`
	BackoffType   string         `gorm:"column:backoff_type" json:"backoff_type,omitempty"`
	BackoffDelay  int64          `gorm:"column:backoff_delay_ms" json:"backoff_delay_ms,omitempty"`
	RunAt         time.Time      `gorm:"column:run_at;not null;index" json:"run_at"`
	LockedAt      *time.Time     `gorm:"column:locked_at;index" json:"locked_at,omitempty"`
	LastError     string         `gorm:"column:last_error" json:"last_error,omitempty"`
	CreatedAt     time.Time      `gorm:"not null;default:now();index" json:"created_at"`
	UpdatedAt     time.Time      `gorm:"not null;default:now()" json:"updated_at"`
}

func (QueueJob) TableName() string { return "queue_job" }

func (j *QueueJob) Active() bool {
	return j.Status == QueueJobQueued || j.Status == QueueJobRunning
}
