package domain

import "time"

// ReindexJobStatus represents the status of a full reindex run.
// Values include JobStatusPending, JobStatusRunning, JobStatusCompleted, and JobStatusFailed.
type ReindexJobStatus string

const (
	JobStatusPending   ReindexJobStatus = "pending"
	JobStatusRunning   ReindexJobStatus = "running"
	JobStatusCompleted ReindexJobStatus = "completed"
	JobStatusFailed    ReindexJobStatus = "failed"
)

// ReindexJob records one full catalog reindex and its progress metadata.
type ReindexJob struct {
	ID             string           `gorm:"type:text;primaryKey" json:"id"`
	Status         ReindexJobStatus `gorm:"default:pending" json:"status"`
	TotalItems     int              `gorm:"default:0" json:"total_items"`
	ProcessedItems int              `gorm:"default:0" json:"processed_items"`
	FailedItems    int              `gorm:"default:0" json:"failed_items"`
	StartedAt      *time.Time       `json:"started_at,omitempty"`
	CompletedAt    *time.Time       `json:"completed_at,omitempty"`
	ErrorLog       string           `json:"error_log,omitempty"`
	CreatedAt      time.Time        `json:"created_at"`
	UpdatedAt      time.Time        `json:"updated_at"`
}

// TableName returns the database table name for ReindexJob.
func (ReindexJob) TableName() string {
	return "reindex_jobs"
}
