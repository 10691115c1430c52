package models

import (
	"context"
	"time"

	"bitbucket.org/datafocusmx/renec_backend/config"
)

const (
	SyncJobStatusPending   = "pending"
	SyncJobStatusRunning   = "running"
	SyncJobStatusCompleted = "completed"
	SyncJobStatusFailed    = "failed"
)

const (
	SyncTriggeredManual    = "manual"
	SyncTriggeredScheduled = "scheduled"
	SyncTriggeredSystem    = "system"
)

// SyncJob is the persisted record of one entity-kind sync within a harvest
// run. It survives process restarts; the HarvestRun itself is in-memory only.
type SyncJob struct {
	ID           uint       `gorm:"primary_key" json:"id"`
	JobType      string     `gorm:"index;size:30;not null" json:"job_type"`
	HarvestRunId string     `gorm:"index;size:64" json:"harvest_run_id"`
	Status       string     `gorm:"size:20;not null" json:"status"`
	TriggeredBy  string     `gorm:"size:20" json:"triggered_by"`
	Processed    int        `gorm:"default:0" json:"processed"`
	Created      int        `gorm:"default:0" json:"created"`
	Updated      int        `gorm:"default:0" json:"updated"`
	Skipped      int        `gorm:"default:0" json:"skipped"`
	ErrorCount   int        `gorm:"default:0" json:"error_count"`
	Pages        int        `gorm:"default:0" json:"pages"`
	StartedAt    *time.Time `json:"started_at"`
	CompletedAt  *time.Time `json:"completed_at"`
	DurationMs   int64      `json:"duration_ms"`
	Message      string     `gorm:"type:text" json:"message"`
	CreatedAt    time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt    time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

// SyncJobError is one recovered per-record failure. ExternalKey carries the
// offending record's natural key when it had one.
type SyncJobError struct {
	ID          uint      `gorm:"primary_key" json:"id"`
	SyncJobId   uint      `gorm:"index;not null" json:"sync_job_id"`
	EntityType  string    `gorm:"size:30" json:"entity_type"`
	ExternalKey string    `gorm:"size:64" json:"external_key"`
	ErrorCode   string    `gorm:"size:64" json:"error_code"`
	Message     string    `gorm:"type:text" json:"message"`
	PayloadJSON []byte    `gorm:"type:json" json:"payload"`
	Retryable   bool      `gorm:"default:false" json:"retryable"`
	CreatedAt   time.Time `gorm:"autoCreateTime" json:"created_at"`
}

// PruneSyncJobs deletes finished jobs older than the retention window,
// error rows first so nothing dangles.
func PruneSyncJobs(ctx context.Context, retentionDays int) error {
	db := config.GetDB().WithContext(ctx)
	cutoff := time.Now().Add(-time.Duration(retentionDays) * 24 * time.Hour)

	var staleIds []uint
	if err := db.Model(&SyncJob{}).
		Where("created_at < ? AND status IN ?", cutoff, []string{SyncJobStatusCompleted, SyncJobStatusFailed}).
		Pluck("id", &staleIds).Error; err != nil {
		return err
	}
	if len(staleIds) == 0 {
		return nil
	}

	if err := db.Where("sync_job_id IN ?", staleIds).Delete(&SyncJobError{}).Error; err != nil {
		return err
	}
	return db.Where("id IN ?", staleIds).Delete(&SyncJob{}).Error
}
