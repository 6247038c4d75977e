package models

import (
	"time"

	"github.com/lib/pq"
)

// TaskStatus represents the lifecycle state of a collection task
type TaskStatus string

const (
	TaskStatusPending   TaskStatus = "pending"
	TaskStatusRunning   TaskStatus = "running"
	TaskStatusCompleted TaskStatus = "completed"
	TaskStatusFailed    TaskStatus = "failed"
	TaskStatusPaused    TaskStatus = "paused"
)

// Valid reports whether s is one of the known task statuses.
func (s TaskStatus) Valid() bool {
	switch s {
	case TaskStatusPending, TaskStatusRunning, TaskStatusCompleted,
		TaskStatusFailed, TaskStatusPaused:
		return true
	}
	return false
}

// Terminal reports whether no further transitions are allowed from s.
func (s TaskStatus) Terminal() bool {
	return s == TaskStatusCompleted || s == TaskStatusFailed
}

// Task is one keyword-scoped collection run. ServerIPs accumulates every
// worker that has touched the task; TotalVideosProcessed is a monotonic
// counter maintained by the video queue.
type Task struct {
	ID                   int64          `gorm:"primaryKey;column:id"`
	Keyword              string         `gorm:"column:keyword;not null"`
	Status               TaskStatus     `gorm:"column:status;not null;default:pending"`
	MaxVideos            int            `gorm:"column:max_videos;default:20"`
	MaxCommentsPerVideo  int            `gorm:"column:max_comments_per_video;default:500"`
	StartTime            *time.Time     `gorm:"column:start_time"`
	EndTime              *time.Time     `gorm:"column:end_time"`
	RetryCount           int            `gorm:"column:retry_count;default:0"`
	ServerIPs            pq.StringArray `gorm:"column:server_ips;type:text[]"`
	TotalVideosProcessed int            `gorm:"column:total_videos_processed;default:0"`
	CreatedAt            time.Time      `gorm:"column:created_at;not null;default:CURRENT_TIMESTAMP"`
}

// TableName specifies the table name for the Task model
func (Task) TableName() string {
	return "tasks"
}

// TaskProgress is the derived per-task progress view.
type TaskProgress struct {
	TotalVideos     int64 `json:"total_videos"`
	ProcessedVideos int64 `json:"processed_videos"`
	PendingVideos   int64 `json:"pending_videos"`
}
