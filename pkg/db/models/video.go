package models

import "time"

// VideoStatus represents the claim state of a discovered video
type VideoStatus string

const (
	VideoStatusPending    VideoStatus = "pending"
	VideoStatusProcessing VideoStatus = "processing"
	VideoStatusCompleted  VideoStatus = "completed"
	VideoStatusFailed     VideoStatus = "failed"
)

// Video is one discovered post URL under a task, the unit of claimable
// work. ProcessingServerIP is non-null only while status is processing
// and identifies the worker holding the claim.
type Video struct {
	ID                 int64       `gorm:"primaryKey;column:id"`
	TaskID             int64       `gorm:"column:task_id;not null;uniqueIndex:uq_videos_task_url"`
	VideoURL           string      `gorm:"column:video_url;not null;uniqueIndex:uq_videos_task_url"`
	Status             VideoStatus `gorm:"column:status;not null;default:pending"`
	ProcessingServerIP *string     `gorm:"column:processing_server_ip"`
	ClaimedAt          *time.Time  `gorm:"column:claimed_at"`
	CreatedAt          time.Time   `gorm:"column:created_at;not null;default:CURRENT_TIMESTAMP"`
}

// TableName specifies the table name for the Video model
func (Video) TableName() string {
	return "videos"
}
