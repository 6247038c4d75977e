package models

import "time"

// Comment is one (user, content) observation under a video. The unique
// constraint on (user_id, reply_content) is the system-wide dedup
// mechanism; inserts hitting it are absorbed with ON CONFLICT DO NOTHING.
type Comment struct {
	ID              int64     `gorm:"primaryKey;column:id"`
	VideoID         int64     `gorm:"column:video_id"`
	UserID          string    `gorm:"column:user_id;not null;uniqueIndex:uq_comments_user_content"`
	ReplyContent    string    `gorm:"column:reply_content;not null;uniqueIndex:uq_comments_user_content"`
	ReplyTime       string    `gorm:"column:reply_time"`
	LikesCount      int       `gorm:"column:likes_count;default:0"`
	IsPinned        bool      `gorm:"column:is_pinned;default:false"`
	ParentCommentID *int64    `gorm:"column:parent_comment_id"`
	Keyword         string    `gorm:"column:keyword"`
	CollectedBy     string    `gorm:"column:collected_by"`
	VideoURL        string    `gorm:"column:video_url"`
	CollectedAt     time.Time `gorm:"column:collected_at;not null;default:CURRENT_TIMESTAMP"`
}

// TableName specifies the table name for the Comment model
func (Comment) TableName() string {
	return "comments"
}

// TaskLog is a per-task audit line written at pipeline milestones.
type TaskLog struct {
	ID        int64     `gorm:"primaryKey;column:id"`
	TaskID    int64     `gorm:"column:task_id;not null"`
	Level     string    `gorm:"column:level;default:info"`
	Message   string    `gorm:"column:message;not null"`
	CreatedAt time.Time `gorm:"column:created_at;not null;default:CURRENT_TIMESTAMP"`
}

// TableName specifies the table name for the TaskLog model
func (TaskLog) TableName() string {
	return "task_logs"
}
