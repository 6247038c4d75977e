package models

import "time"

// FilteredComment is a comment that survived the pre-classification
// filter, keyed by (keyword, user_id, reply_content) with upsert on
// re-filtering.
type FilteredComment struct {
	ID           int64     `gorm:"primaryKey;column:id"`
	Keyword      string    `gorm:"column:keyword;not null;uniqueIndex:uq_filtered_key"`
	UserID       string    `gorm:"column:user_id;not null;uniqueIndex:uq_filtered_key"`
	ReplyContent string    `gorm:"column:reply_content;not null;uniqueIndex:uq_filtered_key"`
	FilteredAt   time.Time `gorm:"column:filtered_at;not null;default:CURRENT_TIMESTAMP"`
}

// TableName specifies the table name for the FilteredComment model
func (FilteredComment) TableName() string {
	return "filtered_comments"
}

// AnalyzedComment carries the first-round LLM label for a commenter.
type AnalyzedComment struct {
	ID           int64     `gorm:"primaryKey;column:id"`
	Keyword      string    `gorm:"column:keyword;not null;uniqueIndex:uq_analyzed_key"`
	UserID       string    `gorm:"column:user_id;not null;uniqueIndex:uq_analyzed_key"`
	ReplyContent string    `gorm:"column:reply_content;not null;uniqueIndex:uq_analyzed_key"`
	Label        string    `gorm:"column:label;not null"`
	Confidence   float64   `gorm:"column:confidence;default:0"`
	AnalyzedAt   time.Time `gorm:"column:analyzed_at;not null;default:CURRENT_TIMESTAMP"`
}

// TableName specifies the table name for the AnalyzedComment model
func (AnalyzedComment) TableName() string {
	return "analyzed_comments"
}

// SecondRoundAnalyzedComment carries the second-round label plus the
// generated outreach message for a commenter.
type SecondRoundAnalyzedComment struct {
	ID              int64     `gorm:"primaryKey;column:id"`
	Keyword         string    `gorm:"column:keyword;not null;uniqueIndex:uq_second_round_key"`
	UserID          string    `gorm:"column:user_id;not null;uniqueIndex:uq_second_round_key"`
	ReplyContent    string    `gorm:"column:reply_content;not null;uniqueIndex:uq_second_round_key"`
	Label           string    `gorm:"column:label;not null"`
	OutreachMessage string    `gorm:"column:outreach_message"`
	AnalyzedAt      time.Time `gorm:"column:analyzed_at;not null;default:CURRENT_TIMESTAMP"`
}

// TableName specifies the table name for the SecondRoundAnalyzedComment model
func (SecondRoundAnalyzedComment) TableName() string {
	return "second_round_analyzed_comments"
}
