package store

import (
	"context"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"github.com/leadgrid/harvester/pkg/db/models"
)

// CommentStore persists ingested comments. Uniqueness on
// (user_id, reply_content) is global, so a user's identical comment text
// is stored at most once system-wide; conflicting inserts are absorbed
// with ON CONFLICT DO NOTHING.
type CommentStore struct {
	db     *gorm.DB
	logger *logrus.Logger
}

// NewCommentStore creates a CommentStore backed by the given database
// handle.
func NewCommentStore(db *gorm.DB, logger *logrus.Logger) *CommentStore {
	if logger == nil {
		logger = logrus.New()
	}
	return &CommentStore{db: db, logger: logger}
}

// InsertBatch writes a batch of comments with insert-or-ignore semantics
// and returns the user ids of the rows actually inserted, one entry per
// landed row. Duplicates are a normal outcome, never an error; their
// user ids are not reported, so callers can tell which users really
// gained a row under this keyword.
func (s *CommentStore) InsertBatch(ctx context.Context, comments []models.Comment) ([]string, error) {
	if len(comments) == 0 {
		return nil, nil
	}

	var (
		sb   strings.Builder
		args []interface{}
	)
	sb.WriteString(`INSERT INTO comments
		(video_id, user_id, reply_content, reply_time, likes_count, is_pinned, keyword, collected_by, video_url, collected_at)
		VALUES `)
	for i, c := range comments {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString("(?, ?, ?, ?, ?, ?, ?, ?, ?, ?)")
		args = append(args, c.VideoID, c.UserID, c.ReplyContent, c.ReplyTime,
			c.LikesCount, c.IsPinned, c.Keyword, c.CollectedBy, c.VideoURL, c.CollectedAt)
	}
	sb.WriteString(" ON CONFLICT (user_id, reply_content) DO NOTHING RETURNING user_id")

	var inserted []string
	if err := s.db.WithContext(ctx).Raw(sb.String(), args...).Scan(&inserted).Error; err != nil {
		return nil, fmt.Errorf("failed to insert comment batch: %w", err)
	}

	s.logger.WithFields(logrus.Fields{
		"batch_size": len(comments),
		"inserted":   len(inserted),
	}).Debug("Flushed comment batch")
	return inserted, nil
}

// KnownUserIDs loads the exclusion set for a keyword: every user id
// already recorded under it. One query at run start; the ingestion loop
// augments the in-memory copy as batches flush.
func (s *CommentStore) KnownUserIDs(ctx context.Context, keyword string) ([]string, error) {
	var userIDs []string
	err := s.db.WithContext(ctx).Model(&models.Comment{}).
		Where("keyword = ?", keyword).
		Distinct().
		Pluck("user_id", &userIDs).Error
	if err != nil {
		return nil, fmt.Errorf("failed to load known user ids: %w", err)
	}

	s.logger.WithFields(logrus.Fields{
		"keyword":  keyword,
		"excluded": len(userIDs),
	}).Debug("Loaded exclusion set")
	return userIDs, nil
}

// ListByKeyword returns stored comments for a keyword, newest first, for
// the read side consumed by the dashboard and analysis stages.
func (s *CommentStore) ListByKeyword(ctx context.Context, keyword string, limit int) ([]models.Comment, error) {
	if limit <= 0 {
		limit = 100
	}
	var comments []models.Comment
	err := s.db.WithContext(ctx).
		Where("keyword = ?", keyword).
		Order("collected_at DESC").
		Limit(limit).
		Find(&comments).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list comments by keyword: %w", err)
	}
	return comments, nil
}

// CountByKeyword returns the number of stored comments for a keyword.
func (s *CommentStore) CountByKeyword(ctx context.Context, keyword string) (int64, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&models.Comment{}).
		Where("keyword = ?", keyword).
		Count(&count).Error
	if err != nil {
		return 0, fmt.Errorf("failed to count comments by keyword: %w", err)
	}
	return count, nil
}
