package store

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/leadgrid/harvester/pkg/db/models"
)

// AnalysisStore persists the downstream comment lineage. Every table is
// keyed by (keyword, user_id, reply_content) and upserts on re-analysis,
// so re-running a stage refreshes labels instead of duplicating rows.
type AnalysisStore struct {
	db     *gorm.DB
	logger *logrus.Logger
}

// NewAnalysisStore creates an AnalysisStore backed by the given database
// handle.
func NewAnalysisStore(db *gorm.DB, logger *logrus.Logger) *AnalysisStore {
	if logger == nil {
		logger = logrus.New()
	}
	return &AnalysisStore{db: db, logger: logger}
}

var lineageKey = []clause.Column{
	{Name: "keyword"}, {Name: "user_id"}, {Name: "reply_content"},
}

// SaveFiltered upserts comments that passed the pre-classification filter.
func (s *AnalysisStore) SaveFiltered(ctx context.Context, rows []models.FilteredComment) error {
	if len(rows) == 0 {
		return nil
	}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   lineageKey,
		DoUpdates: clause.AssignmentColumns([]string{"filtered_at"}),
	}).Create(&rows).Error
	if err != nil {
		return fmt.Errorf("failed to save filtered comments: %w", err)
	}
	return nil
}

// SaveAnalyzed upserts first-round classification results.
func (s *AnalysisStore) SaveAnalyzed(ctx context.Context, rows []models.AnalyzedComment) error {
	if len(rows) == 0 {
		return nil
	}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   lineageKey,
		DoUpdates: clause.AssignmentColumns([]string{"label", "confidence", "analyzed_at"}),
	}).Create(&rows).Error
	if err != nil {
		return fmt.Errorf("failed to save analyzed comments: %w", err)
	}

	s.logger.WithField("rows", len(rows)).Debug("Saved analyzed comments")
	return nil
}

// SaveSecondRound upserts second-round labels and generated outreach
// messages.
func (s *AnalysisStore) SaveSecondRound(ctx context.Context, rows []models.SecondRoundAnalyzedComment) error {
	if len(rows) == 0 {
		return nil
	}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   lineageKey,
		DoUpdates: clause.AssignmentColumns([]string{"label", "outreach_message", "analyzed_at"}),
	}).Create(&rows).Error
	if err != nil {
		return fmt.Errorf("failed to save second round analysis: %w", err)
	}
	return nil
}

// ListAnalyzed returns first-round results for a keyword, used as input
// for the second analysis round.
func (s *AnalysisStore) ListAnalyzed(ctx context.Context, keyword string, label string) ([]models.AnalyzedComment, error) {
	q := s.db.WithContext(ctx).Where("keyword = ?", keyword)
	if label != "" {
		q = q.Where("label = ?", label)
	}
	var rows []models.AnalyzedComment
	if err := q.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to list analyzed comments: %w", err)
	}
	return rows, nil
}
