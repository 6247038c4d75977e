package analysis

import (
	"strings"
	"time"
	"unicode/utf8"

	"github.com/sirupsen/logrus"

	"github.com/leadgrid/harvester/pkg/db/models"
)

// Filter is the rule-based pre-classification pass. It cuts the obvious
// noise before any model call is spent: too-short reactions, oversized
// copypasta and comments carrying banned substrings.
type Filter struct {
	cfg    *Config
	banned []string
	logger *logrus.Logger
}

// NewFilter creates a Filter from the analysis config.
func NewFilter(cfg *Config) (*Filter, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	banned := make([]string, 0, len(cfg.BannedSubstrings))
	for _, s := range cfg.BannedSubstrings {
		banned = append(banned, strings.ToLower(s))
	}

	return &Filter{cfg: cfg, banned: banned, logger: cfg.Logger}, nil
}

// Apply returns the comments that pass the rules, in lineage form.
// Duplicate (user, content) pairs within the input are collapsed.
func (f *Filter) Apply(keyword string, comments []models.Comment) []models.FilteredComment {
	seen := make(map[string]struct{}, len(comments))
	out := make([]models.FilteredComment, 0, len(comments))
	now := time.Now()

	for _, c := range comments {
		if !f.passes(c.ReplyContent) {
			continue
		}
		key := c.UserID + "\x00" + c.ReplyContent
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}

		out = append(out, models.FilteredComment{
			Keyword:      keyword,
			UserID:       c.UserID,
			ReplyContent: c.ReplyContent,
			FilteredAt:   now,
		})
	}

	f.logger.WithFields(logrus.Fields{
		"keyword": keyword,
		"in":      len(comments),
		"out":     len(out),
	}).Debug("Pre-classification filter applied")
	return out
}

func (f *Filter) passes(content string) bool {
	n := utf8.RuneCountInString(content)
	if n < f.cfg.MinCommentLength || n > f.cfg.MaxCommentLength {
		return false
	}
	lower := strings.ToLower(content)
	for _, b := range f.banned {
		if strings.Contains(lower, b) {
			return false
		}
	}
	return true
}
