package analysis

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/leadgrid/harvester/pkg/db/models"
	"github.com/leadgrid/harvester/pkg/llm"
	prompts "github.com/leadgrid/harvester/pkg/prompts/templates"
)

// Outreach drafts a direct message for each confirmed lead, one model
// call per commenter.
type Outreach struct {
	model  llm.LLM
	cfg    *Config
	logger *logrus.Logger
}

// NewOutreach creates an Outreach generator over the given model.
func NewOutreach(model llm.LLM, cfg *Config) (*Outreach, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Outreach{model: model, cfg: cfg, logger: cfg.Logger}, nil
}

// Draft generates second-round rows for the given leads. A failed or
// empty draft skips that lead and keeps going; the error of the last
// failure is returned alongside the successful rows.
func (o *Outreach) Draft(ctx context.Context, keyword string, leads []models.AnalyzedComment) ([]models.SecondRoundAnalyzedComment, error) {
	template := prompts.NewOutreachPrompt()
	now := time.Now()

	var lastErr error
	out := make([]models.SecondRoundAnalyzedComment, 0, len(leads))
	for _, lead := range leads {
		prompt, err := template.Format(map[string]any{
			"keyword": keyword,
			"comment": lead.ReplyContent,
		})
		if err != nil {
			return out, fmt.Errorf("failed to build outreach prompt: %w", err)
		}

		message, err := o.model.Generate(ctx, prompt, llm.WithTemperature(0.7))
		if err != nil {
			o.logger.WithError(err).WithField("user_id", lead.UserID).
				Warn("Outreach draft failed, skipping lead")
			lastErr = err
			continue
		}

		message = strings.TrimSpace(message)
		if message == "" {
			o.logger.WithField("user_id", lead.UserID).Warn("Empty outreach draft, skipping lead")
			continue
		}

		out = append(out, models.SecondRoundAnalyzedComment{
			Keyword:         keyword,
			UserID:          lead.UserID,
			ReplyContent:    lead.ReplyContent,
			Label:           lead.Label,
			OutreachMessage: message,
			AnalyzedAt:      now,
		})
	}
	return out, lastErr
}
