package analysis

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/leadgrid/harvester/pkg/db/models"
	"github.com/leadgrid/harvester/pkg/llm"
	prompts "github.com/leadgrid/harvester/pkg/prompts/templates"
)

// Labels assigned by the first classification round.
const (
	LabelPotentialLead = "potential_lead"
	LabelNotLead       = "not_lead"
	LabelUnclear       = "unclear"
)

var classificationLabels = []string{LabelPotentialLead, LabelNotLead, LabelUnclear}

// ErrMalformedResponse is returned when the model output could not be
// parsed as a valid labeling after all retries.
var ErrMalformedResponse = fmt.Errorf("malformed classification response")

// Classifier runs batched first-round labeling over filtered comments.
// Model output is untrusted: it is parsed strictly and the call is
// retried on malformed responses, up to the configured limit.
type Classifier struct {
	model  llm.LLM
	cfg    *Config
	logger *logrus.Logger
}

// NewClassifier creates a Classifier over the given model.
func NewClassifier(model llm.LLM, cfg *Config) (*Classifier, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Classifier{model: model, cfg: cfg, logger: cfg.Logger}, nil
}

// ClassifyBatch labels one batch of filtered comments. Rows come back in
// input order; a comment whose index the model omitted is labeled
// unclear with zero confidence rather than dropped.
func (c *Classifier) ClassifyBatch(ctx context.Context, keyword string, rows []models.FilteredComment) ([]models.AnalyzedComment, error) {
	if len(rows) == 0 {
		return nil, nil
	}

	var numbered strings.Builder
	for i, row := range rows {
		fmt.Fprintf(&numbered, "%d. %s\n", i+1, row.ReplyContent)
	}

	prompt, err := prompts.NewClassificationPrompt(classificationLabels).Format(map[string]any{
		"keyword":  keyword,
		"comments": numbered.String(),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to build classification prompt: %w", err)
	}

	log := c.logger.WithFields(logrus.Fields{
		"keyword": keyword,
		"batch":   len(rows),
	})

	var verdicts []verdict
	for attempt := 0; ; attempt++ {
		output, err := c.model.Generate(ctx, prompt, llm.WithTemperature(0.1))
		if err != nil {
			return nil, fmt.Errorf("classification call failed: %w", err)
		}

		verdicts, err = parseVerdicts(output, len(rows))
		if err == nil {
			break
		}
		if attempt >= c.cfg.MaxRetries {
			return nil, fmt.Errorf("%w after %d attempts: %v", ErrMalformedResponse, attempt+1, err)
		}
		log.WithError(err).WithField("attempt", attempt+1).Warn("Retrying malformed classification response")
	}

	now := time.Now()
	out := make([]models.AnalyzedComment, len(rows))
	for i, row := range rows {
		out[i] = models.AnalyzedComment{
			Keyword:      keyword,
			UserID:       row.UserID,
			ReplyContent: row.ReplyContent,
			Label:        LabelUnclear,
			AnalyzedAt:   now,
		}
	}
	for _, v := range verdicts {
		r := &out[v.Index-1]
		r.Label = v.Label
		r.Confidence = v.Confidence
	}

	log.Info("Classified comment batch")
	return out, nil
}

type verdict struct {
	Index      int     `json:"index"`
	Label      string  `json:"label"`
	Confidence float64 `json:"confidence"`
}

// parseVerdicts extracts and validates the JSON array from a model
// response, tolerating prose or code fences around it.
func parseVerdicts(output string, n int) ([]verdict, error) {
	start := strings.Index(output, "[")
	end := strings.LastIndex(output, "]")
	if start == -1 || end <= start {
		return nil, fmt.Errorf("no JSON array in response")
	}

	var verdicts []verdict
	if err := json.Unmarshal([]byte(output[start:end+1]), &verdicts); err != nil {
		return nil, fmt.Errorf("invalid JSON array: %w", err)
	}
	if len(verdicts) == 0 {
		return nil, fmt.Errorf("empty labeling")
	}

	for _, v := range verdicts {
		if v.Index < 1 || v.Index > n {
			return nil, fmt.Errorf("index %d out of range 1..%d", v.Index, n)
		}
		if !validLabel(v.Label) {
			return nil, fmt.Errorf("unknown label %q", v.Label)
		}
		if v.Confidence < 0 || v.Confidence > 1 {
			return nil, fmt.Errorf("confidence %v out of range", v.Confidence)
		}
	}
	return verdicts, nil
}

func validLabel(label string) bool {
	for _, l := range classificationLabels {
		if label == l {
			return true
		}
	}
	return false
}
