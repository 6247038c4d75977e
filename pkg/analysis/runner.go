package analysis

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/leadgrid/harvester/pkg/db/models"
	"github.com/leadgrid/harvester/pkg/llm"
)

// CommentSource is the slice of the comment store the analysis run
// reads from.
type CommentSource interface {
	ListByKeyword(ctx context.Context, keyword string, limit int) ([]models.Comment, error)
}

// Sink is the slice of the analysis store the run writes through.
type Sink interface {
	SaveFiltered(ctx context.Context, rows []models.FilteredComment) error
	SaveAnalyzed(ctx context.Context, rows []models.AnalyzedComment) error
	SaveSecondRound(ctx context.Context, rows []models.SecondRoundAnalyzedComment) error
	ListAnalyzed(ctx context.Context, keyword string, label string) ([]models.AnalyzedComment, error)
}

// Summary reports what one analysis run did.
type Summary struct {
	Fetched  int
	Filtered int
	Analyzed int
	Leads    int
	Drafted  int
}

// Analyzer chains the three stages over a keyword's collected comments:
// rule filter, batched classification, outreach drafting. Each stage
// persists before the next starts, so a failed run resumes from durable
// state instead of re-spending model calls.
type Analyzer struct {
	comments   CommentSource
	sink       Sink
	filter     *Filter
	classifier *Classifier
	outreach   *Outreach
	cfg        *Config
	logger     *logrus.Logger
}

// NewAnalyzer wires the analysis stages over a shared model client.
func NewAnalyzer(comments CommentSource, sink Sink, model llm.LLM, cfg *Config) (*Analyzer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	filter, err := NewFilter(cfg)
	if err != nil {
		return nil, err
	}
	classifier, err := NewClassifier(model, cfg)
	if err != nil {
		return nil, err
	}
	outreach, err := NewOutreach(model, cfg)
	if err != nil {
		return nil, err
	}

	return &Analyzer{
		comments:   comments,
		sink:       sink,
		filter:     filter,
		classifier: classifier,
		outreach:   outreach,
		cfg:        cfg,
		logger:     cfg.Logger,
	}, nil
}

// Run analyzes up to limit stored comments for the keyword.
func (a *Analyzer) Run(ctx context.Context, keyword string, limit int) (*Summary, error) {
	log := a.logger.WithField("keyword", keyword)
	summary := &Summary{}

	comments, err := a.comments.ListByKeyword(ctx, keyword, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to load comments: %w", err)
	}
	summary.Fetched = len(comments)
	if len(comments) == 0 {
		log.Info("No comments to analyze")
		return summary, nil
	}

	filtered := a.filter.Apply(keyword, comments)
	summary.Filtered = len(filtered)
	if err := a.sink.SaveFiltered(ctx, filtered); err != nil {
		return summary, err
	}

	for start := 0; start < len(filtered); start += a.cfg.BatchSize {
		end := min(start+a.cfg.BatchSize, len(filtered))

		analyzed, err := a.classifier.ClassifyBatch(ctx, keyword, filtered[start:end])
		if err != nil {
			return summary, fmt.Errorf("failed to classify batch at %d: %w", start, err)
		}
		if err := a.sink.SaveAnalyzed(ctx, analyzed); err != nil {
			return summary, err
		}
		summary.Analyzed += len(analyzed)
	}

	leads, err := a.sink.ListAnalyzed(ctx, keyword, LabelPotentialLead)
	if err != nil {
		return summary, err
	}
	summary.Leads = len(leads)

	drafts, derr := a.outreach.Draft(ctx, keyword, leads)
	if err := a.sink.SaveSecondRound(ctx, drafts); err != nil {
		return summary, err
	}
	summary.Drafted = len(drafts)

	log.WithFields(logrus.Fields{
		"fetched":  summary.Fetched,
		"filtered": summary.Filtered,
		"analyzed": summary.Analyzed,
		"leads":    summary.Leads,
		"drafted":  summary.Drafted,
	}).Info("Analysis run finished")

	// Partial outreach failures are reported after everything durable is
	// saved.
	if derr != nil {
		return summary, fmt.Errorf("some outreach drafts failed: %w", derr)
	}
	return summary, nil
}
