package collector

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/leadgrid/harvester/pkg/browser"
	"github.com/leadgrid/harvester/pkg/db/models"
)

// TaskStatusReader is the slice of the task store the ingestion loop
// needs for its pause checkpoints.
type TaskStatusReader interface {
	GetStatus(ctx context.Context, taskID int64) (models.TaskStatus, error)
}

// CommentSink is the slice of the comment store the ingestion loop
// writes through. InsertBatch reports the user ids of the rows that
// actually landed, one entry per inserted row.
type CommentSink interface {
	InsertBatch(ctx context.Context, comments []models.Comment) ([]string, error)
	KnownUserIDs(ctx context.Context, keyword string) ([]string, error)
}

// StopReason explains why an ingestion run ended.
type StopReason string

const (
	// StopExhausted means the page converged: its scrollable height
	// stopped changing between two consecutive recovery checks.
	StopExhausted StopReason = "exhausted"
	// StopMaxRounds means the scroll-attempt budget ran out.
	StopMaxRounds StopReason = "max_rounds"
	// StopTaskNotRunning means a batch-flush checkpoint observed the
	// task leaving running (operator pause/stop). Partial completion,
	// not an error.
	StopTaskNotRunning StopReason = "task_not_running"
	// StopLimitReached means the per-video comment cap was hit.
	StopLimitReached StopReason = "limit_reached"
)

// ErrCaptchaTimeout is returned when a captcha stayed unresolved past
// the configured manual-resolution window.
var ErrCaptchaTimeout = fmt.Errorf("captcha unresolved within wait window")

// IngestParams identifies one video's ingestion run.
type IngestParams struct {
	TaskID      int64
	VideoID     int64
	VideoURL    string
	Keyword     string
	CollectedBy string
	MaxComments int
	Exclusion   *ExclusionSet
}

// IngestResult summarizes one video's ingestion run. Inserted counts
// rows actually written; flushed data is durable regardless of how the
// run ended.
type IngestResult struct {
	Inserted int64
	Seen     int
	Rounds   int
	Stopped  StopReason
}

// Ingestor runs the incremental scroll-extract-dedup-flush loop for one
// video at a time.
type Ingestor struct {
	comments CommentSink
	tasks    TaskStatusReader
	cfg      *Config
	limiter  *rate.Limiter
	logger   *logrus.Logger
}

// NewIngestor creates an Ingestor with a gesture rate limiter derived
// from the config.
func NewIngestor(comments CommentSink, tasks TaskStatusReader, cfg *Config) (*Ingestor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &Ingestor{
		comments: comments,
		tasks:    tasks,
		cfg:      cfg,
		limiter:  rate.NewLimiter(rate.Limit(cfg.GestureRate), 1),
		logger:   cfg.Logger,
	}, nil
}

// Run extracts, dedups and flushes comments from the page until the
// content converges, the round budget runs out, the per-video cap is
// hit, or a flush checkpoint sees the task leave running. Any buffered
// comments are flushed before returning, whatever the reason.
func (in *Ingestor) Run(ctx context.Context, page browser.Page, p IngestParams) (*IngestResult, error) {
	log := in.logger.WithFields(logrus.Fields{
		"task_id":  p.TaskID,
		"video_id": p.VideoID,
		"keyword":  p.Keyword,
	})

	result := &IngestResult{}
	buffer := make([]models.Comment, 0, in.cfg.BatchSize)
	// Per-run seen set, an optimization to skip redundant insert
	// attempts; global dedup is the unique constraint in the store.
	seen := make(map[string]struct{})

	ladder := newScrollLadder(in.cfg)
	lastRecoveryHeight := -1

	flush := func() error {
		insertedUsers, err := in.comments.InsertBatch(ctx, buffer)
		if err != nil {
			return err
		}
		result.Inserted += int64(len(insertedUsers))
		// Only users whose row actually landed join the exclusion set. A
		// pair absorbed as a global duplicate may belong to another
		// keyword; excluding that user here would silently drop their
		// future comments under this one.
		for _, userID := range insertedUsers {
			p.Exclusion.Add(userID)
		}
		buffer = buffer[:0]
		return nil
	}

	for round := 0; round < in.cfg.MaxScrollRounds; round++ {
		result.Rounds = round + 1

		if err := ctx.Err(); err != nil {
			ferr := flush()
			if ferr != nil {
				log.WithError(ferr).Error("Failed to flush buffered comments on cancellation")
			}
			return result, err
		}

		if page.CaptchaPresent(ctx) {
			if err := in.awaitCaptcha(ctx, page, log); err != nil {
				if ferr := flush(); ferr != nil {
					log.WithError(ferr).Error("Failed to flush buffered comments after captcha timeout")
				}
				return result, err
			}
		}

		raw, err := page.VisibleComments(ctx)
		if err != nil {
			// Transient extraction failure: back off and keep looping.
			log.WithError(err).Warn("Comment extraction failed, continuing")
			raw = nil
		}

		fresh := 0
		for _, rc := range raw {
			content := NormalizeContent(rc.Content, in.cfg.MaxCommentLength)
			if content == "" || rc.UserID == "" {
				continue
			}
			if p.Exclusion.Has(rc.UserID) {
				continue
			}
			key := rc.UserID + "\x00" + content
			if _, dup := seen[key]; dup {
				continue
			}
			seen[key] = struct{}{}
			fresh++
			result.Seen++

			buffer = append(buffer, models.Comment{
				VideoID:      p.VideoID,
				UserID:       rc.UserID,
				ReplyContent: content,
				ReplyTime:    rc.ReplyTime,
				LikesCount:   rc.Likes,
				IsPinned:     rc.Pinned,
				Keyword:      p.Keyword,
				CollectedBy:  p.CollectedBy,
				VideoURL:     p.VideoURL,
				CollectedAt:  time.Now(),
			})

			if len(buffer) >= in.cfg.BatchSize {
				stop, err := in.checkpointFlush(ctx, p.TaskID, flush, log)
				if err != nil {
					return result, err
				}
				if stop {
					result.Stopped = StopTaskNotRunning
					return result, nil
				}
			}

			if p.MaxComments > 0 && result.Seen >= p.MaxComments {
				if err := flush(); err != nil {
					return result, fmt.Errorf("failed to flush final batch: %w", err)
				}
				result.Stopped = StopLimitReached
				log.WithField("collected", result.Seen).Info("Per-video comment cap reached")
				return result, nil
			}
		}

		step, wait, recovery := ladder.advance(fresh)

		if recovery {
			if err := in.gesture(ctx, func() error { return page.JumpToBottom(ctx) }); err != nil {
				return result, err
			}
			if in.cfg.EndMarkerSelector != "" {
				if marker, present := page.FindText(ctx, in.cfg.EndMarkerSelector); present {
					if err := flush(); err != nil {
						return result, fmt.Errorf("failed to flush final batch: %w", err)
					}
					result.Stopped = StopExhausted
					log.WithFields(logrus.Fields{
						"marker":   marker,
						"inserted": result.Inserted,
					}).Info("End-of-comments marker found")
					return result, nil
				}
			}
			height, herr := page.ScrollHeight(ctx)
			if herr == nil {
				if height == lastRecoveryHeight {
					// Two consecutive full-scroll checks with no growth:
					// true end of content.
					if err := flush(); err != nil {
						return result, fmt.Errorf("failed to flush final batch: %w", err)
					}
					result.Stopped = StopExhausted
					log.WithFields(logrus.Fields{
						"rounds":   result.Rounds,
						"inserted": result.Inserted,
					}).Info("Comment section converged")
					return result, nil
				}
				lastRecoveryHeight = height
			}
			if err := in.gesture(ctx, func() error { return page.JumpToTop(ctx) }); err != nil {
				return result, err
			}
		}

		if err := in.gesture(ctx, func() error { return page.ScrollBy(ctx, step) }); err != nil {
			return result, err
		}

		select {
		case <-ctx.Done():
			// fall through to the top-of-loop cancellation handling
		case <-time.After(wait):
		}
	}

	if err := flush(); err != nil {
		return result, fmt.Errorf("failed to flush final batch: %w", err)
	}
	result.Stopped = StopMaxRounds
	log.WithFields(logrus.Fields{
		"rounds":   result.Rounds,
		"inserted": result.Inserted,
	}).Info("Scroll round budget exhausted")
	return result, nil
}

// checkpointFlush re-checks the owning task's status before flushing.
// Returns stop=true when the task is no longer running; the buffer is
// still flushed so already-extracted comments survive the pause.
func (in *Ingestor) checkpointFlush(ctx context.Context, taskID int64, flush func() error, log *logrus.Entry) (bool, error) {
	status, err := in.tasks.GetStatus(ctx, taskID)
	if err != nil {
		return false, fmt.Errorf("failed to check task status: %w", err)
	}

	if err := flush(); err != nil {
		return false, fmt.Errorf("failed to flush comment batch: %w", err)
	}

	if status != models.TaskStatusRunning {
		log.WithField("status", status).Info("Task left running, stopping ingestion")
		return true, nil
	}
	return false, nil
}

// awaitCaptcha polls for manual captcha resolution, bounded by the
// configured window.
func (in *Ingestor) awaitCaptcha(ctx context.Context, page browser.Page, log *logrus.Entry) error {
	log.Warn("Captcha detected, waiting for manual resolution")
	deadline := time.Now().Add(in.cfg.CaptchaWait)
	poll := min(5*time.Second, in.cfg.CaptchaWait)

	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(poll):
		}
		if !page.CaptchaPresent(ctx) {
			log.Info("Captcha resolved, resuming extraction")
			return nil
		}
	}
	return ErrCaptchaTimeout
}

// gesture applies the rate limiter before a page interaction.
func (in *Ingestor) gesture(ctx context.Context, fn func() error) error {
	if err := in.limiter.Wait(ctx); err != nil {
		return err
	}
	return fn()
}
