package collector

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/leadgrid/harvester/pkg/browser"
	"github.com/leadgrid/harvester/pkg/db/models"
	"github.com/leadgrid/harvester/pkg/store"
)

// TaskController is the slice of the task store the pipeline drives.
type TaskController interface {
	TaskStatusReader
	GetTask(ctx context.Context, taskID int64) (*models.Task, error)
	Transition(ctx context.Context, taskID int64, newStatus models.TaskStatus) error
	AppendLog(ctx context.Context, taskID int64, level, message string) error
}

// WorkQueue is the slice of the video queue the pipeline consumes.
type WorkQueue interface {
	EnqueueDiscovered(ctx context.Context, taskID int64, urls []string) (int64, error)
	ClaimNext(ctx context.Context, taskID int64, workerIP string, excludeIDs []int64) (*store.VideoClaim, error)
	MarkCompleted(ctx context.Context, videoID int64) error
	MarkFailed(ctx context.Context, videoID int64) error
	IncrementTaskProgress(ctx context.Context, taskID int64, n int) error
}

// claimTracker records which video ids this process is actively
// ingesting. Sibling workers share one worker IP, so without the
// exclusion the affinity claim would hand a live claim to a second
// goroutine as a resume.
type claimTracker struct {
	mu  sync.Mutex
	ids map[int64]struct{}
}

func newClaimTracker() *claimTracker {
	return &claimTracker{ids: make(map[int64]struct{})}
}

func (t *claimTracker) snapshot() []int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]int64, 0, len(t.ids))
	for id := range t.ids {
		out = append(out, id)
	}
	return out
}

// add reports false when the id is already tracked by another worker.
func (t *claimTracker) add(id int64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, dup := t.ids[id]; dup {
		return false
	}
	t.ids[id] = struct{}{}
	return true
}

func (t *claimTracker) remove(id int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.ids, id)
}

// Pipeline executes one accepted task trigger end to end: login, keyword
// search, enqueue of discovered videos, then claim/ingest until the
// backlog is exhausted. It runs as an independent unit of concurrency;
// the dispatch API only acknowledges acceptance.
type Pipeline struct {
	tasks    TaskController
	queue    WorkQueue
	comments CommentSink
	pool     *browser.Pool
	ingestor *Ingestor
	workerIP string
	cfg      *Config
	logger   *logrus.Logger
}

// NewPipeline wires a Pipeline for this worker process.
func NewPipeline(tasks TaskController, queue WorkQueue, comments CommentSink, pool *browser.Pool, workerIP string, cfg *Config) (*Pipeline, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	ingestor, err := NewIngestor(comments, tasks, cfg)
	if err != nil {
		return nil, err
	}
	return &Pipeline{
		tasks:    tasks,
		queue:    queue,
		comments: comments,
		pool:     pool,
		ingestor: ingestor,
		workerIP: workerIP,
		cfg:      cfg,
		logger:   cfg.Logger,
	}, nil
}

// Run collects for one task until its video backlog is exhausted or the
// context is canceled. Store errors on individual videos fail that video
// only; the task is completed when the queue drains while it is still
// running.
func (p *Pipeline) Run(ctx context.Context, taskID int64) error {
	log := p.logger.WithField("task_id", taskID)

	task, err := p.tasks.GetTask(ctx, taskID)
	if err != nil {
		return err
	}

	session, err := p.pool.Acquire(ctx)
	if err != nil {
		return err
	}
	defer p.pool.Release(session)

	identity, err := session.Login(ctx)
	if err != nil {
		p.logTask(ctx, taskID, "error", fmt.Sprintf("login failed: %v", err))
		return fmt.Errorf("failed to log in scraping identity: %w", err)
	}
	log.WithField("identity", identity.Username).Info("Logged in for collection")

	urls, err := session.Search(ctx, task.Keyword)
	if err != nil {
		p.logTask(ctx, taskID, "error", fmt.Sprintf("search failed: %v", err))
		return fmt.Errorf("failed to search keyword %q: %w", task.Keyword, err)
	}
	if task.MaxVideos > 0 && len(urls) > task.MaxVideos {
		urls = urls[:task.MaxVideos]
	}

	inserted, err := p.queue.EnqueueDiscovered(ctx, taskID, urls)
	if err != nil {
		return fmt.Errorf("failed to enqueue discovered videos: %w", err)
	}
	p.logTask(ctx, taskID, "info",
		fmt.Sprintf("discovered %d urls, %d new", len(urls), inserted))

	knownIDs, err := p.comments.KnownUserIDs(ctx, task.Keyword)
	if err != nil {
		return fmt.Errorf("failed to load exclusion set: %w", err)
	}
	exclusion := NewExclusionSet(knownIDs)

	var paused atomic.Bool
	tracker := newClaimTracker()
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.cfg.VideoWorkers)

	for w := 0; w < p.cfg.VideoWorkers; w++ {
		g.Go(func() error {
			for {
				if err := gctx.Err(); err != nil {
					return err
				}

				claim, err := p.queue.ClaimNext(gctx, taskID, p.workerIP, tracker.snapshot())
				if err != nil {
					return err
				}
				if claim == nil {
					return nil
				}
				if !tracker.add(claim.ID) {
					// A sibling raced us to this claim between snapshot and
					// query; the next snapshot excludes it.
					continue
				}

				stopped, err := p.processVideo(gctx, session, task, claim, exclusion)
				tracker.remove(claim.ID)
				if err != nil {
					return err
				}
				if stopped {
					paused.Store(true)
					return nil
				}
			}
		})
	}

	if err := g.Wait(); err != nil {
		if errors.Is(err, context.Canceled) {
			log.Info("Collection canceled, in-flight claims remain for affinity resume")
			return err
		}
		p.logTask(ctx, taskID, "error", fmt.Sprintf("collection aborted: %v", err))
		return err
	}

	if paused.Load() {
		log.Info("Collection stopped by task status change")
		return nil
	}

	// Backlog drained: complete the task unless an operator already
	// moved it out of running.
	status, err := p.tasks.GetStatus(ctx, taskID)
	if err != nil {
		return err
	}
	if status == models.TaskStatusRunning {
		if err := p.tasks.Transition(ctx, taskID, models.TaskStatusCompleted); err != nil {
			return err
		}
		p.logTask(ctx, taskID, "info", "collection completed, video backlog exhausted")
	}
	return nil
}

// processVideo ingests one claimed video. Returns stopped=true when the
// ingestion checkpoint observed the task leaving running. Extraction
// errors fail the video, not the task.
func (p *Pipeline) processVideo(ctx context.Context, session browser.Session, task *models.Task, claim *store.VideoClaim, exclusion *ExclusionSet) (bool, error) {
	log := p.logger.WithFields(logrus.Fields{
		"task_id":  task.ID,
		"video_id": claim.ID,
		"resumed":  claim.Resumed,
	})

	page, err := session.OpenPage(ctx, claim.URL)
	if err != nil {
		log.WithError(err).Warn("Failed to open video page, marking failed")
		if merr := p.queue.MarkFailed(ctx, claim.ID); merr != nil {
			return false, merr
		}
		return false, nil
	}
	defer page.Close()

	result, err := p.ingestor.Run(ctx, page, IngestParams{
		TaskID:      task.ID,
		VideoID:     claim.ID,
		VideoURL:    claim.URL,
		Keyword:     task.Keyword,
		CollectedBy: session.ID(),
		MaxComments: task.MaxCommentsPerVideo,
		Exclusion:   exclusion,
	})
	if err != nil {
		if errors.Is(err, context.Canceled) {
			// Leave the claim in processing for affinity resume.
			return false, err
		}
		log.WithError(err).Warn("Ingestion failed, marking video failed")
		if merr := p.queue.MarkFailed(ctx, claim.ID); merr != nil {
			return false, merr
		}
		return false, nil
	}

	if result.Stopped == StopTaskNotRunning {
		// The claim stays in processing so this worker resumes the same
		// video when the task is resumed.
		log.WithField("inserted", result.Inserted).Info("Video ingestion interrupted by task status")
		return true, nil
	}

	if err := p.queue.MarkCompleted(ctx, claim.ID); err != nil {
		return false, err
	}
	if err := p.queue.IncrementTaskProgress(ctx, task.ID, 1); err != nil {
		return false, err
	}

	log.WithFields(logrus.Fields{
		"inserted": result.Inserted,
		"rounds":   result.Rounds,
		"reason":   result.Stopped,
	}).Info("Video ingestion finished")
	return false, nil
}

func (p *Pipeline) logTask(ctx context.Context, taskID int64, level, message string) {
	if err := p.tasks.AppendLog(ctx, taskID, level, message); err != nil {
		p.logger.WithError(err).WithField("task_id", taskID).Debug("Failed to append task log")
	}
}
