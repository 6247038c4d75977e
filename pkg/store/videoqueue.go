package store

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/leadgrid/harvester/pkg/db/models"
)

// VideoQueue partitions a task's discovered URLs into claimable work
// units. Claims are affinity-first: a worker restarting with the same IP
// resumes its own in-flight video before any fresh pending video is
// offered to it.
type VideoQueue struct {
	db     *gorm.DB
	logger *logrus.Logger
}

// NewVideoQueue creates a VideoQueue backed by the given database handle.
func NewVideoQueue(db *gorm.DB, logger *logrus.Logger) *VideoQueue {
	if logger == nil {
		logger = logrus.New()
	}
	return &VideoQueue{db: db, logger: logger}
}

// VideoClaim is the result of claiming one unit of work. Resumed is true
// when the video was already processing under this worker's IP.
type VideoClaim struct {
	ID      int64
	URL     string
	Resumed bool
}

// EnqueueDiscovered bulk-inserts discovered URLs for a task, silently
// suppressing duplicates on (task_id, video_url). Returns the count
// actually inserted so operators can distinguish new from already-known
// URLs.
func (q *VideoQueue) EnqueueDiscovered(ctx context.Context, taskID int64, urls []string) (int64, error) {
	if len(urls) == 0 {
		return 0, nil
	}

	videos := make([]models.Video, 0, len(urls))
	for _, url := range urls {
		videos = append(videos, models.Video{
			TaskID:   taskID,
			VideoURL: url,
			Status:   models.VideoStatusPending,
		})
	}

	res := q.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "task_id"}, {Name: "video_url"}},
		DoNothing: true,
	}).Create(&videos)
	if res.Error != nil {
		return 0, fmt.Errorf("failed to enqueue discovered videos: %w", res.Error)
	}

	q.logger.WithFields(logrus.Fields{
		"task_id":    taskID,
		"discovered": len(urls),
		"inserted":   res.RowsAffected,
	}).Info("Enqueued discovered videos")
	return res.RowsAffected, nil
}

// ClaimNext returns the next unit of work for workerIP on this task, or
// (nil, nil) when no own-in-flight or pending video remains.
//
// Phase 1 (affinity): a video already processing under workerIP is
// returned as resumed, so a crashed worker picks up exactly where it left
// off instead of stranding its claim or colliding with another worker.
// excludeIDs removes videos this process is actively ingesting from the
// affinity match; sibling goroutines sharing the worker IP would
// otherwise resume each other's live claims. Phase 2 (fresh): one
// pending video is locked with SKIP LOCKED, marked processing under
// workerIP, and returned.
func (q *VideoQueue) ClaimNext(ctx context.Context, taskID int64, workerIP string, excludeIDs []int64) (*VideoClaim, error) {
	var claim *VideoClaim

	err := q.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var video models.Video
		affinity := tx.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}).
			Where("task_id = ? AND status = ? AND processing_server_ip = ?",
				taskID, models.VideoStatusProcessing, workerIP)
		if len(excludeIDs) > 0 {
			affinity = affinity.Where("id NOT IN ?", excludeIDs)
		}
		err := affinity.Limit(1).Find(&video).Error
		if err != nil {
			return err
		}
		if video.ID != 0 {
			claim = &VideoClaim{ID: video.ID, URL: video.VideoURL, Resumed: true}
			return nil
		}

		err = tx.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}).
			Where("task_id = ? AND status = ?", taskID, models.VideoStatusPending).
			Order("id ASC").
			Limit(1).
			Find(&video).Error
		if err != nil {
			return err
		}
		if video.ID == 0 {
			return nil
		}

		now := time.Now()
		err = tx.Model(&models.Video{}).Where("id = ?", video.ID).Updates(map[string]interface{}{
			"status":               models.VideoStatusProcessing,
			"processing_server_ip": workerIP,
			"claimed_at":           &now,
		}).Error
		if err != nil {
			return err
		}

		claim = &VideoClaim{ID: video.ID, URL: video.VideoURL, Resumed: false}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to claim next video: %w", err)
	}

	if claim != nil {
		q.logger.WithFields(logrus.Fields{
			"task_id":   taskID,
			"video_id":  claim.ID,
			"worker_ip": workerIP,
			"resumed":   claim.Resumed,
		}).Info("Claimed video")
	}
	return claim, nil
}

// MarkCompleted finalizes a video and releases its claim.
func (q *VideoQueue) MarkCompleted(ctx context.Context, videoID int64) error {
	return q.finalize(ctx, videoID, models.VideoStatusCompleted)
}

// MarkFailed finalizes a video as failed and releases its claim. Failed
// videos are not retried automatically; an operator can reset them to
// pending.
func (q *VideoQueue) MarkFailed(ctx context.Context, videoID int64) error {
	return q.finalize(ctx, videoID, models.VideoStatusFailed)
}

func (q *VideoQueue) finalize(ctx context.Context, videoID int64, status models.VideoStatus) error {
	res := q.db.WithContext(ctx).Model(&models.Video{}).
		Where("id = ?", videoID).
		Updates(map[string]interface{}{
			"status":               status,
			"processing_server_ip": nil,
		})
	if res.Error != nil {
		return fmt.Errorf("failed to mark video %s: %w", status, res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrVideoNotFound
	}

	q.logger.WithFields(logrus.Fields{
		"video_id": videoID,
		"status":   status,
	}).Debug("Video finalized")
	return nil
}

// IncrementTaskProgress adds n to the owning task's monotonic
// total_videos_processed counter.
func (q *VideoQueue) IncrementTaskProgress(ctx context.Context, taskID int64, n int) error {
	if n <= 0 {
		return nil
	}
	err := q.db.WithContext(ctx).Model(&models.Task{}).
		Where("id = ?", taskID).
		UpdateColumn("total_videos_processed", gorm.Expr("total_videos_processed + ?", n)).Error
	if err != nil {
		return fmt.Errorf("failed to increment task progress: %w", err)
	}
	return nil
}

// ReleaseStaleProcessing resets processing videos back to pending when
// the claim is older than olderThan and the claiming worker's heartbeat
// is just as stale. A live worker keeps its heartbeat fresh through the
// dispatch middleware, so its in-flight claims survive the sweep and
// remain eligible for affinity resume.
func (q *VideoQueue) ReleaseStaleProcessing(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := time.Now().Add(-olderThan)

	res := q.db.WithContext(ctx).Exec(
		`UPDATE videos SET status = ?, processing_server_ip = NULL, claimed_at = NULL
		 WHERE status = ?
		   AND claimed_at < ?
		   AND NOT EXISTS (
		       SELECT 1 FROM workers w
		       WHERE w.worker_ip = videos.processing_server_ip
		         AND w.last_heartbeat >= ?
		   )`,
		models.VideoStatusPending, models.VideoStatusProcessing, cutoff, cutoff,
	)
	if res.Error != nil {
		return 0, fmt.Errorf("failed to release stale processing videos: %w", res.Error)
	}

	if res.RowsAffected > 0 {
		q.logger.WithFields(logrus.Fields{
			"released":   res.RowsAffected,
			"older_than": olderThan.String(),
		}).Warn("Released stale processing videos back to pending")
	}
	return res.RowsAffected, nil
}

// CountByStatus returns the number of videos in the given status for a
// task.
func (q *VideoQueue) CountByStatus(ctx context.Context, taskID int64, status models.VideoStatus) (int64, error) {
	var count int64
	err := q.db.WithContext(ctx).Model(&models.Video{}).
		Where("task_id = ? AND status = ?", taskID, status).
		Count(&count).Error
	if err != nil {
		return 0, fmt.Errorf("failed to count videos by status: %w", err)
	}
	return count, nil
}
