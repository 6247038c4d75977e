package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/leadgrid/harvester/pkg/db/models"
)

// TaskStore implements the task state machine over the shared relational
// store. All cross-worker coordination goes through row locks and unique
// constraints here, never through in-process locks.
type TaskStore struct {
	db     *gorm.DB
	logger *logrus.Logger
}

// NewTaskStore creates a TaskStore backed by the given database handle.
func NewTaskStore(db *gorm.DB, logger *logrus.Logger) *TaskStore {
	if logger == nil {
		logger = logrus.New()
	}
	return &TaskStore{db: db, logger: logger}
}

// ClaimedTask is the result of claiming the oldest pending task.
type ClaimedTask struct {
	ID      int64
	Keyword string
}

// legalTransitions is the task lifecycle table. Terminal states have no
// outgoing edges; running and paused are mutually reachable.
var legalTransitions = map[models.TaskStatus][]models.TaskStatus{
	models.TaskStatusPending: {models.TaskStatusRunning, models.TaskStatusFailed},
	models.TaskStatusRunning: {models.TaskStatusPaused, models.TaskStatusCompleted, models.TaskStatusFailed},
	models.TaskStatusPaused:  {models.TaskStatusRunning, models.TaskStatusCompleted, models.TaskStatusFailed},
}

// TransitionAllowed reports whether moving a task from one status to
// another is legal per the lifecycle table.
func TransitionAllowed(from, to models.TaskStatus) bool {
	for _, next := range legalTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// CreateOrGetPendingTask returns the id of the pending task for keyword,
// creating one if none exists. Concurrent callers racing on the same
// keyword are serialized by the partial unique index on (keyword) WHERE
// status = 'pending': the losing insert affects zero rows and the
// follow-up read returns the winner's id.
func (s *TaskStore) CreateOrGetPendingTask(ctx context.Context, keyword string, maxVideos, maxCommentsPerVideo int) (int64, error) {
	task := models.Task{
		Keyword:             keyword,
		Status:              models.TaskStatusPending,
		MaxVideos:           maxVideos,
		MaxCommentsPerVideo: maxCommentsPerVideo,
	}

	res := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "keyword"}},
		TargetWhere: clause.Where{Exprs: []clause.Expression{
			clause.Eq{Column: clause.Column{Name: "status"}, Value: string(models.TaskStatusPending)},
		}},
		DoNothing: true,
	}).Create(&task)
	if res.Error != nil {
		return 0, fmt.Errorf("failed to create pending task: %w", res.Error)
	}

	if res.RowsAffected > 0 {
		s.logger.WithFields(logrus.Fields{
			"task_id": task.ID,
			"keyword": keyword,
		}).Info("Created pending task")
		return task.ID, nil
	}

	// Insert was absorbed by the index, so a pending task already exists.
	var existing models.Task
	err := s.db.WithContext(ctx).
		Where("keyword = ? AND status = ?", keyword, models.TaskStatusPending).
		First(&existing).Error
	if err != nil {
		return 0, fmt.Errorf("failed to read existing pending task: %w", err)
	}

	s.logger.WithFields(logrus.Fields{
		"task_id": existing.ID,
		"keyword": keyword,
	}).Debug("Reusing existing pending task")
	return existing.ID, nil
}

// ClaimNextPendingTask atomically selects the oldest pending task, marks
// it running and records workerIP. SKIP LOCKED makes a concurrent
// claimant move on to the next row instead of waiting on or
// double-claiming this one. Returns (nil, nil) when no pending task
// remains.
func (s *TaskStore) ClaimNextPendingTask(ctx context.Context, workerIP string) (*ClaimedTask, error) {
	var claimed *ClaimedTask

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var task models.Task
		err := tx.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}).
			Where("status = ?", models.TaskStatusPending).
			Order("created_at ASC").
			Limit(1).
			Find(&task).Error
		if err != nil {
			return err
		}
		if task.ID == 0 {
			return nil
		}

		now := time.Now()
		updates := map[string]interface{}{
			"status":     models.TaskStatusRunning,
			"start_time": &now,
			"server_ips": gorm.Expr(
				"CASE WHEN ? = ANY(server_ips) THEN server_ips ELSE array_append(server_ips, ?) END",
				workerIP, workerIP,
			),
		}
		if err := tx.Model(&models.Task{}).Where("id = ?", task.ID).Updates(updates).Error; err != nil {
			return err
		}

		claimed = &ClaimedTask{ID: task.ID, Keyword: task.Keyword}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to claim pending task: %w", err)
	}

	if claimed != nil {
		s.logger.WithFields(logrus.Fields{
			"task_id":   claimed.ID,
			"keyword":   claimed.Keyword,
			"worker_ip": workerIP,
		}).Info("Claimed pending task")
	}
	return claimed, nil
}

// Transition moves a task to newStatus after validating the edge against
// the lifecycle table. start_time is set exactly once, on first entry to
// running; end_time is stamped on entry to completed, failed or paused.
func (s *TaskStore) Transition(ctx context.Context, taskID int64, newStatus models.TaskStatus) error {
	if !newStatus.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidStatus, newStatus)
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var task models.Task
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("id = ?", taskID).
			First(&task).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrTaskNotFound
		}
		if err != nil {
			return err
		}

		if !TransitionAllowed(task.Status, newStatus) {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, task.Status, newStatus)
		}

		now := time.Now()
		updates := map[string]interface{}{"status": newStatus}
		if newStatus == models.TaskStatusRunning && task.StartTime == nil {
			updates["start_time"] = &now
		}
		switch newStatus {
		case models.TaskStatusCompleted, models.TaskStatusFailed, models.TaskStatusPaused:
			updates["end_time"] = &now
		}

		return tx.Model(&models.Task{}).Where("id = ?", taskID).Updates(updates).Error
	})
	if err != nil {
		return err
	}

	s.logger.WithFields(logrus.Fields{
		"task_id": taskID,
		"status":  newStatus,
	}).Info("Task status transitioned")
	return nil
}

// RecordServerIP idempotently appends ip to the task's server_ips set.
func (s *TaskStore) RecordServerIP(ctx context.Context, taskID int64, ip string) error {
	res := s.db.WithContext(ctx).Exec(
		`UPDATE tasks SET server_ips = array_append(server_ips, ?)
		 WHERE id = ? AND NOT (? = ANY(server_ips))`,
		ip, taskID, ip,
	)
	if res.Error != nil {
		return fmt.Errorf("failed to record server ip: %w", res.Error)
	}
	return nil
}

// GetTask returns the task row by id.
func (s *TaskStore) GetTask(ctx context.Context, taskID int64) (*models.Task, error) {
	var task models.Task
	err := s.db.WithContext(ctx).Where("id = ?", taskID).First(&task).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrTaskNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get task: %w", err)
	}
	return &task, nil
}

// GetStatus returns just the current status of a task; the ingestion
// loop polls this at every batch-flush checkpoint.
func (s *TaskStore) GetStatus(ctx context.Context, taskID int64) (models.TaskStatus, error) {
	var status models.TaskStatus
	err := s.db.WithContext(ctx).Model(&models.Task{}).
		Where("id = ?", taskID).
		Pluck("status", &status).Error
	if err != nil {
		return "", fmt.Errorf("failed to get task status: %w", err)
	}
	if status == "" {
		return "", ErrTaskNotFound
	}
	return status, nil
}

// Progress derives the per-task video counts. Never cached beyond the
// query.
func (s *TaskStore) Progress(ctx context.Context, taskID int64) (*models.TaskProgress, error) {
	var progress models.TaskProgress

	if err := s.db.WithContext(ctx).Model(&models.Video{}).
		Where("task_id = ?", taskID).
		Count(&progress.TotalVideos).Error; err != nil {
		return nil, fmt.Errorf("failed to count videos: %w", err)
	}
	if err := s.db.WithContext(ctx).Model(&models.Video{}).
		Where("task_id = ? AND status = ?", taskID, models.VideoStatusCompleted).
		Count(&progress.ProcessedVideos).Error; err != nil {
		return nil, fmt.Errorf("failed to count processed videos: %w", err)
	}
	if err := s.db.WithContext(ctx).Model(&models.Video{}).
		Where("task_id = ? AND status = ?", taskID, models.VideoStatusPending).
		Count(&progress.PendingVideos).Error; err != nil {
		return nil, fmt.Errorf("failed to count pending videos: %w", err)
	}

	return &progress, nil
}

// DeleteTask removes the task row. Videos, comments and task logs cascade
// through their foreign keys.
func (s *TaskStore) DeleteTask(ctx context.Context, taskID int64) error {
	res := s.db.WithContext(ctx).Where("id = ?", taskID).Delete(&models.Task{})
	if res.Error != nil {
		return fmt.Errorf("failed to delete task: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrTaskNotFound
	}
	s.logger.WithField("task_id", taskID).Info("Task deleted with cascade")
	return nil
}

// AppendLog writes a per-task audit line.
func (s *TaskStore) AppendLog(ctx context.Context, taskID int64, level, message string) error {
	entry := models.TaskLog{TaskID: taskID, Level: level, Message: message}
	if err := s.db.WithContext(ctx).Create(&entry).Error; err != nil {
		return fmt.Errorf("failed to append task log: %w", err)
	}
	return nil
}
