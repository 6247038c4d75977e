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

// WorkerStore is the worker registry. Rows are upserted keyed by
// worker_ip; last_heartbeat is refreshed as a side effect of every
// request the worker serves rather than by a dedicated heartbeat thread.
type WorkerStore struct {
	db     *gorm.DB
	logger *logrus.Logger
}

// NewWorkerStore creates a WorkerStore backed by the given database
// handle.
func NewWorkerStore(db *gorm.DB, logger *logrus.Logger) *WorkerStore {
	if logger == nil {
		logger = logrus.New()
	}
	return &WorkerStore{db: db, logger: logger}
}

// UpsertHeartbeat registers the worker if unknown and refreshes its
// heartbeat and status otherwise.
func (s *WorkerStore) UpsertHeartbeat(ctx context.Context, workerIP, workerName string, status models.WorkerStatus) error {
	worker := models.Worker{
		WorkerIP:      workerIP,
		WorkerName:    workerName,
		Status:        status,
		LastHeartbeat: time.Now(),
	}

	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "worker_ip"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"worker_name", "status", "last_heartbeat",
		}),
	}).Create(&worker).Error
	if err != nil {
		return fmt.Errorf("failed to upsert worker heartbeat: %w", err)
	}
	return nil
}

// Touch refreshes only the heartbeat timestamp for a known worker.
func (s *WorkerStore) Touch(ctx context.Context, workerIP string) error {
	err := s.db.WithContext(ctx).Model(&models.Worker{}).
		Where("worker_ip = ?", workerIP).
		UpdateColumn("last_heartbeat", time.Now()).Error
	if err != nil {
		return fmt.Errorf("failed to touch worker heartbeat: %w", err)
	}
	return nil
}

// SetVNCPassword stores the remote-display credential for a worker.
func (s *WorkerStore) SetVNCPassword(ctx context.Context, workerIP, password string) error {
	err := s.db.WithContext(ctx).Model(&models.Worker{}).
		Where("worker_ip = ?", workerIP).
		UpdateColumn("vnc_password", password).Error
	if err != nil {
		return fmt.Errorf("failed to set vnc password: %w", err)
	}
	return nil
}

// ListActive returns workers whose heartbeat is newer than staleAfter.
func (s *WorkerStore) ListActive(ctx context.Context, staleAfter time.Duration) ([]models.Worker, error) {
	cutoff := time.Now().Add(-staleAfter)
	var workers []models.Worker
	err := s.db.WithContext(ctx).
		Where("last_heartbeat >= ?", cutoff).
		Order("last_heartbeat DESC").
		Find(&workers).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list active workers: %w", err)
	}
	return workers, nil
}

// RemoveStale deletes workers whose heartbeat is older than staleAfter.
// Used by the operator-driven reaper; the stale-processing sweep in the
// video queue consults heartbeats before claims are released.
func (s *WorkerStore) RemoveStale(ctx context.Context, staleAfter time.Duration) (int64, error) {
	cutoff := time.Now().Add(-staleAfter)
	res := s.db.WithContext(ctx).
		Where("last_heartbeat < ?", cutoff).
		Delete(&models.Worker{})
	if res.Error != nil {
		return 0, fmt.Errorf("failed to remove stale workers: %w", res.Error)
	}
	if res.RowsAffected > 0 {
		s.logger.WithField("removed", res.RowsAffected).Info("Removed stale workers")
	}
	return res.RowsAffected, nil
}

// AccountStore reads scraping identities and their worker authorization.
type AccountStore struct {
	db     *gorm.DB
	logger *logrus.Logger
}

// NewAccountStore creates an AccountStore backed by the given database
// handle.
func NewAccountStore(db *gorm.DB, logger *logrus.Logger) *AccountStore {
	if logger == nil {
		logger = logrus.New()
	}
	return &AccountStore{db: db, logger: logger}
}

// GetAccount returns the account row by id.
func (s *AccountStore) GetAccount(ctx context.Context, accountID int64) (*models.Account, error) {
	var account models.Account
	err := s.db.WithContext(ctx).Where("id = ?", accountID).First(&account).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrAccountNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get account: %w", err)
	}
	return &account, nil
}

// ActiveAccountFor returns an active account whose assigned IP set
// contains workerIP, used to pick a login identity for this host.
func (s *AccountStore) ActiveAccountFor(ctx context.Context, workerIP string) (*models.Account, error) {
	var account models.Account
	err := s.db.WithContext(ctx).
		Where("status = ? AND ? = ANY(assigned_ips)", models.AccountStatusActive, workerIP).
		First(&account).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrAccountNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find account for worker: %w", err)
	}
	return &account, nil
}
