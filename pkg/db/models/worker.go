package models

import (
	"time"

	"github.com/lib/pq"
)

// WorkerStatus represents the registry state of a worker process
type WorkerStatus string

const (
	WorkerStatusActive   WorkerStatus = "active"
	WorkerStatusInactive WorkerStatus = "inactive"
	WorkerStatusBusy     WorkerStatus = "busy"
)

// Worker is one collection process instance, keyed by IP. LastHeartbeat
// is refreshed as a side effect of every request the worker serves.
type Worker struct {
	ID            int64        `gorm:"primaryKey;column:id"`
	WorkerIP      string       `gorm:"column:worker_ip;not null;unique"`
	WorkerName    string       `gorm:"column:worker_name"`
	Status        WorkerStatus `gorm:"column:status;not null;default:active"`
	VNCPassword   string       `gorm:"column:vnc_password"`
	LastHeartbeat time.Time    `gorm:"column:last_heartbeat;not null;default:CURRENT_TIMESTAMP"`
	CreatedAt     time.Time    `gorm:"column:created_at;not null;default:CURRENT_TIMESTAMP"`
}

// TableName specifies the table name for the Worker model
func (Worker) TableName() string {
	return "workers"
}

// AccountStatus represents whether a scraping identity may be used
type AccountStatus string

const (
	AccountStatusActive   AccountStatus = "active"
	AccountStatusInactive AccountStatus = "inactive"
)

// Account is a scraping identity with the set of worker IPs authorized
// to log in with it.
type Account struct {
	ID          int64          `gorm:"primaryKey;column:id"`
	Username    string         `gorm:"column:username;not null;unique"`
	Password    string         `gorm:"column:password;not null"`
	Email       string         `gorm:"column:email"`
	Status      AccountStatus  `gorm:"column:status;not null;default:active"`
	AssignedIPs pq.StringArray `gorm:"column:assigned_ips;type:text[]"`
	CreatedAt   time.Time      `gorm:"column:created_at;not null;default:CURRENT_TIMESTAMP"`
}

// TableName specifies the table name for the Account model
func (Account) TableName() string {
	return "accounts"
}
