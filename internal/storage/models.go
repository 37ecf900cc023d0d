package storage

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// Job statuses.
const (
	JobPending   = "pending"
	JobRunning   = "running"
	JobCompleted = "completed"
	JobDead      = "dead"
	JobCancelled = "cancelled"
)

type Job struct {
	Seq         int64
	ID          string
	TenantID    string
	PayloadJSON string
	Status      string
	Attempts    int
	MaxAttempts int
	RunAfter    time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
	LastError   string
}

type Metric struct {
	ID        int64     `json:"id"`
	TenantID  string    `json:"tenant_id"`
	Type      string    `json:"type"`
	Value     float64   `json:"value"`
	Details   string    `json:"details,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}
