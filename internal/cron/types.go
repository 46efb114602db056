package cron

import (
	"context"
	"time"
)

// JobFunc is the body of a scheduled job.
type JobFunc func(ctx context.Context) error

// JobState is a snapshot of one registered job.
type JobState struct {
	Name       string    `json:"name"`
	Spec       string    `json:"spec"`
	Runs       int64     `json:"runs"`
	LastRunAt  time.Time `json:"lastRunAt,omitempty"`
	NextRunAt  time.Time `json:"nextRunAt,omitempty"`
	LastStatus string    `json:"lastStatus,omitempty"` // "ok" or "error"
	LastError  string    `json:"lastError,omitempty"`
}
