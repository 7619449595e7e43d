// internal/models/models.go
package models

import (
	"time"

	"github.com/google/uuid"
)

type JobStatus string

const (
	StatusPending    JobStatus = "pending"
	StatusStarted    JobStatus = "started"
	StatusProcessing JobStatus = "processing"
	StatusFinished   JobStatus = "finished"
	StatusTimedOut   JobStatus = "timed_out"
	StatusFailed     JobStatus = "failed"
	StatusDeleted    JobStatus = "deleted"
)

// Active reports whether a worker currently owns the job. Active jobs are
// never swept.
func (s JobStatus) Active() bool {
	return s == StatusStarted || s == StatusProcessing
}

func (s JobStatus) Terminal() bool {
	switch s {
	case StatusFinished, StatusTimedOut, StatusFailed, StatusDeleted:
		return true
	}
	return false
}

// CanTransition encodes the job lifecycle:
//
//	pending -> started -> processing* -> finished | timed_out | failed
//	any non-deleted, non-active state -> deleted (sweeper only)
func (s JobStatus) CanTransition(to JobStatus) bool {
	switch to {
	case StatusStarted:
		return s == StatusPending
	case StatusProcessing, StatusFinished, StatusTimedOut, StatusFailed:
		return s.Active()
	case StatusDeleted:
		return s != StatusDeleted && !s.Active()
	}
	return false
}

type Video struct {
	ID          uuid.UUID  `db:"id" json:"id"`
	StoragePath *string    `db:"storage_path" json:"storage_path"` // nil once swept
	CreatedAt   time.Time  `db:"created_at" json:"created_at"`
	DeletedAt   *time.Time `db:"deleted_at" json:"deleted_at,omitempty"`
}

type Job struct {
	ID         uuid.UUID     `db:"id" json:"id"`
	VideoID    uuid.UUID     `db:"video_id" json:"video_id"`
	OutputPath *string       `db:"output_path" json:"-"` // nil once swept
	Options    LayoutOptions `db:"options" json:"options"`
	Status     JobStatus     `db:"status" json:"status"`
	Stage      string        `db:"stage" json:"stage,omitempty"`
	OutputNote *string       `db:"output_note" json:"output_note,omitempty"`
	CreatedAt  time.Time     `db:"created_at" json:"created_at"`
	UpdatedAt  time.Time     `db:"updated_at" json:"updated_at"`
	StartedAt  *time.Time    `db:"started_at" json:"started_at,omitempty"`
}

// JobEvent is emitted for every status change written by the pipeline.
type JobEvent struct {
	JobID  uuid.UUID `json:"job_id"`
	Status JobStatus `json:"status"`
	Stage  string    `json:"stage,omitempty"`
	Note   string    `json:"note,omitempty"`
	At     time.Time `json:"at"`
}
