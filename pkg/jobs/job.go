// Package jobs manages long-running background jobs: a persisted record with a
// small state machine, progress tracking, cooperative cancellation and a
// runner that drives chunked work through the batch executor.
package jobs

import (
	"errors"
	"fmt"
	"time"
)

// Type is the kind of work a job performs.
type Type string

const (
	TypeExport           Type = "export"
	TypeBulkOperation    Type = "bulk_operation"
	TypeReportGeneration Type = "report_generation"
)

// Valid reports whether t is a known job type.
func (t Type) Valid() bool {
	switch t {
	case TypeExport, TypeBulkOperation, TypeReportGeneration:
		return true
	}
	return false
}

// Status is a job's lifecycle state.
type Status string

const (
	StatusQueued     Status = "queued"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// Terminal reports whether s is a sink state.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusQueued, StatusProcessing, StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

var (
	ErrInvalidStateTransition = errors.New("jobs: invalid state transition")
	ErrJobNotFound            = errors.New("jobs: job not found")
	ErrProgressRegression     = errors.New("jobs: progress regression")
	ErrTooManyJobs            = errors.New("jobs: too many concurrent jobs for owner")
	ErrInvalidRequest         = errors.New("jobs: invalid request")
	ErrNoTask                 = errors.New("jobs: no task registered for job type")
	ErrManagerStopped         = errors.New("jobs: manager stopped")
)

// TransitionError reports a rejected state change. The job record is unchanged.
type TransitionError struct {
	JobID string
	From  Status
	Op    string
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("%v: cannot %s job %s in status %s", ErrInvalidStateTransition, e.Op, e.JobID, e.From)
}

func (e *TransitionError) Unwrap() error { return ErrInvalidStateTransition }

// ItemError records one permanently failed item.
type ItemError struct {
	Index  int    `json:"index"`
	Reason string `json:"reason"`
}

// Result is the outcome of a finished job.
type Result struct {
	DownloadRef string      `json:"downloadRef,omitempty"`
	Summary     string      `json:"summary,omitempty"`
	Succeeded   int         `json:"succeeded"`
	Failed      int         `json:"failed"`
	Errors      []ItemError `json:"errors,omitempty"`
}

// Job is the persisted record of a background job.
type Job struct {
	ID             string            `json:"jobId"`
	OwnerID        string            `json:"ownerId"`
	OwnerEmail     string            `json:"ownerEmail,omitempty"`
	Type           Type              `json:"type"`
	Status         Status            `json:"status"`
	Params         map[string]string `json:"params,omitempty"`
	Progress       int               `json:"progress"`
	TotalItems     int               `json:"totalItems"`
	ProcessedItems int               `json:"processedItems"`
	Result         *Result           `json:"result,omitempty"`
	Error          string            `json:"error,omitempty"`
	CreatedAt      time.Time         `json:"createdAt"`
	StartedAt      *time.Time        `json:"startedAt,omitempty"`
	CompletedAt    *time.Time        `json:"completedAt,omitempty"`
	CancelledAt    *time.Time        `json:"cancelledAt,omitempty"`
}

// Request describes a job to create.
type Request struct {
	OwnerID    string            `json:"ownerId"`
	OwnerEmail string            `json:"ownerEmail,omitempty"`
	Type       Type              `json:"type"`
	Params     map[string]string `json:"params,omitempty"`
	TotalItems int               `json:"totalItems"`
}

func (r Request) validate() error {
	if r.OwnerID == "" {
		return fmt.Errorf("%w: owner id is required", ErrInvalidRequest)
	}
	if !r.Type.Valid() {
		return fmt.Errorf("%w: unknown job type %q", ErrInvalidRequest, r.Type)
	}
	if r.TotalItems < 0 {
		return fmt.Errorf("%w: total items must not be negative", ErrInvalidRequest)
	}
	return nil
}

// percent is processed/total*100 clamped to [0, 100].
func percent(processed, total int) int {
	if total <= 0 {
		return 0
	}
	p := processed * 100 / total
	if p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return p
}
