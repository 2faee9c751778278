// Package notify pushes live job progress and system alerts to connected
// owners. Delivery is best effort: events for owners without a live
// connection are discarded, and slow connections lose their oldest events.
package notify

import "errors"

// EventType tags an Event.
type EventType string

const (
	EventJobProgress EventType = "job_progress"
	EventJobComplete EventType = "job_complete"
	EventJobFailed   EventType = "job_failed"
	EventSystemAlert EventType = "system_alert"
	// EventKeepAlive is sent periodically on every connection.
	EventKeepAlive EventType = "keepalive"
)

// ErrConnectionNotFound is returned for an unknown or already removed connection ID.
var ErrConnectionNotFound = errors.New("notify: connection not found")

// Event is the small tagged JSON object delivered to subscribers.
type Event struct {
	Type     EventType `json:"type"`
	JobID    string    `json:"jobId,omitempty"`
	Progress *int      `json:"progress,omitempty"`
	Status   string    `json:"status,omitempty"`
	Message  string    `json:"message,omitempty"`
}

// JobProgress builds a job_progress event.
func JobProgress(jobID, status string, progress int) Event {
	return Event{Type: EventJobProgress, JobID: jobID, Status: status, Progress: &progress}
}

// JobComplete builds a job_complete event.
func JobComplete(jobID, message string) Event {
	p := 100
	return Event{Type: EventJobComplete, JobID: jobID, Status: "completed", Progress: &p, Message: message}
}

// JobFailed builds a job_failed event.
func JobFailed(jobID, status, message string) Event {
	return Event{Type: EventJobFailed, JobID: jobID, Status: status, Message: message}
}

// SystemAlert builds a system_alert event.
func SystemAlert(message string) Event {
	return Event{Type: EventSystemAlert, Message: message}
}
