package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"cloud.google.com/go/pubsub"
	"github.com/rs/zerolog"
)

// Dispatcher sends a job outcome to the owner out of band, e.g. by email.
type Dispatcher interface {
	SendJobOutcome(ctx context.Context, ownerEmail, jobID, status, details string) error
}

// JobOutcome is the message body published for each outcome.
type JobOutcome struct {
	OwnerEmail string    `json:"ownerEmail"`
	JobID      string    `json:"jobId"`
	Status     string    `json:"status"`
	Details    string    `json:"details,omitempty"`
	SentAt     time.Time `json:"sentAt"`
}

// PubsubDispatcher publishes job outcomes to a topic consumed by the email service.
type PubsubDispatcher struct {
	topic  *pubsub.Topic
	logger zerolog.Logger
}

// NewPubsubDispatcher creates a dispatcher for topicID, verifying the topic
// exists before returning.
func NewPubsubDispatcher(ctx context.Context, client *pubsub.Client, topicID string, logger zerolog.Logger) (*PubsubDispatcher, error) {
	if client == nil {
		return nil, fmt.Errorf("pubsub client cannot be nil")
	}
	topic := client.Topic(topicID)

	exists, err := topic.Exists(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to check for topic %s: %w", topicID, err)
	}
	if !exists {
		return nil, fmt.Errorf("pubsub topic %s does not exist", topicID)
	}

	return &PubsubDispatcher{
		topic:  topic,
		logger: logger.With().Str("component", "PubsubDispatcher").Str("topic_id", topicID).Logger(),
	}, nil
}

// SendJobOutcome publishes the outcome and waits for the server ack.
func (d *PubsubDispatcher) SendJobOutcome(ctx context.Context, ownerEmail, jobID, status, details string) error {
	payload, err := json.Marshal(JobOutcome{
		OwnerEmail: ownerEmail,
		JobID:      jobID,
		Status:     status,
		Details:    details,
		SentAt:     time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal job outcome: %w", err)
	}
	result := d.topic.Publish(ctx, &pubsub.Message{
		Data: payload,
		Attributes: map[string]string{
			"type":   "job_outcome",
			"status": status,
			"job_id": jobID,
		},
	})
	msgID, err := result.Get(ctx)
	if err != nil {
		return fmt.Errorf("failed to publish outcome for job %s: %w", jobID, err)
	}
	d.logger.Debug().Str("job_id", jobID).Str("published_msg_id", msgID).Msg("Job outcome published.")
	return nil
}

// Stop flushes pending messages, respecting the context's timeout.
func (d *PubsubDispatcher) Stop(ctx context.Context) error {
	stopDone := make(chan struct{})
	go func() {
		d.topic.Stop()
		close(stopDone)
	}()

	select {
	case <-stopDone:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// LogDispatcher only logs outcomes. It is used when no topic is configured.
type LogDispatcher struct {
	logger zerolog.Logger
}

// NewLogDispatcher creates a LogDispatcher.
func NewLogDispatcher(logger zerolog.Logger) *LogDispatcher {
	return &LogDispatcher{logger: logger.With().Str("component", "LogDispatcher").Logger()}
}

func (d *LogDispatcher) SendJobOutcome(_ context.Context, ownerEmail, jobID, status, details string) error {
	d.logger.Info().
		Str("owner_email", ownerEmail).
		Str("job_id", jobID).
		Str("status", status).
		Str("details", details).
		Msg("Job outcome.")
	return nil
}
