// Package jobqueue wraps asynq as the pipeline's single work-queue
// abstraction ("enqueue(kind, payload) -> job_id;
// poll(job_id) -> status"), grounded on the adverant VideoAgent worker's
// RedisConsumer: the same three-tier queue-priority setup and
// exponential-backoff retry policy, generalized from one video-processing
// task type to the pipeline's clip-analysis, matching, calibration, and
// backfill jobs.
package jobqueue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
)

// Queue names, mirroring the adverant worker's videoagent:critical/
// default/low priority tiers.
const (
	QueueCritical = "pipeline:critical"
	QueueDefault  = "pipeline:default"
	QueueLow      = "pipeline:low"
)

// Job kinds. Each corresponds to one asynq task type handler.
const (
	KindClipAnalysis      = "clip_analysis"
	KindMatchBatch        = "match_batch"
	KindPTZCalibration    = "ptz_calibration"
	KindColorHistBackfill = "color_hist_backfill"
)

// maxRetry is the "retried with exponential backoff (3
// attempts)" for idempotent calls.
const maxRetry = 3

// Envelope wraps every job payload with the job id the in-memory status
// store keys on, so a handler can report progress without re-deriving an
// id from task-specific payload fields.
type Envelope struct {
	JobID   string          `json:"job_id"`
	Payload json.RawMessage `json:"payload"`
}

// Queue enqueues jobs onto the three priority tiers.
type Queue struct {
	client *asynq.Client
	logger *slog.Logger
}

// NewQueue builds a queue client against the given Redis connection.
func NewQueue(redisOpt asynq.RedisConnOpt, logger *slog.Logger) *Queue {
	return &Queue{client: asynq.NewClient(redisOpt), logger: logger.With("component", "jobqueue")}
}

// Close releases the underlying Redis connection.
func (q *Queue) Close() error {
	return q.client.Close()
}

// Enqueue submits a job of the given kind onto queueName, returning the
// generated job id the caller hands back to its API client immediately
//.
func (q *Queue) Enqueue(ctx context.Context, kind, queueName string, payload interface{}) (string, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal job payload: %w", err)
	}

	jobID := uuid.NewString()
	envelope, err := json.Marshal(Envelope{JobID: jobID, Payload: raw})
	if err != nil {
		return "", fmt.Errorf("marshal job envelope: %w", err)
	}

	task := asynq.NewTask(kind, envelope, asynq.MaxRetry(maxRetry), asynq.Queue(queueName))
	if _, err := q.client.EnqueueContext(ctx, task); err != nil {
		return "", fmt.Errorf("enqueue %s job: %w", kind, err)
	}
	return jobID, nil
}
