package jobqueue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"
)

// Handler processes one job's decoded payload. cancellation flows through ctx,
// which asynq cancels on timeout or server shutdown.
type Handler func(ctx context.Context, jobID string, payload json.RawMessage) error

// Server runs the asynq task server across the three priority queues,
// mirroring the adverant worker's RedisConsumer: the same queue-weight
// ratios and exponential backoff, generalized to this pipeline's task
// kinds.
type Server struct {
	inner    *asynq.Server
	mux      *asynq.ServeMux
	statuses *StatusStore
	logger   *slog.Logger
}

// NewServer builds a job server with concurrency worker goroutines
// spread across pipeline:critical (weight 6), pipeline:default (weight
// 3), and pipeline:low (weight 1) -- the same 6/3/1 priority ratio as
// the adverant worker's videoagent queues.
func NewServer(redisOpt asynq.RedisConnOpt, concurrency int, statuses *StatusStore, logger *slog.Logger) *Server {
	logger = logger.With("component", "jobqueue_server")

	inner := asynq.NewServer(redisOpt, asynq.Config{
		Concurrency: concurrency,
		Queues: map[string]int{
			QueueCritical: 6,
			QueueDefault:  3,
			QueueLow:      1,
		},
		RetryDelayFunc: exponentialBackoff,
		ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
			logger.Error("task failed", "type", task.Type(), "error", err)
		}),
	})

	return &Server{inner: inner, mux: asynq.NewServeMux(), statuses: statuses, logger: logger}
}

// exponentialBackoff implements the "retried with exponential
// backoff (3 attempts)": 1, 2, then 4 minutes, matching the adverant
// worker's RetryDelayFunc.
func exponentialBackoff(n int, err error, task *asynq.Task) time.Duration {
	return time.Duration(1<<uint(n)) * time.Minute
}

// Handle registers handler for kind, wrapping it so every invocation
// unwraps the job Envelope, marks the job processing before the handler
// runs, and records completed/failed in the status store afterward.
func (s *Server) Handle(kind string, handler Handler) {
	s.mux.HandleFunc(kind, func(ctx context.Context, task *asynq.Task) error {
		var envelope Envelope
		if err := json.Unmarshal(task.Payload(), &envelope); err != nil {
			return fmt.Errorf("unmarshal job envelope: %w", err)
		}

		s.statuses.MarkProcessing(envelope.JobID)
		s.logger.Info("job started", "kind", kind, "job_id", envelope.JobID)

		if err := handler(ctx, envelope.JobID, envelope.Payload); err != nil {
			s.statuses.MarkFailed(envelope.JobID, err.Error())
			s.logger.Error("job failed", "kind", kind, "job_id", envelope.JobID, "error", err)
			return err
		}

		s.statuses.MarkCompleted(envelope.JobID)
		s.logger.Info("job completed", "kind", kind, "job_id", envelope.JobID)
		return nil
	})
}

// Run starts serving registered handlers; blocks until Shutdown is
// called or a fatal server error occurs.
func (s *Server) Run() error {
	if err := s.inner.Run(s.mux); err != nil {
		return fmt.Errorf("run job server: %w", err)
	}
	return nil
}

// Shutdown stops the server gracefully, letting in-flight jobs finish.
func (s *Server) Shutdown() {
	s.inner.Shutdown()
}
