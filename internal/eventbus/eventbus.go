// Package eventbus provides pub/sub messaging between pipeline stages using
// an embedded NATS server. Stages publish lifecycle events (a clip finished
// analysis, a track merged, an identity resolved) and other stages or
// external observers subscribe without a shared in-process channel.
package eventbus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
)

// EventBus wraps an embedded NATS server and a client connection to it.
type EventBus struct {
	server *server.Server
	conn   *nats.Conn
	logger *slog.Logger

	subs   map[string][]*nats.Subscription
	subsMu sync.RWMutex
}

// Config configures the embedded event bus.
type Config struct {
	// Host the embedded NATS server binds to (default: 127.0.0.1).
	Host string
	// Port the embedded NATS server listens on (default: 4222).
	Port int
	// StoreDir is the JetStream storage directory, so job-lifecycle events
	// survive a bus restart while a batch run is in flight. It is used only
	// when EnableJetStream is true.
	StoreDir string
	// EnableJetStream turns on JetStream persistence.
	EnableJetStream bool
}

// DefaultConfig returns the default event bus configuration.
func DefaultConfig() Config {
	return Config{
		Host:            "127.0.0.1",
		Port:            4222,
		EnableJetStream: false,
	}
}

// New starts an embedded NATS server and connects a client to it.
func New(cfg Config, logger *slog.Logger) (*EventBus, error) {
	if cfg.Host == "" {
		cfg.Host = "127.0.0.1"
	}
	if cfg.Port == 0 {
		cfg.Port = 4222
	}

	opts := &server.Options{
		Host:   cfg.Host,
		Port:   cfg.Port,
		NoSigs: true,
		NoLog:  true,
	}
	if cfg.EnableJetStream {
		opts.JetStream = true
		if cfg.StoreDir != "" {
			opts.StoreDir = cfg.StoreDir
		}
	}

	ns, err := server.NewServer(opts)
	if err != nil {
		return nil, fmt.Errorf("create embedded nats server: %w", err)
	}

	go ns.Start()

	if !ns.ReadyForConnections(2 * time.Second) {
		ns.Shutdown()
		return nil, fmt.Errorf("nats server not ready after 2s (port %d)", cfg.Port)
	}

	nc, err := nats.Connect(ns.ClientURL())
	if err != nil {
		ns.Shutdown()
		return nil, fmt.Errorf("connect to embedded nats: %w", err)
	}

	eb := &EventBus{
		server: ns,
		conn:   nc,
		logger: logger.With("component", "eventbus"),
		subs:   make(map[string][]*nats.Subscription),
	}

	eb.logger.Info("event bus started", "url", ns.ClientURL(), "jetstream", cfg.EnableJetStream)

	return eb, nil
}

// Conn returns the underlying NATS connection for callers that need it
// directly (asynq does not use this bus — it has its own Redis broker).
func (eb *EventBus) Conn() *nats.Conn {
	return eb.conn
}

// ClientURL returns the NATS client URL of the embedded server.
func (eb *EventBus) ClientURL() string {
	return eb.server.ClientURL()
}

// Publish marshals data as JSON and publishes it to subject.
func (eb *EventBus) Publish(subject string, data interface{}) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	return eb.conn.Publish(subject, payload)
}

// Subscribe registers handler for every message published to subject.
func (eb *EventBus) Subscribe(subject string, handler func(*nats.Msg)) (*nats.Subscription, error) {
	sub, err := eb.conn.Subscribe(subject, handler)
	if err != nil {
		return nil, err
	}

	eb.subsMu.Lock()
	eb.subs[subject] = append(eb.subs[subject], sub)
	eb.subsMu.Unlock()

	return sub, nil
}

// QueueSubscribe subscribes with a queue group so only one subscriber in
// the group receives a given message — used when several worker processes
// share a stage and must not double-handle an event.
func (eb *EventBus) QueueSubscribe(subject, queue string, handler func(*nats.Msg)) (*nats.Subscription, error) {
	sub, err := eb.conn.QueueSubscribe(subject, queue, handler)
	if err != nil {
		return nil, err
	}

	eb.subsMu.Lock()
	eb.subs[subject] = append(eb.subs[subject], sub)
	eb.subsMu.Unlock()

	return sub, nil
}

// Unsubscribe tears down every subscription registered for subject.
func (eb *EventBus) Unsubscribe(subject string) {
	eb.subsMu.Lock()
	defer eb.subsMu.Unlock()

	if subs, ok := eb.subs[subject]; ok {
		for _, sub := range subs {
			_ = sub.Unsubscribe()
		}
		delete(eb.subs, subject)
	}
}

// Stop drains the client connection and shuts down the embedded server.
func (eb *EventBus) Stop(ctx context.Context) error {
	if err := eb.conn.Drain(); err != nil {
		eb.logger.Warn("drain failed", "error", err)
	}

	done := make(chan struct{})
	go func() {
		eb.server.WaitForShutdown()
		close(done)
	}()
	eb.server.Shutdown()

	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	eb.logger.Info("event bus stopped")
	return nil
}

// HealthCheck verifies the client connection is active.
func (eb *EventBus) HealthCheck(ctx context.Context) error {
	if !eb.conn.IsConnected() {
		return fmt.Errorf("nats connection not active")
	}

	deadline, ok := ctx.Deadline()
	timeout := 2 * time.Second
	if ok {
		if d := time.Until(deadline); d < timeout {
			timeout = d
		}
	}

	_, err := eb.conn.Request("_health", []byte("ping"), timeout)
	if err == nats.ErrNoResponders {
		return nil
	}
	return err
}

// Pipeline event subjects. Every payload is one of the *Event structs below.
const (
	SubjectClipAnalyzed      = "pipeline.clip.analyzed"
	SubjectGroupFormed       = "pipeline.group.formed"
	SubjectTrackBuilt        = "pipeline.track.built"
	SubjectTrackMerged       = "pipeline.track.merged"
	SubjectLinkCreated       = "pipeline.link.created"
	SubjectIdentityResolved  = "pipeline.identity.resolved"
	SubjectJobCompleted      = "pipeline.job.completed"
	SubjectJobFailed         = "pipeline.job.failed"
	SubjectCalibrationUpdate = "pipeline.ptz.calibration_updated"
)

// JobEvent reports a terminal outcome for an enqueued unit of work.
type JobEvent struct {
	JobID     string    `json:"job_id"`
	Kind      string    `json:"kind"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// PublishJobCompleted publishes a JobEvent to SubjectJobCompleted.
func (eb *EventBus) PublishJobCompleted(jobID, kind string) error {
	return eb.Publish(SubjectJobCompleted, JobEvent{
		JobID:     jobID,
		Kind:      kind,
		Timestamp: time.Now(),
	})
}

// PublishJobFailed publishes a JobEvent to SubjectJobFailed.
func (eb *EventBus) PublishJobFailed(jobID, kind string, cause error) error {
	return eb.Publish(SubjectJobFailed, JobEvent{
		JobID:     jobID,
		Kind:      kind,
		Error:     cause.Error(),
		Timestamp: time.Now(),
	})
}

// TrackMergedEvent reports that two camera-object tracks were unioned into
// one identity by the cross-camera matcher.
type TrackMergedEvent struct {
	IdentityID int64     `json:"identity_id"`
	TrackAID   int64     `json:"track_a_id"`
	TrackBID   int64     `json:"track_b_id"`
	Method     string    `json:"method"`
	Confidence float64   `json:"confidence"`
	Timestamp  time.Time `json:"timestamp"`
}

// LinkCreatedEvent reports a new cross_camera_links row.
type LinkCreatedEvent struct {
	LinkID     int64     `json:"link_id"`
	TrackAID   int64     `json:"track_a_id"`
	TrackBID   int64     `json:"track_b_id"`
	Method     string    `json:"match_method"`
	Status     string    `json:"status"`
	Confidence float64   `json:"confidence"`
	Timestamp  time.Time `json:"timestamp"`
}

// IdentityResolvedEvent reports that a union-find pass settled a set of
// tracks onto a single cross-camera identity.
type IdentityResolvedEvent struct {
	IdentityID int64     `json:"identity_id"`
	TrackIDs   []int64   `json:"track_ids"`
	Timestamp  time.Time `json:"timestamp"`
}
