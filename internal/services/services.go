// Package services defines the four inbound collaborator interfaces the
// pipeline consumes: object detection, ReID embedding, clip
// retrieval, and PTZ control. The services themselves run outside this
// module; httpclient.go holds the HTTP client implementations of these
// interfaces, and the rest of the core depends only on the contracts.
package services

import (
	"context"
	"time"

	"github.com/groundtruth-studio/reid-pipeline/internal/models"
)

// DetectionTimeout bounds a single Detect call.
const DetectionTimeout = 30 * time.Second

// EmbeddingTimeout bounds a single Embed call.
const EmbeddingTimeout = 10 * time.Second

// Detection is one object found in a frame.
type Detection struct {
	BBox       models.BBox
	ClassName  string
	ClassID    int
	Confidence float64
}

// Detector runs object detection on a single frame image.
type Detector interface {
	Detect(ctx context.Context, frameImage []byte, confidenceThreshold float64) ([]Detection, error)
}

// Embedder computes a fixed-length, L2-normalized appearance embedding
// for an image crop.
type Embedder interface {
	Embed(ctx context.Context, imageCrop []byte) ([]float32, error)
}

// ClipProbe reports the decode-relevant properties of a clip file.
type ClipProbe struct {
	DurationSeconds float64
	Width           int
	Height          int
	FPS             float64
	DecodeErrors    []string
}

// FetchResult is the outcome of retrieving a clip by event id.
type FetchResult struct {
	Path    string
	Success bool
	Error   string
}

// ExtractResult is the outcome of extracting a sub-clip.
type ExtractResult struct {
	Path string
}

// ClipStore retrieves and probes video clips.
type ClipStore interface {
	FetchClip(ctx context.Context, eventID, cameraID string) (FetchResult, error)
	ProbeClip(ctx context.Context, path string) (ClipProbe, error)
	ExtractClip(ctx context.Context, src string, startTime, duration float64) (ExtractResult, error)
}

// PTZStatus reports a PTZ camera's current ONVIF-normalized position.
type PTZStatus struct {
	Pan  float64
	Tilt float64
	Zoom float64
}

// PTZDriver issues motion commands to a PTZ camera. All coordinates are
// ONVIF-normalized to [-1, 1].
type PTZDriver interface {
	Move(ctx context.Context, cameraID string, panVelocity, tiltVelocity float64) error
	Stop(ctx context.Context, cameraID string) error
	AbsoluteMove(ctx context.Context, cameraID string, pan, tilt float64, zoom *float64) error
	GetStatus(ctx context.Context, cameraID string) (PTZStatus, error)
}
