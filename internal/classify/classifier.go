package classify

import (
	"context"
	"fmt"
	"log/slog"

	"gocv.io/x/gocv"

	"github.com/groundtruth-studio/reid-pipeline/internal/models"
	"github.com/groundtruth-studio/reid-pipeline/internal/perr"
	"github.com/groundtruth-studio/reid-pipeline/internal/services"
)

// Classifier runs per-frame classification over a clip and produces a
// weighted-consensus result plus a training-export frame quality ranking
// for each video track.
type Classifier struct {
	detector services.Detector
	confThr  float64
	logger   *slog.Logger
}

// New creates a Classifier.
func New(detector services.Detector, confThr float64, logger *slog.Logger) *Classifier {
	return &Classifier{detector: detector, confThr: confThr, logger: logger.With("component", "classify")}
}

// TrackResult bundles one track's consensus classification and ranked
// frame quality scores.
type TrackResult struct {
	TrackerTrackID int
	Consensus      Consensus
	FrameQuality   []FrameQuality
	TotalFrames    int
}

// trackState accumulates per-frame records for one track during the
// sampling pass.
type trackState struct {
	trajectory []models.TrajectoryPoint
	records    []FrameRecord
}

// Classify samples clipPath's frames at the configured stride, runs
// detection on each sampled frame, assigns detections to the supplied
// tracks by interpolated-bbox IoU, and computes consensus + frame quality
// per track.
func (c *Classifier) Classify(ctx context.Context, clipPath string, tracks []models.VideoTrack) ([]TrackResult, error) {
	cap, err := gocv.OpenVideoCapture(clipPath)
	if err != nil {
		return nil, perr.New(perr.CorruptClip, "classify.Classify", fmt.Errorf("open clip: %w", err))
	}
	defer cap.Close()

	fps := cap.Get(gocv.VideoCaptureFPS)
	if fps <= 0 {
		fps = 30
	}
	frameCount := cap.Get(gocv.VideoCaptureFrameCount)
	duration := 0.0
	if fps > 0 {
		duration = frameCount / fps
	}
	stride := SampleStride(duration)
	frameW := cap.Get(gocv.VideoCaptureFrameWidth)
	frameH := cap.Get(gocv.VideoCaptureFrameHeight)

	states := make(map[int]*trackState, len(tracks))
	for _, t := range tracks {
		states[t.TrackerTrackID] = &trackState{trajectory: t.Trajectory}
	}

	frame := gocv.NewMat()
	defer frame.Close()

	frameIdx := 0
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		if ok := cap.Read(&frame); !ok || frame.Empty() {
			break
		}
		if frameIdx%stride != 0 {
			frameIdx++
			continue
		}
		timestamp := float64(frameIdx) / fps

		dets, err := c.detect(ctx, frame)
		if err != nil {
			c.logger.Warn("detect failed, skipping frame", "frame", frameIdx, "error", err)
			frameIdx++
			continue
		}

		for _, state := range states {
			trackBBox, ok := InterpolateBBox(state.trajectory, timestamp)
			if !ok {
				continue
			}
			best, found := AssignBestDetection(trackBBox, dets)
			if !found {
				continue
			}
			state.records = append(state.records, FrameRecord{
				Timestamp:  timestamp,
				ClassName:  best.ClassName,
				Confidence: best.Confidence,
				BBox:       best.BBox,
			})
		}
		frameIdx++
	}

	results := make([]TrackResult, 0, len(tracks))
	for _, t := range tracks {
		state := states[t.TrackerTrackID]
		consensus := ComputeConsensus(state.records)
		quality := ComputeFrameQuality(state.records, consensus.ConsensusClass, frameW, frameH)
		results = append(results, TrackResult{
			TrackerTrackID: t.TrackerTrackID,
			Consensus:      consensus,
			FrameQuality:   quality,
			TotalFrames:    len(state.records),
		})
	}
	return results, nil
}

func (c *Classifier) detect(ctx context.Context, frame gocv.Mat) ([]Detection, error) {
	buf, err := gocv.IMEncode(".jpg", frame)
	if err != nil {
		return nil, fmt.Errorf("encode frame: %w", err)
	}
	defer buf.Close()

	ctx, cancel := context.WithTimeout(ctx, services.DetectionTimeout)
	defer cancel()

	raw, err := c.detector.Detect(ctx, buf.GetBytes(), c.confThr)
	if err != nil {
		return nil, err
	}
	dets := make([]Detection, len(raw))
	for i, d := range raw {
		dets[i] = Detection{ClassName: d.ClassName, Confidence: d.Confidence, BBox: d.BBox}
	}
	return dets, nil
}
