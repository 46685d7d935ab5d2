package postprocess

import (
	"io"
	"log/slog"
	"testing"

	"github.com/groundtruth-studio/reid-pipeline/internal/config"
	"github.com/groundtruth-studio/reid-pipeline/internal/models"
)

func testThresholds() config.Thresholds {
	return config.Thresholds{
		IoUMergeThreshold: 0.35,
		IoUMinNearest:     0.20,
		StitchMaxGapSec:   3.0,
		JumpMultiplier:    3.0,
		MinSegmentFrames:  3,
	}
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func trackWithTrajectory(points ...models.TrajectoryPoint) models.VideoTrack {
	return models.VideoTrack{
		Status:         models.VideoTrackActive,
		Trajectory:     points,
		FirstSeenEpoch: points[0].Timestamp,
		LastSeenEpoch:  points[len(points)-1].Timestamp,
	}
}

func pt(ts, x, y, w, h float64) models.TrajectoryPoint {
	return models.TrajectoryPoint{Timestamp: ts, X: x, Y: y, W: w, H: h, Confidence: 0.9}
}

func TestMergeOverlappingDeactivatesShorterTrack(t *testing.T) {
	p := New(testThresholds(), discardLogger())

	// Two tracks occupying nearly the same box at the same timestamps.
	long := trackWithTrajectory(
		pt(0.0, 10, 10, 20, 20),
		pt(0.1, 11, 10, 20, 20),
		pt(0.2, 12, 10, 20, 20),
		pt(0.3, 13, 10, 20, 20),
	)
	short := trackWithTrajectory(
		pt(0.0, 10, 10, 20, 20),
		pt(0.1, 11, 10, 20, 20),
		pt(0.2, 12, 10, 20, 20),
	)

	result := p.mergeOverlapping([]models.VideoTrack{long, short})
	if result[0].Status != models.VideoTrackActive {
		t.Errorf("expected longer track to remain active, got %v", result[0].Status)
	}
	if result[1].Status != models.VideoTrackMerged {
		t.Errorf("expected shorter track to be merged, got %v", result[1].Status)
	}
}

func TestMergeOverlappingLeavesDistinctTracksActive(t *testing.T) {
	p := New(testThresholds(), discardLogger())

	a := trackWithTrajectory(pt(0.0, 10, 10, 20, 20), pt(0.1, 11, 10, 20, 20), pt(0.2, 12, 10, 20, 20))
	b := trackWithTrajectory(pt(0.0, 500, 500, 20, 20), pt(0.1, 501, 500, 20, 20), pt(0.2, 502, 500, 20, 20))

	result := p.mergeOverlapping([]models.VideoTrack{a, b})
	if result[0].Status != models.VideoTrackActive || result[1].Status != models.VideoTrackActive {
		t.Errorf("expected both non-overlapping tracks to remain active")
	}
}

func TestStitchFragmentsJoinsCloseSequentialTracks(t *testing.T) {
	p := New(testThresholds(), discardLogger())

	first := trackWithTrajectory(pt(0.0, 10, 10, 20, 20), pt(1.0, 10, 10, 20, 20))
	second := trackWithTrajectory(pt(2.0, 11, 10, 20, 20), pt(3.0, 11, 10, 20, 20))

	result := p.stitchFragments([]models.VideoTrack{first, second})
	if result[1].Status != models.VideoTrackMerged {
		t.Errorf("expected the shorter/later fragment to be merged, got %v", result[1].Status)
	}
}

func TestStitchFragmentsIgnoresGapTooLarge(t *testing.T) {
	p := New(testThresholds(), discardLogger())

	first := trackWithTrajectory(pt(0.0, 10, 10, 20, 20))
	second := trackWithTrajectory(pt(10.0, 11, 10, 20, 20))

	result := p.stitchFragments([]models.VideoTrack{first, second})
	if result[0].Status != models.VideoTrackActive || result[1].Status != models.VideoTrackActive {
		t.Errorf("expected both tracks to remain active when gap exceeds threshold")
	}
}

func TestCleanJumpsSplitsAndKeepsLongestSegment(t *testing.T) {
	p := New(testThresholds(), discardLogger())

	track := trackWithTrajectory(
		pt(0.0, 10, 10, 20, 20),
		pt(0.1, 12, 10, 20, 20),
		pt(0.2, 14, 10, 20, 20),
		pt(0.3, 500, 500, 20, 20), // jump
		pt(0.4, 502, 500, 20, 20),
	)

	result := p.cleanJumps([]models.VideoTrack{track})
	if result[0].Status != models.VideoTrackActive {
		t.Fatalf("expected track to remain active (longest segment has 3 frames), got %v", result[0].Status)
	}
	if len(result[0].Trajectory) != 3 {
		t.Errorf("expected the 3-point pre-jump segment retained, got %d points", len(result[0].Trajectory))
	}
}

func TestCleanJumpsFragmentsWhenLongestSegmentTooShort(t *testing.T) {
	p := New(testThresholds(), discardLogger())

	track := trackWithTrajectory(
		pt(0.0, 10, 10, 20, 20),
		pt(0.1, 500, 500, 20, 20), // jump
		pt(0.2, 502, 500, 20, 20),
	)

	result := p.cleanJumps([]models.VideoTrack{track})
	if result[0].Status != models.VideoTrackJumpFragmented {
		t.Errorf("expected track to be jump_fragmented, got %v", result[0].Status)
	}
}
