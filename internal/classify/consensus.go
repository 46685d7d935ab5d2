// Package classify implements the frame classifier and weighted consensus
//: sampling frames, assigning per-frame detections to video
// tracks by interpolated-bbox IoU, computing a confidence/area-weighted
// class consensus per track, and scoring frame quality for training-data
// export.
package classify

import (
	"math"
	"sort"

	"github.com/groundtruth-studio/reid-pipeline/internal/geometry"
	"github.com/groundtruth-studio/reid-pipeline/internal/models"
)

// MinAssignIoU is the minimum IoU for a detection to be assigned to a
// track's interpolated bbox at a given frame.
const MinAssignIoU = 0.15

// NearestPointTolerance bounds how far a trajectory point can be from a
// frame's timestamp and still count as "visible at that frame".
const NearestPointTolerance = 0.5

// classMatchMismatchWeight is the class_match multiplier applied when a
// frame's class disagrees with the track's consensus class.
const classMatchMismatchWeight = 0.3

// FrameRecord is one frame's classification evidence for a track.
type FrameRecord struct {
	Timestamp  float64
	ClassName  string
	Confidence float64
	BBox       models.BBox
}

// Detection is a single detection on a sampled frame, pairable against a
// track's interpolated bbox.
type Detection struct {
	ClassName  string
	Confidence float64
	BBox       models.BBox
}

// SampleStride returns 1 (every frame) or 2 (every second frame, when the
// clip exceeds 60 s).
func SampleStride(clipDurationSeconds float64) int {
	if clipDurationSeconds > 60.0 {
		return 2
	}
	return 1
}

// InterpolateBBox returns the track's bbox at timestamp, linearly
// interpolating between the two bracketing trajectory points, or the
// nearest point's bbox if timestamp falls outside the trajectory. Returns
// false if no trajectory point lies within NearestPointTolerance.
func InterpolateBBox(trajectory []models.TrajectoryPoint, timestamp float64) (models.BBox, bool) {
	if len(trajectory) == 0 {
		return models.BBox{}, false
	}

	if timestamp <= trajectory[0].Timestamp {
		if trajectory[0].Timestamp-timestamp <= NearestPointTolerance {
			return trajectory[0].BBox(), true
		}
		return models.BBox{}, false
	}
	last := trajectory[len(trajectory)-1]
	if timestamp >= last.Timestamp {
		if timestamp-last.Timestamp <= NearestPointTolerance {
			return last.BBox(), true
		}
		return models.BBox{}, false
	}

	for i := 1; i < len(trajectory); i++ {
		a, b := trajectory[i-1], trajectory[i]
		if timestamp < a.Timestamp || timestamp > b.Timestamp {
			continue
		}
		if timestamp-a.Timestamp > NearestPointTolerance && b.Timestamp-timestamp > NearestPointTolerance {
			return models.BBox{}, false
		}
		span := b.Timestamp - a.Timestamp
		if span <= 0 {
			return a.BBox(), true
		}
		frac := (timestamp - a.Timestamp) / span
		return models.BBox{
			X: a.X + frac*(b.X-a.X),
			Y: a.Y + frac*(b.Y-a.Y),
			W: a.W + frac*(b.W-a.W),
			H: a.H + frac*(b.H-a.H),
		}, true
	}
	return models.BBox{}, false
}

// AssignBestDetection returns the detection with the highest IoU against
// trackBBox, provided that IoU meets MinAssignIoU.
func AssignBestDetection(trackBBox models.BBox, detections []Detection) (Detection, bool) {
	var best Detection
	bestIoU := MinAssignIoU
	found := false
	for _, d := range detections {
		iou := geometry.IoU(trackBBox, d.BBox)
		if iou >= bestIoU {
			bestIoU = iou
			best = d
			found = true
		}
	}
	return best, found
}

// Consensus is the weighted-consensus result for one track.
type Consensus struct {
	ConsensusClass      string
	ConsensusConfidence float64
	ClassDistribution   map[string]float64
}

// ComputeConsensus implements the weighted-consensus formula.
func ComputeConsensus(records []FrameRecord) Consensus {
	if len(records) == 0 {
		return Consensus{ClassDistribution: map[string]float64{}}
	}

	maxArea := 0.0
	for _, r := range records {
		if a := r.BBox.Area(); a > maxArea {
			maxArea = a
		}
	}
	if maxArea == 0 {
		maxArea = 1
	}

	votes := map[string]float64{}
	total := 0.0
	for _, r := range records {
		weight := r.Confidence * (r.BBox.Area() / maxArea)
		votes[r.ClassName] += weight
		total += weight
	}

	consensusClass := ""
	bestVote := -1.0
	for class, vote := range votes {
		if vote > bestVote {
			bestVote = vote
			consensusClass = class
		}
	}

	dist := make(map[string]float64, len(votes))
	if total > 0 {
		for class, vote := range votes {
			dist[class] = vote / total
		}
	}

	consensusConfidence := 0.0
	if total > 0 {
		consensusConfidence = votes[consensusClass] / total
	}

	return Consensus{
		ConsensusClass:      consensusClass,
		ConsensusConfidence: consensusConfidence,
		ClassDistribution:   dist,
	}
}

// FrameQuality is one frame's training-data export quality score.
type FrameQuality struct {
	Timestamp float64
	Quality   float64
}

// ComputeFrameQuality implements the per-frame quality score.
// frameW/frameH are the source video's dimensions, used for center_score.
func ComputeFrameQuality(records []FrameRecord, consensusClass string, frameW, frameH float64) []FrameQuality {
	if len(records) == 0 {
		return nil
	}
	maxArea := 0.0
	for _, r := range records {
		if a := r.BBox.Area(); a > maxArea {
			maxArea = a
		}
	}
	if maxArea == 0 {
		maxArea = 1
	}

	scores := make([]FrameQuality, 0, len(records))
	for _, r := range records {
		classMatch := classMatchMismatchWeight
		if r.ClassName == consensusClass {
			classMatch = 1.0
		}
		center := centerScore(r.BBox, frameW, frameH)
		quality := (r.BBox.Area() / maxArea) * r.Confidence * classMatch * center
		scores = append(scores, FrameQuality{Timestamp: r.Timestamp, Quality: quality})
	}

	sort.Slice(scores, func(i, j int) bool { return scores[i].Quality > scores[j].Quality })
	return scores
}

// centerScore is 1.0 when the bbox center lies in the middle 60% of the
// frame along both axes, falling linearly to 0.0 at the image edges.
func centerScore(b models.BBox, frameW, frameH float64) float64 {
	if frameW <= 0 || frameH <= 0 {
		return 1.0
	}
	cx, cy := b.Centroid()
	sx := axisCenterScore(cx, frameW)
	sy := axisCenterScore(cy, frameH)
	return sx * sy
}

// axisCenterScore scores a single axis: 1.0 within the middle 60% band
// (±30% from center), linearly falling to 0.0 at the edge.
func axisCenterScore(pos, length float64) float64 {
	center := length / 2
	offset := math.Abs(pos - center)
	innerHalf := length * 0.30
	outerHalf := length / 2
	if offset <= innerHalf {
		return 1.0
	}
	if offset >= outerHalf {
		return 0.0
	}
	return 1 - (offset-innerHalf)/(outerHalf-innerHalf)
}

// SelectTopFrames returns the frames at or above qualityThreshold, capped
// at n, in input order. It does not sort; scored is expected in descending
// quality order, as ComputeFrameQuality returns it.
func SelectTopFrames(scored []FrameQuality, qualityThreshold float64, n int) []FrameQuality {
	var out []FrameQuality
	for _, s := range scored {
		if s.Quality < qualityThreshold {
			continue
		}
		out = append(out, s)
		if len(out) >= n {
			break
		}
	}
	return out
}
