// Package grouping clusters keyframe predictions from a single camera into
// Prediction Groups.
package grouping

import (
	"math"

	"github.com/groundtruth-studio/reid-pipeline/internal/models"
)

// AreaRatioTolerance bounds how much a prediction's bbox area may differ
// from a candidate group's average area and still be considered the same
// object.
// Not a numeric configuration constant; resolved as an open-question decision
// (see DESIGN.md). The area ratio (smaller/larger) must be at least
// 1-AreaRatioTolerance = 0.7; this is stricter than
// internal/descriptor.SizeScore, which scores any ratio above 0.3.
const AreaRatioTolerance = 0.3

// TimestampAbutGapSec is the largest gap between a prediction's timestamp
// and a group's timestamp window that still counts as "abuts" rather than
// a disjoint window. Resolved as an Open Question decision,
// reusing the post-processor's STITCH_MAX_GAP_SEC value for consistency
// across the pipeline's "is this the same brief event" checks.
const TimestampAbutGapSec = 3.0

// Input is one keyframe prediction being clustered.
type Input struct {
	PredictionID int64
	Scenario     string
	BBox         models.BBox
	Timestamp    float64
	Confidence   float64
}

// Grouper assigns predictions to Prediction Groups, one camera at a time.
type Grouper struct{}

// New creates a prediction grouper.
func New() *Grouper {
	return &Grouper{}
}

// Assign locates an existing group for pred among candidates, or reports
// that a new group should be created. Candidates must all belong to the
// same camera as pred; the caller is responsible for that scoping.
func (g *Grouper) Assign(pred Input, candidates []models.PredictionGroup) (groupIdx int, found bool) {
	converted := make([]Candidate, len(candidates))
	for i, grp := range candidates {
		converted[i] = Candidate{
			Scenario:  grp.Scenario,
			CentroidX: grp.CentroidX,
			CentroidY: grp.CentroidY,
			AvgBBoxW:  grp.AvgBBoxW,
			AvgBBoxH:  grp.AvgBBoxH,
			WindowMin: grp.MinTimestamp,
			WindowMax: grp.MaxTimestamp,
		}
	}
	return Match(pred, converted, TimestampAbutGapSec)
}

// Candidate is the subset of an existing cluster's aggregates needed to
// decide whether a new member belongs to it. Both PredictionGroup and CameraObjectTrack reduce to this shape, letting
// the track builder reuse the same matching logic over a longer temporal
// horizon (a wider gapSec) instead of duplicating it.
type Candidate struct {
	Scenario             string
	CentroidX, CentroidY float64
	AvgBBoxW, AvgBBoxH   float64
	WindowMin, WindowMax float64
}

// Match is the scenario/centroid/area-ratio/timestamp-window matching rule
// shared by prediction grouping and track building. gapSec is the maximum
// gap between pred's timestamp and a candidate's window that still counts
// as abutting; grouping uses TimestampAbutGapSec, the track builder uses a
// longer horizon (see internal/trackbuilder).
func Match(pred Input, candidates []Candidate, gapSec float64) (idx int, found bool) {
	predDiagonal := pred.BBox.Diagonal()

	best := -1
	bestDist := math.Inf(1)
	for i, c := range candidates {
		if c.Scenario != pred.Scenario {
			continue
		}
		dist := math.Hypot(pred.BBox.X+pred.BBox.W/2-c.CentroidX, pred.BBox.Y+pred.BBox.H/2-c.CentroidY)
		if dist > predDiagonal {
			continue
		}
		if !areaRatioWithinTolerance(pred.BBox.Area(), c.AvgBBoxW*c.AvgBBoxH) {
			continue
		}
		if !timestampWindowAbuts(pred.Timestamp, c.WindowMin, c.WindowMax, gapSec) {
			continue
		}
		if dist < bestDist {
			bestDist = dist
			best = i
		}
	}
	if best < 0 {
		return 0, false
	}
	return best, true
}

func areaRatioWithinTolerance(areaA, areaB float64) bool {
	if areaA <= 0 || areaB <= 0 {
		return false
	}
	minA, maxA := areaA, areaB
	if minA > maxA {
		minA, maxA = maxA, minA
	}
	return minA/maxA >= 1-AreaRatioTolerance
}

func timestampWindowAbuts(ts, windowMin, windowMax, gapSec float64) bool {
	if ts >= windowMin && ts <= windowMax {
		return true
	}
	if ts < windowMin {
		return windowMin-ts <= gapSec
	}
	return ts-windowMax <= gapSec
}

// Aggregates is the recomputed set of group aggregates after a batch of
// assignments.
type Aggregates struct {
	MemberCount                int
	MinConfidence               float64
	AvgConfidence               float64
	MaxConfidence               float64
	MinTimestamp                float64
	MaxTimestamp                float64
	CentroidX, CentroidY        float64
	AvgBBoxW, AvgBBoxH           float64
	RepresentativePredictionID int64
}

// Recompute implements the "recompute group aggregates after
// each batch": member_count, confidence min/avg/max, timestamp min/max,
// representative = member with largest area (tiebreak highest confidence).
func Recompute(members []Input) Aggregates {
	if len(members) == 0 {
		return Aggregates{}
	}

	agg := Aggregates{
		MemberCount:  len(members),
		MinConfidence: members[0].Confidence,
		MaxConfidence: members[0].Confidence,
		MinTimestamp:  members[0].Timestamp,
		MaxTimestamp:  members[0].Timestamp,
	}

	var sumConf, sumCx, sumCy, sumW, sumH float64
	repIdx := 0
	repArea := members[0].BBox.Area()

	for i, m := range members {
		sumConf += m.Confidence
		cx, cy := m.BBox.Centroid()
		sumCx += cx
		sumCy += cy
		sumW += m.BBox.W
		sumH += m.BBox.H

		if m.Confidence < agg.MinConfidence {
			agg.MinConfidence = m.Confidence
		}
		if m.Confidence > agg.MaxConfidence {
			agg.MaxConfidence = m.Confidence
		}
		if m.Timestamp < agg.MinTimestamp {
			agg.MinTimestamp = m.Timestamp
		}
		if m.Timestamp > agg.MaxTimestamp {
			agg.MaxTimestamp = m.Timestamp
		}

		area := m.BBox.Area()
		if area > repArea || (area == repArea && m.Confidence > members[repIdx].Confidence) {
			repArea = area
			repIdx = i
		}
	}

	n := float64(len(members))
	agg.AvgConfidence = sumConf / n
	agg.CentroidX = sumCx / n
	agg.CentroidY = sumCy / n
	agg.AvgBBoxW = sumW / n
	agg.AvgBBoxH = sumH / n
	agg.RepresentativePredictionID = members[repIdx].PredictionID

	return agg
}
