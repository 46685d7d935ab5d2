// Package matcher links video tracks across camera boundaries: the
// direction-based matcher pairs tracks purely on travel
// direction, appearance and timing; the crossing-line matcher uses an operator-drawn line pair for a higher-confidence
// geometric match. Both feed the same union-find identity resolution
// and classification propagation.
package matcher

import (
	"math"

	"github.com/groundtruth-studio/reid-pipeline/internal/geometry"
	"github.com/groundtruth-studio/reid-pipeline/internal/models"
)

// TrackSnapshot is the subset of a VideoTrack's fields either matcher needs
// to score a candidate pair, independent of how the caller fetched it.
type TrackSnapshot struct {
	TrackID        int64
	CameraID       string
	VehicleSubtype string // empty when not yet classified
	FirstSeen      float64
	LastSeen       float64
	Trajectory     []models.TrajectoryPoint
	PathData       []models.PathPoint
	ReIDEmbedding  []float32
	ColorHistogram []float64
	AvgBBoxArea    float64
	FrameDiagonal  float64

	// CentroidX/Y is the representative point used for crossing-line
	// projection: the trajectory point nearest the
	// configured crossing line, chosen by the caller assembling the
	// snapshot.
	CentroidX float64
	CentroidY float64
}

// Qualifies reports whether a track survives the step-1 candidate filter
//: not a stationary long-lived track (observation
// span over max(60s, 4 * maxTransitSeconds)), at least 5 trajectory points,
// and an observation span of at least 0.3s.
func Qualifies(t TrackSnapshot, maxTransitSeconds float64) bool {
	span := t.LastSeen - t.FirstSeen
	if span > math.Max(60, 4*maxTransitSeconds) {
		return false
	}
	if len(t.Trajectory) < 5 {
		return false
	}
	if span < 0.3 {
		return false
	}
	return true
}

// Direction infers a track's travel direction and the timestamp at which
// that direction was measured: path_data's
// first/last samples when present (sub-second accurate), else the
// trajectory's first-quarter to last-quarter centroids.
func (t TrackSnapshot) Direction() (sign geometry.DirectionSign, midpoint float64, ok bool) {
	if len(t.PathData) >= 2 {
		first := t.PathData[0]
		last := t.PathData[len(t.PathData)-1]
		sign = geometry.NetDirection(first.X, last.X, first.Timestamp, last.Timestamp, t.FrameDiagonal)
		midpoint = (first.Timestamp + last.Timestamp) / 2
		return sign, midpoint, sign != geometry.DirectionUnknown
	}

	n := len(t.Trajectory)
	if n < 4 {
		return geometry.DirectionUnknown, t.FirstSeen, false
	}
	firstQ := t.Trajectory[n/4]
	lastQ := t.Trajectory[n-1-n/4]
	sign = geometry.NetDirection(firstQ.X, lastQ.X, firstQ.Timestamp, lastQ.Timestamp, t.FrameDiagonal)
	midpoint = (firstQ.Timestamp + lastQ.Timestamp) / 2
	return sign, midpoint, sign != geometry.DirectionUnknown
}

// DirectionVector infers a track's raw displacement vector over its
// reliable-direction window, reusing the same
// path_data-or-trajectory-quarters source and reliability gate as
// Direction, but keeping both axes instead of collapsing to a sign. Used
// by the crossing-line matcher's hard direction filter, which needs to
// compare a track's travel vector against a line's forward vector rather
// than just a left/right bucket.
func (t TrackSnapshot) DirectionVector() (dx, dy float64, ok bool) {
	var fx, fy, ft, lx, ly, lt float64
	switch {
	case len(t.PathData) >= 2:
		first := t.PathData[0]
		last := t.PathData[len(t.PathData)-1]
		fx, fy, ft = first.X, first.Y, first.Timestamp
		lx, ly, lt = last.X, last.Y, last.Timestamp
	case len(t.Trajectory) >= 4:
		n := len(t.Trajectory)
		firstQ := t.Trajectory[n/4]
		lastQ := t.Trajectory[n-1-n/4]
		fx, fy, ft = firstQ.X, firstQ.Y, firstQ.Timestamp
		lx, ly, lt = lastQ.X, lastQ.Y, lastQ.Timestamp
	default:
		return 0, 0, false
	}
	if lt-ft < 0.5 {
		return 0, 0, false
	}
	dx, dy = lx-fx, ly-fy
	if math.Hypot(dx, dy) < 0.05*t.FrameDiagonal {
		return 0, 0, false
	}
	return dx, dy, true
}

// PairKey is an unordered pair of track ids, used to record exclusions
// (already-confirmed links) and avoid double counting a pair across bucket
// passes.
type PairKey struct {
	A, B int64
}

// NewPairKey normalizes a pair so PairKey{x,y} == PairKey{y,x}.
func NewPairKey(a, b int64) PairKey {
	if a > b {
		a, b = b, a
	}
	return PairKey{A: a, B: b}
}
