// Package geometry provides the bbox and direction math shared by the
// track post-processor, matchers, and PTZ calibrator: IoU / IoU-min
// overlap, centroid displacement, and compass bearing helpers.
//
// IoU computation follows the standard intersection-over-union
// construction (grounded on the pack's py-motmetrics port in
// internal/motmetrics/iou.go), adapted from the x_min/y_min/x_max/y_max
// box representation to this module's {x,y,w,h} models.BBox.
package geometry

import (
	"math"

	"github.com/groundtruth-studio/reid-pipeline/internal/models"
)

// IoU returns the intersection-over-union of two boxes, in [0, 1].
func IoU(a, b models.BBox) float64 {
	areaA, areaB := a.Area(), b.Area()
	if areaA <= 0 || areaB <= 0 {
		return 0
	}

	inter := intersectionArea(a, b)
	union := areaA + areaB - inter
	if union <= 0 {
		return 0
	}
	return inter / union
}

// IoUMin returns intersection-over-min-area, which tolerates bbox-size
// wobble between frames better than standard IoU.
func IoUMin(a, b models.BBox) float64 {
	areaA, areaB := a.Area(), b.Area()
	if areaA <= 0 || areaB <= 0 {
		return 0
	}

	inter := intersectionArea(a, b)
	minArea := math.Min(areaA, areaB)
	if minArea <= 0 {
		return 0
	}
	return inter / minArea
}

func intersectionArea(a, b models.BBox) float64 {
	xMin := math.Max(a.X, b.X)
	yMin := math.Max(a.Y, b.Y)
	xMax := math.Min(a.X+a.W, b.X+b.W)
	yMax := math.Min(a.Y+a.H, b.Y+b.H)

	if xMax <= xMin || yMax <= yMin {
		return 0
	}
	return (xMax - xMin) * (yMax - yMin)
}

// CentroidDisplacement returns the Euclidean distance between two boxes'
// centroids.
func CentroidDisplacement(a, b models.BBox) float64 {
	ax, ay := a.Centroid()
	bx, by := b.Centroid()
	return math.Hypot(bx-ax, by-ay)
}

// AvgDiagonal returns the mean of two boxes' diagonals, used as the jump
// threshold's reference scale in the jump-cleaning pass.
func AvgDiagonal(a, b models.BBox) float64 {
	return (a.Diagonal() + b.Diagonal()) / 2
}

// DirectionSign buckets a net horizontal displacement into a travel
// direction sign. Net displacement below
// minDisplacement (5% of frame diagonal) is unreliable and bucketed
// "unknown".
type DirectionSign int

const (
	DirectionUnknown DirectionSign = iota
	DirectionPositiveDX
	DirectionNegativeDX
)

// NetDirection computes the sign of dx = last.X - first.X for a sequence
// of centroid samples, rejecting unreliable direction per the direction
// step 3: net displacement < 5% of frameDiagonal, or duration < 0.5s.
func NetDirection(firstX, lastX, firstT, lastT, frameDiagonal float64) DirectionSign {
	duration := lastT - firstT
	if duration < 0.5 {
		return DirectionUnknown
	}
	dx := lastX - firstX
	if math.Abs(dx) < 0.05*frameDiagonal {
		return DirectionUnknown
	}
	if dx > 0 {
		return DirectionPositiveDX
	}
	return DirectionNegativeDX
}

// ProjectOntoLine projects point (px,py) onto the line segment
// (x1,y1)-(x2,y2), returning the parametric position t, clamped to
// [0, 1]. Used by the crossing-line matcher.
func ProjectOntoLine(px, py, x1, y1, x2, y2 float64) float64 {
	dx, dy := x2-x1, y2-y1
	lenSq := dx*dx + dy*dy
	if lenSq == 0 {
		return 0
	}
	t := ((px-x1)*dx + (py-y1)*dy) / lenSq
	if t < 0 {
		return 0
	}
	if t > 1 {
		return 1
	}
	return t
}

// UnitVector normalizes (dx, dy) to magnitude 1. Returns (0, 0) if the
// input vector is zero-length.
func UnitVector(dx, dy float64) (float64, float64) {
	mag := math.Hypot(dx, dy)
	if mag == 0 {
		return 0, 0
	}
	return dx / mag, dy / mag
}

// BearingDeg returns the compass bearing in degrees [0, 360) from point
// (x1,y1) to (x2,y2), measured clockwise from north (+y axis), used by
// the PTZ calibrator's geometric fallback.
func BearingDeg(x1, y1, x2, y2 float64) float64 {
	deg := math.Atan2(x2-x1, y2-y1) * 180 / math.Pi
	if deg < 0 {
		deg += 360
	}
	return deg
}

// NormalizeBearingDelta returns the signed difference (b1 - b2) folded
// into (-180, 180], the shortest angular distance between two bearings.
func NormalizeBearingDelta(b1, b2 float64) float64 {
	delta := math.Mod(b1-b2, 360)
	if delta > 180 {
		delta -= 360
	} else if delta <= -180 {
		delta += 360
	}
	return delta
}
