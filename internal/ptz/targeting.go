package ptz

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/groundtruth-studio/reid-pipeline/internal/geometry"
)

// ReferencePoint correlates a bbox center in a source camera's frame
// with the target PTZ's confirmed pan/tilt at that real-world location
// -- a models.PTZCalibrationPoint row with both its source bbox and its
// actual pan/tilt already filled in.
type ReferencePoint struct {
	SourceBBoxX float64
	SourceBBoxY float64
	Pan         float64
	Tilt        float64
}

// SourceCamera is the static geometry of the camera whose frame the bbox
// was observed in, used by the geometric fallback.
type SourceCamera struct {
	Latitude    float64
	Longitude   float64
	BearingDeg  float64
	FOVAngleDeg float64
	FOVRangeM   float64
}

// TargetCamera is the static geometry of the PTZ camera being aimed.
type TargetCamera struct {
	Latitude       float64
	Longitude      float64
	PanRangeDeg    float64
	HomeBearingDeg float64
}

// minRBFPoints is the reference-point count at which RBF interpolation
// takes over from the geometric fallback.
const minRBFPoints = 3

// rbfEpsilon shapes the multiquadric kernel's spread; small relative to
// typical frame dimensions so nearby reference points dominate a query.
const rbfEpsilon = 25.0

// Targeter turns a bbox observed in a source camera's frame into a
// pan/tilt command for a target PTZ camera.
type Targeter struct{}

// NewTargeter builds a targeter. It carries no state: each call picks
// its strategy from the reference points passed in.
func NewTargeter() *Targeter {
	return &Targeter{}
}

// Target computes the pan/tilt to aim target at the real-world point
// implied by a bbox centered at (bboxX, bboxY) in source's frame.
// With >= 3 reference points for this camera pair, it interpolates via
// radial basis functions; otherwise it falls back to a geometric
// estimate through the source camera's FOV projected onto a ground ray.
func (t *Targeter) Target(bboxX, bboxY float64, source SourceCamera, target TargetCamera, refs []ReferencePoint) (pan, tilt float64, err error) {
	if len(refs) >= minRBFPoints {
		return t.interpolateRBF(bboxX, bboxY, refs)
	}
	return t.geometricEstimate(bboxX, bboxY, source, target)
}

// interpolateRBF fits a multiquadric RBF model to the reference points'
// (bboxX, bboxY) -> pan and (bboxX, bboxY) -> tilt mappings independently,
// then evaluates both at the query point.
func (t *Targeter) interpolateRBF(bboxX, bboxY float64, refs []ReferencePoint) (pan, tilt float64, err error) {
	n := len(refs)
	phi := mat.NewDense(n, n, nil)
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			phi.Set(i, j, multiquadric(refs[i].SourceBBoxX, refs[i].SourceBBoxY, refs[j].SourceBBoxX, refs[j].SourceBBoxY))
		}
	}

	panValues := mat.NewDense(n, 1, nil)
	tiltValues := mat.NewDense(n, 1, nil)
	for i, r := range refs {
		panValues.Set(i, 0, r.Pan)
		tiltValues.Set(i, 0, r.Tilt)
	}

	var panWeights, tiltWeights mat.Dense
	if err := panWeights.Solve(phi, panValues); err != nil {
		return 0, 0, fmt.Errorf("solve pan RBF weights: %w", err)
	}
	if err := tiltWeights.Solve(phi, tiltValues); err != nil {
		return 0, 0, fmt.Errorf("solve tilt RBF weights: %w", err)
	}

	for i, r := range refs {
		basis := multiquadric(bboxX, bboxY, r.SourceBBoxX, r.SourceBBoxY)
		pan += panWeights.At(i, 0) * basis
		tilt += tiltWeights.At(i, 0) * basis
	}
	return clamp(pan, -1, 1), clamp(tilt, -1, 1), nil
}

func multiquadric(x1, y1, x2, y2 float64) float64 {
	r := math.Hypot(x2-x1, y2-y1)
	return math.Sqrt(r*r + rbfEpsilon*rbfEpsilon)
}

// geometricEstimate projects the bbox center through the source
// camera's FOV onto a ground ray at its FOV range, then computes the
// bearing from the target camera to that point and normalizes it
// against the target's pan range and home bearing.
func (t *Targeter) geometricEstimate(bboxX, bboxY float64, source SourceCamera, target TargetCamera) (pan, tilt float64, err error) {
	// bboxX is assumed normalized to [-0.5, 0.5] across the source
	// frame's width by the caller (bbox center relative to frame
	// center), giving the angular offset from the source camera's own
	// bearing within its FOV.
	offsetDeg := bboxX * source.FOVAngleDeg
	rayBearing := source.BearingDeg + offsetDeg

	groundX, groundY := projectRay(source.Latitude, source.Longitude, rayBearing, source.FOVRangeM)

	bearingToPoint := geometry.BearingDeg(target.Longitude, target.Latitude, groundX, groundY)
	delta := geometry.NormalizeBearingDelta(bearingToPoint, target.HomeBearingDeg)

	if target.PanRangeDeg <= 0 {
		return 0, 0, fmt.Errorf("target camera has no configured pan range")
	}
	pan = clamp(delta/(target.PanRangeDeg/2), -1, 1)

	// Tilt has no equivalent learned range in the geometric fallback;
	// point level and let an operator confirm reference points to take
	// over via RBF once three are captured.
	tilt = 0
	return pan, tilt, nil
}

// projectRay walks distanceM meters from (lat, lon) along bearingDeg,
// using an equirectangular approximation adequate at the scale of a
// single camera's FOV range.
func projectRay(lat, lon, bearingDeg, distanceM float64) (x, y float64) {
	const earthRadiusM = 6371000.0
	bearingRad := bearingDeg * math.Pi / 180
	angularDistance := distanceM / earthRadiusM

	dx := angularDistance * math.Sin(bearingRad)
	dy := angularDistance * math.Cos(bearingRad)

	newLat := lat + dy*180/math.Pi
	newLon := lon + dx*180/math.Pi/math.Cos(lat*math.Pi/180)
	return newLon, newLat
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
