package ptz

import (
	"math"
	"testing"
)

func approxEqual(a, b, tol float64) bool {
	return math.Abs(a-b) <= tol
}

func TestTargetInterpolatesExactlyAtReferencePoints(t *testing.T) {
	refs := []ReferencePoint{
		{SourceBBoxX: 0, SourceBBoxY: 0, Pan: 0.1, Tilt: 0.2},
		{SourceBBoxX: 50, SourceBBoxY: 0, Pan: 0.3, Tilt: 0.1},
		{SourceBBoxX: 0, SourceBBoxY: 50, Pan: -0.2, Tilt: 0.4},
	}
	targeter := NewTargeter()

	for _, r := range refs {
		pan, tilt, err := targeter.Target(r.SourceBBoxX, r.SourceBBoxY, SourceCamera{}, TargetCamera{}, refs)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !approxEqual(pan, r.Pan, 1e-6) {
			t.Errorf("expected RBF to interpolate exactly at a training point: pan=%.6f want %.6f", pan, r.Pan)
		}
		if !approxEqual(tilt, r.Tilt, 1e-6) {
			t.Errorf("expected RBF to interpolate exactly at a training point: tilt=%.6f want %.6f", tilt, r.Tilt)
		}
	}
}

func TestTargetFallsBackToGeometricWithFewerThanThreeReferences(t *testing.T) {
	targeter := NewTargeter()
	refs := []ReferencePoint{
		{SourceBBoxX: 0, SourceBBoxY: 0, Pan: 0.1, Tilt: 0.2},
	}

	source := SourceCamera{BearingDeg: 0, FOVAngleDeg: 30, FOVRangeM: 100}
	target := TargetCamera{PanRangeDeg: 60, HomeBearingDeg: 0}

	pan, tilt, err := targeter.Target(0, 0, source, target, refs)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !approxEqual(pan, 0, 1e-3) {
		t.Errorf("expected a camera looking straight ahead at its home bearing to need no pan, got %.4f", pan)
	}
	if tilt != 0 {
		t.Errorf("expected the geometric fallback's tilt to be 0, got %.4f", tilt)
	}
}

func TestGeometricEstimateOffsetsPanByBboxPosition(t *testing.T) {
	targeter := NewTargeter()
	source := SourceCamera{BearingDeg: 0, FOVAngleDeg: 30, FOVRangeM: 100}
	target := TargetCamera{PanRangeDeg: 60, HomeBearingDeg: 0}

	pan, _, err := targeter.Target(0.5, 0, source, target, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !approxEqual(pan, 0.5, 0.01) {
		t.Errorf("expected a bbox at frame-right to translate to roughly half the pan range, got %.4f", pan)
	}
}

func TestTargetRequiresTargetPanRangeForGeometricFallback(t *testing.T) {
	targeter := NewTargeter()
	source := SourceCamera{FOVAngleDeg: 30, FOVRangeM: 100}
	target := TargetCamera{} // PanRangeDeg unset

	if _, _, err := targeter.Target(0, 0, source, target, nil); err == nil {
		t.Error("expected an error when the target camera has no configured pan range")
	}
}
