package geometry

import (
	"math"
	"testing"

	"github.com/groundtruth-studio/reid-pipeline/internal/models"
)

func TestIoUIdenticalBoxes(t *testing.T) {
	b := models.BBox{X: 0, Y: 0, W: 10, H: 10}
	if iou := IoU(b, b); math.Abs(iou-1.0) > 1e-9 {
		t.Errorf("expected IoU 1.0 for identical boxes, got %f", iou)
	}
}

func TestIoUNoOverlap(t *testing.T) {
	a := models.BBox{X: 0, Y: 0, W: 10, H: 10}
	b := models.BBox{X: 100, Y: 100, W: 10, H: 10}
	if iou := IoU(a, b); iou != 0 {
		t.Errorf("expected IoU 0 for non-overlapping boxes, got %f", iou)
	}
}

func TestIoUPartialOverlap(t *testing.T) {
	a := models.BBox{X: 0, Y: 0, W: 10, H: 10}
	b := models.BBox{X: 5, Y: 0, W: 10, H: 10}
	// intersection = 5x10=50, union = 100+100-50=150
	want := 50.0 / 150.0
	if iou := IoU(a, b); math.Abs(iou-want) > 1e-9 {
		t.Errorf("expected IoU %f, got %f", want, iou)
	}
}

func TestIoUMinToleratesSizeWobble(t *testing.T) {
	a := models.BBox{X: 0, Y: 0, W: 10, H: 10}
	b := models.BBox{X: 0, Y: 0, W: 5, H: 5}
	// b fully inside a: intersection = 25, min area = 25
	if ioumin := IoUMin(a, b); math.Abs(ioumin-1.0) > 1e-9 {
		t.Errorf("expected IoUMin 1.0 when smaller box is fully contained, got %f", ioumin)
	}
	// standard IoU would be much lower: 25/100
	if iou := IoU(a, b); iou >= 0.99 {
		t.Errorf("expected standard IoU to be penalized by size mismatch, got %f", iou)
	}
}

func TestCentroidDisplacement(t *testing.T) {
	a := models.BBox{X: 0, Y: 0, W: 10, H: 10}
	b := models.BBox{X: 10, Y: 0, W: 10, H: 10}
	if d := CentroidDisplacement(a, b); math.Abs(d-10) > 1e-9 {
		t.Errorf("expected displacement 10, got %f", d)
	}
}

func TestNetDirection(t *testing.T) {
	// clear positive dx over 1s on a 100px diagonal frame
	if sign := NetDirection(0, 50, 0, 1, 100); sign != DirectionPositiveDX {
		t.Errorf("expected DirectionPositiveDX, got %v", sign)
	}
	// too short duration
	if sign := NetDirection(0, 50, 0, 0.2, 100); sign != DirectionUnknown {
		t.Errorf("expected DirectionUnknown for short duration, got %v", sign)
	}
	// too small displacement relative to frame diagonal
	if sign := NetDirection(0, 1, 0, 1, 100); sign != DirectionUnknown {
		t.Errorf("expected DirectionUnknown for small displacement, got %v", sign)
	}
	// negative dx
	if sign := NetDirection(50, 0, 0, 1, 100); sign != DirectionNegativeDX {
		t.Errorf("expected DirectionNegativeDX, got %v", sign)
	}
}

func TestProjectOntoLineClampsToSegment(t *testing.T) {
	// horizontal line from (0,0) to (10,0)
	if t1 := ProjectOntoLine(5, 0, 0, 0, 10, 0); math.Abs(t1-0.5) > 1e-9 {
		t.Errorf("expected t=0.5, got %f", t1)
	}
	if t2 := ProjectOntoLine(-5, 0, 0, 0, 10, 0); t2 != 0 {
		t.Errorf("expected clamp to 0, got %f", t2)
	}
	if t3 := ProjectOntoLine(15, 0, 0, 0, 10, 0); t3 != 1 {
		t.Errorf("expected clamp to 1, got %f", t3)
	}
}

func TestUnitVector(t *testing.T) {
	ux, uy := UnitVector(3, 4)
	if math.Abs(ux-0.6) > 1e-9 || math.Abs(uy-0.8) > 1e-9 {
		t.Errorf("expected (0.6, 0.8), got (%f, %f)", ux, uy)
	}
	zx, zy := UnitVector(0, 0)
	if zx != 0 || zy != 0 {
		t.Errorf("expected (0,0) for zero vector, got (%f,%f)", zx, zy)
	}
}

func TestBearingDegNorth(t *testing.T) {
	// straight north: +y direction
	if b := BearingDeg(0, 0, 0, 10); math.Abs(b-0) > 1e-9 {
		t.Errorf("expected bearing 0 (north), got %f", b)
	}
	// straight east: +x direction -> 90deg
	if b := BearingDeg(0, 0, 10, 0); math.Abs(b-90) > 1e-9 {
		t.Errorf("expected bearing 90 (east), got %f", b)
	}
}

func TestNormalizeBearingDelta(t *testing.T) {
	if d := NormalizeBearingDelta(350, 10); math.Abs(d-(-20)) > 1e-9 {
		t.Errorf("expected -20, got %f", d)
	}
	if d := NormalizeBearingDelta(10, 350); math.Abs(d-20) > 1e-9 {
		t.Errorf("expected 20, got %f", d)
	}
}
