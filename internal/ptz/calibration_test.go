package ptz

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type locateResult struct {
	pos        Point
	confidence float64
}

type scriptedLocator struct {
	evalQuality FrameQuality
	evalOK      bool
	feature     Point
	featureOK   bool
	locateSeq   []locateResult
	locateIdx   int
}

func (s *scriptedLocator) Evaluate(frame CapturedFrame) (FrameQuality, bool) {
	return s.evalQuality, s.evalOK
}

func (s *scriptedLocator) PickFeature(frame CapturedFrame) (Point, bool) {
	return s.feature, s.featureOK
}

func (s *scriptedLocator) Locate(frame, template CapturedFrame, priorPosition Point) (Point, float64, error) {
	r := s.locateSeq[s.locateIdx]
	s.locateIdx++
	return r.pos, r.confidence, nil
}

type fakeFrameSource struct {
	width, height int
}

func (f *fakeFrameSource) Capture(ctx context.Context, cameraID string) (CapturedFrame, error) {
	return CapturedFrame{Width: f.width, Height: f.height}, nil
}

func testGeometry() CameraGeometry {
	return CameraGeometry{FOVAngleDeg: 30, PanRangeDeg: 300}
}

func testSpeed() SpeedCalibration {
	return SpeedCalibration{StandardSpeed: 0.5, PanUnitsPerSecond: 0.2, TiltUnitsPerSecond: 0.2}
}

func TestCalibrateGridCentersWithinThreshold(t *testing.T) {
	driver := &fakeDriver{}
	frames := &fakeFrameSource{width: 100, height: 100}
	locator := &scriptedLocator{
		evalOK:    true,
		feature:   Point{X: 10, Y: 10},
		featureOK: true,
		locateSeq: []locateResult{
			{pos: Point{X: 46, Y: 46}, confidence: 0.8},
		},
	}

	c := NewCalibrator(driver, frames, locator, discardLogger())
	c.sleep = func(time.Duration) {}

	results := c.CalibrateGrid(context.Background(), "cam1", []Waypoint{{Pan: 0, Tilt: 0}}, testGeometry(), testSpeed(), Waypoint{Pan: 0, Tilt: 0}, false)

	if len(results) != 1 {
		t.Fatalf("expected 1 observation, got %d", len(results))
	}
	obs := results[0]
	if obs.Attempts != 1 {
		t.Errorf("expected centering to converge after 1 move, got %d attempts", obs.Attempts)
	}
	if obs.Pan != 0.1 || obs.Tilt != 0.2 {
		t.Errorf("expected final status reflected in observation, got %+v", obs)
	}

	moveCount := 0
	for _, call := range driver.calls {
		if call == "move" {
			moveCount++
		}
	}
	if moveCount != 1 {
		t.Errorf("expected exactly 1 centering move, got %d", moveCount)
	}
}

func TestCalibrateGridSkipsDarkFrame(t *testing.T) {
	driver := &fakeDriver{}
	frames := &fakeFrameSource{width: 100, height: 100}
	locator := &scriptedLocator{evalQuality: FrameQuality{MeanLuminance: 2}, evalOK: false}

	c := NewCalibrator(driver, frames, locator, discardLogger())
	c.sleep = func(time.Duration) {}

	results := c.CalibrateGrid(context.Background(), "cam1", []Waypoint{{Pan: 0, Tilt: 0}}, testGeometry(), testSpeed(), Waypoint{Pan: 0.5, Tilt: 0.5}, false)

	if len(results) != 0 {
		t.Errorf("expected no observations for a rejected frame, got %d", len(results))
	}

	homeCalls := 0
	for _, call := range driver.calls {
		if call == "absolute_move" {
			homeCalls++
		}
	}
	if homeCalls != 2 {
		t.Errorf("expected the waypoint move plus a return-home move, got %d absolute moves", homeCalls)
	}
}

func TestCalibrateGridAbortsOnLowMatchConfidence(t *testing.T) {
	driver := &fakeDriver{}
	frames := &fakeFrameSource{width: 100, height: 100}
	locator := &scriptedLocator{
		evalOK:    true,
		feature:   Point{X: 10, Y: 10},
		featureOK: true,
		locateSeq: []locateResult{
			{pos: Point{X: 20, Y: 20}, confidence: 0.1},
		},
	}

	c := NewCalibrator(driver, frames, locator, discardLogger())
	c.sleep = func(time.Duration) {}

	results := c.CalibrateGrid(context.Background(), "cam1", []Waypoint{{Pan: 0, Tilt: 0}}, testGeometry(), testSpeed(), Waypoint{Pan: 0, Tilt: 0}, false)

	if len(results) != 0 {
		t.Errorf("expected no observation when match confidence drops below threshold, got %d", len(results))
	}
}

func TestCalibrateGridRoundTripVerification(t *testing.T) {
	driver := &fakeDriver{}
	frames := &fakeFrameSource{width: 100, height: 100}
	locator := &scriptedLocator{
		evalOK:    true,
		feature:   Point{X: 48, Y: 48},
		featureOK: true,
		locateSeq: []locateResult{
			{pos: Point{X: 50, Y: 50}, confidence: 0.9},
		},
	}

	c := NewCalibrator(driver, frames, locator, discardLogger())
	c.sleep = func(time.Duration) {}

	results := c.CalibrateGrid(context.Background(), "cam1", []Waypoint{{Pan: 0, Tilt: 0}}, testGeometry(), testSpeed(), Waypoint{Pan: 0, Tilt: 0}, true)

	if len(results) != 1 {
		t.Fatalf("expected 1 observation, got %d", len(results))
	}
	if !results[0].RoundTrip {
		t.Error("expected RoundTrip to be recorded as attempted")
	}
	if !results[0].Verified {
		t.Errorf("expected round-trip verification to pass, got %+v", results[0])
	}
}
