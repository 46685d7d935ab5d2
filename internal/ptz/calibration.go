package ptz

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"
)

// Point is a pixel position within a captured frame, (0,0) top-left.
type Point struct {
	X, Y float64
}

// CapturedFrame is one frame grabbed from a PTZ camera. Mat is only
// touched by the gocv-backed FeatureLocator/FrameSource implementations;
// callers assembling or faking a CapturedFrame for anything else only
// need Width/Height.
type CapturedFrame struct {
	Width  int
	Height int
	Mat    interface{} // holds a gocv.Mat in the production implementation
}

// FeatureLocator wraps the computer-vision steps of grid calibration, so
// the centering loop itself stays testable without linking OpenCV.
// Grounded on nmichlo-norfair-go's MotionEstimator, which wraps the same
// gocv.GoodFeaturesToTrack / cross-correlation primitives behind a
// package-local API for its own sparse-flow matching.
type FeatureLocator interface {
	// Evaluate reports whether frame is usable: mean luminance at or
	// above a darkness floor and at least a handful of good corner
	// features.
	Evaluate(frame CapturedFrame) (quality FrameQuality, ok bool)
	// PickFeature chooses a feature away from frame center to track
	// during centering.
	PickFeature(frame CapturedFrame) (Point, bool)
	// Locate re-finds the feature cropped from template around
	// priorPosition within frame via normalized cross-correlation
	// template matching, returning its new position and a match
	// confidence in [0, 1].
	Locate(frame, template CapturedFrame, priorPosition Point) (Point, float64, error)
}

// FrameQuality reports the diagnostics behind an Evaluate call, useful
// for logging why a waypoint was rejected.
type FrameQuality struct {
	MeanLuminance float64
	FeatureCount  int
}

// FrameSource captures a live frame from a camera.
type FrameSource interface {
	Capture(ctx context.Context, cameraID string) (CapturedFrame, error)
}

// Waypoint is a grid position to visit during calibration.
type Waypoint struct {
	Pan  float64
	Tilt float64
}

// CameraGeometry supplies the angular scale used to convert a pixel
// correction into a pan/tilt delta: one frame width spans
// FOVAngleDeg degrees of the camera's full PanRangeDeg-degree sweep,
// which in turn spans the full [-1, 1] ONVIF pan axis. The same ratio is
// reused for the tilt axis; there is no separate vertical FOV tracked, and the
// iterative re-measurement in CalibrateGrid corrects for whatever error that
// simplification introduces.
type CameraGeometry struct {
	FOVAngleDeg float64
	PanRangeDeg float64
}

func (g CameraGeometry) unitsPerPixel(frameSpan int) float64 {
	if g.PanRangeDeg <= 0 || frameSpan <= 0 {
		return 0
	}
	return (g.FOVAngleDeg / g.PanRangeDeg) * 2.0 / float64(frameSpan)
}

// SpeedCalibration is the prior speed calibration consulted to turn a
// pan/tilt delta into a move duration (relative pan/tilt
// moves whose duration is derived from a prior speed calibration
// (units-per-second at standard speed 0.5)").
type SpeedCalibration struct {
	StandardSpeed      float64 // the speed the units-per-second rates were measured at, typically 0.5
	PanUnitsPerSecond  float64
	TiltUnitsPerSecond float64
}

// CalibrationObservation is the centered, verified ground truth produced
// for one waypoint: the PTZ position at which the tracked feature sits
// at frame center.
type CalibrationObservation struct {
	Waypoint  Waypoint
	Pan       float64
	Tilt      float64
	Attempts  int
	Verified  bool
	RoundTrip bool
}

// Calibrator runs the grid-waypoint visual calibration routine
//.
type Calibrator struct {
	driver Driver
	frames FrameSource
	locate FeatureLocator
	logger *slog.Logger

	maxAttempts            int
	centeringErrorFraction float64
	minMatchConfidence     float64
	roundTripOffset        float64 // pan units to move away and back during verification
	sleep                  func(time.Duration)
}

// NewCalibrator builds a calibrator with the thresholds named in
// 3 centering attempts, 10% of frame half-diagonal
// acceptance, 0.3 minimum match confidence.
func NewCalibrator(driver Driver, frames FrameSource, locate FeatureLocator, logger *slog.Logger) *Calibrator {
	return &Calibrator{
		driver:                 driver,
		frames:                 frames,
		locate:                 locate,
		logger:                 logger.With("component", "ptz_calibrator"),
		maxAttempts:            3,
		centeringErrorFraction: 0.10,
		minMatchConfidence:     0.3,
		roundTripOffset:        0.05,
		sleep:                  time.Sleep,
	}
}

// CalibrateGrid visits every waypoint, centers a tracked feature at each,
// and returns the resulting ground-truth observations. A waypoint that
// fails (dark/featureless frame, confidence drop, or a driver error) is
// skipped rather than aborting the whole grid; the camera is returned
// home after every waypoint, successful or not, per the
// "return to home position on any exception."
func (c *Calibrator) CalibrateGrid(ctx context.Context, cameraID string, waypoints []Waypoint, geom CameraGeometry, speed SpeedCalibration, home Waypoint, verifyRoundTrip bool) []CalibrationObservation {
	var observations []CalibrationObservation
	for _, wp := range waypoints {
		obs, err := c.calibrateWaypoint(ctx, cameraID, wp, geom, speed, verifyRoundTrip)
		if err != nil {
			c.logger.Warn("waypoint calibration failed", "camera_id", cameraID, "pan", wp.Pan, "tilt", wp.Tilt, "error", err)
		} else {
			observations = append(observations, obs)
		}
		if err := c.returnHome(ctx, cameraID, home); err != nil {
			c.logger.Warn("failed to return camera home after waypoint", "camera_id", cameraID, "error", err)
		}
	}
	return observations
}

func (c *Calibrator) returnHome(ctx context.Context, cameraID string, home Waypoint) error {
	if err := c.driver.Stop(ctx, cameraID); err != nil {
		c.logger.Warn("stop before return-home failed", "camera_id", cameraID, "error", err)
	}
	return c.driver.AbsoluteMove(ctx, cameraID, home.Pan, home.Tilt, nil)
}

func (c *Calibrator) calibrateWaypoint(ctx context.Context, cameraID string, wp Waypoint, geom CameraGeometry, speed SpeedCalibration, verifyRoundTrip bool) (CalibrationObservation, error) {
	if err := c.driver.AbsoluteMove(ctx, cameraID, wp.Pan, wp.Tilt, nil); err != nil {
		return CalibrationObservation{}, fmt.Errorf("move to waypoint: %w", err)
	}

	frame, err := c.frames.Capture(ctx, cameraID)
	if err != nil {
		return CalibrationObservation{}, fmt.Errorf("capture waypoint frame: %w", err)
	}
	if quality, ok := c.locate.Evaluate(frame); !ok {
		return CalibrationObservation{}, fmt.Errorf("frame rejected: luminance=%.1f features=%d", quality.MeanLuminance, quality.FeatureCount)
	}
	feature, ok := c.locate.PickFeature(frame)
	if !ok {
		return CalibrationObservation{}, fmt.Errorf("no non-central feature found")
	}

	centerX, centerY := float64(frame.Width)/2, float64(frame.Height)/2
	halfDiagonal := math.Hypot(centerX, centerY)
	threshold := c.centeringErrorFraction * halfDiagonal

	attempts, err := c.center(ctx, cameraID, geom, speed, frame, feature, centerX, centerY, threshold)
	if err != nil {
		return CalibrationObservation{}, err
	}

	status, err := c.driver.GetStatus(ctx, cameraID)
	if err != nil {
		return CalibrationObservation{}, fmt.Errorf("read status after centering: %w", err)
	}

	obs := CalibrationObservation{Waypoint: wp, Pan: status.Pan, Tilt: status.Tilt, Attempts: attempts}
	if verifyRoundTrip {
		verified, err := c.roundTripVerify(ctx, cameraID, speed, frame, feature, centerX, centerY, threshold)
		if err != nil {
			c.logger.Warn("round-trip verification failed", "camera_id", cameraID, "error", err)
		}
		obs.RoundTrip = true
		obs.Verified = verified
	}
	return obs, nil
}

// center iteratively re-aims the PTZ so the tracked feature lands within
// threshold pixels of frame center, re-locating it via template matching
// after every move.
func (c *Calibrator) center(ctx context.Context, cameraID string, geom CameraGeometry, speed SpeedCalibration, refFrame CapturedFrame, feature Point, centerX, centerY, threshold float64) (int, error) {
	prevFrame := refFrame
	prevFeature := feature

	panScale := geom.unitsPerPixel(refFrame.Width)
	tiltScale := geom.unitsPerPixel(refFrame.Height)

	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		errX := centerX - prevFeature.X
		errY := centerY - prevFeature.Y
		if math.Hypot(errX, errY) < threshold {
			return attempt - 1, nil
		}

		panDelta := errX * panScale
		tiltDelta := errY * tiltScale
		if err := c.moveBy(ctx, cameraID, speed, panDelta, tiltDelta); err != nil {
			return attempt, fmt.Errorf("centering move: %w", err)
		}

		frame, err := c.frames.Capture(ctx, cameraID)
		if err != nil {
			return attempt, fmt.Errorf("capture after centering move: %w", err)
		}
		newPos, confidence, err := c.locate.Locate(frame, prevFrame, prevFeature)
		if err != nil {
			return attempt, fmt.Errorf("relocate feature: %w", err)
		}
		if confidence < c.minMatchConfidence {
			return attempt, fmt.Errorf("centering aborted: match confidence %.2f below %.2f", confidence, c.minMatchConfidence)
		}

		prevFrame, prevFeature = frame, newPos
	}
	return c.maxAttempts, nil
}

// moveBy issues a relative pan/tilt move sized for panDelta/tiltDelta
// pan/tilt units, deriving the move duration from the speed
// calibration's units-per-second rates.
func (c *Calibrator) moveBy(ctx context.Context, cameraID string, speed SpeedCalibration, panDelta, tiltDelta float64) error {
	var panVelocity, tiltVelocity float64
	var panDuration, tiltDuration time.Duration

	if panDelta != 0 && speed.PanUnitsPerSecond > 0 {
		panVelocity = math.Copysign(speed.StandardSpeed, panDelta)
		panDuration = time.Duration(math.Abs(panDelta) / speed.PanUnitsPerSecond * float64(time.Second))
	}
	if tiltDelta != 0 && speed.TiltUnitsPerSecond > 0 {
		tiltVelocity = math.Copysign(speed.StandardSpeed, tiltDelta)
		tiltDuration = time.Duration(math.Abs(tiltDelta) / speed.TiltUnitsPerSecond * float64(time.Second))
	}
	if panVelocity == 0 && tiltVelocity == 0 {
		return nil
	}

	duration := panDuration
	if tiltDuration > duration {
		duration = tiltDuration
	}

	if err := c.driver.Move(ctx, cameraID, panVelocity, tiltVelocity); err != nil {
		return err
	}
	c.sleep(duration)
	return c.driver.Stop(ctx, cameraID)
}

// roundTripVerify moves away from the centered position and back, then
// remeasures the visual error.
func (c *Calibrator) roundTripVerify(ctx context.Context, cameraID string, speed SpeedCalibration, refFrame CapturedFrame, feature Point, centerX, centerY, threshold float64) (bool, error) {
	away := c.roundTripOffset
	if err := c.moveBy(ctx, cameraID, speed, away, 0); err != nil {
		return false, fmt.Errorf("move away: %w", err)
	}
	if err := c.moveBy(ctx, cameraID, speed, -away, 0); err != nil {
		return false, fmt.Errorf("move back: %w", err)
	}

	frame, err := c.frames.Capture(ctx, cameraID)
	if err != nil {
		return false, fmt.Errorf("capture after round trip: %w", err)
	}
	newPos, confidence, err := c.locate.Locate(frame, refFrame, feature)
	if err != nil {
		return false, fmt.Errorf("relocate after round trip: %w", err)
	}
	if confidence < c.minMatchConfidence {
		return false, nil
	}
	errMag := math.Hypot(centerX-newPos.X, centerY-newPos.Y)
	return errMag < threshold, nil
}
