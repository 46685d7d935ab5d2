// Package mot runs a ByteTrack-style multi-object tracker over a sanitized
// clip, emitting one Video Track per persistent id. Frame
// decode and crop export use gocv, grounded on nmichlo-norfair-go's Video
// frame reader; per-frame assignment is greedy IoU matching, grounded on
// nmichlo-norfair-go's MatchDetectionsAndObjects.
package mot

import (
	"context"
	"fmt"
	"image"
	"log/slog"
	"os"
	"path/filepath"

	"gocv.io/x/gocv"
	"gonum.org/v1/gonum/mat"

	"github.com/groundtruth-studio/reid-pipeline/internal/config"
	"github.com/groundtruth-studio/reid-pipeline/internal/geometry"
	"github.com/groundtruth-studio/reid-pipeline/internal/models"
	"github.com/groundtruth-studio/reid-pipeline/internal/perr"
	"github.com/groundtruth-studio/reid-pipeline/internal/services"
)

// MinBoxDimension is the smallest bbox side kept by the tracker ("tiny
// boxes < 5 px either dimension are dropped").
const MinBoxDimension = 5.0

// maxAssignIoUCost is the greedy-assignment cutoff, expressed as 1-IoU so
// lower cost is a better match. An IoU below 0.1 is not considered the
// same physical object between consecutive frames.
const maxAssignIoUCost = 0.9

// maxMissedFrames is how long a tracklet survives without a matching
// detection before it is finalized (ByteTrack-style track termination).
const maxMissedFrames = 10

// Tracker runs MOT over sanitized clips.
type Tracker struct {
	detector services.Detector
	classes  config.ClassTaxonomy
	confThr  float64
	cropDir  string
	logger   *slog.Logger
}

// New creates a Tracker. cropDir is where best-crop JPEGs are written.
func New(detector services.Detector, classes config.ClassTaxonomy, confThr float64, cropDir string, logger *slog.Logger) *Tracker {
	return &Tracker{
		detector: detector,
		classes:  classes,
		confThr:  confThr,
		cropDir:  cropDir,
		logger:   logger.With("component", "mot"),
	}
}

// tracklet is the mutable in-progress state for one persistent id.
type tracklet struct {
	id          int
	className   string
	trajectory  []models.TrajectoryPoint
	missed      int
	bestFrame   gocv.Mat
	bestScore   float64
	bestExists  bool
}

func (t *tracklet) currentBBox() models.BBox {
	if len(t.trajectory) == 0 {
		return models.BBox{}
	}
	return t.trajectory[len(t.trajectory)-1].BBox()
}

// Track implements the MOT contract: Track(clip_path, camera_id) ->
// [VideoTrack].
func (tr *Tracker) Track(ctx context.Context, clipPath, cameraID string) ([]models.VideoTrack, error) {
	cap, err := gocv.OpenVideoCapture(clipPath)
	if err != nil {
		return nil, perr.New(perr.CorruptClip, "mot.Track", fmt.Errorf("open clip: %w", err))
	}
	defer cap.Close()

	fps := cap.Get(gocv.VideoCaptureFPS)
	if fps <= 0 {
		fps = 30
	}

	var active []*tracklet
	var finished []*tracklet
	nextID := 1
	frameIdx := 0

	frame := gocv.NewMat()
	defer frame.Close()

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		if ok := cap.Read(&frame); !ok || frame.Empty() {
			break
		}
		timestamp := float64(frameIdx) / fps

		dets, err := tr.detect(ctx, frame)
		if err != nil {
			tr.logger.Warn("detect failed, skipping frame", "frame", frameIdx, "error", err)
			frameIdx++
			continue
		}
		dets = tr.filterDetections(dets)

		active, finished = tr.assignFrame(active, finished, dets, frame, timestamp, &nextID)
		frameIdx++
	}

	for _, tk := range active {
		finished = append(finished, tk)
	}

	tracks := make([]models.VideoTrack, 0, len(finished))
	for _, tk := range finished {
		if len(tk.trajectory) == 0 {
			continue
		}
		vt := tr.finalize(tk, cameraID)
		tracks = append(tracks, vt)
	}
	return tracks, nil
}

func (tr *Tracker) detect(ctx context.Context, frame gocv.Mat) ([]services.Detection, error) {
	buf, err := gocv.IMEncode(".jpg", frame)
	if err != nil {
		return nil, fmt.Errorf("encode frame: %w", err)
	}
	defer buf.Close()

	ctx, cancel := context.WithTimeout(ctx, services.DetectionTimeout)
	defer cancel()
	return tr.detector.Detect(ctx, buf.GetBytes(), tr.confThr)
}

// filterDetections drops non-vehicle classes (except person, kept for
// pre-screen statistics) and tiny boxes.
func (tr *Tracker) filterDetections(dets []services.Detection) []services.Detection {
	kept := dets[:0:0]
	for _, d := range dets {
		if d.BBox.W < MinBoxDimension || d.BBox.H < MinBoxDimension {
			continue
		}
		if isNonVehicle(d.ClassName, tr.classes.NonVehicleClasses) && d.ClassName != "person" {
			continue
		}
		kept = append(kept, d)
	}
	return kept
}

func isNonVehicle(className string, nonVehicle []string) bool {
	for _, c := range nonVehicle {
		if c == className {
			return true
		}
	}
	return false
}

// assignFrame runs greedy IoU matching between active tracklets and this
// frame's detections, updates matched tracklets, ages and finalizes
// tracklets that exceed maxMissedFrames, and spawns new tracklets for
// unmatched detections.
func (tr *Tracker) assignFrame(active, finished []*tracklet, dets []services.Detection, frame gocv.Mat, timestamp float64, nextID *int) ([]*tracklet, []*tracklet) {
	var matchedTrackIdx, matchedDetIdx []int
	if len(active) > 0 && len(dets) > 0 {
		cost := mat.NewDense(len(active), len(dets), nil)
		for i, tk := range active {
			for j, d := range dets {
				iou := geometry.IoU(tk.currentBBox(), d.BBox)
				cost.Set(i, j, 1-iou)
			}
		}
		matchedTrackIdx, matchedDetIdx = greedyAssign(cost, maxAssignIoUCost)
	}

	matchedTrack := make(map[int]bool)
	matchedDet := make(map[int]bool)
	for i := range matchedTrackIdx {
		ti, di := matchedTrackIdx[i], matchedDetIdx[i]
		matchedTrack[ti] = true
		matchedDet[di] = true

		tk := active[ti]
		d := dets[di]
		tk.trajectory = append(tk.trajectory, models.TrajectoryPoint{
			Timestamp:  timestamp,
			X:          d.BBox.X,
			Y:          d.BBox.Y,
			W:          d.BBox.W,
			H:          d.BBox.H,
			Confidence: d.Confidence,
		})
		tk.missed = 0
		tr.considerBestCrop(tk, frame, d)
	}

	var stillActive []*tracklet
	for i, tk := range active {
		if matchedTrack[i] {
			stillActive = append(stillActive, tk)
			continue
		}
		tk.missed++
		if tk.missed > maxMissedFrames {
			finished = append(finished, tk)
		} else {
			stillActive = append(stillActive, tk)
		}
	}

	for j, d := range dets {
		if matchedDet[j] {
			continue
		}
		tk := &tracklet{id: *nextID, className: d.ClassName}
		*nextID++
		tk.trajectory = append(tk.trajectory, models.TrajectoryPoint{
			Timestamp:  timestamp,
			X:          d.BBox.X,
			Y:          d.BBox.Y,
			W:          d.BBox.W,
			H:          d.BBox.H,
			Confidence: d.Confidence,
		})
		tr.considerBestCrop(tk, frame, d)
		stillActive = append(stillActive, tk)
	}

	return stillActive, finished
}

// considerBestCrop keeps the frame with the highest area*confidence score
// seen so far for this tracklet.
func (tr *Tracker) considerBestCrop(tk *tracklet, frame gocv.Mat, d services.Detection) {
	score := d.BBox.Area() * d.Confidence
	if !tk.bestExists || score > tk.bestScore {
		if tk.bestExists {
			tk.bestFrame.Close()
		}
		tk.bestFrame = frame.Clone()
		tk.bestScore = score
		tk.bestExists = true
	}
	if tk.className == "" {
		tk.className = d.ClassName
	}
}

// finalize converts a completed tracklet into a VideoTrack, writing its
// best-crop frame to disk.
func (tr *Tracker) finalize(tk *tracklet, cameraID string) models.VideoTrack {
	var avgConf, avgW, avgH float64
	for _, p := range tk.trajectory {
		avgConf += p.Confidence
		avgW += p.W
		avgH += p.H
	}
	n := float64(len(tk.trajectory))
	avgConf /= n
	avgW /= n
	avgH /= n

	cropPath := tr.writeBestCrop(tk)
	if tk.bestExists {
		tk.bestFrame.Close()
	}

	return models.VideoTrack{
		CameraID:       cameraID,
		TrackerTrackID: tk.id,
		ClassName:      tk.className,
		Trajectory:     tk.trajectory,
		FirstSeenEpoch: tk.trajectory[0].Timestamp,
		LastSeenEpoch:  tk.trajectory[len(tk.trajectory)-1].Timestamp,
		BestCropPath:   cropPath,
		AvgConfidence:  avgConf,
		AvgBBoxW:       avgW,
		AvgBBoxH:       avgH,
		Status:         models.VideoTrackActive,
	}
}

func (tr *Tracker) writeBestCrop(tk *tracklet) string {
	if !tk.bestExists || tr.cropDir == "" {
		return ""
	}
	last := tk.currentBBox()
	rect := image.Rect(int(last.X), int(last.Y), int(last.X+last.W), int(last.Y+last.H))
	bounds := image.Rect(0, 0, tk.bestFrame.Cols(), tk.bestFrame.Rows())
	rect = rect.Intersect(bounds)
	if rect.Empty() {
		return ""
	}

	crop := tk.bestFrame.Region(rect)
	defer crop.Close()

	if err := os.MkdirAll(tr.cropDir, 0o755); err != nil {
		tr.logger.Warn("failed to create crop directory", "error", err)
		return ""
	}
	path := filepath.Join(tr.cropDir, fmt.Sprintf("track_%d_best.jpg", tk.id))
	if ok := gocv.IMWrite(path, crop); !ok {
		tr.logger.Warn("failed to write best crop", "path", path)
		return ""
	}
	return path
}
