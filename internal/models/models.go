// Package models defines the pipeline's entity types: the rows persisted
// by internal/store and passed between the clip analysis engine, track
// builder, and cross-camera matcher. Field names and enums mirror the
// schema in internal/store/migrations.
package models

import (
	"math"
	"time"
)

// BBox is an axis-aligned bounding box in pixel space.
type BBox struct {
	X float64
	Y float64
	W float64
	H float64
}

// Area returns the bbox area, or 0 for a degenerate box.
func (b BBox) Area() float64 {
	if b.W <= 0 || b.H <= 0 {
		return 0
	}
	return b.W * b.H
}

// Centroid returns the bbox center point.
func (b BBox) Centroid() (float64, float64) {
	return b.X + b.W/2, b.Y + b.H/2
}

// Diagonal returns the length of the bbox diagonal.
func (b BBox) Diagonal() float64 {
	return math.Hypot(b.W, b.H)
}

// Video is one ingested clip.
type Video struct {
	ID           int64
	CameraID     string
	Filename     string
	Width        int
	Height       int
	MetadataJSON string
	CreatedAt    time.Time
}

// PredictionType distinguishes a point-in-time detection from a ranged one.
type PredictionType string

const (
	PredictionKeyframe  PredictionType = "keyframe"
	PredictionTimeRange PredictionType = "time_range"
)

// ReviewStatus is the review lifecycle state of a prediction.
type ReviewStatus string

const (
	ReviewProcessing           ReviewStatus = "processing"
	ReviewPending              ReviewStatus = "pending"
	ReviewApproved             ReviewStatus = "approved"
	ReviewRejected             ReviewStatus = "rejected"
	ReviewAutoApproved         ReviewStatus = "auto_approved"
	ReviewAutoRejected         ReviewStatus = "auto_rejected"
	ReviewNeedsReclassification ReviewStatus = "needs_reclassification"
)

// Prediction is a single detection ingested from the detection source.
type Prediction struct {
	ID                  int64
	VideoID             int64
	ModelName           string
	ModelVersion        string
	Scenario            string
	PredictionType      PredictionType
	Confidence          float64
	Timestamp           *float64
	StartTime           *float64
	EndTime             *float64
	BBox                *BBox
	PredictedTagsJSON   string
	CorrectedTagsJSON   *string
	ReviewStatus        ReviewStatus
	PredictionGroupID   *int64
	CameraObjectTrackID *int64
	ParentPredictionID  *int64
	CreatedAt           time.Time
}

// PredictionGroup is the derived spatial-temporal cluster of keyframe
// predictions from one camera.
type PredictionGroup struct {
	ID                         int64
	CameraID                   string
	Scenario                   string
	RepresentativePredictionID *int64
	CentroidX, CentroidY       float64
	AvgBBoxW, AvgBBoxH         float64
	MemberCount                int
	MinConfidence              float64
	AvgConfidence              float64
	MaxConfidence              float64
	MinTimestamp               float64
	MaxTimestamp               float64
	ReviewStatus               ReviewStatus
	CreatedAt                  time.Time
	UpdatedAt                  time.Time
}

// AnchorStatus is the review state of a camera object track's anchor
// prediction.
type AnchorStatus string

const (
	AnchorPending  AnchorStatus = "pending"
	AnchorApproved AnchorStatus = "approved"
	AnchorRejected AnchorStatus = "rejected"
	AnchorConflict AnchorStatus = "conflict"
)

// CameraObjectTrack aggregates predictions from a single camera believed
// to show the same physical object.
type CameraObjectTrack struct {
	ID                     int64
	CameraID               string
	Scenario               string
	MemberCount            int
	CentroidX, CentroidY   float64
	AvgBBoxW, AvgBBoxH     float64
	AnchorStatus           AnchorStatus
	AnchorVehicleSubtype   *string
	AnchorActualClass      *string
	FirstSeen              float64
	LastSeen               float64
	CrossCameraIdentityID  *int64
	CreatedAt              time.Time
	UpdatedAt              time.Time
}

// VideoTrackStatus is the lifecycle state of an MOT-produced video track.
type VideoTrackStatus string

const (
	VideoTrackActive         VideoTrackStatus = "active"
	VideoTrackMerged         VideoTrackStatus = "merged"
	VideoTrackJumpFragmented VideoTrackStatus = "jump_fragmented"
)

// TrajectoryPoint is one sample of a video track's path.
type TrajectoryPoint struct {
	Timestamp  float64
	X, Y, W, H float64
	Confidence float64
}

// BBox returns this sample's bounding box.
func (p TrajectoryPoint) BBox() BBox {
	return BBox{X: p.X, Y: p.Y, W: p.W, H: p.H}
}

// PathPoint is a centroid+timestamp sample supplied by the upstream
// detection pipeline (Frigate-style), used for sub-second direction
// estimation when present. Restored from
// original_source/app/database.py's path_data column.
type PathPoint struct {
	X, Y      float64
	Timestamp float64
}

// VideoTrack is the output of MOT on one clip.
type VideoTrack struct {
	ID                    int64
	VideoID               int64
	CameraID              string
	TrackerTrackID         int
	ClassName             string
	Trajectory            []TrajectoryPoint
	FirstSeenEpoch        float64
	LastSeenEpoch         float64
	BestCropPath          string
	AvgConfidence         float64
	AvgBBoxW, AvgBBoxH    float64
	ReIDEmbedding         []float32
	ColorHistogram        []float64
	PathData              []PathPoint
	Status                VideoTrackStatus
	CrossCameraIdentityID *int64
	CreatedAt             time.Time
}

// ClipAnalysisResult is the per-track classification output of the clip
// analysis engine.
type ClipAnalysisResult struct {
	ID                  int64
	VideoID             int64
	VideoTrackID        int64
	CameraID            string
	ConsensusClass      string
	ConsensusConfidence float64
	ClassDistribution   map[string]float64
	FrameQualityJSON    string
	TotalFrames         int
	Duration            float64
	DirectionOfTravel   string
	ReviewStatus        ReviewStatus
	CorrectedBBox       *BBox
	IssueReason         string
	CreatedAt           time.Time
}

// LinkStatus is the review state of a cross-camera link.
type LinkStatus string

const (
	LinkAuto          LinkStatus = "auto"
	LinkAutoConfirmed LinkStatus = "auto_confirmed"
	LinkConfirmed     LinkStatus = "confirmed"
	LinkRejected      LinkStatus = "rejected"
	// LinkSuggested surfaces a borderline candidate pair to a human
	// reviewer instead of discarding it outright. Restored
	// §5 from original_source/app/cross_camera_matcher.py's suggestion
	// mode; not in the original status enum, added as a superset value.
	LinkSuggested LinkStatus = "suggested"
)

// MatchMethod identifies which matcher produced a link.
type MatchMethod string

const (
	MatchDirection    MatchMethod = "direction"
	MatchCrossingLine MatchMethod = "crossing_line"
	// MatchManual marks a link an operator asserted directly rather than
	// either matcher proposing it. Restored from
	// original_source/app/routes/tracks.py's manual link override.
	MatchManual MatchMethod = "manual"
)

// TrackEntityType distinguishes which track table a link's ids reference.
type TrackEntityType string

const (
	EntityCameraObject TrackEntityType = "camera_object"
	EntityVideoTrack   TrackEntityType = "video_track"
)

// CrossCameraLink pairs two tracks believed to show the same vehicle
// across cameras.
type CrossCameraLink struct {
	ID                  int64
	TrackAID            int64 // TrackAID < TrackBID always
	TrackBID            int64
	EntityType          TrackEntityType
	MatchConfidence     float64
	MatchMethod         MatchMethod
	ReIDSimilarity       *float64
	TemporalGapSeconds  float64
	ClassificationMatch *bool
	LaneDistance        *float64
	CrossingLineID      *int64
	Status              LinkStatus
	SourceTrackType     TrackEntityType
	RejectionReason     string
	CreatedAt           time.Time
}

// NewCrossCameraLink builds a link with track ids normalized so
// TrackAID < TrackBID, per the link-ordering invariant.
func NewCrossCameraLink(trackA, trackB int64) CrossCameraLink {
	if trackA > trackB {
		trackA, trackB = trackB, trackA
	}
	return CrossCameraLink{TrackAID: trackA, TrackBID: trackB}
}

// TopologyEdge is a learned, directional inter-camera transit-time
// distribution. Learned offline; the core consumes it
// read-only.
type TopologyEdge struct {
	CameraA           string
	CameraB           string
	MinTransitSeconds float64
	MaxTransitSeconds float64
	AvgTransitSeconds float64
	SampleCount       int
	UpdatedAt         time.Time
}

// CrossingLine is an operator-drawn line segment representing a physical
// boundary, optionally paired with a line on another camera for the same
// boundary.
type CrossingLine struct {
	ID                  int64
	CameraID            string
	LineName            string
	X1, Y1, X2, Y2      float64
	ForwardDX, ForwardDY float64
	PairedLineID        *int64
	LaneMappingReversed bool
	CreatedAt           time.Time
}

// PTZCalibrationPoint is one captured reference point relating a bbox in
// a source camera's frame to a target PTZ camera's pan/tilt.
type PTZCalibrationPoint struct {
	ID             int64
	SourceCameraID string
	TargetCameraID string
	SourceBBoxX    float64
	SourceBBoxY    float64
	EstimatedPan   float64
	EstimatedTilt  float64
	ActualPan      *float64
	ActualTilt     *float64
	Label          string
	CreatedAt      time.Time
}
