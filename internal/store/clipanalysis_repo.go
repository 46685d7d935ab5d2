package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/groundtruth-studio/reid-pipeline/internal/models"
)

// ClipAnalysisRepo persists clip_analysis_results: the per-track
// consensus classification and frame-quality ranking the classify
// package produces for each sampled clip.
type ClipAnalysisRepo struct {
	db *DB
}

// NewClipAnalysisRepo builds a ClipAnalysisRepo bound to db.
func NewClipAnalysisRepo(db *DB) *ClipAnalysisRepo {
	return &ClipAnalysisRepo{db: db}
}

// Insert records one track's classification result and returns its
// generated id.
func (r *ClipAnalysisRepo) Insert(ctx context.Context, res models.ClipAnalysisResult) (int64, error) {
	dist, err := json.Marshal(res.ClassDistribution)
	if err != nil {
		return 0, fmt.Errorf("marshal class distribution: %w", err)
	}

	row, err := r.db.ExecContext(ctx, `
		INSERT INTO clip_analysis_results (
			video_id, video_track_id, camera_id, consensus_class, consensus_confidence,
			class_distribution_json, frame_quality_json, total_frames, duration,
			direction_of_travel, review_status
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, res.VideoID, res.VideoTrackID, res.CameraID, res.ConsensusClass, res.ConsensusConfidence,
		string(dist), nullIfEmpty(res.FrameQualityJSON), res.TotalFrames, res.Duration,
		nullIfEmpty(res.DirectionOfTravel), string(models.ReviewPending))
	if err != nil {
		return 0, fmt.Errorf("insert clip analysis result: %w", err)
	}
	return row.LastInsertId()
}
