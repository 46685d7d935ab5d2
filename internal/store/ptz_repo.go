package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/groundtruth-studio/reid-pipeline/internal/models"
	"github.com/groundtruth-studio/reid-pipeline/internal/ptz"
)

// PTZCalibrationRepo persists ptz_calibration_points: the reference points
// a grid calibration pass produces, later consulted by the targeter's RBF
// interpolation.
type PTZCalibrationRepo struct {
	db *DB
}

// NewPTZCalibrationRepo builds a PTZCalibrationRepo bound to db.
func NewPTZCalibrationRepo(db *DB) *PTZCalibrationRepo {
	return &PTZCalibrationRepo{db: db}
}

// RecordObservation stores one calibrated waypoint as a reference point
// relating a bbox position in the source camera's frame to the target
// PTZ's confirmed pan/tilt. sourceBBoxX/Y are the normalized bbox-center
// coordinates the targeter's geometric fallback expects, supplied by the
// caller since the calibration grid itself only knows pan/tilt, not a
// source-frame bbox.
func (r *PTZCalibrationRepo) RecordObservation(ctx context.Context, sourceCameraID, targetCameraID string, sourceBBoxX, sourceBBoxY float64, obs ptz.CalibrationObservation, label string) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO ptz_calibration_points (
			source_camera_id, target_camera_id, source_bbox_x, source_bbox_y,
			estimated_pan, estimated_tilt, actual_pan, actual_tilt, label
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, sourceCameraID, targetCameraID, sourceBBoxX, sourceBBoxY, obs.Waypoint.Pan, obs.Waypoint.Tilt, obs.Pan, obs.Tilt, nullIfEmpty(label))
	if err != nil {
		return fmt.Errorf("record ptz calibration observation: %w", err)
	}
	return nil
}

// ReferencePoints returns every confirmed reference point for a source/
// target camera pair, used to seed the targeter's RBF interpolation. Only
// rows with both actual_pan and actual_tilt set count as confirmed;
// estimate-only rows (no ground truth yet) are excluded.
func (r *PTZCalibrationRepo) ReferencePoints(ctx context.Context, sourceCameraID, targetCameraID string) ([]ptz.ReferencePoint, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT source_bbox_x, source_bbox_y, actual_pan, actual_tilt
		FROM ptz_calibration_points
		WHERE source_camera_id = ? AND target_camera_id = ?
			AND actual_pan IS NOT NULL AND actual_tilt IS NOT NULL
		ORDER BY id ASC
	`, sourceCameraID, targetCameraID)
	if err != nil {
		return nil, fmt.Errorf("list ptz reference points: %w", err)
	}
	defer rows.Close()

	var refs []ptz.ReferencePoint
	for rows.Next() {
		var ref ptz.ReferencePoint
		if err := rows.Scan(&ref.SourceBBoxX, &ref.SourceBBoxY, &ref.Pan, &ref.Tilt); err != nil {
			return nil, err
		}
		refs = append(refs, ref)
	}
	return refs, rows.Err()
}

// ListAll returns every stored calibration point for a pair, estimate-only
// rows included, used for operator review.
func (r *PTZCalibrationRepo) ListAll(ctx context.Context, sourceCameraID, targetCameraID string) ([]models.PTZCalibrationPoint, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, source_camera_id, target_camera_id, source_bbox_x, source_bbox_y,
			estimated_pan, estimated_tilt, actual_pan, actual_tilt, label, created_at
		FROM ptz_calibration_points
		WHERE source_camera_id = ? AND target_camera_id = ?
		ORDER BY id ASC
	`, sourceCameraID, targetCameraID)
	if err != nil {
		return nil, fmt.Errorf("list ptz calibration points: %w", err)
	}
	defer rows.Close()

	var points []models.PTZCalibrationPoint
	for rows.Next() {
		var p models.PTZCalibrationPoint
		var actualPan, actualTilt sql.NullFloat64
		var label sql.NullString
		var createdAt int64
		if err := rows.Scan(&p.ID, &p.SourceCameraID, &p.TargetCameraID, &p.SourceBBoxX, &p.SourceBBoxY,
			&p.EstimatedPan, &p.EstimatedTilt, &actualPan, &actualTilt, &label, &createdAt); err != nil {
			return nil, err
		}
		if actualPan.Valid {
			v := actualPan.Float64
			p.ActualPan = &v
		}
		if actualTilt.Valid {
			v := actualTilt.Float64
			p.ActualTilt = &v
		}
		p.Label = label.String
		p.CreatedAt = time.Unix(createdAt, 0)
		points = append(points, p)
	}
	return points, rows.Err()
}
