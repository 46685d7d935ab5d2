package store

import (
	"context"
	"database/sql"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/groundtruth-studio/reid-pipeline/internal/matcher"
	"github.com/groundtruth-studio/reid-pipeline/internal/models"
)

// VideoTrackRepo persists MOT-produced video tracks: the track row itself,
// its per-frame trajectory points, and the reid/color descriptors computed
// downstream of tracking. Grounded on TrackRepo's camera_object_tracks
// persistence in repos.go, generalized to video_tracks' wider column set
// (trajectory, reid_embedding, path_data_json).
type VideoTrackRepo struct {
	db *DB
}

// NewVideoTrackRepo builds a VideoTrackRepo bound to db.
func NewVideoTrackRepo(db *DB) *VideoTrackRepo {
	return &VideoTrackRepo{db: db}
}

// Insert persists a freshly-built video track and its trajectory points in
// one transaction, mirroring TrackRepo.CreateTrack's begin/insert/commit
// shape. The track's ID field is set to the new row's id on return.
func (r *VideoTrackRepo) Insert(ctx context.Context, track *models.VideoTrack) error {
	return r.db.Transaction(ctx, func(tx *sql.Tx) error {
		pathJSON, err := encodePathData(track.PathData)
		if err != nil {
			return fmt.Errorf("encode path data: %w", err)
		}

		res, err := tx.ExecContext(ctx, `
			INSERT INTO video_tracks (
				video_id, camera_id, tracker_track_id, class_name,
				first_seen_epoch, last_seen_epoch, best_crop_path,
				avg_confidence, avg_bbox_w, avg_bbox_h,
				reid_embedding, color_histogram, path_data_json, status
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`,
			track.VideoID, track.CameraID, track.TrackerTrackID, track.ClassName,
			track.FirstSeenEpoch, track.LastSeenEpoch, nullIfEmpty(track.BestCropPath),
			track.AvgConfidence, track.AvgBBoxW, track.AvgBBoxH,
			encodeFloat32Slice(track.ReIDEmbedding), encodeOptionalFloat64Slice(track.ColorHistogram),
			pathJSON, string(track.Status),
		)
		if err != nil {
			return fmt.Errorf("insert video track: %w", err)
		}

		trackID, err := res.LastInsertId()
		if err != nil {
			return fmt.Errorf("video track id: %w", err)
		}

		for seq, pt := range track.Trajectory {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO video_track_points (video_track_id, seq, timestamp, x, y, w, h, confidence)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			`, trackID, seq, pt.Timestamp, pt.X, pt.Y, pt.W, pt.H, pt.Confidence); err != nil {
				return fmt.Errorf("insert trajectory point %d: %w", seq, err)
			}
		}

		track.ID = trackID
		return nil
	})
}

const videoTrackColumns = `
	id, video_id, camera_id, tracker_track_id, class_name,
	first_seen_epoch, last_seen_epoch, best_crop_path,
	avg_confidence, avg_bbox_w, avg_bbox_h,
	reid_embedding, color_histogram, path_data_json, status,
	cross_camera_identity_id, created_at
`

func scanVideoTrack(row scanner) (models.VideoTrack, error) {
	var t models.VideoTrack
	var bestCrop sql.NullString
	var avgConf, avgW, avgH sql.NullFloat64
	var reidBlob, colorBlob []byte
	var pathJSON sql.NullString
	var identityID sql.NullInt64
	var createdAt int64

	err := row.Scan(
		&t.ID, &t.VideoID, &t.CameraID, &t.TrackerTrackID, &t.ClassName,
		&t.FirstSeenEpoch, &t.LastSeenEpoch, &bestCrop,
		&avgConf, &avgW, &avgH,
		&reidBlob, &colorBlob, &pathJSON, &t.Status,
		&identityID, &createdAt,
	)
	if err != nil {
		return models.VideoTrack{}, err
	}

	t.BestCropPath = bestCrop.String
	t.AvgConfidence = avgConf.Float64
	t.AvgBBoxW = avgW.Float64
	t.AvgBBoxH = avgH.Float64
	t.CreatedAt = time.Unix(createdAt, 0)
	if identityID.Valid {
		id := identityID.Int64
		t.CrossCameraIdentityID = &id
	}
	if reidBlob != nil {
		t.ReIDEmbedding = decodeFloat32Slice(reidBlob)
	}
	if colorBlob != nil {
		t.ColorHistogram = decodeFloat64Slice(colorBlob)
	}
	if pathJSON.Valid && pathJSON.String != "" {
		var pts []models.PathPoint
		if jsonErr := json.Unmarshal([]byte(pathJSON.String), &pts); jsonErr == nil {
			t.PathData = pts
		}
	}
	return t, nil
}

// Get loads one video track, including its trajectory points in seq order.
func (r *VideoTrackRepo) Get(ctx context.Context, trackID int64) (models.VideoTrack, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+videoTrackColumns+` FROM video_tracks WHERE id = ?`, trackID)
	track, err := scanVideoTrack(row)
	if err != nil {
		return models.VideoTrack{}, fmt.Errorf("get video track %d: %w", trackID, err)
	}

	track.Trajectory, err = r.listTrajectory(ctx, trackID)
	if err != nil {
		return models.VideoTrack{}, err
	}
	return track, nil
}

func (r *VideoTrackRepo) listTrajectory(ctx context.Context, trackID int64) ([]models.TrajectoryPoint, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT timestamp, x, y, w, h, confidence
		FROM video_track_points
		WHERE video_track_id = ?
		ORDER BY seq ASC
	`, trackID)
	if err != nil {
		return nil, fmt.Errorf("list trajectory for track %d: %w", trackID, err)
	}
	defer rows.Close()

	var points []models.TrajectoryPoint
	for rows.Next() {
		var p models.TrajectoryPoint
		if err := rows.Scan(&p.Timestamp, &p.X, &p.Y, &p.W, &p.H, &p.Confidence); err != nil {
			return nil, err
		}
		points = append(points, p)
	}
	return points, rows.Err()
}

// ListByCamera loads every active (status 'active') video track recorded
// for cameraID, trajectories included, ordered by first_seen_epoch. Merged
// and jump-fragmented tracks are not returned. Used to assemble
// matcher.TrackSnapshot values for one side of a topology edge; callers
// filter by time window as needed.
func (r *VideoTrackRepo) ListByCamera(ctx context.Context, cameraID string) ([]models.VideoTrack, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+videoTrackColumns+`
		FROM video_tracks
		WHERE camera_id = ? AND status = 'active'
		ORDER BY first_seen_epoch ASC
	`, cameraID)
	if err != nil {
		return nil, fmt.Errorf("list video tracks for camera %s: %w", cameraID, err)
	}
	defer rows.Close()

	var tracks []models.VideoTrack
	for rows.Next() {
		t, err := scanVideoTrack(rows)
		if err != nil {
			return nil, err
		}
		tracks = append(tracks, t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range tracks {
		tracks[i].Trajectory, err = r.listTrajectory(ctx, tracks[i].ID)
		if err != nil {
			return nil, err
		}
	}
	return tracks, nil
}

// SetStatus transitions a video track's lifecycle status, used by the
// post-processor's merge/stitch/jump outcomes.
func (r *VideoTrackRepo) SetStatus(ctx context.Context, trackID int64, status models.VideoTrackStatus) error {
	_, err := r.db.ExecContext(ctx, `UPDATE video_tracks SET status = ? WHERE id = ?`, string(status), trackID)
	return err
}

// SetReIDEmbedding writes a computed appearance embedding back onto a
// track.
func (r *VideoTrackRepo) SetReIDEmbedding(ctx context.Context, trackID int64, embedding []float32) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE video_tracks SET reid_embedding = ? WHERE id = ?
	`, encodeFloat32Slice(embedding), trackID)
	return err
}

// BuildSnapshot converts a stored VideoTrack into the matcher.TrackSnapshot
// shape either cross-camera matcher scores against. VehicleSubtype and
// CentroidX/Y are left to the caller: subtype comes from the clip analysis
// consensus class (not this table), and the representative centroid depends
// on which crossing line the caller is projecting onto.
func BuildSnapshot(t models.VideoTrack) matcher.TrackSnapshot {
	return matcher.TrackSnapshot{
		TrackID:        t.ID,
		CameraID:       t.CameraID,
		FirstSeen:      t.FirstSeenEpoch,
		LastSeen:       t.LastSeenEpoch,
		Trajectory:     t.Trajectory,
		PathData:       t.PathData,
		ReIDEmbedding:  t.ReIDEmbedding,
		ColorHistogram: t.ColorHistogram,
		AvgBBoxArea:    t.AvgBBoxW * t.AvgBBoxH,
		FrameDiagonal:  videoTrackFrameDiagonal(t),
	}
}

func videoTrackFrameDiagonal(t models.VideoTrack) float64 {
	var maxX, maxY float64
	for _, p := range t.Trajectory {
		if x := p.X + p.W; x > maxX {
			maxX = x
		}
		if y := p.Y + p.H; y > maxY {
			maxY = y
		}
	}
	return math.Hypot(maxX, maxY)
}

func encodeFloat32Slice(vals []float32) []byte {
	if len(vals) == 0 {
		return nil
	}
	buf := make([]byte, 4*len(vals))
	for i, v := range vals {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
	}
	return buf
}

func decodeFloat32Slice(buf []byte) []float32 {
	n := len(buf) / 4
	out := make([]float32, n)
	for i := 0; i < n; i++ {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[i*4:]))
	}
	return out
}

func encodeOptionalFloat64Slice(vals []float64) interface{} {
	if len(vals) == 0 {
		return nil
	}
	return encodeFloat64Slice(vals)
}

func encodePathData(pts []models.PathPoint) (interface{}, error) {
	if len(pts) == 0 {
		return nil, nil
	}
	buf, err := json.Marshal(pts)
	if err != nil {
		return nil, err
	}
	return string(buf), nil
}
