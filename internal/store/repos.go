package store

import (
	"context"
	"database/sql"
	"encoding/binary"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/groundtruth-studio/reid-pipeline/internal/descriptor"
	"github.com/groundtruth-studio/reid-pipeline/internal/grouping"
	"github.com/groundtruth-studio/reid-pipeline/internal/matcher"
	"github.com/groundtruth-studio/reid-pipeline/internal/models"
	"github.com/groundtruth-studio/reid-pipeline/internal/trackbuilder"
)

// TrackRepo is the camera_object_tracks/predictions-backed implementation
// of trackbuilder.Store.
type TrackRepo struct {
	db *DB
}

// NewTrackRepo builds a TrackRepo bound to db.
func NewTrackRepo(db *DB) *TrackRepo {
	return &TrackRepo{db: db}
}

var _ trackbuilder.Store = (*TrackRepo)(nil)

// scanner abstracts over *sql.Row and *sql.Rows so scan helpers work with
// either a single-row QueryRowContext result or a QueryContext cursor.
type scanner interface {
	Scan(dest ...interface{}) error
}

const predictionColumns = `
	p.id, p.video_id, p.model_name, p.model_version, p.scenario, p.prediction_type,
	p.confidence, p.timestamp, p.start_time, p.end_time,
	p.bbox_x, p.bbox_y, p.bbox_w, p.bbox_h,
	p.predicted_tags_json, p.corrected_tags_json, p.review_status,
	p.prediction_group_id, p.camera_object_track_id, p.parent_prediction_id,
	p.created_at, v.camera_id
`

func scanPredictionContext(row scanner) (trackbuilder.PredictionContext, error) {
	var pc trackbuilder.PredictionContext
	var ts, startTime, endTime sql.NullFloat64
	var bboxX, bboxY, bboxW, bboxH sql.NullFloat64
	var correctedTags sql.NullString
	var groupID, trackID, parentID sql.NullInt64
	var createdAt int64

	err := row.Scan(
		&pc.ID, &pc.VideoID, &pc.ModelName, &pc.ModelVersion, &pc.Scenario, &pc.PredictionType,
		&pc.Confidence, &ts, &startTime, &endTime,
		&bboxX, &bboxY, &bboxW, &bboxH,
		&pc.PredictedTagsJSON, &correctedTags, &pc.ReviewStatus,
		&groupID, &trackID, &parentID,
		&createdAt, &pc.CameraID,
	)
	if err != nil {
		return pc, err
	}

	if ts.Valid {
		pc.Timestamp = &ts.Float64
	}
	if startTime.Valid {
		pc.StartTime = &startTime.Float64
	}
	if endTime.Valid {
		pc.EndTime = &endTime.Float64
	}
	if bboxW.Valid && bboxH.Valid {
		pc.BBox = &models.BBox{X: bboxX.Float64, Y: bboxY.Float64, W: bboxW.Float64, H: bboxH.Float64}
	}
	if correctedTags.Valid {
		pc.CorrectedTagsJSON = &correctedTags.String
	}
	if groupID.Valid {
		pc.PredictionGroupID = &groupID.Int64
	}
	if trackID.Valid {
		pc.CameraObjectTrackID = &trackID.Int64
	}
	if parentID.Valid {
		pc.ParentPredictionID = &parentID.Int64
	}
	pc.CreatedAt = time.Unix(createdAt, 0)

	return pc, nil
}

// GetPrediction joins predictions to videos for the camera id the way
// prediction_mixin.py's queries always carry it alongside the row.
func (r *TrackRepo) GetPrediction(ctx context.Context, predictionID int64) (trackbuilder.PredictionContext, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT `+predictionColumns+`
		FROM predictions p JOIN videos v ON v.id = p.video_id
		WHERE p.id = ?
	`, predictionID)
	pc, err := scanPredictionContext(row)
	if err == sql.ErrNoRows {
		return pc, fmt.Errorf("prediction %d not found", predictionID)
	}
	if err != nil {
		return pc, fmt.Errorf("scan prediction %d: %w", predictionID, err)
	}
	return pc, nil
}

func scanCameraObjectTrack(row scanner) (models.CameraObjectTrack, error) {
	var t models.CameraObjectTrack
	var subtype, actualClass sql.NullString
	var identityID sql.NullInt64
	var createdAt, updatedAt int64

	err := row.Scan(
		&t.ID, &t.CameraID, &t.Scenario, &t.MemberCount,
		&t.CentroidX, &t.CentroidY, &t.AvgBBoxW, &t.AvgBBoxH,
		&t.AnchorStatus, &subtype, &actualClass,
		&t.FirstSeen, &t.LastSeen, &identityID,
		&createdAt, &updatedAt,
	)
	if err != nil {
		return t, err
	}
	if subtype.Valid {
		t.AnchorVehicleSubtype = &subtype.String
	}
	if actualClass.Valid {
		t.AnchorActualClass = &actualClass.String
	}
	if identityID.Valid {
		t.CrossCameraIdentityID = &identityID.Int64
	}
	t.CreatedAt = time.Unix(createdAt, 0)
	t.UpdatedAt = time.Unix(updatedAt, 0)
	return t, nil
}

// ListActiveTracks returns every camera object track for cameraID. The
// schema carries no lifecycle column comparable to video_tracks.status for
// this table, so "active" here means every track on the camera: an Open
// Question decision (see DESIGN.md) since a track only stops being a
// matching candidate once it falls outside TrackHorizonSec of the new
// prediction's timestamp, which grouping.Match already enforces.
func (r *TrackRepo) ListActiveTracks(ctx context.Context, cameraID string) ([]models.CameraObjectTrack, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, camera_id, scenario, member_count, centroid_x, centroid_y,
		       avg_bbox_w, avg_bbox_h, anchor_status, anchor_vehicle_subtype,
		       anchor_actual_class, first_seen, last_seen,
		       cross_camera_identity_id, created_at, updated_at
		FROM camera_object_tracks
		WHERE camera_id = ?
		ORDER BY id ASC
	`, cameraID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tracks []models.CameraObjectTrack
	for rows.Next() {
		t, err := scanCameraObjectTrack(rows)
		if err != nil {
			return nil, err
		}
		tracks = append(tracks, t)
	}
	return tracks, rows.Err()
}

// ListTrackMembers returns every prediction currently attached to trackID.
func (r *TrackRepo) ListTrackMembers(ctx context.Context, trackID int64) ([]trackbuilder.PredictionContext, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+predictionColumns+`
		FROM predictions p JOIN videos v ON v.id = p.video_id
		WHERE p.camera_object_track_id = ?
		ORDER BY p.id ASC
	`, trackID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var members []trackbuilder.PredictionContext
	for rows.Next() {
		pc, err := scanPredictionContext(rows)
		if err != nil {
			return nil, err
		}
		members = append(members, pc)
	}
	return members, rows.Err()
}

// AttachPrediction assigns predictionID to trackID and sets its inherited
// review status.
func (r *TrackRepo) AttachPrediction(ctx context.Context, trackID, predictionID int64, reviewStatus models.ReviewStatus) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE predictions SET camera_object_track_id = ?, review_status = ? WHERE id = ?
	`, trackID, reviewStatus, predictionID)
	return err
}

// CreateTrack inserts a new camera object track anchored on
// firstPredictionID, attaching the prediction to it in the same
// transaction.
func (r *TrackRepo) CreateTrack(ctx context.Context, track models.CameraObjectTrack, firstPredictionID int64) (int64, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		INSERT INTO camera_object_tracks (
			camera_id, scenario, member_count, centroid_x, centroid_y,
			avg_bbox_w, avg_bbox_h, anchor_status, first_seen, last_seen
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, track.CameraID, track.Scenario, track.MemberCount, track.CentroidX, track.CentroidY,
		track.AvgBBoxW, track.AvgBBoxH, track.AnchorStatus, track.FirstSeen, track.LastSeen)
	if err != nil {
		return 0, err
	}
	trackID, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE predictions SET camera_object_track_id = ? WHERE id = ?
	`, trackID, firstPredictionID); err != nil {
		return 0, err
	}

	return trackID, tx.Commit()
}

// UpdateTrackAggregates rewrites trackID's computed aggregates.
func (r *TrackRepo) UpdateTrackAggregates(ctx context.Context, trackID int64, agg grouping.Aggregates, firstSeen, lastSeen float64) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE camera_object_tracks
		SET member_count = ?, centroid_x = ?, centroid_y = ?,
		    avg_bbox_w = ?, avg_bbox_h = ?, first_seen = ?, last_seen = ?,
		    updated_at = unixepoch()
		WHERE id = ?
	`, agg.MemberCount, agg.CentroidX, agg.CentroidY, agg.AvgBBoxW, agg.AvgBBoxH, firstSeen, lastSeen, trackID)
	return err
}

// UpdateAnchor rewrites trackID's anchor review status and optional
// vehicle subtype / actual-class correction.
func (r *TrackRepo) UpdateAnchor(ctx context.Context, trackID int64, status models.AnchorStatus, subtype, actualClass *string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE camera_object_tracks
		SET anchor_status = ?, anchor_vehicle_subtype = ?, anchor_actual_class = ?, updated_at = unixepoch()
		WHERE id = ?
	`, status, nullableString(subtype), nullableString(actualClass), trackID)
	return err
}

// SetPredictionReviewStatus rewrites a single prediction's review status.
func (r *TrackRepo) SetPredictionReviewStatus(ctx context.Context, predictionID int64, status models.ReviewStatus) error {
	_, err := r.db.ExecContext(ctx, `UPDATE predictions SET review_status = ? WHERE id = ?`, status, predictionID)
	return err
}

func nullableString(s *string) interface{} {
	if s == nil {
		return nil
	}
	return *s
}

// trackTable resolves the table backing entityType's polymorphic track id.
func trackTable(entityType models.TrackEntityType) string {
	if entityType == models.EntityVideoTrack {
		return "video_tracks"
	}
	return "camera_object_tracks"
}

// LinkRepo is the cross_camera_links/camera_object_tracks/video_tracks
// backed implementation of matcher.LinkSource, matcher.IdentityStore,
// matcher.ManualLinkStore and matcher.PropagationStore. One repo serves
// all four interfaces since every method reads or writes the same handful
// of tables and a caller wiring up an IdentityResolver or Propagator
// otherwise has to pass around four separate values for what is really
// one store.
type LinkRepo struct {
	db     *DB
	logger *slog.Logger
}

// NewLinkRepo builds a LinkRepo bound to db.
func NewLinkRepo(db *DB, logger *slog.Logger) *LinkRepo {
	return &LinkRepo{db: db, logger: logger.With("component", "link_repo")}
}

var (
	_ matcher.LinkSource       = (*LinkRepo)(nil)
	_ matcher.IdentityStore    = (*LinkRepo)(nil)
	_ matcher.ManualLinkStore  = (*LinkRepo)(nil)
	_ matcher.PropagationStore = (*LinkRepo)(nil)
)

const linkColumns = `
	id, track_a_id, track_b_id, entity_type, match_confidence, match_method,
	reid_similarity, temporal_gap_seconds, classification_match, lane_distance,
	crossing_line_id, status, source_track_type, rejection_reason, created_at
`

func scanLink(row scanner) (models.CrossCameraLink, error) {
	var l models.CrossCameraLink
	var reidSim, laneDist sql.NullFloat64
	var classMatch sql.NullBool
	var crossingLineID sql.NullInt64
	var rejectionReason sql.NullString
	var createdAt int64

	err := row.Scan(
		&l.ID, &l.TrackAID, &l.TrackBID, &l.EntityType, &l.MatchConfidence, &l.MatchMethod,
		&reidSim, &l.TemporalGapSeconds, &classMatch, &laneDist,
		&crossingLineID, &l.Status, &l.SourceTrackType, &rejectionReason, &createdAt,
	)
	if err != nil {
		return l, err
	}
	if reidSim.Valid {
		l.ReIDSimilarity = &reidSim.Float64
	}
	if laneDist.Valid {
		l.LaneDistance = &laneDist.Float64
	}
	if classMatch.Valid {
		l.ClassificationMatch = &classMatch.Bool
	}
	if crossingLineID.Valid {
		l.CrossingLineID = &crossingLineID.Int64
	}
	l.RejectionReason = rejectionReason.String
	l.CreatedAt = time.Unix(createdAt, 0)
	return l, nil
}

// ListNonRejectedLinks returns every link of entityType the identity
// resolver should union over.
func (r *LinkRepo) ListNonRejectedLinks(ctx context.Context, entityType models.TrackEntityType) ([]models.CrossCameraLink, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+linkColumns+` FROM cross_camera_links
		WHERE entity_type = ? AND status != 'rejected'
	`, entityType)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var links []models.CrossCameraLink
	for rows.Next() {
		l, err := scanLink(rows)
		if err != nil {
			return nil, err
		}
		links = append(links, l)
	}
	return links, rows.Err()
}

// ListIdentifiedTrackIDs returns every track of entityType currently
// carrying a non-null cross_camera_identity_id.
func (r *LinkRepo) ListIdentifiedTrackIDs(ctx context.Context, entityType models.TrackEntityType) ([]int64, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id FROM `+trackTable(entityType)+` WHERE cross_camera_identity_id IS NOT NULL
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// SetIdentity writes (or clears, when identityID is nil) trackID's
// cross_camera_identity_id.
func (r *LinkRepo) SetIdentity(ctx context.Context, entityType models.TrackEntityType, trackID int64, identityID *int64) error {
	var val interface{}
	if identityID != nil {
		val = *identityID
	}
	_, err := r.db.ExecContext(ctx, `
		UPDATE `+trackTable(entityType)+` SET cross_camera_identity_id = ? WHERE id = ?
	`, val, trackID)
	return err
}

// GetLink fetches a single link by id.
func (r *LinkRepo) GetLink(ctx context.Context, linkID int64) (models.CrossCameraLink, bool, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+linkColumns+` FROM cross_camera_links WHERE id = ?`, linkID)
	l, err := scanLink(row)
	if err == sql.ErrNoRows {
		return models.CrossCameraLink{}, false, nil
	}
	if err != nil {
		return models.CrossCameraLink{}, false, err
	}
	return l, true, nil
}

// SetLinkStatus transitions an existing link's review status.
func (r *LinkRepo) SetLinkStatus(ctx context.Context, linkID int64, status models.LinkStatus, rejectionReason string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE cross_camera_links SET status = ?, rejection_reason = ? WHERE id = ?
	`, status, nullIfEmpty(rejectionReason), linkID)
	return err
}

// CreateLink inserts a new link row with its track ids as given; it does
// not reorder them. The cross_camera_links.CHECK(track_a_id < track_b_id)
// constraint rejects an out-of-order pair, so callers build link via
// models.NewCrossCameraLink, which does this normalization.
func (r *LinkRepo) CreateLink(ctx context.Context, link models.CrossCameraLink) (int64, error) {
	res, err := r.db.ExecContext(ctx, `
		INSERT INTO cross_camera_links (
			track_a_id, track_b_id, entity_type, match_confidence, match_method,
			reid_similarity, temporal_gap_seconds, classification_match, lane_distance,
			crossing_line_id, status, source_track_type, rejection_reason
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, link.TrackAID, link.TrackBID, link.EntityType, link.MatchConfidence, link.MatchMethod,
		nullableFloat(link.ReIDSimilarity), link.TemporalGapSeconds, nullableBool(link.ClassificationMatch), nullableFloat(link.LaneDistance),
		nullableInt(link.CrossingLineID), link.Status, link.SourceTrackType, nullIfEmpty(link.RejectionReason))
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func nullIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func nullableFloat(f *float64) interface{} {
	if f == nil {
		return nil
	}
	return *f
}

func nullableBool(b *bool) interface{} {
	if b == nil {
		return nil
	}
	return *b
}

func nullableInt(i *int64) interface{} {
	if i == nil {
		return nil
	}
	return *i
}

// ListIdentityIDs returns every distinct cross_camera_identity_id assigned
// on entityType's table.
func (r *LinkRepo) ListIdentityIDs(ctx context.Context, entityType models.TrackEntityType) ([]int64, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT DISTINCT cross_camera_identity_id FROM `+trackTable(entityType)+`
		WHERE cross_camera_identity_id IS NOT NULL
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ListIdentityMembers returns every track sharing identityID, shaped for
// classification-propagation voting.
//
// The two entity tables are not symmetric: camera_object_tracks has no
// confidence column of its own (a track's confidence is the average of
// its member predictions') and no distinct vehicle_subtype column outside
// anchor_vehicle_subtype; video_tracks has avg_confidence directly but no
// subtype column at all. Resolved as an Open Question decision (see
// DESIGN.md): camera-object confidence is AVG(predictions.confidence)
// joined through camera_object_track_id, with HumanAssigned true whenever
// anchor_vehicle_subtype is set (it is only ever written by an operator's
// ResolveConflict decision); video-track subtype uses class_name as a
// surrogate, since it is the only per-track classification column that
// table carries, with HumanAssigned always false (video_tracks records no
// human-review flag to distinguish an operator correction from the
// classifier's own class_name).
func (r *LinkRepo) ListIdentityMembers(ctx context.Context, entityType models.TrackEntityType, identityID int64) ([]matcher.IdentityMember, error) {
	if entityType == models.EntityVideoTrack {
		rows, err := r.db.QueryContext(ctx, `
			SELECT id, class_name, avg_confidence
			FROM video_tracks
			WHERE cross_camera_identity_id = ?
		`, identityID)
		if err != nil {
			return nil, err
		}
		defer rows.Close()

		var members []matcher.IdentityMember
		for rows.Next() {
			var m matcher.IdentityMember
			var confidence sql.NullFloat64
			if err := rows.Scan(&m.TrackID, &m.VehicleSubtype, &confidence); err != nil {
				return nil, err
			}
			m.MemberCount = 1
			m.HumanAssigned = false
			m.Confidence = confidence.Float64
			members = append(members, m)
		}
		return members, rows.Err()
	}

	rows, err := r.db.QueryContext(ctx, `
		SELECT t.id, t.member_count, t.anchor_vehicle_subtype,
		       COALESCE((SELECT AVG(p.confidence) FROM predictions p WHERE p.camera_object_track_id = t.id), 0)
		FROM camera_object_tracks t
		WHERE t.cross_camera_identity_id = ?
	`, identityID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var members []matcher.IdentityMember
	for rows.Next() {
		var m matcher.IdentityMember
		var subtype sql.NullString
		if err := rows.Scan(&m.TrackID, &m.MemberCount, &subtype, &m.Confidence); err != nil {
			return nil, err
		}
		m.VehicleSubtype = subtype.String
		m.HumanAssigned = subtype.Valid && subtype.String != ""
		members = append(members, m)
	}
	return members, rows.Err()
}

// ApplyPropagation writes subtype back onto trackID when conflict is
// false (the track had no prior classification); when conflict is true
// the track's own human-assigned subtype wins and nothing is overwritten,
// matching PropagateIdentity's "flagged not overwritten" contract --
// neither table carries a column to persist the flag itself, so the
// conflict is recorded as a structured log line an operator's alerting
// can key on instead.
func (r *LinkRepo) ApplyPropagation(ctx context.Context, entityType models.TrackEntityType, trackID int64, subtype string, conflict bool) error {
	if conflict {
		r.logger.Warn("cross-camera classification conflict, not overwriting",
			"entity_type", entityType, "track_id", trackID, "subtype", subtype)
		return nil
	}

	if entityType == models.EntityVideoTrack {
		_, err := r.db.ExecContext(ctx, `UPDATE video_tracks SET class_name = ? WHERE id = ?`, subtype, trackID)
		return err
	}
	_, err := r.db.ExecContext(ctx, `UPDATE camera_object_tracks SET anchor_vehicle_subtype = ? WHERE id = ?`, subtype, trackID)
	return err
}

// ColorHistRepo is the video_tracks-backed implementation of
// descriptor.BackfillStore. Scoped to video tracks only: camera_object_tracks
// carries no crop path or histogram column at all, since it aggregates
// predictions rather than MOT-produced crops. An Open Question decision
// (see DESIGN.md).
type ColorHistRepo struct {
	db *DB
}

// NewColorHistRepo builds a ColorHistRepo bound to db.
func NewColorHistRepo(db *DB) *ColorHistRepo {
	return &ColorHistRepo{db: db}
}

var _ descriptor.BackfillStore = (*ColorHistRepo)(nil)

// ListTracksMissingColorHistogram pages through video_tracks missing a
// color_histogram, ordered by id. entityType values other than
// EntityVideoTrack always return an empty page.
func (r *ColorHistRepo) ListTracksMissingColorHistogram(ctx context.Context, entityType models.TrackEntityType, afterID int64, limit int) ([]descriptor.BackfillTrack, error) {
	if entityType != models.EntityVideoTrack {
		return nil, nil
	}

	rows, err := r.db.QueryContext(ctx, `
		SELECT id, COALESCE(best_crop_path, '')
		FROM video_tracks
		WHERE color_histogram IS NULL AND id > ?
		ORDER BY id ASC
		LIMIT ?
	`, afterID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []descriptor.BackfillTrack
	for rows.Next() {
		var t descriptor.BackfillTrack
		if err := rows.Scan(&t.TrackID, &t.CropPath); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// SetColorHistogram writes a computed histogram back onto a video track.
func (r *ColorHistRepo) SetColorHistogram(ctx context.Context, entityType models.TrackEntityType, trackID int64, histogram []float64) error {
	if entityType != models.EntityVideoTrack {
		return fmt.Errorf("store: color histograms are only stored for video tracks, got %s", entityType)
	}
	_, err := r.db.ExecContext(ctx, `
		UPDATE video_tracks SET color_histogram = ? WHERE id = ?
	`, encodeFloat64Slice(histogram), trackID)
	return err
}

// encodeFloat64Slice/decodeFloat64Slice give color_histogram and
// reid_embedding-style columns a fixed, endian-stable blob layout: each
// float64 as 8 little-endian bytes, concatenated in order.
func encodeFloat64Slice(vals []float64) []byte {
	buf := make([]byte, 8*len(vals))
	for i, v := range vals {
		binary.LittleEndian.PutUint64(buf[i*8:], math.Float64bits(v))
	}
	return buf
}

func decodeFloat64Slice(buf []byte) []float64 {
	n := len(buf) / 8
	out := make([]float64, n)
	for i := 0; i < n; i++ {
		out[i] = math.Float64frombits(binary.LittleEndian.Uint64(buf[i*8:]))
	}
	return out
}
