package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/groundtruth-studio/reid-pipeline/internal/models"
	"github.com/groundtruth-studio/reid-pipeline/internal/topology"
)

// TopologyRepo is the topology_edges/crossing_lines-backed implementation
// of topology.Source, consulted on a cache miss by topology.Cache.
type TopologyRepo struct {
	db *DB
}

// NewTopologyRepo builds a TopologyRepo bound to db.
func NewTopologyRepo(db *DB) *TopologyRepo {
	return &TopologyRepo{db: db}
}

var _ topology.Source = (*TopologyRepo)(nil)

// GetEdge looks up the directional transit-time distribution from cameraA
// to cameraB. Edges are directional rows; a request for the reverse
// direction that finds no row reports found=false rather than silently
// flipping min/max, since the underlying distribution is not symmetric.
func (r *TopologyRepo) GetEdge(ctx context.Context, cameraA, cameraB string) (models.TopologyEdge, bool, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT camera_a, camera_b, min_transit_seconds, max_transit_seconds, avg_transit_seconds, sample_count, updated_at
		FROM topology_edges
		WHERE camera_a = ? AND camera_b = ?
	`, cameraA, cameraB)

	var e models.TopologyEdge
	var updatedAt int64
	err := row.Scan(&e.CameraA, &e.CameraB, &e.MinTransitSeconds, &e.MaxTransitSeconds, &e.AvgTransitSeconds, &e.SampleCount, &updatedAt)
	if err == sql.ErrNoRows {
		return models.TopologyEdge{}, false, nil
	}
	if err != nil {
		return models.TopologyEdge{}, false, fmt.Errorf("get topology edge %s->%s: %w", cameraA, cameraB, err)
	}
	e.UpdatedAt = time.Unix(updatedAt, 0)
	return e, true, nil
}

// ListCrossingLines returns every crossing line configured on cameraID.
func (r *TopologyRepo) ListCrossingLines(ctx context.Context, cameraID string) ([]models.CrossingLine, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, camera_id, line_name, x1, y1, x2, y2, forward_dx, forward_dy, paired_line_id, lane_mapping_reversed, created_at
		FROM crossing_lines
		WHERE camera_id = ?
		ORDER BY id ASC
	`, cameraID)
	if err != nil {
		return nil, fmt.Errorf("list crossing lines for %s: %w", cameraID, err)
	}
	defer rows.Close()

	var lines []models.CrossingLine
	for rows.Next() {
		var l models.CrossingLine
		var pairedID sql.NullInt64
		var reversed int
		var createdAt int64
		if err := rows.Scan(&l.ID, &l.CameraID, &l.LineName, &l.X1, &l.Y1, &l.X2, &l.Y2, &l.ForwardDX, &l.ForwardDY, &pairedID, &reversed, &createdAt); err != nil {
			return nil, err
		}
		if pairedID.Valid {
			id := pairedID.Int64
			l.PairedLineID = &id
		}
		l.LaneMappingReversed = reversed != 0
		l.CreatedAt = time.Unix(createdAt, 0)
		lines = append(lines, l)
	}
	return lines, rows.Err()
}

// UpsertEdge records a new transit-time observation, recomputing
// min/max/avg across sample_count+1 observations and overwriting the
// previous row outright -- the pipeline does not retain individual
// transit-time samples, only the running distribution.
func (r *TopologyRepo) UpsertEdge(ctx context.Context, cameraA, cameraB string, observedSeconds float64) error {
	return r.db.Transaction(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, `
			SELECT min_transit_seconds, max_transit_seconds, avg_transit_seconds, sample_count
			FROM topology_edges WHERE camera_a = ? AND camera_b = ?
		`, cameraA, cameraB)

		var minS, maxS, avgS float64
		var count int
		err := row.Scan(&minS, &maxS, &avgS, &count)
		switch {
		case err == sql.ErrNoRows:
			minS, maxS, avgS, count = observedSeconds, observedSeconds, observedSeconds, 0
		case err != nil:
			return fmt.Errorf("read existing topology edge: %w", err)
		}

		if observedSeconds < minS || count == 0 {
			minS = observedSeconds
		}
		if observedSeconds > maxS || count == 0 {
			maxS = observedSeconds
		}
		newCount := count + 1
		avgS = (avgS*float64(count) + observedSeconds) / float64(newCount)

		_, err = tx.ExecContext(ctx, `
			INSERT INTO topology_edges (camera_a, camera_b, min_transit_seconds, max_transit_seconds, avg_transit_seconds, sample_count, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, unixepoch())
			ON CONFLICT (camera_a, camera_b) DO UPDATE SET
				min_transit_seconds = excluded.min_transit_seconds,
				max_transit_seconds = excluded.max_transit_seconds,
				avg_transit_seconds = excluded.avg_transit_seconds,
				sample_count = excluded.sample_count,
				updated_at = excluded.updated_at
		`, cameraA, cameraB, minS, maxS, avgS, newCount)
		if err != nil {
			return fmt.Errorf("upsert topology edge: %w", err)
		}
		return nil
	})
}
