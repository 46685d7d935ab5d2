package store

import (
	"context"
	"fmt"
)

// VideoRepo persists one row per ingested clip, the parent video_tracks
// and clip_analysis_results rows hang off of.
type VideoRepo struct {
	db *DB
}

// NewVideoRepo builds a VideoRepo bound to db.
func NewVideoRepo(db *DB) *VideoRepo {
	return &VideoRepo{db: db}
}

// Insert records a newly-fetched clip and returns its generated id.
func (r *VideoRepo) Insert(ctx context.Context, cameraID, filename string, width, height int) (int64, error) {
	res, err := r.db.ExecContext(ctx, `
		INSERT INTO videos (camera_id, filename, width, height)
		VALUES (?, ?, ?, ?)
	`, cameraID, filename, width, height)
	if err != nil {
		return 0, fmt.Errorf("insert video: %w", err)
	}
	return res.LastInsertId()
}
