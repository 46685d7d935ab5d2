package descriptor

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/groundtruth-studio/reid-pipeline/internal/models"
)

// BackfillTrack is one row a backfill pass considers: a track id and the
// crop file path its best crop was written to, if any.
type BackfillTrack struct {
	TrackID  int64
	CropPath string
}

// BackfillStore is the persistence side of a color-histogram backfill:
// paginate tracks missing a histogram in id order, then write computed
// histograms back one at a time. Grounded on
// scripts/backfill_color_hist.py's cursor query ("SELECT ... WHERE
// color_hist IS NULL ORDER BY prediction_id") and per-row UPDATE.
type BackfillStore interface {
	ListTracksMissingColorHistogram(ctx context.Context, entityType models.TrackEntityType, afterID int64, limit int) ([]BackfillTrack, error)
	SetColorHistogram(ctx context.Context, entityType models.TrackEntityType, trackID int64, histogram []float64) error
}

// BackfillResult tallies one Run's outcome for logging/reporting.
type BackfillResult struct {
	Updated int
	Skipped int
}

// Maintainer runs post-batch database maintenance (WAL checkpoint, ANALYZE,
// VACUUM). Satisfied by *store.DB; kept as a narrow interface here so this
// package doesn't import store.
type Maintainer interface {
	Maintain(ctx context.Context) error
}

// Backfiller computes color histograms for tracks whose crop was stored
// before histogram extraction existed (or where a prior attempt failed),
// batching through the store the way backfill_color_hist.py pages through
// prediction_embeddings: BATCH_SIZE rows at a time, committing progress as
// it goes rather than loading the whole table into memory.
type Backfiller struct {
	store      BackfillStore
	compute    func(cropPath string) ([]float64, error)
	batchSize  int
	maintainer Maintainer
	logger     *slog.Logger
}

const defaultBackfillBatchSize = 200

// NewBackfiller builds a Backfiller with the default batch size matching
// the Python script's BATCH_SIZE=200.
func NewBackfiller(store BackfillStore, logger *slog.Logger) *Backfiller {
	return &Backfiller{
		store:     store,
		compute:   ComputeHistogram,
		batchSize: defaultBackfillBatchSize,
		logger:    logger.With("component", "color_hist_backfill"),
	}
}

// WithMaintainer attaches m so a Run that actually wrote rows triggers a
// checkpoint/analyze/vacuum pass afterward, rebuilding the histogram blob
// pages the batch just rewrote and refreshing planner stats over the
// newly populated column. Returns b for chaining at construction time.
func (b *Backfiller) WithMaintainer(m Maintainer) *Backfiller {
	b.maintainer = m
	return b
}

// Run pages through every track of entityType missing a color histogram,
// computing and storing one where the crop file exists and decodes
// cleanly, and skipping (with a logged reason) otherwise -- mirroring the
// script's "if not os.path.exists(crop_path): continue" and
// "if hist is None: continue" skip paths.
func (b *Backfiller) Run(ctx context.Context, entityType models.TrackEntityType) (BackfillResult, error) {
	var result BackfillResult
	var cursor int64

	for {
		if err := ctx.Err(); err != nil {
			return result, err
		}

		rows, err := b.store.ListTracksMissingColorHistogram(ctx, entityType, cursor, b.batchSize)
		if err != nil {
			return result, fmt.Errorf("descriptor: list tracks missing color histogram: %w", err)
		}
		if len(rows) == 0 {
			break
		}

		for _, row := range rows {
			cursor = row.TrackID

			if row.CropPath == "" {
				result.Skipped++
				continue
			}
			if _, err := os.Stat(row.CropPath); err != nil {
				b.logger.Warn("crop file missing, skipping", "track_id", row.TrackID, "crop_path", row.CropPath)
				result.Skipped++
				continue
			}

			hist, err := b.compute(row.CropPath)
			if err != nil {
				b.logger.Warn("histogram computation failed, skipping", "track_id", row.TrackID, "error", err)
				result.Skipped++
				continue
			}

			if err := b.store.SetColorHistogram(ctx, entityType, row.TrackID, hist); err != nil {
				return result, fmt.Errorf("descriptor: set color histogram for track %d: %w", row.TrackID, err)
			}
			result.Updated++
		}

		b.logger.Info("backfill progress", "updated", result.Updated, "skipped", result.Skipped, "cursor", cursor)

		if len(rows) < b.batchSize {
			break
		}
	}

	if result.Updated > 0 && b.maintainer != nil {
		if err := b.maintainer.Maintain(ctx); err != nil {
			b.logger.Warn("post-backfill maintenance failed", "error", err)
		}
	}

	return result, nil
}
