// Package trackbuilder promotes prediction groups into Camera Object Tracks
//: a track aggregates every prediction from one camera
// believed to show the same physical object, and carries a single anchor
// review decision that new members can inherit automatically.
package trackbuilder

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/groundtruth-studio/reid-pipeline/internal/grouping"
	"github.com/groundtruth-studio/reid-pipeline/internal/models"
)

// TrackHorizonSec is the temporal window a new prediction may trail behind
// or lead a track's observed span and still count as the same object
//. Resolved as an Open Question decision (see
// DESIGN.md): ten times grouping.TimestampAbutGapSec, since a camera
// object track spans an entire loitering or parked-vehicle event rather
// than one brief clip.
const TrackHorizonSec = grouping.TimestampAbutGapSec * 10

// PredictionContext is a prediction together with the camera id resolved
// through its video, the same join prediction_mixin.py's queries perform
// (`v.camera_id`). The store is responsible for the join.
type PredictionContext struct {
	models.Prediction
	CameraID string
}

// timestamp returns the best single timestamp for matching: a keyframe's
// point timestamp, or a time-ranged prediction's start time.
func (p PredictionContext) timestamp() (float64, bool) {
	if p.Timestamp != nil {
		return *p.Timestamp, true
	}
	if p.StartTime != nil {
		return *p.StartTime, true
	}
	return 0, false
}

// Store persists camera object tracks and the predictions attached to
// them.
type Store interface {
	GetPrediction(ctx context.Context, predictionID int64) (PredictionContext, error)
	ListActiveTracks(ctx context.Context, cameraID string) ([]models.CameraObjectTrack, error)
	ListTrackMembers(ctx context.Context, trackID int64) ([]PredictionContext, error)
	AttachPrediction(ctx context.Context, trackID, predictionID int64, reviewStatus models.ReviewStatus) error
	CreateTrack(ctx context.Context, track models.CameraObjectTrack, firstPredictionID int64) (int64, error)
	UpdateTrackAggregates(ctx context.Context, trackID int64, agg grouping.Aggregates, firstSeen, lastSeen float64) error
	UpdateAnchor(ctx context.Context, trackID int64, status models.AnchorStatus, subtype, actualClass *string) error
	SetPredictionReviewStatus(ctx context.Context, predictionID int64, status models.ReviewStatus) error
}

// Maintainer runs post-batch database maintenance (WAL checkpoint, ANALYZE,
// VACUUM). Satisfied by *store.DB; kept as a narrow interface here so this
// package doesn't import store.
type Maintainer interface {
	Maintain(ctx context.Context) error
}

// Builder implements the track builder's three operations plus the
// rebuild-stats maintenance supplement.
type Builder struct {
	store      Store
	maintainer Maintainer
	logger     *slog.Logger
}

// New creates a Builder.
func New(store Store, logger *slog.Logger) *Builder {
	return &Builder{store: store, logger: logger.With("component", "trackbuilder")}
}

// WithMaintainer attaches m so RebuildCameraStats triggers a
// checkpoint/analyze/vacuum pass after a camera-wide rebuild. Returns b
// for chaining at construction time.
func (b *Builder) WithMaintainer(m Maintainer) *Builder {
	b.maintainer = m
	return b
}

// MatchNewPredictions attaches each prediction id to an existing camera
// object track, or creates a new track anchored on it when no candidate
// matches. When the matched track's anchor has already been reviewed, the
// new member's review_status is set immediately, inheriting the anchor's
// decision.
func (b *Builder) MatchNewPredictions(ctx context.Context, ids []int64) error {
	for _, id := range ids {
		if err := b.matchOne(ctx, id); err != nil {
			return fmt.Errorf("match prediction %d: %w", id, err)
		}
	}
	return nil
}

func (b *Builder) matchOne(ctx context.Context, predictionID int64) error {
	pred, err := b.store.GetPrediction(ctx, predictionID)
	if err != nil {
		return fmt.Errorf("get prediction: %w", err)
	}
	if pred.BBox == nil {
		b.logger.Debug("skipping prediction with no bbox", "prediction_id", predictionID)
		return nil
	}
	ts, ok := pred.timestamp()
	if !ok {
		b.logger.Debug("skipping prediction with no timestamp", "prediction_id", predictionID)
		return nil
	}

	tracks, err := b.store.ListActiveTracks(ctx, pred.CameraID)
	if err != nil {
		return fmt.Errorf("list active tracks: %w", err)
	}
	candidates := make([]grouping.Candidate, len(tracks))
	for i, t := range tracks {
		candidates[i] = grouping.Candidate{
			Scenario:  t.Scenario,
			CentroidX: t.CentroidX,
			CentroidY: t.CentroidY,
			AvgBBoxW:  t.AvgBBoxW,
			AvgBBoxH:  t.AvgBBoxH,
			WindowMin: t.FirstSeen,
			WindowMax: t.LastSeen,
		}
	}

	input := grouping.Input{
		PredictionID: predictionID,
		Scenario:     pred.Scenario,
		BBox:         *pred.BBox,
		Timestamp:    ts,
		Confidence:   pred.Confidence,
	}

	idx, found := grouping.Match(input, candidates, TrackHorizonSec)
	if !found {
		track := models.CameraObjectTrack{
			CameraID:     pred.CameraID,
			Scenario:     pred.Scenario,
			MemberCount:  1,
			CentroidX:    input.BBox.X + input.BBox.W/2,
			CentroidY:    input.BBox.Y + input.BBox.H/2,
			AvgBBoxW:     input.BBox.W,
			AvgBBoxH:     input.BBox.H,
			AnchorStatus: models.AnchorPending,
			FirstSeen:    ts,
			LastSeen:     ts,
		}
		if _, err := b.store.CreateTrack(ctx, track, predictionID); err != nil {
			return fmt.Errorf("create track: %w", err)
		}
		return nil
	}

	track := tracks[idx]
	reviewStatus := models.ReviewPending
	switch track.AnchorStatus {
	case models.AnchorApproved:
		reviewStatus = models.ReviewAutoApproved
	case models.AnchorRejected:
		reviewStatus = models.ReviewAutoRejected
	}
	if err := b.store.AttachPrediction(ctx, track.ID, predictionID, reviewStatus); err != nil {
		return fmt.Errorf("attach prediction: %w", err)
	}
	return b.RebuildStats(ctx, track.ID)
}

// PropagationResult summarizes one camera's propagate_decisions pass.
type PropagationResult struct {
	TracksVisited     int
	MembersUpdated    int
	ConflictsDetected int
}

// PropagateDecisions applies every reviewed anchor's decision to its
// track's still-pending members. A track whose members carry contradictory
// human reviews (a human approval against a rejected anchor, or vice
// versa) is marked conflict instead of having its members overwritten
//. When dryRun is true, no writes occur; the result still
// reports what would have changed.
func (b *Builder) PropagateDecisions(ctx context.Context, cameraID string, dryRun bool) (PropagationResult, error) {
	var result PropagationResult

	tracks, err := b.store.ListActiveTracks(ctx, cameraID)
	if err != nil {
		return result, fmt.Errorf("list active tracks: %w", err)
	}

	for _, track := range tracks {
		var target models.ReviewStatus
		switch track.AnchorStatus {
		case models.AnchorApproved:
			target = models.ReviewAutoApproved
		case models.AnchorRejected:
			target = models.ReviewAutoRejected
		default:
			continue
		}
		result.TracksVisited++

		members, err := b.store.ListTrackMembers(ctx, track.ID)
		if err != nil {
			return result, fmt.Errorf("list track %d members: %w", track.ID, err)
		}

		conflict := false
		for _, m := range members {
			switch m.ReviewStatus {
			case models.ReviewPending, models.ReviewProcessing:
				result.MembersUpdated++
				if !dryRun {
					if err := b.store.SetPredictionReviewStatus(ctx, m.ID, target); err != nil {
						return result, fmt.Errorf("update prediction %d: %w", m.ID, err)
					}
				}
			case models.ReviewApproved:
				if track.AnchorStatus == models.AnchorRejected {
					conflict = true
				}
			case models.ReviewRejected:
				if track.AnchorStatus == models.AnchorApproved {
					conflict = true
				}
			}
		}

		if conflict {
			result.ConflictsDetected++
			if !dryRun {
				if err := b.store.UpdateAnchor(ctx, track.ID, models.AnchorConflict, nil, nil); err != nil {
					return result, fmt.Errorf("mark track %d conflict: %w", track.ID, err)
				}
			}
		}
	}

	return result, nil
}

// ResolveConflict is the operator-driven override: it rewrites every
// member prediction of trackID to the chosen outcome and resolves the
// track's anchor status, optionally recording a vehicle subtype or
// corrected class alongside the decision.
func (b *Builder) ResolveConflict(ctx context.Context, trackID int64, decision string, subtype, actualClass *string) error {
	var status models.AnchorStatus
	var reviewStatus models.ReviewStatus
	switch decision {
	case "approve":
		status, reviewStatus = models.AnchorApproved, models.ReviewApproved
	case "reject":
		status, reviewStatus = models.AnchorRejected, models.ReviewRejected
	default:
		return fmt.Errorf("resolve conflict: unknown decision %q", decision)
	}

	if err := b.store.UpdateAnchor(ctx, trackID, status, subtype, actualClass); err != nil {
		return fmt.Errorf("update anchor: %w", err)
	}

	members, err := b.store.ListTrackMembers(ctx, trackID)
	if err != nil {
		return fmt.Errorf("list track members: %w", err)
	}
	for _, m := range members {
		if err := b.store.SetPredictionReviewStatus(ctx, m.ID, reviewStatus); err != nil {
			return fmt.Errorf("update prediction %d: %w", m.ID, err)
		}
	}
	return nil
}

// RebuildStats fully recomputes trackID's aggregates (centroid, average
// bbox, member count, first/last seen) from its current membership
// without touching membership or anchor status. Used after an operator
// manually reassigns a prediction between tracks.
func (b *Builder) RebuildStats(ctx context.Context, trackID int64) error {
	members, err := b.store.ListTrackMembers(ctx, trackID)
	if err != nil {
		return fmt.Errorf("list track members: %w", err)
	}

	inputs := make([]grouping.Input, 0, len(members))
	for _, m := range members {
		if m.BBox == nil {
			continue
		}
		ts, ok := m.timestamp()
		if !ok {
			continue
		}
		inputs = append(inputs, grouping.Input{
			PredictionID: m.ID,
			Scenario:     m.Scenario,
			BBox:         *m.BBox,
			Timestamp:    ts,
			Confidence:   m.Confidence,
		})
	}
	if len(inputs) == 0 {
		return nil
	}

	agg := grouping.Recompute(inputs)
	return b.store.UpdateTrackAggregates(ctx, trackID, agg, agg.MinTimestamp, agg.MaxTimestamp)
}

// RebuildCameraStats rebuilds every active track's aggregates for one
// camera in a single pass -- an operator-triggered maintenance sweep,
// distinct from the single-track RebuildStats called inline on every
// match. Because this runs over the whole camera's active track set at
// once, it's the point where a post-batch checkpoint/analyze/vacuum is
// actually worth the cost; the per-match RebuildStats call in matchOne
// never triggers one.
func (b *Builder) RebuildCameraStats(ctx context.Context, cameraID string) (int, error) {
	tracks, err := b.store.ListActiveTracks(ctx, cameraID)
	if err != nil {
		return 0, fmt.Errorf("list active tracks: %w", err)
	}

	rebuilt := 0
	for _, track := range tracks {
		if err := b.RebuildStats(ctx, track.ID); err != nil {
			return rebuilt, fmt.Errorf("rebuild track %d: %w", track.ID, err)
		}
		rebuilt++
	}

	if rebuilt > 0 && b.maintainer != nil {
		if err := b.maintainer.Maintain(ctx); err != nil {
			b.logger.Warn("post-rebuild maintenance failed", "error", err)
		}
	}

	return rebuilt, nil
}
