package matcher

import (
	"context"
	"fmt"

	"github.com/groundtruth-studio/reid-pipeline/internal/models"
	"github.com/groundtruth-studio/reid-pipeline/internal/perr"
)

// ManualLinkStore backs the operator-driven link overrides. Restored per
// Grounded on original_source/app/routes/tracks.py's
// confirm_cross_camera_link route: an operator can confirm or reject an
// existing candidate link, or force a link the matchers never proposed.
type ManualLinkStore interface {
	GetLink(ctx context.Context, linkID int64) (models.CrossCameraLink, bool, error)
	SetLinkStatus(ctx context.Context, linkID int64, status models.LinkStatus, rejectionReason string) error
	CreateLink(ctx context.Context, link models.CrossCameraLink) (int64, error)
}

// ConfirmLink reviews an existing candidate link, confirming or rejecting
// it, then re-runs identity resolution so the decision takes effect
// immediately.
func (r *IdentityResolver) ConfirmLink(ctx context.Context, entityType models.TrackEntityType, linkID int64, reject bool, rejectionReason string) (ResolveResult, error) {
	_, ok, err := r.manual.GetLink(ctx, linkID)
	if err != nil {
		return ResolveResult{}, fmt.Errorf("get link %d: %w", linkID, err)
	}
	if !ok {
		return ResolveResult{}, perr.Newf(perr.NotFound, "matcher.ConfirmLink", "link %d not found", linkID)
	}

	status := models.LinkConfirmed
	if reject {
		status = models.LinkRejected
	}
	if err := r.manual.SetLinkStatus(ctx, linkID, status, rejectionReason); err != nil {
		return ResolveResult{}, fmt.Errorf("set link %d status: %w", linkID, err)
	}
	return r.Resolve(ctx, entityType)
}

// ForceReject rejects an existing link outright, a convenience wrapper
// around ConfirmLink(reject=true).
func (r *IdentityResolver) ForceReject(ctx context.Context, entityType models.TrackEntityType, linkID int64, reason string) (ResolveResult, error) {
	return r.ConfirmLink(ctx, entityType, linkID, true, reason)
}

// ForceLink records an operator-asserted link between two tracks that
// neither matcher proposed, immediately confirmed, then re-runs identity
// resolution the same as an automated link would trigger.
func (r *IdentityResolver) ForceLink(ctx context.Context, entityType models.TrackEntityType, trackA, trackB int64) (ResolveResult, error) {
	link := models.NewCrossCameraLink(trackA, trackB)
	link.EntityType = entityType
	link.SourceTrackType = entityType
	link.MatchMethod = models.MatchManual
	link.MatchConfidence = 1.0
	link.Status = models.LinkConfirmed

	if _, err := r.manual.CreateLink(ctx, link); err != nil {
		return ResolveResult{}, fmt.Errorf("create forced link: %w", err)
	}
	return r.Resolve(ctx, entityType)
}
