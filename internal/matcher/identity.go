package matcher

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/groundtruth-studio/reid-pipeline/internal/models"
)

// LinkSource lists the non-rejected links the identity resolver unions
// over.
type LinkSource interface {
	ListNonRejectedLinks(ctx context.Context, entityType models.TrackEntityType) ([]models.CrossCameraLink, error)
}

// IdentityStore persists resolved identity assignments and reports which
// tracks currently carry one, so a track whose only link was rejected
// since the prior run gets reset to NULL rather than left stale.
type IdentityStore interface {
	ListIdentifiedTrackIDs(ctx context.Context, entityType models.TrackEntityType) ([]int64, error)
	SetIdentity(ctx context.Context, entityType models.TrackEntityType, trackID int64, identityID *int64) error
}

// ResolveResult summarizes one identity-resolution pass.
type ResolveResult struct {
	Linked  int // tracks assigned to a multi-member identity
	Cleared int // tracks reset to NULL (no longer in a multi-member component)
}

// IdentityResolver runs union-find over confirmed/auto cross-camera links
// to assign cross_camera_identity_id. A single mutex serializes every
// recompute, guarding shared track-identity state against concurrent
// writers.
type IdentityResolver struct {
	mu     sync.Mutex
	links  LinkSource
	store  IdentityStore
	manual ManualLinkStore
	logger *slog.Logger
}

// NewIdentityResolver builds an identity resolver. manual backs the
// operator-driven ForceLink/ForceReject/ConfirmLink overrides.
func NewIdentityResolver(links LinkSource, store IdentityStore, manual ManualLinkStore, logger *slog.Logger) *IdentityResolver {
	return &IdentityResolver{links: links, store: store, manual: manual, logger: logger.With("component", "identity_resolver")}
}

// Resolve recomputes every identity for entityType. Idempotent: running it
// twice in a row with no intervening link change produces no writes beyond
// the first.
func (r *IdentityResolver) Resolve(ctx context.Context, entityType models.TrackEntityType) (ResolveResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	links, err := r.links.ListNonRejectedLinks(ctx, entityType)
	if err != nil {
		return ResolveResult{}, fmt.Errorf("list non-rejected links: %w", err)
	}

	uf := newUnionFind()
	for _, l := range links {
		uf.union(l.TrackAID, l.TrackBID)
	}

	desired := make(map[int64]int64)
	for _, members := range uf.components() {
		if len(members) < 2 {
			continue
		}
		minID := members[0]
		for _, m := range members[1:] {
			if m < minID {
				minID = m
			}
		}
		for _, m := range members {
			desired[m] = minID
		}
	}

	previouslyIdentified, err := r.store.ListIdentifiedTrackIDs(ctx, entityType)
	if err != nil {
		return ResolveResult{}, fmt.Errorf("list identified tracks: %w", err)
	}

	touched := make(map[int64]struct{}, len(desired)+len(previouslyIdentified))
	for id := range desired {
		touched[id] = struct{}{}
	}
	for _, id := range previouslyIdentified {
		touched[id] = struct{}{}
	}

	var result ResolveResult
	for trackID := range touched {
		identityID, ok := desired[trackID]
		if ok {
			if err := r.store.SetIdentity(ctx, entityType, trackID, &identityID); err != nil {
				return result, fmt.Errorf("set identity for track %d: %w", trackID, err)
			}
			result.Linked++
		} else {
			if err := r.store.SetIdentity(ctx, entityType, trackID, nil); err != nil {
				return result, fmt.Errorf("clear identity for track %d: %w", trackID, err)
			}
			result.Cleared++
		}
	}
	return result, nil
}

// unionFind is a path-compressing disjoint-set over track ids.
type unionFind struct {
	parent map[int64]int64
}

func newUnionFind() *unionFind {
	return &unionFind{parent: make(map[int64]int64)}
}

func (u *unionFind) find(x int64) int64 {
	if _, ok := u.parent[x]; !ok {
		u.parent[x] = x
		return x
	}
	if u.parent[x] != x {
		u.parent[x] = u.find(u.parent[x])
	}
	return u.parent[x]
}

func (u *unionFind) union(a, b int64) {
	ra, rb := u.find(a), u.find(b)
	if ra != rb {
		u.parent[ra] = rb
	}
}

// components returns every track id grouped by its root, including
// singleton groups.
func (u *unionFind) components() map[int64][]int64 {
	groups := make(map[int64][]int64)
	for x := range u.parent {
		root := u.find(x)
		groups[root] = append(groups[root], x)
	}
	return groups
}
