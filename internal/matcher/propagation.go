package matcher

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"github.com/groundtruth-studio/reid-pipeline/internal/models"
)

// IdentityMember is one track's classification state within a resolved
// cross-camera identity, as needed by classification propagation
//.
type IdentityMember struct {
	TrackID        int64
	MemberCount    int
	VehicleSubtype string // empty when unclassified
	HumanAssigned  bool
	Confidence     float64
}

// PropagationStore lists an identity's member tracks and applies a vote
// outcome back to the store.
type PropagationStore interface {
	ListIdentityIDs(ctx context.Context, entityType models.TrackEntityType) ([]int64, error)
	ListIdentityMembers(ctx context.Context, entityType models.TrackEntityType, identityID int64) ([]IdentityMember, error)
	ApplyPropagation(ctx context.Context, entityType models.TrackEntityType, trackID int64, subtype string, conflict bool) error
}

// PropagationResult summarizes one identity's propagation outcome.
type PropagationResult struct {
	Classified int // previously-unclassified tracks written with the majority subtype
	Conflicts  int // human-assigned tracks disagreeing with the majority, flagged not overwritten
}

// Propagator votes on vehicle_subtype across an identity's member tracks
//.
type Propagator struct {
	store  PropagationStore
	logger *slog.Logger
}

// NewPropagator builds a classification propagator.
func NewPropagator(store PropagationStore, logger *slog.Logger) *Propagator {
	return &Propagator{store: store, logger: logger.With("component", "propagator")}
}

// PropagateAll runs PropagateIdentity over every resolved identity of
// entityType.
func (p *Propagator) PropagateAll(ctx context.Context, entityType models.TrackEntityType) (PropagationResult, error) {
	ids, err := p.store.ListIdentityIDs(ctx, entityType)
	if err != nil {
		return PropagationResult{}, fmt.Errorf("list identities: %w", err)
	}

	var total PropagationResult
	for _, id := range ids {
		r, err := p.PropagateIdentity(ctx, entityType, id)
		if err != nil {
			return total, err
		}
		total.Classified += r.Classified
		total.Conflicts += r.Conflicts
	}
	return total, nil
}

// PropagateIdentity votes on a single identity's vehicle_subtype, weighted
// by each member track's member_count, ties broken by higher total
// confidence. Tracks lacking a subtype get the majority written with
// classified_by = cross_camera_propagation (applied by the caller's
// ApplyPropagation implementation); tracks whose human-assigned subtype
// disagrees with the majority are flagged cross_camera_conflict without
// being overwritten.
func (p *Propagator) PropagateIdentity(ctx context.Context, entityType models.TrackEntityType, identityID int64) (PropagationResult, error) {
	members, err := p.store.ListIdentityMembers(ctx, entityType, identityID)
	if err != nil {
		return PropagationResult{}, fmt.Errorf("list identity %d members: %w", identityID, err)
	}
	if len(members) == 0 {
		return PropagationResult{}, nil
	}

	votes := make(map[string]int)
	confidence := make(map[string]float64)
	for _, m := range members {
		if m.VehicleSubtype == "" {
			continue
		}
		votes[m.VehicleSubtype] += m.MemberCount
		confidence[m.VehicleSubtype] += m.Confidence
	}
	if len(votes) == 0 {
		return PropagationResult{}, nil
	}
	majority := majoritySubtype(votes, confidence)

	var result PropagationResult
	for _, m := range members {
		switch {
		case m.VehicleSubtype == "":
			if err := p.store.ApplyPropagation(ctx, entityType, m.TrackID, majority, false); err != nil {
				return result, fmt.Errorf("apply propagation to track %d: %w", m.TrackID, err)
			}
			result.Classified++
		case m.VehicleSubtype != majority && m.HumanAssigned:
			if err := p.store.ApplyPropagation(ctx, entityType, m.TrackID, m.VehicleSubtype, true); err != nil {
				return result, fmt.Errorf("flag conflict on track %d: %w", m.TrackID, err)
			}
			result.Conflicts++
		}
	}
	return result, nil
}

// majoritySubtype picks the highest member_count-weighted vote, breaking
// ties by higher total confidence, with a stable iteration order so equal
// ties resolve deterministically.
func majoritySubtype(votes map[string]int, confidence map[string]float64) string {
	keys := make([]string, 0, len(votes))
	for k := range votes {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	best := keys[0]
	bestVotes := votes[best]
	bestConf := confidence[best]
	for _, k := range keys[1:] {
		v, c := votes[k], confidence[k]
		if v > bestVotes || (v == bestVotes && c > bestConf) {
			best, bestVotes, bestConf = k, v, c
		}
	}
	return best
}
