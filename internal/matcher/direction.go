package matcher

import (
	"log/slog"
	"math"

	"github.com/groundtruth-studio/reid-pipeline/internal/config"
	"github.com/groundtruth-studio/reid-pipeline/internal/descriptor"
	"github.com/groundtruth-studio/reid-pipeline/internal/geometry"
	"github.com/groundtruth-studio/reid-pipeline/internal/models"
)

// orderConstraint restricts a scored pair to a specific temporal order,
// used for the unknown-direction bucket's a_first/b_first sub-rounds
//.
type orderConstraint int

const (
	orderAny orderConstraint = iota
	orderAFirst
	orderBFirst
)

// PairScore is the per-pair score breakdown the direction matcher produces,
// kept alongside the link for logging and tests.
type PairScore struct {
	Temporal            float64
	ReID                float64
	Color                float64
	Size                float64
	Total                float64
	GapSeconds           float64
	ReIDSimilarity       float64
	ClassificationMatch  bool
}

// pairMatch is an accepted mutual-best-match pair before link construction.
type pairMatch struct {
	ATrackID int64
	BTrackID int64
	Score    PairScore
}

// DirectionMatcher implements the default cross-camera matcher: no UI calibration required, scored on travel direction,
// appearance, and timing alone.
type DirectionMatcher struct {
	weights        config.DirectionWeights
	hardThreshold  float64 // below this, the pair is vetoed outright
	autoThreshold  float64 // at/above this, the link is auto-accepted
	groups         [][]string
	logger         *slog.Logger
}

// NewDirectionMatcher builds a direction matcher. hardThreshold is
// config.Thresholds.DirectionMatchThreshold; autoThreshold is
// config.Thresholds.VideoTrackMatchThreshold.
func NewDirectionMatcher(weights config.DirectionWeights, hardThreshold, autoThreshold float64, groups [][]string, logger *slog.Logger) *DirectionMatcher {
	return &DirectionMatcher{
		weights:       weights,
		hardThreshold: hardThreshold,
		autoThreshold: autoThreshold,
		groups:        groups,
		logger:        logger.With("component", "direction_matcher"),
	}
}

// MatchCameraPair runs the full direction-matcher pass for one topology
// edge (camA -> camB): filtering, direction bucketing, same/opposite-facing
// selection, and the unknown-direction sub-rounds. excluded lists track
// pairs already resolved by a confirmed link or
// claimed by the crossing-line matcher's earlier pass.
func (m *DirectionMatcher) MatchCameraPair(tracksA, tracksB []TrackSnapshot, edge models.TopologyEdge, excluded map[PairKey]bool) []models.CrossCameraLink {
	qa := filterQualifying(tracksA, edge.MaxTransitSeconds)
	qb := filterQualifying(tracksB, edge.MaxTransitSeconds)

	aPos, aNeg, aUnk, aMid := bucketByDirection(qa)
	bPos, bNeg, bUnk, bMid := bucketByDirection(qb)

	sameFacing := append(
		m.matchBucket(aPos, bPos, aMid, bMid, edge.MaxTransitSeconds, orderAny, excluded),
		m.matchBucket(aNeg, bNeg, aMid, bMid, edge.MaxTransitSeconds, orderAny, excluded)...,
	)
	oppFacing := append(
		m.matchBucket(aPos, bNeg, aMid, bMid, edge.MaxTransitSeconds, orderAny, excluded),
		m.matchBucket(aNeg, bPos, aMid, bMid, edge.MaxTransitSeconds, orderAny, excluded)...,
	)
	chosen := betterPairing(sameFacing, oppFacing)

	unknown := m.matchUnknownBucket(aUnk, bUnk, aMid, bMid, edge.MaxTransitSeconds, excluded)
	chosen = append(chosen, unknown...)

	links := make([]models.CrossCameraLink, 0, len(chosen))
	for _, p := range chosen {
		if link, ok := m.buildLink(p); ok {
			links = append(links, link)
		}
	}
	return links
}

func filterQualifying(tracks []TrackSnapshot, maxTransitSeconds float64) []TrackSnapshot {
	out := make([]TrackSnapshot, 0, len(tracks))
	for _, t := range tracks {
		if Qualifies(t, maxTransitSeconds) {
			out = append(out, t)
		}
	}
	return out
}

// bucketByDirection splits tracks by direction sign, returning the matching
// subsets plus a trackID -> midpoint timestamp map for scoring.
func bucketByDirection(tracks []TrackSnapshot) (pos, neg, unknown []TrackSnapshot, midpoints map[int64]float64) {
	midpoints = make(map[int64]float64, len(tracks))
	for _, t := range tracks {
		sign, mid, ok := t.Direction()
		midpoints[t.TrackID] = mid
		if !ok {
			unknown = append(unknown, t)
			continue
		}
		switch sign {
		case geometry.DirectionPositiveDX:
			pos = append(pos, t)
		case geometry.DirectionNegativeDX:
			neg = append(neg, t)
		}
	}
	return pos, neg, unknown, midpoints
}

// matchBucket scores every (a, b) candidate pair in the cross product of
// aList and bList and accepts mutual-best-match pairs.
func (m *DirectionMatcher) matchBucket(aList, bList []TrackSnapshot, aMid, bMid map[int64]float64, maxTransitSeconds float64, order orderConstraint, excluded map[PairKey]bool) []pairMatch {
	bestForA := make([]int, len(aList))
	bestForAScore := make([]float64, len(aList))
	bestForB := make([]int, len(bList))
	bestForBScore := make([]float64, len(bList))
	for i := range bestForA {
		bestForA[i] = -1
		bestForAScore[i] = math.Inf(-1)
	}
	for j := range bestForB {
		bestForB[j] = -1
		bestForBScore[j] = math.Inf(-1)
	}

	for i, ta := range aList {
		for j, tb := range bList {
			if excluded[NewPairKey(ta.TrackID, tb.TrackID)] {
				continue
			}
			res, ok := m.scorePair(ta, tb, aMid[ta.TrackID], bMid[tb.TrackID], maxTransitSeconds, order)
			if !ok {
				continue
			}
			if res.Total > bestForAScore[i] {
				bestForAScore[i] = res.Total
				bestForA[i] = j
			}
			if res.Total > bestForBScore[j] {
				bestForBScore[j] = res.Total
				bestForB[j] = i
			}
		}
	}

	var matches []pairMatch
	for i, ta := range aList {
		j := bestForA[i]
		if j < 0 || bestForB[j] != i {
			continue
		}
		tb := bList[j]
		res, ok := m.scorePair(ta, tb, aMid[ta.TrackID], bMid[tb.TrackID], maxTransitSeconds, order)
		if !ok {
			continue
		}
		matches = append(matches, pairMatch{ATrackID: ta.TrackID, BTrackID: tb.TrackID, Score: res})
	}
	return matches
}

// matchUnknownBucket runs the unknown-direction tracks' two sub-rounds,
// each enforcing an assumed temporal order,
// deduplicating a pair that happens to satisfy both (zero gap) by keeping
// its higher-scoring round.
func (m *DirectionMatcher) matchUnknownBucket(aUnk, bUnk []TrackSnapshot, aMid, bMid map[int64]float64, maxTransitSeconds float64, excluded map[PairKey]bool) []pairMatch {
	aFirst := m.matchBucket(aUnk, bUnk, aMid, bMid, maxTransitSeconds, orderAFirst, excluded)
	bFirst := m.matchBucket(aUnk, bUnk, aMid, bMid, maxTransitSeconds, orderBFirst, excluded)

	best := make(map[PairKey]pairMatch, len(aFirst)+len(bFirst))
	for _, p := range append(aFirst, bFirst...) {
		key := NewPairKey(p.ATrackID, p.BTrackID)
		if existing, ok := best[key]; !ok || p.Score.Total > existing.Score.Total {
			best[key] = p
		}
	}

	out := make([]pairMatch, 0, len(best))
	for _, p := range best {
		out = append(out, p)
	}
	return out
}

// betterPairing picks the same-facing or opposite-facing bucket pairing
// with more matches, breaking ties on higher average score.
func betterPairing(same, opp []pairMatch) []pairMatch {
	if len(same) != len(opp) {
		if len(same) > len(opp) {
			return same
		}
		return opp
	}
	if avgScore(same) >= avgScore(opp) {
		return same
	}
	return opp
}

func avgScore(matches []pairMatch) float64 {
	if len(matches) == 0 {
		return 0
	}
	var sum float64
	for _, p := range matches {
		sum += p.Score.Total
	}
	return sum / float64(len(matches))
}

// scorePair applies the direction matcher's weighted score and hard vetoes.
func (m *DirectionMatcher) scorePair(a, b TrackSnapshot, midpointA, midpointB, maxTransitSeconds float64, order orderConstraint) (PairScore, bool) {
	if !descriptor.CompatibleClasses(a.VehicleSubtype, b.VehicleSubtype, m.groups) {
		return PairScore{}, false
	}

	gap := midpointB - midpointA
	switch order {
	case orderAFirst:
		if gap < 0 {
			return PairScore{}, false
		}
	case orderBFirst:
		if gap > 0 {
			return PairScore{}, false
		}
	}
	if math.Abs(gap) > maxTransitSeconds {
		return PairScore{}, false
	}

	temporal := m.weights.Temporal * math.Max(0, 1-math.Abs(gap)/maxTransitSeconds)
	reidSim := descriptor.CosineSimilarity(a.ReIDEmbedding, b.ReIDEmbedding)
	reid := descriptor.ReIDScore(reidSim, m.weights.ReID)
	color := descriptor.ColorScore(a.ColorHistogram, b.ColorHistogram, m.weights.Color)
	size := descriptor.SizeScore(a.AvgBBoxArea, b.AvgBBoxArea, m.weights.Size)
	total := temporal + reid + color + size
	if total < m.hardThreshold {
		return PairScore{}, false
	}

	classMatch := a.VehicleSubtype != "" && b.VehicleSubtype != "" && a.VehicleSubtype == b.VehicleSubtype
	return PairScore{
		Temporal:            temporal,
		ReID:                reid,
		Color:                color,
		Size:                 size,
		Total:                total,
		GapSeconds:           gap,
		ReIDSimilarity:       reidSim,
		ClassificationMatch:  classMatch,
	}, true
}

// buildLink converts an accepted pair into a link, surfacing it as
// suggested rather than auto when its score falls short of autoThreshold
// but still clears 70% of it (an Open Question decision generalizing
// original_source's suggestion mode — see DESIGN.md).
func (m *DirectionMatcher) buildLink(p pairMatch) (models.CrossCameraLink, bool) {
	var status models.LinkStatus
	switch {
	case p.Score.Total >= m.autoThreshold:
		status = models.LinkAuto
	case p.Score.Total >= m.autoThreshold*0.7:
		status = models.LinkSuggested
	default:
		return models.CrossCameraLink{}, false
	}

	link := models.NewCrossCameraLink(p.ATrackID, p.BTrackID)
	link.EntityType = models.EntityVideoTrack
	link.SourceTrackType = models.EntityVideoTrack
	link.MatchConfidence = p.Score.Total
	link.MatchMethod = models.MatchDirection
	sim := p.Score.ReIDSimilarity
	link.ReIDSimilarity = &sim
	link.TemporalGapSeconds = math.Abs(p.Score.GapSeconds)
	classMatch := p.Score.ClassificationMatch
	link.ClassificationMatch = &classMatch
	link.Status = status
	return link, true
}
