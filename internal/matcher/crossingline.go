package matcher

import (
	"log/slog"
	"math"

	"github.com/groundtruth-studio/reid-pipeline/internal/config"
	"github.com/groundtruth-studio/reid-pipeline/internal/descriptor"
	"github.com/groundtruth-studio/reid-pipeline/internal/geometry"
	"github.com/groundtruth-studio/reid-pipeline/internal/models"
)

// CrossingConfirmThreshold is the total score above which a crossing-line
// match is accepted as auto_confirmed rather than merely auto.
const CrossingConfirmThreshold = 0.90

// CrossingPairScore is one accepted crossing-line candidate's breakdown.
type CrossingPairScore struct {
	Lane           float64
	Temporal       float64
	Size           float64
	Total          float64
	LaneDistance   float64
	CrossingLineID int64
}

type crossingPairMatch struct {
	ATrackID int64
	BTrackID int64
	Score    CrossingPairScore
}

type linePair struct {
	A, B models.CrossingLine
}

// CrossingMatcher implements the higher-confidence geometric matcher
//: runs before the direction matcher so its matches can be
// excluded from the ReID pass.
type CrossingMatcher struct {
	weights  config.CrossingWeights
	minTotal float64 // config.Thresholds.CrossingMatchThreshold
	groups   [][]string
	logger   *slog.Logger
}

// NewCrossingMatcher builds a crossing-line matcher. minTotal is
// config.Thresholds.CrossingMatchThreshold.
func NewCrossingMatcher(weights config.CrossingWeights, minTotal float64, groups [][]string, logger *slog.Logger) *CrossingMatcher {
	return &CrossingMatcher{
		weights:  weights,
		minTotal: minTotal,
		groups:   groups,
		logger:   logger.With("component", "crossing_matcher"),
	}
}

// buildLinePairs resolves each camera-A line's paired line, skipping a
// self-paired line (paired_line_id pointing at another line on the same
// camera carries no cross-camera boundary) and deduplicating both
// directions of the same pair.
func buildLinePairs(linesA, linesB []models.CrossingLine) []linePair {
	byID := make(map[int64]models.CrossingLine, len(linesA)+len(linesB))
	for _, l := range linesA {
		byID[l.ID] = l
	}
	for _, l := range linesB {
		byID[l.ID] = l
	}

	seen := make(map[PairKey]bool)
	var pairs []linePair
	for _, la := range linesA {
		if la.PairedLineID == nil {
			continue
		}
		lb, ok := byID[*la.PairedLineID]
		if !ok || lb.CameraID == la.CameraID {
			continue
		}
		key := NewPairKey(la.ID, lb.ID)
		if seen[key] {
			continue
		}
		seen[key] = true
		pairs = append(pairs, linePair{A: la, B: lb})
	}
	return pairs
}

// MatchCameraPair runs the crossing-line matcher for one topology edge.
// It returns the accepted links plus the set of track-id pairs it claimed,
// so the caller can exclude them from the direction matcher's ReID pass
//.
func (m *CrossingMatcher) MatchCameraPair(tracksA, tracksB []TrackSnapshot, linesA, linesB []models.CrossingLine, edge models.TopologyEdge, excluded map[PairKey]bool) ([]models.CrossCameraLink, map[PairKey]bool) {
	pairs := buildLinePairs(linesA, linesB)
	if len(pairs) == 0 {
		return nil, nil
	}

	bestForA := make([]int, len(tracksA))
	bestForAScore := make([]float64, len(tracksA))
	bestForAResult := make([]CrossingPairScore, len(tracksA))
	bestForB := make([]int, len(tracksB))
	bestForBScore := make([]float64, len(tracksB))
	for i := range bestForA {
		bestForA[i] = -1
		bestForAScore[i] = math.Inf(-1)
	}
	for j := range bestForB {
		bestForB[j] = -1
		bestForBScore[j] = math.Inf(-1)
	}

	for i, ta := range tracksA {
		for j, tb := range tracksB {
			if excluded[NewPairKey(ta.TrackID, tb.TrackID)] {
				continue
			}
			res, ok := m.scorePair(ta, tb, pairs, edge)
			if !ok {
				continue
			}
			if res.Total > bestForAScore[i] {
				bestForAScore[i] = res.Total
				bestForA[i] = j
				bestForAResult[i] = res
			}
			if res.Total > bestForBScore[j] {
				bestForBScore[j] = res.Total
				bestForB[j] = i
			}
		}
	}

	var matches []crossingPairMatch
	for i, ta := range tracksA {
		j := bestForA[i]
		if j < 0 || bestForB[j] != i {
			continue
		}
		matches = append(matches, crossingPairMatch{ATrackID: ta.TrackID, BTrackID: tracksB[j].TrackID, Score: bestForAResult[i]})
	}

	links := make([]models.CrossCameraLink, 0, len(matches))
	claimed := make(map[PairKey]bool, len(matches))
	for _, p := range matches {
		links = append(links, buildCrossingLink(p))
		claimed[NewPairKey(p.ATrackID, p.BTrackID)] = true
	}
	return links, claimed
}

// scorePair applies the crossing-line matcher's hard filters, lane/temporal/size
// scoring, and hard direction filter, taking the best-scoring configured
// line pair when several boundaries are configured between the cameras.
func (m *CrossingMatcher) scorePair(a, b TrackSnapshot, pairs []linePair, edge models.TopologyEdge) (CrossingPairScore, bool) {
	if !descriptor.CompatibleClasses(a.VehicleSubtype, b.VehicleSubtype, m.groups) {
		return CrossingPairScore{}, false
	}
	gap := math.Abs(b.FirstSeen - a.FirstSeen)
	if gap > edge.MaxTransitSeconds {
		return CrossingPairScore{}, false
	}

	dxA, dyA, okA := a.DirectionVector()
	dxB, dyB, okB := b.DirectionVector()

	best := CrossingPairScore{}
	bestOK := false
	for _, lp := range pairs {
		if okA && okB {
			agreeA := dxA*lp.A.ForwardDX+dyA*lp.A.ForwardDY >= 0
			agreeB := dxB*lp.B.ForwardDX+dyB*lp.B.ForwardDY >= 0
			if agreeA != agreeB {
				continue
			}
		}

		ta := geometry.ProjectOntoLine(a.CentroidX, a.CentroidY, lp.A.X1, lp.A.Y1, lp.A.X2, lp.A.Y2)
		tb := geometry.ProjectOntoLine(b.CentroidX, b.CentroidY, lp.B.X1, lp.B.Y1, lp.B.X2, lp.B.Y2)
		if lp.B.LaneMappingReversed {
			tb = 1 - tb
		}
		laneScore := m.weights.Lane * (1 - math.Abs(ta-tb))

		rangesOverlap := a.FirstSeen <= b.LastSeen && b.FirstSeen <= a.LastSeen
		var multiplier float64
		switch {
		case rangesOverlap:
			multiplier = 1.0
		case gap <= 1.5*edge.AvgTransitSeconds:
			multiplier = 0.9
		case gap <= edge.MaxTransitSeconds:
			multiplier = 0.6
		default:
			continue
		}
		temporalScore := m.weights.Temporal * multiplier
		sizeScore := descriptor.SizeScore(a.AvgBBoxArea, b.AvgBBoxArea, m.weights.Size)

		total := laneScore + temporalScore + sizeScore
		if total < m.minTotal {
			continue
		}
		if !bestOK || total > best.Total {
			best = CrossingPairScore{
				Lane:           laneScore,
				Temporal:       temporalScore,
				Size:           sizeScore,
				Total:          total,
				LaneDistance:   math.Abs(ta - tb),
				CrossingLineID: lp.A.ID,
			}
			bestOK = true
		}
	}
	return best, bestOK
}

func buildCrossingLink(p crossingPairMatch) models.CrossCameraLink {
	link := models.NewCrossCameraLink(p.ATrackID, p.BTrackID)
	link.EntityType = models.EntityVideoTrack
	link.SourceTrackType = models.EntityVideoTrack
	link.MatchConfidence = p.Score.Total
	link.MatchMethod = models.MatchCrossingLine
	laneDistance := p.Score.LaneDistance
	link.LaneDistance = &laneDistance
	crossingLineID := p.Score.CrossingLineID
	link.CrossingLineID = &crossingLineID
	if p.Score.Total >= CrossingConfirmThreshold {
		link.Status = models.LinkAutoConfirmed
	} else {
		link.Status = models.LinkAuto
	}
	return link
}
