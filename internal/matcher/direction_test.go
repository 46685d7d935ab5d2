package matcher

import (
	"io"
	"log/slog"
	"testing"

	"github.com/groundtruth-studio/reid-pipeline/internal/config"
	"github.com/groundtruth-studio/reid-pipeline/internal/models"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testWeights() config.DirectionWeights {
	return config.DirectionWeights{Temporal: 0.30, ReID: 0.30, Color: 0.20, Size: 0.20}
}

func pathTrack(id int64, cameraID string, x, ts float64, embedding []float32, subtype string) TrackSnapshot {
	return TrackSnapshot{
		TrackID:        id,
		CameraID:       cameraID,
		VehicleSubtype: subtype,
		FirstSeen:      ts,
		LastSeen:       ts + 1,
		FrameDiagonal:  100,
		Trajectory:     make([]models.TrajectoryPoint, 5),
		PathData: []models.PathPoint{
			{X: x, Timestamp: ts},
			{X: x + 50, Timestamp: ts + 1},
		},
		ReIDEmbedding:  embedding,
		ColorHistogram: []float64{1, 2, 3, 4},
		AvgBBoxArea:    100,
	}
}

func TestMatchCameraPairAcceptsMutualBestMatch(t *testing.T) {
	m := NewDirectionMatcher(testWeights(), 0.40, 0.60, nil, discardLogger())
	edge := models.TopologyEdge{MaxTransitSeconds: 10, AvgTransitSeconds: 5}

	emb := []float32{1, 0}
	a := pathTrack(1, "cam-a", 0, 0, emb, "sedan")
	b := pathTrack(2, "cam-b", 0, 1, emb, "sedan")

	links := m.MatchCameraPair([]TrackSnapshot{a}, []TrackSnapshot{b}, edge, nil)
	if len(links) != 1 {
		t.Fatalf("expected 1 link, got %d", len(links))
	}
	if links[0].TrackAID != 1 || links[0].TrackBID != 2 {
		t.Errorf("unexpected link track ids: %+v", links[0])
	}
	if links[0].Status != models.LinkAuto {
		t.Errorf("expected auto status for a high-scoring identical pair, got %s", links[0].Status)
	}
}

func TestMatchCameraPairVetoesClassificationConflict(t *testing.T) {
	m := NewDirectionMatcher(testWeights(), 0.40, 0.60, nil, discardLogger())
	edge := models.TopologyEdge{MaxTransitSeconds: 10, AvgTransitSeconds: 5}

	emb := []float32{1, 0}
	a := pathTrack(1, "cam-a", 0, 0, emb, "sedan")
	b := pathTrack(2, "cam-b", 0, 1, emb, "box truck")

	links := m.MatchCameraPair([]TrackSnapshot{a}, []TrackSnapshot{b}, edge, nil)
	if len(links) != 0 {
		t.Fatalf("expected classification-conflict veto to drop the pair, got %d links", len(links))
	}
}

func TestMatchCameraPairRespectsExclusions(t *testing.T) {
	m := NewDirectionMatcher(testWeights(), 0.40, 0.60, nil, discardLogger())
	edge := models.TopologyEdge{MaxTransitSeconds: 10, AvgTransitSeconds: 5}

	emb := []float32{1, 0}
	a := pathTrack(1, "cam-a", 0, 0, emb, "")
	b := pathTrack(2, "cam-b", 0, 1, emb, "")

	excluded := map[PairKey]bool{NewPairKey(1, 2): true}
	links := m.MatchCameraPair([]TrackSnapshot{a}, []TrackSnapshot{b}, edge, excluded)
	if len(links) != 0 {
		t.Fatalf("expected excluded pair to be skipped, got %d links", len(links))
	}
}

func TestMatchCameraPairRejectsGapBeyondMaxTransit(t *testing.T) {
	m := NewDirectionMatcher(testWeights(), 0.40, 0.60, nil, discardLogger())
	edge := models.TopologyEdge{MaxTransitSeconds: 2, AvgTransitSeconds: 1}

	emb := []float32{1, 0}
	a := pathTrack(1, "cam-a", 0, 0, emb, "")
	b := pathTrack(2, "cam-b", 0, 100, emb, "")

	links := m.MatchCameraPair([]TrackSnapshot{a}, []TrackSnapshot{b}, edge, nil)
	if len(links) != 0 {
		t.Fatalf("expected gap exceeding max_transit_seconds to hard-reject, got %d links", len(links))
	}
}

func TestBetterPairingPrefersMoreMatches(t *testing.T) {
	same := []pairMatch{{ATrackID: 1, BTrackID: 2, Score: PairScore{Total: 0.5}}}
	opp := []pairMatch{}
	if chosen := betterPairing(same, opp); len(chosen) != 1 {
		t.Error("expected the pairing with more matches to win")
	}
}

func TestBetterPairingBreaksTiesOnAverageScore(t *testing.T) {
	same := []pairMatch{{Score: PairScore{Total: 0.9}}}
	opp := []pairMatch{{Score: PairScore{Total: 0.95}}}
	chosen := betterPairing(same, opp)
	if len(chosen) != 1 || chosen[0].Score.Total != 0.95 {
		t.Error("expected the higher-average-score pairing to win on a match-count tie")
	}
}
