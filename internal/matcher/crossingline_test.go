package matcher

import (
	"testing"

	"github.com/groundtruth-studio/reid-pipeline/internal/config"
	"github.com/groundtruth-studio/reid-pipeline/internal/models"
)

func testCrossingWeights() config.CrossingWeights {
	return config.CrossingWeights{Lane: 0.50, Temporal: 0.35, Size: 0.15}
}

func crossingLine(id int64, cameraID string, paired *int64, reversed bool) models.CrossingLine {
	return models.CrossingLine{
		ID: id, CameraID: cameraID,
		X1: 0, Y1: 0, X2: 100, Y2: 0,
		ForwardDX: 1, ForwardDY: 0,
		PairedLineID:        paired,
		LaneMappingReversed: reversed,
	}
}

func TestBuildLinePairsResolvesCrossCameraPairing(t *testing.T) {
	lineBID := int64(2)
	linesA := []models.CrossingLine{crossingLine(1, "cam-a", &lineBID, false)}
	linesB := []models.CrossingLine{crossingLine(2, "cam-b", nil, false)}

	pairs := buildLinePairs(linesA, linesB)
	if len(pairs) != 1 {
		t.Fatalf("expected 1 resolved line pair, got %d", len(pairs))
	}
	if pairs[0].A.ID != 1 || pairs[0].B.ID != 2 {
		t.Errorf("unexpected pair: %+v", pairs[0])
	}
}

func TestBuildLinePairsSkipsSameCameraPairing(t *testing.T) {
	selfID := int64(2)
	linesA := []models.CrossingLine{
		crossingLine(1, "cam-a", &selfID, false),
		crossingLine(2, "cam-a", nil, false),
	}
	pairs := buildLinePairs(linesA, nil)
	if len(pairs) != 0 {
		t.Errorf("expected a same-camera paired line to be skipped, got %d pairs", len(pairs))
	}
}

func TestCrossingMatcherAcceptsAlignedCentroids(t *testing.T) {
	lineBID := int64(2)
	linesA := []models.CrossingLine{crossingLine(1, "cam-a", &lineBID, false)}
	linesB := []models.CrossingLine{crossingLine(2, "cam-b", nil, false)}
	edge := models.TopologyEdge{MaxTransitSeconds: 10, AvgTransitSeconds: 5}

	a := TrackSnapshot{TrackID: 1, CameraID: "cam-a", FirstSeen: 0, LastSeen: 1, CentroidX: 50, CentroidY: 0, AvgBBoxArea: 100}
	b := TrackSnapshot{TrackID: 2, CameraID: "cam-b", FirstSeen: 0, LastSeen: 1, CentroidX: 50, CentroidY: 0, AvgBBoxArea: 100}

	m := NewCrossingMatcher(testCrossingWeights(), 0.55, nil, discardLogger())
	links, claimed := m.MatchCameraPair([]TrackSnapshot{a}, []TrackSnapshot{b}, linesA, linesB, edge, nil)
	if len(links) != 1 {
		t.Fatalf("expected 1 link for aligned centroids with overlapping ranges, got %d", len(links))
	}
	if !claimed[NewPairKey(1, 2)] {
		t.Error("expected the matched pair to be reported as claimed")
	}
	if links[0].Status != models.LinkAutoConfirmed {
		t.Errorf("expected a near-perfect score to confirm, got status %s", links[0].Status)
	}
}

func TestCrossingMatcherRejectsClassificationMismatch(t *testing.T) {
	lineBID := int64(2)
	linesA := []models.CrossingLine{crossingLine(1, "cam-a", &lineBID, false)}
	linesB := []models.CrossingLine{crossingLine(2, "cam-b", nil, false)}
	edge := models.TopologyEdge{MaxTransitSeconds: 10, AvgTransitSeconds: 5}

	a := TrackSnapshot{TrackID: 1, VehicleSubtype: "sedan", FirstSeen: 0, LastSeen: 1, CentroidX: 50, CentroidY: 0, AvgBBoxArea: 100}
	b := TrackSnapshot{TrackID: 2, VehicleSubtype: "box truck", FirstSeen: 0, LastSeen: 1, CentroidX: 50, CentroidY: 0, AvgBBoxArea: 100}

	m := NewCrossingMatcher(testCrossingWeights(), 0.55, nil, discardLogger())
	links, _ := m.MatchCameraPair([]TrackSnapshot{a}, []TrackSnapshot{b}, linesA, linesB, edge, nil)
	if len(links) != 0 {
		t.Errorf("expected a classification mismatch to be hard-filtered, got %d links", len(links))
	}
}

func TestCrossingMatcherAppliesLaneMappingReversed(t *testing.T) {
	lineBID := int64(2)
	linesA := []models.CrossingLine{crossingLine(1, "cam-a", &lineBID, false)}
	linesB := []models.CrossingLine{crossingLine(2, "cam-b", nil, true)} // reversed
	edge := models.TopologyEdge{MaxTransitSeconds: 10, AvgTransitSeconds: 5}

	// a projects to t=0 on its line; b also projects to t=0 on its own
	// line, but the reversed flag flips it to t=1 -- a full lane mismatch
	// that should drag the total below the acceptance threshold even with
	// temporal and size scoring fully satisfied.
	a := TrackSnapshot{TrackID: 1, FirstSeen: 0, LastSeen: 1, CentroidX: 0, CentroidY: 0, AvgBBoxArea: 100}
	b := TrackSnapshot{TrackID: 2, FirstSeen: 0, LastSeen: 1, CentroidX: 0, CentroidY: 0, AvgBBoxArea: 100}

	m := NewCrossingMatcher(testCrossingWeights(), 0.55, nil, discardLogger())
	links, _ := m.MatchCameraPair([]TrackSnapshot{a}, []TrackSnapshot{b}, linesA, linesB, edge, nil)
	if len(links) != 0 {
		t.Errorf("expected the reversed lane mapping to push the pair below threshold, got %d links", len(links))
	}
}
