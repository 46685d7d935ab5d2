package grouping

import (
	"testing"

	"github.com/groundtruth-studio/reid-pipeline/internal/models"
)

func TestAssignFindsMatchingGroup(t *testing.T) {
	g := New()
	candidates := []models.PredictionGroup{
		{Scenario: "vehicle_detection", CentroidX: 100, CentroidY: 100, AvgBBoxW: 20, AvgBBoxH: 20, MinTimestamp: 0, MaxTimestamp: 2},
	}
	pred := Input{Scenario: "vehicle_detection", BBox: models.BBox{X: 91, Y: 91, W: 20, H: 20}, Timestamp: 2.5}

	idx, found := g.Assign(pred, candidates)
	if !found || idx != 0 {
		t.Fatalf("expected match against group 0, got found=%v idx=%d", found, idx)
	}
}

func TestAssignRejectsDifferentScenario(t *testing.T) {
	g := New()
	candidates := []models.PredictionGroup{
		{Scenario: "person_detection", CentroidX: 100, CentroidY: 100, AvgBBoxW: 20, AvgBBoxH: 20, MinTimestamp: 0, MaxTimestamp: 2},
	}
	pred := Input{Scenario: "vehicle_detection", BBox: models.BBox{X: 91, Y: 91, W: 20, H: 20}, Timestamp: 1}

	if _, found := g.Assign(pred, candidates); found {
		t.Error("expected no match across different scenarios")
	}
}

func TestAssignRejectsFarCentroid(t *testing.T) {
	g := New()
	candidates := []models.PredictionGroup{
		{Scenario: "vehicle_detection", CentroidX: 1000, CentroidY: 1000, AvgBBoxW: 20, AvgBBoxH: 20, MinTimestamp: 0, MaxTimestamp: 2},
	}
	pred := Input{Scenario: "vehicle_detection", BBox: models.BBox{X: 0, Y: 0, W: 20, H: 20}, Timestamp: 1}

	if _, found := g.Assign(pred, candidates); found {
		t.Error("expected no match when centroid is far beyond one diagonal")
	}
}

func TestAssignRejectsStaleTimestampWindow(t *testing.T) {
	g := New()
	candidates := []models.PredictionGroup{
		{Scenario: "vehicle_detection", CentroidX: 100, CentroidY: 100, AvgBBoxW: 20, AvgBBoxH: 20, MinTimestamp: 0, MaxTimestamp: 2},
	}
	pred := Input{Scenario: "vehicle_detection", BBox: models.BBox{X: 91, Y: 91, W: 20, H: 20}, Timestamp: 50}

	if _, found := g.Assign(pred, candidates); found {
		t.Error("expected no match once the timestamp window has long since passed")
	}
}

func TestRecomputeAggregates(t *testing.T) {
	members := []Input{
		{PredictionID: 1, BBox: models.BBox{X: 0, Y: 0, W: 10, H: 10}, Timestamp: 0, Confidence: 0.5},
		{PredictionID: 2, BBox: models.BBox{X: 0, Y: 0, W: 20, H: 20}, Timestamp: 1, Confidence: 0.9},
		{PredictionID: 3, BBox: models.BBox{X: 0, Y: 0, W: 5, H: 5}, Timestamp: 2, Confidence: 0.99},
	}
	agg := Recompute(members)

	if agg.MemberCount != 3 {
		t.Errorf("expected 3 members, got %d", agg.MemberCount)
	}
	if agg.MinConfidence != 0.5 || agg.MaxConfidence != 0.99 {
		t.Errorf("unexpected confidence bounds: min=%f max=%f", agg.MinConfidence, agg.MaxConfidence)
	}
	if agg.MinTimestamp != 0 || agg.MaxTimestamp != 2 {
		t.Errorf("unexpected timestamp bounds: min=%f max=%f", agg.MinTimestamp, agg.MaxTimestamp)
	}
	if agg.RepresentativePredictionID != 2 {
		t.Errorf("expected prediction 2 (largest area) as representative, got %d", agg.RepresentativePredictionID)
	}
}

func TestRecomputeRepresentativeTiebreak(t *testing.T) {
	members := []Input{
		{PredictionID: 1, BBox: models.BBox{X: 0, Y: 0, W: 10, H: 10}, Timestamp: 0, Confidence: 0.5},
		{PredictionID: 2, BBox: models.BBox{X: 0, Y: 0, W: 10, H: 10}, Timestamp: 1, Confidence: 0.9},
	}
	agg := Recompute(members)
	if agg.RepresentativePredictionID != 2 {
		t.Errorf("expected prediction 2 (higher confidence tiebreak), got %d", agg.RepresentativePredictionID)
	}
}

func TestRecomputeEmpty(t *testing.T) {
	agg := Recompute(nil)
	if agg.MemberCount != 0 {
		t.Errorf("expected zero-value aggregates for no members")
	}
}
