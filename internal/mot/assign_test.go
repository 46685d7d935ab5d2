package mot

import (
	"testing"

	"gonum.org/v1/gonum/mat"
)

func TestGreedyAssignPrefersLowestCost(t *testing.T) {
	// track0 closest to det1, track1 closest to det0
	cost := mat.NewDense(2, 2, []float64{
		0.9, 0.1,
		0.2, 0.8,
	})
	trackIdx, detIdx := greedyAssign(cost, 0.5)
	if len(trackIdx) != 2 {
		t.Fatalf("expected 2 matches, got %d", len(trackIdx))
	}
	got := map[int]int{}
	for i := range trackIdx {
		got[trackIdx[i]] = detIdx[i]
	}
	if got[0] != 1 || got[1] != 0 {
		t.Errorf("expected track0->det1 and track1->det0, got %v", got)
	}
}

func TestGreedyAssignRespectsMaxCost(t *testing.T) {
	cost := mat.NewDense(1, 1, []float64{0.9})
	trackIdx, _ := greedyAssign(cost, 0.5)
	if len(trackIdx) != 0 {
		t.Errorf("expected no match above max cost, got %d", len(trackIdx))
	}
}

func TestGreedyAssignEmptyMatrix(t *testing.T) {
	trackIdx, detIdx := greedyAssign(mat.NewDense(0, 0, nil), 0.5)
	if trackIdx != nil || detIdx != nil {
		t.Errorf("expected nil results for empty matrix")
	}
}
