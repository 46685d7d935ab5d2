package descriptor

import (
	"math"
	"testing"
)

func TestCosineSimilarityIdentical(t *testing.T) {
	a := []float32{0.6, 0.8}
	if sim := CosineSimilarity(a, a); math.Abs(sim-1.0) > 1e-6 {
		t.Errorf("expected similarity 1.0, got %f", sim)
	}
}

func TestCosineSimilarityOrthogonal(t *testing.T) {
	a := []float32{1, 0}
	b := []float32{0, 1}
	if sim := CosineSimilarity(a, b); math.Abs(sim) > 1e-6 {
		t.Errorf("expected similarity 0, got %f", sim)
	}
}

func TestCosineSimilarityMismatchedLength(t *testing.T) {
	if sim := CosineSimilarity([]float32{1, 2}, []float32{1}); sim != 0 {
		t.Errorf("expected 0 for mismatched lengths, got %f", sim)
	}
}

func TestReIDScoreTiers(t *testing.T) {
	cases := []struct {
		sim  float64
		want float64
	}{
		{0.70, 0.30},
		{0.65, 0.30},
		{0.60, 0.21},
		{0.55, 0.21},
		{0.50, 0.12},
		{0.45, 0.12},
		{0.40, 0.06},
		{0.35, 0.06},
		{0.20, 0},
	}
	for _, c := range cases {
		got := ReIDScore(c.sim, 0.30)
		if math.Abs(got-c.want) > 1e-9 {
			t.Errorf("ReIDScore(%f, 0.30) = %f, want %f", c.sim, got, c.want)
		}
	}
}

func TestHistogramCorrelationIdentical(t *testing.T) {
	h := []float64{1, 2, 3, 4, 5}
	if c := HistogramCorrelation(h, h); math.Abs(c-1.0) > 1e-9 {
		t.Errorf("expected correlation 1.0, got %f", c)
	}
}

func TestHistogramCorrelationConstantClampsToZero(t *testing.T) {
	a := []float64{1, 1, 1, 1}
	b := []float64{2, 3, 1, 5}
	if c := HistogramCorrelation(a, b); c != 0 {
		t.Errorf("expected 0 for degenerate constant histogram (NaN guard), got %f", c)
	}
}

func TestColorScore(t *testing.T) {
	h := []float64{1, 2, 3, 4}
	score := ColorScore(h, h, 0.20)
	if math.Abs(score-0.20) > 1e-9 {
		t.Errorf("expected 0.20, got %f", score)
	}
}

func TestSizeScore(t *testing.T) {
	if s := SizeScore(100, 100, 0.20); math.Abs(s-0.20) > 1e-9 {
		t.Errorf("expected full weight for equal areas, got %f", s)
	}
	// ratio 0.3 exactly -> should be 0 (strictly greater required)
	if s := SizeScore(30, 100, 0.20); s != 0 {
		t.Errorf("expected 0 at ratio boundary 0.3, got %f", s)
	}
	if s := SizeScore(50, 100, 0.20); math.Abs(s-0.10) > 1e-9 {
		t.Errorf("expected 0.10 for ratio 0.5, got %f", s)
	}
}

func TestCacheEvictsLeastRecentlyUsed(t *testing.T) {
	c := NewCache(2)
	c.Put(1, Descriptor{TrackID: 1})
	c.Put(2, Descriptor{TrackID: 2})
	c.Put(3, Descriptor{TrackID: 3}) // evicts 1

	if _, ok := c.Get(1); ok {
		t.Error("expected track 1 to be evicted")
	}
	if _, ok := c.Get(2); !ok {
		t.Error("expected track 2 to still be cached")
	}
	if _, ok := c.Get(3); !ok {
		t.Error("expected track 3 to be cached")
	}
}

func TestCacheGetRefreshesRecency(t *testing.T) {
	c := NewCache(2)
	c.Put(1, Descriptor{TrackID: 1})
	c.Put(2, Descriptor{TrackID: 2})
	c.Get(1) // refresh 1, making 2 the LRU entry
	c.Put(3, Descriptor{TrackID: 3}) // should evict 2, not 1

	if _, ok := c.Get(1); !ok {
		t.Error("expected track 1 to survive after being refreshed")
	}
	if _, ok := c.Get(2); ok {
		t.Error("expected track 2 to be evicted")
	}
}

func TestCacheLen(t *testing.T) {
	c := NewCache(5)
	c.Put(1, Descriptor{TrackID: 1})
	c.Put(2, Descriptor{TrackID: 2})
	if c.Len() != 2 {
		t.Errorf("expected len 2, got %d", c.Len())
	}
}

func TestCompatibleClassesSameSubtype(t *testing.T) {
	if !CompatibleClasses("sedan", "sedan", nil) {
		t.Error("expected identical subtypes to be compatible")
	}
}

func TestCompatibleClassesEmptySubtypeCarriesNoConflict(t *testing.T) {
	if !CompatibleClasses("", "sedan", nil) {
		t.Error("expected an empty subtype to never conflict")
	}
}

func TestCompatibleClassesWithinGroup(t *testing.T) {
	groups := [][]string{{"sedan", "suv", "car"}}
	if !CompatibleClasses("sedan", "suv", groups) {
		t.Error("expected sedan/suv to be compatible via the shared group")
	}
}

func TestCompatibleClassesAcrossGroupsConflicts(t *testing.T) {
	groups := [][]string{{"sedan", "suv", "car"}, {"box truck", "delivery truck", "truck"}}
	if CompatibleClasses("sedan", "box truck", groups) {
		t.Error("expected sedan/box truck to conflict, no shared group")
	}
}
