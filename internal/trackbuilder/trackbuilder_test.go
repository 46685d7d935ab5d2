package trackbuilder

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/groundtruth-studio/reid-pipeline/internal/grouping"
	"github.com/groundtruth-studio/reid-pipeline/internal/models"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeStore is an in-memory Store for exercising Builder's control flow.
type fakeStore struct {
	tracks      map[int64]models.CameraObjectTrack
	predictions map[int64]PredictionContext
	members     map[int64][]int64 // trackID -> prediction ids
	nextTrackID int64
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		tracks:      map[int64]models.CameraObjectTrack{},
		predictions: map[int64]PredictionContext{},
		members:     map[int64][]int64{},
		nextTrackID: 1,
	}
}

func (s *fakeStore) GetPrediction(ctx context.Context, predictionID int64) (PredictionContext, error) {
	return s.predictions[predictionID], nil
}

func (s *fakeStore) ListActiveTracks(ctx context.Context, cameraID string) ([]models.CameraObjectTrack, error) {
	var out []models.CameraObjectTrack
	for _, t := range s.tracks {
		if t.CameraID == cameraID {
			out = append(out, t)
		}
	}
	return out, nil
}

func (s *fakeStore) ListTrackMembers(ctx context.Context, trackID int64) ([]PredictionContext, error) {
	var out []PredictionContext
	for _, id := range s.members[trackID] {
		out = append(out, s.predictions[id])
	}
	return out, nil
}

func (s *fakeStore) AttachPrediction(ctx context.Context, trackID, predictionID int64, reviewStatus models.ReviewStatus) error {
	s.members[trackID] = append(s.members[trackID], predictionID)
	p := s.predictions[predictionID]
	p.ReviewStatus = reviewStatus
	p.CameraObjectTrackID = &trackID
	s.predictions[predictionID] = p
	return nil
}

func (s *fakeStore) CreateTrack(ctx context.Context, track models.CameraObjectTrack, firstPredictionID int64) (int64, error) {
	id := s.nextTrackID
	s.nextTrackID++
	track.ID = id
	s.tracks[id] = track
	s.members[id] = []int64{firstPredictionID}
	p := s.predictions[firstPredictionID]
	p.CameraObjectTrackID = &id
	s.predictions[firstPredictionID] = p
	return id, nil
}

func (s *fakeStore) UpdateTrackAggregates(ctx context.Context, trackID int64, agg grouping.Aggregates, firstSeen, lastSeen float64) error {
	t := s.tracks[trackID]
	t.CentroidX, t.CentroidY = agg.CentroidX, agg.CentroidY
	t.AvgBBoxW, t.AvgBBoxH = agg.AvgBBoxW, agg.AvgBBoxH
	t.MemberCount = agg.MemberCount
	t.FirstSeen, t.LastSeen = firstSeen, lastSeen
	s.tracks[trackID] = t
	return nil
}

func (s *fakeStore) UpdateAnchor(ctx context.Context, trackID int64, status models.AnchorStatus, subtype, actualClass *string) error {
	t := s.tracks[trackID]
	t.AnchorStatus = status
	t.AnchorVehicleSubtype = subtype
	t.AnchorActualClass = actualClass
	s.tracks[trackID] = t
	return nil
}

func (s *fakeStore) SetPredictionReviewStatus(ctx context.Context, predictionID int64, status models.ReviewStatus) error {
	p := s.predictions[predictionID]
	p.ReviewStatus = status
	s.predictions[predictionID] = p
	return nil
}

func ts(v float64) *float64 { return &v }

func TestMatchNewPredictionsCreatesTrackWhenNoCandidate(t *testing.T) {
	store := newFakeStore()
	store.predictions[1] = PredictionContext{
		Prediction: models.Prediction{ID: 1, Scenario: "vehicle_detection", Confidence: 0.9, Timestamp: ts(1.0), BBox: &models.BBox{X: 0, Y: 0, W: 20, H: 20}},
		CameraID:   "cam1",
	}

	b := New(store, discardLogger())
	if err := b.MatchNewPredictions(context.Background(), []int64{1}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(store.tracks) != 1 {
		t.Fatalf("expected 1 track created, got %d", len(store.tracks))
	}
}

func TestMatchNewPredictionsAttachesAndInheritsApprovedAnchor(t *testing.T) {
	store := newFakeStore()
	store.tracks[1] = models.CameraObjectTrack{
		ID: 1, CameraID: "cam1", Scenario: "vehicle_detection",
		CentroidX: 100, CentroidY: 100, AvgBBoxW: 20, AvgBBoxH: 20,
		AnchorStatus: models.AnchorApproved, FirstSeen: 0, LastSeen: 2,
	}
	store.members[1] = []int64{100}
	store.predictions[100] = PredictionContext{
		Prediction: models.Prediction{ID: 100, Scenario: "vehicle_detection", Confidence: 0.8, Timestamp: ts(1), BBox: &models.BBox{X: 90, Y: 90, W: 20, H: 20}},
		CameraID:   "cam1",
	}
	store.predictions[2] = PredictionContext{
		Prediction: models.Prediction{ID: 2, Scenario: "vehicle_detection", Confidence: 0.9, Timestamp: ts(2.5), BBox: &models.BBox{X: 91, Y: 91, W: 20, H: 20}},
		CameraID:   "cam1",
	}

	b := New(store, discardLogger())
	if err := b.MatchNewPredictions(context.Background(), []int64{2}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(store.tracks) != 1 {
		t.Fatalf("expected the prediction to attach to the existing track, got %d tracks", len(store.tracks))
	}
	if store.predictions[2].ReviewStatus != models.ReviewAutoApproved {
		t.Errorf("expected auto_approved inherited from anchor, got %s", store.predictions[2].ReviewStatus)
	}
	if store.tracks[1].MemberCount != 2 {
		t.Errorf("expected rebuilt member count 2, got %d", store.tracks[1].MemberCount)
	}
}

func TestPropagateDecisionsUpdatesPendingMembers(t *testing.T) {
	store := newFakeStore()
	store.tracks[1] = models.CameraObjectTrack{ID: 1, CameraID: "cam1", AnchorStatus: models.AnchorApproved}
	store.members[1] = []int64{10, 11}
	store.predictions[10] = PredictionContext{Prediction: models.Prediction{ID: 10, ReviewStatus: models.ReviewPending}}
	store.predictions[11] = PredictionContext{Prediction: models.Prediction{ID: 11, ReviewStatus: models.ReviewPending}}

	b := New(store, discardLogger())
	result, err := b.PropagateDecisions(context.Background(), "cam1", false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.MembersUpdated != 2 {
		t.Errorf("expected 2 members updated, got %d", result.MembersUpdated)
	}
	if store.predictions[10].ReviewStatus != models.ReviewAutoApproved {
		t.Errorf("expected auto_approved, got %s", store.predictions[10].ReviewStatus)
	}
}

func TestPropagateDecisionsDryRunMakesNoChanges(t *testing.T) {
	store := newFakeStore()
	store.tracks[1] = models.CameraObjectTrack{ID: 1, CameraID: "cam1", AnchorStatus: models.AnchorApproved}
	store.members[1] = []int64{10}
	store.predictions[10] = PredictionContext{Prediction: models.Prediction{ID: 10, ReviewStatus: models.ReviewPending}}

	b := New(store, discardLogger())
	result, err := b.PropagateDecisions(context.Background(), "cam1", true)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.MembersUpdated != 1 {
		t.Errorf("expected dry run to still report 1 member, got %d", result.MembersUpdated)
	}
	if store.predictions[10].ReviewStatus != models.ReviewPending {
		t.Errorf("expected dry run to leave status untouched, got %s", store.predictions[10].ReviewStatus)
	}
}

func TestPropagateDecisionsDetectsConflict(t *testing.T) {
	store := newFakeStore()
	store.tracks[1] = models.CameraObjectTrack{ID: 1, CameraID: "cam1", AnchorStatus: models.AnchorRejected}
	store.members[1] = []int64{10}
	store.predictions[10] = PredictionContext{Prediction: models.Prediction{ID: 10, ReviewStatus: models.ReviewApproved}}

	b := New(store, discardLogger())
	result, err := b.PropagateDecisions(context.Background(), "cam1", false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.ConflictsDetected != 1 {
		t.Errorf("expected 1 conflict detected, got %d", result.ConflictsDetected)
	}
	if store.tracks[1].AnchorStatus != models.AnchorConflict {
		t.Errorf("expected track anchor status marked conflict, got %s", store.tracks[1].AnchorStatus)
	}
}

func TestResolveConflictRewritesAllMembers(t *testing.T) {
	store := newFakeStore()
	store.tracks[1] = models.CameraObjectTrack{ID: 1, CameraID: "cam1", AnchorStatus: models.AnchorConflict}
	store.members[1] = []int64{10, 11}
	store.predictions[10] = PredictionContext{Prediction: models.Prediction{ID: 10, ReviewStatus: models.ReviewApproved}}
	store.predictions[11] = PredictionContext{Prediction: models.Prediction{ID: 11, ReviewStatus: models.ReviewPending}}

	subtype := "sedan"
	b := New(store, discardLogger())
	if err := b.ResolveConflict(context.Background(), 1, "reject", &subtype, nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if store.tracks[1].AnchorStatus != models.AnchorRejected {
		t.Errorf("expected anchor rejected, got %s", store.tracks[1].AnchorStatus)
	}
	if store.predictions[10].ReviewStatus != models.ReviewRejected || store.predictions[11].ReviewStatus != models.ReviewRejected {
		t.Error("expected every member rewritten to rejected")
	}
}

func TestResolveConflictRejectsUnknownDecision(t *testing.T) {
	store := newFakeStore()
	store.tracks[1] = models.CameraObjectTrack{ID: 1, CameraID: "cam1"}
	b := New(store, discardLogger())
	if err := b.ResolveConflict(context.Background(), 1, "maybe", nil, nil); err == nil {
		t.Error("expected error for unrecognized decision")
	}
}

func TestRebuildStatsRecomputesAggregatesOnly(t *testing.T) {
	store := newFakeStore()
	store.tracks[1] = models.CameraObjectTrack{ID: 1, CameraID: "cam1", AnchorStatus: models.AnchorApproved, MemberCount: 1}
	store.members[1] = []int64{10, 11}
	store.predictions[10] = PredictionContext{Prediction: models.Prediction{ID: 10, Scenario: "vehicle_detection", Confidence: 0.5, Timestamp: ts(0), BBox: &models.BBox{X: 0, Y: 0, W: 10, H: 10}}}
	store.predictions[11] = PredictionContext{Prediction: models.Prediction{ID: 11, Scenario: "vehicle_detection", Confidence: 0.9, Timestamp: ts(1), BBox: &models.BBox{X: 0, Y: 0, W: 20, H: 20}}}

	b := New(store, discardLogger())
	if err := b.RebuildStats(context.Background(), 1); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if store.tracks[1].MemberCount != 2 {
		t.Errorf("expected member count 2 after rebuild, got %d", store.tracks[1].MemberCount)
	}
	if store.tracks[1].AnchorStatus != models.AnchorApproved {
		t.Error("expected anchor status untouched by rebuild")
	}
}

type fakeMaintainer struct {
	called int
}

func (m *fakeMaintainer) Maintain(ctx context.Context) error {
	m.called++
	return nil
}

func TestRebuildCameraStatsRebuildsEveryActiveTrackAndMaintains(t *testing.T) {
	store := newFakeStore()
	store.tracks[1] = models.CameraObjectTrack{ID: 1, CameraID: "cam1", MemberCount: 1}
	store.tracks[2] = models.CameraObjectTrack{ID: 2, CameraID: "cam1", MemberCount: 1}
	store.members[1] = []int64{10}
	store.members[2] = []int64{20}
	store.predictions[10] = PredictionContext{Prediction: models.Prediction{ID: 10, Scenario: "vehicle_detection", Confidence: 0.5, Timestamp: ts(0), BBox: &models.BBox{X: 0, Y: 0, W: 10, H: 10}}}
	store.predictions[20] = PredictionContext{Prediction: models.Prediction{ID: 20, Scenario: "vehicle_detection", Confidence: 0.5, Timestamp: ts(0), BBox: &models.BBox{X: 0, Y: 0, W: 10, H: 10}}}

	maint := &fakeMaintainer{}
	b := New(store, discardLogger()).WithMaintainer(maint)

	rebuilt, err := b.RebuildCameraStats(context.Background(), "cam1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rebuilt != 2 {
		t.Errorf("expected 2 tracks rebuilt, got %d", rebuilt)
	}
	if maint.called != 1 {
		t.Errorf("expected maintenance to run once, got %d", maint.called)
	}
}

func TestRebuildCameraStatsSkipsMaintenanceWhenNoActiveTracks(t *testing.T) {
	store := newFakeStore()
	maint := &fakeMaintainer{}
	b := New(store, discardLogger()).WithMaintainer(maint)

	rebuilt, err := b.RebuildCameraStats(context.Background(), "cam1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rebuilt != 0 {
		t.Errorf("expected 0 tracks rebuilt, got %d", rebuilt)
	}
	if maint.called != 0 {
		t.Errorf("expected no maintenance run, got %d", maint.called)
	}
}
