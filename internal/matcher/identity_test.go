package matcher

import (
	"context"
	"testing"

	"github.com/groundtruth-studio/reid-pipeline/internal/models"
)

type fakeLinkSource struct {
	links []models.CrossCameraLink
}

func (f *fakeLinkSource) ListNonRejectedLinks(ctx context.Context, entityType models.TrackEntityType) ([]models.CrossCameraLink, error) {
	var out []models.CrossCameraLink
	for _, l := range f.links {
		if l.EntityType == entityType && l.Status != models.LinkRejected {
			out = append(out, l)
		}
	}
	return out, nil
}

type fakeIdentityStore struct {
	identified map[int64]*int64
}

func newFakeIdentityStore() *fakeIdentityStore {
	return &fakeIdentityStore{identified: make(map[int64]*int64)}
}

func (f *fakeIdentityStore) ListIdentifiedTrackIDs(ctx context.Context, entityType models.TrackEntityType) ([]int64, error) {
	var out []int64
	for id, identity := range f.identified {
		if identity != nil {
			out = append(out, id)
		}
	}
	return out, nil
}

func (f *fakeIdentityStore) SetIdentity(ctx context.Context, entityType models.TrackEntityType, trackID int64, identityID *int64) error {
	if identityID == nil {
		delete(f.identified, trackID)
		return nil
	}
	id := *identityID
	f.identified[trackID] = &id
	return nil
}

func link(a, b int64, status models.LinkStatus) models.CrossCameraLink {
	l := models.NewCrossCameraLink(a, b)
	l.EntityType = models.EntityVideoTrack
	l.Status = status
	return l
}

func TestResolveAssignsMinimumIDToComponent(t *testing.T) {
	links := &fakeLinkSource{links: []models.CrossCameraLink{
		link(3, 7, models.LinkAuto),
		link(7, 9, models.LinkConfirmed),
	}}
	store := newFakeIdentityStore()
	r := NewIdentityResolver(links, store, nil, discardLogger())

	result, err := r.Resolve(context.Background(), models.EntityVideoTrack)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Linked != 3 {
		t.Errorf("expected 3 tracks linked, got %d", result.Linked)
	}
	for _, id := range []int64{3, 7, 9} {
		identity := store.identified[id]
		if identity == nil || *identity != 3 {
			t.Errorf("expected track %d to carry identity 3, got %v", id, identity)
		}
	}
}

func TestResolveClearsOrphanedIdentityAfterRejection(t *testing.T) {
	store := newFakeIdentityStore()
	stale := int64(1)
	store.identified[1] = &stale
	store.identified[2] = &stale

	links := &fakeLinkSource{links: []models.CrossCameraLink{
		link(1, 2, models.LinkRejected), // now rejected, no longer unions
	}}
	r := NewIdentityResolver(links, store, nil, discardLogger())

	result, err := r.Resolve(context.Background(), models.EntityVideoTrack)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Cleared != 2 {
		t.Errorf("expected 2 tracks cleared, got %d", result.Cleared)
	}
	if store.identified[1] != nil || store.identified[2] != nil {
		t.Error("expected both tracks' identities to be cleared")
	}
}

func TestResolveLeavesSingletonsUnidentified(t *testing.T) {
	links := &fakeLinkSource{links: []models.CrossCameraLink{
		link(1, 2, models.LinkRejected),
	}}
	store := newFakeIdentityStore()
	r := NewIdentityResolver(links, store, nil, discardLogger())

	result, err := r.Resolve(context.Background(), models.EntityVideoTrack)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Linked != 0 || result.Cleared != 0 {
		t.Errorf("expected no writes for a fully-rejected pair with no prior identity, got %+v", result)
	}
}

func TestResolveIsIdempotent(t *testing.T) {
	links := &fakeLinkSource{links: []models.CrossCameraLink{link(1, 2, models.LinkAuto)}}
	store := newFakeIdentityStore()
	r := NewIdentityResolver(links, store, nil, discardLogger())

	if _, err := r.Resolve(context.Background(), models.EntityVideoTrack); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	second, err := r.Resolve(context.Background(), models.EntityVideoTrack)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if second.Linked != 2 || second.Cleared != 0 {
		t.Errorf("expected the second pass to re-assert the same identity, got %+v", second)
	}
}
