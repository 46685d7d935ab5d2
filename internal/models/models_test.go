package models

import "testing"

func TestBBoxArea(t *testing.T) {
	b := BBox{X: 0, Y: 0, W: 10, H: 5}
	if b.Area() != 50 {
		t.Errorf("expected area 50, got %f", b.Area())
	}

	degenerate := BBox{X: 0, Y: 0, W: 0, H: 5}
	if degenerate.Area() != 0 {
		t.Errorf("expected degenerate bbox area 0, got %f", degenerate.Area())
	}
}

func TestBBoxCentroid(t *testing.T) {
	b := BBox{X: 10, Y: 20, W: 4, H: 6}
	cx, cy := b.Centroid()
	if cx != 12 || cy != 23 {
		t.Errorf("expected centroid (12,23), got (%f,%f)", cx, cy)
	}
}

func TestBBoxDiagonal(t *testing.T) {
	b := BBox{X: 0, Y: 0, W: 3, H: 4}
	if d := b.Diagonal(); d != 5 {
		t.Errorf("expected diagonal 5, got %f", d)
	}
}

func TestNewCrossCameraLinkNormalizesOrder(t *testing.T) {
	link := NewCrossCameraLink(50, 10)
	if link.TrackAID != 10 || link.TrackBID != 50 {
		t.Errorf("expected (10,50), got (%d,%d)", link.TrackAID, link.TrackBID)
	}

	link2 := NewCrossCameraLink(10, 50)
	if link2.TrackAID != 10 || link2.TrackBID != 50 {
		t.Errorf("expected (10,50) unchanged, got (%d,%d)", link2.TrackAID, link2.TrackBID)
	}
}
