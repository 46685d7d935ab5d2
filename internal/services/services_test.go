package services

import "context"

// fakeDetector and fakeEmbedder exist only to confirm the interfaces are
// satisfiable by a minimal implementation; compile-time checks below.
type fakeDetector struct{}

func (fakeDetector) Detect(ctx context.Context, frameImage []byte, confidenceThreshold float64) ([]Detection, error) {
	return nil, nil
}

type fakeEmbedder struct{}

func (fakeEmbedder) Embed(ctx context.Context, imageCrop []byte) ([]float32, error) {
	return nil, nil
}

type fakeClipStore struct{}

func (fakeClipStore) FetchClip(ctx context.Context, eventID, cameraID string) (FetchResult, error) {
	return FetchResult{}, nil
}
func (fakeClipStore) ProbeClip(ctx context.Context, path string) (ClipProbe, error) {
	return ClipProbe{}, nil
}
func (fakeClipStore) ExtractClip(ctx context.Context, src string, startTime, duration float64) (ExtractResult, error) {
	return ExtractResult{}, nil
}

type fakePTZDriver struct{}

func (fakePTZDriver) Move(ctx context.Context, cameraID string, panVelocity, tiltVelocity float64) error {
	return nil
}
func (fakePTZDriver) Stop(ctx context.Context, cameraID string) error { return nil }
func (fakePTZDriver) AbsoluteMove(ctx context.Context, cameraID string, pan, tilt float64, zoom *float64) error {
	return nil
}
func (fakePTZDriver) GetStatus(ctx context.Context, cameraID string) (PTZStatus, error) {
	return PTZStatus{}, nil
}

var (
	_ Detector  = fakeDetector{}
	_ Embedder  = fakeEmbedder{}
	_ ClipStore = fakeClipStore{}
	_ PTZDriver = fakePTZDriver{}
)
