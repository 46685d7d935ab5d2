package ptz

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"gocv.io/x/gocv"

	"github.com/groundtruth-studio/reid-pipeline/internal/services"
)

// driverAdapter wraps a services.PTZDriver (the inbound interface the rest
// of the pipeline depends on) so it satisfies this package's narrower
// Driver interface -- the two differ only in GetStatus's return type.
type driverAdapter struct {
	inner services.PTZDriver
}

// AdaptDriver wraps driver so it satisfies Driver.
func AdaptDriver(driver services.PTZDriver) Driver {
	return &driverAdapter{inner: driver}
}

func (a *driverAdapter) Move(ctx context.Context, cameraID string, panVelocity, tiltVelocity float64) error {
	return a.inner.Move(ctx, cameraID, panVelocity, tiltVelocity)
}

func (a *driverAdapter) Stop(ctx context.Context, cameraID string) error {
	return a.inner.Stop(ctx, cameraID)
}

func (a *driverAdapter) AbsoluteMove(ctx context.Context, cameraID string, pan, tilt float64, zoom *float64) error {
	return a.inner.AbsoluteMove(ctx, cameraID, pan, tilt, zoom)
}

func (a *driverAdapter) GetStatus(ctx context.Context, cameraID string) (Status, error) {
	s, err := a.inner.GetStatus(ctx, cameraID)
	if err != nil {
		return Status{}, err
	}
	return Status{Pan: s.Pan, Tilt: s.Tilt, Zoom: s.Zoom}, nil
}

// HTTPFrameSource captures a live frame from a camera over HTTP, decoding
// the returned JPEG into a gocv.Mat with gocv.IMDecode.
type HTTPFrameSource struct {
	httpClient *http.Client
	baseURL    string
}

// NewHTTPFrameSource builds a frame source pointed at a camera snapshot
// service.
func NewHTTPFrameSource(address string, timeout time.Duration) *HTTPFrameSource {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPFrameSource{
		httpClient: &http.Client{Timeout: timeout},
		baseURL:    fmt.Sprintf("http://%s", address),
	}
}

// Capture fetches a single still frame for cameraID.
func (s *HTTPFrameSource) Capture(ctx context.Context, cameraID string) (CapturedFrame, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+"/snapshot?camera_id="+url.QueryEscape(cameraID), nil)
	if err != nil {
		return CapturedFrame{}, fmt.Errorf("build snapshot request: %w", err)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return CapturedFrame{}, fmt.Errorf("snapshot request failed: %w", err)
	}
	defer resp.Body.Close()

	buf := new(bytes.Buffer)
	if _, err := buf.ReadFrom(resp.Body); err != nil {
		return CapturedFrame{}, fmt.Errorf("read snapshot body: %w", err)
	}

	mat, err := gocv.IMDecode(buf.Bytes(), gocv.IMReadColor)
	if err != nil {
		return CapturedFrame{}, fmt.Errorf("decode snapshot: %w", err)
	}
	if mat.Empty() {
		return CapturedFrame{}, fmt.Errorf("decoded snapshot for camera %s is empty", cameraID)
	}

	return CapturedFrame{Width: mat.Cols(), Height: mat.Rows(), Mat: mat}, nil
}
