package services

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/groundtruth-studio/reid-pipeline/internal/models"
)

// HTTPClientConfig configures one of the HTTP-backed service clients: a
// base address and a request timeout, mirroring the NVR detection
// client's ClientConfig{Address, Timeout}.
type HTTPClientConfig struct {
	Address string
	Timeout time.Duration
}

func baseURL(addr string) string {
	return fmt.Sprintf("http://%s", addr)
}

// DetectorClient is an HTTP-backed Detector, grounded on the NVR
// detection.Client's request/response shape, collapsed to the single
// Detect call this pipeline needs.
type DetectorClient struct {
	httpClient *http.Client
	baseURL    string
}

// NewDetectorClient builds a DetectorClient. cfg.Timeout <= 0 uses
// DetectionTimeout.
func NewDetectorClient(cfg HTTPClientConfig) *DetectorClient {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DetectionTimeout
	}
	return &DetectorClient{
		httpClient: &http.Client{Timeout: timeout},
		baseURL:    baseURL(cfg.Address),
	}
}

type detectRequestBody struct {
	ImageData     string  `json:"image_data"`
	MinConfidence float64 `json:"min_confidence"`
}

type detectResponseBody struct {
	Success    bool   `json:"success"`
	Error      string `json:"error"`
	Detections []struct {
		Label      string  `json:"label"`
		ClassID    int     `json:"class_id"`
		Confidence float64 `json:"confidence"`
		BBox       struct {
			X      float64 `json:"x"`
			Y      float64 `json:"y"`
			Width  float64 `json:"width"`
			Height float64 `json:"height"`
		} `json:"bbox"`
	} `json:"detections"`
}

// Detect posts frameImage to the detector service's /detect endpoint and
// decodes the returned bounding boxes.
func (c *DetectorClient) Detect(ctx context.Context, frameImage []byte, confidenceThreshold float64) ([]Detection, error) {
	body := detectRequestBody{
		ImageData:     base64.StdEncoding.EncodeToString(frameImage),
		MinConfidence: confidenceThreshold,
	}
	jsonBody, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal detect request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/detect", bytes.NewReader(jsonBody))
	if err != nil {
		return nil, fmt.Errorf("build detect request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("detect request failed: %w", err)
	}
	defer resp.Body.Close()

	var result detectResponseBody
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode detect response: %w", err)
	}
	if !result.Success && result.Error != "" {
		return nil, fmt.Errorf("detection failed: %s", result.Error)
	}

	detections := make([]Detection, 0, len(result.Detections))
	for _, d := range result.Detections {
		detections = append(detections, Detection{
			BBox:       models.BBox{X: d.BBox.X, Y: d.BBox.Y, W: d.BBox.Width, H: d.BBox.Height},
			ClassName:  d.Label,
			ClassID:    d.ClassID,
			Confidence: d.Confidence,
		})
	}
	return detections, nil
}

// EmbedderClient is an HTTP-backed Embedder.
type EmbedderClient struct {
	httpClient *http.Client
	baseURL    string
}

// NewEmbedderClient builds an EmbedderClient. cfg.Timeout <= 0 uses
// EmbeddingTimeout.
func NewEmbedderClient(cfg HTTPClientConfig) *EmbedderClient {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = EmbeddingTimeout
	}
	return &EmbedderClient{
		httpClient: &http.Client{Timeout: timeout},
		baseURL:    baseURL(cfg.Address),
	}
}

// Embed posts imageCrop to the embedding service's /embed endpoint and
// decodes the returned feature vector.
func (c *EmbedderClient) Embed(ctx context.Context, imageCrop []byte) ([]float32, error) {
	body := map[string]string{"image_data": base64.StdEncoding.EncodeToString(imageCrop)}
	jsonBody, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal embed request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/embed", bytes.NewReader(jsonBody))
	if err != nil {
		return nil, fmt.Errorf("build embed request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("embed request failed: %w", err)
	}
	defer resp.Body.Close()

	var result struct {
		Embedding []float32 `json:"embedding"`
		Error     string    `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode embed response: %w", err)
	}
	if result.Error != "" {
		return nil, fmt.Errorf("embedding failed: %s", result.Error)
	}
	return result.Embedding, nil
}

// ClipStoreClient is an HTTP-backed ClipStore, talking to whatever service
// retains the original NVR clip recordings.
type ClipStoreClient struct {
	httpClient *http.Client
	baseURL    string
}

// NewClipStoreClient builds a ClipStoreClient.
func NewClipStoreClient(cfg HTTPClientConfig) *ClipStoreClient {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &ClipStoreClient{
		httpClient: &http.Client{Timeout: timeout},
		baseURL:    baseURL(cfg.Address),
	}
}

// FetchClip retrieves a clip for eventID/cameraID into local storage.
func (c *ClipStoreClient) FetchClip(ctx context.Context, eventID, cameraID string) (FetchResult, error) {
	reqURL := fmt.Sprintf("%s/clips/%s?camera_id=%s", c.baseURL, url.PathEscape(eventID), url.QueryEscape(cameraID))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return FetchResult{}, fmt.Errorf("build fetch clip request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return FetchResult{Success: false, Error: err.Error()}, nil
	}
	defer resp.Body.Close()

	var result struct {
		Path    string `json:"path"`
		Success bool   `json:"success"`
		Error   string `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return FetchResult{}, fmt.Errorf("decode fetch clip response: %w", err)
	}
	return FetchResult{Path: result.Path, Success: result.Success, Error: result.Error}, nil
}

// ProbeClip asks the clip store to report a clip's decode-relevant
// properties without this process needing to open the file itself.
func (c *ClipStoreClient) ProbeClip(ctx context.Context, path string) (ClipProbe, error) {
	reqURL := fmt.Sprintf("%s/probe?path=%s", c.baseURL, url.QueryEscape(path))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return ClipProbe{}, fmt.Errorf("build probe request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return ClipProbe{}, fmt.Errorf("probe request failed: %w", err)
	}
	defer resp.Body.Close()

	var probe ClipProbe
	if err := json.NewDecoder(resp.Body).Decode(&probe); err != nil {
		return ClipProbe{}, fmt.Errorf("decode probe response: %w", err)
	}
	return probe, nil
}

// ExtractClip asks the clip store to cut a sub-clip starting at startTime
// for duration seconds, returning the extracted file's path.
func (c *ClipStoreClient) ExtractClip(ctx context.Context, src string, startTime, duration float64) (ExtractResult, error) {
	body := map[string]interface{}{
		"source":     src,
		"start_time": startTime,
		"duration":   duration,
	}
	jsonBody, err := json.Marshal(body)
	if err != nil {
		return ExtractResult{}, fmt.Errorf("marshal extract request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/extract", bytes.NewReader(jsonBody))
	if err != nil {
		return ExtractResult{}, fmt.Errorf("build extract request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return ExtractResult{}, fmt.Errorf("extract request failed: %w", err)
	}
	defer resp.Body.Close()

	var result struct {
		Path string `json:"path"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return ExtractResult{}, fmt.Errorf("decode extract response: %w", err)
	}
	return ExtractResult{Path: result.Path}, nil
}

// PTZClient is an HTTP-backed PTZDriver, talking to the same detection-
// service-style JSON API as DetectorClient and EmbedderClient.
type PTZClient struct {
	httpClient *http.Client
	baseURL    string
}

// NewPTZClient builds a PTZClient.
func NewPTZClient(cfg HTTPClientConfig) *PTZClient {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &PTZClient{
		httpClient: &http.Client{Timeout: timeout},
		baseURL:    baseURL(cfg.Address),
	}
}

func (c *PTZClient) post(ctx context.Context, path string, body interface{}) error {
	jsonBody, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal %s request: %w", path, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(jsonBody))
	if err != nil {
		return fmt.Errorf("build %s request: %w", path, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s request failed: %w", path, err)
	}
	defer resp.Body.Close()
	return nil
}

// Move issues a continuous pan/tilt velocity command.
func (c *PTZClient) Move(ctx context.Context, cameraID string, panVelocity, tiltVelocity float64) error {
	return c.post(ctx, "/ptz/move", map[string]interface{}{
		"camera_id": cameraID, "pan_velocity": panVelocity, "tilt_velocity": tiltVelocity,
	})
}

// Stop halts any in-progress motion.
func (c *PTZClient) Stop(ctx context.Context, cameraID string) error {
	return c.post(ctx, "/ptz/stop", map[string]interface{}{"camera_id": cameraID})
}

// AbsoluteMove drives the camera directly to a pan/tilt position.
func (c *PTZClient) AbsoluteMove(ctx context.Context, cameraID string, pan, tilt float64, zoom *float64) error {
	body := map[string]interface{}{"camera_id": cameraID, "pan": pan, "tilt": tilt}
	if zoom != nil {
		body["zoom"] = *zoom
	}
	return c.post(ctx, "/ptz/absolute_move", body)
}

// GetStatus reads the camera's current position.
func (c *PTZClient) GetStatus(ctx context.Context, cameraID string) (PTZStatus, error) {
	reqURL := fmt.Sprintf("%s/ptz/status?camera_id=%s", c.baseURL, url.QueryEscape(cameraID))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return PTZStatus{}, fmt.Errorf("build status request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return PTZStatus{}, fmt.Errorf("status request failed: %w", err)
	}
	defer resp.Body.Close()

	var status PTZStatus
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return PTZStatus{}, fmt.Errorf("decode status response: %w", err)
	}
	return status, nil
}
