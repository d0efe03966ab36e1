package detection

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"vigil/internal/pipeline"
)

// healthCacheTTL bounds how often the inference service is probed.
const healthCacheTTL = 30 * time.Second

// HTTPConfig holds the remote inference client configuration.
type HTTPConfig struct {
	Endpoint string
	Timeout  time.Duration
	Policy   Policy
}

// HTTPDetector runs inference against a remote HTTP service: frames are
// posted as multipart JPEG uploads and detections come back as JSON.
type HTTPDetector struct {
	endpoint string
	client   *http.Client
	policy   Policy

	mu          sync.RWMutex
	healthCheck time.Time
}

// wireDetection is one detection in the service response. BBox is
// [x1, y1, x2, y2] in pixel coordinates of the submitted frame.
type wireDetection struct {
	Class      string     `json:"class"`
	Confidence float64    `json:"confidence"`
	BBox       [4]float64 `json:"bbox"`
	Embedding  []float64  `json:"embedding,omitempty"`
}

type wireResult struct {
	Detections      []wireDetection `json:"detections"`
	Count           int             `json:"count"`
	InferenceTimeMs float64         `json:"inference_time_ms"`
}

type wireHealth struct {
	Status      string `json:"status"`
	ModelLoaded bool   `json:"model_loaded"`
}

// NewHTTPDetector validates the config and probes the service once. A
// failed probe is an init failure: the caller must not start without a
// working detector.
func NewHTTPDetector(cfg HTTPConfig) (*HTTPDetector, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("detector endpoint required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.Policy.MaxDetections == 0 {
		cfg.Policy = DefaultPolicy()
	}
	if err := cfg.Policy.Validate(); err != nil {
		return nil, err
	}

	d := &HTTPDetector{
		endpoint: cfg.Endpoint,
		client:   &http.Client{Timeout: cfg.Timeout},
		policy:   cfg.Policy,
	}
	if !d.probe() {
		return nil, fmt.Errorf("inference service at %s not ready", cfg.Endpoint)
	}
	return d, nil
}

// Name implements pipeline.Detector.
func (d *HTTPDetector) Name() string { return "http" }

// IsHealthy implements pipeline.Detector. Probe results are cached to avoid
// hammering the service health endpoint from every worker.
func (d *HTTPDetector) IsHealthy() bool {
	d.mu.RLock()
	fresh := time.Since(d.healthCheck) < healthCacheTTL
	d.mu.RUnlock()
	if fresh {
		return true
	}
	return d.probe()
}

func (d *HTTPDetector) probe() bool {
	resp, err := d.client.Get(d.endpoint + "/health")
	if err != nil {
		return false
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return false
	}
	var health wireHealth
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		return false
	}
	if !health.ModelLoaded {
		return false
	}

	d.mu.Lock()
	d.healthCheck = time.Now()
	d.mu.Unlock()
	return true
}

// Detect implements pipeline.Detector.
func (d *HTTPDetector) Detect(ctx context.Context, frame *pipeline.Frame) ([]pipeline.Observation, error) {
	var b bytes.Buffer
	w := multipart.NewWriter(&b)

	fw, err := w.CreateFormFile("file", "frame.jpg")
	if err != nil {
		return nil, err
	}
	if _, err := fw.Write(frame.Data); err != nil {
		return nil, err
	}
	w.WriteField("conf_threshold", fmt.Sprintf("%.3f", d.policy.MinThreshold()))
	w.Close()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.endpoint+"/detect", &b)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", w.FormDataContentType())

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("inference request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("inference service returned %d: %s", resp.StatusCode, body)
	}

	var result wireResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decoding inference response: %w", err)
	}

	obs := make([]pipeline.Observation, 0, len(result.Detections))
	for _, det := range result.Detections {
		o := pipeline.Observation{
			ID:         uuid.New().String(),
			CameraID:   frame.CameraID,
			Class:      pipeline.NormalizeClass(det.Class),
			Label:      det.Class,
			Confidence: det.Confidence,
			BBox:       normalizeBBox(det.BBox, frame.Width, frame.Height),
			Features:   det.Embedding,
			Timestamp:  frame.Timestamp,
		}
		obs = append(obs, o)
	}
	return d.policy.Apply(obs), nil
}

// Close implements pipeline.Detector.
func (d *HTTPDetector) Close() error {
	d.client.CloseIdleConnections()
	return nil
}

// normalizeBBox converts a pixel-space [x1,y1,x2,y2] box to the unit square.
// Boxes already in [0,1] (or frames without known dimensions) pass through.
func normalizeBBox(b [4]float64, width, height int) pipeline.BBox {
	x1, y1, x2, y2 := b[0], b[1], b[2], b[3]
	if width > 0 && height > 0 && (x2 > 1 || y2 > 1) {
		fw, fh := float64(width), float64(height)
		x1, x2 = x1/fw, x2/fw
		y1, y2 = y1/fh, y2/fh
	}
	x1, y1 = clampUnit(x1), clampUnit(y1)
	x2, y2 = clampUnit(x2), clampUnit(y2)
	if x2 < x1 {
		x1, x2 = x2, x1
	}
	if y2 < y1 {
		y1, y2 = y2, y1
	}
	return pipeline.BBox{X: x1, Y: y1, W: x2 - x1, H: y2 - y1}
}

func clampUnit(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
