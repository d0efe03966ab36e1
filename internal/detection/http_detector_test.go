package detection

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vigil/internal/pipeline"
)

func inferenceServer(t *testing.T, detections []wireDetection) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(wireHealth{Status: "ok", ModelLoaded: true})
	})
	mux.HandleFunc("/detect", func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseMultipartForm(1<<20))
		file, _, err := r.FormFile("file")
		require.NoError(t, err)
		file.Close()
		assert.NotEmpty(t, r.FormValue("conf_threshold"))

		json.NewEncoder(w).Encode(wireResult{Detections: detections, Count: len(detections)})
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func testFrame() *pipeline.Frame {
	return &pipeline.Frame{
		CameraID:  "cam-0",
		FrameID:   7,
		Timestamp: time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC),
		Data:      []byte{0xFF, 0xD8, 0xFF, 0xD9},
		Width:     640,
		Height:    480,
	}
}

func TestHTTPDetectorMapsDetections(t *testing.T) {
	srv := inferenceServer(t, []wireDetection{
		{Class: "person", Confidence: 0.9, BBox: [4]float64{64, 48, 192, 240}},
		{Class: "knife", Confidence: 0.4, BBox: [4]float64{320, 240, 384, 300}},
		{Class: "unicycle", Confidence: 0.9, BBox: [4]float64{0, 0, 64, 48}},
	})

	d, err := NewHTTPDetector(HTTPConfig{Endpoint: srv.URL})
	require.NoError(t, err)
	defer d.Close()

	frame := testFrame()
	obs, err := d.Detect(context.Background(), frame)
	require.NoError(t, err)
	require.Len(t, obs, 3)

	person := obs[0]
	assert.Equal(t, "cam-0", person.CameraID)
	assert.Equal(t, pipeline.ClassPerson, person.Class)
	assert.Equal(t, frame.Timestamp, person.Timestamp)
	assert.NotEmpty(t, person.ID)
	// Pixel box normalized to the unit square.
	assert.InDelta(t, 0.1, person.BBox.X, 1e-9)
	assert.InDelta(t, 0.1, person.BBox.Y, 1e-9)
	assert.InDelta(t, 0.2, person.BBox.W, 1e-9)
	assert.InDelta(t, 0.4, person.BBox.H, 1e-9)

	knife := obs[1]
	assert.Equal(t, pipeline.ClassWeapon, knife.Class)
	assert.Equal(t, "knife", knife.Label)

	// Unknown labels map to other.
	assert.Equal(t, pipeline.ClassOther, obs[2].Class)
}

func TestHTTPDetectorAppliesPolicy(t *testing.T) {
	srv := inferenceServer(t, []wireDetection{
		{Class: "person", Confidence: 0.3, BBox: [4]float64{0, 0, 10, 10}},  // below person floor
		{Class: "knife", Confidence: 0.35, BBox: [4]float64{0, 0, 10, 10}}, // above weapon floor
	})

	d, err := NewHTTPDetector(HTTPConfig{Endpoint: srv.URL})
	require.NoError(t, err)
	defer d.Close()

	obs, err := d.Detect(context.Background(), testFrame())
	require.NoError(t, err)
	require.Len(t, obs, 1)
	assert.Equal(t, pipeline.ClassWeapon, obs[0].Class)
}

func TestHTTPDetectorInitFailsWhenServiceDown(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "loading", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	_, err := NewHTTPDetector(HTTPConfig{Endpoint: srv.URL})
	assert.Error(t, err)
}

func TestHTTPDetectorInitRequiresEndpoint(t *testing.T) {
	_, err := NewHTTPDetector(HTTPConfig{})
	assert.Error(t, err)
}

func TestHTTPDetectorInferenceFailureIsError(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(wireHealth{Status: "ok", ModelLoaded: true})
	})
	mux.HandleFunc("/detect", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "inference exploded", http.StatusInternalServerError)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	d, err := NewHTTPDetector(HTTPConfig{Endpoint: srv.URL})
	require.NoError(t, err)
	defer d.Close()

	_, err = d.Detect(context.Background(), testFrame())
	assert.Error(t, err)
}
