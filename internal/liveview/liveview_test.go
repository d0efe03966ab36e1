package liveview

import (
	"bytes"
	"image"
	"image/color"
	"image/jpeg"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vigil/internal/pipeline"
)

func encodedFrame(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	var buf bytes.Buffer
	require.NoError(t, jpeg.Encode(&buf, img, nil))
	return buf.Bytes()
}

func TestSnapshotServesLatestFrame(t *testing.T) {
	v := NewViewer()
	frame := &pipeline.Frame{
		CameraID:  "cam-0",
		FrameID:   1,
		Timestamp: time.Now(),
		Data:      encodedFrame(t, 64, 48),
	}
	v.Update(frame, nil)

	req := httptest.NewRequest("GET", "/video/snapshot/cam-0", nil)
	rec := httptest.NewRecorder()
	v.ServeSnapshot(rec, req)

	assert.Equal(t, 200, rec.Code)
	assert.Equal(t, "image/jpeg", rec.Header().Get("Content-Type"))
	assert.Equal(t, frame.Data, rec.Body.Bytes())
}

func TestSnapshotUnknownCamera(t *testing.T) {
	v := NewViewer()
	req := httptest.NewRequest("GET", "/video/snapshot/ghost", nil)
	rec := httptest.NewRecorder()
	v.ServeSnapshot(rec, req)
	assert.Equal(t, 404, rec.Code)
}

func TestOverlayChangesPixels(t *testing.T) {
	raw := encodedFrame(t, 160, 120)
	obs := []pipeline.Observation{{
		Class:      pipeline.ClassWeapon,
		Confidence: 0.9,
		BBox:       pipeline.BBox{X: 0.25, Y: 0.25, W: 0.5, H: 0.5},
	}}

	rendered := renderOverlays(raw, obs)
	require.NotEqual(t, raw, rendered)

	img, err := jpeg.Decode(bytes.NewReader(rendered))
	require.NoError(t, err)

	// The box edge runs through (40, 30..90): expect a strongly red pixel.
	r, g, b, _ := img.At(40, 60).RGBA()
	assert.Greater(t, r, uint32(0x8000))
	assert.Less(t, g, uint32(0x8000))
	assert.Less(t, b, uint32(0x8000))
}

func TestUndecodableFramePassesThrough(t *testing.T) {
	raw := []byte{0x00, 0x01, 0x02}
	rendered := renderOverlays(raw, []pipeline.Observation{{Class: pipeline.ClassPerson}})
	assert.Equal(t, raw, rendered)
}

func TestRemoveDisconnectsCamera(t *testing.T) {
	v := NewViewer()
	v.Update(&pipeline.Frame{CameraID: "cam-0", Data: encodedFrame(t, 32, 32)}, nil)
	v.Remove("cam-0")

	req := httptest.NewRequest("GET", "/video/snapshot/cam-0", nil)
	rec := httptest.NewRecorder()
	v.ServeSnapshot(rec, req)
	assert.Equal(t, 404, rec.Code)
}

func TestClassColorFallback(t *testing.T) {
	_, ok := classColors[pipeline.ObjectClass("mystery")]
	assert.False(t, ok)

	c := classColors[pipeline.ClassOther]
	assert.NotEqual(t, color.RGBA{}, c)
}
