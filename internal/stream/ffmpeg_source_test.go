package stream

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"vigil/internal/pipeline"
)

func TestValidateSourceURL(t *testing.T) {
	for _, url := range []string{"rtsp://cam/stream", "http://cam/feed", "https://cam/feed", "/dev/video0"} {
		assert.NoError(t, validateSourceURL(url), url)
	}
	for _, url := range []string{"file:///clip.mp4", "ftp://cam/feed", "cam.local"} {
		assert.Error(t, validateSourceURL(url), url)
	}
}

// RTSP capture pins TCP transport and disables decoder buffering so frames
// reach the pipe as soon as they decode.
func TestFFmpegArgsRTSPLowLatency(t *testing.T) {
	cfg := pipeline.CameraConfig{CameraID: "cam-0", SourceURL: "rtsp://cam/stream", TargetFPS: 15}
	args := strings.Join(ffmpegArgs(cfg), " ")
	assert.Contains(t, args, "-rtsp_transport tcp")
	assert.Contains(t, args, "-fflags nobuffer")
	assert.Contains(t, args, "-flags low_delay")
	assert.Contains(t, args, "-r 15")
}

func TestFFmpegArgsHTTPLowLatency(t *testing.T) {
	cfg := pipeline.CameraConfig{CameraID: "cam-0", SourceURL: "http://cam/feed", TargetFPS: 10}
	args := strings.Join(ffmpegArgs(cfg), " ")
	assert.NotContains(t, args, "-rtsp_transport")
	assert.Contains(t, args, "-fflags nobuffer")
	assert.Contains(t, args, "-flags low_delay")
}

func TestFFmpegArgsDevice(t *testing.T) {
	cfg := pipeline.CameraConfig{CameraID: "cam-0", SourceURL: "/dev/video0", TargetFPS: 10, Width: 640, Height: 480}
	args := strings.Join(ffmpegArgs(cfg), " ")
	assert.Contains(t, args, "-f v4l2")
	assert.Contains(t, args, "-video_size 640x480")
	assert.Contains(t, args, "-framerate 10")
}

func TestExtractJPEGAcrossChunks(t *testing.T) {
	frame := []byte{0xFF, 0xD8, 0x01, 0x02, 0xFF, 0xD9}

	buffer := append([]byte{}, frame[:3]...)
	assert.Nil(t, extractJPEG(&buffer))

	buffer = append(buffer, frame[3:]...)
	got := extractJPEG(&buffer)
	assert.Equal(t, frame, got)
	assert.Empty(t, buffer)
}
