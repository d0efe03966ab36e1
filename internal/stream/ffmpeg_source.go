package stream

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os/exec"
	"strings"

	"vigil/internal/pipeline"
)

// ffmpegSource captures frames by running ffmpeg as a subprocess, decoding
// the source into an MJPEG stream on stdout.
type ffmpegSource struct {
	cfg pipeline.CameraConfig
}

func newFFmpegSource(cfg pipeline.CameraConfig) frameSource {
	return &ffmpegSource{cfg: cfg}
}

func isNetworkSource(url string) bool {
	return strings.HasPrefix(url, "rtsp://") ||
		strings.HasPrefix(url, "http://") ||
		strings.HasPrefix(url, "https://")
}

// validateSourceURL rejects urls no capture backend supports. It is checked
// at worker construction so a bad url fails the add, not the first connect.
func validateSourceURL(url string) error {
	if isNetworkSource(url) || strings.HasPrefix(url, "/dev/") {
		return nil
	}
	return fmt.Errorf("unsupported source url %q", url)
}

// ffmpegArgs builds the capture invocation. Decoder buffering is disabled so
// frames reach the pipe as soon as they decode.
func ffmpegArgs(cfg pipeline.CameraConfig) []string {
	url := cfg.SourceURL
	switch {
	case strings.HasPrefix(url, "rtsp://"):
		return []string{
			"-rtsp_transport", "tcp",
			"-fflags", "nobuffer",
			"-flags", "low_delay",
			"-i", url,
			"-f", "image2pipe",
			"-vcodec", "mjpeg",
			"-r", fmt.Sprintf("%d", cfg.TargetFPS),
			"-q:v", "5",
			"-",
		}
	case isNetworkSource(url):
		return []string{
			"-fflags", "nobuffer",
			"-flags", "low_delay",
			"-i", url,
			"-f", "image2pipe",
			"-vcodec", "mjpeg",
			"-r", fmt.Sprintf("%d", cfg.TargetFPS),
			"-q:v", "5",
			"-",
		}
	default:
		// V4L2 device
		return []string{
			"-f", "v4l2",
			"-video_size", fmt.Sprintf("%dx%d", cfg.Width, cfg.Height),
			"-framerate", fmt.Sprintf("%d", cfg.TargetFPS),
			"-i", url,
			"-f", "image2pipe",
			"-vcodec", "mjpeg",
			"-q:v", "5",
			"-",
		}
	}
}

func (s *ffmpegSource) open(ctx context.Context) (frameSession, error) {
	if err := validateSourceURL(s.cfg.SourceURL); err != nil {
		return nil, &PermanentSourceError{Reason: err.Error()}
	}

	cmd := exec.CommandContext(ctx, "ffmpeg", ffmpegArgs(s.cfg)...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, &PermanentSourceError{Reason: fmt.Sprintf("starting ffmpeg: %v", err)}
	}

	// Drain stderr so ffmpeg never blocks on a full pipe.
	go func() {
		scanner := bufio.NewScanner(stderr)
		for scanner.Scan() {
		}
	}()

	return &ffmpegSession{
		cmd:    cmd,
		stdout: stdout,
		buffer: make([]byte, 0, 1<<20),
		chunk:  make([]byte, 8192),
	}, nil
}

type ffmpegSession struct {
	cmd    *exec.Cmd
	stdout io.ReadCloser
	buffer []byte
	chunk  []byte
}

// read blocks until a complete JPEG arrives on the pipe.
func (s *ffmpegSession) read() ([]byte, error) {
	for {
		if frame := extractJPEG(&s.buffer); frame != nil {
			return frame, nil
		}
		n, err := s.stdout.Read(s.chunk)
		if n > 0 {
			s.buffer = append(s.buffer, s.chunk[:n]...)
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("reading ffmpeg output: %w", err)
		}
	}
}

func (s *ffmpegSession) close() error {
	if s.cmd.Process != nil {
		s.cmd.Process.Kill()
	}
	s.stdout.Close()
	return s.cmd.Wait()
}

// extractJPEG pulls one complete JPEG (FFD8 .. FFD9) out of the buffer,
// consuming it, or returns nil when no complete frame is present yet.
func extractJPEG(buffer *[]byte) []byte {
	buf := *buffer
	if len(buf) < 4 {
		return nil
	}

	start := -1
	for i := 0; i < len(buf)-1; i++ {
		if buf[i] == 0xFF && buf[i+1] == 0xD8 {
			start = i
			break
		}
	}
	if start == -1 {
		return nil
	}

	end := -1
	for i := start + 2; i < len(buf)-1; i++ {
		if buf[i] == 0xFF && buf[i+1] == 0xD9 {
			end = i + 2
			break
		}
	}
	if end == -1 {
		return nil
	}

	frame := make([]byte, end-start)
	copy(frame, buf[start:end])
	*buffer = buf[end:]
	return frame
}
