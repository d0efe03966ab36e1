package liveview

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/jpeg"
	"log"
	"net/http"
	"strings"
	"sync"

	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"

	"vigil/internal/pipeline"
)

// classColors picks the overlay color per detection class.
var classColors = map[pipeline.ObjectClass]color.RGBA{
	pipeline.ClassPerson:  {255, 255, 0, 255},
	pipeline.ClassVehicle: {0, 255, 255, 255},
	pipeline.ClassWeapon:  {255, 0, 0, 255},
	pipeline.ClassPackage: {255, 165, 0, 255},
	pipeline.ClassAnimal:  {0, 255, 0, 255},
	pipeline.ClassOther:   {200, 200, 200, 255},
}

// Viewer renders the pipeline's frames with detection overlays and serves
// them as MJPEG live streams and JPEG snapshots. It consumes frames the
// workers already captured; it never opens its own capture sessions.
type Viewer struct {
	mu      sync.RWMutex
	cameras map[string]*cameraView
}

type cameraView struct {
	mu      sync.RWMutex
	frame   []byte // latest rendered JPEG
	clients map[chan []byte]bool
}

// NewViewer creates an empty viewer.
func NewViewer() *Viewer {
	return &Viewer{cameras: make(map[string]*cameraView)}
}

// Update renders the frame with its observations drawn in and broadcasts it
// to the camera's live viewers. Frames with no observations pass through
// undecoded.
func (v *Viewer) Update(frame *pipeline.Frame, obs []pipeline.Observation) {
	if frame == nil || len(frame.Data) == 0 {
		return
	}

	rendered := frame.Data
	if len(obs) > 0 {
		rendered = renderOverlays(frame.Data, obs)
	}

	view := v.view(frame.CameraID)
	view.mu.Lock()
	view.frame = rendered
	for ch := range view.clients {
		select {
		case ch <- rendered:
		default:
			// Slow viewer, skip the frame.
		}
	}
	view.mu.Unlock()
}

// Remove drops the camera's view and disconnects its clients.
func (v *Viewer) Remove(cameraID string) {
	v.mu.Lock()
	view, ok := v.cameras[cameraID]
	if ok {
		delete(v.cameras, cameraID)
	}
	v.mu.Unlock()

	if !ok {
		return
	}
	view.mu.Lock()
	for ch := range view.clients {
		close(ch)
		delete(view.clients, ch)
	}
	view.mu.Unlock()
}

func (v *Viewer) view(cameraID string) *cameraView {
	v.mu.Lock()
	defer v.mu.Unlock()
	view, ok := v.cameras[cameraID]
	if !ok {
		view = &cameraView{clients: make(map[chan []byte]bool)}
		v.cameras[cameraID] = view
	}
	return view
}

func (v *Viewer) lookup(cameraID string) *cameraView {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.cameras[cameraID]
}

// ServeStream streams MJPEG to the client: /video/live/{camera_id}.
func (v *Viewer) ServeStream(w http.ResponseWriter, r *http.Request) {
	cameraID := lastPathPart(r.URL.Path)
	view := v.lookup(cameraID)
	if view == nil {
		http.Error(w, fmt.Sprintf("no live view for camera %s", cameraID), http.StatusNotFound)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "multipart/x-mixed-replace; boundary=frame")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	clientCh := make(chan []byte, 5)
	view.mu.Lock()
	view.clients[clientCh] = true
	view.mu.Unlock()

	defer func() {
		view.mu.Lock()
		delete(view.clients, clientCh)
		view.mu.Unlock()
	}()

	log.Printf("[LiveView] Client connected to camera %s", cameraID)

	for {
		select {
		case <-r.Context().Done():
			log.Printf("[LiveView] Client disconnected from camera %s", cameraID)
			return
		case frame, ok := <-clientCh:
			if !ok {
				return
			}
			fmt.Fprintf(w, "--frame\r\n")
			fmt.Fprintf(w, "Content-Type: image/jpeg\r\n")
			fmt.Fprintf(w, "Content-Length: %d\r\n\r\n", len(frame))
			w.Write(frame)
			fmt.Fprintf(w, "\r\n")
			flusher.Flush()
		}
	}
}

// ServeSnapshot serves the latest rendered frame: /video/snapshot/{camera_id}.
func (v *Viewer) ServeSnapshot(w http.ResponseWriter, r *http.Request) {
	cameraID := lastPathPart(r.URL.Path)
	view := v.lookup(cameraID)
	if view == nil {
		http.Error(w, fmt.Sprintf("no live view for camera %s", cameraID), http.StatusNotFound)
		return
	}

	view.mu.RLock()
	frame := view.frame
	view.mu.RUnlock()
	if frame == nil {
		http.Error(w, "no frame available", http.StatusServiceUnavailable)
		return
	}

	w.Header().Set("Content-Type", "image/jpeg")
	w.Header().Set("Content-Length", fmt.Sprintf("%d", len(frame)))
	w.Write(frame)
}

func lastPathPart(path string) string {
	parts := strings.Split(strings.TrimSuffix(path, "/"), "/")
	return parts[len(parts)-1]
}

// renderOverlays draws observation boxes and labels onto the JPEG. Frames
// that fail to decode pass through untouched.
func renderOverlays(jpegData []byte, obs []pipeline.Observation) []byte {
	img, err := jpeg.Decode(bytes.NewReader(jpegData))
	if err != nil {
		return jpegData
	}

	bounds := img.Bounds()
	rgba := image.NewRGBA(bounds)
	draw.Draw(rgba, bounds, img, bounds.Min, draw.Src)

	fw := float64(bounds.Dx())
	fh := float64(bounds.Dy())
	for _, o := range obs {
		c, ok := classColors[o.Class]
		if !ok {
			c = classColors[pipeline.ClassOther]
		}
		x := int(o.BBox.X * fw)
		y := int(o.BBox.Y * fh)
		w := int(o.BBox.W * fw)
		h := int(o.BBox.H * fh)
		drawBox(rgba, x, y, w, h, c, 2)

		label := fmt.Sprintf("%s %.0f%%", o.Class, o.Confidence*100)
		drawLabel(rgba, x, y-5, label, c)
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, rgba, &jpeg.Options{Quality: 85}); err != nil {
		return jpegData
	}
	return buf.Bytes()
}

// drawBox draws a rectangle outline.
func drawBox(img *image.RGBA, x, y, w, h int, c color.RGBA, thickness int) {
	bounds := img.Bounds()

	for t := 0; t < thickness; t++ {
		for i := x; i < x+w && i < bounds.Max.X; i++ {
			if y+t >= 0 && y+t < bounds.Max.Y && i >= 0 {
				img.Set(i, y+t, c)
			}
			if y+h-t >= 0 && y+h-t < bounds.Max.Y && i >= 0 {
				img.Set(i, y+h-t, c)
			}
		}
		for j := y; j < y+h && j < bounds.Max.Y; j++ {
			if x+t >= 0 && x+t < bounds.Max.X && j >= 0 {
				img.Set(x+t, j, c)
			}
			if x+w-t >= 0 && x+w-t < bounds.Max.X && j >= 0 {
				img.Set(x+w-t, j, c)
			}
		}
	}
}

// drawLabel draws text with a dark background strip.
func drawLabel(img *image.RGBA, x, y int, label string, c color.RGBA) {
	if y < 10 {
		y = 10
	}
	if x < 0 {
		x = 0
	}

	bgColor := color.RGBA{0, 0, 0, 180}
	textWidth := len(label) * 7
	for dy := -2; dy < 12; dy++ {
		for dx := -2; dx < textWidth+2; dx++ {
			px, py := x+dx, y+dy
			if px >= 0 && px < img.Bounds().Max.X && py >= 0 && py < img.Bounds().Max.Y {
				img.Set(px, py, bgColor)
			}
		}
	}

	d := &font.Drawer{
		Dst:  img,
		Src:  image.NewUniform(c),
		Face: basicfont.Face7x13,
		Dot:  fixed.Point26_6{X: fixed.I(x), Y: fixed.I(y + 10)},
	}
	d.DrawString(label)
}
