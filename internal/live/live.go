// Package live serves the processed frames of each camera as an MJPEG
// stream, with the latest detections outlined.
package live

import (
	"bytes"
	"image"
	"image/color"
	"image/draw"
	"image/jpeg"
	"net/http"
	"sort"
	"sync"

	"github.com/hybridgroup/mjpeg"
	"go.uber.org/zap"

	"github.com/GuruMachanica/KavachG/internal/detection"
	"github.com/GuruMachanica/KavachG/internal/framestream"
)

var (
	anomalyColor = color.RGBA{255, 0, 0, 255}
	normalColor  = color.RGBA{0, 200, 0, 255}
)

// Overlay is one box to outline on the published frame.
type Overlay struct {
	Box     detection.BoundingBox
	Anomaly bool
}

// Registry owns one Publisher per camera.
type Registry struct {
	mu        sync.RWMutex
	streams   map[string]*Publisher
	quality   int
	frameSkip int
	logger    *zap.Logger
}

func NewRegistry(quality, frameSkip int, logger *zap.Logger) *Registry {
	if quality < 1 || quality > 100 {
		quality = 75
	}
	if frameSkip < 1 {
		frameSkip = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		streams:   make(map[string]*Publisher),
		quality:   quality,
		frameSkip: frameSkip,
		logger:    logger.Named("live"),
	}
}

// Publisher returns the camera's publisher, creating it on first use.
func (r *Registry) Publisher(camera string) *Publisher {
	r.mu.RLock()
	p, ok := r.streams[camera]
	r.mu.RUnlock()
	if ok {
		return p
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.streams[camera]; ok {
		return p
	}
	p = &Publisher{
		camera:    camera,
		stream:    mjpeg.NewStream(),
		quality:   r.quality,
		frameSkip: r.frameSkip,
		logger:    r.logger.With(zap.String("camera", camera)),
	}
	r.streams[camera] = p
	return p
}

// Cameras lists cameras with a publisher, sorted.
func (r *Registry) Cameras() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.streams))
	for name := range r.streams {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Handler serves GET /stream/{camera}.
func (r *Registry) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		camera := req.PathValue("camera")
		r.mu.RLock()
		p, ok := r.streams[camera]
		r.mu.RUnlock()
		if !ok {
			http.Error(w, "unknown camera", http.StatusNotFound)
			return
		}
		p.stream.ServeHTTP(w, req)
	}
}

// Publisher pushes frames of one camera to its MJPEG viewers.
type Publisher struct {
	camera    string
	stream    *mjpeg.Stream
	quality   int
	frameSkip int
	logger    *zap.Logger

	mu        sync.Mutex
	count     uint64
	published uint64
	last      []byte
}

// Publish encodes every frameSkip-th frame, outlines overlays and hands
// the JPEG to the stream.
func (p *Publisher) Publish(f *framestream.Frame, overlays []Overlay) {
	p.mu.Lock()
	p.count++
	skip := (p.count-1)%uint64(p.frameSkip) != 0
	p.mu.Unlock()
	if skip || f == nil {
		return
	}

	img := f.Image()
	if len(overlays) > 0 {
		rgba, ok := img.(*image.RGBA)
		if !ok {
			rgba = image.NewRGBA(img.Bounds())
			draw.Draw(rgba, rgba.Bounds(), img, img.Bounds().Min, draw.Src)
		}
		for _, o := range overlays {
			c := normalColor
			if o.Anomaly {
				c = anomalyColor
			}
			drawRect(rgba, o.Box, c, 2)
		}
		img = rgba
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: p.quality}); err != nil {
		p.logger.Debug("live frame encode failed", zap.Error(err))
		return
	}

	data := buf.Bytes()
	p.stream.UpdateJPEG(data)

	p.mu.Lock()
	p.published++
	p.last = data
	p.mu.Unlock()
}

// Latest returns the most recently published JPEG, or nil.
func (p *Publisher) Latest() []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.last
}

// Published counts frames actually sent to the stream.
func (p *Publisher) Published() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.published
}

func drawRect(img *image.RGBA, b detection.BoundingBox, c color.RGBA, thickness int) {
	r := image.Rect(int(b.X1), int(b.Y1), int(b.X2), int(b.Y2)).Intersect(img.Bounds())
	if r.Empty() {
		return
	}
	for t := 0; t < thickness; t++ {
		for x := r.Min.X; x < r.Max.X; x++ {
			img.SetRGBA(x, r.Min.Y+t, c)
			img.SetRGBA(x, r.Max.Y-1-t, c)
		}
		for y := r.Min.Y; y < r.Max.Y; y++ {
			img.SetRGBA(r.Min.X+t, y, c)
			img.SetRGBA(r.Max.X-1-t, y, c)
		}
	}
}
