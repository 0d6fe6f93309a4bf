// Package dnn runs YOLO-family ONNX models in-process through OpenCV's DNN
// module.
package dnn

import (
	"bufio"
	"context"
	"fmt"
	"image"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"gocv.io/x/gocv"

	"github.com/GuruMachanica/KavachG/internal/detection"
	"github.com/GuruMachanica/KavachG/internal/framestream"
	"github.com/GuruMachanica/KavachG/internal/imgconv"
)

const (
	scoreThreshold = 0.25
	nmsThreshold   = 0.45
)

// Detector wraps one network. gocv.Net is not safe for concurrent use, so
// inference is serialized.
type Detector struct {
	mu        sync.Mutex
	net       gocv.Net
	labels    []string
	inputSize int
	loaded    bool
}

// Open loads <dir>/<kind>.onnx and its class names from <dir>/<kind>.names.
// A missing model yields a Detector that reports detection.ErrUnavailable
// instead of an error, so a stream can start before its model is deployed.
func Open(dir string, kind detection.Kind, inputSize int) (*Detector, error) {
	if inputSize <= 0 {
		inputSize = 640
	}
	d := &Detector{inputSize: inputSize}

	modelPath := filepath.Join(dir, string(kind)+".onnx")
	if _, err := os.Stat(modelPath); os.IsNotExist(err) {
		return d, nil
	}

	labels, err := readLabels(filepath.Join(dir, string(kind)+".names"))
	if err != nil {
		return nil, err
	}

	net := gocv.ReadNet(modelPath, "")
	if net.Empty() {
		return nil, fmt.Errorf("dnn: failed to load %s", modelPath)
	}
	if err := net.SetPreferableBackend(gocv.NetBackendDefault); err != nil {
		net.Close()
		return nil, fmt.Errorf("dnn: set backend: %w", err)
	}
	if err := net.SetPreferableTarget(gocv.NetTargetCPU); err != nil {
		net.Close()
		return nil, fmt.Errorf("dnn: set target: %w", err)
	}

	d.net = net
	d.labels = labels
	d.loaded = true
	return d, nil
}

func readLabels(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("dnn: labels: %w", err)
	}
	defer f.Close()

	var labels []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		if l := strings.TrimSpace(sc.Text()); l != "" {
			labels = append(labels, l)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("dnn: labels: %w", err)
	}
	if len(labels) == 0 {
		return nil, fmt.Errorf("dnn: %s lists no classes", path)
	}
	return labels, nil
}

func (d *Detector) Detect(ctx context.Context, frame *framestream.Frame) ([]detection.Detection, error) {
	if !d.loaded {
		return nil, detection.ErrUnavailable
	}
	if err := frame.Validate(); err != nil {
		return nil, err
	}

	mat, err := imgconv.ToMat(frame)
	if err != nil {
		return nil, err
	}
	defer mat.Close()

	d.mu.Lock()
	defer d.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	blob := gocv.BlobFromImage(mat, 1.0/255.0, image.Pt(d.inputSize, d.inputSize), gocv.NewScalar(0, 0, 0, 0), true, false)
	defer blob.Close()
	d.net.SetInput(blob, "")
	out := d.net.Forward("")
	defer out.Close()

	return d.decode(out, frame.Width, frame.Height)
}

// decode parses a [1, 4+classes, anchors] YOLOv8 head.
func (d *Detector) decode(out gocv.Mat, width, height int) ([]detection.Detection, error) {
	sizes := out.Size()
	if len(sizes) != 3 || sizes[1] != 4+len(d.labels) {
		return nil, fmt.Errorf("dnn: unexpected output shape %v for %d classes", sizes, len(d.labels))
	}
	rows, anchors := sizes[1], sizes[2]
	data, err := out.DataPtrFloat32()
	if err != nil {
		return nil, fmt.Errorf("dnn: read output: %w", err)
	}

	sx := float32(width) / float32(d.inputSize)
	sy := float32(height) / float32(d.inputSize)

	var (
		boxes   []image.Rectangle
		scores  []float32
		classes []int
	)
	for a := 0; a < anchors; a++ {
		best, cls := float32(0), -1
		for c := 4; c < rows; c++ {
			if s := data[c*anchors+a]; s > best {
				best, cls = s, c-4
			}
		}
		if best < scoreThreshold {
			continue
		}
		cx, cy := data[a], data[anchors+a]
		w, h := data[2*anchors+a], data[3*anchors+a]
		x1 := int((cx - w/2) * sx)
		y1 := int((cy - h/2) * sy)
		x2 := int((cx + w/2) * sx)
		y2 := int((cy + h/2) * sy)
		boxes = append(boxes, image.Rect(x1, y1, x2, y2))
		scores = append(scores, best)
		classes = append(classes, cls)
	}
	if len(boxes) == 0 {
		return nil, nil
	}

	keep := gocv.NMSBoxes(boxes, scores, scoreThreshold, nmsThreshold)
	dets := make([]detection.Detection, 0, len(keep))
	for _, i := range keep {
		r := boxes[i]
		dets = append(dets, detection.Detection{
			Box: detection.BoundingBox{
				X1: float64(max(r.Min.X, 0)),
				Y1: float64(max(r.Min.Y, 0)),
				X2: float64(min(r.Max.X, width)),
				Y2: float64(min(r.Max.Y, height)),
			},
			Confidence: float64(scores[i]),
			Label:      d.labels[classes[i]],
		})
	}
	return dets, nil
}

func (d *Detector) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.loaded {
		return nil
	}
	d.loaded = false
	return d.net.Close()
}
