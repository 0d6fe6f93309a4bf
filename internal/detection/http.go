package detection

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/GuruMachanica/KavachG/internal/framestream"
)

// HTTPDetector posts JPEG frames to an inference service at
// {endpoint}/{kind} and reads back a JSON list of detections:
//
//	[{"bbox":[x1,y1,x2,y2],"confidence":0.91,"label":"NO-Hardhat"}]
//
// A 503 response means the model is not loaded and maps to ErrUnavailable.
type HTTPDetector struct {
	url     string
	client  *http.Client
	quality int
}

// NewHTTPDetector targets one kind's route on the inference service.
func NewHTTPDetector(endpoint string, kind Kind, client *http.Client) *HTTPDetector {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &HTTPDetector{
		url:     strings.TrimRight(endpoint, "/") + "/" + string(kind),
		client:  client,
		quality: 85,
	}
}

type wireDetection struct {
	BBox       []float64 `json:"bbox"`
	Confidence float64   `json:"confidence"`
	Label      string    `json:"label"`
}

func (h *HTTPDetector) Detect(ctx context.Context, frame *framestream.Frame) ([]Detection, error) {
	body, err := framestream.EncodeJPEG(frame, h.quality)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "image/jpeg")

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("post %s: %w", h.url, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusServiceUnavailable, resp.StatusCode == http.StatusNotFound:
		io.Copy(io.Discard, resp.Body)
		return nil, fmt.Errorf("%s returned %d: %w", h.url, resp.StatusCode, ErrUnavailable)
	case resp.StatusCode != http.StatusOK:
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("%s returned %d: %s", h.url, resp.StatusCode, bytes.TrimSpace(msg))
	}

	var wire []wireDetection
	if err := json.NewDecoder(resp.Body).Decode(&wire); err != nil {
		return nil, fmt.Errorf("decode detections: %w", err)
	}

	out := make([]Detection, 0, len(wire))
	for _, w := range wire {
		if len(w.BBox) != 4 {
			continue
		}
		out = append(out, Detection{
			Box:        BoundingBox{X1: w.BBox[0], Y1: w.BBox[1], X2: w.BBox[2], Y2: w.BBox[3]},
			Confidence: w.Confidence,
			Label:      w.Label,
		})
	}
	return out, nil
}

func (h *HTTPDetector) Close() error {
	h.client.CloseIdleConnections()
	return nil
}
