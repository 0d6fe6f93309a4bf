// Package webcam captures raw frames from local cameras through
// pion/mediadevices (V4L2 on Linux, AVFoundation on macOS).
package webcam

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pion/mediadevices"
	_ "github.com/pion/mediadevices/pkg/driver/camera" // registers the camera adapter
	"github.com/pion/mediadevices/pkg/io/video"
	"github.com/pion/mediadevices/pkg/prop"

	"github.com/GuruMachanica/KavachG/internal/framestream"
)

// Camera describes an available video input.
type Camera struct {
	DeviceID string
	Label    string
}

// ListCameras enumerates video inputs known to the registered drivers.
func ListCameras() []Camera {
	var out []Camera
	for _, d := range mediadevices.EnumerateDevices() {
		if d.Kind == mediadevices.VideoInput {
			out = append(out, Camera{DeviceID: d.DeviceID, Label: d.Label})
		}
	}
	return out
}

// Options constrain the capture format. Zero values let the driver choose.
type Options struct {
	Width  int
	Height int
	FPS    float64
}

// Source is a framestream.Source reading raw (unencoded) frames from a
// mediadevices video track.
type Source struct {
	name   string
	stream mediadevices.MediaStream
	track  *mediadevices.VideoTrack
	reader video.Reader
	fps    float64

	mu     sync.Mutex
	closed bool
}

// Open starts capturing from the camera whose DeviceID or Label equals device.
func Open(name, device string, opts Options) (*Source, error) {
	var found *mediadevices.MediaDeviceInfo
	for _, d := range mediadevices.EnumerateDevices() {
		d := d
		if d.Kind == mediadevices.VideoInput && (d.DeviceID == device || d.Label == device) {
			found = &d
			break
		}
	}
	if found == nil {
		return nil, &framestream.SourceError{Source: name, Op: "open", Err: fmt.Errorf("no camera %q", device)}
	}

	// no codec selector: raw frames only
	constraints := mediadevices.MediaStreamConstraints{
		Video: func(c *mediadevices.MediaTrackConstraints) {
			c.DeviceID = prop.String(found.DeviceID)
			if opts.Width > 0 && opts.Height > 0 {
				c.Width = prop.IntExact(opts.Width)
				c.Height = prop.IntExact(opts.Height)
			}
			if opts.FPS > 0 {
				c.FrameRate = prop.FloatExact(float32(opts.FPS))
			}
		},
	}
	stream, err := mediadevices.GetUserMedia(constraints)
	if err != nil {
		return nil, &framestream.SourceError{Source: name, Op: "open", Err: fmt.Errorf("get user media: %w", err)}
	}

	tracks := stream.GetVideoTracks()
	if len(tracks) == 0 {
		return nil, &framestream.SourceError{Source: name, Op: "open", Err: fmt.Errorf("no video tracks")}
	}
	vt, ok := tracks[0].(*mediadevices.VideoTrack)
	if !ok {
		tracks[0].Close()
		return nil, &framestream.SourceError{Source: name, Op: "open", Err: fmt.Errorf("track is %T, not a video track", tracks[0])}
	}

	return &Source{
		name:   name,
		stream: stream,
		track:  vt,
		reader: vt.NewReader(false),
		fps:    opts.FPS,
	}, nil
}

func (s *Source) FPS() float64 { return s.fps }

func (s *Source) Read(ctx context.Context) (*framestream.Frame, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, &framestream.SourceError{Source: s.name, Op: "read", Err: fmt.Errorf("camera closed")}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	img, release, err := s.reader.Read()
	if err != nil {
		return nil, &framestream.SourceError{Source: s.name, Op: "read", Err: err}
	}
	defer func() {
		if release != nil {
			release()
		}
	}()

	// copy out before release hands the buffer back to the driver
	frame, err := framestream.FromImage(img, time.Now(), 0)
	if err != nil {
		return nil, &framestream.SourceError{Source: s.name, Op: "decode", Err: err}
	}
	return frame, nil
}

func (s *Source) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	var firstErr error
	for _, t := range s.stream.GetTracks() {
		if err := t.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
