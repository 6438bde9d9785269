package video

import (
	"context"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"os"
	"sync"
)

// StillCamera replays a single image file as an endless frame stream. It
// stands in for a hardware camera during development and on platforms with
// no capture backend.
type StillCamera struct {
	path string
}

var _ Camera = (*StillCamera)(nil)

// NewStillCamera creates a camera that serves the image at path. The file is
// decoded once, on Open.
func NewStillCamera(path string) *StillCamera {
	return &StillCamera{path: path}
}

// Open decodes the image file and returns a stream replaying it.
func (s *StillCamera) Open(_ context.Context, _, _ int) (CameraStream, error) {
	f, err := os.Open(s.path)
	if err != nil {
		return nil, fmt.Errorf("video: open still source: %w", err)
	}
	defer f.Close()

	img, _, err := image.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("video: decode still source %q: %w", s.path, err)
	}
	return &stillStream{frame: img}, nil
}

type stillStream struct {
	mu     sync.Mutex
	frame  image.Image
	closed bool
}

func (s *stillStream) ReadFrame(ctx context.Context) (image.Image, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, fmt.Errorf("video: still stream closed")
	}
	return s.frame, nil
}

func (s *stillStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
