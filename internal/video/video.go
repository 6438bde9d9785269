// Package video runs the optional camera pipeline: bounded-rate frame
// sampling, downscale and JPEG encoding, forwarding to the live connection,
// and a ring buffer of recent frames for later retrieval.
package video

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"log/slog"
	"sync"
	"time"

	"github.com/emberware/ember/internal/observe"
)

// Camera acquires a device and hands out a frame stream. Implementations
// wrap whatever capture backend the platform provides.
type Camera interface {
	Open(ctx context.Context, width, height int) (CameraStream, error)
}

// CameraStream reads raw frames from an open camera.
type CameraStream interface {
	// ReadFrame blocks until the next frame is available.
	ReadFrame(ctx context.Context) (image.Image, error)

	// Close releases the device. The OS only reclaims the camera once
	// every stream handle is closed.
	Close() error
}

// Sender receives encoded JPEG frames. Satisfied by live.Manager.
type Sender interface {
	SendVideo(jpeg []byte)
}

// Option is a functional option for configuring the Pipeline.
type Option func(*Pipeline)

// WithFrameInterval bounds the capture rate to one frame per interval.
func WithFrameInterval(d time.Duration) Option {
	return func(p *Pipeline) {
		if d > 0 {
			p.interval = d
		}
	}
}

// WithJPEGQuality sets the encoder quality in [1, 100].
func WithJPEGQuality(q int) Option {
	return func(p *Pipeline) {
		if q >= 1 && q <= 100 {
			p.quality = q
		}
	}
}

// WithBufferFrames sets the recent-frame ring capacity.
func WithBufferFrames(n int) Option {
	return func(p *Pipeline) {
		if n > 0 {
			p.ring = NewFrameBuffer(n)
		}
	}
}

// WithMetrics attaches a metrics instance.
func WithMetrics(m *observe.Metrics) Option {
	return func(p *Pipeline) {
		p.metrics = m
	}
}

// Pipeline samples, encodes, and forwards camera frames.
type Pipeline struct {
	cam      Camera
	send     Sender
	log      *slog.Logger
	metrics  *observe.Metrics
	width    int
	height   int
	interval time.Duration
	quality  int
	ring     *FrameBuffer

	mu      sync.Mutex
	stream  CameraStream
	cancel  context.CancelFunc
	done    chan struct{}
	running bool
}

// New creates a video pipeline targeting the given frame size.
func New(cam Camera, send Sender, width, height int, log *slog.Logger, opts ...Option) *Pipeline {
	if log == nil {
		log = slog.Default()
	}
	p := &Pipeline{
		cam:      cam,
		send:     send,
		log:      log.With("component", "video"),
		width:    width,
		height:   height,
		interval: 2 * time.Second,
		quality:  70,
		ring:     NewFrameBuffer(10),
	}
	for _, o := range opts {
		o(p)
	}
	if p.metrics == nil {
		p.metrics = observe.DefaultMetrics()
	}
	return p
}

// Start acquires the camera and begins the capture loop. Idempotent.
func (p *Pipeline) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return nil
	}

	stream, err := p.cam.Open(ctx, p.width, p.height)
	if err != nil {
		return fmt.Errorf("video: open camera: %w", err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	p.stream = stream
	p.cancel = cancel
	p.done = done
	p.running = true

	go p.captureLoop(runCtx, stream, done)
	p.log.Info("camera capture started", "width", p.width, "height", p.height, "interval", p.interval)
	return nil
}

// captureLoop samples one frame per interval until stopped.
func (p *Pipeline) captureLoop(ctx context.Context, stream CameraStream, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			frame, err := stream.ReadFrame(ctx)
			if err != nil {
				if ctx.Err() == nil && !errors.Is(err, context.Canceled) {
					p.log.Warn("reading camera frame", "error", err)
				}
				return
			}
			encoded, err := p.encode(frame)
			if err != nil {
				p.log.Warn("encoding camera frame", "error", err)
				continue
			}
			p.send.SendVideo(encoded)
			p.ring.Insert(encoded)
			p.metrics.RecordMediaChunk(ctx, "video")
		case <-ctx.Done():
			return
		}
	}
}

// encode downscales frame to the target size and JPEG-encodes it.
func (p *Pipeline) encode(frame image.Image) ([]byte, error) {
	scaled := downscale(frame, p.width, p.height)
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, scaled, &jpeg.Options{Quality: p.quality}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Stop releases the camera. Idempotent.
func (p *Pipeline) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	stream := p.stream
	cancel := p.cancel
	done := p.done
	p.stream = nil
	p.cancel = nil
	p.done = nil
	p.running = false
	p.mu.Unlock()

	cancel()
	if err := stream.Close(); err != nil {
		p.log.Warn("closing camera stream", "error", err)
	}
	<-done
	p.log.Info("camera capture stopped")
}

// Toggle starts the camera when stopped and stops it when running. Returns
// the new running state.
func (p *Pipeline) Toggle(ctx context.Context) (bool, error) {
	if p.Running() {
		p.Stop()
		return false, nil
	}
	if err := p.Start(ctx); err != nil {
		return false, err
	}
	return true, nil
}

// Running reports whether the camera is currently captured.
func (p *Pipeline) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

// RecentFrames returns the most recent k encoded frames in capture order.
func (p *Pipeline) RecentFrames(k int) [][]byte {
	return p.ring.Recent(k)
}

// downscale resizes img to width x height with nearest-neighbour sampling.
// Frames already at or below the target size pass through unchanged.
func downscale(img image.Image, width, height int) image.Image {
	b := img.Bounds()
	if b.Dx() <= width && b.Dy() <= height {
		return img
	}
	out := image.NewRGBA(image.Rect(0, 0, width, height))
	for y := range height {
		srcY := b.Min.Y + y*b.Dy()/height
		for x := range width {
			srcX := b.Min.X + x*b.Dx()/width
			out.Set(x, y, img.At(srcX, srcY))
		}
	}
	return out
}
