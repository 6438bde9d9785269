// Package capture runs the microphone pipeline: device acquisition with
// bounded retries, conversion to the upload format, and forwarding each
// frame to the live connection.
package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/emberware/ember/internal/observe"
	"github.com/emberware/ember/pkg/audio"
)

// Sender receives converted PCM frames. Satisfied by live.Manager.
type Sender interface {
	SendAudio(pcm []byte)
}

// busyRetryDelay is the pause between attempts when the device reports busy.
const busyRetryDelay = 300 * time.Millisecond

// Option is a functional option for configuring the Pipeline.
type Option func(*Pipeline)

// WithFrameSize sets the per-frame sample count requested from the device.
func WithFrameSize(n int) Option {
	return func(p *Pipeline) {
		if n > 0 {
			p.frameSize = n
		}
	}
}

// WithDeviceRetries sets how many times a busy device is retried.
func WithDeviceRetries(n int) Option {
	return func(p *Pipeline) {
		if n >= 0 {
			p.retries = n
		}
	}
}

// WithMetrics attaches a metrics instance. Defaults to the package-level
// instruments.
func WithMetrics(m *observe.Metrics) Option {
	return func(p *Pipeline) {
		p.metrics = m
	}
}

// Pipeline captures microphone audio and forwards converted frames.
type Pipeline struct {
	dev       audio.InputDevice
	send      Sender
	conv      audio.Converter
	log       *slog.Logger
	metrics   *observe.Metrics
	frameSize int
	retries   int

	mu        sync.Mutex
	stream    audio.InputStream
	cancel    context.CancelFunc
	done      chan struct{}
	recording bool

	volume atomicFloat
}

// New creates a capture pipeline converting device audio to target before
// handing it to send.
func New(dev audio.InputDevice, send Sender, target audio.Format, log *slog.Logger, opts ...Option) *Pipeline {
	if log == nil {
		log = slog.Default()
	}
	p := &Pipeline{
		dev:       dev,
		send:      send,
		conv:      audio.Converter{Target: target},
		log:       log.With("component", "capture"),
		frameSize: 1024,
		retries:   3,
	}
	for _, o := range opts {
		o(p)
	}
	if p.metrics == nil {
		p.metrics = observe.DefaultMetrics()
	}
	return p
}

// Start acquires the microphone and begins forwarding frames. Calling Start
// while already recording is a no-op. A busy device is retried a bounded
// number of times; a permission failure aborts immediately.
func (p *Pipeline) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.recording {
		return nil
	}

	stream, err := p.open(ctx)
	if err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	p.stream = stream
	p.cancel = cancel
	p.done = done
	p.recording = true

	go p.forwardLoop(runCtx, stream, done)
	p.log.Info("microphone capture started", "target", p.conv.Target)
	return nil
}

// open acquires the input stream, retrying busy devices.
func (p *Pipeline) open(ctx context.Context) (audio.InputStream, error) {
	var lastErr error
	for attempt := 0; attempt <= p.retries; attempt++ {
		stream, err := p.dev.Open(ctx, p.conv.Target, p.frameSize)
		if err == nil {
			return stream, nil
		}
		if errors.Is(err, audio.ErrPermissionDenied) {
			return nil, fmt.Errorf("capture: microphone access denied: %w", err)
		}
		if !errors.Is(err, audio.ErrDeviceBusy) {
			return nil, fmt.Errorf("capture: open microphone: %w", err)
		}
		lastErr = err
		p.log.Warn("microphone busy, retrying", "attempt", attempt+1, "max", p.retries+1)
		select {
		case <-time.After(busyRetryDelay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return nil, fmt.Errorf("capture: microphone busy after %d attempts: %w", p.retries+1, lastErr)
}

// forwardLoop converts and forwards frames until the stream closes or the
// pipeline stops.
func (p *Pipeline) forwardLoop(ctx context.Context, stream audio.InputStream, done chan struct{}) {
	defer close(done)
	for {
		select {
		case frame, ok := <-stream.Frames():
			if !ok {
				p.log.Debug("input stream closed")
				return
			}
			converted := p.conv.Convert(frame)
			if len(converted.Data) == 0 {
				continue
			}
			p.volume.store(audio.RMS16(converted.Data))
			p.send.SendAudio(converted.Data)
			p.metrics.RecordMediaChunk(ctx, "audio")
		case <-ctx.Done():
			return
		}
	}
}

// Stop releases the microphone. Idempotent.
func (p *Pipeline) Stop() {
	p.mu.Lock()
	if !p.recording {
		p.mu.Unlock()
		return
	}
	stream := p.stream
	cancel := p.cancel
	done := p.done
	p.stream = nil
	p.cancel = nil
	p.done = nil
	p.recording = false
	p.mu.Unlock()

	cancel()
	if err := stream.Close(); err != nil {
		p.log.Warn("closing input stream", "error", err)
	}
	<-done
	p.volume.store(0)
	p.log.Info("microphone capture stopped")
}

// Toggle starts capture when stopped and stops it when running. Returns the
// new recording state.
func (p *Pipeline) Toggle(ctx context.Context) (bool, error) {
	if p.Recording() {
		p.Stop()
		return false, nil
	}
	if err := p.Start(ctx); err != nil {
		return false, err
	}
	return true, nil
}

// Recording reports whether the microphone is currently captured.
func (p *Pipeline) Recording() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.recording
}

// Volume returns the most recent input level in [0, 1].
func (p *Pipeline) Volume() float64 {
	return p.volume.load()
}

// atomicFloat stores a float64 via its bit pattern.
type atomicFloat struct {
	bits atomic.Uint64
}

func (a *atomicFloat) store(v float64) { a.bits.Store(math.Float64bits(v)) }
func (a *atomicFloat) load() float64   { return math.Float64frombits(a.bits.Load()) }
