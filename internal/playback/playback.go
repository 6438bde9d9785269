// Package playback runs the output pipeline for inbound model audio:
// a lazily created device stream, a gapless playback queue, and immediate
// interruption without tearing the device down.
package playback

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/emberware/ember/pkg/audio"
)

// resumeTimeout bounds how long EnsureReady waits for the output stream to
// start. Some platforms have a resume path that never settles; past the
// timeout the stream is discarded and rebuilt once.
const resumeTimeout = 3 * time.Second

// queueCapacity is the playback queue depth. Inbound chunks arrive faster
// than real time, so the queue absorbs a whole utterance.
const queueCapacity = 256

// Option is a functional option for configuring the Pipeline.
type Option func(*Pipeline)

// WithResumeTimeout overrides the stream start timeout. Used by tests.
func WithResumeTimeout(d time.Duration) Option {
	return func(p *Pipeline) {
		if d > 0 {
			p.resumeTimeout = d
		}
	}
}

// Pipeline plays inbound PCM chunks through an output device.
type Pipeline struct {
	dev           audio.OutputDevice
	format        audio.Format
	log           *slog.Logger
	resumeTimeout time.Duration

	mu       sync.Mutex
	stream   audio.OutputStream
	queue    chan []byte
	done     chan struct{}
	cancel   context.CancelFunc
	speaking bool
	rebuilt  bool
	stopped  bool
}

// New creates a playback pipeline. The output stream is not acquired until
// the first EnsureReady or Play call.
func New(dev audio.OutputDevice, format audio.Format, log *slog.Logger, opts ...Option) *Pipeline {
	if log == nil {
		log = slog.Default()
	}
	p := &Pipeline{
		dev:           dev,
		format:        format,
		log:           log.With("component", "playback"),
		resumeTimeout: resumeTimeout,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// EnsureReady lazily opens and starts the output stream. When the stream's
// start hangs past the resume timeout, the stream is discarded and rebuilt
// once before giving up. Idempotent once the stream is live.
func (p *Pipeline) EnsureReady(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ensureReadyLocked(ctx)
}

func (p *Pipeline) ensureReadyLocked(ctx context.Context) error {
	if p.stream != nil && !p.stopped {
		return nil
	}

	if p.stream != nil {
		// An interruption left the stream stopped. Restart it in place;
		// reopen the device only if the restart fails.
		startCtx, cancel := context.WithTimeout(ctx, p.resumeTimeout)
		err := p.stream.Start(startCtx)
		cancel()
		if err != nil {
			p.log.Warn("restarting output stream failed, reopening device", "error", err)
			p.stream.Close()
			p.stream = nil
			p.queue = nil
		}
	}

	if p.stream == nil {
		stream, err := p.startStream(ctx)
		if err != nil {
			if !errors.Is(err, context.DeadlineExceeded) || p.rebuilt {
				return err
			}
			// Hung resume. Rebuild the stream once and retry.
			p.rebuilt = true
			p.log.Warn("output stream start hung, rebuilding once")
			stream, err = p.startStream(ctx)
			if err != nil {
				return err
			}
		}
		p.stream = stream
		p.queue = make(chan []byte, queueCapacity)
		p.log.Info("output stream ready", "format", p.format)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	p.done = make(chan struct{})
	p.cancel = cancel
	p.stopped = false
	go p.playLoop(runCtx, p.stream, p.queue, p.done)
	return nil
}

// startStream opens the device and starts the stream under the resume
// timeout. A stream whose Start does not settle in time is closed and the
// timeout error returned.
func (p *Pipeline) startStream(ctx context.Context) (audio.OutputStream, error) {
	stream, err := p.dev.Open(ctx, p.format)
	if err != nil {
		return nil, fmt.Errorf("playback: open output device: %w", err)
	}

	startCtx, cancel := context.WithTimeout(ctx, p.resumeTimeout)
	defer cancel()
	if err := stream.Start(startCtx); err != nil {
		stream.Close()
		if startCtx.Err() != nil && ctx.Err() == nil {
			return nil, fmt.Errorf("playback: output stream start: %w", context.DeadlineExceeded)
		}
		return nil, fmt.Errorf("playback: output stream start: %w", err)
	}
	return stream, nil
}

// playLoop drains the queue into the stream.
func (p *Pipeline) playLoop(ctx context.Context, stream audio.OutputStream, queue chan []byte, done chan struct{}) {
	defer close(done)
	for {
		select {
		case chunk, ok := <-queue:
			if !ok {
				return
			}
			if err := stream.Write(chunk); err != nil {
				p.log.Warn("writing to output stream", "error", err)
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

// Play enqueues a PCM chunk for gapless playback and marks the pipeline
// speaking. The stream is brought up lazily on first use. A full queue
// drops the chunk rather than blocking the receive loop.
func (p *Pipeline) Play(ctx context.Context, chunk []byte) error {
	if len(chunk) == 0 {
		return nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.ensureReadyLocked(ctx); err != nil {
		return err
	}
	p.speaking = true

	select {
	case p.queue <- chunk:
	default:
		p.log.Warn("playback queue full, dropping chunk", "bytes", len(chunk))
	}
	return nil
}

// Stop drops all queued audio and halts output immediately. The device
// stream stays open, stopped, and is restarted by the next Play. Used on
// interruption.
func (p *Pipeline) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.speaking = false
	if p.stream == nil || p.stopped {
		return
	}

	// Halt the play loop before stopping the stream so a chunk mid-write
	// cannot race the stop.
	p.cancel()
	<-p.done
	audio.Flush(p.queue)
	if err := p.stream.Stop(); err != nil {
		p.log.Warn("stopping output stream", "error", err)
	}
	p.stopped = true
}

// MarkTurnComplete clears the speaking flag without touching the queue.
// Trailing audio keeps draining after the server signals completion.
func (p *Pipeline) MarkTurnComplete() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.speaking = false
}

// Cleanup releases the output stream entirely. Used on session teardown.
// Idempotent; a later Play re-acquires the device.
func (p *Pipeline) Cleanup() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.speaking = false
	if p.stream == nil {
		return
	}

	p.cancel()
	<-p.done
	audio.Flush(p.queue)
	if err := p.stream.Close(); err != nil {
		p.log.Warn("closing output stream", "error", err)
	}
	p.stream = nil
	p.queue = nil
	p.cancel = nil
	p.done = nil
	p.rebuilt = false
	p.stopped = false
	p.log.Info("output stream released")
}

// Speaking reports whether model audio is currently being voiced.
func (p *Pipeline) Speaking() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.speaking
}

// QueueLen returns the number of chunks waiting to be written.
func (p *Pipeline) QueueLen() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.queue == nil {
		return 0
	}
	return len(p.queue)
}
