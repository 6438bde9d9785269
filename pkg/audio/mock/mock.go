// Package mock provides in-memory mock implementations of the
// [audio.InputDevice], [audio.InputStream], [audio.OutputDevice], and
// [audio.OutputStream] interfaces for use in unit tests.
//
// All mocks are safe for concurrent use. They record every method call so
// that tests can assert on call counts and arguments, and they expose
// exported fields that the test can set to control return values.
//
// Typical usage:
//
//	dev := &mock.InputDevice{}
//	stream, _ := dev.Open(ctx, audio.Format{SampleRate: 16000, Channels: 1}, 320)
//	dev.Streams[0].Emit(audio.Frame{Data: pcm})
package mock

import (
	"context"
	"errors"
	"sync"

	"github.com/emberware/ember/pkg/audio"
)

// ─── Input ────────────────────────────────────────────────────────────────────

// InputStream is a mock [audio.InputStream]. Use [InputStream.Emit] to push
// frames to the consumer.
type InputStream struct {
	mu     sync.Mutex
	ch     chan audio.Frame
	closed bool

	// CloseError is returned by [InputStream.Close].
	CloseError error

	// CallCountClose records how many times Close was called.
	CallCountClose int
}

// Frames implements [audio.InputStream].
func (s *InputStream) Frames() <-chan audio.Frame { return s.ch }

// Emit delivers a frame to the consumer. Frames emitted after Close are
// silently dropped.
func (s *InputStream) Emit(frame audio.Frame) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.ch <- frame
}

// Close implements [audio.InputStream]. Idempotent.
func (s *InputStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CallCountClose++
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
	return s.CloseError
}

// OpenCall records the arguments of one [InputDevice.Open] invocation.
type OpenCall struct {
	Format    audio.Format
	FrameSize int
}

// InputDevice is a mock [audio.InputDevice].
//
// OpenErrors is consumed one error per Open call; once exhausted (or where an
// entry is nil) Open succeeds and appends a new [InputStream] to Streams.
// This lets tests script "busy, busy, success" retry sequences.
type InputDevice struct {
	mu sync.Mutex

	// OpenErrors holds per-call errors, consumed in order.
	OpenErrors []error

	// OpenCalls records the arguments of every Open call.
	OpenCalls []OpenCall

	// Streams holds every stream successfully handed out, in order.
	Streams []*InputStream
}

// Open implements [audio.InputDevice].
func (d *InputDevice) Open(_ context.Context, format audio.Format, frameSize int) (audio.InputStream, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.OpenCalls = append(d.OpenCalls, OpenCall{Format: format, FrameSize: frameSize})

	if len(d.OpenErrors) > 0 {
		err := d.OpenErrors[0]
		d.OpenErrors = d.OpenErrors[1:]
		if err != nil {
			return nil, err
		}
	}

	s := &InputStream{ch: make(chan audio.Frame, 64)}
	d.Streams = append(d.Streams, s)
	return s, nil
}

// ─── Output ───────────────────────────────────────────────────────────────────

// OutputStream is a mock [audio.OutputStream]. Written chunks are recorded in
// Written for inspection.
type OutputStream struct {
	mu sync.Mutex

	// StartError is returned by [OutputStream.Start].
	StartError error

	// StartBlocks makes Start block until ctx is cancelled, simulating a
	// resume that never settles.
	StartBlocks bool

	// WriteError is returned by [OutputStream.Write].
	WriteError error

	// WriteRequiresStart makes Write fail while the stream is stopped,
	// matching hardware backends that reject writes on a stopped stream.
	WriteRequiresStart bool

	// Written accumulates every chunk passed to Write.
	Written [][]byte

	// CallCountStart, CallCountStop, CallCountClose record invocations.
	CallCountStart int
	CallCountStop  int
	CallCountClose int

	started bool
	closed  bool
}

// Start implements [audio.OutputStream].
func (s *OutputStream) Start(ctx context.Context) error {
	s.mu.Lock()
	s.CallCountStart++
	blocks := s.StartBlocks
	err := s.StartError
	if !blocks && err == nil {
		s.started = true
	}
	s.mu.Unlock()

	if blocks {
		<-ctx.Done()
		return ctx.Err()
	}
	return err
}

// Write implements [audio.OutputStream].
func (s *OutputStream) Write(pcm []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.WriteError != nil {
		return s.WriteError
	}
	if s.WriteRequiresStart && !s.started {
		return errors.New("mock: write on stopped stream")
	}
	buf := make([]byte, len(pcm))
	copy(buf, pcm)
	s.Written = append(s.Written, buf)
	return nil
}

// Stop implements [audio.OutputStream].
func (s *OutputStream) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CallCountStop++
	s.started = false
	return nil
}

// Close implements [audio.OutputStream]. Idempotent.
func (s *OutputStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CallCountClose++
	s.closed = true
	return nil
}

// WrittenBytes returns the total number of PCM bytes written so far.
func (s *OutputStream) WrittenBytes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, b := range s.Written {
		n += len(b)
	}
	return n
}

// OutputDevice is a mock [audio.OutputDevice].
type OutputDevice struct {
	mu sync.Mutex

	// OpenError is returned by every Open call when non-nil.
	OpenError error

	// NextStream, when non-nil, is handed out by the next Open call and then
	// cleared. Otherwise Open creates a fresh [OutputStream].
	NextStream *OutputStream

	// Streams holds every stream handed out, in order.
	Streams []*OutputStream

	// CallCountOpen records how many times Open was called.
	CallCountOpen int
}

// Open implements [audio.OutputDevice].
func (d *OutputDevice) Open(_ context.Context, _ audio.Format) (audio.OutputStream, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.CallCountOpen++
	if d.OpenError != nil {
		return nil, d.OpenError
	}

	s := d.NextStream
	d.NextStream = nil
	if s == nil {
		s = &OutputStream{}
	}
	d.Streams = append(d.Streams, s)
	return s, nil
}
