// Package portaudio adapts the PortAudio blocking-stream API to the
// [audio.InputDevice] and [audio.OutputDevice] interfaces.
//
// PortAudio's library initialisation is reference counted: each open stream
// holds one Initialize/Terminate pair, so the adapter needs no global state
// beyond what the C library itself manages.
package portaudio

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	pa "github.com/gordonklaus/portaudio"

	"github.com/emberware/ember/pkg/audio"
)

// Compile-time interface assertions.
var (
	_ audio.InputDevice  = (*Microphone)(nil)
	_ audio.OutputDevice = (*Speaker)(nil)
)

// classifyErr maps PortAudio failures onto the audio package's sentinel
// errors so the capture pipeline can pick the right recovery strategy.
// PortAudio reports both conditions only as message text.
func classifyErr(op string, err error) error {
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "permission"), strings.Contains(msg, "access denied"):
		return fmt.Errorf("portaudio: %s: %w", op, audio.ErrPermissionDenied)
	case strings.Contains(msg, "unavailable"), strings.Contains(msg, "busy"), strings.Contains(msg, "in use"):
		return fmt.Errorf("portaudio: %s: %w", op, audio.ErrDeviceBusy)
	default:
		return fmt.Errorf("portaudio: %s: %w", op, err)
	}
}

// ─── Microphone ───────────────────────────────────────────────────────────────

// Microphone is an [audio.InputDevice] backed by the default PortAudio input.
type Microphone struct{}

// NewMicrophone returns a Microphone using the system default input device.
func NewMicrophone() *Microphone { return &Microphone{} }

// Open implements [audio.InputDevice]. A background goroutine performs
// blocking reads of frameSize samples and forwards them on the stream's
// Frames channel; frames are dropped (not queued) when the consumer lags.
func (m *Microphone) Open(_ context.Context, format audio.Format, frameSize int) (audio.InputStream, error) {
	if err := pa.Initialize(); err != nil {
		return nil, classifyErr("initialize", err)
	}

	buf := make([]int16, frameSize*format.Channels)
	stream, err := pa.OpenDefaultStream(format.Channels, 0, float64(format.SampleRate), frameSize, buf)
	if err != nil {
		_ = pa.Terminate()
		return nil, classifyErr("open input", err)
	}
	if err := stream.Start(); err != nil {
		_ = stream.Close()
		_ = pa.Terminate()
		return nil, classifyErr("start input", err)
	}

	in := &inputStream{
		stream: stream,
		buf:    buf,
		format: format,
		frames: make(chan audio.Frame, 32),
		done:   make(chan struct{}),
	}
	go in.readLoop()
	return in, nil
}

type inputStream struct {
	stream *pa.Stream
	buf    []int16
	format audio.Format
	frames chan audio.Frame

	done      chan struct{}
	closeOnce sync.Once
}

func (s *inputStream) Frames() <-chan audio.Frame { return s.frames }

// readLoop performs blocking reads until the stream is closed. It owns the
// frames channel and closes it on exit.
func (s *inputStream) readLoop() {
	defer close(s.frames)
	start := time.Now()

	for {
		select {
		case <-s.done:
			return
		default:
		}

		if err := s.stream.Read(); err != nil {
			return
		}

		pcm := make([]byte, len(s.buf)*2)
		for i, v := range s.buf {
			pcm[i*2] = byte(v)
			pcm[i*2+1] = byte(v >> 8)
		}
		frame := audio.Frame{
			Data:       pcm,
			SampleRate: s.format.SampleRate,
			Channels:   s.format.Channels,
			Timestamp:  time.Since(start),
		}

		select {
		case s.frames <- frame:
		case <-s.done:
			return
		default:
			// Consumer is behind; drop rather than stall the device.
		}
	}
}

func (s *inputStream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		_ = s.stream.Stop()
		err = s.stream.Close()
		_ = pa.Terminate()
	})
	return err
}

// ─── Speaker ──────────────────────────────────────────────────────────────────

// outputFrameSize is the number of samples written to the device per blocking
// write. Small enough that an interrupt is audible within ~40 ms at 24 kHz.
const outputFrameSize = 960

// Speaker is an [audio.OutputDevice] backed by the default PortAudio output.
type Speaker struct{}

// NewSpeaker returns a Speaker using the system default output device.
func NewSpeaker() *Speaker { return &Speaker{} }

// Open implements [audio.OutputDevice].
func (sp *Speaker) Open(_ context.Context, format audio.Format) (audio.OutputStream, error) {
	if err := pa.Initialize(); err != nil {
		return nil, classifyErr("initialize", err)
	}

	buf := make([]int16, outputFrameSize*format.Channels)
	stream, err := pa.OpenDefaultStream(0, format.Channels, float64(format.SampleRate), outputFrameSize, buf)
	if err != nil {
		_ = pa.Terminate()
		return nil, classifyErr("open output", err)
	}

	return &outputStream{stream: stream, buf: buf}, nil
}

type outputStream struct {
	stream *pa.Stream
	buf    []int16

	mu        sync.Mutex
	leftover  []int16
	started   bool
	closeOnce sync.Once
}

// Start resumes the device. The underlying call is run in a goroutine so a
// hung resume can be abandoned via ctx; the stream must then be rebuilt.
func (s *outputStream) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	errCh := make(chan error, 1)
	go func() { errCh <- s.stream.Start() }()

	select {
	case err := <-errCh:
		if err != nil {
			return classifyErr("start output", err)
		}
		s.mu.Lock()
		s.started = true
		s.mu.Unlock()
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Write queues pcm for playback, blocking in outputFrameSize slices. A
// trailing partial slice is held until the next Write or Stop.
func (s *outputStream) Write(pcm []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	samples := s.leftover
	s.leftover = nil
	for i := 0; i+1 < len(pcm); i += 2 {
		samples = append(samples, int16(pcm[i])|int16(pcm[i+1])<<8)
	}

	for len(samples) >= len(s.buf) {
		copy(s.buf, samples[:len(s.buf)])
		samples = samples[len(s.buf):]
		if err := s.stream.Write(); err != nil {
			return classifyErr("write output", err)
		}
	}
	s.leftover = samples
	return nil
}

func (s *outputStream) Stop() error {
	s.mu.Lock()
	s.leftover = nil
	started := s.started
	s.started = false
	s.mu.Unlock()

	if !started {
		return nil
	}
	if err := s.stream.Abort(); err != nil {
		return classifyErr("stop output", err)
	}
	return nil
}

func (s *outputStream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		_ = s.Stop()
		err = s.stream.Close()
		_ = pa.Terminate()
	})
	return err
}
