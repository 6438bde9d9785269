// Package audio defines the frame types, PCM format utilities, and device
// interfaces used by the Ember media pipelines.
//
// The two device abstractions are:
//
//   - [InputDevice] — acquires a microphone and yields a stream of captured
//     [Frame] values.
//   - [OutputDevice] — acquires a speaker and accepts raw PCM for playback.
//
// Concrete implementations live in adapter subpackages (audio/portaudio for
// real hardware, audio/mock for tests). The interfaces are intentionally
// narrow so the capture and playback pipelines stay decoupled from the
// underlying audio backend.
package audio

import (
	"context"
	"errors"
	"time"
)

// Sentinel errors returned by device adapters. The capture pipeline branches
// on these: a busy device is retried a bounded number of times, a permission
// denial aborts immediately.
var (
	// ErrPermissionDenied indicates the OS refused access to the device.
	ErrPermissionDenied = errors.New("audio: device permission denied")

	// ErrDeviceBusy indicates the device exists but is held by another
	// process. Usually transient.
	ErrDeviceBusy = errors.New("audio: device busy")
)

// Format describes the sample rate and channel count of a PCM stream.
// All Ember streams are little-endian signed 16-bit.
type Format struct {
	SampleRate int
	Channels   int
}

// Frame is a single chunk of PCM audio moving through a pipeline. Frames are
// the atomic transport unit: captured from the input device, format-converted,
// and forwarded to the live connection as outbound media.
type Frame struct {
	// Data is little-endian int16 PCM.
	Data []byte

	// SampleRate in Hz (16000 for outbound speech, 24000 for model audio).
	SampleRate int

	// Channels is 1 for mono or 2 for stereo.
	Channels int

	// Timestamp is the capture time relative to stream start.
	Timestamp time.Duration
}

// InputStream is an open microphone stream. The Frames channel is closed when
// the stream is closed or the device fails.
type InputStream interface {
	// Frames returns the channel on which captured frames arrive. Consumers
	// must drain it promptly; slow consumers cause the adapter to drop frames
	// rather than block the device callback.
	Frames() <-chan Frame

	// Close releases the device. Idempotent.
	Close() error
}

// InputDevice acquires a microphone.
type InputDevice interface {
	// Open acquires the device and starts capture at the requested format,
	// delivering frameSize samples per frame. Returns [ErrPermissionDenied]
	// or [ErrDeviceBusy] for the corresponding OS failures.
	Open(ctx context.Context, format Format, frameSize int) (InputStream, error)
}

// OutputStream is an open speaker stream. Write blocks until the device has
// accepted the chunk, which paces the caller to real time.
type OutputStream interface {
	// Start resumes output. On some backends the underlying resume can hang
	// indefinitely; callers should bound it with ctx and rebuild the stream
	// on timeout.
	Start(ctx context.Context) error

	// Write queues pcm (little-endian int16) for playback.
	Write(pcm []byte) error

	// Stop pauses output without releasing the device.
	Stop() error

	// Close releases the device. Idempotent.
	Close() error
}

// OutputDevice acquires a speaker.
type OutputDevice interface {
	Open(ctx context.Context, format Format) (OutputStream, error)
}

// Flush discards everything currently buffered in ch without blocking.
// Safe on a nil channel. The channel stays open; concurrent senders are
// not waited for.
func Flush[T any](ch <-chan T) {
	for {
		select {
		case <-ch:
		default:
			return
		}
	}
}
