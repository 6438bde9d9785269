package video

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/jpeg"
	"sync"
	"testing"
	"time"
)

// ── FrameBuffer ───────────────────────────────────────────────────────────────

func frame(s string) []byte { return []byte(s) }

func TestFrameBuffer_OverwritesOldest(t *testing.T) {
	b := NewFrameBuffer(3)
	for _, s := range []string{"a", "b", "c", "d"} {
		b.Insert(frame(s))
	}

	got := b.Recent(3)
	want := []string{"b", "c", "d"}
	if len(got) != len(want) {
		t.Fatalf("Recent(3) returned %d frames, want %d", len(got), len(want))
	}
	for i := range want {
		if string(got[i]) != want[i] {
			t.Errorf("frame[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestFrameBuffer_NeverReturnsMoreThanAvailable(t *testing.T) {
	b := NewFrameBuffer(3)
	b.Insert(frame("a"))
	b.Insert(frame("b"))

	got := b.Recent(5)
	if len(got) != 2 {
		t.Fatalf("Recent(5) returned %d frames, want 2", len(got))
	}
	if string(got[0]) != "a" || string(got[1]) != "b" {
		t.Errorf("frames = [%q %q], want [a b]", got[0], got[1])
	}
}

func TestFrameBuffer_Empty(t *testing.T) {
	b := NewFrameBuffer(3)
	if got := b.Recent(1); got != nil {
		t.Errorf("Recent on empty buffer = %v, want nil", got)
	}
	if b.Len() != 0 {
		t.Errorf("Len() = %d, want 0", b.Len())
	}
}

func TestFrameBuffer_RecentDoesNotMutate(t *testing.T) {
	b := NewFrameBuffer(2)
	b.Insert(frame("a"))
	b.Insert(frame("b"))

	first := b.Recent(2)
	second := b.Recent(2)
	if len(first) != 2 || len(second) != 2 {
		t.Fatal("repeated reads should return the same frames")
	}
	if string(second[0]) != "a" || string(second[1]) != "b" {
		t.Errorf("second read = [%q %q], want [a b]", second[0], second[1])
	}
}

// ── Pipeline ──────────────────────────────────────────────────────────────────

// fakeCamera produces solid-colour test frames.
type fakeCamera struct {
	mu        sync.Mutex
	openErr   error
	openCalls int
	streams   []*fakeStream
	frameSize image.Rectangle
}

func (c *fakeCamera) Open(_ context.Context, width, height int) (CameraStream, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.openCalls++
	if c.openErr != nil {
		return nil, c.openErr
	}
	size := c.frameSize
	if size.Empty() {
		size = image.Rect(0, 0, width, height)
	}
	s := &fakeStream{size: size}
	c.streams = append(c.streams, s)
	return s, nil
}

type fakeStream struct {
	mu         sync.Mutex
	size       image.Rectangle
	closed     bool
	closeCalls int
}

func (s *fakeStream) ReadFrame(ctx context.Context) (image.Image, error) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed || ctx.Err() != nil {
		return nil, context.Canceled
	}
	img := image.NewRGBA(s.size)
	for y := s.size.Min.Y; y < s.size.Max.Y; y++ {
		for x := s.size.Min.X; x < s.size.Max.X; x++ {
			img.Set(x, y, color.RGBA{R: 200, G: 100, B: 50, A: 255})
		}
	}
	return img, nil
}

func (s *fakeStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.closeCalls++
	return nil
}

// videoSink records sent frames.
type videoSink struct {
	mu     sync.Mutex
	frames [][]byte
}

func (v *videoSink) SendVideo(jpeg []byte) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.frames = append(v.frames, jpeg)
}

func (v *videoSink) waitFor(t *testing.T, n int) [][]byte {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		v.mu.Lock()
		if len(v.frames) >= n {
			out := append([][]byte(nil), v.frames...)
			v.mu.Unlock()
			return out
		}
		v.mu.Unlock()
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("timed out waiting for frames")
	return nil
}

func TestPipeline_SendsEncodedFrames(t *testing.T) {
	cam := &fakeCamera{}
	sink := &videoSink{}
	p := New(cam, sink, 64, 48, nil, WithFrameInterval(10*time.Millisecond))

	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer p.Stop()

	frames := sink.waitFor(t, 2)

	// Every sent frame is a decodable JPEG at the target size.
	img, err := jpeg.Decode(bytes.NewReader(frames[0]))
	if err != nil {
		t.Fatalf("decoding sent frame: %v", err)
	}
	if got := img.Bounds(); got.Dx() != 64 || got.Dy() != 48 {
		t.Errorf("frame size = %dx%d, want 64x48", got.Dx(), got.Dy())
	}

	// Frames are mirrored into the ring buffer.
	if got := p.RecentFrames(1); len(got) != 1 {
		t.Error("sent frame missing from ring buffer")
	}
}

func TestPipeline_DownscalesLargeFrames(t *testing.T) {
	cam := &fakeCamera{frameSize: image.Rect(0, 0, 320, 240)}
	sink := &videoSink{}
	p := New(cam, sink, 64, 48, nil, WithFrameInterval(10*time.Millisecond))

	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer p.Stop()

	frames := sink.waitFor(t, 1)
	img, err := jpeg.Decode(bytes.NewReader(frames[0]))
	if err != nil {
		t.Fatalf("decoding sent frame: %v", err)
	}
	if got := img.Bounds(); got.Dx() != 64 || got.Dy() != 48 {
		t.Errorf("frame size = %dx%d, want downscaled 64x48", got.Dx(), got.Dy())
	}
}

func TestPipeline_StartIsIdempotent(t *testing.T) {
	cam := &fakeCamera{}
	p := New(cam, &videoSink{}, 64, 48, nil)

	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("first Start: %v", err)
	}
	defer p.Stop()
	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("second Start: %v", err)
	}
	if cam.openCalls != 1 {
		t.Errorf("camera opened %d times, want 1", cam.openCalls)
	}
}

func TestPipeline_StopReleasesCamera(t *testing.T) {
	cam := &fakeCamera{}
	p := New(cam, &videoSink{}, 64, 48, nil, WithFrameInterval(10*time.Millisecond))

	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	p.Stop()
	p.Stop() // idempotent

	if got := cam.streams[0].closeCalls; got != 1 {
		t.Errorf("stream closed %d times, want 1", got)
	}
	if p.Running() {
		t.Error("Running() = true after Stop")
	}
}

func TestPipeline_Toggle(t *testing.T) {
	cam := &fakeCamera{}
	p := New(cam, &videoSink{}, 64, 48, nil)

	on, err := p.Toggle(context.Background())
	if err != nil {
		t.Fatalf("first Toggle: %v", err)
	}
	if !on {
		t.Fatal("first Toggle should start the camera")
	}
	on, err = p.Toggle(context.Background())
	if err != nil {
		t.Fatalf("second Toggle: %v", err)
	}
	if on || p.Running() {
		t.Fatal("second Toggle should stop the camera")
	}
}

func TestDownscale_SmallFramePassesThrough(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 32, 24))
	out := downscale(img, 64, 48)
	if out != img {
		t.Error("frame at or below target size should pass through unchanged")
	}
}
