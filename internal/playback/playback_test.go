package playback_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/emberware/ember/internal/playback"
	"github.com/emberware/ember/pkg/audio"
	"github.com/emberware/ember/pkg/audio/mock"
)

var format = audio.Format{SampleRate: 24000, Channels: 1}

func waitForWritten(t *testing.T, s *mock.OutputStream, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if s.WrittenBytes() >= n {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d written bytes, have %d", n, s.WrittenBytes())
}

func TestPipeline_LazyAcquisition(t *testing.T) {
	dev := &mock.OutputDevice{}
	p := playback.New(dev, format, nil)

	if dev.CallCountOpen != 0 {
		t.Fatal("device opened before first use")
	}
	if err := p.Play(context.Background(), []byte{1, 2}); err != nil {
		t.Fatalf("Play: %v", err)
	}
	defer p.Cleanup()
	if dev.CallCountOpen != 1 {
		t.Fatalf("device opened %d times, want 1", dev.CallCountOpen)
	}
	if !p.Speaking() {
		t.Error("Speaking() = false after Play")
	}
	waitForWritten(t, dev.Streams[0], 2)
}

func TestPipeline_EnsureReadyIsIdempotent(t *testing.T) {
	dev := &mock.OutputDevice{}
	p := playback.New(dev, format, nil)

	for range 3 {
		if err := p.EnsureReady(context.Background()); err != nil {
			t.Fatalf("EnsureReady: %v", err)
		}
	}
	defer p.Cleanup()
	if dev.CallCountOpen != 1 {
		t.Errorf("device opened %d times, want 1", dev.CallCountOpen)
	}
}

func TestPipeline_HungStartIsRebuiltOnce(t *testing.T) {
	dev := &mock.OutputDevice{
		NextStream: &mock.OutputStream{StartBlocks: true},
	}
	p := playback.New(dev, format, nil, playback.WithResumeTimeout(30*time.Millisecond))

	if err := p.EnsureReady(context.Background()); err != nil {
		t.Fatalf("EnsureReady should succeed via rebuild: %v", err)
	}
	defer p.Cleanup()

	if dev.CallCountOpen != 2 {
		t.Errorf("device opened %d times, want 2 (hung stream discarded)", dev.CallCountOpen)
	}
	if got := dev.Streams[0].CallCountClose; got != 1 {
		t.Errorf("hung stream closed %d times, want 1", got)
	}
}

func TestPipeline_StartErrorIsNotRebuilt(t *testing.T) {
	dev := &mock.OutputDevice{
		NextStream: &mock.OutputStream{StartError: errors.New("device gone")},
	}
	p := playback.New(dev, format, nil)

	if err := p.EnsureReady(context.Background()); err == nil {
		t.Fatal("expected error from failing stream start")
	}
	if dev.CallCountOpen != 1 {
		t.Errorf("device opened %d times, want 1 (hard errors are not retried)", dev.CallCountOpen)
	}
}

func TestPipeline_StopFlushesQueueAndKeepsStream(t *testing.T) {
	dev := &mock.OutputDevice{}
	p := playback.New(dev, format, nil)

	if err := p.Play(context.Background(), []byte{1, 1}); err != nil {
		t.Fatalf("Play: %v", err)
	}
	for range 10 {
		p.Play(context.Background(), []byte{2, 2})
	}

	p.Stop()
	if p.QueueLen() != 0 {
		t.Errorf("QueueLen() = %d after Stop, want 0", p.QueueLen())
	}
	if p.Speaking() {
		t.Error("Speaking() = true after Stop")
	}
	if got := dev.Streams[0].CallCountClose; got != 0 {
		t.Error("Stop must not close the stream")
	}
	if got := dev.Streams[0].CallCountStop; got != 1 {
		t.Errorf("stream stopped %d times, want 1", got)
	}

	// The pipeline keeps working after an interruption.
	if err := p.Play(context.Background(), []byte{3, 3}); err != nil {
		t.Fatalf("Play after Stop: %v", err)
	}
	if !p.Speaking() {
		t.Error("Speaking() = false after resumed playback")
	}
	p.Cleanup()
}

func TestPipeline_StopReturnsWithEmptyQueue(t *testing.T) {
	dev := &mock.OutputDevice{}
	p := playback.New(dev, format, nil)

	if err := p.Play(context.Background(), []byte{1, 1}); err != nil {
		t.Fatalf("Play: %v", err)
	}
	// Let the loop drain the queue so Stop finds it empty.
	waitForWritten(t, dev.Streams[0], 2)

	done := make(chan struct{})
	go func() {
		p.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop blocked on an empty queue")
	}
	p.Cleanup()
}

func TestPipeline_ResumesVoicingAfterInterruption(t *testing.T) {
	stream := &mock.OutputStream{WriteRequiresStart: true}
	dev := &mock.OutputDevice{NextStream: stream}
	p := playback.New(dev, format, nil)

	if err := p.Play(context.Background(), []byte{1, 1}); err != nil {
		t.Fatalf("Play: %v", err)
	}
	waitForWritten(t, stream, 2)
	p.Stop()

	// The stopped stream must be restarted, not written to as-is.
	if err := p.Play(context.Background(), []byte{2, 2}); err != nil {
		t.Fatalf("Play after Stop: %v", err)
	}
	waitForWritten(t, stream, 4)

	if stream.CallCountStart != 2 {
		t.Errorf("stream started %d times, want 2", stream.CallCountStart)
	}
	if dev.CallCountOpen != 1 {
		t.Errorf("device opened %d times, want 1 (stream survives interruption)", dev.CallCountOpen)
	}
	p.Cleanup()
}

func TestPipeline_MarkTurnCompleteKeepsQueue(t *testing.T) {
	dev := &mock.OutputDevice{}
	p := playback.New(dev, format, nil)
	defer p.Cleanup()

	if err := p.Play(context.Background(), []byte{1, 1}); err != nil {
		t.Fatalf("Play: %v", err)
	}
	p.MarkTurnComplete()

	if p.Speaking() {
		t.Error("Speaking() = true after MarkTurnComplete")
	}
	// Trailing audio still drains.
	waitForWritten(t, dev.Streams[0], 2)
}

func TestPipeline_CleanupReleasesAndReacquires(t *testing.T) {
	dev := &mock.OutputDevice{}
	p := playback.New(dev, format, nil)

	if err := p.EnsureReady(context.Background()); err != nil {
		t.Fatalf("EnsureReady: %v", err)
	}
	p.Cleanup()
	p.Cleanup() // idempotent

	if got := dev.Streams[0].CallCountClose; got != 1 {
		t.Errorf("stream closed %d times, want 1", got)
	}
	if p.QueueLen() != 0 {
		t.Errorf("QueueLen() = %d after Cleanup", p.QueueLen())
	}

	// A later Play opens a fresh stream.
	if err := p.Play(context.Background(), []byte{9, 9}); err != nil {
		t.Fatalf("Play after Cleanup: %v", err)
	}
	defer p.Cleanup()
	if dev.CallCountOpen != 2 {
		t.Errorf("device opened %d times, want 2", dev.CallCountOpen)
	}
}

func TestPipeline_EmptyChunkIsIgnored(t *testing.T) {
	dev := &mock.OutputDevice{}
	p := playback.New(dev, format, nil)

	if err := p.Play(context.Background(), nil); err != nil {
		t.Fatalf("Play(nil): %v", err)
	}
	if dev.CallCountOpen != 0 {
		t.Error("empty chunk must not trigger device acquisition")
	}
	if p.Speaking() {
		t.Error("Speaking() = true after empty chunk")
	}
}
