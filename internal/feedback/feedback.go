// Package feedback plays a low-volume ambient loop (a campfire recording)
// while the user is in focus mode, and ducks it whenever the assistant is
// speaking so the two never compete.
package feedback

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"sync"
	"time"

	"github.com/hajimehoshi/go-mp3"

	"github.com/emberware/ember/pkg/audio"
)

// duckFactor scales the ambient volume while the assistant speaks.
const duckFactor = 0.2

// chunkSamples is how many stereo sample pairs are written per iteration.
const chunkSamples = 2048

// Player loops a decoded MP3 asset through an output device.
type Player struct {
	dev      audio.OutputDevice
	log      *slog.Logger
	speaking func() bool

	pcm    []byte
	format audio.Format

	mu      sync.Mutex
	gain    float64
	cancel  context.CancelFunc
	done    chan struct{}
	playing bool
}

// NewPlayer decodes the MP3 asset at path and prepares it for looping.
// speaking reports whether assistant audio is currently voiced; it may be
// nil when no ducking is wanted.
func NewPlayer(path string, dev audio.OutputDevice, gain float64, speaking func() bool, log *slog.Logger) (*Player, error) {
	if log == nil {
		log = slog.Default()
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("feedback: open %q: %w", path, err)
	}
	defer f.Close()

	dec, err := mp3.NewDecoder(f)
	if err != nil {
		return nil, fmt.Errorf("feedback: decode %q: %w", path, err)
	}
	pcm, err := io.ReadAll(dec)
	if err != nil {
		return nil, fmt.Errorf("feedback: read %q: %w", path, err)
	}
	if len(pcm) == 0 {
		return nil, fmt.Errorf("feedback: %q decoded to no audio", path)
	}

	if gain < 0 {
		gain = 0
	}
	if gain > 1 {
		gain = 1
	}
	return &Player{
		dev:      dev,
		log:      log.With("component", "feedback"),
		speaking: speaking,
		pcm:      pcm,
		// go-mp3 always emits 16-bit stereo at the source rate.
		format: audio.Format{SampleRate: dec.SampleRate(), Channels: 2},
		gain:   gain,
	}, nil
}

// Start begins looping the ambient asset. Idempotent.
func (p *Player) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.playing {
		return nil
	}

	stream, err := p.dev.Open(ctx, p.format)
	if err != nil {
		return fmt.Errorf("feedback: open output device: %w", err)
	}
	if err := stream.Start(ctx); err != nil {
		stream.Close()
		return fmt.Errorf("feedback: start output stream: %w", err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	p.cancel = cancel
	p.done = done
	p.playing = true

	go p.loop(runCtx, stream, done)
	p.log.Info("ambient loop started", "rate", p.format.SampleRate, "gain", p.gain)
	return nil
}

// loop writes gain-scaled chunks in real time, wrapping at the end of the
// asset, until stopped.
func (p *Player) loop(ctx context.Context, stream audio.OutputStream, done chan struct{}) {
	defer close(done)
	defer stream.Close()

	chunkBytes := chunkSamples * 2 * p.format.Channels
	chunkDur := time.Duration(chunkSamples) * time.Second / time.Duration(p.format.SampleRate)
	ticker := time.NewTicker(chunkDur)
	defer ticker.Stop()

	offset := 0
	for {
		select {
		case <-ticker.C:
			end := offset + chunkBytes
			if end > len(p.pcm) {
				end = len(p.pcm)
			}
			chunk := p.scaled(p.pcm[offset:end])
			if err := stream.Write(chunk); err != nil {
				p.log.Warn("writing ambient audio", "error", err)
				return
			}
			offset = end
			if offset >= len(p.pcm) {
				offset = 0
			}
		case <-ctx.Done():
			return
		}
	}
}

// scaled returns a copy of pcm with the current gain applied, ducked while
// the assistant speaks.
func (p *Player) scaled(pcm []byte) []byte {
	gain := p.Gain()
	if p.speaking != nil && p.speaking() {
		gain *= duckFactor
	}
	out := make([]byte, len(pcm)&^1)
	for i := 0; i+1 < len(pcm); i += 2 {
		s := int16(uint16(pcm[i]) | uint16(pcm[i+1])<<8)
		v := math.Round(float64(s) * gain)
		if v > math.MaxInt16 {
			v = math.MaxInt16
		}
		if v < math.MinInt16 {
			v = math.MinInt16
		}
		sv := int16(v)
		out[i] = byte(sv)
		out[i+1] = byte(uint16(sv) >> 8)
	}
	return out
}

// Stop halts the loop and releases the device. Idempotent.
func (p *Player) Stop() {
	p.mu.Lock()
	if !p.playing {
		p.mu.Unlock()
		return
	}
	cancel := p.cancel
	done := p.done
	p.cancel = nil
	p.done = nil
	p.playing = false
	p.mu.Unlock()

	cancel()
	<-done
	p.log.Info("ambient loop stopped")
}

// Playing reports whether the loop is running.
func (p *Player) Playing() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.playing
}

// SetGain adjusts the ambient volume, clamped to [0, 1].
func (p *Player) SetGain(gain float64) {
	if gain < 0 {
		gain = 0
	}
	if gain > 1 {
		gain = 1
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.gain = gain
}

// Gain returns the current ambient volume.
func (p *Player) Gain() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.gain
}
