// Package config provides the configuration schema and loader for the
// Ember session engine.
package config

import "time"

// LogLevel controls log verbosity for the Ember process.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Config is the root configuration structure for Ember.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Live     LiveConfig     `yaml:"live"`
	Coach    CoachConfig    `yaml:"coach"`
	Auth     AuthConfig     `yaml:"auth"`
	Audio    AudioConfig    `yaml:"audio"`
	Video    VideoConfig    `yaml:"video"`
	Session  SessionConfig  `yaml:"session"`
	Focus    FocusConfig    `yaml:"focus"`
	Feedback FeedbackConfig `yaml:"feedback"`
}

// ServerConfig holds process-level settings.
type ServerConfig struct {
	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`

	// MetricsAddr is the TCP address the Prometheus scrape endpoint listens
	// on (e.g., ":9464"). Empty disables the endpoint.
	MetricsAddr string `yaml:"metrics_addr"`
}

// LiveConfig configures the duplex connection to the conversational backend.
type LiveConfig struct {
	// Model is the backend model identifier (e.g., "gemini-2.0-flash-live-001").
	// Empty selects the built-in default.
	Model string `yaml:"model"`

	// BaseURL overrides the backend WebSocket endpoint. Leave empty to use
	// the production endpoint.
	BaseURL string `yaml:"base_url"`

	// Voice selects the prebuilt speech voice (e.g., "Aoede").
	Voice string `yaml:"voice"`

	// APIKey is a static backend credential. When empty, ephemeral
	// credentials are fetched through the auth endpoint instead.
	APIKey string `yaml:"api_key"`
}

// CoachConfig configures the backend RPC collaborator that supplies system
// instructions and records focus sessions.
type CoachConfig struct {
	// BaseURL is the coach service endpoint (e.g., "https://api.example.com").
	BaseURL string `yaml:"base_url"`

	// Token is the bearer credential for the coach service.
	Token string `yaml:"token"`

	// UserID identifies the user on whose behalf instructions are fetched.
	UserID string `yaml:"user_id"`

	// Languages lists preferred response languages in priority order.
	Languages []string `yaml:"languages"`
}

// AuthConfig configures the ephemeral-credential collaborator.
type AuthConfig struct {
	// TokenURL is the endpoint that issues short-lived backend credentials.
	// Empty means Live.APIKey is used directly.
	TokenURL string `yaml:"token_url"`

	// TTL is the requested credential lifetime.
	TTL time.Duration `yaml:"ttl"`
}

// AudioConfig holds capture and playback parameters.
type AudioConfig struct {
	// CaptureRate is the sample rate frames are converted to before upload.
	CaptureRate int `yaml:"capture_rate"`

	// PlaybackRate is the sample rate of inbound model audio.
	PlaybackRate int `yaml:"playback_rate"`

	// FrameSize is the number of samples read from the device per frame.
	FrameSize int `yaml:"frame_size"`

	// DeviceRetries is how many times a busy device acquisition is retried
	// before giving up. Permission failures are never retried.
	DeviceRetries int `yaml:"device_retries"`
}

// VideoConfig holds camera capture parameters.
type VideoConfig struct {
	// Enabled turns the video pipeline on. The camera is still only
	// acquired when the session requests it.
	Enabled bool `yaml:"enabled"`

	// Source selects the capture backend. Currently the only backend is a
	// still image replayed at the frame interval; Source is its file path.
	Source string `yaml:"source"`

	// Width and Height give the downscaled frame size sent to the backend.
	Width  int `yaml:"width"`
	Height int `yaml:"height"`

	// FrameInterval bounds the capture rate (one frame per interval).
	FrameInterval time.Duration `yaml:"frame_interval"`

	// BufferFrames is the capacity of the recent-frame ring buffer.
	BufferFrames int `yaml:"buffer_frames"`

	// JPEGQuality is the encoder quality in [1, 100].
	JPEGQuality int `yaml:"jpeg_quality"`
}

// SessionConfig holds lifecycle timing knobs.
type SessionConfig struct {
	// StartTimeout bounds the whole parallel bring-up (devices, instruction
	// fetch, credential fetch, connect).
	StartTimeout time.Duration `yaml:"start_timeout"`

	// SettleDelay is the pause after tearing down an old session before a
	// replacement start proceeds.
	SettleDelay time.Duration `yaml:"settle_delay"`
}

// FocusConfig holds focus-mode timing knobs.
type FocusConfig struct {
	// IdleWindow is how long the connection may sit idle (connected, not
	// speaking, not capturing) before it is suspended.
	IdleWindow time.Duration `yaml:"idle_window"`

	// ReconnectHold is the minimum gap between wake-triggered reconnects.
	ReconnectHold time.Duration `yaml:"reconnect_hold"`

	// DrainWait bounds how long focus entry waits for the current assistant
	// utterance to finish before disconnecting anyway.
	DrainWait time.Duration `yaml:"drain_wait"`
}

// FeedbackConfig configures the ambient campfire loop played during focus.
type FeedbackConfig struct {
	// SoundFile is the path to the ambient MP3 asset. Empty disables
	// ambient feedback.
	SoundFile string `yaml:"sound_file"`

	// Gain scales ambient volume in [0, 1].
	Gain float64 `yaml:"gain"`
}

// Default returns a Config populated with production defaults. Loaded
// files override individual fields.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			LogLevel: LogInfo,
		},
		Live: LiveConfig{
			Voice: "Aoede",
		},
		Auth: AuthConfig{
			TTL: 30 * time.Minute,
		},
		Audio: AudioConfig{
			CaptureRate:   16000,
			PlaybackRate:  24000,
			FrameSize:     1024,
			DeviceRetries: 3,
		},
		Video: VideoConfig{
			Width:         640,
			Height:        480,
			FrameInterval: 2 * time.Second,
			BufferFrames:  10,
			JPEGQuality:   70,
		},
		Session: SessionConfig{
			StartTimeout: 15 * time.Second,
			SettleDelay:  500 * time.Millisecond,
		},
		Focus: FocusConfig{
			IdleWindow:    30 * time.Second,
			ReconnectHold: 10 * time.Second,
			DrainWait:     8 * time.Second,
		},
		Feedback: FeedbackConfig{
			Gain: 0.25,
		},
	}
}
