package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"gopkg.in/yaml.v3"
)

// Load reads the YAML configuration file at path, applies it over
// [Default], and returns the validated result.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r over [Default] and validates
// the result. Useful in tests where configs are constructed from string
// literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	if cfg.Live.APIKey == "" && cfg.Auth.TokenURL == "" {
		errs = append(errs, errors.New("either live.api_key or auth.token_url must be set"))
	}
	if cfg.Auth.TTL < 0 {
		errs = append(errs, fmt.Errorf("auth.ttl %v must not be negative", cfg.Auth.TTL))
	}

	if cfg.Coach.BaseURL == "" {
		slog.Warn("coach.base_url is empty; instruction fetch and focus-session records are disabled")
	}

	if cfg.Audio.CaptureRate <= 0 {
		errs = append(errs, fmt.Errorf("audio.capture_rate %d must be positive", cfg.Audio.CaptureRate))
	}
	if cfg.Audio.PlaybackRate <= 0 {
		errs = append(errs, fmt.Errorf("audio.playback_rate %d must be positive", cfg.Audio.PlaybackRate))
	}
	if cfg.Audio.FrameSize <= 0 {
		errs = append(errs, fmt.Errorf("audio.frame_size %d must be positive", cfg.Audio.FrameSize))
	}
	if cfg.Audio.DeviceRetries < 0 {
		errs = append(errs, fmt.Errorf("audio.device_retries %d must not be negative", cfg.Audio.DeviceRetries))
	}

	if cfg.Video.Enabled {
		if cfg.Video.Width <= 0 || cfg.Video.Height <= 0 {
			errs = append(errs, fmt.Errorf("video dimensions %dx%d must be positive", cfg.Video.Width, cfg.Video.Height))
		}
		if cfg.Video.FrameInterval <= 0 {
			errs = append(errs, fmt.Errorf("video.frame_interval %v must be positive", cfg.Video.FrameInterval))
		}
		if cfg.Video.BufferFrames <= 0 {
			errs = append(errs, fmt.Errorf("video.buffer_frames %d must be positive", cfg.Video.BufferFrames))
		}
		if cfg.Video.JPEGQuality < 1 || cfg.Video.JPEGQuality > 100 {
			errs = append(errs, fmt.Errorf("video.jpeg_quality %d is out of range [1, 100]", cfg.Video.JPEGQuality))
		}
	}

	if cfg.Session.StartTimeout <= 0 {
		errs = append(errs, fmt.Errorf("session.start_timeout %v must be positive", cfg.Session.StartTimeout))
	}
	if cfg.Session.SettleDelay < 0 {
		errs = append(errs, fmt.Errorf("session.settle_delay %v must not be negative", cfg.Session.SettleDelay))
	}

	if cfg.Focus.IdleWindow <= 0 {
		errs = append(errs, fmt.Errorf("focus.idle_window %v must be positive", cfg.Focus.IdleWindow))
	}
	if cfg.Focus.ReconnectHold < 0 {
		errs = append(errs, fmt.Errorf("focus.reconnect_hold %v must not be negative", cfg.Focus.ReconnectHold))
	}

	if cfg.Feedback.Gain < 0 || cfg.Feedback.Gain > 1 {
		errs = append(errs, fmt.Errorf("feedback.gain %.2f is out of range [0, 1]", cfg.Feedback.Gain))
	}
	if cfg.Feedback.SoundFile != "" {
		if _, err := os.Stat(cfg.Feedback.SoundFile); err != nil {
			slog.Warn("feedback.sound_file is not readable; ambient feedback will be disabled",
				"path", cfg.Feedback.SoundFile,
				"error", err,
			)
		}
	}

	return errors.Join(errs...)
}
