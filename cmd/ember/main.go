// Command ember is the voice companion engine: it drives the duplex audio
// session against the conversational backend and exposes a small stdin
// command surface for session and focus-mode control.
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/emberware/ember/internal/auth"
	"github.com/emberware/ember/internal/capture"
	"github.com/emberware/ember/internal/coach"
	"github.com/emberware/ember/internal/config"
	"github.com/emberware/ember/internal/feedback"
	"github.com/emberware/ember/internal/focus"
	"github.com/emberware/ember/internal/observe"
	"github.com/emberware/ember/internal/orchestrator"
	"github.com/emberware/ember/internal/playback"
	"github.com/emberware/ember/internal/tools"
	"github.com/emberware/ember/internal/transcript"
	"github.com/emberware/ember/internal/video"
	"github.com/emberware/ember/pkg/audio"
	"github.com/emberware/ember/pkg/audio/portaudio"
	"github.com/emberware/ember/pkg/live"
)

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "ember: config file %q not found — copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "ember: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	logger := newLogger(cfg.Server.LogLevel)
	slog.SetDefault(logger)

	slog.Info("ember starting",
		"config", *configPath,
		"model", cfg.Live.Model,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceName: "ember"})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelShutdown(shutdownCtx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()
	metrics := observe.DefaultMetrics()

	var metricsSrv *http.Server
	if cfg.Server.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		metricsSrv = &http.Server{Addr: cfg.Server.MetricsAddr, Handler: mux}
		go func() {
			slog.Info("metrics endpoint listening", "addr", cfg.Server.MetricsAddr)
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.Error("metrics server error", "err", err)
			}
		}()
	}

	// ── Credentials ───────────────────────────────────────────────────────────
	var creds live.CredentialSource
	if cfg.Auth.TokenURL != "" {
		client, err := auth.NewClient(cfg.Auth.TokenURL, logger, auth.WithTTL(cfg.Auth.TTL))
		if err != nil {
			slog.Error("failed to build credential client", "err", err)
			return 1
		}
		creds = client
	} else {
		creds = auth.Static(cfg.Live.APIKey)
	}

	// ── Live connection ───────────────────────────────────────────────────────
	liveOpts := []live.Option{live.WithModel(cfg.Live.Model)}
	if cfg.Live.BaseURL != "" {
		liveOpts = append(liveOpts, live.WithBaseURL(cfg.Live.BaseURL))
	}
	mgr := live.NewManager(creds, liveOpts...)

	// ── Coach client (optional) ───────────────────────────────────────────────
	var coachClient *coach.Client
	if cfg.Coach.BaseURL != "" {
		coachClient, err = coach.New(cfg.Coach.BaseURL, cfg.Coach.Token, cfg.Coach.UserID, logger,
			coach.WithLanguages(cfg.Coach.Languages))
		if err != nil {
			slog.Error("failed to build coach client", "err", err)
			return 1
		}
	}

	// ── Media pipelines ───────────────────────────────────────────────────────
	mic := portaudio.NewMicrophone()
	speaker := portaudio.NewSpeaker()

	capturePipe := capture.New(mic, mgr,
		audio.Format{SampleRate: cfg.Audio.CaptureRate, Channels: 1},
		logger,
		capture.WithFrameSize(cfg.Audio.FrameSize),
		capture.WithDeviceRetries(cfg.Audio.DeviceRetries),
		capture.WithMetrics(metrics),
	)
	playbackPipe := playback.New(speaker,
		audio.Format{SampleRate: cfg.Audio.PlaybackRate, Channels: 1},
		logger,
	)
	tx := transcript.NewAssembler(logger, transcript.WithMetrics(metrics))

	var videoPipe *video.Pipeline
	if cfg.Video.Enabled {
		if cfg.Video.Source == "" {
			slog.Warn("video enabled but video.source is empty, running without a camera")
		} else {
			videoPipe = video.New(video.NewStillCamera(cfg.Video.Source), mgr,
				cfg.Video.Width, cfg.Video.Height,
				logger,
				video.WithFrameInterval(cfg.Video.FrameInterval),
				video.WithJPEGQuality(cfg.Video.JPEGQuality),
				video.WithBufferFrames(cfg.Video.BufferFrames),
				video.WithMetrics(metrics),
			)
		}
	}

	// ── Tools ─────────────────────────────────────────────────────────────────
	registry := tools.NewRegistry(logger, tools.WithMetrics(metrics))
	if coachClient != nil {
		if err := registry.Register(tools.RememberNote(coachClient)); err != nil {
			slog.Warn("registering remember_note", "err", err)
		}
	}

	// ── Orchestrator ──────────────────────────────────────────────────────────
	var coachFetcher orchestrator.InstructionFetcher
	if coachClient != nil {
		coachFetcher = coachClient
	}
	orchParams := orchestrator.Params{
		Conn:         mgr,
		Capture:      capturePipe,
		Playback:     playbackPipe,
		Transcript:   tx,
		Coach:        coachFetcher,
		Creds:        creds,
		Tools:        registry,
		Log:          logger,
		Metrics:      metrics,
		Voice:        cfg.Live.Voice,
		StartTimeout: cfg.Session.StartTimeout,
		SettleDelay:  cfg.Session.SettleDelay,
	}
	if videoPipe != nil {
		orchParams.Video = videoPipe
	}
	orch, err := orchestrator.New(orchParams)
	if err != nil {
		slog.Error("failed to build orchestrator", "err", err)
		return 1
	}

	// ── Focus mode ────────────────────────────────────────────────────────────
	focusParams := focus.Params{
		Conn:          mgr,
		Capture:       capturePipe,
		Playback:      playbackPipe,
		Epochs:        orch,
		Transcript:    tx,
		PreFocus:      orch,
		Creds:         creds,
		Tools:         registry,
		Log:           logger,
		Metrics:       metrics,
		Voice:         cfg.Live.Voice,
		IdleWindow:    cfg.Focus.IdleWindow,
		ReconnectHold: cfg.Focus.ReconnectHold,
		DrainWait:     cfg.Focus.DrainWait,
	}
	if coachClient != nil {
		focusParams.Coach = coachClient
		focusParams.Store = coachClient
	}
	if cfg.Feedback.SoundFile != "" {
		ambient, err := feedback.NewPlayer(cfg.Feedback.SoundFile, speaker, cfg.Feedback.Gain, playbackPipe.Speaking, logger)
		if err != nil {
			slog.Warn("ambient feedback unavailable", "file", cfg.Feedback.SoundFile, "err", err)
		} else {
			focusParams.Ambient = ambient
		}
	}
	focusCtl, err := focus.New(focusParams)
	if err != nil {
		slog.Error("failed to build focus controller", "err", err)
		return 1
	}
	if err := registry.Register(tools.GetFocusStatus(focusCtl)); err != nil {
		slog.Warn("registering get_focus_status", "err", err)
	}

	slog.Info("ready — type 'help' for commands, Ctrl+C to exit")

	// ── Command loop ──────────────────────────────────────────────────────────
	commandLoop(ctx, orch, focusCtl, tx)

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	slog.Info("shutting down")
	if err := focusCtl.Exit(context.Background()); err != nil {
		slog.Warn("closing focus session", "err", err)
	}
	orch.End()
	if metricsSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
			slog.Warn("metrics server shutdown error", "err", err)
		}
	}
	slog.Info("goodbye")
	return 0
}

// commandLoop reads line commands from stdin until EOF or ctx cancellation.
func commandLoop(ctx context.Context, orch *orchestrator.Orchestrator, focusCtl *focus.Controller, tx *transcript.Assembler) {
	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(os.Stdin)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			cmd, arg, _ := strings.Cut(strings.TrimSpace(line), " ")
			switch cmd {
			case "":
			case "help":
				printHelp()
			case "start":
				if err := orch.Start(ctx, arg, orchestrator.StartOptions{}); err != nil {
					slog.Error("start failed", "err", err)
				}
			case "end":
				orch.End()
			case "reset":
				orch.Reset()
			case "say":
				if err := orch.SendText(arg); err != nil {
					slog.Error("send failed", "err", err)
				}
			case "mic":
				on, err := orch.ToggleMicrophone(ctx)
				if err != nil {
					slog.Error("microphone toggle failed", "err", err)
				} else {
					fmt.Printf("microphone: %v\n", onOff(on))
				}
			case "camera":
				on, err := orch.ToggleCamera(ctx)
				if err != nil {
					slog.Error("camera toggle failed", "err", err)
				} else {
					fmt.Printf("camera: %v\n", onOff(on))
				}
			case "focus":
				if err := focusCtl.Enter(ctx, arg); err != nil {
					slog.Error("entering focus failed", "err", err)
				}
			case "wake":
				if err := focusCtl.Wake(ctx); err != nil {
					slog.Error("wake failed", "err", err)
				}
			case "unfocus":
				if err := focusCtl.Exit(ctx); err != nil {
					slog.Error("exiting focus failed", "err", err)
				}
			case "status":
				printStatus(orch, focusCtl)
			case "history":
				for _, turn := range tx.RecentTurns(10) {
					fmt.Printf("%-9s  %s\n", turn.Role, turn.Text)
				}
			case "quit", "exit":
				return
			default:
				fmt.Printf("unknown command %q — type 'help'\n", cmd)
			}
		}
	}
}

func printStatus(orch *orchestrator.Orchestrator, focusCtl *focus.Controller) {
	snap := orch.Snapshot()
	fmt.Printf("state      : %s\n", snap.State)
	fmt.Printf("connected  : %v\n", snap.Connected)
	fmt.Printf("microphone : %s\n", onOff(snap.Recording))
	fmt.Printf("speaking   : %v\n", snap.Speaking)
	fmt.Printf("camera     : %s\n", onOff(snap.Camera))
	if snap.Task != "" {
		fmt.Printf("task       : %s\n", snap.Task)
	}
	if snap.LastError != nil {
		fmt.Printf("last error : %v\n", snap.LastError)
	}
	if focusCtl.Focusing() {
		fmt.Printf("focus      : %s (%s elapsed)\n", focusCtl.Mode(), focusCtl.FocusElapsed().Round(time.Second))
	}
}

func printHelp() {
	fmt.Print(`commands:
  start <task>   begin a session for the given task
  end            end the session
  reset          end the session and clear the transcript
  say <text>     send a typed message
  mic            toggle the microphone
  camera         toggle the camera
  focus <task>   enter focus mode
  wake           resume from focus mode
  unfocus        exit focus mode
  status         show session status
  history        show recent transcript turns
  quit           exit
`)
}

func onOff(v bool) string {
	if v {
		return "on"
	}
	return "off"
}

func newLogger(level config.LogLevel) *slog.Logger {
	var lvl slog.Level
	switch level {
	case config.LogDebug:
		lvl = slog.LevelDebug
	case config.LogWarn:
		lvl = slog.LevelWarn
	case config.LogError:
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
