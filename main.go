package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/bosley/aide/capture"
	"github.com/bosley/aide/console"
	"github.com/bosley/aide/mixer"
	"github.com/bosley/aide/outbox"
	"github.com/bosley/aide/playback"
	"github.com/bosley/aide/screen"
	"github.com/bosley/aide/session"
)

const (
	defaultEndpoint = "wss://generativelanguage.googleapis.com/ws/google.ai.generativelanguage.v1alpha.GenerativeService.BidiGenerateContent"
	defaultModel    = "models/gemini-2.0-flash-exp"
)

func main() {
	godotenv.Load()

	endpoint := flag.String("endpoint", defaultEndpoint, "Live session websocket endpoint")
	model := flag.String("model", defaultModel, "Model to request at session setup")
	instruction := flag.String("instruction", "", "System instruction for the session")
	consoleAddr := flag.String("console", "127.0.0.1:8138", "Console listen address")
	staticDir := flag.String("static", "", "Directory of console static assets")
	outboxDir := flag.String("outbox", "", "Drop directory submitted into the session")
	workspaceDir := flag.String("workspace", "workspace", "Directory for model-saved files")
	archiveDir := flag.String("archive", "", "Directory for speech segment recordings")
	screenShare := flag.Bool("screen", false, "Enable screen sharing on connect")
	display := flag.Int("display", 0, "Display index to share")
	preset := flag.String("preset", "coarse", "Screen change detection preset (coarse|fine)")
	deviceID := flag.Int("device", 0, "Audio input device ID to use")
	listDevices := flag.Bool("list-devices", false, "List available audio input devices")
	mixerFile := flag.String("mixer", "", "WAV file routed into the capture pipeline at startup")
	verbose := flag.Bool("verbose", false, "Enable debug logging")
	flag.Parse()

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	if *listDevices {
		devices, err := capture.ListInputDevices()
		if err != nil {
			slog.Error("Failed to list audio devices", "error", err)
			os.Exit(1)
		}

		fmt.Println("Available audio input devices:")
		for i, device := range devices {
			fmt.Printf("[%d] %s\n", i, device.Name)
			fmt.Printf("    Max Input Channels: %d\n", device.MaxInputChannels)
			fmt.Printf("    Default Sample Rate: %f\n", device.DefaultSampleRate)
			fmt.Println()
		}
		return
	}

	apiKey := os.Getenv("AIDE_API_KEY")
	if apiKey == "" {
		slog.Error("AIDE_API_KEY environment variable is not set")
		os.Exit(1)
	}
	if env := os.Getenv("AIDE_ENDPOINT"); env != "" && *endpoint == defaultEndpoint {
		*endpoint = env
	}

	var screenPreset screen.Preset
	switch *preset {
	case "coarse":
		screenPreset = screen.PresetCoarse
	case "fine":
		screenPreset = screen.PresetFine
	default:
		slog.Error("Unknown screen preset", "preset", *preset)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		slog.Debug("Received shutdown signal")
		cancel()
	}()

	// The controller and console are created after the producers that
	// report into them; callbacks bind late through these variables and
	// fire only once everything is wired.
	var (
		ctrl *session.Controller
		ui   *console.Console
	)
	notify := func() {
		if ui != nil {
			ui.Notify()
		}
	}

	pipeline, err := capture.NewPipeline(capture.Config{
		DeviceID:   *deviceID,
		ArchiveDir: *archiveDir,
		OnLevel: func(level float64) {
			if ctrl != nil {
				ctrl.ReportLevel(level)
			}
		},
		OnSpeaking: func(speaking bool) {
			if ctrl != nil {
				ctrl.ReportSpeaking(speaking)
			}
		},
		Logger: logger,
	})
	if err != nil {
		slog.Error("Failed to initialize capture pipeline", "error", err)
		os.Exit(1)
	}
	defer pipeline.Close()

	speaker, err := playback.NewDevice(playback.DefaultSampleRate)
	var out playback.Output = speaker
	if err != nil {
		slog.Warn("No audio output available, playback disabled", "error", err)
		out = playback.Discard{}
	} else {
		defer speaker.Close()
	}
	scheduler := playback.NewScheduler(playback.Config{Logger: logger}, out)
	defer scheduler.Close()

	sampler := screen.NewSampler(screen.Config{
		Preset: screenPreset,
		NewSource: func() (screen.FrameSource, error) {
			return screen.NewDisplaySource(*display)
		},
		Logger: logger,
	})

	store := session.NewMessageStore()
	store.SetOnChange(notify)

	tools := session.NewToolSet()
	tools.Register(session.RenderArtifactTool(store))
	tools.Register(session.SaveFileTool(*workspaceDir, store))

	ctrl, err = session.NewController(session.Config{
		Endpoint:          *endpoint,
		APIKey:            apiKey,
		Model:             *model,
		SystemInstruction: *instruction,
		ScreenEnabled:     *screenShare,
		OnUpdate:          notify,
		Logger:            logger,
	}, pipeline, sampler, scheduler, tools, store)
	if err != nil {
		slog.Error("Failed to initialize session controller", "error", err)
		os.Exit(1)
	}
	defer ctrl.Disconnect()

	mix := mixer.New(mixer.Config{Logger: logger}, pipeline)
	if *mixerFile != "" {
		src, err := mixer.OpenWavFile(*mixerFile, capture.DefaultSampleRate)
		if err != nil {
			slog.Error("Failed to open mixer file", "error", err, "file", *mixerFile)
			os.Exit(1)
		}
		mix.Route(src)
	}
	defer mix.Route(nil)

	if *outboxDir != "" {
		box, err := outbox.New(outbox.Config{
			Dir:        *outboxDir,
			SampleRate: capture.DefaultSampleRate,
			Logger:     logger,
		}, ctrl)
		if err != nil {
			slog.Error("Failed to initialize outbox", "error", err)
			os.Exit(1)
		}
		if err := box.Start(ctx); err != nil {
			slog.Error("Failed to start outbox", "error", err)
			os.Exit(1)
		}
		defer func() {
			if err := box.Stop(context.Background()); err != nil {
				slog.Error("Failed to stop outbox", "error", err)
			}
		}()
	}

	ui = console.New(console.Config{
		Addr:      *consoleAddr,
		StaticDir: *staticDir,
		Logger:    logger,
	}, ctrl)

	if err := ctrl.Connect(); err != nil {
		slog.Error("Failed to start session", "error", err)
		os.Exit(1)
	}

	if err := ui.Serve(ctx); err != nil {
		slog.Error("Console server failed", "error", err)
	}

	slog.Debug("Program exiting")
}
