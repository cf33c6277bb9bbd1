// Command voxline holds a live spoken conversation with a realtime speech
// model through the default microphone and speaker.
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"
	"unicode/utf8"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/MrWong99/voxline/internal/app"
	"github.com/MrWong99/voxline/internal/config"
	"github.com/MrWong99/voxline/internal/observe"
	"github.com/MrWong99/voxline/pkg/audio"
	"github.com/MrWong99/voxline/pkg/audio/capture"
	"github.com/MrWong99/voxline/pkg/audio/malgo"
	"github.com/MrWong99/voxline/pkg/audio/oto"
	"github.com/MrWong99/voxline/pkg/audio/playback"
	"github.com/MrWong99/voxline/pkg/transport"
	"github.com/MrWong99/voxline/pkg/transport/gemini"
	"github.com/MrWong99/voxline/pkg/transport/openai"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "voxline.yaml", "path to the YAML configuration file")
	envFile := flag.String("env", ".env", "optional dotenv file with API keys")
	watch := flag.Bool("watch", true, "reload prompt, voice and log level when the config file changes")
	flag.Parse()

	// ── Environment ───────────────────────────────────────────────────────────
	if err := godotenv.Load(*envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "voxline: load %s: %v\n", *envFile, err)
		return 1
	}

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "voxline: config file %q not found; copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "voxline: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	level := new(slog.LevelVar)
	level.Set(app.LevelFor(cfg.Server.LogLevel))
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	slog.Info("voxline starting",
		"config", *configPath,
		"transport", cfg.Transport.Name,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	metricsReg := prometheus.NewRegistry()
	shutdownOTel, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceVersion: version,
		Transport:      cfg.Transport.Name,
		Registry:       metricsReg,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownOTel(sctx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	// ── Transport registry ────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinTransports(reg)

	application, err := app.New(cfg, reg.Create, hostDevices(),
		app.WithLevelVar(level),
		app.WithGatherer(metricsReg),
	)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	if *watch {
		w, err := config.NewWatcher(*configPath, application.Reload)
		if err != nil {
			slog.Warn("config watcher disabled", "err", err)
		} else {
			go func() { _ = w.Run(ctx) }()
		}
	}

	go func() {
		if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("ops server error", "err", err)
		}
	}()

	printStartupSummary(cfg)

	// ── Conversation loop ─────────────────────────────────────────────────────
	converse(ctx, application.Sessions(), bufio.NewReader(os.Stdin), os.Stdout)

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// ── Transports ────────────────────────────────────────────────────────────────

func registerBuiltinTransports(reg *config.Registry) {
	reg.Register(config.TransportGemini, func(entry config.TransportEntry) (transport.Transport, error) {
		if entry.APIKey == "" {
			return nil, errors.New("gemini-live: api key is required")
		}
		var opts []gemini.Option
		if entry.Model != "" {
			opts = append(opts, gemini.WithModel(entry.Model))
		}
		if entry.BaseURL != "" {
			opts = append(opts, gemini.WithBaseURL(entry.BaseURL))
		}
		return gemini.New(entry.APIKey, opts...), nil
	})

	reg.Register(config.TransportOpenAI, func(entry config.TransportEntry) (transport.Transport, error) {
		if entry.APIKey == "" {
			return nil, errors.New("openai-realtime: api key is required")
		}
		var opts []openai.Option
		if entry.Model != "" {
			opts = append(opts, openai.WithModel(entry.Model))
		}
		if entry.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(entry.BaseURL))
		}
		if m := config.OptString(entry.Options, "transcription_model"); m != "" {
			opts = append(opts, openai.WithTranscriptionModel(m))
		}
		return openai.New(entry.APIKey, opts...), nil
	})
}

// ── Host audio ────────────────────────────────────────────────────────────────

func hostDevices() app.Devices {
	return app.Devices{
		Capture: func(config.InputConfig) capture.Device {
			return malgo.New()
		},
		Output: func(out config.OutputConfig) (playback.Output, error) {
			f := audio.Format{SampleRate: out.SampleRate, Channels: out.Channels}
			return oto.Open(f, oto.WithBuffer(time.Duration(out.BufferMS)*time.Millisecond))
		},
	}
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║        voxline · startup summary      ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printRow("Transport", cfg.Transport.Name, cfg.Transport.Model)
	voice := cfg.Session.Voice
	if voice == "" {
		voice = "service default"
	}
	printRow("Voice", voice, "")
	printRow("Input", fmt.Sprintf("%d Hz / %d ch", cfg.Audio.Input.SampleRate, cfg.Audio.Input.Channels), "")
	printRow("Output", fmt.Sprintf("%d Hz / %d ch", cfg.Audio.Output.SampleRate, cfg.Audio.Output.Channels), "")
	printRow("Ops server", cfg.Server.ListenAddr, "")
	fmt.Println("╚═══════════════════════════════════════╝")
	fmt.Println("Speak any time. Press Ctrl+C to quit.")
}

func printRow(kind, name, detail string) {
	value := name
	if value == "" {
		value = "(disabled)"
	} else if detail != "" {
		value = name + " / " + detail
	}
	fmt.Printf("║  %-12s    : %-19s ║\n", kind, fitColumn(value, 19))
}

// fitColumn shortens s to at most width runes, marking the cut with an
// ellipsis.
func fitColumn(s string, width int) string {
	if utf8.RuneCountInString(s) <= width {
		return s
	}
	r := []rune(s)
	return string(r[:width-1]) + "…"
}
