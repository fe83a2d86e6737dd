// Command gork is the main entry point for the gork Discord voice bot.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/techwithanirudh/gork/internal/config"
	discordbot "github.com/techwithanirudh/gork/internal/discord"
	"github.com/techwithanirudh/gork/internal/discord/commands"
	"github.com/techwithanirudh/gork/internal/health"
	"github.com/techwithanirudh/gork/internal/observe"
	"github.com/techwithanirudh/gork/internal/voice"
	"github.com/techwithanirudh/gork/pkg/audio"
	discordaudio "github.com/techwithanirudh/gork/pkg/audio/discord"
	"github.com/techwithanirudh/gork/pkg/provider/tts"
	"go.opentelemetry.io/otel/metric"
)

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	// ── Configuration (watched for hot reload) ────────────────────────────────
	logLevel := new(slog.LevelVar)
	watcher, err := config.NewWatcher(*configPath, func(old, new *config.Config) {
		applyConfigChange(logLevel, old, new)
	})
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "gork: config file %q not found — copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "gork: %v\n", err)
		}
		return 1
	}
	defer watcher.Stop()
	cfg := watcher.Current()

	// ── Logger ────────────────────────────────────────────────────────────────
	logLevel.Set(slogLevel(cfg.Server.LogLevel))
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel}))
	slog.SetDefault(logger)

	slog.Info("gork starting",
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName: "gork",
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := otelShutdown(shutdownCtx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()
	metrics := observe.DefaultMetrics()

	// ── Providers ─────────────────────────────────────────────────────────────
	reg := config.NewDefaultRegistry()

	llmProvider, err := reg.CreateLLM(cfg.Providers.LLM)
	if err != nil {
		slog.Error("failed to create LLM provider", "name", cfg.Providers.LLM.Name, "err", err)
		return 1
	}
	sttProvider, err := reg.CreateSTT(cfg.Providers.STT)
	if err != nil {
		slog.Error("failed to create STT provider", "name", cfg.Providers.STT.Name, "err", err)
		return 1
	}
	ttsProvider, err := reg.CreateTTS(cfg.Providers.TTS)
	if err != nil {
		slog.Error("failed to create TTS provider", "name", cfg.Providers.TTS.Name, "err", err)
		return 1
	}
	slog.Info("providers created",
		"llm", cfg.Providers.LLM.Name,
		"stt", cfg.Providers.STT.Name,
		"tts", cfg.Providers.TTS.Name,
	)

	// ── Discord bot ───────────────────────────────────────────────────────────
	bot, err := discordbot.New(ctx, discordbot.Config{
		Token:         cfg.Discord.Token,
		GuildID:       cfg.Discord.GuildID,
		ControlRoleID: cfg.Discord.ControlRoleID,
	})
	if err != nil {
		slog.Error("failed to create Discord bot", "err", err)
		return 1
	}
	slog.Info("discord bot connected", "guild_id", cfg.Discord.GuildID)

	// ── Voice session manager ─────────────────────────────────────────────────
	stats := discordbot.NewPipelineStats(0)

	manager, err := voice.NewManager(voice.ManagerConfig{
		NewPlatform: func(guildID string) audio.Platform {
			return discordaudio.New(bot.Session(), guildID)
		},
		STT: sttProvider,
		TTS: ttsProvider,
		LLM: llmProvider,
		Voice: tts.VoiceProfile{
			ID:         cfg.Pipeline.Voice.VoiceID,
			Name:       cfg.Pipeline.Voice.Name,
			Provider:   cfg.Providers.TTS.Name,
			SampleRate: cfg.Pipeline.Voice.SampleRate,
		},
		TTSSampleRate: cfg.Pipeline.Voice.SampleRate,
		Language:      cfg.Pipeline.Language,
		SilenceGap:    cfg.Pipeline.SilenceGap(),
		JoinTimeout:   cfg.Pipeline.JoinTimeout(),
		SystemPrompt:  cfg.Pipeline.SystemPrompt,
		Logger:        logger,
		OnTurn: func(guildID string, t voice.Turn) {
			metrics.RecordTurn(context.Background(), guildID)
			stats.IncrTurns()
			// Close-to-accept delay, which is dominated by transcription.
			if d := t.AcceptedAt.Sub(t.UtteranceClosedAt); d > 0 {
				metrics.TranscriptionDuration.Record(context.Background(), d.Seconds(),
					metric.WithAttributes(observe.Attr("guild_id", guildID)))
				stats.RecordTranscription(d)
			}
		},
		OnBargeIn: func(guildID string) {
			metrics.RecordBargeIn(context.Background(), guildID)
			stats.IncrBargeIns()
		},
		OnUtterance: func(guildID string) {
			metrics.RecordUtteranceClosed(context.Background(), guildID)
			stats.IncrUtterances()
		},
		OnReplyLatency: func(guildID string, d time.Duration) {
			metrics.RecordReplyLatency(context.Background(), guildID, d)
			stats.RecordReply(d)
		},
		OnSessionChange: func(guildID string, delta int) {
			metrics.ActiveSessions.Add(context.Background(), int64(delta),
				metric.WithAttributes(observe.Attr("guild_id", guildID)))
		},
	})
	if err != nil {
		slog.Error("failed to create voice manager", "err", err)
		return 1
	}

	commands.NewVoiceCommands(bot, manager, stats)

	// ── Diagnostics HTTP server (optional) ────────────────────────────────────
	var httpSrv *http.Server
	if cfg.Server.ListenAddr != "" {
		httpSrv = newDiagnosticsServer(cfg, bot)
		go func() {
			var err error
			if cfg.Server.TLS != nil {
				err = httpSrv.ListenAndServeTLS(cfg.Server.TLS.CertFile, cfg.Server.TLS.KeyFile)
			} else {
				err = httpSrv.ListenAndServe()
			}
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.Error("diagnostics server error", "err", err)
			}
		}()
		slog.Info("diagnostics server listening", "addr", cfg.Server.ListenAddr, "tls", cfg.Server.TLS != nil)
	}

	// ── Run ───────────────────────────────────────────────────────────────────
	slog.Info("server ready — press Ctrl+C to shut down")

	if err := bot.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("discord bot error", "err", err)
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	slog.Info("shutdown signal received, stopping…")

	manager.StopAll()

	if err := bot.Close(); err != nil {
		slog.Warn("discord bot close error", "err", err)
	}

	if httpSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpSrv.Shutdown(shutdownCtx); err != nil {
			slog.Warn("diagnostics server shutdown error", "err", err)
		}
	}

	slog.Info("goodbye")
	return 0
}

// newDiagnosticsServer builds the HTTP server exposing health probes and the
// Prometheus metrics endpoint, wrapped in the tracing middleware.
func newDiagnosticsServer(cfg *config.Config, bot *discordbot.Bot) *http.Server {
	checks := health.New(
		health.Checker{
			Name: "discord",
			Check: func(ctx context.Context) error {
				if bot.Session() == nil || bot.Session().State == nil || bot.Session().State.User == nil {
					return errors.New("gateway session not established")
				}
				return nil
			},
		},
	)

	mux := http.NewServeMux()
	checks.Register(mux)
	mux.Handle("/metrics", promhttp.Handler())

	return &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           observe.Middleware(observe.DefaultMetrics())(mux),
		ReadHeaderTimeout: 10 * time.Second,
	}
}

// applyConfigChange reacts to a live config file edit. Log level changes take
// effect immediately; anything that needs a restart is logged loudly so the
// operator knows the running process has drifted from the file.
func applyConfigChange(logLevel *slog.LevelVar, old, new *config.Config) {
	diff := config.Diff(old, new)
	if !diff.Changed() {
		return
	}
	if diff.LogLevelChanged {
		logLevel.Set(slogLevel(diff.NewLogLevel))
		slog.Info("log level changed", "level", diff.NewLogLevel)
	}
	if diff.PipelineChanged {
		slog.Info("pipeline settings changed — restart voice sessions to pick them up")
	}
	if diff.RequiresRestart {
		slog.Warn("config change requires a restart to take effect")
	}
}

func slogLevel(level config.LogLevel) slog.Level {
	switch level {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
