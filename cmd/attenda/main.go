// Command attenda runs the Attenda voice agent server: the inbound-call
// webhook, the media-stream WebSocket endpoint, the outbound appointment
// dispatcher, and the health and metrics endpoints.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	anyllmlib "github.com/mozilla-ai/any-llm-go"

	"github.com/attenda-ai/attenda/internal/app"
	"github.com/attenda-ai/attenda/internal/appointment"
	"github.com/attenda-ai/attenda/internal/calendar"
	"github.com/attenda-ai/attenda/internal/call"
	"github.com/attenda-ai/attenda/internal/conference"
	"github.com/attenda-ai/attenda/internal/config"
	"github.com/attenda-ai/attenda/internal/health"
	"github.com/attenda-ai/attenda/internal/observe"
	"github.com/attenda-ai/attenda/pkg/provider/llm"
	"github.com/attenda-ai/attenda/pkg/provider/llm/anyllm"
	llmopenai "github.com/attenda-ai/attenda/pkg/provider/llm/openai"
	"github.com/attenda-ai/attenda/pkg/provider/stt"
	"github.com/attenda-ai/attenda/pkg/provider/stt/deepgram"
	"github.com/attenda-ai/attenda/pkg/provider/tts"
	"github.com/attenda-ai/attenda/pkg/provider/tts/elevenlabs"
	"github.com/attenda-ai/attenda/pkg/telephony/twilio"
)

// version is stamped at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// A .env file is a local-development convenience; absence is fine.
	_ = godotenv.Load()

	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "attenda: config file %q not found — copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "attenda: %v\n", err)
		}
		return 1
	}

	// The level lives in a LevelVar so the config watcher can retune it
	// without rebuilding the logger.
	levelVar := new(slog.LevelVar)
	levelVar.Set(slogLevel(cfg.Server.LogLevel))
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: levelVar}))
	slog.SetDefault(logger)

	slog.Info("attenda starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownMetrics, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceVersion: version})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownMetrics(flushCtx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	reg := config.NewRegistry()
	registerBuiltinProviders(reg)

	llmProvider, err := reg.CreateLLM(cfg.LLM)
	if err != nil {
		slog.Error("failed to create llm provider", "backend", cfg.LLM.Backend, "err", err)
		return 1
	}
	sttProvider, err := reg.CreateSTT("deepgram", cfg.Speech.STT)
	if err != nil {
		slog.Error("failed to create stt provider", "err", err)
		return 1
	}
	ttsProvider, err := reg.CreateTTS("elevenlabs", cfg.Speech.TTS)
	if err != nil {
		slog.Error("failed to create tts provider", "err", err)
		return 1
	}

	// Verify the configured voice exists before calls start using it. The
	// check is advisory: the process still serves when the voices endpoint
	// is unreachable.
	if el, ok := ttsProvider.(*elevenlabs.Provider); ok && cfg.Speech.TTS.VoiceID != "" {
		go func() {
			vctx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			voices, err := el.ListVoices(vctx)
			if err != nil {
				slog.Warn("could not verify tts voice", "voice_id", cfg.Speech.TTS.VoiceID, "err", err)
				return
			}
			for _, v := range voices {
				if v.ID == cfg.Speech.TTS.VoiceID {
					return
				}
			}
			slog.Warn("configured tts voice not found in account", "voice_id", cfg.Speech.TTS.VoiceID)
		}()
	}

	twClient, err := twilio.New(cfg.Telephony.AccountSID, cfg.Telephony.AuthToken)
	if err != nil {
		slog.Error("failed to create telephony client", "err", err)
		return 1
	}

	var calSvc calendar.Service
	if cfg.Calendar.BaseURL != "" {
		client, err := calendar.New(cfg.Calendar.BaseURL, cfg.Calendar.APIKey)
		if err != nil {
			slog.Error("failed to create calendar client", "err", err)
			return 1
		}
		calSvc = client
	} else {
		slog.Warn("no calendar service configured, calendar tools disabled")
	}

	// ── Appointment store and outbound dispatcher ──
	var store appointment.Store
	var checkers []health.Checker
	if cfg.Store.PostgresDSN != "" {
		pool, err := pgxpool.New(ctx, cfg.Store.PostgresDSN)
		if err != nil {
			slog.Error("failed to open postgres pool", "err", err)
			return 1
		}
		defer pool.Close()

		pg := appointment.NewPostgresStore(pool)
		if err := pg.Migrate(ctx); err != nil {
			slog.Error("failed to migrate appointment schema", "err", err)
			return 1
		}
		store = pg
		checkers = append(checkers, health.PingChecker("postgres", pool.Ping))

		// LISTEN needs its own connection: the subscription is tied to the
		// connection's lifetime and must not come from the pool.
		notifyConn, err := pgx.Connect(ctx, cfg.Store.PostgresDSN)
		if err != nil {
			slog.Error("failed to open notify connection", "err", err)
			return 1
		}
		dispatcher := appointment.NewDispatcher(pg, twClient,
			cfg.Server.PublicBaseURL, cfg.Telephony.AgentPhone, logger)
		go func() {
			defer notifyConn.Close(context.Background())
			err := appointment.Listen(ctx, notifyConn, logger, func(change appointment.Change) {
				cctx := observe.ContextWithCorrelationID(ctx, uuid.NewString())
				dispatcher.HandleChange(cctx, change)
			})
			if err != nil && !errors.Is(err, context.Canceled) {
				slog.Error("appointment listener stopped", "err", err)
			}
		}()
		slog.Info("appointment dispatcher running")
	} else {
		slog.Warn("no postgres dsn configured, outcomes are not persisted")
	}

	// ── Call runtime and conference bridge ──
	registry := call.NewRegistry(call.Deps{
		STT:             sttProvider,
		TTS:             ttsProvider,
		LLM:             llmProvider,
		Calendar:        calSvc,
		Store:           store,
		Control:         twClient,
		TransferEnabled: cfg.Agent.OwnerPhone != "",
	}, sessionConfig(cfg), logger)
	defer registry.Close()

	coordinator := conference.NewCoordinator(conference.Config{
		OwnerPhone:    cfg.Agent.OwnerPhone,
		AgentPhone:    cfg.Telephony.AgentPhone,
		PublicBaseURL: cfg.Server.PublicBaseURL,
		VoiceID:       cfg.Speech.TTS.VoiceID,
		AgentName:     cfg.Agent.Name,
		SystemPrompt:  cfg.Agent.SystemPrompt,
	}, conference.Deps{
		Control:  twClient,
		Sessions: registry,
		LLM:      llmProvider,
		TTS:      ttsProvider,
		Calendar: calSvc,
	}, logger)
	defer coordinator.Close()

	server := app.NewServer(app.Config{
		ListenAddr:    cfg.Server.ListenAddr,
		PublicBaseURL: cfg.Server.PublicBaseURL,
		Greeting:      cfg.Agent.Greeting,
	}, app.Deps{
		Registry:    registry,
		Coordinator: coordinator,
		Health:      health.New(checkers...),
		Metrics:     observe.DefaultMetrics(),
	}, logger)

	// ── Config hot reload ──
	watcher, err := config.NewWatcher(*configPath, func(old, new *config.Config) {
		d := config.Diff(old, new)
		if !d.Any() {
			return
		}
		if d.LogLevelChanged {
			levelVar.Set(slogLevel(d.NewLogLevel))
			slog.Info("log level updated", "level", d.NewLogLevel)
		}
		if d.GreetingChanged {
			server.SetGreeting(new.Agent.Greeting)
		}
		if d.AgentChanged {
			registry.SetConfig(sessionConfig(new))
			slog.Info("agent persona updated, applies to new calls")
		}
	})
	if err != nil {
		slog.Warn("config hot reload disabled", "err", err)
	} else {
		defer watcher.Stop()
	}

	slog.Info("server ready — press Ctrl+C to shut down")
	if err := server.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// sessionConfig maps the loaded configuration onto the per-call tunables.
func sessionConfig(cfg *config.Config) call.Config {
	return call.Config{
		SystemPrompt:   cfg.Agent.SystemPrompt,
		VoiceID:        cfg.Speech.TTS.VoiceID,
		Language:       cfg.Speech.STT.Language,
		BargeInOnAudio: cfg.Agent.BargeInOnAudio,
	}
}

// registerBuiltinProviders wires the provider factories that ship with
// Attenda into reg.
func registerBuiltinProviders(reg *config.Registry) {
	reg.RegisterLLM(config.BackendOpenAI, func(c config.LLMConfig) (llm.Provider, error) {
		var opts []llmopenai.Option
		if c.BaseURL != "" {
			opts = append(opts, llmopenai.WithBaseURL(c.BaseURL))
		}
		return llmopenai.New(c.APIKey, c.Model, opts...)
	})

	reg.RegisterLLM(config.BackendAnyLLM, func(c config.LLMConfig) (llm.Provider, error) {
		var opts []anyllmlib.Option
		if c.APIKey != "" {
			opts = append(opts, anyllmlib.WithAPIKey(c.APIKey))
		}
		if c.BaseURL != "" {
			opts = append(opts, anyllmlib.WithBaseURL(c.BaseURL))
		}
		return anyllm.New(c.Provider, c.Model, opts...)
	})

	reg.RegisterSTT("deepgram", func(c config.STTConfig) (stt.Provider, error) {
		var opts []deepgram.Option
		if c.Model != "" {
			opts = append(opts, deepgram.WithModel(c.Model))
		}
		if c.Language != "" {
			opts = append(opts, deepgram.WithLanguage(c.Language))
		}
		return deepgram.New(c.APIKey, opts...)
	})

	reg.RegisterTTS("elevenlabs", func(c config.TTSConfig) (tts.Provider, error) {
		return elevenlabs.New(c.APIKey)
	})
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
