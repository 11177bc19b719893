// Command voxrelay is the main entry point for the voxrelay real-time
// voice-assistant orchestrator.
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

	"github.com/voxrelay/voxrelay/internal/config"
	"github.com/voxrelay/voxrelay/internal/health"
	"github.com/voxrelay/voxrelay/internal/observe"
	"github.com/voxrelay/voxrelay/internal/pipeline"
	"github.com/voxrelay/voxrelay/internal/resilience"
	"github.com/voxrelay/voxrelay/internal/toolregistry"
	"github.com/voxrelay/voxrelay/internal/tools/diceroller"
	"github.com/voxrelay/voxrelay/internal/wsadapter"
	"github.com/voxrelay/voxrelay/pkg/backend/llm"
	llmopenai "github.com/voxrelay/voxrelay/pkg/backend/llm/openai"
	"github.com/voxrelay/voxrelay/pkg/backend/stt"
	"github.com/voxrelay/voxrelay/pkg/backend/stt/whispercpp"
	"github.com/voxrelay/voxrelay/pkg/backend/tts"
	"github.com/voxrelay/voxrelay/pkg/backend/tts/elevenlabs"
)

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "voxrelay: config file %q not found — copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "voxrelay: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────
	logLevel := new(slog.LevelVar)
	logLevel.Set(slogLevel(cfg.Server.LogLevel))
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel}))
	slog.SetDefault(logger)

	slog.Info("voxrelay starting",
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Observability ─────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    "voxrelay",
		ServiceVersion: "dev",
		STTProvider:    cfg.Providers.STT.Name,
		LLMProvider:    cfg.Providers.LLM.Name,
		TTSProvider:    cfg.Providers.TTS.Name,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(shutdownCtx); err != nil {
			slog.Error("telemetry shutdown error", "err", err)
		}
	}()
	metrics := observe.DefaultMetrics()

	// ── Provider registry ─────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinProviders(reg)

	llmPipeline, sttPipeline, ttsPipeline, err := buildBackends(ctx, cfg, reg)
	if err != nil {
		slog.Error("failed to build back-end adapters", "err", err)
		return 1
	}

	// ── Tool registry ─────────────────────────────────────────────────────
	tools := toolregistry.New()
	builtinTools := make(map[string]toolregistry.Tool)
	for _, t := range diceroller.Tools() {
		builtinTools[t.Definition.Name] = t
	}
	for _, entry := range cfg.Tools {
		t, ok := builtinTools[entry.Name]
		if !ok {
			slog.Warn("config names unknown tool; ignoring", "tool", entry.Name)
			continue
		}
		if err := tools.Register(t); err != nil {
			slog.Error("failed to register tool", "tool", t.Definition.Name, "err", err)
			return 1
		}
	}

	// ── Config hot-reload ──────────────────────────────────────────────────
	// Polls *configPath for changes; applies what's safe without a restart
	// (log level, tool enablement) and logs the rest so an operator knows a
	// restart is needed to pick it up.
	watcher, err := config.NewWatcher(*configPath, onConfigChange(logLevel, tools))
	if err != nil {
		slog.Warn("config hot-reload disabled: failed to start watcher", "err", err)
	} else {
		defer watcher.Stop()
	}

	// ── Pipeline orchestrator ─────────────────────────────────────────────
	sttBreaker := resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
		Stage: resilience.StageSTT, Provider: cfg.Providers.STT.Name,
	})
	llmBreaker := resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
		Stage: resilience.StageLLM, Provider: cfg.Providers.LLM.Name,
	})
	ttsBreaker := resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
		Stage: resilience.StageTTS, Provider: cfg.Providers.TTS.Name,
	})

	p := pipeline.New(pipeline.Config{
		STT:           sttPipeline,
		LLM:           llmPipeline,
		TTS:           ttsPipeline,
		Tools:         tools,
		FillerPhrases: cfg.FillerPhrases,
		STTBreaker:    sttBreaker,
		LLMBreaker:    llmBreaker,
		TTSBreaker:    ttsBreaker,
		Metrics:       metrics,
		Tracer:        observe.Tracer(),
	})

	// ── HTTP server: health, metrics, WebSocket ───────────────────────────
	mux := http.NewServeMux()

	healthHandler := health.New(buildCheckers(llmPipeline, sttPipeline, ttsPipeline, llmBreaker, sttBreaker, ttsBreaker)...)
	healthHandler.Register(mux)

	wsHandler := wsadapter.NewHandler(p, cfg.SystemPrompt)
	mux.Handle("/v1/session", wsHandler)

	srv := &http.Server{
		Addr:    cfg.Server.ListenAddr,
		Handler: observe.Middleware(metrics)(mux),
	}

	printStartupSummary(cfg)

	errCh := make(chan error, 1)
	go func() {
		slog.Info("server listening", "addr", cfg.Server.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case <-ctx.Done():
		slog.Info("shutdown signal received, stopping…")
	case err := <-errCh:
		if err != nil {
			slog.Error("server error", "err", err)
			return 1
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}

	slog.Info("goodbye")
	return 0
}

// ── Back-end wiring ──────────────────────────────────────────────────────────

// builtinProviders maps provider category names to the implementations that
// ship with voxrelay. Used for startup logging only.
var builtinProviders = map[string][]string{
	"llm": {"openai"},
	"stt": {"whispercpp"},
	"tts": {"elevenlabs"},
}

// registerBuiltinProviders registers the factory functions for every shipped
// back-end adapter against reg, so cfg.Providers.* selections resolve without
// the caller needing to know concrete adapter packages.
func registerBuiltinProviders(reg *config.Registry) {
	reg.RegisterLLM("openai", func(entry config.ProviderEntry) (llm.Pipeline, error) {
		opts := []llmopenai.Option{}
		if entry.BaseURL != "" {
			opts = append(opts, llmopenai.WithBaseURL(entry.BaseURL))
		}
		return llmopenai.New(entry.APIKey, entry.Model, opts...)
	})

	reg.RegisterSTT("whispercpp", func(entry config.ProviderEntry) (stt.Pipeline, error) {
		modelPath := entry.Model
		opts := []whispercpp.Option{}
		if lang, ok := entry.Options["language"].(string); ok && lang != "" {
			opts = append(opts, whispercpp.WithLanguage(lang))
		}
		return whispercpp.New(modelPath, opts...)
	})

	reg.RegisterTTS("elevenlabs", func(entry config.ProviderEntry) (tts.Pipeline, error) {
		voiceID, _ := entry.Options["voice_id"].(string)
		return elevenlabs.New(entry.APIKey, voiceID)
	})

	for kind, names := range builtinProviders {
		for _, name := range names {
			slog.Debug("registered provider", "kind", kind, "name", name)
		}
	}
}

// buildBackends instantiates and initialises the LLM, STT, and TTS
// back-ends named in cfg.Providers. STT and TTS are optional; LLM is
// required.
func buildBackends(ctx context.Context, cfg *config.Config, reg *config.Registry) (llm.Pipeline, stt.Pipeline, tts.Pipeline, error) {
	if cfg.Providers.LLM.Name == "" {
		return nil, nil, nil, errors.New("providers.llm must be configured")
	}

	llmPipeline, err := reg.CreateLLM(cfg.Providers.LLM)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("create llm provider %q: %w", cfg.Providers.LLM.Name, err)
	}
	if err := llmPipeline.Initialize(ctx, logProgress("llm", cfg.Providers.LLM.Name)); err != nil {
		return nil, nil, nil, fmt.Errorf("initialize llm provider %q: %w", cfg.Providers.LLM.Name, err)
	}
	slog.Info("provider initialised", "kind", "llm", "name", cfg.Providers.LLM.Name)

	var sttPipeline stt.Pipeline
	if cfg.Providers.STT.Name != "" {
		sttPipeline, err = reg.CreateSTT(cfg.Providers.STT)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("create stt provider %q: %w", cfg.Providers.STT.Name, err)
		}
		if err := sttPipeline.Initialize(ctx, logProgress("stt", cfg.Providers.STT.Name)); err != nil {
			return nil, nil, nil, fmt.Errorf("initialize stt provider %q: %w", cfg.Providers.STT.Name, err)
		}
		slog.Info("provider initialised", "kind", "stt", "name", cfg.Providers.STT.Name)
	}

	var ttsPipeline tts.Pipeline
	if cfg.Providers.TTS.Name != "" {
		ttsPipeline, err = reg.CreateTTS(cfg.Providers.TTS)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("create tts provider %q: %w", cfg.Providers.TTS.Name, err)
		}
		if err := ttsPipeline.Initialize(ctx, logProgress("tts", cfg.Providers.TTS.Name)); err != nil {
			return nil, nil, nil, fmt.Errorf("initialize tts provider %q: %w", cfg.Providers.TTS.Name, err)
		}
		slog.Info("provider initialised", "kind", "tts", "name", cfg.Providers.TTS.Name)
	}

	return llmPipeline, sttPipeline, ttsPipeline, nil
}

// logProgress returns a ProgressFunc-shaped closure (shared signature across
// llm.ProgressFunc/stt.ProgressFunc/tts.ProgressFunc) that logs load progress
// at debug level.
func logProgress(kind, name string) func(float64) {
	return func(fraction float64) {
		slog.Debug("provider loading", "kind", kind, "name", name, "progress", fraction)
	}
}

// buildCheckers returns the readiness [health.Checker]s for every configured
// back-end, skipping adapters that were never configured, plus one
// [health.BreakerChecker] per stage so an open breaker fails /readyz even
// when the adapter's own IsReady would otherwise report healthy.
func buildCheckers(l llm.Pipeline, s stt.Pipeline, t tts.Pipeline, llmBreaker, sttBreaker, ttsBreaker *resilience.CircuitBreaker) []health.Checker {
	var checkers []health.Checker
	if l != nil {
		checkers = append(checkers, health.Checker{Name: "llm_adapter", Check: readyCheck(l.IsReady)})
		checkers = append(checkers, health.BreakerChecker(resilience.StageLLM, llmBreaker))
	}
	if s != nil {
		checkers = append(checkers, health.Checker{Name: "stt_adapter", Check: readyCheck(s.IsReady)})
		checkers = append(checkers, health.BreakerChecker(resilience.StageSTT, sttBreaker))
	}
	if t != nil {
		checkers = append(checkers, health.Checker{Name: "tts_adapter", Check: readyCheck(t.IsReady)})
		checkers = append(checkers, health.BreakerChecker(resilience.StageTTS, ttsBreaker))
	}
	return checkers
}

// readyCheck adapts an IsReady() bool method to a health.Checker's
// context-aware Check signature.
func readyCheck(isReady func() bool) func(context.Context) error {
	return func(_ context.Context) error {
		if !isReady() {
			return errors.New("not ready")
		}
		return nil
	}
}

// ── Config hot-reload ──────────────────────────────────────────────────────────

// onConfigChange returns a config.Watcher callback that applies whatever
// subset of a config change is safe to hot-swap: the log level (via its
// shared slog.LevelVar) and tool enablement (tools are looked up by name
// against the built-in catalogue and registered/unregistered in place).
// Provider selection, filler phrases, and the system prompt all require a
// process restart, and are only logged here, not applied.
func onConfigChange(level *slog.LevelVar, tools *toolregistry.Registry) func(old, new *config.Config) {
	catalogue := make(map[string]toolregistry.Tool)
	for _, t := range diceroller.Tools() {
		catalogue[t.Definition.Name] = t
	}

	return func(old, new *config.Config) {
		diff := config.Diff(old, new)

		if diff.LogLevelChanged {
			level.Set(slogLevel(diff.NewLogLevel))
			slog.Info("log level changed", "new_level", diff.NewLogLevel)
		}

		if diff.ToolsChanged {
			for _, tc := range diff.ToolChanges {
				switch {
				case tc.Added:
					t, ok := catalogue[tc.Name]
					if !ok {
						slog.Warn("config added unknown tool; ignoring", "tool", tc.Name)
						continue
					}
					if err := tools.Register(t); err != nil {
						slog.Error("failed to register hot-reloaded tool", "tool", tc.Name, "err", err)
						continue
					}
					slog.Info("tool enabled", "tool", tc.Name)
				case tc.Removed:
					tools.Unregister(tc.Name)
					slog.Info("tool disabled", "tool", tc.Name)
				}
			}
		}

		if diff.SystemPromptChanged {
			slog.Info("system_prompt changed in config; restart voxrelay to apply it to new sessions")
		}
		if diff.FillerPhrasesChanged {
			slog.Info("filler_phrases changed in config; restart voxrelay to apply it")
		}
	}
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║         voxrelay — startup summary     ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printProvider("LLM", cfg.Providers.LLM.Name, cfg.Providers.LLM.Model)
	printProvider("STT", cfg.Providers.STT.Name, cfg.Providers.STT.Model)
	printProvider("TTS", cfg.Providers.TTS.Name, cfg.Providers.TTS.Model)
	fmt.Printf("║  Tools configured: %-19d ║\n", len(cfg.Tools))
	if cfg.Server.ListenAddr != "" {
		fmt.Printf("║  Listen addr     : %-19s ║\n", cfg.Server.ListenAddr)
	}
	fmt.Println("╚═══════════════════════════════════════╝")
}

func printProvider(kind, name, model string) {
	value := name
	if value == "" {
		value = "(not configured)"
	} else if model != "" {
		value = name + " / " + model
	}
	if len(value) > 19 {
		value = value[:16] + "…"
	}
	fmt.Printf("║  %-12s    : %-19s ║\n", kind, value)
}

// ── Logger ─────────────────────────────────────────────────────────────────────

func slogLevel(level config.LogLevel) slog.Level {
	switch level {
	case config.LogLevelDebug:
		return slog.LevelDebug
	case config.LogLevelWarn:
		return slog.LevelWarn
	case config.LogLevelError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
