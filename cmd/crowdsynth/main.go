// Command crowdsynth is the main entry point for the CrowdSynth room
// coordinator: the backend that turns crowd inputs into a live generative
// music stream.
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

	anyllmlib "github.com/mozilla-ai/any-llm-go"

	"github.com/crowdsynth/crowdsynth/internal/arbiter"
	"github.com/crowdsynth/crowdsynth/internal/audio"
	"github.com/crowdsynth/crowdsynth/internal/config"
	"github.com/crowdsynth/crowdsynth/internal/gateway"
	"github.com/crowdsynth/crowdsynth/internal/health"
	"github.com/crowdsynth/crowdsynth/internal/observe"
	"github.com/crowdsynth/crowdsynth/internal/resilience"
	"github.com/crowdsynth/crowdsynth/internal/room"
	"github.com/crowdsynth/crowdsynth/internal/server"
	"github.com/crowdsynth/crowdsynth/pkg/provider/llm"
	"github.com/crowdsynth/crowdsynth/pkg/provider/llm/anyllm"
	openaillm "github.com/crowdsynth/crowdsynth/pkg/provider/llm/openai"
	"github.com/crowdsynth/crowdsynth/pkg/provider/music"
	"github.com/crowdsynth/crowdsynth/pkg/provider/music/lyria"
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
			fmt.Fprintf(os.Stderr, "crowdsynth: config file %q not found — copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "crowdsynth: %v\n", err)
		}
		return 1
	}
	if err := config.ApplyEnv(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "crowdsynth: %v\n", err)
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	logLevel := new(slog.LevelVar)
	logLevel.Set(slogLevel(cfg.Server.LogLevel))
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})))

	slog.Info("crowdsynth starting",
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
		"frontend_url", cfg.Server.FrontendURL,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName: "crowdsynth",
	})
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

	// ── Providers ─────────────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinProviders(reg)

	llmProvider, musicProvider, err := buildProviders(cfg, reg)
	if err != nil {
		slog.Error("failed to build providers", "err", err)
		return 1
	}
	if llmProvider == nil || musicProvider == nil {
		slog.Error("both providers.llm and providers.music must be configured")
		return 1
	}

	// ── Core wiring ───────────────────────────────────────────────────────────
	store := room.NewStore()

	// The arbitration path talks to the LLM every 4 seconds per room; a
	// circuit breaker keeps a flapping backend from stalling every tick.
	guardedLLM := resilience.NewLLMFallback(llmProvider, cfg.Providers.LLM.Name, resilience.FallbackConfig{
		CircuitBreaker: resilience.CircuitBreakerConfig{
			MaxFailures:  5,
			ResetTimeout: 30 * time.Second,
		},
	})

	arb := arbiter.New(guardedLLM)

	manager := audio.NewManager(musicProvider,
		func(roomID string, chunk []byte) {
			metrics.AudioChunks.Add(context.Background(), 1)
			store.BroadcastBytes(context.Background(), roomID, chunk)
		},
		func(roomID, promptText string) {
			slog.Warn("prompt filtered by upstream", "room_id", roomID, "prompt", promptText)
		},
	)

	gw := gateway.New(store, arb, manager, metrics,
		gateway.WithOriginPatterns(originPatterns(cfg.Server.FrontendURL)...),
	)

	healthH := health.New(
		health.Checker{Name: "providers", Check: func(context.Context) error {
			if llmProvider == nil {
				return errors.New("no llm provider")
			}
			if musicProvider == nil {
				return errors.New("no music provider")
			}
			return nil
		}},
	)

	srv := server.New(server.Config{
		ListenAddr:  cfg.Server.ListenAddr,
		FrontendURL: cfg.Server.FrontendURL,
	}, store, gw, healthH, metrics)

	// ── Config hot reload ─────────────────────────────────────────────────────
	watcher, err := config.NewWatcher(*configPath, func(old, new *config.Config) {
		d := config.Diff(old, new)
		if d.LogLevelChanged {
			logLevel.Set(slogLevel(d.NewLogLevel))
			slog.Info("log level changed", "level", d.NewLogLevel)
		}
		if d.FrontendURLChanged {
			slog.Warn("frontend_url changed; restart required to apply", "new", d.NewFrontendURL)
		}
		if d.ProvidersChanged {
			slog.Warn("provider config changed; restart required to apply")
		}
	})
	if err != nil {
		slog.Warn("config watcher disabled", "err", err)
	} else {
		defer watcher.Stop()
	}

	// ── Serve ─────────────────────────────────────────────────────────────────
	errCh := make(chan error, 1)
	go func() {
		if cfg.Server.TLS != nil {
			errCh <- srv.ListenAndServeTLS(cfg.Server.TLS.CertFile, cfg.Server.TLS.KeyFile)
			return
		}
		errCh <- srv.ListenAndServe()
	}()

	slog.Info("server ready — press Ctrl+C to shut down")

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", "err", err)
			return 1
		}
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	slog.Info("shutdown signal received, stopping…")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Warn("http shutdown error", "err", err)
	}
	store.StopAllTickLoops()
	manager.CloseAll(shutdownCtx)

	slog.Info("goodbye")
	return 0
}

// ── Provider wiring ───────────────────────────────────────────────────────────

// registerBuiltinProviders wires all built-in provider factories into reg.
// Each factory receives a config.ProviderEntry and constructs the appropriate
// provider from the real implementation packages.
func registerBuiltinProviders(reg *config.Registry) {
	// ── LLM ───────────────────────────────────────────────────────────────────
	// gemini, anthropic, mistral, groq all share the same pattern:
	// optional APIKey + optional BaseURL.
	for _, providerName := range []string{
		"gemini", "anthropic", "mistral", "groq",
	} {
		reg.RegisterLLM(providerName, func(entry config.ProviderEntry) (llm.Provider, error) {
			var opts []anyllmlib.Option
			if entry.APIKey != "" {
				opts = append(opts, anyllmlib.WithAPIKey(entry.APIKey))
			}
			if entry.BaseURL != "" {
				opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
			}
			return anyllm.New(providerName, entry.Model, opts...)
		})
	}

	// openai uses the dedicated client rather than the any-llm shim.
	reg.RegisterLLM("openai", func(entry config.ProviderEntry) (llm.Provider, error) {
		var opts []openaillm.Option
		if entry.BaseURL != "" {
			opts = append(opts, openaillm.WithBaseURL(entry.BaseURL))
		}
		return openaillm.New(entry.APIKey, entry.Model, opts...)
	})

	// ollama is a local server; it uses BaseURL for the address, not an API key.
	reg.RegisterLLM("ollama", func(entry config.ProviderEntry) (llm.Provider, error) {
		var opts []anyllmlib.Option
		if entry.BaseURL != "" {
			opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
		}
		return anyllm.New("ollama", entry.Model, opts...)
	})

	// ── Music ─────────────────────────────────────────────────────────────────
	reg.RegisterMusic("lyria", func(entry config.ProviderEntry) (music.Provider, error) {
		var opts []lyria.Option
		if entry.Model != "" {
			opts = append(opts, lyria.WithModel(entry.Model))
		}
		if entry.BaseURL != "" {
			opts = append(opts, lyria.WithBaseURL(entry.BaseURL))
		}
		return lyria.New(entry.APIKey, opts...), nil
	})
}

// buildProviders instantiates the LLM and music providers named in cfg.
func buildProviders(cfg *config.Config, reg *config.Registry) (llm.Provider, music.Provider, error) {
	var llmProvider llm.Provider
	var musicProvider music.Provider

	if name := cfg.Providers.LLM.Name; name != "" {
		p, err := reg.CreateLLM(cfg.Providers.LLM)
		if err != nil {
			return nil, nil, fmt.Errorf("create llm provider %q: %w", name, err)
		}
		llmProvider = p
		slog.Info("provider created", "kind", "llm", "name", name, "model", cfg.Providers.LLM.Model)
	}

	if name := cfg.Providers.Music.Name; name != "" {
		p, err := reg.CreateMusic(cfg.Providers.Music)
		if err != nil {
			return nil, nil, fmt.Errorf("create music provider %q: %w", name, err)
		}
		musicProvider = p
		slog.Info("provider created", "kind", "music", "name", name, "model", cfg.Providers.Music.Model)
	}

	return llmProvider, musicProvider, nil
}

// originPatterns converts the configured frontend URL to the WebSocket
// origin patterns understood by the gateway.
func originPatterns(frontendURL string) []string {
	if frontendURL == "" || frontendURL == "*" {
		return []string{"*"}
	}
	return []string{frontendURL, "http://localhost:3000", "localhost:3000"}
}

// ── Logger ─────────────────────────────────────────────────────────────────────

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
