package cmd

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/golemcore/botcore/internal/channel"
	"github.com/golemcore/botcore/internal/channel/web"
	"github.com/golemcore/botcore/internal/channel/webhook"
	"github.com/golemcore/botcore/internal/config"
	"github.com/golemcore/botcore/internal/dispatch"
	"github.com/golemcore/botcore/internal/i18n"
	"github.com/golemcore/botcore/internal/llm"
	"github.com/golemcore/botcore/internal/ratelimit"
	"github.com/golemcore/botcore/internal/routing"
	"github.com/golemcore/botcore/internal/server"
	"github.com/golemcore/botcore/internal/session"
	"github.com/golemcore/botcore/internal/stages"
	"github.com/golemcore/botcore/internal/trigger"
	"github.com/golemcore/botcore/internal/turn"
)

var serveAddr string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the botcore server with channels, cron triggers, and the HTTP API",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "listen address (overrides listen_addr config)")
	rootCmd.AddCommand(serveCmd)
}

// parseAPIKeys returns a map of key -> client name from BOTCORE_API_KEYS
// (comma-separated; each entry key or key:name).
func parseAPIKeys(env string) map[string]string {
	m := make(map[string]string)
	if env == "" {
		return m
	}
	for _, part := range strings.Split(env, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		name := "default"
		if idx := strings.Index(part, ":"); idx > 0 {
			name = strings.TrimSpace(part[idx+1:])
			part = strings.TrimSpace(part[:idx])
		}
		m[part] = name
	}
	return m
}

func buildSessionStore(cfg *config.Config) (session.Store, error) {
	switch cfg.SessionBackend {
	case config.BackendMemory:
		return session.NewMemoryStore(), nil
	case config.BackendRedis:
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		return session.NewRedisStore(client, 0), nil
	default:
		return session.NewSQLiteStore(cfg.SessionDBPath())
	}
}

// buildBackend prefers OpenAI when a key is configured, otherwise Ollama.
func buildBackend(cfg *config.Config) llm.Backend {
	if cfg.OpenAIAPIKey != "" {
		return llm.NewOpenAIBackend(cfg.OpenAIAPIKey, cfg.OpenAIModel)
	}
	log.Info().Str("base_url", cfg.OllamaBaseURL).Msg("using_ollama_backend")
	return llm.NewOllamaBackend(cfg.OllamaBaseURL, cfg.OllamaModel)
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if err := cfg.EnsureDataDir(); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}

	catalog, err := i18n.NewCatalog()
	if err != nil {
		return fmt.Errorf("loading message catalog: %w", err)
	}
	catalog.SetLanguage(cfg.Language)

	store, err := buildSessionStore(cfg)
	if err != nil {
		return fmt.Errorf("initializing session store: %w", err)
	}
	defer store.Close()

	limiter := ratelimit.New(ratelimit.Config{
		Enabled:                  cfg.RateLimitEnabled,
		UserRequestsPerMinute:    cfg.RateLimitRPM,
		ChannelMessagesPerSecond: cfg.RateLimitChannelMPS,
	})

	backend := buildBackend(cfg)

	registry := channel.NewRegistry()
	hub := web.NewHub()
	registry.Register(hub)
	if cfg.WebhookCallbackURL != "" {
		registry.Register(webhook.NewTransport(cfg.WebhookCallbackURL, cfg.WebhookAuthToken))
	}

	routingStage := routing.NewStage(registry, catalog)
	pipeline := []turn.Stage{
		stages.NewSanitizer(),
		stages.NewExecutor(backend, stages.ExecutorConfig{
			SystemPrompt: cfg.SystemPrompt,
		}),
		routingStage,
	}

	orch := turn.New(turn.Config{
		Sessions:         store,
		Limiter:          limiter,
		Transports:       registry,
		Catalog:          catalog,
		Stages:           pipeline,
		Routing:          routingStage,
		Backend:          backend,
		MaxIterations:    cfg.MaxIterations,
		InterpretTimeout: cfg.InterpretTimeout,
		TypingInterval:   cfg.TypingInterval,
	})
	defer orch.Shutdown()

	coordinator := dispatch.New(orch, store, cfg.QueueSize)

	var schedules []trigger.Schedule
	if err := viper.UnmarshalKey("schedules", &schedules); err != nil {
		return fmt.Errorf("parsing schedules: %w", err)
	}
	scheduler := trigger.NewScheduler(coordinator)
	if err := scheduler.RegisterSchedules(schedules); err != nil {
		return fmt.Errorf("registering schedules: %w", err)
	}
	scheduler.Start()
	defer scheduler.Stop()

	apiKeys := parseAPIKeys(os.Getenv("BOTCORE_API_KEYS"))
	if len(apiKeys) == 0 {
		log.Warn().Msg("BOTCORE_API_KEYS not set, API authentication is disabled")
	}

	srv := server.NewServer(coordinator, apiKeys,
		server.WithWebHub(hub),
		server.WithCORSOrigins([]string{"*"}),
		server.WithVersion(resolvedVersion()),
	)

	addr := cfg.ListenAddr
	if serveAddr != "" {
		addr = serveAddr
	}
	httpServer := &http.Server{
		Addr:         addr,
		Handler:      srv.Routes(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 5 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}

	log.Info().
		Str("addr", addr).
		Str("session_backend", cfg.SessionBackend).
		Str("llm_backend", backend.Name()).
		Strs("channels", registry.ChannelTypes()).
		Int("cron_entries", scheduler.Entries()).
		Msg("botcore_serve_started")

	errCh := make(chan error, 1)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		log.Info().Msg("shutdown_signal_received")
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	if err := coordinator.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("dispatch_drain_incomplete")
	}
	log.Info().Msg("server_stopped")
	return nil
}
