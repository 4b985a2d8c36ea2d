// Package app wires all Convoxa subsystems into a running runtime.
//
// The App struct owns the full lifecycle: New creates and connects every
// subsystem in dependency order, Run serves traffic until the context ends,
// and Shutdown tears everything down in reverse order.
//
// For testing, inject fakes via functional options (WithStore, WithRegistry,
// WithProvider, etc.). When an option is not provided, New creates the real
// implementation from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/convoxa/internal/agent"
	"github.com/MrWong99/convoxa/internal/bridge"
	"github.com/MrWong99/convoxa/internal/config"
	"github.com/MrWong99/convoxa/internal/embed"
	"github.com/MrWong99/convoxa/internal/gateway"
	"github.com/MrWong99/convoxa/internal/health"
	"github.com/MrWong99/convoxa/internal/observe"
	"github.com/MrWong99/convoxa/internal/quota"
	"github.com/MrWong99/convoxa/internal/reconcile"
	"github.com/MrWong99/convoxa/internal/secrets"
	"github.com/MrWong99/convoxa/internal/session"
	"github.com/MrWong99/convoxa/internal/store"
	"github.com/MrWong99/convoxa/internal/store/postgres"
	"github.com/MrWong99/convoxa/internal/tools"
	"github.com/MrWong99/convoxa/pkg/convai"
	"github.com/MrWong99/convoxa/pkg/convai/elevenlabs"
)

// drainTimeout bounds the wait for in-flight sessions to finish their final
// record writes after Run's context ends. It is longer than the bridge's own
// finalisation deadline so the store outlives every pending write.
const drainTimeout = 15 * time.Second

// Provider bundles the three provider-facing surfaces the runtime consumes.
// Satisfied by [elevenlabs.Client]; tests inject a fake.
type Provider interface {
	convai.Provider
	convai.Archive
	convai.KnowledgeRetriever
}

// App owns all subsystem lifetimes of the session runtime.
type App struct {
	cfg *config.Config

	// Subsystems, initialised in New, torn down in Shutdown.
	store      store.Store
	registry   session.Registry
	provider   Provider
	codec      *secrets.Codec
	resolver   *agent.Resolver
	quota      *quota.Enforcer
	dispatcher *tools.Dispatcher
	bridge     *bridge.Bridge
	reconciler *reconcile.Reconciler
	gateway    *gateway.Gateway
	discord    *gateway.DiscordLink
	server     *http.Server

	// closers run in reverse order during Shutdown.
	closers []func() error

	// stopOnce makes Shutdown idempotent.
	stopOnce sync.Once
}

// Option swaps a subsystem in New, mainly to inject test doubles.
type Option func(*App)

// WithStore injects a store instead of connecting to PostgreSQL.
func WithStore(s store.Store) Option {
	return func(a *App) { a.store = s }
}

// WithRegistry injects a session registry instead of creating one from the
// config's registry backend.
func WithRegistry(r session.Registry) Option {
	return func(a *App) { a.registry = r }
}

// WithProvider injects a provider client instead of creating the ElevenLabs
// one from config.
func WithProvider(p Provider) Option {
	return func(a *App) { a.provider = p }
}

// New creates an App by wiring all subsystems together in dependency order:
// the store connection and seed import, the session registry, the provider
// client, and the session pipeline from resolver to gateway. The HTTP
// listener is not opened until [App.Run].
//
// New does not install telemetry. Metric instruments bind to the global
// meter provider as subsystems are constructed, so the caller must run
// [observe.InitProvider] first if it wants them exported.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*App, error) {
	a := &App{cfg: cfg}
	for _, o := range opts {
		o(a)
	}

	// ── 1. Secrets codec ─────────────────────────────────────────────────
	// Used by the seed import and the tool dispatcher alike.
	codec, err := secrets.NewCodec(cfg.Security.EncryptionKey)
	if err != nil {
		a.closeAll()
		return nil, fmt.Errorf("app: init secrets codec: %w", err)
	}
	a.codec = codec

	// ── 2. Store ─────────────────────────────────────────────────────────
	if err := a.initStore(ctx); err != nil {
		a.closeAll()
		return nil, fmt.Errorf("app: init store: %w", err)
	}

	// ── 3. Seed import ───────────────────────────────────────────────────
	if err := a.seed(ctx); err != nil {
		a.closeAll()
		return nil, fmt.Errorf("app: seed: %w", err)
	}

	// ── 4. Session registry ──────────────────────────────────────────────
	if err := a.initRegistry(ctx); err != nil {
		a.closeAll()
		return nil, fmt.Errorf("app: init registry: %w", err)
	}

	// ── 5. Provider client ───────────────────────────────────────────────
	if err := a.initProvider(); err != nil {
		a.closeAll()
		return nil, fmt.Errorf("app: init provider: %w", err)
	}

	// ── 6. Session pipeline ──────────────────────────────────────────────
	if err := a.initPipeline(); err != nil {
		a.closeAll()
		return nil, fmt.Errorf("app: init pipeline: %w", err)
	}

	// ── 7. HTTP server ───────────────────────────────────────────────────
	a.initServer()

	return a, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

// initStore connects the PostgreSQL store unless one was injected.
func (a *App) initStore(ctx context.Context) error {
	if a.store != nil {
		return nil
	}

	dsn := a.cfg.Store.PostgresDSN
	if dsn == "" {
		return errors.New("store.postgres_dsn is required when no store is injected")
	}

	pg, err := postgres.New(ctx, dsn, a.cfg.Store.EmbeddingDimensions)
	if err != nil {
		return err
	}
	a.store = pg
	a.closers = append(a.closers, func() error {
		pg.Close()
		return nil
	})
	return nil
}

// initRegistry creates the single-active-session registry for the configured
// backend unless one was injected.
func (a *App) initRegistry(ctx context.Context) error {
	if a.registry != nil {
		return nil
	}

	switch a.cfg.Registry.Backend {
	case config.RegistryRedis:
		client := redis.NewClient(&redis.Options{
			Addr:     a.cfg.Registry.RedisAddr,
			Password: a.cfg.Registry.RedisPassword,
			DB:       a.cfg.Registry.RedisDB,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return fmt.Errorf("ping redis at %q: %w", a.cfg.Registry.RedisAddr, err)
		}
		a.registry = session.NewRedisRegistry(client)
		a.closers = append(a.closers, client.Close)
		slog.Info("session registry ready", "backend", "redis", "addr", a.cfg.Registry.RedisAddr)

	default:
		a.registry = session.NewMemoryRegistry()
		slog.Info("session registry ready", "backend", "memory")
	}
	return nil
}

// initProvider creates the ElevenLabs client unless one was injected.
func (a *App) initProvider() error {
	if a.provider != nil {
		return nil
	}

	opts := []elevenlabs.Option{}
	if a.cfg.Provider.BaseURL != "" {
		opts = append(opts, elevenlabs.WithBaseURL(a.cfg.Provider.BaseURL))
	}
	if s := a.cfg.Provider.SignedURLTimeoutSeconds; s > 0 {
		opts = append(opts, elevenlabs.WithSignedURLTimeout(time.Duration(s)*time.Second))
	}
	if s := a.cfg.Provider.IdleTimeoutSeconds; s > 0 {
		opts = append(opts, elevenlabs.WithIdleTimeout(time.Duration(s)*time.Second))
	}

	client, err := elevenlabs.New(a.cfg.Provider.APIKey, opts...)
	if err != nil {
		return err
	}
	a.provider = client
	return nil
}

// initPipeline builds the per-session machinery: resolver, quota enforcer,
// tool dispatcher, bridge, reconciler, gateway, and the optional Discord
// link.
func (a *App) initPipeline() error {
	a.resolver = agent.NewResolver(a.store,
		a.cfg.Provider.DefaultEnTTSModel, a.cfg.Provider.DefaultMultiTTSModel)

	a.quota = quota.NewEnforcer(a.store, a.cfg.Quota.TokensPerMinute)

	embedder, err := embed.New(a.cfg.Embeddings)
	if err != nil {
		return fmt.Errorf("create embedder: %w", err)
	}
	if embedder == nil {
		slog.Info("transcript semantic index disabled, no embeddings backend configured")
	}

	a.dispatcher = tools.NewDispatcher(tools.Config{
		Store:            a.store,
		Codec:            a.codec,
		Retriever:        a.provider,
		Embedder:         embedder,
		DefaultTimeout:   time.Duration(a.cfg.Tools.DefaultTimeoutSeconds) * time.Second,
		MaxResponseBytes: a.cfg.Tools.MaxResponseBytes,
	})
	a.closers = append(a.closers, a.dispatcher.Close)

	settleDelay := time.Duration(a.cfg.Reconciler.SettleDelaySeconds) * time.Second

	a.bridge = bridge.New(bridge.Config{
		Provider:    a.provider,
		Sessions:    a.store,
		Jobs:        a.store,
		Quota:       a.quota,
		Tools:       a.dispatcher,
		SettleDelay: settleDelay,
	})

	summarizer, err := a.buildSummarizer()
	if err != nil {
		return fmt.Errorf("create summarizer: %w", err)
	}

	a.reconciler = reconcile.New(reconcile.Config{
		Jobs:         a.store,
		Sessions:     a.store,
		Agents:       a.store,
		Records:      a.store,
		Archive:      a.provider,
		Summarizer:   summarizer,
		Embedder:     embedder,
		Workers:      a.cfg.Reconciler.Workers,
		PollInterval: time.Duration(a.cfg.Reconciler.PollIntervalSeconds) * time.Second,
		MaxAttempts:  a.cfg.Reconciler.MaxAttempts,
		AudioRoot:    a.cfg.Reconciler.AudioStorageRoot,
	})

	a.gateway = gateway.New(gateway.Config{
		Resolver:        a.resolver,
		Quota:           a.quota,
		Registry:        a.registry,
		Bridge:          a.bridge,
		ApprovedDomains: a.cfg.Gateway.ApprovedDomains,
		PublicBaseURL:   a.cfg.Server.PublicBaseURL,
	})

	if a.cfg.Discord != nil && a.cfg.Discord.Token != "" && len(a.cfg.Discord.Bindings) > 0 {
		link, err := gateway.NewDiscordLink(*a.cfg.Discord, a.gateway)
		if err != nil {
			return fmt.Errorf("create discord link: %w", err)
		}
		a.discord = link
		slog.Info("discord link configured", "bindings", len(a.cfg.Discord.Bindings))
	}

	return nil
}

// buildSummarizer assembles the fallback summarizer chain: the configured
// LLM backend first, the extractive summarizer as the terminal entry. With
// no backend configured the extractive one runs alone.
func (a *App) buildSummarizer() (reconcile.Summarizer, error) {
	extractive := &reconcile.ExtractiveSummarizer{}

	llm, err := reconcile.NewLLMSummarizer(a.cfg.Summarizer)
	if err != nil {
		return nil, err
	}
	if llm == nil {
		return extractive, nil
	}
	return reconcile.NewSummarizerChain(llm, a.cfg.Summarizer.Provider, extractive), nil
}

// initServer assembles the HTTP handler tree: gateway routes, health probes,
// and the Prometheus scrape endpoint, wrapped in the observability
// middleware.
func (a *App) initServer() {
	mux := http.NewServeMux()
	a.gateway.Register(mux)

	checkers := []health.Checker{
		{Name: "store", Check: a.pingStore},
		{Name: "registry", Check: a.registry.Ping},
	}
	if p, ok := a.provider.(interface{ Ping(context.Context) error }); ok {
		checkers = append(checkers, health.Checker{Name: "provider", Check: p.Ping})
	}
	health.New(checkers...).Register(mux)

	mux.Handle("GET /metrics", promhttp.Handler())

	a.server = &http.Server{
		Addr:              a.cfg.Server.ListenAddr,
		Handler:           observe.Middleware(observe.DefaultMetrics())(mux),
		ReadHeaderTimeout: 10 * time.Second,
	}
}

// pingStore probes the store; a plain query path when the concrete type
// exposes no pool.
func (a *App) pingStore(ctx context.Context) error {
	if pg, ok := a.store.(*postgres.Store); ok {
		return pg.Pool().Ping(ctx)
	}
	_, err := a.store.GetTenant(ctx, "healthcheck")
	return err
}

// Handler exposes the assembled HTTP handler for tests.
func (a *App) Handler() http.Handler {
	return a.server.Handler
}

// Apply applies a hot-reloadable config change to the running subsystems.
// The log level is the caller's concern; it owns the handler.
func (a *App) Apply(d config.ConfigDiff) {
	if d.ApprovedDomainsChanged {
		a.gateway.SetApprovedDomains(d.NewApprovedDomains)
		slog.Info("approved domains reloaded", "count", len(d.NewApprovedDomains))
	}
	if d.MeterRateChanged {
		a.quota.SetRate(d.NewTokensPerMinute)
		slog.Info("meter rate reloaded", "tokens_per_minute", d.NewTokensPerMinute)
	}
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run serves traffic until ctx is cancelled: the HTTP listener, the
// reconcile worker pool, and the Discord link when configured. Session
// handlers inherit ctx through the server's base context, so cancelling it
// winds down in-flight conversations; Run returns once they have drained.
// Cancellation is a clean stop, not an error.
func (a *App) Run(ctx context.Context) error {
	a.server.BaseContext = func(net.Listener) context.Context { return ctx }

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		var err error
		if tls := a.cfg.Server.TLS; tls != nil {
			err = a.server.ListenAndServeTLS(tls.CertFile, tls.KeyFile)
		} else {
			err = a.server.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})

	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return a.server.Shutdown(sctx)
	})

	g.Go(func() error { return a.reconciler.Run(gctx) })

	if a.discord != nil {
		g.Go(func() error { return a.discord.Run(gctx) })
	}

	slog.Info("runtime serving", "addr", a.cfg.Server.ListenAddr)

	err := g.Wait()

	// Shutdown does not wait for hijacked WebSocket connections, and admitted
	// sessions persist their record after the transport closes. Hold Run open
	// until that drain finishes so Shutdown cannot close the store under it.
	dctx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()
	if derr := a.gateway.Drain(dctx); derr != nil {
		slog.Warn("sessions still finalising at drain deadline", "err", derr)
	}

	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown closes every subsystem in reverse-init order, bounded by ctx:
// once it expires the remaining closers are skipped and the context error
// comes back.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))

		for i := len(a.closers) - 1; i >= 0; i-- {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", i+1)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := a.closers[i](); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}

		slog.Info("shutdown complete")
	})
	return shutdownErr
}

// closeAll unwinds the closers registered so far after a failed New.
func (a *App) closeAll() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			slog.Warn("closer error during failed init", "index", i, "err", err)
		}
	}
	a.closers = nil
}
