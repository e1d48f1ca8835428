// ABOUTME: Gateway orchestrator that wires the relay components behind one HTTP server
// ABOUTME: Manages listeners (TCP or tailnet), the timeout sweeper, and the shutdown drain

package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"tailscale.com/ipn/ipnstate"
	"tailscale.com/tsnet"

	"github.com/2389/assistant-relay/internal/assistant"
	"github.com/2389/assistant-relay/internal/auth"
	"github.com/2389/assistant-relay/internal/config"
	"github.com/2389/assistant-relay/internal/conversation"
	"github.com/2389/assistant-relay/internal/geo"
	"github.com/2389/assistant-relay/internal/metrics"
	"github.com/2389/assistant-relay/internal/notify"
	"github.com/2389/assistant-relay/internal/relay"
)

// Gateway orchestrates the relay server components.
type Gateway struct {
	config      *config.Config
	store       *conversation.Store
	coordinator *Coordinator
	metrics     *metrics.Metrics
	httpServer  *http.Server
	tsnetServer *tsnet.Server
	sweeper     *sweeper
	limiter     *rateLimiter
	logger      *slog.Logger

	// geoMemory and geoRedis are whichever location cache is in use.
	geoMemory *geo.MemoryCache
	geoRedis  *geo.RedisCache

	// draining flips once shutdown starts; readiness reports 503 from then on.
	draining atomic.Bool
}

// newUpstream returns the OpenAI assistants backend, or the echo backend
// when no API key is configured.
func newUpstream(cfg config.AssistantConfig, logger *slog.Logger) (assistant.Service, error) {
	if cfg.APIKey == "" {
		logger.Warn("assistant.api_key not set - replies are echoed back")
		return assistant.NewEcho(0), nil
	}
	svc, err := assistant.NewOpenAI(assistant.OpenAIConfig{
		APIKey:       cfg.APIKey,
		AssistantID:  cfg.AssistantID,
		BaseURL:      cfg.BaseURL,
		PollInterval: cfg.PollInterval,
		Logger:       logger.With("component", "openai"),
	})
	if err != nil {
		return nil, fmt.Errorf("creating assistant client: %w", err)
	}
	return svc, nil
}

// newMailer returns an SMTP mailer, or a log mailer when no SMTP host is configured.
func newMailer(cfg config.NotifyConfig, logger *slog.Logger) notify.Mailer {
	if cfg.SMTP.Host == "" {
		logger.Warn("notify.smtp.host not set - transcripts are logged instead of mailed")
		return notify.LogMailer{Logger: logger.With("component", "mailer")}
	}
	return notify.NewSMTPMailer(cfg.SMTP.Host, cfg.SMTP.Port, cfg.SMTP.Username, cfg.SMTP.Password, cfg.From)
}

// initGeo builds the cached geolocation lookup. Redis is used when an
// address is configured, otherwise an in-process cache.
func (g *Gateway) initGeo(ctx context.Context, cfg config.GeoConfig, logger *slog.Logger) (geo.Locator, error) {
	client := geo.NewClient(cfg.Endpoint, cfg.Timeout)
	logger = logger.With("component", "geo")

	if cfg.RedisAddr != "" {
		rc := geo.NewRedisCache(redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		}), cfg.CacheTTL)
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := rc.Ping(pingCtx); err != nil {
			_ = rc.Close()
			return nil, fmt.Errorf("connecting to geo cache redis: %w", err)
		}
		g.geoRedis = rc
		logger.Info("geo cache backed by redis", "addr", cfg.RedisAddr)
		return geo.NewCachedLocator(client, rc, logger), nil
	}

	g.geoMemory = geo.NewMemoryCache(cfg.CacheTTL, cfg.CacheSize, time.Minute)
	return geo.NewCachedLocator(client, g.geoMemory, logger), nil
}

// New creates a new Gateway instance with the given configuration.
func New(cfg *config.Config, logger *slog.Logger) (*Gateway, error) {
	gw := &Gateway{
		config: cfg,
		logger: logger.With("component", "gateway"),
	}

	if cfg.Metrics.Enabled {
		gw.metrics = metrics.New()
	}

	locator, err := gw.initGeo(context.Background(), cfg.Geo, logger)
	if err != nil {
		return nil, err
	}

	dispatcher := notify.NewDispatcher(notify.Config{
		Recipient:  cfg.Notify.Recipient,
		Subject:    cfg.Notify.Subject,
		Location:   cfg.Notify.Location,
		HTML:       cfg.Notify.HTML,
		Geolocator: locator,
		Mailer:     newMailer(cfg.Notify, logger),
		Logger:     logger.With("component", "notify"),
		Metrics:    gw.metrics,
	})

	recent := NewHandleMemory(DefaultHandleMemory)
	notifier := recent.Notifier(dispatcher)

	gw.store = conversation.NewStore(conversation.Options{
		InactivityTimeout: cfg.Session.InactivityTimeout,
		MaxDuration:       cfg.Session.MaxDuration,
		Notifier:          notifier,
		NotifyTimeout:     cfg.Notify.Timeout,
		Logger:            logger.With("component", "store"),
		Metrics:           gw.metrics,
	})

	upstream, err := newUpstream(cfg.Assistant, logger)
	if err != nil {
		gw.closeOptionalComponents()
		return nil, err
	}

	gw.coordinator = NewCoordinator(CoordinatorConfig{
		Store:    gw.store,
		Upstream: upstream,
		Relay:    relay.New(logger.With("component", "relay"), gw.metrics),
		Recent:   recent,
		Logger:   logger,
	})

	schedule, err := sweepSchedule(cfg.Session.SweepSchedule, cfg.Session.SweepInterval)
	if err != nil {
		gw.closeOptionalComponents()
		return nil, err
	}
	gw.sweeper, err = newSweeper(schedule, gw.coordinator.CheckTimeouts, logger)
	if err != nil {
		gw.closeOptionalComponents()
		return nil, err
	}

	if cfg.RateLimit.RequestsPerSecond > 0 {
		gw.limiter = newRateLimiter(cfg.RateLimit.RequestsPerSecond, cfg.RateLimit.Burst)
	}

	gw.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           gw.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	return gw, nil
}

// tokenVerifier returns the verifier guarding internal endpoints, or nil when
// no secret is configured.
func (g *Gateway) tokenVerifier() auth.TokenVerifier {
	if g.config == nil || g.config.Internal.TokenSecret == "" {
		g.logger.Warn("internal.token_secret not set - /check-timeouts is unauthenticated")
		return nil
	}
	return auth.NewJWTVerifier([]byte(g.config.Internal.TokenSecret))
}

// routes builds the HTTP handler tree.
func (g *Gateway) routes() http.Handler {
	mux := http.NewServeMux()

	chat := g.limit(g.limiter, http.HandlerFunc(g.handleChat))
	mux.Handle("/chat", instrument(g.metrics, "/chat", chat))
	mux.Handle("/api/chat", instrument(g.metrics, "/chat", chat))
	mux.Handle("/reset", instrument(g.metrics, "/reset", http.HandlerFunc(g.handleReset)))
	mux.Handle("/end-conversation", instrument(g.metrics, "/end-conversation", http.HandlerFunc(g.handleEndConversation)))

	requireToken := auth.RequireToken(g.tokenVerifier())
	mux.Handle("/check-timeouts", instrument(g.metrics, "/check-timeouts", requireToken(http.HandlerFunc(g.handleCheckTimeouts))))

	// Health endpoints - no auth required
	mux.HandleFunc("/health", g.handleHealth)
	mux.HandleFunc("/health/ready", g.handleReady)

	if g.metrics != nil {
		mux.Handle(g.config.Metrics.Path, g.metrics.Handler())
	}

	var origins []string
	if g.config != nil {
		origins = g.config.Server.AllowedOrigins
	}
	return cors(origins)(mux)
}

// setupTCPListener creates the standard TCP listener for HTTP.
func (g *Gateway) setupTCPListener() (net.Listener, error) {
	g.logger.Info("starting gateway", "http_addr", g.config.Server.HTTPAddr)

	ln, err := net.Listen("tcp", g.config.Server.HTTPAddr)
	if err != nil {
		return nil, fmt.Errorf("listening on HTTP address: %w", err)
	}
	return ln, nil
}

// setupListener creates the HTTP listener based on configuration (Tailscale or TCP).
func (g *Gateway) setupListener(ctx context.Context) (net.Listener, error) {
	if g.config.Tailscale.Enabled {
		if g.config.Server.HTTPAddr != "" {
			g.logger.Warn("server.http_addr is ignored when tailscale is enabled",
				"http_addr", g.config.Server.HTTPAddr)
		}
		return g.setupTailscaleListener(ctx)
	}
	return g.setupTCPListener()
}

// startServer starts the HTTP server in a goroutine, returning an error channel.
func (g *Gateway) startServer(ln net.Listener) chan error {
	errCh := make(chan error, 1)

	go func() {
		g.logger.Info("HTTP server listening", "addr", ln.Addr().String())
		if err := g.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()

	return errCh
}

// waitForShutdownSignal waits for context cancellation or server error.
func (g *Gateway) waitForShutdownSignal(ctx context.Context, errCh chan error) error {
	select {
	case <-ctx.Done():
		g.logger.Info("context canceled, initiating shutdown")
		return nil
	case err := <-errCh:
		g.logger.Error("server error", "error", err)
		return err
	}
}

// Run starts serving and blocks until the context is canceled, then shuts
// down gracefully, draining every live conversation.
// Returns nil on graceful shutdown, or an error if the server fails.
func (g *Gateway) Run(ctx context.Context) error {
	ln, err := g.setupListener(ctx)
	if err != nil {
		return err
	}

	errCh := g.startServer(ln)
	g.sweeper.Start()

	serverErr := g.waitForShutdownSignal(ctx, errCh)
	shutdownErr := g.gracefulShutdown()

	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

// gracefulShutdown performs shutdown with a fresh context and timeout.
// The caller's context is already canceled at this point.
func (g *Gateway) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), g.config.Session.DrainTimeout+10*time.Second)
	defer cancel()
	return g.Shutdown(ctx)
}

// resolveTailscaleStateDir returns the state directory, using default if not configured.
func resolveTailscaleStateDir(configured string) (string, error) {
	if configured != "" {
		return configured, nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory for tailscale state (set tailscale.state_dir explicitly): %w", err)
	}
	return filepath.Join(homeDir, ".local", "share", "assistant-relay", "tailscale"), nil
}

// resolveTailscaleAuthKey returns the auth key from config or environment.
func resolveTailscaleAuthKey(configured string) (string, error) {
	authKey := configured
	if authKey == "" {
		authKey = os.Getenv("TS_AUTHKEY")
	}
	if authKey == "" {
		return "", errors.New("tailscale auth key required: set auth_key in config or TS_AUTHKEY environment variable")
	}
	return authKey, nil
}

// setupTailscaleListener joins the tailnet and listens on :80, or publicly
// on :443 through Funnel.
func (g *Gateway) setupTailscaleListener(ctx context.Context) (net.Listener, error) {
	tsCfg := g.config.Tailscale

	stateDir, err := resolveTailscaleStateDir(tsCfg.StateDir)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(stateDir, 0700); err != nil {
		return nil, fmt.Errorf("creating tailscale state dir: %w", err)
	}

	authKey, err := resolveTailscaleAuthKey(tsCfg.AuthKey)
	if err != nil {
		return nil, err
	}

	g.tsnetServer = &tsnet.Server{
		Hostname:  tsCfg.Hostname,
		Dir:       stateDir,
		Ephemeral: tsCfg.Ephemeral,
		AuthKey:   authKey,
	}

	g.logger.Info("starting tailscale node", "hostname", tsCfg.Hostname, "state_dir", stateDir, "ephemeral", tsCfg.Ephemeral)
	status, err := g.tsnetServer.Up(ctx)
	if err != nil {
		_ = g.tsnetServer.Close()
		return nil, fmt.Errorf("starting tailscale: %w", err)
	}
	g.logTailscaleStatus(tsCfg.Hostname, status)

	var ln net.Listener
	if tsCfg.Funnel {
		g.logger.Info("enabling tailscale funnel (public HTTPS) on :443")
		ln, err = g.tsnetServer.ListenFunnel("tcp", ":443")
	} else {
		ln, err = g.tsnetServer.Listen("tcp", ":80")
	}
	if err != nil {
		_ = g.tsnetServer.Close()
		return nil, fmt.Errorf("listening on tailscale HTTP port: %w", err)
	}
	return ln, nil
}

// logTailscaleStatus logs info about the tailscale node status.
func (g *Gateway) logTailscaleStatus(hostname string, status *ipnstate.Status) {
	var tsAddr, dnsName string
	if len(status.TailscaleIPs) > 0 {
		tsAddr = status.TailscaleIPs[0].String()
	} else {
		g.logger.Warn("tailscale node has no IP addresses assigned")
	}
	if status.Self != nil {
		dnsName = status.Self.DNSName
	}
	g.logger.Info("tailscale node ready", "hostname", hostname, "tailscale_ip", tsAddr, "dns_name", dnsName)
}

// appendCloseError appends an error with label if err is non-nil.
func appendCloseError(errs []error, label string, err error) []error {
	if err != nil {
		return append(errs, fmt.Errorf("%s: %w", label, err))
	}
	return errs
}

// closeOptionalComponents closes optional components that may be nil.
func (g *Gateway) closeOptionalComponents() {
	if g.limiter != nil {
		g.limiter.Close()
	}
	if g.geoMemory != nil {
		g.geoMemory.Close()
	}
}

// Shutdown stops accepting requests, lets in-flight replies finish, then
// terminates and notifies every live conversation before releasing resources.
// The drain gets its own session.drain_timeout budget so a slow HTTP
// shutdown cannot starve it.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.logger.Info("shutting down gateway")
	g.draining.Store(true)

	var errs []error
	errs = appendCloseError(errs, "HTTP shutdown", g.httpServer.Shutdown(ctx))

	if g.sweeper != nil {
		errs = appendCloseError(errs, "sweeper stop", g.sweeper.Stop(ctx))
	}

	drainCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), g.config.Session.DrainTimeout)
	defer cancel()
	errs = appendCloseError(errs, "conversation drain", g.coordinator.Shutdown(drainCtx))

	if g.tsnetServer != nil {
		errs = appendCloseError(errs, "tailscale shutdown", g.tsnetServer.Close())
	}
	if g.geoRedis != nil {
		errs = appendCloseError(errs, "geo cache close", g.geoRedis.Close())
		g.geoRedis = nil
	}

	g.closeOptionalComponents()

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %v", errs)
	}
	return nil
}

// handleHealth returns 200 OK if the server is alive.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleReady returns 200 OK until shutdown begins.
func (g *Gateway) handleReady(w http.ResponseWriter, r *http.Request) {
	if g.draining.Load() {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("draining"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprintf(w, "ready (%d conversations)", g.coordinator.Live())
}
