// Package app wires voxline's subsystems into a running application.
//
// The App owns the session manager, the ops HTTP server (metrics, health and
// readiness), and config hot-reload. New builds everything synchronously, Run
// serves until the context ends, and Shutdown tears down in order.
//
// Host devices and the transport are injected, so tests can run the whole
// application against mocks.
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

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/MrWong99/voxline/internal/config"
	"github.com/MrWong99/voxline/internal/health"
	"github.com/MrWong99/voxline/internal/observe"
)

// shutdownGrace bounds how long in-flight ops requests may take on shutdown.
const shutdownGrace = 5 * time.Second

// App owns all subsystem lifetimes.
type App struct {
	sessions *SessionManager
	health   *health.Handler
	metrics  *observe.Metrics
	level    *slog.LevelVar
	gatherer prometheus.Gatherer
	now      func() time.Time

	mu  sync.Mutex
	cfg *config.Config
	srv *http.Server
	ln  net.Listener

	stopOnce sync.Once
}

// Option is a functional option for New.
type Option func(*App)

// WithMetrics overrides [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithLevelVar lets reloads adjust the level of the caller's log handler.
func WithLevelVar(lv *slog.LevelVar) Option {
	return func(a *App) { a.level = lv }
}

// WithGatherer sets the registry served on /metrics. Default:
// [prometheus.DefaultGatherer].
func WithGatherer(g prometheus.Gatherer) Option {
	return func(a *App) { a.gatherer = g }
}

// WithClock replaces time.Now for the restart breaker.
func WithClock(now func() time.Time) Option {
	return func(a *App) { a.now = now }
}

// New creates an App. newTransport is usually [config.Registry.Create].
func New(cfg *config.Config, newTransport TransportFactory, devices Devices, opts ...Option) (*App, error) {
	if newTransport == nil || devices.Capture == nil || devices.Output == nil {
		return nil, errors.New("app: transport factory and both device factories are required")
	}
	a := &App{cfg: cfg}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	if a.level == nil {
		a.level = new(slog.LevelVar)
	}
	if a.gatherer == nil {
		a.gatherer = prometheus.DefaultGatherer
	}
	a.level.Set(LevelFor(cfg.Server.LogLevel))

	a.sessions = NewSessionManager(SessionManagerConfig{
		Config:    cfg,
		Transport: newTransport,
		Devices:   devices,
		Metrics:   a.metrics,
		Now:       a.now,
	})
	a.health = health.New(nil,
		health.Checker{Name: "session", Check: a.sessions.CheckSession},
		health.Checker{Name: "restarts", Check: a.sessions.CheckBreaker},
	)
	return a, nil
}

// Sessions returns the session manager.
func (a *App) Sessions() *SessionManager { return a.sessions }

// Config returns the configuration currently in effect.
func (a *App) Config() *config.Config {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.cfg
}

// Handler returns the ops HTTP handler: /metrics, /healthz and /readyz,
// wrapped in the tracing and request-metrics middleware.
func (a *App) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", promhttp.HandlerFor(a.gatherer, promhttp.HandlerOpts{}))
	a.health.Register(mux)
	return observe.Middleware(a.metrics)(mux)
}

// ─── Reload ──────────────────────────────────────────────────────────────────

// Reload applies a changed configuration. It matches the signature of the
// [config.Watcher] callback. The log level applies immediately, prompt and
// voice at the next session start. Other changes are logged and ignored
// until the process restarts.
func (a *App) Reload(old, new *config.Config) {
	d := config.Diff(old, new)
	if d.RestartRequired {
		slog.Warn("config changes outside log level, prompt and voice need a restart to take effect")
	}
	if !d.Changed() {
		return
	}
	if d.LogLevelChanged {
		a.level.Set(LevelFor(d.NewLogLevel))
		slog.Info("log level changed", "level", d.NewLogLevel)
	}

	a.mu.Lock()
	next := *a.cfg
	next.Server.LogLevel = new.Server.LogLevel
	next.Session.SystemPrompt = new.Session.SystemPrompt
	next.Session.Voice = new.Session.Voice
	a.cfg = &next
	a.mu.Unlock()

	a.sessions.Apply(&next)
	if d.SystemPromptChanged || d.VoiceChanged {
		slog.Info("session settings changed; applied at next session start",
			"system_prompt", d.SystemPromptChanged,
			"voice", d.VoiceChanged,
		)
	}
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run serves the ops endpoints, if server.listen_addr is set, and blocks
// until ctx is done. A server that fails to start is returned as an error.
func (a *App) Run(ctx context.Context) error {
	cfg := a.Config()
	if cfg.Server.ListenAddr == "" {
		<-ctx.Done()
		return ctx.Err()
	}

	ln, err := net.Listen("tcp", cfg.Server.ListenAddr)
	if err != nil {
		return fmt.Errorf("app: listen %s: %w", cfg.Server.ListenAddr, err)
	}
	srv := &http.Server{
		Handler:           a.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	a.mu.Lock()
	a.srv, a.ln = srv, ln
	a.mu.Unlock()

	errCh := make(chan error, 1)
	go func() {
		if tls := cfg.Server.TLS; tls != nil {
			errCh <- srv.ServeTLS(ln, tls.CertFile, tls.KeyFile)
			return
		}
		errCh <- srv.Serve(ln)
	}()
	slog.Info("ops server listening", "addr", ln.Addr().String(), "tls", cfg.Server.TLS != nil)

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("app: ops server: %w", err)
	}
}

// Addr returns the ops server's bound address, or nil before Run listens.
func (a *App) Addr() net.Addr {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.ln == nil {
		return nil
	}
	return a.ln.Addr()
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown closes the running session and stops the ops server. It is safe
// to call more than once; only the first call does any work.
func (a *App) Shutdown(ctx context.Context) error {
	var errs []error
	a.stopOnce.Do(func() {
		if err := a.sessions.Stop(); err != nil {
			errs = append(errs, fmt.Errorf("stop session: %w", err))
		}

		a.mu.Lock()
		srv := a.srv
		a.mu.Unlock()
		if srv != nil {
			sctx, cancel := context.WithTimeout(ctx, shutdownGrace)
			defer cancel()
			if err := srv.Shutdown(sctx); err != nil {
				errs = append(errs, fmt.Errorf("ops server: %w", err))
			}
		}
	})
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("app: shutdown: %w", err)
	}
	return nil
}

// LevelFor maps a config log level to its slog level. Unknown values map to
// info.
func LevelFor(level config.LogLevel) slog.Level {
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
