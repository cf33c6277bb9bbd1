package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/MrWong99/voxline/internal/config"
	"github.com/MrWong99/voxline/internal/conversation"
	"github.com/MrWong99/voxline/internal/observe"
	"github.com/MrWong99/voxline/internal/resilience"
	"github.com/MrWong99/voxline/pkg/audio"
	"github.com/MrWong99/voxline/pkg/audio/capture"
	"github.com/MrWong99/voxline/pkg/audio/playback"
	"github.com/MrWong99/voxline/pkg/transport"
)

var (
	// ErrSessionActive is returned by Start while a conversation is running.
	ErrSessionActive = errors.New("app: a session is already active")

	// ErrNoSession is reported by the readiness check when nothing runs.
	ErrNoSession = errors.New("app: no session")
)

// SessionInfo holds metadata about the current or last session.
type SessionInfo struct {
	ID        string
	Transport string
	StartedAt time.Time
}

// Devices builds the host audio endpoints of one session. A fresh capture
// device and output are created for every session.
type Devices struct {
	Capture func(config.InputConfig) capture.Device
	Output  func(config.OutputConfig) (playback.Output, error)
}

// TransportFactory builds the transport for a config entry.
type TransportFactory func(config.TransportEntry) (transport.Transport, error)

// SessionManagerConfig holds all dependencies for a [SessionManager].
type SessionManagerConfig struct {
	Config    *config.Config
	Transport TransportFactory
	Devices   Devices
	Metrics   *observe.Metrics

	// Now replaces time.Now for the breaker in tests.
	Now func() time.Time
}

// SessionManager runs at most one conversation at a time and refuses new
// starts while the service keeps failing to open sessions.
// All exported methods are safe for concurrent use.
type SessionManager struct {
	newTransport TransportFactory
	devices      Devices
	metrics      *observe.Metrics
	breaker      *resilience.CircuitBreaker

	mu     sync.Mutex
	cfg    *config.Config
	tr     transport.Transport
	handle *conversation.Handle
	info   SessionInfo
}

// NewSessionManager creates a SessionManager. The transport is built lazily
// on the first Start.
func NewSessionManager(cfg SessionManagerConfig) *SessionManager {
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}
	return &SessionManager{
		newTransport: cfg.Transport,
		devices:      cfg.Devices,
		metrics:      cfg.Metrics,
		cfg:          cfg.Config,
		breaker: resilience.NewCircuitBreaker(resilience.Config{
			Name:         "session",
			MaxFailures:  cfg.Config.Session.MaxFailures,
			ResetTimeout: cfg.Config.Session.ResetTimeout,
			Now:          cfg.Now,
		}),
	}
}

// Start begins a new conversation with the current configuration. It waits
// for the previous session's teardown so the output device is free again.
// It fails with [resilience.ErrCircuitOpen] after repeated open failures.
func (sm *SessionManager) Start(ctx context.Context, cb conversation.Callbacks) (*conversation.Handle, error) {
	sm.mu.Lock()
	prev := sm.handle
	sm.mu.Unlock()

	// Callbacks of prev may still call into the manager, so wait unlocked.
	if prev != nil {
		if !prev.State().Terminal() {
			return nil, fmt.Errorf("%w (id=%s)", ErrSessionActive, prev.ID())
		}
		select {
		case <-prev.Done():
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	sm.mu.Lock()
	defer sm.mu.Unlock()
	if sm.handle != prev {
		return nil, fmt.Errorf("%w (id=%s)", ErrSessionActive, sm.handle.ID())
	}

	if err := sm.breaker.Allow(); err != nil {
		sm.metrics.SessionStarts.Add(ctx, 1, metric.WithAttributes(observe.Attr("result", "rejected")))
		return nil, fmt.Errorf("app: start session: %w", err)
	}

	cfg := sm.cfg
	sessCfg, err := sm.sessionConfig(cfg)
	if err != nil {
		sm.breaker.Record(err)
		return nil, fmt.Errorf("app: start session: %w", err)
	}

	var once sync.Once
	record := func(err error) { once.Do(func() { sm.breaker.Record(err) }) }
	wrapped := cb
	wrapped.OnStateChange = func(s conversation.State) {
		switch s {
		case conversation.StateListening, conversation.StateClosed:
			record(nil)
		}
		if cb.OnStateChange != nil {
			cb.OnStateChange(s)
		}
	}
	wrapped.OnError = func(err error) {
		record(err)
		if cb.OnError != nil {
			cb.OnError(err)
		}
	}

	h := conversation.Start(ctx, sessCfg, wrapped)
	sm.handle = h
	sm.info = SessionInfo{ID: h.ID(), Transport: cfg.Transport.Name, StartedAt: time.Now().UTC()}
	sm.metrics.SessionStarts.Add(ctx, 1, metric.WithAttributes(observe.Attr("result", "started")))
	slog.Info("session started", "session_id", h.ID(), "transport", cfg.Transport.Name)
	return h, nil
}

// sessionConfig builds the conversation config. Must be called with sm.mu held.
func (sm *SessionManager) sessionConfig(cfg *config.Config) (conversation.Config, error) {
	if sm.tr == nil {
		tr, err := sm.newTransport(cfg.Transport)
		if err != nil {
			return conversation.Config{}, err
		}
		sm.tr = tr
	}
	out, err := sm.devices.Output(cfg.Audio.Output)
	if err != nil {
		return conversation.Config{}, fmt.Errorf("open output: %w", err)
	}
	in := cfg.Audio.Input
	return conversation.Config{
		Transport:     sm.tr,
		Capture:       sm.devices.Capture(in),
		Output:        out,
		Instructions:  cfg.Session.SystemPrompt,
		Voice:         cfg.Session.Voice,
		InputFormat:   audio.Format{SampleRate: in.SampleRate, Channels: in.Channels},
		FrameSamples:  in.FrameSamples,
		CaptureBuffer: in.BufferFrames,
		OpenTimeout:   cfg.Session.OpenTimeout,
		Metrics:       sm.metrics,
	}, nil
}

// Stop closes the running session, if any, and waits for its teardown.
func (sm *SessionManager) Stop() error {
	sm.mu.Lock()
	h := sm.handle
	sm.mu.Unlock()
	if h == nil {
		return nil
	}
	return h.Close()
}

// Current returns the latest session handle and its metadata. The handle is
// nil before the first Start.
func (sm *SessionManager) Current() (*conversation.Handle, SessionInfo) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.handle, sm.info
}

// Apply swaps in a reloaded configuration used by the next Start. The
// transport built from the first configuration is kept.
func (sm *SessionManager) Apply(cfg *config.Config) {
	sm.mu.Lock()
	sm.cfg = cfg
	sm.mu.Unlock()
}

// Breaker exposes the restart breaker's state.
func (sm *SessionManager) Breaker() resilience.State {
	return sm.breaker.State()
}

// CheckSession is a readiness check: it passes while a session is open.
func (sm *SessionManager) CheckSession(context.Context) error {
	h, _ := sm.Current()
	if h == nil {
		return ErrNoSession
	}
	switch s := h.State(); s {
	case conversation.StateListening, conversation.StateResponding:
		return nil
	case conversation.StateError:
		return fmt.Errorf("session %s failed: %w", h.ID(), h.Err())
	default:
		return fmt.Errorf("session %s is %s", h.ID(), s)
	}
}

// CheckBreaker is a readiness check that fails while restarts are refused.
func (sm *SessionManager) CheckBreaker(context.Context) error {
	if s := sm.breaker.State(); s == resilience.StateOpen {
		return resilience.ErrCircuitOpen
	}
	return nil
}
