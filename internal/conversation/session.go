// Package conversation runs one full-duplex voice conversation: microphone
// frames stream to a realtime speech service while the service's reply audio
// is scheduled gaplessly on the local output and its transcripts are
// aggregated into turns.
//
// A session is started with [Start], which returns a [Handle] immediately.
// Opening the devices and the service connection happens in the background;
// progress and results are delivered through [Callbacks]. All callbacks run
// on a single goroutine owned by the session, one at a time, in the order the
// underlying events occurred.
package conversation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/voxline/internal/observe"
	"github.com/MrWong99/voxline/pkg/audio"
	"github.com/MrWong99/voxline/pkg/audio/capture"
	"github.com/MrWong99/voxline/pkg/audio/playback"
	"github.com/MrWong99/voxline/pkg/transport"
)

// DefaultOpenTimeout bounds how long a session waits for the service to
// acknowledge it after the connection is established.
const DefaultOpenTimeout = 15 * time.Second

// DefaultInputFormat is the format microphone audio is streamed in.
var DefaultInputFormat = audio.Format{SampleRate: 16000, Channels: 1}

// Config describes one conversation session.
type Config struct {
	// Transport connects to the realtime speech service. Required.
	Transport transport.Transport

	// Capture is the microphone device. Required.
	Capture capture.Device

	// Output is the playback device. Required. The session takes ownership
	// and closes it on teardown.
	Output playback.Output

	// Instructions is the system prompt sent when the session is set up.
	Instructions string

	// Voice selects the model's prebuilt voice. Empty uses the service
	// default.
	Voice string

	// InputFormat is the format microphone audio is converted to before it
	// is sent. Zero value means [DefaultInputFormat].
	InputFormat audio.Format

	// FrameSamples is the number of samples per channel in each outbound
	// frame. Zero means [capture.DefaultFrameSamples].
	FrameSamples int

	// CaptureBuffer is the number of frames buffered between the microphone
	// and the sender. Zero means [capture.DefaultBuffer].
	CaptureBuffer int

	// OpenTimeout bounds the wait for the service's acknowledgement. Zero
	// means [DefaultOpenTimeout].
	OpenTimeout time.Duration

	// Metrics receives the session's instruments. Nil means
	// [observe.DefaultMetrics].
	Metrics *observe.Metrics
}

func (c *Config) applyDefaults() {
	if !c.InputFormat.Valid() {
		c.InputFormat = DefaultInputFormat
	}
	if c.FrameSamples <= 0 {
		c.FrameSamples = capture.DefaultFrameSamples
	}
	if c.CaptureBuffer <= 0 {
		c.CaptureBuffer = capture.DefaultBuffer
	}
	if c.OpenTimeout <= 0 {
		c.OpenTimeout = DefaultOpenTimeout
	}
	if c.Metrics == nil {
		c.Metrics = observe.DefaultMetrics()
	}
}

func (c *Config) validate() error {
	var errs []error
	if c.Transport == nil {
		errs = append(errs, errors.New("transport is required"))
	}
	if c.Capture == nil {
		errs = append(errs, errors.New("capture device is required"))
	}
	if c.Output == nil {
		errs = append(errs, errors.New("output device is required"))
	} else if !c.Output.Format().Valid() {
		errs = append(errs, fmt.Errorf("output format %s is invalid", c.Output.Format()))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	return nil
}

// Callbacks receive session notifications. Any field may be nil. Callbacks
// run on the session's dispatch goroutine and may call [Handle.Close].
type Callbacks struct {
	// OnStateChange is called after every state transition.
	OnStateChange func(State)

	// OnTranscriptionUpdate is called with the accumulated transcript of the
	// current turn for one speaker each time a fragment arrives.
	OnTranscriptionUpdate func(isUser bool, partial string)

	// OnTurnComplete is called once per finished turn with the full text of
	// both speakers. It is not called for turns where neither spoke.
	OnTurnComplete func(userText, modelText string)

	// OnError is called once with the cause when the session fails.
	OnError func(error)
}

// Handle controls a running session.
type Handle struct {
	id      string
	cfg     Config
	cb      Callbacks
	metrics *observe.Metrics
	log     *slog.Logger
	ctx     context.Context
	started time.Time

	sm   *StateMachine
	disp *dispatcher

	openCtx    context.Context
	openCancel context.CancelFunc
	openDone   chan struct{}
	sendCtx    context.Context
	sendCancel context.CancelFunc
	ready      chan struct{}
	readyOnce  sync.Once

	// Written by the open phase before openDone is closed; read-only after.
	src       *capture.Source
	conn      transport.Conn
	sched     *playback.Scheduler
	openTimer *time.Timer

	// evMu serialises event handling with terminal transitions so that no
	// callback is posted after the final state change.
	evMu sync.Mutex

	// Owned by the event goroutine.
	outFmt  audio.Format
	agg     TranscriptAggregator
	conv    *audio.Converter
	convSrc audio.Format

	errMu        sync.Mutex
	err          error
	stopOnCancel func() bool

	events    sync.WaitGroup
	senders   sync.WaitGroup
	closeOnce sync.Once
	closeErr  error
}

// Start begins a session and returns its handle without blocking. The
// microphone and the service connection are opened concurrently; failures
// are reported through [Callbacks.OnError]. Cancelling ctx closes the
// session.
func Start(ctx context.Context, cfg Config, cb Callbacks) *Handle {
	cfg.applyDefaults()

	id := uuid.NewString()
	ctx = observe.WithSession(ctx, id)
	h := &Handle{
		id:       id,
		cfg:      cfg,
		cb:       cb,
		metrics:  cfg.Metrics,
		ctx:      context.WithoutCancel(ctx),
		started:  time.Now(),
		disp:     newDispatcher(),
		openDone: make(chan struct{}),
		ready:    make(chan struct{}),
	}
	h.log = observe.Logger(ctx)
	h.sm = NewStateMachine(h.stateChanged)
	h.openCtx, h.openCancel = context.WithCancel(h.ctx)
	h.sendCtx, h.sendCancel = context.WithCancel(h.ctx)
	stop := context.AfterFunc(ctx, func() { _ = h.Close() })
	h.errMu.Lock()
	h.stopOnCancel = stop
	h.errMu.Unlock()

	h.metrics.ActiveSessions.Add(h.ctx, 1)
	h.log.Info("conversation: starting session",
		"input_format", cfg.InputFormat.String(),
		"open_timeout", cfg.OpenTimeout,
	)

	go h.disp.run()
	go h.run()
	return h
}

// ID returns the session's unique identifier.
func (h *Handle) ID() string { return h.id }

// State returns the current session state.
func (h *Handle) State() State { return h.sm.State() }

// Err returns the cause of failure once the session is in [StateError], and
// nil otherwise.
func (h *Handle) Err() error {
	h.errMu.Lock()
	defer h.errMu.Unlock()
	return h.err
}

// Done returns a channel that is closed once the session has been torn down
// and every callback has been delivered.
func (h *Handle) Done() <-chan struct{} { return h.disp.done }

// Close stops sending, stops capture, cancels playback, closes the
// transport, and releases the output, in that order, and waits for all of it
// to finish. If the session is still opening, the open is aborted and
// whatever was already opened is released. Close is idempotent; only the
// call that performs the teardown returns its error.
func (h *Handle) Close() error {
	return h.finish(StateClosed, nil)
}

// ── Lifecycle ────────────────────────────────────────────────────────────────

func (h *Handle) run() {
	err := h.open()
	close(h.openDone)
	if err != nil {
		_ = h.finish(StateError, err)
	}
}

// open validates the config and opens capture and transport concurrently.
// A nil return with no resources attached means the session was closed while
// opening.
func (h *Handle) open() error {
	if err := h.cfg.validate(); err != nil {
		return err
	}

	ctx, span := observe.StartSpan(h.openCtx, "conversation.open",
		trace.WithAttributes(
			attribute.String("audio.input_format", h.cfg.InputFormat.String()),
			attribute.Int("audio.frame_samples", h.cfg.FrameSamples),
		),
	)
	defer span.End()

	outFmt := h.cfg.Output.Format()
	src := capture.New(h.cfg.Capture, h.cfg.InputFormat,
		capture.WithFrameSamples(h.cfg.FrameSamples),
		capture.WithBuffer(h.cfg.CaptureBuffer),
		capture.WithDropHook(func() { h.metrics.CaptureDropped.Add(h.ctx, 1) }),
	)

	var (
		frames <-chan audio.Frame
		conn   transport.Conn
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		ch, err := src.Open(context.Background())
		if err != nil {
			return fmt.Errorf("conversation: open capture: %w", err)
		}
		frames = ch
		return nil
	})
	g.Go(func() error {
		c, err := h.cfg.Transport.Connect(gctx, transport.Config{
			Instructions: h.cfg.Instructions,
			Voice:        h.cfg.Voice,
			InputFormat:  h.cfg.InputFormat,
			OutputFormat: outFmt,
		})
		if err != nil {
			return fmt.Errorf("%w: connect: %w", ErrTransport, err)
		}
		conn = c
		return nil
	})

	err := g.Wait()
	if err != nil || h.openCtx.Err() != nil {
		_ = src.Close()
		if conn != nil {
			_ = conn.Close()
		}
		if h.openCtx.Err() != nil {
			h.log.Debug("conversation: open aborted by close")
			return nil
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	h.log.Info("conversation: devices and transport open",
		"capture_format", src.NativeFormat().String(),
		"output_format", outFmt.String(),
	)

	h.src = src
	h.conn = conn
	h.outFmt = outFmt
	h.sched = playback.NewScheduler(h.cfg.Output,
		playback.WithGapHook(func(gap time.Duration) { h.metrics.RecordPlaybackGap(h.ctx, gap) }),
		playback.WithIdleHook(h.playbackDrained),
	)
	h.openTimer = time.AfterFunc(h.cfg.OpenTimeout, h.openTimedOut)

	h.events.Add(1)
	go h.eventLoop(conn.Events())
	h.senders.Add(1)
	go h.sendLoop(frames)
	return nil
}

func (h *Handle) openTimedOut() {
	select {
	case <-h.ready:
		return
	default:
	}
	_ = h.finish(StateError, fmt.Errorf("%w: service did not acknowledge the session within %s",
		ErrTransport, h.cfg.OpenTimeout))
}

// finish moves the session into the terminal state to and tears it down.
func (h *Handle) finish(to State, cause error) error {
	h.terminate(to, cause)

	first := false
	h.closeOnce.Do(func() {
		first = true
		h.closeErr = h.teardown()
	})
	if first {
		return h.closeErr
	}
	return nil
}

func (h *Handle) terminate(to State, cause error) {
	h.evMu.Lock()
	defer h.evMu.Unlock()
	if h.sm.State().Terminal() {
		return
	}
	sig := SignalClose
	if to == StateError {
		sig = SignalFailure
		h.errMu.Lock()
		h.err = cause
		h.errMu.Unlock()
		h.log.Error("conversation: session failed", "err", cause)
		if fn := h.cb.OnError; fn != nil {
			h.disp.post(func() { fn(cause) })
		}
	}
	h.sm.Apply(sig)
}

func (h *Handle) teardown() error {
	h.openCancel()
	<-h.openDone
	if h.openTimer != nil {
		h.openTimer.Stop()
	}

	h.sendCancel()
	h.senders.Wait()

	var errs []error
	if h.src != nil {
		errs = append(errs, h.src.Close())
	}
	if h.sched != nil {
		_ = h.sched.Close()
	}
	if h.conn != nil {
		_ = h.conn.Close()
	}
	h.events.Wait()
	if h.cfg.Output != nil {
		if err := h.cfg.Output.Close(); err != nil {
			errs = append(errs, fmt.Errorf("conversation: close output: %w", err))
		}
	}

	h.errMu.Lock()
	if h.stopOnCancel != nil {
		h.stopOnCancel()
	}
	h.errMu.Unlock()
	h.metrics.ActiveSessions.Add(h.ctx, -1)
	h.log.Info("conversation: session ended", "state", h.sm.State().String())
	h.disp.close()
	return errors.Join(errs...)
}

func (h *Handle) stateChanged(from, to State) {
	h.metrics.RecordStateChange(h.ctx, to.String())
	h.log.Debug("conversation: state change", "from", from.String(), "to", to.String())
	if fn := h.cb.OnStateChange; fn != nil {
		h.disp.post(func() { fn(to) })
	}
}

// ── Outbound ─────────────────────────────────────────────────────────────────

// sendLoop forwards captured frames to the service. Frames captured before
// the service acknowledged the session are discarded.
func (h *Handle) sendLoop(frames <-chan audio.Frame) {
	defer h.senders.Done()
	ready := h.ready
	for {
		select {
		case <-h.sendCtx.Done():
			return
		case <-ready:
			ready = nil
		case f, ok := <-frames:
			if !ok {
				return
			}
			h.metrics.CaptureFrames.Add(h.ctx, 1)
			if ready != nil {
				select {
				case <-ready:
					ready = nil
				default:
					continue
				}
			}
			err := h.conn.SendAudio(audio.EncodeWire(f.Samples))
			h.metrics.RecordSend(h.ctx, err)
			if err == nil {
				continue
			}
			if !errors.Is(err, transport.ErrClosed) {
				go h.finish(StateError, fmt.Errorf("%w: send: %w", ErrTransport, err))
			}
			return
		}
	}
}

// ── Inbound ──────────────────────────────────────────────────────────────────

func (h *Handle) eventLoop(events <-chan transport.Event) {
	defer h.events.Done()
	for ev := range events {
		h.handle(ev)
	}
}

func (h *Handle) handle(ev transport.Event) {
	h.evMu.Lock()
	defer h.evMu.Unlock()
	if h.sm.State().Terminal() {
		return
	}

	switch ev := ev.(type) {
	case transport.Open:
		h.onOpen()
	case transport.Transcript:
		h.onTranscript(ev)
	case transport.Audio:
		h.onAudio(ev)
	case transport.Interrupted:
		h.onInterrupted()
	case transport.TurnComplete:
		h.onTurnComplete()
	case transport.Failed:
		go h.finish(StateError, fmt.Errorf("%w: %w", ErrTransport, ev.Err))
	case transport.Closed:
		h.log.Info("conversation: service closed the session", "reason", ev.Reason)
		go h.finish(StateClosed, nil)
	default:
		h.log.Warn("conversation: ignoring unknown transport event", "type", fmt.Sprintf("%T", ev))
	}
}

func (h *Handle) onOpen() {
	h.readyOnce.Do(func() { close(h.ready) })
	h.openTimer.Stop()
	h.metrics.SessionOpenDuration.Record(h.ctx, time.Since(h.started).Seconds())
	h.log.Info("conversation: session open")
	h.sm.Apply(SignalOpen)
}

func (h *Handle) onTranscript(ev transport.Transcript) {
	partial := h.agg.Append(ev.Role, ev.Text)
	isUser := ev.Role == transport.RoleUser
	if isUser {
		h.sm.Apply(SignalUserTranscript)
	}
	if ev.Text == "" {
		return
	}
	if fn := h.cb.OnTranscriptionUpdate; fn != nil {
		h.disp.post(func() { fn(isUser, partial) })
	}
}

func (h *Handle) onAudio(ev transport.Audio) {
	samples, err := audio.DecodeWire(ev.Data)
	if err != nil {
		h.metrics.DecodeErrors.Add(h.ctx, 1)
		h.log.Warn("conversation: dropping undecodable audio chunk", "err", err, "mime_type", ev.MIMEType)
		return
	}
	samples = h.toOutput(samples, ev.MIMEType)
	if _, err := h.sched.Schedule(samples); err != nil {
		return
	}
	h.metrics.PlaybackChunks.Add(h.ctx, 1)
	h.sm.Apply(SignalModelAudio)
}

// toOutput converts mono service audio at the rate named by mime to the
// output format. A missing rate is taken to mean the output rate.
func (h *Handle) toOutput(samples []float32, mime string) []float32 {
	out := h.outFmt
	src := audio.Format{SampleRate: audio.ParseMIMERate(mime), Channels: 1}
	if src.SampleRate == 0 {
		src.SampleRate = out.SampleRate
	}
	if src == out {
		return samples
	}
	if h.conv == nil || h.convSrc != src {
		h.conv = audio.NewConverter(src, out)
		h.convSrc = src
	}
	return h.conv.Convert(samples)
}

// playbackDrained runs on the output's goroutine once the last scheduled
// chunk has finished playing.
func (h *Handle) playbackDrained() {
	h.log.Debug("conversation: playback drained", "clock", h.sched.NextStart())
}

func (h *Handle) onInterrupted() {
	responding := h.sm.State() == StateResponding
	cut := h.sched.Interrupt()
	if responding || cut > 0 {
		h.metrics.Interruptions.Add(h.ctx, 1)
		h.log.Debug("conversation: playback interrupted", "chunks", cut)
	}
	h.conv = nil
	h.sm.Apply(SignalInterrupt)
}

func (h *Handle) onTurnComplete() {
	h.sched.Settle()
	h.log.Debug("conversation: turn complete", "queued_chunks", h.sched.Pending())
	if t, ok := h.agg.Complete(); ok {
		h.metrics.Turns.Add(h.ctx, 1)
		if fn := h.cb.OnTurnComplete; fn != nil {
			h.disp.post(func() { fn(t.UserText, t.ModelText) })
		}
	}
	h.sm.Apply(SignalTurnComplete)
}
