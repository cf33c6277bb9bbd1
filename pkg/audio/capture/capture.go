// Package capture turns a host input device into a push stream of fixed-size
// audio frames at the format the remote service expects.
//
// A [Device] delivers whatever the hardware produces: any callback size, any
// channel count, the device's native sample rate. [Source] downmixes and
// resamples that stream, slices it into frames of exactly FrameSamples
// samples per channel, and publishes them on a channel in capture order.
//
// The source never applies back-pressure to the device callback. When the
// consumer falls behind and the frame channel is full, the newest frame is
// dropped and counted; frames that are delivered stay in FIFO order.
package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/MrWong99/voxline/pkg/audio"
)

const (
	// DefaultFrameSamples is the number of samples per channel in one frame.
	// At 16 kHz this is 256 ms of audio per outbound message.
	DefaultFrameSamples = 4096

	// DefaultBuffer is the capacity of the frame channel.
	DefaultBuffer = 32
)

// ErrCaptureUnavailable is returned when the input device cannot be opened,
// either because none exists or because access was denied. It is fatal for
// the session that requested it.
var ErrCaptureUnavailable = errors.New("capture: input device unavailable")

// ErrClosed is returned by [Source.Open] after [Source.Close].
var ErrClosed = errors.New("capture: source closed")

// Device is a host audio input.
//
// Open starts the device and returns its native format. onData receives
// interleaved float32 samples in that format from the device's own callback
// goroutine; it is never invoked before Open has returned, and never after
// Close has returned. The slice passed to onData is only valid for the
// duration of the call.
//
// Close stops the device and releases it. Implementations must tolerate
// repeated calls.
type Device interface {
	Open(onData func(samples []float32)) (audio.Format, error)
	Close() error
}

// Option configures a [Source] during construction.
type Option func(*Source)

// WithFrameSamples sets the number of samples per channel in each frame.
// Non-positive values are ignored.
func WithFrameSamples(n int) Option {
	return func(s *Source) {
		if n > 0 {
			s.frameSamples = n
		}
	}
}

// WithBuffer sets the capacity of the frame channel. Non-positive values are
// ignored.
func WithBuffer(n int) Option {
	return func(s *Source) {
		if n > 0 {
			s.buffer = n
		}
	}
}

// WithDropHook registers fn to be called once for every frame dropped because
// the consumer was not keeping up. fn runs on the device callback goroutine
// and must not block.
func WithDropHook(fn func()) Option {
	return func(s *Source) {
		s.onDrop = fn
	}
}

// Source adapts a [Device] to a stream of [audio.Frame] values.
//
// All exported methods are safe for concurrent use.
type Source struct {
	dev          Device
	target       audio.Format
	frameSamples int
	buffer       int
	onDrop       func()

	mu        sync.Mutex
	out       chan audio.Frame
	conv      *audio.Converter
	pending   []float32
	seq       uint64
	native    audio.Format
	opened    bool
	opening   bool
	closed    bool
	stopCtx   func() bool
	closeOnce sync.Once
	closeErr  error
	warnDrop  sync.Once
}

// New returns a Source reading from dev and emitting frames in target format.
func New(dev Device, target audio.Format, opts ...Option) *Source {
	s := &Source{
		dev:          dev,
		target:       target,
		frameSamples: DefaultFrameSamples,
		buffer:       DefaultBuffer,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Open starts the device and returns the frame channel. The channel is closed
// by [Source.Close], which also runs automatically when ctx is cancelled.
//
// Any device failure is reported as an error wrapping [ErrCaptureUnavailable].
func (s *Source) Open(ctx context.Context) (<-chan audio.Frame, error) {
	if !s.target.Valid() {
		return nil, fmt.Errorf("capture: open: invalid target format %s", s.target)
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("capture: open: %w", err)
	}

	s.mu.Lock()
	switch {
	case s.closed:
		s.mu.Unlock()
		return nil, ErrClosed
	case s.opened:
		s.mu.Unlock()
		return nil, errors.New("capture: open: already open")
	}
	s.opened = true
	s.opening = true
	s.out = make(chan audio.Frame, s.buffer)
	s.mu.Unlock()

	native, err := s.dev.Open(s.handle)
	if err == nil && !native.Valid() {
		_ = s.dev.Close()
		err = fmt.Errorf("device reported invalid format %s", native)
	}

	s.mu.Lock()
	s.opening = false
	if err != nil || s.closed {
		// A Close that ran while the device was opening left the release
		// to this call.
		abandoned := err == nil
		s.closed = true
		s.mu.Unlock()
		if abandoned {
			_ = s.dev.Close()
		}
		s.mu.Lock()
		close(s.out)
		s.mu.Unlock()
		if abandoned {
			return nil, ErrClosed
		}
		return nil, fmt.Errorf("%w: %w", ErrCaptureUnavailable, err)
	}
	s.native = native
	s.conv = audio.NewConverter(native, s.target)
	s.stopCtx = context.AfterFunc(ctx, func() { _ = s.Close() })
	out := s.out
	s.mu.Unlock()

	slog.Debug("capture opened",
		"native", native.String(),
		"target", s.target.String(),
		"frame_samples", s.frameSamples,
	)
	return out, nil
}

// NativeFormat returns the format reported by the device, or the zero Format
// before a successful Open.
func (s *Source) NativeFormat() audio.Format {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.native
}

// Close stops the device, discards any partial frame, and closes the frame
// channel. It is idempotent; every call returns the result of the first. If
// Open is still waiting on the device, Close returns at once and Open
// releases the device when it gets it back.
func (s *Source) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		wasOpen := s.opened && !s.closed && !s.opening
		s.closed = true
		stop := s.stopCtx
		s.mu.Unlock()

		if stop != nil {
			stop()
		}
		if !wasOpen {
			return
		}

		// The device callback may be blocked on s.mu; release it before
		// waiting for the device to stop.
		if err := s.dev.Close(); err != nil {
			s.closeErr = fmt.Errorf("capture: close: %w", err)
		}

		s.mu.Lock()
		close(s.out)
		s.pending = nil
		s.mu.Unlock()
	})
	return s.closeErr
}

// handle is the device callback. It converts the block to the target format,
// appends it to the pending buffer, and emits every complete frame.
func (s *Source) handle(samples []float32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.conv == nil {
		return
	}

	converted := s.conv.Convert(samples)
	s.pending = append(s.pending, converted...)

	size := s.frameSamples * s.target.Channels
	for len(s.pending) >= size {
		buf := make([]float32, size)
		copy(buf, s.pending[:size])
		s.pending = s.pending[size:]
		s.emit(buf)
	}

	// Compact so the backing array does not grow without bound.
	if cap(s.pending) > 4*size && len(s.pending) < size {
		s.pending = append(make([]float32, 0, size), s.pending...)
	}
}

// emit publishes one frame without blocking. Must be called with s.mu held.
func (s *Source) emit(samples []float32) {
	f := audio.Frame{
		Samples:   samples,
		Format:    s.target,
		Seq:       s.seq,
		Timestamp: s.target.Duration(int(s.seq) * len(samples)),
	}
	s.seq++

	select {
	case s.out <- f:
	default:
		s.warnDrop.Do(func() {
			slog.Warn("capture: consumer is not keeping up, dropping frames",
				"buffer", s.buffer,
				"format", s.target.String(),
			)
		})
		if s.onDrop != nil {
			s.onDrop()
		}
	}
}
