// Package oto implements [playback.Output] on the system speaker through
// github.com/ebitengine/oto/v3.
//
// The output is a [playback.Timeline] pulled by an oto player, so its clock
// is the number of frames handed to the device. oto allows a single context
// per process; the first [Open] creates it and later opens must use the same
// format. Only one [Output] may be open at a time.
package oto

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	ebioto "github.com/ebitengine/oto/v3"

	"github.com/MrWong99/voxline/pkg/audio"
	"github.com/MrWong99/voxline/pkg/audio/playback"
)

// Compile-time interface assertions.
var (
	_ playback.Output  = (*Output)(nil)
	_ playback.Flusher = (*Output)(nil)
	_ io.ReadSeeker    = stream{}
)

// DefaultBuffer is the default device and player buffer length.
const DefaultBuffer = 100 * time.Millisecond

var (
	// ErrOutputBusy is returned by [Open] while another Output is open.
	ErrOutputBusy = errors.New("oto: output already in use")

	// ErrFormatLocked is returned by [Open] when the process-wide context
	// already runs at a different format.
	ErrFormatLocked = errors.New("oto: context format is fixed for the process")
)

type player interface {
	Play()
	Pause()
	Seek(offset int64, whence int) (int64, error)
	Close() error
}

// stream feeds a timeline to the player. oto drops its read-ahead buffer
// only when seeking, so stream answers Seek(0, io.SeekCurrent) with the
// timeline's byte position; the timeline itself never rewinds.
type stream struct {
	tl *playback.Timeline
}

func (s stream) Read(p []byte) (int, error) { return s.tl.Read(p) }

func (s stream) Seek(offset int64, whence int) (int64, error) {
	if offset != 0 || whence != io.SeekCurrent {
		return 0, errors.New("oto: timeline only reports its current position")
	}
	f := s.tl.Format()
	return int64(f.Samples(s.tl.Now())) * int64(f.Channels) * 2, nil
}

// host is the process-wide oto context and its ownership flag.
var host struct {
	mu     sync.Mutex
	ctx    *ebioto.Context
	format audio.Format
	inUse  bool
}

// newPlayer creates a player pulling from r. It is called with host.mu held.
var newPlayer = func(f audio.Format, buffer time.Duration, r io.Reader) (player, error) {
	if host.ctx == nil {
		c, ready, err := ebioto.NewContext(&ebioto.NewContextOptions{
			SampleRate:   f.SampleRate,
			ChannelCount: f.Channels,
			Format:       ebioto.FormatSignedInt16LE,
			BufferSize:   buffer,
		})
		if err != nil {
			return nil, fmt.Errorf("oto: new context: %w", err)
		}
		<-ready
		host.ctx = c
		host.format = f
	} else if host.format != f {
		return nil, fmt.Errorf("%w: running at %s, requested %s", ErrFormatLocked, host.format, f)
	}

	p := host.ctx.NewPlayer(r)
	p.SetBufferSize(2 * f.Channels * f.Samples(buffer))
	return p, nil
}

// Option configures [Open].
type Option func(*options)

type options struct {
	buffer time.Duration
}

// WithBuffer sets the device and player buffer length. Longer buffers are
// more robust against scheduling hiccups but delay interruptions.
func WithBuffer(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.buffer = d
		}
	}
}

// Output plays a [playback.Timeline] on the default speaker.
type Output struct {
	tl *playback.Timeline
	p  player

	mu       sync.Mutex
	closed   bool
	closeErr error
}

// Open claims the speaker and starts pulling silence from a fresh timeline
// in format f.
func Open(f audio.Format, opts ...Option) (*Output, error) {
	if !f.Valid() {
		return nil, fmt.Errorf("oto: invalid format %s", f)
	}
	o := options{buffer: DefaultBuffer}
	for _, fn := range opts {
		fn(&o)
	}

	host.mu.Lock()
	defer host.mu.Unlock()
	if host.inUse {
		return nil, ErrOutputBusy
	}

	tl := playback.NewTimeline(f)
	p, err := newPlayer(f, o.buffer, stream{tl: tl})
	if err != nil {
		return nil, err
	}
	host.inUse = true
	p.Play()
	slog.Debug("oto: output open", "format", f.String(), "buffer", o.buffer)
	return &Output{tl: tl, p: p}, nil
}

// Format implements [playback.Output].
func (o *Output) Format() audio.Format { return o.tl.Format() }

// Now implements [playback.Output].
func (o *Output) Now() time.Duration { return o.tl.Now() }

// Play implements [playback.Output].
func (o *Output) Play(samples []float32, at time.Duration, onEnd func()) playback.Voice {
	return o.tl.Play(samples, at, onEnd)
}

// Flush implements [playback.Flusher]. It pauses the player, discards the
// audio it has read ahead of the device, and resumes, so voices stopped on
// the timeline fall silent within the device buffer rather than the player
// buffer.
func (o *Output) Flush() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return
	}
	o.p.Pause()
	if _, err := o.p.Seek(0, io.SeekCurrent); err != nil {
		slog.Warn("oto: flush player buffer", "err", err)
	}
	o.p.Play()
}

// Close implements [playback.Output]. It silences the timeline, closes the
// player, and releases the speaker for the next Open. The process-wide
// context stays alive. Idempotent.
func (o *Output) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return o.closeErr
	}
	o.closed = true
	_ = o.tl.Close()
	if err := o.p.Close(); err != nil {
		o.closeErr = fmt.Errorf("oto: close player: %w", err)
	}
	host.mu.Lock()
	host.inUse = false
	host.mu.Unlock()
	return o.closeErr
}
