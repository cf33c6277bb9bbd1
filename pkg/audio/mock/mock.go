// Package mock provides in-memory implementations of the host audio
// interfaces, [capture.Device] and [playback.Output], for use in unit tests.
//
// All mocks are safe for concurrent use. They record every method call so that
// tests can assert on call counts and arguments, and they expose exported fields
// that the test can set to control return values.
//
// Typical usage:
//
//	dev := &mock.CaptureDevice{Format: audio.Format{SampleRate: 48000, Channels: 2}}
//	src := capture.New(dev, audio.Format{SampleRate: 16000, Channels: 1})
//	frames, err := src.Open(ctx)
//	dev.Emit(samples) // delivers one device callback
package mock

import (
	"sync"
	"time"

	"github.com/MrWong99/voxline/pkg/audio"
	"github.com/MrWong99/voxline/pkg/audio/capture"
	"github.com/MrWong99/voxline/pkg/audio/playback"
)

// Compile-time interface assertions.
var (
	_ capture.Device   = (*CaptureDevice)(nil)
	_ playback.Output  = (*Output)(nil)
	_ playback.Flusher = (*Output)(nil)
)

// ─── CaptureDevice ────────────────────────────────────────────────────────────

// CaptureDevice is a mock implementation of [capture.Device].
// Set Format (and optionally OpenErr) before use; drive callbacks with
// [CaptureDevice.Emit].
type CaptureDevice struct {
	mu sync.Mutex

	// Format is returned by Open as the device's native format.
	Format audio.Format

	// OpenErr, when non-nil, is returned by Open.
	OpenErr error

	// CloseErr is returned by Close.
	CloseErr error

	// OpenDelay makes Open block for the given duration before returning.
	OpenDelay time.Duration

	// OpenGate, when non-nil, makes Open block until the channel is closed.
	OpenGate chan struct{}

	// CallCountOpen records how many times Open was called.
	CallCountOpen int

	// CallCountClose records how many times Close was called.
	CallCountClose int

	onData func([]float32)
	open   bool
}

// Open implements [capture.Device].
func (d *CaptureDevice) Open(onData func([]float32)) (audio.Format, error) {
	d.mu.Lock()
	d.CallCountOpen++
	delay, gate := d.OpenDelay, d.OpenGate
	d.mu.Unlock()

	if delay > 0 {
		time.Sleep(delay)
	}
	if gate != nil {
		<-gate
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.OpenErr != nil {
		return audio.Format{}, d.OpenErr
	}
	d.onData = onData
	d.open = true
	return d.Format, nil
}

// Close implements [capture.Device].
func (d *CaptureDevice) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.CallCountClose++
	d.open = false
	d.onData = nil
	return d.CloseErr
}

// Emit delivers samples through the registered callback as the device
// callback goroutine would. It reports false when the device is not open.
func (d *CaptureDevice) Emit(samples []float32) bool {
	d.mu.Lock()
	cb := d.onData
	d.mu.Unlock()
	if cb == nil {
		return false
	}
	cb(samples)
	return true
}

// Opens returns the number of Open calls so far, including one still
// blocked on OpenGate.
func (d *CaptureDevice) Opens() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.CallCountOpen
}

// Closes returns the number of Close calls so far.
func (d *CaptureDevice) Closes() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.CallCountClose
}

// IsOpen reports whether Open succeeded and Close has not been called since.
func (d *CaptureDevice) IsOpen() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.open
}

// ─── Output ───────────────────────────────────────────────────────────────────

// PlayCall records the arguments of a single [Output.Play] invocation.
type PlayCall struct {
	// Samples is the samples argument passed to Play.
	Samples []float32

	// At is the requested start position.
	At time.Duration
}

// Output is a mock implementation of [playback.Output] with a manually
// advanced clock. Voices finish when [Output.Advance] moves the clock past
// their end.
type Output struct {
	mu sync.Mutex

	// OutFormat is returned by Format.
	OutFormat audio.Format

	// CloseErr is returned by Close.
	CloseErr error

	// PlayCalls records every Play invocation in order.
	PlayCalls []PlayCall

	// CallCountClose records how many times Close was called.
	CallCountClose int

	// StopCount records how many voices were stopped before finishing.
	StopCount int

	// FlushCount records how many times Flush was called.
	FlushCount int

	now    time.Duration
	voices []*mockVoice
}

type mockVoice struct {
	out     *Output
	end     time.Duration
	onEnd   func()
	stopped bool
}

// Format implements [playback.Output].
func (o *Output) Format() audio.Format {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.OutFormat
}

// Now implements [playback.Output].
func (o *Output) Now() time.Duration {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.now
}

// Play implements [playback.Output]. The call is recorded and the voice
// finishes once the clock reaches max(at, now) plus the samples' duration.
func (o *Output) Play(samples []float32, at time.Duration, onEnd func()) playback.Voice {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.PlayCalls = append(o.PlayCalls, PlayCall{Samples: samples, At: at})
	v := &mockVoice{
		out:   o,
		end:   max(at, o.now) + o.OutFormat.Duration(len(samples)),
		onEnd: onEnd,
	}
	o.voices = append(o.voices, v)
	return v
}

// Stop implements [playback.Voice].
func (v *mockVoice) Stop() {
	o := v.out
	o.mu.Lock()
	defer o.mu.Unlock()
	if v.stopped {
		return
	}
	v.stopped = true
	o.StopCount++
	for i, other := range o.voices {
		if other == v {
			o.voices = append(o.voices[:i], o.voices[i+1:]...)
			break
		}
	}
}

// Advance moves the clock forward by d and invokes onEnd for every voice
// that has finished by the new time.
func (o *Output) Advance(d time.Duration) {
	o.mu.Lock()
	o.now += d
	var ended []func()
	kept := o.voices[:0]
	for _, v := range o.voices {
		if v.end <= o.now {
			v.stopped = true
			if v.onEnd != nil {
				ended = append(ended, v.onEnd)
			}
			continue
		}
		kept = append(kept, v)
	}
	o.voices = kept
	o.mu.Unlock()

	for _, fn := range ended {
		fn()
	}
}

// Active returns the number of voices neither finished nor stopped.
func (o *Output) Active() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.voices)
}

// Flush implements [playback.Flusher]. The mock has no read-ahead buffer;
// the call is only counted.
func (o *Output) Flush() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.FlushCount++
}

// Flushes returns the number of Flush calls so far.
func (o *Output) Flushes() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.FlushCount
}

// Plays returns a copy of the recorded Play calls.
func (o *Output) Plays() []PlayCall {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]PlayCall, len(o.PlayCalls))
	copy(out, o.PlayCalls)
	return out
}

// Close implements [playback.Output].
func (o *Output) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.CallCountClose++
	o.voices = nil
	return o.CloseErr
}
