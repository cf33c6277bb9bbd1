// Package malgo implements [capture.Device] on top of miniaudio through
// github.com/gen2brain/malgo.
//
// The device captures signed 16-bit PCM at whatever rate and channel count
// the backend grants; [capture.Source] converts it to the session format.
package malgo

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	ma "github.com/gen2brain/malgo"

	"github.com/MrWong99/voxline/pkg/audio"
	"github.com/MrWong99/voxline/pkg/audio/capture"
)

// Compile-time interface assertion.
var _ capture.Device = (*Device)(nil)

// DefaultPeriod is the default callback period in milliseconds.
const DefaultPeriod = 20

// Option configures a [Device].
type Option func(*Device)

// WithSampleRate requests a capture rate. Zero (the default) uses the
// device's native rate.
func WithSampleRate(hz int) Option {
	return func(d *Device) {
		d.sampleRate = hz
	}
}

// WithChannels requests a channel count. Zero (the default) uses the
// device's native layout.
func WithChannels(n int) Option {
	return func(d *Device) {
		d.channels = n
	}
}

// WithPeriod sets the callback period in milliseconds.
func WithPeriod(ms int) Option {
	return func(d *Device) {
		if ms > 0 {
			d.periodMS = ms
		}
	}
}

// Device is the default system microphone.
type Device struct {
	sampleRate int
	channels   int
	periodMS   int

	mu     sync.Mutex
	mctx   *ma.AllocatedContext
	dev    *ma.Device
	onData atomic.Pointer[func([]float32)]
}

// New returns an unopened Device.
func New(opts ...Option) *Device {
	d := &Device{periodMS: DefaultPeriod}
	for _, o := range opts {
		o(d)
	}
	return d
}

// deviceConfig builds the miniaudio capture configuration.
func (d *Device) deviceConfig() ma.DeviceConfig {
	cfg := ma.DefaultDeviceConfig(ma.Capture)
	cfg.Capture.Format = ma.FormatS16
	cfg.Capture.Channels = uint32(max(d.channels, 0))
	cfg.SampleRate = uint32(max(d.sampleRate, 0))
	cfg.PeriodSizeInMilliseconds = uint32(d.periodMS)
	cfg.Alsa.NoMMap = 1
	return cfg
}

// Open initialises miniaudio, starts the default capture device, and
// returns the format it actually runs at. onData is armed only after the
// device has started, so no samples arrive before Open returns.
func (d *Device) Open(onData func([]float32)) (audio.Format, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.dev != nil {
		return audio.Format{}, errors.New("malgo: device already open")
	}

	mctx, err := ma.InitContext(nil, ma.ContextConfig{ThreadPriority: ma.ThreadPriorityRealtime}, nil)
	if err != nil {
		return audio.Format{}, fmt.Errorf("malgo: init context: %w", err)
	}

	callbacks := ma.DeviceCallbacks{
		Data: func(_, input []byte, _ uint32) {
			fn := d.onData.Load()
			if fn == nil || len(input) == 0 {
				return
			}
			samples, err := audio.DecodePCM16(input)
			if err != nil {
				return
			}
			(*fn)(samples)
		},
	}

	dev, err := ma.InitDevice(mctx.Context, d.deviceConfig(), callbacks)
	if err != nil {
		freeContext(mctx)
		return audio.Format{}, fmt.Errorf("malgo: init device: %w", err)
	}

	f := audio.Format{
		SampleRate: int(dev.SampleRate()),
		Channels:   int(dev.CaptureChannels()),
	}
	if dev.CaptureFormat() != ma.FormatS16 {
		dev.Uninit()
		freeContext(mctx)
		return audio.Format{}, fmt.Errorf("malgo: device granted sample format %d, want s16", dev.CaptureFormat())
	}

	if err := dev.Start(); err != nil {
		dev.Uninit()
		freeContext(mctx)
		return audio.Format{}, fmt.Errorf("malgo: start device: %w", err)
	}

	d.mctx = mctx
	d.dev = dev
	d.onData.Store(&onData)
	slog.Debug("malgo: capture started", "format", f.String(), "period_ms", d.periodMS)
	return f, nil
}

// Close stops the device and releases miniaudio. Once Close returns no
// further callbacks are delivered. Safe to call when not open.
func (d *Device) Close() error {
	d.onData.Store(nil)

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.dev == nil {
		return nil
	}

	var errs []error
	if err := d.dev.Stop(); err != nil {
		errs = append(errs, fmt.Errorf("malgo: stop device: %w", err))
	}
	d.dev.Uninit()
	freeContext(d.mctx)
	d.dev = nil
	d.mctx = nil
	return errors.Join(errs...)
}

func freeContext(c *ma.AllocatedContext) {
	_ = c.Uninit()
	c.Free()
}
