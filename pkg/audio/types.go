// Package audio defines the sample and frame types shared by the capture and
// playback halves of the voice pipeline, together with the PCM16 wire codec
// and the format conversion helpers (downmix, resampling) that sit between a
// host device and the remote conversational service.
//
// Samples are float32 values nominally in [-1, 1], interleaved when a format
// carries more than one channel. The wire representation is little-endian
// signed 16-bit PCM, base64-encoded for JSON transport.
package audio

import (
	"fmt"
	"time"
)

// Format describes the sample rate and channel count of an audio stream.
type Format struct {
	SampleRate int
	Channels   int
}

// Valid reports whether both the rate and the channel count are positive.
func (f Format) Valid() bool {
	return f.SampleRate > 0 && f.Channels > 0
}

// Duration returns the playback length of n interleaved samples in this
// format. A zero or invalid format yields zero.
func (f Format) Duration(n int) time.Duration {
	if !f.Valid() || n <= 0 {
		return 0
	}
	frames := int64(n / f.Channels)
	return time.Duration(frames * int64(time.Second) / int64(f.SampleRate))
}

// Samples returns the number of interleaved samples that cover d.
func (f Format) Samples(d time.Duration) int {
	if !f.Valid() || d <= 0 {
		return 0
	}
	frames := int64(d) * int64(f.SampleRate) / int64(time.Second)
	return int(frames) * f.Channels
}

// String renders the format as e.g. "16000Hz mono".
func (f Format) String() string {
	return formatString(f.SampleRate, f.Channels)
}

// Frame is a fixed-length run of consecutive samples at a declared format.
// Frames are the unit of capture and transmission: the capture source emits
// them at a fixed cadence, the encoder turns each one into a single outbound
// message.
type Frame struct {
	// Samples holds interleaved float32 samples in [-1, 1].
	Samples []float32

	// Format is the sample rate and channel count of Samples.
	Format Format

	// Seq is the zero-based capture order of this frame within its stream.
	Seq uint64

	// Timestamp marks the capture position of the first sample, relative to
	// stream start.
	Timestamp time.Duration
}

// Duration returns the playback length of the frame.
func (f Frame) Duration() time.Duration {
	return f.Format.Duration(len(f.Samples))
}

// formatString returns a human-readable string for a sample rate and channel
// count, e.g. "48000Hz stereo".
func formatString(rate, channels int) string {
	ch := "mono"
	if channels == 2 {
		ch = "stereo"
	} else if channels > 2 {
		ch = fmt.Sprintf("%dch", channels)
	}
	return fmt.Sprintf("%dHz %s", rate, ch)
}
