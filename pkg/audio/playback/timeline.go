package playback

import (
	"io"
	"sync"
	"time"

	"github.com/MrWong99/voxline/pkg/audio"
)

// Compile-time interface assertions.
var (
	_ Output    = (*Timeline)(nil)
	_ io.Reader = (*Timeline)(nil)
)

// Timeline is a software [Output] whose clock is the number of frames it has
// rendered. It mixes every scheduled voice additively, clips the sum to
// [-1, 1], and hands the result to whoever pulls from it: a host audio player
// via [Timeline.Read] or a test via [Timeline.Render].
//
// Because time only advances as samples are pulled, scheduling against a
// Timeline is sample-accurate: two voices scheduled back to back share no
// sample and leave no gap.
type Timeline struct {
	format audio.Format

	mu       sync.Mutex
	pos      int64 // frames rendered so far
	voices   []*timelineVoice
	closed   bool
	scratch  []float32
	leftover []byte
}

type timelineVoice struct {
	tl      *Timeline
	samples []float32
	start   int64 // frame position of the first sample
	onEnd   func()
	stopped bool
}

// NewTimeline returns an empty Timeline rendering in format f.
func NewTimeline(f audio.Format) *Timeline {
	return &Timeline{format: f}
}

// Format implements [Output].
func (t *Timeline) Format() audio.Format {
	return t.format
}

// Now implements [Output]. It reports the position of the next frame to be
// rendered.
func (t *Timeline) Now() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.frameTime(t.pos)
}

// Play implements [Output]. Samples must be interleaved in the timeline's
// format; a trailing partial frame is ignored.
func (t *Timeline) Play(samples []float32, at time.Duration, onEnd func()) Voice {
	v := &timelineVoice{tl: t, samples: samples, onEnd: onEnd}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		v.stopped = true
		return v
	}
	v.start = max(t.framePos(at), t.pos)
	t.voices = append(t.voices, v)
	return v
}

// Stop implements [Voice].
func (v *timelineVoice) Stop() {
	t := v.tl
	t.mu.Lock()
	defer t.mu.Unlock()
	if v.stopped {
		return
	}
	v.stopped = true
	for i, other := range t.voices {
		if other == v {
			t.voices = append(t.voices[:i], t.voices[i+1:]...)
			break
		}
	}
}

// Render mixes the next len(dst)/channels frames into dst and advances the
// clock by that amount. Voices that finish within the block have their onEnd
// callbacks invoked after the block is mixed, outside the timeline lock.
func (t *Timeline) Render(dst []float32) {
	ch := t.format.Channels
	if ch <= 0 {
		return
	}
	frames := int64(len(dst) / ch)
	clear(dst)

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	from, to := t.pos, t.pos+frames

	var ended []func()
	kept := t.voices[:0]
	for _, v := range t.voices {
		vFrames := int64(len(v.samples) / ch)
		vEnd := v.start + vFrames
		lo, hi := max(v.start, from), min(vEnd, to)
		for f := lo; f < hi; f++ {
			src := (f - v.start) * int64(ch)
			dstOff := (f - from) * int64(ch)
			for c := range int64(ch) {
				dst[dstOff+c] += v.samples[src+c]
			}
		}
		if vEnd <= to {
			v.stopped = true
			if v.onEnd != nil {
				ended = append(ended, v.onEnd)
			}
			continue
		}
		kept = append(kept, v)
	}
	clear(t.voices[len(kept):])
	t.voices = kept
	t.pos = to
	t.mu.Unlock()

	for i, s := range dst {
		dst[i] = min(max(s, -1), 1)
	}
	for _, fn := range ended {
		fn()
	}
}

// Read implements [io.Reader], rendering the mix as little-endian PCM16. It
// always fills p (silence when nothing is scheduled) until the timeline is
// closed, after which it returns [io.EOF]. Read is meant for a single
// consumer and must not be called concurrently with itself.
func (t *Timeline) Read(p []byte) (int, error) {
	t.mu.Lock()
	closed := t.closed
	t.mu.Unlock()
	if closed {
		return 0, io.EOF
	}

	n := copy(p, t.leftover)
	t.leftover = t.leftover[n:]
	if n == len(p) {
		return n, nil
	}

	frameBytes := 2 * t.format.Channels
	frames := (len(p) - n + frameBytes - 1) / frameBytes
	need := frames * t.format.Channels
	if cap(t.scratch) < need {
		t.scratch = make([]float32, need)
	}
	buf := t.scratch[:need]
	t.Render(buf)

	pcm := audio.EncodePCM16(buf)
	m := copy(p[n:], pcm)
	t.leftover = append(t.leftover[:0], pcm[m:]...)
	return n + m, nil
}

// Active returns the number of voices that have not yet finished.
func (t *Timeline) Active() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.voices)
}

// Close implements [Output]. Pending voices are dropped without invoking
// their onEnd callbacks and subsequent reads return [io.EOF].
func (t *Timeline) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	for _, v := range t.voices {
		v.stopped = true
	}
	t.voices = nil
	return nil
}

func (t *Timeline) frameTime(frames int64) time.Duration {
	if t.format.SampleRate <= 0 {
		return 0
	}
	return time.Duration(frames * int64(time.Second) / int64(t.format.SampleRate))
}

// framePos converts a clock position to a frame index, rounding to the
// nearest frame so that durations computed by [audio.Format.Duration]
// round-trip exactly.
func (t *Timeline) framePos(at time.Duration) int64 {
	if at <= 0 || t.format.SampleRate <= 0 {
		return 0
	}
	return (int64(at)*int64(t.format.SampleRate) + int64(time.Second)/2) / int64(time.Second)
}
