package audio

import (
	"log/slog"
	"sync"
)

// Converter turns interleaved samples from a source format into a target
// format. Conversion order is downmix/upmix first, then resample, so the
// resampler never works on more channels than it has to.
//
// A Converter carries resampler phase between calls and therefore belongs to
// exactly one stream. It is not safe for concurrent use.
type Converter struct {
	Source Format
	Target Format

	resampler      *Resampler
	warnedMismatch sync.Once
}

// NewConverter returns a Converter from src to dst.
func NewConverter(src, dst Format) *Converter {
	c := &Converter{Source: src, Target: dst}
	if src.SampleRate != dst.SampleRate {
		c.resampler = NewResampler(src.SampleRate, dst.SampleRate, dst.Channels)
	}
	return c
}

// Passthrough reports whether the source already matches the target.
func (c *Converter) Passthrough() bool {
	return c.Source == c.Target
}

// Convert converts one block of interleaved source samples. When the formats
// match the input is returned unchanged (zero allocation).
func (c *Converter) Convert(in []float32) []float32 {
	if c.Passthrough() {
		return in
	}

	c.warnedMismatch.Do(func() {
		slog.Warn("audio format mismatch: converting",
			"from", c.Source.String(),
			"to", c.Target.String(),
		)
	})

	out := Remix(in, c.Source.Channels, c.Target.Channels)
	if c.resampler != nil {
		out = c.resampler.Process(out)
	}
	return out
}

// Remix converts interleaved samples between channel counts. Downmixing to
// mono averages all channels; upmixing from mono duplicates the sample; any
// other combination keeps the first min(src, dst) channels and zero-fills the
// rest.
func Remix(in []float32, srcChannels, dstChannels int) []float32 {
	if srcChannels == dstChannels || srcChannels <= 0 || dstChannels <= 0 {
		return in
	}
	frames := len(in) / srcChannels
	out := make([]float32, frames*dstChannels)

	switch {
	case dstChannels == 1:
		inv := 1 / float32(srcChannels)
		for i := range frames {
			var sum float32
			for ch := range srcChannels {
				sum += in[i*srcChannels+ch]
			}
			out[i] = sum * inv
		}
	case srcChannels == 1:
		for i := range frames {
			for ch := range dstChannels {
				out[i*dstChannels+ch] = in[i]
			}
		}
	default:
		n := min(srcChannels, dstChannels)
		for i := range frames {
			copy(out[i*dstChannels:i*dstChannels+n], in[i*srcChannels:i*srcChannels+n])
		}
	}
	return out
}

// Resampler converts a continuous interleaved stream between sample rates
// with linear interpolation. Unlike a one-shot conversion it remembers the
// fractional read position and the last input frame across calls, so a
// stream delivered in arbitrary block sizes resamples without seams.
type Resampler struct {
	srcRate  int
	dstRate  int
	channels int
	step     float64

	pos    float64   // read position relative to the first frame of the next block, may be negative
	last   []float32 // final frame of the previous block
	primed bool
}

// NewResampler returns a Resampler from srcRate to dstRate for the given
// channel count. Non-positive arguments produce a pass-through resampler.
func NewResampler(srcRate, dstRate, channels int) *Resampler {
	if channels <= 0 {
		channels = 1
	}
	r := &Resampler{
		srcRate:  srcRate,
		dstRate:  dstRate,
		channels: channels,
		last:     make([]float32, channels),
	}
	if srcRate > 0 && dstRate > 0 {
		r.step = float64(srcRate) / float64(dstRate)
	}
	return r
}

// Process resamples one block and returns the output frames it makes
// available. Output may lag input by up to one source frame.
func (r *Resampler) Process(in []float32) []float32 {
	if r.step == 0 || r.srcRate == r.dstRate {
		return in
	}
	ch := r.channels
	frames := len(in) / ch
	if frames == 0 {
		return nil
	}

	// sample returns the value of source frame idx (idx -1 is the carried frame).
	sample := func(idx, c int) float32 {
		if idx < 0 {
			return r.last[c]
		}
		return in[idx*ch+c]
	}

	if !r.primed {
		copy(r.last, in[:ch])
		r.primed = true
	}

	estimate := int(float64(frames)/r.step) + 2
	out := make([]float32, 0, estimate*ch)

	// Interpolate between frame floor(pos) and floor(pos)+1; both must exist.
	for r.pos+1 < float64(frames) {
		base := floorInt(r.pos)
		frac := float32(r.pos - float64(base))
		for c := range ch {
			s0 := sample(base, c)
			s1 := sample(base+1, c)
			out = append(out, s0+(s1-s0)*frac)
		}
		r.pos += r.step
	}

	r.pos -= float64(frames)
	copy(r.last, in[(frames-1)*ch:frames*ch])
	return out
}

// Reset discards carried state so the next block starts a fresh stream.
func (r *Resampler) Reset() {
	r.pos = 0
	r.primed = false
	clear(r.last)
}

func floorInt(f float64) int {
	i := int(f)
	if float64(i) > f {
		i--
	}
	return i
}
