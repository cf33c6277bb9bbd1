// Package playback schedules streamed audio chunks onto a host output so that
// consecutive chunks play back to back without gaps or overlap, and so that
// everything queued can be silenced at once when the user barges in.
//
// The scheduler owns a single clock value, the start time of the next chunk.
// Each scheduled chunk starts at max(next, now) on the output's clock and
// advances next by its own duration. An interruption stops every playing or
// queued voice and rewinds next to the output's current time.
package playback

import (
	"errors"
	"time"

	"github.com/MrWong99/voxline/pkg/audio"
)

// ErrClosed is returned by [Scheduler.Schedule] after [Scheduler.Close].
var ErrClosed = errors.New("playback: scheduler closed")

// Voice is a handle to one scheduled buffer on an [Output].
type Voice interface {
	// Stop cancels the voice. Once Stop returns the voice renders no further
	// samples and its onEnd callback is never invoked. Stop is idempotent.
	Stop()
}

// Output is a host audio sink with its own monotonic clock.
//
// Implementations must be safe for concurrent use.
type Output interface {
	// Format returns the sample format Play expects.
	Format() audio.Format

	// Now returns the current position of the output clock. The clock starts
	// at zero and never runs backwards.
	Now() time.Duration

	// Play schedules interleaved samples to start at the given clock
	// position. A start time already in the past plays immediately. onEnd,
	// if non-nil, is called once the last sample has been rendered, from a
	// goroutine owned by the output.
	Play(samples []float32, at time.Duration, onEnd func()) Voice

	// Close releases the output. Voices still queued are dropped.
	Close() error
}

// Flusher is implemented by outputs that pull audio ahead of what is audible,
// such as a device player with its own buffer. Flush discards whatever has
// been pulled but not yet heard, so that a stopped voice falls silent at once.
// [Scheduler] calls Flush on every interruption and on Close.
type Flusher interface {
	Flush()
}

// Item describes one chunk placed on the output timeline.
type Item struct {
	// ID is the per-scheduler sequence number of the chunk, starting at 1.
	ID uint64

	// Start is the output clock position at which the chunk starts.
	Start time.Duration

	// Duration is the playback length of the chunk.
	Duration time.Duration
}

// End returns the clock position just after the chunk's last sample.
func (it Item) End() time.Duration {
	return it.Start + it.Duration
}
