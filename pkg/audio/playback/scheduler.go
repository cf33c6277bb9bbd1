package playback

import (
	"log/slog"
	"sync"
	"time"
)

// SchedulerOption configures a [Scheduler] during construction.
type SchedulerOption func(*Scheduler)

// WithGapHook registers fn to observe playback underruns: fn receives the
// silence inserted when a chunk of an ongoing response arrives after the
// previous one has already finished. fn is called with the scheduler lock
// held and must not block.
func WithGapHook(fn func(gap time.Duration)) SchedulerOption {
	return func(s *Scheduler) {
		s.onGap = fn
	}
}

// WithIdleHook registers fn to be called whenever the last pending chunk has
// finished playing. fn runs on the output's goroutine.
func WithIdleHook(fn func()) SchedulerOption {
	return func(s *Scheduler) {
		s.onIdle = fn
	}
}

// Scheduler places audio chunks back to back on an [Output].
//
// All exported methods are safe for concurrent use. The next-start clock is
// only ever read or written with the scheduler's mutex held.
type Scheduler struct {
	out    Output
	onGap  func(time.Duration)
	onIdle func()

	mu      sync.Mutex
	next    time.Duration
	seq     uint64
	active  map[uint64]Voice
	inReply bool
	closed  bool
}

// NewScheduler returns a Scheduler writing to out.
func NewScheduler(out Output, opts ...SchedulerOption) *Scheduler {
	s := &Scheduler{
		out:    out,
		active: make(map[uint64]Voice),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Schedule places samples (in the output's format) on the timeline and
// returns where they landed. The chunk starts at max(next, now) and next
// advances to the end of the chunk, so chunks arriving faster than real time
// queue seamlessly and chunks arriving late start immediately.
//
// An empty chunk occupies no time and returns an Item with zero Duration.
func (s *Scheduler) Schedule(samples []float32) (Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return Item{}, ErrClosed
	}

	now := s.out.Now()
	start := max(s.next, now)
	if start > s.next && s.inReply && s.onGap != nil {
		s.onGap(start - s.next)
	}

	s.seq++
	it := Item{
		ID:       s.seq,
		Start:    start,
		Duration: s.out.Format().Duration(len(samples)),
	}
	s.next = it.End()
	s.inReply = true

	if it.Duration == 0 {
		return it, nil
	}

	id := it.ID
	s.active[id] = s.out.Play(samples, start, func() { s.finished(id) })
	return it, nil
}

// finished is the onEnd callback for one voice.
func (s *Scheduler) finished(id uint64) {
	s.mu.Lock()
	if _, ok := s.active[id]; !ok {
		s.mu.Unlock()
		return
	}
	delete(s.active, id)
	idle := len(s.active) == 0
	s.mu.Unlock()

	if idle && s.onIdle != nil {
		s.onIdle()
	}
}

// Interrupt stops every playing and queued chunk, flushes an output that
// implements [Flusher], and rewinds the next-start clock to the output's
// current time. It returns the number of chunks that were cut off.
func (s *Scheduler) Interrupt() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := s.stopAllLocked()
	s.flushLocked()
	s.next = s.out.Now()
	s.inReply = false
	if n > 0 {
		slog.Debug("playback interrupted", "stopped", n)
	}
	return n
}

// Settle marks the end of a contiguous reply. The first chunk scheduled
// afterwards is not reported as an underrun even if it starts after a pause.
func (s *Scheduler) Settle() {
	s.mu.Lock()
	s.inReply = false
	s.mu.Unlock()
}

// Pending returns the number of chunks scheduled but not yet finished.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.active)
}

// NextStart returns the clock position at which the next chunk would start
// if the output were idle until then.
func (s *Scheduler) NextStart() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.next
}

// Close stops everything and rejects further chunks. It does not close the
// underlying [Output]; the owner of the output does that. Close is
// idempotent.
func (s *Scheduler) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.stopAllLocked()
	s.flushLocked()
	return nil
}

// flushLocked drops audio the output has buffered beyond the voices it
// tracks. Chunks that already finished rendering may still be waiting there.
func (s *Scheduler) flushLocked() {
	if f, ok := s.out.(Flusher); ok {
		f.Flush()
	}
}

func (s *Scheduler) stopAllLocked() int {
	n := len(s.active)
	for id, v := range s.active {
		v.Stop()
		delete(s.active, id)
	}
	return n
}
