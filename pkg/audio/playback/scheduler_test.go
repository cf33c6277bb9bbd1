package playback_test

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/voxline/pkg/audio"
	"github.com/MrWong99/voxline/pkg/audio/playback"
)

var mono24k = audio.Format{SampleRate: 24000, Channels: 1}

// advance renders d worth of audio, moving the timeline clock forward.
func advance(tl *playback.Timeline, d time.Duration) {
	tl.Render(make([]float32, tl.Format().Samples(d)))
}

func halfSecond() []float32 {
	return constant(12000, 0.1)
}

func TestScheduler_StartsAtNowWhenIdle(t *testing.T) {
	t.Parallel()
	tl := playback.NewTimeline(mono24k)
	advance(tl, 10*time.Second)
	s := playback.NewScheduler(tl)

	first, err := s.Schedule(halfSecond())
	if err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	if first.Start != 10*time.Second {
		t.Errorf("first.Start = %v, want 10s", first.Start)
	}
	if first.Duration != 500*time.Millisecond {
		t.Errorf("first.Duration = %v, want 500ms", first.Duration)
	}

	// The second chunk arrives 400ms later, while the first is still playing.
	advance(tl, 400*time.Millisecond)
	second, err := s.Schedule(halfSecond())
	if err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	if second.Start != 10500*time.Millisecond {
		t.Errorf("second.Start = %v, want 10.5s", second.Start)
	}
	if got := s.NextStart(); got != 11*time.Second {
		t.Errorf("NextStart() = %v, want 11s", got)
	}
}

func TestScheduler_NoOverlapNoGapWhenSaturated(t *testing.T) {
	t.Parallel()
	tl := playback.NewTimeline(mono24k)
	s := playback.NewScheduler(tl)

	sizes := []int{12000, 480, 2400, 7, 24000, 1}
	var prev playback.Item
	for i, n := range sizes {
		it, err := s.Schedule(constant(n, 0.1))
		if err != nil {
			t.Fatalf("Schedule: %v", err)
		}
		if i > 0 && it.Start != prev.End() {
			t.Errorf("chunk %d starts at %v, previous ended at %v", i, it.Start, prev.End())
		}
		prev = it
	}
	if got := s.Pending(); got != len(sizes) {
		t.Errorf("Pending() = %d, want %d", got, len(sizes))
	}
}

func TestScheduler_NeverStartsBeforePreviousEnd(t *testing.T) {
	t.Parallel()
	tl := playback.NewTimeline(mono24k)
	s := playback.NewScheduler(tl)

	// Interleave arrivals with clock progress at varying rates.
	steps := []time.Duration{0, 100 * time.Millisecond, 2 * time.Second, 0, 30 * time.Millisecond}
	var prev playback.Item
	for i, step := range steps {
		advance(tl, step)
		it, err := s.Schedule(constant(4800, 0.1))
		if err != nil {
			t.Fatalf("Schedule: %v", err)
		}
		if i > 0 && it.Start < prev.End() {
			t.Errorf("chunk %d overlaps: start %v < previous end %v", i, it.Start, prev.End())
		}
		if now := tl.Now(); it.Start < now {
			t.Errorf("chunk %d starts in the past: %v < %v", i, it.Start, now)
		}
		prev = it
	}
}

func TestScheduler_RenderedBackToBack(t *testing.T) {
	t.Parallel()
	tl := playback.NewTimeline(mono8k)
	s := playback.NewScheduler(tl)
	for _, v := range []float32{0.1, 0.2, 0.3} {
		if _, err := s.Schedule(constant(3, v)); err != nil {
			t.Fatalf("Schedule: %v", err)
		}
	}

	buf := make([]float32, 10)
	tl.Render(buf)
	want := []float32{0.1, 0.1, 0.1, 0.2, 0.2, 0.2, 0.3, 0.3, 0.3, 0}
	for i := range want {
		if buf[i] != want[i] {
			t.Fatalf("rendered %v, want %v", buf, want)
		}
	}
	if got := s.Pending(); got != 0 {
		t.Errorf("Pending() = %d, want 0 after playback", got)
	}
}

func TestScheduler_InterruptResetsToNow(t *testing.T) {
	t.Parallel()
	tl := playback.NewTimeline(mono24k)
	s := playback.NewScheduler(tl)

	for range 3 {
		if _, err := s.Schedule(halfSecond()); err != nil {
			t.Fatalf("Schedule: %v", err)
		}
	}
	advance(tl, 200*time.Millisecond)

	if got := s.Interrupt(); got != 3 {
		t.Errorf("Interrupt() stopped %d, want 3", got)
	}
	if got, now := s.NextStart(), tl.Now(); got != now {
		t.Errorf("NextStart() = %v, want now %v", got, now)
	}
	if got := s.Pending(); got != 0 {
		t.Errorf("Pending() = %d, want 0", got)
	}

	buf := make([]float32, 24000)
	tl.Render(buf)
	for i, v := range buf {
		if v != 0 {
			t.Fatalf("sample %d = %v after interrupt, want silence", i, v)
		}
	}

	// Playback resumes from the current clock, not the stale queue end.
	it, err := s.Schedule(halfSecond())
	if err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	if it.Start != tl.Now() {
		t.Errorf("Start after interrupt = %v, want %v", it.Start, tl.Now())
	}
}

func TestScheduler_EmptyChunk(t *testing.T) {
	t.Parallel()
	tl := playback.NewTimeline(mono24k)
	s := playback.NewScheduler(tl)
	it, err := s.Schedule(nil)
	if err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	if it.Duration != 0 || s.Pending() != 0 {
		t.Errorf("empty chunk: item %+v, pending %d", it, s.Pending())
	}
}

func TestScheduler_Close(t *testing.T) {
	t.Parallel()
	tl := playback.NewTimeline(mono24k)
	s := playback.NewScheduler(tl)
	if _, err := s.Schedule(halfSecond()); err != nil {
		t.Fatalf("Schedule: %v", err)
	}

	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if got := tl.Active(); got != 0 {
		t.Errorf("timeline still has %d voices after Close", got)
	}
	if _, err := s.Schedule(halfSecond()); !errors.Is(err, playback.ErrClosed) {
		t.Errorf("Schedule after Close: err = %v, want ErrClosed", err)
	}
}

// flushingOutput is a Timeline that counts flushes.
type flushingOutput struct {
	*playback.Timeline
	mu      sync.Mutex
	flushes int
}

func (o *flushingOutput) Flush() {
	o.mu.Lock()
	o.flushes++
	o.mu.Unlock()
}

func (o *flushingOutput) count() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.flushes
}

func TestScheduler_FlushesOutput(t *testing.T) {
	t.Parallel()
	out := &flushingOutput{Timeline: playback.NewTimeline(mono24k)}
	s := playback.NewScheduler(out)

	// An idle interrupt still flushes: a finished chunk may sit in the
	// output's read-ahead buffer.
	s.Interrupt()
	if n := out.count(); n != 1 {
		t.Fatalf("flushes after idle interrupt = %d, want 1", n)
	}

	if _, err := s.Schedule(halfSecond()); err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	if cut := s.Interrupt(); cut != 1 {
		t.Errorf("Interrupt cut %d chunks, want 1", cut)
	}
	if n := out.count(); n != 2 {
		t.Errorf("flushes after interrupt = %d, want 2", n)
	}

	_ = s.Close()
	_ = s.Close()
	if n := out.count(); n != 3 {
		t.Errorf("flushes after Close = %d, want 3", n)
	}
}

func TestScheduler_GapHook(t *testing.T) {
	t.Parallel()
	tl := playback.NewTimeline(mono24k)

	var mu sync.Mutex
	var gaps []time.Duration
	s := playback.NewScheduler(tl, playback.WithGapHook(func(d time.Duration) {
		mu.Lock()
		gaps = append(gaps, d)
		mu.Unlock()
	}))

	// The first chunk of a reply after idle time is not an underrun.
	advance(tl, time.Second)
	if _, err := s.Schedule(constant(2400, 0.1)); err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	// The next chunk arrives 50ms after the first one finished.
	advance(tl, 150*time.Millisecond)
	if _, err := s.Schedule(constant(2400, 0.1)); err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	// After Settle, a pause is expected again.
	s.Settle()
	advance(tl, time.Second)
	if _, err := s.Schedule(constant(2400, 0.1)); err != nil {
		t.Fatalf("Schedule: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(gaps) != 1 {
		t.Fatalf("gaps = %v, want exactly one", gaps)
	}
	if gaps[0] != 50*time.Millisecond {
		t.Errorf("gap = %v, want 50ms", gaps[0])
	}
}

func TestScheduler_IdleHook(t *testing.T) {
	t.Parallel()
	tl := playback.NewTimeline(mono8k)
	idle := make(chan struct{}, 4)
	s := playback.NewScheduler(tl, playback.WithIdleHook(func() { idle <- struct{}{} }))

	for range 2 {
		if _, err := s.Schedule(constant(4, 0.1)); err != nil {
			t.Fatalf("Schedule: %v", err)
		}
	}
	tl.Render(make([]float32, 4))
	select {
	case <-idle:
		t.Fatal("idle fired while a chunk was still queued")
	default:
	}
	tl.Render(make([]float32, 4))
	select {
	case <-idle:
	default:
		t.Fatal("idle did not fire after the last chunk")
	}
}

func TestScheduler_ConcurrentScheduleAndInterrupt(t *testing.T) {
	t.Parallel()
	tl := playback.NewTimeline(mono8k)
	s := playback.NewScheduler(tl)

	var wg sync.WaitGroup
	for range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 50 {
				_, _ = s.Schedule(constant(16, 0.1))
			}
		}()
	}
	wg.Add(2)
	go func() {
		defer wg.Done()
		for range 50 {
			tl.Render(make([]float32, 8))
		}
	}()
	go func() {
		defer wg.Done()
		for range 10 {
			s.Interrupt()
		}
	}()
	wg.Wait()

	s.Interrupt()
	if got := s.Pending(); got != 0 {
		t.Errorf("Pending() = %d after final interrupt", got)
	}
	if got := tl.Active(); got != 0 {
		t.Errorf("timeline Active() = %d after final interrupt", got)
	}
}
