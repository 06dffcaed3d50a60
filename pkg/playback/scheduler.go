// Package playback schedules synthesized speech chunks back to back on an
// output clock so playback is gapless, and cancels everything on barge-in.
package playback

import (
	"log/slog"
	"sync"
	"time"

	"github.com/teslashibe/go-intake/internal/log"
	"github.com/teslashibe/go-intake/pkg/audio"
)

// ErrDecode is returned by Enqueue for chunks that cannot be decoded.
var ErrDecode = audio.ErrDecode

// Voice is one scheduled chunk.
type Voice interface {
	// Stop cancels the chunk. Stopping a finished voice is a no-op.
	Stop()
}

// Output plays frames against its own clock.
type Output interface {
	// Now is the current output clock.
	Now() time.Duration
	// Start plays frame at the given clock time and calls onEnded once it
	// has finished. onEnded must not be called from within Start.
	Start(frame audio.Frame, at time.Duration, onEnded func()) Voice
}

// Scheduler queues decoded speech on an Output.
type Scheduler struct {
	out    Output
	rate   int
	logger *slog.Logger

	// OnPlaybackStart is called when the first chunk is scheduled after
	// silence. OnPlaybackEnd is called when the last active chunk ends or
	// on Interrupt.
	OnPlaybackStart func()
	OnPlaybackEnd   func()

	mu     sync.Mutex
	next   time.Duration
	seq    uint64
	epoch  uint64
	active map[uint64]Voice

	// starting holds ids whose Output.Start is in flight; true once the
	// chunk ended before Start returned.
	starting map[uint64]bool
}

// NewScheduler creates a Scheduler for out. Chunks without a rate in their
// mime type are decoded at audio.OutputRate.
func NewScheduler(out Output) *Scheduler {
	return &Scheduler{
		out:      out,
		rate:     audio.OutputRate,
		logger:   log.Component("playback"),
		active:   make(map[uint64]Voice),
		starting: make(map[uint64]bool),
	}
}

// Enqueue decodes a chunk and schedules it. A chunk that cannot be decoded
// is dropped and ErrDecode returned; nothing is scheduled.
func (s *Scheduler) Enqueue(b audio.Blob) (time.Duration, error) {
	frame, err := audio.DecodeBlob(b, s.rate)
	if err != nil {
		s.logger.Warn("chunk dropped", "error", err)
		return 0, err
	}
	return s.Schedule(frame), nil
}

// Schedule plays frame right after everything already scheduled, or now if
// the schedule has fallen behind the clock. It returns the start time.
// Output.Start runs without the scheduler lock held, so an Output may block
// or end chunks from its own goroutine.
func (s *Scheduler) Schedule(frame audio.Frame) time.Duration {
	s.mu.Lock()
	start := max(s.next, s.out.Now())
	s.next = start + frame.Duration()
	s.seq++
	id := s.seq
	epoch := s.epoch
	first := s.idle()
	s.starting[id] = false
	s.mu.Unlock()

	if first && s.OnPlaybackStart != nil {
		s.OnPlaybackStart()
	}

	v := s.out.Start(frame, start, func() { s.ended(id) })

	s.mu.Lock()
	endedEarly := s.starting[id]
	delete(s.starting, id)
	stale := epoch != s.epoch
	if !stale && !endedEarly {
		s.active[id] = v
	}
	idle := endedEarly && !stale && s.idle()
	s.mu.Unlock()

	if stale {
		v.Stop()
	}
	if idle && s.OnPlaybackEnd != nil {
		s.OnPlaybackEnd()
	}
	return start
}

// idle reports whether nothing is playing or being started. Callers hold mu.
func (s *Scheduler) idle() bool {
	return len(s.active) == 0 && len(s.starting) == 0
}

func (s *Scheduler) ended(id uint64) {
	s.mu.Lock()
	if _, ok := s.starting[id]; ok {
		s.starting[id] = true
		s.mu.Unlock()
		return
	}
	_, ok := s.active[id]
	delete(s.active, id)
	idle := ok && s.idle()
	s.mu.Unlock()

	if idle && s.OnPlaybackEnd != nil {
		s.OnPlaybackEnd()
	}
}

// Interrupt stops every active chunk and resets the schedule to now. Chunks
// whose Start is still in flight are stopped as soon as it returns.
func (s *Scheduler) Interrupt() {
	s.mu.Lock()
	voices := s.active
	s.active = make(map[uint64]Voice)
	s.epoch++
	s.next = s.out.Now()
	playing := len(voices) > 0 || len(s.starting) > 0
	s.mu.Unlock()

	for _, v := range voices {
		v.Stop()
	}
	if playing {
		s.logger.Debug("playback interrupted", "stopped", len(voices))
		if s.OnPlaybackEnd != nil {
			s.OnPlaybackEnd()
		}
	}
}

// Active returns the number of scheduled chunks that have not ended.
func (s *Scheduler) Active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.active)
}

// Next returns the clock time at which the next chunk would start.
func (s *Scheduler) Next() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.next
}
