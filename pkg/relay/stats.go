package relay

import "sync/atomic"

// Stats counts relay activity across sessions. The zero value is ready and
// a nil *Stats ignores every update.
type Stats struct {
	sessionsTotal  atomic.Int64
	sessionsActive atomic.Int64
	messagesIn     atomic.Int64
	messagesOut    atomic.Int64
	toolCalls      atomic.Int64
	recordsSaved   atomic.Int64
	droppedAudio   atomic.Int64
}

// StatsSnapshot is a point-in-time copy of Stats.
type StatsSnapshot struct {
	SessionsTotal  int64 `json:"sessionsTotal"`
	SessionsActive int64 `json:"sessionsActive"`
	MessagesIn     int64 `json:"messagesIn"`
	MessagesOut    int64 `json:"messagesOut"`
	ToolCalls      int64 `json:"toolCalls"`
	RecordsSaved   int64 `json:"recordsSaved"`
	DroppedAudio   int64 `json:"droppedAudio"`
}

// Snapshot reads every counter.
func (s *Stats) Snapshot() StatsSnapshot {
	if s == nil {
		return StatsSnapshot{}
	}
	return StatsSnapshot{
		SessionsTotal:  s.sessionsTotal.Load(),
		SessionsActive: s.sessionsActive.Load(),
		MessagesIn:     s.messagesIn.Load(),
		MessagesOut:    s.messagesOut.Load(),
		ToolCalls:      s.toolCalls.Load(),
		RecordsSaved:   s.recordsSaved.Load(),
		DroppedAudio:   s.droppedAudio.Load(),
	}
}

func (s *Stats) sessionStarted() {
	if s == nil {
		return
	}
	s.sessionsTotal.Add(1)
	s.sessionsActive.Add(1)
}

func (s *Stats) sessionEnded() {
	if s != nil {
		s.sessionsActive.Add(-1)
	}
}

func (s *Stats) messageIn() {
	if s != nil {
		s.messagesIn.Add(1)
	}
}

func (s *Stats) messageOut() {
	if s != nil {
		s.messagesOut.Add(1)
	}
}

func (s *Stats) toolCall() {
	if s != nil {
		s.toolCalls.Add(1)
	}
}

func (s *Stats) recordSaved() {
	if s != nil {
		s.recordsSaved.Add(1)
	}
}

func (s *Stats) audioDropped() {
	if s != nil {
		s.droppedAudio.Add(1)
	}
}
