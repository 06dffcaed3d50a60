package relay

import "time"

// watchdog fires once after a period without activity. A zero period
// disables it. It is owned by the session loop and not safe for
// concurrent use.
type watchdog struct {
	period time.Duration
	timer  *time.Timer
	fired  bool
}

func newWatchdog(period time.Duration) *watchdog {
	w := &watchdog{period: period}
	if period > 0 {
		w.timer = time.NewTimer(period)
	}
	return w
}

// C is nil when disabled or stopped, so a select never picks it.
func (w *watchdog) C() <-chan time.Time {
	if w.timer == nil || w.fired {
		return nil
	}
	return w.timer.C
}

// Kick restarts the countdown.
func (w *watchdog) Kick() {
	if w.timer == nil || w.fired {
		return
	}
	w.timer.Reset(w.period)
}

// Fire marks the watchdog as spent.
func (w *watchdog) Fire() {
	w.fired = true
}

// Stop releases the timer.
func (w *watchdog) Stop() {
	if w.timer != nil {
		w.timer.Stop()
	}
	w.fired = true
}
