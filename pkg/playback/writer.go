package playback

import (
	"io"
	"sync"
	"time"

	"github.com/teslashibe/go-intake/pkg/audio"
)

// WriterOutput is a real-time Output that writes raw PCM16 to w when each
// chunk is due, for example to the stdin of a speaker process. Its clock is
// wall time since creation. Start never blocks: chunks wait in an unbounded
// list until the output goroutine plays them.
type WriterOutput struct {
	w     io.Writer
	start time.Time

	wake chan struct{}
	done chan struct{}
	once sync.Once

	mu      sync.Mutex
	pending []*writerVoice
	closed  bool
	err     error
}

type writerVoice struct {
	frame   audio.Frame
	at      time.Duration
	onEnded func()

	stop     chan struct{}
	stopOnce sync.Once
}

func (v *writerVoice) Stop() {
	v.stopOnce.Do(func() { close(v.stop) })
}

func (v *writerVoice) stopped() bool {
	select {
	case <-v.stop:
		return true
	default:
		return false
	}
}

// NewWriterOutput starts the output goroutine. Call Close to stop it.
func NewWriterOutput(w io.Writer) *WriterOutput {
	o := &WriterOutput{
		w:     w,
		start: time.Now(),
		wake:  make(chan struct{}, 1),
		done:  make(chan struct{}),
	}
	go o.run()
	return o
}

// Now implements Output.
func (o *WriterOutput) Now() time.Duration {
	return time.Since(o.start)
}

// Start implements Output.
func (o *WriterOutput) Start(frame audio.Frame, at time.Duration, onEnded func()) Voice {
	v := &writerVoice{frame: frame, at: at, onEnded: onEnded, stop: make(chan struct{})}

	o.mu.Lock()
	closed := o.closed
	if !closed {
		o.pending = append(o.pending, v)
	}
	o.mu.Unlock()

	if closed {
		v.Stop()
		go onEnded()
		return v
	}
	select {
	case o.wake <- struct{}{}:
	default:
	}
	return v
}

// Err returns the first write error.
func (o *WriterOutput) Err() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.err
}

// Close stops the output. Pending chunks are dropped.
func (o *WriterOutput) Close() error {
	o.once.Do(func() {
		o.mu.Lock()
		o.closed = true
		o.pending = nil
		o.mu.Unlock()
		close(o.done)
	})
	return nil
}

func (o *WriterOutput) pop() *writerVoice {
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.pending) == 0 {
		return nil
	}
	v := o.pending[0]
	o.pending[0] = nil
	o.pending = o.pending[1:]
	return v
}

type waitResult int

const (
	waitDue waitResult = iota
	waitStopped
	waitClosed
)

func (o *WriterOutput) run() {
	timer := time.NewTimer(time.Hour)
	defer timer.Stop()

	wait := func(v *writerVoice, until time.Duration) waitResult {
		d := until - o.Now()
		if d <= 0 {
			if v.stopped() {
				return waitStopped
			}
			return waitDue
		}
		timer.Reset(d)
		select {
		case <-timer.C:
			return waitDue
		case <-v.stop:
			timer.Stop()
			return waitStopped
		case <-o.done:
			return waitClosed
		}
	}

	for {
		v := o.pop()
		if v == nil {
			select {
			case <-o.wake:
				continue
			case <-o.done:
				return
			}
		}

		switch wait(v, v.at) {
		case waitClosed:
			return
		case waitDue:
			o.write(v.frame.Bytes())
			// Chunks are contiguous, so the next one is due when this ends.
			if wait(v, v.at+v.frame.Duration()) == waitClosed {
				return
			}
		}
		v.onEnded()
	}
}
func (o *WriterOutput) write(p []byte) {
	if _, err := o.w.Write(p); err != nil {
		o.mu.Lock()
		if o.err == nil {
			o.err = err
		}
		o.mu.Unlock()
	}
}
