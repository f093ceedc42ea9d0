// Package timing provides the monotonic stopwatches that back critical-path
// accounting and trace emission.
package timing

import (
	"bytes"
	"errors"
	"log/slog"
	"runtime"
	"strconv"
	"sync"
	"time"
)

// epoch anchors all timer readings so that trace timestamps share a single
// zero point for the whole process.
var epoch = time.Now()

// Timer measures one interval with nanosecond resolution. Start and Stop may
// each be called at most once; Stop records the identity of the stopping
// goroutine for later trace attribution.
type Timer struct {
	mu        sync.Mutex
	started   bool
	stopped   bool
	start     time.Time
	duration  time.Duration
	stopperID int64
}

// NewTimer returns an unstarted Timer.
func NewTimer() *Timer {
	return &Timer{}
}

// Start records the current monotonic time. It fails if the timer was
// already started.
func (t *Timer) Start() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.started {
		return errors.New("timer already started")
	}
	t.started = true
	t.start = time.Now()
	return nil
}

// Stop records the end time and the stopping goroutine. It fails if the
// timer was never started or was already stopped.
func (t *Timer) Stop() error {
	now := time.Now()
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.started {
		return errors.New("timer not started")
	}
	if t.stopped {
		return errors.New("timer already stopped")
	}
	t.stopped = true
	t.duration = now.Sub(t.start)
	if t.duration < 0 {
		slog.Warn("Clamping negative timer duration to zero.", "duration", t.duration)
		t.duration = 0
	}
	t.stopperID = GoroutineID()
	return nil
}

// Stopped reports whether Stop has been called.
func (t *Timer) Stopped() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stopped
}

// StartMicros returns the start instant in microseconds relative to the
// process epoch.
func (t *Timer) StartMicros() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.started {
		return 0
	}
	return float64(t.start.Sub(epoch).Nanoseconds()) / 1e3
}

// DurationMicros returns the measured interval in microseconds.
func (t *Timer) DurationMicros() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return float64(t.duration.Nanoseconds()) / 1e3
}

// DurationMillis returns the measured interval in milliseconds.
func (t *Timer) DurationMillis() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return float64(t.duration.Nanoseconds()) / 1e6
}

// StopperID returns the id of the goroutine that stopped the timer, or zero
// if the timer is still running.
func (t *Timer) StopperID() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stopperID
}

// GoroutineID returns the runtime id of the calling goroutine. The id is
// only used as an opaque lane identifier in emitted traces.
func GoroutineID() int64 {
	buf := make([]byte, 64)
	buf = buf[:runtime.Stack(buf, false)]
	// The header line is "goroutine <id> [...]".
	buf = bytes.TrimPrefix(buf, []byte("goroutine "))
	if i := bytes.IndexByte(buf, ' '); i >= 0 {
		buf = buf[:i]
	}
	id, err := strconv.ParseInt(string(buf), 10, 64)
	if err != nil {
		return 0
	}
	return id
}
