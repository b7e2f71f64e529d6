// Package plctimer is the default Timer/Clock collaborator implementation
// for package plc, built directly on the standard library's time package.
package plctimer

import (
	"sync"
	"time"

	"plcconn/plc"
)

// Factory creates Timers backed by time.AfterFunc.
type Factory struct{}

func (Factory) NewTimer() plc.Timer {
	return &Timer{}
}

var _ plc.TimerFactory = Factory{}

// Timer arms a callback at an absolute deadline in SystemClock
// milliseconds, replacing any previously armed deadline.
type Timer struct {
	mu      sync.Mutex
	timer   *time.Timer
	armedAt int64
}

func (t *Timer) WakeAt(deadlineMS int64, cb func(arg interface{}), arg interface{}) plc.Status {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.timer != nil {
		t.timer.Stop()
	}

	now := SystemClock{}.NowMS()
	d := time.Duration(deadlineMS-now) * time.Millisecond
	if d < 0 {
		d = 0
	}
	t.armedAt = deadlineMS
	t.timer = time.AfterFunc(d, func() { cb(arg) })
	return plc.OK
}

func (t *Timer) Snooze() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.timer != nil {
		t.timer.Stop()
	}
}

func (t *Timer) Destroy() {
	t.Snooze()
}

var _ plc.Timer = (*Timer)(nil)

// SystemClock is the real wall clock, in milliseconds since the Unix
// epoch. Tests use a fake plc.Clock instead so deadlines are
// deterministic.
type SystemClock struct{}

func (SystemClock) NowMS() int64 {
	return time.Now().UnixMilli()
}

var _ plc.Clock = SystemClock{}
