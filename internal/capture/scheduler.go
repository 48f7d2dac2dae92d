package capture

import (
	"sync/atomic"
	"time"
)

// Timer is a scheduled callback that can be stopped before it fires
type Timer interface {
	Stop() bool
}

// Scheduler runs callbacks after a delay without blocking the caller
type Scheduler interface {
	AfterFunc(d time.Duration, f func()) Timer
}

type realScheduler struct{}

func (realScheduler) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

// RealScheduler schedules on the runtime timer heap
var RealScheduler Scheduler = realScheduler{}

// task is a scheduled callback plus its cancellation token. The callback
// must check Cancelled under the owner's lock before touching state.
type task struct {
	timer     Timer
	cancelled atomic.Bool
}

func (t *task) Cancel() {
	if t == nil {
		return
	}
	t.cancelled.Store(true)
	if t.timer != nil {
		t.timer.Stop()
	}
}

func (t *task) Cancelled() bool {
	return t.cancelled.Load()
}
