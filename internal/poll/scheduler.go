package poll

import "time"

// Scheduler runs a callback once after a fixed delay. The timer-backed
// default is replaced in tests with a synchronous implementation so the
// deferred rewrite retry can be exercised without real sleeps.
type Scheduler interface {
	AfterFunc(d time.Duration, fn func())
}

type timerScheduler struct{}

func NewTimerScheduler() Scheduler {
	return timerScheduler{}
}

func (timerScheduler) AfterFunc(d time.Duration, fn func()) {
	time.AfterFunc(d, fn)
}

// ImmediateScheduler invokes callbacks inline. Test helper.
type ImmediateScheduler struct{}

func (ImmediateScheduler) AfterFunc(_ time.Duration, fn func()) {
	fn()
}
