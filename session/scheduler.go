package session

import "time"

// Scheduler schedules one-shot callbacks. The real implementation wraps
// time.AfterFunc; tests drive a manual one.
type Scheduler interface {
	// AfterFunc runs f after d. The returned function cancels the pending
	// call and reports whether it was still pending.
	AfterFunc(d time.Duration, f func()) (cancel func() bool)
}

type timerScheduler struct{}

func NewScheduler() Scheduler { return timerScheduler{} }

func (timerScheduler) AfterFunc(d time.Duration, f func()) func() bool {
	t := time.AfterFunc(d, f)
	return t.Stop
}
