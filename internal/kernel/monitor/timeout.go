package monitor

import (
	"github.com/gokernel/gokernel/internal/kernel/alarm"
	"github.com/gokernel/gokernel/internal/kernel/sched"
)

// newTimeoutAlarm arms a one-shot alarm on s's clock that closes done
// after ticks elapse, for WaitTimeout.
func newTimeoutAlarm(s *sched.Scheduler, ticks int64, done chan struct{}) *alarm.Alarm {
	a := alarm.New()
	a.SetInterval(ticks)
	a.SetCallback(func() { close(done) })
	s.Clock().Register(a, false)
	return a
}
