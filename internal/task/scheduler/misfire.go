package scheduler

import (
	"time"

	"agentcron/internal/eventbus"
	"agentcron/internal/task/record"
	logx "agentcron/pkg/logx"

	"golang.org/x/time/rate"
)

// A job stuck behind a long invocation misfires on every tick; warn at most
// this often per job and log the rest at debug.
const misfireWarnEvery = 5 * time.Second

func (s *Service) misfire(job string, trig record.Trigger, blocking string) {
	m := record.Misfire{JobName: job, At: time.Now(), Trigger: trig, BlockingInvocationID: blocking}
	s.records.RecordMisfire(m)
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: eventbus.TypeJobMisfire, Time: m.At, Job: job, InvocationID: blocking, Data: m})
	}

	fields := []logx.Field{
		logx.String("job", job),
		logx.String("trigger", string(trig)),
		logx.String("blocking", blocking),
		logx.Uint64("misfires", s.records.MisfireCount(job)),
	}
	if s.warnLimiter(job).Allow() {
		s.log.Warn("job misfired; previous invocation still running", fields...)
		return
	}
	s.log.Debug("job misfired", fields...)
}

func (s *Service) warnLimiter(job string) *rate.Limiter {
	s.warnMu.Lock()
	defer s.warnMu.Unlock()
	l := s.warn[job]
	if l == nil {
		l = rate.NewLimiter(rate.Every(misfireWarnEvery), 1)
		s.warn[job] = l
	}
	return l
}
