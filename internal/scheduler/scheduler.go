package scheduler

import (
	"context"
	"time"

	"goldpredict/internal/logger"
)

// IntervalScheduler 以固定间隔执行任务，支持启动时立即执行一次。
// 任务内部阻塞不会堆积：下一轮从任务返回后重新计时。
type IntervalScheduler struct {
	Name           string
	Interval       time.Duration
	RunImmediately bool

	ctx   context.Context
	nowFn func() time.Time
}

func NewIntervalScheduler(ctx context.Context, name string, interval time.Duration) *IntervalScheduler {
	if ctx == nil {
		ctx = context.Background()
	}
	return &IntervalScheduler{
		Name:     name,
		Interval: interval,
		ctx:      ctx,
		nowFn:    time.Now,
	}
}

// Start 阻塞运行直到 ctx 取消。
func (s *IntervalScheduler) Start(task func()) {
	if s == nil {
		return
	}
	if task == nil {
		logger.Warnf("IntervalScheduler[%s]: task is nil, exit", s.Name)
		return
	}
	if s.Interval <= 0 {
		logger.Warnf("IntervalScheduler[%s]: invalid interval=%s, exit", s.Name, s.Interval)
		return
	}
	if s.ctx == nil {
		s.ctx = context.Background()
	}
	if s.nowFn == nil {
		s.nowFn = time.Now
	}

	logger.Infof("IntervalScheduler[%s]: started interval=%s run_immediately=%v",
		s.Name, s.Interval, s.RunImmediately)

	if s.RunImmediately {
		task()
	}

	timer := time.NewTimer(s.Interval)
	defer timer.Stop()
	for {
		select {
		case <-s.ctx.Done():
			logger.Infof("IntervalScheduler[%s]: ctx done, exit", s.Name)
			return
		case <-timer.C:
		}
		task()
		timer.Reset(s.Interval)
	}
}
