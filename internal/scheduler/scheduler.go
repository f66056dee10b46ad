// Package scheduler 按 K 线收盘对齐地触发协调器的决策周期。
package scheduler

import (
	"context"
	"time"

	"dcagate/internal/logger"
)

// AlignedScheduler 在每个 Interval 边界之后 Offset 处执行一次任务，
// 与策略在 K 线收盘时评估持仓的节奏保持一致。
type AlignedScheduler struct {
	Name           string
	Interval       time.Duration
	Offset         time.Duration
	RunImmediately bool

	nowFn func() time.Time
}

func NewAlignedScheduler(name string, interval, offset time.Duration) *AlignedScheduler {
	return &AlignedScheduler{
		Name:     name,
		Interval: interval,
		Offset:   offset,
		nowFn:    time.Now,
	}
}

// SetClock 仅用于测试。
func (s *AlignedScheduler) SetClock(now func() time.Time) {
	if now != nil {
		s.nowFn = now
	}
}

// Run 阻塞直到 ctx 结束。单次任务 panic 只记录日志，不会终止调度。
func (s *AlignedScheduler) Run(ctx context.Context, task func(context.Context)) error {
	if task == nil {
		logger.Warnf("%s: task is nil, exit", s.prefix())
		return nil
	}
	if s.Interval <= 0 {
		logger.Warnf("%s: invalid interval=%s, exit", s.prefix(), s.Interval)
		return nil
	}
	if s.Offset < 0 {
		logger.Warnf("%s: negative offset=%s, clamp to 0", s.prefix(), s.Offset)
		s.Offset = 0
	}
	if s.nowFn == nil {
		s.nowFn = time.Now
	}

	startAt := s.nowFn().UTC()
	logger.Infof("%s: started interval=%s offset=%s run_immediately=%v at=%s",
		s.prefix(), s.Interval, s.Offset, s.RunImmediately, startAt.Format(time.RFC3339))

	if s.RunImmediately {
		s.runSafely(ctx, task)
	}

	for {
		now := s.nowFn().UTC()
		nextClose, wakeAt, wait := s.NextTimes(now)
		logger.Debugf("%s: 距离K线收盘=%s (收盘=%s) 下一轮=%s | uptime=%s",
			s.prefix(),
			nextClose.Sub(now).Truncate(time.Second),
			nextClose.Format(time.RFC3339),
			wakeAt.Format(time.RFC3339),
			now.Sub(startAt).Truncate(time.Second),
		)

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			logger.Infof("%s: ctx done, exit", s.prefix())
			return nil
		case <-timer.C:
		}
		s.runSafely(ctx, task)
	}
}

// NextTimes 返回下一根 K 线的收盘时间、任务唤醒时间与等待时长。
func (s *AlignedScheduler) NextTimes(now time.Time) (nextClose, wakeAt time.Time, wait time.Duration) {
	now = now.UTC()
	nextClose = now.Truncate(s.Interval).Add(s.Interval)
	wakeAt = nextClose.Add(s.Offset)
	// 上一根收盘后的 offset 尚未到达时先执行它
	if prev := nextClose.Add(-s.Interval).Add(s.Offset); prev.After(now) {
		nextClose = nextClose.Add(-s.Interval)
		wakeAt = prev
	}
	return nextClose, wakeAt, wakeAt.Sub(now)
}

func (s *AlignedScheduler) runSafely(ctx context.Context, task func(context.Context)) {
	defer func() {
		if r := recover(); r != nil {
			logger.Errorf("%s: task panic: %v", s.prefix(), r)
		}
	}()
	task(ctx)
}

func (s *AlignedScheduler) prefix() string {
	if s.Name == "" {
		return "AlignedScheduler"
	}
	return "AlignedScheduler[" + s.Name + "]"
}
