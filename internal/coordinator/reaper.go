package coordinator

import (
	"context"
	"time"

	"dcagate/internal/confirm"
	"dcagate/internal/logger"
	"dcagate/internal/metrics"
	"dcagate/internal/store"
)

// SweepResult 汇总一次清扫。
type SweepResult struct {
	Expired []confirm.Record
	Removed int
}

// Reaper 将超时的 pending 记录置为 declined(timeout)，并删除超出保留窗口的记录。
type Reaper struct {
	store    *store.Store
	reporter Requester
	metrics  *metrics.Metrics
	policy   func() Policy
	now      func() time.Time
}

func NewReaper(st *store.Store, reporter Requester, m *metrics.Metrics, policy func() Policy) *Reaper {
	return &Reaper{store: st, reporter: reporter, metrics: m, policy: policy, now: time.Now}
}

// Tick 以当前时间清扫一次，供独立于决策周期的短周期调度使用。
func (r *Reaper) Tick(ctx context.Context) {
	if _, err := r.Sweep(ctx, r.now()); err != nil {
		logger.Warnf("[reaper] sweep failed: %v", err)
	}
}

// Sweep 在一个临界区内完成过期与清理，之后尽力编辑原请求消息。
func (r *Reaper) Sweep(ctx context.Context, now time.Time) (SweepResult, error) {
	pol := r.policy()
	var res SweepResult
	err := r.store.Update(ctx, func(records map[string]confirm.Record) (bool, error) {
		res = SweepResult{}
		for id, rec := range records {
			if confirm.Expired(rec, pol.Timeout, now) {
				next, err := confirm.Apply(rec, confirm.StatusDeclined, confirm.ReasonTimeout, now)
				if err != nil {
					continue
				}
				records[id] = next
				res.Expired = append(res.Expired, next)
				continue
			}
			if confirm.Stale(rec, pol.Timeout, pol.Retention, now) {
				delete(records, id)
				res.Removed++
			}
		}
		return len(res.Expired) > 0 || res.Removed > 0, nil
	})
	if err != nil {
		return SweepResult{}, err
	}
	for _, rec := range res.Expired {
		logger.Infof("[reaper] %s auto-declined after %s", rec.ID, pol.Timeout)
		r.metrics.Transition(rec)
		logger.Decision(string(rec.Status), rec.ID, map[string]string{"reason": rec.Reason})
		if r.reporter == nil {
			continue
		}
		if err := r.reporter.ReportOutcome(ctx, rec); err != nil {
			logger.Warnf("[reaper] report timeout for %s failed: %v", rec.ID, err)
		}
	}
	if res.Removed > 0 {
		logger.Infof("[reaper] removed %d stale confirmation(s)", res.Removed)
	}
	return res, nil
}
