package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"dcagate/internal/confirm"
	"dcagate/internal/logger"
	"dcagate/internal/metrics"
	"dcagate/internal/store"
)

var errNotTerminal = errors.New("confirmation is not resolved")

// Coordinator 以 store 为唯一事实来源；resolved 仅是本进程的提示性缓存，
// 记录已被消费（执行或拒绝）的 id，避免记录清理后为同一序号再次发起请求。
type Coordinator struct {
	store     *store.Store
	requester Requester
	executor  Executor
	metrics   *metrics.Metrics
	reaper    *Reaper
	now       func() time.Time

	mu       sync.RWMutex
	policy   Policy
	resolved map[string]resolvedEntry
}

type resolvedEntry struct {
	position string
	status   confirm.Status
}

type Option func(*Coordinator)

func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) {
		if now != nil {
			c.now = now
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Coordinator) { c.metrics = m }
}

func New(st *store.Store, requester Requester, executor Executor, policy Policy, opts ...Option) *Coordinator {
	c := &Coordinator{
		store:     st,
		requester: requester,
		executor:  executor,
		now:       time.Now,
		policy:    policy,
		resolved:  make(map[string]resolvedEntry),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	c.reaper = NewReaper(st, requester, c.metrics, c.Policy)
	c.reaper.now = c.now
	return c
}

// SetPolicy 热更新超时与保留窗口。
func (c *Coordinator) SetPolicy(p Policy) {
	c.mu.Lock()
	c.policy = p
	c.mu.Unlock()
	logger.Infof("[coord] policy updated: timeout=%s retention=%s", p.Timeout, p.Retention)
}

func (c *Coordinator) Policy() Policy {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.policy
}

// Reaper 返回内部的超时清扫器。
func (c *Coordinator) Reaper() *Reaper {
	return c.reaper
}

// RunCycle 先清扫，再逐个评估候选；execute 结果交给 Executor 下单。
func (c *Coordinator) RunCycle(ctx context.Context, positions []Position) (outcomes []Outcome) {
	defer func() {
		if r := recover(); r != nil {
			logger.Errorf("[coord] cycle panic: %v", r)
		}
	}()
	now := c.now()
	if _, err := c.reaper.Sweep(ctx, now); err != nil {
		logger.Warnf("[reaper] sweep failed: %v", err)
	}
	c.pruneResolved(positions)

	for _, pos := range positions {
		if pos.Candidate == nil {
			continue
		}
		out := c.Evaluate(ctx, *pos.Candidate)
		outcomes = append(outcomes, out)
		if out.Verdict != VerdictExecute {
			continue
		}
		if c.executor == nil {
			logger.Errorf("[coord] %s confirmed but no executor configured", out.ID)
			continue
		}
		if err := c.executor.Execute(ctx, out.Payload); err != nil {
			logger.Errorf("[coord] execute %s failed: %v", out.ID, err)
			continue
		}
		logger.Infof("[coord] executed %s stake=%s rate=%s", out.ID, out.Payload.Stake.String(), out.Payload.Rate.String())
	}
	return outcomes
}

// Evaluate 对单个候选执行查表决策。任何存储或通知故障都退化为 wait。
func (c *Coordinator) Evaluate(ctx context.Context, cand Candidate) Outcome {
	out, cached := c.evaluate(ctx, cand)
	c.metrics.Verdict(string(out.Verdict))
	if out.Verdict != VerdictWait && !cached {
		logger.Decision(string(out.Verdict), out.ID, map[string]string{
			"pair":  cand.Pair,
			"stake": cand.Stake.String(),
		})
	}
	return out
}

// evaluate 的第二个返回值表示结果来自 resolved 缓存。
func (c *Coordinator) evaluate(ctx context.Context, cand Candidate) (Outcome, bool) {
	id := cand.ID()
	wait := Outcome{ID: id, Verdict: VerdictWait}
	if st, ok := c.resolvedStatus(id); ok {
		logger.Debugf("[coord] %s already %s in this position, skipping", id, st)
		return Outcome{ID: id, Verdict: VerdictSkip}, true
	}

	rec, err := c.store.Get(ctx, id)
	switch {
	case errors.Is(err, confirm.ErrNotFound):
		c.request(ctx, cand)
		return wait, false
	case err != nil:
		logger.Warnf("[coord] load %s failed, waiting: %v", id, err)
		return wait, false
	}

	switch rec.Status {
	case confirm.StatusPending:
		return wait, false
	case confirm.StatusConfirmed:
		consumed, err := c.consume(ctx, id)
		if err != nil {
			logger.Warnf("[coord] clear confirmed %s failed, waiting: %v", id, err)
			return wait, false
		}
		c.markResolved(id, cand.positionKey(), confirm.StatusConfirmed)
		logger.Infof("[coord] %s confirmed, executing", id)
		return Outcome{ID: id, Verdict: VerdictExecute, Payload: consumed.Payload}, false
	case confirm.StatusDeclined:
		if _, err := c.consume(ctx, id); err != nil {
			logger.Warnf("[coord] clear declined %s failed, waiting: %v", id, err)
			return wait, false
		}
		c.markResolved(id, cand.positionKey(), confirm.StatusDeclined)
		logger.Infof("[coord] %s declined (%s), skipping", id, rec.Reason)
		return Outcome{ID: id, Verdict: VerdictSkip}, false
	default:
		logger.Errorf("[coord] %s has unknown status %q", id, rec.Status)
		return wait, false
	}
}

// request 创建 pending 记录并发送确认请求。通知失败时记录保持 pending，照常超时。
func (c *Coordinator) request(ctx context.Context, cand Candidate) {
	rec := confirm.NewPending(cand.ID(), cand.Payload(), c.now())
	if err := c.store.Create(ctx, rec); err != nil {
		if errors.Is(err, confirm.ErrExists) {
			logger.Debugf("[coord] %s created concurrently", rec.ID)
			return
		}
		logger.Warnf("[coord] create %s failed: %v", rec.ID, err)
		return
	}
	logger.Infof("[coord] requested confirmation %s (stake=%s)", rec.ID, rec.Payload.Stake.String())
	logger.Decision("request", rec.ID, map[string]string{"pair": cand.Pair, "stake": cand.Stake.String()})
	if c.requester == nil {
		logger.Warnf("[coord] no notifier configured; %s will time out", rec.ID)
		return
	}
	ref, err := c.requester.RequestDecision(ctx, rec)
	if err != nil {
		logger.Warnf("[coord] notify %s failed, record stays pending: %v", rec.ID, err)
		return
	}
	if err := c.store.AttachMessage(ctx, rec.ID, ref); err != nil {
		logger.Warnf("[coord] attach message to %s failed: %v", rec.ID, err)
	}
}

// consume 仅在记录仍处于终态时删除并返回它；执行只发生在删除成功之后。
func (c *Coordinator) consume(ctx context.Context, id string) (confirm.Record, error) {
	var out confirm.Record
	err := c.store.Update(ctx, func(records map[string]confirm.Record) (bool, error) {
		rec, ok := records[id]
		if !ok {
			return false, confirm.ErrNotFound
		}
		if !rec.Status.Terminal() {
			return false, fmt.Errorf("%w: %s is %s", errNotTerminal, id, rec.Status)
		}
		out = rec
		delete(records, id)
		return true, nil
	})
	return out, err
}

func (c *Coordinator) resolvedStatus(id string) (confirm.Status, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.resolved[id]
	return e.status, ok
}

func (c *Coordinator) markResolved(id, positionKey string, status confirm.Status) {
	c.mu.Lock()
	c.resolved[id] = resolvedEntry{position: positionKey, status: status}
	c.mu.Unlock()
}

// pruneResolved 丢弃已平仓持仓的缓存条目。
func (c *Coordinator) pruneResolved(positions []Position) {
	open := make(map[string]struct{}, len(positions))
	for _, p := range positions {
		open[p.key()] = struct{}{}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, e := range c.resolved {
		if _, ok := open[e.position]; !ok {
			delete(c.resolved, id)
		}
	}
}
