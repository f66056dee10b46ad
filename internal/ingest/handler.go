package ingest

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

// Reporter 是 Handler 需要的通知能力（由 dispatch.Dispatcher 实现）。
type Reporter interface {
	Acknowledge(ctx context.Context, queryID string) error
	ReportOutcome(ctx context.Context, rec confirm.Record) error
}

// Handler 是 push 与 poll 两条通道共用的处理逻辑。
type Handler struct {
	store    *store.Store
	reporter Reporter
	activity *Activity
	metrics  *metrics.Metrics
	allowed  map[int64]struct{}
	seen     *recentSet
	now      func() time.Time

	mu     sync.RWMutex
	window time.Duration
}

// HandlerOption 配置 Handler。
type HandlerOption func(*Handler)

// WithAllowedUsers 限制可做决定的 Telegram 用户；为空表示不限制。
func WithAllowedUsers(ids []int64) HandlerOption {
	return func(h *Handler) {
		if len(ids) == 0 {
			return
		}
		h.allowed = make(map[int64]struct{}, len(ids))
		for _, id := range ids {
			h.allowed[id] = struct{}{}
		}
	}
}

func WithMetrics(m *metrics.Metrics) HandlerOption {
	return func(h *Handler) { h.metrics = m }
}

// WithWindow 设置决策窗口；超过窗口到达的决定按超时拒绝处理。
func WithWindow(d time.Duration) HandlerOption {
	return func(h *Handler) { h.window = d }
}

func WithClock(now func() time.Time) HandlerOption {
	return func(h *Handler) {
		if now != nil {
			h.now = now
		}
	}
}

func NewHandler(st *store.Store, reporter Reporter, activity *Activity, opts ...HandlerOption) *Handler {
	h := &Handler{
		store:    st,
		reporter: reporter,
		activity: activity,
		seen:     newRecentSet(4096),
		now:      time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h
}

// SetWindow 热更新决策窗口。
func (h *Handler) SetWindow(d time.Duration) {
	h.mu.Lock()
	h.window = d
	h.mu.Unlock()
}

func (h *Handler) currentWindow() time.Duration {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.window
}

// Handle 处理一次决定事件。
//
// 返回 error 仅在两种情况：按钮数据无法解析（confirm.ErrMalformedCallback）或存储故障（store.Fault）。
// 未知 id、已清理、已处于相反终态都属于正常竞争，返回 Success=false 的 Result 与 nil error。
// 同一事件（update_id 或 callback_query id）重复到达时直接返回首次的结果。
func (h *Handler) Handle(ctx context.Context, ev Event) (Result, error) {
	key := ev.dedupKey()
	if prev, ok := h.seen.get(key); ok {
		logger.Debugf("[ingest] duplicate event %s ignored", key)
		h.record(ev, prev, "duplicate")
		return prev, nil
	}

	if ev.QueryID != "" && h.reporter != nil {
		if err := h.reporter.Acknowledge(ctx, ev.QueryID); err != nil {
			logger.Warnf("[ingest] acknowledge %s failed: %v", ev.QueryID, err)
		}
	}

	action, id, err := confirm.ParseCallback(ev.Data)
	if err != nil {
		logger.Warnf("[ingest] malformed callback from user %d: %q", ev.SenderID, ev.Data)
		res := Result{Success: false, Message: "Invalid callback data"}
		h.seen.put(key, res)
		h.record(ev, res, "malformed")
		return res, err
	}

	if !h.senderAllowed(ev.SenderID) {
		logger.Warnf("[ingest] user %d is not allowed to decide %s", ev.SenderID, id)
		res := Result{Success: false, Action: string(action), Message: "User not allowed"}
		h.seen.put(key, res)
		h.record(ev, res, "forbidden")
		return res, nil
	}

	reason := ""
	if action == confirm.ActionDecline {
		reason = confirm.ReasonUser
	}
	rec, err := h.store.Decide(ctx, id, action.Target(), reason, h.currentWindow(), h.now())
	res, outcome := h.classify(action, id, rec, err)
	if outcome == "error" {
		logger.Errorf("[ingest] apply %s %s failed: %v", action, id, err)
		h.record(ev, res, outcome)
		return res, err
	}
	h.seen.put(key, res)
	h.record(ev, res, outcome)
	if outcome != "applied" && outcome != "expired" {
		return res, nil
	}

	logger.Infof("[ingest] %s %s by user %d via %s", rec.Status, id, ev.SenderID, ev.Source)
	h.metrics.Transition(rec)
	logger.Decision(string(rec.Status), id, map[string]string{
		"user":   itoa(ev.SenderID),
		"source": string(ev.Source),
		"reason": rec.Reason,
	})
	if !rec.Message.Valid() && ev.ChatID != "" && ev.MessageID > 0 {
		ref := confirm.MessageRef{ChatID: ev.ChatID, MessageID: ev.MessageID}
		if err := h.store.AttachMessage(ctx, id, ref); err != nil && !errors.Is(err, confirm.ErrNotFound) {
			logger.Warnf("[ingest] attach message to %s failed: %v", id, err)
		}
		rec.Message = &ref
	}
	if h.reporter != nil {
		if err := h.reporter.ReportOutcome(ctx, rec); err != nil {
			logger.Warnf("[ingest] report outcome for %s failed: %v", id, err)
		}
	}
	return res, nil
}

func (h *Handler) classify(action confirm.Action, id string, rec confirm.Record, err error) (Result, string) {
	verb := "confirmed"
	if action == confirm.ActionDecline {
		verb = "declined"
	}
	switch {
	case err == nil:
		return Result{
			Success: true,
			Action:  string(action),
			Message: fmt.Sprintf("DCA order #%d for %s %s", rec.Payload.Sequence, rec.Payload.Pair, verb),
		}, "applied"
	case errors.Is(err, confirm.ErrExpired):
		logger.Infof("[ingest] %s arrived after the decision window, auto-declined", id)
		return Result{Success: false, Action: string(action), Message: "Confirmation expired (auto-declined)"}, "expired"
	case errors.Is(err, confirm.ErrAlreadyResolved):
		logger.Infof("[ingest] %s already %s, nothing to do", id, verb)
		return Result{Success: true, Action: string(action), Message: "Confirmation already " + verb}, "already"
	case errors.Is(err, confirm.ErrNotFound):
		logger.Infof("[ingest] %s not found (expired or already processed)", id)
		return Result{Success: false, Action: string(action), Message: "Confirmation not found or already processed"}, "unknown"
	case errors.Is(err, confirm.ErrIllegalTransition):
		logger.Warnf("[ingest] %s rejected: %v", id, err)
		return Result{Success: false, Action: string(action), Message: fmt.Sprintf("Confirmation already %s", rec.Status)}, "conflict"
	default:
		return Result{Success: false, Action: string(action), Message: "Storage error, please retry"}, "error"
	}
}

func (h *Handler) senderAllowed(id int64) bool {
	if len(h.allowed) == 0 {
		return true
	}
	_, ok := h.allowed[id]
	return ok
}

func (h *Handler) record(ev Event, res Result, outcome string) {
	h.metrics.Callback(string(ev.Source), outcome)
	if h.activity == nil {
		return
	}
	h.activity.Add(Entry{
		Source:   ev.Source,
		SenderID: ev.SenderID,
		Callback: ev.Data,
		Result:   res,
	})
}
