// Package dispatch 把确认请求推送给人工，并在决定落地后回写结果。
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"dcagate/internal/confirm"
	"dcagate/internal/gateway/notifier"
)

// ErrDisabled 表示未配置消息通道。
var ErrDisabled = errors.New("notification channel not configured")

const ackText = "⏳ Processing your confirmation..."

// Dispatcher 的发送失败只返回错误，从不触碰 store。
type Dispatcher struct {
	sender      notifier.DecisionSender
	sendTimeout time.Duration

	mu     sync.RWMutex
	window time.Duration
}

func New(sender notifier.DecisionSender, window, sendTimeout time.Duration) *Dispatcher {
	if sendTimeout <= 0 {
		sendTimeout = 15 * time.Second
	}
	return &Dispatcher{sender: sender, window: window, sendTimeout: sendTimeout}
}

// SetWindow 更新消息里展示的自动拒绝时长。
func (d *Dispatcher) SetWindow(w time.Duration) {
	d.mu.Lock()
	d.window = w
	d.mu.Unlock()
}

func (d *Dispatcher) currentWindow() time.Duration {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.window
}

// RequestDecision 发送带 accept_<id>/decline_<id> 按钮的确认请求。
func (d *Dispatcher) RequestDecision(ctx context.Context, rec confirm.Record) (confirm.MessageRef, error) {
	if d == nil || d.sender == nil {
		return confirm.MessageRef{}, ErrDisabled
	}
	ctx, cancel := context.WithTimeout(ctx, d.sendTimeout)
	defer cancel()
	buttons := []notifier.Button{
		{Text: "✅ Accept", Data: confirm.CallbackData(confirm.ActionAccept, rec.ID)},
		{Text: "❌ Decline", Data: confirm.CallbackData(confirm.ActionDecline, rec.ID)},
	}
	ref, err := d.sender.SendDecision(ctx, RenderRequest(rec, d.currentWindow()), buttons)
	if err != nil {
		return confirm.MessageRef{}, fmt.Errorf("request decision %s: %w", rec.ID, err)
	}
	return ref, nil
}

// ReportOutcome 编辑原请求消息；没有消息引用或编辑失败时补发一条新消息。
func (d *Dispatcher) ReportOutcome(ctx context.Context, rec confirm.Record) error {
	if d == nil || d.sender == nil {
		return ErrDisabled
	}
	if !rec.Status.Terminal() {
		return fmt.Errorf("report outcome %s: record is still %s", rec.ID, rec.Status)
	}
	ctx, cancel := context.WithTimeout(ctx, d.sendTimeout)
	defer cancel()
	text := RenderOutcome(rec)
	if rec.Message.Valid() {
		err := d.sender.EditText(ctx, *rec.Message, text)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return fmt.Errorf("report outcome %s: %w", rec.ID, err)
		}
	}
	if _, err := d.sender.SendText(ctx, text); err != nil {
		return fmt.Errorf("report outcome %s: %w", rec.ID, err)
	}
	return nil
}

// Acknowledge 立即应答按钮点击，与状态迁移是否成功无关。
func (d *Dispatcher) Acknowledge(ctx context.Context, queryID string) error {
	if d == nil || d.sender == nil {
		return ErrDisabled
	}
	if queryID == "" {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, d.sendTimeout)
	defer cancel()
	return d.sender.AnswerCallback(ctx, queryID, ackText)
}
