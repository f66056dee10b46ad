package notifier

import (
	"context"
	"time"

	"dcagate/internal/confirm"
)

// TextNotifier defines a minimal text notification interface.
type TextNotifier interface {
	SendText(ctx context.Context, text string) (confirm.MessageRef, error)
}

// Button 是一个内联按钮，Data 原样回传给 callback_query。
type Button struct {
	Text string
	Data string
}

// DecisionSender 能发出带按钮的确认请求并在事后编辑它。
type DecisionSender interface {
	TextNotifier
	SendDecision(ctx context.Context, text string, buttons []Button) (confirm.MessageRef, error)
	EditText(ctx context.Context, ref confirm.MessageRef, text string) error
	AnswerCallback(ctx context.Context, queryID, text string) error
}

// CallbackUpdate 是 getUpdates 返回的一条更新；非 callback_query 更新只有 UpdateID。
type CallbackUpdate struct {
	UpdateID  int64
	QueryID   string
	SenderID  int64
	Data      string
	ChatID    string
	MessageID int64
}

// UpdateSource 提供长轮询拉取。
type UpdateSource interface {
	GetUpdates(ctx context.Context, offset int64, timeout time.Duration) ([]CallbackUpdate, error)
}
