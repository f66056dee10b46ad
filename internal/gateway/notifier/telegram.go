package notifier

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"dcagate/internal/confirm"
	"dcagate/internal/pkg/circuit"
	"dcagate/internal/pkg/text"

	"github.com/tidwall/gjson"
	"golang.org/x/time/rate"
)

// 中文说明：
// Telegram 通知器：发送 DCA 确认请求（带接受/拒绝按钮）、编辑结果、应答按钮回调，
// 并为 listener 提供 getUpdates 长轮询。

const (
	defaultAPIBase = "https://api.telegram.org"

	// Telegram 的长度上限
	maxMessageRunes  = 4000
	maxCallbackRunes = 190
)

// TransportError 表示与 Telegram 的一次交互失败（网络错误、非 2xx 或 ok=false）。
type TransportError struct {
	Op          string
	Status      int
	Description string
	Err         error
}

func (e *TransportError) Error() string {
	switch {
	case e.Err != nil:
		return fmt.Sprintf("telegram %s: %v", e.Op, e.Err)
	case e.Description != "":
		return fmt.Sprintf("telegram %s: status=%d %s", e.Op, e.Status, e.Description)
	default:
		return fmt.Sprintf("telegram %s: status=%d", e.Op, e.Status)
	}
}

func (e *TransportError) Unwrap() error { return e.Err }

// Retryable reports whether the failure is worth another attempt.
func (e *TransportError) Retryable() bool {
	return e.Err != nil || e.Status == http.StatusTooManyRequests || e.Status >= 500
}

type Telegram struct {
	BotToken   string
	ChatID     string
	APIBase    string
	Client     *http.Client
	PollClient *http.Client

	limiter    *rate.Limiter
	breaker    *circuit.CircuitBreaker
	retryDelay time.Duration
	onError    func(op string)
}

// Option 配置 Telegram 客户端。
type Option func(*Telegram)

func WithAPIBase(base string) Option {
	return func(t *Telegram) {
		if base = strings.TrimRight(strings.TrimSpace(base), "/"); base != "" {
			t.APIBase = base
		}
	}
}

// WithTimeouts 设置普通请求与长轮询请求的 HTTP 超时。
func WithTimeouts(request, poll time.Duration) Option {
	return func(t *Telegram) {
		if request > 0 {
			t.Client = &http.Client{Timeout: request}
		}
		if poll > 0 {
			t.PollClient = &http.Client{Timeout: poll}
		}
	}
}

// WithRateLimit 限制每秒出站请求数。
func WithRateLimit(perSecond float64) Option {
	return func(t *Telegram) {
		if perSecond > 0 {
			burst := int(perSecond)
			if burst < 1 {
				burst = 1
			}
			t.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
		}
	}
}

func WithBreaker(cb *circuit.CircuitBreaker) Option {
	return func(t *Telegram) { t.breaker = cb }
}

// WithRetryDelay 设置重试的基础间隔（第 i 次重试等待 i*delay）。
func WithRetryDelay(d time.Duration) Option {
	return func(t *Telegram) {
		if d >= 0 {
			t.retryDelay = d
		}
	}
}

// WithErrorHook 在每次调用失败时回调（用于指标）。
func WithErrorHook(fn func(op string)) Option {
	return func(t *Telegram) { t.onError = fn }
}

func NewTelegram(botToken, chatID string, opts ...Option) *Telegram {
	t := &Telegram{
		BotToken:   botToken,
		ChatID:     chatID,
		APIBase:    defaultAPIBase,
		Client:     &http.Client{Timeout: 15 * time.Second},
		PollClient: &http.Client{Timeout: 45 * time.Second},
		breaker:    circuit.NewCircuitBreaker("telegram", 5, time.Minute),
		retryDelay: time.Second,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(t)
		}
	}
	return t
}

func (t *Telegram) configured() error {
	if t.BotToken == "" || t.ChatID == "" {
		return fmt.Errorf("Telegram 配置不完整")
	}
	return nil
}

// SendText 发送文本消息（带最多 3 次重试）
func (t *Telegram) SendText(ctx context.Context, msg string) (confirm.MessageRef, error) {
	return t.sendMessage(ctx, "sendMessage", map[string]any{
		"chat_id":    t.ChatID,
		"text":       text.Truncate(msg, maxMessageRunes),
		"parse_mode": "Markdown",
	})
}

// SendDecision 发送带内联按钮的消息，返回消息引用以便事后编辑。
func (t *Telegram) SendDecision(ctx context.Context, msg string, buttons []Button) (confirm.MessageRef, error) {
	row := make([]map[string]string, 0, len(buttons))
	for _, b := range buttons {
		row = append(row, map[string]string{"text": b.Text, "callback_data": b.Data})
	}
	return t.sendMessage(ctx, "sendMessage", map[string]any{
		"chat_id":      t.ChatID,
		"text":         text.Truncate(msg, maxMessageRunes),
		"parse_mode":   "Markdown",
		"reply_markup": map[string]any{"inline_keyboard": [][]map[string]string{row}},
	})
}

func (t *Telegram) sendMessage(ctx context.Context, method string, payload map[string]any) (confirm.MessageRef, error) {
	if err := t.configured(); err != nil {
		return confirm.MessageRef{}, err
	}
	var lastErr error
	for i := 0; i < 3; i++ {
		body, err := t.call(ctx, t.Client, method, payload)
		if err == nil {
			res := gjson.GetBytes(body, "result")
			return confirm.MessageRef{
				ChatID:    res.Get("chat.id").String(),
				MessageID: res.Get("message_id").Int(),
			}, nil
		}
		lastErr = err
		var te *TransportError
		if errors.As(err, &te) && !te.Retryable() {
			break
		}
		if errors.Is(err, circuit.ErrOpen) {
			break
		}
		if err := sleepCtx(ctx, time.Duration(i+1)*t.retryDelay); err != nil {
			break
		}
	}
	return confirm.MessageRef{}, lastErr
}

// EditText 编辑已发送的消息并移除按钮。
func (t *Telegram) EditText(ctx context.Context, ref confirm.MessageRef, msg string) error {
	if err := t.configured(); err != nil {
		return err
	}
	if !ref.Valid() {
		return fmt.Errorf("invalid message reference")
	}
	_, err := t.call(ctx, t.Client, "editMessageText", map[string]any{
		"chat_id":      ref.ChatID,
		"message_id":   ref.MessageID,
		"text":         text.Truncate(msg, maxMessageRunes),
		"parse_mode":   "Markdown",
		"reply_markup": map[string]any{"inline_keyboard": [][]map[string]string{}},
	})
	return err
}

// AnswerCallback 应答按钮点击，Telegram 客户端会显示一个短暂提示。
func (t *Telegram) AnswerCallback(ctx context.Context, queryID, msg string) error {
	if t.BotToken == "" {
		return fmt.Errorf("Telegram 配置不完整")
	}
	if strings.TrimSpace(queryID) == "" {
		return nil
	}
	_, err := t.call(ctx, t.Client, "answerCallbackQuery", map[string]any{
		"callback_query_id": queryID,
		"text":              text.Truncate(msg, maxCallbackRunes),
	})
	return err
}

// GetUpdates 长轮询 callback_query 更新。timeout 为服务端挂起时长。
func (t *Telegram) GetUpdates(ctx context.Context, offset int64, timeout time.Duration) ([]CallbackUpdate, error) {
	if t.BotToken == "" {
		return nil, fmt.Errorf("Telegram 配置不完整")
	}
	payload := map[string]any{
		"offset":          offset,
		"timeout":         int(timeout / time.Second),
		"allowed_updates": []string{"callback_query"},
	}
	body, err := t.do(ctx, t.PollClient, "getUpdates", payload)
	if err != nil {
		return nil, err
	}
	items := gjson.GetBytes(body, "result").Array()
	out := make([]CallbackUpdate, 0, len(items))
	for _, item := range items {
		upd := CallbackUpdate{UpdateID: item.Get("update_id").Int()}
		if cq := item.Get("callback_query"); cq.Exists() {
			upd.QueryID = cq.Get("id").String()
			upd.SenderID = cq.Get("from.id").Int()
			upd.Data = cq.Get("data").String()
			upd.ChatID = cq.Get("message.chat.id").String()
			upd.MessageID = cq.Get("message.message_id").Int()
		}
		out = append(out, upd)
	}
	return out, nil
}

// call 经过熔断器与限流器发出请求。
func (t *Telegram) call(ctx context.Context, client *http.Client, method string, payload any) ([]byte, error) {
	var body []byte
	run := func() error {
		var err error
		body, err = t.do(ctx, client, method, payload)
		return err
	}
	if t.breaker == nil {
		return body, run()
	}
	err := t.breaker.Do(run, func(err error) bool {
		var te *TransportError
		return errors.As(err, &te) && te.Retryable()
	})
	if errors.Is(err, circuit.ErrOpen) {
		t.reportError(method)
		return nil, &TransportError{Op: method, Err: err}
	}
	return body, err
}

func (t *Telegram) do(ctx context.Context, client *http.Client, method string, payload any) ([]byte, error) {
	if t.limiter != nil {
		if err := t.limiter.Wait(ctx); err != nil {
			return nil, &TransportError{Op: method, Err: err}
		}
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", method, err)
	}
	url := fmt.Sprintf("%s/bot%s/%s", t.APIBase, t.BotToken, method)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(raw))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		t.reportError(method)
		return nil, &TransportError{Op: method, Err: err}
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		t.reportError(method)
		return nil, &TransportError{Op: method, Status: resp.StatusCode, Err: err}
	}
	if resp.StatusCode/100 != 2 || !gjson.GetBytes(body, "ok").Bool() {
		t.reportError(method)
		return nil, &TransportError{
			Op:          method,
			Status:      resp.StatusCode,
			Description: gjson.GetBytes(body, "description").String(),
		}
	}
	return body, nil
}

func (t *Telegram) reportError(op string) {
	if t.onError != nil {
		t.onError(op)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
