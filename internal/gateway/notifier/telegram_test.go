package notifier

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
	"unicode/utf8"

	"dcagate/internal/confirm"
	"dcagate/internal/pkg/circuit"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordedCall struct {
	Method  string
	Payload map[string]any
}

type fakeAPI struct {
	mu       sync.Mutex
	calls    []recordedCall
	respond  func(method string) (int, string)
	requests int32
}

func (f *fakeAPI) handler(t *testing.T) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&f.requests, 1)
		parts := strings.Split(r.URL.Path, "/")
		method := parts[len(parts)-1]
		raw, _ := io.ReadAll(r.Body)
		var payload map[string]any
		require.NoError(t, json.Unmarshal(raw, &payload))
		f.mu.Lock()
		f.calls = append(f.calls, recordedCall{Method: method, Payload: payload})
		f.mu.Unlock()
		status, body := 200, `{"ok":true,"result":true}`
		if f.respond != nil {
			status, body = f.respond(method)
		}
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	})
}

func newTestTelegram(t *testing.T, api *fakeAPI, opts ...Option) *Telegram {
	srv := httptest.NewServer(api.handler(t))
	t.Cleanup(srv.Close)
	base := []Option{WithAPIBase(srv.URL), WithRetryDelay(0)}
	return NewTelegram("TOKEN", "-100", append(base, opts...)...)
}

func TestSendDecisionEmbedsButtons(t *testing.T) {
	api := &fakeAPI{respond: func(string) (int, string) {
		return 200, `{"ok":true,"result":{"message_id":42,"chat":{"id":-100}}}`
	}}
	tg := newTestTelegram(t, api)

	ref, err := tg.SendDecision(context.Background(), "confirm?", []Button{
		{Text: "Accept", Data: "accept_X"},
		{Text: "Decline", Data: "decline_X"},
	})
	require.NoError(t, err)
	assert.Equal(t, confirm.MessageRef{ChatID: "-100", MessageID: 42}, ref)

	require.Len(t, api.calls, 1)
	assert.Equal(t, "sendMessage", api.calls[0].Method)
	markup := api.calls[0].Payload["reply_markup"].(map[string]any)
	rows := markup["inline_keyboard"].([]any)
	row := rows[0].([]any)
	assert.Equal(t, "accept_X", row[0].(map[string]any)["callback_data"])
	assert.Equal(t, "decline_X", row[1].(map[string]any)["callback_data"])
}

func TestSendTextRetriesServerErrors(t *testing.T) {
	var n int32
	api := &fakeAPI{respond: func(string) (int, string) {
		if atomic.AddInt32(&n, 1) < 3 {
			return 502, `{"ok":false}`
		}
		return 200, `{"ok":true,"result":{"message_id":1,"chat":{"id":5}}}`
	}}
	tg := newTestTelegram(t, api)
	_, err := tg.SendText(context.Background(), "hi")
	require.NoError(t, err)
	assert.Equal(t, int32(3), atomic.LoadInt32(&api.requests))
}

func TestSendTextDoesNotRetryClientErrors(t *testing.T) {
	var errs []string
	api := &fakeAPI{respond: func(string) (int, string) {
		return 400, `{"ok":false,"description":"Bad Request: chat not found"}`
	}}
	tg := newTestTelegram(t, api, WithErrorHook(func(op string) { errs = append(errs, op) }))
	_, err := tg.SendText(context.Background(), "hi")
	require.Error(t, err)
	var te *TransportError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, 400, te.Status)
	assert.Contains(t, te.Error(), "chat not found")
	assert.Equal(t, int32(1), atomic.LoadInt32(&api.requests))
	assert.Equal(t, []string{"sendMessage"}, errs)
}

func TestBreakerShortCircuitsSends(t *testing.T) {
	api := &fakeAPI{respond: func(string) (int, string) { return 500, `{"ok":false}` }}
	tg := newTestTelegram(t, api, WithBreaker(circuit.NewCircuitBreaker("tg", 2, time.Hour)))
	_, err := tg.SendText(context.Background(), "hi")
	require.Error(t, err)
	before := atomic.LoadInt32(&api.requests)
	assert.Equal(t, int32(2), before)

	_, err = tg.SendText(context.Background(), "hi")
	assert.ErrorIs(t, err, circuit.ErrOpen)
	assert.Equal(t, before, atomic.LoadInt32(&api.requests))
}

func TestEditAndAnswer(t *testing.T) {
	api := &fakeAPI{}
	tg := newTestTelegram(t, api)
	ctx := context.Background()

	require.NoError(t, tg.EditText(ctx, confirm.MessageRef{ChatID: "-100", MessageID: 7}, "done"))
	require.NoError(t, tg.AnswerCallback(ctx, "q1", "⏳ Processing your confirmation..."))
	assert.Error(t, tg.EditText(ctx, confirm.MessageRef{}, "x"))

	require.Len(t, api.calls, 2)
	assert.Equal(t, "editMessageText", api.calls[0].Method)
	assert.EqualValues(t, 7, api.calls[0].Payload["message_id"])
	assert.Equal(t, "answerCallbackQuery", api.calls[1].Method)
	assert.Equal(t, "q1", api.calls[1].Payload["callback_query_id"])
}

func TestGetUpdatesParsesCallbacks(t *testing.T) {
	api := &fakeAPI{respond: func(string) (int, string) {
		return 200, `{"ok":true,"result":[
			{"update_id":10,"callback_query":{"id":"cb1","from":{"id":77},"data":"accept_X",
			  "message":{"message_id":5,"chat":{"id":-100}}}},
			{"update_id":11,"message":{"text":"hello"}}
		]}`
	}}
	tg := newTestTelegram(t, api)
	ups, err := tg.GetUpdates(context.Background(), 10, 30*time.Second)
	require.NoError(t, err)
	require.Len(t, ups, 2)
	assert.Equal(t, CallbackUpdate{UpdateID: 10, QueryID: "cb1", SenderID: 77, Data: "accept_X", ChatID: "-100", MessageID: 5}, ups[0])
	assert.Equal(t, int64(11), ups[1].UpdateID)
	assert.Empty(t, ups[1].QueryID)

	call := api.calls[0]
	assert.Equal(t, "getUpdates", call.Method)
	assert.EqualValues(t, 10, call.Payload["offset"])
	assert.EqualValues(t, 30, call.Payload["timeout"])
	assert.Equal(t, []any{"callback_query"}, call.Payload["allowed_updates"])
}

func TestUnconfiguredTelegram(t *testing.T) {
	tg := NewTelegram("", "")
	_, err := tg.SendText(context.Background(), "x")
	assert.Error(t, err)
}

func TestStructuredMessageEscapesHeader(t *testing.T) {
	msg := StructuredMessage{
		Icon:     "🔔",
		Title:    "DCA 1000_PEPE/USDT",
		Sections: []MessageSection{{Lines: []string{"pair: 1000_PEPE/USDT", " "}}},
		Footer:   "auto_decline",
	}
	out := msg.RenderMarkdown()
	assert.Contains(t, out, `*🔔 DCA 1000\_PEPE/USDT*`)
	assert.Contains(t, out, "```\npair: 1000_PEPE/USDT\n```")
	assert.Contains(t, out, `auto\_decline`)
}

func TestStructuredMessageTruncatesOnRuneBoundary(t *testing.T) {
	lines := make([]string, 0, 2000)
	for i := 0; i < 2000; i++ {
		lines = append(lines, "⚠️ 加仓")
	}
	out := StructuredMessage{Icon: "🔔", Title: "DCA", Sections: []MessageSection{{Lines: lines}}}.RenderMarkdown()
	assert.True(t, utf8.ValidString(out))
	assert.True(t, strings.HasSuffix(out, "..."))
	assert.Equal(t, maxStructuredMessageLen+3, utf8.RuneCountInString(out))
}
