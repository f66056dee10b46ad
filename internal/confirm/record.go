// Package confirm 定义人工确认记录及其生命周期状态机。
package confirm

import (
	"time"

	"github.com/shopspring/decimal"
)

// Status 是确认记录的生命周期状态。
type Status string

const (
	StatusPending   Status = "pending"
	StatusConfirmed Status = "confirmed"
	StatusDeclined  Status = "declined"
)

// Terminal reports whether no transition may leave s.
func (s Status) Terminal() bool {
	return s == StatusConfirmed || s == StatusDeclined
}

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusConfirmed, StatusDeclined:
		return true
	}
	return false
}

// Action 是人工在聊天按钮上做出的选择。
type Action string

const (
	ActionAccept  Action = "accept"
	ActionDecline Action = "decline"
)

// Target 返回该动作对应的终态。
func (a Action) Target() Status {
	if a == ActionAccept {
		return StatusConfirmed
	}
	return StatusDeclined
}

const (
	ReasonTimeout = "timeout"
	ReasonUser    = "user declined"
)

// Payload 保存重新下单所需的上下文。
type Payload struct {
	Pair        string          `json:"pair"`
	TradeID     int             `json:"trade_id,omitempty"`
	Side        string          `json:"side,omitempty"`
	Sequence    int             `json:"order_number"`
	Rate        decimal.Decimal `json:"entry_rate"`
	Stake       decimal.Decimal `json:"stake"`
	ProfitRatio float64         `json:"profit"`
}

// MessageRef 指向发出的确认请求消息，用于事后编辑结果。
type MessageRef struct {
	ChatID    string `json:"chat_id"`
	MessageID int64  `json:"message_id"`
}

func (m *MessageRef) Valid() bool {
	return m != nil && m.ChatID != "" && m.MessageID > 0
}

// Record 是一次待定或已决的人工确认。
type Record struct {
	ID         string      `json:"id"`
	Status     Status      `json:"status"`
	CreatedAt  time.Time   `json:"timestamp"`
	ResolvedAt *time.Time  `json:"resolved_at,omitempty"`
	Reason     string      `json:"reason,omitempty"`
	Payload    Payload     `json:"payload"`
	Message    *MessageRef `json:"message,omitempty"`
}

// NewPending 创建一条 pending 记录。
func NewPending(id string, payload Payload, now time.Time) Record {
	return Record{
		ID:        id,
		Status:    StatusPending,
		CreatedAt: now.UTC(),
		Payload:   payload,
	}
}

// Age 返回记录自创建以来的时长。
func (r Record) Age(now time.Time) time.Duration {
	return now.Sub(r.CreatedAt)
}

// Clone 返回不与原记录共享指针字段的副本。
func (r Record) Clone() Record {
	out := r
	if r.ResolvedAt != nil {
		t := *r.ResolvedAt
		out.ResolvedAt = &t
	}
	if r.Message != nil {
		m := *r.Message
		out.Message = &m
	}
	return out
}
