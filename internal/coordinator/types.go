// Package coordinator 在策略的每个决策周期内决定加仓请求是等待、执行还是放弃。
package coordinator

import (
	"context"
	"time"

	"dcagate/internal/confirm"

	"github.com/shopspring/decimal"
)

// Candidate 是一次可能的加仓机会。
type Candidate struct {
	Pair        string
	TradeID     int
	Side        string
	OpenedAt    time.Time
	Sequence    int
	Rate        decimal.Decimal
	Stake       decimal.Decimal
	ProfitRatio float64
}

// ID 由交易对、开仓时间与序号确定性地生成，重启后保持不变。
func (c Candidate) ID() string {
	return confirm.ID(c.Pair, c.OpenedAt, c.Sequence)
}

func (c Candidate) positionKey() string {
	return confirm.PositionKey(c.Pair, c.OpenedAt)
}

func (c Candidate) Payload() confirm.Payload {
	return confirm.Payload{
		Pair:        c.Pair,
		TradeID:     c.TradeID,
		Side:        c.Side,
		Sequence:    c.Sequence,
		Rate:        c.Rate,
		Stake:       c.Stake,
		ProfitRatio: c.ProfitRatio,
	}
}

// Position 是一个未平仓持仓；Candidate 为空表示本周期没有加仓机会。
type Position struct {
	Pair      string
	OpenedAt  time.Time
	Candidate *Candidate
}

func (p Position) key() string {
	return confirm.PositionKey(p.Pair, p.OpenedAt)
}

type Verdict string

const (
	VerdictWait    Verdict = "wait"
	VerdictExecute Verdict = "execute"
	VerdictSkip    Verdict = "skip"
)

// Outcome 是对单个候选的决定；Verdict 为 execute 时 Payload 为下单参数。
type Outcome struct {
	ID      string
	Verdict Verdict
	Payload confirm.Payload
}

// Policy 是可热更新的时间窗口。
type Policy struct {
	Timeout   time.Duration
	Retention time.Duration
}

// Requester 发送确认请求与结果（由 dispatch.Dispatcher 实现）。
type Requester interface {
	RequestDecision(ctx context.Context, rec confirm.Record) (confirm.MessageRef, error)
	ReportOutcome(ctx context.Context, rec confirm.Record) error
}

// Executor 下达已确认的加仓单（由 freqtrade.Adapter 实现）。
type Executor interface {
	Execute(ctx context.Context, p confirm.Payload) error
}
