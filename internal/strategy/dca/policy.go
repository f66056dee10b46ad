// Package dca 根据持仓的浮亏与已成交入场次数判断是否出现加仓（safety order）机会。
package dca

import (
	"strings"

	"dcagate/internal/config"
	"dcagate/internal/coordinator"
	"dcagate/internal/gateway/freqtrade"
	"dcagate/internal/logger"

	"github.com/shopspring/decimal"
)

const stakePrecision = 8

// Policy 是加仓参数。ProfitTriggers[i] 是第 i+1 次加仓需要达到的收益率（负数）。
type Policy struct {
	MaxSafetyOrders      int
	InitialStakeFraction float64
	ProfitTriggers       []float64
}

func FromConfig(cfg config.DCAConfig) Policy {
	return Policy{
		MaxSafetyOrders:      cfg.MaxSafetyOrders,
		InitialStakeFraction: cfg.InitialStakeFraction,
		ProfitTriggers:       append([]float64(nil), cfg.ProfitTriggers...),
	}
}

// Positions 把引擎的未平仓交易转换为协调器的持仓视图。
func (p Policy) Positions(trades []freqtrade.Trade) []coordinator.Position {
	out := make([]coordinator.Position, 0, len(trades))
	for _, tr := range trades {
		if !tr.IsOpen || strings.TrimSpace(tr.Pair) == "" {
			continue
		}
		pos := coordinator.Position{Pair: tr.Pair, OpenedAt: tr.OpenedAt()}
		pos.Candidate = p.Candidate(tr)
		out = append(out, pos)
	}
	return out
}

// Candidate 返回 tr 的下一次加仓机会；没有时返回 nil。
// 仍有挂单时不给出候选，已下的加仓单成交前序号不会前进。
func (p Policy) Candidate(tr freqtrade.Trade) *coordinator.Candidate {
	if tr.HasPendingEntry() {
		logger.Debugf("[dca] %s: open order pending, no safety order this cycle", tr.Pair)
		return nil
	}
	entries := entryCount(tr)
	if entries <= 0 || p.MaxSafetyOrders <= 0 || entries > p.MaxSafetyOrders {
		return nil
	}
	trigger, ok := p.trigger(entries)
	if !ok || tr.ProfitRatio > trigger {
		return nil
	}
	stake := p.Stake(baseStake(tr, entries))
	if !stake.IsPositive() {
		logger.Warnf("[dca] %s: cannot size safety order #%d (stake=%.4f)", tr.Pair, entries+1, tr.StakeAmount)
		return nil
	}
	rate := decimal.NewFromFloat(tr.CurrentRate)
	if !rate.IsPositive() {
		return nil
	}
	side := "long"
	if tr.IsShort {
		side = "short"
	}
	return &coordinator.Candidate{
		Pair:        tr.Pair,
		TradeID:     tr.ID,
		Side:        side,
		OpenedAt:    tr.OpenedAt(),
		Sequence:    entries + 1,
		Rate:        rate,
		Stake:       stake,
		ProfitRatio: tr.ProfitRatio,
	}
}

// Stake = base / fraction × (1 − fraction) / MaxSafetyOrders，即把预留资金平均分给每次加仓。
func (p Policy) Stake(base decimal.Decimal) decimal.Decimal {
	f := p.InitialStakeFraction
	if f <= 0 || f >= 1 || p.MaxSafetyOrders <= 0 || !base.IsPositive() {
		return decimal.Zero
	}
	fraction := decimal.NewFromFloat(f)
	reserve := base.Div(fraction).Mul(decimal.NewFromInt(1).Sub(fraction))
	return reserve.Div(decimal.NewFromInt(int64(p.MaxSafetyOrders))).Round(stakePrecision)
}

// trigger 返回第 entries 次加仓的阈值，超出列表时复用最后一个。
func (p Policy) trigger(entries int) (float64, bool) {
	if len(p.ProfitTriggers) == 0 || entries <= 0 {
		return 0, false
	}
	idx := entries - 1
	if idx >= len(p.ProfitTriggers) {
		idx = len(p.ProfitTriggers) - 1
	}
	return p.ProfitTriggers[idx], true
}

func entryCount(tr freqtrade.Trade) int {
	if tr.NrOfSuccessfulEntries > 0 {
		return tr.NrOfSuccessfulEntries
	}
	if n := len(tr.FilledEntries()); n > 0 {
		return n
	}
	if tr.StakeAmount > 0 {
		return 1
	}
	return 0
}

// baseStake 取首笔成交的入场成本，缺失时用平均每次入场的 stake。
func baseStake(tr freqtrade.Trade, entries int) decimal.Decimal {
	if filled := tr.FilledEntries(); len(filled) > 0 && filled[0].Cost > 0 {
		return decimal.NewFromFloat(filled[0].Cost)
	}
	if entries <= 0 || tr.StakeAmount <= 0 {
		return decimal.Zero
	}
	return decimal.NewFromFloat(tr.StakeAmount).Div(decimal.NewFromInt(int64(entries)))
}
