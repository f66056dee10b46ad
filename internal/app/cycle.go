package app

import (
	"context"
	"sync"

	"dcagate/internal/coordinator"
	"dcagate/internal/gateway/freqtrade"
	"dcagate/internal/logger"
	"dcagate/internal/strategy/dca"
)

type tradeLister interface {
	ListTrades(ctx context.Context) ([]freqtrade.Trade, error)
}

// cycleRunner 是一次决策周期：拉取持仓→计算加仓候选→交给协调器。
type cycleRunner struct {
	trades tradeLister
	coord  *coordinator.Coordinator

	mu     sync.RWMutex
	policy dca.Policy
}

func newCycleRunner(trades tradeLister, coord *coordinator.Coordinator, policy dca.Policy) *cycleRunner {
	return &cycleRunner{trades: trades, coord: coord, policy: policy}
}

func (r *cycleRunner) SetPolicy(p dca.Policy) {
	r.mu.Lock()
	r.policy = p
	r.mu.Unlock()
}

func (r *cycleRunner) currentPolicy() dca.Policy {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.policy
}

// Run 执行一个周期。持仓拉取失败时只做超时清扫，避免误删已拒绝缓存。
func (r *cycleRunner) Run(ctx context.Context) {
	trades, err := r.trades.ListTrades(ctx)
	if err != nil {
		logger.Warnf("[cycle] list trades failed: %v", err)
		r.coord.Reaper().Tick(ctx)
		return
	}
	positions := r.currentPolicy().Positions(trades)
	outcomes := r.coord.RunCycle(ctx, positions)
	counts := map[coordinator.Verdict]int{}
	for _, out := range outcomes {
		counts[out.Verdict]++
	}
	logger.Infof("[cycle] positions=%d candidates=%d wait=%d execute=%d skip=%d",
		len(positions), len(outcomes), counts[coordinator.VerdictWait], counts[coordinator.VerdictExecute], counts[coordinator.VerdictSkip])
}
