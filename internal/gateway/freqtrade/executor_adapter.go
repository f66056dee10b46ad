package freqtrade

import (
	"context"
	"fmt"
	"strings"

	"dcagate/internal/confirm"
	"dcagate/internal/logger"
)

// forceEnterer 便于测试时替换 Client。
type forceEnterer interface {
	ForceEnter(ctx context.Context, payload ForceEnterPayload) (*ForceEnterResponse, error)
}

// Adapter 把已确认的加仓请求转成 freqtrade /forceenter 调用。
type Adapter struct {
	client   forceEnterer
	entryTag string
}

func NewAdapter(client *Client, entryTag string) *Adapter {
	return &Adapter{client: client, entryTag: strings.TrimSpace(entryTag)}
}

// Execute 以记录中的价格与金额下单，entry_tag 形如 dca_<seq>。
func (a *Adapter) Execute(ctx context.Context, p confirm.Payload) error {
	side := strings.ToLower(strings.TrimSpace(p.Side))
	if side == "" {
		side = "long"
	}
	stake, _ := p.Stake.Float64()
	if stake <= 0 {
		return fmt.Errorf("invalid stake %s for %s", p.Stake.String(), p.Pair)
	}
	payload := ForceEnterPayload{
		Pair:        p.Pair,
		Side:        side,
		OrderType:   "limit",
		StakeAmount: stake,
	}
	if rate, _ := p.Rate.Float64(); rate > 0 {
		payload.Price = &rate
	}
	if a.entryTag != "" {
		payload.EntryTag = fmt.Sprintf("%s_%d", a.entryTag, p.Sequence)
	}

	logger.Infof("[freqtrade] forceenter %s %s stake=%s rate=%s tag=%s",
		payload.Pair, payload.Side, p.Stake.String(), p.Rate.String(), payload.EntryTag)
	resp, err := a.client.ForceEnter(ctx, payload)
	if err != nil {
		return fmt.Errorf("freqtrade forceenter failed (pair=%s stake=%.4f): %w", payload.Pair, stake, err)
	}
	logger.Infof("[freqtrade] forceenter accepted: trade_id=%d", resp.TradeID)
	return nil
}
